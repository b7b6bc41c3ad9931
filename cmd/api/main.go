package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	api "catalog-pipeline/internal/api"
	"catalog-pipeline/internal/config"
	"catalog-pipeline/internal/jobs"
	"catalog-pipeline/internal/logging"
	"catalog-pipeline/internal/queue"
	"catalog-pipeline/internal/ratelimit"
	"catalog-pipeline/internal/store"
	"catalog-pipeline/internal/telemetry"
	"catalog-pipeline/internal/transport"
)

func main() {
	cfg := config.Load()
	logger := logging.New(cfg, "api")
	if err := cfg.Validate(); err != nil {
		logger.Error("config", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.InitTracing(ctx, cfg.OTelEndpoint, cfg.OTelServiceName+"-api")
	if err != nil {
		logger.Warn("tracing disabled", "error", err)
	}
	defer func() { _ = shutdownTracing(context.Background()) }()

	st, err := store.New(ctx, cfg.PostgresDSN, logger)
	if err != nil {
		logger.Error("connect postgres", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	if err := st.RunMigrations(ctx); err != nil {
		logger.Error("migrations", "error", err)
		os.Exit(1)
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer rdb.Close()

	q := queue.NewRedisQueue(rdb, cfg.VisibilityTimeout)
	svc := jobs.NewService(st, jobs.WithScheduler(q), jobs.WithLogger(logger))
	limiter := ratelimit.NewTokenBucket(rdb, cfg.SubmitRateCapacity, cfg.SubmitRateRefill, time.Hour)

	opts := []api.Option{api.WithLimiter(limiter), api.WithLogger(logger)}
	if cfg.Transport == transport.KindRedis {
		opts = append(opts, api.WithStream(transport.NewRedisPublisher(rdb, logger)))
	}
	server := api.New(cfg, svc, st, opts...)

	httpServer := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info("api listening", "port", cfg.HTTPPort, "transport", cfg.Transport)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("listen", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
}
