package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"catalog-pipeline/internal/config"
	"catalog-pipeline/internal/lock"
	"catalog-pipeline/internal/logging"
	"catalog-pipeline/internal/outbox"
	"catalog-pipeline/internal/ratelimit"
	"catalog-pipeline/internal/store"
	"catalog-pipeline/internal/telemetry"
	"catalog-pipeline/internal/transport"
)

func main() {
	cfg := config.Load()
	logger := logging.New(cfg, "dispatcher")
	if err := cfg.Validate(); err != nil {
		logger.Error("config", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.InitTracing(ctx, cfg.OTelEndpoint, cfg.OTelServiceName+"-dispatcher")
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

	pub, err := transport.New(cfg, rdb, logger)
	if err != nil {
		logger.Error("init transport", "transport", cfg.Transport, "error", err)
		os.Exit(1)
	}
	defer pub.Close()

	window := ratelimit.NewWindow(rdb, cfg.OutboxRateLimit, cfg.OutboxRateWindow)
	d := outbox.NewDispatcher(st, pub, lock.NewLocker(rdb), window, outbox.SettingsFromConfig(cfg), outbox.WithLogger(logger))
	maintainer := outbox.NewMaintainer(st, cfg, logger)

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			logger.Warn("metrics server stopped", "error", err)
		}
	}()
	telemetry.StartOutboxCollector(ctx, st, cfg.OutboxConsumer, cfg.HealthCollectInterval, logger)

	logger.Info("dispatcher starting",
		"consumer", cfg.OutboxConsumer,
		"transport", cfg.Transport,
		"batch_size", cfg.OutboxBatchSize,
		"rate_limit", cfg.OutboxRateLimit,
		"rate_window", cfg.OutboxRateWindow)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return d.Run(gctx) })
	g.Go(func() error {
		outbox.ListenForWakeups(gctx, st, d, logger)
		return nil
	})
	g.Go(func() error {
		maintainer.Run(gctx)
		return nil
	})
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("dispatcher stopped", "error", err)
		os.Exit(1)
	}
}
