package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"

	"catalog-pipeline/internal/config"
	"catalog-pipeline/internal/extraction"
	"catalog-pipeline/internal/jobs"
	"catalog-pipeline/internal/logging"
	"catalog-pipeline/internal/queue"
	"catalog-pipeline/internal/storage"
	"catalog-pipeline/internal/store"
	"catalog-pipeline/internal/telemetry"
	workerproc "catalog-pipeline/internal/worker"
)

func main() {
	cfg := config.Load()
	logger := logging.New(cfg, "worker")
	if err := cfg.Validate(); err != nil {
		logger.Error("config", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.InitTracing(ctx, cfg.OTelEndpoint, cfg.OTelServiceName+"-worker")
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

	resolver, err := storage.NewResolver(ctx, cfg.S3PresignTTL)
	if err != nil {
		logger.Warn("s3 references disabled", "error", err)
		resolver = storage.Passthrough()
	}
	extractor, err := extraction.NewClient(cfg.ExtractionURL, resolver, extraction.WithLogger(logger))
	if err != nil {
		logger.Error("init extraction client", "error", err)
		os.Exit(1)
	}

	svc := jobs.NewService(st, jobs.WithScheduler(q), jobs.WithLogger(logger))

	// Generate a unique worker ID from hostname or env var
	workerID := os.Getenv("WORKER_ID")
	if workerID == "" {
		hostname, _ := os.Hostname()
		if hostname != "" {
			workerID = hostname
		} else {
			workerID = fmt.Sprintf("worker-%d", os.Getpid())
		}
	}

	processor := workerproc.NewProcessorWithID(cfg, q, svc, extractor, workerID, logger)

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			logger.Warn("metrics server stopped", "error", err)
		}
	}()

	logger.Info("worker starting",
		"visibility", cfg.VisibilityTimeout,
		"budget", cfg.ExtractionBudget,
		"concurrency", cfg.WorkerConcurrency)
	if err := processor.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("worker stopped", "error", err)
		os.Exit(1)
	}
}
