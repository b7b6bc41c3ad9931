package telemetry

import (
	"context"
	"log/slog"
	"time"

	"catalog-pipeline/internal/models"
)

// HealthSource reports per-tenant outbox health.
type HealthSource interface {
	OutboxHealth(ctx context.Context, consumer string) ([]models.TenantOutboxHealth, error)
}

// StartOutboxCollector refreshes the per-tenant outbox gauges every interval
// until ctx is done.
func StartOutboxCollector(ctx context.Context, src HealthSource, consumer string, interval time.Duration, logger *slog.Logger) {
	if src == nil {
		return
	}
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = 15 * time.Second
	}

	go func() {
		t := time.NewTicker(interval)
		defer t.Stop()

		RefreshOutboxGauges(ctx, src, consumer, logger)
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				RefreshOutboxGauges(ctx, src, consumer, logger)
			}
		}
	}()
}

// RefreshOutboxGauges runs one collection pass.
func RefreshOutboxGauges(ctx context.Context, src HealthSource, consumer string, logger *slog.Logger) {
	health, err := src.OutboxHealth(ctx, consumer)
	if err != nil {
		logger.Warn("metrics.outbox_health_failed", "error", err)
		return
	}
	OutboxBacklog.Reset()
	OutboxOldestPending.Reset()
	OutboxDeadLetters.Reset()
	OutboxSuccessRate.Reset()
	for _, h := range health {
		OutboxBacklog.WithLabelValues(h.TenantID).Set(float64(h.Backlog))
		OutboxOldestPending.WithLabelValues(h.TenantID).Set(h.OldestPendingSecs)
		OutboxDeadLetters.WithLabelValues(h.TenantID).Set(float64(h.DeadLetters))
		OutboxSuccessRate.WithLabelValues(h.TenantID).Set(h.DeliverySuccessRate)
	}
}
