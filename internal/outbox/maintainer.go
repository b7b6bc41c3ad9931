package outbox

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"catalog-pipeline/internal/config"
	"catalog-pipeline/internal/telemetry"
)

const maxSweepRounds = 100

// Janitor is the housekeeping side of the outbox table.
type Janitor interface {
	PruneDelivered(ctx context.Context, retention time.Duration, batch int) (int64, error)
	DeadLetterExhausted(ctx context.Context, ceiling int, grace time.Duration, batch int) (int64, error)
}

// Maintainer prunes delivered events past retention and moves events that
// ran out of delivery attempts to the dead-letter table.
type Maintainer struct {
	store     Janitor
	retention time.Duration
	ceiling   int
	grace     time.Duration
	batch     int
	interval  time.Duration
	log       *slog.Logger
}

func NewMaintainer(st Janitor, cfg config.Config, logger *slog.Logger) *Maintainer {
	if logger == nil {
		logger = slog.Default()
	}
	batch := cfg.OutboxPruneBatch
	if batch <= 0 {
		batch = 500
	}
	return &Maintainer{
		store:     st,
		retention: cfg.OutboxRetention,
		ceiling:   cfg.OutboxAttemptCeiling,
		grace:     cfg.OutboxDLQGrace,
		batch:     batch,
		interval:  cfg.MaintenanceInterval,
		log:       logger.With("component", "maintainer"),
	}
}

// RunOnce sweeps until both passes come back short of a full batch.
func (m *Maintainer) RunOnce(ctx context.Context) (pruned, deadLettered int64, err error) {
	for i := 0; i < maxSweepRounds; i++ {
		n, err := m.store.PruneDelivered(ctx, m.retention, m.batch)
		if err != nil {
			return pruned, deadLettered, fmt.Errorf("prune delivered: %w", err)
		}
		pruned += n
		if n < int64(m.batch) {
			break
		}
	}
	for i := 0; i < maxSweepRounds; i++ {
		n, err := m.store.DeadLetterExhausted(ctx, m.ceiling, m.grace, m.batch)
		if err != nil {
			return pruned, deadLettered, fmt.Errorf("dead-letter exhausted: %w", err)
		}
		deadLettered += n
		if n < int64(m.batch) {
			break
		}
	}

	telemetry.OutboxPruned.Add(float64(pruned))
	telemetry.OutboxDeadLettered.Add(float64(deadLettered))
	if deadLettered > 0 {
		m.log.Warn("events dead-lettered", "count", deadLettered, "ceiling", m.ceiling)
	}
	if pruned > 0 {
		m.log.Info("delivered events pruned", "count", pruned)
	}
	return pruned, deadLettered, nil
}

// Run calls RunOnce every interval until ctx ends.
func (m *Maintainer) Run(ctx context.Context) {
	interval := m.interval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if _, _, err := m.RunOnce(ctx); err != nil && ctx.Err() == nil {
			m.log.Error("maintenance sweep failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
