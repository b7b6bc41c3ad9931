package outbox

import (
	"context"
	"log/slog"
	"time"
)

// Listener delivers commit notifications for appended events.
type Listener interface {
	ListenOutbox(ctx context.Context, onTenant func(tenantID string)) error
}

// ListenForWakeups wakes d on every notification and re-establishes the
// listen connection when it drops. Polling keeps delivery going in between.
func ListenForWakeups(ctx context.Context, l Listener, d *Dispatcher, logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	retry := NewBackoff(time.Second, time.Minute, 2)
	for {
		started := time.Now()
		err := l.ListenOutbox(ctx, func(string) { d.Wake() })
		if ctx.Err() != nil {
			return
		}
		if time.Since(started) > time.Minute {
			retry.Reset()
		}
		wait := retry.Next()
		logger.Warn("outbox listener dropped, retrying", "error", err, "retry_in", wait)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}
