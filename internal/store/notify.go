package store

import (
	"context"
	"errors"
	"fmt"
)

// ListenOutbox blocks on LISTEN outbox_events and calls onTenant with the
// tenant id of every committed append until ctx is cancelled.
func (s *Store) ListenOutbox(ctx context.Context, onTenant func(tenantID string)) error {
	if s.pool == nil {
		return errors.New("listen outbox: store has no connection pool")
	}
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire listen conn: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, "LISTEN "+NotifyChannel); err != nil {
		return fmt.Errorf("listen %s: %w", NotifyChannel, err)
	}
	for {
		n, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("wait for notification: %w", err)
		}
		onTenant(n.Payload)
	}
}
