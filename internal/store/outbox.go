package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"catalog-pipeline/internal/models"
)

// NotifyChannel is the LISTEN/NOTIFY channel signalled on every outbox append.
// The payload is the tenant id.
const NotifyChannel = "outbox_events"

var outboxColumns = []string{
	"event_id", "tenant_id", "event_type", "entity_type", "entity_id", "event_data", "created_at",
	"delivery_attempts", "last_error", "last_attempt_at", "delivered_at",
}

// appendEvent is the only writer of outbox rows. It must run inside the
// transaction of the job mutation it describes.
//
// The per-tenant transaction lock serialises appends within a tenant so that
// event ids become visible in commit order; a cursor can then never skip an id
// that commits late.
func appendEvent(ctx context.Context, tx pgx.Tx, ev models.NewEvent) error {
	if ev.TenantID == "" || ev.EventType == "" || ev.EntityID == "" {
		return errors.New("append event: tenant, type and entity are required")
	}
	data := ev.Data
	if data == nil {
		data = map[string]any{}
	}
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal event data: %w", err)
	}
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext('outbox:' || $1::text))`, ev.TenantID); err != nil {
		return fmt.Errorf("lock tenant outbox: %w", err)
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO outbox_events (tenant_id, event_type, entity_type, entity_id, event_data)
		VALUES ($1, $2, $3, $4, $5)
	`, ev.TenantID, string(ev.EventType), ev.EntityType, ev.EntityID, payload); err != nil {
		return fmt.Errorf("insert outbox event: %w", err)
	}
	if _, err := tx.Exec(ctx, `SELECT pg_notify($1, $2)`, NotifyChannel, ev.TenantID); err != nil {
		return fmt.Errorf("notify outbox: %w", err)
	}
	return nil
}

// ActiveTenants lists tenants with undelivered events.
func (s *Store) ActiveTenants(ctx context.Context) ([]string, error) {
	rows, err := s.db.Query(ctx, `SELECT DISTINCT tenant_id FROM outbox_events WHERE delivered_at IS NULL`)
	if err != nil {
		return nil, fmt.Errorf("query active tenants: %w", err)
	}
	tenants, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("collect active tenants: %w", err)
	}
	return tenants, nil
}

// EnsureCursor returns the (tenant, consumer) cursor, creating it just before
// the oldest undelivered event when it does not exist yet.
func (s *Store) EnsureCursor(ctx context.Context, tenantID, consumer string) (models.ProcessorCursor, error) {
	if _, err := s.db.Exec(ctx, `
		INSERT INTO processor_cursors (tenant_id, consumer_name, last_processed_event_id, last_processed_at)
		SELECT $1, $2,
			COALESCE(MIN(event_id) - 1,
				(SELECT COALESCE(MAX(event_id), 0) FROM outbox_events WHERE tenant_id = $1)),
			NOW()
		FROM outbox_events
		WHERE tenant_id = $1 AND delivered_at IS NULL
		ON CONFLICT (tenant_id, consumer_name) DO NOTHING
	`, tenantID, consumer); err != nil {
		return models.ProcessorCursor{}, fmt.Errorf("init cursor: %w", err)
	}

	c := models.ProcessorCursor{TenantID: tenantID, ConsumerName: consumer}
	if err := s.db.QueryRow(ctx, `
		SELECT last_processed_event_id, last_processed_at
		FROM processor_cursors WHERE tenant_id = $1 AND consumer_name = $2
	`, tenantID, consumer).Scan(&c.LastProcessedEventID, &c.LastProcessedAt); err != nil {
		return models.ProcessorCursor{}, fmt.Errorf("read cursor: %w", err)
	}
	return c, nil
}

// FetchAfter reads up to limit undelivered events for tenant with event_id > afterID, oldest first.
func (s *Store) FetchAfter(ctx context.Context, tenantID string, afterID int64, limit int) ([]models.OutboxEvent, error) {
	query, args, err := s.sb.Select(outboxColumns...).
		From("outbox_events").
		Where(sq.Eq{"tenant_id": tenantID, "delivered_at": nil}).
		Where(sq.Gt{"event_id": afterID}).
		OrderBy("event_id ASC").
		Limit(uint64(limit)).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build fetch outbox sql: %w", err)
	}
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("fetch outbox: %w", err)
	}
	defer rows.Close()

	var out []models.OutboxEvent
	for rows.Next() {
		var (
			ev                     models.OutboxEvent
			eventType              string
			data                   []byte
			lastErr                pgtype.Text
			lastAttempt, delivered pgtype.Timestamptz
		)
		if err := rows.Scan(&ev.EventID, &ev.TenantID, &eventType, &ev.EntityType, &ev.EntityID, &data, &ev.CreatedAt,
			&ev.DeliveryAttempts, &lastErr, &lastAttempt, &delivered); err != nil {
			return nil, fmt.Errorf("scan outbox event: %w", err)
		}
		ev.EventType = models.EventType(eventType)
		ev.Data = json.RawMessage(data)
		ev.LastError = textPtr(lastErr)
		ev.LastAttemptAt = timePtr(lastAttempt)
		ev.DeliveredAt = timePtr(delivered)
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate outbox: %w", err)
	}
	return out, nil
}

// ConfirmDelivery marks events delivered and advances the cursor to the largest
// id in one transaction. The cursor only moves forward.
func (s *Store) ConfirmDelivery(ctx context.Context, tenantID, consumer string, eventIDs []int64) error {
	if len(eventIDs) == 0 {
		return nil
	}
	last := eventIDs[0]
	for _, id := range eventIDs[1:] {
		if id > last {
			last = id
		}
	}

	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	if _, err := tx.Exec(ctx, `
		UPDATE outbox_events
		SET delivered_at = NOW(), delivery_attempts = delivery_attempts + 1, last_attempt_at = NOW()
		WHERE tenant_id = $1 AND event_id = ANY($2) AND delivered_at IS NULL
	`, tenantID, eventIDs); err != nil {
		return fmt.Errorf("mark delivered: %w", err)
	}
	tag, err := tx.Exec(ctx, `
		UPDATE processor_cursors
		SET last_processed_event_id = GREATEST(last_processed_event_id, $3), last_processed_at = NOW()
		WHERE tenant_id = $1 AND consumer_name = $2
	`, tenantID, consumer, last)
	if err != nil {
		return fmt.Errorf("advance cursor: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("advance cursor: no cursor for tenant %s consumer %s", tenantID, consumer)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// RecordFailure bumps attempts and stores the transport error on the tenant's
// undelivered events.
func (s *Store) RecordFailure(ctx context.Context, tenantID string, eventIDs []int64, lastError string) error {
	if len(eventIDs) == 0 {
		return nil
	}
	if _, err := s.db.Exec(ctx, `
		UPDATE outbox_events
		SET delivery_attempts = delivery_attempts + 1, last_error = $3, last_attempt_at = NOW()
		WHERE tenant_id = $1 AND event_id = ANY($2) AND delivered_at IS NULL
	`, tenantID, eventIDs, lastError); err != nil {
		return fmt.Errorf("record delivery failure: %w", err)
	}
	return nil
}

// PruneDelivered deletes one batch of events delivered before now-retention.
// Rows locked by a concurrent pruner are skipped, not waited on.
func (s *Store) PruneDelivered(ctx context.Context, retention time.Duration, batch int) (int64, error) {
	tag, err := s.db.Exec(ctx, `
		DELETE FROM outbox_events
		WHERE event_id IN (
			SELECT event_id FROM outbox_events
			WHERE delivered_at IS NOT NULL AND delivered_at < NOW() - make_interval(secs => $1)
			ORDER BY event_id
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
	`, retention.Seconds(), batch)
	if err != nil {
		return 0, fmt.Errorf("prune outbox: %w", err)
	}
	return tag.RowsAffected(), nil
}

// DeadLetterExhausted moves one batch of undelivered events with at least
// ceiling attempts, created before now-grace, into dead_letter_events.
func (s *Store) DeadLetterExhausted(ctx context.Context, ceiling int, grace time.Duration, batch int) (int64, error) {
	tag, err := s.db.Exec(ctx, `
		WITH moved AS (
			DELETE FROM outbox_events
			WHERE event_id IN (
				SELECT event_id FROM outbox_events
				WHERE delivered_at IS NULL
					AND delivery_attempts >= $1
					AND created_at < NOW() - make_interval(secs => $2)
				ORDER BY event_id
				LIMIT $3
				FOR UPDATE SKIP LOCKED
			)
			RETURNING event_id, tenant_id, event_type, entity_type, entity_id, event_data, delivery_attempts, last_error
		)
		INSERT INTO dead_letter_events
			(original_event_id, tenant_id, event_type, entity_type, entity_id, event_data, delivery_attempts, last_error, failed_at)
		SELECT event_id, tenant_id, event_type, entity_type, entity_id, event_data, delivery_attempts, last_error, NOW()
		FROM moved
		ON CONFLICT (original_event_id) DO NOTHING
	`, ceiling, grace.Seconds(), batch)
	if err != nil {
		return 0, fmt.Errorf("dead-letter outbox: %w", err)
	}
	return tag.RowsAffected(), nil
}

// ListDeadLetters returns the most recent dead letters, optionally for one tenant.
func (s *Store) ListDeadLetters(ctx context.Context, tenantID string, limit int) ([]models.DeadLetterEvent, error) {
	b := s.sb.Select("id", "original_event_id", "tenant_id", "event_type", "entity_type", "entity_id",
		"event_data", "delivery_attempts", "last_error", "failed_at").
		From("dead_letter_events").
		OrderBy("failed_at DESC", "id DESC").
		Limit(uint64(limit))
	if tenantID != "" {
		b = b.Where(sq.Eq{"tenant_id": tenantID})
	}
	query, args, err := b.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build dead letters sql: %w", err)
	}
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}
	defer rows.Close()

	var out []models.DeadLetterEvent
	for rows.Next() {
		var (
			d         models.DeadLetterEvent
			eventType string
			data      []byte
			lastErr   pgtype.Text
		)
		if err := rows.Scan(&d.ID, &d.OriginalEventID, &d.TenantID, &eventType, &d.EntityType, &d.EntityID,
			&data, &d.DeliveryAttempts, &lastErr, &d.FailedAt); err != nil {
			return nil, fmt.Errorf("scan dead letter: %w", err)
		}
		d.EventType = models.EventType(eventType)
		d.Data = json.RawMessage(data)
		d.LastError = textPtr(lastErr)
		out = append(out, d)
	}
	return out, rows.Err()
}

// OutboxHealth summarises backlog, cursor position, dead letters and delivery
// success per tenant for consumer. Success rate covers rows still retained.
func (s *Store) OutboxHealth(ctx context.Context, consumer string) ([]models.TenantOutboxHealth, error) {
	rows, err := s.db.Query(ctx, `
		WITH pending AS (
			SELECT tenant_id,
				COUNT(*) FILTER (WHERE delivered_at IS NULL) AS backlog,
				MIN(created_at) FILTER (WHERE delivered_at IS NULL) AS oldest_pending,
				COUNT(*) FILTER (WHERE delivered_at IS NOT NULL) AS delivered,
				COALESCE(SUM(delivery_attempts), 0) AS attempts
			FROM outbox_events GROUP BY tenant_id
		), dlq AS (
			SELECT tenant_id, COUNT(*) AS dead, COALESCE(SUM(delivery_attempts), 0) AS dead_attempts
			FROM dead_letter_events GROUP BY tenant_id
		), cur AS (
			SELECT tenant_id, last_processed_event_id FROM processor_cursors WHERE consumer_name = $1
		), tenants AS (
			SELECT tenant_id FROM pending UNION SELECT tenant_id FROM dlq UNION SELECT tenant_id FROM cur
		)
		SELECT t.tenant_id,
			COALESCE(p.backlog, 0),
			COALESCE(EXTRACT(EPOCH FROM NOW() - p.oldest_pending), 0)::float8,
			COALESCE(c.last_processed_event_id, 0),
			COALESCE(d.dead, 0),
			COALESCE(p.delivered, 0),
			(COALESCE(p.attempts, 0) + COALESCE(d.dead_attempts, 0))::bigint
		FROM tenants t
		LEFT JOIN pending p USING (tenant_id)
		LEFT JOIN dlq d USING (tenant_id)
		LEFT JOIN cur c USING (tenant_id)
		ORDER BY t.tenant_id
	`, consumer)
	if err != nil {
		return nil, fmt.Errorf("query outbox health: %w", err)
	}
	defer rows.Close()

	var out []models.TenantOutboxHealth
	for rows.Next() {
		var h models.TenantOutboxHealth
		if err := rows.Scan(&h.TenantID, &h.Backlog, &h.OldestPendingSecs, &h.CursorEventID, &h.DeadLetters,
			&h.Delivered, &h.Attempts); err != nil {
			return nil, fmt.Errorf("scan outbox health: %w", err)
		}
		h.DeliverySuccessRate = SuccessRate(h.Delivered, h.Attempts)
		out = append(out, h)
	}
	return out, rows.Err()
}

// SuccessRate is delivered/attempts, or 1 when nothing has been attempted.
func SuccessRate(delivered, attempts int64) float64 {
	if attempts <= 0 {
		return 1
	}
	rate := float64(delivered) / float64(attempts)
	if rate > 1 {
		rate = 1
	}
	return rate
}
