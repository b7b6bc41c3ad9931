package memstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"catalog-pipeline/internal/models"
	"catalog-pipeline/internal/store"
)

func encodeData(data map[string]any) (json.RawMessage, error) {
	if data == nil {
		data = map[string]any{}
	}
	b, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("marshal event data: %w", err)
	}
	return b, nil
}

func (s *Store) ActiveTenants(_ context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	seen := map[string]bool{}
	var out []string
	for _, ev := range s.st.events {
		if ev.DeliveredAt == nil && !seen[ev.TenantID] {
			seen[ev.TenantID] = true
			out = append(out, ev.TenantID)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (s *Store) EnsureCursor(_ context.Context, tenantID, consumer string) (models.ProcessorCursor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := cursorKey{tenantID, consumer}
	if c, ok := s.st.cursors[key]; ok {
		return c, nil
	}

	var start, maxID int64
	found := false
	for _, ev := range s.st.events {
		if ev.TenantID != tenantID {
			continue
		}
		if ev.EventID > maxID {
			maxID = ev.EventID
		}
		if ev.DeliveredAt == nil && (!found || ev.EventID-1 < start) {
			start = ev.EventID - 1
			found = true
		}
	}
	if !found {
		start = maxID
	}
	c := models.ProcessorCursor{TenantID: tenantID, ConsumerName: consumer, LastProcessedEventID: start, LastProcessedAt: s.now()}
	s.st.cursors[key] = c
	return c, nil
}

func (s *Store) FetchAfter(_ context.Context, tenantID string, afterID int64, limit int) ([]models.OutboxEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.OutboxEvent
	for _, ev := range s.st.events {
		if len(out) >= limit {
			break
		}
		if ev.TenantID == tenantID && ev.DeliveredAt == nil && ev.EventID > afterID {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (s *Store) ConfirmDelivery(_ context.Context, tenantID, consumer string, eventIDs []int64) error {
	if len(eventIDs) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeFault(OpConfirmDelivery); err != nil {
		return err
	}
	key := cursorKey{tenantID, consumer}
	c, ok := s.st.cursors[key]
	if !ok {
		return fmt.Errorf("advance cursor: no cursor for tenant %s consumer %s", tenantID, consumer)
	}

	ids := make(map[int64]bool, len(eventIDs))
	var last int64
	for _, id := range eventIDs {
		ids[id] = true
		if id > last {
			last = id
		}
	}
	now := s.now()
	for i := range s.st.events {
		ev := &s.st.events[i]
		if ids[ev.EventID] && ev.TenantID == tenantID && ev.DeliveredAt == nil {
			delivered := now
			ev.DeliveredAt = &delivered
			ev.LastAttemptAt = &delivered
			ev.DeliveryAttempts++
		}
	}
	if last > c.LastProcessedEventID {
		c.LastProcessedEventID = last
	}
	c.LastProcessedAt = now
	s.st.cursors[key] = c
	return nil
}

func (s *Store) RecordFailure(_ context.Context, tenantID string, eventIDs []int64, lastError string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make(map[int64]bool, len(eventIDs))
	for _, id := range eventIDs {
		ids[id] = true
	}
	now := s.now()
	for i := range s.st.events {
		ev := &s.st.events[i]
		if ev.TenantID == tenantID && ids[ev.EventID] && ev.DeliveredAt == nil {
			msg := lastError
			at := now
			ev.DeliveryAttempts++
			ev.LastError = &msg
			ev.LastAttemptAt = &at
		}
	}
	return nil
}

func (s *Store) PruneDelivered(_ context.Context, retention time.Duration, batch int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := s.now().Add(-retention)
	var removed int64
	kept := s.st.events[:0:0]
	for _, ev := range s.st.events {
		if removed < int64(batch) && ev.DeliveredAt != nil && ev.DeliveredAt.Before(cutoff) {
			removed++
			continue
		}
		kept = append(kept, ev)
	}
	s.st.events = kept
	return removed, nil
}

func (s *Store) DeadLetterExhausted(_ context.Context, ceiling int, grace time.Duration, batch int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	cutoff := now.Add(-grace)
	var moved int64
	kept := s.st.events[:0:0]
	for _, ev := range s.st.events {
		if moved < int64(batch) && ev.DeliveredAt == nil && ev.DeliveryAttempts >= ceiling && ev.CreatedAt.Before(cutoff) {
			s.st.nextDeadID++
			s.st.dead = append(s.st.dead, models.DeadLetterEvent{
				ID:               s.st.nextDeadID,
				OriginalEventID:  ev.EventID,
				TenantID:         ev.TenantID,
				EventType:        ev.EventType,
				EntityType:       ev.EntityType,
				EntityID:         ev.EntityID,
				Data:             ev.Data,
				DeliveryAttempts: ev.DeliveryAttempts,
				LastError:        ev.LastError,
				FailedAt:         now,
			})
			moved++
			continue
		}
		kept = append(kept, ev)
	}
	s.st.events = kept
	return moved, nil
}

func (s *Store) ListDeadLetters(_ context.Context, tenantID string, limit int) ([]models.DeadLetterEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.DeadLetterEvent
	for i := len(s.st.dead) - 1; i >= 0 && len(out) < limit; i-- {
		if tenantID == "" || s.st.dead[i].TenantID == tenantID {
			out = append(out, s.st.dead[i])
		}
	}
	return out, nil
}

func (s *Store) OutboxHealth(_ context.Context, consumer string) ([]models.TenantOutboxHealth, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	byTenant := map[string]*models.TenantOutboxHealth{}
	get := func(tenant string) *models.TenantOutboxHealth {
		h, ok := byTenant[tenant]
		if !ok {
			h = &models.TenantOutboxHealth{TenantID: tenant}
			byTenant[tenant] = h
		}
		return h
	}
	for _, ev := range s.st.events {
		h := get(ev.TenantID)
		h.Attempts += int64(ev.DeliveryAttempts)
		if ev.DeliveredAt != nil {
			h.Delivered++
			continue
		}
		h.Backlog++
		if age := now.Sub(ev.CreatedAt).Seconds(); age > h.OldestPendingSecs {
			h.OldestPendingSecs = age
		}
	}
	for _, d := range s.st.dead {
		h := get(d.TenantID)
		h.DeadLetters++
		h.Attempts += int64(d.DeliveryAttempts)
	}
	for key, c := range s.st.cursors {
		if key.consumer == consumer {
			get(key.tenant).CursorEventID = c.LastProcessedEventID
		}
	}

	out := make([]models.TenantOutboxHealth, 0, len(byTenant))
	for _, h := range byTenant {
		h.DeliverySuccessRate = store.SuccessRate(h.Delivered, h.Attempts)
		out = append(out, *h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TenantID < out[j].TenantID })
	return out, nil
}

// Events returns a copy of the retained outbox rows, optionally for one tenant.
func (s *Store) Events(tenantID string) []models.OutboxEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.OutboxEvent
	for _, ev := range s.st.events {
		if tenantID == "" || ev.TenantID == tenantID {
			out = append(out, ev)
		}
	}
	return out
}

// Cursor returns the cursor for (tenant, consumer) if it exists.
func (s *Store) Cursor(tenantID, consumer string) (models.ProcessorCursor, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.st.cursors[cursorKey{tenantID, consumer}]
	return c, ok
}

// DeadLetters returns all dead-letter rows oldest first.
func (s *Store) DeadLetters() []models.DeadLetterEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.DeadLetterEvent(nil), s.st.dead...)
}

// Inventory returns an inventory record by id.
func (s *Store) Inventory(id string) (models.InventoryRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.st.inventory[id]
	return rec, ok
}
