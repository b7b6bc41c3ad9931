package transport

import (
	"context"
	"errors"
	"sync"

	"catalog-pipeline/internal/models"
)

var ErrClosed = errors.New("transport closed")

// MemoryHub fans batches out to in-process subscribers. Slow subscribers lose
// messages rather than stall the publisher.
type MemoryHub struct {
	mu     sync.Mutex
	subs   map[string]map[chan []byte]struct{}
	closed bool
}

func NewMemoryHub() *MemoryHub {
	return &MemoryHub{subs: make(map[string]map[chan []byte]struct{})}
}

func (h *MemoryHub) Publish(_ context.Context, tenantID string, events []models.OutboxEvent) error {
	if len(events) == 0 {
		return nil
	}
	payload, err := Encode(tenantID, events)
	if err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return ErrClosed
	}
	for ch := range h.subs[tenantID] {
		select {
		case ch <- payload:
		default:
		}
	}
	return nil
}

func (h *MemoryHub) Subscribe(ctx context.Context, tenantID string) (<-chan []byte, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, ErrClosed
	}
	ch := make(chan []byte, 64)
	if h.subs[tenantID] == nil {
		h.subs[tenantID] = make(map[chan []byte]struct{})
	}
	h.subs[tenantID][ch] = struct{}{}

	go func() {
		<-ctx.Done()
		h.mu.Lock()
		defer h.mu.Unlock()
		if _, ok := h.subs[tenantID][ch]; ok {
			delete(h.subs[tenantID], ch)
			close(ch)
		}
	}()
	return ch, nil
}

func (h *MemoryHub) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	h.closed = true
	for tenant, set := range h.subs {
		for ch := range set {
			close(ch)
		}
		delete(h.subs, tenant)
	}
	return nil
}
