// Package transport delivers outbox batches to live subscribers over one of
// several brokers. A Publish either hands the whole batch to the broker or
// returns an error; partial delivery is reported as failure.
package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"catalog-pipeline/internal/models"
)

const (
	KindRedis    = "redis"
	KindRabbitMQ = "rabbitmq"
	KindKafka    = "kafka"
	KindMemory   = "memory"
)

// Publisher broadcasts a tenant's ordered events.
type Publisher interface {
	Publish(ctx context.Context, tenantID string, events []models.OutboxEvent) error
	Close() error
}

// Subscriber streams raw batches for one tenant until ctx is done.
type Subscriber interface {
	Subscribe(ctx context.Context, tenantID string) (<-chan []byte, error)
}

// Event is the wire shape of one event. Delivery bookkeeping stays private.
type Event struct {
	EventID    int64            `json:"event_id"`
	EventType  models.EventType `json:"event_type"`
	EntityType string           `json:"entity_type"`
	EntityID   string           `json:"entity_id"`
	Data       json.RawMessage  `json:"data"`
	CreatedAt  time.Time        `json:"created_at"`
}

// Batch is what subscribers receive on the tenant channel.
type Batch struct {
	TenantID string  `json:"tenant_id"`
	Events   []Event `json:"events"`
}

func toWire(tenantID string, events []models.OutboxEvent) (Batch, error) {
	b := Batch{TenantID: tenantID, Events: make([]Event, 0, len(events))}
	for _, ev := range events {
		if ev.TenantID != tenantID {
			return Batch{}, fmt.Errorf("event %d belongs to another tenant", ev.EventID)
		}
		data := ev.Data
		if len(data) == 0 {
			data = json.RawMessage("{}")
		}
		b.Events = append(b.Events, Event{
			EventID:    ev.EventID,
			EventType:  ev.EventType,
			EntityType: ev.EntityType,
			EntityID:   ev.EntityID,
			Data:       data,
			CreatedAt:  ev.CreatedAt.UTC(),
		})
	}
	return b, nil
}

// Encode renders a batch for the wire, refusing events from other tenants.
func Encode(tenantID string, events []models.OutboxEvent) ([]byte, error) {
	b, err := toWire(tenantID, events)
	if err != nil {
		return nil, err
	}
	return json.Marshal(b)
}

// Channel is the redis pub/sub channel of a tenant.
func Channel(tenantID string) string {
	return "catalog:events:" + tenantID
}

// RoutingKey is the rabbitmq topic routing key of a tenant.
func RoutingKey(tenantID string) string {
	return "tenant." + tenantID + ".jobs"
}
