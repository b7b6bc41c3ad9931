package transport

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"catalog-pipeline/internal/models"
)

// RedisPublisher publishes each batch as one pub/sub message.
type RedisPublisher struct {
	client *redis.Client
	log    *slog.Logger
}

func NewRedisPublisher(client *redis.Client, logger *slog.Logger) *RedisPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisPublisher{client: client, log: logger.With("transport", KindRedis)}
}

func (p *RedisPublisher) Publish(ctx context.Context, tenantID string, events []models.OutboxEvent) error {
	if len(events) == 0 {
		return nil
	}
	payload, err := Encode(tenantID, events)
	if err != nil {
		return err
	}
	receivers, err := p.client.Publish(ctx, Channel(tenantID), payload).Result()
	if err != nil {
		return fmt.Errorf("redis publish: %w", err)
	}
	p.log.Debug("batch published", "tenant_id", tenantID, "events", len(events), "receivers", receivers)
	return nil
}

// Subscribe relays raw batch payloads. The returned channel closes when ctx
// ends or the subscription drops.
func (p *RedisPublisher) Subscribe(ctx context.Context, tenantID string) (<-chan []byte, error) {
	sub := p.client.Subscribe(ctx, Channel(tenantID))
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("redis subscribe: %w", err)
	}

	out := make(chan []byte, 16)
	go func() {
		defer close(out)
		defer sub.Close()
		msgs := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				select {
				case out <- []byte(msg.Payload):
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// Close is a no-op; the redis client is owned by the caller.
func (p *RedisPublisher) Close() error { return nil }
