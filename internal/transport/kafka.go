package transport

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/IBM/sarama"

	"catalog-pipeline/internal/models"
)

// KafkaPublisher writes each batch as one record keyed by tenant, so a
// tenant's batches land on one partition in order.
type KafkaPublisher struct {
	topic    string
	producer sarama.SyncProducer
	log      *slog.Logger
}

func NewKafkaPublisher(brokers []string, topic string, logger *slog.Logger) (*KafkaPublisher, error) {
	cfg := sarama.NewConfig()
	cfg.Producer.Return.Successes = true
	cfg.Producer.Return.Errors = true
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Idempotent = true
	cfg.Net.MaxOpenRequests = 1
	cfg.Producer.Retry.Max = 5
	cfg.Producer.Retry.Backoff = 500 * time.Millisecond

	prod, err := sarama.NewSyncProducer(brokers, cfg)
	if err != nil {
		return nil, fmt.Errorf("create sarama sync producer: %w", err)
	}
	return NewKafkaPublisherWithProducer(prod, topic, logger), nil
}

// NewKafkaPublisherWithProducer wraps an existing producer.
func NewKafkaPublisherWithProducer(prod sarama.SyncProducer, topic string, logger *slog.Logger) *KafkaPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &KafkaPublisher{topic: topic, producer: prod, log: logger.With("transport", KindKafka)}
}

// Publish ignores ctx once the record is handed to sarama; the producer's own
// retry budget bounds the call.
func (p *KafkaPublisher) Publish(ctx context.Context, tenantID string, events []models.OutboxEvent) error {
	if len(events) == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	b, err := Encode(tenantID, events)
	if err != nil {
		return err
	}

	msg := &sarama.ProducerMessage{
		Topic: p.topic,
		Key:   sarama.StringEncoder(tenantID),
		Value: sarama.ByteEncoder(b),
		Headers: []sarama.RecordHeader{
			{Key: []byte("tenant_id"), Value: []byte(tenantID)},
			{Key: []byte("last_event_id"), Value: []byte(strconv.FormatInt(events[len(events)-1].EventID, 10))},
		},
		Timestamp: time.Now(),
	}

	partition, offset, err := p.producer.SendMessage(msg)
	if err != nil {
		return fmt.Errorf("send kafka message: %w", err)
	}
	p.log.Debug("batch published", "tenant_id", tenantID, "events", len(events), "partition", partition, "offset", offset)
	return nil
}

func (p *KafkaPublisher) Close() error {
	return p.producer.Close()
}
