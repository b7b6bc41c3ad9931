package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"catalog-pipeline/internal/models"
	"catalog-pipeline/internal/telemetry"
)

const confirmTimeout = 10 * time.Second

// RabbitMQPublisher publishes batches to a topic exchange and waits for the
// broker to confirm each one. A dropped connection is redialled on the next
// Publish.
type RabbitMQPublisher struct {
	url       string
	exchange  string
	logger    *slog.Logger
	conn      *amqp.Connection
	channel   *amqp.Channel
	closeOnce sync.Once
	mu        sync.Mutex
	healthy   atomic.Bool
	closed    atomic.Bool
	ctx       context.Context
	cancel    context.CancelFunc
}

func NewRabbitMQPublisher(url, exchange string, l *slog.Logger) (*RabbitMQPublisher, error) {
	if l == nil {
		l = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &RabbitMQPublisher{
		url:      url,
		exchange: exchange,
		logger:   l.With("transport", KindRabbitMQ),
		ctx:      ctx,
		cancel:   cancel,
	}
	if err := p.connect(); err != nil {
		cancel()
		return nil, err
	}
	return p, nil
}

// connect must be called with mu held, or before p is shared.
func (p *RabbitMQPublisher) connect() error {
	c, err := amqp.Dial(p.url)
	if err != nil {
		return fmt.Errorf("connect to rabbitmq: %w", err)
	}

	ch, err := c.Channel()
	if err != nil {
		c.Close()
		return fmt.Errorf("open rabbitmq channel: %w", err)
	}

	if err := ch.ExchangeDeclare(
		p.exchange,
		"topic",
		true,
		false,
		false,
		false,
		nil,
	); err != nil {
		ch.Close()
		c.Close()
		return fmt.Errorf("declare exchange %q: %w", p.exchange, err)
	}

	if err := ch.Confirm(false); err != nil {
		ch.Close()
		c.Close()
		return fmt.Errorf("enable publisher confirms: %w", err)
	}

	connClosed := c.NotifyClose(make(chan *amqp.Error, 1))
	chanClosed := ch.NotifyClose(make(chan *amqp.Error, 1))
	p.conn, p.channel = c, ch
	go p.monitor(c, connClosed, chanClosed)
	p.healthy.Store(true)
	telemetry.TransportHealthy.WithLabelValues(KindRabbitMQ).Set(1)
	p.logger.Info("connected to rabbitmq", "exchange", p.exchange)
	return nil
}

func (p *RabbitMQPublisher) monitor(c *amqp.Connection, connClosed, chanClosed <-chan *amqp.Error) {
	select {
	case err := <-connClosed:
		p.markUnhealthy(c, "connection closed", err)
	case err := <-chanClosed:
		p.markUnhealthy(c, "channel closed", err)
	case <-p.ctx.Done():
	}
}

// markUnhealthy ignores notifications from a connection already replaced.
func (p *RabbitMQPublisher) markUnhealthy(c *amqp.Connection, what string, err *amqp.Error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conn != c {
		return
	}
	p.healthy.Store(false)
	telemetry.TransportHealthy.WithLabelValues(KindRabbitMQ).Set(0)
	p.logger.Warn("rabbitmq "+what, "error", err)
}

// Publish sends the batch as one persistent message and blocks until the
// broker acks it, ctx ends, or the confirm times out.
func (p *RabbitMQPublisher) Publish(ctx context.Context, tenantID string, events []models.OutboxEvent) error {
	if len(events) == 0 {
		return nil
	}
	if p.closed.Load() {
		return ErrClosed
	}
	body, err := Encode(tenantID, events)
	if err != nil {
		return err
	}

	// One batch in flight per channel keeps confirms unambiguous.
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.IsHealthy() {
		if p.channel != nil {
			p.channel.Close()
		}
		if p.conn != nil {
			p.conn.Close()
		}
		if err := p.connect(); err != nil {
			return err
		}
	}

	deferred, err := p.channel.PublishWithDeferredConfirmWithContext(
		ctx,
		p.exchange,
		RoutingKey(tenantID),
		false,
		false,
		amqp.Publishing{
			Headers: amqp.Table{
				"tenant_id":      tenantID,
				"first_event_id": events[0].EventID,
				"last_event_id":  events[len(events)-1].EventID,
			},
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Timestamp:    time.Now().UTC(),
			Body:         body,
		},
	)
	if err != nil {
		return fmt.Errorf("rabbitmq publish: %w", err)
	}

	timer := time.NewTimer(confirmTimeout)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-deferred.Done():
		if !deferred.Acked() {
			return errors.New("rabbitmq nack: batch not persisted")
		}
		return nil
	case <-timer.C:
		return errors.New("rabbitmq publisher confirm timeout")
	}
}

func (p *RabbitMQPublisher) Close() error {
	p.closeOnce.Do(func() {
		p.logger.Info("closing rabbitmq publisher")
		p.closed.Store(true)
		p.cancel()
		p.mu.Lock()
		defer p.mu.Unlock()
		if p.channel != nil {
			p.channel.Close()
		}
		if p.conn != nil {
			p.conn.Close()
		}
		p.healthy.Store(false)
		telemetry.TransportHealthy.WithLabelValues(KindRabbitMQ).Set(0)
	})
	return nil
}

func (p *RabbitMQPublisher) IsHealthy() bool {
	return p.healthy.Load()
}
