package transport

import (
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"catalog-pipeline/internal/config"
)

// New builds the publisher selected by cfg.Transport. The redis client is only
// used by the redis transport and may be nil otherwise.
func New(cfg config.Config, rdb *redis.Client, logger *slog.Logger) (Publisher, error) {
	switch cfg.Transport {
	case KindRedis:
		if rdb == nil {
			return nil, fmt.Errorf("redis transport needs a redis client")
		}
		return NewRedisPublisher(rdb, logger), nil
	case KindRabbitMQ:
		return NewRabbitMQPublisher(cfg.RabbitMQURL, cfg.RabbitMQExchange, logger)
	case KindKafka:
		return NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic, logger)
	case KindMemory:
		return NewMemoryHub(), nil
	default:
		return nil, fmt.Errorf("unknown transport %q", cfg.Transport)
	}
}
