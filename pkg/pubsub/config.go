package pubsub

import (
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	DriverNone  = "none"
	DriverRedis = "redis"
	DriverKafka = "kafka"
)

type Config struct {
	Driver string `mapstructure:"driver"`
	// Prefix namespaces redis channels.
	Prefix string      `mapstructure:"prefix"`
	Redis  RedisConfig `mapstructure:"redis"`
	Kafka  KafkaConfig `mapstructure:"kafka"`
}

// RedisConfig is only used when no shared client is handed to NewBus.
type RedisConfig struct {
	Address      string        `mapstructure:"address"`
	Password     string        `mapstructure:"password"`
	DB           int           `mapstructure:"db"`
	PoolSize     int           `mapstructure:"pool_size"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

type KafkaConfig struct {
	Brokers string `mapstructure:"brokers"`
	Topic   string `mapstructure:"topic"`
	// GroupID is a prefix; each subscription joins its own group so that
	// every instance sees every event.
	GroupID    string `mapstructure:"group_id"`
	Partitions int    `mapstructure:"partitions"`
}

// NewBus creates the event bus selected by cfg.Driver. The redis driver
// reuses shared when it is non-nil.
func NewBus(cfg Config, shared *redis.Client) (Bus, error) {
	switch cfg.Driver {
	case "", DriverNone:
		return NewNoop(), nil
	case DriverRedis:
		if shared != nil {
			return NewRedisBusWithClient(shared, cfg.Prefix, false), nil
		}
		return NewRedisBus(cfg.Redis, cfg.Prefix)
	case DriverKafka:
		return NewKafkaBus(cfg.Kafka)
	default:
		return nil, fmt.Errorf("unknown event bus driver %q", cfg.Driver)
	}
}
