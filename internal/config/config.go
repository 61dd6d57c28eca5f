package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Saga coordination modes.
const (
	ModeChoreography  = "choreography"
	ModeOrchestration = "orchestration"
)

// Bus backends.
const (
	BackendMemory   = "memory"
	BackendKafka    = "kafka"
	BackendRabbitMQ = "rabbitmq"
)

var ErrInvalidConfig = errors.New("invalid config")

// Config holds all application configuration.
type Config struct {
	Verbose      bool
	Mode         string
	Database     DatabaseConfig
	HTTP         HTTPConfig
	Bus          BusConfig
	Redis        RedisConfig
	Saga         SagaConfig
	Outbox       OutboxConfig
	Participants ParticipantsConfig
	Otel         OtelConfig
}

// DatabaseConfig holds database settings.
type DatabaseConfig struct {
	Path string
}

type HTTPConfig struct {
	Addr string
}

// BusConfig selects and tunes the event bus.
type BusConfig struct {
	Backend     string
	Partitions  int
	MaxAttempts int
	RetryBase   time.Duration
	RetryMax    time.Duration
	Kafka       KafkaConfig
	RabbitMQ    RabbitMQConfig
}

type KafkaConfig struct {
	Brokers     []string
	GroupPrefix string
	ClientID    string
}

type RabbitMQConfig struct {
	URL      string
	Exchange string
}

// RedisConfig enables the Redis inbox when Addr is set.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
	InboxTTL time.Duration
}

// SagaConfig tunes the orchestrator.
type SagaConfig struct {
	CommandTimeout      time.Duration
	Concurrency         int
	MaxRetries          uint64
	RetryBase           time.Duration
	RetryMax            time.Duration
	BreakerMinRequests  uint32
	BreakerFailureRate  float64
	BreakerOpenTimeout  time.Duration
	CompensationBackoff time.Duration
}

type OutboxConfig struct {
	Interval  time.Duration
	BatchSize int
	Retention time.Duration
}

// ParticipantsConfig points the orchestrator at remote participants. Empty
// URLs mean the in-process services are used.
type ParticipantsConfig struct {
	InventoryURL string
	PaymentURL   string
}

type OtelConfig struct {
	Endpoint    string
	URLPath     string
	Insecure    bool
	ServiceName string
}

// Load reads configuration from Viper and returns a Config struct.
func Load() (*Config, error) {
	cfg := &Config{
		Verbose: viper.GetBool("verbose"),
		Mode:    viper.GetString("mode"),
		Database: DatabaseConfig{
			Path: viper.GetString("database.path"),
		},
		HTTP: HTTPConfig{
			Addr: viper.GetString("http.addr"),
		},
		Bus: BusConfig{
			Backend:     viper.GetString("bus.backend"),
			Partitions:  viper.GetInt("bus.partitions"),
			MaxAttempts: viper.GetInt("bus.max_attempts"),
			RetryBase:   viper.GetDuration("bus.retry_base"),
			RetryMax:    viper.GetDuration("bus.retry_max"),
			Kafka: KafkaConfig{
				Brokers:     viper.GetStringSlice("bus.kafka.brokers"),
				GroupPrefix: viper.GetString("bus.kafka.group_prefix"),
				ClientID:    viper.GetString("bus.kafka.client_id"),
			},
			RabbitMQ: RabbitMQConfig{
				URL:      viper.GetString("bus.rabbitmq.url"),
				Exchange: viper.GetString("bus.rabbitmq.exchange"),
			},
		},
		Redis: RedisConfig{
			Addr:     viper.GetString("redis.addr"),
			Password: viper.GetString("redis.password"),
			DB:       viper.GetInt("redis.db"),
			Prefix:   viper.GetString("redis.prefix"),
			InboxTTL: viper.GetDuration("redis.inbox_ttl"),
		},
		Saga: SagaConfig{
			CommandTimeout:      viper.GetDuration("saga.command_timeout"),
			Concurrency:         viper.GetInt("saga.concurrency"),
			MaxRetries:          viper.GetUint64("saga.max_retries"),
			RetryBase:           viper.GetDuration("saga.retry_base"),
			RetryMax:            viper.GetDuration("saga.retry_max"),
			BreakerMinRequests:  viper.GetUint32("saga.breaker.min_requests"),
			BreakerFailureRate:  viper.GetFloat64("saga.breaker.failure_rate"),
			BreakerOpenTimeout:  viper.GetDuration("saga.breaker.open_timeout"),
			CompensationBackoff: viper.GetDuration("saga.compensation_backoff"),
		},
		Outbox: OutboxConfig{
			Interval:  viper.GetDuration("outbox.interval"),
			BatchSize: viper.GetInt("outbox.batch_size"),
			Retention: viper.GetDuration("outbox.retention"),
		},
		Participants: ParticipantsConfig{
			InventoryURL: viper.GetString("participants.inventory_url"),
			PaymentURL:   viper.GetString("participants.payment_url"),
		},
		Otel: OtelConfig{
			Endpoint:    viper.GetString("otel.endpoint"),
			URLPath:     viper.GetString("otel.url_path"),
			Insecure:    viper.GetBool("otel.insecure"),
			ServiceName: viper.GetString("otel.service_name"),
		},
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Mode == "" {
		c.Mode = ModeChoreography
	}
	if c.Database.Path == "" {
		c.Database.Path = "ordersaga.db"
	}
	if c.HTTP.Addr == "" {
		c.HTTP.Addr = ":8080"
	}

	if c.Bus.Backend == "" {
		c.Bus.Backend = BackendMemory
	}
	if c.Bus.Partitions <= 0 {
		c.Bus.Partitions = 8
	}
	if c.Bus.MaxAttempts <= 0 {
		c.Bus.MaxAttempts = 5
	}
	if c.Bus.RetryBase <= 0 {
		c.Bus.RetryBase = 100 * time.Millisecond
	}
	if c.Bus.RetryMax <= 0 {
		c.Bus.RetryMax = 5 * time.Second
	}
	if c.Bus.Kafka.GroupPrefix == "" {
		c.Bus.Kafka.GroupPrefix = "ordersaga"
	}
	if c.Bus.Kafka.ClientID == "" {
		c.Bus.Kafka.ClientID = "ordersaga"
	}
	if c.Bus.RabbitMQ.Exchange == "" {
		c.Bus.RabbitMQ.Exchange = "ordersaga"
	}

	if c.Redis.Prefix == "" {
		c.Redis.Prefix = "ordersaga"
	}
	if c.Redis.InboxTTL <= 0 {
		c.Redis.InboxTTL = 7 * 24 * time.Hour
	}

	if c.Saga.CommandTimeout <= 0 {
		c.Saga.CommandTimeout = 5 * time.Second
	}
	if c.Saga.Concurrency <= 0 {
		c.Saga.Concurrency = 16
	}
	if c.Saga.RetryBase <= 0 {
		c.Saga.RetryBase = 50 * time.Millisecond
	}
	if c.Saga.RetryMax <= 0 {
		c.Saga.RetryMax = time.Second
	}
	if c.Saga.BreakerMinRequests == 0 {
		c.Saga.BreakerMinRequests = 10
	}
	if c.Saga.BreakerFailureRate <= 0 {
		c.Saga.BreakerFailureRate = 0.5
	}
	if c.Saga.BreakerOpenTimeout <= 0 {
		c.Saga.BreakerOpenTimeout = 10 * time.Second
	}
	if c.Saga.CompensationBackoff <= 0 {
		c.Saga.CompensationBackoff = 200 * time.Millisecond
	}

	if c.Outbox.Interval <= 0 {
		c.Outbox.Interval = 200 * time.Millisecond
	}
	if c.Outbox.BatchSize <= 0 {
		c.Outbox.BatchSize = 100
	}
	if c.Outbox.Retention <= 0 {
		c.Outbox.Retention = 24 * time.Hour
	}

	if c.Otel.ServiceName == "" {
		c.Otel.ServiceName = "ordersaga"
	}
}

// Validate checks settings that have no usable default.
func (c *Config) Validate() error {
	switch c.Mode {
	case ModeChoreography, ModeOrchestration:
	default:
		return fmt.Errorf("%w: unknown mode %q", ErrInvalidConfig, c.Mode)
	}

	switch c.Bus.Backend {
	case BackendMemory:
	case BackendKafka:
		if len(c.Bus.Kafka.Brokers) == 0 {
			return fmt.Errorf("%w: bus.kafka.brokers is required for the kafka backend", ErrInvalidConfig)
		}
	case BackendRabbitMQ:
		if c.Bus.RabbitMQ.URL == "" {
			return fmt.Errorf("%w: bus.rabbitmq.url is required for the rabbitmq backend", ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: unknown bus backend %q", ErrInvalidConfig, c.Bus.Backend)
	}

	if c.Saga.BreakerFailureRate > 1 {
		return fmt.Errorf("%w: saga.breaker.failure_rate must be at most 1", ErrInvalidConfig)
	}
	return nil
}
