package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/colefreeman/cole-ws/internal/domain/exception"

	"github.com/caarlos0/env/v11"
)

const (
	BrokerKafka    = "kafka"
	BrokerRabbitMQ = "rabbitmq"

	AckModeFireAndForget = "fire-and-forget"
	AckModeSync          = "sync"
)

// Config keeps the runtime configuration shared by the binaries.
type Config struct {
	Env             string        `env:"APP_ENV" envDefault:"development"`
	LogLevel        string        `env:"LOG_LEVEL" envDefault:"info"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"10s"`

	HTTP     HTTPConfig
	Stream   StreamConfig
	Broker   BrokerConfig
	Consumer ConsumerConfig
	Postgres PostgresConfig
	Redis    RedisConfig
	Cache    CacheConfig
}

// HTTPConfig holds HTTP server related settings.
type HTTPConfig struct {
	Host string `env:"HTTP_HOST" envDefault:"0.0.0.0"`
	Port int    `env:"HTTP_PORT" envDefault:"8080"`
}

// Addr renders the listen address in host:port form.
func (h HTTPConfig) Addr() string {
	return fmt.Sprintf("%s:%d", h.Host, h.Port)
}

// StreamConfig describes the exchange subscription and reconnect policy.
type StreamConfig struct {
	Endpoint         string        `env:"STREAM_ENDPOINT" envDefault:"wss://fstream.binance.com"`
	Symbols          []string      `env:"STREAM_SYMBOLS" envSeparator:"," envDefault:"btcusdt,ethusdt,bnbusdt,adausdt,maticusdt,solusdt"`
	ChannelSuffix    string        `env:"STREAM_CHANNEL_SUFFIX" envDefault:"trade"`
	BackoffDelay     time.Duration `env:"STREAM_BACKOFF_DELAY" envDefault:"5s"`
	BackoffMax       time.Duration `env:"STREAM_BACKOFF_MAX" envDefault:"0s"`
	BackoffFactor    float64       `env:"STREAM_BACKOFF_FACTOR" envDefault:"1"`
	BackoffJitter    float64       `env:"STREAM_BACKOFF_JITTER" envDefault:"0"`
	ReadTimeout      time.Duration `env:"STREAM_READ_TIMEOUT" envDefault:"60s"`
	HandshakeTimeout time.Duration `env:"STREAM_HANDSHAKE_TIMEOUT" envDefault:"10s"`
}

// BrokerConfig stores broker connection and delivery policy.
type BrokerConfig struct {
	Kind            string   `env:"BROKER_KIND" envDefault:"kafka"`
	Endpoints       []string `env:"BROKER_ENDPOINTS" envSeparator:"," envDefault:"localhost:9092"`
	Topic           string   `env:"BROKER_TOPIC" envDefault:"binance-crypto-trades"`
	AckMode         string   `env:"BROKER_ACK_MODE" envDefault:"fire-and-forget"`
	Retries         int      `env:"BROKER_RETRIES" envDefault:"3"`
	ExchangeName    string   `env:"BROKER_EXCHANGE_NAME" envDefault:"binance"`
	DrainOnShutdown bool     `env:"BROKER_DRAIN_ON_SHUTDOWN" envDefault:"true"`
}

// ConsumerConfig controls the aggregation consumption path.
type ConsumerConfig struct {
	Group        string        `env:"CONSUMER_GROUP" envDefault:"trade-pressure-aggregator"`
	BatchSize    int           `env:"CONSUMER_BATCH_SIZE" envDefault:"500"`
	BatchTimeout time.Duration `env:"CONSUMER_BATCH_TIMEOUT" envDefault:"1s"`
	Workers      int           `env:"CONSUMER_WORKERS" envDefault:"4"`
	Prefetch     int           `env:"CONSUMER_PREFETCH" envDefault:"500"`
}

// PostgresConfig stores database connection parameters.
type PostgresConfig struct {
	DSN string `env:"DATABASE_DSN"`
}

// RedisConfig stores Redis connection parameters.
type RedisConfig struct {
	Addr     string `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	Password string `env:"REDIS_PASSWORD"`
	DB       int    `env:"REDIS_DB" envDefault:"0"`
}

// CacheConfig stores cache behavior.
type CacheConfig struct {
	TTL time.Duration `env:"CACHE_TTL" envDefault:"5m"`
	// APITTL bounds how long HTTP responses are served from Redis.
	APITTL time.Duration `env:"CACHE_API_TTL" envDefault:"1s"`
}

// Load builds Config from environment variables.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("%w: parse environment: %v", exception.ErrConfiguration, err)
	}
	cfg.Stream.Symbols = cleanList(cfg.Stream.Symbols)
	cfg.Broker.Endpoints = cleanList(cfg.Broker.Endpoints)
	cfg.Broker.Kind = strings.ToLower(strings.TrimSpace(cfg.Broker.Kind))
	cfg.Broker.AckMode = strings.ToLower(strings.TrimSpace(cfg.Broker.AckMode))
	return cfg, nil
}

// ValidateIngest checks what the stream-to-broker bridge needs.
func (c *Config) ValidateIngest() error {
	if len(c.Stream.Symbols) == 0 {
		return fmt.Errorf("%w: STREAM_SYMBOLS is empty", exception.ErrConfiguration)
	}
	if strings.TrimSpace(c.Stream.ChannelSuffix) == "" {
		return fmt.Errorf("%w: STREAM_CHANNEL_SUFFIX is empty", exception.ErrConfiguration)
	}
	if c.Stream.Endpoint == "" {
		return fmt.Errorf("%w: STREAM_ENDPOINT is empty", exception.ErrConfiguration)
	}
	if c.Stream.BackoffDelay <= 0 {
		return fmt.Errorf("%w: STREAM_BACKOFF_DELAY must be positive", exception.ErrConfiguration)
	}
	switch c.Broker.AckMode {
	case AckModeFireAndForget, AckModeSync:
	default:
		return fmt.Errorf("%w: unsupported BROKER_ACK_MODE %q", exception.ErrConfiguration, c.Broker.AckMode)
	}
	if c.Broker.Retries < 0 {
		return fmt.Errorf("%w: BROKER_RETRIES must not be negative", exception.ErrConfiguration)
	}
	return c.validateBroker()
}

// ValidateAggregate checks what the consumer and aggregation service needs.
func (c *Config) ValidateAggregate() error {
	if err := c.validateBroker(); err != nil {
		return err
	}
	if c.Consumer.Group == "" {
		return fmt.Errorf("%w: CONSUMER_GROUP is empty", exception.ErrConfiguration)
	}
	if c.Consumer.BatchSize <= 0 {
		return fmt.Errorf("%w: CONSUMER_BATCH_SIZE must be positive", exception.ErrConfiguration)
	}
	if c.Consumer.Workers <= 0 {
		return fmt.Errorf("%w: CONSUMER_WORKERS must be positive", exception.ErrConfiguration)
	}
	if c.Postgres.DSN == "" {
		return fmt.Errorf("%w: DATABASE_DSN is required", exception.ErrConfiguration)
	}
	return nil
}

func (c *Config) validateBroker() error {
	switch c.Broker.Kind {
	case BrokerKafka, BrokerRabbitMQ:
	default:
		return fmt.Errorf("%w: unsupported BROKER_KIND %q", exception.ErrConfiguration, c.Broker.Kind)
	}
	if len(c.Broker.Endpoints) == 0 {
		return fmt.Errorf("%w: BROKER_ENDPOINTS is empty", exception.ErrConfiguration)
	}
	if c.Broker.Topic == "" {
		return fmt.Errorf("%w: BROKER_TOPIC is empty", exception.ErrConfiguration)
	}
	return nil
}

func cleanList(values []string) []string {
	cleaned := make([]string, 0, len(values))
	for _, value := range values {
		value = strings.TrimSpace(value)
		if value != "" {
			cleaned = append(cleaned, value)
		}
	}
	return cleaned
}
