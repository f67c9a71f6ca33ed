package config

import (
	"testing"
	"time"

	"github.com/colefreeman/cole-ws/internal/domain/exception"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "wss://fstream.binance.com", cfg.Stream.Endpoint)
	assert.Equal(t, []string{"btcusdt", "ethusdt", "bnbusdt", "adausdt", "maticusdt", "solusdt"}, cfg.Stream.Symbols)
	assert.Equal(t, 5*time.Second, cfg.Stream.BackoffDelay)
	assert.Equal(t, BrokerKafka, cfg.Broker.Kind)
	assert.Equal(t, AckModeFireAndForget, cfg.Broker.AckMode)
	assert.Equal(t, 3, cfg.Broker.Retries)
	assert.Equal(t, "binance-crypto-trades", cfg.Broker.Topic)
	assert.True(t, cfg.Broker.DrainOnShutdown)
	assert.Equal(t, "0.0.0.0:8080", cfg.HTTP.Addr())
	assert.Equal(t, 5*time.Minute, cfg.Cache.TTL)
	assert.Equal(t, time.Second, cfg.Cache.APITTL)
	assert.NoError(t, cfg.ValidateIngest())
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("STREAM_SYMBOLS", " btcusdt , ,ethusdt")
	t.Setenv("BROKER_ENDPOINTS", "k1:9092,k2:9092")
	t.Setenv("BROKER_ACK_MODE", "SYNC")
	t.Setenv("STREAM_BACKOFF_DELAY", "250ms")
	t.Setenv("BROKER_RETRIES", "5")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, []string{"btcusdt", "ethusdt"}, cfg.Stream.Symbols)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Broker.Endpoints)
	assert.Equal(t, AckModeSync, cfg.Broker.AckMode)
	assert.Equal(t, 250*time.Millisecond, cfg.Stream.BackoffDelay)
	assert.Equal(t, 5, cfg.Broker.Retries)
}

func TestLoadRejectsBadDuration(t *testing.T) {
	t.Setenv("STREAM_BACKOFF_DELAY", "soon")

	_, err := Load()
	assert.ErrorIs(t, err, exception.ErrConfiguration)
}

func TestValidateIngest(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(cfg *Config)
	}{
		{name: "empty symbols", mutate: func(cfg *Config) { cfg.Stream.Symbols = nil }},
		{name: "empty suffix", mutate: func(cfg *Config) { cfg.Stream.ChannelSuffix = " " }},
		{name: "missing broker endpoint", mutate: func(cfg *Config) { cfg.Broker.Endpoints = nil }},
		{name: "unknown ack mode", mutate: func(cfg *Config) { cfg.Broker.AckMode = "maybe" }},
		{name: "unknown broker", mutate: func(cfg *Config) { cfg.Broker.Kind = "nats" }},
		{name: "negative retries", mutate: func(cfg *Config) { cfg.Broker.Retries = -1 }},
		{name: "zero backoff", mutate: func(cfg *Config) { cfg.Stream.BackoffDelay = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load()
			require.NoError(t, err)
			tt.mutate(cfg)
			assert.ErrorIs(t, cfg.ValidateIngest(), exception.ErrConfiguration)
		})
	}
}

func TestValidateAggregateRequiresDSN(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)
	assert.ErrorIs(t, cfg.ValidateAggregate(), exception.ErrConfiguration)

	cfg.Postgres.DSN = "postgres://localhost/trades"
	assert.NoError(t, cfg.ValidateAggregate())
}

func TestNewLogger(t *testing.T) {
	logger, err := NewLogger("debug")
	require.NoError(t, err)
	assert.Equal(t, logrus.DebugLevel, logger.GetLevel())

	_, err = NewLogger("chatty")
	assert.ErrorIs(t, err, exception.ErrConfiguration)
}
