package stream

import (
	"errors"
	"testing"

	"github.com/colefreeman/cole-ws/internal/domain/exception"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubscriptionURL(t *testing.T) {
	url, err := SubscriptionURL("wss://fstream.binance.com/", []string{"BTCUSDT", "ethusdt", " btcusdt ", ""}, "trade")
	require.NoError(t, err)
	assert.Equal(t, "wss://fstream.binance.com/stream?streams=btcusdt@trade/ethusdt@trade", url)
}

func TestSubscriptionURLAggTrade(t *testing.T) {
	url, err := SubscriptionURL("wss://fstream.binance.com", []string{"solusdt"}, "aggTrade")
	require.NoError(t, err)
	assert.Equal(t, "wss://fstream.binance.com/stream?streams=solusdt@aggTrade", url)
}

func TestSubscriptionURLRejects(t *testing.T) {
	tests := []struct {
		name     string
		endpoint string
		symbols  []string
		suffix   string
	}{
		{name: "no symbols", endpoint: "wss://x", suffix: "trade"},
		{name: "blank symbols", endpoint: "wss://x", symbols: []string{" ", ""}, suffix: "trade"},
		{name: "no suffix", endpoint: "wss://x", symbols: []string{"btcusdt"}},
		{name: "no endpoint", symbols: []string{"btcusdt"}, suffix: "trade"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := SubscriptionURL(tt.endpoint, tt.symbols, tt.suffix)
			require.Error(t, err)
			assert.True(t, errors.Is(err, exception.ErrConfiguration))
		})
	}
}
