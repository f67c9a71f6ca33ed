package aggregator

import (
	"context"
	"errors"
	"math/rand"
	"testing"

	marketdata "github.com/colefreeman/cole-ws/internal/domain/entity/marketdata"
	"github.com/colefreeman/cole-ws/internal/domain/exception"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func randomBatch(rng *rand.Rand, size int) []marketdata.Trade {
	symbols := []string{"BTCUSDT", "ETHUSDT", "BNBUSDT", "ADAUSDT", "MATICUSDT", "SOLUSDT"}
	batch := make([]marketdata.Trade, 0, size)
	for i := 0; i < size; i++ {
		batch = append(batch, marketdata.Trade{
			Symbol:       symbols[rng.Intn(len(symbols))],
			Price:        decimal.NewFromInt(rng.Int63n(100000)).Shift(-2),
			Quantity:     decimal.NewFromInt(rng.Int63n(10000)).Shift(-3),
			Timestamp:    rng.Int63n(50),
			TradeID:      int64(i),
			BuyerIsMaker: rng.Intn(2) == 0,
		})
	}
	return batch
}

func TestPoolMatchesSingleAggregator(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	single := New(nil)
	pool := NewPool(4, func() StateStore { return NewMemoryStore() })

	for round := 0; round < 10; round++ {
		batch := randomBatch(rng, 200)

		want, err := single.Aggregate(context.Background(), batch)
		require.NoError(t, err)
		got, err := pool.Aggregate(context.Background(), batch)
		require.NoError(t, err)

		require.Equal(t, len(want), len(got))
		for i := range want {
			assert.Equal(t, want[i].Symbol, got[i].Symbol)
			assert.Equal(t, want[i].TradeID, got[i].TradeID)
			assert.True(t, want[i].CumulativeNotional.Equal(got[i].CumulativeNotional))
			assert.Equal(t, want[i].TradeCount, got[i].TradeCount)
		}
	}

	wantStates := single.Snapshots()
	gotStates := pool.Snapshots()
	require.Equal(t, len(wantStates), len(gotStates))
	for i := range wantStates {
		assert.Equal(t, wantStates[i].Symbol, gotStates[i].Symbol)
		assert.Equal(t, wantStates[i].TradeCount, gotStates[i].TradeCount)
		assert.True(t, wantStates[i].NetBuyPressure().Equal(gotStates[i].NetBuyPressure()))
	}
}

func TestPoolRoutesSymbolToOneShard(t *testing.T) {
	pool := NewPool(3, nil)
	first := pool.shardFor("BTCUSDT")
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, pool.shardFor("BTCUSDT"))
	}

	_, err := pool.Aggregate(context.Background(), []marketdata.Trade{trade("BTCUSDT", 1, "10", "1", false)})
	require.NoError(t, err)
	state, ok := pool.Snapshot("BTCUSDT")
	require.True(t, ok)
	assert.Equal(t, int64(1), state.TradeCount)
}

func TestPoolRejectsWholeBatch(t *testing.T) {
	pool := NewPool(4, nil)
	_, err := pool.Aggregate(context.Background(), []marketdata.Trade{
		trade("BTCUSDT", 1, "10", "1", false),
		trade("ETHUSDT", 1, "10", "1", false),
		trade("SOLUSDT", 1, "-10", "1", false),
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, exception.ErrBatchValidation))
	assert.Empty(t, pool.Snapshots())
}

func TestPoolHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewPool(2, nil).Aggregate(ctx, []marketdata.Trade{trade("BTCUSDT", 1, "1", "1", false)})
	assert.ErrorIs(t, err, context.Canceled)
}
