package marketdata

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/colefreeman/cole-ws/internal/application/service/aggregator"
	marketdata "github.com/colefreeman/cole-ws/internal/domain/entity/marketdata"
	"github.com/colefreeman/cole-ws/internal/domain/exception"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRepo struct {
	stored    []marketdata.EnrichedTrade
	err       error
	gotSymbol string
	gotLimit  int
	closed    bool
}

func (r *fakeRepo) AddEnrichedTrades(ctx context.Context, trades []marketdata.EnrichedTrade) error {
	if r.err != nil {
		return r.err
	}
	r.stored = append(r.stored, trades...)
	return nil
}

func (r *fakeRepo) GetLastEnrichedTrades(ctx context.Context, symbol string, limit int) ([]marketdata.EnrichedTrade, error) {
	r.gotSymbol, r.gotLimit = symbol, limit
	return r.stored, nil
}

func (r *fakeRepo) Close() { r.closed = true }

type fakeCache struct {
	published []marketdata.PressureSnapshot
	stored    map[string]marketdata.PressureSnapshot
	err       error
}

func (c *fakeCache) PublishSnapshots(ctx context.Context, snapshots []marketdata.PressureSnapshot) error {
	if c.err != nil {
		return c.err
	}
	c.published = append(c.published, snapshots...)
	return nil
}

func (c *fakeCache) GetSnapshot(ctx context.Context, symbol string) (*marketdata.PressureSnapshot, error) {
	snapshot, ok := c.stored[symbol]
	if !ok {
		return nil, nil
	}
	return &snapshot, nil
}

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func trade(symbol string, ts int64, price, qty string, buyerIsMaker bool) marketdata.Trade {
	return marketdata.Trade{
		Symbol:       symbol,
		Price:        decimal.RequireFromString(price),
		Quantity:     decimal.RequireFromString(qty),
		Timestamp:    ts,
		BuyerIsMaker: buyerIsMaker,
	}
}

func TestProcessTradesStoresAndCaches(t *testing.T) {
	repo := &fakeRepo{}
	cache := &fakeCache{}
	svc := NewService(aggregator.NewPool(2, nil), repo, cache, quietLogger(), nil)

	err := svc.ProcessTrades(context.Background(), []marketdata.Trade{
		trade("ETHUSDT", 2, "3000", "1", true),
		trade("BTCUSDT", 1, "50000", "0.1", false),
		trade("ETHUSDT", 1, "3100", "1", false),
	})
	require.NoError(t, err)

	require.Len(t, repo.stored, 3)
	assert.Equal(t, "BTCUSDT", repo.stored[0].Symbol)
	assert.Equal(t, int64(1), repo.stored[1].Timestamp)
	assert.Equal(t, int64(2), repo.stored[2].Timestamp)

	require.Len(t, cache.published, 2)
	assert.Equal(t, "BTCUSDT", cache.published[0].Symbol)
	assert.Equal(t, "5000", cache.published[0].NetBuyPressure.String())
	assert.Equal(t, "ETHUSDT", cache.published[1].Symbol)
	assert.Equal(t, "100", cache.published[1].NetBuyPressure.String())
	assert.Equal(t, "3050", cache.published[1].AveragePrice.String())
}

func TestProcessTradesRejectsInvalidBatch(t *testing.T) {
	repo := &fakeRepo{}
	cache := &fakeCache{}
	svc := NewService(aggregator.New(nil), repo, cache, quietLogger(), nil)

	err := svc.ProcessTrades(context.Background(), []marketdata.Trade{
		trade("BTCUSDT", 1, "50000", "0.1", false),
		trade("", 2, "1", "1", false),
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, exception.ErrBatchValidation))
	assert.Empty(t, repo.stored)
	assert.Empty(t, cache.published)
}

func TestProcessTradesJoinsSinkErrors(t *testing.T) {
	repoErr := errors.New("copy failed")
	cacheErr := errors.New("redis down")
	svc := NewService(aggregator.New(nil), &fakeRepo{err: repoErr}, &fakeCache{err: cacheErr}, quietLogger(), nil)

	err := svc.ProcessTrades(context.Background(), []marketdata.Trade{trade("BTCUSDT", 1, "1", "1", false)})
	require.Error(t, err)
	assert.ErrorIs(t, err, repoErr)
	assert.ErrorIs(t, err, cacheErr)

	state, ok := svc.aggregator.Snapshot("BTCUSDT")
	require.True(t, ok)
	assert.Equal(t, int64(1), state.TradeCount)
}

func TestGetLastTrades(t *testing.T) {
	repo := &fakeRepo{}
	svc := NewService(aggregator.New(nil), repo, nil, quietLogger(), nil)

	_, err := svc.GetLastTrades(context.Background(), "btcusdt", 0)
	assert.ErrorIs(t, err, ErrInvalidLimit)
	_, err = svc.GetLastTrades(context.Background(), " ", 10)
	assert.ErrorIs(t, err, ErrEmptySymbol)

	_, err = svc.GetLastTrades(context.Background(), " btcusdt", 10)
	require.NoError(t, err)
	assert.Equal(t, "BTCUSDT", repo.gotSymbol)
	assert.Equal(t, 10, repo.gotLimit)
}

func TestGetLastTradesWithoutRepository(t *testing.T) {
	svc := NewService(aggregator.New(nil), nil, nil, quietLogger(), nil)

	_, err := svc.GetLastTrades(context.Background(), "BTCUSDT", 10)
	assert.ErrorIs(t, err, ErrNoRepository)
}

func TestGetPressure(t *testing.T) {
	cache := &fakeCache{stored: map[string]marketdata.PressureSnapshot{
		"SOLUSDT": marketdata.NewPressureSnapshot(marketdata.SymbolAggregateState{Symbol: "SOLUSDT", TradeCount: 7}),
	}}
	svc := NewService(aggregator.New(nil), &fakeRepo{}, cache, quietLogger(), nil)
	require.NoError(t, svc.ProcessTrades(context.Background(), []marketdata.Trade{trade("BTCUSDT", 1, "100", "2", true)}))

	local, err := svc.GetPressure(context.Background(), "btcusdt")
	require.NoError(t, err)
	assert.Equal(t, "-200", local.NetBuyPressure.String())

	cached, err := svc.GetPressure(context.Background(), "SOLUSDT")
	require.NoError(t, err)
	assert.Equal(t, int64(7), cached.TradeCount)

	_, err = svc.GetPressure(context.Background(), "DOGEUSDT")
	assert.ErrorIs(t, err, ErrSymbolNotFound)
}

func TestCloseClosesRepository(t *testing.T) {
	repo := &fakeRepo{}
	NewService(aggregator.New(nil), repo, nil, nil, nil).Close()
	assert.True(t, repo.closed)
}
