package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"strings"
	"testing"

	"github.com/colefreeman/cole-ws/internal/application/service/aggregator"
	marketdata "github.com/colefreeman/cole-ws/internal/domain/entity/marketdata"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const frames = `{"stream":"btcusdt@trade","data":{"e":"trade","E":1700000000100,"s":"BTCUSDT","t":2,"p":"50010","q":"0.2","T":1700000000002,"m":true}}
{"stream":"btcusdt@trade","data":{"e":"trade","E":1700000000000,"s":"BTCUSDT","t":1,"p":"50000","q":"0.1","T":1700000000001,"m":false}}
not json

{"stream":"btcusdt@depth","data":{"e":"depthUpdate","s":"BTCUSDT"}}
{"stream":"ethusdt@trade","data":{"e":"trade","E":1700000000000,"s":"ETHUSDT","t":9,"p":"3000","q":"1","T":1700000000005,"m":false}}
`

type memoryRepo struct {
	stored []marketdata.EnrichedTrade
}

func (r *memoryRepo) AddEnrichedTrades(ctx context.Context, trades []marketdata.EnrichedTrade) error {
	r.stored = append(r.stored, trades...)
	return nil
}

func (r *memoryRepo) GetLastEnrichedTrades(ctx context.Context, symbol string, limit int) ([]marketdata.EnrichedTrade, error) {
	return nil, nil
}

func (r *memoryRepo) Close() {}

func newReplayer(batchSize int) *replayer {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return &replayer{
		aggregator: aggregator.New(nil),
		batchSize:  batchSize,
		logger:     logger.WithField("component", "replay"),
	}
}

func decodeLines(t *testing.T, out *bytes.Buffer) []map[string]any {
	t.Helper()
	var records []map[string]any
	scanner := bufio.NewScanner(out)
	for scanner.Scan() {
		var record map[string]any
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &record))
		records = append(records, record)
	}
	return records
}

func TestReplaySingleBatch(t *testing.T) {
	r := newReplayer(100)
	repo := &memoryRepo{}
	r.repo = repo
	var out bytes.Buffer

	stats, err := r.run(context.Background(), strings.NewReader(frames), &out)
	require.NoError(t, err)
	assert.Equal(t, replayStats{Lines: 5, Trades: 3, Malformed: 1, Skipped: 1, Batches: 1}, stats)

	records := decodeLines(t, &out)
	require.Len(t, records, 3)
	assert.Equal(t, "BTCUSDT", records[0]["symbol"])
	assert.Equal(t, "BUY", records[0]["trade_side"])
	assert.Equal(t, "5000", records[0]["net_buy_pressure"])
	assert.Equal(t, "SELL", records[1]["trade_side"])
	assert.Equal(t, "50005", records[1]["average_price"])
	assert.Equal(t, "ETHUSDT", records[2]["symbol"])
	assert.Len(t, repo.stored, 3)
}

func TestReplayBatchesKeepRunningTotals(t *testing.T) {
	r := newReplayer(1)
	var out bytes.Buffer

	stats, err := r.run(context.Background(), strings.NewReader(frames), &out)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Batches)

	records := decodeLines(t, &out)
	require.Len(t, records, 3)
	// Batches of one keep file order, so the later trade is folded first.
	assert.Equal(t, float64(2), records[0]["trade_id"])
	assert.Equal(t, float64(2), records[1]["trade_count"])
	assert.Equal(t, "50005", records[1]["average_price"])
}

func TestReplayStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := newReplayer(10).run(ctx, strings.NewReader(frames), io.Discard)
	assert.ErrorIs(t, err, context.Canceled)
}
