package ingest

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"

	"github.com/colefreeman/cole-ws/internal/application/service/aggregator"
	marketdata "github.com/colefreeman/cole-ws/internal/domain/entity/marketdata"
	"github.com/colefreeman/cole-ws/internal/domain/exception"
	"github.com/colefreeman/cole-ws/internal/infrastructure/binance"
	"github.com/colefreeman/cole-ws/internal/infrastructure/broker"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type scriptedSource struct {
	frames []string
	end    error
}

func (s *scriptedSource) Receive(ctx context.Context) (marketdata.Frame, error) {
	if err := ctx.Err(); err != nil {
		return marketdata.Frame{}, err
	}
	if len(s.frames) == 0 {
		return marketdata.Frame{}, s.end
	}
	next := s.frames[0]
	s.frames = s.frames[1:]
	return marketdata.Frame{Data: []byte(next)}, nil
}

type recordingPublisher struct {
	trades []marketdata.Trade
	failOn string
}

func (p *recordingPublisher) Publish(ctx context.Context, trade marketdata.Trade) (marketdata.PublishOutcome, error) {
	if trade.Symbol == p.failOn {
		return marketdata.OutcomeFailed, exception.ErrPublish
	}
	p.trades = append(p.trades, trade)
	return marketdata.OutcomeQueued, nil
}

type memoryProducer struct {
	mu       sync.Mutex
	messages []broker.Message
}

func (p *memoryProducer) Send(ctx context.Context, msg broker.Message) error {
	return p.Enqueue(ctx, msg)
}

func (p *memoryProducer) Enqueue(ctx context.Context, msg broker.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.messages = append(p.messages, msg)
	return nil
}

func (p *memoryProducer) Close(ctx context.Context, drain bool) error { return nil }

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

const (
	btcFrame = `{"stream":"btcusdt@trade","data":{"e":"trade","E":1700000000001,"s":"BTCUSDT","t":1,"p":"50000","q":"0.1","T":1700000000000,"m":false}}`
	ethFrame = `{"stream":"ethusdt@trade","data":{"e":"trade","s":"ETHUSDT","t":2,"p":"3000","q":"1","T":1700000000100,"m":true}}`
)

func TestRunSkipsBadFramesAndKeepsGoing(t *testing.T) {
	source := &scriptedSource{
		frames: []string{
			btcFrame,
			`{"stream":"btcusdt@trade"}`,
			`{"stream":"btcusdt@depth","data":{"e":"depthUpdate","s":"BTCUSDT"}}`,
			`not json`,
			ethFrame,
		},
		end: exception.ErrClosed,
	}
	pub := &recordingPublisher{}
	svc := NewService(source, binance.DecodeTrade, pub, quietLogger(), nil)

	require.NoError(t, svc.Run(context.Background()))

	require.Len(t, pub.trades, 2)
	assert.Equal(t, "BTCUSDT", pub.trades[0].Symbol)
	assert.Equal(t, "ETHUSDT", pub.trades[1].Symbol)
	assert.Equal(t, Stats{Frames: 5, Published: 2, Malformed: 2, Skipped: 1}, svc.Stats())
}

func TestRunContinuesAfterPublishFailure(t *testing.T) {
	source := &scriptedSource{frames: []string{btcFrame, ethFrame}, end: exception.ErrClosed}
	pub := &recordingPublisher{failOn: "BTCUSDT"}
	svc := NewService(source, binance.DecodeTrade, pub, quietLogger(), nil)

	require.NoError(t, svc.Run(context.Background()))
	require.Len(t, pub.trades, 1)
	assert.Equal(t, int64(1), svc.Stats().Failed)
}

func TestRunStopsOnCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	svc := NewService(&scriptedSource{frames: []string{btcFrame}}, binance.DecodeTrade, &recordingPublisher{}, quietLogger(), nil)
	assert.NoError(t, svc.Run(ctx))
	assert.Equal(t, int64(0), svc.Stats().Frames)
}

func TestRunReturnsUnexpectedSourceError(t *testing.T) {
	boom := errors.New("boom")
	svc := NewService(&scriptedSource{end: boom}, binance.DecodeTrade, &recordingPublisher{}, quietLogger(), nil)

	err := svc.Run(context.Background())
	assert.ErrorIs(t, err, boom)
}

func TestTakerBuyFlowsFromFrameToPressure(t *testing.T) {
	producer := &memoryProducer{}
	pub := broker.NewPublisher(producer, broker.PublisherConfig{}, quietLogger(), nil)
	svc := NewService(&scriptedSource{frames: []string{btcFrame}, end: exception.ErrClosed}, binance.DecodeTrade, pub, quietLogger(), nil)

	require.NoError(t, svc.Run(context.Background()))
	require.Len(t, producer.messages, 1)
	msg := producer.messages[0]
	assert.Equal(t, "BTCUSDT", msg.Key)

	trades, err := broker.DecodeTrades([][]byte{msg.Value})
	require.NoError(t, err)

	enriched, err := aggregator.New(nil).Aggregate(context.Background(), trades)
	require.NoError(t, err)
	require.Len(t, enriched, 1)

	e := enriched[0]
	assert.Equal(t, marketdata.TradeSideBuy, e.Side)
	assert.Equal(t, "5000", e.TradeValue.String())
	assert.Equal(t, "5000", e.BuyValue.String())
	assert.True(t, e.SellValue.IsZero())
	assert.Equal(t, "5000", e.NetBuyPressure.String())
	assert.Equal(t, "50000", e.AveragePrice.String())
	assert.Equal(t, int64(1700000000000), e.Timestamp)
}
