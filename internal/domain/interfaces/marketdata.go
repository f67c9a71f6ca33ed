package interfaces

import (
	"context"

	marketdata "github.com/colefreeman/cole-ws/internal/domain/entity/marketdata"
)

// FrameSource yields raw stream frames, recovering from transport failures internally.
type FrameSource interface {
	Receive(ctx context.Context) (marketdata.Frame, error)
}

// TradePublisher delivers trades to the broker.
type TradePublisher interface {
	Publish(ctx context.Context, trade marketdata.Trade) (marketdata.PublishOutcome, error)
}

// TradeAggregator folds batches of trades into running per-symbol state.
type TradeAggregator interface {
	Aggregate(ctx context.Context, trades []marketdata.Trade) ([]marketdata.EnrichedTrade, error)
	Snapshot(symbol string) (marketdata.SymbolAggregateState, bool)
}

type EnrichedTradeRepository interface {
	AddEnrichedTrades(ctx context.Context, trades []marketdata.EnrichedTrade) error
	GetLastEnrichedTrades(ctx context.Context, symbol string, limit int) ([]marketdata.EnrichedTrade, error)
	Close()
}

// PressureCache stores the latest per-symbol pressure snapshot.
type PressureCache interface {
	PublishSnapshots(ctx context.Context, snapshots []marketdata.PressureSnapshot) error
	GetSnapshot(ctx context.Context, symbol string) (*marketdata.PressureSnapshot, error)
}
