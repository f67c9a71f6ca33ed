// Package aggregator folds trade batches into running per-symbol pressure statistics.
package aggregator

import (
	"cmp"
	"context"
	"slices"
	"strings"
	"sync"

	marketdata "github.com/colefreeman/cole-ws/internal/domain/entity/marketdata"
	"github.com/colefreeman/cole-ws/internal/domain/interfaces"

	"github.com/shopspring/decimal"
)

var _ interfaces.TradeAggregator = (*Aggregator)(nil)

// Aggregator owns the state of the symbols it sees. Batches are applied one at a time.
type Aggregator struct {
	mu    sync.Mutex
	store StateStore
}

// New returns an aggregator over store; a nil store gets a fresh MemoryStore.
func New(store StateStore) *Aggregator {
	if store == nil {
		store = NewMemoryStore()
	}
	return &Aggregator{store: store}
}

// Aggregate validates the whole batch, sorts a copy by (symbol, timestamp) and folds
// each trade into its symbol state, returning one enriched record per input trade.
// An invalid record rejects the batch with ErrBatchValidation and leaves state untouched.
func (a *Aggregator) Aggregate(ctx context.Context, batch []marketdata.Trade) ([]marketdata.EnrichedTrade, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := marketdata.ValidateBatch(batch); err != nil {
		return nil, err
	}
	if len(batch) == 0 {
		return nil, nil
	}

	sorted := SortTrades(batch)

	a.mu.Lock()
	defer a.mu.Unlock()

	enriched := make([]marketdata.EnrichedTrade, 0, len(sorted))
	for _, trade := range sorted {
		enriched = append(enriched, a.fold(trade))
	}
	return enriched, nil
}

func (a *Aggregator) fold(trade marketdata.Trade) marketdata.EnrichedTrade {
	state, ok := a.store.Load(trade.Symbol)
	if !ok {
		state = marketdata.SymbolAggregateState{Symbol: trade.Symbol}
	}

	side := trade.Side()
	value := trade.Value()
	buyValue, sellValue := decimal.Zero, decimal.Zero
	if side == marketdata.TradeSideBuy {
		buyValue = value
	} else {
		sellValue = value
	}

	state.CumulativeNotional = state.CumulativeNotional.Add(trade.Price)
	state.TradeCount++
	state.CumulativeBuyValue = state.CumulativeBuyValue.Add(buyValue)
	state.CumulativeSellValue = state.CumulativeSellValue.Add(sellValue)
	if trade.Timestamp > state.LastTimestamp {
		state.LastTimestamp = trade.Timestamp
	}
	a.store.Store(state)

	return marketdata.EnrichedTrade{
		Trade:              trade,
		Side:               side,
		TradeValue:         value,
		BuyValue:           buyValue,
		SellValue:          sellValue,
		NetBuyPressure:     buyValue.Sub(sellValue),
		CumulativeNotional: state.CumulativeNotional,
		AveragePrice:       state.AveragePrice(),
		TradeCount:         state.TradeCount,
	}
}

// Snapshot returns a copy of the symbol state.
func (a *Aggregator) Snapshot(symbol string) (marketdata.SymbolAggregateState, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.store.Load(symbol)
}

// Snapshots returns every symbol state ordered by symbol.
func (a *Aggregator) Snapshots() []marketdata.SymbolAggregateState {
	a.mu.Lock()
	defer a.mu.Unlock()
	var states []marketdata.SymbolAggregateState
	a.store.Range(func(state marketdata.SymbolAggregateState) bool {
		states = append(states, state)
		return true
	})
	sortStates(states)
	return states
}

// SortTrades returns a copy of trades stably ordered by symbol, then timestamp.
func SortTrades(trades []marketdata.Trade) []marketdata.Trade {
	sorted := slices.Clone(trades)
	slices.SortStableFunc(sorted, func(a, b marketdata.Trade) int {
		if c := strings.Compare(a.Symbol, b.Symbol); c != 0 {
			return c
		}
		return cmp.Compare(a.Timestamp, b.Timestamp)
	})
	return sorted
}

func sortStates(states []marketdata.SymbolAggregateState) {
	slices.SortFunc(states, func(a, b marketdata.SymbolAggregateState) int {
		return strings.Compare(a.Symbol, b.Symbol)
	})
}
