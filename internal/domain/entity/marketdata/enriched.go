package marketdata

import "github.com/shopspring/decimal"

// EnrichedTrade is a Trade with directional values and the running per-symbol
// totals observed right after the trade was folded in.
type EnrichedTrade struct {
	Trade

	Side               TradeSide       `json:"trade_side"`
	TradeValue         decimal.Decimal `json:"trade_value_usd"`
	BuyValue           decimal.Decimal `json:"buy_value"`
	SellValue          decimal.Decimal `json:"sell_value"`
	NetBuyPressure     decimal.Decimal `json:"net_buy_pressure"`
	CumulativeNotional decimal.Decimal `json:"cumulative_price_total"`
	AveragePrice       decimal.Decimal `json:"average_price"`
	TradeCount         int64           `json:"trade_count"`
}

// SymbolAggregateState is the running state kept for one symbol.
type SymbolAggregateState struct {
	Symbol              string          `json:"symbol"`
	CumulativeNotional  decimal.Decimal `json:"cumulative_price_total"`
	TradeCount          int64           `json:"trade_count"`
	CumulativeBuyValue  decimal.Decimal `json:"cumulative_buy_value"`
	CumulativeSellValue decimal.Decimal `json:"cumulative_sell_value"`
	LastTimestamp       int64           `json:"last_timestamp"`
}

// AveragePrice is CumulativeNotional / TradeCount, zero before the first trade.
func (s SymbolAggregateState) AveragePrice() decimal.Decimal {
	if s.TradeCount == 0 {
		return decimal.Zero
	}
	return s.CumulativeNotional.Div(decimal.NewFromInt(s.TradeCount))
}

// NetBuyPressure is the running buy value minus the running sell value.
func (s SymbolAggregateState) NetBuyPressure() decimal.Decimal {
	return s.CumulativeBuyValue.Sub(s.CumulativeSellValue)
}

// PressureSnapshot is the read model served by the API and the cache.
type PressureSnapshot struct {
	SymbolAggregateState
	AveragePrice   decimal.Decimal `json:"average_price"`
	NetBuyPressure decimal.Decimal `json:"net_buy_pressure"`
}

// NewPressureSnapshot derives the read model from a state value.
func NewPressureSnapshot(state SymbolAggregateState) PressureSnapshot {
	return PressureSnapshot{
		SymbolAggregateState: state,
		AveragePrice:         state.AveragePrice(),
		NetBuyPressure:       state.NetBuyPressure(),
	}
}
