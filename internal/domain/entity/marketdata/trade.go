package marketdata

import (
	"fmt"
	"time"

	"github.com/colefreeman/cole-ws/internal/domain/exception"

	"github.com/shopspring/decimal"
)

// TradeSide represents BUY/SELL direction of the taker.
type TradeSide string

const (
	TradeSideBuy  TradeSide = "BUY"
	TradeSideSell TradeSide = "SELL"
)

// Trade is a single exchange trade, produced once per stream event and passed by value.
type Trade struct {
	Symbol       string          `json:"symbol"`
	Price        decimal.Decimal `json:"price"`
	Quantity     decimal.Decimal `json:"quantity"`
	Timestamp    int64           `json:"timestamp"`
	TradeID      int64           `json:"trade_id"`
	BuyerIsMaker bool            `json:"buyer_maker"`
	StreamTag    string          `json:"stream"`
}

// Side reports the taker direction: a resting buyer means the taker sold.
func (t Trade) Side() TradeSide {
	if t.BuyerIsMaker {
		return TradeSideSell
	}
	return TradeSideBuy
}

// EventTime converts the exchange timestamp (Unix milliseconds) to UTC time.
func (t Trade) EventTime() time.Time {
	return time.UnixMilli(t.Timestamp).UTC()
}

// Value returns price * quantity.
func (t Trade) Value() decimal.Decimal {
	return t.Price.Mul(t.Quantity)
}

// Validate checks the record invariants. The returned error is unwrapped;
// callers attach the taxonomy sentinel that fits their layer.
func (t Trade) Validate() error {
	if t.Symbol == "" {
		return fmt.Errorf("symbol is empty")
	}
	if t.Price.IsNegative() {
		return fmt.Errorf("price %s is negative", t.Price)
	}
	if t.Quantity.IsNegative() {
		return fmt.Errorf("quantity %s is negative", t.Quantity)
	}
	return nil
}

// ValidateBatch checks every trade and reports the first offender as ErrBatchValidation.
func ValidateBatch(trades []Trade) error {
	for i := range trades {
		if err := trades[i].Validate(); err != nil {
			return fmt.Errorf("%w: record %d: %v", exception.ErrBatchValidation, i, err)
		}
	}
	return nil
}
