package broker

import (
	"encoding/json"
	"fmt"
	"time"

	marketdata "github.com/colefreeman/cole-ws/internal/domain/entity/marketdata"
	"github.com/colefreeman/cole-ws/internal/domain/exception"

	"github.com/shopspring/decimal"
)

const (
	// HeaderMessageID carries a per-message uuid that idempotent consumers can dedupe on.
	HeaderMessageID = "message_id"

	dataTypeTrade   = "trade"
	defaultExchange = "binance"
)

// TradeMessage is the JSON value written to the broker, keyed by symbol.
// Optional fields are pointers so consumers can tell a missing value from a zero one.
type TradeMessage struct {
	Symbol         string      `json:"symbol"`
	Price          json.Number `json:"price"`
	Quantity       json.Number `json:"quantity"`
	Timestamp      *int64      `json:"timestamp"`
	BuyerMaker     *bool       `json:"buyer_maker"`
	TradeID        int64       `json:"trade_id"`
	Stream         string      `json:"stream"`
	ProcessingTime time.Time   `json:"processing_time"`
	Exchange       string      `json:"exchange"`
	DataType       string      `json:"data_type"`
	TradeSide      string      `json:"trade_side,omitempty"`
}

// NewTradeMessage stamps a trade with the exchange name and processing time.
func NewTradeMessage(trade marketdata.Trade, exchange string, processedAt time.Time) TradeMessage {
	if exchange == "" {
		exchange = defaultExchange
	}
	ts := trade.Timestamp
	buyerMaker := trade.BuyerIsMaker
	return TradeMessage{
		Symbol:         trade.Symbol,
		Price:          json.Number(trade.Price.String()),
		Quantity:       json.Number(trade.Quantity.String()),
		Timestamp:      &ts,
		BuyerMaker:     &buyerMaker,
		TradeID:        trade.TradeID,
		Stream:         trade.StreamTag,
		ProcessingTime: processedAt.UTC(),
		Exchange:       exchange,
		DataType:       dataTypeTrade,
		TradeSide:      string(trade.Side()),
	}
}

// Trade converts a consumed message back into a domain trade. Any missing
// required field is reported as ErrBatchValidation.
func (m TradeMessage) Trade() (marketdata.Trade, error) {
	if m.Symbol == "" {
		return marketdata.Trade{}, fmt.Errorf("%w: symbol is missing", exception.ErrBatchValidation)
	}
	if m.BuyerMaker == nil {
		return marketdata.Trade{}, fmt.Errorf("%w: %s: buyer_maker is missing", exception.ErrBatchValidation, m.Symbol)
	}
	if m.Timestamp == nil {
		return marketdata.Trade{}, fmt.Errorf("%w: %s: timestamp is missing", exception.ErrBatchValidation, m.Symbol)
	}
	price, err := decimalField("price", m.Price)
	if err != nil {
		return marketdata.Trade{}, fmt.Errorf("%w: %s: %v", exception.ErrBatchValidation, m.Symbol, err)
	}
	quantity, err := decimalField("quantity", m.Quantity)
	if err != nil {
		return marketdata.Trade{}, fmt.Errorf("%w: %s: %v", exception.ErrBatchValidation, m.Symbol, err)
	}
	return marketdata.Trade{
		Symbol:       m.Symbol,
		Price:        price,
		Quantity:     quantity,
		Timestamp:    *m.Timestamp,
		TradeID:      m.TradeID,
		BuyerIsMaker: *m.BuyerMaker,
		StreamTag:    m.Stream,
	}, nil
}

// DecodeTrades turns a batch of message bodies into trades. One bad record
// rejects the whole batch.
func DecodeTrades(bodies [][]byte) ([]marketdata.Trade, error) {
	trades := make([]marketdata.Trade, 0, len(bodies))
	for i, body := range bodies {
		var msg TradeMessage
		if err := json.Unmarshal(body, &msg); err != nil {
			return nil, fmt.Errorf("%w: record %d: decode: %v", exception.ErrBatchValidation, i, err)
		}
		trade, err := msg.Trade()
		if err != nil {
			return nil, fmt.Errorf("record %d: %w", i, err)
		}
		trades = append(trades, trade)
	}
	return trades, nil
}

func decimalField(name string, value json.Number) (decimal.Decimal, error) {
	if value == "" {
		return decimal.Decimal{}, fmt.Errorf("%s is missing", name)
	}
	parsed, err := decimal.NewFromString(value.String())
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("%s %q is not numeric", name, value)
	}
	return parsed, nil
}
