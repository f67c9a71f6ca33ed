// Package binance maps Binance combined-stream frames to domain trades.
package binance

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"

	marketdata "github.com/colefreeman/cole-ws/internal/domain/entity/marketdata"
	"github.com/colefreeman/cole-ws/internal/domain/exception"

	"github.com/shopspring/decimal"
)

const (
	eventTrade    = "trade"
	eventAggTrade = "aggTrade"
)

// envelope is the combined-stream wrapper: {"stream":"btcusdt@trade","data":{...}}.
type envelope struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

type tradePayload struct {
	EventType    string          `json:"e"`
	Symbol       string          `json:"s"`
	Price        json.RawMessage `json:"p"`
	Quantity     json.RawMessage `json:"q"`
	TradeTime    *int64          `json:"T"`
	TradeID      *int64          `json:"t"`
	AggTradeID   *int64          `json:"a"`
	BuyerIsMaker *bool           `json:"m"`

	// encoding/json falls back to case-insensitive matching, so the upper-case
	// keys need their own fields or they would land in "e" and "m".
	EventTime *int64          `json:"E"`
	Ignore    json.RawMessage `json:"M"`
}

// DecodeTrade parses one raw frame. It returns ErrMalformedFrame when the envelope
// or a required payload field is missing or unparseable, and ErrNotTradeEvent for
// well-formed frames that carry another event type.
func DecodeTrade(frame []byte) (marketdata.Trade, error) {
	var env envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return marketdata.Trade{}, malformed("decode envelope: %v", err)
	}
	if env.Stream == "" {
		return marketdata.Trade{}, malformed("envelope has no stream tag")
	}
	data := bytes.TrimSpace(env.Data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) || bytes.Equal(data, []byte("{}")) {
		return marketdata.Trade{}, malformed("envelope %s has no payload", env.Stream)
	}

	var payload tradePayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return marketdata.Trade{}, malformed("decode payload of %s: %v", env.Stream, err)
	}
	if payload.EventType != "" && payload.EventType != eventTrade && payload.EventType != eventAggTrade {
		return marketdata.Trade{}, fmt.Errorf("%w: %s on %s", exception.ErrNotTradeEvent, payload.EventType, env.Stream)
	}
	if payload.Symbol == "" {
		return marketdata.Trade{}, malformed("%s: symbol is missing", env.Stream)
	}
	price, err := parseDecimal(payload.Price)
	if err != nil {
		return marketdata.Trade{}, malformed("%s: price: %v", env.Stream, err)
	}
	quantity, err := parseDecimal(payload.Quantity)
	if err != nil {
		return marketdata.Trade{}, malformed("%s: quantity: %v", env.Stream, err)
	}
	if payload.TradeTime == nil {
		return marketdata.Trade{}, malformed("%s: timestamp is missing", env.Stream)
	}
	if payload.BuyerIsMaker == nil {
		return marketdata.Trade{}, malformed("%s: buyer maker flag is missing", env.Stream)
	}

	trade := marketdata.Trade{
		Symbol:       payload.Symbol,
		Price:        price,
		Quantity:     quantity,
		Timestamp:    *payload.TradeTime,
		BuyerIsMaker: *payload.BuyerIsMaker,
		StreamTag:    env.Stream,
	}
	switch {
	case payload.TradeID != nil:
		trade.TradeID = *payload.TradeID
	case payload.AggTradeID != nil:
		trade.TradeID = *payload.AggTradeID
	}
	if err := trade.Validate(); err != nil {
		return marketdata.Trade{}, malformed("%s: %v", env.Stream, err)
	}
	return trade, nil
}

// parseDecimal accepts "50000.10" as well as 50000.10.
func parseDecimal(raw json.RawMessage) (decimal.Decimal, error) {
	value := bytes.TrimSpace(raw)
	if len(value) == 0 || bytes.Equal(value, []byte("null")) {
		return decimal.Decimal{}, fmt.Errorf("missing")
	}
	text := string(value)
	if value[0] == '"' {
		unquoted, err := strconv.Unquote(text)
		if err != nil {
			return decimal.Decimal{}, err
		}
		text = unquoted
	}
	if text == "" {
		return decimal.Decimal{}, fmt.Errorf("empty")
	}
	return decimal.NewFromString(text)
}

func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{exception.ErrMalformedFrame}, args...)...)
}
