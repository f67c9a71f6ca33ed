package marketdata

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	domain "github.com/colefreeman/cole-ws/internal/domain/entity/marketdata"
	"github.com/colefreeman/cole-ws/internal/domain/interfaces"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

var _ interfaces.EnrichedTradeRepository = (*Repository)(nil)

const schema = `
CREATE TABLE IF NOT EXISTS enriched_trades (
	id                     UUID PRIMARY KEY,
	symbol                 TEXT        NOT NULL,
	trade_id               BIGINT      NOT NULL,
	stream                 TEXT        NOT NULL DEFAULT '',
	price                  NUMERIC     NOT NULL,
	quantity               NUMERIC     NOT NULL,
	traded_at              TIMESTAMPTZ NOT NULL,
	buyer_is_maker         BOOLEAN     NOT NULL,
	trade_side             TEXT        NOT NULL,
	trade_value_usd        NUMERIC     NOT NULL,
	buy_value              NUMERIC     NOT NULL,
	sell_value             NUMERIC     NOT NULL,
	net_buy_pressure       NUMERIC     NOT NULL,
	cumulative_price_total NUMERIC     NOT NULL,
	average_price          NUMERIC     NOT NULL,
	trade_count            BIGINT      NOT NULL,
	inserted_at            TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS enriched_trades_symbol_traded_at_idx ON enriched_trades (symbol, traded_at DESC);`

var enrichedColumns = []string{
	"id", "symbol", "trade_id", "stream", "price", "quantity", "traded_at",
	"buyer_is_maker", "trade_side", "trade_value_usd", "buy_value", "sell_value",
	"net_buy_pressure", "cumulative_price_total", "average_price", "trade_count",
}

type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(ctx context.Context, dsn string) (*Repository, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse pgx config: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pgx pool: %w", err)
	}
	return &Repository{pool: pool}, nil
}

// EnsureSchema creates the enriched_trades table when it does not exist yet.
func (r *Repository) EnsureSchema(ctx context.Context) error {
	if _, err := r.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("create enriched_trades schema: %w", err)
	}
	return nil
}

func (r *Repository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

func (r *Repository) Close() {
	if r == nil || r.pool == nil {
		return
	}
	r.pool.Close()
}

// AddEnrichedTrades writes a batch with COPY.
func (r *Repository) AddEnrichedTrades(ctx context.Context, trades []domain.EnrichedTrade) error {
	if len(trades) == 0 {
		return nil
	}
	rows, err := enrichedRows(trades)
	if err != nil {
		return err
	}
	_, err = r.pool.CopyFrom(
		ctx,
		pgx.Identifier{"enriched_trades"},
		enrichedColumns,
		pgx.CopyFromRows(rows),
	)
	return err
}

func (r *Repository) GetLastEnrichedTrades(ctx context.Context, symbol string, limit int) ([]domain.EnrichedTrade, error) {
	if limit <= 0 {
		return nil, errors.New("limit must be positive")
	}
	const query = `
		SELECT symbol, trade_id, stream, price, quantity, traded_at, buyer_is_maker, trade_side,
			trade_value_usd, buy_value, sell_value, net_buy_pressure,
			cumulative_price_total, average_price, trade_count
		FROM enriched_trades
		WHERE symbol=$1
		ORDER BY traded_at DESC, trade_count DESC
		LIMIT $2`
	rows, err := r.pool.Query(ctx, query, symbol, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var trades []domain.EnrichedTrade
	for rows.Next() {
		trade, err := scanEnrichedTrade(rows)
		if err != nil {
			return nil, err
		}
		trades = append(trades, trade)
	}
	return trades, rows.Err()
}

func enrichedRows(trades []domain.EnrichedTrade) ([][]any, error) {
	rows := make([][]any, 0, len(trades))
	for i := range trades {
		t := &trades[i]
		numerics, err := toNumerics(t.Price, t.Quantity, t.TradeValue, t.BuyValue, t.SellValue,
			t.NetBuyPressure, t.CumulativeNotional, t.AveragePrice)
		if err != nil {
			return nil, fmt.Errorf("trade %s/%d: %w", t.Symbol, t.TradeID, err)
		}
		rows = append(rows, []any{
			uuid.New(),
			t.Symbol,
			t.TradeID,
			t.StreamTag,
			numerics[0],
			numerics[1],
			t.EventTime(),
			t.BuyerIsMaker,
			string(t.Side),
			numerics[2],
			numerics[3],
			numerics[4],
			numerics[5],
			numerics[6],
			numerics[7],
			t.TradeCount,
		})
	}
	return rows, nil
}

func scanEnrichedTrade(row pgx.Row) (domain.EnrichedTrade, error) {
	var (
		trade    domain.EnrichedTrade
		side     string
		tradedAt time.Time
		numerics [8]pgtype.Numeric
	)
	err := row.Scan(
		&trade.Symbol,
		&trade.TradeID,
		&trade.StreamTag,
		&numerics[0],
		&numerics[1],
		&tradedAt,
		&trade.BuyerIsMaker,
		&side,
		&numerics[2],
		&numerics[3],
		&numerics[4],
		&numerics[5],
		&numerics[6],
		&numerics[7],
		&trade.TradeCount,
	)
	if err != nil {
		return domain.EnrichedTrade{}, err
	}
	values := make([]decimal.Decimal, len(numerics))
	for i := range numerics {
		if values[i], err = fromNumeric(numerics[i]); err != nil {
			return domain.EnrichedTrade{}, err
		}
	}
	trade.Price, trade.Quantity = values[0], values[1]
	trade.Timestamp = tradedAt.UnixMilli()
	trade.Side = domain.TradeSide(side)
	trade.TradeValue, trade.BuyValue, trade.SellValue = values[2], values[3], values[4]
	trade.NetBuyPressure = values[5]
	trade.CumulativeNotional, trade.AveragePrice = values[6], values[7]
	return trade, nil
}

func toNumerics(values ...decimal.Decimal) ([]pgtype.Numeric, error) {
	out := make([]pgtype.Numeric, len(values))
	for i, value := range values {
		if err := out[i].Scan(value.String()); err != nil {
			return nil, fmt.Errorf("encode numeric %s: %w", value, err)
		}
	}
	return out, nil
}

func fromNumeric(n pgtype.Numeric) (decimal.Decimal, error) {
	if !n.Valid {
		return decimal.Zero, nil
	}
	if n.NaN || n.InfinityModifier != pgtype.Finite {
		return decimal.Decimal{}, errors.New("numeric is not finite")
	}
	if n.Int == nil {
		return decimal.NewFromBigInt(new(big.Int), n.Exp), nil
	}
	return decimal.NewFromBigInt(n.Int, n.Exp), nil
}
