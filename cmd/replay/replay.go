package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	marketdata "github.com/colefreeman/cole-ws/internal/domain/entity/marketdata"
	"github.com/colefreeman/cole-ws/internal/domain/exception"
	"github.com/colefreeman/cole-ws/internal/domain/interfaces"
	"github.com/colefreeman/cole-ws/internal/infrastructure/binance"

	"github.com/sirupsen/logrus"
)

const maxFrameSize = 5 << 20

type replayStats struct {
	Lines     int
	Trades    int
	Malformed int
	Skipped   int
	Batches   int
}

// replayer feeds recorded frames through the decoder and the aggregator and
// writes every enriched trade as one JSON line.
type replayer struct {
	aggregator interfaces.TradeAggregator
	repo       interfaces.EnrichedTradeRepository
	batchSize  int
	logger     *logrus.Entry
}

func (r *replayer) run(ctx context.Context, in io.Reader, out io.Writer) (replayStats, error) {
	var (
		stats   replayStats
		pending []marketdata.Trade
	)
	enc := json.NewEncoder(out)

	flush := func() error {
		if len(pending) == 0 {
			return nil
		}
		enriched, err := r.aggregator.Aggregate(ctx, pending)
		if err != nil {
			return fmt.Errorf("aggregate batch %d: %w", stats.Batches+1, err)
		}
		stats.Batches++
		pending = pending[:0]
		for i := range enriched {
			if err := enc.Encode(enriched[i]); err != nil {
				return fmt.Errorf("write enriched trade: %w", err)
			}
		}
		if r.repo != nil {
			if err := r.repo.AddEnrichedTrades(ctx, enriched); err != nil {
				return fmt.Errorf("store batch %d: %w", stats.Batches, err)
			}
		}
		return nil
	}

	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64<<10), maxFrameSize)
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		stats.Lines++

		trade, err := binance.DecodeTrade(line)
		switch {
		case errors.Is(err, exception.ErrNotTradeEvent):
			stats.Skipped++
			continue
		case err != nil:
			stats.Malformed++
			r.logger.WithError(err).WithField("line", stats.Lines).Warn("malformed frame")
			continue
		}
		stats.Trades++
		pending = append(pending, trade)
		if len(pending) >= r.batchSize {
			if err := flush(); err != nil {
				return stats, err
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return stats, fmt.Errorf("read frames: %w", err)
	}
	return stats, flush()
}
