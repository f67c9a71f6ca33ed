package marketdata

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	marketdata "github.com/colefreeman/cole-ws/internal/domain/entity/marketdata"
	"github.com/colefreeman/cole-ws/internal/domain/exception"
	interfaces "github.com/colefreeman/cole-ws/internal/domain/interfaces"
	"github.com/colefreeman/cole-ws/internal/infrastructure/metrics"

	"github.com/sirupsen/logrus"
)

var (
	ErrInvalidLimit   = errors.New("limit must be positive")
	ErrEmptySymbol    = errors.New("symbol is required")
	ErrSymbolNotFound = errors.New("symbol has no aggregate state")
	ErrNoRepository   = errors.New("trade history is not configured")
)

// Service turns consumed trade batches into enriched records and pressure snapshots.
type Service struct {
	aggregator interfaces.TradeAggregator
	repo       interfaces.EnrichedTradeRepository
	cache      interfaces.PressureCache
	logger     *logrus.Entry
	metrics    *metrics.Metrics
}

// NewService wires the aggregation path. repo, cache, logger and m may be nil;
// without repo nothing is stored and GetLastTrades returns ErrNoRepository.
func NewService(aggregator interfaces.TradeAggregator, repo interfaces.EnrichedTradeRepository, cache interfaces.PressureCache, logger *logrus.Logger, m *metrics.Metrics) *Service {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Service{
		aggregator: aggregator,
		repo:       repo,
		cache:      cache,
		logger:     logger.WithField("component", "marketdata_service"),
		metrics:    m,
	}
}

// ProcessTrades aggregates one batch, stores the enriched records and refreshes the
// snapshots of the touched symbols. A rejected batch returns ErrBatchValidation and
// changes nothing; sink failures are joined and returned after both sinks were tried.
func (s *Service) ProcessTrades(ctx context.Context, trades []marketdata.Trade) error {
	if len(trades) == 0 {
		return nil
	}
	start := time.Now()

	enriched, err := s.aggregator.Aggregate(ctx, trades)
	if err != nil {
		if errors.Is(err, exception.ErrBatchValidation) {
			s.metrics.RecordRejectedBatch()
		}
		return err
	}

	var errs []error
	if s.repo != nil {
		if err := s.repo.AddEnrichedTrades(ctx, enriched); err != nil {
			s.metrics.RecordStorageError("postgres")
			errs = append(errs, fmt.Errorf("store enriched trades: %w", err))
		}
	}
	if s.cache != nil {
		if err := s.cache.PublishSnapshots(ctx, s.snapshotsFor(enriched)); err != nil {
			s.metrics.RecordStorageError("redis")
			errs = append(errs, fmt.Errorf("publish snapshots: %w", err))
		}
	}

	s.metrics.RecordBatch(len(enriched), time.Since(start))
	s.logger.WithFields(logrus.Fields{
		"size":    len(enriched),
		"took_ms": time.Since(start).Milliseconds(),
	}).Debug("batch processed")
	return errors.Join(errs...)
}

// GetLastTrades returns the newest enriched trades of a symbol.
func (s *Service) GetLastTrades(ctx context.Context, symbol string, limit int) ([]marketdata.EnrichedTrade, error) {
	symbol = normalizeSymbol(symbol)
	if symbol == "" {
		return nil, ErrEmptySymbol
	}
	if limit <= 0 {
		return nil, ErrInvalidLimit
	}
	if s.repo == nil {
		return nil, ErrNoRepository
	}
	return s.repo.GetLastEnrichedTrades(ctx, symbol, limit)
}

// GetPressure prefers the in-process state and falls back to the shared cache.
func (s *Service) GetPressure(ctx context.Context, symbol string) (*marketdata.PressureSnapshot, error) {
	symbol = normalizeSymbol(symbol)
	if symbol == "" {
		return nil, ErrEmptySymbol
	}
	if state, ok := s.aggregator.Snapshot(symbol); ok {
		snapshot := marketdata.NewPressureSnapshot(state)
		return &snapshot, nil
	}
	if s.cache == nil {
		return nil, ErrSymbolNotFound
	}
	snapshot, err := s.cache.GetSnapshot(ctx, symbol)
	if err != nil {
		return nil, err
	}
	if snapshot == nil {
		return nil, ErrSymbolNotFound
	}
	return snapshot, nil
}

func (s *Service) Close() {
	if s.repo != nil {
		s.repo.Close()
	}
}

func (s *Service) snapshotsFor(enriched []marketdata.EnrichedTrade) []marketdata.PressureSnapshot {
	seen := make(map[string]struct{})
	var snapshots []marketdata.PressureSnapshot
	for _, trade := range enriched {
		if _, ok := seen[trade.Symbol]; ok {
			continue
		}
		seen[trade.Symbol] = struct{}{}
		if state, ok := s.aggregator.Snapshot(trade.Symbol); ok {
			snapshots = append(snapshots, marketdata.NewPressureSnapshot(state))
		}
	}
	return snapshots
}

func normalizeSymbol(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}
