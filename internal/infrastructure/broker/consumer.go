package broker

import (
	"context"
	"errors"
	"time"

	marketdata "github.com/colefreeman/cole-ws/internal/domain/entity/marketdata"
	"github.com/colefreeman/cole-ws/internal/domain/exception"
	"github.com/colefreeman/cole-ws/internal/infrastructure/metrics"

	"github.com/sirupsen/logrus"
)

// BatchHandler receives consumed trades in arrival order.
type BatchHandler func(ctx context.Context, trades []marketdata.Trade) error

// SinkOption customizes how consumers report batch results.
type SinkOption func(*batchSink)

// WithMetrics counts rejected batches.
func WithMetrics(m *metrics.Metrics) SinkOption {
	return func(s *batchSink) {
		s.metrics = m
	}
}

// batchSink decodes message bodies and runs the handler. A rejected batch is dropped
// and a storage failure is not retried, because the aggregate state has already moved
// on; both are acknowledged by the caller. A batch interrupted by cancellation was
// never aggregated, so process returns the error and the caller must not acknowledge it.
type batchSink struct {
	handler BatchHandler
	logger  *logrus.Entry
	metrics *metrics.Metrics
}

func newBatchSink(handler BatchHandler, logger *logrus.Entry, opts ...SinkOption) *batchSink {
	s := &batchSink{handler: handler, logger: logger}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *batchSink) process(ctx context.Context, bodies [][]byte) error {
	if len(bodies) == 0 {
		return nil
	}
	start := time.Now()
	trades, err := DecodeTrades(bodies)
	if err != nil {
		// The handler never sees these, so they are counted here.
		s.metrics.RecordRejectedBatch()
		s.logger.WithError(err).WithField("size", len(bodies)).Warn("batch rejected")
		return nil
	}
	if err := s.handler(ctx, trades); err != nil {
		log := s.logger.WithError(err).WithFields(logrus.Fields{
			"size":    len(bodies),
			"took_ms": time.Since(start).Milliseconds(),
		})
		switch {
		case errors.Is(err, exception.ErrBatchValidation):
			log.Warn("batch rejected")
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			log.Warn("batch interrupted, leaving it unacknowledged")
			return err
		default:
			log.Error("batch handling failed")
		}
	}
	return nil
}
