// Package ingest runs the receive loop that bridges the exchange stream to the broker.
package ingest

import (
	"context"
	"errors"
	"fmt"

	marketdata "github.com/colefreeman/cole-ws/internal/domain/entity/marketdata"
	"github.com/colefreeman/cole-ws/internal/domain/exception"
	"github.com/colefreeman/cole-ws/internal/domain/interfaces"
	"github.com/colefreeman/cole-ws/internal/infrastructure/metrics"

	"github.com/sirupsen/logrus"
)

// DecodeFunc turns a raw frame into a trade.
type DecodeFunc func(frame []byte) (marketdata.Trade, error)

// Stats counts what the loop did with the frames it received.
type Stats struct {
	Frames    int64
	Published int64
	Malformed int64
	Skipped   int64
	Failed    int64
}

type Service struct {
	source    interfaces.FrameSource
	decode    DecodeFunc
	publisher interfaces.TradePublisher
	logger    *logrus.Entry
	metrics   *metrics.Metrics

	stats Stats
}

func NewService(source interfaces.FrameSource, decode DecodeFunc, publisher interfaces.TradePublisher, logger *logrus.Logger, m *metrics.Metrics) *Service {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Service{
		source:    source,
		decode:    decode,
		publisher: publisher,
		logger:    logger.WithField("component", "ingest"),
		metrics:   m,
	}
}

// Run receives, decodes and publishes frames until ctx is cancelled or the source
// is closed, which both end the loop with a nil error. Bad frames and failed
// publishes are logged and counted; they never stop the loop.
func (s *Service) Run(ctx context.Context) error {
	for {
		frame, err := s.source.Receive(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, exception.ErrClosed) {
				s.logger.WithFields(logrus.Fields{
					"frames":    s.stats.Frames,
					"published": s.stats.Published,
					"malformed": s.stats.Malformed,
				}).Info("ingest loop stopped")
				return nil
			}
			return fmt.Errorf("receive frame: %w", err)
		}
		s.handle(ctx, frame)
	}
}

// Stats returns the counters. Call it after Run has returned.
func (s *Service) Stats() Stats {
	return s.stats
}

func (s *Service) handle(ctx context.Context, frame marketdata.Frame) {
	s.stats.Frames++
	s.metrics.RecordFrame()

	trade, err := s.decode(frame.Data)
	switch {
	case errors.Is(err, exception.ErrNotTradeEvent):
		s.stats.Skipped++
		s.metrics.RecordSkipped()
		s.logger.WithError(err).Debug("skipping frame")
		return
	case err != nil:
		s.stats.Malformed++
		s.metrics.RecordMalformed()
		s.logger.WithError(err).WithField("size", len(frame.Data)).Warn("dropping malformed frame")
		return
	}

	if _, err := s.publisher.Publish(ctx, trade); err != nil {
		// The publisher has already logged and counted the failure.
		s.stats.Failed++
		return
	}
	s.stats.Published++
}
