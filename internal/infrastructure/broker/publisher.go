package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	marketdata "github.com/colefreeman/cole-ws/internal/domain/entity/marketdata"
	"github.com/colefreeman/cole-ws/internal/domain/exception"
	"github.com/colefreeman/cole-ws/internal/domain/interfaces"
	"github.com/colefreeman/cole-ws/internal/infrastructure/metrics"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

var _ interfaces.TradePublisher = (*Publisher)(nil)

// AckMode selects how long Publish waits.
type AckMode string

const (
	AckFireAndForget AckMode = "fire-and-forget"
	AckSync          AckMode = "sync"
)

// PublisherConfig holds the delivery policy.
type PublisherConfig struct {
	Exchange        string
	AckMode         AckMode
	DrainOnShutdown bool
}

// Publisher serializes trades and hands them to a Producer keyed by symbol.
// It is meant to be driven by a single receive loop so per-symbol order is kept.
type Publisher struct {
	producer Producer
	cfg      PublisherConfig
	logger   *logrus.Entry
	metrics  *metrics.Metrics
	now      func() time.Time

	closeOnce sync.Once
	closeErr  error
}

// NewPublisher wires a producer backend. logger and m may be nil.
func NewPublisher(producer Producer, cfg PublisherConfig, logger *logrus.Logger, m *metrics.Metrics) *Publisher {
	if cfg.AckMode == "" {
		cfg.AckMode = AckFireAndForget
	}
	if cfg.Exchange == "" {
		cfg.Exchange = defaultExchange
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Publisher{
		producer: producer,
		cfg:      cfg,
		logger:   logger.WithField("component", "publisher"),
		metrics:  m,
		now:      time.Now,
	}
}

// Publish emits one trade. The key is always the trade symbol; a trade without one is
// rejected before reaching the broker.
func (p *Publisher) Publish(ctx context.Context, trade marketdata.Trade) (marketdata.PublishOutcome, error) {
	if strings.TrimSpace(trade.Symbol) == "" {
		return p.fail(fmt.Errorf("%w: trade %d has no symbol", exception.ErrPublish, trade.TradeID))
	}

	body, err := json.Marshal(NewTradeMessage(trade, p.cfg.Exchange, p.now()))
	if err != nil {
		return p.fail(fmt.Errorf("%w: encode %s: %v", exception.ErrPublish, trade.Symbol, err))
	}
	msg := Message{
		ID:    uuid.NewString(),
		Key:   trade.Symbol,
		Value: body,
	}

	outcome := marketdata.OutcomeQueued
	if p.cfg.AckMode == AckSync {
		outcome = marketdata.OutcomeAcked
		err = p.producer.Send(ctx, msg)
	} else {
		err = p.producer.Enqueue(ctx, msg)
	}
	if err != nil {
		return p.fail(fmt.Errorf("%w: %s trade %d: %v", exception.ErrPublish, trade.Symbol, trade.TradeID, err))
	}

	p.metrics.RecordPublished(outcome.String())
	return outcome, nil
}

// DeliveryFailed is the DeliveryFailureFunc for asynchronous producer errors.
func (p *Publisher) DeliveryFailed(msg Message, err error) {
	p.logger.WithError(err).WithFields(logrus.Fields{
		"key":        msg.Key,
		"message_id": msg.ID,
	}).Error("trade delivery failed")
	p.metrics.RecordPublishFailure("delivery")
}

// Close waits for in-flight records when DrainOnShutdown is set, bounded by ctx;
// otherwise it closes the producer without waiting for them.
func (p *Publisher) Close(ctx context.Context) error {
	p.closeOnce.Do(func() {
		p.closeErr = p.producer.Close(ctx, p.cfg.DrainOnShutdown)
		if p.closeErr != nil {
			p.logger.WithError(p.closeErr).Warn("producer close")
			return
		}
		p.logger.WithField("drained", p.cfg.DrainOnShutdown).Info("producer closed")
	})
	return p.closeErr
}

func (p *Publisher) fail(err error) (marketdata.PublishOutcome, error) {
	p.logger.WithError(err).Warn("publish failed")
	p.metrics.RecordPublishFailure("publish")
	return marketdata.OutcomeFailed, err
}
