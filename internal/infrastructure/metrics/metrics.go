// Package metrics holds the Prometheus collectors of the bridge and the aggregation service.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "tradebridge"

// Metrics contains the collectors shared by both binaries.
type Metrics struct {
	FramesReceived  prometheus.Counter
	FramesMalformed prometheus.Counter
	FramesSkipped   prometheus.Counter

	StreamState      prometheus.Gauge
	StreamReconnects prometheus.Counter

	Published       *prometheus.CounterVec
	PublishFailures *prometheus.CounterVec

	BatchesProcessed prometheus.Counter
	BatchesRejected  prometheus.Counter
	TradesAggregated prometheus.Counter
	BatchLatencyMs   prometheus.Histogram
	StorageErrors    *prometheus.CounterVec
}

// New creates the collectors and registers them on reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		FramesReceived: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_received_total",
			Help:      "Raw frames received from the exchange stream",
		}),
		FramesMalformed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_malformed_total",
			Help:      "Frames dropped because they could not be decoded",
		}),
		FramesSkipped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_skipped_total",
			Help:      "Well-formed frames that were not trade events",
		}),
		StreamState: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "stream_state",
			Help:      "Connection state: 0 disconnected, 1 connecting, 2 connected, 3 backoff, 4 shutdown",
		}),
		StreamReconnects: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_transport_errors_total",
			Help:      "Transport failures followed by a reconnect",
		}),
		Published: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "trades_published_total",
			Help:      "Trades handed to the broker by outcome",
		}, []string{"outcome"}),
		PublishFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "publish_failures_total",
			Help:      "Trades the broker did not accept",
		}, []string{"stage"}),
		BatchesProcessed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batches_processed_total",
			Help:      "Consumed batches folded into the aggregate state",
		}),
		BatchesRejected: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batches_rejected_total",
			Help:      "Consumed batches rejected by validation",
		}),
		TradesAggregated: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "trades_aggregated_total",
			Help:      "Trades emitted as enriched records",
		}),
		BatchLatencyMs: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "batch_latency_ms",
			Help:      "Time to aggregate, persist and cache one batch in milliseconds",
			Buckets:   []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000},
		}),
		StorageErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "storage_errors_total",
			Help:      "Failed writes by sink",
		}, []string{"sink"}),
	}
}

func (m *Metrics) RecordFrame() {
	if m == nil {
		return
	}
	m.FramesReceived.Inc()
}

func (m *Metrics) RecordMalformed() {
	if m == nil {
		return
	}
	m.FramesMalformed.Inc()
}

func (m *Metrics) RecordSkipped() {
	if m == nil {
		return
	}
	m.FramesSkipped.Inc()
}

// RecordStreamState stores the numeric connection state.
func (m *Metrics) RecordStreamState(state int) {
	if m == nil {
		return
	}
	m.StreamState.Set(float64(state))
}

func (m *Metrics) RecordTransportError() {
	if m == nil {
		return
	}
	m.StreamReconnects.Inc()
}

// RecordPublished counts a trade by its publish outcome label.
func (m *Metrics) RecordPublished(outcome string) {
	if m == nil {
		return
	}
	m.Published.WithLabelValues(outcome).Inc()
}

// RecordPublishFailure counts a failure; stage is "publish" for synchronous
// errors and "delivery" for failures reported later by the producer.
func (m *Metrics) RecordPublishFailure(stage string) {
	if m == nil {
		return
	}
	m.PublishFailures.WithLabelValues(stage).Inc()
}

// RecordBatch records an accepted batch of size trades.
func (m *Metrics) RecordBatch(size int, took time.Duration) {
	if m == nil {
		return
	}
	m.BatchesProcessed.Inc()
	m.TradesAggregated.Add(float64(size))
	m.BatchLatencyMs.Observe(float64(took.Microseconds()) / 1000)
}

func (m *Metrics) RecordRejectedBatch() {
	if m == nil {
		return
	}
	m.BatchesRejected.Inc()
}

// RecordStorageError counts a failed write to sink ("postgres", "redis").
func (m *Metrics) RecordStorageError(sink string) {
	if m == nil {
		return
	}
	m.StorageErrors.WithLabelValues(sink).Inc()
}
