package broker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// BatchConfig controls batching thresholds for consumed trades.
type BatchConfig struct {
	Size    int
	Timeout time.Duration
}

// batchBuffer collects items and flushes them when Size is reached or Timeout
// elapses after the first buffered item. Flushes never overlap, so batches reach
// flushFn in the order their items arrived.
type batchBuffer[T any] struct {
	cfg     BatchConfig
	mu      sync.Mutex
	flushMu sync.Mutex
	items   []T
	timer   *time.Timer
	flushFn func(context.Context, []T) error
	logger  *logrus.Entry
	ctx     context.Context
}

func newBatchBuffer[T any](cfg BatchConfig, flushFn func(context.Context, []T) error, logger *logrus.Entry) *batchBuffer[T] {
	return &batchBuffer[T]{
		cfg:     cfg,
		flushFn: flushFn,
		logger:  logger,
	}
}

func (bb *batchBuffer[T]) setContext(ctx context.Context) {
	bb.mu.Lock()
	defer bb.mu.Unlock()
	if ctx == nil {
		ctx = context.Background()
	}
	bb.ctx = ctx
}

func (bb *batchBuffer[T]) enqueue(item T) error {
	bb.mu.Lock()
	ctx := bb.ctx
	if ctx == nil {
		bb.mu.Unlock()
		return errors.New("batch buffer is not running")
	}
	if err := ctx.Err(); err != nil {
		bb.mu.Unlock()
		return err
	}
	bb.items = append(bb.items, item)
	full := len(bb.items) >= bb.limit()
	if !full && bb.timer == nil && bb.cfg.Timeout > 0 {
		bb.startTimerLocked()
	}
	bb.mu.Unlock()

	if !full {
		return nil
	}
	return bb.flush(ctx)
}

func (bb *batchBuffer[T]) limit() int {
	if bb.cfg.Size <= 0 {
		return 1
	}
	return bb.cfg.Size
}

func (bb *batchBuffer[T]) startTimerLocked() {
	bb.timer = time.AfterFunc(bb.cfg.Timeout, func() {
		bb.mu.Lock()
		ctx := bb.ctx
		bb.mu.Unlock()
		// Once the run context is done the items wait for drain, which gets a live context.
		if ctx != nil && ctx.Err() != nil {
			return
		}
		if err := bb.flush(ctx); err != nil && bb.logger != nil {
			bb.logger.WithError(err).Warn("batch flush failed")
		}
	})
}

// flush takes whatever is buffered and hands it to flushFn while holding flushMu.
func (bb *batchBuffer[T]) flush(ctx context.Context) error {
	bb.flushMu.Lock()
	defer bb.flushMu.Unlock()

	batch := bb.takeBatch()
	if len(batch) == 0 {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	start := time.Now()
	if err := bb.flushFn(ctx, batch); err != nil {
		return err
	}
	if bb.logger != nil {
		bb.logger.WithFields(logrus.Fields{
			"size":    len(batch),
			"took_ms": time.Since(start).Milliseconds(),
		}).Debug("flushed batch")
	}
	return nil
}

func (bb *batchBuffer[T]) takeBatch() []T {
	bb.mu.Lock()
	defer bb.mu.Unlock()
	if bb.timer != nil {
		bb.timer.Stop()
		bb.timer = nil
	}
	if len(bb.items) == 0 {
		return nil
	}
	batch := make([]T, len(bb.items))
	copy(batch, bb.items)
	bb.items = bb.items[:0]
	return batch
}

// drain flushes the remainder with ctx, typically on shutdown.
func (bb *batchBuffer[T]) drain(ctx context.Context) error {
	return bb.flush(ctx)
}

func (bb *batchBuffer[T]) pending() int {
	bb.mu.Lock()
	defer bb.mu.Unlock()
	return len(bb.items)
}
