package broker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type collector struct {
	mu      sync.Mutex
	batches [][]int
}

func (c *collector) flush(ctx context.Context, batch []int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.batches = append(c.batches, batch)
	return nil
}

func (c *collector) snapshot() [][]int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]int(nil), c.batches...)
}

func TestBatchBufferFlushesOnSize(t *testing.T) {
	c := &collector{}
	bb := newBatchBuffer(BatchConfig{Size: 3}, c.flush, nil)
	bb.setContext(context.Background())

	for i := 1; i <= 7; i++ {
		require.NoError(t, bb.enqueue(i))
	}

	assert.Equal(t, [][]int{{1, 2, 3}, {4, 5, 6}}, c.snapshot())
	assert.Equal(t, 1, bb.pending())

	require.NoError(t, bb.drain(context.Background()))
	assert.Equal(t, [][]int{{1, 2, 3}, {4, 5, 6}, {7}}, c.snapshot())
	assert.Equal(t, 0, bb.pending())
}

func TestBatchBufferFlushesOnTimeout(t *testing.T) {
	c := &collector{}
	bb := newBatchBuffer(BatchConfig{Size: 100, Timeout: 20 * time.Millisecond}, c.flush, nil)
	bb.setContext(context.Background())

	require.NoError(t, bb.enqueue(1))
	require.NoError(t, bb.enqueue(2))

	require.Eventually(t, func() bool { return len(c.snapshot()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, [][]int{{1, 2}}, c.snapshot())
}

func TestBatchBufferRequiresContext(t *testing.T) {
	bb := newBatchBuffer(BatchConfig{Size: 1}, (&collector{}).flush, nil)
	assert.Error(t, bb.enqueue(1))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	bb.setContext(ctx)
	assert.ErrorIs(t, bb.enqueue(1), context.Canceled)
}

func TestBatchBufferKeepsArrivalOrder(t *testing.T) {
	c := &collector{}
	bb := newBatchBuffer(BatchConfig{Size: 5, Timeout: time.Millisecond}, c.flush, nil)
	bb.setContext(context.Background())

	for i := 0; i < 500; i++ {
		require.NoError(t, bb.enqueue(i))
		if i%37 == 0 {
			time.Sleep(2 * time.Millisecond)
		}
	}
	require.NoError(t, bb.drain(context.Background()))

	var flat []int
	for _, batch := range c.snapshot() {
		flat = append(flat, batch...)
	}
	require.Len(t, flat, 500)
	for i, v := range flat {
		assert.Equal(t, i, v)
	}
}

func TestBatchBufferTimerLeavesItemsForDrainAfterCancel(t *testing.T) {
	c := &collector{}
	bb := newBatchBuffer(BatchConfig{Size: 100, Timeout: 10 * time.Millisecond}, c.flush, nil)
	ctx, cancel := context.WithCancel(context.Background())
	bb.setContext(ctx)

	require.NoError(t, bb.enqueue(1))
	cancel()
	time.Sleep(50 * time.Millisecond)

	assert.Empty(t, c.snapshot())
	assert.Equal(t, 1, bb.pending())

	require.NoError(t, bb.drain(context.Background()))
	assert.Equal(t, [][]int{{1}}, c.snapshot())
}
