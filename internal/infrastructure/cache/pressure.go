// Package cache publishes per-symbol pressure snapshots to Redis.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	marketdata "github.com/colefreeman/cole-ws/internal/domain/entity/marketdata"
	"github.com/colefreeman/cole-ws/internal/domain/interfaces"

	"github.com/redis/go-redis/v9"
)

var _ interfaces.PressureCache = (*PressureCache)(nil)

const keyPrefix = "pressure:"

// PressureCache stores the latest snapshot of each symbol under pressure:{symbol}.
type PressureCache struct {
	client redis.Cmdable
	ttl    time.Duration
}

func NewPressureCache(client redis.Cmdable, ttl time.Duration) *PressureCache {
	return &PressureCache{client: client, ttl: ttl}
}

// Key returns the cache key of a symbol.
func Key(symbol string) string {
	return keyPrefix + symbol
}

// PublishSnapshots writes all snapshots in one pipeline.
func (c *PressureCache) PublishSnapshots(ctx context.Context, snapshots []marketdata.PressureSnapshot) error {
	if len(snapshots) == 0 {
		return nil
	}
	payloads := make([][]byte, len(snapshots))
	for i := range snapshots {
		data, err := json.Marshal(snapshots[i])
		if err != nil {
			return fmt.Errorf("encode snapshot %s: %w", snapshots[i].Symbol, err)
		}
		payloads[i] = data
	}
	_, err := c.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i := range snapshots {
			pipe.Set(ctx, Key(snapshots[i].Symbol), payloads[i], c.ttl)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis SET pipeline: %w", err)
	}
	return nil
}

// GetSnapshot returns nil without error when the symbol is not cached.
func (c *PressureCache) GetSnapshot(ctx context.Context, symbol string) (*marketdata.PressureSnapshot, error) {
	data, err := c.client.Get(ctx, Key(symbol)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("redis GET %s: %w", Key(symbol), err)
	}
	var snapshot marketdata.PressureSnapshot
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return nil, fmt.Errorf("decode snapshot %s: %w", symbol, err)
	}
	return &snapshot, nil
}
