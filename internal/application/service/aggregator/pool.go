package aggregator

import (
	"context"
	"hash/fnv"
	"slices"
	"strings"

	marketdata "github.com/colefreeman/cole-ws/internal/domain/entity/marketdata"
	"github.com/colefreeman/cole-ws/internal/domain/interfaces"

	"golang.org/x/sync/errgroup"
)

var _ interfaces.TradeAggregator = (*Pool)(nil)

// Pool spreads symbols over several aggregators. Each symbol always lands on the
// same shard, so its state has a single owner, and the merged output matches what
// one Aggregator would produce for the same batch.
type Pool struct {
	shards []*Aggregator
}

// NewPool creates workers shards; newStore is called once per shard and may be nil.
func NewPool(workers int, newStore func() StateStore) *Pool {
	if workers <= 0 {
		workers = 1
	}
	shards := make([]*Aggregator, workers)
	for i := range shards {
		var store StateStore
		if newStore != nil {
			store = newStore()
		}
		shards[i] = New(store)
	}
	return &Pool{shards: shards}
}

func (p *Pool) Size() int {
	return len(p.shards)
}

// Aggregate validates the batch up front so no shard moves when another would reject.
func (p *Pool) Aggregate(ctx context.Context, batch []marketdata.Trade) ([]marketdata.EnrichedTrade, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := marketdata.ValidateBatch(batch); err != nil {
		return nil, err
	}
	if len(p.shards) == 1 {
		return p.shards[0].Aggregate(ctx, batch)
	}

	parts := make([][]marketdata.Trade, len(p.shards))
	for _, trade := range batch {
		i := p.shardFor(trade.Symbol)
		parts[i] = append(parts[i], trade)
	}

	results := make([][]marketdata.EnrichedTrade, len(p.shards))
	g, gctx := errgroup.WithContext(ctx)
	for i, part := range parts {
		if len(part) == 0 {
			continue
		}
		g.Go(func() error {
			out, err := p.shards[i].Aggregate(gctx, part)
			results[i] = out
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	merged := make([]marketdata.EnrichedTrade, 0, len(batch))
	for _, out := range results {
		merged = append(merged, out...)
	}
	slices.SortStableFunc(merged, func(a, b marketdata.EnrichedTrade) int {
		return strings.Compare(a.Symbol, b.Symbol)
	})
	return merged, nil
}

func (p *Pool) Snapshot(symbol string) (marketdata.SymbolAggregateState, bool) {
	return p.shards[p.shardFor(symbol)].Snapshot(symbol)
}

// Snapshots returns every symbol state across shards ordered by symbol.
func (p *Pool) Snapshots() []marketdata.SymbolAggregateState {
	var states []marketdata.SymbolAggregateState
	for _, shard := range p.shards {
		states = append(states, shard.Snapshots()...)
	}
	sortStates(states)
	return states
}

func (p *Pool) shardFor(symbol string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(symbol))
	return int(h.Sum32() % uint32(len(p.shards)))
}
