package aggregator

import (
	"sync"

	marketdata "github.com/colefreeman/cole-ws/internal/domain/entity/marketdata"
)

// StateStore keeps one SymbolAggregateState per symbol.
type StateStore interface {
	Load(symbol string) (marketdata.SymbolAggregateState, bool)
	Store(state marketdata.SymbolAggregateState)
	Range(fn func(state marketdata.SymbolAggregateState) bool)
}

// MemoryStore is a process-local StateStore. State lives as long as the store.
type MemoryStore struct {
	mu     sync.RWMutex
	states map[string]marketdata.SymbolAggregateState
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{states: make(map[string]marketdata.SymbolAggregateState)}
}

func (s *MemoryStore) Load(symbol string) (marketdata.SymbolAggregateState, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	state, ok := s.states[symbol]
	return state, ok
}

func (s *MemoryStore) Store(state marketdata.SymbolAggregateState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[state.Symbol] = state
}

// Range calls fn for every state until fn returns false. Order is unspecified.
func (s *MemoryStore) Range(fn func(state marketdata.SymbolAggregateState) bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, state := range s.states {
		if !fn(state) {
			return
		}
	}
}

func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.states)
}
