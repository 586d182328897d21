package stores

import (
	"context"
	"sync"

	"github.com/openfroyo/webscript/pkg/engine"
)

// MemoryStore implements engine.BindingStore in memory.
type MemoryStore struct {
	mu    sync.RWMutex
	table engine.Bindings
}

var _ engine.BindingStore = (*MemoryStore)(nil)

// NewMemoryStore creates a store holding a copy of initial.
func NewMemoryStore(initial engine.Bindings) *MemoryStore {
	if initial == nil {
		initial = engine.Bindings{}
	}
	return &MemoryStore{table: initial.Clone()}
}

// Load implements engine.BindingStore.
func (s *MemoryStore) Load(_ context.Context) (engine.Bindings, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.table.Clone(), nil
}

// Update implements engine.BindingStore. The table is replaced only when fn
// succeeds.
func (s *MemoryStore) Update(_ context.Context, fn func(engine.Bindings) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.table.Clone()
	if err := fn(next); err != nil {
		return err
	}
	s.table = next
	return nil
}
