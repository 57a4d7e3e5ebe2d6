package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/linnemanlabs/warden/internal/agenterr"
)

// MemStore is a brute-force in-memory VectorStore. Suitable for dev/testing.
type MemStore struct {
	mu    sync.RWMutex
	items map[string]*Item
}

// NewMemStore creates an empty MemStore.
func NewMemStore() *MemStore {
	return &MemStore{items: make(map[string]*Item)}
}

// Insert stores a copy of it. An existing id is rejected.
func (s *MemStore) Insert(_ context.Context, it *Item) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.items[it.ID]; ok {
		return fmt.Errorf("%w: memory %q already exists", agenterr.ErrValidation, it.ID)
	}
	s.items[it.ID] = cloneItem(it)
	return nil
}

// Nearest scans every item matching f and returns the k closest.
func (s *MemStore) Nearest(_ context.Context, vec []float32, k int, f Filter) ([]Match, error) {
	s.mu.RLock()
	out := make([]Match, 0, len(s.items))
	for _, it := range s.items {
		if !f.matches(it) {
			continue
		}
		out = append(out, Match{Item: *cloneItem(it), Distance: CosineDistance(vec, it.Embedding)})
	}
	s.mu.RUnlock()

	SortMatches(out)
	if len(out) > k {
		out = out[:k]
	}
	return out, nil
}

// Get returns a copy of the item.
func (s *MemStore) Get(_ context.Context, id string) (*Item, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	it, ok := s.items[id]
	if !ok {
		return nil, false, nil
	}
	return cloneItem(it), true, nil
}

// Delete removes the item, reporting whether it existed.
func (s *MemStore) Delete(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.items[id]
	delete(s.items, id)
	return ok, nil
}

// Count returns how many items match f.
func (s *MemStore) Count(_ context.Context, f Filter) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, it := range s.items {
		if f.matches(it) {
			n++
		}
	}
	return n, nil
}

func cloneItem(it *Item) *Item {
	cp := *it
	cp.Embedding = append([]float32(nil), it.Embedding...)
	cp.Metadata = copyMetadata(it.Metadata)
	return &cp
}
