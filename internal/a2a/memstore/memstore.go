// Package memstore provides an in-memory implementation of a2a.Store.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/linnemanlabs/warden/internal/a2a"
)

// Store holds traces in memory. Suitable for dev/testing.
type Store struct {
	mu        sync.RWMutex
	traces    map[string]*a2a.Trace // trace ID -> header
	timelines map[string][]a2a.Entry
}

// New initializes a new in-memory Store.
func New() *Store {
	return &Store{
		traces:    make(map[string]*a2a.Trace),
		timelines: make(map[string][]a2a.Entry),
	}
}

// Get retrieves a trace and its timeline by ID. Returns a copy.
func (s *Store) Get(_ context.Context, id string) (*a2a.Trace, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.traces[id]
	if !ok {
		return nil, false, nil
	}
	cp := t.Clone()
	cp.Timeline = append([]a2a.Entry{}, s.timelines[id]...)
	return cp, true, nil
}

// Create stores a copy of the trace header unless the id is already taken.
func (s *Store) Create(_ context.Context, t *a2a.Trace) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.traces[t.ID]; exists {
		return false, nil
	}
	cp := t.Clone()
	cp.Timeline = nil
	s.traces[t.ID] = cp
	return true, nil
}

// Put stores a copy of the trace header. The timeline is kept separately
// and is not replaced.
func (s *Store) Put(_ context.Context, t *a2a.Trace) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := t.Clone()
	cp.Timeline = nil
	s.traces[t.ID] = cp
	return nil
}

// AppendEntry adds an entry to its trace's timeline. Entries must arrive in
// sequence order.
func (s *Store) AppendEntry(_ context.Context, e a2a.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tl := s.timelines[e.TraceID]
	if want := len(tl) + 1; e.Seq != want {
		return fmt.Errorf("trace %s: entry seq %d out of order, want %d", e.TraceID, e.Seq, want)
	}
	s.timelines[e.TraceID] = append(tl, e)
	return nil
}

// List returns up to limit trace headers, newest first.
func (s *Store) List(_ context.Context, limit int) ([]*a2a.Trace, error) {
	s.mu.RLock()
	out := make([]*a2a.Trace, 0, len(s.traces))
	for _, t := range s.traces {
		out = append(out, t.Clone())
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
