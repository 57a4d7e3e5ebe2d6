// Package memory implements the memory bank: embedded text items stored in a
// vector store and retrieved by nearest-neighbour search. Retrieval degrades
// to an empty result when a backend is down; storing fails closed.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/warden/internal/agenterr"
	"github.com/linnemanlabs/warden/internal/events"
	"github.com/linnemanlabs/warden/internal/kv"
)

const (
	// DefaultK is used when Retrieve is called with k <= 0.
	DefaultK = 5
	// MaxK caps k.
	MaxK = 50

	telemetryPrefix  = "memory_usage:"
	telemetryTTL     = 24 * time.Hour
	telemetryMaxRecs = 100
	maxQueryLen      = 200
)

// Item is one stored memory. Items are immutable once stored.
type Item struct {
	ID        string         `json:"id"`
	Text      string         `json:"text"`
	Embedding []float32      `json:"embedding,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Kind      string         `json:"kind,omitempty"`
	SessionID string         `json:"session_id,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// Match is a retrieved item and its cosine distance to the query.
type Match struct {
	Item
	Distance float64 `json:"distance"`
}

// Filter narrows a search. Empty fields match everything.
type Filter struct {
	Kind      string
	SessionID string
}

func (f Filter) matches(it *Item) bool {
	return (f.Kind == "" || f.Kind == it.Kind) && (f.SessionID == "" || f.SessionID == it.SessionID)
}

// Embedder turns text into a fixed-dimension vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// VectorStore persists items and answers k-nearest-neighbour queries by
// cosine distance. Insert must reject an existing id.
type VectorStore interface {
	Insert(ctx context.Context, it *Item) error
	Nearest(ctx context.Context, vec []float32, k int, f Filter) ([]Match, error)
	Get(ctx context.Context, id string) (*Item, bool, error)
	Delete(ctx context.Context, id string) (bool, error)
	Count(ctx context.Context, f Filter) (int, error)
}

// RetrieveOptions scope a retrieval. TraceID enables usage telemetry.
type RetrieveOptions struct {
	TraceID   string
	Kind      string
	SessionID string
}

// Usage is one telemetry record written per traced retrieval.
type Usage struct {
	TraceID     string    `json:"trace_id"`
	Query       string    `json:"query"`
	ResultCount int       `json:"result_count"`
	ResultIDs   []string  `json:"result_ids"`
	Degraded    bool      `json:"degraded,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// Options configures a Bank.
type Options struct {
	// Dimension is the fixed embedding size. Zero accepts any size.
	Dimension int
	// KV receives retrieval telemetry. Nil disables it.
	KV     kv.Store
	Sink   events.Sink
	Logger log.Logger
}

// Bank is the memory bank.
type Bank struct {
	embedder Embedder
	store    VectorStore
	kv       kv.Store
	sink     events.Sink
	logger   log.Logger
	dim      int
	now      func() time.Time

	// telemetryMu serializes the read-append-write of a trace's usage list.
	telemetryMu sync.Mutex
}

// NewBank creates a Bank over embedder and store.
func NewBank(embedder Embedder, store VectorStore, opts Options) *Bank {
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	return &Bank{
		embedder: embedder,
		store:    store,
		kv:       opts.KV,
		sink:     events.OrNop(opts.Sink),
		logger:   opts.Logger,
		dim:      opts.Dimension,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Store embeds (unless the item carries a vector) and inserts it, returning
// the item id. Every failure is returned to the caller.
func (b *Bank) Store(ctx context.Context, it Item) (string, error) {
	if strings.TrimSpace(it.Text) == "" {
		return "", fmt.Errorf("%w: memory text is required", agenterr.ErrValidation)
	}
	if it.ID == "" {
		it.ID = uuid.NewString()
	}
	if it.CreatedAt.IsZero() {
		it.CreatedAt = b.now()
	}
	it.Metadata = copyMetadata(it.Metadata)

	if len(it.Embedding) == 0 {
		vec, err := b.embedder.Embed(ctx, it.Text)
		if err != nil {
			return "", backendErr("embed", err)
		}
		it.Embedding = vec
	} else {
		it.Embedding = append([]float32(nil), it.Embedding...)
	}
	if b.dim > 0 && len(it.Embedding) != b.dim {
		return "", fmt.Errorf("%w: embedding has %d dimensions, want %d", agenterr.ErrValidation, len(it.Embedding), b.dim)
	}

	if err := b.store.Insert(ctx, &it); err != nil {
		return "", backendErr("insert", err)
	}
	b.logger.Info(ctx, "memory stored", "memory_id", it.ID, "kind", it.Kind)
	return it.ID, nil
}

// Retrieve returns up to k items nearest to query, nearest first; equal
// distances put the newer item first. An unavailable embedder or store
// yields an empty slice and a distinct event, never an error.
func (b *Bank) Retrieve(ctx context.Context, query string, k int, opts RetrieveOptions) []Match {
	if k <= 0 {
		k = DefaultK
	}
	k = min(k, MaxK)

	matches, degraded := b.search(ctx, query, k, Filter{Kind: opts.Kind, SessionID: opts.SessionID}, opts.TraceID)

	if opts.TraceID != "" {
		b.recordUsage(ctx, opts.TraceID, query, matches, degraded)
	}
	return matches
}

func (b *Bank) search(ctx context.Context, query string, k int, f Filter, traceID string) ([]Match, bool) {
	empty := []Match{}
	if strings.TrimSpace(query) == "" {
		return empty, false
	}

	vec, err := b.embedder.Embed(ctx, query)
	if err != nil {
		b.logger.Warn(ctx, "memory retrieval degraded: embedder unavailable", "trace_id", traceID, "err", err)
		b.sink.Emit(ctx, events.New(events.MemoryEmbedUnavailable, traceID, map[string]any{"error": err.Error()}))
		return empty, true
	}

	matches, err := b.store.Nearest(ctx, vec, k, f)
	if err != nil {
		b.logger.Warn(ctx, "memory retrieval degraded: store unavailable", "trace_id", traceID, "err", err)
		b.sink.Emit(ctx, events.New(events.MemoryStoreUnavailable, traceID, map[string]any{"error": err.Error()}))
		return empty, true
	}

	SortMatches(matches)
	if len(matches) > k {
		matches = matches[:k]
	}
	if matches == nil {
		matches = empty
	}
	return matches, false
}

// SortMatches orders by ascending distance, newest first on ties.
func SortMatches(m []Match) {
	sort.SliceStable(m, func(i, j int) bool {
		if m[i].Distance != m[j].Distance {
			return m[i].Distance < m[j].Distance
		}
		return m[i].CreatedAt.After(m[j].CreatedAt)
	})
}

func (b *Bank) recordUsage(ctx context.Context, traceID, query string, matches []Match, degraded bool) {
	ids := make([]string, len(matches))
	for i, m := range matches {
		ids[i] = m.ID
	}
	rec := Usage{
		TraceID:     traceID,
		Query:       truncateRunes(query, maxQueryLen),
		ResultCount: len(matches),
		ResultIDs:   ids,
		Degraded:    degraded,
		Timestamp:   b.now(),
	}

	b.sink.Emit(ctx, events.New(events.MemoryUsage, traceID, map[string]any{
		"result_count": rec.ResultCount,
		"degraded":     degraded,
	}))

	if b.kv == nil {
		return
	}
	if err := b.appendUsage(ctx, rec); err != nil {
		b.logger.Warn(ctx, "memory telemetry write failed", "trace_id", traceID, "err", err)
		b.sink.Emit(ctx, events.New(events.MemoryTelemetryFailed, traceID, map[string]any{"error": err.Error()}))
	}
}

func (b *Bank) appendUsage(ctx context.Context, rec Usage) error {
	b.telemetryMu.Lock()
	defer b.telemetryMu.Unlock()

	key := telemetryPrefix + rec.TraceID
	var recs []Usage
	if _, err := kv.GetJSON(ctx, b.kv, key, &recs); err != nil {
		return err
	}
	recs = append(recs, rec)
	if len(recs) > telemetryMaxRecs {
		recs = recs[len(recs)-telemetryMaxRecs:]
	}
	return kv.SetJSON(ctx, b.kv, key, recs, telemetryTTL)
}

// Usage returns the telemetry recorded for a trace, oldest first.
func (b *Bank) Usage(ctx context.Context, traceID string) ([]Usage, error) {
	if b.kv == nil {
		return nil, nil
	}
	var recs []Usage
	if _, err := kv.GetJSON(ctx, b.kv, telemetryPrefix+traceID, &recs); err != nil {
		return nil, backendErr("read telemetry", err)
	}
	return recs, nil
}

// Get returns a stored item.
func (b *Bank) Get(ctx context.Context, id string) (*Item, error) {
	it, ok, err := b.store.Get(ctx, id)
	if err != nil {
		return nil, backendErr("get", err)
	}
	if !ok {
		return nil, fmt.Errorf("memory %q: %w", id, agenterr.ErrNotFound)
	}
	return it, nil
}

// Delete removes an item.
func (b *Bank) Delete(ctx context.Context, id string) error {
	ok, err := b.store.Delete(ctx, id)
	if err != nil {
		return backendErr("delete", err)
	}
	if !ok {
		return fmt.Errorf("memory %q: %w", id, agenterr.ErrNotFound)
	}
	return nil
}

// Count returns how many items match f.
func (b *Bank) Count(ctx context.Context, f Filter) (int, error) {
	n, err := b.store.Count(ctx, f)
	if err != nil {
		return 0, backendErr("count", err)
	}
	return n, nil
}

// backendErr keeps a known kind and marks anything else unavailable.
func backendErr(op string, err error) error {
	if agenterr.Kind(err) != agenterr.KindInternal || errors.Is(err, context.Canceled) {
		return fmt.Errorf("memory %s: %w", op, err)
	}
	return fmt.Errorf("memory %s: %w: %w", op, agenterr.ErrBackendUnavailable, err)
}

func copyMetadata(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
