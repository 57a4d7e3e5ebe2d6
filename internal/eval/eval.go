// Package eval records metric observations and scores pipeline output.
// Readers take Snapshot, a point-in-time copy published atomically, so a
// dashboard poll never waits on a writer.
package eval

import (
	"context"
	"fmt"
	"maps"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/warden/internal/events"
	"github.com/linnemanlabs/warden/internal/kv"
)

const (
	// DefaultMaxHistory bounds the observation history.
	DefaultMaxHistory = 1000
	// RecentInSnapshot is how many of the newest observations a snapshot carries.
	RecentInSnapshot = 50
	// DefaultResultTTL is how long a cached evaluation result is kept.
	DefaultResultTTL = time.Hour

	snapshotKey     = "eval:snapshot"
	resultKeyPrefix = "eval:runbook:"
)

// Observation is one recorded value.
type Observation struct {
	Name   string            `json:"name"`
	Value  float64           `json:"value"`
	Labels map[string]string `json:"labels,omitempty"`
	Time   time.Time         `json:"time"`
}

// Series aggregates every observation sharing a name and label set.
type Series struct {
	Name      string            `json:"name"`
	Labels    map[string]string `json:"labels,omitempty"`
	Count     int64             `json:"count"`
	Sum       float64           `json:"sum"`
	Last      float64           `json:"last"`
	Min       float64           `json:"min"`
	Max       float64           `json:"max"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// Avg is the mean of the series, zero when empty.
func (s Series) Avg() float64 {
	if s.Count == 0 {
		return 0
	}
	return s.Sum / float64(s.Count)
}

// Snapshot is the aggregate view handed to dashboards. It is never mutated
// after it is published.
type Snapshot struct {
	Series  map[string]Series `json:"series"`
	Recent  []Observation     `json:"recent"`
	Total   int64             `json:"total"`
	TakenAt time.Time         `json:"taken_at"`
}

// Options configures a Harness.
type Options struct {
	// MaxHistory bounds the observation history. Zero means DefaultMaxHistory.
	MaxHistory int
	// KV caches evaluation results and persists snapshots. Nil disables both.
	KV        kv.Store
	ResultTTL time.Duration
	Sink      events.Sink
	Logger    log.Logger
}

// Harness records observations and evaluates pipeline output.
type Harness struct {
	mu      sync.Mutex
	history []Observation
	series  map[string]*Series
	total   int64

	snap atomic.Pointer[Snapshot]

	maxHistory int
	kv         kv.Store
	resultTTL  time.Duration
	sink       events.Sink
	logger     log.Logger
	now        func() time.Time
}

// New creates an empty Harness.
func New(opts Options) *Harness {
	if opts.MaxHistory <= 0 {
		opts.MaxHistory = DefaultMaxHistory
	}
	if opts.ResultTTL <= 0 {
		opts.ResultTTL = DefaultResultTTL
	}
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	h := &Harness{
		series:     make(map[string]*Series),
		maxHistory: opts.MaxHistory,
		kv:         opts.KV,
		resultTTL:  opts.ResultTTL,
		sink:       events.OrNop(opts.Sink),
		logger:     opts.Logger,
		now:        func() time.Time { return time.Now().UTC() },
	}
	h.snap.Store(&Snapshot{Series: map[string]Series{}, Recent: []Observation{}, TakenAt: h.now()})
	return h
}

// SeriesKey renders name and labels as name{k=v,...} with keys sorted.
// Without labels it is just the name.
func SeriesKey(name string, labels map[string]string) string {
	if len(labels) == 0 {
		return name
	}
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(name)
	b.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(',')
		}
		fmt.Fprintf(&b, "%s=%s", k, labels[k])
	}
	b.WriteByte('}')
	return b.String()
}

// Record appends an observation and updates its series.
func (h *Harness) Record(name string, value float64, labels map[string]string) {
	if name == "" {
		return
	}
	labels = maps.Clone(labels)
	now := h.now()

	h.mu.Lock()
	defer h.mu.Unlock()

	h.history = append(h.history, Observation{Name: name, Value: value, Labels: labels, Time: now})
	if over := len(h.history) - h.maxHistory; over > 0 {
		h.history = append(h.history[:0:0], h.history[over:]...)
	}

	key := SeriesKey(name, labels)
	s, ok := h.series[key]
	if !ok {
		s = &Series{Name: name, Labels: labels, Min: value, Max: value}
		h.series[key] = s
	}
	s.Count++
	s.Sum += value
	s.Last = value
	s.Min = min(s.Min, value)
	s.Max = max(s.Max, value)
	s.UpdatedAt = now
	h.total++

	h.publish(now)
}

// publish builds a fresh snapshot from the current state. Callers hold mu.
func (h *Harness) publish(now time.Time) {
	series := make(map[string]Series, len(h.series))
	for k, s := range h.series {
		series[k] = *s
	}
	start := max(len(h.history)-RecentInSnapshot, 0)
	recent := append([]Observation(nil), h.history[start:]...)
	h.snap.Store(&Snapshot{Series: series, Recent: recent, Total: h.total, TakenAt: now})
}

// Snapshot returns the latest published aggregate view. It never blocks.
func (h *Harness) Snapshot() *Snapshot {
	return h.snap.Load()
}

// History returns up to limit of the newest observations named name,
// newest first. limit <= 0 returns all of them.
func (h *Harness) History(name string, limit int) []Observation {
	h.mu.Lock()
	defer h.mu.Unlock()

	var out []Observation
	for i := len(h.history) - 1; i >= 0; i-- {
		if h.history[i].Name != name {
			continue
		}
		out = append(out, h.history[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out
}

// Persist writes the latest snapshot's series to the KV store so a restart
// can pick up where this process left off.
func (h *Harness) Persist(ctx context.Context) error {
	if h.kv == nil {
		return nil
	}
	if err := kv.SetJSON(ctx, h.kv, snapshotKey, h.Snapshot(), 0); err != nil {
		return fmt.Errorf("persist eval snapshot: %w", err)
	}
	return nil
}

// Restore merges a persisted snapshot's series into the harness. Series
// already present are left alone. It reports whether a snapshot was found.
func (h *Harness) Restore(ctx context.Context) (bool, error) {
	if h.kv == nil {
		return false, nil
	}
	var saved Snapshot
	ok, err := kv.GetJSON(ctx, h.kv, snapshotKey, &saved)
	if err != nil {
		return false, fmt.Errorf("restore eval snapshot: %w", err)
	}
	if !ok {
		return false, nil
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	restored := 0
	for key, s := range saved.Series {
		if _, exists := h.series[key]; exists {
			continue
		}
		cp := s
		h.series[key] = &cp
		h.total += s.Count
		restored++
	}
	h.publish(h.now())
	h.logger.Info(ctx, "eval snapshot restored", "series", restored)
	return true, nil
}

// CachedResult returns a previously cached evaluation for a runbook id.
func (h *Harness) CachedResult(ctx context.Context, id string) (*Result, bool, error) {
	if h.kv == nil || id == "" {
		return nil, false, nil
	}
	var r Result
	ok, err := kv.GetJSON(ctx, h.kv, resultKeyPrefix+id, &r)
	if err != nil || !ok {
		return nil, false, err
	}
	return &r, true, nil
}
