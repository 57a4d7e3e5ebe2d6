// Package events carries structured observability events from the envelope,
// orchestrator, memory bank and job manager to whatever sink main wires up.
// Emitting never blocks and never fails the caller.
package events

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/linnemanlabs/go-core/log"
)

// Event names emitted by the core components.
const (
	InvokeStart            = "envelope.invoke.start"
	InvokeEnd              = "envelope.invoke.end"
	FlowTransition         = "a2a.transition"
	FlowPolicyRewrite      = "a2a.policy_rewrite"
	MemoryUsage            = "memory.usage"
	MemoryEmbedUnavailable = "memory.embed_unavailable"
	MemoryStoreUnavailable = "memory.store_unavailable"
	MemoryTelemetryFailed  = "memory.telemetry_failed"
	CompactorDegraded      = "compactor.degraded"
	JobTransition          = "jobs.transition"
	JobPersistFailed       = "jobs.persist_failed"
	EvalRunbookEvaluated   = "eval.runbook_evaluated"
)

// Event is a single observability record.
type Event struct {
	Name    string         `json:"name"`
	TraceID string         `json:"trace_id,omitempty"`
	Time    time.Time      `json:"time"`
	Attrs   map[string]any `json:"attrs,omitempty"`
}

// Sink receives events.
type Sink interface {
	Emit(ctx context.Context, ev Event)
}

// New builds an event stamped with the current time.
func New(name, traceID string, attrs map[string]any) Event {
	return Event{Name: name, TraceID: traceID, Time: time.Now().UTC(), Attrs: attrs}
}

// Nop discards events.
type Nop struct{}

// Emit implements Sink.
func (Nop) Emit(context.Context, Event) {}

// OrNop returns s, or a Nop sink when s is nil.
func OrNop(s Sink) Sink {
	if s == nil {
		return Nop{}
	}
	return s
}

// LogSink writes each event as a structured log line.
type LogSink struct {
	L log.Logger
}

// NewLogSink returns a sink logging through l.
func NewLogSink(l log.Logger) *LogSink {
	if l == nil {
		l = log.Nop()
	}
	return &LogSink{L: l}
}

// Emit implements Sink.
func (s *LogSink) Emit(ctx context.Context, ev Event) {
	s.L.Info(ctx, ev.Name, fields(ev)...)
}

func fields(ev Event) []any {
	keys := make([]string, 0, len(ev.Attrs))
	for k := range ev.Attrs {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]any, 0, 2+2*len(keys))
	if ev.TraceID != "" {
		out = append(out, "trace_id", ev.TraceID)
	}
	for _, k := range keys {
		out = append(out, k, ev.Attrs[k])
	}
	return out
}

// Multi fans an event out to several sinks in order.
type Multi []Sink

// Emit implements Sink.
func (m Multi) Emit(ctx context.Context, ev Event) {
	for _, s := range m {
		if s != nil {
			s.Emit(ctx, ev)
		}
	}
}

// Recorder keeps every event in memory. Used by tests and the debug API.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

// Emit implements Sink.
func (r *Recorder) Emit(_ context.Context, ev Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

// Events returns a copy of everything recorded so far.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// Named returns the recorded events with the given name.
func (r *Recorder) Named(name string) []Event {
	var out []Event
	for _, ev := range r.Events() {
		if ev.Name == name {
			out = append(out, ev)
		}
	}
	return out
}
