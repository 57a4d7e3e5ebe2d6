// Package a2a runs incidents through the agent pipeline. Every agent is
// reached through an envelope, and every call lands on the incident's
// timeline so a trace can be replayed after the fact.
package a2a

import (
	"context"
	"errors"
	"time"

	"github.com/linnemanlabs/warden/internal/agents"
)

// State is a trace's position in the pipeline.
type State string

const (
	StateStart          State = "start"
	StateTriageDone     State = "triage_done"
	StateExplained      State = "explained"
	StateRunbookDrafted State = "runbook_drafted"
	StatePolicyChecked  State = "policy_checked"
	StateSimulated      State = "simulated"
	StateFinished       State = "finished"
	StateAborted        State = "aborted"
)

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	return s == StateFinished || s == StateAborted
}

// Valid reports whether s is a known state.
func (s State) Valid() bool {
	switch s {
	case StateStart, StateTriageDone, StateExplained, StateRunbookDrafted,
		StatePolicyChecked, StateSimulated, StateFinished, StateAborted:
		return true
	}
	return false
}

// Outcome of one timeline entry.
const (
	OutcomeOK               = "ok"
	OutcomeError            = "error"
	OutcomeRewriteRequested = "rewrite_requested"
	OutcomeRejected         = "rejected"
	OutcomeCancelled        = "cancelled"
)

// AgentOrchestrator names entries the orchestrator writes itself.
const AgentOrchestrator = "orchestrator"

// MaxRewrites is how many times a rejected runbook is sent back for redrafting.
const MaxRewrites = 1

// Incident is the input to a flow.
type Incident struct {
	ID        string         `json:"incident_id,omitempty"`
	TraceID   string         `json:"trace_id,omitempty"`
	Features  map[string]any `json:"features"`
	SessionID string         `json:"session_id,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// Entry is one timeline record. Entries are append-only and ordered by Seq.
type Entry struct {
	Seq        int       `json:"seq"`
	TraceID    string    `json:"trace_id"`
	Agent      string    `json:"agent"`
	EnvelopeID string    `json:"envelope_id,omitempty"`
	State      State     `json:"state"`
	Outcome    string    `json:"outcome"`
	Error      string    `json:"error,omitempty"`
	ErrorKind  string    `json:"error_kind,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	EndedAt    time.Time `json:"ended_at"`
	ElapsedMS  float64   `json:"elapsed_ms"`
}

// Trace is the full record of one incident flow.
type Trace struct {
	ID          string                 `json:"trace_id"`
	IncidentID  string                 `json:"incident_id"`
	State       State                  `json:"state"`
	FailedStage string                 `json:"failed_stage,omitempty"`
	Error       string                 `json:"error,omitempty"`
	ErrorKind   string                 `json:"error_kind,omitempty"`
	Incident    Incident               `json:"incident"`
	Triage      *agents.TriageResult   `json:"triage,omitempty"`
	Explanation *agents.Explanation    `json:"explanation,omitempty"`
	Memories    []agents.MemoryHint    `json:"memories,omitempty"`
	Runbook     *agents.Runbook        `json:"runbook,omitempty"`
	Policy      *agents.PolicyResult   `json:"policy,omitempty"`
	Simulation  *agents.SimulateResult `json:"simulation,omitempty"`
	Rewrites    int                    `json:"rewrites"`
	Timeline    []Entry                `json:"timeline"`
	CreatedAt   time.Time              `json:"created_at"`
	UpdatedAt   time.Time              `json:"updated_at"`
	CompletedAt *time.Time             `json:"completed_at,omitempty"`
}

// Clone copies the trace deeply enough that the copy's slices can be read
// while the flow keeps appending. Agent results are never mutated after
// they are set, so their pointers are shared.
func (t *Trace) Clone() *Trace {
	cp := *t
	cp.Timeline = append([]Entry(nil), t.Timeline...)
	cp.Memories = append([]agents.MemoryHint(nil), t.Memories...)
	if t.CompletedAt != nil {
		at := *t.CompletedAt
		cp.CompletedAt = &at
	}
	return &cp
}

// Store persists traces. Create inserts a new trace header and reports false
// when the id is taken; Put overwrites the header by id; AppendEntry adds one
// timeline entry. Get returns the trace with its full timeline.
type Store interface {
	Create(ctx context.Context, t *Trace) (bool, error)
	Put(ctx context.Context, t *Trace) error
	AppendEntry(ctx context.Context, e Entry) error
	Get(ctx context.Context, id string) (*Trace, bool, error)
	// List returns the newest traces first, without timelines.
	List(ctx context.Context, limit int) ([]*Trace, error)
}

// Notifier is told about every trace that reaches a terminal state.
type Notifier interface {
	Notify(ctx context.Context, t *Trace) error
}

// Notifiers fans a trace out to each notifier in order. Every notifier is
// called; their errors are joined.
type Notifiers []Notifier

func (ns Notifiers) Notify(ctx context.Context, t *Trace) error {
	var errs []error
	for _, n := range ns {
		if n == nil {
			continue
		}
		if err := n.Notify(ctx, t); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
