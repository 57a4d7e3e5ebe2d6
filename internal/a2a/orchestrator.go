package a2a

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"

	"github.com/linnemanlabs/warden/internal/agenterr"
	"github.com/linnemanlabs/warden/internal/agents"
	"github.com/linnemanlabs/warden/internal/envelope"
	"github.com/linnemanlabs/warden/internal/events"
	"github.com/linnemanlabs/warden/internal/jobs"
	"github.com/linnemanlabs/warden/internal/memory"
)

const tracerName = "github.com/linnemanlabs/warden/internal/a2a"

const (
	// DefaultMemoryK is how many remembered remediations are retrieved per flow.
	DefaultMemoryK = 3
	// MemoryKind tags the remediation memories a finished flow stores.
	MemoryKind = "remediation"
	// DefaultListLimit applies when Traces is called with limit <= 0.
	DefaultListLimit = 50
)

// Memory is the part of the memory bank the orchestrator uses.
type Memory interface {
	Retrieve(ctx context.Context, query string, k int, opts memory.RetrieveOptions) []memory.Match
	Store(ctx context.Context, it memory.Item) (string, error)
}

// Options configures an Orchestrator.
type Options struct {
	// Store persists traces. Required.
	Store Store
	// Memory enables retrieval and remediation memories. Nil skips both.
	Memory  Memory
	MemoryK int
	// Notifier is told about finished and aborted traces. Optional.
	Notifier Notifier
	// AgentTimeout bounds each envelope. Zero uses the invoker default.
	AgentTimeout time.Duration
	Sink         events.Sink
	Logger       log.Logger
	Hooks        Hooks
}

// Orchestrator drives incidents through triage, explanation, runbook
// drafting, policy review and simulation.
type Orchestrator struct {
	invoker  *envelope.Invoker
	store    Store
	memory   Memory
	memoryK  int
	notifier Notifier
	timeout  time.Duration
	sink     events.Sink
	logger   log.Logger
	hooks    Hooks
	now      func() time.Time
}

// New creates an Orchestrator that reaches agents through invoker.
func New(invoker *envelope.Invoker, opts Options) *Orchestrator {
	if invoker == nil {
		panic(xerrors.New("envelope invoker is required"))
	}
	if opts.Store == nil {
		panic(xerrors.New("trace store is required"))
	}
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	if opts.MemoryK <= 0 {
		opts.MemoryK = DefaultMemoryK
	}
	return &Orchestrator{
		invoker:  invoker,
		store:    opts.Store,
		memory:   opts.Memory,
		memoryK:  opts.MemoryK,
		notifier: opts.Notifier,
		timeout:  opts.AgentTimeout,
		sink:     events.OrNop(opts.Sink),
		logger:   opts.Logger,
		hooks:    opts.Hooks,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Run drives inc through the whole pipeline and returns the final trace.
// An aborted flow returns the trace together with the stage error.
func (o *Orchestrator) Run(ctx context.Context, inc Incident) (*Trace, error) {
	f, err := o.begin(ctx, inc)
	if err != nil {
		return nil, err
	}

	ctx, span := otel.Tracer(tracerName).Start(ctx, "a2a.Run", trace.WithAttributes(
		attribute.String("warden.trace.id", f.id),
		attribute.String("warden.incident.id", f.t.IncidentID),
	))
	defer span.End()

	for _, s := range f.steps() {
		if err := s.Run(ctx); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return f.snapshot(), err
		}
	}
	return f.snapshot(), nil
}

// Summary is the job result of a flow run through Flow.
type Summary struct {
	TraceID      string `json:"trace_id"`
	IncidentID   string `json:"incident_id"`
	State        State  `json:"state"`
	Label        string `json:"label,omitempty"`
	RunbookSteps int    `json:"runbook_steps"`
	Rewrites     int    `json:"rewrites"`
}

// Flow creates the trace for inc and returns the pipeline as a job unit,
// one step per stage, so it can be paused, resumed or cancelled between
// agents. The returned trace is the initial snapshot.
func (o *Orchestrator) Flow(ctx context.Context, inc Incident) (jobs.Unit, *Trace, error) {
	f, err := o.begin(ctx, inc)
	if err != nil {
		return jobs.Unit{}, nil, err
	}
	unit := jobs.Unit{
		Name:  "incident_flow:" + f.t.IncidentID,
		Steps: f.steps(),
		Result: func() any {
			return f.summary()
		},
		OnCancel: f.cancel,
	}
	return unit, f.snapshot(), nil
}

// Trace returns a stored trace with its timeline.
func (o *Orchestrator) Trace(ctx context.Context, id string) (*Trace, error) {
	t, ok, err := o.store.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("%w: get trace: %w", agenterr.ErrBackendUnavailable, err)
	}
	if !ok {
		return nil, fmt.Errorf("trace %q: %w", id, agenterr.ErrNotFound)
	}
	return t, nil
}

// Traces lists stored traces, newest first, without timelines.
func (o *Orchestrator) Traces(ctx context.Context, limit int) ([]*Trace, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	ts, err := o.store.List(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: list traces: %w", agenterr.ErrBackendUnavailable, err)
	}
	return ts, nil
}

// begin validates inc and writes the trace in its start state.
func (o *Orchestrator) begin(ctx context.Context, inc Incident) (*flow, error) {
	if inc.TraceID == "" {
		inc.TraceID = ulid.Make().String()
	}
	if inc.ID == "" {
		id := ulid.Make().String()
		inc.ID = "INC-" + id[len(id)-8:]
	}
	inc.Features = copyMap(inc.Features)
	inc.Metadata = copyMap(inc.Metadata)

	now := o.now()
	f := &flow{
		o:     o,
		id:    inc.TraceID,
		start: now,
		t: &Trace{
			ID:         inc.TraceID,
			IncidentID: inc.ID,
			State:      StateStart,
			Incident:   inc,
			Timeline:   []Entry{},
			CreatedAt:  now,
			UpdatedAt:  now,
		},
		logger: o.logger.With("trace_id", inc.TraceID, "incident_id", inc.ID),
	}
	created, err := o.store.Create(ctx, f.t.Clone())
	if err != nil {
		return nil, fmt.Errorf("%w: store trace: %w", agenterr.ErrBackendUnavailable, err)
	}
	if !created {
		return nil, fmt.Errorf("%w: trace %q already exists", agenterr.ErrValidation, inc.TraceID)
	}
	o.sink.Emit(ctx, events.New(events.FlowTransition, f.id, map[string]any{
		"incident_id": inc.ID,
		"to":          string(StateStart),
	}))
	f.logger.Info(ctx, "flow started")
	return f, nil
}

// flow is one incident's run. mu guards t and orders the timeline.
type flow struct {
	o      *Orchestrator
	id     string
	start  time.Time
	logger log.Logger

	mu       sync.Mutex
	t        *Trace
	feedback []agents.Change
	done     bool
}

func (f *flow) steps() []jobs.Step {
	return []jobs.Step{
		{Name: "triage", Run: f.triage},
		{Name: "explain", Run: f.explainAndRecall},
		{Name: "runbook", Run: f.draft},
		{Name: "policy", Run: f.review},
		{Name: "simulate", Run: f.simulate},
		{Name: "finish", Run: f.finish},
	}
}

func (f *flow) triage(ctx context.Context) error {
	f.mu.Lock()
	features := f.t.Incident.Features
	f.mu.Unlock()

	var res agents.TriageResult
	c := f.call(ctx, agents.ToolTriage, agents.TriageInput{Features: features}, &res)
	if c.err != nil {
		return f.abort(ctx, c, OutcomeError, nil)
	}
	f.advance(ctx, c.entry(StateTriageDone, OutcomeOK), func(t *Trace) { t.Triage = &res })
	return nil
}

// explainAndRecall runs the explanation and memory retrieval side by side.
// Retrieval never fails; an explain failure aborts the flow.
func (f *flow) explainAndRecall(ctx context.Context) error {
	f.mu.Lock()
	features, tr := f.t.Incident.Features, f.t.Triage
	f.mu.Unlock()
	if tr == nil {
		return fmt.Errorf("%w: explain before triage", agenterr.ErrValidation)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		hints := f.recall(gctx, features, tr)
		f.mu.Lock()
		f.t.Memories = hints
		f.mu.Unlock()
		return nil
	})
	g.Go(func() error {
		var exp agents.Explanation
		in := agents.ExplainInput{Features: features, Label: tr.Label, Score: tr.Score, Contribs: tr.Contribs}
		c := f.call(gctx, agents.ToolExplain, in, &exp)
		if c.err != nil {
			return f.abort(ctx, c, OutcomeError, nil)
		}
		f.advance(ctx, c.entry(StateExplained, OutcomeOK), func(t *Trace) { t.Explanation = &exp })
		return nil
	})
	return g.Wait()
}

func (f *flow) recall(ctx context.Context, features map[string]any, tr *agents.TriageResult) []agents.MemoryHint {
	hints := []agents.MemoryHint{}
	if f.o.memory == nil {
		return hints
	}
	query := agents.RetrievalQuery(features, tr.Label, tr.Contribs)
	matches := f.o.memory.Retrieve(ctx, query, f.o.memoryK, memory.RetrieveOptions{TraceID: f.id, Kind: MemoryKind})
	for _, m := range matches {
		hints = append(hints, agents.MemoryHint{ID: m.ID, Text: m.Text, Distance: m.Distance, Metadata: m.Metadata})
	}
	return hints
}

func (f *flow) draft(ctx context.Context) error {
	f.mu.Lock()
	tr := f.t.Triage
	in := agents.RunbookInput{
		Features:       f.t.Incident.Features,
		Memories:       append([]agents.MemoryHint(nil), f.t.Memories...),
		PolicyFeedback: f.feedback,
	}
	f.mu.Unlock()
	if tr == nil {
		return fmt.Errorf("%w: runbook before triage", agenterr.ErrValidation)
	}
	in.Label, in.Score, in.Contribs = tr.Label, tr.Score, tr.Contribs

	var rb agents.Runbook
	c := f.call(ctx, agents.ToolRunbook, in, &rb)
	if c.err != nil {
		return f.abort(ctx, c, OutcomeError, nil)
	}
	f.advance(ctx, c.entry(StateRunbookDrafted, OutcomeOK), func(t *Trace) { t.Runbook = &rb })
	return nil
}

// review sends the runbook to policy. A rejection sends the runbook back
// for one redraft with the policy's changes as feedback; a second
// rejection aborts the flow.
func (f *flow) review(ctx context.Context) error {
	for {
		f.mu.Lock()
		rb, rewrites := f.t.Runbook, f.t.Rewrites
		f.mu.Unlock()
		if rb == nil {
			return fmt.Errorf("%w: policy before runbook", agenterr.ErrValidation)
		}

		var res agents.PolicyResult
		c := f.call(ctx, agents.ToolPolicy, agents.PolicyInput{Runbook: rb.Steps, Source: rb.Source}, &res)
		if c.err != nil {
			return f.abort(ctx, c, OutcomeError, nil)
		}
		if res.Approved {
			f.advance(ctx, c.entry(StatePolicyChecked, OutcomeOK), func(t *Trace) { t.Policy = &res })
			return nil
		}
		if rewrites >= MaxRewrites {
			c.err = fmt.Errorf("%w: %d violation(s) remain after %d rewrite(s)",
				agenterr.ErrPolicyRejection, res.ViolationsFound, rewrites)
			return f.abort(ctx, c, OutcomeRejected, func(t *Trace) { t.Policy = &res })
		}

		f.advance(ctx, c.entry(StateRunbookDrafted, OutcomeRewriteRequested), func(t *Trace) {
			t.Policy = &res
			t.Rewrites++
			f.feedback = res.Changes
		})
		if f.o.hooks.OnPolicyRewrite != nil {
			f.o.hooks.OnPolicyRewrite()
		}
		f.o.sink.Emit(ctx, events.New(events.FlowPolicyRewrite, f.id, map[string]any{
			"violations_found": res.ViolationsFound,
			"rewrite":          rewrites + 1,
		}))
		f.logger.Warn(ctx, "runbook rejected by policy, redrafting", "violations", res.ViolationsFound)

		if err := f.draft(ctx); err != nil {
			return err
		}
	}
}

func (f *flow) simulate(ctx context.Context) error {
	f.mu.Lock()
	pol := f.t.Policy
	f.mu.Unlock()
	if pol == nil || !pol.Approved {
		return fmt.Errorf("%w: simulate before policy approval", agenterr.ErrValidation)
	}

	var sim agents.SimulateResult
	c := f.call(ctx, agents.ToolSimulate, agents.SimulateInput{Runbook: pol.Runbook}, &sim)
	if c.err != nil {
		return f.abort(ctx, c, OutcomeError, nil)
	}
	f.advance(ctx, c.entry(StateSimulated, OutcomeOK), func(t *Trace) { t.Simulation = &sim })
	return nil
}

func (f *flow) finish(ctx context.Context) error {
	now := f.o.now()
	f.advance(ctx, Entry{
		Agent:     AgentOrchestrator,
		State:     StateFinished,
		Outcome:   OutcomeOK,
		StartedAt: now,
		EndedAt:   now,
	}, func(t *Trace) { t.CompletedAt = &now })

	f.remember(ctx)
	f.complete(ctx)
	return nil
}

// remember stores every approved, unrewritten step as a remediation memory
// so later incidents of the same shape can reuse it. Failures are logged.
func (f *flow) remember(ctx context.Context) {
	if f.o.memory == nil {
		return
	}
	f.mu.Lock()
	features, tr, pol, rb := f.t.Incident.Features, f.t.Triage, f.t.Policy, f.t.Runbook
	f.mu.Unlock()
	if tr == nil || pol == nil {
		return
	}

	incidentType := ""
	if rb != nil {
		incidentType = rb.IncidentType
	}
	query := agents.RetrievalQuery(features, tr.Label, tr.Contribs)
	stored := 0
	for _, s := range pol.Runbook {
		if strings.HasPrefix(s.Step, agents.RewrittenPrefix) {
			continue
		}
		_, err := f.o.memory.Store(ctx, memory.Item{
			Text: query + ". Step: " + s.Step,
			Kind: MemoryKind,
			Metadata: map[string]any{
				"step":          s.Step,
				"risk":          s.Risk,
				"label":         tr.Label,
				"incident_type": incidentType,
				"trace_id":      f.id,
			},
			SessionID: f.t.Incident.SessionID,
		})
		if err != nil {
			f.logger.Warn(ctx, "remediation memory not stored", "step", s.Step, "err", err)
			continue
		}
		stored++
	}
	f.logger.Info(ctx, "remediation memories stored", "count", stored)
}

// call is one envelope exchange.
type call struct {
	agent   string
	resp    *envelope.Response
	started time.Time
	ended   time.Time
	err     error
}

func (c call) entry(state State, outcome string) Entry {
	e := Entry{
		Agent:     c.agent,
		State:     state,
		Outcome:   outcome,
		StartedAt: c.started,
		EndedAt:   c.ended,
		ElapsedMS: float64(c.ended.Sub(c.started).Microseconds()) / 1000,
	}
	if c.resp != nil {
		e.EnvelopeID = c.resp.ID
		e.ElapsedMS = c.resp.ElapsedMS
	}
	if c.err != nil {
		e.Error = c.err.Error()
		e.ErrorKind = agenterr.Kind(c.err)
	}
	return e
}

// call sends in to agent and decodes the result into out.
func (f *flow) call(ctx context.Context, agent string, in, out any) call {
	c := call{agent: agent, started: f.o.now()}
	inputs, err := toInputs(in)
	if err != nil {
		c.ended = f.o.now()
		c.err = fmt.Errorf("%w: encode %s input: %w", agenterr.ErrValidation, agent, err)
		return c
	}

	req := envelope.Request{
		Tool:      agent,
		Inputs:    inputs,
		FromAgent: AgentOrchestrator,
		ToAgent:   agent,
		TraceID:   f.id,
		Metadata:  map[string]any{"incident_id": f.t.Incident.ID},
		TimeoutMS: f.o.timeout.Milliseconds(),
	}
	c.resp = f.o.invoker.InvokeByName(ctx, req)
	c.ended = f.o.now()
	c.err = c.resp.Decode(out)
	return c
}

// advance appends e to the timeline, applies update and moves the trace to
// e.State, then writes the change through to the store.
func (f *flow) advance(ctx context.Context, e Entry, update func(t *Trace)) {
	f.mu.Lock()
	defer f.mu.Unlock()

	from := f.t.State
	e.Seq = len(f.t.Timeline) + 1
	e.TraceID = f.id
	if update != nil {
		update(f.t)
	}
	f.t.State = e.State
	f.t.UpdatedAt = e.EndedAt
	f.t.Timeline = append(f.t.Timeline, e)
	f.persistLocked(ctx, e)

	f.o.sink.Emit(ctx, events.New(events.FlowTransition, f.id, map[string]any{
		"from":        string(from),
		"to":          string(e.State),
		"agent":       e.Agent,
		"outcome":     e.Outcome,
		"envelope_id": e.EnvelopeID,
		"seq":         e.Seq,
	}))
	if e.Agent != AgentOrchestrator && f.o.hooks.OnAgentCall != nil {
		f.o.hooks.OnAgentCall(e.Agent, e.Outcome, e.ElapsedMS/1000)
	}
}

// persistLocked writes the trace header and the new entry. Writes outlive
// the caller's context so a cancelled flow still records where it stopped.
func (f *flow) persistLocked(ctx context.Context, e Entry) {
	ctx = context.WithoutCancel(ctx)
	hdr := f.t.Clone()
	hdr.Timeline = nil
	if err := f.o.store.AppendEntry(ctx, e); err != nil {
		f.logger.Error(ctx, err, "failed to persist timeline entry", "seq", e.Seq)
	}
	if err := f.o.store.Put(ctx, hdr); err != nil {
		f.logger.Error(ctx, err, "failed to persist trace", "state", string(f.t.State))
	}
}

// abort records the failed call as the final entry and returns the stage error.
func (f *flow) abort(ctx context.Context, c call, outcome string, update func(t *Trace)) error {
	f.advance(ctx, c.entry(StateAborted, outcome), func(t *Trace) {
		if update != nil {
			update(t)
		}
		now := c.ended
		t.FailedStage = c.agent
		t.Error = c.err.Error()
		t.ErrorKind = agenterr.Kind(c.err)
		t.CompletedAt = &now
	})
	f.logger.Warn(ctx, "flow aborted", "stage", c.agent, "error_kind", agenterr.Kind(c.err), "err", c.err)
	f.complete(ctx)
	return fmt.Errorf("stage %s: %w", c.agent, c.err)
}

// cancel aborts a flow whose job was cancelled between stages. A stage that
// was in flight has already ended the trace through abort, so a terminal
// trace is left alone.
func (f *flow) cancel(ctx context.Context) {
	f.mu.Lock()
	state := f.t.State
	f.mu.Unlock()
	if state.Terminal() {
		return
	}

	stage := nextStage(state)
	now := f.o.now()
	err := fmt.Errorf("flow cancelled before %s: %w", stage, agenterr.ErrCancelled)
	c := call{agent: AgentOrchestrator, started: now, ended: now, err: err}
	f.advance(ctx, c.entry(StateAborted, OutcomeCancelled), func(t *Trace) {
		t.FailedStage = stage
		t.Error = err.Error()
		t.ErrorKind = agenterr.KindCancelled
		t.CompletedAt = &now
	})
	f.logger.Warn(ctx, "flow cancelled", "stage", stage, "state", string(state))
	f.complete(ctx)
}

// nextStage names the step that runs after state.
func nextStage(state State) string {
	switch state {
	case StateStart:
		return agents.ToolTriage
	case StateTriageDone:
		return agents.ToolExplain
	case StateExplained:
		return agents.ToolRunbook
	case StateRunbookDrafted:
		return agents.ToolPolicy
	case StatePolicyChecked:
		return agents.ToolSimulate
	default:
		return "finish"
	}
}

// complete reports a terminal trace once.
func (f *flow) complete(ctx context.Context) {
	f.mu.Lock()
	if f.done || !f.t.State.Terminal() {
		f.mu.Unlock()
		return
	}
	f.done = true
	snap := f.t.Clone()
	f.mu.Unlock()

	ev := &CompleteEvent{
		State:       snap.State,
		FailedStage: snap.FailedStage,
		Duration:    f.o.now().Sub(f.start).Seconds(),
		Rewrites:    snap.Rewrites,
	}
	if snap.Policy != nil {
		ev.RunbookSteps = len(snap.Policy.Runbook)
	}
	if f.o.hooks.OnComplete != nil {
		f.o.hooks.OnComplete(ev)
	}
	f.logger.Info(ctx, "flow complete",
		"state", string(snap.State),
		"duration", ev.Duration,
		"rewrites", snap.Rewrites,
		"entries", len(snap.Timeline),
	)

	if f.o.notifier != nil {
		if err := f.o.notifier.Notify(context.WithoutCancel(ctx), snap); err != nil {
			f.logger.Error(ctx, err, "failed to send notification")
		}
	}
}

func (f *flow) snapshot() *Trace {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.t.Clone()
}

func (f *flow) summary() Summary {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := Summary{TraceID: f.id, IncidentID: f.t.IncidentID, State: f.t.State, Rewrites: f.t.Rewrites}
	if f.t.Triage != nil {
		s.Label = f.t.Triage.Label
	}
	if f.t.Policy != nil {
		s.RunbookSteps = len(f.t.Policy.Runbook)
	}
	return s
}

// toInputs turns a typed agent input into the envelope's input object.
func toInputs(v any) (map[string]any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, err
	}
	return m, nil
}

func copyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
