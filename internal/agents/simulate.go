package agents

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/linnemanlabs/warden/internal/tools"
)

// Simulation outcomes.
const (
	OutcomeOK   = "simulated_ok"
	OutcomeWarn = "simulated_warn"
)

type delayRange struct{ min, max time.Duration }

var simulationDelays = map[string]delayRange{
	RiskLow:    {100 * time.Millisecond, 300 * time.Millisecond},
	RiskMedium: {200 * time.Millisecond, 500 * time.Millisecond},
	RiskHigh:   {300 * time.Millisecond, 800 * time.Millisecond},
}

var warningProbabilities = map[string]float64{
	RiskLow:    0.05,
	RiskMedium: 0.15,
	RiskHigh:   0.30,
}

var destructiveVerbs = []string{"delete", "remove", "terminate", "shutdown", "disable", "drop", "reset"}

// SimulateInput is the simulate tool's envelope input.
type SimulateInput struct {
	Runbook []Step `json:"runbook"`
	DryRun  bool   `json:"dry_run,omitempty"`
}

// SimEvent is one simulated step outcome.
type SimEvent struct {
	StepIndex  int    `json:"step_index"`
	Step       string `json:"step"`
	Risk       string `json:"risk"`
	Outcome    string `json:"outcome"`
	Message    string `json:"message"`
	DurationMS int64  `json:"duration_ms"`
}

// StepAnalysis is the dry-run verdict for one step.
type StepAnalysis struct {
	Step             string `json:"step"`
	Risk             string `json:"risk"`
	DestructiveVerb  bool   `json:"destructive_verb"`
	RequiresApproval bool   `json:"requires_approval"`
	EstimatedImpact  string `json:"estimated_impact"`
}

// SimulateResult is the simulate tool's output.
type SimulateResult struct {
	TotalSteps       int            `json:"total_steps"`
	OKSteps          int            `json:"ok_steps"`
	WarnSteps        int            `json:"warn_steps"`
	ApprovalRequired int            `json:"steps_requiring_approval"`
	HighImpact       int            `json:"high_impact_steps"`
	Events           []SimEvent     `json:"events,omitempty"`
	Analysis         []StepAnalysis `json:"analysis"`
}

// Simulator previews runbook execution without running anything.
type Simulator struct {
	mu  sync.Mutex
	rng *rand.Rand

	// DelayScale multiplies the per-risk delays; 0 disables sleeping.
	DelayScale float64
}

// NewSimulator returns a Simulator drawing outcomes from seed.
func NewSimulator(seed int64, delayScale float64) *Simulator {
	return &Simulator{rng: rand.New(rand.NewSource(seed)), DelayScale: delayScale}
}

func (s *Simulator) draw(risk string) (time.Duration, string) {
	dr, ok := simulationDelays[risk]
	if !ok {
		dr = simulationDelays[RiskLow]
	}
	p, ok := warningProbabilities[risk]
	if !ok {
		p = 0.1
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	d := dr.min + time.Duration(s.rng.Int63n(int64(dr.max-dr.min)+1))
	outcome := OutcomeOK
	if s.rng.Float64() < p {
		outcome = OutcomeWarn
	}
	return d, outcome
}

// Run simulates every step in order. In dry-run mode only the static
// analysis is produced. Cancellation of ctx stops between steps.
func (s *Simulator) Run(ctx context.Context, in SimulateInput) (SimulateResult, error) {
	res := SimulateResult{TotalSteps: len(in.Runbook), Analysis: make([]StepAnalysis, 0, len(in.Runbook))}
	for _, st := range in.Runbook {
		a := DryRunStep(st)
		res.Analysis = append(res.Analysis, a)
		if a.RequiresApproval {
			res.ApprovalRequired++
		}
		if a.EstimatedImpact == RiskHigh {
			res.HighImpact++
		}
	}
	if in.DryRun {
		return res, nil
	}

	res.Events = make([]SimEvent, 0, len(in.Runbook))
	for i, st := range in.Runbook {
		risk := st.Risk
		if risk == "" {
			risk = RiskMedium
		}
		d, outcome := s.draw(risk)
		if err := s.sleep(ctx, d); err != nil {
			return res, err
		}
		res.Events = append(res.Events, SimEvent{
			StepIndex:  i,
			Step:       st.Step,
			Risk:       risk,
			Outcome:    outcome,
			Message:    simulationMessage(st.Step, outcome),
			DurationMS: d.Milliseconds(),
		})
		if outcome == OutcomeOK {
			res.OKSteps++
		} else {
			res.WarnSteps++
		}
	}
	return res, nil
}

func (s *Simulator) sleep(ctx context.Context, d time.Duration) error {
	d = time.Duration(float64(d) * s.DelayScale)
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func simulationMessage(step, outcome string) string {
	short := truncate(step, 50)
	if outcome == OutcomeOK {
		return "Step would execute successfully: " + short
	}
	return fmt.Sprintf("Step may require attention: %s (review recommended)", short)
}

// DryRunStep flags a step for approval when it is high risk or mentions a
// destructive verb.
func DryRunStep(st Step) StepAnalysis {
	lower := strings.ToLower(st.Step)
	destructive := false
	for _, verb := range destructiveVerbs {
		if strings.Contains(lower, verb) {
			destructive = true
			break
		}
	}
	high := st.Risk == RiskHigh || destructive
	impact := "normal"
	if high {
		impact = RiskHigh
	}
	return StepAnalysis{
		Step:             st.Step,
		Risk:             st.Risk,
		DestructiveVerb:  destructive,
		RequiresApproval: high,
		EstimatedImpact:  impact,
	}
}

// NewSimulateTool returns the simulator agent as a tool.
func NewSimulateTool(sim *Simulator) tools.Tool {
	return tools.Wrap(ToolSimulate, "Preview a runbook's execution without running it.", sim.Run).
		WithSchema(`{"type":"object","properties":{"runbook":{"type":"array"},"dry_run":{"type":"boolean"}},"required":["runbook"]}`)
}
