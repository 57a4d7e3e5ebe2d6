package a2a

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/oklog/ulid/v2"

	"github.com/linnemanlabs/warden/internal/agenterr"
	"github.com/linnemanlabs/warden/internal/agents"
	"github.com/linnemanlabs/warden/internal/envelope"
	"github.com/linnemanlabs/warden/internal/jobs"
)

// SimulationJob returns a job unit that previews a runbook one step at a
// time through the simulate agent, so a long runbook can be paused or
// cancelled between steps. The unit's result is the merged SimulateResult.
func (o *Orchestrator) SimulationJob(incidentID string, steps []agents.Step) (jobs.Unit, error) {
	if len(steps) == 0 {
		return jobs.Unit{}, fmt.Errorf("%w: runbook has no steps", agenterr.ErrValidation)
	}
	for i, s := range steps {
		if strings.TrimSpace(s.Step) == "" {
			return jobs.Unit{}, fmt.Errorf("%w: step %d is empty", agenterr.ErrValidation, i+1)
		}
	}
	if incidentID == "" {
		incidentID = "unknown"
	}

	traceID := ulid.Make().String()
	var mu sync.Mutex
	merged := agents.SimulateResult{
		Events:   []agents.SimEvent{},
		Analysis: []agents.StepAnalysis{},
	}

	unit := jobs.Unit{Name: "runbook_simulation:" + incidentID}
	for i, s := range steps {
		unit.Steps = append(unit.Steps, jobs.Step{
			Name: fmt.Sprintf("step_%d", i+1),
			Run: func(ctx context.Context) error {
				inputs, err := toInputs(agents.SimulateInput{Runbook: []agents.Step{s}})
				if err != nil {
					return fmt.Errorf("%w: encode step %d: %w", agenterr.ErrValidation, i+1, err)
				}
				resp := o.invoker.InvokeByName(ctx, envelope.Request{
					Tool:      agents.ToolSimulate,
					Inputs:    inputs,
					FromAgent: AgentOrchestrator,
					ToAgent:   agents.ToolSimulate,
					TraceID:   traceID,
					Metadata:  map[string]any{"incident_id": incidentID, "step_index": i},
					TimeoutMS: o.timeout.Milliseconds(),
				})
				var out agents.SimulateResult
				if err := resp.Decode(&out); err != nil {
					return fmt.Errorf("step %d: %w", i+1, err)
				}

				mu.Lock()
				defer mu.Unlock()
				merged.TotalSteps += out.TotalSteps
				merged.OKSteps += out.OKSteps
				merged.WarnSteps += out.WarnSteps
				merged.ApprovalRequired += out.ApprovalRequired
				merged.HighImpact += out.HighImpact
				for _, ev := range out.Events {
					ev.StepIndex = i
					merged.Events = append(merged.Events, ev)
				}
				merged.Analysis = append(merged.Analysis, out.Analysis...)
				return nil
			},
		})
	}
	unit.Result = func() any {
		mu.Lock()
		defer mu.Unlock()
		cp := merged
		cp.Events = append([]agents.SimEvent(nil), merged.Events...)
		cp.Analysis = append([]agents.StepAnalysis(nil), merged.Analysis...)
		return cp
	}
	return unit, nil
}
