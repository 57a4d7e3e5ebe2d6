package a2a_test

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/linnemanlabs/warden/internal/agenterr"
	"github.com/linnemanlabs/warden/internal/agents"
	"github.com/linnemanlabs/warden/internal/events"
	"github.com/linnemanlabs/warden/internal/jobs"
)

func TestSimulationJob_RunsEveryStep(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 0)
	ctx := context.Background()

	steps := make([]agents.Step, 10)
	for i := range steps {
		steps[i] = agents.Step{Step: fmt.Sprintf("Collect evidence from host %d", i), Risk: agents.RiskLow}
	}
	steps[3] = agents.Step{Step: "Disable the compromised account", Risk: agents.RiskMedium}

	unit, err := h.orch.SimulationJob("INC-sim", steps)
	if err != nil {
		t.Fatalf("SimulationJob: %v", err)
	}
	if unit.Name != "runbook_simulation:INC-sim" {
		t.Errorf("unit name = %q, want runbook_simulation:INC-sim", unit.Name)
	}

	m := jobs.NewManager(jobs.Options{})
	id, err := m.Start(ctx, unit, jobs.StartOptions{})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	rec, err := m.Wait(ctx, id)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if rec.Status != jobs.StatusCompleted || rec.CompletedSteps != 10 {
		t.Fatalf("job = %s with %d steps, want completed with 10", rec.Status, rec.CompletedSteps)
	}

	res, ok := rec.Result.(agents.SimulateResult)
	if !ok {
		t.Fatalf("result is %T, want agents.SimulateResult", rec.Result)
	}
	if res.TotalSteps != 10 || len(res.Events) != 10 || len(res.Analysis) != 10 {
		t.Errorf("result totals = %d steps, %d events, %d analyses, want 10 each", res.TotalSteps, len(res.Events), len(res.Analysis))
	}
	if res.OKSteps+res.WarnSteps != 10 {
		t.Errorf("ok + warn = %d, want 10", res.OKSteps+res.WarnSteps)
	}
	for i, ev := range res.Events {
		if ev.StepIndex != i {
			t.Errorf("event %d StepIndex = %d, want %d", i, ev.StepIndex, i)
		}
	}
	if res.ApprovalRequired != 1 || !res.Analysis[3].DestructiveVerb {
		t.Errorf("approval required = %d, want 1 for the disable step", res.ApprovalRequired)
	}

	if got := len(h.sink.Named(events.InvokeEnd)); got != 10 {
		t.Errorf("envelope end events = %d, want 10", got)
	}
}

func TestSimulationJob_Validation(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 0)

	tests := []struct {
		name  string
		steps []agents.Step
	}{
		{"no steps", nil},
		{"blank step", []agents.Step{{Step: "Isolate host"}, {Step: "  "}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if _, err := h.orch.SimulationJob("INC-1", tt.steps); !errors.Is(err, agenterr.ErrValidation) {
				t.Errorf("SimulationJob err = %v, want ErrValidation", err)
			}
		})
	}
}
