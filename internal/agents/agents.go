// Package agents implements the built-in incident agents: rule-based
// triage, explanation, runbook drafting, safety policy and simulation.
// Each agent is exposed as a tools.Tool so the orchestrator reaches it
// through an envelope.
package agents

import (
	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/warden/internal/agenterr"
	"github.com/linnemanlabs/warden/internal/tools"
)

// Tool names the orchestrator dispatches to.
const (
	ToolTriage   = "triage"
	ToolExplain  = "explain"
	ToolRunbook  = "runbook"
	ToolPolicy   = "policy"
	ToolSimulate = "simulate"
)

var errValidation = agenterr.ErrValidation

// Deps configures the agents Register installs.
type Deps struct {
	Completer Completer
	Simulator *Simulator
	Logger    log.Logger
}

// Register installs all five agents on reg.
func Register(reg *tools.Registry, deps Deps) {
	sim := deps.Simulator
	if sim == nil {
		sim = NewSimulator(1, 1)
	}
	reg.Register(NewTriageTool())
	reg.Register(NewExplainTool(NewExplainer(deps.Completer, deps.Logger)))
	reg.Register(NewRunbookTool())
	reg.Register(NewPolicyTool())
	reg.Register(NewSimulateTool(sim))
}
