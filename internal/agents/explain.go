package agents

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/warden/internal/tools"
)

// Explanation sources.
const (
	SourceLLM  = "llm"
	SourceStub = "stub"
)

const explainMaxTokens = 512

const explainSystemPrompt = `You are a security operations analyst. Explain incident triage decisions to on-call engineers.
Answer with a JSON object: {"explanation": "<two or three sentences>", "reasons": ["<reason>", ...]}.
Give two or three reasons. Do not include commands.`

// Completer produces a text completion. llm/claude implements it.
type Completer interface {
	Complete(ctx context.Context, system, prompt string, maxTokens int) (string, error)
}

// ExplainInput is the explain tool's envelope input.
type ExplainInput struct {
	Features map[string]any `json:"features"`
	Label    string         `json:"label"`
	Score    int            `json:"score"`
	Contribs []Contribution `json:"contribs"`
}

// Explanation is the explain tool's output.
type Explanation struct {
	Explanation string   `json:"explanation"`
	Reasons     []string `json:"reasons"`
	Source      string   `json:"source"`
}

// Explainer turns a triage result into prose. Without a Completer, or when
// the completion fails, it answers from a deterministic template.
type Explainer struct {
	completer Completer
	logger    log.Logger
}

// NewExplainer creates an Explainer. completer may be nil.
func NewExplainer(completer Completer, logger log.Logger) *Explainer {
	if logger == nil {
		logger = log.Nop()
	}
	return &Explainer{completer: completer, logger: logger}
}

// Explain implements the explain agent.
func (e *Explainer) Explain(ctx context.Context, in ExplainInput) (Explanation, error) {
	if e.completer == nil {
		return StubExplanation(in.Label, in.Score, in.Contribs), nil
	}

	text, err := e.completer.Complete(ctx, explainSystemPrompt, explainPrompt(in), explainMaxTokens)
	if err != nil {
		if ctx.Err() != nil {
			return Explanation{}, ctx.Err()
		}
		e.logger.Warn(ctx, "explanation completion failed, using template", "err", err)
		return StubExplanation(in.Label, in.Score, in.Contribs), nil
	}

	out, ok := parseExplanation(text)
	if !ok {
		e.logger.Warn(ctx, "explanation completion was not valid JSON, using template")
		return StubExplanation(in.Label, in.Score, in.Contribs), nil
	}
	return out, nil
}

func explainPrompt(in ExplainInput) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Severity: %s (score %d)\n", in.Label, in.Score)
	b.WriteString("Contributing rules:\n")
	if len(in.Contribs) == 0 {
		b.WriteString("- none\n")
	}
	for _, c := range in.Contribs {
		fmt.Fprintf(&b, "- %s (+%d): %s\n", c.Feature, c.Points, c.Description)
	}

	keys := make([]string, 0, len(in.Features))
	for k := range in.Features {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	b.WriteString("Features:\n")
	for _, k := range keys {
		fmt.Fprintf(&b, "- %s: %v\n", k, in.Features[k])
	}
	return b.String()
}

// parseExplanation accepts a bare JSON object, optionally wrapped in a
// markdown code fence.
func parseExplanation(text string) (Explanation, bool) {
	text = strings.TrimSpace(text)
	if i := strings.Index(text, "{"); i >= 0 {
		if j := strings.LastIndex(text, "}"); j > i {
			text = text[i : j+1]
		}
	}
	var out Explanation
	if err := json.Unmarshal([]byte(text), &out); err != nil || strings.TrimSpace(out.Explanation) == "" {
		return Explanation{}, false
	}
	if out.Reasons == nil {
		out.Reasons = []string{}
	}
	out.Source = SourceLLM
	return out, true
}

// StubExplanation explains a triage result from the rule descriptions.
func StubExplanation(label string, score int, contribs []Contribution) Explanation {
	reasons := make([]string, 0, 3)
	for _, c := range contribs {
		if len(reasons) == 3 {
			break
		}
		desc := c.Description
		if desc == "" {
			desc = RuleDescription(c.Feature)
		}
		reasons = append(reasons, fmt.Sprintf("%s (+%d points): %s", c.Feature, c.Points, desc))
	}
	if len(reasons) == 0 {
		reasons = append(reasons, "No scoring rule fired; the incident shows no strong indicators")
	}

	var action string
	switch label {
	case LabelHigh:
		action = "Immediate investigation and containment are recommended."
	case LabelMedium:
		action = "Investigation within the current shift is recommended."
	default:
		action = "Routine review is sufficient."
	}

	return Explanation{
		Explanation: fmt.Sprintf("This incident was classified as %s severity with a score of %d based on %d contributing indicator(s). %s",
			label, score, len(contribs), action),
		Reasons: reasons,
		Source:  SourceStub,
	}
}

// NewExplainTool returns the explain agent as a tool.
func NewExplainTool(e *Explainer) tools.Tool {
	return tools.Wrap(ToolExplain, "Explain why an incident received its triage label.", e.Explain).
		WithSchema(`{"type":"object","properties":{"features":{"type":"object"},"label":{"type":"string"},"score":{"type":"integer"},"contribs":{"type":"array"}},"required":["label"]}`)
}
