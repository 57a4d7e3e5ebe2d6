package eval

import (
	"context"
	"math"
	"strings"
	"time"
	"unicode"

	"github.com/linnemanlabs/warden/internal/a2a"
	"github.com/linnemanlabs/warden/internal/agents"
	"github.com/linnemanlabs/warden/internal/events"
	"github.com/linnemanlabs/warden/internal/kv"
)

// Heuristic metric names. Each is recorded with its score in [0, 1].
const (
	MetricStepsCount       = "runbook_steps_count"
	MetricAvgStepLength    = "runbook_avg_step_length"
	MetricForbiddenPhrases = "runbook_forbidden_phrases"
	MetricVerification     = "runbook_verification"
	MetricActionVerbs      = "runbook_action_verbs"
	MetricReferenceOverlap = "runbook_reference_overlap"
	MetricQuality          = "runbook_quality"

	// MetricFlowCompleted counts terminal flows by state.
	MetricFlowCompleted = "flow_completed"
)

// ForbiddenPhrases mark unfinished or placeholder runbook text.
var ForbiddenPhrases = []string{
	"todo",
	"fixme",
	"placeholder",
	"example only",
	"not implemented",
	"coming soon",
	"tbd",
	"insert here",
}

var verificationWords = []string{"verify", "confirm", "check", "validate", "ensure", "test"}

var actionVerbs = []string{
	"isolate", "block", "disable", "enable", "run", "execute", "deploy", "update",
	"restart", "stop", "start", "configure", "remove", "add", "create", "delete",
	"reset", "revoke", "rotate", "collect", "capture", "preserve", "quarantine",
	"notify", "escalate", "review", "monitor", "page",
}

// Weights without a reference, in order: steps count, average length,
// forbidden phrases, verification, action verbs. With a reference they are
// scaled by 1-referenceWeight and overlap takes the rest.
var baseWeights = [5]float64{0.2, 0.25, 0.2, 0.15, 0.2}

const referenceWeight = 0.2

// Output is a pipeline's runbook as the harness scores it.
type Output struct {
	ID     string            `json:"id,omitempty"`
	Title  string            `json:"title,omitempty"`
	Steps  []agents.Step     `json:"steps"`
	Labels map[string]string `json:"labels,omitempty"`
}

// FromTrace extracts the approved runbook of a trace, falling back to the
// drafted one when the policy stage never ran.
func FromTrace(t *a2a.Trace) Output {
	out := Output{ID: t.ID}
	switch {
	case t.Policy != nil:
		out.Steps = t.Policy.Runbook
	case t.Runbook != nil:
		out.Steps = t.Runbook.Steps
	}
	if t.Runbook != nil {
		out.Title = t.Runbook.IncidentType
	}
	if t.Triage != nil {
		out.Labels = map[string]string{"label": t.Triage.Label}
	}
	return out
}

// Result is one evaluation. Detail holds each heuristic's breakdown keyed by
// metric name.
type Result struct {
	Metric string         `json:"metric"`
	Value  float64        `json:"value"`
	Detail map[string]any `json:"detail"`
	Time   time.Time      `json:"time"`
}

// EvaluatePipelineOutput scores a runbook with fixed heuristics, optionally
// against a known-good reference. Every heuristic score and the weighted
// total are recorded as metrics. When the output has an ID and a KV store is
// configured the result is cached under it.
func (h *Harness) EvaluatePipelineOutput(ctx context.Context, out Output, ref *Output) Result {
	texts := stepTexts(out.Steps)
	full := strings.ToLower(out.Title + " " + strings.Join(texts, " "))

	detail := make(map[string]any, 6)
	scores := make(map[string]float64, 6)

	n := len(texts)
	scores[MetricStepsCount] = stepsCountScore(n)
	detail[MetricStepsCount] = map[string]any{"count": n, "score": scores[MetricStepsCount]}

	avg := avgLength(texts)
	scores[MetricAvgStepLength] = avgLengthScore(avg, n)
	detail[MetricAvgStepLength] = map[string]any{"avg_length": avg, "score": scores[MetricAvgStepLength]}

	found := containsAny(full, ForbiddenPhrases)
	scores[MetricForbiddenPhrases] = math.Max(0, 1-0.2*float64(len(found)))
	detail[MetricForbiddenPhrases] = map[string]any{"found": found, "score": scores[MetricForbiddenPhrases]}

	verified := len(containsAny(full, verificationWords)) > 0
	scores[MetricVerification] = 0.5
	if verified {
		scores[MetricVerification] = 1
	}
	detail[MetricVerification] = map[string]any{"present": verified, "score": scores[MetricVerification]}

	ratio := verbRatio(texts)
	scores[MetricActionVerbs] = math.Min(1, ratio+0.3)
	detail[MetricActionVerbs] = map[string]any{"ratio": ratio, "score": scores[MetricActionVerbs]}

	weights := baseWeights
	total := 0.0
	if ref != nil {
		overlap := jaccard(words(strings.Join(texts, " ")), words(strings.Join(stepTexts(ref.Steps), " ")))
		scores[MetricReferenceOverlap] = overlap
		detail[MetricReferenceOverlap] = map[string]any{"score": overlap}
		total += referenceWeight * overlap
		for i := range weights {
			weights[i] *= 1 - referenceWeight
		}
	}
	order := [5]string{MetricStepsCount, MetricAvgStepLength, MetricForbiddenPhrases, MetricVerification, MetricActionVerbs}
	for i, name := range order {
		total += weights[i] * scores[name]
	}

	for name, v := range scores {
		h.Record(name, v, out.Labels)
	}
	h.Record(MetricQuality, total, out.Labels)

	res := Result{
		Metric: MetricQuality,
		Value:  math.Round(total*1000) / 1000,
		Detail: detail,
		Time:   h.now(),
	}

	if h.kv != nil && out.ID != "" {
		if err := kv.SetJSON(ctx, h.kv, resultKeyPrefix+out.ID, res, h.resultTTL); err != nil {
			h.logger.Warn(ctx, "failed to cache evaluation result", "id", out.ID, "err", err)
		}
	}
	h.sink.Emit(ctx, events.New(events.EvalRunbookEvaluated, "", map[string]any{
		"id":         out.ID,
		"score":      res.Value,
		"step_count": n,
	}))
	return res
}

// Notify evaluates the runbook of every finished trace and counts terminal
// flows by state. It lets the harness sit behind a2a.Options.Notifier.
func (h *Harness) Notify(ctx context.Context, t *a2a.Trace) error {
	h.Record(MetricFlowCompleted, 1, map[string]string{"state": string(t.State)})
	if t.State == a2a.StateFinished {
		h.EvaluatePipelineOutput(ctx, FromTrace(t), nil)
	}
	return nil
}

var _ a2a.Notifier = (*Harness)(nil)

func stepTexts(steps []agents.Step) []string {
	out := make([]string, 0, len(steps))
	for _, s := range steps {
		if t := strings.TrimSpace(s.Step); t != "" {
			out = append(out, t)
		}
	}
	return out
}

// stepsCountScore favours three to ten steps.
func stepsCountScore(n int) float64 {
	switch {
	case n >= 3 && n <= 10:
		return 1
	case n < 3:
		return float64(n) / 3
	default:
		return math.Max(0.5, 1-float64(n-10)*0.05)
	}
}

func avgLength(texts []string) float64 {
	if len(texts) == 0 {
		return 0
	}
	total := 0
	for _, t := range texts {
		total += len([]rune(t))
	}
	return float64(total) / float64(len(texts))
}

// avgLengthScore favours steps of 20 to 500 characters.
func avgLengthScore(avg float64, n int) float64 {
	switch {
	case n == 0:
		return 0
	case avg >= 20 && avg <= 500:
		return 1
	case avg < 20:
		return avg / 20
	default:
		return math.Max(0.5, 1-(avg-500)*0.001)
	}
}

func containsAny(text string, phrases []string) []string {
	found := []string{}
	for _, p := range phrases {
		if strings.Contains(text, p) {
			found = append(found, p)
		}
	}
	return found
}

// verbRatio is the share of steps that open with an action verb.
func verbRatio(texts []string) float64 {
	if len(texts) == 0 {
		return 0
	}
	hits := 0
	for _, t := range texts {
		first := strings.ToLower(strings.Fields(t)[0])
		for _, v := range actionVerbs {
			if first == v {
				hits++
				break
			}
		}
	}
	return float64(hits) / float64(len(texts))
}

func words(s string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, w := range strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	}) {
		set[w] = struct{}{}
	}
	return set
}

// jaccard is |a ∩ b| / |a ∪ b|, zero when both are empty.
func jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 0
	}
	inter := 0
	for w := range a {
		if _, ok := b[w]; ok {
			inter++
		}
	}
	return float64(inter) / float64(len(a)+len(b)-inter)
}
