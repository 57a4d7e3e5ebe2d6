package agents

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/linnemanlabs/warden/internal/tools"
)

// Severity labels.
const (
	LabelLow    = "LOW"
	LabelMedium = "MEDIUM"
	LabelHigh   = "HIGH"
)

// Label thresholds on the summed rule weights.
const (
	highThreshold   = 6
	mediumThreshold = 3
)

// Rule scores one feature. A bool Threshold fires when the feature is
// truthy; a numeric one fires when the feature is >= Threshold.
type Rule struct {
	Feature     string
	Threshold   any
	Weight      int
	Description string
}

// Rules is the triage rule set, evaluated in order.
var Rules = []Rule{
	{"failed_logins_last_hour", 5.0, 3, "Multiple failed login attempts indicate potential brute force"},
	{"process_spawn_count", 20.0, 2, "Excessive process spawning may indicate malware or cryptominer"},
	{"suspicious_file_activity", true, 2, "Suspicious file modifications detected (e.g., ransomware patterns)"},
	{"rare_outgoing_connection", true, 2, "Connection to rarely-seen external IP (potential C2 traffic)"},
	{"privilege_escalation_attempt", true, 3, "Detected attempt to escalate privileges"},
	{"large_data_transfer", 100.0, 2, "Unusually large outbound data transfer"},
	{"known_malware_hash", true, 4, "File hash matches known malware signature"},
	{"anomaly_score", 0.8, 2, "ML-based anomaly detection score"},
}

// Contribution is one fired rule.
type Contribution struct {
	Feature     string `json:"feature"`
	Points      int    `json:"points"`
	Description string `json:"description"`
}

// TriageInput is the triage tool's envelope input.
type TriageInput struct {
	Features map[string]any `json:"features"`
}

// TriageResult is the triage tool's output.
type TriageResult struct {
	Label    string         `json:"label"`
	Score    int            `json:"score"`
	Contribs []Contribution `json:"contribs"`
}

// Score runs the rule set over features. It is deterministic and never fails.
func Score(features map[string]any) TriageResult {
	normalized := NormalizeFeatures(features)

	res := TriageResult{Contribs: []Contribution{}}
	for _, r := range Rules {
		v, ok := normalized[r.Feature]
		if !ok || v == nil {
			continue
		}
		if !r.fires(v) {
			continue
		}
		res.Score += r.Weight
		res.Contribs = append(res.Contribs, Contribution{Feature: r.Feature, Points: r.Weight, Description: r.Description})
	}

	switch {
	case res.Score >= highThreshold:
		res.Label = LabelHigh
	case res.Score >= mediumThreshold:
		res.Label = LabelMedium
	default:
		res.Label = LabelLow
	}
	return res
}

func (r Rule) fires(v any) bool {
	switch th := r.Threshold.(type) {
	case bool:
		return truthy(v) == th
	case float64:
		f, ok := toFloat(v)
		return ok && f >= th
	default:
		return false
	}
}

// NormalizeFeatures converts string booleans and numbers into typed values.
// Other values pass through.
func NormalizeFeatures(features map[string]any) map[string]any {
	out := make(map[string]any, len(features))
	for k, v := range features {
		s, ok := v.(string)
		if !ok {
			out[k] = v
			continue
		}
		switch strings.ToLower(s) {
		case "true", "yes", "1":
			out[k] = true
			continue
		case "false", "no", "0":
			out[k] = false
			continue
		}
		if strings.Contains(s, ".") {
			if f, err := strconv.ParseFloat(s, 64); err == nil {
				out[k] = f
				continue
			}
		} else if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			out[k] = float64(n)
			continue
		}
		out[k] = s
	}
	return out
}

func truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != ""
	default:
		f, ok := toFloat(v)
		return !ok || f != 0
	}
}

func toFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case bool:
		if t {
			return 1, true
		}
		return 0, true
	case string:
		f, err := strconv.ParseFloat(t, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

// RuleDescription returns the description for a feature's rule.
func RuleDescription(feature string) string {
	for _, r := range Rules {
		if r.Feature == feature {
			return r.Description
		}
	}
	return "Unknown rule"
}

// NewTriageTool returns the triage agent as a synchronous tool.
func NewTriageTool() tools.Tool {
	return tools.WrapSync(ToolTriage, "Score an incident's features with the weighted rule engine.",
		func(in TriageInput) (TriageResult, error) {
			if in.Features == nil {
				return TriageResult{}, fmt.Errorf("%w: features are required", errValidation)
			}
			return Score(in.Features), nil
		}).WithSchema(`{"type":"object","properties":{"features":{"type":"object"}},"required":["features"]}`)
}
