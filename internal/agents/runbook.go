package agents

import (
	"context"
	"strings"

	"github.com/linnemanlabs/warden/internal/tools"
)

// Step risk levels.
const (
	RiskLow    = "low"
	RiskMedium = "medium"
	RiskHigh   = "high"
)

// Runbook sources.
const (
	SourceTemplate = "template"
	SourceRAG      = "rag"
)

// Incident types a template exists for.
const (
	IncidentBruteForce = "brute_force"
	IncidentMalware    = "malware"
	IncidentDataExfil  = "data_exfil"
	IncidentDefault    = "default"
)

// maxMemorySteps bounds how many remembered steps enrich a runbook.
const maxMemorySteps = 2

// Step is one remediation action.
type Step struct {
	Step string `json:"step"`
	Why  string `json:"why"`
	Risk string `json:"risk"`
}

// MemoryHint is a retrieved memory passed to the runbook agent. A hint whose
// metadata carries a "step" string contributes that step to the plan.
type MemoryHint struct {
	ID       string         `json:"id"`
	Text     string         `json:"text"`
	Distance float64        `json:"distance"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// RunbookInput is the runbook tool's envelope input.
type RunbookInput struct {
	Features       map[string]any `json:"features"`
	Label          string         `json:"label"`
	Score          int            `json:"score"`
	Contribs       []Contribution `json:"contribs"`
	Memories       []MemoryHint   `json:"memories,omitempty"`
	PolicyFeedback []Change       `json:"policy_feedback,omitempty"`
}

// Runbook is the runbook tool's output.
type Runbook struct {
	Steps        []Step `json:"runbook"`
	Source       string `json:"source"`
	IncidentType string `json:"incident_type"`
	Rewritten    bool   `json:"rewritten,omitempty"`
}

var templates = map[string][]Step{
	IncidentBruteForce: {
		{"Review authentication logs for affected accounts", "Identify scope and success of attack attempts", RiskLow},
		{"Block source IP addresses at perimeter firewall", "Prevent ongoing attack attempts", RiskMedium},
		{"Force password reset for targeted accounts", "Ensure compromised credentials cannot be used", RiskLow},
		{"Enable account lockout policies if not present", "Prevent future brute force attacks", RiskMedium},
	},
	IncidentMalware: {
		{"Isolate affected endpoint from network", "Prevent lateral movement and C2 communication", RiskMedium},
		{"Collect forensic artifacts (memory, disk image)", "Preserve evidence for investigation", RiskLow},
		{"Run full antivirus scan on isolated system", "Identify all malicious files", RiskLow},
		{"Check for persistence mechanisms", "Ensure malware cannot survive remediation", RiskLow},
		{"Reimage system from known good backup", "Ensure complete remediation", RiskHigh},
	},
	IncidentDataExfil: {
		{"Block outbound connections to identified destinations", "Stop ongoing data exfiltration", RiskMedium},
		{"Identify scope of accessed/exfiltrated data", "Determine breach impact and notification requirements", RiskLow},
		{"Review DLP logs for additional exfiltration attempts", "Identify full scope of incident", RiskLow},
		{"Revoke access for compromised credentials", "Prevent further unauthorized access", RiskLow},
	},
	IncidentDefault: {
		{"Document incident details and timeline", "Maintain comprehensive incident record", RiskLow},
		{"Assess impact and scope of incident", "Determine appropriate response level", RiskLow},
		{"Implement containment measures as needed", "Limit potential damage", RiskMedium},
	},
}

var escalationStep = Step{"Page the on-call incident commander and open an incident channel", "High severity incidents need a single accountable owner", RiskLow}

// Template returns a copy of the template for an incident type, falling
// back to the default template.
func Template(incidentType string) []Step {
	t, ok := templates[incidentType]
	if !ok {
		t = templates[IncidentDefault]
	}
	return append([]Step(nil), t...)
}

// ClassifyIncident picks the template that best fits the features.
func ClassifyIncident(features map[string]any) string {
	f := NormalizeFeatures(features)
	switch {
	case truthy(f["known_malware_hash"]), truthy(f["suspicious_file_activity"]), numField(f, "process_spawn_count") > 50:
		return IncidentMalware
	case numField(f, "large_data_transfer") >= 100, truthy(f["rare_outgoing_connection"]):
		return IncidentDataExfil
	case numField(f, "failed_logins_last_hour") > 10:
		return IncidentBruteForce
	default:
		return IncidentDefault
	}
}

// RetrievalQuery builds the memory search text for an incident.
func RetrievalQuery(features map[string]any, label string, contribs []Contribution) string {
	indicators := make([]string, 0, 3)
	for i, c := range contribs {
		if i == 3 {
			break
		}
		indicators = append(indicators, c.Feature)
	}
	indicatorText := "general anomaly"
	if len(indicators) > 0 {
		indicatorText = strings.Join(indicators, ", ")
	}

	parts := []string{
		"Security incident response runbook for " + label + " severity incident",
		"Key indicators: " + indicatorText,
	}

	f := NormalizeFeatures(features)
	if truthy(f["suspicious_file_activity"]) {
		parts = append(parts, "File system anomaly response")
	}
	if numField(f, "failed_logins_last_hour") > 10 {
		parts = append(parts, "Brute force attack mitigation")
	}
	if truthy(f["rare_outgoing_connection"]) {
		parts = append(parts, "Command and control traffic investigation")
	}
	if numField(f, "process_spawn_count") > 50 {
		parts = append(parts, "Malware process activity response")
	}
	if truthy(f["known_malware_hash"]) {
		parts = append(parts, "Known malware remediation")
	}
	if truthy(f["privilege_escalation_attempt"]) {
		parts = append(parts, "Privilege escalation response")
	}
	return strings.Join(parts, ". ")
}

// DraftRunbook builds the remediation plan: the incident template, an
// escalation step for HIGH incidents, and up to two remembered steps not
// already in the plan.
// Policy feedback replaces each flagged step with its rewrite.
func DraftRunbook(in RunbookInput) Runbook {
	rb := Runbook{IncidentType: ClassifyIncident(in.Features), Source: SourceTemplate}

	steps := Template(rb.IncidentType)
	if in.Label == LabelHigh {
		steps = append([]Step{escalationStep}, steps...)
	}

	added := 0
	for _, m := range in.Memories {
		if added == maxMemorySteps {
			break
		}
		text, _ := m.Metadata["step"].(string)
		if strings.TrimSpace(text) == "" || hasStep(steps, text) {
			continue
		}
		risk, _ := m.Metadata["risk"].(string)
		if risk != RiskLow && risk != RiskHigh {
			risk = RiskMedium
		}
		steps = append(steps, Step{Step: text, Why: "Used in a similar incident: " + truncate(m.Text, 80), Risk: risk})
		added++
	}
	if added > 0 {
		rb.Source = SourceRAG
	}

	if len(in.PolicyFeedback) > 0 {
		rewrites := make(map[string]string, len(in.PolicyFeedback))
		for _, c := range in.PolicyFeedback {
			rewrites[c.From] = c.To
		}
		for i, s := range steps {
			if to, ok := rewrites[s.Step]; ok {
				steps[i] = Step{Step: to, Why: "Rewritten after policy review. " + s.Why, Risk: RiskLow}
				rb.Rewritten = true
			}
		}
	}

	rb.Steps = steps
	return rb
}

func hasStep(steps []Step, text string) bool {
	for _, s := range steps {
		if strings.EqualFold(s.Step, text) {
			return true
		}
	}
	return false
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}

// NewRunbookTool returns the runbook agent as a tool.
func NewRunbookTool() tools.Tool {
	return tools.Wrap(ToolRunbook, "Draft a remediation runbook for a triaged incident.",
		func(_ context.Context, in RunbookInput) (Runbook, error) {
			return DraftRunbook(in), nil
		}).WithSchema(`{"type":"object","properties":{"features":{"type":"object"},"label":{"type":"string"},"score":{"type":"integer"},"contribs":{"type":"array"},"memories":{"type":"array"},"policy_feedback":{"type":"array"}}}`)
}

func numField(f map[string]any, k string) float64 {
	v, _ := toFloat(f[k])
	return v
}
