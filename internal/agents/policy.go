package agents

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/linnemanlabs/warden/internal/tools"
)

// RewrittenPrefix marks a step the policy agent replaced.
const RewrittenPrefix = "[POLICY REWRITTEN] "

var forbiddenSubstrings = []string{
	"rm -rf",
	"rm -fr",
	"rmdir /s",
	"del /f /s",
	"format c:",
	"mkfs",
	"dd if=",
	"shutdown",
	"reboot",
	"halt",
	"poweroff",
	"init 0",
	"init 6",
	"> /dev/sda",
	":(){:|:&};:",
	"chmod 777",
	"chmod -r 777",
}

type forbiddenPattern struct {
	name string
	re   *regexp.Regexp
	// allow lists prefixes of the first capture group that make a match benign.
	allow []string
}

var forbiddenPatterns = []forbiddenPattern{
	{name: "curl http", re: regexp.MustCompile(`(?i)curl\s+http://(\S*)`), allow: []string{"localhost", "127.0.0.1"}},
	{name: "wget http", re: regexp.MustCompile(`(?i)wget\s+http://(\S*)`), allow: []string{"localhost", "127.0.0.1"}},
	{name: "drop table", re: regexp.MustCompile(`(?i)drop\s+(table|database)`)},
	{name: "truncate table", re: regexp.MustCompile(`(?i)truncate\s+table`)},
	{name: "sudo rm -rf /", re: regexp.MustCompile(`(?i)sudo\s+rm\s+-rf\s+/`)},
	{name: "killall -9", re: regexp.MustCompile(`(?i)killall\s+-9`)},
	{name: "pkill -9 *", re: regexp.MustCompile(`(?i)pkill\s+-9\s+\*`)},
	{name: "echo password", re: regexp.MustCompile(`(?i)echo\s+.*password`)},
	{name: "cat /etc/passwd", re: regexp.MustCompile(`(?i)cat\s+/etc/(passwd|shadow)`)},
	{name: "iptables -F", re: regexp.MustCompile(`(?i)iptables\s+-F`)},
	{name: "ufw disable", re: regexp.MustCompile(`(?i)ufw\s+disable`)},
	{name: "mv /", re: regexp.MustCompile(`(?i)mv\s+/\s+`)},
	{name: "cp /dev/null", re: regexp.MustCompile(`(?i)cp\s+/dev/null`)},
}

func (p forbiddenPattern) match(text string) bool {
	for _, m := range p.re.FindAllStringSubmatch(text, -1) {
		if len(p.allow) == 0 || len(m) < 2 {
			return true
		}
		host := strings.ToLower(m[1])
		allowed := false
		for _, a := range p.allow {
			if strings.HasPrefix(host, a) {
				allowed = true
				break
			}
		}
		if !allowed {
			return true
		}
	}
	return false
}

// safeAlternatives is ordered; the first key contained in the matched
// pattern wins.
var safeAlternatives = []struct{ key, alt string }{
	{"rm -rf", "Review files for deletion: ls -la"},
	{"shutdown", "Document need for system restart in incident report"},
	{"reboot", "Document need for system restart in incident report"},
	{"mkfs", "Document disk remediation requirements"},
	{"dd if=", "Document disk imaging requirements"},
	{"curl http", "Review URL in sandbox environment before fetching"},
	{"wget http", "Review URL in sandbox environment before fetching"},
	{"chmod 777", "Review and document required permission changes"},
	{"drop table", "Document database remediation in change request"},
	{"truncate table", "Document database cleanup in change request"},
	{"iptables -f", "Document firewall rule changes needed"},
	{"killall", "Identify specific processes to terminate"},
}

// FindForbidden returns the forbidden pattern text matches, if any.
// Substrings are checked before regular expressions.
func FindForbidden(text string) (string, bool) {
	lower := strings.ToLower(text)
	for _, s := range forbiddenSubstrings {
		if strings.Contains(lower, s) {
			return s, true
		}
	}
	for _, p := range forbiddenPatterns {
		if p.match(text) {
			return p.name, true
		}
	}
	return "", false
}

// IsSafe reports whether text matches no forbidden pattern.
func IsSafe(text string) bool {
	_, bad := FindForbidden(text)
	return !bad
}

// SafeAlternative returns the investigative replacement for a pattern. The
// result never matches a forbidden pattern itself.
func SafeAlternative(pattern string) string {
	lower := strings.ToLower(pattern)
	for _, a := range safeAlternatives {
		if strings.Contains(lower, a.key) {
			return a.alt
		}
	}
	return "BLOCKED: Review and manually approve the flagged action"
}

// Change documents one rewritten step.
type Change struct {
	From   string `json:"from"`
	To     string `json:"to"`
	Reason string `json:"reason"`
}

// PolicyInput is the policy tool's envelope input.
type PolicyInput struct {
	Runbook []Step `json:"runbook"`
	Source  string `json:"source,omitempty"`
}

// PolicyResult is the policy tool's output. Runbook is always the
// sanitized plan; Approved is true only when nothing had to change.
type PolicyResult struct {
	Approved        bool     `json:"approved"`
	Runbook         []Step   `json:"runbook"`
	Changes         []Change `json:"changes"`
	ViolationsFound int      `json:"violations_found"`
	Source          string   `json:"source,omitempty"`
}

// CheckPolicy scans every step and rewrites the forbidden ones to low-risk
// investigative actions.
func CheckPolicy(steps []Step) PolicyResult {
	res := PolicyResult{Runbook: make([]Step, 0, len(steps)), Changes: []Change{}}
	for _, s := range steps {
		pattern, bad := FindForbidden(s.Step)
		if !bad {
			res.Runbook = append(res.Runbook, s)
			continue
		}
		safe := Step{
			Step: RewrittenPrefix + SafeAlternative(pattern),
			Why:  fmt.Sprintf("Original action blocked by safety policy. Reason: contains '%s'. %s", pattern, s.Why),
			Risk: RiskLow,
		}
		res.Runbook = append(res.Runbook, safe)
		res.Changes = append(res.Changes, Change{
			From:   s.Step,
			To:     safe.Step,
			Reason: "Matched forbidden pattern: " + pattern,
		})
	}
	res.ViolationsFound = len(res.Changes)
	res.Approved = res.ViolationsFound == 0
	return res
}

// NewPolicyTool returns the policy agent as a tool.
func NewPolicyTool() tools.Tool {
	return tools.Wrap(ToolPolicy, "Check a runbook against the safety policy and rewrite forbidden steps.",
		func(_ context.Context, in PolicyInput) (PolicyResult, error) {
			res := CheckPolicy(in.Runbook)
			res.Source = in.Source
			return res, nil
		}).WithSchema(`{"type":"object","properties":{"runbook":{"type":"array"},"source":{"type":"string"}},"required":["runbook"]}`)
}
