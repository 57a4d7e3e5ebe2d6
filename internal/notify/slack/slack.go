// Package slack posts finished and aborted incident traces to Slack via
// incoming webhooks.
package slack

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/warden/internal/a2a"
	"github.com/linnemanlabs/warden/internal/agents"
)

const (
	maxSummaryLen = 3000
	httpTimeout   = 10 * time.Second
)

// Notifier sends terminal traces to a Slack webhook. It implements a2a.Notifier.
type Notifier struct {
	webhookURL string
	client     *http.Client
	logger     log.Logger
}

var _ a2a.Notifier = (*Notifier)(nil)

// New creates a new Slack notifier. If webhookURL is empty, Notify is a no-op.
func New(webhookURL string, logger log.Logger) *Notifier {
	if logger == nil {
		logger = log.Nop()
	}
	return &Notifier{
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: httpTimeout},
		logger:     logger,
	}
}

// Notify posts a trace summary to the configured Slack webhook.
// If no webhook URL is configured, it returns nil immediately.
func (n *Notifier) Notify(ctx context.Context, t *a2a.Trace) error {
	if n.webhookURL == "" {
		return nil
	}

	msg := buildMessage(t)

	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("slack: marshal message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.webhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("slack: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req) //nolint:gosec // G704: webhookURL is from trusted config, not user input
	if err != nil {
		return fmt.Errorf("slack: post webhook: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("slack: webhook returned %d: %s", resp.StatusCode, string(respBody))
	}
	n.logger.Info(ctx, "slack notification sent", "trace_id", t.ID, "state", string(t.State))
	return nil
}

func buildMessage(t *a2a.Trace) map[string]any {
	return map[string]any{
		"blocks": []map[string]any{
			headerBlock(t),
			{"type": "divider"},
			fieldsBlock(t),
			{"type": "divider"},
			summaryBlock(t),
			{"type": "divider"},
			contextBlock(t),
		},
	}
}

func label(t *a2a.Trace) (string, int) {
	if t.Triage == nil {
		return "", 0
	}
	return t.Triage.Label, t.Triage.Score
}

func headerBlock(t *a2a.Trace) map[string]any {
	lbl, _ := label(t)
	emoji := severityEmoji(t.State, lbl)
	title := "Incident Flow Finished"
	if t.State == a2a.StateAborted {
		title = "Incident Flow Aborted"
	}
	text := fmt.Sprintf("%s %s: %s", emoji, title, t.IncidentID)

	return map[string]any{
		"type": "header",
		"text": map[string]any{
			"type": "plain_text",
			"text": text,
		},
	}
}

func fieldsBlock(t *a2a.Trace) map[string]any {
	lbl, score := label(t)
	if lbl == "" {
		lbl = "n/a"
	}
	steps := 0
	if t.Policy != nil {
		steps = len(t.Policy.Runbook)
	}
	changes := 0
	if t.Policy != nil {
		changes = len(t.Policy.Changes)
	}

	fields := []map[string]any{
		{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*State:* %s", t.State),
		},
		{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*Severity:* %s (%d)", lbl, score),
		},
		{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*Duration:* %.1fs", duration(t).Seconds()),
		},
		{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*Runbook steps:* %d", steps),
		},
		{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*Policy changes:* %d", changes),
		},
		{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*Rewrites:* %d", t.Rewrites),
		},
	}

	return map[string]any{
		"type":   "section",
		"fields": fields,
	}
}

func summaryBlock(t *a2a.Trace) map[string]any {
	var b strings.Builder
	if t.State == a2a.StateAborted {
		fmt.Fprintf(&b, "*Failed at %s* (%s): %s\n\n", t.FailedStage, t.ErrorKind, t.Error)
	}
	if t.Explanation != nil && t.Explanation.Explanation != "" {
		b.WriteString(t.Explanation.Explanation)
		b.WriteString("\n\n")
	}
	if t.Policy != nil && len(t.Policy.Runbook) > 0 {
		b.WriteString(runbookText(t.Policy.Runbook))
	}

	text := truncate(strings.TrimSpace(b.String()), maxSummaryLen)
	if text == "" {
		text = "_No summary available._"
	}

	return map[string]any{
		"type": "section",
		"text": map[string]any{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*Summary*\n\n%s", text),
		},
	}
}

func runbookText(steps []agents.Step) string {
	var b strings.Builder
	for i, s := range steps {
		fmt.Fprintf(&b, "%d. %s [%s]\n", i+1, s.Step, s.Risk)
	}
	return b.String()
}

func contextBlock(t *a2a.Trace) map[string]any {
	ts := t.CreatedAt
	if t.CompletedAt != nil {
		ts = *t.CompletedAt
	}

	elements := []map[string]any{
		{
			"type": "mrkdwn",
			"text": fmt.Sprintf("warden • trace %s • %s", t.ID, ts.UTC().Format("2006-01-02 15:04 UTC")),
		},
	}

	return map[string]any{
		"type":     "context",
		"elements": elements,
	}
}

func duration(t *a2a.Trace) time.Duration {
	if t.CompletedAt == nil || t.CreatedAt.IsZero() {
		return 0
	}
	return t.CompletedAt.Sub(t.CreatedAt)
}

func severityEmoji(state a2a.State, label string) string {
	if state == a2a.StateAborted {
		return "\U0001f534" // red circle
	}
	switch strings.ToUpper(label) {
	case agents.LabelHigh:
		return "\U0001f534" // red circle
	case agents.LabelMedium:
		return "\U0001f7e1" // yellow circle
	default:
		return "\U0001f7e2" // green circle
	}
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit-3] + "..."
}
