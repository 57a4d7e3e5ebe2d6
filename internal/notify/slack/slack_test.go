package slack

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/warden/internal/a2a"
	"github.com/linnemanlabs/warden/internal/agents"
)

func finishedTrace() *a2a.Trace {
	created := time.Date(2026, 2, 26, 14, 22, 36, 600_000_000, time.UTC)
	completed := time.Date(2026, 2, 26, 14, 23, 0, 0, time.UTC)
	return &a2a.Trace{
		ID:          "01JN123",
		IncidentID:  "INC-demo-001",
		State:       a2a.StateFinished,
		Triage:      &agents.TriageResult{Label: agents.LabelHigh, Score: 8},
		Explanation: &agents.Explanation{Explanation: "Repeated failed logins followed by privilege escalation."},
		Policy: &agents.PolicyResult{
			Approved: true,
			Runbook: []agents.Step{
				{Step: "Isolate the affected host", Risk: "medium"},
				{Step: "Reset credentials for the account", Risk: "low"},
			},
		},
		Rewrites:    1,
		CreatedAt:   created,
		CompletedAt: &completed,
	}
}

func blockText(t *testing.T, block any) string {
	t.Helper()
	m, ok := block.(map[string]any)
	if !ok {
		t.Fatalf("block is %T, want object", block)
	}
	text, ok := m["text"].(map[string]any)
	if !ok {
		t.Fatalf("block has no text object: %v", m)
	}
	s, _ := text["text"].(string)
	return s
}

func TestNotify_PostsToWebhook(t *testing.T) {
	t.Parallel()

	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Content-Type") != "application/json" {
			t.Errorf("content-type = %q, want application/json", r.Header.Get("Content-Type"))
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode body: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n := New(srv.URL, log.Nop())
	if err := n.Notify(context.Background(), finishedTrace()); err != nil {
		t.Fatalf("Notify: %v", err)
	}

	blocks, ok := got["blocks"].([]any)
	if !ok {
		t.Fatal("expected blocks array in payload")
	}

	// header, divider, fields, divider, summary, divider, context = 7 blocks
	if len(blocks) != 7 {
		t.Fatalf("blocks count = %d, want 7", len(blocks))
	}

	headerText := blockText(t, blocks[0])
	if !strings.Contains(headerText, "INC-demo-001") {
		t.Errorf("header text = %q, want to contain INC-demo-001", headerText)
	}
	if !strings.Contains(headerText, "\U0001f534") {
		t.Errorf("header should contain red circle for HIGH severity")
	}

	summary := blockText(t, blocks[4])
	if !strings.Contains(summary, "1. Isolate the affected host [medium]") {
		t.Errorf("summary = %q, want numbered runbook steps", summary)
	}
	if !strings.Contains(summary, "privilege escalation") {
		t.Errorf("summary = %q, want explanation text", summary)
	}
}

func TestNotify_Aborted(t *testing.T) {
	t.Parallel()

	tr := finishedTrace()
	tr.State = a2a.StateAborted
	tr.FailedStage = "policy"
	tr.ErrorKind = "policy_rejection"
	tr.Error = "runbook rejected after rewrite"
	tr.Policy = nil

	msg := buildMessage(tr)
	blocks := msg["blocks"].([]map[string]any)

	header := blocks[0]["text"].(map[string]any)["text"].(string)
	if !strings.Contains(header, "Aborted") {
		t.Errorf("header = %q, want Aborted title", header)
	}
	summary := blocks[4]["text"].(map[string]any)["text"].(string)
	if !strings.Contains(summary, "*Failed at policy* (policy_rejection)") {
		t.Errorf("summary = %q, want failed stage", summary)
	}
}

func TestNotify_NoOpWithoutURL(t *testing.T) {
	t.Parallel()

	n := New("", nil)
	if err := n.Notify(context.Background(), &a2a.Trace{}); err != nil {
		t.Fatalf("Notify with empty URL should be no-op, got: %v", err)
	}
}

func TestNotify_TruncatesLongSummary(t *testing.T) {
	t.Parallel()

	tr := finishedTrace()
	tr.Explanation = &agents.Explanation{Explanation: strings.Repeat("x", 4000)}

	msg := buildMessage(tr)
	blocks := msg["blocks"].([]map[string]any)
	text := blocks[4]["text"].(map[string]any)["text"].(string)

	if len(text) > maxSummaryLen+len("*Summary*\n\n") {
		t.Errorf("summary text length = %d, expected <= %d", len(text), maxSummaryLen+len("*Summary*\n\n"))
	}
	if !strings.HasSuffix(text, "...") {
		t.Error("expected truncated summary to end with ...")
	}
}

func TestNotify_EmptyTrace(t *testing.T) {
	t.Parallel()

	msg := buildMessage(&a2a.Trace{ID: "x", State: a2a.StateFinished})
	blocks := msg["blocks"].([]map[string]any)
	summary := blocks[4]["text"].(map[string]any)["text"].(string)
	if !strings.Contains(summary, "_No summary available._") {
		t.Errorf("summary = %q, want placeholder", summary)
	}
}

func TestSeverityEmoji(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		state a2a.State
		label string
		want  string
	}{
		{"aborted", a2a.StateAborted, agents.LabelLow, "\U0001f534"},
		{"high", a2a.StateFinished, agents.LabelHigh, "\U0001f534"},
		{"medium", a2a.StateFinished, agents.LabelMedium, "\U0001f7e1"},
		{"low", a2a.StateFinished, agents.LabelLow, "\U0001f7e2"},
		{"empty", a2a.StateFinished, "", "\U0001f7e2"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := severityEmoji(tt.state, tt.label)
			if got != tt.want {
				t.Errorf("severityEmoji(%q, %q) = %q, want %q", tt.state, tt.label, got, tt.want)
			}
		})
	}
}

func TestDuration(t *testing.T) {
	t.Parallel()

	if got := duration(finishedTrace()); got != 23400*time.Millisecond {
		t.Errorf("duration = %v, want 23.4s", got)
	}
	if got := duration(&a2a.Trace{}); got != 0 {
		t.Errorf("duration of open trace = %v, want 0", got)
	}
}

func FuzzSlackBuild(f *testing.F) {
	f.Add("INC-1", "HIGH", "Failed logins spiked.", "Isolate host")
	f.Add("", "", "", "")
	f.Add("<@U123> mention", "MEDIUM", "*bold* _italic_ ~strike~", "step")
	f.Add("inc\x00\x01\x02", "sev\nline", "analysis\ttab", "s\x00tep")
	f.Add(strings.Repeat("A", 5000), "HIGH", strings.Repeat("x", 10000), strings.Repeat("y", 4000))

	f.Fuzz(func(t *testing.T, incident, lbl, explanation, step string) {
		completed := time.Date(2026, 1, 1, 0, 0, 1, 0, time.UTC)
		tr := &a2a.Trace{
			ID:          "fuzz-id",
			IncidentID:  incident,
			State:       a2a.StateFinished,
			Triage:      &agents.TriageResult{Label: lbl},
			Explanation: &agents.Explanation{Explanation: explanation},
			Policy:      &agents.PolicyResult{Runbook: []agents.Step{{Step: step, Risk: "low"}}},
			CreatedAt:   time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
			CompletedAt: &completed,
		}

		// Must not panic
		msg := buildMessage(tr)

		data, err := json.Marshal(msg)
		if err != nil {
			t.Fatalf("buildMessage produced non-marshalable output: %v", err)
		}

		var decoded map[string]any
		if err := json.Unmarshal(data, &decoded); err != nil {
			t.Fatalf("buildMessage JSON does not round-trip: %v", err)
		}

		blocks, ok := decoded["blocks"].([]any)
		if !ok {
			t.Fatal("expected blocks array")
		}
		if len(blocks) != 7 {
			t.Fatalf("blocks count = %d, want 7", len(blocks))
		}
	})
}

func TestNotify_NonOKStatus(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("internal error"))
	}))
	defer srv.Close()

	n := New(srv.URL, log.Nop())
	err := n.Notify(context.Background(), finishedTrace())
	if err == nil {
		t.Fatal("expected error on non-OK status")
	}
	if !strings.Contains(err.Error(), "500") {
		t.Errorf("error = %q, want to contain status code 500", err.Error())
	}
}
