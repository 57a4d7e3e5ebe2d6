package eval

import (
	"context"
	"fmt"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/linnemanlabs/warden/internal/a2a"
	"github.com/linnemanlabs/warden/internal/agents"
	"github.com/linnemanlabs/warden/internal/events"
	"github.com/linnemanlabs/warden/internal/kv/memkv"
)

func goodRunbook() Output {
	return Output{
		ID:    "rb-1",
		Title: "brute_force",
		Steps: []agents.Step{
			{Step: "Isolate the affected host from the network", Risk: "medium"},
			{Step: "Reset credentials for the targeted accounts", Risk: "low"},
			{Step: "Block the source address at the perimeter firewall", Risk: "medium"},
			{Step: "Verify no new sessions were opened from the source", Risk: "low"},
		},
	}
}

func almostEqual(a, b float64) bool { return math.Abs(a-b) < 1e-9 }

func TestSeriesKey(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		labels map[string]string
		want   string
	}{
		{"latency", nil, "latency"},
		{"latency", map[string]string{}, "latency"},
		{"latency", map[string]string{"severity": "HIGH"}, "latency{severity=HIGH}"},
		{"latency", map[string]string{"z": "1", "a": "2"}, "latency{a=2,z=1}"},
	}
	for _, tt := range tests {
		if got := SeriesKey(tt.name, tt.labels); got != tt.want {
			t.Errorf("SeriesKey(%q, %v) = %q, want %q", tt.name, tt.labels, got, tt.want)
		}
	}
}

func TestRecord_Aggregates(t *testing.T) {
	t.Parallel()

	h := New(Options{})
	h.Record("latency_ms", 100, map[string]string{"severity": "HIGH"})
	h.Record("latency_ms", 300, map[string]string{"severity": "HIGH"})
	h.Record("latency_ms", 50, map[string]string{"severity": "LOW"})
	h.Record("", 1, nil)

	snap := h.Snapshot()
	if snap.Total != 3 {
		t.Errorf("Total = %d, want 3", snap.Total)
	}
	s, ok := snap.Series["latency_ms{severity=HIGH}"]
	if !ok {
		t.Fatalf("series missing, have %v", snap.Series)
	}
	if s.Count != 2 || s.Sum != 400 || s.Last != 300 || s.Min != 100 || s.Max != 300 {
		t.Errorf("series = %+v, want count 2 sum 400 last 300 min 100 max 300", s)
	}
	if s.Avg() != 200 {
		t.Errorf("Avg = %v, want 200", s.Avg())
	}
	if len(snap.Recent) != 3 {
		t.Errorf("Recent = %d, want 3", len(snap.Recent))
	}
}

func TestRecord_BoundedHistory(t *testing.T) {
	t.Parallel()

	h := New(Options{MaxHistory: 10})
	for i := range 25 {
		h.Record("n", float64(i), nil)
	}

	got := h.History("n", 0)
	if len(got) != 10 {
		t.Fatalf("history = %d, want 10", len(got))
	}
	if got[0].Value != 24 || got[9].Value != 15 {
		t.Errorf("history spans %v..%v, want 24..15", got[0].Value, got[9].Value)
	}
	if s := h.Snapshot().Series["n"]; s.Count != 25 {
		t.Errorf("series count = %d, want 25 (aggregates outlive history)", s.Count)
	}
}

func TestRecord_CopiesLabels(t *testing.T) {
	t.Parallel()

	h := New(Options{})
	labels := map[string]string{"k": "v"}
	h.Record("m", 1, labels)
	labels["k"] = "changed"

	if got := h.Snapshot().Series["m{k=v}"].Labels["k"]; got != "v" {
		t.Errorf("stored label = %q, want v", got)
	}
}

func TestSnapshot_IsPointInTime(t *testing.T) {
	t.Parallel()

	h := New(Options{})
	h.Record("m", 1, nil)
	before := h.Snapshot()
	h.Record("m", 2, nil)

	if before.Series["m"].Count != 1 {
		t.Errorf("old snapshot count = %d, want 1", before.Series["m"].Count)
	}
	if h.Snapshot().Series["m"].Count != 2 {
		t.Errorf("new snapshot count = %d, want 2", h.Snapshot().Series["m"].Count)
	}
}

func TestSnapshot_ConcurrentReaders(t *testing.T) {
	t.Parallel()

	h := New(Options{MaxHistory: 64})
	var wg sync.WaitGroup
	for w := range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range 200 {
				h.Record(fmt.Sprintf("w%d", w), float64(i), nil)
			}
		}()
	}
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 200 {
				snap := h.Snapshot()
				if len(snap.Recent) > RecentInSnapshot {
					t.Errorf("recent = %d, want <= %d", len(snap.Recent), RecentInSnapshot)
				}
			}
		}()
	}
	wg.Wait()

	if got := h.Snapshot().Total; got != 800 {
		t.Errorf("Total = %d, want 800", got)
	}
}

func TestEvaluatePipelineOutput_GoodRunbook(t *testing.T) {
	t.Parallel()

	h := New(Options{})
	res := h.EvaluatePipelineOutput(context.Background(), goodRunbook(), nil)

	if res.Metric != MetricQuality {
		t.Errorf("Metric = %q, want %q", res.Metric, MetricQuality)
	}
	// 4 steps, long enough, no forbidden phrases, a verify step, and 3 of 4
	// steps open with an action verb (ratio + 0.3 caps at 1).
	if res.Value != 1 {
		t.Errorf("Value = %v, want 1", res.Value)
	}
	for _, m := range []string{MetricStepsCount, MetricAvgStepLength, MetricForbiddenPhrases, MetricVerification, MetricActionVerbs} {
		if _, ok := res.Detail[m]; !ok {
			t.Errorf("Detail missing %q", m)
		}
		if s := h.Snapshot().Series[m]; s.Count != 1 {
			t.Errorf("series %q count = %d, want 1", m, s.Count)
		}
	}
	if _, ok := res.Detail[MetricReferenceOverlap]; ok {
		t.Error("reference overlap scored without a reference")
	}
	if s := h.Snapshot().Series[MetricQuality]; !almostEqual(s.Last, 1) {
		t.Errorf("quality last = %v, want 1", s.Last)
	}
}

func TestEvaluatePipelineOutput_PoorRunbook(t *testing.T) {
	t.Parallel()

	h := New(Options{})
	out := Output{Steps: []agents.Step{{Step: "TODO fix"}, {Step: "tbd"}}}
	res := h.EvaluatePipelineOutput(context.Background(), out, nil)

	steps := res.Detail[MetricStepsCount].(map[string]any)
	if !almostEqual(steps["score"].(float64), 2.0/3) {
		t.Errorf("steps score = %v, want 2/3", steps["score"])
	}
	forbidden := res.Detail[MetricForbiddenPhrases].(map[string]any)
	if found := forbidden["found"].([]string); len(found) != 2 {
		t.Errorf("forbidden found = %v, want todo and tbd", found)
	}
	if v := res.Detail[MetricVerification].(map[string]any)["score"].(float64); v != 0.5 {
		t.Errorf("verification score = %v, want 0.5", v)
	}
	if res.Value >= 0.6 {
		t.Errorf("Value = %v, want a poor score", res.Value)
	}
}

func TestEvaluatePipelineOutput_Empty(t *testing.T) {
	t.Parallel()

	h := New(Options{})
	res := h.EvaluatePipelineOutput(context.Background(), Output{}, nil)

	// forbidden (0.2) + verification 0.5*0.15 + verbs 0.3*0.2
	want := 0.2 + 0.075 + 0.06
	if !almostEqual(res.Value, math.Round(want*1000)/1000) {
		t.Errorf("Value = %v, want %v", res.Value, want)
	}
}

func TestEvaluatePipelineOutput_Reference(t *testing.T) {
	t.Parallel()

	h := New(Options{})
	ref := goodRunbook()
	same := h.EvaluatePipelineOutput(context.Background(), goodRunbook(), &ref)
	if same.Value != 1 {
		t.Errorf("Value against itself = %v, want 1", same.Value)
	}

	other := Output{Steps: []agents.Step{{Step: "Page the on-call database administrator"}}}
	diff := h.EvaluatePipelineOutput(context.Background(), goodRunbook(), &other)
	overlap := diff.Detail[MetricReferenceOverlap].(map[string]any)["score"].(float64)
	if overlap <= 0 || overlap >= 1 {
		t.Errorf("overlap = %v, want strictly between 0 and 1", overlap)
	}
	if diff.Value >= same.Value {
		t.Errorf("Value with unrelated reference = %v, want < %v", diff.Value, same.Value)
	}
}

func TestEvaluatePipelineOutput_CachesAndEmits(t *testing.T) {
	t.Parallel()

	store := memkv.New()
	rec := &events.Recorder{}
	h := New(Options{KV: store, Sink: rec})
	ctx := context.Background()

	res := h.EvaluatePipelineOutput(ctx, goodRunbook(), nil)

	got, ok, err := h.CachedResult(ctx, "rb-1")
	if err != nil || !ok {
		t.Fatalf("CachedResult = %v, %v, want cached", ok, err)
	}
	if got.Value != res.Value {
		t.Errorf("cached Value = %v, want %v", got.Value, res.Value)
	}
	evs := rec.Named(events.EvalRunbookEvaluated)
	if len(evs) != 1 {
		t.Fatalf("events = %d, want 1", len(evs))
	}
	if evs[0].Attrs["id"] != "rb-1" {
		t.Errorf("event id = %v, want rb-1", evs[0].Attrs["id"])
	}
}

func TestPersistRestore(t *testing.T) {
	t.Parallel()

	store := memkv.New()
	ctx := context.Background()

	first := New(Options{KV: store})
	first.Record("m", 2, map[string]string{"k": "v"})
	first.Record("m", 4, map[string]string{"k": "v"})
	if err := first.Persist(ctx); err != nil {
		t.Fatalf("Persist: %v", err)
	}

	second := New(Options{KV: store})
	ok, err := second.Restore(ctx)
	if err != nil || !ok {
		t.Fatalf("Restore = %v, %v, want restored", ok, err)
	}
	s := second.Snapshot().Series["m{k=v}"]
	if s.Count != 2 || s.Sum != 6 {
		t.Errorf("restored series = %+v, want count 2 sum 6", s)
	}

	empty := New(Options{KV: memkv.New()})
	if ok, err := empty.Restore(ctx); ok || err != nil {
		t.Errorf("Restore on empty store = %v, %v, want false, nil", ok, err)
	}
}

func TestNotify_EvaluatesFinishedTraces(t *testing.T) {
	t.Parallel()

	h := New(Options{})
	ctx := context.Background()
	done := time.Now()

	finished := &a2a.Trace{
		ID:          "trace-1",
		State:       a2a.StateFinished,
		Triage:      &agents.TriageResult{Label: agents.LabelHigh},
		Runbook:     &agents.Runbook{IncidentType: "brute_force", Steps: goodRunbook().Steps},
		Policy:      &agents.PolicyResult{Approved: true, Runbook: goodRunbook().Steps},
		CompletedAt: &done,
	}
	aborted := &a2a.Trace{ID: "trace-2", State: a2a.StateAborted}

	if err := h.Notify(ctx, finished); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	if err := h.Notify(ctx, aborted); err != nil {
		t.Fatalf("Notify: %v", err)
	}

	snap := h.Snapshot()
	if s := snap.Series["flow_completed{state=finished}"]; s.Count != 1 {
		t.Errorf("finished count = %d, want 1", s.Count)
	}
	if s := snap.Series["flow_completed{state=aborted}"]; s.Count != 1 {
		t.Errorf("aborted count = %d, want 1", s.Count)
	}
	if s := snap.Series["runbook_quality{label=HIGH}"]; s.Count != 1 {
		t.Errorf("quality count = %d, want 1 (only the finished trace is scored)", s.Count)
	}
}

func TestFromTrace(t *testing.T) {
	t.Parallel()

	drafted := []agents.Step{{Step: "draft"}}
	approved := []agents.Step{{Step: "approved"}}

	out := FromTrace(&a2a.Trace{ID: "t", Runbook: &agents.Runbook{Steps: drafted, IncidentType: "malware"}})
	if len(out.Steps) != 1 || out.Steps[0].Step != "draft" || out.Title != "malware" {
		t.Errorf("FromTrace without policy = %+v, want drafted steps", out)
	}

	out = FromTrace(&a2a.Trace{ID: "t", Runbook: &agents.Runbook{Steps: drafted}, Policy: &agents.PolicyResult{Runbook: approved}})
	if out.Steps[0].Step != "approved" {
		t.Errorf("FromTrace with policy = %+v, want approved steps", out)
	}
}
