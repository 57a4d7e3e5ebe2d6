package jobs

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/linnemanlabs/warden/internal/agenterr"
	"github.com/linnemanlabs/warden/internal/events"
	"github.com/linnemanlabs/warden/internal/kv"
	"github.com/linnemanlabs/warden/internal/kv/memkv"
)

// countingUnit builds n steps that count their executions. Step block (when
// >= 0) signals reached and then waits on release or ctx.
func countingUnit(n, block int, reached chan<- struct{}, release <-chan struct{}) (Unit, []*atomic.Int32) {
	counts := make([]*atomic.Int32, n)
	steps := make([]Step, n)
	for i := range n {
		counts[i] = &atomic.Int32{}
		steps[i] = Step{
			Name: fmt.Sprintf("step-%d", i+1),
			Run: func(ctx context.Context) error {
				counts[i].Add(1)
				if i == block {
					reached <- struct{}{}
					select {
					case <-release:
					case <-ctx.Done():
						return ctx.Err()
					}
				}
				return nil
			},
		}
	}
	return Unit{Name: "counting", Steps: steps, Result: func() any { return "done" }}, counts
}

func waitFor(t *testing.T, m *Manager, id string, cond func(*Record) bool) *Record {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		rec, err := m.Get(context.Background(), id)
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if cond(rec) {
			return rec
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("condition not reached for job %s", id)
	return nil
}

func waitDone(t *testing.T, m *Manager, id string) *Record {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	rec, err := m.Wait(ctx, id)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	return rec
}

func TestStart_RunsToCompletion(t *testing.T) {
	t.Parallel()

	store := memkv.New()
	m := NewManager(Options{KV: store})
	unit, counts := countingUnit(3, -1, nil, nil)

	id, err := m.Start(context.Background(), unit, StartOptions{Metadata: map[string]any{"trace_id": "t1"}})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	rec := waitDone(t, m, id)
	if rec.Status != StatusCompleted || rec.CompletedSteps != 3 || rec.Progress != 100 || rec.Result != "done" {
		t.Errorf("record = %+v", rec)
	}
	for i, c := range counts {
		if c.Load() != 1 {
			t.Errorf("step %d ran %d times", i+1, c.Load())
		}
	}

	var persisted Record
	if ok, err := kv.GetJSON(context.Background(), store, "job:"+id, &persisted); err != nil || !ok {
		t.Fatalf("persisted record missing: %v", err)
	}
	if persisted.Status != StatusCompleted || persisted.Metadata["trace_id"] != "t1" {
		t.Errorf("persisted = %+v", persisted)
	}
}

func TestPauseResume_TenSteps(t *testing.T) {
	t.Parallel()

	m := NewManager(Options{KV: memkv.New()})
	reached := make(chan struct{}, 1)
	release := make(chan struct{})
	unit, counts := countingUnit(10, 2, reached, release)

	id, err := m.Start(context.Background(), unit, StartOptions{})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	<-reached

	rec, err := m.Pause(context.Background(), id)
	if err != nil {
		t.Fatalf("Pause: %v", err)
	}
	if rec.Status != StatusPaused {
		t.Errorf("status after Pause = %s", rec.Status)
	}
	close(release)

	waitFor(t, m, id, func(r *Record) bool { return r.CompletedSteps == 3 })
	time.Sleep(20 * time.Millisecond)
	for i := 3; i < 10; i++ {
		if n := counts[i].Load(); n != 0 {
			t.Errorf("step %d ran while paused", i+1)
		}
	}

	if _, err := m.Resume(context.Background(), id); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	rec = waitDone(t, m, id)
	if rec.Status != StatusCompleted || rec.CompletedSteps != 10 {
		t.Errorf("record = %+v", rec)
	}
	for i, c := range counts {
		if c.Load() != 1 {
			t.Errorf("step %d ran %d times, want 1", i+1, c.Load())
		}
	}
}

func TestCancel_DuringStepFive(t *testing.T) {
	t.Parallel()

	store := memkv.New()
	m := NewManager(Options{KV: store})
	reached := make(chan struct{}, 1)
	unit, counts := countingUnit(10, 4, reached, make(chan struct{}))

	id, err := m.Start(context.Background(), unit, StartOptions{})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	<-reached

	rec, err := m.Cancel(context.Background(), id)
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if rec.Status != StatusCancelled {
		t.Errorf("status after Cancel = %s", rec.Status)
	}

	rec = waitDone(t, m, id)
	if rec.Status != StatusCancelled || rec.CompletedSteps != 4 {
		t.Errorf("record = status %s, completed %d; want cancelled, 4", rec.Status, rec.CompletedSteps)
	}
	for i := 5; i < 10; i++ {
		if counts[i].Load() != 0 {
			t.Errorf("step %d ran after cancel", i+1)
		}
	}

	var persisted Record
	_, _ = kv.GetJSON(context.Background(), store, "job:"+id, &persisted)
	if persisted.Status != StatusCancelled || persisted.CompletedSteps != 4 {
		t.Errorf("persisted = %+v", persisted)
	}
}

func TestCancel_WhilePaused(t *testing.T) {
	t.Parallel()

	m := NewManager(Options{})
	reached := make(chan struct{}, 1)
	release := make(chan struct{})
	unit, _ := countingUnit(4, 0, reached, release)
	var cancels atomic.Int32
	unit.OnCancel = func(ctx context.Context) {
		if ctx.Err() != nil {
			t.Errorf("OnCancel ctx already done: %v", ctx.Err())
		}
		cancels.Add(1)
	}

	id, _ := m.Start(context.Background(), unit, StartOptions{})
	<-reached
	if _, err := m.Pause(context.Background(), id); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	close(release)
	waitFor(t, m, id, func(r *Record) bool { return r.CompletedSteps == 1 })

	if _, err := m.Cancel(context.Background(), id); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	rec := waitDone(t, m, id)
	if rec.Status != StatusCancelled || rec.CompletedSteps != 1 {
		t.Errorf("record = %+v", rec)
	}
	if got := cancels.Load(); got != 1 {
		t.Errorf("OnCancel calls = %d, want 1", got)
	}
}

func TestOnCancel_NotCalledOnCompletionOrFailure(t *testing.T) {
	t.Parallel()

	m := NewManager(Options{})
	var cancels atomic.Int32
	onCancel := func(context.Context) { cancels.Add(1) }

	unit, _ := countingUnit(2, -1, nil, nil)
	unit.OnCancel = onCancel
	id, _ := m.Start(context.Background(), unit, StartOptions{})
	if rec := waitDone(t, m, id); rec.Status != StatusCompleted {
		t.Fatalf("status = %s, want completed", rec.Status)
	}

	failing := Unit{
		Steps:    []Step{{Name: "boom", Run: func(context.Context) error { return errors.New("disk full") }}},
		OnCancel: onCancel,
	}
	id, _ = m.Start(context.Background(), failing, StartOptions{})
	if rec := waitDone(t, m, id); rec.Status != StatusFailed {
		t.Fatalf("status = %s, want failed", rec.Status)
	}

	if got := cancels.Load(); got != 0 {
		t.Errorf("OnCancel calls = %d, want 0", got)
	}
}

func TestStepFailure(t *testing.T) {
	t.Parallel()

	m := NewManager(Options{})
	unit := Unit{Steps: []Step{
		{Name: "ok", Run: func(context.Context) error { return nil }},
		{Name: "boom", Run: func(context.Context) error { return errors.New("backend down") }},
		{Name: "never", Run: func(context.Context) error { t.Error("step after failure ran"); return nil }},
	}}
	id, _ := m.Start(context.Background(), unit, StartOptions{})
	rec := waitDone(t, m, id)
	if rec.Status != StatusFailed || rec.CompletedSteps != 1 || rec.Error != `step "boom": backend down` {
		t.Errorf("record = %+v", rec)
	}

	panicking := Unit{Steps: []Step{{Name: "p", Run: func(context.Context) error { panic("nil map") }}}}
	id, _ = m.Start(context.Background(), panicking, StartOptions{})
	if rec := waitDone(t, m, id); rec.Status != StatusFailed {
		t.Errorf("panicking step status = %s, want failed", rec.Status)
	}
}

func TestTransitions_Invalid(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	m := NewManager(Options{})

	if _, err := m.Pause(ctx, "missing"); !errors.Is(err, agenterr.ErrNotFound) {
		t.Errorf("Pause(missing) err = %v, want ErrNotFound", err)
	}
	if _, err := m.Get(ctx, "missing"); !errors.Is(err, agenterr.ErrNotFound) {
		t.Errorf("Get(missing) err = %v, want ErrNotFound", err)
	}
	if _, err := m.Start(ctx, Unit{}, StartOptions{}); !errors.Is(err, agenterr.ErrValidation) {
		t.Errorf("Start(empty) err = %v, want ErrValidation", err)
	}

	unit, _ := countingUnit(1, -1, nil, nil)
	id, _ := m.Start(ctx, unit, StartOptions{ID: "fixed"})
	waitDone(t, m, id)

	if _, err := m.Start(ctx, unit, StartOptions{ID: "fixed"}); !errors.Is(err, agenterr.ErrValidation) {
		t.Errorf("duplicate id err = %v, want ErrValidation", err)
	}
	if _, err := m.Resume(ctx, id); !errors.Is(err, agenterr.ErrValidation) {
		t.Errorf("Resume(completed) err = %v, want ErrValidation", err)
	}
	if _, err := m.Cancel(ctx, id); !errors.Is(err, agenterr.ErrValidation) {
		t.Errorf("Cancel(completed) err = %v, want ErrValidation", err)
	}
}

func TestRestoreAndGetFromStore(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := memkv.New()
	created := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	for _, rec := range []Record{
		{ID: "was-running", Status: StatusRunning, CreatedAt: created, CompletedSteps: 2, TotalSteps: 5},
		{ID: "was-paused", Status: StatusPaused, CreatedAt: created.Add(time.Minute)},
		{ID: "finished", Status: StatusCompleted, CreatedAt: created.Add(2 * time.Minute)},
	} {
		if err := kv.SetJSON(ctx, store, "job:"+rec.ID, rec, 0); err != nil {
			t.Fatal(err)
		}
	}

	m := NewManager(Options{KV: store})
	n, err := m.Restore(ctx)
	if err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if n != 2 {
		t.Errorf("restored = %d, want 2", n)
	}

	rec, err := m.Get(ctx, "was-running")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if rec.Status != StatusFailed || rec.Error != interruptedError || rec.CompletedSteps != 2 {
		t.Errorf("restored record = %+v", rec)
	}
	if _, err := m.Pause(ctx, "finished"); !errors.Is(err, agenterr.ErrValidation) {
		t.Errorf("Pause(foreign) err = %v, want ErrValidation", err)
	}

	failed, err := m.List(ctx, StatusFailed, 0)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(failed) != 2 || failed[0].ID != "was-paused" {
		t.Errorf("List(failed) = %+v", failed)
	}
	if _, err := m.List(ctx, "bogus", 0); !errors.Is(err, agenterr.ErrValidation) {
		t.Errorf("List(bogus) err = %v, want ErrValidation", err)
	}
}

type brokenKV struct{ memkv.Store }

func (*brokenKV) Set(context.Context, string, []byte, time.Duration) error {
	return errors.New("connection refused")
}

func TestPersistFailureDoesNotStopJob(t *testing.T) {
	t.Parallel()

	rec := &events.Recorder{}
	m := NewManager(Options{KV: &brokenKV{}, Sink: rec})
	unit, _ := countingUnit(2, -1, nil, nil)

	id, err := m.Start(context.Background(), unit, StartOptions{})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if got := waitDone(t, m, id); got.Status != StatusCompleted {
		t.Errorf("status = %s, want completed", got.Status)
	}
	if len(rec.Named(events.JobPersistFailed)) == 0 {
		t.Error("no persist_failed events")
	}
}

func TestMetricsHooks(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)
	m := NewManager(Options{Hooks: metrics.Hooks()})
	unit, _ := countingUnit(3, -1, nil, nil)

	id, _ := m.Start(context.Background(), unit, StartOptions{})
	waitDone(t, m, id)

	if got := testutil.ToFloat64(metrics.Steps); got != 3 {
		t.Errorf("steps = %v, want 3", got)
	}
	if got := testutil.ToFloat64(metrics.Transitions.WithLabelValues("completed")); got != 1 {
		t.Errorf("completed = %v, want 1", got)
	}
	if got := testutil.ToFloat64(metrics.Active); got != 0 {
		t.Errorf("active = %v, want 0", got)
	}
}
