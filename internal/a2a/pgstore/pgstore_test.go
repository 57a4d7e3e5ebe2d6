package pgstore_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/linnemanlabs/warden/internal/a2a"
	"github.com/linnemanlabs/warden/internal/a2a/pgstore"
	"github.com/linnemanlabs/warden/internal/agents"
	"github.com/linnemanlabs/warden/internal/postgres"
)

func openStore(t *testing.T) *pgstore.Store {
	t.Helper()
	dsn := os.Getenv("WARDEN_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("WARDEN_TEST_DATABASE_URL not set, skipping integration test")
	}
	ctx := context.Background()
	pool, err := postgres.NewPool(ctx, dsn)
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}
	t.Cleanup(pool.Close)
	s, err := pgstore.New(ctx, pool)
	if err != nil {
		t.Fatalf("pgstore.New: %v", err)
	}
	return s
}

func TestPutAppendGet(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	now := time.Now().Truncate(time.Microsecond).UTC()
	tr := &a2a.Trace{
		ID:         "test-trace-" + ulid.Make().String(),
		IncidentID: "INC-PG-1",
		State:      a2a.StateStart,
		Incident:   a2a.Incident{ID: "INC-PG-1", Features: map[string]any{"failed_logins_last_hour": float64(50)}},
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.Put(ctx, tr); err != nil {
		t.Fatalf("Put: %v", err)
	}

	e := a2a.Entry{
		Seq: 1, TraceID: tr.ID, Agent: agents.ToolTriage, EnvelopeID: "env-1",
		State: a2a.StateTriageDone, Outcome: a2a.OutcomeOK,
		StartedAt: now, EndedAt: now.Add(5 * time.Millisecond), ElapsedMS: 5,
	}
	if err := s.AppendEntry(ctx, e); err != nil {
		t.Fatalf("AppendEntry: %v", err)
	}
	if err := s.AppendEntry(ctx, e); err == nil {
		t.Error("duplicate seq: want error")
	}

	tr.State = a2a.StateTriageDone
	tr.Triage = &agents.TriageResult{Label: agents.LabelHigh, Score: 9}
	tr.UpdatedAt = e.EndedAt
	if err := s.Put(ctx, tr); err != nil {
		t.Fatalf("Put update: %v", err)
	}

	got, ok, err := s.Get(ctx, tr.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !ok {
		t.Fatal("Get returned ok=false, want true")
	}
	if got.State != a2a.StateTriageDone || got.Triage == nil || got.Triage.Label != agents.LabelHigh {
		t.Errorf("trace = %+v", got)
	}
	if got.Runbook != nil || got.Policy != nil {
		t.Errorf("unset artifacts should stay nil: %+v", got)
	}
	if got.Incident.Features["failed_logins_last_hour"] != float64(50) {
		t.Errorf("features = %v", got.Incident.Features)
	}
	if len(got.Timeline) != 1 || got.Timeline[0].EnvelopeID != "env-1" || !got.Timeline[0].StartedAt.Equal(now) {
		t.Errorf("timeline = %+v", got.Timeline)
	}

	list, err := s.List(ctx, 5)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(list) == 0 || list[0].Timeline != nil {
		t.Errorf("List = %+v", list)
	}
}

func TestGetMissing(t *testing.T) {
	s := openStore(t)
	_, ok, err := s.Get(context.Background(), "does-not-exist")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if ok {
		t.Error("ok = true for missing trace")
	}
}

func TestCreate_RejectsExistingID(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	now := time.Now().Truncate(time.Microsecond).UTC()
	tr := &a2a.Trace{
		ID: "test-trace-" + ulid.Make().String(), IncidentID: "INC-PG-2",
		State: a2a.StateStart, CreatedAt: now, UpdatedAt: now,
	}
	created, err := s.Create(ctx, tr)
	if err != nil || !created {
		t.Fatalf("first Create = %v, %v, want true", created, err)
	}

	dup := *tr
	dup.IncidentID = "INC-PG-OTHER"
	created, err = s.Create(ctx, &dup)
	if err != nil || created {
		t.Fatalf("second Create = %v, %v, want false", created, err)
	}

	got, _, err := s.Get(ctx, tr.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.IncidentID != "INC-PG-2" {
		t.Errorf("IncidentID = %q, want the first writer's", got.IncidentID)
	}
}
