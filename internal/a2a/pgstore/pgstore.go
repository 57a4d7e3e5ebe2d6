// Package pgstore provides a PostgreSQL implementation of a2a.Store.
package pgstore

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/linnemanlabs/warden/internal/a2a"
	"github.com/linnemanlabs/warden/internal/postgres"
)

const tracerName = "github.com/linnemanlabs/warden/internal/a2a/pgstore"

//go:embed schema.sql
var schema string

// Store persists traces in PostgreSQL: one incident_traces row per trace
// and one trace_entries row per timeline entry.
type Store struct {
	pool *pgxpool.Pool
}

// New applies the schema and returns a ready Store. The pool is shared;
// the caller closes it.
func New(ctx context.Context, pool *pgxpool.Pool) (*Store, error) {
	if err := postgres.ApplySchema(ctx, pool, schema); err != nil {
		return nil, err
	}
	return &Store{pool: pool}, nil
}

func startSpan(ctx context.Context, name, op string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, name, trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", op),
	))
}

func fail(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

const traceColumns = `id, incident_id, state, failed_stage, error, error_kind, incident,
	triage, explanation, memories, runbook, policy, simulation, rewrites,
	created_at, updated_at, completed_at`

// Get retrieves a trace and its timeline by ID.
func (s *Store) Get(ctx context.Context, id string) (*a2a.Trace, bool, error) {
	ctx, span := startSpan(ctx, "pgstore.Get", "SELECT")
	defer span.End()

	t, err := scanTrace(s.pool.QueryRow(ctx, `SELECT `+traceColumns+` FROM incident_traces WHERE id = $1`, id))
	if err != nil {
		return nil, false, fail(span, err)
	}
	if t == nil {
		return nil, false, nil
	}
	if err := s.loadTimeline(ctx, t); err != nil {
		return nil, false, fail(span, err)
	}
	return t, true, nil
}

// Create inserts the trace header. An existing id leaves the row alone and
// reports false.
func (s *Store) Create(ctx context.Context, t *a2a.Trace) (bool, error) {
	ctx, span := startSpan(ctx, "pgstore.Create", "INSERT")
	defer span.End()

	args, err := traceArgs(t)
	if err != nil {
		return false, fail(span, err)
	}
	tag, err := s.pool.Exec(ctx, insertTrace+` ON CONFLICT (id) DO NOTHING`, args...)
	if err != nil {
		return false, fail(span, fmt.Errorf("insert trace: %w", err))
	}
	return tag.RowsAffected() == 1, nil
}

// Put inserts or updates the trace header. The timeline is not touched.
func (s *Store) Put(ctx context.Context, t *a2a.Trace) error {
	ctx, span := startSpan(ctx, "pgstore.Put", "UPSERT")
	defer span.End()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fail(span, fmt.Errorf("begin tx: %w", err))
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is harmless

	if err := upsertTrace(ctx, tx, t); err != nil {
		return fail(span, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fail(span, fmt.Errorf("commit: %w", err))
	}
	return nil
}

// AppendEntry inserts one timeline row. A duplicate seq is an error.
func (s *Store) AppendEntry(ctx context.Context, e a2a.Entry) error {
	ctx, span := startSpan(ctx, "pgstore.AppendEntry", "INSERT")
	defer span.End()

	_, err := s.pool.Exec(ctx,
		`INSERT INTO trace_entries (trace_id, seq, agent, envelope_id, state, outcome, error, error_kind, started_at, ended_at, elapsed_ms)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		e.TraceID, e.Seq, e.Agent, e.EnvelopeID, string(e.State), e.Outcome, e.Error, e.ErrorKind,
		e.StartedAt, e.EndedAt, e.ElapsedMS,
	)
	if err != nil {
		return fail(span, fmt.Errorf("insert entry seq %d: %w", e.Seq, err))
	}
	return nil
}

// List returns up to limit trace headers, newest first.
func (s *Store) List(ctx context.Context, limit int) ([]*a2a.Trace, error) {
	ctx, span := startSpan(ctx, "pgstore.List", "SELECT")
	defer span.End()

	rows, err := s.pool.Query(ctx,
		`SELECT `+traceColumns+` FROM incident_traces ORDER BY created_at DESC, id DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fail(span, fmt.Errorf("query traces: %w", err))
	}
	defer rows.Close()

	var out []*a2a.Trace
	for rows.Next() {
		t, err := scanTrace(rows)
		if err != nil {
			return nil, fail(span, err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fail(span, fmt.Errorf("iterate traces: %w", err))
	}
	return out, nil
}

const insertTrace = `INSERT INTO incident_traces (
		id, incident_id, state, failed_stage, error, error_kind, incident,
		triage, explanation, memories, runbook, policy, simulation, rewrites,
		created_at, updated_at, completed_at
	) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)`

// traceArgs renders the header in insertTrace column order.
func traceArgs(t *a2a.Trace) ([]any, error) {
	incident, err := json.Marshal(t.Incident)
	if err != nil {
		return nil, fmt.Errorf("marshal incident: %w", err)
	}
	var artifacts [6][]byte
	for i, v := range []any{t.Triage, t.Explanation, t.Memories, t.Runbook, t.Policy, t.Simulation} {
		if artifacts[i], err = marshalNullable(v); err != nil {
			return nil, fmt.Errorf("marshal trace artifacts: %w", err)
		}
	}
	return []any{
		t.ID, t.IncidentID, string(t.State), t.FailedStage, t.Error, t.ErrorKind, incident,
		artifacts[0], artifacts[1], artifacts[2], artifacts[3], artifacts[4], artifacts[5],
		t.Rewrites, t.CreatedAt, t.UpdatedAt, t.CompletedAt,
	}, nil
}

func upsertTrace(ctx context.Context, tx pgx.Tx, t *a2a.Trace) error {
	args, err := traceArgs(t)
	if err != nil {
		return err
	}
	query := insertTrace + `
	ON CONFLICT (id) DO UPDATE SET
		state        = EXCLUDED.state,
		failed_stage = EXCLUDED.failed_stage,
		error        = EXCLUDED.error,
		error_kind   = EXCLUDED.error_kind,
		triage       = EXCLUDED.triage,
		explanation  = EXCLUDED.explanation,
		memories     = EXCLUDED.memories,
		runbook      = EXCLUDED.runbook,
		policy       = EXCLUDED.policy,
		simulation   = EXCLUDED.simulation,
		rewrites     = EXCLUDED.rewrites,
		updated_at   = EXCLUDED.updated_at,
		completed_at = EXCLUDED.completed_at`

	if _, err := tx.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("upsert trace: %w", err)
	}
	return nil
}

// marshalNullable encodes v, mapping nil pointers and empty slices to NULL.
func marshalNullable(v any) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	if string(b) == "null" || string(b) == "[]" {
		return nil, nil
	}
	return b, nil
}

// loadTimeline reads the trace's entries in sequence order.
func (s *Store) loadTimeline(ctx context.Context, t *a2a.Trace) error {
	rows, err := s.pool.Query(ctx,
		`SELECT seq, agent, envelope_id, state, outcome, error, error_kind, started_at, ended_at, elapsed_ms
		 FROM trace_entries WHERE trace_id = $1 ORDER BY seq`,
		t.ID,
	)
	if err != nil {
		return fmt.Errorf("query entries: %w", err)
	}
	defer rows.Close()

	t.Timeline = []a2a.Entry{}
	for rows.Next() {
		e := a2a.Entry{TraceID: t.ID}
		var state string
		if err := rows.Scan(&e.Seq, &e.Agent, &e.EnvelopeID, &state, &e.Outcome, &e.Error, &e.ErrorKind,
			&e.StartedAt, &e.EndedAt, &e.ElapsedMS); err != nil {
			return fmt.Errorf("scan entry: %w", err)
		}
		e.State = a2a.State(state)
		t.Timeline = append(t.Timeline, e)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate entries: %w", err)
	}
	return nil
}

// scanTrace scans a single row into a trace header (without timeline).
// Returns (nil, nil) when no row is found.
func scanTrace(row pgx.Row) (*a2a.Trace, error) {
	var (
		t                                                      a2a.Trace
		state                                                  string
		incident                                               []byte
		triage, explanation, memories, runbook, policy, simRes []byte
		completedAt                                            *time.Time
	)
	err := row.Scan(
		&t.ID, &t.IncidentID, &state, &t.FailedStage, &t.Error, &t.ErrorKind, &incident,
		&triage, &explanation, &memories, &runbook, &policy, &simRes, &t.Rewrites,
		&t.CreatedAt, &t.UpdatedAt, &completedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan: %w", err)
	}
	t.State = a2a.State(state)
	t.CompletedAt = completedAt

	if err := json.Unmarshal(incident, &t.Incident); err != nil {
		return nil, fmt.Errorf("unmarshal incident: %w", err)
	}
	fields := []struct {
		raw []byte
		dst any
	}{
		{triage, &t.Triage},
		{explanation, &t.Explanation},
		{memories, &t.Memories},
		{runbook, &t.Runbook},
		{policy, &t.Policy},
		{simRes, &t.Simulation},
	}
	for _, f := range fields {
		if len(f.raw) == 0 {
			continue
		}
		if err := json.Unmarshal(f.raw, f.dst); err != nil {
			return nil, fmt.Errorf("unmarshal trace artifacts: %w", err)
		}
	}
	return &t, nil
}
