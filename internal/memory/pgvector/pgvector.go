// Package pgvector provides a PostgreSQL + pgvector implementation of
// memory.VectorStore.
package pgvector

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/linnemanlabs/warden/internal/agenterr"
	"github.com/linnemanlabs/warden/internal/memory"
	"github.com/linnemanlabs/warden/internal/postgres"
)

const tracerName = "github.com/linnemanlabs/warden/internal/memory/pgvector"

//go:embed schema.sql
var schemaTemplate string

// Store keeps memories in the memories table and answers nearest-neighbour
// queries with the cosine distance operator.
type Store struct {
	pool *pgxpool.Pool
	dim  int
}

// New applies the schema for dim-sized embeddings and returns a ready Store.
// The pool is shared; the caller closes it.
func New(ctx context.Context, pool *pgxpool.Pool, dim int) (*Store, error) {
	if dim <= 0 {
		return nil, fmt.Errorf("%w: embedding dimension must be positive", agenterr.ErrValidation)
	}
	if err := postgres.ApplySchema(ctx, pool, Schema(dim)); err != nil {
		return nil, err
	}
	return &Store{pool: pool, dim: dim}, nil
}

// Schema renders the DDL for dim-sized embeddings.
func Schema(dim int) string {
	return strings.ReplaceAll(schemaTemplate, "{{dim}}", strconv.Itoa(dim))
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

const memoryColumns = `id, text, embedding::text, metadata, kind, session_id, created_at`

// Insert adds an item. An existing id is a validation error.
func (s *Store) Insert(ctx context.Context, it *memory.Item) error {
	ctx, span := startSpan(ctx, "pgvector.Insert", "INSERT")
	defer span.End()

	if len(it.Embedding) != s.dim {
		return fail(span, fmt.Errorf("%w: embedding has %d dimensions, want %d", agenterr.ErrValidation, len(it.Embedding), s.dim))
	}
	meta, err := json.Marshal(orEmpty(it.Metadata))
	if err != nil {
		return fail(span, fmt.Errorf("%w: marshal metadata: %w", agenterr.ErrValidation, err))
	}

	tag, err := s.pool.Exec(ctx,
		`INSERT INTO memories (id, text, embedding, metadata, kind, session_id, created_at)
		 VALUES ($1, $2, $3::vector, $4, $5, $6, $7)
		 ON CONFLICT (id) DO NOTHING`,
		it.ID, it.Text, FormatVector(it.Embedding), meta, it.Kind, it.SessionID, it.CreatedAt,
	)
	if err != nil {
		return fail(span, fmt.Errorf("insert memory: %w", err))
	}
	if tag.RowsAffected() == 0 {
		return fail(span, fmt.Errorf("%w: memory %q already exists", agenterr.ErrValidation, it.ID))
	}
	return nil
}

// Nearest returns the k items closest to vec by cosine distance.
func (s *Store) Nearest(ctx context.Context, vec []float32, k int, f memory.Filter) ([]memory.Match, error) {
	ctx, span := startSpan(ctx, "pgvector.Nearest", "SELECT")
	defer span.End()
	span.SetAttributes(attribute.Int("warden.memory.k", k))

	rows, err := s.pool.Query(ctx,
		`SELECT `+memoryColumns+`, embedding <=> $1::vector AS distance
		 FROM memories
		 WHERE ($2 = '' OR kind = $2) AND ($3 = '' OR session_id = $3)
		 ORDER BY distance ASC, created_at DESC
		 LIMIT $4`,
		FormatVector(vec), f.Kind, f.SessionID, k,
	)
	if err != nil {
		return nil, fail(span, fmt.Errorf("query nearest: %w", err))
	}
	defer rows.Close()

	out := []memory.Match{}
	for rows.Next() {
		var m memory.Match
		it, err := scanItem(rows, &m.Distance)
		if err != nil {
			return nil, fail(span, err)
		}
		m.Item = *it
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fail(span, fmt.Errorf("iterate nearest: %w", err))
	}
	return out, nil
}

// Get returns one item.
func (s *Store) Get(ctx context.Context, id string) (*memory.Item, bool, error) {
	ctx, span := startSpan(ctx, "pgvector.Get", "SELECT")
	defer span.End()

	it, err := scanItem(s.pool.QueryRow(ctx, `SELECT `+memoryColumns+` FROM memories WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fail(span, err)
	}
	return it, true, nil
}

// Delete removes one item, reporting whether it existed.
func (s *Store) Delete(ctx context.Context, id string) (bool, error) {
	ctx, span := startSpan(ctx, "pgvector.Delete", "DELETE")
	defer span.End()

	tag, err := s.pool.Exec(ctx, `DELETE FROM memories WHERE id = $1`, id)
	if err != nil {
		return false, fail(span, fmt.Errorf("delete memory: %w", err))
	}
	return tag.RowsAffected() > 0, nil
}

// Count returns how many items match f.
func (s *Store) Count(ctx context.Context, f memory.Filter) (int, error) {
	ctx, span := startSpan(ctx, "pgvector.Count", "SELECT")
	defer span.End()

	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT count(*) FROM memories WHERE ($1 = '' OR kind = $1) AND ($2 = '' OR session_id = $2)`,
		f.Kind, f.SessionID,
	).Scan(&n)
	if err != nil {
		return 0, fail(span, fmt.Errorf("count memories: %w", err))
	}
	return n, nil
}

func scanItem(row pgx.Row, extra ...any) (*memory.Item, error) {
	var (
		it        memory.Item
		vecText   string
		meta      []byte
		createdAt time.Time
	)
	dest := append([]any{&it.ID, &it.Text, &vecText, &meta, &it.Kind, &it.SessionID, &createdAt}, extra...)
	if err := row.Scan(dest...); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan memory: %w", err)
	}
	vec, err := ParseVector(vecText)
	if err != nil {
		return nil, err
	}
	it.Embedding = vec
	it.CreatedAt = createdAt.UTC()
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &it.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal metadata: %w", err)
		}
		if len(it.Metadata) == 0 {
			it.Metadata = nil
		}
	}
	return &it, nil
}

// FormatVector renders vec in pgvector's text form, e.g. [0.1,-2,3.5].
func FormatVector(vec []float32) string {
	var b strings.Builder
	b.Grow(len(vec)*10 + 2)
	b.WriteByte('[')
	for i, v := range vec {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.FormatFloat(float64(v), 'g', -1, 32))
	}
	b.WriteByte(']')
	return b.String()
}

// ParseVector is the inverse of FormatVector.
func ParseVector(s string) ([]float32, error) {
	s = strings.TrimSpace(s)
	if len(s) < 2 || s[0] != '[' || s[len(s)-1] != ']' {
		return nil, fmt.Errorf("malformed vector %q", s)
	}
	body := s[1 : len(s)-1]
	if body == "" {
		return []float32{}, nil
	}
	parts := strings.Split(body, ",")
	out := make([]float32, len(parts))
	for i, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 32)
		if err != nil {
			return nil, fmt.Errorf("malformed vector element %d: %w", i, err)
		}
		out[i] = float32(f)
	}
	return out, nil
}

func orEmpty(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
