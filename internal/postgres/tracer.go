package postgres

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/go-core/log"
)

// Label values for queries that run outside an HTTP request, such as flow
// steps executing as background jobs.
const (
	MethodNone      = "NONE"
	RouteBackground = "background"
)

// maxLogArgLen bounds each logged query argument. Vector literals and
// memory texts would otherwise flood the log.
const maxLogArgLen = 128

// QueryObserver receives per-query measurements (wired by main for Prometheus).
type QueryObserver interface {
	ObserveQuery(ctx context.Context, method, route, outcome string, dur time.Duration)
}

// QueryObserverFunc adapts a plain function to QueryObserver.
type QueryObserverFunc func(ctx context.Context, method, route, outcome string, dur time.Duration)

// ObserveQuery implements QueryObserver.
func (f QueryObserverFunc) ObserveQuery(ctx context.Context, method, route, outcome string, dur time.Duration) {
	f(ctx, method, route, outcome, dur)
}

type observerHolder struct{ QueryObserver }

var observer atomic.Pointer[observerHolder]

// SetQueryObserver installs the process-wide observer. Nil removes it.
func SetQueryObserver(o QueryObserver) {
	if o == nil {
		observer.Store(nil)
		return
	}
	observer.Store(&observerHolder{QueryObserver: o})
}

func currentObserver() QueryObserver {
	if h := observer.Load(); h != nil {
		return h.QueryObserver
	}
	return nil
}

type httpMethodKey struct{}

// WithHTTPMethod stores the HTTP method in the context for query labels.
func WithHTTPMethod(ctx context.Context, method string) context.Context {
	if method == "" {
		return ctx
	}
	return context.WithValue(ctx, httpMethodKey{}, method)
}

// queryLabels returns the method and route a query is attributed to.
func queryLabels(ctx context.Context) (method, route string) {
	method, _ = ctx.Value(httpMethodKey{}).(string)
	if method == "" {
		method = MethodNone
	}
	if rc := chi.RouteContext(ctx); rc != nil {
		route = rc.RoutePattern()
	}
	if route == "" {
		route = RouteBackground
	}
	return method, route
}

// queryInfo travels from TraceQueryStart to TraceQueryEnd.
type queryInfo struct {
	sql     string
	args    []any
	start   time.Time
	caller  string
	handler string
}

type queryInfoKey struct{}

// loggingTracer wraps another pgx.QueryTracer (otelpgx) and adds a
// structured log line and an observer measurement per query.
type loggingTracer struct {
	inner pgx.QueryTracer
}

func wrapQueryTracer(inner pgx.QueryTracer) pgx.QueryTracer {
	return loggingTracer{inner: inner}
}

func (t loggingTracer) TraceQueryStart(ctx context.Context, conn *pgx.Conn, data pgx.TraceQueryStartData) context.Context {
	info := &queryInfo{sql: data.SQL, args: data.Args, start: time.Now()}
	info.caller, info.handler = findDBCallerAndHandler()

	// otelpgx opens its span first so the attributes below land on it
	if t.inner != nil {
		ctx = t.inner.TraceQueryStart(ctx, conn, data)
	}

	if span := trace.SpanFromContext(ctx); span.IsRecording() {
		if info.caller != "" {
			span.SetAttributes(attribute.String("db.caller", info.caller))
		}
		if info.handler != "" {
			span.SetAttributes(attribute.String("db.handler", info.handler))
		}
	}
	return context.WithValue(ctx, queryInfoKey{}, info)
}

func (t loggingTracer) TraceQueryEnd(ctx context.Context, conn *pgx.Conn, data pgx.TraceQueryEndData) {
	if t.inner != nil {
		t.inner.TraceQueryEnd(ctx, conn, data)
	}

	info, _ := ctx.Value(queryInfoKey{}).(*queryInfo)
	if info == nil {
		return
	}
	dur := time.Since(info.start)

	outcome := "ok"
	if data.Err != nil {
		outcome = "error"
	}
	if obs := currentObserver(); obs != nil {
		method, route := queryLabels(ctx)
		obs.ObserveQuery(ctx, method, route, outcome, dur)
	}

	L := log.FromContext(ctx)
	fields := append(queryFields(info, data.CommandTag), "db.duration", dur.Seconds())

	if data.Err != nil {
		var pgErr *pgconn.PgError
		if errors.As(data.Err, &pgErr) {
			fields = append(fields, "db.error_code", pgErr.Code, "db.error_constraint", pgErr.ConstraintName)
		}
		L.Error(ctx, data.Err, "db query failed", fields...)
		return
	}
	L.Info(ctx, "db query", fields...)
}

// queryFields builds the log fields for a finished query.
func queryFields(info *queryInfo, tag pgconn.CommandTag) []any {
	fields := []any{
		"db.statement", info.sql,
		"db.args", logArgs(info.args),
	}
	if s := strings.TrimSpace(tag.String()); s != "" {
		fields = append(fields,
			"db.operation.name", strings.ToUpper(strings.Fields(s)[0]),
			"pg.command_tag", s,
			"db.rows", tag.RowsAffected(),
		)
	}
	if info.caller != "" {
		fields = append(fields, "db.caller", info.caller)
	}
	if info.handler != "" {
		fields = append(fields, "db.handler", info.handler)
	}
	return fields
}

// logArgs shortens long string and byte arguments to maxLogArgLen.
func logArgs(args []any) []any {
	out := make([]any, len(args))
	for i, a := range args {
		switch v := a.(type) {
		case string:
			out[i] = clip(v)
		case []byte:
			out[i] = clip(string(v))
		default:
			out[i] = a
		}
	}
	return out
}

func clip(s string) string {
	if len(s) <= maxLogArgLen {
		return s
	}
	return fmt.Sprintf("%s...(%d bytes)", s[:maxLogArgLen], len(s))
}

// findDBCallerAndHandler walks the stack to find the store method issuing
// the query and the first frame above it outside this package.
func findDBCallerAndHandler() (caller, handler string) {
	pcs := make([]uintptr, 32)
	n := runtime.Callers(3, pcs)
	frames := runtime.CallersFrames(pcs[:n])

	for {
		fr, more := frames.Next()
		fn := fr.Function
		switch {
		case skipFrame(fn):
		case caller == "":
			caller = shortenFuncName(fn)
		case !strings.Contains(fn, "/internal/postgres."):
			return caller, shortenFuncName(fn)
		}
		if !more {
			return caller, handler
		}
	}
}

func skipFrame(fn string) bool {
	return fn == "" ||
		strings.HasPrefix(fn, "runtime.") ||
		strings.Contains(fn, "github.com/jackc/pgx/v5") ||
		strings.Contains(fn, "github.com/exaring/otelpgx") ||
		strings.Contains(fn, "loggingTracer.TraceQuery")
}

// shortenFuncName trims the import path and package name, keeping the
// receiver and method.
func shortenFuncName(fn string) string {
	if i := strings.LastIndex(fn, "/"); i >= 0 && i+1 < len(fn) {
		fn = fn[i+1:]
	}
	if dot := strings.Index(fn, "."); dot >= 0 && dot+1 < len(fn) {
		fn = fn[dot+1:]
	}
	return fn
}
