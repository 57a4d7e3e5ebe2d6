package envelope

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/warden/internal/agenterr"
	"github.com/linnemanlabs/warden/internal/events"
	"github.com/linnemanlabs/warden/internal/tools"
)

const tracerName = "github.com/linnemanlabs/warden/internal/envelope"

// Hooks receives per-invocation measurements. Nil funcs are skipped.
type Hooks struct {
	OnInvoke func(tool, status, errorKind string, elapsedSeconds float64)
}

// Options configures an Invoker.
type Options struct {
	DefaultTimeout time.Duration
	Sink           events.Sink
	Hooks          Hooks
}

// Invoker dispatches envelopes to tools.
type Invoker struct {
	registry       *tools.Registry
	logger         log.Logger
	sink           events.Sink
	hooks          Hooks
	defaultTimeout time.Duration
}

// NewInvoker creates an Invoker. registry may be nil when only Invoke with
// an explicit tool is used.
func NewInvoker(registry *tools.Registry, logger log.Logger, opts Options) *Invoker {
	if logger == nil {
		logger = log.Nop()
	}
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = DefaultTimeout
	}
	return &Invoker{
		registry:       registry,
		logger:         logger,
		sink:           events.OrNop(opts.Sink),
		hooks:          opts.Hooks,
		defaultTimeout: opts.DefaultTimeout,
	}
}

// callError carries a ready-to-display message and an agenterr kind.
type callError struct {
	kind error
	msg  string
}

func (e *callError) Error() string { return e.msg }
func (e *callError) Unwrap() error { return e.kind }

// InvokeByName resolves req.Tool in the registry and invokes it.
func (i *Invoker) InvokeByName(ctx context.Context, req Request) *Response {
	var tool tools.Tool
	if i.registry != nil {
		tool, _ = i.registry.Get(req.Tool)
	}
	return i.Invoke(ctx, req, tool)
}

// Invoke runs tool for req and always returns a response; it never panics
// and never waits longer than the request timeout for the tool.
func (i *Invoker) Invoke(ctx context.Context, req Request, tool tools.Tool) *Response {
	if req.ID == "" {
		req.ID = ulid.Make().String()
	}
	if req.TraceID == "" {
		req.TraceID = ulid.Make().String()
	}

	ctx, span := otel.Tracer(tracerName).Start(ctx, "envelope.Invoke", trace.WithAttributes(
		attribute.String("warden.envelope.id", req.ID),
		attribute.String("warden.trace.id", req.TraceID),
		attribute.String("warden.tool", req.Tool),
		attribute.String("warden.agent.from", req.FromAgent),
		attribute.String("warden.agent.to", req.ToAgent),
	))
	defer span.End()

	start := time.Now()
	i.sink.Emit(ctx, events.New(events.InvokeStart, req.TraceID, map[string]any{
		"request_id": req.ID,
		"tool":       req.Tool,
		"from_agent": req.FromAgent,
		"to_agent":   req.ToAgent,
	}))

	var resp *Response
	params, timeout, err := i.validate(&req, tool)
	if err != nil {
		resp = errResponse(&req, err, time.Since(start))
	} else {
		result, err := i.dispatch(ctx, &req, tool, params, timeout)
		if err != nil {
			resp = errResponse(&req, err, time.Since(start))
		} else {
			resp = okResponse(&req, result, time.Since(start))
		}
	}

	i.finish(ctx, span, &req, resp)
	return resp
}

func (i *Invoker) validate(req *Request, tool tools.Tool) (json.RawMessage, time.Duration, error) {
	switch {
	case strings.TrimSpace(req.Tool) == "":
		return nil, 0, &callError{agenterr.ErrValidation, "tool_name is required"}
	case len(req.Tool) > MaxToolNameLen:
		return nil, 0, &callError{agenterr.ErrValidation, fmt.Sprintf("tool_name exceeds %d characters", MaxToolNameLen)}
	case req.TimeoutMS < 0:
		return nil, 0, &callError{agenterr.ErrValidation, "timeout must be positive"}
	case tool == nil:
		return nil, 0, &callError{agenterr.ErrNotFound, fmt.Sprintf("tool %q is not registered", req.Tool)}
	}

	inputs := req.Inputs
	if inputs == nil {
		inputs = map[string]any{}
	}
	params, err := json.Marshal(inputs)
	if err != nil {
		return nil, 0, &callError{agenterr.ErrValidation, fmt.Sprintf("inputs are not serializable: %v", err)}
	}

	timeout := req.Timeout()
	if timeout == 0 {
		timeout = i.defaultTimeout
	}
	return params, timeout, nil
}

type outcome struct {
	out json.RawMessage
	err error
}

// dispatch runs the tool on its own goroutine. On deadline the goroutine
// is abandoned; its late answer lands in a buffered channel nobody reads.
func (i *Invoker) dispatch(ctx context.Context, req *Request, tool tools.Tool, params json.RawMessage, timeout time.Duration) (map[string]any, error) {
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ch := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- outcome{err: fmt.Errorf("panic: %v", r)}
			}
		}()
		out, err := tool.Execute(callCtx, params)
		ch <- outcome{out: out, err: err}
	}()

	var o outcome
	select {
	case o = <-ch:
	case <-callCtx.Done():
		return nil, deadlineError(req.Tool, timeout, callCtx.Err())
	}

	if o.err != nil {
		if callCtx.Err() != nil && errors.Is(o.err, callCtx.Err()) {
			return nil, deadlineError(req.Tool, timeout, callCtx.Err())
		}
		return nil, toolError(req.Tool, o.err)
	}

	result, err := normalize(o.out)
	if err != nil {
		return nil, toolError(req.Tool, err)
	}
	return RedactMap(result), nil
}

func deadlineError(tool string, timeout time.Duration, cause error) error {
	if errors.Is(cause, context.Canceled) {
		return &callError{agenterr.ErrTimeout, fmt.Sprintf("tool %q cancelled before completion", tool)}
	}
	return &callError{agenterr.ErrTimeout, fmt.Sprintf("tool %q timed out after %s", tool, timeout)}
}

func toolError(tool string, err error) error {
	msg := err.Error()
	for _, sentinel := range []error{agenterr.ErrToolFailure, agenterr.ErrValidation} {
		msg = strings.TrimPrefix(msg, sentinel.Error()+": ")
	}
	msg = sanitizeError(msg)

	if errors.Is(err, agenterr.ErrValidation) {
		return &callError{agenterr.ErrValidation, fmt.Sprintf("tool %q rejected input: %s", tool, msg)}
	}
	return &callError{agenterr.ErrToolFailure, fmt.Sprintf("tool %q failed: %s", tool, msg)}
}

// normalize decodes a tool result and wraps anything that is not a JSON
// object as {"value": x}.
func normalize(raw json.RawMessage) (map[string]any, error) {
	if len(raw) == 0 {
		return map[string]any{"value": nil}, nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("result is not valid JSON: %w", err)
	}
	if m, ok := v.(map[string]any); ok {
		return m, nil
	}
	return map[string]any{"value": v}, nil
}

func (i *Invoker) finish(ctx context.Context, span trace.Span, req *Request, resp *Response) {
	span.SetAttributes(
		attribute.String("warden.envelope.status", resp.Status),
		attribute.Float64("warden.envelope.elapsed_ms", resp.ElapsedMS),
	)

	attrs := map[string]any{
		"request_id": req.ID,
		"tool":       req.Tool,
		"status":     resp.Status,
		"elapsed_ms": resp.ElapsedMS,
	}

	if resp.OK() {
		i.logger.Info(ctx, "envelope invoked",
			"trace_id", req.TraceID, "request_id", req.ID, "tool", req.Tool, "elapsed_ms", resp.ElapsedMS)
	} else {
		attrs["error_kind"] = resp.ErrorKind
		attrs["error"] = *resp.Error
		span.SetStatus(codes.Error, *resp.Error)
		span.SetAttributes(attribute.String("warden.envelope.error_kind", resp.ErrorKind))
		i.logger.Warn(ctx, "envelope failed",
			"trace_id", req.TraceID, "request_id", req.ID, "tool", req.Tool,
			"error_kind", resp.ErrorKind, "error", *resp.Error, "elapsed_ms", resp.ElapsedMS)
	}

	i.sink.Emit(ctx, events.New(events.InvokeEnd, req.TraceID, attrs))

	if i.hooks.OnInvoke != nil {
		i.hooks.OnInvoke(req.Tool, resp.Status, resp.ErrorKind, resp.ElapsedMS/1000)
	}
}
