package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/warden/internal/agenterr"
)

var defaultSchema = json.RawMessage(`{"type":"object"}`)

// FuncTool adapts a typed function into a Tool. Params are decoded onto In
// by JSON field name; unknown fields are rejected as validation errors.
// Errors and panics from the function come back as agenterr.ErrToolFailure
// unless the function already returned a known kind.
type FuncTool[In, Out any] struct {
	ToolName string
	Desc     string
	Schema   json.RawMessage

	sync bool
	fn   func(context.Context, In) (Out, error)
}

// WrapSync adapts a blocking function that takes no context. The envelope
// still bounds the caller's wait; the function itself runs to completion.
func WrapSync[In, Out any](name, description string, fn func(In) (Out, error)) *FuncTool[In, Out] {
	return &FuncTool[In, Out]{
		ToolName: name,
		Desc:     description,
		sync:     true,
		fn: func(_ context.Context, in In) (Out, error) {
			return fn(in)
		},
	}
}

// Wrap adapts a context-aware function.
func Wrap[In, Out any](name, description string, fn func(context.Context, In) (Out, error)) *FuncTool[In, Out] {
	return &FuncTool[In, Out]{ToolName: name, Desc: description, fn: fn}
}

// WithSchema sets the advertised JSON schema.
func (f *FuncTool[In, Out]) WithSchema(schema string) *FuncTool[In, Out] {
	f.Schema = json.RawMessage(schema)
	return f
}

// Name implements Tool.
func (f *FuncTool[In, Out]) Name() string { return f.ToolName }

// Description implements Tool.
func (f *FuncTool[In, Out]) Description() string { return f.Desc }

// Synchronous reports whether the tool was built with WrapSync.
func (f *FuncTool[In, Out]) Synchronous() bool { return f.sync }

// Parameters implements Tool.
func (f *FuncTool[In, Out]) Parameters() json.RawMessage {
	if len(f.Schema) == 0 {
		return defaultSchema
	}
	return f.Schema
}

// Execute implements Tool.
func (f *FuncTool[In, Out]) Execute(ctx context.Context, params json.RawMessage) (out json.RawMessage, err error) {
	in, err := decodeParams[In](params)
	if err != nil {
		return nil, err
	}

	// The stack goes to the log only; callers see a one-line error.
	defer func() {
		if r := recover(); r != nil {
			out = nil
			err = fmt.Errorf("%w: panic: %v", agenterr.ErrToolFailure, r)
			log.FromContext(ctx).Error(ctx, err, "tool panicked", "tool", f.ToolName, "stack", string(debug.Stack()))
		}
	}()

	res, err := f.fn(ctx, in)
	if err != nil {
		if agenterr.Kind(err) == agenterr.KindInternal {
			err = fmt.Errorf("%w: %w", agenterr.ErrToolFailure, err)
		}
		return nil, err
	}

	b, err := json.Marshal(res)
	if err != nil {
		return nil, fmt.Errorf("%w: encode result: %w", agenterr.ErrToolFailure, err)
	}
	return b, nil
}

func decodeParams[In any](params json.RawMessage) (In, error) {
	var in In
	trimmed := bytes.TrimSpace(params)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return in, nil
	}
	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&in); err != nil {
		var syn *json.SyntaxError
		if errors.As(err, &syn) {
			return in, fmt.Errorf("%w: invalid params: %w", agenterr.ErrValidation, err)
		}
		return in, fmt.Errorf("%w: params do not match: %w", agenterr.ErrValidation, err)
	}
	return in, nil
}
