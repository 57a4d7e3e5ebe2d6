// Package envelope implements the uniform tool-invocation contract: every
// agent or tool call is described by a Request, dispatched under a hard
// deadline, and answered with exactly one Response whose result has been
// normalized to an object and scrubbed of secret-looking keys.
package envelope

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/linnemanlabs/warden/internal/agenterr"
)

const (
	// DefaultTimeout applies when a request carries no timeout.
	DefaultTimeout = 20 * time.Second

	// MaxToolNameLen bounds Request.Tool.
	MaxToolNameLen = 100

	StatusOK    = "ok"
	StatusError = "error"
)

// Request describes one tool invocation.
type Request struct {
	ID        string         `json:"id"`
	Tool      string         `json:"tool_name"`
	Inputs    map[string]any `json:"inputs"`
	FromAgent string         `json:"from_agent"`
	ToAgent   string         `json:"to_agent"`
	TraceID   string         `json:"trace_id"`
	Metadata  map[string]any `json:"metadata,omitempty"`

	// TimeoutMS bounds the call. Zero means the invoker default; negative is invalid.
	TimeoutMS int64 `json:"timeout_ms,omitempty"`
}

// Timeout returns the requested timeout as a duration.
func (r *Request) Timeout() time.Duration {
	return time.Duration(r.TimeoutMS) * time.Millisecond
}

// Response is the outcome of one invocation. Exactly one of Result and
// Error is non-nil; Status is StatusOK iff Result is set.
type Response struct {
	ID        string         `json:"id"`
	Status    string         `json:"status"`
	Result    map[string]any `json:"result"`
	Error     *string        `json:"error"`
	ErrorKind string         `json:"error_kind,omitempty"`
	TraceID   string         `json:"trace_id"`
	ElapsedMS float64        `json:"elapsed_ms"`
}

// OK reports whether the call succeeded.
func (r *Response) OK() bool {
	return r.Status == StatusOK
}

// Err rebuilds a Go error from an error response, wrapping the sentinel
// matching ErrorKind. It returns nil for successful responses.
func (r *Response) Err() error {
	if r.OK() {
		return nil
	}
	msg := ""
	if r.Error != nil {
		msg = *r.Error
	}
	if sentinel := agenterr.FromKind(r.ErrorKind); sentinel != nil {
		return fmt.Errorf("%w: %s", sentinel, msg)
	}
	return errors.New(msg)
}

// Decode copies the result object into v by JSON field name.
func (r *Response) Decode(v any) error {
	if !r.OK() {
		return r.Err()
	}
	b, err := json.Marshal(r.Result)
	if err != nil {
		return fmt.Errorf("encode result: %w", err)
	}
	if err := json.Unmarshal(b, v); err != nil {
		return fmt.Errorf("%w: decode result: %w", agenterr.ErrToolFailure, err)
	}
	return nil
}

func okResponse(req *Request, result map[string]any, elapsed time.Duration) *Response {
	return &Response{
		ID:        req.ID,
		Status:    StatusOK,
		Result:    result,
		TraceID:   req.TraceID,
		ElapsedMS: float64(elapsed) / float64(time.Millisecond),
	}
}

func errResponse(req *Request, err error, elapsed time.Duration) *Response {
	msg := err.Error()
	return &Response{
		ID:        req.ID,
		Status:    StatusError,
		Error:     &msg,
		ErrorKind: agenterr.Kind(err),
		TraceID:   req.TraceID,
		ElapsedMS: float64(elapsed) / float64(time.Millisecond),
	}
}
