// Package agenterr defines the error kinds shared by the envelope, the
// orchestrator, the memory bank and the job manager.
package agenterr

import (
	"errors"
	"net/http"
)

var (
	// ErrValidation marks malformed input. Terminal for the call.
	ErrValidation = errors.New("validation error")

	// ErrNotFound marks an unknown tool, job, trace or memory id.
	ErrNotFound = errors.New("not found")

	// ErrTimeout marks an invocation that exceeded its deadline.
	ErrTimeout = errors.New("timeout")

	// ErrToolFailure marks a tool that returned an error or panicked.
	ErrToolFailure = errors.New("tool failure")

	// ErrBackendUnavailable marks an unreachable embedding, vector, kv or summarizer backend.
	ErrBackendUnavailable = errors.New("backend unavailable")

	// ErrPolicyRejection marks a runbook rejected by policy after the rewrite budget was spent.
	ErrPolicyRejection = errors.New("policy rejection")

	// ErrCancelled marks work stopped by an explicit cancel request.
	ErrCancelled = errors.New("cancelled")
)

// Kind values carried on envelope responses and timeline entries.
const (
	KindValidation         = "validation"
	KindNotFound           = "not_found"
	KindTimeout            = "timeout"
	KindToolFailure        = "tool_failure"
	KindBackendUnavailable = "backend_unavailable"
	KindPolicyRejection    = "policy_rejection"
	KindCancelled          = "cancelled"
	KindInternal           = "internal"
)

// Kind maps err onto its wire kind. Nil maps to "".
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrValidation):
		return KindValidation
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrTimeout):
		return KindTimeout
	case errors.Is(err, ErrToolFailure):
		return KindToolFailure
	case errors.Is(err, ErrBackendUnavailable):
		return KindBackendUnavailable
	case errors.Is(err, ErrPolicyRejection):
		return KindPolicyRejection
	case errors.Is(err, ErrCancelled):
		return KindCancelled
	default:
		return KindInternal
	}
}

// FromKind returns the sentinel for a wire kind, or nil when the kind is unknown.
func FromKind(kind string) error {
	switch kind {
	case KindValidation:
		return ErrValidation
	case KindNotFound:
		return ErrNotFound
	case KindTimeout:
		return ErrTimeout
	case KindToolFailure:
		return ErrToolFailure
	case KindBackendUnavailable:
		return ErrBackendUnavailable
	case KindPolicyRejection:
		return ErrPolicyRejection
	case KindCancelled:
		return ErrCancelled
	default:
		return nil
	}
}

// HTTPStatus maps err onto the status code the API answers with.
func HTTPStatus(err error) int {
	switch Kind(err) {
	case "":
		return http.StatusOK
	case KindValidation:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindTimeout:
		return http.StatusGatewayTimeout
	case KindToolFailure:
		return http.StatusBadGateway
	case KindBackendUnavailable:
		return http.StatusServiceUnavailable
	case KindPolicyRejection:
		return http.StatusUnprocessableEntity
	case KindCancelled:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
