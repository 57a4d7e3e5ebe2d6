package agenterr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestKind(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want string
	}{
		{"nil", nil, ""},
		{"validation", ErrValidation, KindValidation},
		{"wrapped not found", fmt.Errorf("tool %q: %w", "x", ErrNotFound), KindNotFound},
		{"timeout", ErrTimeout, KindTimeout},
		{"tool failure", fmt.Errorf("boom: %w", ErrToolFailure), KindToolFailure},
		{"backend", ErrBackendUnavailable, KindBackendUnavailable},
		{"policy", ErrPolicyRejection, KindPolicyRejection},
		{"cancelled", fmt.Errorf("flow: %w", ErrCancelled), KindCancelled},
		{"unknown", errors.New("other"), KindInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := Kind(tt.err); got != tt.want {
				t.Errorf("Kind(%v) = %q, want %q", tt.err, got, tt.want)
			}
		})
	}
}

func TestFromKind_RoundTrip(t *testing.T) {
	t.Parallel()

	for _, k := range []string{KindValidation, KindNotFound, KindTimeout, KindToolFailure, KindBackendUnavailable, KindPolicyRejection, KindCancelled} {
		if got := Kind(FromKind(k)); got != k {
			t.Errorf("Kind(FromKind(%q)) = %q", k, got)
		}
	}
	if FromKind("bogus") != nil {
		t.Error("FromKind(bogus) should be nil")
	}
}

func TestHTTPStatus(t *testing.T) {
	t.Parallel()

	tests := []struct {
		err  error
		want int
	}{
		{nil, http.StatusOK},
		{ErrValidation, http.StatusBadRequest},
		{ErrNotFound, http.StatusNotFound},
		{ErrTimeout, http.StatusGatewayTimeout},
		{ErrBackendUnavailable, http.StatusServiceUnavailable},
		{ErrCancelled, http.StatusConflict},
		{errors.New("x"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := HTTPStatus(tt.err); got != tt.want {
			t.Errorf("HTTPStatus(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}
