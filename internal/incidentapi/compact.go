package incidentapi

import (
	"net/http"

	"github.com/linnemanlabs/warden/internal/compactor"
	"github.com/linnemanlabs/warden/internal/eval"
)

type compactRequest struct {
	Messages  []string `json:"messages"`
	MaxTokens int      `json:"max_tokens,omitempty"`
	// SessionID routes through the per-session cache when set.
	SessionID string `json:"session_id,omitempty"`
}

func (a *API) handleCompact(w http.ResponseWriter, r *http.Request) {
	var req compactRequest
	if err := decode(w, r, &req); err != nil {
		a.writeError(w, r, err)
		return
	}

	var (
		chunk compactor.Chunk
		err   error
	)
	if req.SessionID != "" {
		chunk, err = a.svc.Compactor.SummarizeIfNeeded(r.Context(), req.SessionID, req.Messages, req.MaxTokens)
	} else {
		maxTokens := req.MaxTokens
		if maxTokens <= 0 {
			maxTokens = compactor.DefaultMaxTokens
		}
		chunk, err = a.svc.Compactor.Compact(r.Context(), req.Messages, maxTokens)
	}
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, chunk)
}

type evaluateRequest struct {
	Output    eval.Output  `json:"output"`
	Reference *eval.Output `json:"reference,omitempty"`
}

func (a *API) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	var req evaluateRequest
	if err := decode(w, r, &req); err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a.svc.Eval.EvaluatePipelineOutput(r.Context(), req.Output, req.Reference))
}

// handleMetrics serves get_metrics_snapshot. The snapshot is read without
// taking any lock.
func (a *API) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.svc.Eval.Snapshot())
}
