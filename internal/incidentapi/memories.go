package incidentapi

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/linnemanlabs/warden/internal/agenterr"
	"github.com/linnemanlabs/warden/internal/memory"
)

type searchRequest struct {
	Query     string `json:"query"`
	K         int    `json:"k,omitempty"`
	TraceID   string `json:"trace_id,omitempty"`
	Kind      string `json:"kind,omitempty"`
	SessionID string `json:"session_id,omitempty"`
}

func (a *API) handleStoreMemory(w http.ResponseWriter, r *http.Request) {
	var it memory.Item
	if err := decode(w, r, &it); err != nil {
		a.writeError(w, r, err)
		return
	}
	id, err := a.svc.Memory.Store(r.Context(), it)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": id})
}

// handleSearchMemories answers retrieve_similar. An unavailable backend
// yields an empty result, not an error.
func (a *API) handleSearchMemories(w http.ResponseWriter, r *http.Request) {
	var req searchRequest
	if err := decode(w, r, &req); err != nil {
		a.writeError(w, r, err)
		return
	}
	if strings.TrimSpace(req.Query) == "" {
		a.writeError(w, r, fmt.Errorf("%w: query is required", agenterr.ErrValidation))
		return
	}

	matches := a.svc.Memory.Retrieve(r.Context(), req.Query, req.K, memory.RetrieveOptions{
		TraceID:   req.TraceID,
		Kind:      req.Kind,
		SessionID: req.SessionID,
	})
	if matches == nil {
		matches = []memory.Match{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"query": req.Query, "results": matches, "count": len(matches)})
}

func (a *API) handleGetMemory(w http.ResponseWriter, r *http.Request) {
	it, err := a.svc.Memory.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, it)
}

func (a *API) handleDeleteMemory(w http.ResponseWriter, r *http.Request) {
	if err := a.svc.Memory.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		a.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
