// Package incidentapi exposes the envelope, flow, job, memory, compaction
// and evaluation operations over HTTP. Handlers parse requests, call straight
// through to the component and map its error kind onto a status code.
package incidentapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"

	"github.com/linnemanlabs/warden/internal/a2a"
	"github.com/linnemanlabs/warden/internal/agenterr"
	"github.com/linnemanlabs/warden/internal/agents"
	"github.com/linnemanlabs/warden/internal/compactor"
	"github.com/linnemanlabs/warden/internal/envelope"
	"github.com/linnemanlabs/warden/internal/eval"
	"github.com/linnemanlabs/warden/internal/jobs"
	"github.com/linnemanlabs/warden/internal/memory"
	"github.com/linnemanlabs/warden/internal/tools"
)

// maxBodyBytes bounds every request body.
const maxBodyBytes = 1 << 20

// Invoker dispatches envelopes by tool name.
type Invoker interface {
	InvokeByName(ctx context.Context, req envelope.Request) *envelope.Response
}

// Flows runs and reads incident traces.
type Flows interface {
	Run(ctx context.Context, inc a2a.Incident) (*a2a.Trace, error)
	Flow(ctx context.Context, inc a2a.Incident) (jobs.Unit, *a2a.Trace, error)
	SimulationJob(incidentID string, steps []agents.Step) (jobs.Unit, error)
	Trace(ctx context.Context, id string) (*a2a.Trace, error)
	Traces(ctx context.Context, limit int) ([]*a2a.Trace, error)
}

// Jobs starts and steers background jobs.
type Jobs interface {
	Start(ctx context.Context, unit jobs.Unit, opts jobs.StartOptions) (string, error)
	Get(ctx context.Context, id string) (*jobs.Record, error)
	List(ctx context.Context, status jobs.Status, limit int) ([]*jobs.Record, error)
	Pause(ctx context.Context, id string) (*jobs.Record, error)
	Resume(ctx context.Context, id string) (*jobs.Record, error)
	Cancel(ctx context.Context, id string) (*jobs.Record, error)
}

// Memory stores and retrieves memories.
type Memory interface {
	Store(ctx context.Context, it memory.Item) (string, error)
	Retrieve(ctx context.Context, query string, k int, opts memory.RetrieveOptions) []memory.Match
	Get(ctx context.Context, id string) (*memory.Item, error)
	Delete(ctx context.Context, id string) error
}

// Compactor shrinks conversation histories.
type Compactor interface {
	Compact(ctx context.Context, messages []string, maxTokens int) (compactor.Chunk, error)
	SummarizeIfNeeded(ctx context.Context, sessionID string, messages []string, maxTokens int) (compactor.Chunk, error)
}

// Evaluator scores runbooks and serves the metrics snapshot.
type Evaluator interface {
	EvaluatePipelineOutput(ctx context.Context, out eval.Output, ref *eval.Output) eval.Result
	Snapshot() *eval.Snapshot
}

// ToolLister lists registered tools.
type ToolLister interface {
	ToToolDefs() []tools.ToolDef
}

// Services are the components the API calls through to. All are required.
type Services struct {
	Invoker   Invoker
	Flows     Flows
	Jobs      Jobs
	Memory    Memory
	Compactor Compactor
	Eval      Evaluator
	Tools     ToolLister
}

// API holds dependencies for HTTP handlers.
type API struct {
	logger log.Logger
	svc    Services
}

// New creates a new API handler.
func New(logger log.Logger, svc Services) *API {
	if logger == nil {
		logger = log.Nop()
	}
	switch {
	case svc.Invoker == nil:
		panic(xerrors.New("envelope invoker is required"))
	case svc.Flows == nil:
		panic(xerrors.New("orchestrator is required"))
	case svc.Jobs == nil:
		panic(xerrors.New("job manager is required"))
	case svc.Memory == nil:
		panic(xerrors.New("memory bank is required"))
	case svc.Compactor == nil:
		panic(xerrors.New("compactor is required"))
	case svc.Eval == nil:
		panic(xerrors.New("evaluation harness is required"))
	case svc.Tools == nil:
		panic(xerrors.New("tool registry is required"))
	}
	return &API{
		logger: logger,
		svc:    svc,
	}
}

// RegisterRoutes attaches API endpoints to the router.
func (a *API) RegisterRoutes(r chi.Router) {
	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/envelopes", a.handleInvoke)
		r.Post("/envelopes/batch", a.handleInvokeBatch)
		r.Get("/tools", a.handleListTools)

		r.Post("/flows", a.handleRunFlow)
		r.Get("/traces", a.handleListTraces)
		r.Get("/traces/{id}", a.handleGetTrace)

		r.Post("/jobs", a.handleStartJob)
		r.Get("/jobs", a.handleListJobs)
		r.Get("/jobs/{id}", a.handleGetJob)
		r.Post("/jobs/{id}/pause", a.handlePauseJob)
		r.Post("/jobs/{id}/resume", a.handleResumeJob)
		r.Post("/jobs/{id}/cancel", a.handleCancelJob)

		r.Post("/memories", a.handleStoreMemory)
		r.Post("/memories/search", a.handleSearchMemories)
		r.Get("/memories/{id}", a.handleGetMemory)
		r.Delete("/memories/{id}", a.handleDeleteMemory)

		r.Post("/context/compact", a.handleCompact)

		r.Post("/evaluations", a.handleEvaluate)
		r.Get("/metrics", a.handleMetrics)
	})
}

// decode reads a JSON body into v. Unknown fields are rejected.
func decode(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: decode body: %w", agenterr.ErrValidation, err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError answers with the status for err's kind. Internal errors are
// logged and their message withheld.
func (a *API) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := agenterr.HTTPStatus(err)
	kind := agenterr.Kind(err)
	msg := err.Error()
	if kind == agenterr.KindInternal {
		a.logger.Error(r.Context(), err, "request failed", "path", r.URL.Path)
		msg = "internal error"
	}
	writeJSON(w, status, map[string]string{"error": msg, "kind": kind})
}

// queryLimit parses ?limit=, returning 0 when absent.
func queryLimit(r *http.Request) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%w: limit must be a non-negative integer", agenterr.ErrValidation)
	}
	return n, nil
}
