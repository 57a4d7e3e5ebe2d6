package incidentapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/warden/internal/a2a"
	"github.com/linnemanlabs/warden/internal/agenterr"
	"github.com/linnemanlabs/warden/internal/agents"
	"github.com/linnemanlabs/warden/internal/jobs"
)

// Job types accepted by POST /jobs.
const (
	JobRunbookSimulation = "runbook_simulation"
	JobIncidentFlow      = "incident_flow"
)

type startJobRequest struct {
	JobType  string          `json:"job_type"`
	ID       string          `json:"id,omitempty"`
	Payload  json.RawMessage `json:"payload"`
	Metadata map[string]any  `json:"metadata,omitempty"`
}

type simulationPayload struct {
	IncidentID string        `json:"incident_id"`
	Steps      []agents.Step `json:"steps"`
}

func (a *API) handleStartJob(w http.ResponseWriter, r *http.Request) {
	var body startJobRequest
	if err := decode(w, r, &body); err != nil {
		a.writeError(w, r, err)
		return
	}

	unit, meta, err := a.jobUnit(r.Context(), body)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	for k, v := range body.Metadata {
		if _, set := meta[k]; !set {
			meta[k] = v
		}
	}

	id, err := a.svc.Jobs.Start(r.Context(), unit, jobs.StartOptions{ID: body.ID, Metadata: meta})
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	trace.SpanFromContext(r.Context()).SetAttributes(attribute.String("warden.job.id", id))

	rec, err := a.svc.Jobs.Get(r.Context(), id)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, rec)
}

// jobUnit builds the unit of work for a job request.
func (a *API) jobUnit(ctx context.Context, body startJobRequest) (jobs.Unit, map[string]any, error) {
	if len(body.Payload) == 0 {
		return jobs.Unit{}, nil, fmt.Errorf("%w: payload is required", agenterr.ErrValidation)
	}
	switch body.JobType {
	case JobRunbookSimulation:
		var p simulationPayload
		if err := json.Unmarshal(body.Payload, &p); err != nil {
			return jobs.Unit{}, nil, fmt.Errorf("%w: decode payload: %w", agenterr.ErrValidation, err)
		}
		unit, err := a.svc.Flows.SimulationJob(p.IncidentID, p.Steps)
		if err != nil {
			return jobs.Unit{}, nil, err
		}
		return unit, map[string]any{"kind": JobRunbookSimulation, "incident_id": p.IncidentID}, nil

	case JobIncidentFlow:
		var inc a2a.Incident
		if err := json.Unmarshal(body.Payload, &inc); err != nil {
			return jobs.Unit{}, nil, fmt.Errorf("%w: decode payload: %w", agenterr.ErrValidation, err)
		}
		unit, t, err := a.svc.Flows.Flow(ctx, inc)
		if err != nil {
			return jobs.Unit{}, nil, err
		}
		return unit, map[string]any{"kind": JobIncidentFlow, "trace_id": t.ID, "incident_id": t.IncidentID}, nil

	default:
		return jobs.Unit{}, nil, fmt.Errorf("%w: unknown job type %q", agenterr.ErrValidation, body.JobType)
	}
}

func (a *API) handleListJobs(w http.ResponseWriter, r *http.Request) {
	limit, err := queryLimit(r)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	recs, err := a.svc.Jobs.List(r.Context(), jobs.Status(r.URL.Query().Get("status")), limit)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	if recs == nil {
		recs = []*jobs.Record{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": recs, "count": len(recs)})
}

func (a *API) handleGetJob(w http.ResponseWriter, r *http.Request) {
	a.jobAction(w, r, a.svc.Jobs.Get)
}

func (a *API) handlePauseJob(w http.ResponseWriter, r *http.Request) {
	a.jobAction(w, r, a.svc.Jobs.Pause)
}

func (a *API) handleResumeJob(w http.ResponseWriter, r *http.Request) {
	a.jobAction(w, r, a.svc.Jobs.Resume)
}

func (a *API) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	a.jobAction(w, r, a.svc.Jobs.Cancel)
}

// jobAction runs fn on the job named in the path and answers with the
// resulting record.
func (a *API) jobAction(w http.ResponseWriter, r *http.Request, fn func(ctx context.Context, id string) (*jobs.Record, error)) {
	id := chi.URLParam(r, "id")

	span := trace.SpanFromContext(r.Context())
	span.SetAttributes(attribute.String("warden.job.id", id))

	rec, err := fn(r.Context(), id)
	if err != nil {
		a.writeError(w, r, err)
		return
	}

	span.SetAttributes(attribute.String("warden.job.status", string(rec.Status)))
	writeJSON(w, http.StatusOK, rec)
}
