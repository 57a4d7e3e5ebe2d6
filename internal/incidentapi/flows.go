package incidentapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/warden/internal/a2a"
	"github.com/linnemanlabs/warden/internal/jobs"
)

// handleRunFlow runs an incident through the pipeline. With ?mode=async the
// flow is started as a job and the call answers 202 with the job and trace
// ids. Otherwise it blocks and returns the trace; an aborted flow is still a
// 200 since the trace records where and why it stopped.
func (a *API) handleRunFlow(w http.ResponseWriter, r *http.Request) {
	var inc a2a.Incident
	if err := decode(w, r, &inc); err != nil {
		a.writeError(w, r, err)
		return
	}

	span := trace.SpanFromContext(r.Context())

	if r.URL.Query().Get("mode") == "async" {
		unit, t, err := a.svc.Flows.Flow(r.Context(), inc)
		if err != nil {
			a.writeError(w, r, err)
			return
		}
		span.SetAttributes(attribute.String("warden.trace.id", t.ID))

		jobID, err := a.svc.Jobs.Start(r.Context(), unit, jobs.StartOptions{
			Metadata: map[string]any{"kind": "incident_flow", "trace_id": t.ID, "incident_id": t.IncidentID},
		})
		if err != nil {
			a.writeError(w, r, err)
			return
		}
		a.logger.Info(r.Context(), "flow started as job", "job_id", jobID, "trace_id", t.ID)
		writeJSON(w, http.StatusAccepted, map[string]any{
			"job_id":      jobID,
			"trace_id":    t.ID,
			"incident_id": t.IncidentID,
		})
		return
	}

	t, err := a.svc.Flows.Run(r.Context(), inc)
	if t == nil {
		a.writeError(w, r, err)
		return
	}
	span.SetAttributes(
		attribute.String("warden.trace.id", t.ID),
		attribute.String("warden.trace.state", string(t.State)),
	)
	writeJSON(w, http.StatusOK, t)
}

func (a *API) handleGetTrace(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	span := trace.SpanFromContext(r.Context())
	span.SetAttributes(attribute.String("warden.trace.id", id))

	t, err := a.svc.Flows.Trace(r.Context(), id)
	if err != nil {
		a.writeError(w, r, err)
		return
	}

	span.SetAttributes(attribute.String("warden.trace.state", string(t.State)))
	writeJSON(w, http.StatusOK, t)
}

func (a *API) handleListTraces(w http.ResponseWriter, r *http.Request) {
	limit, err := queryLimit(r)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	ts, err := a.svc.Flows.Traces(r.Context(), limit)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	if ts == nil {
		ts = []*a2a.Trace{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"traces": ts, "count": len(ts)})
}
