package incidentapi

import (
	"fmt"
	"net/http"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/linnemanlabs/warden/internal/agenterr"
	"github.com/linnemanlabs/warden/internal/envelope"
)

const (
	// maxBatch bounds the envelopes in one batch request.
	maxBatch = 32
	// batchConcurrency bounds how many envelopes of a batch run at once.
	batchConcurrency = 4
)

type batchRequest struct {
	Requests []envelope.Request `json:"requests"`
}

type batchResponse struct {
	Responses []*envelope.Response `json:"responses"`
	Total     int                  `json:"total"`
	Succeeded int                  `json:"succeeded"`
	Failed    int                  `json:"failed"`
}

// handleInvoke dispatches one envelope. The body is always the envelope
// response; the status code follows its error kind.
func (a *API) handleInvoke(w http.ResponseWriter, r *http.Request) {
	var req envelope.Request
	if err := decode(w, r, &req); err != nil {
		a.writeError(w, r, err)
		return
	}

	span := trace.SpanFromContext(r.Context())
	span.SetAttributes(attribute.String("warden.envelope.tool", req.Tool))

	resp := a.svc.Invoker.InvokeByName(r.Context(), req)

	span.SetAttributes(attribute.String("warden.envelope.status", resp.Status))
	writeJSON(w, agenterr.HTTPStatus(resp.Err()), resp)
}

// handleInvokeBatch dispatches up to maxBatch envelopes with bounded
// concurrency. Responses keep request order and the call answers 200 even
// when individual envelopes fail.
func (a *API) handleInvokeBatch(w http.ResponseWriter, r *http.Request) {
	var body batchRequest
	if err := decode(w, r, &body); err != nil {
		a.writeError(w, r, err)
		return
	}
	if len(body.Requests) == 0 || len(body.Requests) > maxBatch {
		a.writeError(w, r, fmt.Errorf("%w: batch must hold 1 to %d requests", agenterr.ErrValidation, maxBatch))
		return
	}

	out := batchResponse{
		Responses: make([]*envelope.Response, len(body.Requests)),
		Total:     len(body.Requests),
	}
	var g errgroup.Group
	g.SetLimit(batchConcurrency)
	for i, req := range body.Requests {
		g.Go(func() error {
			out.Responses[i] = a.svc.Invoker.InvokeByName(r.Context(), req)
			return nil
		})
	}
	_ = g.Wait()

	for _, resp := range out.Responses {
		if resp.OK() {
			out.Succeeded++
		}
	}
	out.Failed = out.Total - out.Succeeded
	writeJSON(w, http.StatusOK, out)
}

func (a *API) handleListTools(w http.ResponseWriter, _ *http.Request) {
	defs := a.svc.Tools.ToToolDefs()
	writeJSON(w, http.StatusOK, map[string]any{"tools": defs, "count": len(defs)})
}
