package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"time"

	"github.com/linnemanlabs/warden/internal/agenterr"
)

const (
	maxInstantResults = 50
	maxRangeResults   = 20
	defaultRangeStep  = "300" // 5m
)

// PrometheusQuery runs PromQL against Prometheus or Mimir. With a start time
// it issues a range query, otherwise an instant query.
type PrometheusQuery struct {
	backend queryBackend
}

type promInput struct {
	Query string `json:"query"`
	Time  string `json:"time,omitempty"`
	Start string `json:"start,omitempty"`
	End   string `json:"end,omitempty"`
	Step  string `json:"step,omitempty"`
}

type promResponse struct {
	Status string `json:"status"`
	Data   struct {
		ResultType string            `json:"resultType"`
		Result     []json.RawMessage `json:"result"`
	} `json:"data"`
}

// NewPrometheusQuery creates the query_metrics tool.
func NewPrometheusQuery(endpoint, tenantID string) *PrometheusQuery {
	return &PrometheusQuery{backend: newQueryBackend(endpoint, tenantID)}
}

func (p *PrometheusQuery) Name() string { return "query_metrics" }

func (p *PrometheusQuery) Description() string {
	return `Query Prometheus/Mimir metrics using PromQL while investigating an incident.
Omit start for an instant query at "time" (default now). Provide start (and optionally end, step)
for a range query that shows how a metric moved around the incident window.`
}

func (p *PrometheusQuery) Parameters() json.RawMessage {
	return json.RawMessage(`{
        "type": "object",
        "properties": {
            "query": {"type": "string", "description": "PromQL query expression"},
            "time":  {"type": "string", "description": "Instant evaluation timestamp (RFC3339). Omit for now."},
            "start": {"type": "string", "description": "Range start (RFC3339). Turns this into a range query."},
            "end":   {"type": "string", "description": "Range end (RFC3339). Defaults to now."},
            "step":  {"type": "string", "description": "Range resolution step (e.g. 60s, 5m). Default 5m."}
        },
        "required": ["query"]
    }`)
}

func (p *PrometheusQuery) Execute(ctx context.Context, params json.RawMessage) (json.RawMessage, error) {
	var input promInput
	if err := json.Unmarshal(params, &input); err != nil {
		return nil, fmt.Errorf("%w: invalid params: %w", agenterr.ErrValidation, err)
	}
	if input.Query == "" {
		return nil, fmt.Errorf("%w: query is required", agenterr.ErrValidation)
	}

	q := url.Values{}
	q.Set("query", input.Query)

	apiPath := "api/v1/query"
	limit := maxInstantResults
	if input.Start != "" {
		apiPath = "api/v1/query_range"
		limit = maxRangeResults
		q.Set("start", input.Start)
		end := input.End
		if end == "" {
			end = time.Now().UTC().Format(time.RFC3339)
		}
		q.Set("end", end)
		step := input.Step
		if step == "" {
			step = defaultRangeStep
		}
		q.Set("step", step)
	} else if input.Time != "" {
		q.Set("time", input.Time)
	}

	body, err := p.backend.get(ctx, apiPath, q)
	if err != nil {
		return nil, fmt.Errorf("prometheus query failed: %w", err)
	}

	var resp promResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return body, nil // return raw if we can't parse
	}
	if resp.Status != successStatus {
		return nil, fmt.Errorf("prometheus query failed: %s", string(body))
	}

	// cap results so a broad selector does not flood the caller
	results := resp.Data.Result
	truncated := false
	if len(results) > limit {
		results = results[:limit]
		truncated = true
	}

	return json.Marshal(map[string]any{
		"result_type":  resp.Data.ResultType,
		"result_count": len(resp.Data.Result),
		"results":      results,
		"truncated":    truncated,
	})
}
