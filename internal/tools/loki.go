package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/linnemanlabs/warden/internal/agenterr"
)

const (
	defaultLokiLimit = 100
	maxLokiLimit     = 500
	maxLokiRange     = 6 * time.Hour
)

// LokiQuery queries Loki for log entries matching a LogQL expression.
type LokiQuery struct {
	backend queryBackend
}

type lokiInput struct {
	Query string `json:"query"`
	Start string `json:"start,omitempty"`
	End   string `json:"end,omitempty"`
	Limit int    `json:"limit,omitempty"`
}

type logLine struct {
	Timestamp string            `json:"ts"`
	Line      string            `json:"line"`
	Labels    map[string]string `json:"labels,omitempty"`
}

type lokiStream struct {
	Stream map[string]string `json:"stream"`
	Values [][]string        `json:"values"`
}

type lokiResponse struct {
	Status string `json:"status"`
	Data   struct {
		ResultType string       `json:"resultType"`
		Result     []lokiStream `json:"result"`
	} `json:"data"`
}

// NewLokiQuery creates the query_logs tool.
func NewLokiQuery(endpoint, tenantID string) *LokiQuery {
	return &LokiQuery{backend: newQueryBackend(endpoint, tenantID)}
}

// flattenStreams emits streams in order, stopping at limit lines. Labels are
// attached to the first line of each stream only.
func flattenStreams(results []lokiStream, limit int) []logLine {
	lines := make([]logLine, 0, limit)
	for _, stream := range results {
		first := true
		for _, entry := range stream.Values {
			if len(entry) < 2 {
				continue
			}
			ll := logLine{Timestamp: entry[0], Line: entry[1]}
			if first {
				ll.Labels = stream.Stream
				first = false
			}
			lines = append(lines, ll)
			if len(lines) >= limit {
				return lines
			}
		}
	}
	return lines
}

// parseLokiInput validates params and fills defaults: last hour, limit 100
// (max 500), window capped at six hours ending at end.
func parseLokiInput(params json.RawMessage, now time.Time) (lokiInput, error) {
	var input lokiInput
	if err := json.Unmarshal(params, &input); err != nil {
		return input, fmt.Errorf("%w: invalid params: %w", agenterr.ErrValidation, err)
	}
	if input.Query == "" {
		return input, fmt.Errorf("%w: query is required", agenterr.ErrValidation)
	}

	switch {
	case input.Limit <= 0:
		input.Limit = defaultLokiLimit
	case input.Limit > maxLokiLimit:
		input.Limit = maxLokiLimit
	}

	if input.Start == "" {
		input.Start = now.Add(-time.Hour).Format(time.RFC3339Nano)
	}
	if input.End == "" {
		input.End = now.Format(time.RFC3339Nano)
	}

	startTime, errS := time.Parse(time.RFC3339, input.Start)
	endTime, errE := time.Parse(time.RFC3339, input.End)
	if errS == nil && errE == nil && endTime.Sub(startTime) > maxLokiRange {
		input.Start = endTime.Add(-maxLokiRange).Format(time.RFC3339Nano)
	}
	return input, nil
}

func (l *LokiQuery) Name() string { return "query_logs" }

func (l *LokiQuery) Description() string {
	return `Query Loki for log entries using LogQL. Use this to pull the log lines around an incident:
failed logins on a host, process spawns, outbound connections, service errors.

Common label selectors: {node="hostname"}, {job="systemd-journal"}, {service_name="sshd"}
Line filters: {node="hostname"} |= "Failed password" or {job="auditd"} |~ "execve|setuid"
Maximum query range is 6 hours per query. Prefer exact matches (|= "x") over regex.`
}

func (l *LokiQuery) Parameters() json.RawMessage {
	return json.RawMessage(`{
        "type": "object",
        "properties": {
            "query": {"type": "string", "description": "LogQL query expression. Example: {node=\"bastion-1\"} |= \"sudo\""},
            "start": {"type": "string", "description": "Start time (RFC3339). Defaults to 1 hour ago."},
            "end":   {"type": "string", "description": "End time (RFC3339). Defaults to now."},
            "limit": {"type": "integer", "description": "Maximum number of log lines. Default 100, max 500."}
        },
        "required": ["query"]
    }`)
}

func (l *LokiQuery) Execute(ctx context.Context, params json.RawMessage) (json.RawMessage, error) {
	input, err := parseLokiInput(params, time.Now().UTC())
	if err != nil {
		return nil, err
	}

	q := url.Values{}
	q.Set("query", input.Query)
	q.Set("start", input.Start)
	q.Set("end", input.End)
	q.Set("limit", strconv.Itoa(input.Limit))
	q.Set("direction", "backward")

	body, err := l.backend.get(ctx, "loki/api/v1/query_range", q)
	if err != nil {
		return nil, fmt.Errorf("loki query failed: %w", err)
	}

	var resp lokiResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return body, nil
	}
	if resp.Status != successStatus {
		return nil, fmt.Errorf("loki query failed: %s", string(body))
	}

	lines := flattenStreams(resp.Data.Result, input.Limit)
	return json.Marshal(map[string]any{
		"stream_count": len(resp.Data.Result),
		"line_count":   len(lines),
		"lines":        lines,
		"truncated":    len(lines) >= input.Limit,
	})
}
