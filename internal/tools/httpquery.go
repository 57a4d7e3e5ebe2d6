package tools

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"time"

	"github.com/linnemanlabs/warden/internal/agenterr"
)

const (
	maxResponseBytes = 5 << 20 // 5 MB
	successStatus    = "success"
)

// queryBackend is the HTTP plumbing shared by the Prometheus and Loki tools.
type queryBackend struct {
	endpoint   string
	tenantID   string
	httpClient *http.Client
}

func newQueryBackend(endpoint, tenantID string) queryBackend {
	return queryBackend{
		endpoint:   endpoint,
		tenantID:   tenantID,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// get issues GET endpoint/apiPath?values and returns the body of a 200 answer.
func (b queryBackend) get(ctx context.Context, apiPath string, values url.Values) ([]byte, error) {
	u, err := url.Parse(b.endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid endpoint: %w", err)
	}
	u.Path = path.Join(u.Path, apiPath)
	u.RawQuery = values.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if b.tenantID != "" {
		req.Header.Set("X-Scope-OrgID", b.tenantID)
	}

	resp, err := b.httpClient.Do(req) //nolint:gosec // G704 - endpoint is set at construction from config; caller inputs are query-string encoded.
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", agenterr.ErrBackendUnavailable, apiPath, err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%s returned %d: %s", apiPath, resp.StatusCode, string(body))
	}
	return body, nil
}
