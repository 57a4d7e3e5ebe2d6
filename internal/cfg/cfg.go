package cfg

import (
	"errors"
	"flag"
	"fmt"
	"strings"
)

// Config holds the application flags. go-core packages register their own.
type Config struct {
	DrainSeconds          int
	ShutdownBudgetSeconds int
	APIPort               int
	APIToken              string

	// EnvelopeTimeoutMS is the deadline for envelopes that carry none.
	EnvelopeTimeoutMS int
	// SimulatorDelayScale multiplies the simulate agent's per-risk delays.
	// Zero runs the dry run without sleeping.
	SimulatorDelayScale float64

	DatabaseURL string
	RedisURL    string

	OpenAIAPIKey       string
	OpenAIBaseURL      string
	EmbeddingModel     string
	EmbeddingDimension int

	ClaudeAPIKey string
	ClaudeModel  string

	PrometheusEndpoint string
	PrometheusTenantID string
	LokiEndpoint       string
	LokiTenantID       string

	SlackWebhookURL string
}

// RegisterFlags binds Config fields to the given FlagSet with defaults inline
func (c *Config) RegisterFlags(fs *flag.FlagSet) {
	fs.IntVar(&c.DrainSeconds, "drain-seconds", 60, "seconds to wait for in-flight requests to drain before shutdown (1..300)")
	fs.IntVar(&c.ShutdownBudgetSeconds, "shutdown-budget-seconds", 90, "total seconds for component shutdown after drain (1..300)")
	fs.IntVar(&c.APIPort, "http-port", 8080, "API listen TCP port (1..65535)")
	fs.StringVar(&c.APIToken, "api-token", "", "bearer token required on /api/v1 requests")
	fs.IntVar(&c.EnvelopeTimeoutMS, "envelope-timeout-ms", 20000, "default envelope deadline in milliseconds (1..600000)")
	fs.Float64Var(&c.SimulatorDelayScale, "simulator-delay-scale", 1, "multiplier for simulated step delays (0..10)")
	fs.StringVar(&c.DatabaseURL, "database-url", "", "PostgreSQL connection URL (empty = in-memory trace and vector stores)")
	fs.StringVar(&c.RedisURL, "redis-url", "", "Redis URL for job, telemetry and summary state (empty = in-memory)")
	fs.StringVar(&c.OpenAIAPIKey, "openai-api-key", "", "OpenAI API key for embeddings (empty = local hash embedder)")
	fs.StringVar(&c.OpenAIBaseURL, "openai-base-url", "", "override for the OpenAI-compatible embeddings endpoint")
	fs.StringVar(&c.EmbeddingModel, "embedding-model", "text-embedding-ada-002", "embedding model name")
	fs.IntVar(&c.EmbeddingDimension, "embedding-dimension", 1536, "embedding vector size (1..4096)")
	fs.StringVar(&c.ClaudeAPIKey, "claude-api-key", "", "API key for Claude (empty = template explanations, truncating compactor)")
	fs.StringVar(&c.ClaudeModel, "claude-model", "claude-sonnet-4-20250514", "Claude model to use")
	fs.StringVar(&c.PrometheusEndpoint, "prometheus-endpoint", "", "Prometheus endpoint for the query_metrics tool")
	fs.StringVar(&c.PrometheusTenantID, "prometheus-tenant-id", "", "Prometheus tenant ID for multi-tenant setups")
	fs.StringVar(&c.LokiEndpoint, "loki-endpoint", "", "Loki endpoint for the query_logs tool")
	fs.StringVar(&c.LokiTenantID, "loki-tenant-id", "", "Loki tenant ID for multi-tenant setups")
	fs.StringVar(&c.SlackWebhookURL, "slack-webhook-url", "", "Slack webhook URL for finished and aborted flows")
}

// Validate checks all configuration fields for correctness.
// It returns an error if any field is invalid, or nil if all fields are valid.
func (c *Config) Validate() error {
	var errs []error

	// Drain and shutdown budgets
	if c.DrainSeconds <= 0 || c.DrainSeconds > 300 {
		errs = append(errs, fmt.Errorf("invalid DRAIN_SECONDS %d (must be 1..300)", c.DrainSeconds))
	}
	if c.ShutdownBudgetSeconds <= 0 || c.ShutdownBudgetSeconds > 300 {
		errs = append(errs, fmt.Errorf("invalid SHUTDOWN_BUDGET_SECONDS %d (must be 1..300)", c.ShutdownBudgetSeconds))
	}

	// Shutdown budget must be greater than drain time
	if c.ShutdownBudgetSeconds <= c.DrainSeconds {
		errs = append(errs, fmt.Errorf("SHUTDOWN_BUDGET_SECONDS %d must be greater than DRAIN_SECONDS %d", c.ShutdownBudgetSeconds, c.DrainSeconds))
	}

	// API port must be valid TCP port number
	if c.APIPort <= 0 || c.APIPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid HTTP_PORT %d (must be 1..65535)", c.APIPort))
	}

	if c.APIToken == "" {
		errs = append(errs, errors.New("API_TOKEN is required"))
	}

	if c.EnvelopeTimeoutMS <= 0 || c.EnvelopeTimeoutMS > 600000 {
		errs = append(errs, fmt.Errorf("invalid ENVELOPE_TIMEOUT_MS %d (must be 1..600000)", c.EnvelopeTimeoutMS))
	}
	if c.SimulatorDelayScale < 0 || c.SimulatorDelayScale > 10 {
		errs = append(errs, fmt.Errorf("invalid SIMULATOR_DELAY_SCALE %g (must be 0..10)", c.SimulatorDelayScale))
	}

	// pgvector columns are fixed width, so the size must be known up front
	if c.EmbeddingDimension <= 0 || c.EmbeddingDimension > 4096 {
		errs = append(errs, fmt.Errorf("invalid EMBEDDING_DIMENSION %d (must be 1..4096)", c.EmbeddingDimension))
	}
	if c.OpenAIAPIKey != "" && c.EmbeddingModel == "" {
		errs = append(errs, errors.New("EMBEDDING_MODEL is required with OPENAI_API_KEY"))
	}

	if c.RedisURL != "" && !strings.HasPrefix(c.RedisURL, "redis://") && !strings.HasPrefix(c.RedisURL, "rediss://") {
		errs = append(errs, fmt.Errorf("invalid REDIS_URL %q (must start with redis:// or rediss://)", c.RedisURL))
	}

	// Claude model is required when Claude is enabled
	if c.ClaudeAPIKey != "" && c.ClaudeModel == "" {
		errs = append(errs, errors.New("CLAUDE_MODEL is required with CLAUDE_API_KEY"))
	}

	if c.SlackWebhookURL != "" && !strings.HasPrefix(c.SlackWebhookURL, "https://") {
		errs = append(errs, errors.New("SLACK_WEBHOOK_URL must be an https URL"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}
