package cfg

import (
	"flag"
	"math"
	"strings"
	"testing"
)

// validBase returns a Config with all required fields set to valid values.
func validBase() Config {
	return Config{
		DrainSeconds:          60,
		ShutdownBudgetSeconds: 90,
		APIPort:               8080,
		APIToken:              "test-token-123",
		EnvelopeTimeoutMS:     20000,
		SimulatorDelayScale:   1,
		EmbeddingModel:        "text-embedding-ada-002",
		EmbeddingDimension:    1536,
		ClaudeModel:           "claude-sonnet-4-20250514",
	}
}

// with returns validBase modified by fn.
func with(fn func(c *Config)) Config {
	c := validBase()
	fn(&c)
	return c
}

func TestRegisterFlags_Defaults(t *testing.T) {
	t.Parallel()

	var c Config
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	c.RegisterFlags(fs)

	if err := fs.Parse(nil); err != nil {
		t.Fatalf("parse empty args: %v", err)
	}

	if c.DrainSeconds != 60 {
		t.Errorf("DrainSeconds = %d, want 60", c.DrainSeconds)
	}
	if c.ShutdownBudgetSeconds != 90 {
		t.Errorf("ShutdownBudgetSeconds = %d, want 90", c.ShutdownBudgetSeconds)
	}
	if c.APIPort != 8080 {
		t.Errorf("APIPort = %d, want 8080", c.APIPort)
	}
	if c.EnvelopeTimeoutMS != 20000 {
		t.Errorf("EnvelopeTimeoutMS = %d, want 20000", c.EnvelopeTimeoutMS)
	}
	if c.SimulatorDelayScale != 1 {
		t.Errorf("SimulatorDelayScale = %v, want 1", c.SimulatorDelayScale)
	}
	if c.EmbeddingDimension != 1536 {
		t.Errorf("EmbeddingDimension = %d, want 1536", c.EmbeddingDimension)
	}
	if c.ClaudeModel != "claude-sonnet-4-20250514" {
		t.Errorf("ClaudeModel = %q, want %q", c.ClaudeModel, "claude-sonnet-4-20250514")
	}
	if c.DatabaseURL != "" || c.RedisURL != "" || c.OpenAIAPIKey != "" {
		t.Error("backends should default to empty (in-memory)")
	}
}

func TestRegisterFlags_Override(t *testing.T) {
	t.Parallel()

	var c Config
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	c.RegisterFlags(fs)

	args := []string{
		"-drain-seconds", "30",
		"-shutdown-budget-seconds", "120",
		"-http-port", "9090",
		"-api-token", "tok",
		"-envelope-timeout-ms", "5000",
		"-simulator-delay-scale", "0",
		"-database-url", "postgres://warden@db/warden",
		"-redis-url", "redis://cache:6379/0",
		"-openai-api-key", "sk-openai",
		"-embedding-dimension", "768",
		"-claude-api-key", "sk-override",
		"-claude-model", "claude-opus-4-20250514",
		"-prometheus-endpoint", "http://prom:9090",
	}
	if err := fs.Parse(args); err != nil {
		t.Fatalf("parse args: %v", err)
	}

	if c.DrainSeconds != 30 {
		t.Errorf("DrainSeconds = %d, want 30", c.DrainSeconds)
	}
	if c.ShutdownBudgetSeconds != 120 {
		t.Errorf("ShutdownBudgetSeconds = %d, want 120", c.ShutdownBudgetSeconds)
	}
	if c.APIPort != 9090 {
		t.Errorf("APIPort = %d, want 9090", c.APIPort)
	}
	if c.APIToken != "tok" {
		t.Errorf("APIToken = %q, want %q", c.APIToken, "tok")
	}
	if c.EnvelopeTimeoutMS != 5000 {
		t.Errorf("EnvelopeTimeoutMS = %d, want 5000", c.EnvelopeTimeoutMS)
	}
	if c.SimulatorDelayScale != 0 {
		t.Errorf("SimulatorDelayScale = %v, want 0", c.SimulatorDelayScale)
	}
	if c.DatabaseURL != "postgres://warden@db/warden" {
		t.Errorf("DatabaseURL = %q", c.DatabaseURL)
	}
	if c.RedisURL != "redis://cache:6379/0" {
		t.Errorf("RedisURL = %q", c.RedisURL)
	}
	if c.OpenAIAPIKey != "sk-openai" {
		t.Errorf("OpenAIAPIKey = %q, want %q", c.OpenAIAPIKey, "sk-openai")
	}
	if c.EmbeddingDimension != 768 {
		t.Errorf("EmbeddingDimension = %d, want 768", c.EmbeddingDimension)
	}
	if c.ClaudeAPIKey != "sk-override" {
		t.Errorf("ClaudeAPIKey = %q, want %q", c.ClaudeAPIKey, "sk-override")
	}
	if c.ClaudeModel != "claude-opus-4-20250514" {
		t.Errorf("ClaudeModel = %q, want %q", c.ClaudeModel, "claude-opus-4-20250514")
	}
	if c.PrometheusEndpoint != "http://prom:9090" {
		t.Errorf("PrometheusEndpoint = %q, want %q", c.PrometheusEndpoint, "http://prom:9090")
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		cfg       Config
		wantErr   bool
		errSubstr []string // substrings that must appear in error message
	}{
		{
			name:    "defaults are valid",
			cfg:     validBase(),
			wantErr: false,
		},
		{
			name: "minimum valid values",
			cfg: with(func(c *Config) {
				c.DrainSeconds, c.ShutdownBudgetSeconds, c.APIPort = 1, 2, 1
				c.EnvelopeTimeoutMS, c.SimulatorDelayScale, c.EmbeddingDimension = 1, 0, 1
			}),
			wantErr: false,
		},
		{
			name: "maximum valid values",
			cfg: with(func(c *Config) {
				c.DrainSeconds, c.ShutdownBudgetSeconds, c.APIPort = 299, 300, 65535
				c.EnvelopeTimeoutMS, c.SimulatorDelayScale, c.EmbeddingDimension = 600000, 10, 4096
			}),
			wantErr: false,
		},
		{
			name: "all backends configured",
			cfg: with(func(c *Config) {
				c.DatabaseURL = "postgres://db/warden"
				c.RedisURL = "rediss://cache:6380"
				c.OpenAIAPIKey = "sk"
				c.ClaudeAPIKey = "sk"
				c.SlackWebhookURL = "https://hooks.slack.com/services/T/B/X"
			}),
			wantErr: false,
		},
		// DrainSeconds boundaries
		{
			name:      "drain zero",
			cfg:       with(func(c *Config) { c.DrainSeconds = 0 }),
			wantErr:   true,
			errSubstr: []string{"DRAIN_SECONDS"},
		},
		{
			name:      "drain negative",
			cfg:       with(func(c *Config) { c.DrainSeconds = -1 }),
			wantErr:   true,
			errSubstr: []string{"DRAIN_SECONDS"},
		},
		{
			name:      "drain above max",
			cfg:       with(func(c *Config) { c.DrainSeconds, c.ShutdownBudgetSeconds = 301, 302 }),
			wantErr:   true,
			errSubstr: []string{"DRAIN_SECONDS"},
		},
		{
			name:    "drain at upper bound",
			cfg:     with(func(c *Config) { c.DrainSeconds, c.ShutdownBudgetSeconds = 300, 300 }),
			wantErr: true, // budget must be greater than drain
		},
		// ShutdownBudgetSeconds boundaries
		{
			name:      "budget zero",
			cfg:       with(func(c *Config) { c.ShutdownBudgetSeconds = 0 }),
			wantErr:   true,
			errSubstr: []string{"SHUTDOWN_BUDGET_SECONDS"},
		},
		{
			name:      "budget above max",
			cfg:       with(func(c *Config) { c.ShutdownBudgetSeconds = 301 }),
			wantErr:   true,
			errSubstr: []string{"SHUTDOWN_BUDGET_SECONDS"},
		},
		// Cross-field: budget vs drain
		{
			name:      "budget equals drain",
			cfg:       with(func(c *Config) { c.ShutdownBudgetSeconds = 60 }),
			wantErr:   true,
			errSubstr: []string{"must be greater than"},
		},
		{
			name:      "budget less than drain",
			cfg:       with(func(c *Config) { c.ShutdownBudgetSeconds = 30 }),
			wantErr:   true,
			errSubstr: []string{"must be greater than"},
		},
		{
			name:    "budget is drain plus one",
			cfg:     with(func(c *Config) { c.ShutdownBudgetSeconds = 61 }),
			wantErr: false,
		},
		// APIPort boundaries
		{
			name:      "port zero",
			cfg:       with(func(c *Config) { c.APIPort = 0 }),
			wantErr:   true,
			errSubstr: []string{"HTTP_PORT"},
		},
		{
			name:      "port above max",
			cfg:       with(func(c *Config) { c.APIPort = 65536 }),
			wantErr:   true,
			errSubstr: []string{"HTTP_PORT"},
		},
		{
			name:      "empty api token",
			cfg:       with(func(c *Config) { c.APIToken = "" }),
			wantErr:   true,
			errSubstr: []string{"API_TOKEN"},
		},
		// Envelope and simulator
		{
			name:      "envelope timeout zero",
			cfg:       with(func(c *Config) { c.EnvelopeTimeoutMS = 0 }),
			wantErr:   true,
			errSubstr: []string{"ENVELOPE_TIMEOUT_MS"},
		},
		{
			name:      "envelope timeout above max",
			cfg:       with(func(c *Config) { c.EnvelopeTimeoutMS = 600001 }),
			wantErr:   true,
			errSubstr: []string{"ENVELOPE_TIMEOUT_MS"},
		},
		{
			name:      "negative delay scale",
			cfg:       with(func(c *Config) { c.SimulatorDelayScale = -0.5 }),
			wantErr:   true,
			errSubstr: []string{"SIMULATOR_DELAY_SCALE"},
		},
		// Embeddings
		{
			name:      "embedding dimension zero",
			cfg:       with(func(c *Config) { c.EmbeddingDimension = 0 }),
			wantErr:   true,
			errSubstr: []string{"EMBEDDING_DIMENSION"},
		},
		{
			name:      "embedding dimension above max",
			cfg:       with(func(c *Config) { c.EmbeddingDimension = 4097 }),
			wantErr:   true,
			errSubstr: []string{"EMBEDDING_DIMENSION"},
		},
		{
			name:      "openai key without model",
			cfg:       with(func(c *Config) { c.OpenAIAPIKey, c.EmbeddingModel = "sk", "" }),
			wantErr:   true,
			errSubstr: []string{"EMBEDDING_MODEL"},
		},
		{
			name:    "empty model without openai key",
			cfg:     with(func(c *Config) { c.EmbeddingModel = "" }),
			wantErr: false,
		},
		// Backends
		{
			name:      "redis url without scheme",
			cfg:       with(func(c *Config) { c.RedisURL = "cache:6379" }),
			wantErr:   true,
			errSubstr: []string{"REDIS_URL"},
		},
		{
			name:      "claude key without model",
			cfg:       with(func(c *Config) { c.ClaudeAPIKey, c.ClaudeModel = "sk", "" }),
			wantErr:   true,
			errSubstr: []string{"CLAUDE_MODEL"},
		},
		{
			name:      "plain http slack webhook",
			cfg:       with(func(c *Config) { c.SlackWebhookURL = "http://hooks.slack.com/x" }),
			wantErr:   true,
			errSubstr: []string{"SLACK_WEBHOOK_URL"},
		},
		// Error accumulation: all fields invalid
		{
			name:      "all fields invalid",
			cfg:       Config{RedisURL: "nope", ClaudeAPIKey: "k", SimulatorDelayScale: 11},
			wantErr:   true,
			errSubstr: []string{"DRAIN_SECONDS", "SHUTDOWN_BUDGET_SECONDS", "HTTP_PORT", "API_TOKEN", "ENVELOPE_TIMEOUT_MS", "SIMULATOR_DELAY_SCALE", "EMBEDDING_DIMENSION", "REDIS_URL", "CLAUDE_MODEL"},
		},
		// Extreme values
		{
			name:      "extreme negative values",
			cfg:       Config{DrainSeconds: math.MinInt32, ShutdownBudgetSeconds: math.MinInt32, APIPort: math.MinInt32},
			wantErr:   true,
			errSubstr: []string{"DRAIN_SECONDS", "SHUTDOWN_BUDGET_SECONDS", "HTTP_PORT"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := tt.cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil {
				errMsg := err.Error()
				for _, sub := range tt.errSubstr {
					if !strings.Contains(errMsg, sub) {
						t.Errorf("error %q does not contain %q", errMsg, sub)
					}
				}
			}
		})
	}
}

func FuzzValidate(f *testing.F) {
	// Seeds: defaults, boundaries, extremes
	seeds := []struct {
		drain, budget, port, timeout, dim int
		token, redis                      string
	}{
		{60, 90, 8080, 20000, 1536, "tok", ""},
		{1, 2, 1, 1, 1, "t", "redis://r"},
		{299, 300, 65535, 600000, 4096, "t", "rediss://r"},
		{0, 0, 0, 0, 0, "", ""},
		{-1, -1, -1, -1, -1, "", "cache:6379"},
		{300, 300, 65535, 1, 1, "t", ""},
		{301, 302, 65536, 600001, 4097, "", ""},
		{150, 100, 8080, 100, 10, "t", ""},
		{math.MinInt32, math.MinInt32, math.MinInt32, math.MinInt32, math.MinInt32, "", ""},
		{math.MaxInt32, math.MaxInt32, math.MaxInt32, math.MaxInt32, math.MaxInt32, "", ""},
	}
	for _, s := range seeds {
		f.Add(s.drain, s.budget, s.port, s.timeout, s.dim, s.token, s.redis)
	}

	f.Fuzz(func(t *testing.T, drain, budget, port, timeout, dim int, token, redis string) {
		c := validBase()
		c.DrainSeconds = drain
		c.ShutdownBudgetSeconds = budget
		c.APIPort = port
		c.EnvelopeTimeoutMS = timeout
		c.EmbeddingDimension = dim
		c.APIToken = token
		c.RedisURL = redis
		err := c.Validate()

		drainOK := drain >= 1 && drain <= 300
		budgetOK := budget >= 1 && budget <= 300
		portOK := port >= 1 && port <= 65535
		crossOK := budget > drain
		timeoutOK := timeout >= 1 && timeout <= 600000
		dimOK := dim >= 1 && dim <= 4096
		tokenOK := token != ""
		redisOK := redis == "" || strings.HasPrefix(redis, "redis://") || strings.HasPrefix(redis, "rediss://")

		allValid := drainOK && budgetOK && portOK && crossOK && timeoutOK && dimOK && tokenOK && redisOK

		if allValid && err != nil {
			t.Errorf("expected no error for valid config %+v, got: %v", c, err)
		}
		if !allValid && err == nil {
			t.Errorf("expected error for invalid config %+v, got nil", c)
		}
	})
}
