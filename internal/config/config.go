// Package config loads RuntimeConfig, the ambient configuration for an
// embedding process: store backend selection, event bus sizing, tool
// defaults, approval policy defaults, and observability exporter toggles.
// Programmatic construction via DefaultConfig is fully supported; YAML is a
// convenience loader, not a requirement.
package config

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// RuntimeConfig is the top-level configuration document.
type RuntimeConfig struct {
	Store         StoreConfig         `yaml:"store"`
	EventBus      EventBusConfig      `yaml:"event_bus"`
	Tools         ToolsConfig         `yaml:"tools"`
	Approval      ApprovalConfig      `yaml:"approval"`
	Context       ContextConfig       `yaml:"context"`
	Logging       LoggingConfig       `yaml:"logging"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// StoreConfig selects and configures the durable Store backend.
type StoreConfig struct {
	// Backend is "memory", "postgres", or "sqlite". Defaults to "memory".
	Backend string `yaml:"backend"`

	// DSN is the backend's connection string: a Postgres DSN when Backend is
	// "postgres", or a file path (or ":memory:") when Backend is "sqlite".
	// Required for both.
	DSN string `yaml:"dsn"`

	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time"`
	ConnectTimeout  time.Duration `yaml:"connect_timeout"`
}

// EventBusConfig sizes the per-agent EventBus's buffers.
type EventBusConfig struct {
	// SubscriberQueueSize bounds how many undelivered envelopes a slow
	// subscriber can accumulate before it starts dropping broadcasts.
	SubscriberQueueSize int `yaml:"subscriber_queue_size"`
}

// ToolsConfig carries the ToolRunner's default concurrency and timeout.
type ToolsConfig struct {
	Concurrency    int           `yaml:"concurrency"`
	PerCallTimeout time.Duration `yaml:"per_call_timeout"`
}

// ApprovalConfig configures the PermissionManager's default policy.
type ApprovalConfig struct {
	Deny            []string      `yaml:"deny"`
	Allow           []string      `yaml:"allow"`
	RequireApproval []string      `yaml:"require_approval"`
	RequestTTL      time.Duration `yaml:"request_ttl"`

	// Mode is "allow" (default-allow unmatched tools) or
	// "require_approval" (default to requiring a human decision).
	Mode string `yaml:"mode"`

	// PruneSchedule is a cron expression (standard 5-field, or 6-field
	// with a leading seconds field, or a "@every" descriptor) controlling
	// how often expired rendezvous slots are swept. Defaults to every
	// minute.
	PruneSchedule string `yaml:"prune_schedule"`
}

// ContextConfig carries the ContextManager's compression thresholds.
type ContextConfig struct {
	MaxTokens         int `yaml:"max_tokens"`
	CompressToTokens  int `yaml:"compress_to_tokens"`
	RecoveredFileCap  int `yaml:"recovered_file_cap"`
	SummaryPreviewCap int `yaml:"summary_preview_cap"`
	UsageBudgetChars  int `yaml:"usage_budget_chars"`
}

// LoggingConfig controls the shared *slog.Logger's level and encoding.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// ObservabilityConfig toggles the optional Prometheus and OpenTelemetry
// collaborators. Both are off by default; the core never requires them.
type ObservabilityConfig struct {
	Metrics MetricsConfig `yaml:"metrics"`
	Tracing TracingConfig `yaml:"tracing"`
}

// MetricsConfig controls the Prometheus metrics registry.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// TracingConfig controls OpenTelemetry tracing.
type TracingConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Endpoint    string  `yaml:"endpoint"`
	ServiceName string  `yaml:"service_name"`
	Insecure    bool    `yaml:"insecure"`
	SampleRatio float64 `yaml:"sample_ratio"`
}

// Default returns a RuntimeConfig with every section at its production
// default: in-memory store, no observability exporters, allow-by-default
// approval.
func Default() *RuntimeConfig {
	cfg := &RuntimeConfig{}
	applyDefaults(cfg)
	return cfg
}

// Load reads a YAML document from path, expands ${VAR}-style environment
// references, applies environment variable overrides, fills defaults for
// unset fields, and validates the result.
func Load(path string) (*RuntimeConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	var cfg RuntimeConfig
	decoder := yaml.NewDecoder(strings.NewReader(expanded))
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := decoder.Decode(&struct{}{}); err != io.EOF {
		return nil, fmt.Errorf("parse config: expected a single YAML document")
	}

	applyEnvOverrides(&cfg)
	applyDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyDefaults(cfg *RuntimeConfig) {
	if cfg.Store.Backend == "" {
		cfg.Store.Backend = "memory"
	}
	if cfg.Store.MaxOpenConns == 0 {
		cfg.Store.MaxOpenConns = 10
	}
	if cfg.Store.MaxIdleConns == 0 {
		cfg.Store.MaxIdleConns = 5
	}
	if cfg.Store.ConnMaxLifetime == 0 {
		cfg.Store.ConnMaxLifetime = 5 * time.Minute
	}
	if cfg.Store.ConnMaxIdleTime == 0 {
		cfg.Store.ConnMaxIdleTime = 2 * time.Minute
	}
	if cfg.Store.ConnectTimeout == 0 {
		cfg.Store.ConnectTimeout = 10 * time.Second
	}

	if cfg.EventBus.SubscriberQueueSize == 0 {
		cfg.EventBus.SubscriberQueueSize = 256
	}

	if cfg.Tools.Concurrency == 0 {
		cfg.Tools.Concurrency = 3
	}
	if cfg.Tools.PerCallTimeout == 0 {
		cfg.Tools.PerCallTimeout = 60 * time.Second
	}

	if cfg.Approval.Mode == "" {
		cfg.Approval.Mode = "allow"
	}
	if cfg.Approval.RequestTTL == 0 {
		cfg.Approval.RequestTTL = 5 * time.Minute
	}
	if cfg.Approval.PruneSchedule == "" {
		cfg.Approval.PruneSchedule = "@every 1m"
	}

	if cfg.Context.MaxTokens == 0 {
		cfg.Context.MaxTokens = 180_000
	}
	if cfg.Context.CompressToTokens == 0 {
		cfg.Context.CompressToTokens = 90_000
	}
	if cfg.Context.RecoveredFileCap == 0 {
		cfg.Context.RecoveredFileCap = 5
	}
	if cfg.Context.SummaryPreviewCap == 0 {
		cfg.Context.SummaryPreviewCap = 500
	}
	if cfg.Context.UsageBudgetChars == 0 {
		cfg.Context.UsageBudgetChars = 400_000
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}

	if cfg.Observability.Tracing.SampleRatio == 0 {
		cfg.Observability.Tracing.SampleRatio = 1.0
	}
}

func applyEnvOverrides(cfg *RuntimeConfig) {
	if value := strings.TrimSpace(os.Getenv("AGENTCORE_STORE_BACKEND")); value != "" {
		cfg.Store.Backend = value
	}
	if value := strings.TrimSpace(os.Getenv("AGENTCORE_STORE_DSN")); value != "" {
		cfg.Store.DSN = value
	}
	if value := strings.TrimSpace(os.Getenv("DATABASE_URL")); value != "" && cfg.Store.DSN == "" {
		cfg.Store.DSN = value
	}
	if value := strings.TrimSpace(os.Getenv("AGENTCORE_TOOL_CONCURRENCY")); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			cfg.Tools.Concurrency = parsed
		}
	}
	if value := strings.TrimSpace(os.Getenv("AGENTCORE_TOOL_TIMEOUT")); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			cfg.Tools.PerCallTimeout = parsed
		}
	}
	if value := strings.TrimSpace(os.Getenv("AGENTCORE_OTEL_ENDPOINT")); value != "" {
		cfg.Observability.Tracing.Endpoint = value
		cfg.Observability.Tracing.Enabled = true
	}
	if value := strings.TrimSpace(os.Getenv("AGENTCORE_LOG_LEVEL")); value != "" {
		cfg.Logging.Level = value
	}
}

// ValidationError collects every issue found while validating a
// RuntimeConfig, so callers see the whole list instead of stopping at the
// first problem.
type ValidationError struct {
	Issues []string
}

func (e *ValidationError) Error() string {
	return "config validation failed:\n- " + strings.Join(e.Issues, "\n- ")
}

func validate(cfg *RuntimeConfig) error {
	var issues []string

	if cfg.Store.Backend != "memory" && cfg.Store.Backend != "postgres" && cfg.Store.Backend != "sqlite" {
		issues = append(issues, `store.backend must be "memory", "postgres", or "sqlite"`)
	}
	if (cfg.Store.Backend == "postgres" || cfg.Store.Backend == "sqlite") && strings.TrimSpace(cfg.Store.DSN) == "" {
		issues = append(issues, "store.dsn is required when store.backend is \"postgres\" or \"sqlite\"")
	}
	if cfg.Approval.Mode != "allow" && cfg.Approval.Mode != "require_approval" {
		issues = append(issues, `approval.mode must be "allow" or "require_approval"`)
	}
	if cfg.Tools.Concurrency < 1 {
		issues = append(issues, "tools.concurrency must be >= 1")
	}
	if cfg.Context.CompressToTokens > cfg.Context.MaxTokens {
		issues = append(issues, "context.compress_to_tokens must not exceed context.max_tokens")
	}
	if cfg.Observability.Tracing.SampleRatio < 0 || cfg.Observability.Tracing.SampleRatio > 1 {
		issues = append(issues, "observability.tracing.sample_ratio must be between 0 and 1")
	}

	if len(issues) > 0 {
		return &ValidationError{Issues: issues}
	}
	return nil
}
