package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// StoreConfig holds the durable queue store's persistence settings.
type StoreConfig struct {
	DatabasePath  string        `json:"database_path" yaml:"database_path"`
	LeaseDuration time.Duration `json:"lease_duration" yaml:"lease_duration"`
	MaxAttempts   int           `json:"max_attempts" yaml:"max_attempts"`
}

// OrchestratorConfig holds the consumer poll loop settings.
type OrchestratorConfig struct {
	PollInterval      time.Duration `json:"poll_interval" yaml:"poll_interval"`
	HeartbeatInterval time.Duration `json:"heartbeat_interval" yaml:"heartbeat_interval"`
}

// BridgeConfig holds the bridge's response-correlation timeout.
type BridgeConfig struct {
	CollectTimeout time.Duration `json:"collect_timeout" yaml:"collect_timeout"`
}

// ConsultConfig holds the consult manager's guidance-wait timeout.
type ConsultConfig struct {
	Timeout time.Duration `json:"timeout" yaml:"timeout"`
}

// ReplanConfig holds the replan manager's depth policy.
type ReplanConfig struct {
	MaxDepth int `json:"max_depth" yaml:"max_depth"`
}

// RoleAdapterConfig holds the default OpenAI-compatible role adapter's
// connection settings, shared across the router/planner/executor roles
// (each gets its own system prompt, configured in code rather than here).
type RoleAdapterConfig struct {
	Endpoint string `json:"endpoint" yaml:"endpoint"`
	Model    string `json:"model" yaml:"model"`
	APIKey   string `json:"api_key" yaml:"api_key"`
}

// DaemonConfig holds daemon-specific settings.
type DaemonConfig struct {
	HTTPAddr string `json:"http_addr" yaml:"http_addr"`
	LogLevel string `json:"log_level" yaml:"log_level"`
}

// TracingConfig holds OpenTelemetry tracing settings.
type TracingConfig struct {
	Enabled     bool    `json:"enabled" yaml:"enabled"`
	Exporter    string  `json:"exporter" yaml:"exporter"`         // otlp-http; tracing.Init sets up an OTLP-HTTP exporter whatever this says
	Endpoint    string  `json:"endpoint" yaml:"endpoint"`         // localhost:4318
	ServiceName string  `json:"service_name" yaml:"service_name"` // agentbus
	SampleRate  float64 `json:"sample_rate" yaml:"sample_rate"`
}

// MetricsConfig holds Prometheus metrics settings.
type MetricsConfig struct {
	Enabled          bool      `json:"enabled" yaml:"enabled"`
	Namespace        string    `json:"namespace" yaml:"namespace"`
	HistogramBuckets []float64 `json:"histogram_buckets" yaml:"histogram_buckets"` // Poll latency buckets in ms
}

// LoggingConfig holds structured logging settings.
type LoggingConfig struct {
	Level          string `json:"level" yaml:"level"`
	Format         string `json:"format" yaml:"format"` // text, json
	IncludeTraceID bool   `json:"include_trace_id" yaml:"include_trace_id"`
}

// ObservabilityConfig holds all observability-related settings.
type ObservabilityConfig struct {
	Tracing TracingConfig `json:"tracing" yaml:"tracing"`
	Metrics MetricsConfig `json:"metrics" yaml:"metrics"`
	Logging LoggingConfig `json:"logging" yaml:"logging"`
}

// Config is the central configuration struct embedding every component's
// settings. Loadable from either JSON or YAML (LoadFromFile dispatches on
// the file extension).
type Config struct {
	Store         StoreConfig         `json:"store" yaml:"store"`
	Orchestrator  OrchestratorConfig  `json:"orchestrator" yaml:"orchestrator"`
	Bridge        BridgeConfig        `json:"bridge" yaml:"bridge"`
	Consult       ConsultConfig       `json:"consult" yaml:"consult"`
	Replan        ReplanConfig        `json:"replan" yaml:"replan"`
	RoleAdapter   RoleAdapterConfig   `json:"role_adapter" yaml:"role_adapter"`
	Daemon        DaemonConfig        `json:"daemon" yaml:"daemon"`
	Observability ObservabilityConfig `json:"observability" yaml:"observability"`
}

// DefaultConfig returns a Config with sensible defaults for running the
// bus as a standalone local service.
func DefaultConfig() *Config {
	return &Config{
		Store: StoreConfig{
			DatabasePath:  "agentbus.db",
			LeaseDuration: 60 * time.Second,
			MaxAttempts:   5,
		},
		Orchestrator: OrchestratorConfig{
			PollInterval:      50 * time.Millisecond,
			HeartbeatInterval: 20 * time.Second,
		},
		Bridge: BridgeConfig{
			CollectTimeout: 30 * time.Second,
		},
		Consult: ConsultConfig{
			Timeout: 30 * time.Second,
		},
		Replan: ReplanConfig{
			MaxDepth: 3,
		},
		RoleAdapter: RoleAdapterConfig{
			Endpoint: "https://api.openai.com/v1/chat/completions",
			Model:    "gpt-4o-mini",
		},
		Daemon: DaemonConfig{
			HTTPAddr: ":8080",
			LogLevel: "info",
		},
		Observability: ObservabilityConfig{
			Tracing: TracingConfig{
				Enabled:     false,
				Exporter:    "otlp-http",
				Endpoint:    "localhost:4318",
				ServiceName: "agentbus",
				SampleRate:  1.0,
			},
			Metrics: MetricsConfig{
				Enabled:          true,
				Namespace:        "agentbus",
				HistogramBuckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000},
			},
			Logging: LoggingConfig{
				Level:          "info",
				Format:         "text",
				IncludeTraceID: true,
			},
		},
	}
}

// LoadFromFile loads configuration from a JSON or YAML file (by extension),
// layered on top of DefaultConfig so an incomplete file only overrides what
// it sets.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := DefaultConfig()
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, err
		}
	default:
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, err
		}
	}

	return cfg, nil
}

// LoadFromEnv applies environment variable overrides to the config.
func LoadFromEnv(cfg *Config) {
	if v := os.Getenv("AGENTBUS_DB_PATH"); v != "" {
		cfg.Store.DatabasePath = v
	}
	if v := os.Getenv("AGENTBUS_LEASE_DURATION"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Store.LeaseDuration = d
		}
	}
	if v := os.Getenv("AGENTBUS_MAX_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Store.MaxAttempts = n
		}
	}
	if v := os.Getenv("AGENTBUS_POLL_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Orchestrator.PollInterval = d
		}
	}
	if v := os.Getenv("AGENTBUS_HEARTBEAT_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Orchestrator.HeartbeatInterval = d
		}
	}
	if v := os.Getenv("AGENTBUS_COLLECT_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Bridge.CollectTimeout = d
		}
	}
	if v := os.Getenv("AGENTBUS_CONSULT_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Consult.Timeout = d
		}
	}
	if v := os.Getenv("AGENTBUS_REPLAN_MAX_DEPTH"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Replan.MaxDepth = n
		}
	}
	if v := os.Getenv("AGENTBUS_ROLE_ENDPOINT"); v != "" {
		cfg.RoleAdapter.Endpoint = v
	}
	if v := os.Getenv("AGENTBUS_ROLE_MODEL"); v != "" {
		cfg.RoleAdapter.Model = v
	}
	if v := os.Getenv("AGENTBUS_ROLE_API_KEY"); v != "" {
		cfg.RoleAdapter.APIKey = v
	}
	if v := os.Getenv("AGENTBUS_HTTP_ADDR"); v != "" {
		cfg.Daemon.HTTPAddr = v
	}
	if v := os.Getenv("AGENTBUS_LOG_LEVEL"); v != "" {
		cfg.Daemon.LogLevel = v
	}

	if v := os.Getenv("AGENTBUS_TRACING_ENABLED"); v != "" {
		cfg.Observability.Tracing.Enabled = parseBool(v)
	}
	if v := os.Getenv("AGENTBUS_TRACING_ENDPOINT"); v != "" {
		cfg.Observability.Tracing.Endpoint = v
	}
	if v := os.Getenv("AGENTBUS_TRACING_EXPORTER"); v != "" {
		cfg.Observability.Tracing.Exporter = v
	}
	if v := os.Getenv("AGENTBUS_TRACING_SERVICE_NAME"); v != "" {
		cfg.Observability.Tracing.ServiceName = v
	}
	if v := os.Getenv("AGENTBUS_TRACING_SAMPLE_RATE"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Observability.Tracing.SampleRate = f
		}
	}
	if v := os.Getenv("AGENTBUS_METRICS_ENABLED"); v != "" {
		cfg.Observability.Metrics.Enabled = parseBool(v)
	}
	if v := os.Getenv("AGENTBUS_METRICS_NAMESPACE"); v != "" {
		cfg.Observability.Metrics.Namespace = v
	}
	if v := os.Getenv("AGENTBUS_LOG_FORMAT"); v != "" {
		cfg.Observability.Logging.Format = v
	}
	if v := os.Getenv("AGENTBUS_LOG_INCLUDE_TRACE_ID"); v != "" {
		cfg.Observability.Logging.IncludeTraceID = parseBool(v)
	}
}

func parseBool(s string) bool {
	s = strings.ToLower(s)
	return s == "true" || s == "1" || s == "yes"
}
