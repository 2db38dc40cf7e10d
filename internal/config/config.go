// Package config handles TOML configuration for Argus.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/robfig/cron/v3"

	"github.com/yairfalse/argus/storage"
)

// Store backends.
const (
	BackendEmbedded = "embedded"
	BackendNeo4j    = "neo4j"
)

// Config is the root configuration structure.
type Config struct {
	Store       StoreConfig       `toml:"store"`
	Neo4j       Neo4jConfig       `toml:"neo4j"`
	Evaluator   EvaluatorConfig   `toml:"evaluator"`
	Enforcement EnforcementConfig `toml:"enforcement"`
	Anomaly     AnomalyConfig     `toml:"anomaly"`
	Policies    PoliciesConfig    `toml:"policies"`
	Redis       RedisConfig       `toml:"redis"`
	AWS         AWSConfig         `toml:"aws"`
	Notify      NotifyConfig      `toml:"notify"`
	WAL         WALConfig         `toml:"wal"`
	OTEL        OTELConfig        `toml:"otel"`
	Server      ServerConfig      `toml:"server"`
	Log         LogConfig         `toml:"log"`
}

// StoreConfig selects the graph backend.
type StoreConfig struct {
	Backend string `toml:"backend"`
	Path    string `toml:"path"`
}

// Neo4jConfig holds connection settings for the neo4j backend.
type Neo4jConfig struct {
	URI          string `toml:"uri"`
	Username     string `toml:"username"`
	Password     string `toml:"password"`
	Database     string `toml:"database"`
	TxTimeoutStr string `toml:"tx_timeout"`
	TxTimeout    time.Duration
}

// EvaluatorConfig tunes per-event evaluation.
type EvaluatorConfig struct {
	Concurrency        int    `toml:"concurrency"`
	DetectionWindowStr string `toml:"detection_window"`
	DetectionWindow    time.Duration
}

// EnforcementConfig tunes the dispatcher.
type EnforcementConfig struct {
	Context            string `toml:"context"`
	StoreRetries       int    `toml:"store_retries"`
	ActionTimeoutStr   string `toml:"action_timeout"`
	ActionTimeout      time.Duration
	AllowDestructive   bool     `toml:"allow_destructive"`
	ProtectedResources []string `toml:"protected_resources"`
	DryRun             bool     `toml:"dry_run"`
}

// AnomalyConfig schedules the access anomaly sweep.
type AnomalyConfig struct {
	Schedule  string `toml:"schedule"`
	WindowStr string `toml:"window"`
	Window    time.Duration
	storage.AnomalyThresholds
}

// PoliciesConfig locates policy documents.
type PoliciesConfig struct {
	Path           string `toml:"path"`
	ReloadSchedule string `toml:"reload_schedule"`
}

// RedisConfig enables event intake and the deferred enforcement queue.
// An empty address disables both.
type RedisConfig struct {
	Addr            string `toml:"addr"`
	Password        string `toml:"password"`
	DB              int    `toml:"db"`
	EventsKey       string `toml:"events_key"`
	QueueKey        string `toml:"queue_key"`
	BlockTimeoutStr string `toml:"block_timeout"`
	BlockTimeout    time.Duration
}

// AWSConfig holds connector settings.
type AWSConfig struct {
	Region                  string  `toml:"region"`
	Profile                 string  `toml:"profile"`
	RateLimit               float64 `toml:"rate_limit"`
	Burst                   int     `toml:"burst"`
	DenyQueueURL            string  `toml:"deny_queue_url"`
	QuarantineSecurityGroup string  `toml:"quarantine_security_group"`
	QuarantinePolicyARN     string  `toml:"quarantine_policy_arn"`
}

// NotifyConfig holds webhook targets for NOTIFY and ESCALATE actions.
type NotifyConfig struct {
	WebhookURL           string `toml:"webhook_url"`
	EscalationWebhookURL string `toml:"escalation_webhook_url"`
	TimeoutStr           string `toml:"timeout"`
	Timeout              time.Duration
}

// WALConfig enables the enforcement audit log.
type WALConfig struct {
	Dir           string `toml:"dir"`
	RetentionDays int    `toml:"retention_days"`
}

// OTELConfig holds OpenTelemetry settings.
type OTELConfig struct {
	Endpoint    string        `toml:"endpoint"`
	Insecure    bool          `toml:"insecure"`
	ServiceName string        `toml:"service_name"`
	Traces      TracesConfig  `toml:"traces"`
	Metrics     MetricsConfig `toml:"metrics"`
}

// TracesConfig holds tracing settings.
type TracesConfig struct {
	Enabled    bool    `toml:"enabled"`
	SampleRate float64 `toml:"sample_rate"`
}

// MetricsConfig holds metrics settings.
type MetricsConfig struct {
	Enabled    bool `toml:"enabled"`
	Prometheus bool `toml:"prometheus"`
}

// ServerConfig holds the metrics and health endpoint.
type ServerConfig struct {
	Addr string `toml:"addr"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// Load reads and parses a TOML config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- path is operator supplied
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes TOML, applies defaults and resolves durations.
func Parse(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	applyDefaults(cfg)

	if err := parseDurations(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	cfg, err := Parse(nil)
	if err != nil {
		panic(err)
	}
	return cfg
}

func applyDefaults(cfg *Config) {
	if cfg.Store.Backend == "" {
		cfg.Store.Backend = BackendEmbedded
	}
	if cfg.Store.Path == "" {
		cfg.Store.Path = "./data"
	}
	if cfg.Neo4j.Database == "" {
		cfg.Neo4j.Database = "neo4j"
	}
	if cfg.Neo4j.TxTimeoutStr == "" {
		cfg.Neo4j.TxTimeoutStr = "30s"
	}
	if cfg.Evaluator.Concurrency == 0 {
		cfg.Evaluator.Concurrency = 8
	}
	if cfg.Evaluator.DetectionWindowStr == "" {
		cfg.Evaluator.DetectionWindowStr = "1h"
	}
	if cfg.Enforcement.Context == "" {
		cfg.Enforcement.Context = "runtime"
	}
	if cfg.Enforcement.StoreRetries == 0 {
		cfg.Enforcement.StoreRetries = 3
	}
	if cfg.Enforcement.ActionTimeoutStr == "" {
		cfg.Enforcement.ActionTimeoutStr = "30s"
	}
	applyAnomalyDefaults(&cfg.Anomaly)
	if cfg.Policies.Path == "" {
		cfg.Policies.Path = "./policies"
	}
	if cfg.Policies.ReloadSchedule == "" {
		cfg.Policies.ReloadSchedule = "@every 5m"
	}
	if cfg.Redis.EventsKey == "" {
		cfg.Redis.EventsKey = "argus:events"
	}
	if cfg.Redis.QueueKey == "" {
		cfg.Redis.QueueKey = "argus:scheduled"
	}
	if cfg.Redis.BlockTimeoutStr == "" {
		cfg.Redis.BlockTimeoutStr = "5s"
	}
	if cfg.AWS.RateLimit == 0 {
		cfg.AWS.RateLimit = 10
	}
	if cfg.AWS.Burst == 0 {
		cfg.AWS.Burst = 5
	}
	if cfg.Notify.TimeoutStr == "" {
		cfg.Notify.TimeoutStr = "10s"
	}
	if cfg.WAL.RetentionDays == 0 {
		cfg.WAL.RetentionDays = 30
	}
	if cfg.OTEL.ServiceName == "" {
		cfg.OTEL.ServiceName = "argus"
	}
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = ":9090"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "json"
	}
}

func applyAnomalyDefaults(a *AnomalyConfig) {
	def := storage.DefaultAnomalyThresholds()
	if a.Schedule == "" {
		a.Schedule = "@every 15m"
	}
	if a.WindowStr == "" {
		a.WindowStr = "1h"
	}
	if a.MaxActions == 0 {
		a.MaxActions = def.MaxActions
	}
	if a.MaxResourceTypes == 0 {
		a.MaxResourceTypes = def.MaxResourceTypes
	}
	if a.ZScore == 0 {
		a.ZScore = def.ZScore
	}
	if a.MinPopulation == 0 {
		a.MinPopulation = def.MinPopulation
	}
}

func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"neo4j.tx_timeout", cfg.Neo4j.TxTimeoutStr, &cfg.Neo4j.TxTimeout},
		{"evaluator.detection_window", cfg.Evaluator.DetectionWindowStr, &cfg.Evaluator.DetectionWindow},
		{"enforcement.action_timeout", cfg.Enforcement.ActionTimeoutStr, &cfg.Enforcement.ActionTimeout},
		{"anomaly.window", cfg.Anomaly.WindowStr, &cfg.Anomaly.Window},
		{"redis.block_timeout", cfg.Redis.BlockTimeoutStr, &cfg.Redis.BlockTimeout},
		{"notify.timeout", cfg.Notify.TimeoutStr, &cfg.Notify.Timeout},
	}
	for _, f := range fields {
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parse %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}
	return nil
}

// Validate checks the configuration is valid.
func (c *Config) Validate() error {
	switch c.Store.Backend {
	case BackendEmbedded:
	case BackendNeo4j:
		if c.Neo4j.URI == "" {
			return fmt.Errorf("neo4j: uri required for the neo4j backend")
		}
	default:
		return fmt.Errorf("store: unknown backend %q", c.Store.Backend)
	}
	if c.Enforcement.Context != "runtime" && c.Enforcement.Context != "cicd" {
		return fmt.Errorf("enforcement: context must be runtime or cicd (got %q)", c.Enforcement.Context)
	}
	if c.Evaluator.Concurrency < 1 {
		return fmt.Errorf("evaluator: concurrency must be positive (got %d)", c.Evaluator.Concurrency)
	}
	if c.Evaluator.DetectionWindow <= 0 {
		return fmt.Errorf("evaluator: detection_window must be positive")
	}
	if c.Enforcement.StoreRetries < 1 {
		return fmt.Errorf("enforcement: store_retries must be at least 1 (got %d)", c.Enforcement.StoreRetries)
	}
	for name, spec := range map[string]string{
		"anomaly.schedule":         c.Anomaly.Schedule,
		"policies.reload_schedule": c.Policies.ReloadSchedule,
	} {
		if _, err := cron.ParseStandard(spec); err != nil {
			return fmt.Errorf("%s %q: %w", name, spec, err)
		}
	}
	if c.OTEL.Traces.SampleRate < 0.0 || c.OTEL.Traces.SampleRate > 1.0 {
		return fmt.Errorf("otel: traces.sample_rate must be between 0.0 and 1.0 (got %v)", c.OTEL.Traces.SampleRate)
	}
	if c.Log.Format != "json" && c.Log.Format != "console" {
		return fmt.Errorf("log: format must be json or console (got %q)", c.Log.Format)
	}
	return nil
}
