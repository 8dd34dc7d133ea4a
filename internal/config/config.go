// Package config loads and validates intake service configuration via Viper.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Auth    AuthConfig    `mapstructure:"auth"`
	Paths   PathsConfig   `mapstructure:"paths"`
	Jobs    JobsConfig    `mapstructure:"jobs"`
	Engine  EngineConfig  `mapstructure:"engine"`
	Breaker BreakerConfig `mapstructure:"breaker"`
	Limits  LimitsConfig  `mapstructure:"limits"`
	Webhook WebhookConfig `mapstructure:"webhook"`
	Dedup   DedupConfig   `mapstructure:"dedup"`
	Archive ArchiveConfig `mapstructure:"archive"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port            int   `mapstructure:"port"`
	MaxBodyBytes    int64 `mapstructure:"max_body_bytes"`
	ShutdownSeconds int   `mapstructure:"shutdown_seconds"`
}

// AuthConfig defines API authentication toggles. An empty key disables
// authentication.
type AuthConfig struct {
	APIKey string `mapstructure:"api_key"`
}

// PathMapping rewrites a container path prefix to its host equivalent.
type PathMapping struct {
	ContainerPrefix string `mapstructure:"container_prefix"`
	HostPrefix      string `mapstructure:"host_prefix"`
}

// PathsConfig governs document path validation.
type PathsConfig struct {
	AllowedRoots    []string      `mapstructure:"allowed_roots"`
	AllowUnsafe     bool          `mapstructure:"allow_unsafe"`
	ContainerPrefix string        `mapstructure:"container_prefix"`
	Mappings        []PathMapping `mapstructure:"mappings"`
	DataDir         string        `mapstructure:"data_dir"`
}

// JobsConfig governs the queue and worker pool. Zero workers or queue depth
// means auto-tune from the effective CPU count.
type JobsConfig struct {
	Workers           int    `mapstructure:"workers"`
	QueueDepth        int    `mapstructure:"queue_depth"`
	HistoryLimit      int    `mapstructure:"history_limit"`
	ProcessTimeoutSec int    `mapstructure:"process_timeout_seconds"`
	SyncTimeoutSec    int    `mapstructure:"sync_timeout_seconds"`
	PageThreshold     int    `mapstructure:"page_threshold"`
	DefaultParser     string `mapstructure:"default_parser"`

	// WorkersSource and QueueDepthSource record where each sizing value came
	// from ("env", "config", or "auto") for the health report.
	WorkersSource    string `mapstructure:"-"`
	QueueDepthSource string `mapstructure:"-"`
}

// EngineConfig points at the knowledge-base backend.
type EngineConfig struct {
	BaseURL        string `mapstructure:"base_url"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
}

// BreakerConfig tunes the circuit breaker around the backend.
type BreakerConfig struct {
	FailureThreshold int `mapstructure:"failure_threshold"`
	OpenSeconds      int `mapstructure:"open_seconds"`
}

// LimitsConfig tunes per-client rate limiting.
type LimitsConfig struct {
	RequestsPerWindow int  `mapstructure:"requests_per_window"`
	WindowSeconds     int  `mapstructure:"window_seconds"`
	TrustProxyHeaders bool `mapstructure:"trust_proxy_headers"`
	ProxyHops         int  `mapstructure:"proxy_hops"`
}

// WebhookConfig governs callback delivery.
type WebhookConfig struct {
	AllowedHosts      []string `mapstructure:"allowed_hosts"`
	AllowPrivateHosts bool     `mapstructure:"allow_private_hosts"`
	TimeoutSeconds    int      `mapstructure:"timeout_seconds"`
	PerHostRate       float64  `mapstructure:"per_host_rate"`
	PerHostBurst      int      `mapstructure:"per_host_burst"`
}

// DedupConfig selects the dedup store backend.
type DedupConfig struct {
	// Store is "sqlite" or "memory".
	Store string `mapstructure:"store"`
	Path  string `mapstructure:"path"`
}

// ArchiveConfig enables the optional Postgres job archive.
type ArchiveConfig struct {
	DSN   string `mapstructure:"dsn"`
	Table string `mapstructure:"table"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("INTAKE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.autoTune()

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.max_body_bytes", 1<<20)
	v.SetDefault("server.shutdown_seconds", 15)
	v.SetDefault("jobs.workers", 0)
	v.SetDefault("jobs.queue_depth", 0)
	v.SetDefault("jobs.history_limit", 100)
	v.SetDefault("jobs.process_timeout_seconds", 600)
	v.SetDefault("jobs.sync_timeout_seconds", 120)
	v.SetDefault("jobs.page_threshold", 15)
	v.SetDefault("jobs.default_parser", "mineru")
	v.SetDefault("engine.base_url", "http://localhost:9621")
	v.SetDefault("engine.timeout_seconds", 600)
	v.SetDefault("breaker.failure_threshold", 5)
	v.SetDefault("breaker.open_seconds", 60)
	v.SetDefault("limits.requests_per_window", 30)
	v.SetDefault("limits.window_seconds", 60)
	v.SetDefault("limits.trust_proxy_headers", false)
	v.SetDefault("limits.proxy_hops", 0)
	v.SetDefault("webhook.timeout_seconds", 30)
	v.SetDefault("webhook.per_host_rate", 1.0)
	v.SetDefault("webhook.per_host_burst", 3)
	v.SetDefault("dedup.store", "sqlite")
	v.SetDefault("dedup.path", "data/dedup.db")
	v.SetDefault("archive.table", "job_archive")
	v.SetDefault("paths.data_dir", "data")
	v.SetDefault("logging.development", false)
}

// autoTune fills worker and queue sizing from the effective CPU count when
// left unset, recording the source of each value.
func (c *Config) autoTune() {
	c.Jobs.WorkersSource = tuningSource("INTAKE_JOBS_WORKERS")
	c.Jobs.QueueDepthSource = tuningSource("INTAKE_JOBS_QUEUE_DEPTH")
	if c.Jobs.Workers <= 0 {
		c.Jobs.Workers = AutoWorkers(EffectiveCPUs())
		c.Jobs.WorkersSource = "auto"
	}
	if c.Jobs.QueueDepth <= 0 {
		c.Jobs.QueueDepth = AutoQueueDepth(c.Jobs.Workers)
		c.Jobs.QueueDepthSource = "auto"
	}
}

// tuningSource distinguishes an env override from a config-file value.
func tuningSource(envKey string) string {
	if os.Getenv(envKey) != "" {
		return "env"
	}
	return "config"
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Server.MaxBodyBytes <= 0 {
		return fmt.Errorf("server.max_body_bytes must be > 0")
	}
	if c.Jobs.Workers <= 0 {
		return fmt.Errorf("jobs.workers must be > 0")
	}
	if c.Jobs.QueueDepth <= 0 {
		return fmt.Errorf("jobs.queue_depth must be > 0")
	}
	if c.Jobs.ProcessTimeoutSec <= 0 {
		return fmt.Errorf("jobs.process_timeout_seconds must be > 0")
	}
	if c.Jobs.SyncTimeoutSec <= 0 {
		return fmt.Errorf("jobs.sync_timeout_seconds must be > 0")
	}
	if c.Engine.BaseURL == "" {
		return fmt.Errorf("engine.base_url must be set")
	}
	switch c.Dedup.Store {
	case "sqlite":
		if c.Dedup.Path == "" {
			return fmt.Errorf("dedup.path must be set when dedup.store is sqlite")
		}
	case "memory":
	default:
		return fmt.Errorf("dedup.store must be sqlite or memory, got %q", c.Dedup.Store)
	}
	if c.Archive.DSN != "" && c.Archive.Table == "" {
		return fmt.Errorf("archive.table must be set when archive.dsn is set")
	}
	return nil
}

// ProcessTimeout converts the per-job budget to a duration.
func (c Config) ProcessTimeout() time.Duration {
	return time.Duration(c.Jobs.ProcessTimeoutSec) * time.Second
}

// SyncTimeout converts the synchronous submission budget to a duration.
func (c Config) SyncTimeout() time.Duration {
	return time.Duration(c.Jobs.SyncTimeoutSec) * time.Second
}

// RateWindow converts the limiter window to a duration.
func (c Config) RateWindow() time.Duration {
	return time.Duration(c.Limits.WindowSeconds) * time.Second
}
