// Package config loads the pool daemon's configuration from environment
// variables, an optional YAML file, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/alivehq/agentpool/internal/common/logger"
	"github.com/alivehq/agentpool/internal/events/bus"
	"github.com/alivehq/agentpool/internal/pool"
)

// Config holds all configuration sections for the pool daemon. The pool and
// NATS sections unmarshal straight into the owning packages' config types so
// the tunables have one definition.
type Config struct {
	Logging logger.LoggingConfig `mapstructure:"logging"`
	NATS    bus.NATSConfig       `mapstructure:"nats"`
	Pool    pool.Config          `mapstructure:"pool"`
	Worker  WorkerConfig         `mapstructure:"worker"`
	Claims  ClaimsConfig         `mapstructure:"claims"`
	Debug   DebugConfig          `mapstructure:"debug"`
	Tracing TracingConfig        `mapstructure:"tracing"`
}

// WorkerConfig describes how spawned workers run the agent runtime. The
// values travel to each worker process through its spawn environment.
type WorkerConfig struct {
	// AgentPath is the agent CLI invocation as a space-separated argv,
	// e.g. "claude" or "/usr/local/bin/mock-agent --script /etc/pool/demo.json".
	AgentPath string `mapstructure:"agentPath"`

	// SkillsDir is a host directory of agent skill files copied into each
	// session home on worker startup. Empty skips the copy.
	SkillsDir string `mapstructure:"skillsDir"`

	// PolicyPath overrides the embedded tool-permission policy with a YAML
	// file of the same shape. Empty keeps the embedded policy.
	PolicyPath string `mapstructure:"policyPath"`
}

// ClaimsConfig wires the optional workspace claim store.
type ClaimsConfig struct {
	// DSN selects the backing database: postgres:// or postgresql:// for
	// PostgreSQL, anything else is a SQLite path. Empty disables claim
	// bookkeeping entirely.
	DSN string `mapstructure:"dsn"`

	// ReclaimAfter is how stale a claim must be before startup clears it as
	// an orphan from a crashed process.
	ReclaimAfter time.Duration `mapstructure:"reclaimAfter"`
}

// DebugConfig controls the read-only operator endpoint.
type DebugConfig struct {
	// Addr is the listen address, e.g. "127.0.0.1:6060". Empty means the
	// debug server does not listen at all.
	Addr string `mapstructure:"addr"`
}

// TracingConfig selects the OTLP trace endpoint. Empty means the no-op
// tracer.
type TracingConfig struct {
	Endpoint string `mapstructure:"endpoint"`
}

// detectDefaultLogFormat returns the appropriate log format based on
// environment: "json" for Kubernetes or production, "text" for terminals.
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("AGENTPOOL_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.output_path", "stdout")

	// NATS defaults - empty URL means use the in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "agentpool")
	v.SetDefault("nats.maxReconnects", 10)

	// Pool defaults come from the pool package so the tunables have a single
	// source of truth.
	pd := pool.DefaultConfig()
	v.SetDefault("pool.maxWorkers", pd.MaxWorkers)
	v.SetDefault("pool.maxWorkersPerUser", pd.MaxWorkersPerUser)
	v.SetDefault("pool.maxWorkersPerWorkspace", pd.MaxWorkersPerWorkspace)
	v.SetDefault("pool.maxQueuedPerUser", pd.MaxQueuedPerUser)
	v.SetDefault("pool.maxQueuedPerWorkspace", pd.MaxQueuedPerWorkspace)
	v.SetDefault("pool.maxQueuedGlobal", pd.MaxQueuedGlobal)
	v.SetDefault("pool.workersPerCore", pd.WorkersPerCore)
	v.SetDefault("pool.loadShedThreshold", pd.LoadShedThreshold)
	v.SetDefault("pool.inactivityTimeout", pd.InactivityTimeout)
	v.SetDefault("pool.maxAge", pd.MaxAge)
	v.SetDefault("pool.readyTimeout", pd.ReadyTimeout)
	v.SetDefault("pool.shutdownTimeout", pd.ShutdownTimeout)
	v.SetDefault("pool.cancelTimeout", pd.CancelTimeout)
	v.SetDefault("pool.killGrace", pd.KillGrace)
	v.SetDefault("pool.orphanSweepInterval", pd.OrphanSweepInterval)
	v.SetDefault("pool.orphanMaxAge", pd.OrphanMaxAge)
	v.SetDefault("pool.evictionStrategy", pd.EvictionStrategy)
	v.SetDefault("pool.socketDir", pd.SocketDir)
	v.SetDefault("pool.sessionsBaseDir", pd.SessionsBaseDir)
	v.SetDefault("pool.workerEntryPath", "")
	v.SetDefault("pool.workerEnv", []string{})

	// Worker defaults
	v.SetDefault("worker.agentPath", "claude")
	v.SetDefault("worker.skillsDir", "")
	v.SetDefault("worker.policyPath", "")

	// Claims defaults - empty DSN disables the claim store
	v.SetDefault("claims.dsn", "")
	v.SetDefault("claims.reclaimAfter", 24*time.Hour)

	// Debug server defaults - empty addr means do not listen
	v.SetDefault("debug.addr", "")

	// Tracing defaults - empty endpoint means the no-op tracer
	v.SetDefault("tracing.endpoint", "")
}

// Load reads configuration from environment variables, config file, and
// defaults. Environment variables use the prefix AGENTPOOL_ with snake_case
// naming. The config file is config.yaml in the current directory or
// /etc/agentpool/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default
// locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults first
	setDefaults(v)

	// Configure environment variables
	v.SetEnvPrefix("AGENTPOOL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings for snake_case env vars (camelCase config keys).
	// AutomaticEnv does not handle camelCase to SNAKE_CASE conversion, so
	// keys operators set from unit files get bound by hand.
	_ = v.BindEnv("pool.maxWorkers", "AGENTPOOL_POOL_MAX_WORKERS")
	_ = v.BindEnv("pool.socketDir", "AGENTPOOL_POOL_SOCKET_DIR")
	_ = v.BindEnv("pool.sessionsBaseDir", "AGENTPOOL_POOL_SESSIONS_BASE_DIR")
	_ = v.BindEnv("pool.workerEntryPath", "AGENTPOOL_POOL_WORKER_ENTRY_PATH")
	_ = v.BindEnv("worker.agentPath", "AGENTPOOL_WORKER_AGENT_PATH")
	_ = v.BindEnv("worker.skillsDir", "AGENTPOOL_WORKER_SKILLS_DIR")
	_ = v.BindEnv("worker.policyPath", "AGENTPOOL_WORKER_POLICY_PATH")
	_ = v.BindEnv("claims.dsn", "AGENTPOOL_CLAIMS_DSN")
	_ = v.BindEnv("claims.reclaimAfter", "AGENTPOOL_CLAIMS_RECLAIM_AFTER")
	_ = v.BindEnv("debug.addr", "AGENTPOOL_DEBUG_ADDR")
	_ = v.BindEnv("tracing.endpoint", "AGENTPOOL_TRACING_ENDPOINT", "OTEL_EXPORTER_OTLP_ENDPOINT")

	// Configure config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/agentpool/")

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	cfg.Pool.ApplyDefaults()
	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks that all configuration fields the daemon cannot run
// without are set and consistent.
func validate(cfg *Config) error {
	var errs []string

	if err := cfg.Pool.Validate(); err != nil {
		errs = append(errs, err.Error())
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true, "console": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text, console")
	}

	if cfg.Worker.AgentPath == "" {
		errs = append(errs, "worker.agentPath is required")
	}
	if cfg.Worker.PolicyPath != "" {
		if _, err := os.Stat(cfg.Worker.PolicyPath); err != nil {
			errs = append(errs, fmt.Sprintf("worker.policyPath: %v", err))
		}
	}

	if cfg.Claims.DSN != "" && cfg.Claims.ReclaimAfter <= 0 {
		errs = append(errs, "claims.reclaimAfter must be positive when claims.dsn is set")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}
