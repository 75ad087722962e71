package pool

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"
)

// Eviction strategies for reclaiming an idle worker slot when the pool is at
// its global cap.
const (
	EvictLRU       = "lru"        // oldest lastActivityAt
	EvictOldest    = "oldest"     // oldest createdAt
	EvictLeastUsed = "least_used" // fewest queriesProcessed
)

// Config controls pool sizing, queue depths, and lifecycle timeouts.
type Config struct {
	// MaxWorkers caps the total number of live workers. Zero or negative
	// means derive from WorkersPerCore and the host CPU count.
	MaxWorkers             int `mapstructure:"maxWorkers"`
	MaxWorkersPerUser      int `mapstructure:"maxWorkersPerUser"`
	MaxWorkersPerWorkspace int `mapstructure:"maxWorkersPerWorkspace"`

	MaxQueuedPerUser      int `mapstructure:"maxQueuedPerUser"`
	MaxQueuedPerWorkspace int `mapstructure:"maxQueuedPerWorkspace"`
	MaxQueuedGlobal       int `mapstructure:"maxQueuedGlobal"`

	WorkersPerCore    int `mapstructure:"workersPerCore"`
	LoadShedThreshold int `mapstructure:"loadShedThreshold"`

	InactivityTimeout   time.Duration `mapstructure:"inactivityTimeout"`
	MaxAge              time.Duration `mapstructure:"maxAge"`
	ReadyTimeout        time.Duration `mapstructure:"readyTimeout"`
	ShutdownTimeout     time.Duration `mapstructure:"shutdownTimeout"`
	CancelTimeout       time.Duration `mapstructure:"cancelTimeout"`
	KillGrace           time.Duration `mapstructure:"killGrace"`
	OrphanSweepInterval time.Duration `mapstructure:"orphanSweepInterval"`
	OrphanMaxAge        time.Duration `mapstructure:"orphanMaxAge"`

	EvictionStrategy string `mapstructure:"evictionStrategy"`

	// SocketDir holds the per-worker Unix sockets. Created with mode 0700.
	SocketDir string `mapstructure:"socketDir"`
	// SessionsBaseDir holds the per-workspace session homes.
	SessionsBaseDir string `mapstructure:"sessionsBaseDir"`
	// WorkerEntryPath is the worker executable. Empty means "agentworker"
	// next to the current executable.
	WorkerEntryPath string `mapstructure:"workerEntryPath"`
	// WorkerEnv holds extra KEY=VALUE pairs passed to every worker process,
	// such as the agent CLI path override.
	WorkerEnv []string `mapstructure:"workerEnv"`
}

// DefaultConfig returns the stock configuration.
func DefaultConfig() Config {
	return Config{
		MaxWorkers:             0, // derived in ApplyDefaults
		MaxWorkersPerUser:      1,
		MaxWorkersPerWorkspace: 1,
		MaxQueuedPerUser:       4,
		MaxQueuedPerWorkspace:  8,
		MaxQueuedGlobal:        16,
		WorkersPerCore:         4,
		LoadShedThreshold:      100,
		InactivityTimeout:      30 * time.Minute,
		MaxAge:                 60 * time.Minute,
		ReadyTimeout:           30 * time.Second,
		ShutdownTimeout:        10 * time.Second,
		CancelTimeout:          5 * time.Second,
		KillGrace:              2 * time.Second,
		OrphanSweepInterval:    30 * time.Second,
		OrphanMaxAge:           60 * time.Second,
		EvictionStrategy:       EvictLRU,
		SocketDir:              filepath.Join(os.TempDir(), "agentpool", "sockets"),
		SessionsBaseDir:        filepath.Join(os.TempDir(), "agentpool", "sessions"),
	}
}

// ApplyDefaults fills derived values that depend on the host.
func (c *Config) ApplyDefaults() {
	if c.WorkersPerCore <= 0 {
		c.WorkersPerCore = 4
	}
	if c.MaxWorkers <= 0 {
		c.MaxWorkers = c.WorkersPerCore * runtime.NumCPU()
	}
	if c.MaxWorkers < 1 {
		c.MaxWorkers = 1
	}
	if c.EvictionStrategy == "" {
		c.EvictionStrategy = EvictLRU
	}
}

// Validate checks the configuration for values the pool cannot run with.
func (c *Config) Validate() error {
	if c.MaxWorkers < 1 {
		return fmt.Errorf("maxWorkers must be at least 1, got %d", c.MaxWorkers)
	}
	if c.MaxWorkersPerUser < 1 {
		return fmt.Errorf("maxWorkersPerUser must be at least 1, got %d", c.MaxWorkersPerUser)
	}
	if c.MaxWorkersPerWorkspace < 1 {
		return fmt.Errorf("maxWorkersPerWorkspace must be at least 1, got %d", c.MaxWorkersPerWorkspace)
	}
	if c.MaxQueuedPerUser < 0 || c.MaxQueuedPerWorkspace < 0 || c.MaxQueuedGlobal < 0 {
		return fmt.Errorf("queue depths must be non-negative")
	}
	switch c.EvictionStrategy {
	case EvictLRU, EvictOldest, EvictLeastUsed:
	default:
		return fmt.Errorf("unknown eviction strategy %q", c.EvictionStrategy)
	}
	for name, d := range map[string]time.Duration{
		"readyTimeout":        c.ReadyTimeout,
		"shutdownTimeout":     c.ShutdownTimeout,
		"cancelTimeout":       c.CancelTimeout,
		"killGrace":           c.KillGrace,
		"inactivityTimeout":   c.InactivityTimeout,
		"maxAge":              c.MaxAge,
		"orphanSweepInterval": c.OrphanSweepInterval,
		"orphanMaxAge":        c.OrphanMaxAge,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}
	if c.SocketDir == "" {
		return fmt.Errorf("socketDir is required")
	}
	if c.SessionsBaseDir == "" {
		return fmt.Errorf("sessionsBaseDir is required")
	}
	return nil
}
