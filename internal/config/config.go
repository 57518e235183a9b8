// Package config provides configuration management for the docforge agent.
// Configuration is loaded from environment variables with sensible defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

const (
	// Default values
	DefaultPort     = 8790
	DefaultLogLevel = "info"
	DefaultDataDir  = ".docforge"

	// Environment variable names
	EnvPort     = "DOCFORGE_PORT"
	EnvLogLevel = "DOCFORGE_LOG_LEVEL"
	EnvDataDir  = "DOCFORGE_DATA_DIR"

	// Executor environment variable names
	EnvStageTimeout    = "DOCFORGE_STAGE_TIMEOUT"
	EnvCommitRetries   = "DOCFORGE_COMMIT_RETRIES"
	EnvInterruptPollMs = "DOCFORGE_INTERRUPT_POLL_MS"

	// Database filename
	DBFilename = "docforge.db"

	// Executor defaults
	DefaultStageTimeoutSeconds = 600
	DefaultCommitRetries       = 3
	DefaultInterruptPollMs     = 250
)

// Config defines the application configuration interface
type Config interface {
	Port() int
	LogLevel() string
	DataDir() string
	DBPath() string
	StageTimeout() time.Duration
	CommitRetries() int
	InterruptPoll() time.Duration
}

// EnvConfig reads configuration from environment variables
type EnvConfig struct {
	port            int
	logLevel        string
	dataDir         string
	stageTimeoutS   int
	commitRetries   int
	interruptPollMs int
}

// New creates a new EnvConfig with defaults and environment variable overrides
func New() (*EnvConfig, error) {
	cfg := &EnvConfig{
		port:            DefaultPort,
		logLevel:        DefaultLogLevel,
		dataDir:         defaultDataDir(),
		stageTimeoutS:   DefaultStageTimeoutSeconds,
		commitRetries:   DefaultCommitRetries,
		interruptPollMs: DefaultInterruptPollMs,
	}

	if p := os.Getenv(EnvPort); p != "" {
		port, err := strconv.Atoi(p)
		if err != nil {
			return nil, fmt.Errorf("invalid %s: %w", EnvPort, err)
		}
		if port < 1 || port > 65535 {
			return nil, fmt.Errorf("invalid %s: port must be between 1 and 65535", EnvPort)
		}
		cfg.port = port
	}

	if ll := os.Getenv(EnvLogLevel); ll != "" {
		cfg.logLevel = ll
	}

	if dd := os.Getenv(EnvDataDir); dd != "" {
		cfg.dataDir = dd
	}

	if st := os.Getenv(EnvStageTimeout); st != "" {
		seconds, err := strconv.Atoi(st)
		if err != nil {
			return nil, fmt.Errorf("invalid %s: %w", EnvStageTimeout, err)
		}
		if seconds < 1 {
			return nil, fmt.Errorf("invalid %s: timeout must be positive", EnvStageTimeout)
		}
		cfg.stageTimeoutS = seconds
	}

	if cr := os.Getenv(EnvCommitRetries); cr != "" {
		retries, err := strconv.Atoi(cr)
		if err != nil {
			return nil, fmt.Errorf("invalid %s: %w", EnvCommitRetries, err)
		}
		if retries < 0 {
			return nil, fmt.Errorf("invalid %s: retries must not be negative", EnvCommitRetries)
		}
		cfg.commitRetries = retries
	}

	if ip := os.Getenv(EnvInterruptPollMs); ip != "" {
		ms, err := strconv.Atoi(ip)
		if err != nil {
			return nil, fmt.Errorf("invalid %s: %w", EnvInterruptPollMs, err)
		}
		if ms < 1 {
			return nil, fmt.Errorf("invalid %s: poll interval must be positive", EnvInterruptPollMs)
		}
		cfg.interruptPollMs = ms
	}

	return cfg, nil
}

// Port returns the HTTP server port
func (c *EnvConfig) Port() int {
	return c.port
}

// LogLevel returns the log level (debug, info, warn, error)
func (c *EnvConfig) LogLevel() string {
	return c.logLevel
}

// DataDir returns the data directory path
func (c *EnvConfig) DataDir() string {
	return c.dataDir
}

// DBPath returns the full path to the SQLite database file
func (c *EnvConfig) DBPath() string {
	return filepath.Join(c.dataDir, DBFilename)
}

// StageTimeout returns the default per-stage handler deadline
func (c *EnvConfig) StageTimeout() time.Duration {
	return time.Duration(c.stageTimeoutS) * time.Second
}

// CommitRetries returns how many times a failed store commit is retried
func (c *EnvConfig) CommitRetries() int {
	return c.commitRetries
}

// InterruptPoll returns how often the executor re-checks the interrupt flag
// while waiting on a stage handler
func (c *EnvConfig) InterruptPoll() time.Duration {
	return time.Duration(c.interruptPollMs) * time.Millisecond
}

// defaultDataDir returns the default data directory path
func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		// Fallback to current directory if home is not available
		return DefaultDataDir
	}
	return filepath.Join(home, DefaultDataDir)
}

// Version information (set at build time via ldflags)
var (
	Version   = "0.1.0"
	BuildTime = "unknown"
	GitCommit = "unknown"
)
