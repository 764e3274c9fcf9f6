// Package config provides configuration types and defaults for histoflow.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/zjrosen/histoflow/internal/log"
	"github.com/zjrosen/histoflow/internal/tracing"
)

// Config holds all configuration options for histoflow.
type Config struct {
	// DBPath is the sqlite database file. Created on first start.
	DBPath string `mapstructure:"db_path"`

	// Addr is the listen address for the HTTP API.
	Addr string `mapstructure:"addr"`

	// MaxWorkers caps concurrently running jobs across all users.
	MaxWorkers int `mapstructure:"max_workers"`

	// MaxActiveUsers caps the number of users admitted at once.
	MaxActiveUsers int `mapstructure:"max_active_users"`

	// TickInterval is the scheduler cadence.
	TickInterval time.Duration `mapstructure:"tick_interval"`

	// PurgeOnStart drops all persisted workflows, branches, and jobs on
	// startup. The default matches a development deployment; production
	// installs set this to false to keep history across restarts.
	PurgeOnStart bool `mapstructure:"purge_on_start"`

	// Tracing configures distributed tracing for the scheduler loop.
	Tracing tracing.Config `mapstructure:"tracing"`
}

// Defaults returns a Config with sensible default values.
func Defaults() Config {
	return Config{
		DBPath:         "histoflow.db",
		Addr:           "localhost:8700",
		MaxWorkers:     2,
		MaxActiveUsers: 2,
		TickInterval:   time.Second,
		PurgeOnStart:   true,
		Tracing:        tracing.DefaultConfig(),
	}
}

// Validate checks the configuration for errors.
func (c Config) Validate() error {
	if c.DBPath == "" {
		return fmt.Errorf("db_path is required")
	}
	if c.Addr == "" {
		return fmt.Errorf("addr is required")
	}
	if c.MaxWorkers < 0 {
		return fmt.Errorf("max_workers must be >= 0, got %d", c.MaxWorkers)
	}
	if c.MaxActiveUsers < 0 {
		return fmt.Errorf("max_active_users must be >= 0, got %d", c.MaxActiveUsers)
	}
	if c.TickInterval < 0 {
		return fmt.Errorf("tick_interval must be >= 0, got %v", c.TickInterval)
	}
	if err := ValidateTracing(c.Tracing); err != nil {
		return err
	}
	return nil
}

// ValidateTracing checks tracing configuration for errors.
// Returns nil if the configuration is valid (empty values use defaults).
func ValidateTracing(cfg tracing.Config) error {
	if cfg.SampleRate < 0.0 || cfg.SampleRate > 1.0 {
		return fmt.Errorf("tracing.sample_rate must be between 0.0 and 1.0, got %v", cfg.SampleRate)
	}

	if cfg.Exporter != "" {
		switch cfg.Exporter {
		case "none", "file", "stdout", "otlp":
			// Valid
		default:
			return fmt.Errorf("tracing.exporter must be \"none\", \"file\", \"stdout\", or \"otlp\", got %q", cfg.Exporter)
		}
	}

	// Only validate path requirements when tracing is enabled
	if cfg.Enabled {
		if cfg.Exporter == "file" && cfg.FilePath == "" {
			return fmt.Errorf("tracing.file_path is required when exporter is \"file\"")
		}
		if cfg.Exporter == "otlp" && cfg.OTLPEndpoint == "" {
			return fmt.Errorf("tracing.otlp_endpoint is required when exporter is \"otlp\"")
		}
	}

	return nil
}

// DefaultTracesFilePath returns the default path for trace file export.
// Returns ~/.config/histoflow/traces/traces.jsonl or empty string if home
// dir unavailable.
func DefaultTracesFilePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "histoflow", "traces", "traces.jsonl")
}

// DefaultConfigTemplate returns the default config as a YAML string with comments.
func DefaultConfigTemplate() string {
	return `# Histoflow Configuration

# Path to the sqlite database file (created on first start)
db_path: histoflow.db

# Listen address for the HTTP API
addr: localhost:8700

# Maximum concurrently running jobs across all users (0 pauses dispatch)
max_workers: 2

# Maximum users admitted to the scheduler at once
max_active_users: 2

# Scheduler cadence
tick_interval: 1s

# Drop all persisted workflows, branches, and jobs on startup.
# Set to false to keep job history across restarts.
purge_on_start: true

# Distributed tracing for the scheduler loop and job runs
# tracing:
#   enabled: false                 # Enable/disable tracing (default: false)
#   exporter: file                 # Export backend: none, file, stdout, otlp (default: file)
#   file_path: ~/.config/histoflow/traces/traces.jsonl  # Output file for file exporter
#   otlp_endpoint: localhost:4317  # OTLP collector endpoint (for otlp exporter)
#   sample_rate: 1.0               # Trace sampling rate 0.0-1.0 (default: 1.0)
#
# Example: send traces to Jaeger via OTLP
# tracing:
#   enabled: true
#   exporter: otlp
#   otlp_endpoint: jaeger.internal:4317
#   sample_rate: 0.1  # Sample 10% of traces
`
}

// WriteDefaultConfig creates a config file at the given path with default settings and comments.
// Creates the parent directory if it doesn't exist.
func WriteDefaultConfig(configPath string) error {
	log.Debug(log.CatConfig, "Writing default config", "path", configPath)

	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		log.ErrorErr(log.CatConfig, "Failed to create config directory", err, "dir", dir)
		return fmt.Errorf("creating config directory: %w", err)
	}

	if err := os.WriteFile(configPath, []byte(DefaultConfigTemplate()), 0o600); err != nil {
		log.ErrorErr(log.CatConfig, "Failed to write config file", err, "path", configPath)
		return fmt.Errorf("writing config file: %w", err)
	}

	log.Info(log.CatConfig, "Created default config", "path", configPath)
	return nil
}
