// Package config defines the specrun configuration, loaded via viper from
// a YAML config file, environment variables (SPECRUN_ prefix), and flags.
package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"

	"github.com/specrunhq/specrun/internal/errors"
	"github.com/specrunhq/specrun/internal/logging"
)

// Config is the complete specrun configuration.
type Config struct {
	Worker  WorkerConfig  `mapstructure:"worker"`
	Health  HealthConfig  `mapstructure:"health"`
	Logging LoggingConfig `mapstructure:"logging"`
	PR      PRConfig      `mapstructure:"pr"`
}

// WorkerConfig controls how specflow worker processes are invoked.
type WorkerConfig struct {
	// EntryPoint is the worker executable, resolved via PATH when not
	// absolute.
	EntryPoint string `mapstructure:"entry_point"`
	// ProjectDir is the default workspace passed to the worker. Empty
	// means the current directory.
	ProjectDir string `mapstructure:"project_dir"`
	// Model is the default model override for runs. Empty uses the
	// worker's default.
	Model string `mapstructure:"model"`
	// MaxIterations bounds the worker's QA loop. Zero uses the worker's
	// default.
	MaxIterations int `mapstructure:"max_iterations"`
	// Verbose passes --verbose to every worker invocation.
	Verbose bool `mapstructure:"verbose"`
}

// HealthConfig controls stall detection.
type HealthConfig struct {
	// StallThresholdSeconds is how long a running task may be silent
	// before it is flagged as stalled (default: 60).
	StallThresholdSeconds int `mapstructure:"stall_threshold_seconds"`
	// TickIntervalSeconds is how often tracked tasks are scanned
	// (default: 5).
	TickIntervalSeconds int `mapstructure:"tick_interval_seconds"`
}

// StallThreshold returns the stall threshold as a time.Duration.
func (c *HealthConfig) StallThreshold() time.Duration {
	return time.Duration(c.StallThresholdSeconds) * time.Second
}

// TickInterval returns the tick interval as a time.Duration.
func (c *HealthConfig) TickInterval() time.Duration {
	return time.Duration(c.TickIntervalSeconds) * time.Second
}

// LoggingConfig controls debug logging.
type LoggingConfig struct {
	// Enabled controls whether debug logging is enabled (default: true).
	Enabled bool `mapstructure:"enabled"`
	// Level is the log level: "debug", "info", "warn", "error".
	Level string `mapstructure:"level"`
	// File is the log file path. Empty logs to stderr.
	File string `mapstructure:"file"`
	// MaxSizeMB is the log file size before rotation (default: 10).
	MaxSizeMB int `mapstructure:"max_size_mb"`
	// MaxBackups is the number of rotated files kept (default: 3).
	MaxBackups int `mapstructure:"max_backups"`
}

// Rotation returns the rotation settings for the logging package.
func (c *LoggingConfig) Rotation() logging.RotationConfig {
	return logging.RotationConfig{MaxSizeMB: c.MaxSizeMB, MaxBackups: c.MaxBackups}
}

// PRConfig controls create-pr defaults.
type PRConfig struct {
	// Target is the default base branch for created PRs.
	Target string `mapstructure:"target"`
	// Draft creates PRs as drafts by default.
	Draft bool `mapstructure:"draft"`
}

// Default returns a Config with sensible default values.
func Default() *Config {
	return &Config{
		Worker: WorkerConfig{
			EntryPoint:    "specflow",
			ProjectDir:    "",
			Model:         "",
			MaxIterations: 0,
			Verbose:       false,
		},
		Health: HealthConfig{
			StallThresholdSeconds: 60,
			TickIntervalSeconds:   5,
		},
		Logging: LoggingConfig{
			Enabled:    true,
			Level:      "info",
			File:       "",
			MaxSizeMB:  10,
			MaxBackups: 3,
		},
		PR: PRConfig{
			Target: "main",
			Draft:  false,
		},
	}
}

// SetDefaults registers default values with viper.
func SetDefaults() {
	defaults := Default()

	viper.SetDefault("worker.entry_point", defaults.Worker.EntryPoint)
	viper.SetDefault("worker.project_dir", defaults.Worker.ProjectDir)
	viper.SetDefault("worker.model", defaults.Worker.Model)
	viper.SetDefault("worker.max_iterations", defaults.Worker.MaxIterations)
	viper.SetDefault("worker.verbose", defaults.Worker.Verbose)

	viper.SetDefault("health.stall_threshold_seconds", defaults.Health.StallThresholdSeconds)
	viper.SetDefault("health.tick_interval_seconds", defaults.Health.TickIntervalSeconds)

	viper.SetDefault("logging.enabled", defaults.Logging.Enabled)
	viper.SetDefault("logging.level", defaults.Logging.Level)
	viper.SetDefault("logging.file", defaults.Logging.File)
	viper.SetDefault("logging.max_size_mb", defaults.Logging.MaxSizeMB)
	viper.SetDefault("logging.max_backups", defaults.Logging.MaxBackups)

	viper.SetDefault("pr.target", defaults.PR.Target)
	viper.SetDefault("pr.draft", defaults.PR.Draft)
}

// Load reads the configuration from viper into a Config and validates it.
func Load() (*Config, error) {
	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the configuration for values the supervisor cannot
// operate with.
func (c *Config) Validate() error {
	if c.Worker.EntryPoint == "" {
		return errors.NewValidationError("worker.entry_point", "must not be empty")
	}
	if c.Worker.MaxIterations < 0 {
		return errors.NewValidationError("worker.max_iterations", "must not be negative")
	}
	if c.Health.StallThresholdSeconds <= 0 {
		return errors.NewValidationError("health.stall_threshold_seconds", "must be positive")
	}
	if c.Health.TickIntervalSeconds <= 0 {
		return errors.NewValidationError("health.tick_interval_seconds", "must be positive")
	}
	return nil
}

// ConfigDir returns the path to the user's config directory.
func ConfigDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "specrun")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".specrun"
	}
	return filepath.Join(home, ".config", "specrun")
}

// ConfigFile returns the path to the config file.
func ConfigFile() string {
	return filepath.Join(ConfigDir(), "config.yaml")
}
