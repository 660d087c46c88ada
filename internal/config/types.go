package config

import (
	"time"

	"github.com/docker/go-units"
	"gopkg.in/yaml.v3"
)

// Config represents the complete pvfhost configuration.
type Config struct {
	CacheDir  string          `yaml:"cache_dir"`
	LogLevel  string          `yaml:"log_level"`
	LogFormat string          `yaml:"log_format"`
	LogFile   LogFileConfig   `yaml:"log_file,omitempty"`
	Workers   WorkersConfig   `yaml:"workers"`
	Timeouts  TimeoutsConfig  `yaml:"timeouts"`
	Artifacts ArtifactsConfig `yaml:"artifacts"`
	Retry     RetryConfig     `yaml:"retry"`
	API       APIConfig       `yaml:"api,omitempty"`
	Metrics   MetricsConfig   `yaml:"metrics"`

	// SourcePath is the absolute path the config was loaded from, if any.
	SourcePath string `yaml:"-"`
	// SourceNode keeps the parsed document for `config check` output.
	SourceNode *yaml.Node `yaml:"-"`
}

// WorkersConfig defines worker binaries and pool bounds.
type WorkersConfig struct {
	PrepareWorkerPath string `yaml:"prepare_worker_path"`
	ExecuteWorkerPath string `yaml:"execute_worker_path"`

	// PrepareSoftMax caps workers spawned for non-critical prepare jobs.
	PrepareSoftMax int `yaml:"prepare_workers_soft_max_num"`
	PrepareHardMax int `yaml:"prepare_workers_hard_max_num"`
	ExecuteMax     int `yaml:"execute_workers_max_num"`

	SpawnTimeout  time.Duration `yaml:"spawn_timeout"`
	SpawnAttempts int           `yaml:"spawn_attempts"`
	ShutdownGrace time.Duration `yaml:"shutdown_grace"`
}

// TimeoutsConfig defines default job deadlines.
type TimeoutsConfig struct {
	Precheck        time.Duration `yaml:"precheck"`
	Compilation     time.Duration `yaml:"compilation"`
	Execution       time.Duration `yaml:"execution"`
	WallClockFactor int           `yaml:"wall_clock_factor"`
}

// ArtifactsConfig defines artifact cache maintenance.
type ArtifactsConfig struct {
	TTL           time.Duration `yaml:"ttl"`
	PruneInterval time.Duration `yaml:"prune_interval"`
	VerifyOnStart *bool         `yaml:"verify_on_start,omitempty"`
}

// RetryConfig defines bounded retries for infrastructure failures.
type RetryConfig struct {
	JobAttempts            int           `yaml:"job_attempts"`
	PrepareFailureCooldown time.Duration `yaml:"prepare_failure_cooldown"`
	PrepareFailureRetries  int           `yaml:"prepare_failure_retries"`
}

// LogFileConfig sends logs to a size-rotated file instead of stderr.
type LogFileConfig struct {
	Path       string `yaml:"path"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// APIConfig defines HTTP API server settings.
type APIConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
	// Token is an optional admin bearer token. With neither Token nor Tokens
	// set the API is unauthenticated.
	Token string `yaml:"token"`
	// Tokens are scoped bearer tokens.
	Tokens      []APITokenConfig `yaml:"tokens,omitempty"`
	CORSOrigins []string         `yaml:"cors_origins,omitempty"`
	RateLimit   RateLimitConfig  `yaml:"rate_limit,omitempty"`
	// MaxBody caps request bodies, e.g. "16MiB".
	MaxBody string `yaml:"max_body"`
}

// APITokenConfig is a bearer token limited to Scopes. Name labels the
// caller in logs and defaults to its position in the list.
type APITokenConfig struct {
	Name   string   `yaml:"name,omitempty"`
	Token  string   `yaml:"token"`
	Scopes []string `yaml:"scopes"`
}

// RateLimitConfig throttles validation requests. Zero RPS disables it.
type RateLimitConfig struct {
	RPS   float64 `yaml:"rps"`
	Burst int     `yaml:"burst"`
}

// MetricsConfig toggles the prometheus collectors.
type MetricsConfig struct {
	Enabled *bool `yaml:"enabled,omitempty"`
}

// VerifyArtifactsOnStart reports the effective verify_on_start setting.
func (c *Config) VerifyArtifactsOnStart() bool {
	return c.Artifacts.VerifyOnStart == nil || *c.Artifacts.VerifyOnStart
}

// MaxBodyBytes parses MaxBody, falling back to 16MiB when it is unset or bad.
func (a APIConfig) MaxBodyBytes() int64 {
	if n, err := units.RAMInBytes(a.MaxBody); err == nil && n > 0 {
		return n
	}
	return 16 << 20
}

// MetricsEnabled reports the effective metrics.enabled setting.
func (c *Config) MetricsEnabled() bool {
	return c.Metrics.Enabled == nil || *c.Metrics.Enabled
}

// Defaults returns a Config with the documented defaults.
func Defaults() *Config {
	return &Config{
		CacheDir:  "./data/pvf-cache",
		LogLevel:  "info",
		LogFormat: "json",
		Workers: WorkersConfig{
			PrepareWorkerPath: "./bin/pvf-prepare-worker",
			ExecuteWorkerPath: "./bin/pvf-execute-worker",
			PrepareSoftMax:    1,
			PrepareHardMax:    2,
			ExecuteMax:        2,
			SpawnTimeout:      3 * time.Second,
			SpawnAttempts:     3,
			ShutdownGrace:     2 * time.Second,
		},
		Timeouts: TimeoutsConfig{
			Precheck:        60 * time.Second,
			Compilation:     360 * time.Second,
			Execution:       2 * time.Second,
			WallClockFactor: 4,
		},
		Artifacts: ArtifactsConfig{
			TTL:           24 * time.Hour,
			PruneInterval: time.Hour,
		},
		Retry: RetryConfig{
			JobAttempts:            3,
			PrepareFailureCooldown: 15 * time.Minute,
			PrepareFailureRetries:  3,
		},
		API: APIConfig{
			Enabled: false,
			Listen:  "127.0.0.1:9644",
			MaxBody: "16MiB",
		},
	}
}
