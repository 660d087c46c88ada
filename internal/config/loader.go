package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/docker/go-units"
	"gopkg.in/yaml.v3"
)

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Load reads and parses configuration from a file.
// A directory is accepted if it contains config.yaml. Relative paths inside
// the file are resolved against the file's directory.
func Load(configPath string) (*Config, error) {
	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve config path %q: %w", configPath, err)
	}

	info, err := os.Stat(absPath)
	if err != nil {
		return nil, fmt.Errorf("config file not found: %s\n"+
			"Hint: Check the path or run with --config flag", absPath)
	}
	if info.IsDir() {
		absPath = filepath.Join(absPath, "config.yaml")
		if _, err := os.Stat(absPath); err != nil {
			return nil, fmt.Errorf("directory provided but config.yaml not found: %s", absPath)
		}
	}

	cfg, err := loadConfigFile(absPath)
	if err != nil {
		return nil, err
	}
	cfg.SourcePath = absPath

	cfg = applyConfigDefaults(cfg)
	resolvePaths(cfg, filepath.Dir(absPath))

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// DiscoverConfigPath finds a config file by checking standard locations.
// Priority order: $PVFHOST_CONFIG, ~/.config/pvfhost/config.yaml, /etc/pvfhost/config.yaml, ./config.yaml
func DiscoverConfigPath() (string, error) {
	if p := os.Getenv("PVFHOST_CONFIG"); p != "" {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	if homeDir, err := os.UserHomeDir(); err == nil {
		p := filepath.Join(homeDir, ".config", "pvfhost", "config.yaml")
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	if _, err := os.Stat("/etc/pvfhost/config.yaml"); err == nil {
		return "/etc/pvfhost/config.yaml", nil
	}

	if _, err := os.Stat("./config.yaml"); err == nil {
		return "./config.yaml", nil
	}

	return "", fmt.Errorf("no config found (checked: $PVFHOST_CONFIG, ~/.config/pvfhost, /etc/pvfhost, ./config.yaml)")
}

func loadConfigFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}
	// The seal covers the bytes as written, before env interpolation.
	if err := checkSeal(path, data); err != nil {
		return nil, err
	}

	interpolated := interpolateEnv(string(data))

	var node yaml.Node
	if err := yaml.Unmarshal([]byte(interpolated), &node); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	var cfg Config
	if len(node.Content) > 0 {
		if err := node.Decode(&cfg); err != nil {
			return nil, fmt.Errorf("failed to parse YAML: %w", err)
		}
	}
	cfg.SourceNode = &node
	return &cfg, nil
}

func applyConfigDefaults(cfg *Config) *Config {
	d := Defaults()

	if cfg.CacheDir == "" {
		cfg.CacheDir = d.CacheDir
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = d.LogLevel
	}
	if cfg.LogFormat == "" {
		cfg.LogFormat = d.LogFormat
	}

	w := &cfg.Workers
	if w.PrepareWorkerPath == "" {
		w.PrepareWorkerPath = d.Workers.PrepareWorkerPath
	}
	if w.ExecuteWorkerPath == "" {
		w.ExecuteWorkerPath = d.Workers.ExecuteWorkerPath
	}
	if w.PrepareHardMax == 0 {
		w.PrepareHardMax = d.Workers.PrepareHardMax
	}
	if w.PrepareSoftMax == 0 {
		w.PrepareSoftMax = min(d.Workers.PrepareSoftMax, w.PrepareHardMax)
	}
	if w.ExecuteMax == 0 {
		w.ExecuteMax = d.Workers.ExecuteMax
	}
	if w.SpawnTimeout == 0 {
		w.SpawnTimeout = d.Workers.SpawnTimeout
	}
	if w.SpawnAttempts == 0 {
		w.SpawnAttempts = d.Workers.SpawnAttempts
	}
	if w.ShutdownGrace == 0 {
		w.ShutdownGrace = d.Workers.ShutdownGrace
	}

	t := &cfg.Timeouts
	if t.Precheck == 0 {
		t.Precheck = d.Timeouts.Precheck
	}
	if t.Compilation == 0 {
		t.Compilation = d.Timeouts.Compilation
	}
	if t.Execution == 0 {
		t.Execution = d.Timeouts.Execution
	}
	if t.WallClockFactor == 0 {
		t.WallClockFactor = d.Timeouts.WallClockFactor
	}

	if cfg.Artifacts.TTL == 0 {
		cfg.Artifacts.TTL = d.Artifacts.TTL
	}
	if cfg.Artifacts.PruneInterval == 0 {
		cfg.Artifacts.PruneInterval = d.Artifacts.PruneInterval
	}

	r := &cfg.Retry
	if r.JobAttempts == 0 {
		r.JobAttempts = d.Retry.JobAttempts
	}
	if r.PrepareFailureCooldown == 0 {
		r.PrepareFailureCooldown = d.Retry.PrepareFailureCooldown
	}
	if r.PrepareFailureRetries == 0 {
		r.PrepareFailureRetries = d.Retry.PrepareFailureRetries
	}

	if cfg.API.Listen == "" {
		cfg.API.Listen = d.API.Listen
	}
	if cfg.API.MaxBody == "" {
		cfg.API.MaxBody = d.API.MaxBody
	}
	if cfg.API.RateLimit.RPS > 0 && cfg.API.RateLimit.Burst == 0 {
		cfg.API.RateLimit.Burst = max(1, int(cfg.API.RateLimit.RPS))
	}

	if lf := &cfg.LogFile; lf.Path != "" {
		if lf.MaxSizeMB == 0 {
			lf.MaxSizeMB = 100
		}
		if lf.MaxBackups == 0 {
			lf.MaxBackups = 5
		}
	}

	return cfg
}

func resolvePaths(cfg *Config, baseDir string) {
	abs := func(p string) string {
		if p == "" || filepath.IsAbs(p) {
			return p
		}
		return filepath.Join(baseDir, p)
	}
	cfg.CacheDir = abs(cfg.CacheDir)
	cfg.Workers.PrepareWorkerPath = abs(cfg.Workers.PrepareWorkerPath)
	cfg.Workers.ExecuteWorkerPath = abs(cfg.Workers.ExecuteWorkerPath)
	cfg.LogFile.Path = abs(cfg.LogFile.Path)
}

// interpolateEnv replaces ${VAR} with environment variable values.
// Undefined variables are left as-is (not expanded).
func interpolateEnv(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		// Left in place; validate reports it if the field matters.
		return match
	})
}

// Validate checks a Config built in code rather than loaded from disk.
func Validate(cfg *Config) error {
	return validate(cfg)
}

func validate(cfg *Config) error {
	if cfg.CacheDir == "" {
		return fmt.Errorf("cache_dir is required")
	}
	if err := checkUnresolved("cache_dir", cfg.CacheDir); err != nil {
		return err
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[cfg.LogLevel] {
		return fmt.Errorf("log_level must be one of: debug, info, warn, error (got %q)", cfg.LogLevel)
	}
	if cfg.LogFormat != "json" && cfg.LogFormat != "text" {
		return fmt.Errorf("log_format must be json or text (got %q)", cfg.LogFormat)
	}

	w := cfg.Workers
	if w.PrepareWorkerPath == "" || w.ExecuteWorkerPath == "" {
		return fmt.Errorf("workers.prepare_worker_path and workers.execute_worker_path are required")
	}
	if w.PrepareHardMax < 1 {
		return fmt.Errorf("workers.prepare_workers_hard_max_num must be at least 1")
	}
	if w.PrepareSoftMax < 1 || w.PrepareSoftMax > w.PrepareHardMax {
		return fmt.Errorf("workers.prepare_workers_soft_max_num must be between 1 and the hard max (%d), got %d",
			w.PrepareHardMax, w.PrepareSoftMax)
	}
	if w.ExecuteMax < 1 {
		return fmt.Errorf("workers.execute_workers_max_num must be at least 1")
	}
	if w.SpawnTimeout <= 0 {
		return fmt.Errorf("workers.spawn_timeout must be positive")
	}
	if w.SpawnAttempts < 1 {
		return fmt.Errorf("workers.spawn_attempts must be at least 1")
	}

	t := cfg.Timeouts
	if t.Precheck <= 0 || t.Compilation <= 0 || t.Execution <= 0 {
		return fmt.Errorf("timeouts must be positive")
	}
	if t.WallClockFactor < 1 {
		return fmt.Errorf("timeouts.wall_clock_factor must be at least 1")
	}

	if cfg.Artifacts.TTL < 0 || cfg.Artifacts.PruneInterval < 0 {
		return fmt.Errorf("artifacts.ttl and artifacts.prune_interval must not be negative")
	}

	if cfg.Retry.JobAttempts < 1 {
		return fmt.Errorf("retry.job_attempts must be at least 1")
	}
	if cfg.Retry.PrepareFailureRetries < 0 {
		return fmt.Errorf("retry.prepare_failure_retries must not be negative")
	}

	if cfg.API.Enabled {
		if cfg.API.Listen == "" {
			return fmt.Errorf("api.listen is required when the API is enabled")
		}
		if err := checkUnresolved("api.token", cfg.API.Token); err != nil {
			return err
		}
		for i, tok := range cfg.API.Tokens {
			field := fmt.Sprintf("api.tokens[%d]", i)
			if strings.TrimSpace(tok.Token) == "" {
				return fmt.Errorf("%s.token is required", field)
			}
			if err := checkUnresolved(field+".token", tok.Token); err != nil {
				return err
			}
			if len(tok.Scopes) == 0 {
				return fmt.Errorf("%s.scopes must not be empty", field)
			}
		}
		if n, err := units.RAMInBytes(cfg.API.MaxBody); err != nil || n <= 0 {
			return fmt.Errorf("api.max_body must be a positive size like 16MiB (got %q)", cfg.API.MaxBody)
		}
		if cfg.API.RateLimit.RPS < 0 || cfg.API.RateLimit.Burst < 0 {
			return fmt.Errorf("api.rate_limit must not be negative")
		}
	}

	if lf := cfg.LogFile; lf.Path != "" && (lf.MaxSizeMB < 0 || lf.MaxBackups < 0 || lf.MaxAgeDays < 0) {
		return fmt.Errorf("log_file limits must not be negative")
	}

	return nil
}

func checkUnresolved(field, value string) error {
	if matches := envVarPattern.FindStringSubmatch(value); len(matches) > 1 {
		return fmt.Errorf("%s: environment variable ${%s} is not set", field, matches[1])
	}
	return nil
}
