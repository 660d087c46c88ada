// Package doctor checks a pvfhost configuration against the machine it is
// about to run on.
package doctor

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/mattjoyce/pvfhost/internal/auth"
	"github.com/mattjoyce/pvfhost/internal/config"
	"github.com/mattjoyce/pvfhost/internal/host"
	"github.com/mattjoyce/pvfhost/internal/lock"
	"github.com/mattjoyce/pvfhost/internal/storage"
)

// Result holds the outcome of a validation run.
type Result struct {
	Valid    bool    `json:"valid"`
	Errors   []Issue `json:"errors,omitempty"`
	Warnings []Issue `json:"warnings,omitempty"`
}

// Issue describes a single validation error or warning.
type Issue struct {
	Category string `json:"category"`
	Message  string `json:"message"`
	Field    string `json:"field,omitempty"`
}

// Doctor validates a loaded configuration and its environment.
type Doctor struct {
	cfg *config.Config
	// probe is storage.ProbeFilesystem outside tests.
	probe func(string) (storage.Filesystem, error)
}

// New creates a Doctor for cfg.
func New(cfg *config.Config) *Doctor {
	return &Doctor{cfg: cfg, probe: storage.ProbeFilesystem}
}

// Validate runs all checks and returns a result.
func (d *Doctor) Validate() *Result {
	r := &Result{Valid: true}

	d.validateConfig(r)
	d.validateWorkerBinaries(r)
	d.validateCacheDir(r)
	d.validateTokenScopes(r)
	d.warnTimeouts(r)
	d.warnAPIExposure(r)
	d.warnMissingEnvVars(r)

	r.Valid = len(r.Errors) == 0
	return r
}

func (d *Doctor) addError(r *Result, category, field, msg string) {
	r.Errors = append(r.Errors, Issue{Category: category, Field: field, Message: msg})
}

func (d *Doctor) addWarning(r *Result, category, field, msg string) {
	r.Warnings = append(r.Warnings, Issue{Category: category, Field: field, Message: msg})
}

// validateConfig runs the loader's structural validation.
func (d *Doctor) validateConfig(r *Result) {
	if err := config.Validate(d.cfg); err != nil {
		d.addError(r, "config", "", err.Error())
	}
}

// validateWorkerBinaries checks that both worker programs exist and are executable.
func (d *Doctor) validateWorkerBinaries(r *Result) {
	for _, w := range []struct{ field, path string }{
		{"workers.prepare_worker_path", d.cfg.Workers.PrepareWorkerPath},
		{"workers.execute_worker_path", d.cfg.Workers.ExecuteWorkerPath},
	} {
		if w.path == "" {
			continue
		}
		info, err := os.Stat(w.path)
		switch {
		case err != nil:
			d.addError(r, "workers", w.field, fmt.Sprintf("worker binary %s: %v", w.path, err))
		case info.IsDir():
			d.addError(r, "workers", w.field, fmt.Sprintf("worker binary %s is a directory", w.path))
		case info.Mode().Perm()&0o111 == 0:
			d.addError(r, "workers", w.field, fmt.Sprintf("worker binary %s is not executable", w.path))
		}
	}
	if d.cfg.Workers.PrepareWorkerPath != "" && d.cfg.Workers.PrepareWorkerPath == d.cfg.Workers.ExecuteWorkerPath {
		d.addWarning(r, "workers", "workers.execute_worker_path",
			"prepare and execute workers point at the same binary")
	}
}

// validateCacheDir checks the filesystem under cache_dir and whether a host
// already holds it.
func (d *Doctor) validateCacheDir(r *Result) {
	dir := d.cfg.CacheDir
	if dir == "" {
		return
	}
	fs, err := d.probe(dir)
	if err != nil {
		d.addError(r, "cache", "cache_dir", err.Error())
		return
	}
	switch {
	case fs.Remote:
		d.addError(r, "cache", "cache_dir",
			fmt.Sprintf("%s is on network filesystem %s; the cache needs local disk", dir, fs.Type))
		return
	case fs.Type == "tmpfs":
		d.addWarning(r, "cache", "cache_dir",
			fmt.Sprintf("%s is on tmpfs; compiled artifacts are lost on reboot", dir))
	}

	info, err := os.Stat(dir)
	if os.IsNotExist(err) {
		d.addWarning(r, "cache", "cache_dir", fmt.Sprintf("%s does not exist yet and will be created", dir))
		return
	}
	if err != nil {
		d.addError(r, "cache", "cache_dir", err.Error())
		return
	}
	if !info.IsDir() {
		d.addError(r, "cache", "cache_dir", fmt.Sprintf("%s is not a directory", dir))
		return
	}

	l, err := lock.AcquirePIDLock(filepath.Join(dir, host.LockFile))
	if errors.Is(err, lock.ErrLocked) {
		d.addWarning(r, "cache", "cache_dir", fmt.Sprintf("a host is running against this cache: %v", err))
		return
	}
	if err != nil {
		d.addError(r, "cache", "cache_dir", fmt.Sprintf("cache dir is not writable: %v", err))
		return
	}
	_ = l.Release()
}

var knownScopes = map[string]bool{
	auth.ScopeAll:      true,
	auth.ScopeValidate: true,
	auth.ScopeStatus:   true,
	auth.ScopeEvents:   true,
	auth.ScopeMetrics:  true,
}

// validateTokenScopes rejects scopes the API does not understand.
func (d *Doctor) validateTokenScopes(r *Result) {
	seen := make(map[string]int)
	for i, tok := range d.cfg.API.Tokens {
		field := fmt.Sprintf("api.tokens[%d].scopes", i)
		for _, s := range tok.Scopes {
			if !knownScopes[strings.TrimSpace(s)] {
				d.addError(r, "api", field, fmt.Sprintf("unknown scope %q", s))
			}
		}
		if tok.Token == "" {
			continue
		}
		if prev, dup := seen[tok.Token]; dup {
			d.addError(r, "api", fmt.Sprintf("api.tokens[%d].token", i),
				fmt.Sprintf("token duplicates api.tokens[%d]", prev))
		}
		seen[tok.Token] = i
	}
}

// warnTimeouts flags timeout combinations that are legal but likely mistakes.
func (d *Doctor) warnTimeouts(r *Result) {
	t := d.cfg.Timeouts
	if t.Precheck > 0 && t.Compilation > 0 && t.Precheck > t.Compilation {
		d.addWarning(r, "timeouts", "timeouts.precheck",
			fmt.Sprintf("precheck timeout %s is longer than the lenient compilation timeout %s", t.Precheck, t.Compilation))
	}
	if t.WallClockFactor == 1 {
		d.addWarning(r, "timeouts", "timeouts.wall_clock_factor",
			"a factor of 1 kills busy workers the moment their CPU budget is used up")
	}
	if t.Execution > 0 && t.Execution > time.Minute {
		d.addWarning(r, "timeouts", "timeouts.execution",
			fmt.Sprintf("execution timeout %s is unusually long", t.Execution))
	}
	if d.cfg.Artifacts.TTL > 0 && d.cfg.Artifacts.PruneInterval == 0 {
		d.addWarning(r, "artifacts", "artifacts.prune_interval",
			"ttl is set but pruning is disabled")
	}
}

// warnAPIExposure flags an unauthenticated API reachable off the loopback.
func (d *Doctor) warnAPIExposure(r *Result) {
	api := d.cfg.API
	if !api.Enabled {
		return
	}
	unauthenticated := api.Token == "" && len(api.Tokens) == 0
	if unauthenticated {
		d.addWarning(r, "api", "api", "API enabled but no authentication configured")
		if h, _, err := net.SplitHostPort(api.Listen); err == nil && !isLoopback(h) {
			d.addWarning(r, "api", "api.listen",
				fmt.Sprintf("unauthenticated API listens on %s, not only loopback", api.Listen))
		}
	}
	if api.Token != "" && len(api.Tokens) > 0 {
		d.addWarning(r, "api", "api.token",
			"both an admin token and scoped tokens configured; the admin token grants every scope")
	}
	if api.RateLimit.RPS == 0 && !unauthenticated {
		d.addWarning(r, "api", "api.rate_limit", "validation requests are not rate limited")
	}
}

func isLoopback(h string) bool {
	if h == "localhost" {
		return true
	}
	ip := net.ParseIP(h)
	return ip != nil && ip.IsLoopback()
}

var envVarRe = regexp.MustCompile(`\$\{([A-Z_][A-Z0-9_]*)\}`)

// warnMissingEnvVars warns about ${VAR} references where VAR is not set.
func (d *Doctor) warnMissingEnvVars(r *Result) {
	check := func(field, value string) {
		for _, m := range envVarRe.FindAllStringSubmatch(value, -1) {
			if os.Getenv(m[1]) == "" {
				d.addWarning(r, "env_vars", field, fmt.Sprintf("environment variable ${%s} not set", m[1]))
			}
		}
	}
	check("api.token", d.cfg.API.Token)
	for i, tok := range d.cfg.API.Tokens {
		if tok.Token == "" {
			d.addWarning(r, "env_vars", fmt.Sprintf("api.tokens[%d].token", i),
				"token value is empty (possibly unresolved environment variable)")
			continue
		}
		check(fmt.Sprintf("api.tokens[%d].token", i), tok.Token)
	}
}

// FormatHuman returns a human-readable validation report.
func FormatHuman(r *Result) string {
	var b strings.Builder

	if r.Valid && len(r.Warnings) == 0 {
		b.WriteString("Configuration valid.\n")
		return b.String()
	}

	if r.Valid && len(r.Warnings) > 0 {
		b.WriteString("Configuration valid")
		fmt.Fprintf(&b, " (%d warning(s))\n", len(r.Warnings))
	}

	if !r.Valid {
		fmt.Fprintf(&b, "Configuration invalid (%d error(s), %d warning(s))\n", len(r.Errors), len(r.Warnings))
	}

	for _, e := range r.Errors {
		if e.Field != "" {
			fmt.Fprintf(&b, "  ERROR [%s] %s: %s\n", e.Category, e.Field, e.Message)
		} else {
			fmt.Fprintf(&b, "  ERROR [%s] %s\n", e.Category, e.Message)
		}
	}
	for _, w := range r.Warnings {
		if w.Field != "" {
			fmt.Fprintf(&b, "  WARN  [%s] %s: %s\n", w.Category, w.Field, w.Message)
		} else {
			fmt.Fprintf(&b, "  WARN  [%s] %s\n", w.Category, w.Message)
		}
	}

	return b.String()
}

// FormatJSON returns the result as indented JSON.
func FormatJSON(r *Result) (string, error) {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}
