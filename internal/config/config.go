// Package config provides TOML configuration loading and validation for
// the file-integrity monitor.
package config

import (
	"errors"
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/bmatcuk/doublestar/v4"
)

// Config is the top-level configuration structure for the monitor.
type Config struct {
	// BaselineDB is the path of the SQLite baseline database. Required.
	BaselineDB string `toml:"baseline_db"`

	// AuditLog is the JSONL audit trail appended to by the watch command.
	// Defaults to "events.jsonl" when omitted.
	AuditLog string `toml:"audit_log"`

	// MetricsBind is the listen address for the /metrics and /healthz HTTP
	// server (e.g. "127.0.0.1:9200"). Defaults to "127.0.0.1:9200".
	MetricsBind string `toml:"metrics_bind"`

	// WatchPaths is the set of root directories to monitor. Required,
	// non-empty.
	WatchPaths []string `toml:"watch_paths"`

	// Exclude is a list of doublestar glob patterns; matching paths are
	// never tracked, audited, or counted.
	Exclude []string `toml:"exclude"`

	// HashAlg selects the content digest: "blake3" (fast, default) or
	// "sha256" (cryptographic).
	HashAlg string `toml:"hash_alg"`

	// DebounceMS is the quiet period in milliseconds after the last raw
	// event before a path's change settles. 0 settles on the next sweep
	// tick. Defaults to 250.
	DebounceMS int `toml:"debounce_ms"`

	// RenameWindowMS is the span in milliseconds within which a settled
	// delete and a settled create with identical content are merged into
	// one rename. Defaults to twice DebounceMS.
	RenameWindowMS int `toml:"rename_window_ms"`

	// HashWorkers bounds the parallel hashing during init and overflow
	// recovery. Defaults to GOMAXPROCS.
	HashWorkers int `toml:"hash_workers"`

	// LogLevel sets the minimum log severity: "debug", "info", "warn", or
	// "error". Defaults to "info".
	LogLevel string `toml:"log_level"`
}

// validLogLevels is the set of accepted log level strings.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// validHashAlgs is the set of accepted hash algorithm strings.
var validHashAlgs = map[string]bool{
	"blake3": true,
	"sha256": true,
}

// Load reads the TOML file at path, unmarshals it into Config, applies
// defaults, and validates all required fields. It returns a typed error
// describing the first validation failure encountered.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: cannot read %q: %w", path, err)
	}

	var cfg Config
	md, err := toml.Decode(string(data), &cfg)
	if err != nil {
		return nil, fmt.Errorf("config: cannot parse %q: %w", path, err)
	}

	applyDefaults(&cfg, md)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config: validation failed for %q: %w", path, err)
	}

	return &cfg, nil
}

// applyDefaults fills in absent optional fields with sensible defaults.
// The TOML metadata distinguishes an absent debounce_ms (default 250) from
// an explicit 0, which means "settle immediately".
func applyDefaults(cfg *Config, md toml.MetaData) {
	if cfg.AuditLog == "" {
		cfg.AuditLog = "events.jsonl"
	}
	if cfg.MetricsBind == "" {
		cfg.MetricsBind = "127.0.0.1:9200"
	}
	if cfg.HashAlg == "" {
		cfg.HashAlg = "blake3"
	}
	if !md.IsDefined("debounce_ms") {
		cfg.DebounceMS = 250
	}
	if !md.IsDefined("rename_window_ms") {
		cfg.RenameWindowMS = 2 * cfg.DebounceMS
	}
	if cfg.HashWorkers == 0 {
		cfg.HashWorkers = runtime.GOMAXPROCS(0)
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
}

// validate checks that all required fields are populated and that
// enumerated fields contain only valid values.
func validate(cfg *Config) error {
	var errs []error

	if cfg.BaselineDB == "" {
		errs = append(errs, errors.New("baseline_db is required"))
	}
	if len(cfg.WatchPaths) == 0 {
		errs = append(errs, errors.New("watch_paths must contain at least one directory"))
	}
	for i, p := range cfg.WatchPaths {
		if p == "" {
			errs = append(errs, fmt.Errorf("watch_paths[%d] is empty", i))
		}
	}
	if !validHashAlgs[cfg.HashAlg] {
		errs = append(errs, fmt.Errorf("hash_alg %q must be one of: blake3, sha256", cfg.HashAlg))
	}
	if !validLogLevels[cfg.LogLevel] {
		errs = append(errs, fmt.Errorf("log_level %q must be one of: debug, info, warn, error", cfg.LogLevel))
	}
	if cfg.DebounceMS < 0 {
		errs = append(errs, fmt.Errorf("debounce_ms must be non-negative, got %d", cfg.DebounceMS))
	}
	if cfg.RenameWindowMS < 0 {
		errs = append(errs, fmt.Errorf("rename_window_ms must be non-negative, got %d", cfg.RenameWindowMS))
	}
	if cfg.HashWorkers < 1 {
		errs = append(errs, fmt.Errorf("hash_workers must be positive, got %d", cfg.HashWorkers))
	}
	for i, p := range cfg.Exclude {
		if !doublestar.ValidatePattern(p) {
			errs = append(errs, fmt.Errorf("exclude[%d]: invalid glob pattern %q", i, p))
		}
	}

	return errors.Join(errs...)
}

// Debounce returns the debounce window as a duration.
func (cfg *Config) Debounce() time.Duration {
	return time.Duration(cfg.DebounceMS) * time.Millisecond
}

// RenameWindow returns the rename correlation window as a duration.
func (cfg *Config) RenameWindow() time.Duration {
	return time.Duration(cfg.RenameWindowMS) * time.Millisecond
}
