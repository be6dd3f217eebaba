package config_test

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/sentra/fim/internal/config"
)

// writeConfig writes a TOML document to a temp file and returns its path.
func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

const minimal = `
baseline_db = "/var/lib/fim/baseline.db"
watch_paths = ["/etc", "/usr/local/bin"]
`

// ---------------------------------------------------------------------------
// Defaults
// ---------------------------------------------------------------------------

func TestLoad_AppliesDefaults(t *testing.T) {
	cfg, err := config.Load(writeConfig(t, minimal))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.AuditLog != "events.jsonl" {
		t.Errorf("audit_log = %q, want events.jsonl", cfg.AuditLog)
	}
	if cfg.MetricsBind != "127.0.0.1:9200" {
		t.Errorf("metrics_bind = %q, want 127.0.0.1:9200", cfg.MetricsBind)
	}
	if cfg.HashAlg != "blake3" {
		t.Errorf("hash_alg = %q, want blake3", cfg.HashAlg)
	}
	if cfg.DebounceMS != 250 {
		t.Errorf("debounce_ms = %d, want 250", cfg.DebounceMS)
	}
	if cfg.RenameWindowMS != 500 {
		t.Errorf("rename_window_ms = %d, want 500 (twice the debounce)", cfg.RenameWindowMS)
	}
	if cfg.HashWorkers != runtime.GOMAXPROCS(0) {
		t.Errorf("hash_workers = %d, want GOMAXPROCS", cfg.HashWorkers)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("log_level = %q, want info", cfg.LogLevel)
	}
}

func TestLoad_ExplicitZeroDebounceIsRespected(t *testing.T) {
	cfg, err := config.Load(writeConfig(t, minimal+"debounce_ms = 0\n"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.DebounceMS != 0 {
		t.Errorf("debounce_ms = %d, want explicit 0", cfg.DebounceMS)
	}
	if cfg.Debounce() != 0 {
		t.Errorf("Debounce() = %v, want 0", cfg.Debounce())
	}
}

func TestLoad_RenameWindowDerivedFromCustomDebounce(t *testing.T) {
	cfg, err := config.Load(writeConfig(t, minimal+"debounce_ms = 100\n"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.RenameWindowMS != 200 {
		t.Errorf("rename_window_ms = %d, want 200", cfg.RenameWindowMS)
	}
	if cfg.RenameWindow() != 200*time.Millisecond {
		t.Errorf("RenameWindow() = %v, want 200ms", cfg.RenameWindow())
	}
}

func TestLoad_ExplicitRenameWindowWins(t *testing.T) {
	cfg, err := config.Load(writeConfig(t, minimal+"rename_window_ms = 900\n"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.RenameWindowMS != 900 {
		t.Errorf("rename_window_ms = %d, want 900", cfg.RenameWindowMS)
	}
}

// ---------------------------------------------------------------------------
// Full document
// ---------------------------------------------------------------------------

func TestLoad_FullDocument(t *testing.T) {
	doc := `
baseline_db = "base.db"
audit_log = "trail.jsonl"
metrics_bind = "0.0.0.0:9999"
watch_paths = ["/srv/data"]
exclude = ["**/*.tmp", "*.swp"]
hash_alg = "sha256"
debounce_ms = 50
rename_window_ms = 150
hash_workers = 2
log_level = "debug"
`
	cfg, err := config.Load(writeConfig(t, doc))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.AuditLog != "trail.jsonl" || cfg.HashAlg != "sha256" || cfg.HashWorkers != 2 {
		t.Errorf("cfg = %+v", cfg)
	}
	if len(cfg.Exclude) != 2 {
		t.Errorf("exclude = %v, want 2 patterns", cfg.Exclude)
	}
}

// ---------------------------------------------------------------------------
// Validation
// ---------------------------------------------------------------------------

func TestLoad_ValidationFailures(t *testing.T) {
	tests := []struct {
		name string
		doc  string
		want string
	}{
		{"missing baseline_db", `watch_paths = ["/etc"]`, "baseline_db is required"},
		{"empty watch_paths", `baseline_db = "b.db"` + "\nwatch_paths = []", "watch_paths"},
		{"bad hash_alg", minimal + `hash_alg = "md5"`, "hash_alg"},
		{"bad log_level", minimal + `log_level = "verbose"`, "log_level"},
		{"negative debounce", minimal + "debounce_ms = -1", "debounce_ms"},
		{"negative rename window", minimal + "rename_window_ms = -5", "rename_window_ms"},
		{"bad exclude glob", minimal + `exclude = ["[unclosed"]`, "invalid glob"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := config.Load(writeConfig(t, tt.doc))
			if err == nil {
				t.Fatal("Load succeeded, want validation error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error = %v, want mention of %q", err, tt.want)
			}
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := config.Load(filepath.Join(t.TempDir(), "absent.toml")); err == nil {
		t.Error("Load of absent file must fail")
	}
}

func TestLoad_MalformedTOML(t *testing.T) {
	if _, err := config.Load(writeConfig(t, "watch_paths = [")); err == nil {
		t.Error("Load of malformed TOML must fail")
	}
}
