package exclude_test

import (
	"testing"

	"github.com/sentra/fim/internal/exclude"
)

func newMatcher(t *testing.T, patterns ...string) *exclude.Matcher {
	t.Helper()
	m, err := exclude.New(patterns)
	if err != nil {
		t.Fatalf("exclude.New(%v): %v", patterns, err)
	}
	return m
}

func TestNew_RejectsInvalidPattern(t *testing.T) {
	if _, err := exclude.New([]string{"[unclosed"}); err == nil {
		t.Error("New must reject an invalid glob pattern")
	}
}

func TestMatch_EmptyMatcherExcludesNothing(t *testing.T) {
	m := newMatcher(t)
	if m.Match("/etc/passwd") {
		t.Error("empty matcher must not exclude anything")
	}
}

func TestMatch_BasenamePattern(t *testing.T) {
	// A pattern without a separator applies to the base name anywhere.
	m := newMatcher(t, "*.swp")

	if !m.Match("/home/user/.config/file.swp") {
		t.Error("*.swp must match a swap file at any depth")
	}
	if m.Match("/home/user/file.txt") {
		t.Error("*.swp must not match file.txt")
	}
}

func TestMatch_DoublestarPattern(t *testing.T) {
	m := newMatcher(t, "/var/**/*.tmp")

	if !m.Match("/var/cache/nested/deep/x.tmp") {
		t.Error("doublestar must match nested temp files")
	}
	if m.Match("/srv/cache/x.tmp") {
		t.Error("anchored pattern must not match outside /var")
	}
}

func TestMatch_DirectoryPrefixPattern(t *testing.T) {
	m := newMatcher(t, "/data/cache/**")

	if !m.Match("/data/cache/a/b") {
		t.Error("pattern must match everything under /data/cache")
	}
	if m.Match("/data/live/a") {
		t.Error("pattern must not match siblings")
	}
}

func TestPatterns_ReturnsConfigured(t *testing.T) {
	m := newMatcher(t, "*.tmp", "*.swp")
	if got := m.Patterns(); len(got) != 2 || got[0] != "*.tmp" {
		t.Errorf("Patterns() = %v", got)
	}
}
