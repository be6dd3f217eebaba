// Package exclude compiles the configured glob patterns into the exclusion
// predicate applied at every entry point of the pipeline: excluded paths
// never reach the baseline store, the audit log, or the metrics surface,
// regardless of raw events received for them.
package exclude

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// Matcher is a compiled set of doublestar glob patterns. The zero-pattern
// Matcher excludes nothing. Matcher is immutable and safe for concurrent
// use.
type Matcher struct {
	patterns []string
}

// New validates and compiles patterns. Patterns use doublestar syntax
// ("**/*.tmp", "/etc/**/cache"). A pattern without a path separator is
// matched against the base name of the path, so "*.swp" excludes editor
// swap files anywhere in the tree.
func New(patterns []string) (*Matcher, error) {
	for _, p := range patterns {
		if !doublestar.ValidatePattern(p) {
			return nil, fmt.Errorf("exclude: invalid glob pattern %q", p)
		}
	}
	return &Matcher{patterns: patterns}, nil
}

// Match reports whether path is excluded from monitoring.
func (m *Matcher) Match(path string) bool {
	slashed := filepath.ToSlash(path)
	base := filepath.Base(path)

	for _, p := range m.patterns {
		subject := slashed
		if !strings.Contains(p, "/") {
			subject = base
		}
		// Patterns were validated in New; Match cannot fail here.
		if ok, _ := doublestar.Match(p, subject); ok {
			return true
		}
	}
	return false
}

// Patterns returns the raw configured patterns, for logging.
func (m *Matcher) Patterns() []string {
	return m.patterns
}
