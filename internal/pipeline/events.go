// Package pipeline implements the event reconciliation pipeline of the
// file-integrity monitor: the component chain that turns raw, bursty
// filesystem notifications into deduplicated integrity events backed by a
// verified content hash and compared against the persisted baseline.
//
// The chain is Coalescer → Correlator → Reconciler. The Coalescer absorbs
// raw-event bursts per path into a single settled signal after a quiet
// period; the Correlator pairs delete/create signals with matching content
// into a single rename; the Reconciler re-verifies the path on disk,
// updates the baseline store, and emits exactly one audit record per
// durably recorded change.
package pipeline

import "time"

// Kind classifies a filesystem notification or a settled change.
type Kind uint8

const (
	// KindUnknown is a notification whose operation could not be classified.
	KindUnknown Kind = iota
	// KindModify indicates the file content was written.
	KindModify
	// KindCreate indicates the file appeared.
	KindCreate
	// KindDelete indicates the file disappeared.
	KindDelete
)

// String returns the lower-case name used in logs.
func (k Kind) String() string {
	switch k {
	case KindCreate:
		return "create"
	case KindModify:
		return "modify"
	case KindDelete:
		return "delete"
	default:
		return "unknown"
	}
}

// merge returns the more significant of two kinds. Significance order is
// Delete > Create > Modify > Unknown: a delete observed anywhere in a burst
// must not be masked by an earlier modify. The hint is advisory only — the
// Reconciler re-stats the path at settlement time regardless.
func (k Kind) merge(other Kind) Kind {
	if other > k {
		return other
	}
	return k
}

// RawEvent is a single platform notification delivered by the event source.
// Raw events are transient: they exist only between the watcher and the
// Coalescer and are never persisted.
type RawEvent struct {
	// Path is the canonical absolute path the notification refers to.
	Path string
	// Kind is the platform-reported operation.
	Kind Kind
	// At is when the watcher observed the notification.
	At time.Time
}

// SettledChange is one path whose raw-event burst has gone quiet for the
// debounce window. Hint is the most significant raw kind seen during the
// burst; the fields Hash, Size and Mtime are populated only when the
// Correlator already hashed the path (settled creates), so the Reconciler
// does not hash the same content twice.
type SettledChange struct {
	Path string
	Hint Kind

	// Precomputed content identity, empty unless the Correlator hashed
	// the path while checking for a rename match.
	Hash  string
	Size  int64
	Mtime int64
}

// SettledRename is a correlated delete/create pair with identical content:
// one logical rename of From to To. Hash, Size and Mtime describe the file
// now at To.
type SettledRename struct {
	From  string
	To    string
	Hash  string
	Size  int64
	Mtime int64
}
