// Package audit provides the append-only JSONL audit trail of the
// file-integrity monitor. Each reconciled change is recorded as a single
// machine-parseable JSON line; fields that do not apply to an event kind
// are omitted.
//
// # Append semantics
//
// The underlying file is opened with os.O_APPEND | os.O_CREATE | os.O_WRONLY
// so every write is appended atomically by the OS. A mutex serialises Emit
// calls from the reconciliation workers.
//
// Records are immutable once emitted: the writer never rewrites or reorders
// lines, and every durably recorded change corresponds to exactly one line.
package audit

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"
)

// Kind classifies an audit record.
type Kind string

const (
	// KindCreate records a newly tracked file.
	KindCreate Kind = "create"
	// KindModify records a content change to a tracked file.
	KindModify Kind = "modify"
	// KindDelete records the disappearance of a tracked file.
	KindDelete Kind = "delete"
	// KindRename records a correlated delete/create pair with identical
	// content.
	KindRename Kind = "rename"
	// KindWarn records a path that could not be verified (permission
	// denied, repeated I/O failure) and was skipped.
	KindWarn Kind = "warn"
)

// Record is one audit log line. TS is unix milliseconds; Path is set for
// every kind except rename, which uses From and To instead.
type Record struct {
	TS      int64  `json:"ts"`
	Kind    Kind   `json:"kind"`
	Path    string `json:"path,omitempty"`
	From    string `json:"from,omitempty"`
	To      string `json:"to,omitempty"`
	OldHash string `json:"old_hash,omitempty"`
	NewHash string `json:"new_hash,omitempty"`
	Size    int64  `json:"size,omitempty"`
	Mtime   int64  `json:"mtime,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Writer is an append-only JSONL audit log writer. Create one with Open;
// do not copy after first use.
type Writer struct {
	mu   sync.Mutex
	file *os.File
}

// Open opens (or creates) the audit log at path for appending.
func Open(path string) (*Writer, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("audit: open %q: %w", path, err)
	}
	return &Writer{file: f}, nil
}

// Emit appends rec as one JSON line. A zero TS is stamped with the current
// time. Emit is safe for concurrent use.
func (w *Writer) Emit(rec Record) error {
	if rec.TS == 0 {
		rec.TS = time.Now().UTC().UnixMilli()
	}

	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("audit: marshal record: %w", err)
	}
	line = append(line, '\n')

	w.mu.Lock()
	defer w.mu.Unlock()
	if _, err := w.file.Write(line); err != nil {
		return fmt.Errorf("audit: write record: %w", err)
	}
	return nil
}

// Close flushes OS-level buffers and closes the underlying file.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.file.Sync(); err != nil {
		_ = w.file.Close()
		return fmt.Errorf("audit: sync: %w", err)
	}
	return w.file.Close()
}

// Read parses the audit log at path and returns its records in order.
// Empty lines are skipped; a malformed line is an error. An absent or
// empty file yields an empty slice.
func Read(path string) ([]Record, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("audit: open %q: %w", path, err)
	}
	defer f.Close()

	var records []Record
	scanner := bufio.NewScanner(f)
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec Record
		if err := json.Unmarshal(line, &rec); err != nil {
			return nil, fmt.Errorf("audit: malformed record %d: %w", len(records)+1, err)
		}
		records = append(records, rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("audit: scanning %q: %w", path, err)
	}
	return records, nil
}
