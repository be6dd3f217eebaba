package audit_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sentra/fim/internal/audit"
)

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func tmpLog(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "events.jsonl")
}

func openWriter(t *testing.T, path string) *audit.Writer {
	t.Helper()
	w, err := audit.Open(path)
	if err != nil {
		t.Fatalf("audit.Open(%q): %v", path, err)
	}
	t.Cleanup(func() { _ = w.Close() })
	return w
}

func mustEmit(t *testing.T, w *audit.Writer, rec audit.Record) {
	t.Helper()
	if err := w.Emit(rec); err != nil {
		t.Fatalf("Emit: %v", err)
	}
}

// ---------------------------------------------------------------------------
// Emit
// ---------------------------------------------------------------------------

func TestEmit_StampsZeroTimestamp(t *testing.T) {
	path := tmpLog(t)
	w := openWriter(t, path)

	mustEmit(t, w, audit.Record{Kind: audit.KindCreate, Path: "/data/a", NewHash: "h1"})

	recs, err := audit.Read(path)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if len(recs) != 1 {
		t.Fatalf("records = %d, want 1", len(recs))
	}
	if recs[0].TS == 0 {
		t.Error("timestamp must be stamped on emit")
	}
}

func TestEmit_PreservesExplicitTimestamp(t *testing.T) {
	path := tmpLog(t)
	w := openWriter(t, path)

	mustEmit(t, w, audit.Record{TS: 1234, Kind: audit.KindDelete, Path: "/data/a"})

	recs, _ := audit.Read(path)
	if recs[0].TS != 1234 {
		t.Errorf("ts = %d, want 1234", recs[0].TS)
	}
}

func TestEmit_OmitsEmptyFields(t *testing.T) {
	path := tmpLog(t)
	w := openWriter(t, path)

	mustEmit(t, w, audit.Record{Kind: audit.KindDelete, Path: "/data/a", OldHash: "h1"})
	_ = w.Close()

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	line := string(raw)
	for _, absent := range []string{"new_hash", "from", "to", "size", "mtime", "error"} {
		if strings.Contains(line, absent) {
			t.Errorf("line contains %q, want omitted: %s", absent, line)
		}
	}
}

// ---------------------------------------------------------------------------
// Read
// ---------------------------------------------------------------------------

func TestRead_RoundTripsAllKinds(t *testing.T) {
	path := tmpLog(t)
	w := openWriter(t, path)

	want := []audit.Record{
		{Kind: audit.KindCreate, Path: "/a", NewHash: "h1", Size: 3, Mtime: 1},
		{Kind: audit.KindModify, Path: "/a", OldHash: "h1", NewHash: "h2", Size: 4, Mtime: 2},
		{Kind: audit.KindRename, From: "/a", To: "/b", NewHash: "h2", Size: 4, Mtime: 2},
		{Kind: audit.KindDelete, Path: "/b", OldHash: "h2"},
		{Kind: audit.KindWarn, Path: "/c", Error: "permission denied"},
	}
	for _, rec := range want {
		mustEmit(t, w, rec)
	}

	got, err := audit.Read(path)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if len(got) != len(want) {
		t.Fatalf("records = %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i].Kind != want[i].Kind {
			t.Errorf("record[%d].kind = %q, want %q", i, got[i].Kind, want[i].Kind)
		}
	}
	if got[2].From != "/a" || got[2].To != "/b" {
		t.Errorf("rename = %q -> %q, want /a -> /b", got[2].From, got[2].To)
	}
	if got[4].Error != "permission denied" {
		t.Errorf("warn error = %q", got[4].Error)
	}
}

func TestRead_AbsentFileIsEmpty(t *testing.T) {
	recs, err := audit.Read(filepath.Join(t.TempDir(), "missing.jsonl"))
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if len(recs) != 0 {
		t.Errorf("records = %d, want 0", len(recs))
	}
}

func TestRead_MalformedLineFails(t *testing.T) {
	path := tmpLog(t)
	if err := os.WriteFile(path, []byte("{not json}\n"), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if _, err := audit.Read(path); err == nil {
		t.Error("Read must fail on a malformed line")
	}
}

func TestOpen_AppendsAcrossReopen(t *testing.T) {
	path := tmpLog(t)

	w1, err := audit.Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	mustEmit(t, w1, audit.Record{Kind: audit.KindCreate, Path: "/a"})
	if err := w1.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	w2 := openWriter(t, path)
	mustEmit(t, w2, audit.Record{Kind: audit.KindModify, Path: "/a"})

	recs, err := audit.Read(path)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("records = %d, want 2 (append, not truncate)", len(recs))
	}
	if recs[0].Kind != audit.KindCreate || recs[1].Kind != audit.KindModify {
		t.Errorf("kinds = %q, %q", recs[0].Kind, recs[1].Kind)
	}
}
