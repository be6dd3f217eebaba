package pipeline_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/sentra/fim/internal/audit"
	"github.com/sentra/fim/internal/baseline"
	"github.com/sentra/fim/internal/hashing"
	"github.com/sentra/fim/internal/metrics"
	"github.com/sentra/fim/internal/pipeline"
)

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

// captureSink records emitted audit records in memory.
type captureSink struct {
	mu   sync.Mutex
	recs []audit.Record
}

func (s *captureSink) Emit(rec audit.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recs = append(s.recs, rec)
	return nil
}

func (s *captureSink) records() []audit.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]audit.Record(nil), s.recs...)
}

// reconcilerFixture bundles a reconciler over a real store and real files.
type reconcilerFixture struct {
	dir     string
	store   *baseline.Store
	sink    *captureSink
	metrics *metrics.Metrics
	rec     *pipeline.Reconciler
}

func newFixture(t *testing.T) *reconcilerFixture {
	t.Helper()
	dir := t.TempDir()

	store, err := baseline.Open(filepath.Join(dir, "baseline.db"))
	if err != nil {
		t.Fatalf("baseline.Open: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	sink := &captureSink{}
	m := metrics.New()
	hash := func(path string) (string, int64, int64, error) {
		return hashing.File(path, hashing.SHA256)
	}
	return &reconcilerFixture{
		dir:     dir,
		store:   store,
		sink:    sink,
		metrics: m,
		rec:     pipeline.NewReconciler(store, sink, m, hash, discardLogger()),
	}
}

func (f *reconcilerFixture) writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(f.dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile(%q): %v", name, err)
	}
	return path
}

func (f *reconcilerFixture) reconcile(t *testing.T, path string, hint pipeline.Kind) {
	t.Helper()
	err := f.rec.ReconcileChange(context.Background(), pipeline.SettledChange{Path: path, Hint: hint})
	if err != nil {
		t.Fatalf("ReconcileChange(%q): %v", path, err)
	}
}

// ---------------------------------------------------------------------------
// Single-path reconciliation
// ---------------------------------------------------------------------------

func TestReconcileChange_NewFileBecomesTracked(t *testing.T) {
	f := newFixture(t)
	path := f.writeFile(t, "a.txt", "hello")

	f.reconcile(t, path, pipeline.KindCreate)

	rec, ok, err := f.store.Get(context.Background(), path)
	if err != nil || !ok {
		t.Fatalf("Get = ok=%v err=%v, want tracked", ok, err)
	}
	if rec.Hash == "" || rec.Size != 5 {
		t.Errorf("record = %+v, want hash set and size 5", rec)
	}

	recs := f.sink.records()
	if len(recs) != 1 || recs[0].Kind != audit.KindCreate {
		t.Fatalf("audit = %+v, want one create", recs)
	}
	if recs[0].NewHash != rec.Hash {
		t.Errorf("audit new_hash = %q, want %q", recs[0].NewHash, rec.Hash)
	}
	if n := f.metrics.Creates.Load(); n != 1 {
		t.Errorf("creates counter = %d, want 1", n)
	}
	if n := f.metrics.TrackedFiles.Load(); n != 1 {
		t.Errorf("tracked gauge = %d, want 1", n)
	}
}

func TestReconcileChange_ContentChangeRecordsModify(t *testing.T) {
	f := newFixture(t)
	path := f.writeFile(t, "a.txt", "v1")
	f.reconcile(t, path, pipeline.KindCreate)

	f.writeFile(t, "a.txt", "v2")
	f.reconcile(t, path, pipeline.KindModify)

	recs := f.sink.records()
	if len(recs) != 2 || recs[1].Kind != audit.KindModify {
		t.Fatalf("audit = %+v, want create then modify", recs)
	}
	if recs[1].OldHash == "" || recs[1].NewHash == "" || recs[1].OldHash == recs[1].NewHash {
		t.Errorf("modify hashes = %q -> %q, want distinct non-empty", recs[1].OldHash, recs[1].NewHash)
	}
	if n := f.metrics.Modifies.Load(); n != 1 {
		t.Errorf("modifies counter = %d, want 1", n)
	}
}

func TestReconcileChange_UnchangedContentIsSuppressed(t *testing.T) {
	f := newFixture(t)
	path := f.writeFile(t, "a.txt", "same")
	f.reconcile(t, path, pipeline.KindCreate)

	// A touch settles again with identical content: no record, no counter.
	f.reconcile(t, path, pipeline.KindModify)

	if recs := f.sink.records(); len(recs) != 1 {
		t.Fatalf("audit = %+v, want only the initial create", recs)
	}
	if n := f.metrics.Suppressed.Load(); n != 1 {
		t.Errorf("suppressed counter = %d, want 1", n)
	}
	if n := f.metrics.Modifies.Load(); n != 0 {
		t.Errorf("modifies counter = %d, want 0", n)
	}
}

func TestReconcileChange_VanishedTrackedFileRecordsDelete(t *testing.T) {
	f := newFixture(t)
	path := f.writeFile(t, "a.txt", "doomed")
	f.reconcile(t, path, pipeline.KindCreate)

	if err := os.Remove(path); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	f.reconcile(t, path, pipeline.KindDelete)

	if _, ok, _ := f.store.Get(context.Background(), path); ok {
		t.Error("record must be gone after delete")
	}
	recs := f.sink.records()
	if len(recs) != 2 || recs[1].Kind != audit.KindDelete {
		t.Fatalf("audit = %+v, want create then delete", recs)
	}
	if recs[1].OldHash == "" {
		t.Error("delete must carry the prior hash")
	}
	if n := f.metrics.TrackedFiles.Load(); n != 0 {
		t.Errorf("tracked gauge = %d, want 0", n)
	}
}

func TestReconcileChange_UntrackedVanishedPathIsNoop(t *testing.T) {
	f := newFixture(t)

	// A burst over a temp file that was created and removed within the
	// debounce window: nothing on disk, nothing in the baseline.
	f.reconcile(t, filepath.Join(f.dir, "ephemeral.tmp"), pipeline.KindCreate)

	if recs := f.sink.records(); len(recs) != 0 {
		t.Errorf("audit = %+v, want none", recs)
	}
	if n := f.metrics.Creates.Load() + f.metrics.Deletes.Load(); n != 0 {
		t.Errorf("counters = %d, want 0", n)
	}
}

func TestReconcileChange_HintIsAdvisoryOnly(t *testing.T) {
	f := newFixture(t)
	path := f.writeFile(t, "a.txt", "present")

	// The raw events said delete, but the file exists: filesystem wins.
	f.reconcile(t, path, pipeline.KindDelete)

	if _, ok, _ := f.store.Get(context.Background(), path); !ok {
		t.Error("existing file must be tracked regardless of delete hint")
	}
	recs := f.sink.records()
	if len(recs) != 1 || recs[0].Kind != audit.KindCreate {
		t.Fatalf("audit = %+v, want one create", recs)
	}
}

func TestReconcileChange_UsesPrecomputedHash(t *testing.T) {
	f := newFixture(t)
	path := f.writeFile(t, "a.txt", "content")

	// A pre-hashed settled change (the correlator path) must not re-read
	// the file; feed a deliberate fake digest and expect it stored.
	err := f.rec.ReconcileChange(context.Background(), pipeline.SettledChange{
		Path:  path,
		Hint:  pipeline.KindCreate,
		Hash:  "feedface",
		Size:  7,
		Mtime: 1700000000,
	})
	if err != nil {
		t.Fatalf("ReconcileChange: %v", err)
	}

	rec, ok, _ := f.store.Get(context.Background(), path)
	if !ok || rec.Hash != "feedface" {
		t.Errorf("record = %+v, want stored digest feedface", rec)
	}
}

// ---------------------------------------------------------------------------
// Store failures
// ---------------------------------------------------------------------------

// brokenStore serves reads from memory but fails every mutation, standing
// in for a corrupt or unavailable baseline database.
type brokenStore struct {
	records map[string]baseline.FileRecord
	err     error
}

func newBrokenStore(records ...baseline.FileRecord) *brokenStore {
	s := &brokenStore{
		records: make(map[string]baseline.FileRecord),
		err:     fmt.Errorf("baseline: write: %w", baseline.ErrStore),
	}
	for _, rec := range records {
		s.records[rec.Path] = rec
	}
	return s
}

func (s *brokenStore) Get(_ context.Context, path string) (baseline.FileRecord, bool, error) {
	rec, ok := s.records[path]
	return rec, ok, nil
}

func (s *brokenStore) Upsert(context.Context, baseline.FileRecord) (bool, error) {
	return false, s.err
}

func (s *brokenStore) Delete(context.Context, string) (bool, error) {
	return false, s.err
}

func (s *brokenStore) Rename(context.Context, string, baseline.FileRecord) error {
	return s.err
}

func (s *brokenStore) Count() int64 { return int64(len(s.records)) }

// brokenFixture wires a reconciler to a failing store over real files.
func brokenFixture(t *testing.T, store *brokenStore) (string, *captureSink, *metrics.Metrics, *pipeline.Reconciler) {
	t.Helper()
	dir := t.TempDir()
	sink := &captureSink{}
	m := metrics.New()
	hash := func(path string) (string, int64, int64, error) {
		return hashing.File(path, hashing.SHA256)
	}
	return dir, sink, m, pipeline.NewReconciler(store, sink, m, hash, discardLogger())
}

func TestReconcileChange_UpsertFailureEmitsNoAudit(t *testing.T) {
	store := newBrokenStore()
	dir, sink, m, rec := brokenFixture(t, store)

	path := filepath.Join(dir, "a.txt")
	if err := os.WriteFile(path, []byte("content"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	err := rec.ReconcileChange(context.Background(), pipeline.SettledChange{Path: path, Hint: pipeline.KindCreate})
	if !errors.Is(err, baseline.ErrStore) {
		t.Fatalf("error = %v, want ErrStore", err)
	}

	// The write never committed: no audit line, no counter movement.
	if recs := sink.records(); len(recs) != 0 {
		t.Errorf("audit = %+v, want none", recs)
	}
	if n := m.Creates.Load(); n != 0 {
		t.Errorf("creates counter = %d, want 0", n)
	}
}

func TestReconcileChange_DeleteFailureEmitsNoAudit(t *testing.T) {
	store := newBrokenStore(baseline.FileRecord{Path: "/data/gone", Hash: "h1", Size: 3, Mtime: 1})
	_, sink, m, rec := brokenFixture(t, store)

	// The path is tracked but absent on disk: a delete that cannot commit.
	err := rec.ReconcileChange(context.Background(), pipeline.SettledChange{Path: "/data/gone", Hint: pipeline.KindDelete})
	if !errors.Is(err, baseline.ErrStore) {
		t.Fatalf("error = %v, want ErrStore", err)
	}

	if recs := sink.records(); len(recs) != 0 {
		t.Errorf("audit = %+v, want none", recs)
	}
	if n := m.Deletes.Load(); n != 0 {
		t.Errorf("deletes counter = %d, want 0", n)
	}
}

func TestReconcileRename_StoreFailureEmitsNoAudit(t *testing.T) {
	store := newBrokenStore(baseline.FileRecord{Path: "/data/old", Hash: "h1", Size: 3, Mtime: 1})
	_, sink, m, rec := brokenFixture(t, store)

	err := rec.ReconcileRename(context.Background(), pipeline.SettledRename{
		From: "/data/old",
		To:   "/data/new",
		Hash: "h1",
	})
	if !errors.Is(err, baseline.ErrStore) {
		t.Fatalf("error = %v, want ErrStore", err)
	}

	if recs := sink.records(); len(recs) != 0 {
		t.Errorf("audit = %+v, want none", recs)
	}
	if n := m.Renames.Load(); n != 0 {
		t.Errorf("renames counter = %d, want 0", n)
	}
}

// ---------------------------------------------------------------------------
// Rename reconciliation
// ---------------------------------------------------------------------------

func TestReconcileRename_MovesRecordAndEmitsOneRecord(t *testing.T) {
	f := newFixture(t)
	oldPath := f.writeFile(t, "old.txt", "payload")
	f.reconcile(t, oldPath, pipeline.KindCreate)
	oldRec, _, _ := f.store.Get(context.Background(), oldPath)

	newPath := filepath.Join(f.dir, "new.txt")
	if err := os.Rename(oldPath, newPath); err != nil {
		t.Fatalf("Rename: %v", err)
	}

	err := f.rec.ReconcileRename(context.Background(), pipeline.SettledRename{
		From:  oldPath,
		To:    newPath,
		Hash:  oldRec.Hash,
		Size:  oldRec.Size,
		Mtime: oldRec.Mtime,
	})
	if err != nil {
		t.Fatalf("ReconcileRename: %v", err)
	}

	if _, ok, _ := f.store.Get(context.Background(), oldPath); ok {
		t.Error("old path must be untracked after rename")
	}
	rec, ok, _ := f.store.Get(context.Background(), newPath)
	if !ok || rec.Hash != oldRec.Hash {
		t.Errorf("new record = %+v, want hash %q", rec, oldRec.Hash)
	}

	recs := f.sink.records()
	if len(recs) != 2 || recs[1].Kind != audit.KindRename {
		t.Fatalf("audit = %+v, want create then rename", recs)
	}
	if recs[1].From != oldPath || recs[1].To != newPath {
		t.Errorf("rename audit = %q -> %q", recs[1].From, recs[1].To)
	}
	if n := f.metrics.Renames.Load(); n != 1 {
		t.Errorf("renames counter = %d, want 1", n)
	}
	if n := f.metrics.TrackedFiles.Load(); n != 1 {
		t.Errorf("tracked gauge = %d, want 1 (rename is count-neutral)", n)
	}
}
