package pipeline

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"io/fs"
	"log/slog"
	"sync"

	"github.com/sentra/fim/internal/audit"
	"github.com/sentra/fim/internal/baseline"
	"github.com/sentra/fim/internal/metrics"
)

// lockStripes is the number of per-path mutual-exclusion stripes. Unrelated
// paths reconcile in parallel; two settles for the same path serialise on
// the same stripe.
const lockStripes = 64

// Store is the baseline mutation surface the Reconciler requires. The
// concrete implementation is baseline.Store.
type Store interface {
	Get(ctx context.Context, path string) (baseline.FileRecord, bool, error)
	Upsert(ctx context.Context, rec baseline.FileRecord) (inserted bool, err error)
	Delete(ctx context.Context, path string) (existed bool, err error)
	Rename(ctx context.Context, from string, rec baseline.FileRecord) error
	Count() int64
}

// AuditSink receives one record per durably recorded change.
type AuditSink interface {
	Emit(rec audit.Record) error
}

// HashFunc computes the content identity of a path: hex digest, size in
// bytes, and mtime in unix seconds.
type HashFunc func(path string) (digest string, size int64, mtime int64, err error)

// Reconciler turns settled changes into baseline mutations and audit
// records. It re-stats and re-hashes each settled path — the filesystem is
// the final authority, not the raw event kind — compares against the
// baseline record, applies the store mutation, and only then emits the
// audit record: a failed store write must never produce an audit line
// claiming the change was durably recorded.
type Reconciler struct {
	store   Store
	sink    AuditSink
	metrics *metrics.Metrics
	hash    HashFunc
	logger  *slog.Logger

	locks [lockStripes]sync.Mutex
}

// NewReconciler wires a Reconciler to its collaborators.
func NewReconciler(store Store, sink AuditSink, m *metrics.Metrics, hash HashFunc, logger *slog.Logger) *Reconciler {
	return &Reconciler{
		store:   store,
		sink:    sink,
		metrics: m,
		hash:    hash,
		logger:  logger,
	}
}

// stripe maps a path to its mutual-exclusion stripe.
func stripe(path string) int {
	h := fnv.New32a()
	h.Write([]byte(path)) //nolint:errcheck
	return int(h.Sum32() % lockStripes)
}

// ReconcileChange verifies one settled single-path change. The returned
// error is non-nil only for store-level failures (wrapping
// baseline.ErrStore); filesystem conditions — vanished files, permission
// races, transient I/O — are resolved here and never surface to the caller.
func (r *Reconciler) ReconcileChange(ctx context.Context, sc SettledChange) error {
	mu := &r.locks[stripe(sc.Path)]
	mu.Lock()
	defer mu.Unlock()

	digest, size, mtime := sc.Hash, sc.Size, sc.Mtime
	absent := false

	if digest == "" {
		var err error
		digest, size, mtime, err = r.hash(sc.Path)
		switch {
		case err == nil:
		case errors.Is(err, fs.ErrNotExist):
			// Vanished between notification and hashing: a delete.
			absent = true
		case errors.Is(err, fs.ErrPermission):
			return r.warnSkip(sc.Path, err)
		default:
			// Already retried once inside the hasher; leave the path in
			// its last known state.
			return r.warnSkip(sc.Path, err)
		}
	}

	prior, tracked, err := r.store.Get(ctx, sc.Path)
	if err != nil {
		return fmt.Errorf("reconcile %q: %w", sc.Path, err)
	}

	switch {
	case absent && !tracked:
		// A burst over an untracked path that left nothing behind.
		return nil

	case absent:
		existed, err := r.store.Delete(ctx, sc.Path)
		if err != nil {
			return fmt.Errorf("reconcile %q: %w", sc.Path, err)
		}
		if !existed {
			return nil
		}
		r.emit(audit.Record{
			Kind:    audit.KindDelete,
			Path:    sc.Path,
			OldHash: prior.Hash,
		})
		r.metrics.Deletes.Add(1)
		r.metrics.TrackedFiles.Store(r.store.Count())
		r.logger.Info("file deleted", slog.String("path", sc.Path))
		return nil

	case !tracked:
		rec := baseline.FileRecord{Path: sc.Path, Hash: digest, Size: size, Mtime: mtime}
		if _, err := r.store.Upsert(ctx, rec); err != nil {
			return fmt.Errorf("reconcile %q: %w", sc.Path, err)
		}
		r.emit(audit.Record{
			Kind:    audit.KindCreate,
			Path:    sc.Path,
			NewHash: digest,
			Size:    size,
			Mtime:   mtime,
		})
		r.metrics.Creates.Add(1)
		r.metrics.TrackedFiles.Store(r.store.Count())
		r.logger.Info("file created", slog.String("path", sc.Path))
		return nil

	case prior.Hash != digest:
		rec := baseline.FileRecord{Path: sc.Path, Hash: digest, Size: size, Mtime: mtime}
		if _, err := r.store.Upsert(ctx, rec); err != nil {
			return fmt.Errorf("reconcile %q: %w", sc.Path, err)
		}
		r.emit(audit.Record{
			Kind:    audit.KindModify,
			Path:    sc.Path,
			OldHash: prior.Hash,
			NewHash: digest,
			Size:    size,
			Mtime:   mtime,
		})
		r.metrics.Modifies.Add(1)
		r.logger.Info("file modified", slog.String("path", sc.Path))
		return nil

	default:
		// Content unchanged: a spurious notification (mtime-only touch).
		r.metrics.Suppressed.Add(1)
		return nil
	}
}

// ReconcileRename applies a correlated rename: the from record is removed
// and the to record written in one store transaction, and a single rename
// audit record is emitted. The tracked-files gauge is unchanged by a
// rename of a tracked file.
func (r *Reconciler) ReconcileRename(ctx context.Context, sr SettledRename) error {
	a, b := stripe(sr.From), stripe(sr.To)
	if a > b {
		a, b = b, a
	}
	r.locks[a].Lock()
	defer r.locks[a].Unlock()
	if b != a {
		r.locks[b].Lock()
		defer r.locks[b].Unlock()
	}

	rec := baseline.FileRecord{Path: sr.To, Hash: sr.Hash, Size: sr.Size, Mtime: sr.Mtime}
	if err := r.store.Rename(ctx, sr.From, rec); err != nil {
		return fmt.Errorf("reconcile rename %q -> %q: %w", sr.From, sr.To, err)
	}

	r.emit(audit.Record{
		Kind:    audit.KindRename,
		From:    sr.From,
		To:      sr.To,
		NewHash: sr.Hash,
		Size:    sr.Size,
		Mtime:   sr.Mtime,
	})
	r.metrics.Renames.Add(1)
	r.metrics.TrackedFiles.Store(r.store.Count())
	r.logger.Info("file renamed",
		slog.String("from", sr.From),
		slog.String("to", sr.To))
	return nil
}

// warnSkip records a path that could not be verified. The baseline is left
// in its last known state.
func (r *Reconciler) warnSkip(path string, cause error) error {
	r.emit(audit.Record{
		Kind:  audit.KindWarn,
		Path:  path,
		Error: cause.Error(),
	})
	r.logger.Warn("skipping unverifiable path",
		slog.String("path", path),
		slog.Any("error", cause))
	return nil
}

// emit writes an audit record, logging a failure. The store mutation has
// already committed at this point, so an audit write error cannot be
// unwound; it is surfaced in the logs instead.
func (r *Reconciler) emit(rec audit.Record) {
	if err := r.sink.Emit(rec); err != nil {
		r.logger.Error("audit emit failed", slog.Any("error", err))
	}
}
