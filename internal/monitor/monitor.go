// Package monitor contains the file-integrity monitor orchestrator. It
// wires the filesystem watcher, the debounce coalescer, the rename
// correlator, and the reconciler into the live pipeline, and drives the
// offline init and scan operations over the same baseline store.
package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"path/filepath"
	"sync"
	"time"

	"github.com/sentra/fim/internal/baseline"
	"github.com/sentra/fim/internal/config"
	"github.com/sentra/fim/internal/exclude"
	"github.com/sentra/fim/internal/hashing"
	"github.com/sentra/fim/internal/metrics"
	"github.com/sentra/fim/internal/pipeline"
	"github.com/sentra/fim/internal/watcher"
)

// gaugeInterval is how often the pending-changes gauge is refreshed from
// the coalescer and correlator.
const gaugeInterval = time.Second

// Monitor is the central orchestrator. It owns the component lifecycle of
// the live pipeline and exposes the offline Init and Scan operations.
type Monitor struct {
	cfg     *config.Config
	logger  *slog.Logger
	store   *baseline.Store
	sink    pipeline.AuditSink
	metrics *metrics.Metrics
	excl    *exclude.Matcher
	hash    pipeline.HashFunc
	roots   []string

	watch *watcher.Watcher
	coal  *pipeline.Coalescer
	corr  *pipeline.Correlator
	rec   *pipeline.Reconciler

	startTime time.Time
	cancel    context.CancelFunc

	mu           sync.RWMutex
	running      bool
	lastEventAt  time.Time
	lastStoreErr error
	// workerWg tracks the reconcile workers separately so Stop can drain
	// them fully before the shared context is cancelled.
	workerWg sync.WaitGroup
	wg       sync.WaitGroup
}

// New creates a Monitor from the provided configuration and collaborators.
// sink may be nil when only Init or Scan will be used; Start requires it.
func New(cfg *config.Config, store *baseline.Store, sink pipeline.AuditSink, m *metrics.Metrics, logger *slog.Logger) (*Monitor, error) {
	excl, err := exclude.New(cfg.Exclude)
	if err != nil {
		return nil, err
	}

	alg, err := hashing.ParseAlgorithm(cfg.HashAlg)
	if err != nil {
		return nil, err
	}

	roots := make([]string, len(cfg.WatchPaths))
	for i, p := range cfg.WatchPaths {
		abs, err := filepath.Abs(p)
		if err != nil {
			return nil, fmt.Errorf("monitor: resolve watch path %q: %w", p, err)
		}
		roots[i] = abs
	}

	mon := &Monitor{
		cfg:     cfg,
		logger:  logger,
		store:   store,
		sink:    sink,
		metrics: m,
		excl:    excl,
		roots:   roots,
		hash: func(path string) (string, int64, int64, error) {
			return hashing.File(path, alg)
		},
	}
	mon.rec = pipeline.NewReconciler(store, sink, m, mon.hash, logger)
	return mon, nil
}

// recordSource adapts the baseline store to the correlator's read-only
// hash lookup.
type recordSource struct {
	store *baseline.Store
}

func (r recordSource) Get(ctx context.Context, path string) (string, bool, error) {
	rec, ok, err := r.store.Get(ctx, path)
	return rec.Hash, ok, err
}

// Start launches the live pipeline: watcher → coalescer → correlator →
// reconciler. It returns a non-nil error if any component fails to
// initialise; on success the pipeline runs until Stop is called.
func (m *Monitor) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return fmt.Errorf("monitor: already running")
	}
	m.running = true
	m.startTime = time.Now()
	m.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel

	w, err := watcher.New(m.roots, m.excl, m.logger)
	if err != nil {
		cancel()
		m.setRunning(false)
		return err
	}

	m.watch = w
	m.coal = pipeline.NewCoalescer(m.cfg.Debounce())
	m.corr = pipeline.NewCorrelator(m.cfg.RenameWindow(), recordSource{m.store}, m.hash, m.logger)

	m.metrics.TrackedFiles.Store(m.store.Count())

	if err := w.Start(ctx); err != nil {
		cancel()
		m.setRunning(false)
		return err
	}

	m.coal.Start()
	m.corr.Start(ctx, m.coal.Settled())

	m.wg.Add(1)
	go m.ingest(ctx)

	m.wg.Add(1)
	go m.recover(ctx)

	for i := 0; i < m.cfg.HashWorkers; i++ {
		m.workerWg.Add(1)
		go m.reconcileLoop(ctx)
	}

	m.wg.Add(1)
	go m.refreshGauges(ctx)

	m.logger.Info("integrity monitor started",
		slog.Int("roots", len(m.roots)),
		slog.String("hash_alg", m.cfg.HashAlg),
		slog.Duration("debounce", m.cfg.Debounce()),
		slog.Duration("rename_window", m.cfg.RenameWindow()),
		slog.Int64("tracked_files", m.store.Count()),
	)
	return nil
}

// Stop shuts the pipeline down in flow order so that settled deletes held
// by the correlator are flushed while the reconcile workers still drain:
// watcher first, then the coalescer (unsettled bursts are dropped without
// audit emission), then the correlator and workers. The shared context is
// cancelled only after the workers have drained every flushed change, so
// a settled removal is never lost to a cancelled store call. Stop is
// idempotent.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	m.mu.Unlock()

	m.watch.Stop()
	m.coal.Stop()
	m.corr.Wait()
	m.workerWg.Wait()

	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()

	m.logger.Info("integrity monitor stopped")
}

func (m *Monitor) setRunning(v bool) {
	m.mu.Lock()
	m.running = v
	m.mu.Unlock()
}

// ingest forwards raw watcher events into the coalescer. It exits when the
// watcher's event channel closes.
func (m *Monitor) ingest(ctx context.Context) {
	defer m.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-m.watch.Events():
			if !ok {
				return
			}
			m.mu.Lock()
			m.lastEventAt = ev.At
			m.mu.Unlock()
			m.coal.Ingest(ev)
		}
	}
}

// recover serialises overflow recoveries: each overflow signal forces one
// full re-verify of the watched tree against the baseline, bypassing the
// coalescer, because no specific set of changed paths can be assumed.
func (m *Monitor) recover(ctx context.Context) {
	defer m.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.watch.Overflow():
			m.logger.Warn("event overflow: re-verifying watched tree")
			if err := m.RecoverOverflow(ctx); err != nil {
				m.noteStoreError(err)
				m.logger.Error("overflow re-verify failed", slog.Any("error", err))
			}
		}
	}
}

// reconcileLoop consumes correlator output until both channels close.
func (m *Monitor) reconcileLoop(ctx context.Context) {
	defer m.workerWg.Done()

	changes := m.corr.Changes()
	renames := m.corr.Renames()

	for changes != nil || renames != nil {
		select {
		case sc, ok := <-changes:
			if !ok {
				changes = nil
				continue
			}
			if err := m.rec.ReconcileChange(ctx, sc); err != nil {
				m.noteStoreError(err)
				m.logger.Error("reconcile failed",
					slog.String("path", sc.Path),
					slog.Any("error", err))
			}
		case sr, ok := <-renames:
			if !ok {
				renames = nil
				continue
			}
			if err := m.rec.ReconcileRename(ctx, sr); err != nil {
				m.noteStoreError(err)
				m.logger.Error("reconcile rename failed",
					slog.String("from", sr.From),
					slog.String("to", sr.To),
					slog.Any("error", err))
			}
		}
	}
}

// RecoverOverflow reconciles every path in the union of the current tree
// and the baseline directly through the reconciler, bypassing the
// coalescer. It is the recovery path when the event source reports lost
// events and no specific set of changed paths can be assumed; each call
// counts as one overflow recovery. The raw kind hint is advisory only, so
// KindModify suffices for paths present on disk; baseline paths absent
// from disk are reconciled as deletes.
func (m *Monitor) RecoverOverflow(ctx context.Context) error {
	m.metrics.OverflowRecoveries.Add(1)

	var tracked []string
	err := m.store.Scan(ctx, func(rec baseline.FileRecord) error {
		tracked = append(tracked, rec.Path)
		return nil
	})
	if err != nil {
		return err
	}

	seen := make(map[string]struct{})
	for _, root := range m.roots {
		err := walkFiles(root, m.excl, func(path string) error {
			seen[path] = struct{}{}
			return m.rec.ReconcileChange(ctx, pipeline.SettledChange{Path: path, Hint: pipeline.KindModify})
		})
		if err != nil {
			return err
		}
	}

	for _, path := range tracked {
		if _, ok := seen[path]; ok {
			continue
		}
		if err := m.rec.ReconcileChange(ctx, pipeline.SettledChange{Path: path, Hint: pipeline.KindDelete}); err != nil {
			return err
		}
	}
	return nil
}

// refreshGauges periodically publishes the pending-changes gauge.
func (m *Monitor) refreshGauges(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(gaugeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pending := int64(m.coal.PendingCount() + m.corr.PendingCount())
			m.metrics.PendingChanges.Store(pending)
		}
	}
}

func (m *Monitor) noteStoreError(err error) {
	m.mu.Lock()
	m.lastStoreErr = err
	m.mu.Unlock()
}

// HealthStatus is the payload returned by the /healthz endpoint.
type HealthStatus struct {
	Status         string  `json:"status"`
	UptimeS        float64 `json:"uptime_s"`
	TrackedFiles   int64   `json:"tracked_files"`
	PendingChanges int64   `json:"pending_changes"`
	LastEventAt    string  `json:"last_event_at,omitempty"`
	LastStoreError string  `json:"last_store_error,omitempty"`
}

// Health returns a snapshot of the current monitor health state. Status is
// "degraded" once a store-level failure has been observed.
func (m *Monitor) Health() HealthStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()

	h := HealthStatus{
		Status:         "ok",
		UptimeS:        time.Since(m.startTime).Seconds(),
		TrackedFiles:   m.store.Count(),
		PendingChanges: m.metrics.PendingChanges.Load(),
	}
	if !m.lastEventAt.IsZero() {
		h.LastEventAt = m.lastEventAt.UTC().Format(time.RFC3339)
	}
	if m.lastStoreErr != nil {
		h.Status = "degraded"
		h.LastStoreError = m.lastStoreErr.Error()
	}
	return h
}

// HealthzHandler is an http.HandlerFunc that responds with the monitor's
// health status as a JSON object and HTTP 200.
func (m *Monitor) HealthzHandler(w http.ResponseWriter, r *http.Request) {
	h := m.Health()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(h); err != nil {
		m.logger.Warn("healthz: failed to encode response", slog.Any("error", err))
	}
}

// Ready exposes the watcher readiness channel for race-free tests. It must
// only be called after Start.
func (m *Monitor) Ready() <-chan struct{} {
	return m.watch.Ready()
}
