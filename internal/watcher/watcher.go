// Package watcher provides the inbound raw-event stream of the integrity
// pipeline: a recursive fsnotify-backed filesystem watcher that normalises
// platform notifications into pipeline.RawEvent values and surfaces an
// explicit overflow signal when events may have been lost.
//
// The watcher deliberately does no interpretation beyond kind mapping.
// Deduplication, rename correlation, and content verification belong to
// the pipeline; platforms that report a rename as a single event are still
// delivered here as a delete of the old name, and the correlator
// reconstructs the pair by content hash.
package watcher

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/sentra/fim/internal/exclude"
	"github.com/sentra/fim/internal/pipeline"
)

// defaultBufferSize is the capacity of the RawEvent channel. A generous
// buffer prevents the watcher from losing kernel notifications when the
// coalescer is momentarily behind; if the buffer still fills, the watcher
// raises an overflow signal instead of silently dropping.
const defaultBufferSize = 1024

// Watcher monitors a set of root directories recursively and delivers
// normalised raw events. It is safe for concurrent use.
type Watcher struct {
	roots  []string
	excl   *exclude.Matcher
	logger *slog.Logger

	fsw      *fsnotify.Watcher
	events   chan pipeline.RawEvent
	overflow chan struct{}
	done     chan struct{}
	// ready is closed once all initial watches are registered. Callers
	// (especially tests) may wait on Ready() before triggering filesystem
	// operations to avoid missed-event races.
	ready    chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// Option configures New.
type Option func(*Watcher)

// WithBufferSize overrides the raw-event buffer capacity. Primarily for
// tests that exercise overflow behaviour with small buffers.
func WithBufferSize(n int) Option {
	return func(w *Watcher) { w.events = make(chan pipeline.RawEvent, n) }
}

// New creates a Watcher over roots. Paths matching excl are never watched
// nor reported.
func New(roots []string, excl *exclude.Matcher, logger *slog.Logger, opts ...Option) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("watcher: create fsnotify watcher: %w", err)
	}

	w := &Watcher{
		roots:    roots,
		excl:     excl,
		logger:   logger,
		fsw:      fsw,
		events:   make(chan pipeline.RawEvent, defaultBufferSize),
		overflow: make(chan struct{}, 1),
		done:     make(chan struct{}),
		ready:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// Start registers watches on every directory under the configured roots
// and begins delivering events from a background goroutine. It is safe to
// call Start only once.
func (w *Watcher) Start(_ context.Context) error {
	for _, root := range w.roots {
		if err := w.addRecursive(root); err != nil {
			_ = w.fsw.Close()
			return fmt.Errorf("watcher: watch %q: %w", root, err)
		}
	}

	w.wg.Add(1)
	go w.run()
	return nil
}

// Stop signals the watcher to cease monitoring and blocks until the
// background goroutine exits. The Events channel is closed after Stop
// returns. It is safe to call Stop multiple times (idempotent).
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.done)
		_ = w.fsw.Close()
		w.wg.Wait()
		close(w.events)
	})
}

// Events returns the read-only channel of raw events. The channel is
// closed when Stop returns.
func (w *Watcher) Events() <-chan pipeline.RawEvent {
	return w.events
}

// Overflow returns a channel that receives a signal whenever events may
// have been lost — either the platform reported a queue overflow or the
// internal buffer filled. The consumer must treat the watched tree as
// fully stale and re-verify it; no specific set of changed paths can be
// assumed.
func (w *Watcher) Overflow() <-chan struct{} {
	return w.overflow
}

// Ready returns a channel that is closed once the initial watches have
// been registered.
func (w *Watcher) Ready() <-chan struct{} {
	return w.ready
}

// addRecursive registers a watch on dir and every non-excluded directory
// beneath it.
func (w *Watcher) addRecursive(dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if w.excl.Match(path) {
			return filepath.SkipDir
		}
		if err := w.fsw.Add(path); err != nil {
			return fmt.Errorf("add watch %q: %w", path, err)
		}
		return nil
	})
}

// run is the background goroutine that normalises fsnotify events.
func (w *Watcher) run() {
	defer w.wg.Done()
	close(w.ready)

	for {
		select {
		case <-w.done:
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handle(ev)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			if errors.Is(err, fsnotify.ErrEventOverflow) {
				w.signalOverflow("platform event queue overflowed")
				continue
			}
			w.logger.Warn("watcher: platform error", slog.Any("error", err))
		}
	}
}

// handle maps one fsnotify event onto the raw-event stream. New
// directories are added to the watch set, and any files already inside
// them (created before the watch took effect) are reported as creates.
func (w *Watcher) handle(ev fsnotify.Event) {
	if w.excl.Match(ev.Name) {
		return
	}

	var kind pipeline.Kind
	switch {
	case ev.Op.Has(fsnotify.Create):
		if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
			w.watchNewDir(ev.Name)
			return
		}
		kind = pipeline.KindCreate
	case ev.Op.Has(fsnotify.Write):
		kind = pipeline.KindModify
	case ev.Op.Has(fsnotify.Remove):
		kind = pipeline.KindDelete
	case ev.Op.Has(fsnotify.Rename):
		// fsnotify reports the old name only; the correlator rebuilds the
		// pair from the delete and the create of the new name.
		kind = pipeline.KindDelete
	default:
		// Chmod and friends carry no content change.
		return
	}

	w.emit(pipeline.RawEvent{Path: ev.Name, Kind: kind, At: time.Now()})
}

// watchNewDir starts watching a directory that appeared after Start and
// emits synthetic creates for entries that raced ahead of the watch.
func (w *Watcher) watchNewDir(dir string) {
	if err := w.addRecursive(dir); err != nil {
		w.logger.Warn("watcher: cannot watch new directory",
			slog.String("path", dir),
			slog.Any("error", err))
		return
	}

	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		if w.excl.Match(path) {
			return nil
		}
		w.emit(pipeline.RawEvent{Path: path, Kind: pipeline.KindCreate, At: time.Now()})
		return nil
	})
	if err != nil {
		w.logger.Warn("watcher: scan of new directory failed",
			slog.String("path", dir),
			slog.Any("error", err))
	}
}

// emit delivers a raw event, raising the overflow signal if the consumer
// has fallen so far behind that the buffer is full.
func (w *Watcher) emit(ev pipeline.RawEvent) {
	select {
	case w.events <- ev:
	default:
		w.signalOverflow("event buffer full")
	}
}

// signalOverflow raises the overflow signal without blocking; one pending
// signal is enough, since recovery re-verifies the whole tree.
func (w *Watcher) signalOverflow(reason string) {
	w.logger.Warn("watcher: events lost, forcing re-verify", slog.String("reason", reason))
	select {
	case w.overflow <- struct{}{}:
	default:
	}
}
