package pipeline

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"sync"
	"time"
)

// Correlator sits between the Coalescer and the Reconciler and merges the
// cross-platform signature of a rename — two independent settled signals,
// a delete of the old path and a create of the new one — into a single
// SettledRename when both carry identical content.
//
// A settled delete whose path has a baseline record is held as a candidate
// for the correlation window instead of being forwarded. A settled create
// is hashed immediately (the one case hashed before the Reconciler) and
// matched against live candidates by content hash; matching by content
// rather than timing alone avoids false rename pairing when two unrelated
// files change within the window. Candidates that outlive the window are
// flushed downstream as plain deletes.
//
// Multiple simultaneous renames with identical content are ambiguous and
// resolved first-seen-first-matched; this is a documented limitation.
type Correlator struct {
	window time.Duration
	sweep  time.Duration
	store  RecordSource
	hash   HashFunc
	logger *slog.Logger

	changes chan SettledChange
	renames chan SettledRename
	wg      sync.WaitGroup

	mu         sync.Mutex
	candidates []renameCandidate
}

// RecordSource is the read-only view of the baseline the Correlator uses
// to capture the content hash of a deleted path.
type RecordSource interface {
	// Get returns the baseline hash for path and whether the path is
	// tracked.
	Get(ctx context.Context, path string) (hash string, ok bool, err error)
}

// renameCandidate is a held settled delete awaiting a matching create.
// It is destroyed either by promotion to a rename or by window expiry.
type renameCandidate struct {
	path   string
	hash   string
	seenAt time.Time
}

// CorrelatorOption configures NewCorrelator.
type CorrelatorOption func(*Correlator)

// WithCorrelatorSweep overrides the expiry sweep interval, for tests.
func WithCorrelatorSweep(d time.Duration) CorrelatorOption {
	return func(c *Correlator) { c.sweep = d }
}

// NewCorrelator creates a Correlator. window bounds how long a settled
// delete waits for its matching create; hash computes the content identity
// of settled creates.
func NewCorrelator(window time.Duration, store RecordSource, hash HashFunc, logger *slog.Logger, opts ...CorrelatorOption) *Correlator {
	c := &Correlator{
		window:  window,
		sweep:   sweepInterval(window),
		store:   store,
		hash:    hash,
		logger:  logger,
		changes: make(chan SettledChange, 64),
		renames: make(chan SettledRename, 16),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Start launches the correlation goroutine consuming settled changes from
// in. The output channels close after in closes and all held candidates
// have been flushed, so downstream consumers drain naturally on shutdown.
func (c *Correlator) Start(ctx context.Context, in <-chan SettledChange) {
	c.wg.Add(1)
	go c.run(ctx, in)
}

// Wait blocks until the correlation goroutine has exited and the output
// channels are closed.
func (c *Correlator) Wait() {
	c.wg.Wait()
}

// Changes returns forwarded single-path settled changes, including expired
// candidates degraded to plain deletes.
func (c *Correlator) Changes() <-chan SettledChange {
	return c.changes
}

// Renames returns correlated renames.
func (c *Correlator) Renames() <-chan SettledRename {
	return c.renames
}

// PendingCount returns the number of live rename candidates.
func (c *Correlator) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.candidates)
}

// run consumes settled changes until in closes, sweeping candidate expiry
// on a ticker. On exit the remaining candidates are flushed as deletes so
// that a settled removal is never silently lost at shutdown.
func (c *Correlator) run(ctx context.Context, in <-chan SettledChange) {
	defer c.wg.Done()
	defer close(c.renames)
	defer close(c.changes)

	ticker := time.NewTicker(c.sweep)
	defer ticker.Stop()

	for {
		select {
		case sc, ok := <-in:
			if !ok {
				c.flush()
				return
			}
			c.offer(ctx, sc)
		case now := <-ticker.C:
			for _, expired := range c.takeExpired(now) {
				c.changes <- SettledChange{Path: expired.path, Hint: KindDelete}
			}
		}
	}
}

// offer routes one settled change: deletes of tracked paths are held as
// candidates, creates are hashed and matched, everything else is forwarded
// unchanged.
func (c *Correlator) offer(ctx context.Context, sc SettledChange) {
	switch sc.Hint {
	case KindDelete:
		hash, tracked, err := c.store.Get(ctx, sc.Path)
		if err != nil {
			// The Reconciler owns store-failure handling; forward as-is.
			c.logger.Warn("correlator: baseline lookup failed",
				slog.String("path", sc.Path),
				slog.Any("error", err))
			c.changes <- sc
			return
		}
		if !tracked {
			// No record explains the delete away; nothing to correlate.
			c.changes <- sc
			return
		}
		c.mu.Lock()
		c.candidates = append(c.candidates, renameCandidate{
			path:   sc.Path,
			hash:   hash,
			seenAt: time.Now(),
		})
		c.mu.Unlock()

	case KindCreate:
		digest, size, mtime, err := c.hash(sc.Path)
		if err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				c.logger.Warn("correlator: hash failed",
					slog.String("path", sc.Path),
					slog.Any("error", err))
			}
			// Vanished or unreadable: the Reconciler re-verifies anyway.
			c.changes <- sc
			return
		}
		if from, matched := c.match(digest); matched {
			c.renames <- SettledRename{
				From:  from,
				To:    sc.Path,
				Hash:  digest,
				Size:  size,
				Mtime: mtime,
			}
			return
		}
		// Pass the computed identity along so the path is hashed once.
		sc.Hash = digest
		sc.Size = size
		sc.Mtime = mtime
		c.changes <- sc

	default:
		c.changes <- sc
	}
}

// match removes and returns the first live candidate whose content hash
// equals digest.
func (c *Correlator) match(digest string) (from string, matched bool) {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()

	for i, cand := range c.candidates {
		if cand.hash == digest && now.Sub(cand.seenAt) <= c.window {
			c.candidates = append(c.candidates[:i], c.candidates[i+1:]...)
			return cand.path, true
		}
	}
	return "", false
}

// takeExpired removes and returns every candidate older than the window.
func (c *Correlator) takeExpired(now time.Time) []renameCandidate {
	c.mu.Lock()
	defer c.mu.Unlock()

	var expired []renameCandidate
	live := c.candidates[:0]
	for _, cand := range c.candidates {
		if now.Sub(cand.seenAt) > c.window {
			expired = append(expired, cand)
		} else {
			live = append(live, cand)
		}
	}
	c.candidates = live
	return expired
}

// flush forwards every remaining candidate as a plain delete.
func (c *Correlator) flush() {
	c.mu.Lock()
	remaining := c.candidates
	c.candidates = nil
	c.mu.Unlock()

	for _, cand := range remaining {
		c.changes <- SettledChange{Path: cand.path, Hint: KindDelete}
	}
}
