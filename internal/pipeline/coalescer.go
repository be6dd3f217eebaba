package pipeline

import (
	"container/heap"
	"sync"
	"time"
)

// Coalescer absorbs bursts of raw notifications per path into a single
// settled signal once the path has been quiet for the debounce window.
// A path with continuous activity never settles; a path with one burst
// settles exactly once, one debounce window after the last event in the
// burst (to sweep-tick granularity).
//
// Deadlines are kept in a single min-heap swept by one ticker goroutine
// rather than one timer per path, bounding resource usage under large
// trees. Superseded heap entries (a newer event pushed the deadline
// forward) are discarded lazily at pop time.
//
// Coalescer is purely in-memory coordination: if the process restarts, all
// pending state is lost and unsettled bursts are simply never reported;
// the underlying files are re-verified on the next scan or next activity.
type Coalescer struct {
	window time.Duration
	sweep  time.Duration

	out      chan SettledChange
	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	mu      sync.Mutex
	pending map[string]*pendingChange
	heap    deadlineHeap
}

// pendingChange is the per-path debounce state. It exists only while the
// path has unsettled activity and is destroyed when the deadline fires or
// superseded by a newer raw event.
type pendingChange struct {
	hint     Kind
	deadline time.Time
}

// CoalescerOption configures NewCoalescer.
type CoalescerOption func(*Coalescer)

// WithSweepInterval overrides the deadline sweep interval. Primarily for
// tests that need fast settlement with tiny windows.
func WithSweepInterval(d time.Duration) CoalescerOption {
	return func(c *Coalescer) { c.sweep = d }
}

// NewCoalescer creates a Coalescer with the given debounce window. A zero
// window settles every ingested path on the next sweep tick.
func NewCoalescer(window time.Duration, opts ...CoalescerOption) *Coalescer {
	c := &Coalescer{
		window:  window,
		sweep:   sweepInterval(window),
		out:     make(chan SettledChange, 64),
		done:    make(chan struct{}),
		pending: make(map[string]*pendingChange),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// sweepInterval derives the ticker period from the debounce window: a
// quarter of the window, clamped to [1ms, 100ms].
func sweepInterval(window time.Duration) time.Duration {
	s := window / 4
	if s < time.Millisecond {
		return time.Millisecond
	}
	if s > 100*time.Millisecond {
		return 100 * time.Millisecond
	}
	return s
}

// Start launches the deadline sweep goroutine. It is safe to call Start
// only once.
func (c *Coalescer) Start() {
	c.wg.Add(1)
	go c.run()
}

// Stop halts the sweep and closes the settled channel. Any PendingChange
// not yet settled is dropped without emission. Stop is idempotent.
func (c *Coalescer) Stop() {
	c.stopOnce.Do(func() {
		close(c.done)
		c.wg.Wait()
		close(c.out)
	})
}

// Settled returns the read-only channel of settled changes. The channel is
// closed when Stop returns.
func (c *Coalescer) Settled() <-chan SettledChange {
	return c.out
}

// Ingest records or updates the pending state for ev.Path: the deadline is
// reset to now + window and the most significant raw kind seen during the
// burst is retained (Delete > Create > Modify).
func (c *Coalescer) Ingest(ev RawEvent) {
	at := ev.At
	if at.IsZero() {
		at = time.Now()
	}
	deadline := at.Add(c.window)

	c.mu.Lock()
	defer c.mu.Unlock()

	pc, ok := c.pending[ev.Path]
	if !ok {
		pc = &pendingChange{hint: ev.Kind}
		c.pending[ev.Path] = pc
	} else {
		pc.hint = pc.hint.merge(ev.Kind)
	}
	pc.deadline = deadline
	heap.Push(&c.heap, deadlineEntry{path: ev.Path, deadline: deadline})
}

// PendingCount returns the number of paths with unsettled activity.
func (c *Coalescer) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// run is the single sweep goroutine: one logical clock for all per-path
// deadlines.
func (c *Coalescer) run() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.sweep)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case now := <-ticker.C:
			for _, sc := range c.expire(now) {
				select {
				case c.out <- sc:
				case <-c.done:
					return
				}
			}
		}
	}
}

// expire pops every deadline at or before now and returns the settled
// changes for the paths whose pending state actually elapsed. Heap entries
// whose path was since re-armed with a later deadline are stale and
// skipped; the later entry will settle the path.
func (c *Coalescer) expire(now time.Time) []SettledChange {
	c.mu.Lock()
	defer c.mu.Unlock()

	var settled []SettledChange
	for len(c.heap) > 0 && !c.heap[0].deadline.After(now) {
		entry := heap.Pop(&c.heap).(deadlineEntry)
		pc, ok := c.pending[entry.path]
		if !ok || pc.deadline.After(now) {
			continue
		}
		delete(c.pending, entry.path)
		settled = append(settled, SettledChange{Path: entry.path, Hint: pc.hint})
	}
	return settled
}

// deadlineEntry is one (path, deadline) pair in the sweep heap.
type deadlineEntry struct {
	path     string
	deadline time.Time
}

// deadlineHeap is a min-heap of deadlines implementing container/heap.
type deadlineHeap []deadlineEntry

func (h deadlineHeap) Len() int           { return len(h) }
func (h deadlineHeap) Less(i, j int) bool { return h[i].deadline.Before(h[j].deadline) }
func (h deadlineHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *deadlineHeap) Push(x any)        { *h = append(*h, x.(deadlineEntry)) }
func (h *deadlineHeap) Pop() any {
	old := *h
	n := len(old)
	entry := old[n-1]
	*h = old[:n-1]
	return entry
}
