// Package frontier provides the per-session queue of pending edges together
// with the visited set used for deduplication.
package frontier

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/InvestigativeJournalismFoundation/huon-test/pkg/crawl"
)

// ErrClosed is returned by Push after Close.
var ErrClosed = errors.New("frontier closed")

// Frontier is a FIFO of edges. Keys are marked when an edge is first pushed,
// so an edge discovered twice is only ever queued once.
type Frontier struct {
	mu      sync.Mutex
	pending []crawl.Edge
	seen    map[crawl.EdgeKey]struct{}
	skipped int
	closed  bool
}

// New returns an empty frontier.
func New() *Frontier {
	return &Frontier{seen: make(map[crawl.EdgeKey]struct{})}
}

// Mark records key as visited and reports whether it was new.
func (f *Frontier) Mark(key crawl.EdgeKey) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.markLocked(key)
}

func (f *Frontier) markLocked(key crawl.EdgeKey) bool {
	if _, ok := f.seen[key]; ok {
		return false
	}
	f.seen[key] = struct{}{}
	return true
}

// Push queues edge unless its key was seen before. It reports whether the
// edge was queued.
func (f *Frontier) Push(ctx context.Context, edge crawl.Edge) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, fmt.Errorf("push canceled: %w", err)
	}
	key := edge.Key()
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return false, ErrClosed
	}
	if !f.markLocked(key) {
		f.skipped++
		return false, nil
	}
	f.pending = append(f.pending, edge)
	return true, nil
}

// Drain removes and returns every pending edge in queue order.
func (f *Frontier) Drain() []crawl.Edge {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := f.pending
	f.pending = nil
	return out
}

// Len returns the number of pending edges.
func (f *Frontier) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.pending)
}

// Skipped returns how many pushes were dropped as duplicates.
func (f *Frontier) Skipped() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.skipped
}

// Close rejects further pushes and drops pending edges.
func (f *Frontier) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	f.pending = nil
}
