package spool

import (
	"container/heap"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
)

// chunkFilePrefix is the fixed basename every fragment file shares;
// only the extension varies, and it must be all decimal digits.
const chunkFilePrefix = "chunk"

// FragmentPath returns the path of fragment n (0 is the sentinel)
// within cellDir.
func FragmentPath(cellDir string, n int) string {
	return filepath.Join(cellDir, fmt.Sprintf("%s.%d", chunkFilePrefix, n))
}

// ParseFragmentIndex parses a directory entry's base name as a fragment
// index. Parsing is strict: only "chunk.<digits>" is accepted; anything
// else (including "chunk.-1" or "chunk.1.tmp") is rejected, mirroring
// the numeric-parse-only rule a watcher uses to decide what to ignore.
func ParseFragmentIndex(name string) (int, bool) {
	rest, ok := strings.CutPrefix(name, chunkFilePrefix+".")
	if !ok || rest == "" {
		return 0, false
	}
	for _, r := range rest {
		if r < '0' || r > '9' {
			return 0, false
		}
	}
	n, err := strconv.Atoi(rest)
	if err != nil {
		return 0, false
	}
	return n, true
}

// Fragment names one chunk file by its numeric position. Index 0 is the
// sentinel.
type Fragment struct {
	Index int
	Path  string
}

// NewFragment parses a full path's base name as a fragment; it returns
// ok=false for any entry the watcher should ignore (and log).
func NewFragment(path string) (Fragment, bool) {
	n, ok := ParseFragmentIndex(filepath.Base(path))
	if !ok {
		return Fragment{}, false
	}
	return Fragment{Index: n, Path: path}, true
}

// IsSentinel reports whether this is the chunk.0 completion marker.
func (f Fragment) IsSentinel() bool { return f.Index == 0 }

// fragmentHeap is a min-heap of pending fragments ordered by Index, used
// to hold fragments that arrive out of order until their turn comes up.
type fragmentHeap []Fragment

func (h fragmentHeap) Len() int            { return len(h) }
func (h fragmentHeap) Less(i, j int) bool  { return h[i].Index < h[j].Index }
func (h fragmentHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *fragmentHeap) Push(x interface{}) { *h = append(*h, x.(Fragment)) }
func (h *fragmentHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// FragmentQueue reorders an unordered arrival stream of fragment paths
// into the strictly increasing delivery order the restore pipeline's
// concatenator requires. Fragments that arrive ahead of their turn are
// held on a heap; chunk.0 is held back until every fragment from 1 to
// the final index has been delivered.
//
// It is the Go analogue of original_source/src/core/fragment.rs's
// FragmentQueue, generalized from a channel of Option<PathBuf> to a Go
// channel of the same shape (closed channel doubles for "None").
type FragmentQueue struct {
	out       chan<- string
	pending   fragmentHeap
	pendingAt map[int]bool // indices already on the pending heap, so a rescan re-observing the same path doesn't double-enqueue it
	current   int          // next index expected, starts at 1
	sealed    bool
}

// NewFragmentQueue returns a FragmentQueue that delivers ready fragment
// paths, in order, on out. The caller is responsible for closing out
// once the queue signals completion (by returning closed=true from
// SendZeroMaybe); the queue never closes the channel itself so that a
// shared shutdown channel can be reused elsewhere.
func NewFragmentQueue(out chan<- string) *FragmentQueue {
	return &FragmentQueue{out: out, current: 1, pendingAt: make(map[int]bool)}
}

// SendPath is a convenience wrapper around Send for a raw path; paths
// that don't parse as "chunk.<digits>" are silently ignored, matching
// the watcher's "ignored and logged" policy from spec.md §4.1 (the
// logging is the caller's responsibility, since this type has no
// logger).
func (q *FragmentQueue) SendPath(path string) error {
	frag, ok := NewFragment(path)
	if !ok {
		return nil
	}
	return q.Send(frag)
}

// Send delivers fragment if it is the next one expected, otherwise
// holds it on the pending heap. The sentinel is never delivered
// directly; it only unblocks SendZeroMaybe once observed.
func (q *FragmentQueue) Send(fragment Fragment) error {
	if fragment.IsSentinel() {
		q.sealed = true
		return nil
	}
	if fragment.Index < q.current {
		// Already delivered; a periodic rescan re-observes fragments
		// a prior watch event already drained, so this is expected,
		// not an error.
		return nil
	}
	if fragment.Index != q.current {
		if q.pendingAt[fragment.Index] {
			return nil
		}
		heap.Push(&q.pending, fragment)
		q.pendingAt[fragment.Index] = true
		return nil
	}
	q.out <- fragment.Path
	q.current++
	return q.drainBacklog()
}

// drainBacklog delivers any now-contiguous fragments sitting on the
// pending heap.
func (q *FragmentQueue) drainBacklog() error {
	for q.pending.Len() > 0 && q.pending[0].Index == q.current {
		frag := heap.Pop(&q.pending).(Fragment)
		delete(q.pendingAt, frag.Index)
		q.out <- frag.Path
		q.current++
	}
	return nil
}

// SendZeroMaybe reports whether the sentinel has been observed, at
// least chunk.1 has been delivered, and no observed fragment is still
// pending; if so, the queue is done and the caller should stop reading
// for more fragments.
func (q *FragmentQueue) SendZeroMaybe() bool {
	return q.sealed && q.pending.Len() == 0 && q.current > 1
}
