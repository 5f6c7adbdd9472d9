package bufpool

import (
	"github.com/mrlbrg/bbbtree-go/page"
	"github.com/mrlbrg/bbbtree-go/pageio"
)

// Frame owns one fixed-size slot in the pool's page-sized buffer region
// (spec §3 "Buffer frame"). A Frame is never reallocated once constructed:
// only its contents, identity and state change across fix/unfix cycles.
type Frame struct {
	data []byte

	segmentID pageio.SegmentID
	pageID    page.PageID
	state     State
	pinCount  int
	logic     PageLogic

	// clockRef is the reference bit used by the pool's clock eviction
	// policy (spec §4.2: "a simple clock or LRU ... is sufficient; tie
	// breaking is not load bearing").
	clockRef bool

	// mu is a hook left for a future per-frame latch, per spec §5
	// ("any concurrent implementation must ... take per-frame locks
	// before touching a frame's data"). v1 is single-threaded
	// cooperative and never contends on it.
	mu noopLatch
}

// noopLatch is a zero-cost placeholder satisfying the "hooks for per-frame
// locking" requirement of spec §5 without implementing real concurrency
// control. A future multi-writer implementation replaces this with a real
// reader/writer latch without otherwise changing Frame's shape.
type noopLatch struct{}

func (noopLatch) Lock()    {}
func (noopLatch) Unlock()  {}
func (noopLatch) RLock()   {}
func (noopLatch) RUnlock() {}

// Data returns the frame's page buffer. The slice is only valid while the
// frame remains pinned; never retain it past the matching Unfix.
func (f *Frame) Data() []byte { return f.data }

// SegmentID returns the segment this frame currently caches.
func (f *Frame) SegmentID() pageio.SegmentID { return f.segmentID }

// PageID returns the page this frame currently caches.
func (f *Frame) PageID() page.PageID { return f.pageID }

// State returns the frame's current lifecycle state.
func (f *Frame) State() State { return f.state }

// InUseBy returns the frame's current pin count.
func (f *Frame) InUseBy() int { return f.pinCount }

// IsEvictable reports whether the frame could currently be reclaimed:
// defined and not pinned (spec §3: "in_use_by > 0 implies the frame is not
// evictable").
func (f *Frame) IsEvictable() bool {
	return f.state != StateUndefined && f.pinCount == 0
}

func (f *Frame) key() frameKey {
	return composeKey(f.segmentID, f.pageID)
}

// frameKey composes (segment, page) into the 64-bit key spec §3 describes
// for the frame map: segment in the high 16 bits, page in the low 48.
type frameKey uint64

func composeKey(segID pageio.SegmentID, pageID page.PageID) frameKey {
	return frameKey(uint64(segID)<<48 | (uint64(pageID) & (1<<48 - 1)))
}
