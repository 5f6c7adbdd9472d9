package bufpool

import (
	"github.com/sirupsen/logrus"

	"github.com/mrlbrg/bbbtree-go/page"
	"github.com/mrlbrg/bbbtree-go/pageio"
)

// Pool is the buffer manager of spec §4.2: a fixed pool of page-sized
// buffers, mapping (segment, page) onto them, evicting with a clock
// policy, delegating the eviction/load decision to each frame's bound
// PageLogic.
type Pool struct {
	pageSize uint32
	store    pageio.Store
	stats    *Stats
	log      *logrus.Entry

	data   []byte
	frames []Frame

	byKey    map[frameKey]*Frame
	freeList []*Frame

	clockHand int
}

// Option configures a Pool at construction time, the idiomatic
// descendant of the teacher's explicit-constructor-argument style
// (NewBufMgr(name, bits, nodeMax, pbm, lastPageZeroId)).
type Option func(*Pool)

// WithLogger overrides the pool's logger; by default logrus.StandardLogger
// is used.
func WithLogger(log *logrus.Entry) Option {
	return func(p *Pool) { p.log = log }
}

// Open constructs a buffer pool of pageCount frames of pageSize bytes
// each, backed by store. stats must not be nil: it is the explicit
// Stats value threaded through (spec design notes), never a hidden
// singleton.
func Open(store pageio.Store, pageSize uint32, pageCount int, stats *Stats, opts ...Option) *Pool {
	p := &Pool{
		pageSize: pageSize,
		store:    store,
		stats:    stats,
		log:      logrus.NewEntry(logrus.StandardLogger()),
		data:     make([]byte, int(pageSize)*pageCount),
		frames:   make([]Frame, pageCount),
		byKey:    make(map[frameKey]*Frame, pageCount),
		freeList: make([]*Frame, 0, pageCount),
	}
	for i := range p.frames {
		f := &p.frames[i]
		f.data = p.data[i*int(pageSize) : (i+1)*int(pageSize)]
		f.state = StateUndefined
		p.freeList = append(p.freeList, f)
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// PageSize returns the pool's fixed page size.
func (p *Pool) PageSize() uint32 { return p.pageSize }

// Fix pins the page (segmentID, pageID), loading it from its segment file
// if not already buffered. If the page is already buffered, the pin count
// is simply incremented. exclusive is a hook for a future per-frame latch
// (spec §5); v1 is single-threaded and does not act on it.
func (p *Pool) Fix(segmentID pageio.SegmentID, pageID page.PageID, exclusive bool, logic PageLogic) (*Frame, error) {
	key := composeKey(segmentID, pageID)
	if f, ok := p.byKey[key]; ok {
		f.pinCount++
		return f, nil
	}

	f, err := p.getFreeFrame()
	if err != nil {
		return nil, err
	}

	f.segmentID = segmentID
	f.pageID = pageID
	f.logic = logic
	f.pinCount = 1
	f.clockRef = true

	seg, err := p.store.Segment(segmentID)
	if err != nil {
		p.release(f)
		return nil, Wrap(KindIO, err)
	}
	if err := seg.ReadPage(pageID, f.data); err != nil {
		p.release(f)
		return nil, Wrap(KindIO, err)
	}
	f.state = StateClean
	p.byKey[key] = f

	if logic != nil && logic.AfterLoad(f.data, pageID) {
		f.state = StateDirty
	}
	return f, nil
}

// FixCreate pins a brand-new page that has never existed on disk: the
// frame is zero-initialized, its state is NEW, and no disk read occurs.
// Callers use this for pageID == the tree's current next_free_page (spec
// §4.2).
func (p *Pool) FixCreate(segmentID pageio.SegmentID, pageID page.PageID, logic PageLogic) (*Frame, error) {
	key := composeKey(segmentID, pageID)
	if _, ok := p.byKey[key]; ok {
		return nil, New(KindInvariant, "FixCreate: page already buffered")
	}

	f, err := p.getFreeFrame()
	if err != nil {
		return nil, err
	}

	for i := range f.data {
		f.data[i] = 0
	}
	f.segmentID = segmentID
	f.pageID = pageID
	f.logic = logic
	f.pinCount = 1
	f.clockRef = true
	f.state = StateNew

	p.byKey[key] = f
	p.stats.PagesCreated++
	return f, nil
}

// Unfix releases a pin on frame. If isDirty is true and the frame is not
// NEW, its state becomes DIRTY; NEW is sticky until the page is actually
// written.
func (p *Pool) Unfix(f *Frame, isDirty bool) {
	f.pinCount--
	if isDirty && f.state != StateNew {
		f.state = StateDirty
	}
}

// ClearAll resets the pool to empty. If writeBack is true, every defined
// frame is processed per the eviction rules first; otherwise all buffered
// state is discarded.
func (p *Pool) ClearAll(writeBack bool) error {
	for i := range p.frames {
		f := &p.frames[i]
		if f.state == StateUndefined {
			continue
		}
		if writeBack {
			// Same reentrant-eviction protection as evict(): pin f so a
			// nested eviction triggered from within flush cannot reclaim
			// it out from under this loop.
			f.pinCount++
			err := p.flush(f)
			f.pinCount--
			if err != nil {
				return err
			}
		}
		p.release(f)
	}
	return nil
}

// getFreeFrame returns a frame ready to be bound to new content, taking
// from the free list first and evicting only once it's empty.
func (p *Pool) getFreeFrame() (*Frame, error) {
	if n := len(p.freeList); n > 0 {
		f := p.freeList[n-1]
		p.freeList = p.freeList[:n-1]
		return f, nil
	}
	return p.evict()
}

// evict runs one pass of the clock policy over defined frames, evicting
// the first unpinned frame whose reference bit is already clear. Frames
// with their reference bit set are given a second chance (bit cleared,
// skipped once). Returns ErrBufferFull if every defined frame is pinned.
func (p *Pool) evict() (*Frame, error) {
	n := len(p.frames)
	if n == 0 {
		return nil, ErrBufferFull
	}
	for scanned := 0; scanned < 2*n; scanned++ {
		f := &p.frames[p.clockHand]
		p.clockHand = (p.clockHand + 1) % n

		if f.state == StateUndefined || f.pinCount > 0 {
			continue
		}
		if f.clockRef {
			f.clockRef = false
			continue
		}

		// Pin f for the duration of flush: BeforeUnload may itself fix
		// pages on another segment (spec §9's reentrant eviction, e.g. the
		// BBB-tree deferring into its delta tree) and thereby trigger a
		// nested call back into evict. Without this, that nested pass
		// would see f as unpinned and already clockRef-cleared and select
		// it again, flushing and releasing the same in-flight frame twice.
		f.pinCount++
		err := p.flush(f)
		f.pinCount--
		if err != nil {
			return nil, err
		}
		p.stats.PagesEvicted++
		p.release(f)
		// release put f on the free list; it goes straight to the caller
		// instead, so take it back off.
		p.freeList = p.freeList[:len(p.freeList)-1]
		return f, nil
	}
	return nil, ErrBufferFull
}

// flush applies the eviction write-back rules of spec §4.2 to a defined
// frame (evict and ClearAll hold a pin on it for the duration), without
// changing its pin/free-list membership.
func (p *Pool) flush(f *Frame) error {
	switch f.state {
	case StateClean:
		return nil
	case StateDirty, StateNew:
		write := true
		if f.logic != nil {
			write, _ = f.logic.BeforeUnload(f.data, f.state, f.pageID, p.pageSize)
		}
		if f.state == StateNew && !write {
			// Invariant: a first-write page must never be deferred.
			p.log.WithField("page_id", f.pageID).Warn("page logic deferred a NEW page; forcing full flush")
			write = true
		}

		p.stats.BytesWrittenLogically += int64(p.pageSize)
		if !write {
			p.stats.PagesWriteDeferred++
			return nil
		}

		seg, err := p.store.Segment(f.segmentID)
		if err != nil {
			return Wrap(KindIO, err)
		}
		if err := seg.WritePage(f.pageID, f.data); err != nil {
			return Wrap(KindIO, err)
		}
		p.stats.PagesWritten++
		p.stats.BytesWrittenPhysically += int64(p.pageSize)
		return nil
	default:
		return nil
	}
}

// release returns a frame to the free list and clears its identity.
func (p *Pool) release(f *Frame) {
	delete(p.byKey, f.key())
	f.state = StateUndefined
	f.logic = nil
	f.pinCount = 0
	f.clockRef = false
	p.freeList = append(p.freeList, f)
}
