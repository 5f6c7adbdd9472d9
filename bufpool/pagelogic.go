package bufpool

import "github.com/mrlbrg/bbbtree-go/page"

// State is a frame's position in the lifecycle described by spec §3:
// UNDEFINED < CLEAN < DIRTY < NEW in persistence priority. A NEW frame must
// never regress to DIRTY: the first write of a page is never deferred.
type State int

const (
	StateUndefined State = iota
	StateClean
	StateDirty
	StateNew
)

func (s State) String() string {
	switch s {
	case StateClean:
		return "CLEAN"
	case StateDirty:
		return "DIRTY"
	case StateNew:
		return "NEW"
	default:
		return "UNDEFINED"
	}
}

// PageLogic is the per-fix eviction/load callback bound to a frame at fix
// time (spec §4.3). The BBB-tree's deferred-write policy is the
// non-default implementation; everything else uses DefaultPageLogic.
type PageLogic interface {
	// BeforeUnload is called when a DIRTY or NEW frame is about to be
	// evicted; never for CLEAN. Returns whether the page should be
	// written to disk, and, if so, whether the page logic's own
	// side-channel state for page_id should also be erased. A NEW frame
	// that returns write=false is a page-logic bug: the pool forces the
	// write anyway, since a page's first materialization can never be
	// deferred.
	BeforeUnload(data []byte, state State, pageID page.PageID, pageSize uint32) (write bool, erase bool)
	// AfterLoad is called once a page has been read from disk, before
	// the caller observes the fixed frame. Returns dirty=true if the
	// callback itself modified data in place (e.g. replaying deferred
	// deltas): the pool must then mark the frame DIRTY immediately,
	// since the caller may go on to unfix it with isDirty=false (a plain
	// read), and a CLEAN frame is discarded without a write on eviction
	// (spec §9: a replayed page must be re-deferred or flushed, never
	// silently dropped).
	AfterLoad(data []byte, pageID page.PageID) (dirty bool)
}

// DefaultPageLogic is the null page logic: always write on eviction, never
// defer, no-op on load.
type DefaultPageLogic struct{}

func (DefaultPageLogic) BeforeUnload([]byte, State, page.PageID, uint32) (bool, bool) {
	return true, false
}

func (DefaultPageLogic) AfterLoad([]byte, page.PageID) bool { return false }
