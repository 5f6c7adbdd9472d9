package btree

import (
	"bytes"
	"encoding/binary"

	"github.com/mrlbrg/bbbtree-go/bufpool"
	"github.com/mrlbrg/bbbtree-go/page"
	"github.com/mrlbrg/bbbtree-go/pageio"
)

// metaPageID is the fixed page reserved for tree metadata (spec §4.5:
// "page 0 of the segment holds (root: PageID, next_free_page: PageID)").
const metaPageID page.PageID = 0

// Tree is a variable-key B+-tree stored across the pages of one segment,
// fixed/unfixed through a shared buffer pool. A Tree is not safe for
// concurrent use (spec §5: concurrency is out of scope for v1).
type Tree struct {
	pool      *bufpool.Pool
	segmentID pageio.SegmentID
	logic     bufpool.PageLogic
	stats     *bufpool.Stats

	root         page.PageID
	nextFreePage page.PageID
}

// Option configures a Tree at construction time.
type Option func(*Tree)

// WithStats attaches the telemetry counters of spec §6 to this tree: every
// leaf/inner split this tree performs increments the matching counter.
// Omitted (nil) by default, in which case splits are simply not counted.
func WithStats(stats *bufpool.Stats) Option {
	return func(t *Tree) { t.stats = stats }
}

func readMeta(buf []byte) (root, nextFree page.PageID) {
	root = page.PageID(binary.LittleEndian.Uint64(buf[0:8]))
	nextFree = page.PageID(binary.LittleEndian.Uint64(buf[8:16]))
	return
}

func writeMeta(buf []byte, root, nextFree page.PageID) {
	binary.LittleEndian.PutUint64(buf[0:8], uint64(root))
	binary.LittleEndian.PutUint64(buf[8:16], uint64(nextFree))
}

// Create initializes a brand-new tree in segmentID: page 0 holds the
// metadata, page 1 the (empty) root leaf. logic is bound to every data
// page this tree fixes; pass bufpool.DefaultPageLogic{} for a plain tree.
func Create(pool *bufpool.Pool, segmentID pageio.SegmentID, logic bufpool.PageLogic, opts ...Option) (*Tree, error) {
	t := &Tree{pool: pool, segmentID: segmentID, logic: logic, root: 1, nextFreePage: 2}
	for _, opt := range opts {
		opt(t)
	}

	f0, err := pool.FixCreate(segmentID, metaPageID, bufpool.DefaultPageLogic{})
	if err != nil {
		return nil, err
	}
	writeMeta(f0.Data(), t.root, t.nextFreePage)
	pool.Unfix(f0, true)

	f1, err := pool.FixCreate(segmentID, t.root, logic)
	if err != nil {
		return nil, err
	}
	InitLeaf(f1.Data())
	pool.Unfix(f1, true)

	return t, nil
}

// Open attaches to an existing tree previously built with Create.
func Open(pool *bufpool.Pool, segmentID pageio.SegmentID, logic bufpool.PageLogic, opts ...Option) (*Tree, error) {
	f0, err := pool.Fix(segmentID, metaPageID, false, bufpool.DefaultPageLogic{})
	if err != nil {
		return nil, err
	}
	root, next := readMeta(f0.Data())
	pool.Unfix(f0, false)
	t := &Tree{pool: pool, segmentID: segmentID, logic: logic, root: root, nextFreePage: next}
	for _, opt := range opts {
		opt(t)
	}
	return t, nil
}

// Height returns the current number of levels in the tree: 1 for a tree
// whose root is a leaf, growing by one with every root split.
func (t *Tree) Height() int {
	return int(t.currentRootLevel()) + 1
}

func (t *Tree) syncMeta() error {
	f0, err := t.pool.Fix(t.segmentID, metaPageID, true, bufpool.DefaultPageLogic{})
	if err != nil {
		return err
	}
	writeMeta(f0.Data(), t.root, t.nextFreePage)
	t.pool.Unfix(f0, true)
	return nil
}

func (t *Tree) allocatePage() page.PageID {
	id := t.nextFreePage
	t.nextFreePage++
	return id
}

// maxKeySize is the largest key an empty leaf page could ever hold: the
// whole page minus the leaf header and one slot's own fixed fields.
func (t *Tree) maxKeySize() int {
	return int(t.pool.PageSize()) - leafHeaderSize - leafSlotSize
}

// Lookup returns the value stored for key, and whether it was found. A
// tombstoned (erased) key reports ok=false.
func (t *Tree) Lookup(key []byte) (value []byte, ok bool, err error) {
	pageID := t.root
	for {
		f, err := t.pool.Fix(t.segmentID, pageID, false, t.logic)
		if err != nil {
			return nil, false, err
		}
		if PeekLevel(f.Data()) == 0 {
			leaf := OpenLeaf(f.Data())
			idx, exact := leaf.Find(key)
			if !exact || leaf.State(idx) == SlotDeleted {
				t.pool.Unfix(f, false)
				return nil, false, nil
			}
			v := append([]byte(nil), leaf.Value(idx)...)
			t.pool.Unfix(f, false)
			return v, true, nil
		}
		inner := OpenInner(f.Data())
		next := inner.ChildFor(key)
		t.pool.Unfix(f, false)
		pageID = next
	}
}

// Insert adds or overwrites key with value, splitting nodes down to the
// root as needed.
func (t *Tree) Insert(key, value []byte) error {
	if len(key) > t.maxKeySize() {
		return ErrKeyTooLarge
	}

	pivot, newChild, split, err := t.insertRec(t.root, key, value)
	if err != nil {
		return err
	}
	if !split {
		return nil
	}

	oldRootLevel := t.currentRootLevel()

	newRootID := t.allocatePage()
	rf, err := t.pool.FixCreate(t.segmentID, newRootID, t.logic)
	if err != nil {
		return err
	}
	root := InitInner(rf.Data(), oldRootLevel+1, newChild)
	root.AppendSeparator(pivot, t.root, SlotInserted)
	t.pool.Unfix(rf, true)

	t.root = newRootID
	return t.syncMeta()
}

// currentRootLevel peeks the level of the existing root without holding
// a long-lived pin, used only to compute the new root's level after a
// root split.
func (t *Tree) currentRootLevel() uint16 {
	f, err := t.pool.Fix(t.segmentID, t.root, false, t.logic)
	if err != nil {
		return 0
	}
	lvl := PeekLevel(f.Data())
	t.pool.Unfix(f, false)
	return lvl
}

// insertRec descends to the leaf responsible for key, inserts, and
// propagates any split back up. On split, it returns the promoted
// separator key and the page id of the newly created right sibling.
func (t *Tree) insertRec(pageID page.PageID, key, value []byte) (pivot []byte, newPageID page.PageID, split bool, err error) {
	f, err := t.pool.Fix(t.segmentID, pageID, true, t.logic)
	if err != nil {
		return nil, 0, false, err
	}

	if PeekLevel(f.Data()) == 0 {
		leaf := OpenLeaf(f.Data())
		_, exact := leaf.Find(key)
		roomFor := func() bool {
			if exact {
				return leaf.fitsReplace(len(key), len(value))
			}
			return leaf.fits(len(key), len(value))
		}
		if !roomFor() {
			leaf.Compact()
		}
		if !roomFor() {
			p, newID, serr := t.splitLeaf(pageID, leaf)
			if serr != nil {
				t.pool.Unfix(f, false)
				return nil, 0, false, serr
			}
			if bytes.Compare(key, p) <= 0 {
				leaf.Insert(key, value)
				t.pool.Unfix(f, true)
			} else {
				nf, ferr := t.pool.Fix(t.segmentID, newID, true, t.logic)
				if ferr != nil {
					t.pool.Unfix(f, true)
					return nil, 0, false, ferr
				}
				OpenLeaf(nf.Data()).Insert(key, value)
				t.pool.Unfix(nf, true)
				t.pool.Unfix(f, true)
			}
			return p, newID, true, nil
		}
		leaf.Insert(key, value)
		t.pool.Unfix(f, true)
		return nil, 0, false, nil
	}

	inner := OpenInner(f.Data())
	idx := inner.Find(key)
	var childID page.PageID
	if idx == int(inner.SlotCount()) {
		childID = inner.Upper()
	} else {
		childID = inner.Child(idx)
	}

	childPivot, childNewID, childSplit, err := t.insertRec(childID, key, value)
	if err != nil {
		t.pool.Unfix(f, false)
		return nil, 0, false, err
	}
	if !childSplit {
		t.pool.Unfix(f, false)
		return nil, 0, false, nil
	}

	p, newID, didSplit, serr := t.applyChildSplit(pageID, inner, idx, childPivot, childNewID)
	if serr != nil {
		t.pool.Unfix(f, false)
		return nil, 0, false, serr
	}
	t.pool.Unfix(f, true)
	return p, newID, didSplit, nil
}

// applyChildSplit performs the mandatory two-step update spec §4.5
// requires when a child splits: the parent's existing pointer at idx (or
// Upper, if idx is past the last slot) already names the child page,
// which now holds only the lower half of its old contents; that pointer
// must be repointed at the new, upper-half sibling BEFORE the promoted
// separator (which still names the original, lower-half page) is
// inserted. Doing it in the other order would leave a window where the
// pointer and the separator both claim the same key range.
func (t *Tree) applyChildSplit(pageID page.PageID, inner *InnerNode, idx int, childPivot []byte, childNewID page.PageID) (pivot []byte, newPageID page.PageID, split bool, err error) {
	oldChildID := inner.Upper()
	if idx < int(inner.SlotCount()) {
		oldChildID = inner.Child(idx)
	}

	if idx == int(inner.SlotCount()) {
		inner.SetUpper(childNewID)
	} else {
		inner.SetChild(idx, childNewID)
	}

	if !inner.fits(len(childPivot)) {
		inner.Compact()
	}
	if inner.fits(len(childPivot)) {
		inner.InsertSeparator(childPivot, oldChildID, SlotInserted)
		return nil, 0, false, nil
	}

	p2, newID, serr := t.splitInner(pageID, inner)
	if serr != nil {
		return nil, 0, false, serr
	}

	if bytes.Compare(childPivot, p2) <= 0 {
		inner.InsertSeparator(childPivot, oldChildID, SlotInserted)
	} else {
		nf, ferr := t.pool.Fix(t.segmentID, newID, true, t.logic)
		if ferr != nil {
			return nil, 0, false, ferr
		}
		OpenInner(nf.Data()).InsertSeparator(childPivot, oldChildID, SlotInserted)
		t.pool.Unfix(nf, true)
	}
	return p2, newID, true, nil
}

// splitLeaf divides a full leaf in place, following the original's
// convention (btree.cpp LeafNode::split): slots [0, pivotIdx] stay on
// pageID, slots (pivotIdx, count) move to a freshly allocated right
// sibling, and the promoted separator is the left half's own last
// (maximum) key — it is not duplicated into the right half.
func (t *Tree) splitLeaf(pageID page.PageID, leaf *LeafNode) (pivot []byte, newPageID page.PageID, err error) {
	if t.stats != nil {
		t.stats.LeafNodeSplits++
	}
	pivotIdx := leaf.SplitPoint()
	count := int(leaf.SlotCount())

	type entry struct {
		key, value []byte
		state      SlotState
	}
	all := make([]entry, count)
	for i := 0; i < count; i++ {
		all[i] = entry{
			append([]byte(nil), leaf.Key(i)...),
			append([]byte(nil), leaf.Value(i)...),
			leaf.State(i),
		}
	}

	newID := t.allocatePage()
	nf, err := t.pool.FixCreate(t.segmentID, newID, t.logic)
	if err != nil {
		return nil, 0, err
	}
	newLeaf := InitLeaf(nf.Data())
	newLeaf.SetNext(leaf.Next())
	for i := pivotIdx + 1; i < count; i++ {
		newLeaf.insertAt(int(newLeaf.SlotCount()), all[i].key, all[i].value, all[i].state)
	}
	t.pool.Unfix(nf, true)

	leaf.setSlotCount(0)
	leaf.setDataStart(uint32(len(leaf.buf)))
	for i := 0; i <= pivotIdx; i++ {
		leaf.insertAt(int(leaf.SlotCount()), all[i].key, all[i].value, all[i].state)
	}
	leaf.SetNext(newID)

	return append([]byte(nil), all[pivotIdx].key...), newID, nil
}

// splitInner divides a full inner node in place, mirroring splitLeaf:
// slots [0, pivotIdx] (including the pivot itself) stay on pageID, whose
// Upper becomes the pivot's own child (a value that can never actually
// be looked up again, since every key reaching the left half is now <=
// the pivot, which already has its own slot); slots (pivotIdx, count)
// move to a freshly allocated right sibling, which inherits the
// original Upper. The pivot's key is promoted to the parent.
func (t *Tree) splitInner(pageID page.PageID, inner *InnerNode) (pivot []byte, newPageID page.PageID, err error) {
	if t.stats != nil {
		t.stats.InnerNodeSplits++
	}
	pivotIdx := inner.SplitPoint()
	count := int(inner.SlotCount())

	type entry struct {
		key   []byte
		child page.PageID
		state SlotState
	}
	all := make([]entry, count)
	for i := 0; i < count; i++ {
		all[i] = entry{append([]byte(nil), inner.Key(i)...), inner.Child(i), inner.State(i)}
	}
	origUpper := inner.Upper()
	promoted := all[pivotIdx]
	level := inner.Level()

	newID := t.allocatePage()
	nf, err := t.pool.FixCreate(t.segmentID, newID, t.logic)
	if err != nil {
		return nil, 0, err
	}
	newInner := InitInner(nf.Data(), level, origUpper)
	for i := pivotIdx + 1; i < count; i++ {
		newInner.AppendSeparator(all[i].key, all[i].child, all[i].state)
	}
	t.pool.Unfix(nf, true)

	inner.setSlotCount(0)
	inner.setDataStart(uint32(len(inner.buf)))
	inner.setLevel(level)
	for i := 0; i <= pivotIdx; i++ {
		inner.AppendSeparator(all[i].key, all[i].child, all[i].state)
	}
	inner.SetUpper(promoted.child)

	return append([]byte(nil), promoted.key...), newID, nil
}

// Size is an alias of Count, satisfying the collab.Index interface.
func (t *Tree) Size() (int, error) { return t.Count() }

// Count returns the number of live (non-tombstoned) keys in the tree by
// walking the leaf level once. O(n); callers needing this on a hot path
// should maintain their own counter instead.
func (t *Tree) Count() (int, error) {
	n := 0
	err := t.Range(nil, nil, func(k, v []byte) bool {
		n++
		return true
	})
	return n, err
}

// Erase tombstones key if present, reporting whether it was found. Per
// spec §4.5 this never physically compacts the page; reclamation happens
// lazily the next time the page needs room.
func (t *Tree) Erase(key []byte) (ok bool, err error) {
	pageID := t.root
	for {
		f, err := t.pool.Fix(t.segmentID, pageID, true, t.logic)
		if err != nil {
			return false, err
		}
		if PeekLevel(f.Data()) == 0 {
			leaf := OpenLeaf(f.Data())
			idx, exact := leaf.Find(key)
			if !exact || leaf.State(idx) == SlotDeleted {
				t.pool.Unfix(f, false)
				return false, nil
			}
			leaf.Erase(idx)
			t.pool.Unfix(f, true)
			return true, nil
		}
		inner := OpenInner(f.Data())
		next := inner.ChildFor(key)
		t.pool.Unfix(f, false)
		pageID = next
	}
}

// Range walks every live key in [start, end) in ascending order, calling
// fn for each. Iteration stops early if fn returns false. start == nil
// means "from the smallest key"; end == nil means "to the largest key".
func (t *Tree) Range(start, end []byte, fn func(key, value []byte) bool) error {
	pageID := t.root
	for {
		f, err := t.pool.Fix(t.segmentID, pageID, false, t.logic)
		if err != nil {
			return err
		}
		if PeekLevel(f.Data()) == 0 {
			break
		}
		inner := OpenInner(f.Data())
		var next page.PageID
		if start == nil {
			next = inner.Child(0)
			if inner.SlotCount() == 0 {
				next = inner.Upper()
			}
		} else {
			next = inner.ChildFor(start)
		}
		t.pool.Unfix(f, false)
		pageID = next
	}

	first := true
	for pageID != 0 {
		f, err := t.pool.Fix(t.segmentID, pageID, false, t.logic)
		if err != nil {
			return err
		}
		leaf := OpenLeaf(f.Data())
		count := int(leaf.SlotCount())
		startIdx := 0
		if first && start != nil {
			startIdx, _ = leaf.Find(start)
		}
		first = false

		stop := false
		for i := startIdx; i < count; i++ {
			k := leaf.Key(i)
			if end != nil && bytes.Compare(k, end) >= 0 {
				stop = true
				break
			}
			if leaf.State(i) == SlotDeleted {
				continue
			}
			if !fn(append([]byte(nil), k...), append([]byte(nil), leaf.Value(i)...)) {
				stop = true
				break
			}
		}
		next := leaf.Next()
		t.pool.Unfix(f, false)
		if stop {
			return nil
		}
		pageID = next
	}
	return nil
}
