// Package bbb implements the buffered-delta B-tree of spec §4.7: a plain
// B+-tree (package btree) whose page logic, on eviction, may redirect a
// dirty page's logical change into a secondary delta tree instead of
// writing the page in full, bounded by a write-amplification threshold ω.
package bbb

import (
	"bytes"
	"encoding/binary"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/mrlbrg/bbbtree-go/btree"
	"github.com/mrlbrg/bbbtree-go/bufpool"
	"github.com/mrlbrg/bbbtree-go/delta"
	"github.com/mrlbrg/bbbtree-go/page"
	"github.com/mrlbrg/bbbtree-go/pageio"
)

// Tree owns a base B+-tree (the user-facing index) and a delta tree keyed
// by the base tree's page ids, and installs itself as the base tree's page
// logic. Its public contract mirrors btree.Tree's.
type Tree struct {
	pool *bufpool.Pool

	base      *btree.Tree
	deltaTree *btree.Tree

	omega float64
	stats *bufpool.Stats
	log   *logrus.Entry

	// poisoned is set once an AfterLoad replay hits an invariant it cannot
	// recover from (spec §7: "the affected tree is poisoned and further
	// operations on it must refuse"). AfterLoad has no error return, so
	// this is the only way that failure can be reported to later callers.
	poisoned bool
}

// Option configures a Tree at construction time.
type Option func(*Tree)

// WithLogger overrides the tree's logger; by default logrus.StandardLogger
// is used.
func WithLogger(log *logrus.Entry) Option {
	return func(t *Tree) { t.log = log }
}

// Create initializes a brand-new BBB-tree: baseSeg holds the user-facing
// index, deltaSeg holds the delta tree. omega is the write-amplification
// threshold of spec §4.7, a fraction in [0, 1].
func Create(pool *bufpool.Pool, baseSeg, deltaSeg pageio.SegmentID, omega float64, stats *bufpool.Stats, opts ...Option) (*Tree, error) {
	if omega < 0 || omega > 1 {
		return nil, errors.Errorf("bbb: write-amplification threshold %v out of [0,1]", omega)
	}

	t := &Tree{pool: pool, omega: omega, stats: stats, log: logrus.NewEntry(logrus.StandardLogger())}
	for _, opt := range opts {
		opt(t)
	}

	deltaTree, err := btree.Create(pool, deltaSeg, bufpool.DefaultPageLogic{}, btree.WithStats(stats))
	if err != nil {
		return nil, err
	}
	t.deltaTree = deltaTree

	base, err := btree.Create(pool, baseSeg, t, btree.WithStats(stats))
	if err != nil {
		return nil, err
	}
	t.base = base

	return t, nil
}

// Open attaches to an existing BBB-tree previously built with Create.
func Open(pool *bufpool.Pool, baseSeg, deltaSeg pageio.SegmentID, omega float64, stats *bufpool.Stats, opts ...Option) (*Tree, error) {
	if omega < 0 || omega > 1 {
		return nil, errors.Errorf("bbb: write-amplification threshold %v out of [0,1]", omega)
	}

	t := &Tree{pool: pool, omega: omega, stats: stats, log: logrus.NewEntry(logrus.StandardLogger())}
	for _, opt := range opts {
		opt(t)
	}

	deltaTree, err := btree.Open(pool, deltaSeg, bufpool.DefaultPageLogic{}, btree.WithStats(stats))
	if err != nil {
		return nil, err
	}
	t.deltaTree = deltaTree

	base, err := btree.Open(pool, baseSeg, t, btree.WithStats(stats))
	if err != nil {
		return nil, err
	}
	t.base = base

	return t, nil
}

func (t *Tree) checkHealthy() error {
	if t.poisoned {
		return bufpool.New(bufpool.KindInvariant, "bbb: tree poisoned by a prior delta-replay failure")
	}
	return nil
}

// Lookup delegates to the base tree.
func (t *Tree) Lookup(key []byte) ([]byte, bool, error) {
	if err := t.checkHealthy(); err != nil {
		return nil, false, err
	}
	return t.base.Lookup(key)
}

// Insert delegates to the base tree.
func (t *Tree) Insert(key, value []byte) error {
	if err := t.checkHealthy(); err != nil {
		return err
	}
	if err := t.base.Insert(key, value); err != nil {
		return err
	}
	t.refreshHeightStats()
	return nil
}

// Erase delegates to the base tree.
func (t *Tree) Erase(key []byte) (bool, error) {
	if err := t.checkHealthy(); err != nil {
		return false, err
	}
	return t.base.Erase(key)
}

// Range delegates to the base tree.
func (t *Tree) Range(start, end []byte, fn func(key, value []byte) bool) error {
	if err := t.checkHealthy(); err != nil {
		return err
	}
	return t.base.Range(start, end, fn)
}

// Count delegates to the base tree.
func (t *Tree) Count() (int, error) {
	if err := t.checkHealthy(); err != nil {
		return 0, err
	}
	return t.base.Count()
}

// Size is an alias of Count, satisfying the collab.Index interface.
func (t *Tree) Size() (int, error) { return t.Count() }

// Height returns the base tree's height, matching btree.Tree.Height so
// callers (e.g. cmd/bbbbench) can treat either as the same index interface.
func (t *Tree) Height() int { return t.base.Height() }

func (t *Tree) refreshHeightStats() {
	if t.stats == nil {
		return
	}
	t.stats.BTreeHeight = t.base.Height()
	t.stats.DeltaTreeHeight = t.deltaTree.Height()
}

// pageKey encodes a base-tree page id as the delta tree's lookup key:
// big-endian so that key order matches numeric page id order (natural
// order, per spec §4.6), even though the delta tree never range-scans by
// page id today.
func pageKey(id page.PageID) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(id))
	return buf
}

// BeforeUnload implements bufpool.PageLogic for the base tree (spec §4.7).
func (t *Tree) BeforeUnload(data []byte, state bufpool.State, pageID page.PageID, pageSize uint32) (write, erase bool) {
	level := btree.PeekLevel(data)

	if state == bufpool.StateNew {
		// First materialization of a page is never deferred; compact away
		// any tombstones accumulated before this page was ever flushed and
		// reset tracking for what comes next.
		t.flushClean(data, level)
		return true, false
	}

	deltas := t.extractDeltas(data, level)
	if len(deltas) == 0 {
		// Spurious dirty: marked dirty on Unfix but nothing tracked actually
		// changed (e.g. a read-modify-write that ended up a no-op).
		return true, false
	}

	key := pageKey(pageID)
	maxValueSize := btree.MaxValueSize(t.pool.PageSize(), len(key))
	size := deltas.Size()
	tooBigForOnePage := size > maxValueSize
	// ω is the defer-side budget scenario 5 expects (ω=0 always defers,
	// ω=1 never defers): deferring is allowed while the deltas occupy no
	// more than a (1-ω) fraction of the page, so the cutoff tightens to
	// zero tolerance as ω approaches 1.
	overThreshold := float64(size) > (1-t.omega)*float64(pageSize)

	if tooBigForOnePage || overThreshold {
		t.dropDeferred(pageID)
		t.flushClean(data, level)
		return true, true
	}

	if err := t.storeDeltas(pageID, deltas); err != nil {
		t.log.WithError(err).WithField("page_id", uint64(pageID)).Warn("bbb: failed to defer deltas, falling back to a full flush")
		t.dropDeferred(pageID)
		t.flushClean(data, level)
		return true, true
	}

	return false, false
}

// AfterLoad implements bufpool.PageLogic for the base tree (spec §4.7). It
// returns dirty=true whenever it replayed deltas into data, so the pool
// marks the frame DIRTY immediately: a subsequent read-only Lookup/Range/
// Count must not be able to unfix the frame CLEAN and have those replayed
// changes discarded un-written on the next eviction, with D already erased
// and the on-disk page still the pre-deferral version (spec §9).
func (t *Tree) AfterLoad(data []byte, pageID page.PageID) (dirty bool) {
	key := pageKey(pageID)
	raw, ok, err := t.deltaTree.Lookup(key)
	if err != nil {
		t.poisoned = true
		t.log.WithError(err).WithField("page_id", uint64(pageID)).Error("bbb: failed to look up deferred deltas")
		return false
	}
	if !ok {
		return false
	}

	ds, err := delta.Decode(raw)
	if err != nil {
		t.poisoned = true
		t.log.WithError(err).WithField("page_id", uint64(pageID)).Error("bbb: corrupt deferred delta record")
		return false
	}

	level := btree.PeekLevel(data)
	if level == 0 {
		t.replayLeafDeltas(btree.OpenLeaf(data), ds, pageID)
	} else {
		t.replayInnerDeltas(btree.OpenInner(data), ds, pageID)
	}
	if t.poisoned {
		return false
	}

	if _, err := t.deltaTree.Erase(key); err != nil {
		t.poisoned = true
		t.log.WithError(err).WithField("page_id", uint64(pageID)).Error("bbb: failed to erase replayed deltas")
		return false
	}
	return true
}

func (t *Tree) replayLeafDeltas(leaf *btree.LeafNode, ds delta.Deltas, pageID page.PageID) {
	for _, d := range ds {
		if d.Op == delta.OpDelete {
			idx, exact := leaf.Find(d.Key)
			if !exact {
				t.poisoned = true
				t.log.WithField("page_id", uint64(pageID)).Error("bbb: replay of a delete delta found no matching key")
				return
			}
			leaf.Erase(idx)
			continue
		}
		// Insert and Update both resolve to the same upsert: the node's
		// own Insert already distinguishes a brand-new slot from an
		// overwrite and marks its state accordingly (see promoteState).
		leaf.Insert(d.Key, d.Value)
	}
}

func (t *Tree) replayInnerDeltas(inner *btree.InnerNode, ds delta.Deltas, pageID page.PageID) {
	for _, d := range ds {
		if d.Op == delta.OpDelete || len(d.Value) != 8 {
			t.poisoned = true
			t.log.WithField("page_id", uint64(pageID)).Error("bbb: replay of an unsupported inner-node delta")
			return
		}
		child := page.PageID(binary.BigEndian.Uint64(d.Value))
		idx := inner.Find(d.Key)
		if idx < int(inner.SlotCount()) && bytes.Equal(inner.Key(idx), d.Key) {
			inner.SetChild(idx, child)
		} else {
			inner.InsertSeparator(d.Key, child, btree.SlotInserted)
		}
	}
}

// flushClean prepares a node for a real, full page write: tombstones are
// physically dropped (they need not round-trip through the delta tree,
// since the page they lived on was never persisted with them visible
// elsewhere) and every remaining slot's dirty marker is reset, per spec
// §4.7 ("cleaned at each full-page flush").
func (t *Tree) flushClean(data []byte, level uint16) {
	if level == 0 {
		leaf := btree.OpenLeaf(data)
		leaf.Compact()
		for i := 0; i < int(leaf.SlotCount()); i++ {
			leaf.SetState(i, btree.SlotUnchanged)
		}
		return
	}
	inner := btree.OpenInner(data)
	inner.Compact()
	for i := 0; i < int(inner.SlotCount()); i++ {
		inner.SetState(i, btree.SlotUnchanged)
	}
}

// extractDeltas scans a dirty node's slots and collects every one whose
// state is not Unchanged into a Delta record (spec §4.7's extension of the
// original, which only ever handled Inserted).
func (t *Tree) extractDeltas(data []byte, level uint16) delta.Deltas {
	var ds delta.Deltas
	if level == 0 {
		leaf := btree.OpenLeaf(data)
		for i := 0; i < int(leaf.SlotCount()); i++ {
			op, ok := leafOp(leaf.State(i))
			if !ok {
				continue
			}
			ds = ds.Append(delta.Delta{
				Op:    op,
				Key:   append([]byte(nil), leaf.Key(i)...),
				Value: append([]byte(nil), leaf.Value(i)...),
			})
		}
		return ds
	}

	inner := btree.OpenInner(data)
	for i := 0; i < int(inner.SlotCount()); i++ {
		op, ok := innerOp(inner.State(i))
		if !ok {
			continue
		}
		childBuf := make([]byte, 8)
		binary.BigEndian.PutUint64(childBuf, uint64(inner.Child(i)))
		ds = ds.Append(delta.Delta{
			Op:    op,
			Key:   append([]byte(nil), inner.Key(i)...),
			Value: childBuf,
		})
	}
	return ds
}

func leafOp(st btree.SlotState) (delta.Op, bool) {
	switch st {
	case btree.SlotInserted:
		return delta.OpInsert, true
	case btree.SlotUpdated:
		return delta.OpUpdate, true
	case btree.SlotDeleted:
		return delta.OpDelete, true
	default:
		return 0, false
	}
}

func innerOp(st btree.SlotState) (delta.Op, bool) {
	switch st {
	case btree.SlotInserted:
		return delta.OpInsert, true
	case btree.SlotUpdated:
		return delta.OpUpdate, true
	default:
		// Separators are never individually tombstoned (see
		// InnerNode.Compact), so SlotDeleted never reaches here.
		return 0, false
	}
}

func (t *Tree) storeDeltas(pageID page.PageID, ds delta.Deltas) error {
	key := pageKey(pageID)
	if _, ok, err := t.deltaTree.Lookup(key); err != nil {
		return err
	} else if ok {
		return errors.Errorf("bbb: delta tree already holds an entry for page %d; AfterLoad should have erased it on the prior load", pageID)
	}
	buf := make([]byte, ds.Size())
	ds.Encode(buf)
	return t.deltaTree.Insert(key, buf)
}

func (t *Tree) dropDeferred(pageID page.PageID) {
	// Erase is a no-op (ok=false) if nothing was deferred; ignore the
	// error here since a failed erase only leaves a stale, harmless
	// tombstone entry that the next successful defer attempt would
	// reject via storeDeltas's existence check, surfacing loudly then.
	_, _ = t.deltaTree.Erase(pageKey(pageID))
}
