package btree

import (
	"bytes"
	"encoding/binary"
	"sort"

	"github.com/mrlbrg/bbbtree-go/page"
)

// InnerNode is a level>0 node: slots hold (separator key, left child)
// pairs in ascending key order, plus a right-most "upper" child that has
// no separator of its own. A lookup for a key k descends into the first
// child whose separator is >= k, or upper if none is.
type InnerNode struct {
	node
}

func (n *InnerNode) upper() page.PageID {
	return page.PageID(binary.LittleEndian.Uint64(n.buf[commonHeaderSize : commonHeaderSize+8]))
}

func (n *InnerNode) setUpper(v page.PageID) {
	binary.LittleEndian.PutUint64(n.buf[commonHeaderSize:commonHeaderSize+8], uint64(v))
}

// Upper returns the right-most child pointer.
func (n *InnerNode) Upper() page.PageID { return n.upper() }

// SetUpper overwrites the right-most child pointer.
func (n *InnerNode) SetUpper(v page.PageID) { n.setUpper(v) }

func (n *InnerNode) slotOffset(i int) int { return innerHeaderSize + i*innerSlotSize }

func (n *InnerNode) readSlot(i int) (child page.PageID, payloadOffset uint32, keySize uint16, state SlotState) {
	o := n.slotOffset(i)
	child = page.PageID(binary.LittleEndian.Uint64(n.buf[o : o+8]))
	payloadOffset = binary.LittleEndian.Uint32(n.buf[o+8 : o+12])
	keySize = binary.LittleEndian.Uint16(n.buf[o+12 : o+14])
	state = SlotState(n.buf[o+16])
	return
}

func (n *InnerNode) writeSlot(i int, child page.PageID, payloadOffset uint32, keySize uint16, state SlotState) {
	o := n.slotOffset(i)
	binary.LittleEndian.PutUint64(n.buf[o:o+8], uint64(child))
	binary.LittleEndian.PutUint32(n.buf[o+8:o+12], payloadOffset)
	binary.LittleEndian.PutUint16(n.buf[o+12:o+14], keySize)
	binary.LittleEndian.PutUint16(n.buf[o+14:o+16], 0) // padding
	n.buf[o+16] = byte(state)
}

// Key returns slot i's separator key.
func (n *InnerNode) Key(i int) []byte {
	_, off, ks, _ := n.readSlot(i)
	return n.buf[off : off+uint32(ks)]
}

// Child returns slot i's left-child pointer.
func (n *InnerNode) Child(i int) page.PageID {
	c, _, _, _ := n.readSlot(i)
	return c
}

// SetChild overwrites slot i's left-child pointer without moving its key,
// promoting its dirty-tracking state the same way LeafNode.Insert does for
// an overwritten value.
func (n *InnerNode) SetChild(i int, child page.PageID) {
	_, off, ks, st := n.readSlot(i)
	n.writeSlot(i, child, off, ks, promoteState(st))
}

// FreeSpace reports how many bytes remain for new slots and payload.
func (n *InnerNode) FreeSpace() int {
	return freeSpace(n.dataStart(), innerHeaderSize, int(n.SlotCount()), innerSlotSize)
}

func (n *InnerNode) fits(keySize int) bool {
	return n.FreeSpace() >= innerSlotSize+keySize
}

// Find returns the index of the child to descend into for key: the first
// slot whose separator key is >= key (every inner pivot equals the
// maximum key in its left subtree, so that slot's child is the one whose
// range could contain key), or SlotCount() (meaning "use Upper") if key
// is greater than every separator.
func (n *InnerNode) Find(key []byte) int {
	count := int(n.SlotCount())
	return sort.Search(count, func(i int) bool {
		return bytes.Compare(n.Key(i), key) >= 0
	})
}

// ChildFor resolves the child pointer a lookup for key should descend
// into.
func (n *InnerNode) ChildFor(key []byte) page.PageID {
	idx := n.Find(key)
	if idx == int(n.SlotCount()) {
		return n.upper()
	}
	return n.Child(idx)
}

// InsertSeparator inserts a new (separatorKey, leftChild) pair at its
// sorted position, stamped with state. The caller must have verified
// fits().
func (n *InnerNode) InsertSeparator(separatorKey []byte, leftChild page.PageID, state SlotState) {
	idx := n.Find(separatorKey)
	count := int(n.SlotCount())
	newStart := n.dataStart() - uint32(len(separatorKey))
	copy(n.buf[newStart:], separatorKey)

	for i := count; i > idx; i-- {
		c, off, ks, st := n.readSlot(i - 1)
		n.writeSlot(i, c, off, ks, st)
	}
	n.writeSlot(idx, leftChild, newStart, uint16(len(separatorKey)), state)
	n.setDataStart(newStart)
	n.setSlotCount(uint16(count + 1))
}

// AppendSeparator is InsertSeparator specialized for the common build-time
// case of appending at the right end (used when reconstructing a node
// during a split or compaction, where keys are already produced in
// order and their prior state must be carried over verbatim).
func (n *InnerNode) AppendSeparator(separatorKey []byte, leftChild page.PageID, state SlotState) {
	count := int(n.SlotCount())
	newStart := n.dataStart() - uint32(len(separatorKey))
	copy(n.buf[newStart:], separatorKey)
	n.writeSlot(count, leftChild, newStart, uint16(len(separatorKey)), state)
	n.setDataStart(newStart)
	n.setSlotCount(uint16(count + 1))
}

// Compact rewrites every slot's payload packed from the end of the page,
// reclaiming space left behind by slot removal during a rebuild. Inner
// separators are never individually tombstoned (only leaf entries are),
// so this never drops a slot, only repacks payload.
func (n *InnerNode) Compact() {
	type entry struct {
		key   []byte
		child page.PageID
		state SlotState
	}
	count := int(n.SlotCount())
	all := make([]entry, count)
	for i := 0; i < count; i++ {
		all[i] = entry{append([]byte(nil), n.Key(i)...), n.Child(i), n.State(i)}
	}

	n.setSlotCount(0)
	n.setDataStart(uint32(len(n.buf)))
	for _, e := range all {
		n.AppendSeparator(e.key, e.child, e.state)
	}
}

// State returns slot i's dirty-tracking state.
func (n *InnerNode) State(i int) SlotState {
	_, _, _, st := n.readSlot(i)
	return st
}

// SetState overwrites slot i's dirty-tracking state in place.
func (n *InnerNode) SetState(i int, st SlotState) {
	c, off, ks, _ := n.readSlot(i)
	n.writeSlot(i, c, off, ks, st)
}

// SplitPoint returns the index of the last slot that stays in the left
// (original) node after a split, mirroring LeafNode.SplitPoint: that
// slot's key is promoted to the parent but also remains as left's own
// last separator (spec P6).
func (n *InnerNode) SplitPoint() int {
	return (int(n.SlotCount())+1)/2 - 1
}
