package btree

import (
	"bytes"
	"encoding/binary"
	"sort"

	"github.com/mrlbrg/bbbtree-go/page"
)

// LeafNode is a level-0 node: slots hold (key, value) pairs in ascending
// key order, payload growing backward from the end of the page.
type LeafNode struct {
	node
}

// Next returns the page id of this leaf's right sibling, or 0 if it is
// the right-most leaf.
func (n *LeafNode) Next() page.PageID {
	return page.PageID(binary.LittleEndian.Uint64(n.buf[commonHeaderSize : commonHeaderSize+8]))
}

// SetNext overwrites the right-sibling pointer.
func (n *LeafNode) SetNext(v page.PageID) {
	binary.LittleEndian.PutUint64(n.buf[commonHeaderSize:commonHeaderSize+8], uint64(v))
}

func (n *LeafNode) slotOffset(i int) int { return leafHeaderSize + i*leafSlotSize }

func (n *LeafNode) readSlot(i int) (payloadOffset uint32, keySize, valueSize uint16, state SlotState) {
	o := n.slotOffset(i)
	payloadOffset = binary.LittleEndian.Uint32(n.buf[o : o+4])
	keySize = binary.LittleEndian.Uint16(n.buf[o+4 : o+6])
	valueSize = binary.LittleEndian.Uint16(n.buf[o+6 : o+8])
	state = SlotState(n.buf[o+8])
	return
}

func (n *LeafNode) writeSlot(i int, payloadOffset uint32, keySize, valueSize uint16, state SlotState) {
	o := n.slotOffset(i)
	binary.LittleEndian.PutUint32(n.buf[o:o+4], payloadOffset)
	binary.LittleEndian.PutUint16(n.buf[o+4:o+6], keySize)
	binary.LittleEndian.PutUint16(n.buf[o+6:o+8], valueSize)
	n.buf[o+8] = byte(state)
}

// Key returns slot i's key. The returned slice aliases the page buffer.
func (n *LeafNode) Key(i int) []byte {
	off, ks, _, _ := n.readSlot(i)
	return n.buf[off : off+uint32(ks)]
}

// Value returns slot i's value. The returned slice aliases the page buffer.
func (n *LeafNode) Value(i int) []byte {
	off, ks, vs, _ := n.readSlot(i)
	return n.buf[off+uint32(ks) : off+uint32(ks)+uint32(vs)]
}

// State returns slot i's dirty-tracking state.
func (n *LeafNode) State(i int) SlotState {
	_, _, _, st := n.readSlot(i)
	return st
}

// SetState overwrites slot i's dirty-tracking state in place.
func (n *LeafNode) SetState(i int, st SlotState) {
	off, ks, vs, _ := n.readSlot(i)
	n.writeSlot(i, off, ks, vs, st)
}

// Find returns the index of the first slot whose key is >= key (lower
// bound), and whether that slot's key equals key exactly.
func (n *LeafNode) Find(key []byte) (idx int, exact bool) {
	count := int(n.SlotCount())
	idx = sort.Search(count, func(i int) bool {
		return bytes.Compare(n.Key(i), key) >= 0
	})
	exact = idx < count && bytes.Equal(n.Key(idx), key)
	return
}

// FreeSpace reports how many bytes remain for new slots and payload.
func (n *LeafNode) FreeSpace() int {
	return freeSpace(n.dataStart(), leafHeaderSize, int(n.SlotCount()), leafSlotSize)
}

// fits reports whether a brand-new slot of the given key/value size can
// be inserted without a split.
func (n *LeafNode) fits(keySize, valueSize int) bool {
	return n.FreeSpace() >= leafSlotSize+keySize+valueSize
}

// fitsReplace reports whether an existing slot's payload can be
// rewritten with a new key/value of the given size: no new slot is
// needed, only fresh payload bytes (replaceAt never reuses the old
// payload region).
func (n *LeafNode) fitsReplace(keySize, valueSize int) bool {
	return n.FreeSpace() >= keySize+valueSize
}

// Insert places (key, value) into the correct sorted position, shifting
// later slots up by one. The caller must have already verified fits().
func (n *LeafNode) Insert(key, value []byte) {
	idx, exact := n.Find(key)
	if exact {
		n.replaceAt(idx, key, value, promoteState(n.State(idx)))
		return
	}
	n.insertAt(idx, key, value, SlotInserted)
}

// insertAt inserts a new slot at position idx (0 <= idx <= SlotCount),
// allocating its payload from the top of the free region.
func (n *LeafNode) insertAt(idx int, key, value []byte, state SlotState) {
	count := int(n.SlotCount())
	newStart := n.dataStart() - uint32(len(key)+len(value))
	copy(n.buf[newStart:], key)
	copy(n.buf[int(newStart)+len(key):], value)

	for i := count; i > idx; i-- {
		off, ks, vs, st := n.readSlot(i - 1)
		n.writeSlot(i, off, ks, vs, st)
	}
	n.writeSlot(idx, newStart, uint16(len(key)), uint16(len(value)), state)
	n.setDataStart(newStart)
	n.setSlotCount(uint16(count + 1))
}

// replaceAt rewrites an existing slot's value, reusing the page's free
// region rather than the old payload bytes (which are simply abandoned
// until the node is next compacted).
func (n *LeafNode) replaceAt(idx int, key, value []byte, state SlotState) {
	newStart := n.dataStart() - uint32(len(key)+len(value))
	copy(n.buf[newStart:], key)
	copy(n.buf[int(newStart)+len(key):], value)
	n.writeSlot(idx, newStart, uint16(len(key)), uint16(len(value)), state)
	n.setDataStart(newStart)
}

// Erase tombstones slot idx: spec's erase is tombstone-only, so the key
// stays in place with SlotDeleted until the node is compacted or split.
func (n *LeafNode) Erase(idx int) {
	n.SetState(idx, SlotDeleted)
}

// Compact rewrites every live (non-erased) slot's payload packed from the
// end of the page, reclaiming space abandoned by replaceAt and physically
// dropping tombstoned slots. Called when fits() fails before resorting to
// a split.
func (n *LeafNode) Compact() {
	type entry struct {
		key, value []byte
		state      SlotState
	}
	count := int(n.SlotCount())
	live := make([]entry, 0, count)
	for i := 0; i < count; i++ {
		if n.State(i) == SlotDeleted {
			continue
		}
		k := append([]byte(nil), n.Key(i)...)
		v := append([]byte(nil), n.Value(i)...)
		live = append(live, entry{k, v, n.State(i)})
	}

	n.setSlotCount(0)
	n.setDataStart(uint32(len(n.buf)))
	for _, e := range live {
		n.insertAt(int(n.SlotCount()), e.key, e.value, e.state)
	}
}

// SplitPoint returns the index of the last slot that stays in the left
// (original) leaf after a split; everything after it moves to the new
// right leaf. That slot's key is the promoted pivot (spec P6: the pivot
// equals the maximum key of its left subtree, and remains there).
func (n *LeafNode) SplitPoint() int {
	return (int(n.SlotCount())+1)/2 - 1
}
