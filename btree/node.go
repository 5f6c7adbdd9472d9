// Package btree implements the variable-key B+-tree of spec §4.5: a
// slotted-page node layout (forward-growing slot array, backward-growing
// payload) stored across the pages of a single segment, page 0 reserved
// for the tree's metadata.
package btree

import (
	"encoding/binary"

	"github.com/mrlbrg/bbbtree-go/page"
)

// SlotState is the per-slot marker spec §4.5/§4.7 needs for two purposes:
// a plain tree's Erase is tombstone-only (the slot is marked SlotDeleted,
// physical reclamation waits for compaction), and the BBB-tree additionally
// distinguishes Inserted/Updated from Unchanged when deciding what belongs
// in a delta record. The original keeps this byte only for trees compiled
// with tracking enabled (`BTree<KeyT, ValueT, true>`); Go has no equivalent
// of a zero-cost compile-time flag here, and a constant one byte per slot
// against a 1-4 KB page is not worth the branching a runtime toggle would
// add, so every node carries it.
type SlotState uint8

const (
	SlotUnchanged SlotState = iota
	SlotInserted
	SlotUpdated
	SlotDeleted
)

// commonHeaderSize is the size of the header fields shared by every node:
// data_start (u32), level (u16), slot_count (u16).
const commonHeaderSize = 4 + 2 + 2

// innerExtraHeaderSize is the additional header space an inner node uses
// for its right-most child pointer ("upper").
const innerExtraHeaderSize = 8

// leafExtraHeaderSize is the additional header space a leaf node uses for
// its right-sibling pointer, letting range scans walk leaf to leaf
// without climbing back up to the parent (spec §4.5 range iteration).
const leafExtraHeaderSize = 8

const leafHeaderSize = commonHeaderSize + leafExtraHeaderSize
const innerHeaderSize = commonHeaderSize + innerExtraHeaderSize

// leafSlotSize: offset (u32), key_size (u16), value_size (u16), state (u8).
const leafSlotSize = 4 + 2 + 2 + 1

// innerSlotSize: child PageID (u64), offset (u32), key_size (u16),
// padding (u16), state (u8).
const innerSlotSize = 8 + 4 + 2 + 2 + 1

// node is the shared header view over a page buffer. Leaf and inner nodes
// embed it; it never outlives the caller's page pin.
type node struct {
	buf []byte
}

func (n *node) dataStart() uint32     { return binary.LittleEndian.Uint32(n.buf[0:4]) }
func (n *node) setDataStart(v uint32) { binary.LittleEndian.PutUint32(n.buf[0:4], v) }
func (n *node) Level() uint16         { return binary.LittleEndian.Uint16(n.buf[4:6]) }
func (n *node) setLevel(v uint16)     { binary.LittleEndian.PutUint16(n.buf[4:6], v) }
func (n *node) SlotCount() uint16     { return binary.LittleEndian.Uint16(n.buf[6:8]) }
func (n *node) setSlotCount(v uint16) { binary.LittleEndian.PutUint16(n.buf[6:8], v) }
func (n *node) IsLeaf() bool          { return n.Level() == 0 }

// PeekLevel reads just enough of a raw page buffer to discover whether it
// is a leaf (level 0) or inner node, without committing to either view.
func PeekLevel(buf []byte) uint16 {
	return binary.LittleEndian.Uint16(buf[4:6])
}

// InitLeaf initializes buf as a fresh, empty leaf node with no sibling.
func InitLeaf(buf []byte) *LeafNode {
	n := &LeafNode{node: node{buf: buf}}
	n.setDataStart(uint32(len(buf)))
	n.setLevel(0)
	n.setSlotCount(0)
	n.SetNext(0)
	return n
}

// InitInner initializes buf as a fresh inner node at the given level
// (level must be > 0), with no slots yet and the given right-most child.
func InitInner(buf []byte, level uint16, upper page.PageID) *InnerNode {
	n := &InnerNode{node: node{buf: buf}}
	n.setDataStart(uint32(len(buf)))
	n.setLevel(level)
	n.setSlotCount(0)
	n.setUpper(upper)
	return n
}

// OpenLeaf views an existing page buffer known to hold a leaf node.
func OpenLeaf(buf []byte) *LeafNode { return &LeafNode{node: node{buf: buf}} }

// OpenInner views an existing page buffer known to hold an inner node.
func OpenInner(buf []byte) *InnerNode { return &InnerNode{node: node{buf: buf}} }

func freeSpace(dataStart uint32, headerSize, slotCount, slotSize int) int {
	used := headerSize + slotCount*slotSize
	return int(dataStart) - used
}

// promoteState computes the dirty-tracking state a slot should carry after
// one of its fields is overwritten in place, given the state it carried
// before: a clean (Unchanged) slot becomes Updated, since its new content
// now differs from what is (or was) on disk; a tombstoned (Deleted) slot
// being written to is a fresh key as far as any pending base-page content
// is concerned, so it becomes Inserted; anything else (Inserted, Updated)
// stays as it was, since the net effect since the last flush is unchanged.
func promoteState(prev SlotState) SlotState {
	switch prev {
	case SlotUnchanged:
		return SlotUpdated
	case SlotDeleted:
		return SlotInserted
	default:
		return prev
	}
}

// MaxValueSize is the largest value a leaf slot keyed by a key of keySize
// bytes can ever hold on a page of pageSize bytes, i.e. the entire page
// minus the leaf header, one slot's own fixed fields, and the key itself.
// Used by package bbb to decide whether a Deltas blob could ever fit a
// single delta-tree page, independent of any write-amplification
// threshold: this format has no overflow pages, so a value exceeding this
// can never be stored no matter how permissive the threshold is.
func MaxValueSize(pageSize uint32, keySize int) int {
	return int(pageSize) - leafHeaderSize - leafSlotSize - keySize
}
