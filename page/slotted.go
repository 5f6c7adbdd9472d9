package page

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// HeaderSize is the size in bytes of a SlottedPage's header: slot_count
// (uint16) followed by data_start (uint32).
const HeaderSize = 2 + 4

// SlotSize is the size in bytes of one slot entry: offset (24 bits) and
// size (24 bits) packed into a uint64, with 16 reserved bits left for a
// future redirect-tuple marker (see original_source's SlottedPage::Slot).
const SlotSize = 8

// ErrNoSpace is returned by Allocate when the page cannot fit the requested
// payload alongside its slot entry.
var ErrNoSpace = errors.New("slotted page: not enough free space")

// ErrBadSlot is returned when a SlotID refers to an empty or out-of-range
// slot.
var ErrBadSlot = errors.New("slotted page: invalid slot id")

// SlottedPage overlays a fixed-size page buffer: a forward-growing slot
// array following the header, and a backward-growing payload region
// starting at data_start. It is the layout primitive behind both B+-tree
// nodes (package btree, which defines its own, differently-shaped slots)
// and the append-only tuple segment (package collab).
//
// A SlottedPage never owns its buffer; it is a view scoped to the lifetime
// of the caller's page pin, matching the spec's note that cross-frame
// pointers must never be stored.
type SlottedPage struct {
	buf []byte
}

// New wraps an existing, already-sized page buffer as a SlottedPage,
// initializing its header for an empty page. The caller must zero buf
// beforehand; New does not touch the payload region.
func New(buf []byte) *SlottedPage {
	sp := &SlottedPage{buf: buf}
	sp.setSlotCount(0)
	sp.setDataStart(uint32(len(buf)))
	return sp
}

// Open wraps an existing page buffer whose header is already populated
// (loaded from disk or freshly faulted in by the buffer pool).
func Open(buf []byte) *SlottedPage {
	return &SlottedPage{buf: buf}
}

func (sp *SlottedPage) slotCount() uint16 {
	return binary.LittleEndian.Uint16(sp.buf[0:2])
}

func (sp *SlottedPage) setSlotCount(n uint16) {
	binary.LittleEndian.PutUint16(sp.buf[0:2], n)
}

func (sp *SlottedPage) dataStart() uint32 {
	return binary.LittleEndian.Uint32(sp.buf[2:6])
}

func (sp *SlottedPage) setDataStart(off uint32) {
	binary.LittleEndian.PutUint32(sp.buf[2:6], off)
}

// SlotCount returns the number of slots allocated so far, including any
// that have since been erased (erase does not compact the slot array).
func (sp *SlottedPage) SlotCount() uint16 { return sp.slotCount() }

func (sp *SlottedPage) slotOffset(id SlotID) int {
	return HeaderSize + int(id)*SlotSize
}

func slotPack(offset, size uint32) uint64 {
	var v uint64
	v ^= uint64(size) & 0xFFFFFF
	v ^= (uint64(offset) & 0xFFFFFF) << 24
	return v
}

func slotUnpack(v uint64) (offset, size uint32) {
	size = uint32(v & 0xFFFFFF)
	offset = uint32((v >> 24) & 0xFFFFFF)
	return
}

func (sp *SlottedPage) readSlot(id SlotID) (offset, size uint32, ok bool) {
	off := sp.slotOffset(id)
	v := binary.LittleEndian.Uint64(sp.buf[off : off+SlotSize])
	if v == 0 {
		return 0, 0, false
	}
	offset, size = slotUnpack(v)
	return offset, size, true
}

func (sp *SlottedPage) writeSlot(id SlotID, offset, size uint32) {
	off := sp.slotOffset(id)
	binary.LittleEndian.PutUint64(sp.buf[off:off+SlotSize], slotPack(offset, size))
}

// FreeSpace returns the number of bytes available between the end of the
// slot array and the start of the payload region.
func (sp *SlottedPage) FreeSpace() int {
	used := HeaderSize + int(sp.slotCount())*SlotSize
	return int(sp.dataStart()) - used
}

// Allocate reserves size bytes of payload and a new slot for it, returning
// the new slot's id. Returns ErrNoSpace if the page cannot fit size bytes
// plus one slot entry.
func (sp *SlottedPage) Allocate(size uint32) (SlotID, error) {
	if sp.FreeSpace() < int(size)+SlotSize {
		return 0, ErrNoSpace
	}
	newStart := sp.dataStart() - size
	id := SlotID(sp.slotCount())
	sp.writeSlot(id, newStart, size)
	sp.setDataStart(newStart)
	sp.setSlotCount(sp.slotCount() + 1)
	return id, nil
}

// Erase zeroes a slot, marking it empty. Space is not reclaimed (§4.4): no
// compaction is performed.
func (sp *SlottedPage) Erase(id SlotID) error {
	if int(id) >= int(sp.slotCount()) {
		return ErrBadSlot
	}
	off := sp.slotOffset(id)
	for i := 0; i < SlotSize; i++ {
		sp.buf[off+i] = 0
	}
	return nil
}

// Read returns the payload bytes for slot id. The returned slice aliases
// the page buffer and is only valid while the page remains pinned.
func (sp *SlottedPage) Read(id SlotID) ([]byte, error) {
	if int(id) >= int(sp.slotCount()) {
		return nil, ErrBadSlot
	}
	offset, size, ok := sp.readSlot(id)
	if !ok {
		return nil, ErrBadSlot
	}
	return sp.buf[offset : offset+size], nil
}

// Write overwrites the payload of an existing slot. Only exact-size writes
// are supported; resizing a slot's payload is not implemented (§4.4).
func (sp *SlottedPage) Write(id SlotID, data []byte) error {
	if int(id) >= int(sp.slotCount()) {
		return ErrBadSlot
	}
	offset, size, ok := sp.readSlot(id)
	if !ok {
		return ErrBadSlot
	}
	if uint32(len(data)) != size {
		return errors.Errorf("slotted page: write size %d does not match slot size %d", len(data), size)
	}
	copy(sp.buf[offset:offset+size], data)
	return nil
}

// InitialFreeSpace returns the free space of a freshly initialized page of
// the given size, before any allocations.
func InitialFreeSpace(pageSize uint32) int {
	return int(pageSize) - HeaderSize
}
