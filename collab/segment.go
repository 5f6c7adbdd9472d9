// Package collab implements the small, out-of-scope collaborators a real
// caller of the BBB-tree needs: a free-space inventory, a slotted-pages
// tuple segment built on package page, and a toy fixed-schema Database
// façade tying them to an index (package btree or package bbb).
package collab

import (
	"encoding/binary"

	"github.com/pkg/errors"

	"github.com/mrlbrg/bbbtree-go/bufpool"
	"github.com/mrlbrg/bbbtree-go/page"
	"github.com/mrlbrg/bbbtree-go/pageio"
)

// fsiHeaderPage is the fixed page within an FSISegment holding its header.
const fsiHeaderPage page.PageID = 0

// fsiHeaderSize: allocated_pages (u64), free_space of the last page (u32).
const fsiHeaderSize = 8 + 4

// FSISegment is an append-only free-space inventory: it only ever tracks
// whether the most recently allocated page has room, never revisiting
// earlier pages. Grounded on original_source's FSISegment, including its
// TODO-flagged limitation (append-only, no cross-page search).
type FSISegment struct {
	pool      *bufpool.Pool
	segmentID pageio.SegmentID
}

// CreateFSISegment initializes a brand-new, empty free-space inventory.
func CreateFSISegment(pool *bufpool.Pool, segmentID pageio.SegmentID) (*FSISegment, error) {
	f, err := pool.FixCreate(segmentID, fsiHeaderPage, bufpool.DefaultPageLogic{})
	if err != nil {
		return nil, err
	}
	writeFSIHeader(f.Data(), 0, 0)
	pool.Unfix(f, true)
	return &FSISegment{pool: pool, segmentID: segmentID}, nil
}

// OpenFSISegment attaches to an existing free-space inventory.
func OpenFSISegment(pool *bufpool.Pool, segmentID pageio.SegmentID) *FSISegment {
	return &FSISegment{pool: pool, segmentID: segmentID}
}

func readFSIHeader(buf []byte) (allocatedPages uint64, freeSpace uint32) {
	allocatedPages = binary.LittleEndian.Uint64(buf[0:8])
	freeSpace = binary.LittleEndian.Uint32(buf[8:12])
	return
}

func writeFSIHeader(buf []byte, allocatedPages uint64, freeSpace uint32) {
	binary.LittleEndian.PutUint64(buf[0:8], allocatedPages)
	binary.LittleEndian.PutUint32(buf[8:12], freeSpace)
}

// Find returns the last allocated page if it has at least requiredSpace
// free bytes. It never searches earlier pages.
func (f *FSISegment) Find(requiredSpace uint32) (pageID page.PageID, ok bool, err error) {
	hf, err := f.pool.Fix(f.segmentID, fsiHeaderPage, false, bufpool.DefaultPageLogic{})
	if err != nil {
		return 0, false, err
	}
	allocated, free := readFSIHeader(hf.Data())
	f.pool.Unfix(hf, false)

	if allocated == 0 || free < requiredSpace {
		return 0, false, nil
	}
	return page.PageID(allocated), true, nil
}

// Update records the free space remaining on targetPage, which must be the
// most recently allocated page (the append-only limitation above).
func (f *FSISegment) Update(targetPage page.PageID, freeSpace uint32) error {
	hf, err := f.pool.Fix(f.segmentID, fsiHeaderPage, true, bufpool.DefaultPageLogic{})
	if err != nil {
		return err
	}
	allocated, _ := readFSIHeader(hf.Data())
	if page.PageID(allocated) != targetPage {
		f.pool.Unfix(hf, false)
		return errors.Errorf("collab: FSISegment.Update(%d): only the last allocated page (%d) can be updated", targetPage, allocated)
	}
	writeFSIHeader(hf.Data(), allocated, freeSpace)
	f.pool.Unfix(hf, true)
	return nil
}

// CreateNewPage records a brand-new slotted page in the inventory and
// returns its id. The caller is responsible for actually materializing the
// page (FixCreate + page.New).
func (f *FSISegment) CreateNewPage(initialFreeSpace uint32) (page.PageID, error) {
	hf, err := f.pool.Fix(f.segmentID, fsiHeaderPage, true, bufpool.DefaultPageLogic{})
	if err != nil {
		return 0, err
	}
	allocated, _ := readFSIHeader(hf.Data())
	allocated++
	writeFSIHeader(hf.Data(), allocated, initialFreeSpace)
	f.pool.Unfix(hf, true)
	return page.PageID(allocated), nil
}

// SPSegment is a segment holding only page.SlottedPage pages, addressed
// through the free-space inventory. Grounded on original_source's
// SPSegment.
type SPSegment struct {
	pool      *bufpool.Pool
	segmentID pageio.SegmentID
	fsi       *FSISegment
	pageSize  uint32
}

// NewSPSegment wraps an existing or brand-new tuple segment. fsi must
// already exist (created or opened) and use the same pool.
func NewSPSegment(pool *bufpool.Pool, segmentID pageio.SegmentID, fsi *FSISegment, pageSize uint32) *SPSegment {
	return &SPSegment{pool: pool, segmentID: segmentID, fsi: fsi, pageSize: pageSize}
}

// Allocate reserves size bytes for a new tuple, materializing a fresh
// slotted page via the free-space inventory if the last page has no room,
// and returns the new tuple's id.
func (s *SPSegment) Allocate(size uint32) (page.TID, error) {
	required := size + page.SlotSize

	pageID, ok, err := s.fsi.Find(required)
	if err != nil {
		return 0, err
	}
	if !ok {
		pageID, err = s.fsi.CreateNewPage(uint32(page.InitialFreeSpace(s.pageSize)))
		if err != nil {
			return 0, err
		}
		nf, err := s.pool.FixCreate(s.segmentID, pageID, bufpool.DefaultPageLogic{})
		if err != nil {
			return 0, err
		}
		page.New(nf.Data())
		s.pool.Unfix(nf, true)
	}

	f, err := s.pool.Fix(s.segmentID, pageID, true, bufpool.DefaultPageLogic{})
	if err != nil {
		return 0, err
	}
	sp := page.Open(f.Data())
	slotID, err := sp.Allocate(size)
	if err != nil {
		s.pool.Unfix(f, false)
		return 0, err
	}
	freeSpace := sp.FreeSpace()
	s.pool.Unfix(f, true)

	if err := s.fsi.Update(pageID, uint32(freeSpace)); err != nil {
		return 0, err
	}
	return page.NewTID(pageID, slotID), nil
}

// Read copies the tuple record addressed by tid into dst, returning the
// number of bytes written. dst must be at least as large as the record.
func (s *SPSegment) Read(tid page.TID, dst []byte) (int, error) {
	f, err := s.pool.Fix(s.segmentID, tid.PageID(), false, bufpool.DefaultPageLogic{})
	if err != nil {
		return 0, err
	}
	defer s.pool.Unfix(f, false)

	sp := page.Open(f.Data())
	record, err := sp.Read(tid.SlotID())
	if err != nil {
		return 0, err
	}
	return copy(dst, record), nil
}

// Write overwrites the tuple record addressed by tid. record must be
// exactly the size originally allocated for tid.
func (s *SPSegment) Write(tid page.TID, record []byte) error {
	f, err := s.pool.Fix(s.segmentID, tid.PageID(), true, bufpool.DefaultPageLogic{})
	if err != nil {
		return err
	}
	sp := page.Open(f.Data())
	err = sp.Write(tid.SlotID(), record)
	s.pool.Unfix(f, err == nil)
	return err
}

// Erase removes the tuple record addressed by tid. Space is not reclaimed
// (page.SlottedPage.Erase never compacts).
func (s *SPSegment) Erase(tid page.TID) error {
	f, err := s.pool.Fix(s.segmentID, tid.PageID(), true, bufpool.DefaultPageLogic{})
	if err != nil {
		return err
	}
	sp := page.Open(f.Data())
	err = sp.Erase(tid.SlotID())
	s.pool.Unfix(f, err == nil)
	return err
}
