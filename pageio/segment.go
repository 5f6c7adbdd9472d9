// Package pageio implements the segment file store (spec §4.1): one
// append-capable, random-access file per segment id, addressed by
// zero-based page id, doing fixed-size page I/O.
package pageio

import (
	"io"

	"github.com/pkg/errors"

	"github.com/mrlbrg/bbbtree-go/page"
)

// SegmentID is a 16-bit logical file identifier (spec §3).
type SegmentID uint16

// randomAccessFile is the minimal file-like surface a segment backend must
// provide. Both the O_DIRECT-backed FileSegment and the in-memory
// MemSegment implement it.
type randomAccessFile interface {
	io.ReaderAt
	io.WriterAt
	io.Closer
}

// Segment is one append-capable file of fixed-size pages.
type Segment struct {
	file     randomAccessFile
	pageSize uint32
}

// ReadPage reads the page at pageID into buf, which must be exactly
// pageSize bytes. Reading a page past the current end of file yields a
// zero-filled page rather than an error, since segment files are sparse by
// construction (§4.1: "extends the file with zero-filled pages when
// writing past end").
func (s *Segment) ReadPage(pageID page.PageID, buf []byte) error {
	if uint32(len(buf)) != s.pageSize {
		return errors.Errorf("pageio: buffer size %d does not match page size %d", len(buf), s.pageSize)
	}
	off := int64(pageID) * int64(s.pageSize)
	n, err := s.file.ReadAt(buf, off)
	if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
		return errors.Wrapf(err, "pageio: read page %d", pageID)
	}
	for i := n; i < len(buf); i++ {
		buf[i] = 0
	}
	return nil
}

// WritePage writes buf, which must be exactly pageSize bytes, to pageID.
// The underlying file is extended (with an implicit zero-filled hole) if
// pageID lies past the current end of file.
func (s *Segment) WritePage(pageID page.PageID, buf []byte) error {
	if uint32(len(buf)) != s.pageSize {
		return errors.Errorf("pageio: buffer size %d does not match page size %d", len(buf), s.pageSize)
	}
	off := int64(pageID) * int64(s.pageSize)
	if _, err := s.file.WriteAt(buf, off); err != nil {
		return errors.Wrapf(err, "pageio: write page %d", pageID)
	}
	return nil
}

// Close releases the underlying file handle.
func (s *Segment) Close() error {
	return s.file.Close()
}
