package pageio

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/ncw/directio"
	"github.com/pkg/errors"
)

// alignedFile wraps an *os.File opened with directio, translating
// arbitrarily-offset/sized ReadAt/WriteAt calls into O_DIRECT-aligned I/O
// through a single scratch block. Segment pages are always read and
// written whole (never sub-page), so one aligned scratch buffer per call
// is sufficient; directio requires both the buffer and the file offset to
// be aligned to directio.BlockSize.
type alignedFile struct {
	f         *os.File
	blockSize int
}

func openAlignedFile(path string, clear bool) (*alignedFile, error) {
	flag := os.O_RDWR | os.O_CREATE
	if clear {
		flag |= os.O_TRUNC
	}
	f, err := directio.OpenFile(path, flag, 0o644)
	if err != nil {
		return nil, errors.Wrapf(err, "pageio: open segment file %s", path)
	}
	return &alignedFile{f: f, blockSize: directio.BlockSize}, nil
}

func (a *alignedFile) alignedRange(off int64, n int) (alignedOff int64, block []byte) {
	alignedOff = (off / int64(a.blockSize)) * int64(a.blockSize)
	span := int(off-alignedOff) + n
	blocks := (span + a.blockSize - 1) / a.blockSize
	block = directio.AlignedBlock(blocks * a.blockSize)
	return alignedOff, block
}

func (a *alignedFile) ReadAt(p []byte, off int64) (int, error) {
	alignedOff, block := a.alignedRange(off, len(p))
	n, err := a.f.ReadAt(block, alignedOff)
	if err != nil && err != io.EOF {
		return 0, err
	}
	skip := int(off - alignedOff)
	avail := n - skip
	if avail < 0 {
		avail = 0
	}
	if avail > len(p) {
		avail = len(p)
	}
	copy(p, block[skip:skip+avail])
	if avail < len(p) {
		return avail, io.ErrUnexpectedEOF
	}
	return avail, nil
}

func (a *alignedFile) WriteAt(p []byte, off int64) (int, error) {
	alignedOff, block := a.alignedRange(off, len(p))
	skip := int(off - alignedOff)
	// Fill the aligned block with the file's current contents so the
	// unaligned head/tail bytes outside of p are preserved rather than
	// zeroed, then splice p in at the right offset.
	if _, err := a.f.ReadAt(block, alignedOff); err != nil && err != io.EOF {
		return 0, err
	}
	copy(block[skip:skip+len(p)], p)
	if _, err := a.f.WriteAt(block, alignedOff); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (a *alignedFile) Close() error {
	return a.f.Close()
}

// FileSegment backs one segment with a real, O_DIRECT-aligned file on
// disk, one file per segment id as required by §4.1.
type FileSegment struct {
	Segment
}

// OpenFileSegment opens (creating if needed) the segment file for segID
// under dir. If clear is true, the file is truncated first.
func OpenFileSegment(dir string, segID SegmentID, pageSize uint32, clear bool) (*FileSegment, error) {
	path := filepath.Join(dir, fmt.Sprintf("segment-%05d.dat", segID))
	af, err := openAlignedFile(path, clear)
	if err != nil {
		return nil, err
	}
	return &FileSegment{Segment{file: af, pageSize: pageSize}}, nil
}
