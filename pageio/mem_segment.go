package pageio

import (
	"github.com/dsnet/golib/memfile"
)

// MemSegment backs one segment entirely in memory via memfile, used by the
// buffer-pool and B+-tree test suites and by the benchmark CLI's
// --in-memory mode so property tests (§8) don't touch disk.
type MemSegment struct {
	Segment
}

// NewMemSegment creates an empty in-memory segment.
func NewMemSegment(pageSize uint32) *MemSegment {
	return &MemSegment{Segment{file: memfile.New(nil), pageSize: pageSize}}
}
