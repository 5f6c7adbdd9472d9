package bufpool

// Stats holds the telemetry counters named in spec §6. It is an explicit
// value threaded through constructors rather than a hidden package-level
// singleton (original_source's Stats is a process-wide global; the design
// notes call that out as something to re-architect).
type Stats struct {
	InnerNodeSplits int64
	LeafNodeSplits  int64

	BytesWrittenLogically  int64
	BytesWrittenPhysically int64

	PagesEvicted       int64
	PagesWritten       int64
	PagesWriteDeferred int64
	PagesCreated       int64

	BTreeHeight     int
	DeltaTreeHeight int
}

// NewStats returns a zeroed Stats value.
func NewStats() *Stats {
	return &Stats{}
}

// Clear resets every counter to zero, used between benchmark iterations.
func (s *Stats) Clear() {
	*s = Stats{}
}
