package types

import "fmt"

// Pointer locates the latest live record for a key.
type Pointer struct {
	SegmentID uint64
	Offset    int64
	Length    int64
}

func (p Pointer) String() string {
	return fmt.Sprintf("segment=%d offset=%d length=%d", p.SegmentID, p.Offset, p.Length)
}

// SegmentInfo is a read-only view of a segment handed to compaction policies.
type SegmentInfo struct {
	ID          uint64
	Path        string
	RecordCount int
	Size        int64
	Sealed      bool
}
