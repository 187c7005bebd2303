package engine

import (
	"errors"
	"fmt"
	"time"

	"github.com/downfa11-org/deebee/pkg/metrics"
	"github.com/downfa11-org/deebee/pkg/types"
	"github.com/downfa11-org/deebee/util"
)

// RecoveryStats summarizes the replay performed by Open.
type RecoveryStats struct {
	Segments       int
	Records        int
	Tombstones     int
	TruncatedBytes int64
	Duration       time.Duration
}

// replay rebuilds the index by replaying every segment in id order. A frame
// that fails to decode ends its segment; the active segment is cut back to
// its last valid frame so later appends stay reachable.
func (e *Engine) replay() (RecoveryStats, error) {
	start := time.Now()
	var stats RecoveryStats

	for _, seg := range e.mgr.Segments() {
		stats.Segments++
		records := 0

		it := seg.Iterate()
		for it.Next() {
			rec := it.Record()
			if rec.Tombstone {
				e.idx.Remove(rec.Key)
				stats.Tombstones++
			} else {
				e.idx.Upsert(rec.Key, types.Pointer{SegmentID: seg.ID, Offset: it.Offset(), Length: it.Length()})
			}
			records++
		}

		if err := it.Err(); err != nil {
			if !errors.Is(err, types.ErrCorruptRecord) {
				return stats, fmt.Errorf("recover segment %d: %w", seg.ID, err)
			}
			util.Warn("recovery: %v", err)
		}

		truncated, err := seg.Recover(records, it.ValidEnd())
		if err != nil {
			return stats, fmt.Errorf("recover segment %d: %w", seg.ID, err)
		}
		if truncated > 0 {
			if seg.Sealed() {
				util.Warn("recovery: ignoring %d damaged bytes at the end of sealed segment %d", truncated, seg.ID)
			} else {
				util.Warn("recovery: truncated %d bytes of torn tail from active segment %d", truncated, seg.ID)
			}
		}
		stats.Records += records
		stats.TruncatedBytes += truncated
	}

	stats.Duration = time.Since(start)
	metrics.RecoveredRecords.Add(float64(stats.Records))
	metrics.TruncatedBytes.Add(float64(stats.TruncatedBytes))
	return stats, nil
}
