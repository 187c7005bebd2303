package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/downfa11-org/deebee/pkg/codec"
	"github.com/downfa11-org/deebee/pkg/disk"
	"github.com/downfa11-org/deebee/pkg/metrics"
	"github.com/downfa11-org/deebee/pkg/types"
	"github.com/downfa11-org/deebee/util"
	"github.com/google/uuid"
)

// CompactionStats describes one compaction run.
type CompactionStats struct {
	RunID             string
	Inputs            []uint64
	Outputs           []uint64
	RecordsScanned    int
	RecordsKept       int
	RecordsDropped    int
	TombstonesKept    int
	TombstonesDropped int
	Duration          time.Duration
}

type survivor struct {
	rec types.Record
	ptr types.Pointer
}

type move struct {
	key      []byte
	from, to types.Pointer
}

// Compact merges sealed segments chosen by the configured policy.
func (e *Engine) Compact(ctx context.Context) error {
	_, err := e.CompactWith(ctx, e.opts.Policy)
	return err
}

// CompactWith merges the sealed segments selected by policy into at most as
// many new segments, keeping only records that can still matter on replay.
// Reads and writes proceed while inputs are scanned and outputs written;
// only the final swap takes the writer lock. A run cancelled through ctx
// leaves the database unchanged.
func (e *Engine) CompactWith(ctx context.Context, policy Policy) (CompactionStats, error) {
	e.compactMu.Lock()
	defer e.compactMu.Unlock()

	stats, err := e.compact(ctx, policy)
	switch {
	case err == nil && len(stats.Inputs) == 0:
		metrics.Compactions.WithLabelValues("noop").Inc()
	case err == nil:
		metrics.Compactions.WithLabelValues("ok").Inc()
		metrics.CompactionDropped.Add(float64(stats.RecordsDropped + stats.TombstonesDropped))
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		metrics.Compactions.WithLabelValues("cancelled").Inc()
	default:
		metrics.Compactions.WithLabelValues("error").Inc()
	}
	return stats, err
}

func (e *Engine) compact(ctx context.Context, policy Policy) (CompactionStats, error) {
	start := time.Now()
	stats := CompactionStats{RunID: uuid.NewString()}

	e.mu.RLock()
	err := e.usableLocked()
	e.mu.RUnlock()
	if err != nil {
		return stats, err
	}

	sealed := e.mgr.Sealed()
	infos := make([]types.SegmentInfo, len(sealed))
	for i, s := range sealed {
		infos[i] = s.Info()
	}
	ids := policy.Select(infos)
	if len(ids) == 0 {
		return stats, nil
	}
	first, inputs, err := selectRun(sealed, ids)
	if err != nil {
		return stats, err
	}
	stats.Inputs = ids
	util.Debug("compaction %s: merging segments %v", stats.RunID, ids)

	latest, order, err := e.scanInputs(ctx, inputs, &stats)
	if err != nil {
		return stats, err
	}

	var survivors []survivor
	pending := make(map[string]bool)
	for _, key := range order {
		s := latest[key]
		if !s.rec.Tombstone {
			if p, ok := e.idx.Lookup(s.rec.Key); ok && p == s.ptr {
				survivors = append(survivors, s)
			} else {
				stats.RecordsDropped++
			}
			continue
		}
		if _, live := e.idx.Lookup(s.rec.Key); live {
			stats.TombstonesDropped++
			continue
		}
		pending[key] = true
		survivors = append(survivors, s)
	}

	if len(pending) > 0 {
		shadowed, err := olderPuts(ctx, sealed[:first], pending)
		if err != nil {
			return stats, err
		}
		kept := survivors[:0]
		for _, s := range survivors {
			if s.rec.Tombstone && !shadowed[string(s.rec.Key)] {
				stats.TombstonesDropped++
				continue
			}
			kept = append(kept, s)
		}
		survivors = kept
	}

	sort.Slice(survivors, func(i, j int) bool {
		a, b := survivors[i].ptr, survivors[j].ptr
		if a.SegmentID != b.SegmentID {
			return a.SegmentID < b.SegmentID
		}
		return a.Offset < b.Offset
	})

	outputs, moves, err := e.writeOutputs(ctx, inputs, survivors, &stats)
	if err != nil {
		e.mgr.DiscardCompactionOutputs(outputs)
		return stats, err
	}
	if err := ctx.Err(); err != nil {
		e.mgr.DiscardCompactionOutputs(outputs)
		return stats, fmt.Errorf("compaction %s: %w", stats.RunID, err)
	}

	if err := e.swap(stats.RunID, inputs, outputs, moves); err != nil {
		return stats, err
	}
	for _, out := range outputs {
		stats.Outputs = append(stats.Outputs, out.ID)
	}
	stats.Duration = time.Since(start)

	e.mu.Lock()
	e.lastCompaction = stats
	e.mu.Unlock()

	util.Debug("compaction %s: %d inputs -> %d outputs, kept %d records %d tombstones, dropped %d records %d tombstones (%s)",
		stats.RunID, len(stats.Inputs), len(stats.Outputs), stats.RecordsKept, stats.TombstonesKept,
		stats.RecordsDropped, stats.TombstonesDropped, stats.Duration)
	return stats, nil
}

// selectRun resolves ids to a contiguous run of sealed and returns the
// position of its first segment.
func selectRun(sealed []*disk.Segment, ids []uint64) (int, []*disk.Segment, error) {
	first := -1
	for i, s := range sealed {
		if s.ID == ids[0] {
			first = i
			break
		}
	}
	if first < 0 || first+len(ids) > len(sealed) {
		return 0, nil, fmt.Errorf("%w: %v is not a run of sealed segments", types.ErrInvalidMergeSet, ids)
	}
	run := sealed[first : first+len(ids)]
	for i, s := range run {
		if s.ID != ids[i] {
			return 0, nil, fmt.Errorf("%w: %v is not a run of sealed segments", types.ErrInvalidMergeSet, ids)
		}
	}
	return first, run, nil
}

// scanInputs keeps the newest record per key across inputs. order lists the
// keys in first-seen order so results do not depend on map iteration.
func (e *Engine) scanInputs(ctx context.Context, inputs []*disk.Segment, stats *CompactionStats) (map[string]survivor, []string, error) {
	latest := make(map[string]survivor)
	var order []string

	for _, seg := range inputs {
		it := seg.Iterate()
		for it.Next() {
			if err := ctx.Err(); err != nil {
				return nil, nil, fmt.Errorf("compaction %s: %w", stats.RunID, err)
			}
			rec := it.Record()
			key := string(rec.Key)
			if prev, ok := latest[key]; ok {
				if prev.rec.Tombstone {
					stats.TombstonesDropped++
				} else {
					stats.RecordsDropped++
				}
			} else {
				order = append(order, key)
			}
			latest[key] = survivor{rec: rec, ptr: types.Pointer{SegmentID: seg.ID, Offset: it.Offset(), Length: it.Length()}}
			stats.RecordsScanned++
		}
		if err := it.Err(); err != nil {
			return nil, nil, fmt.Errorf("compaction %s: scan segment %d: %w", stats.RunID, seg.ID, err)
		}
	}
	return latest, order, nil
}

// olderPuts reports which of keys still have a put in segments older than
// the merge set. A tombstone for such a key must survive or replay would
// bring the old value back.
func olderPuts(ctx context.Context, older []*disk.Segment, keys map[string]bool) (map[string]bool, error) {
	found := make(map[string]bool)
	for _, seg := range older {
		it := seg.Iterate()
		for it.Next() {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			rec := it.Record()
			if !rec.Tombstone && keys[string(rec.Key)] {
				found[string(rec.Key)] = true
			}
		}
		if err := it.Err(); err != nil && !errors.Is(err, types.ErrCorruptRecord) {
			return nil, fmt.Errorf("scan segment %d: %w", seg.ID, err)
		}
		if len(found) == len(keys) {
			break
		}
	}
	return found, nil
}

// writeOutputs writes survivors in log order into sealed outputs that reuse
// the input ids. Once the last input id is taken the remaining survivors
// share that output, so the run never produces more segments than it read.
func (e *Engine) writeOutputs(ctx context.Context, inputs []*disk.Segment, survivors []survivor, stats *CompactionStats) ([]*disk.Segment, []move, error) {
	var (
		outputs []*disk.Segment
		moves   []move
		cur     *disk.Segment
	)

	for _, s := range survivors {
		if err := ctx.Err(); err != nil {
			return outputs, nil, fmt.Errorf("compaction %s: %w", stats.RunID, err)
		}
		frame, err := codec.Encode(s.rec, e.opts.Compression)
		if err != nil {
			return outputs, nil, err
		}
		if cur == nil || (len(outputs) < len(inputs) && cur.Full(int64(len(frame)))) {
			out, err := e.mgr.CreateCompactionOutput(inputs[len(outputs)].ID)
			if err != nil {
				return outputs, nil, err
			}
			outputs = append(outputs, out)
			cur = out
		}

		offset, length, err := cur.Append(frame)
		if err != nil {
			return outputs, nil, err
		}
		if s.rec.Tombstone {
			stats.TombstonesKept++
			continue
		}
		stats.RecordsKept++
		moves = append(moves, move{
			key:  s.rec.Key,
			from: s.ptr,
			to:   types.Pointer{SegmentID: cur.ID, Offset: offset, Length: length},
		})
	}

	for _, out := range outputs {
		if err := out.Seal(); err != nil {
			return outputs, nil, err
		}
	}
	return outputs, moves, nil
}

// swap installs outputs in place of inputs and repoints the moved keys. A
// key written again since the scan keeps its newer pointer.
func (e *Engine) swap(runID string, inputs, outputs []*disk.Segment, moves []move) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.usableLocked(); err != nil {
		e.mgr.DiscardCompactionOutputs(outputs)
		return err
	}
	if err := e.mgr.CommitCompaction(runID, inputs, outputs); err != nil {
		if errors.Is(err, types.ErrCompactionIncomplete) {
			e.failed = err
			util.Error("%v", err)
			return err
		}
		e.mgr.DiscardCompactionOutputs(outputs)
		return err
	}

	for _, m := range moves {
		e.idx.CompareAndSwap(m.key, m.from, m.to)
	}
	e.publishGauges()
	return nil
}
