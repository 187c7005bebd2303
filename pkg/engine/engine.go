// Package engine is the key-value store facade: it routes writes to the
// active segment, serves reads through the in-memory index, rebuilds that
// index on open and merges sealed segments on demand or on a timer.
package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/downfa11-org/deebee/pkg/codec"
	"github.com/downfa11-org/deebee/pkg/disk"
	"github.com/downfa11-org/deebee/pkg/index"
	"github.com/downfa11-org/deebee/pkg/metrics"
	"github.com/downfa11-org/deebee/pkg/types"
	"github.com/downfa11-org/deebee/util"
)

const DefaultName = "deebee"

type Options struct {
	Name        string // file name prefix of the database, DefaultName if empty
	Capacity    int    // records per segment, 0 means unlimited
	MaxBytes    int64  // optional byte limit per segment
	SyncWrites  bool
	Compression util.Compression

	// Policy is used by Compact and the background loop; AllSealed if nil.
	Policy             Policy
	CompactionInterval time.Duration // 0 disables background compaction
}

func (o Options) withDefaults() Options {
	if o.Name == "" {
		o.Name = DefaultName
	}
	if o.Policy == nil {
		o.Policy = AllSealed()
	}
	return o
}

// Stats is a point-in-time view of the engine.
type Stats struct {
	LiveKeys       int
	Segments       int
	ActiveSegment  uint64
	TotalBytes     int64
	LiveBytes      int64
	Recovery       RecoveryStats
	LastCompaction CompactionStats
}

type Engine struct {
	dir  string
	opts Options
	mgr  *disk.Manager
	idx  *index.Index

	mu        sync.RWMutex // writer lock; Get holds it shared
	compactMu sync.Mutex
	closed    bool
	failed    error

	recovery       RecoveryStats
	lastCompaction CompactionStats

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

var _ types.KVStore = (*Engine)(nil)

// Open loads the database stored in dir, creating it if needed, and replays
// its segments into a fresh index.
func Open(dir string, opts Options) (*Engine, error) {
	opts = opts.withDefaults()
	mgr, err := disk.Open(dir, opts.Name, disk.Options{
		Capacity:   opts.Capacity,
		MaxBytes:   opts.MaxBytes,
		SyncWrites: opts.SyncWrites,
	})
	if err != nil {
		return nil, err
	}

	e := &Engine{dir: dir, opts: opts, mgr: mgr, idx: index.New()}
	stats, err := e.replay()
	if err != nil {
		_ = mgr.Close()
		return nil, err
	}
	e.recovery = stats
	util.Info("opened %s in %s: %d segments, %d records, %d live keys, %d bytes truncated (%s)",
		opts.Name, dir, stats.Segments, stats.Records, e.idx.Len(), stats.TruncatedBytes, stats.Duration)
	e.publishGauges()

	e.ctx, e.cancel = context.WithCancel(context.Background())
	if opts.CompactionInterval > 0 {
		e.wg.Add(1)
		go e.compactionLoop(opts.CompactionInterval)
	}
	return e, nil
}

func (e *Engine) usableLocked() error {
	if e.closed {
		return types.ErrClosed
	}
	return e.failed
}

// Get returns the latest value for key. A missing key is found=false with a
// nil error.
func (e *Engine) Get(key []byte) ([]byte, bool, error) {
	start := time.Now()
	value, found, err := e.get(key)
	switch {
	case err != nil:
		metrics.ObserveOp("get", "error", time.Since(start).Seconds())
	case !found:
		metrics.ObserveOp("get", "miss", time.Since(start).Seconds())
	default:
		metrics.ObserveOp("get", "ok", time.Since(start).Seconds())
	}
	return value, found, err
}

func (e *Engine) get(key []byte) ([]byte, bool, error) {
	if len(key) == 0 {
		return nil, false, types.ErrEmptyKey
	}

	e.mu.RLock()
	defer e.mu.RUnlock()
	if err := e.usableLocked(); err != nil {
		return nil, false, err
	}

	p, ok := e.idx.Lookup(key)
	if !ok {
		return nil, false, nil
	}
	seg, err := e.mgr.Segment(p.SegmentID)
	if err != nil {
		return nil, false, fmt.Errorf("get: index points at %s: %w", p, err)
	}
	rec, err := seg.ReadAt(p.Offset, p.Length)
	if err != nil {
		return nil, false, fmt.Errorf("get: %w", err)
	}
	if rec.Tombstone || !bytes.Equal(rec.Key, key) {
		return nil, false, fmt.Errorf("%w: record at %s does not hold a value for the requested key", types.ErrCorruptRecord, p)
	}
	return rec.Value, true, nil
}

// Set stores value under key. The index is updated only after the record is
// flushed (and fsynced when SyncWrites is on).
func (e *Engine) Set(key, value []byte) error {
	start := time.Now()
	err := e.set(key, value)
	observeWrite("set", start, err)
	return err
}

func (e *Engine) set(key, value []byte) error {
	frame, err := codec.Encode(types.Record{Key: key, Value: value}, e.opts.Compression)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.usableLocked(); err != nil {
		return err
	}

	p, err := e.appendLocked(frame)
	if err != nil {
		return err
	}
	e.idx.Upsert(key, p)
	metrics.LiveKeys.Set(float64(e.idx.Len()))
	return nil
}

// Delete writes a tombstone for key. Deleting a key that holds no value is a
// no-op.
func (e *Engine) Delete(key []byte) error {
	start := time.Now()
	err := e.delete(key)
	observeWrite("delete", start, err)
	return err
}

func (e *Engine) delete(key []byte) error {
	frame, err := codec.Encode(types.NewTombstone(key), util.CompressionNone)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.usableLocked(); err != nil {
		return err
	}

	if _, ok := e.idx.Lookup(key); !ok {
		return nil
	}
	if _, err := e.appendLocked(frame); err != nil {
		return err
	}
	e.idx.Remove(key)
	metrics.LiveKeys.Set(float64(e.idx.Len()))
	return nil
}

// appendLocked writes frame to the active segment, rotating first when the
// segment cannot take it. The caller holds the writer lock.
func (e *Engine) appendLocked(frame []byte) (types.Pointer, error) {
	seg, err := e.mgr.ActiveSegment()
	if err != nil {
		return types.Pointer{}, err
	}
	if seg.Full(int64(len(frame))) {
		prev := seg.ID
		if seg, err = e.mgr.Rotate(); err != nil {
			return types.Pointer{}, fmt.Errorf("rotate segment %d: %w", prev, err)
		}
		metrics.Rotations.Inc()
		metrics.Segments.Set(float64(len(e.mgr.Segments())))
		util.Debug("rotated segment %d -> %d", prev, seg.ID)
	}

	offset, length, err := seg.Append(frame)
	if err != nil {
		return types.Pointer{}, err
	}
	return types.Pointer{SegmentID: seg.ID, Offset: offset, Length: length}, nil
}

func observeWrite(op string, start time.Time, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	metrics.ObserveOp(op, result, time.Since(start).Seconds())
}

func (e *Engine) Stats() Stats {
	e.mu.RLock()
	defer e.mu.RUnlock()

	segs := e.mgr.Segments()
	s := Stats{
		LiveKeys:       e.idx.Len(),
		Segments:       len(segs),
		TotalBytes:     e.mgr.TotalSize(),
		Recovery:       e.recovery,
		LastCompaction: e.lastCompaction,
	}
	if n := len(segs); n > 0 {
		s.ActiveSegment = segs[n-1].ID
	}
	for _, b := range e.idx.LiveBytes() {
		s.LiveBytes += b
	}
	return s
}

func (e *Engine) publishGauges() {
	metrics.SetStorageGauges(e.idx.Len(), len(e.mgr.Segments()))
}

func (e *Engine) compactionLoop(interval time.Duration) {
	defer e.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
			if _, err := e.CompactWith(e.ctx, e.opts.Policy); err != nil && !errors.Is(err, context.Canceled) {
				util.Error("background compaction failed: %v", err)
			}
		}
	}
}

// Close stops background compaction, waits for a running compaction and
// closes every segment. It is safe to call more than once.
func (e *Engine) Close() error {
	e.cancel()
	e.wg.Wait()

	e.compactMu.Lock()
	defer e.compactMu.Unlock()
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return nil
	}
	e.closed = true
	if err := e.mgr.Close(); err != nil {
		return err
	}
	util.Info("closed %s in %s", e.opts.Name, e.dir)
	return nil
}
