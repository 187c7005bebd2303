package disk

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/downfa11-org/deebee/pkg/types"
	"github.com/downfa11-org/deebee/util"
)

const (
	segmentExt    = ".log"
	compactSuffix = ".compact"
	lockFileName  = "LOCK"
)

// Options controls segment sizing and durability.
type Options struct {
	Capacity   int   // records per segment, 0 means unlimited
	MaxBytes   int64 // optional byte limit per segment, 0 means unlimited
	SyncWrites bool  // fsync after every append
}

// Manager owns the ordered set of segments of one database. Only the
// highest-id segment is writable.
type Manager struct {
	dir  string
	name string
	opts Options
	lock *dirLock

	mu       sync.RWMutex
	segments []*Segment // ascending id
	maxID    uint64
	closed   bool
}

// Open loads the segments of database name stored in dir. A committed
// compaction swap is finished first and abandoned compaction outputs are
// removed.
func Open(dir, name string, opts Options) (*Manager, error) {
	if name == "" || strings.ContainsAny(name, `/\*?[`) {
		return nil, fmt.Errorf("invalid database name %q", name)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: create database directory %s: %w", types.ErrIO, dir, err)
	}

	lock, err := lockDir(filepath.Join(dir, lockFileName))
	if err != nil {
		return nil, err
	}

	m := &Manager{dir: dir, name: name, opts: opts, lock: lock}
	if err := m.load(); err != nil {
		m.closeSegments()
		_ = lock.release()
		return nil, err
	}
	return m, nil
}

func (m *Manager) load() error {
	if err := m.replayJournal(); err != nil {
		return err
	}
	if err := m.removeAbandonedOutputs(); err != nil {
		return err
	}

	ids, err := m.listSegmentIDs()
	if err != nil {
		return err
	}
	for i, id := range ids {
		var seg *Segment
		if i == len(ids)-1 {
			seg, err = openActiveSegment(m.SegmentPath(id), id, m.opts)
		} else {
			seg, err = openSealedSegment(m.SegmentPath(id), id, m.opts)
		}
		if err != nil {
			return err
		}
		m.segments = append(m.segments, seg)
		m.maxID = id
	}
	util.Debug("opened %d segments of %s in %s", len(m.segments), m.name, m.dir)
	return nil
}

func (m *Manager) segmentPrefix() string {
	return filepath.Join(m.dir, m.name) + "_segment_"
}

// SegmentPath returns the file path of segment id.
func (m *Manager) SegmentPath(id uint64) string {
	return fmt.Sprintf("%s%020d%s", m.segmentPrefix(), id, segmentExt)
}

func (m *Manager) journalPath() string {
	return filepath.Join(m.dir, m.name+".compaction")
}

func (m *Manager) listSegmentIDs() ([]uint64, error) {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return nil, fmt.Errorf("%w: list segments in %s: %w", types.ErrIO, m.dir, err)
	}

	prefix := filepath.Base(m.segmentPrefix())
	ids := make([]uint64, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, prefix) || !strings.HasSuffix(name, segmentExt) {
			continue
		}
		digits := strings.TrimSuffix(strings.TrimPrefix(name, prefix), segmentExt)
		id, err := strconv.ParseUint(digits, 10, 64)
		if err != nil || id == 0 {
			util.Warn("ignoring unexpected file %s in %s", name, m.dir)
			continue
		}
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func (m *Manager) removeAbandonedOutputs() error {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return fmt.Errorf("%w: list compaction outputs in %s: %w", types.ErrIO, m.dir, err)
	}

	prefix := filepath.Base(m.segmentPrefix())
	journalTmp := filepath.Base(m.journalPath()) + ".tmp"
	for _, e := range entries {
		name := e.Name()
		abandoned := strings.HasPrefix(name, prefix) && strings.HasSuffix(name, segmentExt+compactSuffix)
		if !abandoned && name != journalTmp {
			continue
		}
		if err := os.Remove(filepath.Join(m.dir, name)); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%w: remove %s: %w", types.ErrIO, name, err)
		}
		util.Info("removed abandoned compaction output %s", name)
	}
	return nil
}

// ActiveSegment returns the writable tail segment, creating it if needed.
func (m *Manager) ActiveSegment() (*Segment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, types.ErrClosed
	}
	if n := len(m.segments); n > 0 && !m.segments[n-1].Sealed() {
		return m.segments[n-1], nil
	}
	return m.createLocked()
}

// Rotate seals the active segment and starts segment max_id+1.
func (m *Manager) Rotate() (*Segment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, types.ErrClosed
	}
	if n := len(m.segments); n > 0 {
		if err := m.segments[n-1].Seal(); err != nil {
			return nil, err
		}
	}
	return m.createLocked()
}

func (m *Manager) createLocked() (*Segment, error) {
	id := m.maxID + 1
	seg, err := createSegment(m.SegmentPath(id), id, m.opts)
	if err != nil {
		return nil, err
	}
	if err := syncDir(m.dir); err != nil {
		_ = seg.Close()
		return nil, fmt.Errorf("%w: sync dir %s: %w", types.ErrIO, m.dir, err)
	}
	m.segments = append(m.segments, seg)
	m.maxID = id
	util.Debug("created segment %d (%s)", id, seg.Path())
	return seg, nil
}

// Segment looks up a live segment by id.
func (m *Manager) Segment(id uint64) (*Segment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	i := sort.Search(len(m.segments), func(i int) bool { return m.segments[i].ID >= id })
	if i == len(m.segments) || m.segments[i].ID != id {
		return nil, fmt.Errorf("%w: %d", types.ErrSegmentNotFound, id)
	}
	return m.segments[i], nil
}

// Segments returns all segments in ascending id order.
func (m *Manager) Segments() []*Segment {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Segment, len(m.segments))
	copy(out, m.segments)
	return out
}

// Sealed returns the immutable segments in ascending id order.
func (m *Manager) Sealed() []*Segment {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Segment, 0, len(m.segments))
	for _, s := range m.segments {
		if s.Sealed() {
			out = append(out, s)
		}
	}
	return out
}

func (m *Manager) TotalSize() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var total int64
	for _, s := range m.segments {
		total += s.Size()
	}
	return total
}

// CreateCompactionOutput starts a replacement for segment id. It is written
// next to the segment under a .compact suffix and only takes the final name
// in CommitCompaction.
func (m *Manager) CreateCompactionOutput(id uint64) (*Segment, error) {
	opts := m.opts
	opts.SyncWrites = false
	return createSegment(m.SegmentPath(id)+compactSuffix, id, opts)
}

// DiscardCompactionOutputs closes and removes outputs that were never committed.
func (m *Manager) DiscardCompactionOutputs(outputs []*Segment) {
	for _, seg := range outputs {
		if err := seg.Close(); err != nil {
			util.Warn("close discarded compaction output %d: %v", seg.ID, err)
		}
		if err := os.Remove(seg.Path()); err != nil && !errors.Is(err, os.ErrNotExist) {
			util.Warn("remove discarded compaction output %s: %v", seg.Path(), err)
		}
	}
}

// CommitCompaction replaces the contiguous run inputs with the sealed
// outputs. Outputs must reuse the lowest input ids in order. The journal
// written before any rename is the commit point; inputs are deleted last.
// The caller must exclude concurrent readers and writers.
func (m *Manager) CommitCompaction(runID string, inputs, outputs []*Segment) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return types.ErrClosed
	}
	start, err := m.locateRunLocked(inputs)
	if err != nil {
		return err
	}
	if len(outputs) > len(inputs) {
		return fmt.Errorf("%w: %d outputs for %d inputs", types.ErrInvalidMergeSet, len(outputs), len(inputs))
	}
	for i, out := range outputs {
		if out.ID != inputs[i].ID {
			return fmt.Errorf("%w: output %d does not replace input %d", types.ErrInvalidMergeSet, out.ID, inputs[i].ID)
		}
		if !out.Sealed() {
			return fmt.Errorf("%w: output %d is not sealed", types.ErrInvalidMergeSet, out.ID)
		}
	}

	if err := syncDir(m.dir); err != nil {
		return fmt.Errorf("%w: sync dir %s: %w", types.ErrIO, m.dir, err)
	}
	j := compactionJournal{RunID: runID, CreatedAt: time.Now().UTC()}
	for _, s := range inputs {
		j.Inputs = append(j.Inputs, s.ID)
	}
	for _, s := range outputs {
		j.Outputs = append(j.Outputs, s.ID)
	}
	if err := writeJournal(m.journalPath(), j); err != nil {
		return err
	}

	// Committed: from here on a failure is finished by replayJournal on open.
	if err := m.swapLocked(start, inputs, outputs); err != nil {
		return fmt.Errorf("%w: run %s, reopen to roll forward: %w", types.ErrCompactionIncomplete, runID, err)
	}
	return nil
}

func (m *Manager) locateRunLocked(inputs []*Segment) (int, error) {
	if len(inputs) == 0 {
		return 0, fmt.Errorf("%w: empty merge set", types.ErrInvalidMergeSet)
	}
	start := -1
	for i, s := range m.segments {
		if s == inputs[0] {
			start = i
			break
		}
	}
	if start < 0 || start+len(inputs) > len(m.segments) {
		return 0, fmt.Errorf("%w: segment %d is not live", types.ErrInvalidMergeSet, inputs[0].ID)
	}
	for i, in := range inputs {
		cur := m.segments[start+i]
		if cur != in {
			return 0, fmt.Errorf("%w: segments %v are not a contiguous run", types.ErrInvalidMergeSet, segmentIDs(inputs))
		}
		if !cur.Sealed() {
			return 0, fmt.Errorf("%w: segment %d is active", types.ErrInvalidMergeSet, cur.ID)
		}
	}
	return start, nil
}

func (m *Manager) swapLocked(start int, inputs, outputs []*Segment) error {
	for _, in := range inputs {
		if err := in.Close(); err != nil {
			util.Warn("close compacted segment %d: %v", in.ID, err)
		}
	}
	for _, out := range outputs {
		if err := out.relocate(m.SegmentPath(out.ID)); err != nil {
			return err
		}
	}
	for _, in := range inputs[len(outputs):] {
		if err := os.Remove(in.Path()); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%w: remove compacted segment %d: %w", types.ErrIO, in.ID, err)
		}
	}
	if err := os.Remove(m.journalPath()); err != nil {
		return fmt.Errorf("%w: remove journal: %w", types.ErrIO, err)
	}
	if err := syncDir(m.dir); err != nil {
		return fmt.Errorf("%w: sync dir %s: %w", types.ErrIO, m.dir, err)
	}

	tail := append([]*Segment(nil), m.segments[start+len(inputs):]...)
	m.segments = append(append(m.segments[:start], outputs...), tail...)
	return nil
}

func segmentIDs(segs []*Segment) []uint64 {
	ids := make([]uint64, len(segs))
	for i, s := range segs {
		ids[i] = s.ID
	}
	return ids
}

// Close closes every segment and releases the directory lock.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil
	}
	m.closed = true
	errs := []error{m.closeSegments()}
	if err := m.lock.release(); err != nil {
		errs = append(errs, fmt.Errorf("%w: release lock: %w", types.ErrIO, err))
	}
	return errors.Join(errs...)
}

func (m *Manager) closeSegments() error {
	var errs []error
	for _, s := range m.segments {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	m.segments = nil
	return errors.Join(errs...)
}
