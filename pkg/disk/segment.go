package disk

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/downfa11-org/deebee/pkg/codec"
	"github.com/downfa11-org/deebee/pkg/types"
	"github.com/downfa11-org/deebee/util"
	"golang.org/x/exp/mmap"
)

// Segment is one append-only log file. The active segment owns a buffered
// write handle; sealed segments are read through a read-only mmap.
type Segment struct {
	ID uint64

	capacity   int
	maxBytes   int64
	syncWrites bool

	mu     sync.RWMutex // path, size, count, file handles
	path   string
	file   *os.File
	writer *bufio.Writer
	reader *mmap.ReaderAt
	size   int64
	count  int
	sealed bool
}

func createSegment(path string, id uint64, opts Options) (*Segment, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("%w: create segment %s: %w", types.ErrIO, path, err)
	}
	adviseSequential(f)
	return &Segment{
		ID:         id,
		capacity:   opts.Capacity,
		maxBytes:   opts.MaxBytes,
		syncWrites: opts.SyncWrites,
		path:       path,
		file:       f,
		writer:     bufio.NewWriter(f),
	}, nil
}

func openActiveSegment(path string, id uint64, opts Options) (*Segment, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("%w: open segment %s: %w", types.ErrIO, path, err)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("%w: stat segment %s: %w", types.ErrIO, path, err)
	}
	adviseSequential(f)
	return &Segment{
		ID:         id,
		capacity:   opts.Capacity,
		maxBytes:   opts.MaxBytes,
		syncWrites: opts.SyncWrites,
		path:       path,
		file:       f,
		writer:     bufio.NewWriter(f),
		size:       info.Size(),
	}, nil
}

func openSealedSegment(path string, id uint64, opts Options) (*Segment, error) {
	r, err := mmap.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: mmap segment %s: %w", types.ErrIO, path, err)
	}
	return &Segment{
		ID:         id,
		capacity:   opts.Capacity,
		maxBytes:   opts.MaxBytes,
		syncWrites: opts.SyncWrites,
		path:       path,
		reader:     r,
		size:       int64(r.Len()),
		sealed:     true,
	}, nil
}

func (s *Segment) Path() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.path
}

func (s *Segment) Size() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.size
}

func (s *Segment) RecordCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.count
}

func (s *Segment) Sealed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sealed
}

func (s *Segment) Info() types.SegmentInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return types.SegmentInfo{
		ID:          s.ID,
		Path:        s.path,
		RecordCount: s.count,
		Size:        s.size,
		Sealed:      s.sealed,
	}
}

// Full reports whether appending a frame of frameLen bytes would exceed the
// record capacity or the optional byte limit. An empty segment always
// accepts one record.
func (s *Segment) Full(frameLen int64) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.capacity > 0 && s.count >= s.capacity {
		return true
	}
	return s.maxBytes > 0 && s.count > 0 && s.size+frameLen > s.maxBytes
}

// Append writes one encoded frame at the end of the file and returns where it
// landed. The frame is flushed, and fsynced when sync writes are enabled,
// before Append returns. A failed write is rolled back so the file never
// keeps a partial frame written by this process.
func (s *Segment) Append(frame []byte) (offset, length int64, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.sealed || s.file == nil {
		return 0, 0, fmt.Errorf("%w: append to segment %d", types.ErrSegmentSealed, s.ID)
	}

	offset = s.size
	if _, err := s.writer.Write(frame); err != nil {
		return 0, 0, s.rollbackLocked(offset, "write", err)
	}
	if err := s.writer.Flush(); err != nil {
		return 0, 0, s.rollbackLocked(offset, "flush", err)
	}
	if s.syncWrites {
		if err := s.file.Sync(); err != nil {
			return 0, 0, s.rollbackLocked(offset, "sync", err)
		}
	}

	s.size += int64(len(frame))
	s.count++
	return offset, int64(len(frame)), nil
}

func (s *Segment) rollbackLocked(offset int64, op string, cause error) error {
	s.writer.Reset(s.file)
	if err := s.file.Truncate(offset); err != nil {
		util.Error("segment %d: rollback to %d after failed %s: %v", s.ID, offset, op, err)
	}
	return fmt.Errorf("%w: %s segment %s: %w", types.ErrIO, op, s.path, cause)
}

// Sync flushes buffered bytes and fsyncs the active file.
func (s *Segment) Sync() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.syncLocked()
}

func (s *Segment) syncLocked() error {
	if s.file == nil {
		return nil
	}
	if err := s.writer.Flush(); err != nil {
		return fmt.Errorf("%w: flush segment %s: %w", types.ErrIO, s.path, err)
	}
	if err := s.file.Sync(); err != nil {
		return fmt.Errorf("%w: sync segment %s: %w", types.ErrIO, s.path, err)
	}
	return nil
}

// ReadAt reads and decodes the frame of exactly length bytes at offset.
func (s *Segment) ReadAt(offset, length int64) (types.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if offset < 0 || length < codec.Overhead || offset+length > s.size {
		return types.Record{}, fmt.Errorf("%w: segment %d range [%d,%d) outside %d bytes",
			types.ErrCorruptRecord, s.ID, offset, offset+length, s.size)
	}

	src, err := s.sourceLocked()
	if err != nil {
		return types.Record{}, err
	}
	buf := make([]byte, length)
	if _, err := src.ReadAt(buf, offset); err != nil && !errors.Is(err, io.EOF) {
		return types.Record{}, fmt.Errorf("%w: read segment %s at %d: %w", types.ErrIO, s.path, offset, err)
	}
	rec, err := codec.Decode(buf)
	if err != nil {
		return types.Record{}, fmt.Errorf("segment %d offset %d: %w", s.ID, offset, err)
	}
	return rec, nil
}

func (s *Segment) sourceLocked() (io.ReaderAt, error) {
	switch {
	case s.reader != nil:
		return s.reader, nil
	case s.file != nil:
		return s.file, nil
	default:
		return nil, fmt.Errorf("%w: segment %d is closed", types.ErrIO, s.ID)
	}
}

// Seal makes the segment immutable: buffered bytes are fsynced, the write
// handle is closed and reads switch to an mmap of the file.
func (s *Segment) Seal() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.sealed {
		return nil
	}
	if err := s.syncLocked(); err != nil {
		return err
	}
	if err := s.file.Close(); err != nil {
		return fmt.Errorf("%w: close segment %s: %w", types.ErrIO, s.path, err)
	}
	s.file = nil
	s.writer = nil

	r, err := mmap.Open(s.path)
	if err != nil {
		return fmt.Errorf("%w: mmap segment %s: %w", types.ErrIO, s.path, err)
	}
	s.reader = r
	s.sealed = true
	return nil
}

// Recover records the outcome of replaying the segment: the number of valid
// records and the end offset of the last valid frame. Bytes past validEnd
// are cut off the active segment; sealed segments are left untouched and
// simply stop at validEnd.
func (s *Segment) Recover(records int, validEnd int64) (truncated int64, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.count = records
	if validEnd >= s.size {
		return 0, nil
	}
	truncated = s.size - validEnd
	if s.sealed {
		s.size = validEnd
		return truncated, nil
	}
	if err := s.file.Truncate(validEnd); err != nil {
		return 0, fmt.Errorf("%w: truncate segment %s to %d: %w", types.ErrIO, s.path, validEnd, err)
	}
	if err := s.file.Sync(); err != nil {
		return 0, fmt.Errorf("%w: sync segment %s: %w", types.ErrIO, s.path, err)
	}
	s.size = validEnd
	return truncated, nil
}

// Close releases the file handles. Pending bytes of an active segment are
// flushed and fsynced first.
func (s *Segment) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeLocked()
}

func (s *Segment) closeLocked() error {
	var errs []error
	if s.file != nil {
		if err := s.syncLocked(); err != nil {
			errs = append(errs, err)
		}
		if err := s.file.Close(); err != nil {
			errs = append(errs, fmt.Errorf("%w: close segment %s: %w", types.ErrIO, s.path, err))
		}
		s.file = nil
		s.writer = nil
	}
	if s.reader != nil {
		if err := s.reader.Close(); err != nil {
			errs = append(errs, fmt.Errorf("%w: unmap segment %s: %w", types.ErrIO, s.path, err))
		}
		s.reader = nil
	}
	return errors.Join(errs...)
}

// relocate moves a sealed segment's file to path and remaps it.
func (s *Segment) relocate(path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.sealed {
		return fmt.Errorf("%w: relocate requires a sealed segment", types.ErrSegmentSealed)
	}
	if s.reader != nil {
		if err := s.reader.Close(); err != nil {
			return fmt.Errorf("%w: unmap segment %s: %w", types.ErrIO, s.path, err)
		}
		s.reader = nil
	}
	if err := os.Rename(s.path, path); err != nil {
		return fmt.Errorf("%w: rename %s to %s: %w", types.ErrIO, s.path, path, err)
	}
	s.path = path

	r, err := mmap.Open(path)
	if err != nil {
		return fmt.Errorf("%w: mmap segment %s: %w", types.ErrIO, path, err)
	}
	s.reader = r
	return nil
}
