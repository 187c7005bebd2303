package disk

import (
	"errors"
	"fmt"
	"io"

	"github.com/downfa11-org/deebee/pkg/codec"
	"github.com/downfa11-org/deebee/pkg/types"
)

// Iterator walks the frames of a segment in file order. It stops at the end
// of the file or at the first frame that cannot be decoded; Err tells the
// two apart. Call Reset to walk the same segment again.
type Iterator struct {
	seg *Segment
	src io.ReaderAt
	end int64

	pos    int64
	offset int64
	length int64
	rec    types.Record
	err    error
	header [codec.HeaderSize]byte
}

// Iterate returns an iterator over the bytes present when it is called.
func (s *Segment) Iterate() *Iterator {
	s.mu.RLock()
	defer s.mu.RUnlock()

	it := &Iterator{seg: s, end: s.size}
	src, err := s.sourceLocked()
	if err != nil {
		it.err = err
		return it
	}
	it.src = src
	return it
}

func (it *Iterator) Next() bool {
	if it.err != nil || it.pos >= it.end {
		return false
	}

	if it.end-it.pos < codec.HeaderSize {
		it.err = fmt.Errorf("%w: segment %d offset %d: %d bytes left for a %d byte header",
			types.ErrCorruptRecord, it.seg.ID, it.pos, it.end-it.pos, codec.HeaderSize)
		return false
	}
	if err := it.readFull(it.header[:], it.pos); err != nil {
		it.err = err
		return false
	}
	keyLen, valueLen, _, err := codec.DecodeHeader(it.header[:])
	if err != nil {
		it.err = fmt.Errorf("segment %d offset %d: %w", it.seg.ID, it.pos, err)
		return false
	}

	n := codec.FrameLength(keyLen, valueLen)
	if it.pos+n > it.end {
		it.err = fmt.Errorf("%w: segment %d offset %d: frame of %d bytes runs past end %d",
			types.ErrCorruptRecord, it.seg.ID, it.pos, n, it.end)
		return false
	}

	frame := make([]byte, n)
	if err := it.readFull(frame, it.pos); err != nil {
		it.err = err
		return false
	}
	rec, err := codec.Decode(frame)
	if err != nil {
		it.err = fmt.Errorf("segment %d offset %d: %w", it.seg.ID, it.pos, err)
		return false
	}

	it.rec = rec
	it.offset = it.pos
	it.length = n
	it.pos += n
	return true
}

func (it *Iterator) readFull(buf []byte, off int64) error {
	n, err := it.src.ReadAt(buf, off)
	if n == len(buf) {
		return nil
	}
	if err == nil || errors.Is(err, io.EOF) {
		return fmt.Errorf("%w: segment %d offset %d: short read %d of %d bytes",
			types.ErrCorruptRecord, it.seg.ID, off, n, len(buf))
	}
	return fmt.Errorf("%w: read segment %d at %d: %w", types.ErrIO, it.seg.ID, off, err)
}

// Record returns the record decoded by the last successful Next.
func (it *Iterator) Record() types.Record { return it.rec }

// Offset returns the start offset of the current record.
func (it *Iterator) Offset() int64 { return it.offset }

// Length returns the frame length of the current record.
func (it *Iterator) Length() int64 { return it.length }

// ValidEnd is the end offset of the last frame decoded successfully.
func (it *Iterator) ValidEnd() int64 { return it.pos }

func (it *Iterator) Err() error { return it.err }

// Reset rewinds the iterator to the start of the segment.
func (it *Iterator) Reset() {
	if it.src == nil {
		return
	}
	it.pos, it.offset, it.length = 0, 0, 0
	it.rec = types.Record{}
	it.err = nil
}
