// Package codec frames a single record for the segment log.
//
// Frame layout, big endian:
//
//	key_len   u32
//	value_len u32  stored (possibly compressed) value length
//	flags     u8   bit0 tombstone, bits1-2 value compression
//	key       [key_len]byte
//	value     [value_len]byte
//	crc32     u32  Castagnoli over every preceding byte of the frame
package codec

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"

	"github.com/downfa11-org/deebee/pkg/types"
	"github.com/downfa11-org/deebee/util"
)

const (
	HeaderSize   = 9
	ChecksumSize = 4
	Overhead     = HeaderSize + ChecksumSize

	MaxKeySize   = 64 << 10
	MaxValueSize = 64 << 20

	// Values shorter than this are never compressed.
	MinCompressSize = 64
)

const (
	flagTombstone   byte = 1 << 0
	compressionMask byte = 0x3 << 1
	knownFlags           = flagTombstone | compressionMask
)

var crcTable = crc32.MakeTable(crc32.Castagnoli)

// Encode returns the full frame for r. The value is compressed with c when
// that makes it smaller; otherwise it is stored as is.
func Encode(r types.Record, c util.Compression) ([]byte, error) {
	if len(r.Key) == 0 {
		return nil, types.ErrEmptyKey
	}
	if len(r.Key) > MaxKeySize {
		return nil, fmt.Errorf("%w (%d > %d bytes)", types.ErrKeyTooLarge, len(r.Key), MaxKeySize)
	}
	if len(r.Value) > MaxValueSize {
		return nil, fmt.Errorf("%w (%d > %d bytes)", types.ErrValueTooLarge, len(r.Value), MaxValueSize)
	}

	var flags byte
	value := r.Value
	if r.Tombstone {
		flags |= flagTombstone
		value = nil
	} else if c != util.CompressionNone && len(value) >= MinCompressSize {
		packed, err := util.CompressValue(value, c)
		if err != nil {
			return nil, fmt.Errorf("encode: compress value: %w", err)
		}
		if len(packed) < len(value) {
			value = packed
			flags |= byte(c) << 1
		}
	}

	frame := make([]byte, FrameLength(uint32(len(r.Key)), uint32(len(value))))
	binary.BigEndian.PutUint32(frame[0:4], uint32(len(r.Key)))
	binary.BigEndian.PutUint32(frame[4:8], uint32(len(value)))
	frame[8] = flags
	n := HeaderSize
	n += copy(frame[n:], r.Key)
	n += copy(frame[n:], value)
	binary.BigEndian.PutUint32(frame[n:], crc32.Checksum(frame[:n], crcTable))
	return frame, nil
}

// DecodeHeader validates the fixed-size prefix of a frame.
func DecodeHeader(header []byte) (keyLen, valueLen uint32, flags byte, err error) {
	if len(header) < HeaderSize {
		return 0, 0, 0, fmt.Errorf("%w: truncated header (%d of %d bytes)", types.ErrCorruptRecord, len(header), HeaderSize)
	}
	keyLen = binary.BigEndian.Uint32(header[0:4])
	valueLen = binary.BigEndian.Uint32(header[4:8])
	flags = header[8]

	switch {
	case keyLen == 0:
		return 0, 0, 0, fmt.Errorf("%w: zero key length", types.ErrCorruptRecord)
	case keyLen > MaxKeySize:
		return 0, 0, 0, fmt.Errorf("%w: key length %d exceeds limit", types.ErrCorruptRecord, keyLen)
	case valueLen > MaxValueSize:
		return 0, 0, 0, fmt.Errorf("%w: value length %d exceeds limit", types.ErrCorruptRecord, valueLen)
	case flags&^knownFlags != 0:
		return 0, 0, 0, fmt.Errorf("%w: unknown flags %#x", types.ErrCorruptRecord, flags)
	case flags&flagTombstone != 0 && valueLen != 0:
		return 0, 0, 0, fmt.Errorf("%w: tombstone carries a value", types.ErrCorruptRecord)
	}
	return keyLen, valueLen, flags, nil
}

// FrameLength is the on-disk size of a frame with the given stored lengths.
func FrameLength(keyLen, valueLen uint32) int64 {
	return int64(Overhead) + int64(keyLen) + int64(valueLen)
}

// Decode parses exactly one frame. The returned key aliases data.
func Decode(data []byte) (types.Record, error) {
	keyLen, valueLen, flags, err := DecodeHeader(data)
	if err != nil {
		return types.Record{}, err
	}

	total := FrameLength(keyLen, valueLen)
	if total > int64(len(data)) {
		return types.Record{}, fmt.Errorf("%w: declared length %d exceeds %d available bytes", types.ErrCorruptRecord, total, len(data))
	}
	if total < int64(len(data)) {
		return types.Record{}, fmt.Errorf("%w: %d trailing bytes after frame", types.ErrCorruptRecord, int64(len(data))-total)
	}

	body := total - ChecksumSize
	want := binary.BigEndian.Uint32(data[body:])
	if got := crc32.Checksum(data[:body], crcTable); got != want {
		return types.Record{}, fmt.Errorf("%w: checksum mismatch (stored %#08x, computed %#08x)", types.ErrCorruptRecord, want, got)
	}

	keyEnd := HeaderSize + int64(keyLen)
	rec := types.Record{
		Key:       data[HeaderSize:keyEnd],
		Tombstone: flags&flagTombstone != 0,
	}
	if rec.Tombstone {
		return rec, nil
	}

	value := data[keyEnd:body]
	c := util.Compression((flags & compressionMask) >> 1)
	if c != util.CompressionNone {
		value, err = util.DecompressValue(value, c)
		if err != nil {
			return types.Record{}, fmt.Errorf("%w: decompress %s value: %v", types.ErrCorruptRecord, c, err)
		}
	}
	if value == nil {
		value = []byte{}
	}
	rec.Value = value
	return rec, nil
}
