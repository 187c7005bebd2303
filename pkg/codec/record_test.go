package codec_test

import (
	"bytes"
	"encoding/binary"
	"math/rand"
	"testing"

	"github.com/downfa11-org/deebee/pkg/codec"
	"github.com/downfa11-org/deebee/pkg/types"
	"github.com/downfa11-org/deebee/util"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func randomBytes(r *rand.Rand, n int) []byte {
	b := make([]byte, n)
	r.Read(b)
	return b
}

func TestEncodeDecodeRoundtrip(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	codecs := []util.Compression{
		util.CompressionNone,
		util.CompressionGzip,
		util.CompressionSnappy,
		util.CompressionLZ4,
	}

	for i := 0; i < 200; i++ {
		key := randomBytes(rng, 1+rng.Intn(32))
		var rec types.Record
		switch i % 4 {
		case 0:
			rec = types.NewTombstone(key)
		case 1:
			rec = types.Record{Key: key, Value: randomBytes(rng, rng.Intn(512))}
		case 2:
			rec = types.Record{Key: key, Value: bytes.Repeat([]byte("ab,\n"), 1+rng.Intn(300))}
		default:
			rec = types.Record{Key: key}
		}
		c := codecs[rng.Intn(len(codecs))]

		frame, err := codec.Encode(rec, c)
		require.NoError(t, err)

		got, err := codec.Decode(frame)
		require.NoError(t, err, "record %d codec %s", i, c)
		assert.True(t, got.Equal(rec), "record %d codec %s: got %+v want %+v", i, c, got, rec)
	}
}

func TestEncodeCompressesRepetitiveValues(t *testing.T) {
	value := bytes.Repeat([]byte("deebee"), 500)
	plain, err := codec.Encode(types.Record{Key: []byte("k"), Value: value}, util.CompressionNone)
	require.NoError(t, err)
	packed, err := codec.Encode(types.Record{Key: []byte("k"), Value: value}, util.CompressionLZ4)
	require.NoError(t, err)

	assert.Less(t, len(packed), len(plain))

	rec, err := codec.Decode(packed)
	require.NoError(t, err)
	assert.Equal(t, value, rec.Value)
}

func TestEncodeRejectsInvalidRecords(t *testing.T) {
	_, err := codec.Encode(types.Record{}, util.CompressionNone)
	assert.ErrorIs(t, err, types.ErrEmptyKey)

	_, err = codec.Encode(types.Record{Key: make([]byte, codec.MaxKeySize+1)}, util.CompressionNone)
	assert.ErrorIs(t, err, types.ErrKeyTooLarge)
}

func TestDecodeCorruption(t *testing.T) {
	frame, err := codec.Encode(types.Record{Key: []byte("key"), Value: []byte("value")}, util.CompressionNone)
	require.NoError(t, err)

	flipped := append([]byte(nil), frame...)
	flipped[codec.HeaderSize+1] ^= 0xFF

	oversized := append([]byte(nil), frame...)
	binary.BigEndian.PutUint32(oversized[4:8], 1000)

	badFlags := append([]byte(nil), frame...)
	badFlags[8] = 0x80

	zeroKey := append([]byte(nil), frame...)
	binary.BigEndian.PutUint32(zeroKey[0:4], 0)

	tests := []struct {
		name string
		data []byte
	}{
		{"empty", nil},
		{"truncated_header", frame[:codec.HeaderSize-1]},
		{"half_frame", frame[:len(frame)/2]},
		{"missing_checksum", frame[:len(frame)-codec.ChecksumSize]},
		{"trailing_bytes", append(append([]byte(nil), frame...), 0x00)},
		{"flipped_key_byte", flipped},
		{"declared_length_too_large", oversized},
		{"unknown_flags", badFlags},
		{"zero_key_length", zeroKey},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := codec.Decode(tt.data)
			assert.ErrorIs(t, err, types.ErrCorruptRecord)
		})
	}
}

func TestFrameLengthMatchesEncode(t *testing.T) {
	frame, err := codec.Encode(types.Record{Key: []byte("abc"), Value: []byte("12345")}, util.CompressionNone)
	require.NoError(t, err)
	assert.Equal(t, codec.FrameLength(3, 5), int64(len(frame)))

	keyLen, valueLen, _, err := codec.DecodeHeader(frame[:codec.HeaderSize])
	require.NoError(t, err)
	assert.Equal(t, uint32(3), keyLen)
	assert.Equal(t, uint32(5), valueLen)
}
