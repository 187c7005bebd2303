package types

import "bytes"

// Record is one key-value entry or tombstone in a segment.
type Record struct {
	Key       []byte
	Value     []byte
	Tombstone bool
}

func NewTombstone(key []byte) Record {
	return Record{Key: key, Tombstone: true}
}

func (r Record) Equal(o Record) bool {
	return r.Tombstone == o.Tombstone && bytes.Equal(r.Key, o.Key) && bytes.Equal(r.Value, o.Value)
}
