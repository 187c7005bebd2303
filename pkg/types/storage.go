package types

import "context"

// KVStore is the surface consumed by the command layer.
type KVStore interface {
	Get(key []byte) ([]byte, bool, error)
	Set(key, value []byte) error
	Delete(key []byte) error
	Compact(ctx context.Context) error
	Close() error
}
