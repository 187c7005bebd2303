package types

import "errors"

var (
	// ErrIO wraps filesystem failures (disk full, permissions, short writes).
	ErrIO = errors.New("io error")

	// ErrCorruptRecord is returned when a frame fails length or checksum validation.
	ErrCorruptRecord = errors.New("corrupt record")

	// ErrSegmentNotFound means a pointer or compaction referenced a segment that no longer exists.
	ErrSegmentNotFound = errors.New("segment not found")

	ErrSegmentSealed   = errors.New("segment is sealed")
	ErrInvalidMergeSet = errors.New("invalid compaction merge set")
	ErrClosed          = errors.New("engine is closed")
	ErrLocked          = errors.New("database directory is locked by another engine")

	// ErrCompactionIncomplete means a compaction passed its commit point but
	// the file swap failed. The engine refuses further work until reopened.
	ErrCompactionIncomplete = errors.New("compaction committed but swap incomplete")

	ErrEmptyKey      = errors.New("key should not be empty")
	ErrKeyTooLarge   = errors.New("key exceeds maximum size")
	ErrValueTooLarge = errors.New("value exceeds maximum size")
)
