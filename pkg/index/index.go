// Package index keeps the in-memory key directory: for every live key, the
// location of its most recent record. It is never persisted; recovery
// rebuilds it from the segment log.
package index

import (
	"sync"

	"github.com/downfa11-org/deebee/pkg/types"
	"github.com/google/btree"
)

const degree = 32

type entry struct {
	key string
	ptr types.Pointer
}

func lessEntry(a, b entry) bool { return a.key < b.key }

// Index is safe for concurrent readers; the engine is its only mutator.
type Index struct {
	mu   sync.RWMutex
	tree *btree.BTreeG[entry]
}

func New() *Index {
	return &Index{tree: btree.NewG[entry](degree, lessEntry)}
}

func (x *Index) Lookup(key []byte) (types.Pointer, bool) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	e, ok := x.tree.Get(entry{key: string(key)})
	return e.ptr, ok
}

func (x *Index) Upsert(key []byte, p types.Pointer) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.tree.ReplaceOrInsert(entry{key: string(key), ptr: p})
}

// Remove reports whether key was present.
func (x *Index) Remove(key []byte) bool {
	x.mu.Lock()
	defer x.mu.Unlock()
	_, ok := x.tree.Delete(entry{key: string(key)})
	return ok
}

// CompareAndSwap repoints key to next only if it still points at prev.
func (x *Index) CompareAndSwap(key []byte, prev, next types.Pointer) bool {
	x.mu.Lock()
	defer x.mu.Unlock()
	e, ok := x.tree.Get(entry{key: string(key)})
	if !ok || e.ptr != prev {
		return false
	}
	x.tree.ReplaceOrInsert(entry{key: e.key, ptr: next})
	return true
}

func (x *Index) Len() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.tree.Len()
}

// Clone returns a point-in-time copy. The btree clone is copy-on-write, so
// this is cheap and later writes to either side do not affect the other.
func (x *Index) Clone() *Index {
	x.mu.Lock()
	defer x.mu.Unlock()
	return &Index{tree: x.tree.Clone()}
}

// LiveBytes sums the frame lengths of live records per segment.
func (x *Index) LiveBytes() map[uint64]int64 {
	x.mu.RLock()
	defer x.mu.RUnlock()
	out := make(map[uint64]int64)
	x.tree.Ascend(func(e entry) bool {
		out[e.ptr.SegmentID] += e.ptr.Length
		return true
	})
	return out
}
