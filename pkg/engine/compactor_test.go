package engine_test

import (
	"bytes"
	"context"
	"fmt"
	"math/rand"
	"os"
	"sort"
	"sync"
	"testing"

	"github.com/downfa11-org/deebee/pkg/engine"
	"github.com/downfa11-org/deebee/pkg/types"
	"github.com/downfa11-org/deebee/util"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func selectIDs(ids ...uint64) engine.Policy {
	return engine.PolicyFunc(func([]types.SegmentInfo) []uint64 { return ids })
}

func listDir(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		info, err := e.Info()
		require.NoError(t, err)
		names = append(names, fmt.Sprintf("%s:%d", e.Name(), info.Size()))
	}
	sort.Strings(names)
	return names
}

func TestCompaction_CapacityTwoScenario(t *testing.T) {
	dir := t.TempDir()
	e := openEngine(t, dir, engine.Options{Capacity: 2})

	require.NoError(t, e.Set([]byte("a"), []byte("1")))
	require.NoError(t, e.Set([]byte("b"), []byte("2")))
	require.NoError(t, e.Set([]byte("c"), []byte("3")))
	assert.Equal(t, 2, e.Stats().Segments)
	requireValue(t, e, "a", "1")
	requireValue(t, e, "c", "3")

	stats, err := e.CompactWith(context.Background(), engine.AllSealed())
	require.NoError(t, err)
	assert.Equal(t, []uint64{1}, stats.Inputs)
	assert.Equal(t, []uint64{1}, stats.Outputs)
	assert.Equal(t, 2, stats.RecordsKept)
	assert.NotEmpty(t, stats.RunID)

	requireValue(t, e, "a", "1")
	requireValue(t, e, "b", "2")
	requireValue(t, e, "c", "3")

	require.NoError(t, e.Close())
	e = openEngine(t, dir, engine.Options{Capacity: 2})
	requireValue(t, e, "a", "1")
	requireValue(t, e, "b", "2")
	requireValue(t, e, "c", "3")
}

func TestCompaction_DropsSupersededRecords(t *testing.T) {
	dir := t.TempDir()
	e := openEngine(t, dir, engine.Options{Capacity: 1})
	require.NoError(t, e.Set([]byte("a"), []byte("old")))
	require.NoError(t, e.Set([]byte("a"), []byte("new")))
	require.NoError(t, e.Set([]byte("x"), []byte("tail")))

	stats, err := e.CompactWith(context.Background(), selectIDs(1))
	require.NoError(t, err)
	assert.Equal(t, 1, stats.RecordsDropped)
	assert.Empty(t, stats.Outputs, "nothing in segment 1 is live")
	assert.Equal(t, 2, e.Stats().Segments)
	requireValue(t, e, "a", "new")

	require.NoError(t, e.Close())
	e = openEngine(t, dir, engine.Options{Capacity: 1})
	requireValue(t, e, "a", "new")
	requireValue(t, e, "x", "tail")
}

func TestCompaction_TombstoneRetention(t *testing.T) {
	dir := t.TempDir()
	e := openEngine(t, dir, engine.Options{Capacity: 1})
	require.NoError(t, e.Set([]byte("a"), []byte("1"))) // segment 1
	require.NoError(t, e.Delete([]byte("a")))           // segment 2
	require.NoError(t, e.Set([]byte("b"), []byte("2"))) // segment 3, active

	// Segment 1 still holds a put for a, so the tombstone must stay.
	stats, err := e.CompactWith(context.Background(), selectIDs(2))
	require.NoError(t, err)
	assert.Equal(t, 1, stats.TombstonesKept)
	assert.Equal(t, []uint64{2}, stats.Outputs)
	requireAbsent(t, e, "a")

	// With both segments merged nothing older can resurrect a.
	stats, err = e.CompactWith(context.Background(), engine.AllSealed())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.RecordsDropped)
	assert.Equal(t, 1, stats.TombstonesDropped)
	assert.Empty(t, stats.Outputs)
	assert.Equal(t, 1, e.Stats().Segments)

	require.NoError(t, e.Close())
	e = openEngine(t, dir, engine.Options{Capacity: 1})
	requireAbsent(t, e, "a")
	requireValue(t, e, "b", "2")
}

func TestCompaction_TombstoneDroppedWhenKeyRewritten(t *testing.T) {
	e := openEngine(t, t.TempDir(), engine.Options{Capacity: 1})
	require.NoError(t, e.Set([]byte("a"), []byte("1")))
	require.NoError(t, e.Delete([]byte("a")))
	require.NoError(t, e.Set([]byte("a"), []byte("2")))
	require.NoError(t, e.Set([]byte("z"), []byte("active")))

	stats, err := e.CompactWith(context.Background(), selectIDs(2))
	require.NoError(t, err)
	assert.Equal(t, 1, stats.TombstonesDropped)
	requireValue(t, e, "a", "2")
}

func TestCompaction_RejectsInvalidMergeSets(t *testing.T) {
	e := openEngine(t, t.TempDir(), engine.Options{Capacity: 1})
	for _, k := range []string{"a", "b", "c", "d"} {
		require.NoError(t, e.Set([]byte(k), []byte(k)))
	}

	tests := []struct {
		name string
		ids  []uint64
	}{
		{"gap", []uint64{1, 3}},
		{"active", []uint64{3, 4}},
		{"unknown", []uint64{9}},
		{"descending", []uint64{2, 1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := e.CompactWith(context.Background(), selectIDs(tt.ids...))
			assert.ErrorIs(t, err, types.ErrInvalidMergeSet)
		})
	}
	assert.Equal(t, 4, e.Stats().Segments)
}

func TestCompaction_NothingSelected(t *testing.T) {
	e := openEngine(t, t.TempDir(), engine.Options{Capacity: 1})
	require.NoError(t, e.Set([]byte("a"), []byte("1")))

	stats, err := e.CompactWith(context.Background(), engine.MinSegments(3))
	require.NoError(t, err)
	assert.Empty(t, stats.Inputs)
	require.NoError(t, e.Compact(context.Background()), "no sealed segments yet")
}

func TestCompaction_CancelledRunChangesNothing(t *testing.T) {
	dir := t.TempDir()
	e := openEngine(t, dir, engine.Options{Capacity: 2})
	for i := 0; i < 9; i++ {
		require.NoError(t, e.Set([]byte(fmt.Sprintf("k%d", i%3)), []byte(fmt.Sprintf("v%d", i))))
	}
	before := listDir(t, dir)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := e.CompactWith(ctx, engine.AllSealed())
	require.ErrorIs(t, err, context.Canceled)

	assert.Equal(t, before, listDir(t, dir))
	for i := 6; i < 9; i++ {
		requireValue(t, e, fmt.Sprintf("k%d", i%3), fmt.Sprintf("v%d", i))
	}
}

func TestCompaction_KeepsCompressedValues(t *testing.T) {
	dir := t.TempDir()
	opts := engine.Options{Capacity: 2, Compression: util.CompressionLZ4}
	e := openEngine(t, dir, opts)

	big := bytes.Repeat([]byte("lz4 friendly "), 100)
	require.NoError(t, e.Set([]byte("big"), big))
	require.NoError(t, e.Set([]byte("small"), []byte("s")))
	require.NoError(t, e.Set([]byte("tail"), []byte("t")))

	require.NoError(t, e.Compact(context.Background()))
	requireValue(t, e, "big", string(big))

	require.NoError(t, e.Close())
	e = openEngine(t, dir, opts)
	requireValue(t, e, "big", string(big))
	requireValue(t, e, "small", "s")
}

func TestCompaction_RandomizedAgainstModel(t *testing.T) {
	dir := t.TempDir()
	opts := engine.Options{Capacity: 4}
	e := openEngine(t, dir, opts)

	rng := rand.New(rand.NewSource(7))
	model := make(map[string]string)

	verify := func(e *engine.Engine) {
		t.Helper()
		for i := 0; i < 30; i++ {
			key := fmt.Sprintf("key-%02d", i)
			got, ok, err := e.Get([]byte(key))
			require.NoError(t, err)
			want, live := model[key]
			require.Equal(t, live, ok, "presence of %s", key)
			if live {
				require.Equal(t, want, string(got), "value of %s", key)
			}
		}
	}

	for step := 0; step < 600; step++ {
		key := fmt.Sprintf("key-%02d", rng.Intn(30))
		switch {
		case rng.Intn(4) == 0:
			require.NoError(t, e.Delete([]byte(key)))
			delete(model, key)
		default:
			value := fmt.Sprintf("value-%d", step)
			require.NoError(t, e.Set([]byte(key), []byte(value)))
			model[key] = value
		}

		if step%75 == 74 {
			var policy engine.Policy
			switch rng.Intn(3) {
			case 0:
				policy = engine.AllSealed()
			case 1:
				policy = engine.OldestN(1 + rng.Intn(3))
			default:
				policy = engine.MinSegments(2)
			}
			_, err := e.CompactWith(context.Background(), policy)
			require.NoError(t, err)
			verify(e)
		}
		if step%200 == 199 {
			require.NoError(t, e.Close())
			e = openEngine(t, dir, opts)
			verify(e)
		}
	}

	require.NoError(t, e.Compact(context.Background()))
	verify(e)
	assert.Equal(t, len(model), e.Stats().LiveKeys)

	require.NoError(t, e.Close())
	e = openEngine(t, dir, opts)
	verify(e)
}

func TestCompaction_ConcurrentWrites(t *testing.T) {
	e := openEngine(t, t.TempDir(), engine.Options{Capacity: 3})

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 300; i++ {
			if err := e.Set([]byte(fmt.Sprintf("k%02d", i%20)), []byte(fmt.Sprintf("%d", i))); err != nil {
				t.Errorf("set: %v", err)
				return
			}
		}
	}()
	for i := 0; i < 20; i++ {
		_, err := e.CompactWith(context.Background(), engine.AllSealed())
		require.NoError(t, err)
	}
	wg.Wait()

	for i := 0; i < 20; i++ {
		requireValue(t, e, fmt.Sprintf("k%02d", i), fmt.Sprintf("%d", 280+i))
	}
}
