package disk_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/downfa11-org/deebee/pkg/disk"
	"github.com/downfa11-org/deebee/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func appendN(t *testing.T, seg *disk.Segment, keys ...string) {
	t.Helper()
	for _, k := range keys {
		_, _, err := seg.Append(frame(t, k, "v-"+k))
		require.NoError(t, err)
	}
}

func TestManager_OpenCreatesDirectoryLazily(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "db")
	m := openManager(t, dir, disk.Options{Capacity: 2})
	defer m.Close()

	_, err := os.Stat(dir)
	require.NoError(t, err)
	assert.Empty(t, m.Segments(), "no segment until the first write")

	seg, err := m.ActiveSegment()
	require.NoError(t, err)
	assert.Equal(t, uint64(1), seg.ID)
	assert.FileExists(t, m.SegmentPath(1))
	assert.Equal(t, filepath.Join(dir, "testdb_segment_00000000000000000001.log"), m.SegmentPath(1))
}

func TestManager_RotateAndReopen(t *testing.T) {
	dir := t.TempDir()
	m := openManager(t, dir, disk.Options{Capacity: 2})

	seg, err := m.ActiveSegment()
	require.NoError(t, err)
	appendN(t, seg, "a", "b")

	next, err := m.Rotate()
	require.NoError(t, err)
	assert.Equal(t, uint64(2), next.ID)
	assert.True(t, seg.Sealed())
	appendN(t, next, "c")

	active, err := m.ActiveSegment()
	require.NoError(t, err)
	assert.Same(t, next, active)
	require.Len(t, m.Sealed(), 1)
	require.NoError(t, m.Close())

	m = openManager(t, dir, disk.Options{Capacity: 2})
	defer m.Close()

	segs := m.Segments()
	require.Len(t, segs, 2)
	assert.True(t, segs[0].Sealed())
	assert.False(t, segs[1].Sealed())
	assert.Equal(t, uint64(2), segs[1].ID)

	rotated, err := m.Rotate()
	require.NoError(t, err)
	assert.Equal(t, uint64(3), rotated.ID)
}

func TestManager_SegmentNotFound(t *testing.T) {
	m := openManager(t, t.TempDir(), disk.Options{})
	defer m.Close()

	_, err := m.ActiveSegment()
	require.NoError(t, err)

	_, err = m.Segment(1)
	require.NoError(t, err)
	_, err = m.Segment(42)
	assert.ErrorIs(t, err, types.ErrSegmentNotFound)
}

func TestManager_DirectoryLock(t *testing.T) {
	dir := t.TempDir()
	m := openManager(t, dir, disk.Options{})

	_, err := disk.Open(dir, "testdb", disk.Options{})
	assert.ErrorIs(t, err, types.ErrLocked)

	require.NoError(t, m.Close())
	m2, err := disk.Open(dir, "testdb", disk.Options{})
	require.NoError(t, err)
	require.NoError(t, m2.Close())
}

func TestManager_InvalidName(t *testing.T) {
	_, err := disk.Open(t.TempDir(), "../escape", disk.Options{})
	assert.Error(t, err)
}

func buildSealed(t *testing.T, m *disk.Manager, perSegment ...[]string) []*disk.Segment {
	t.Helper()
	seg, err := m.ActiveSegment()
	require.NoError(t, err)
	for _, keys := range perSegment {
		appendN(t, seg, keys...)
		seg, err = m.Rotate()
		require.NoError(t, err)
	}
	return m.Sealed()
}

func TestManager_CommitCompaction(t *testing.T) {
	dir := t.TempDir()
	m := openManager(t, dir, disk.Options{Capacity: 2})

	inputs := buildSealed(t, m, []string{"a", "b"}, []string{"a", "c"})
	require.Len(t, inputs, 2)

	out, err := m.CreateCompactionOutput(inputs[0].ID)
	require.NoError(t, err)
	assert.FileExists(t, m.SegmentPath(1)+".compact")
	appendN(t, out, "a", "b")
	require.NoError(t, out.Seal())

	require.NoError(t, m.CommitCompaction("run-1", inputs, []*disk.Segment{out}))

	assert.NoFileExists(t, m.SegmentPath(1)+".compact")
	assert.NoFileExists(t, m.SegmentPath(2), "leftover input is deleted")
	assert.NoFileExists(t, filepath.Join(dir, "testdb.compaction"))

	segs := m.Segments()
	require.Len(t, segs, 2)
	assert.Same(t, out, segs[0])
	assert.Equal(t, uint64(3), segs[1].ID)
	assert.Equal(t, m.SegmentPath(1), out.Path())

	_, err = m.Segment(2)
	assert.ErrorIs(t, err, types.ErrSegmentNotFound)
	require.NoError(t, m.Close())

	m = openManager(t, dir, disk.Options{Capacity: 2})
	defer m.Close()
	segs = m.Segments()
	require.Len(t, segs, 2)
	assert.Equal(t, []uint64{1, 3}, []uint64{segs[0].ID, segs[1].ID})
	assert.Equal(t, out.Size(), segs[0].Size())
}

func TestManager_CommitCompactionRejectsBrokenRuns(t *testing.T) {
	m := openManager(t, t.TempDir(), disk.Options{Capacity: 1})
	defer m.Close()

	sealed := buildSealed(t, m, []string{"a"}, []string{"b"}, []string{"c"})
	require.Len(t, sealed, 3)
	active, err := m.ActiveSegment()
	require.NoError(t, err)

	err = m.CommitCompaction("gap", []*disk.Segment{sealed[0], sealed[2]}, nil)
	assert.ErrorIs(t, err, types.ErrInvalidMergeSet)

	err = m.CommitCompaction("active", []*disk.Segment{sealed[2], active}, nil)
	assert.ErrorIs(t, err, types.ErrInvalidMergeSet)

	out, err := m.CreateCompactionOutput(sealed[1].ID)
	require.NoError(t, err)
	require.NoError(t, out.Seal())
	err = m.CommitCompaction("wrong-id", sealed[:2], []*disk.Segment{out})
	assert.ErrorIs(t, err, types.ErrInvalidMergeSet)
	m.DiscardCompactionOutputs([]*disk.Segment{out})
	assert.NoFileExists(t, out.Path())

	assert.Len(t, m.Segments(), 4, "rejected commits leave the segment set untouched")
}

func TestManager_RemovesAbandonedOutputs(t *testing.T) {
	dir := t.TempDir()
	m := openManager(t, dir, disk.Options{Capacity: 1})
	buildSealed(t, m, []string{"a"}, []string{"b"})
	require.NoError(t, m.Close())

	stray := m.SegmentPath(1) + ".compact"
	require.NoError(t, os.WriteFile(stray, []byte("half written"), 0o644))

	m = openManager(t, dir, disk.Options{Capacity: 1})
	defer m.Close()
	assert.NoFileExists(t, stray)
	assert.Len(t, m.Segments(), 3)
}

func TestManager_RollsForwardCommittedJournal(t *testing.T) {
	dir := t.TempDir()
	m := openManager(t, dir, disk.Options{Capacity: 2})
	buildSealed(t, m, []string{"a", "b"}, []string{"b", "c"})
	seg1, seg2 := m.SegmentPath(1), m.SegmentPath(2)
	require.NoError(t, m.Close())

	// simulate a crash right after the journal was committed
	replacement := append(frame(t, "a", "v-a"), frame(t, "b", "v-b")...)
	replacement = append(replacement, frame(t, "c", "v-c")...)
	require.NoError(t, os.WriteFile(seg1+".compact", replacement, 0o644))
	journal := "run_id: crashed\ninputs: [1, 2]\noutputs: [1]\ncreated_at: 2026-01-01T00:00:00Z\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "testdb.compaction"), []byte(journal), 0o644))

	m = openManager(t, dir, disk.Options{Capacity: 2})
	defer m.Close()

	assert.NoFileExists(t, seg1+".compact")
	assert.NoFileExists(t, seg2)
	assert.NoFileExists(t, filepath.Join(dir, "testdb.compaction"))

	segs := m.Segments()
	require.Len(t, segs, 2)
	assert.Equal(t, uint64(1), segs[0].ID)
	assert.Equal(t, int64(len(replacement)), segs[0].Size())

	it := segs[0].Iterate()
	var keys []string
	for it.Next() {
		keys = append(keys, string(it.Record().Key))
	}
	require.NoError(t, it.Err())
	assert.Equal(t, []string{"a", "b", "c"}, keys)
}
