package manifest

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"lsmkv/pkg/codec"
	"lsmkv/pkg/sstable"
)

func meta(level int, id uint64, min, max string, size uint64) sstable.Meta {
	return sstable.Meta{
		Level:    level,
		ID:       id,
		MinKey:   []byte(min),
		MaxKey:   []byte(max),
		FileSize: size,
	}
}

func TestCommitAndReopen(t *testing.T) {
	dir := t.TempDir()
	m, err := Open(dir)
	require.NoError(t, err)
	require.Equal(t, uint64(1), m.NextID())

	require.NoError(t, m.Commit(Batch{
		Added:     []sstable.Meta{meta(0, 1, "a", "m", 100)},
		NextSSTID: 2,
	}))
	require.NoError(t, m.Commit(Batch{
		Added:     []sstable.Meta{meta(0, 2, "k", "z", 200)},
		NextSSTID: 3,
	}))
	require.NoError(t, m.Close())

	m, err = Open(dir)
	require.NoError(t, err)
	defer m.Close()

	require.Equal(t, uint64(3), m.NextID())
	levels := m.Levels()
	require.Len(t, levels[0], 2)
	// Level 0 is held newest first.
	require.Equal(t, uint64(2), levels[0][0].ID)
	require.Equal(t, uint64(1), levels[0][1].ID)
	require.Equal(t, []byte("k"), levels[0][0].MinKey)
}

func TestRemoveAndLevelOrdering(t *testing.T) {
	dir := t.TempDir()
	m, err := Open(dir)
	require.NoError(t, err)
	defer m.Close()

	require.NoError(t, m.Commit(Batch{
		Added: []sstable.Meta{
			meta(1, 3, "m", "r", 10),
			meta(1, 1, "a", "f", 10),
			meta(1, 2, "g", "l", 10),
		},
		NextSSTID: 4,
	}))

	levels := m.Levels()
	require.Len(t, levels[1], 3)
	// Levels >= 1 are sorted by min key.
	require.Equal(t, []byte("a"), levels[1][0].MinKey)
	require.Equal(t, []byte("g"), levels[1][1].MinKey)
	require.Equal(t, []byte("m"), levels[1][2].MinKey)

	require.NoError(t, m.Commit(Batch{Removed: []sstable.Meta{meta(1, 2, "", "", 0)}}))
	levels = m.Levels()
	require.Len(t, levels[1], 2)
	require.Equal(t, uint64(1), levels[1][0].ID)
	require.Equal(t, uint64(3), levels[1][1].ID)
}

func TestUncommittedTailDiscarded(t *testing.T) {
	dir := t.TempDir()
	m, err := Open(dir)
	require.NoError(t, err)
	require.NoError(t, m.Commit(Batch{
		Added:     []sstable.Meta{meta(0, 1, "a", "z", 50)},
		NextSSTID: 2,
	}))
	require.NoError(t, m.Close())

	// A crash mid-commit: edit frames land without their commit frame.
	logPath := filepath.Join(dir, LogName)
	orphan := codec.AppendFrame(nil, codec.FrameEdit, encodeAdd(meta(0, 9, "q", "r", 10)))
	f, err := os.OpenFile(logPath, os.O_WRONLY|os.O_APPEND, 0o600)
	require.NoError(t, err)
	_, err = f.Write(orphan)
	require.NoError(t, err)
	require.NoError(t, f.Close())
	withTail, err := os.Stat(logPath)
	require.NoError(t, err)

	m, err = Open(dir)
	require.NoError(t, err)
	defer m.Close()

	levels := m.Levels()
	require.Len(t, levels[0], 1)
	require.Equal(t, uint64(1), levels[0][0].ID)

	// The dangling edit was truncated away.
	st, err := os.Stat(logPath)
	require.NoError(t, err)
	require.Less(t, st.Size(), withTail.Size())
}

func TestTruncatedTailDiscarded(t *testing.T) {
	dir := t.TempDir()
	m, err := Open(dir)
	require.NoError(t, err)
	require.NoError(t, m.Commit(Batch{
		Added:     []sstable.Meta{meta(0, 1, "a", "z", 50)},
		NextSSTID: 2,
	}))
	require.NoError(t, m.Close())

	// A torn write: half a frame at the end of the log.
	logPath := filepath.Join(dir, LogName)
	f, err := os.OpenFile(logPath, os.O_WRONLY|os.O_APPEND, 0o600)
	require.NoError(t, err)
	_, err = f.Write([]byte{0, 0, 0})
	require.NoError(t, err)
	require.NoError(t, f.Close())

	m, err = Open(dir)
	require.NoError(t, err)
	defer m.Close()
	require.Len(t, m.Levels()[0], 1)
}

func TestSnapshotPlusLogRecovery(t *testing.T) {
	dir := t.TempDir()
	m, err := Open(dir)
	require.NoError(t, err)
	require.NoError(t, m.Commit(Batch{
		Added:     []sstable.Meta{meta(0, 1, "a", "m", 10), meta(1, 2, "a", "z", 20)},
		NextSSTID: 3,
		Cursors:   map[int][]byte{1: []byte("a")},
	}))
	require.NoError(t, m.WriteSnapshot())

	// Post-snapshot commits land in the fresh log.
	require.NoError(t, m.Commit(Batch{
		Added:     []sstable.Meta{meta(0, 3, "n", "z", 30)},
		NextSSTID: 4,
	}))
	require.NoError(t, m.Close())

	m, err = Open(dir)
	require.NoError(t, err)
	defer m.Close()

	require.Equal(t, uint64(4), m.NextID())
	levels := m.Levels()
	require.Len(t, levels[0], 2)
	require.Len(t, levels[1], 1)
	require.Equal(t, []byte("a"), m.cursors[1])
}

func TestOverlapping(t *testing.T) {
	dir := t.TempDir()
	m, err := Open(dir)
	require.NoError(t, err)
	defer m.Close()

	require.NoError(t, m.Commit(Batch{
		Added: []sstable.Meta{
			meta(1, 1, "a", "f", 10),
			meta(1, 2, "g", "l", 10),
			meta(1, 3, "m", "r", 10),
		},
		NextSSTID: 4,
	}))

	got := m.Overlapping(1, []byte("e"), []byte("h"))
	require.Len(t, got, 2)
	require.Equal(t, uint64(1), got[0].ID)
	require.Equal(t, uint64(2), got[1].ID)

	require.Empty(t, m.Overlapping(1, []byte("s"), []byte("z")))
	require.Empty(t, m.Overlapping(5, []byte("a"), []byte("z")))
}

func TestPickCompactionLevel0(t *testing.T) {
	dir := t.TempDir()
	m, err := Open(dir)
	require.NoError(t, err)
	defer m.Close()

	require.NoError(t, m.Commit(Batch{
		Added: []sstable.Meta{
			meta(0, 1, "a", "h", 10),
			meta(0, 2, "d", "m", 10),
			meta(0, 3, "k", "t", 10),
			meta(1, 4, "a", "c", 10), // overlaps the union
			meta(1, 5, "x", "z", 10), // outside the union
		},
		NextSSTID: 6,
	}))

	require.Nil(t, m.PickCompaction(4, 10), "3 level-0 tables stay under the limit of 4")

	require.NoError(t, m.Commit(Batch{
		Added:     []sstable.Meta{meta(0, 6, "b", "c", 10)},
		NextSSTID: 7,
	}))

	job := m.PickCompaction(4, 10)
	require.NotNil(t, job)
	require.Equal(t, 0, job.SourceLevel)
	require.Equal(t, 1, job.TargetLevel)
	require.Len(t, job.Upper, 4)
	// Newest first.
	require.Equal(t, uint64(6), job.Upper[0].ID)
	require.Equal(t, uint64(1), job.Upper[3].ID)
	// Union range is [a, t]; only the first level-1 table overlaps.
	require.Len(t, job.Lower, 1)
	require.Equal(t, uint64(4), job.Lower[0].ID)
	require.Nil(t, job.CursorKey)
}

func TestPickCompactionCursorRotation(t *testing.T) {
	dir := t.TempDir()
	m, err := Open(dir)
	require.NoError(t, err)
	defer m.Close()

	// Three disjoint level-1 tables totalling over the 10 MiB capacity.
	big := uint64(4 << 20)
	require.NoError(t, m.Commit(Batch{
		Added: []sstable.Meta{
			meta(1, 1, "a", "f", big),
			meta(1, 2, "g", "l", big),
			meta(1, 3, "m", "r", big),
		},
		NextSSTID: 4,
	}))

	var picked []uint64
	for i := 0; i < 4; i++ {
		job := m.PickCompaction(4, 10)
		require.NotNil(t, job)
		require.Equal(t, 1, job.SourceLevel)
		require.Equal(t, 2, job.TargetLevel)
		require.Len(t, job.Upper, 1)
		picked = append(picked, job.Upper[0].ID)
		require.NoError(t, m.Commit(Batch{
			Cursors: map[int][]byte{1: job.CursorKey},
		}))
	}

	// The cursor sweeps the key space and wraps around.
	require.Equal(t, []uint64{1, 2, 3, 1}, picked)
}

func TestRemoveOrphans(t *testing.T) {
	dir := t.TempDir()
	m, err := Open(dir)
	require.NoError(t, err)
	defer m.Close()

	require.NoError(t, m.Commit(Batch{
		Added:     []sstable.Meta{meta(0, 1, "a", "z", 10)},
		NextSSTID: 2,
	}))

	live := sstable.Path(dir, 0, 1)
	orphan := sstable.Path(dir, 0, 7)
	orphanBloom := sstable.BloomPath(dir, 0, 7)
	for _, path := range []string{live, orphan, orphanBloom} {
		require.NoError(t, os.WriteFile(path, []byte("x"), 0o600))
	}

	require.NoError(t, m.RemoveOrphans())

	_, err = os.Stat(live)
	require.NoError(t, err)
	_, err = os.Stat(orphan)
	require.True(t, os.IsNotExist(err))
	_, err = os.Stat(orphanBloom)
	require.True(t, os.IsNotExist(err))
}

func TestMaxPopulatedLevel(t *testing.T) {
	dir := t.TempDir()
	m, err := Open(dir)
	require.NoError(t, err)
	defer m.Close()

	require.Equal(t, -1, m.MaxPopulatedLevel())

	require.NoError(t, m.Commit(Batch{
		Added:     []sstable.Meta{meta(0, 1, "a", "z", 10), meta(2, 2, "a", "z", 10)},
		NextSSTID: 3,
	}))
	require.Equal(t, 2, m.MaxPopulatedLevel())

	require.NoError(t, m.Commit(Batch{Removed: []sstable.Meta{meta(2, 2, "", "", 0)}}))
	require.Equal(t, 0, m.MaxPopulatedLevel())
}
