package store

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"lsmkv/pkg/codec"
	"lsmkv/pkg/sstable"
	"lsmkv/pkg/wal"
)

// writeOrphanSST builds a complete, fsynced table file that no manifest
// batch references, as a crash between SST build and commit leaves behind.
func writeOrphanSST(t *testing.T, dir string, level int, id uint64) {
	t.Helper()
	w, err := sstable.NewWriter(dir, level, id, sstable.DefaultStride, 0.01)
	require.NoError(t, err)
	require.NoError(t, w.Add(codec.Record{Key: []byte("ghost"), Value: []byte("data")}))
	_, err = w.Finish()
	require.NoError(t, err)
}

func requireNoTableFile(t *testing.T, dir string, level int, id uint64) {
	t.Helper()
	_, err := os.Stat(sstable.Path(dir, level, id))
	require.True(t, os.IsNotExist(err), "orphan table file must be reclaimed")
	_, err = os.Stat(sstable.BloomPath(dir, level, id))
	require.True(t, os.IsNotExist(err), "orphan bloom sidecar must be reclaimed")
}

func requireNoWAL(t *testing.T, dir string) {
	t.Helper()
	_, err := os.Stat(filepath.Join(dir, wal.CurrentName))
	require.True(t, os.IsNotExist(err), "clean close must remove the WAL")
	frozen, err := wal.FrozenFiles(dir)
	require.NoError(t, err)
	require.Empty(t, frozen, "clean close must leave no frozen logs")
}
