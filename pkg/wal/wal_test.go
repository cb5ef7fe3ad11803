package wal

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"lsmkv/pkg/codec"
	"lsmkv/pkg/kverrors"
)

func TestAppendReplay(t *testing.T) {
	dir := t.TempDir()
	w, err := Open(dir)
	require.NoError(t, err)

	want := []codec.Record{
		{Key: []byte("a"), Value: []byte("1")},
		{Key: []byte("b"), Value: []byte("2")},
		{Key: []byte("a"), Tombstone: true},
	}
	for _, rec := range want {
		require.NoError(t, w.Append(rec))
	}
	require.NoError(t, w.Close())

	var got []codec.Record
	require.NoError(t, Replay(filepath.Join(dir, CurrentName), func(rec codec.Record) error {
		got = append(got, rec)
		return nil
	}))
	require.Equal(t, len(want), len(got))
	for i := range want {
		require.Equal(t, want[i].Key, got[i].Key)
		require.Equal(t, want[i].Tombstone, got[i].Tombstone)
	}
}

func TestSizeMatchesDisk(t *testing.T) {
	dir := t.TempDir()
	w, err := Open(dir)
	require.NoError(t, err)
	defer w.Close()

	require.Zero(t, w.Size())
	for i := 0; i < 10; i++ {
		require.NoError(t, w.Append(codec.Record{
			Key:   []byte(fmt.Sprintf("key%d", i)),
			Value: []byte("value"),
		}))
	}
	st, err := os.Stat(filepath.Join(dir, CurrentName))
	require.NoError(t, err)
	require.Equal(t, st.Size(), w.Size())
}

func TestReplayStopsAtTruncatedTail(t *testing.T) {
	dir := t.TempDir()
	w, err := Open(dir)
	require.NoError(t, err)
	require.NoError(t, w.Append(codec.Record{Key: []byte("good"), Value: []byte("1")}))
	require.NoError(t, w.Append(codec.Record{Key: []byte("partial"), Value: []byte("2")}))
	require.NoError(t, w.Close())

	// Cut the last record in half: a crash mid-append.
	path := filepath.Join(dir, CurrentName)
	st, err := os.Stat(path)
	require.NoError(t, err)
	require.NoError(t, os.Truncate(path, st.Size()-5))

	var got []codec.Record
	require.NoError(t, Replay(path, func(rec codec.Record) error {
		got = append(got, rec)
		return nil
	}))
	require.Len(t, got, 1)
	require.Equal(t, []byte("good"), got[0].Key)
}

func TestReplayRejectsMalformed(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, CurrentName)

	rec := codec.Record{Key: []byte("key"), Value: []byte("value")}
	buf := codec.AppendRecord(nil, rec)
	buf[8+len(rec.Key)] = 0x7 // impossible record kind
	buf = codec.AppendRecord(buf, rec)
	require.NoError(t, os.WriteFile(path, buf, 0o600))

	err := Replay(path, func(codec.Record) error { return nil })
	require.ErrorIs(t, err, kverrors.ErrCorruptLog)
}

func TestReplayMissingFile(t *testing.T) {
	require.NoError(t, Replay(filepath.Join(t.TempDir(), CurrentName), func(codec.Record) error {
		t.Fatal("callback must not run")
		return nil
	}))
}

func TestRotate(t *testing.T) {
	dir := t.TempDir()
	w, err := Open(dir)
	require.NoError(t, err)
	defer w.Close()

	require.NoError(t, w.Append(codec.Record{Key: []byte("frozen"), Value: []byte("1")}))

	frozenPath, err := w.Rotate(7)
	require.NoError(t, err)
	require.Equal(t, FrozenPath(dir, 7), frozenPath)
	require.Zero(t, w.Size())

	// The old content lives in the frozen file; the current log is fresh.
	var got []codec.Record
	require.NoError(t, Replay(frozenPath, func(rec codec.Record) error {
		got = append(got, rec)
		return nil
	}))
	require.Len(t, got, 1)

	require.NoError(t, w.Append(codec.Record{Key: []byte("new"), Value: []byte("2")}))
	got = nil
	require.NoError(t, Replay(filepath.Join(dir, CurrentName), func(rec codec.Record) error {
		got = append(got, rec)
		return nil
	}))
	require.Len(t, got, 1)
	require.Equal(t, []byte("new"), got[0].Key)

	frozen, err := FrozenFiles(dir)
	require.NoError(t, err)
	require.Len(t, frozen, 1)
	require.Equal(t, uint64(7), frozen[0].FID)
}
