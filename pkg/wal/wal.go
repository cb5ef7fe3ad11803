// Package wal implements the write-ahead log: an append-only stream of
// memtable mutations whose replay reconstructs the memtable exactly.
package wal

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"

	"lsmkv/pkg/codec"
	"lsmkv/pkg/kverrors"
)

const (
	// CurrentName is the active log file inside the store directory.
	CurrentName = "wal.log"

	frozenPattern = "wal-%d.log"
)

// FrozenPath names the rotated log that belonged to frozen memtable fid.
func FrozenPath(dir string, fid uint64) string {
	return filepath.Join(dir, fmt.Sprintf(frozenPattern, fid))
}

// WAL appends records to the current log file. Every append is flushed and
// fsynced before it returns: an acknowledged write is durable.
type WAL struct {
	dir    string
	path   string
	file   *os.File
	writer *bufio.Writer
	size   int64
	buf    []byte
}

// Open opens (or creates) the current log in dir.
func Open(dir string) (*WAL, error) {
	path := filepath.Join(dir, CurrentName)
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("%w: open wal: %v", kverrors.ErrIO, err)
	}
	st, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("%w: stat wal: %v", kverrors.ErrIO, err)
	}
	return &WAL{
		dir:    dir,
		path:   path,
		file:   file,
		writer: bufio.NewWriter(file),
		size:   st.Size(),
	}, nil
}

// Append encodes one mutation and persists it. Failure is fatal to the
// enclosing operation.
func (w *WAL) Append(rec codec.Record) error {
	w.buf = codec.AppendRecord(w.buf[:0], rec)
	if _, err := w.writer.Write(w.buf); err != nil {
		return fmt.Errorf("%w: write wal record: %v", kverrors.ErrIO, err)
	}
	if err := w.writer.Flush(); err != nil {
		return fmt.Errorf("%w: flush wal: %v", kverrors.ErrIO, err)
	}
	if err := w.file.Sync(); err != nil {
		return fmt.Errorf("%w: sync wal: %v", kverrors.ErrIO, err)
	}
	w.size += int64(len(w.buf))
	return nil
}

// Size reports the current on-disk length.
func (w *WAL) Size() int64 {
	return w.size
}

// Rotate freezes the current log: it is fsynced, renamed to the frozen name
// for fid, and replaced by a fresh empty log. The frozen file must be kept
// until the flush of its memtable commits.
func (w *WAL) Rotate(fid uint64) (string, error) {
	if err := w.writer.Flush(); err != nil {
		return "", fmt.Errorf("%w: flush wal before rotate: %v", kverrors.ErrIO, err)
	}
	if err := w.file.Sync(); err != nil {
		return "", fmt.Errorf("%w: sync wal before rotate: %v", kverrors.ErrIO, err)
	}
	if err := w.file.Close(); err != nil {
		return "", fmt.Errorf("%w: close wal before rotate: %v", kverrors.ErrIO, err)
	}

	frozen := FrozenPath(w.dir, fid)
	if err := os.Rename(w.path, frozen); err != nil {
		return "", fmt.Errorf("%w: rotate wal: %v", kverrors.ErrIO, err)
	}

	file, err := os.OpenFile(w.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return "", fmt.Errorf("%w: open fresh wal: %v", kverrors.ErrIO, err)
	}
	w.file = file
	w.writer = bufio.NewWriter(file)
	w.size = 0
	return frozen, nil
}

func (w *WAL) Close() error {
	if w.file == nil {
		return nil
	}
	if err := w.writer.Flush(); err != nil {
		return fmt.Errorf("%w: flush wal on close: %v", kverrors.ErrIO, err)
	}
	if err := w.file.Close(); err != nil {
		return fmt.Errorf("%w: close wal: %v", kverrors.ErrIO, err)
	}
	w.file = nil
	return nil
}

// Path returns the location of the current log file.
func (w *WAL) Path() string {
	return w.path
}

// Replay feeds every record of the log at path to fn, in append order. A
// truncated final record means the last write was never acknowledged; it is
// dropped silently. Malformed content fails with ErrCorruptLog. A missing
// file replays nothing.
func Replay(path string, fn func(codec.Record) error) error {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("%w: open wal for replay: %v", kverrors.ErrIO, err)
	}
	defer func() {
		if cerr := file.Close(); cerr != nil {
			slog.Warn("failed to close wal after replay", "path", path, "error", cerr)
		}
	}()

	br := bufio.NewReader(file)
	for {
		rec, err := codec.ReadRecord(br)
		switch {
		case err == io.EOF:
			return nil
		case errors.Is(err, kverrors.ErrTruncated):
			slog.Warn("dropping truncated wal tail", "path", path)
			return nil
		case errors.Is(err, kverrors.ErrMalformed):
			return fmt.Errorf("%w: %s: %v", kverrors.ErrCorruptLog, path, err)
		case err != nil:
			return err
		}
		if err := fn(rec); err != nil {
			return fmt.Errorf("wal replay callback: %w", err)
		}
	}
}

// Frozen identifies one rotated log left behind by a memtable freeze.
type Frozen struct {
	FID  uint64
	Path string
}

// FrozenFiles lists the frozen logs in dir in rotation (fid) order.
func FrozenFiles(dir string) ([]Frozen, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("%w: read wal dir: %v", kverrors.ErrIO, err)
	}
	var found []Frozen
	for _, ent := range entries {
		if ent.IsDir() {
			continue
		}
		var fid uint64
		if _, err := fmt.Sscanf(ent.Name(), frozenPattern, &fid); err == nil {
			found = append(found, Frozen{FID: fid, Path: filepath.Join(dir, ent.Name())})
		}
	}
	sort.Slice(found, func(i, j int) bool { return found[i].FID < found[j].FID })
	return found, nil
}
