package sstable

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"os"

	"lsmkv/pkg/bloom"
	"lsmkv/pkg/codec"
	"lsmkv/pkg/kverrors"
)

// Writer serializes a strictly ascending record stream into one table file.
// The file becomes durable at Finish but stays invisible to the store until
// a manifest batch referencing it commits.
type Writer struct {
	path      string
	bloomPath string
	file      *os.File
	w         *bufio.Writer

	level  int
	id     uint64
	stride int
	fpRate float64

	offset     uint64
	lastOffset uint64
	count      int
	index      []codec.IndexEntry
	keys       [][]byte // for the bloom filter, built at Finish
	minKey     []byte
	lastKey    []byte
	buf        []byte
}

// NewWriter starts a table file for (level, id) in dir.
func NewWriter(dir string, level int, id uint64, stride int, fpRate float64) (*Writer, error) {
	if stride <= 0 {
		stride = DefaultStride
	}
	path := Path(dir, level, id)
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return nil, fmt.Errorf("%w: create sstable %s: %v", kverrors.ErrIO, path, err)
	}
	return &Writer{
		path:      path,
		bloomPath: BloomPath(dir, level, id),
		file:      file,
		w:         bufio.NewWriter(file),
		level:     level,
		id:        id,
		stride:    stride,
		fpRate:    fpRate,
	}, nil
}

// Add appends one record. Keys must arrive strictly ascending and unique.
func (w *Writer) Add(rec codec.Record) error {
	if len(rec.Key) == 0 {
		return fmt.Errorf("%w: empty key", kverrors.ErrInvalidArgument)
	}
	if w.lastKey != nil && bytes.Compare(rec.Key, w.lastKey) <= 0 {
		return fmt.Errorf("%w: keys out of order: %q after %q",
			kverrors.ErrInvalidArgument, rec.Key, w.lastKey)
	}

	key := append([]byte(nil), rec.Key...)
	if w.count%w.stride == 0 {
		w.index = append(w.index, codec.IndexEntry{Key: key, Offset: w.offset})
	}

	w.buf = codec.AppendRecord(w.buf[:0], rec)
	if _, err := w.w.Write(w.buf); err != nil {
		return fmt.Errorf("%w: write sstable record: %v", kverrors.ErrIO, err)
	}

	if w.minKey == nil {
		w.minKey = key
	}
	w.lastKey = key
	w.keys = append(w.keys, key)
	w.lastOffset = w.offset
	w.offset += uint64(len(w.buf))
	w.count++
	return nil
}

// EstimatedSize is the byte length of the record section written so far.
func (w *Writer) EstimatedSize() uint64 {
	return w.offset
}

func (w *Writer) Count() int {
	return w.count
}

// Finish writes the sparse index, the index-size footer and the Bloom
// sidecar, fsyncs both files, and returns the table handle.
func (w *Writer) Finish() (Meta, error) {
	if w.count == 0 {
		w.abort()
		return Meta{}, fmt.Errorf("%w: empty sstable", kverrors.ErrInvalidArgument)
	}

	// The last key is always indexed, so the index spans the whole table.
	if !bytes.Equal(w.index[len(w.index)-1].Key, w.lastKey) {
		w.index = append(w.index, codec.IndexEntry{Key: w.lastKey, Offset: w.lastOffset})
	}

	encoded := make([]byte, 0, 64*len(w.index))
	for _, e := range w.index {
		encoded = codec.AppendIndexEntry(encoded, e)
	}
	indexSize := uint64(len(encoded))
	encoded = binary.BigEndian.AppendUint64(encoded, indexSize)

	if _, err := w.w.Write(encoded); err != nil {
		w.abort()
		return Meta{}, fmt.Errorf("%w: write sstable index: %v", kverrors.ErrIO, err)
	}
	if err := w.w.Flush(); err != nil {
		w.abort()
		return Meta{}, fmt.Errorf("%w: flush sstable: %v", kverrors.ErrIO, err)
	}
	if err := w.file.Sync(); err != nil {
		w.abort()
		return Meta{}, fmt.Errorf("%w: sync sstable: %v", kverrors.ErrIO, err)
	}
	if err := w.file.Close(); err != nil {
		return Meta{}, fmt.Errorf("%w: close sstable: %v", kverrors.ErrIO, err)
	}
	w.file = nil

	filter := bloom.New(len(w.keys), w.fpRate)
	for _, k := range w.keys {
		filter.Insert(k)
	}
	if err := writeFileSync(w.bloomPath, filter.Marshal()); err != nil {
		return Meta{}, err
	}

	return Meta{
		Level:    w.level,
		ID:       w.id,
		MinKey:   w.minKey,
		MaxKey:   w.lastKey,
		FileSize: w.offset + indexSize + 8,
	}, nil
}

// Abort discards a partially written table.
func (w *Writer) Abort() {
	w.abort()
}

func (w *Writer) abort() {
	if w.file != nil {
		w.file.Close()
		w.file = nil
	}
	os.Remove(w.path)
	os.Remove(w.bloomPath)
}

func writeFileSync(path string, data []byte) error {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("%w: create %s: %v", kverrors.ErrIO, path, err)
	}
	if _, err := file.Write(data); err != nil {
		file.Close()
		return fmt.Errorf("%w: write %s: %v", kverrors.ErrIO, path, err)
	}
	if err := file.Sync(); err != nil {
		file.Close()
		return fmt.Errorf("%w: sync %s: %v", kverrors.ErrIO, path, err)
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("%w: close %s: %v", kverrors.ErrIO, path, err)
	}
	return nil
}
