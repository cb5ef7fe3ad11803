package sstable

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"

	"lsmkv/pkg/bloom"
	"lsmkv/pkg/codec"
	"lsmkv/pkg/iterator"
	"lsmkv/pkg/kverrors"
)

// Reader answers point lookups and forward scans over one table file. The
// sparse index and the Bloom filter live in memory; the record section is
// read lazily with positioned reads, so a Reader is safe for concurrent use.
type Reader struct {
	path   string
	file   *os.File
	index  []codec.IndexEntry
	filter *bloom.Filter

	dataSize uint64 // record-section length = index start offset
	fileSize uint64
	stride   int
}

// Open maps the table at (level, id) in dir: footer, index and Bloom sidecar
// are loaded; a missing sidecar is rebuilt by scanning the record section.
func Open(dir string, level int, id uint64, stride int) (*Reader, error) {
	if stride <= 0 {
		stride = DefaultStride
	}
	path := Path(dir, level, id)
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: open sstable %s: %v", kverrors.ErrIO, path, err)
	}
	r := &Reader{path: path, file: file, stride: stride}
	if err := r.load(dir, level, id); err != nil {
		file.Close()
		return nil, err
	}
	return r, nil
}

func (r *Reader) load(dir string, level int, id uint64) error {
	st, err := r.file.Stat()
	if err != nil {
		return fmt.Errorf("%w: stat sstable: %v", kverrors.ErrIO, err)
	}
	r.fileSize = uint64(st.Size())
	if r.fileSize < 8 {
		return fmt.Errorf("%w: %s: no footer", kverrors.ErrCorruptSST, r.path)
	}

	var footer [8]byte
	if _, err := r.file.ReadAt(footer[:], st.Size()-8); err != nil {
		return fmt.Errorf("%w: read sstable footer: %v", kverrors.ErrIO, err)
	}
	indexSize := binary.BigEndian.Uint64(footer[:])
	if indexSize == 0 || indexSize > r.fileSize-8 {
		return fmt.Errorf("%w: %s: index size %d of %d bytes",
			kverrors.ErrCorruptSST, r.path, indexSize, r.fileSize)
	}
	r.dataSize = r.fileSize - 8 - indexSize

	indexBuf := make([]byte, indexSize)
	if _, err := r.file.ReadAt(indexBuf, int64(r.dataSize)); err != nil {
		return fmt.Errorf("%w: read sstable index: %v", kverrors.ErrIO, err)
	}
	var prev codec.IndexEntry
	for len(indexBuf) > 0 {
		entry, n, err := codec.DecodeIndexEntry(indexBuf)
		if err != nil {
			return fmt.Errorf("%w: %s: %v", kverrors.ErrCorruptSST, r.path, err)
		}
		if len(r.index) > 0 {
			if bytes.Compare(entry.Key, prev.Key) <= 0 || entry.Offset <= prev.Offset {
				return fmt.Errorf("%w: %s: index entries out of order", kverrors.ErrCorruptSST, r.path)
			}
		}
		if entry.Offset >= r.dataSize {
			return fmt.Errorf("%w: %s: index offset %d beyond records",
				kverrors.ErrCorruptSST, r.path, entry.Offset)
		}
		r.index = append(r.index, entry)
		prev = entry
		indexBuf = indexBuf[n:]
	}
	if len(r.index) == 0 {
		return fmt.Errorf("%w: %s: empty index", kverrors.ErrCorruptSST, r.path)
	}

	sidecar, err := os.ReadFile(BloomPath(dir, level, id))
	switch {
	case err == nil:
		filter, err := bloom.Unmarshal(sidecar)
		if err != nil {
			return fmt.Errorf("%w: %s bloom sidecar: %v", kverrors.ErrCorruptSST, r.path, err)
		}
		r.filter = filter
	case os.IsNotExist(err):
		// Sidecar lost; rebuild from the record section.
		if err := r.rebuildFilter(); err != nil {
			return err
		}
	default:
		return fmt.Errorf("%w: read bloom sidecar: %v", kverrors.ErrIO, err)
	}
	return nil
}

func (r *Reader) rebuildFilter() error {
	var keys [][]byte
	it := r.Iter()
	for it.Next() {
		keys = append(keys, append([]byte(nil), it.Key()...))
	}
	if err := it.Err(); err != nil {
		return err
	}
	filter := bloom.New(len(keys), 0.01)
	for _, k := range keys {
		filter.Insert(k)
	}
	r.filter = filter
	return nil
}

// MayContain is the Bloom gate: false means the key is definitely absent and
// no record I/O happens.
func (r *Reader) MayContain(key []byte) bool {
	return r.filter.MayContain(key)
}

// Get looks key up. It returns the stored record (which may be a tombstone)
// and whether the key was present.
func (r *Reader) Get(key []byte) (codec.Record, bool, error) {
	if !r.filter.MayContain(key) {
		return codec.Record{}, false, nil
	}

	// Largest index key <= key; the record, if present, sits within the
	// following stride records.
	pos := sort.Search(len(r.index), func(i int) bool {
		return bytes.Compare(r.index[i].Key, key) > 0
	}) - 1
	if pos < 0 {
		return codec.Record{}, false, nil
	}
	start := r.index[pos].Offset
	end := r.dataSize
	if pos+1 < len(r.index) {
		end = r.index[pos+1].Offset
	}

	section := make([]byte, end-start)
	if _, err := r.file.ReadAt(section, int64(start)); err != nil {
		return codec.Record{}, false, fmt.Errorf("%w: read sstable section: %v", kverrors.ErrIO, err)
	}
	for len(section) > 0 {
		rec, n, err := codec.DecodeRecord(section)
		if err != nil {
			return codec.Record{}, false, fmt.Errorf("%w: %s: %v", kverrors.ErrCorruptSST, r.path, err)
		}
		switch bytes.Compare(rec.Key, key) {
		case 0:
			return rec, true, nil
		case 1:
			return codec.Record{}, false, nil
		}
		section = section[n:]
	}
	return codec.Record{}, false, nil
}

// MinKey is the smallest key in the table; the writer always indexes it.
func (r *Reader) MinKey() []byte {
	return r.index[0].Key
}

// MaxKey is the largest key in the table; the writer always indexes it.
func (r *Reader) MaxKey() []byte {
	return r.index[len(r.index)-1].Key
}

// FileSize is the total byte size of the table file.
func (r *Reader) FileSize() uint64 {
	return r.fileSize
}

// Iter walks all records from the beginning.
func (r *Reader) Iter() iterator.Iterator {
	return r.iterAt(0, nil)
}

// IterFrom walks records with key >= from.
func (r *Reader) IterFrom(from []byte) iterator.Iterator {
	pos := sort.Search(len(r.index), func(i int) bool {
		return bytes.Compare(r.index[i].Key, from) > 0
	}) - 1
	if pos < 0 {
		pos = 0
	}
	return r.iterAt(r.index[pos].Offset, from)
}

func (r *Reader) iterAt(offset uint64, skipBelow []byte) iterator.Iterator {
	section := io.NewSectionReader(r.file, int64(offset), int64(r.dataSize-offset))
	return &readerIter{
		path:      r.path,
		br:        bufio.NewReader(section),
		skipBelow: skipBelow,
	}
}

// Close releases the underlying file. The caller must ensure no iterators or
// lookups are in flight.
func (r *Reader) Close() error {
	if r.file == nil {
		return nil
	}
	err := r.file.Close()
	r.file = nil
	if err != nil {
		return fmt.Errorf("%w: close sstable: %v", kverrors.ErrIO, err)
	}
	return nil
}

type readerIter struct {
	path      string
	br        *bufio.Reader
	skipBelow []byte
	rec       codec.Record
	err       error
}

func (it *readerIter) Next() bool {
	if it.err != nil {
		return false
	}
	for {
		rec, err := codec.ReadRecord(it.br)
		if err == io.EOF {
			return false
		}
		if err != nil {
			if errors.Is(err, kverrors.ErrTruncated) || errors.Is(err, kverrors.ErrMalformed) {
				err = fmt.Errorf("%w: %s: %v", kverrors.ErrCorruptSST, it.path, err)
			}
			it.err = err
			return false
		}
		if it.skipBelow != nil && bytes.Compare(rec.Key, it.skipBelow) < 0 {
			continue
		}
		it.skipBelow = nil
		it.rec = rec
		return true
	}
}

func (it *readerIter) Key() []byte     { return it.rec.Key }
func (it *readerIter) Value() []byte   { return it.rec.Value }
func (it *readerIter) Tombstone() bool { return it.rec.Tombstone }
func (it *readerIter) Err() error      { return it.err }
func (it *readerIter) Close() error    { return nil }
