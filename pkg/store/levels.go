package store

import (
	"bytes"

	"lsmkv/pkg/iterator"
)

// levelIter walks a sequence of pinned tables as one sorted input. For a
// level >= 1 the tables are disjoint and ordered by key, so only one is open
// at a time; each file is opened when the merge advances into its range and
// closed when it is exhausted. A single level-0 table is the degenerate
// one-element case.
type levelIter struct {
	handles []*tableHandle
	from    []byte

	idx int // next handle to open
	cur iterator.Iterator
	err error

	key       []byte
	value     []byte
	tombstone bool
	closed    bool
}

func newLevelIter(handles []*tableHandle, from []byte) *levelIter {
	return &levelIter{handles: handles, from: from}
}

func (l *levelIter) Next() bool {
	if l.err != nil || l.closed {
		return false
	}
	for {
		if l.cur == nil {
			if l.idx >= len(l.handles) {
				return false
			}
			h := l.handles[l.idx]
			l.idx++
			if l.from != nil && bytes.Compare(h.meta.MaxKey, l.from) < 0 {
				// Entirely below the start bound; never open it.
				h.release()
				continue
			}
			r, err := h.open()
			if err != nil {
				h.release()
				l.err = err
				return false
			}
			if l.from != nil {
				l.cur = r.IterFrom(l.from)
			} else {
				l.cur = r.Iter()
			}
		}
		if l.cur.Next() {
			l.key = l.cur.Key()
			l.value = l.cur.Value()
			l.tombstone = l.cur.Tombstone()
			return true
		}
		if err := l.cur.Err(); err != nil {
			l.err = err
			return false
		}
		l.cur.Close()
		l.cur = nil
		l.handles[l.idx-1].release()
	}
}

func (l *levelIter) Key() []byte     { return l.key }
func (l *levelIter) Value() []byte   { return l.value }
func (l *levelIter) Tombstone() bool { return l.tombstone }
func (l *levelIter) Err() error      { return l.err }

func (l *levelIter) Close() error {
	if l.closed {
		return nil
	}
	l.closed = true
	if l.cur != nil {
		l.cur.Close()
		l.cur = nil
		l.handles[l.idx-1].release()
	}
	for ; l.idx < len(l.handles); l.idx++ {
		l.handles[l.idx].release()
	}
	return nil
}
