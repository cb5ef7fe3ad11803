// Package memtable holds the current in-memory ordered mutation buffer of
// the store: an ordered map from key to value-or-tombstone with a running
// estimate of its encoded byte size.
package memtable

import (
	"bytes"
	"sync/atomic"

	"github.com/zhangyunhao116/skipmap"

	"lsmkv/pkg/codec"
	"lsmkv/pkg/iterator"
)

// Entry is the value slot of a memtable key: either a value or a tombstone.
type Entry struct {
	Value     []byte
	Tombstone bool
}

type ordered = skipmap.FuncMap[[]byte, Entry]

// Memtable is an ordered key → Entry map. Mutation is single-writer; the
// skiplist container allows readers to run concurrently with that writer,
// and a frozen memtable is immutable by convention.
type Memtable struct {
	m    *ordered
	size atomic.Uint64
}

func New() *Memtable {
	return &Memtable{
		m: skipmap.NewFunc[[]byte, Entry](func(a, b []byte) bool {
			return bytes.Compare(a, b) < 0
		}),
	}
}

func entryCost(key []byte, e Entry) uint64 {
	rec := codec.Record{Key: key, Value: e.Value, Tombstone: e.Tombstone}
	return uint64(rec.EncodedLen())
}

// Insert stores value under key, overwriting any prior entry, and returns
// the replaced entry if there was one.
func (mt *Memtable) Insert(key, value []byte) (Entry, bool) {
	return mt.put(key, Entry{Value: value})
}

// Delete stores a tombstone under key and returns the replaced entry.
func (mt *Memtable) Delete(key []byte) (Entry, bool) {
	return mt.put(key, Entry{Tombstone: true})
}

func (mt *Memtable) put(key []byte, e Entry) (Entry, bool) {
	old, had := mt.m.Load(key)
	mt.m.Store(key, e)
	mt.size.Add(entryCost(key, e))
	if had {
		mt.size.Add(^(entryCost(key, old) - 1)) // subtract
	}
	return old, had
}

// Get reports the entry stored under key. A tombstone is a hit with
// Entry.Tombstone set; a missing key is (zero, false).
func (mt *Memtable) Get(key []byte) (Entry, bool) {
	return mt.m.Load(key)
}

// ApproxSize estimates the encoded byte size of the current content. It is
// maintained incrementally and matches the WAL bytes written for the same
// mutations modulo overwritten entries.
func (mt *Memtable) ApproxSize() uint64 {
	return mt.size.Load()
}

func (mt *Memtable) Len() int {
	return mt.m.Len()
}

// Sorted snapshots the content as records in ascending key order.
func (mt *Memtable) Sorted() []codec.Record {
	recs := make([]codec.Record, 0, mt.m.Len())
	mt.m.Range(func(key []byte, e Entry) bool {
		recs = append(recs, codec.Record{Key: key, Value: e.Value, Tombstone: e.Tombstone})
		return true
	})
	return recs
}

// Iter returns a forward iterator over a snapshot of the content.
func (mt *Memtable) Iter() iterator.Iterator {
	return &sliceIter{recs: mt.Sorted()}
}

type sliceIter struct {
	recs []codec.Record
	pos  int // 1-based after Next
}

func (it *sliceIter) Next() bool {
	if it.pos >= len(it.recs) {
		return false
	}
	it.pos++
	return true
}

func (it *sliceIter) Key() []byte     { return it.recs[it.pos-1].Key }
func (it *sliceIter) Value() []byte   { return it.recs[it.pos-1].Value }
func (it *sliceIter) Tombstone() bool { return it.recs[it.pos-1].Tombstone }
func (it *sliceIter) Err() error      { return nil }
func (it *sliceIter) Close() error    { return nil }
