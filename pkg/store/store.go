// Package store binds the memtable, WAL, SSTables, manifest and compactor
// into the key-value engine.
//
// The engine is single-writer: one caller thread issues Insert/Delete/Get/
// Scan, one background goroutine services flushes and compactions. Every
// acknowledged write is durable in the WAL before its call returns.
package store

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"

	"lsmkv/pkg/codec"
	"lsmkv/pkg/iterator"
	"lsmkv/pkg/kverrors"
	"lsmkv/pkg/listener"
	"lsmkv/pkg/manifest"
	"lsmkv/pkg/memtable"
	"lsmkv/pkg/metrics"
	"lsmkv/pkg/sstable"
	"lsmkv/pkg/wal"
)

// frozenTable is a memtable sealed for flushing, together with the WAL
// file(s) whose replay reproduces it. The files are removed only after the
// flush commits.
type frozenTable struct {
	mt       *memtable.Memtable
	walPaths []string
}

// Store is the engine handle.
type Store struct {
	opts Options

	// mu orders the foreground thread against the background worker: reads
	// hold it only to snapshot handles and pin tables, the worker only to
	// commit a manifest batch and swap visibility.
	mu     sync.RWMutex
	mt     *memtable.Memtable
	frozen []*frozenTable

	journal *wal.WAL
	man     *manifest.Manifest
	tables  *tableCache
	mets    *metrics.Metrics

	jobs   chan job
	worker *listener.Listener[job]

	// pendingWALs are frozen logs recovered at startup; they are attached to
	// the next freeze so the flush commit can reclaim them.
	pendingWALs []string
	nextFID     uint64

	closed   atomic.Bool
	degraded atomic.Bool
}

// Open opens or creates the store in opts.Path. An empty directory is a
// fresh start; a non-empty WAL means crash recovery: the manifest is
// recovered first (unreferenced table files are reclaimed), then the WAL is
// replayed into a fresh memtable.
func Open(opts Options) (*Store, error) {
	if opts.Path == "" {
		return nil, fmt.Errorf("%w: empty store path", kverrors.ErrInvalidArgument)
	}
	opts = opts.withDefaults()

	if err := os.MkdirAll(opts.Path, 0o750); err != nil {
		return nil, fmt.Errorf("%w: create store dir: %v", kverrors.ErrIO, err)
	}

	man, err := manifest.Open(opts.Path)
	if err != nil {
		return nil, err
	}
	if err := man.RemoveOrphans(); err != nil {
		man.Close()
		return nil, err
	}

	s := &Store{
		opts:   opts,
		mt:     memtable.New(),
		man:    man,
		tables: newTableCache(opts.Path, opts.SparseIndexStride),
		mets:   metrics.New(),
		jobs:   make(chan job, 8),
	}

	if err := s.recoverWAL(); err != nil {
		man.Close()
		return nil, err
	}

	s.journal, err = wal.Open(opts.Path)
	if err != nil {
		man.Close()
		return nil, err
	}

	s.worker = listener.New(s.jobs, s.handleJob, func(err error) {
		s.degraded.Store(true)
		slog.Error("background worker failed, store degraded", "error", err)
	})
	s.worker.Start(context.Background())

	if s.mt.ApproxSize() >= opts.MemtableSizeLimit {
		if err := s.freeze(); err != nil {
			s.journal.Close()
			man.Close()
			return nil, err
		}
	}
	// Catch up on compaction debt left by a previous run.
	s.jobs <- job{}

	s.updateLevelGauges()
	slog.Info("store opened", "path", opts.Path, "levels", man.MaxPopulatedLevel()+1)
	return s, nil
}

// recoverWAL replays frozen logs in rotation order, then the current log,
// into the fresh active memtable.
func (s *Store) recoverWAL() error {
	frozen, err := wal.FrozenFiles(s.opts.Path)
	if err != nil {
		return err
	}
	apply := func(rec codec.Record) error {
		if rec.Tombstone {
			s.mt.Delete(rec.Key)
		} else {
			s.mt.Insert(rec.Key, rec.Value)
		}
		return nil
	}
	for _, f := range frozen {
		if err := wal.Replay(f.Path, apply); err != nil {
			return err
		}
		s.pendingWALs = append(s.pendingWALs, f.Path)
		if f.FID >= s.nextFID {
			s.nextFID = f.FID + 1
		}
	}
	if err := wal.Replay(s.currentWALPath(), apply); err != nil {
		return err
	}
	if s.mt.Len() > 0 {
		slog.Info("replayed write-ahead log", "entries", s.mt.Len())
	}
	return nil
}

func (s *Store) currentWALPath() string {
	return filepath.Join(s.opts.Path, wal.CurrentName)
}

func (s *Store) writable() error {
	if s.closed.Load() {
		return kverrors.ErrClosed
	}
	if s.degraded.Load() {
		return fmt.Errorf("%w: %w", kverrors.ErrIO, kverrors.ErrDegraded)
	}
	return nil
}

// Insert stores value under key and returns the previous value, if the
// current memtable holds one. The prior value is best-effort: older values
// resident only on disk are not consulted.
func (s *Store) Insert(key, value []byte) ([]byte, bool, error) {
	if len(key) == 0 {
		return nil, false, fmt.Errorf("%w: empty key", kverrors.ErrInvalidArgument)
	}
	if err := s.writable(); err != nil {
		return nil, false, err
	}

	key = append([]byte(nil), key...)
	value = append([]byte(nil), value...)
	if err := s.append(codec.Record{Key: key, Value: value}); err != nil {
		return nil, false, err
	}

	old, had := s.mt.Insert(key, value)
	s.mets.PutsTotal.Inc()
	s.mets.MemtableBytes.Set(float64(s.mt.ApproxSize()))

	if err := s.maybeFreeze(); err != nil {
		return nil, false, err
	}
	return s.previousValue(key, old, had)
}

// Delete stores a tombstone under key and returns the previous value, if
// the current memtable holds one. Deleting an absent key succeeds.
func (s *Store) Delete(key []byte) ([]byte, bool, error) {
	if len(key) == 0 {
		return nil, false, fmt.Errorf("%w: empty key", kverrors.ErrInvalidArgument)
	}
	if err := s.writable(); err != nil {
		return nil, false, err
	}

	key = append([]byte(nil), key...)
	if err := s.append(codec.Record{Key: key, Tombstone: true}); err != nil {
		return nil, false, err
	}

	old, had := s.mt.Delete(key)
	s.mets.DeletesTotal.Inc()
	s.mets.MemtableBytes.Set(float64(s.mt.ApproxSize()))

	if err := s.maybeFreeze(); err != nil {
		return nil, false, err
	}
	return s.previousValue(key, old, had)
}

// previousValue resolves the best-effort prior value for a write: the entry
// the active memtable replaced, falling back to the frozen memtables. Disk
// is never consulted on the write path.
func (s *Store) previousValue(key []byte, old memtable.Entry, had bool) ([]byte, bool, error) {
	if !had {
		s.mu.RLock()
		for i := len(s.frozen) - 1; i >= 0 && !had; i-- {
			old, had = s.frozen[i].mt.Get(key)
		}
		s.mu.RUnlock()
	}
	if !had || old.Tombstone {
		return nil, false, nil
	}
	return append([]byte(nil), old.Value...), true, nil
}

// append persists one mutation. The WAL write must complete before the
// memtable change becomes observable.
func (s *Store) append(rec codec.Record) error {
	if err := s.journal.Append(rec); err != nil {
		// The log tail may now be garbage; stop accepting writes.
		s.degraded.Store(true)
		return err
	}
	return nil
}

// maybeFreeze seals the memtable once the WAL passes the size limit and
// hands it to the background flusher.
func (s *Store) maybeFreeze() error {
	if uint64(s.journal.Size()) < s.opts.MemtableSizeLimit {
		return nil
	}
	return s.freeze()
}

func (s *Store) freeze() error {
	fid := s.nextFID
	s.nextFID++
	frozenPath, err := s.journal.Rotate(fid)
	if err != nil {
		s.degraded.Store(true)
		return err
	}

	ft := &frozenTable{
		mt:       s.mt,
		walPaths: append(s.pendingWALs, frozenPath),
	}
	s.pendingWALs = nil

	s.mu.Lock()
	s.frozen = append(s.frozen, ft)
	s.mt = memtable.New()
	s.mu.Unlock()

	s.mets.MemtableBytes.Set(0)
	s.jobs <- job{flush: ft}
	return nil
}

// Get returns the value stored under key, or (nil, false) when the key is
// absent or deleted. The lookup consults the active memtable, frozen
// memtables newest first, then level 0 newest first, then each deeper level.
func (s *Store) Get(key []byte) ([]byte, bool, error) {
	if len(key) == 0 {
		return nil, false, fmt.Errorf("%w: empty key", kverrors.ErrInvalidArgument)
	}
	if s.closed.Load() {
		return nil, false, kverrors.ErrClosed
	}
	s.mets.GetsTotal.Inc()

	s.mu.RLock()
	if e, ok := s.mt.Get(key); ok {
		s.mu.RUnlock()
		return entryValue(e)
	}
	for i := len(s.frozen) - 1; i >= 0; i-- {
		if e, ok := s.frozen[i].mt.Get(key); ok {
			s.mu.RUnlock()
			return entryValue(e)
		}
	}
	pinned := s.pinCandidates(key)
	s.mu.RUnlock()

	defer func() {
		for _, h := range pinned {
			h.release()
		}
	}()

	for _, h := range pinned {
		r, err := h.open()
		if err != nil {
			return nil, false, err
		}
		rec, ok, err := r.Get(key)
		if err != nil {
			return nil, false, err
		}
		if ok {
			if rec.Tombstone {
				return nil, false, nil
			}
			return rec.Value, true, nil
		}
	}
	return nil, false, nil
}

// pinCandidates pins, in freshness order, every table whose key range can
// hold key. Callers hold s.mu.
func (s *Store) pinCandidates(key []byte) []*tableHandle {
	var pinned []*tableHandle
	for level, metas := range s.man.Levels() {
		if level == 0 {
			// Stored newest first; ranges may overlap.
			for _, meta := range metas {
				if bytes.Compare(meta.MinKey, key) <= 0 && bytes.Compare(meta.MaxKey, key) >= 0 {
					pinned = append(pinned, s.tables.pin(meta))
				}
			}
			continue
		}
		// Disjoint and sorted by min key: at most one candidate.
		pos := sort.Search(len(metas), func(i int) bool {
			return bytes.Compare(metas[i].MinKey, key) > 0
		}) - 1
		if pos >= 0 && bytes.Compare(metas[pos].MaxKey, key) >= 0 {
			pinned = append(pinned, s.tables.pin(metas[pos]))
		}
	}
	return pinned
}

func entryValue(e memtable.Entry) ([]byte, bool, error) {
	if e.Tombstone {
		return nil, false, nil
	}
	return append([]byte(nil), e.Value...), true, nil
}

// Scan returns an iterator over the live values in [lo, hi), ascending,
// with the freshest value per key and tombstones suppressed. A nil hi means
// to the end of the keyspace. The iterator must be closed.
func (s *Store) Scan(lo, hi []byte) (iterator.Iterator, error) {
	if s.closed.Load() {
		return nil, kverrors.ErrClosed
	}
	if hi != nil && bytes.Compare(lo, hi) > 0 {
		return nil, fmt.Errorf("%w: scan range inverted", kverrors.ErrInvalidArgument)
	}
	s.mets.ScansTotal.Inc()

	var from []byte
	if len(lo) > 0 {
		from = lo
	}

	s.mu.RLock()
	inputs := []iterator.Iterator{s.mt.Iter()}
	for i := len(s.frozen) - 1; i >= 0; i-- {
		inputs = append(inputs, s.frozen[i].mt.Iter())
	}
	for level, metas := range s.man.Levels() {
		if level == 0 {
			// Each overlapping level-0 table is its own merge input.
			for _, meta := range metas {
				if rangesIntersect(meta, lo, hi) {
					h := s.tables.pin(meta)
					inputs = append(inputs, newLevelIter([]*tableHandle{h}, from))
				}
			}
			continue
		}
		var handles []*tableHandle
		for _, meta := range metas {
			if rangesIntersect(meta, lo, hi) {
				handles = append(handles, s.tables.pin(meta))
			}
		}
		if len(handles) > 0 {
			inputs = append(inputs, newLevelIter(handles, from))
		}
	}
	s.mu.RUnlock()

	merged := iterator.NewMerge(inputs...)
	return iterator.NewWithoutTombstones(iterator.NewBounded(merged, from, hi)), nil
}

func rangesIntersect(meta sstable.Meta, lo, hi []byte) bool {
	if len(lo) > 0 && bytes.Compare(meta.MaxKey, lo) < 0 {
		return false
	}
	if hi != nil && bytes.Compare(meta.MinKey, hi) >= 0 {
		return false
	}
	return true
}

// Metrics exposes the store's prometheus collectors.
func (s *Store) Metrics() *metrics.Metrics {
	return s.mets
}

// Close drains in-flight flushes and compactions, flushes the memtable,
// settles the manifest and removes the WAL. A subsequent Open takes the
// normal-restart path.
func (s *Store) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}

	// A degraded worker no longer drains jobs; enqueueing a final flush
	// would hang. The WAL stays behind for recovery instead.
	if !s.degraded.Load() && (s.mt.Len() > 0 || len(s.pendingWALs) > 0) {
		if err := s.freeze(); err != nil {
			slog.Error("failed to freeze memtable on close", "error", err)
		}
	}
	close(s.jobs)
	s.worker.Wait()

	var firstErr error
	if err := s.journal.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if !s.degraded.Load() {
		if err := os.Remove(s.currentWALPath()); err != nil && !os.IsNotExist(err) && firstErr == nil {
			firstErr = fmt.Errorf("%w: remove wal: %v", kverrors.ErrIO, err)
		}
	}
	if err := s.man.WriteSnapshot(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := s.man.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	s.tables.closeAll()
	slog.Info("store closed", "path", s.opts.Path)
	return firstErr
}

func (s *Store) updateLevelGauges() {
	for level, metas := range s.man.Levels() {
		s.mets.LevelTables.WithLabelValues(fmt.Sprint(level)).Set(float64(len(metas)))
	}
}
