package store

import (
	"log/slog"
	"os"

	"lsmkv/pkg/codec"
	"lsmkv/pkg/iterator"
	"lsmkv/pkg/manifest"
	"lsmkv/pkg/sstable"
)

// job is one unit of background work. A nil flush is a bare compaction
// check (used at startup to pay down debt left by a crash).
type job struct {
	flush *frozenTable
}

// handleJob runs on the single background worker goroutine: flush first,
// then compact until every level is back within bounds.
func (s *Store) handleJob(j job) error {
	if j.flush != nil {
		if err := s.flush(j.flush); err != nil {
			return err
		}
	}
	return s.compactLoop()
}

// flush writes a frozen memtable as a level-0 table, commits it to the
// manifest, then drops the frozen memtable and its WAL files.
func (s *Store) flush(ft *frozenTable) error {
	if ft.mt.Len() > 0 {
		id := s.man.NextID()
		w, err := sstable.NewWriter(s.opts.Path, 0, id, s.opts.SparseIndexStride, s.opts.BloomFPRate)
		if err != nil {
			return err
		}
		it := ft.mt.Iter()
		for it.Next() {
			if err := w.Add(codec.Record{Key: it.Key(), Value: it.Value(), Tombstone: it.Tombstone()}); err != nil {
				w.Abort()
				return err
			}
		}
		meta, err := w.Finish()
		if err != nil {
			return err
		}

		batch := manifest.Batch{Added: []sstable.Meta{meta}, NextSSTID: id + 1}
		s.mu.Lock()
		err = s.man.Commit(batch)
		if err == nil {
			s.dropFrozenLocked(ft)
		}
		s.mu.Unlock()
		if err != nil {
			return err
		}
		slog.Info("flushed memtable", "sst", meta.ID, "records", ft.mt.Len(), "bytes", meta.FileSize)
	} else {
		s.mu.Lock()
		s.dropFrozenLocked(ft)
		s.mu.Unlock()
	}

	// The flushed data is durable in the SST; its logs are obsolete.
	for _, path := range ft.walPaths {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			slog.Warn("failed to remove flushed wal", "path", path, "error", err)
		}
	}

	s.mets.FlushesTotal.Inc()
	s.updateLevelGauges()
	return nil
}

func (s *Store) dropFrozenLocked(ft *frozenTable) {
	for i, have := range s.frozen {
		if have == ft {
			s.frozen = append(s.frozen[:i], s.frozen[i+1:]...)
			return
		}
	}
}

// compactLoop runs compactions until no level is over its trigger. Each
// successful compaction can push the next level over, so re-evaluate after
// every commit.
func (s *Store) compactLoop() error {
	for {
		cj := s.man.PickCompaction(s.opts.Level0SSTLimit, s.opts.LevelSizeMultiplierBase)
		if cj == nil {
			return nil
		}
		if err := s.runCompaction(cj); err != nil {
			return err
		}
	}
}

// runCompaction merges the job's inputs into the target level and commits
// additions, removals and the cursor update as one batch. Input files are
// retired only after the commit.
func (s *Store) runCompaction(cj *manifest.Job) error {
	// Freshness order: source-level tables first (newest level-0 first),
	// then the overlapping run of the target level.
	inputs := make([]iterator.Iterator, 0, len(cj.Upper)+1)
	for _, meta := range cj.Upper {
		inputs = append(inputs, newLevelIter([]*tableHandle{s.tables.pin(meta)}, nil))
	}
	if len(cj.Lower) > 0 {
		handles := make([]*tableHandle, 0, len(cj.Lower))
		for _, meta := range cj.Lower {
			handles = append(handles, s.tables.pin(meta))
		}
		inputs = append(inputs, newLevelIter(handles, nil))
	}
	merge := iterator.NewMerge(inputs...)
	defer merge.Close()

	// A tombstone can be dropped only when no deeper level could still hold
	// an older value for its key.
	dropTombstones := s.man.MaxPopulatedLevel() <= cj.TargetLevel

	var (
		added  []sstable.Meta
		writer *sstable.Writer
		nextID = s.man.NextID()
		err    error
	)
	abort := func() {
		if writer != nil {
			writer.Abort()
		}
		// Finished outputs are unreferenced by the manifest; reclaim them
		// rather than leaving them to the next startup GC.
		for _, meta := range added {
			os.Remove(sstable.Path(s.opts.Path, meta.Level, meta.ID))
			os.Remove(sstable.BloomPath(s.opts.Path, meta.Level, meta.ID))
		}
	}

	for merge.Next() {
		if dropTombstones && merge.Tombstone() {
			continue
		}
		if writer == nil {
			writer, err = sstable.NewWriter(s.opts.Path, cj.TargetLevel, nextID,
				s.opts.SparseIndexStride, s.opts.BloomFPRate)
			if err != nil {
				abort()
				return err
			}
			nextID++
		}
		rec := codec.Record{Key: merge.Key(), Value: merge.Value(), Tombstone: merge.Tombstone()}
		if err := writer.Add(rec); err != nil {
			abort()
			return err
		}
		if writer.EstimatedSize() >= s.opts.SSTTargetSize {
			meta, err := writer.Finish()
			if err != nil {
				writer = nil
				abort()
				return err
			}
			added = append(added, meta)
			writer = nil
		}
	}
	if err := merge.Err(); err != nil {
		abort()
		return err
	}
	if writer != nil {
		meta, err := writer.Finish()
		if err != nil {
			writer = nil
			abort()
			return err
		}
		added = append(added, meta)
		writer = nil
	}

	batch := manifest.Batch{
		Added:     added,
		Removed:   cj.Inputs(),
		NextSSTID: nextID,
	}
	if cj.CursorKey != nil {
		batch.Cursors = map[int][]byte{cj.SourceLevel: cj.CursorKey}
	}

	s.mu.Lock()
	err = s.man.Commit(batch)
	if err == nil {
		for _, meta := range cj.Inputs() {
			s.tables.drop(meta)
		}
	}
	s.mu.Unlock()
	if err != nil {
		abort()
		return err
	}

	s.mets.CompactionsTotal.Inc()
	s.updateLevelGauges()
	slog.Info("compacted level",
		"source", cj.SourceLevel, "target", cj.TargetLevel,
		"inputs", len(cj.Upper)+len(cj.Lower), "outputs", len(added))
	return nil
}
