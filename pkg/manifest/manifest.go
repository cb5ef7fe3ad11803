// Package manifest keeps the authoritative catalog of live SSTables: which
// tables exist per level, the next table id, and the per-level compaction
// cursors. All mutation goes through atomic change batches persisted to the
// manifest's own log before they become visible (see log.go).
package manifest

import (
	"bytes"
	"sort"
	"sync"

	"lsmkv/pkg/sstable"
)

// Batch is the single unit of manifest mutation: tables added, tables
// removed, the allocator position after the batch, and cursor updates.
type Batch struct {
	Added     []sstable.Meta
	Removed   []sstable.Meta
	NextSSTID uint64 // 0 = unchanged
	Cursors   map[int][]byte
}

// Job describes one compaction picked by the manifest.
type Job struct {
	SourceLevel int
	TargetLevel int
	// Upper holds the source-level inputs in freshness order (level 0:
	// newest id first; level >= 1: the single rotated table).
	Upper []sstable.Meta
	// Lower holds the overlapping target-level inputs in key order.
	Lower []sstable.Meta
	// CursorKey records the rotation point for source levels >= 1.
	CursorKey []byte
}

// Inputs returns every table consumed by the job.
func (j *Job) Inputs() []sstable.Meta {
	out := make([]sstable.Meta, 0, len(j.Upper)+len(j.Lower))
	out = append(out, j.Upper...)
	out = append(out, j.Lower...)
	return out
}

// Manifest is the in-memory state plus its append-only log. One mutex
// serializes access; readers hold it only long enough to copy handles.
type Manifest struct {
	mu  sync.Mutex
	dir string

	levels    [][]sstable.Meta
	nextSSTID uint64
	cursors   map[int][]byte

	log               *logFile
	snapshotThreshold int64
}

// Levels returns a copy of the per-level table handles for one read path.
func (m *Manifest) Levels() [][]sstable.Meta {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([][]sstable.Meta, len(m.levels))
	for i, lvl := range m.levels {
		out[i] = append([]sstable.Meta(nil), lvl...)
	}
	return out
}

// NextID reports the next unused table id without advancing the allocator.
// Callers reserve ids locally and advance the counter via Batch.NextSSTID
// when their commit lands; abandoned ids leave gaps, never collisions.
func (m *Manifest) NextID() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.nextSSTID
}

// MaxPopulatedLevel returns the deepest level holding at least one table,
// or -1 when the store has no tables at all.
func (m *Manifest) MaxPopulatedLevel() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.maxPopulatedLocked()
}

func (m *Manifest) maxPopulatedLocked() int {
	max := -1
	for i, lvl := range m.levels {
		if len(lvl) > 0 {
			max = i
		}
	}
	return max
}

// Overlapping lists the tables of level whose key range intersects
// [lo, hi] (both bounds inclusive).
func (m *Manifest) Overlapping(level int, lo, hi []byte) []sstable.Meta {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.overlappingLocked(level, lo, hi)
}

func (m *Manifest) overlappingLocked(level int, lo, hi []byte) []sstable.Meta {
	if level >= len(m.levels) {
		return nil
	}
	var out []sstable.Meta
	for _, meta := range m.levels[level] {
		if bytes.Compare(meta.MinKey, hi) <= 0 && bytes.Compare(meta.MaxKey, lo) >= 0 {
			out = append(out, meta)
		}
	}
	return out
}

func (m *Manifest) levelBytesLocked(level int) uint64 {
	if level >= len(m.levels) {
		return 0
	}
	var total uint64
	for _, meta := range m.levels[level] {
		total += meta.FileSize
	}
	return total
}

// PickCompaction evaluates the compaction triggers and returns the next job,
// or nil when every level is within bounds. level0Limit is the table-count
// trigger for level 0; capacity of level L >= 1 is base^L MiB.
func (m *Manifest) PickCompaction(level0Limit int, base uint64) *Job {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.levels) > 0 && len(m.levels[0]) >= level0Limit {
		return m.pickLevel0Locked()
	}

	capacity := base << 20
	for level := 1; level < len(m.levels); level++ {
		if len(m.levels[level]) > 0 && m.levelBytesLocked(level) > capacity {
			return m.pickLevelNLocked(level)
		}
		capacity *= base
	}
	return nil
}

func (m *Manifest) pickLevel0Locked() *Job {
	upper := append([]sstable.Meta(nil), m.levels[0]...)
	// Newest first: level 0 tables may overlap and the higher id is fresher.
	sort.Slice(upper, func(i, j int) bool { return upper[i].ID > upper[j].ID })

	lo := upper[0].MinKey
	hi := upper[0].MaxKey
	for _, meta := range upper[1:] {
		if bytes.Compare(meta.MinKey, lo) < 0 {
			lo = meta.MinKey
		}
		if bytes.Compare(meta.MaxKey, hi) > 0 {
			hi = meta.MaxKey
		}
	}

	return &Job{
		SourceLevel: 0,
		TargetLevel: 1,
		Upper:       upper,
		Lower:       m.overlappingLocked(1, lo, hi),
	}
}

func (m *Manifest) pickLevelNLocked(level int) *Job {
	// Tables of a level >= 1 are disjoint and kept sorted by min key; the
	// cursor rotates the pick across the key space.
	tables := m.levels[level]
	cursor := m.cursors[level]

	pick := tables[0]
	if cursor != nil {
		for _, meta := range tables {
			if bytes.Compare(meta.MinKey, cursor) > 0 {
				pick = meta
				break
			}
		}
	}

	return &Job{
		SourceLevel: level,
		TargetLevel: level + 1,
		Upper:       []sstable.Meta{pick},
		Lower:       m.overlappingLocked(level+1, pick.MinKey, pick.MaxKey),
		CursorKey:   pick.MinKey,
	}
}

// applyLocked mutates the in-memory state. Callers hold m.mu and have already
// persisted the batch.
func (m *Manifest) applyLocked(b Batch) {
	for _, meta := range b.Removed {
		m.removeLocked(meta)
	}
	for _, meta := range b.Added {
		m.addLocked(meta)
	}
	if b.NextSSTID > m.nextSSTID {
		m.nextSSTID = b.NextSSTID
	}
	for level, key := range b.Cursors {
		m.cursors[level] = append([]byte(nil), key...)
	}
}

func (m *Manifest) addLocked(meta sstable.Meta) {
	for len(m.levels) <= meta.Level {
		m.levels = append(m.levels, nil)
	}
	lvl := m.levels[meta.Level]
	var pos int
	if meta.Level == 0 {
		// Newest first.
		pos = sort.Search(len(lvl), func(i int) bool { return lvl[i].ID < meta.ID })
	} else {
		pos = sort.Search(len(lvl), func(i int) bool {
			return bytes.Compare(lvl[i].MinKey, meta.MinKey) > 0
		})
	}
	lvl = append(lvl, sstable.Meta{})
	copy(lvl[pos+1:], lvl[pos:])
	lvl[pos] = meta
	m.levels[meta.Level] = lvl
}

func (m *Manifest) removeLocked(meta sstable.Meta) {
	if meta.Level >= len(m.levels) {
		return
	}
	lvl := m.levels[meta.Level]
	for i, have := range lvl {
		if have.ID == meta.ID {
			m.levels[meta.Level] = append(lvl[:i], lvl[i+1:]...)
			return
		}
	}
}

// referenced reports the id of every live table; startup GC uses it to
// reclaim table files no committed batch owns.
func (m *Manifest) referenced() map[uint64]bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make(map[uint64]bool)
	for _, lvl := range m.levels {
		for _, meta := range lvl {
			ids[meta.ID] = true
		}
	}
	return ids
}
