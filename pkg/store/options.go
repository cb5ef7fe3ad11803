package store

import "lsmkv/pkg/sstable"

// Options configures one store instance. Zero fields take defaults.
type Options struct {
	// Path is the store directory; created if absent.
	Path string

	// MemtableSizeLimit is the WAL/memtable byte size that triggers a
	// flush. Default 4 MiB.
	MemtableSizeLimit uint64

	// SSTTargetSize makes compaction roll to a new output file once the
	// record section reaches it. Default 2 MiB.
	SSTTargetSize uint64

	// SparseIndexStride is the number of records per sparse-index entry.
	// Default 16.
	SparseIndexStride int

	// Level0SSTLimit is the table count at level 0 that triggers a
	// level-0 compaction. Default 4.
	Level0SSTLimit int

	// LevelSizeMultiplierBase sizes level L >= 1 at base^L MiB. Default 10.
	LevelSizeMultiplierBase uint64

	// BloomFPRate is the target false-positive rate of the per-table
	// filters. Default 0.01.
	BloomFPRate float64
}

// DefaultOptions returns the baseline configuration for a store at path.
func DefaultOptions(path string) Options {
	return Options{
		Path:                    path,
		MemtableSizeLimit:       4 << 20,
		SSTTargetSize:           2 << 20,
		SparseIndexStride:       sstable.DefaultStride,
		Level0SSTLimit:          4,
		LevelSizeMultiplierBase: 10,
		BloomFPRate:             0.01,
	}
}

func (o Options) withDefaults() Options {
	def := DefaultOptions(o.Path)
	if o.MemtableSizeLimit == 0 {
		o.MemtableSizeLimit = def.MemtableSizeLimit
	}
	if o.SSTTargetSize == 0 {
		o.SSTTargetSize = def.SSTTargetSize
	}
	if o.SparseIndexStride <= 0 {
		o.SparseIndexStride = def.SparseIndexStride
	}
	if o.Level0SSTLimit <= 0 {
		o.Level0SSTLimit = def.Level0SSTLimit
	}
	if o.LevelSizeMultiplierBase == 0 {
		o.LevelSizeMultiplierBase = def.LevelSizeMultiplierBase
	}
	if o.BloomFPRate <= 0 || o.BloomFPRate >= 1 {
		o.BloomFPRate = def.BloomFPRate
	}
	return o
}
