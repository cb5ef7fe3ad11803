// Package sstable implements the immutable sorted table files: a record
// section in ascending key order, a sparse index every few records, an
// index-size footer, and a Bloom filter sidecar.
package sstable

import (
	"fmt"
	"path/filepath"
)

// DefaultStride is the number of records per sparse-index entry.
const DefaultStride = 16

// Meta is the manifest-visible handle of one SSTable.
type Meta struct {
	Level    int
	ID       uint64
	MinKey   []byte
	MaxKey   []byte
	FileSize uint64
}

// Path names the table file for (level, id) inside dir.
func Path(dir string, level int, id uint64) string {
	return filepath.Join(dir, fmt.Sprintf("sst-%d-%d.sst", level, id))
}

// BloomPath names the Bloom filter sidecar for (level, id) inside dir.
func BloomPath(dir string, level int, id uint64) string {
	return filepath.Join(dir, fmt.Sprintf("sst-%d-%d.bloom", level, id))
}

// ParseName extracts (level, id) from an SSTable file name. ok is false for
// anything that is not an SSTable file.
func ParseName(name string) (level int, id uint64, ok bool) {
	var suffix string
	if n, err := fmt.Sscanf(name, "sst-%d-%d.%s", &level, &id, &suffix); err != nil || n != 3 {
		return 0, 0, false
	}
	if suffix != "sst" && suffix != "bloom" {
		return 0, 0, false
	}
	return level, id, true
}
