package store

import (
	"log/slog"
	"os"
	"sync"

	"lsmkv/pkg/sstable"
)

// tableCache tracks the open SSTable readers. Handles are refcounted so a
// compaction can retire an input while a read or scan still holds it: the
// file is closed and unlinked only when the last holder releases.
type tableCache struct {
	mu      sync.Mutex
	dir     string
	stride  int
	entries map[uint64]*tableHandle
}

type tableHandle struct {
	cache  *tableCache
	meta   sstable.Meta
	reader *sstable.Reader
	refs   int
	doomed bool
}

func newTableCache(dir string, stride int) *tableCache {
	return &tableCache{
		dir:     dir,
		stride:  stride,
		entries: make(map[uint64]*tableHandle),
	}
}

// pin registers interest in a table without opening it. The table's files
// stay alive until the matching release, even across a drop.
func (c *tableCache) pin(meta sstable.Meta) *tableHandle {
	c.mu.Lock()
	defer c.mu.Unlock()
	h, ok := c.entries[meta.ID]
	if !ok {
		h = &tableHandle{cache: c, meta: meta}
		c.entries[meta.ID] = h
	}
	h.refs++
	return h
}

// open returns the reader, opening the file on first use.
func (h *tableHandle) open() (*sstable.Reader, error) {
	c := h.cache
	c.mu.Lock()
	defer c.mu.Unlock()
	if h.reader == nil {
		r, err := sstable.Open(c.dir, h.meta.Level, h.meta.ID, c.stride)
		if err != nil {
			return nil, err
		}
		h.reader = r
	}
	return h.reader, nil
}

// release drops one reference. The last release of a doomed handle closes
// the reader and unlinks the table files.
func (h *tableHandle) release() {
	c := h.cache
	c.mu.Lock()
	defer c.mu.Unlock()
	h.refs--
	if h.refs == 0 && h.doomed {
		c.retireLocked(h)
	}
}

// drop retires a table removed from the manifest. Unreferenced tables go
// immediately; referenced ones when their last holder releases.
func (c *tableCache) drop(meta sstable.Meta) {
	c.mu.Lock()
	defer c.mu.Unlock()
	h, ok := c.entries[meta.ID]
	if !ok {
		h = &tableHandle{cache: c, meta: meta}
		c.entries[meta.ID] = h
	}
	h.doomed = true
	if h.refs == 0 {
		c.retireLocked(h)
	}
}

func (c *tableCache) retireLocked(h *tableHandle) {
	if h.reader != nil {
		if err := h.reader.Close(); err != nil {
			slog.Warn("failed to close retired sstable", "id", h.meta.ID, "error", err)
		}
		h.reader = nil
	}
	for _, path := range []string{
		sstable.Path(c.dir, h.meta.Level, h.meta.ID),
		sstable.BloomPath(c.dir, h.meta.Level, h.meta.ID),
	} {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			slog.Warn("failed to unlink retired sstable file", "path", path, "error", err)
		}
	}
	delete(c.entries, h.meta.ID)
}

// closeAll closes every open reader. Used on store close, after the worker
// has drained.
func (c *tableCache) closeAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, h := range c.entries {
		if h.reader != nil {
			if err := h.reader.Close(); err != nil {
				slog.Warn("failed to close sstable on shutdown", "id", id, "error", err)
			}
			h.reader = nil
		}
		delete(c.entries, id)
	}
}
