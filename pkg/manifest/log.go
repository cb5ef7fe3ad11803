package manifest

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"lsmkv/pkg/codec"
	"lsmkv/pkg/kverrors"
	"lsmkv/pkg/sstable"
)

const (
	// LogName and SnapshotName are the manifest files inside the store dir.
	LogName      = "MANIFEST.log"
	SnapshotName = "MANIFEST.snapshot"

	// defaultSnapshotThreshold triggers log compaction into a snapshot once
	// the log grows past it. Cadence is policy, not contract.
	defaultSnapshotThreshold = 256 << 10
)

// Edit ops inside a FrameEdit payload.
const (
	opAddSST    byte = 0
	opRemoveSST byte = 1
	opNextSSTID byte = 2
	opSetCursor byte = 3
)

type logFile struct {
	path string
	file *os.File
	size int64
}

func openLog(path string) (*logFile, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("%w: open manifest log: %v", kverrors.ErrIO, err)
	}
	st, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("%w: stat manifest log: %v", kverrors.ErrIO, err)
	}
	return &logFile{path: path, file: file, size: st.Size()}, nil
}

func (l *logFile) append(data []byte) error {
	if _, err := l.file.Write(data); err != nil {
		return fmt.Errorf("%w: write manifest log: %v", kverrors.ErrIO, err)
	}
	if err := l.file.Sync(); err != nil {
		return fmt.Errorf("%w: sync manifest log: %v", kverrors.ErrIO, err)
	}
	l.size += int64(len(data))
	return nil
}

func (l *logFile) close() error {
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}

// Open recovers the manifest of dir: the latest snapshot (if any), then the
// log tail. A trailing batch whose commit frame never made it to disk is
// discarded and the log truncated back to the last committed offset.
func Open(dir string) (*Manifest, error) {
	m := &Manifest{
		dir:               dir,
		nextSSTID:         1,
		cursors:           make(map[int][]byte),
		levels:            make([][]sstable.Meta, 1),
		snapshotThreshold: defaultSnapshotThreshold,
	}

	snapPath := filepath.Join(dir, SnapshotName)
	snapData, err := os.ReadFile(snapPath)
	switch {
	case err == nil:
		if err := m.replay(snapData, snapPath, true); err != nil {
			return nil, err
		}
	case os.IsNotExist(err):
	default:
		return nil, fmt.Errorf("%w: read manifest snapshot: %v", kverrors.ErrIO, err)
	}

	logPath := filepath.Join(dir, LogName)
	logData, err := os.ReadFile(logPath)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("%w: read manifest log: %v", kverrors.ErrIO, err)
	}
	if len(logData) > 0 {
		good, err := m.replayLog(logData, logPath)
		if err != nil {
			return nil, err
		}
		if good < int64(len(logData)) {
			slog.Warn("truncating uncommitted manifest log tail",
				"path", logPath, "from", len(logData), "to", good)
			if err := os.Truncate(logPath, good); err != nil {
				return nil, fmt.Errorf("%w: truncate manifest log: %v", kverrors.ErrIO, err)
			}
		}
	}

	m.log, err = openLog(logPath)
	if err != nil {
		return nil, err
	}
	return m, nil
}

// replay applies a snapshot image: snapshot-begin frame, edits, commit.
func (m *Manifest) replay(data []byte, path string, wantSnapshotBegin bool) error {
	var pending []Batch
	sawBegin := false
	committed := false
	cur := data
	for len(cur) > 0 {
		kind, payload, n, err := codec.DecodeFrame(cur)
		if err != nil {
			return fmt.Errorf("%w: %s: %v", kverrors.ErrCorruptLog, path, err)
		}
		cur = cur[n:]
		switch kind {
		case codec.FrameSnapshotBegin:
			sawBegin = true
		case codec.FrameEdit:
			b, err := decodeEdit(payload)
			if err != nil {
				return fmt.Errorf("%w: %s: %v", kverrors.ErrCorruptLog, path, err)
			}
			pending = append(pending, b)
		case codec.FrameCommit:
			for _, b := range pending {
				m.applyLocked(b)
			}
			pending = nil
			committed = true
		}
	}
	if wantSnapshotBegin && (!sawBegin || !committed) {
		return fmt.Errorf("%w: %s: incomplete snapshot", kverrors.ErrCorruptLog, path)
	}
	return nil
}

// replayLog applies committed batches and returns the byte offset just past
// the last commit frame. Truncated tails stop silently; malformed frames are
// fatal.
func (m *Manifest) replayLog(data []byte, path string) (int64, error) {
	var pending []Batch
	var offset, lastGood int64
	for int(offset) < len(data) {
		kind, payload, n, err := codec.DecodeFrame(data[offset:])
		if errors.Is(err, kverrors.ErrTruncated) {
			return lastGood, nil
		}
		if err != nil {
			return 0, fmt.Errorf("%w: %s: %v", kverrors.ErrCorruptLog, path, err)
		}
		offset += int64(n)
		switch kind {
		case codec.FrameEdit:
			b, err := decodeEdit(payload)
			if err != nil {
				return 0, fmt.Errorf("%w: %s: %v", kverrors.ErrCorruptLog, path, err)
			}
			pending = append(pending, b)
		case codec.FrameCommit:
			for _, b := range pending {
				m.applyLocked(b)
			}
			pending = nil
			lastGood = offset
		case codec.FrameSnapshotBegin:
			return 0, fmt.Errorf("%w: %s: snapshot frame in log", kverrors.ErrCorruptLog, path)
		}
	}
	return lastGood, nil
}

// Commit persists b with a single synchronous append (edit frames followed
// by one commit frame), then applies it in memory. Obsolete file deletion is
// the caller's step, taken only after Commit returns.
func (m *Manifest) Commit(b Batch) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	buf := encodeBatch(nil, b)
	buf = codec.AppendFrame(buf, codec.FrameCommit, nil)
	if err := m.log.append(buf); err != nil {
		return err
	}
	m.applyLocked(b)

	if m.log.size >= m.snapshotThreshold {
		if err := m.writeSnapshotLocked(); err != nil {
			// The log still holds the full state; compaction of the log can
			// wait for the next commit.
			slog.Warn("manifest snapshot failed", "error", err)
		}
	}
	return nil
}

// WriteSnapshot compacts the manifest log into a fresh snapshot file.
func (m *Manifest) WriteSnapshot() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writeSnapshotLocked()
}

func (m *Manifest) writeSnapshotLocked() error {
	buf := codec.AppendFrame(nil, codec.FrameSnapshotBegin, nil)
	state := Batch{NextSSTID: m.nextSSTID, Cursors: m.cursors}
	for _, lvl := range m.levels {
		state.Added = append(state.Added, lvl...)
	}
	buf = encodeBatch(buf, state)
	buf = codec.AppendFrame(buf, codec.FrameCommit, nil)

	snapPath := filepath.Join(m.dir, SnapshotName)
	tmpPath := snapPath + ".tmp"
	tmp, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("%w: create manifest snapshot: %v", kverrors.ErrIO, err)
	}
	if _, err := tmp.Write(buf); err != nil {
		tmp.Close()
		return fmt.Errorf("%w: write manifest snapshot: %v", kverrors.ErrIO, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("%w: sync manifest snapshot: %v", kverrors.ErrIO, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("%w: close manifest snapshot: %v", kverrors.ErrIO, err)
	}
	if err := os.Rename(tmpPath, snapPath); err != nil {
		return fmt.Errorf("%w: install manifest snapshot: %v", kverrors.ErrIO, err)
	}

	// The snapshot now carries everything the log held.
	if err := m.log.close(); err != nil {
		return fmt.Errorf("%w: close manifest log: %v", kverrors.ErrIO, err)
	}
	if err := os.Truncate(m.log.path, 0); err != nil {
		return fmt.Errorf("%w: truncate manifest log: %v", kverrors.ErrIO, err)
	}
	fresh, err := openLog(m.log.path)
	if err != nil {
		return err
	}
	m.log = fresh
	return nil
}

// RemoveOrphans unlinks every table file in the store directory that no
// committed batch references: leftovers of flushes or compactions that
// crashed before their commit.
func (m *Manifest) RemoveOrphans() error {
	live := m.referenced()
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return fmt.Errorf("%w: read store dir: %v", kverrors.ErrIO, err)
	}
	for _, ent := range entries {
		if ent.IsDir() {
			continue
		}
		_, id, ok := sstable.ParseName(ent.Name())
		if !ok || live[id] {
			continue
		}
		path := filepath.Join(m.dir, ent.Name())
		if err := os.Remove(path); err != nil {
			return fmt.Errorf("%w: remove orphan %s: %v", kverrors.ErrIO, path, err)
		}
		slog.Info("removed orphan table file", "path", path)
	}
	return nil
}

func (m *Manifest) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.log.close()
}

func encodeBatch(buf []byte, b Batch) []byte {
	for _, meta := range b.Removed {
		buf = codec.AppendFrame(buf, codec.FrameEdit, encodeRemove(meta))
	}
	for _, meta := range b.Added {
		buf = codec.AppendFrame(buf, codec.FrameEdit, encodeAdd(meta))
	}
	if b.NextSSTID > 0 {
		payload := []byte{opNextSSTID}
		payload = binary.BigEndian.AppendUint64(payload, b.NextSSTID)
		buf = codec.AppendFrame(buf, codec.FrameEdit, payload)
	}
	for level, key := range b.Cursors {
		payload := []byte{opSetCursor}
		payload = binary.BigEndian.AppendUint64(payload, uint64(level))
		payload = binary.BigEndian.AppendUint64(payload, uint64(len(key)))
		payload = append(payload, key...)
		buf = codec.AppendFrame(buf, codec.FrameEdit, payload)
	}
	return buf
}

func encodeAdd(meta sstable.Meta) []byte {
	payload := []byte{opAddSST}
	payload = binary.BigEndian.AppendUint64(payload, uint64(meta.Level))
	payload = binary.BigEndian.AppendUint64(payload, meta.ID)
	payload = binary.BigEndian.AppendUint64(payload, meta.FileSize)
	payload = binary.BigEndian.AppendUint64(payload, uint64(len(meta.MinKey)))
	payload = append(payload, meta.MinKey...)
	payload = binary.BigEndian.AppendUint64(payload, uint64(len(meta.MaxKey)))
	payload = append(payload, meta.MaxKey...)
	return payload
}

func encodeRemove(meta sstable.Meta) []byte {
	payload := []byte{opRemoveSST}
	payload = binary.BigEndian.AppendUint64(payload, uint64(meta.Level))
	payload = binary.BigEndian.AppendUint64(payload, meta.ID)
	return payload
}

// decodeEdit turns one edit payload back into a single-op Batch.
func decodeEdit(payload []byte) (Batch, error) {
	var b Batch
	if len(payload) == 0 {
		return b, fmt.Errorf("%w: empty edit", kverrors.ErrMalformed)
	}
	op := payload[0]
	cur := payload[1:]

	u64 := func() (uint64, bool) {
		if len(cur) < 8 {
			return 0, false
		}
		v := binary.BigEndian.Uint64(cur)
		cur = cur[8:]
		return v, true
	}
	bs := func(n uint64) ([]byte, bool) {
		if uint64(len(cur)) < n {
			return nil, false
		}
		out := append([]byte(nil), cur[:n]...)
		cur = cur[n:]
		return out, true
	}

	switch op {
	case opAddSST:
		level, ok1 := u64()
		id, ok2 := u64()
		size, ok3 := u64()
		if !ok1 || !ok2 || !ok3 {
			return b, fmt.Errorf("%w: short add edit", kverrors.ErrMalformed)
		}
		minLen, ok := u64()
		if !ok {
			return b, fmt.Errorf("%w: short add edit", kverrors.ErrMalformed)
		}
		minKey, ok := bs(minLen)
		if !ok {
			return b, fmt.Errorf("%w: short add edit", kverrors.ErrMalformed)
		}
		maxLen, ok := u64()
		if !ok {
			return b, fmt.Errorf("%w: short add edit", kverrors.ErrMalformed)
		}
		maxKey, ok := bs(maxLen)
		if !ok {
			return b, fmt.Errorf("%w: short add edit", kverrors.ErrMalformed)
		}
		b.Added = append(b.Added, sstable.Meta{
			Level:    int(level),
			ID:       id,
			MinKey:   minKey,
			MaxKey:   maxKey,
			FileSize: size,
		})
	case opRemoveSST:
		level, ok1 := u64()
		id, ok2 := u64()
		if !ok1 || !ok2 {
			return b, fmt.Errorf("%w: short remove edit", kverrors.ErrMalformed)
		}
		b.Removed = append(b.Removed, sstable.Meta{Level: int(level), ID: id})
	case opNextSSTID:
		id, ok := u64()
		if !ok {
			return b, fmt.Errorf("%w: short next-id edit", kverrors.ErrMalformed)
		}
		b.NextSSTID = id
	case opSetCursor:
		level, ok1 := u64()
		keyLen, ok2 := u64()
		if !ok1 || !ok2 {
			return b, fmt.Errorf("%w: short cursor edit", kverrors.ErrMalformed)
		}
		key, ok := bs(keyLen)
		if !ok {
			return b, fmt.Errorf("%w: short cursor edit", kverrors.ErrMalformed)
		}
		b.Cursors = map[int][]byte{int(level): key}
	default:
		return b, fmt.Errorf("%w: edit op %#x", kverrors.ErrMalformed, op)
	}
	if len(cur) != 0 {
		return b, fmt.Errorf("%w: %d trailing bytes in edit", kverrors.ErrMalformed, len(cur))
	}
	return b, nil
}
