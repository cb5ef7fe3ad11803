package iterator

import "bytes"

// Merge combines N sorted inputs into one ascending stream. Inputs are given
// in freshness order: when several inputs hold the same key, only the record
// from the input with the lowest position survives; older duplicates are
// discarded. Tombstones pass through unchanged.
type Merge struct {
	inputs []Iterator
	live   []bool // input currently positioned on a record

	key       []byte
	value     []byte
	tombstone bool
	err       error
	primed    bool
}

// NewMerge builds a merge over inputs, freshest first.
func NewMerge(inputs ...Iterator) *Merge {
	return &Merge{
		inputs: inputs,
		live:   make([]bool, len(inputs)),
	}
}

func (m *Merge) prime() {
	for i, it := range m.inputs {
		m.live[i] = it.Next()
		if err := it.Err(); err != nil {
			m.err = err
			return
		}
	}
	m.primed = true
}

func (m *Merge) Next() bool {
	if m.err != nil {
		return false
	}
	if !m.primed {
		m.prime()
		if m.err != nil {
			return false
		}
	}

	// Pick the smallest key; ties go to the freshest input.
	min := -1
	for i := range m.inputs {
		if !m.live[i] {
			continue
		}
		if min < 0 || bytes.Compare(m.inputs[i].Key(), m.inputs[min].Key()) < 0 {
			min = i
		}
	}
	if min < 0 {
		return false
	}

	winner := m.inputs[min]
	m.key = append(m.key[:0], winner.Key()...)
	m.value = append(m.value[:0], winner.Value()...)
	m.tombstone = winner.Tombstone()

	// Advance every input sitting on the emitted key, shadowed ones included.
	for i := min; i < len(m.inputs); i++ {
		if !m.live[i] {
			continue
		}
		if bytes.Equal(m.inputs[i].Key(), m.key) {
			m.live[i] = m.inputs[i].Next()
			if err := m.inputs[i].Err(); err != nil {
				m.err = err
				return false
			}
		}
	}
	return true
}

func (m *Merge) Key() []byte     { return m.key }
func (m *Merge) Value() []byte   { return m.value }
func (m *Merge) Tombstone() bool { return m.tombstone }
func (m *Merge) Err() error      { return m.err }

func (m *Merge) Close() error {
	var first error
	for _, it := range m.inputs {
		if err := it.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Bounded restricts an iterator to the half-open key range [lo, hi).
// A nil lo means from the start, a nil hi means to the end.
type Bounded struct {
	it     Iterator
	lo, hi []byte
	done   bool
}

func NewBounded(it Iterator, lo, hi []byte) *Bounded {
	return &Bounded{it: it, lo: lo, hi: hi}
}

func (b *Bounded) Next() bool {
	if b.done {
		return false
	}
	for b.it.Next() {
		if b.lo != nil && bytes.Compare(b.it.Key(), b.lo) < 0 {
			continue
		}
		if b.hi != nil && bytes.Compare(b.it.Key(), b.hi) >= 0 {
			b.done = true
			return false
		}
		return true
	}
	b.done = true
	return false
}

func (b *Bounded) Key() []byte     { return b.it.Key() }
func (b *Bounded) Value() []byte   { return b.it.Value() }
func (b *Bounded) Tombstone() bool { return b.it.Tombstone() }
func (b *Bounded) Err() error      { return b.it.Err() }
func (b *Bounded) Close() error    { return b.it.Close() }

// WithoutTombstones suppresses tombstone records, leaving only live values.
// The scan path uses it; compaction does not.
type WithoutTombstones struct {
	Iterator
}

func NewWithoutTombstones(it Iterator) *WithoutTombstones {
	return &WithoutTombstones{Iterator: it}
}

func (w *WithoutTombstones) Next() bool {
	for w.Iterator.Next() {
		if !w.Iterator.Tombstone() {
			return true
		}
	}
	return false
}
