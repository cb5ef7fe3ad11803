package iterator

import (
	"testing"

	"github.com/stretchr/testify/require"
)

type memRec struct {
	key, value string
	tombstone  bool
}

type memIter struct {
	recs []memRec
	pos  int
	err  error
}

func (it *memIter) Next() bool {
	if it.pos >= len(it.recs) {
		return false
	}
	it.pos++
	return true
}

func (it *memIter) Key() []byte     { return []byte(it.recs[it.pos-1].key) }
func (it *memIter) Value() []byte   { return []byte(it.recs[it.pos-1].value) }
func (it *memIter) Tombstone() bool { return it.recs[it.pos-1].tombstone }
func (it *memIter) Err() error      { return it.err }
func (it *memIter) Close() error    { return nil }

func collect(t *testing.T, it Iterator) []memRec {
	t.Helper()
	var out []memRec
	for it.Next() {
		out = append(out, memRec{
			key:       string(it.Key()),
			value:     string(it.Value()),
			tombstone: it.Tombstone(),
		})
	}
	require.NoError(t, it.Err())
	return out
}

func TestMergeAscendingOrder(t *testing.T) {
	m := NewMerge(
		&memIter{recs: []memRec{{key: "b", value: "2"}, {key: "d", value: "4"}}},
		&memIter{recs: []memRec{{key: "a", value: "1"}, {key: "c", value: "3"}}},
	)
	defer m.Close()

	got := collect(t, m)
	require.Equal(t, []memRec{
		{key: "a", value: "1"},
		{key: "b", value: "2"},
		{key: "c", value: "3"},
		{key: "d", value: "4"},
	}, got)
}

func TestMergeFreshestWins(t *testing.T) {
	m := NewMerge(
		&memIter{recs: []memRec{{key: "k", value: "newest"}}},
		&memIter{recs: []memRec{{key: "k", value: "middle"}, {key: "z", value: "only"}}},
		&memIter{recs: []memRec{{key: "k", value: "oldest"}}},
	)
	defer m.Close()

	got := collect(t, m)
	require.Equal(t, []memRec{
		{key: "k", value: "newest"},
		{key: "z", value: "only"},
	}, got)
}

func TestMergeTombstonePassThrough(t *testing.T) {
	// A fresh tombstone shadows an older value and is itself emitted.
	m := NewMerge(
		&memIter{recs: []memRec{{key: "k", tombstone: true}}},
		&memIter{recs: []memRec{{key: "k", value: "stale"}}},
	)
	defer m.Close()

	got := collect(t, m)
	require.Equal(t, []memRec{{key: "k", tombstone: true}}, got)
}

func TestMergeManyInputs(t *testing.T) {
	inputs := make([]Iterator, 8)
	for i := range inputs {
		var recs []memRec
		for j := 0; j < 16; j++ {
			recs = append(recs, memRec{
				key:   string(rune('a'+j))[:1] + string(rune('0'+i)),
				value: "v",
			})
		}
		inputs[i] = &memIter{recs: recs}
	}
	m := NewMerge(inputs...)
	defer m.Close()

	got := collect(t, m)
	require.Len(t, got, 8*16)
	for i := 1; i < len(got); i++ {
		require.Less(t, got[i-1].key, got[i].key)
	}
}

func TestBounded(t *testing.T) {
	it := NewBounded(&memIter{recs: []memRec{
		{key: "a", value: "1"},
		{key: "b", value: "2"},
		{key: "c", value: "3"},
		{key: "d", value: "4"},
	}}, []byte("b"), []byte("d"))
	defer it.Close()

	got := collect(t, it)
	require.Equal(t, []memRec{{key: "b", value: "2"}, {key: "c", value: "3"}}, got)
}

func TestBoundedOpenEnds(t *testing.T) {
	recs := []memRec{{key: "a", value: "1"}, {key: "b", value: "2"}}

	it := NewBounded(&memIter{recs: recs}, nil, nil)
	require.Len(t, collect(t, it), 2)

	it = NewBounded(&memIter{recs: recs}, []byte("b"), nil)
	require.Equal(t, []memRec{{key: "b", value: "2"}}, collect(t, it))
}

func TestWithoutTombstones(t *testing.T) {
	it := NewWithoutTombstones(&memIter{recs: []memRec{
		{key: "a", value: "1"},
		{key: "b", tombstone: true},
		{key: "c", value: "3"},
	}})
	defer it.Close()

	got := collect(t, it)
	require.Equal(t, []memRec{{key: "a", value: "1"}, {key: "c", value: "3"}}, got)
}
