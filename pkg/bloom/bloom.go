// Package bloom implements the per-SSTable membership filter. False
// positives are tolerated (they cost one wasted lookup), false negatives
// never occur.
package bloom

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/spaolacci/murmur3"

	"lsmkv/pkg/kverrors"
)

const (
	minHashes = 1
	maxHashes = 16
)

// Filter is a standard Bloom filter sized for an expected key count and a
// target false-positive rate. Probe positions are derived from one 128-bit
// murmur3 hash via double hashing.
type Filter struct {
	words   []uint64
	numBits uint64
	hashes  uint32
}

// New sizes a filter for n expected keys at false-positive rate p.
func New(n int, p float64) *Filter {
	if n < 1 {
		n = 1
	}
	if p <= 0 || p >= 1 {
		p = 0.01
	}

	// m = -n·ln(p)/ln(2)², k = (m/n)·ln(2)
	m := uint64(math.Ceil(-float64(n) * math.Log(p) / (math.Ln2 * math.Ln2)))
	if m < 64 {
		m = 64
	}
	k := uint32(math.Round(float64(m) / float64(n) * math.Ln2))
	if k < minHashes {
		k = minHashes
	}
	if k > maxHashes {
		k = maxHashes
	}

	return &Filter{
		words:   make([]uint64, (m+63)/64),
		numBits: m,
		hashes:  k,
	}
}

func (f *Filter) Insert(key []byte) {
	h1, h2 := murmur3.Sum128(key)
	for i := uint32(0); i < f.hashes; i++ {
		bit := (h1 + uint64(i)*h2) % f.numBits
		f.words[bit/64] |= 1 << (bit % 64)
	}
}

func (f *Filter) MayContain(key []byte) bool {
	h1, h2 := murmur3.Sum128(key)
	for i := uint32(0); i < f.hashes; i++ {
		bit := (h1 + uint64(i)*h2) % f.numBits
		if f.words[bit/64]&(1<<(bit%64)) == 0 {
			return false
		}
	}
	return true
}

// Marshal encodes the filter for its sidecar file:
// num_bits:u64 | hashes:u64 | words.
func (f *Filter) Marshal() []byte {
	out := make([]byte, 0, 16+8*len(f.words))
	out = binary.BigEndian.AppendUint64(out, f.numBits)
	out = binary.BigEndian.AppendUint64(out, uint64(f.hashes))
	for _, w := range f.words {
		out = binary.BigEndian.AppendUint64(out, w)
	}
	return out
}

// Unmarshal decodes a filter produced by Marshal.
func Unmarshal(b []byte) (*Filter, error) {
	if len(b) < 16 {
		return nil, fmt.Errorf("%w: bloom sidecar too short", kverrors.ErrTruncated)
	}
	numBits := binary.BigEndian.Uint64(b)
	hashes := binary.BigEndian.Uint64(b[8:])
	if numBits == 0 || hashes < minHashes || hashes > maxHashes {
		return nil, fmt.Errorf("%w: bloom header bits=%d hashes=%d", kverrors.ErrMalformed, numBits, hashes)
	}
	numWords := int((numBits + 63) / 64)
	if len(b) != 16+8*numWords {
		return nil, fmt.Errorf("%w: bloom sidecar size %d", kverrors.ErrMalformed, len(b))
	}
	words := make([]uint64, numWords)
	for i := range words {
		words[i] = binary.BigEndian.Uint64(b[16+8*i:])
	}
	return &Filter{words: words, numBits: numBits, hashes: uint32(hashes)}, nil
}
