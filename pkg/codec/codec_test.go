package codec

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/require"

	"lsmkv/pkg/kverrors"
)

func TestRecordRoundTrip(t *testing.T) {
	cases := []Record{
		{Key: []byte("a"), Value: []byte("1")},
		{Key: []byte("key"), Value: nil},
		{Key: []byte("del"), Tombstone: true},
		{Key: bytes.Repeat([]byte("k"), 300), Value: bytes.Repeat([]byte("v"), 5000)},
	}
	for _, rec := range cases {
		encoded := AppendRecord(nil, rec)
		require.Len(t, encoded, rec.EncodedLen())

		decoded, n, err := DecodeRecord(encoded)
		require.NoError(t, err)
		require.Equal(t, len(encoded), n)
		require.Equal(t, rec.Key, decoded.Key)
		require.Equal(t, rec.Tombstone, decoded.Tombstone)
		require.True(t, bytes.Equal(rec.Value, decoded.Value))
	}
}

func TestRecordStreamDecode(t *testing.T) {
	recs := []Record{
		{Key: []byte("a"), Value: []byte("1")},
		{Key: []byte("b"), Tombstone: true},
		{Key: []byte("c"), Value: []byte("3")},
	}
	var buf []byte
	for _, rec := range recs {
		buf = AppendRecord(buf, rec)
	}

	br := bufio.NewReader(bytes.NewReader(buf))
	for _, want := range recs {
		got, err := ReadRecord(br)
		require.NoError(t, err)
		require.Equal(t, want.Key, got.Key)
		require.Equal(t, want.Tombstone, got.Tombstone)
	}
	_, err := ReadRecord(br)
	require.Equal(t, io.EOF, err)
}

func TestDecodeRecordMalformed(t *testing.T) {
	rec := Record{Key: []byte("key"), Value: []byte("value")}
	encoded := AppendRecord(nil, rec)

	// Break the kind byte.
	bad := append([]byte(nil), encoded...)
	bad[8+len(rec.Key)] = 0x7
	_, _, err := DecodeRecord(bad)
	require.ErrorIs(t, err, kverrors.ErrMalformed)

	// A zero-length key can never be valid.
	var zeroKey [8]byte
	_, _, err = DecodeRecord(zeroKey[:])
	require.ErrorIs(t, err, kverrors.ErrMalformed)
}

func TestDecodeRecordTruncatedPrefixes(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("every strict prefix decodes as truncated", prop.ForAll(
		func(key []byte, value []byte, tombstone bool) bool {
			if len(key) == 0 {
				return true
			}
			rec := Record{Key: key}
			if tombstone {
				rec.Tombstone = true
			} else {
				rec.Value = value
			}
			encoded := AppendRecord(nil, rec)
			for cut := 0; cut < len(encoded); cut++ {
				if _, _, err := DecodeRecord(encoded[:cut]); !errors.Is(err, kverrors.ErrTruncated) {
					return false
				}
			}
			decoded, n, err := DecodeRecord(encoded)
			return err == nil && n == len(encoded) &&
				bytes.Equal(decoded.Key, rec.Key) && decoded.Tombstone == rec.Tombstone
		},
		gen.SliceOf(gen.UInt8()),
		gen.SliceOf(gen.UInt8()),
		gen.Bool(),
	))

	properties.TestingRun(t)
}

func TestIndexEntryRoundTrip(t *testing.T) {
	entries := []IndexEntry{
		{Key: []byte("a"), Offset: 0},
		{Key: []byte("middle-key"), Offset: 12345},
		{Key: bytes.Repeat([]byte("z"), 100), Offset: 1 << 40},
	}
	var buf []byte
	for _, e := range entries {
		buf = AppendIndexEntry(buf, e)
	}
	for _, want := range entries {
		got, n, err := DecodeIndexEntry(buf)
		require.NoError(t, err)
		require.Equal(t, want, got)
		buf = buf[n:]
	}
	require.Empty(t, buf)
}

func TestFrameRoundTrip(t *testing.T) {
	var buf []byte
	buf = AppendFrame(buf, FrameEdit, []byte("payload"))
	buf = AppendFrame(buf, FrameCommit, nil)

	kind, payload, n, err := DecodeFrame(buf)
	require.NoError(t, err)
	require.Equal(t, FrameEdit, kind)
	require.Equal(t, []byte("payload"), payload)
	buf = buf[n:]

	kind, payload, n, err = DecodeFrame(buf)
	require.NoError(t, err)
	require.Equal(t, FrameCommit, kind)
	require.Empty(t, payload)
	require.Equal(t, len(buf), n)
}

func TestFrameTruncatedAndMalformed(t *testing.T) {
	full := AppendFrame(nil, FrameEdit, []byte("abc"))
	for cut := 0; cut < len(full); cut++ {
		_, _, _, err := DecodeFrame(full[:cut])
		require.ErrorIs(t, err, kverrors.ErrTruncated, "cut=%d", cut)
	}

	bad := append([]byte(nil), full...)
	bad[len(bad)-1] = 0x9 // unknown frame kind
	_, _, _, err := DecodeFrame(bad)
	require.ErrorIs(t, err, kverrors.ErrMalformed)
}
