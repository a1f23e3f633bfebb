package delta

import (
	"bytes"
	"crypto/rand"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChooseBlockSize(t *testing.T) {
	tests := []struct {
		fileSize int64
		wantMin  int
		wantMax  int
	}{
		{100, 512, 512},           // clamped to min
		{256 * 1024, 512, 1024},   // sqrt(256K) ~= 512
		{1024 * 1024, 512, 1200},  // sqrt(1M) ~= 1024
		{1 << 30, 32000, 33000},   // sqrt(1G) ~= 32768
		{1 << 40, 131072, 131072}, // clamped to max
	}

	for _, tt := range tests {
		bs := ChooseBlockSize(tt.fileSize)
		assert.GreaterOrEqual(t, bs, tt.wantMin, "fileSize=%d", tt.fileSize)
		assert.LessOrEqual(t, bs, tt.wantMax, "fileSize=%d", tt.fileSize)
	}
}

// roundTrip runs the full exchange through the wire encodings: signature of
// basis, matching against source, and application of the decoded ops.
func roundTrip(t *testing.T, basis, source []byte) ([]Op, Stats) {
	t.Helper()

	var sigBuf bytes.Buffer
	require.NoError(t, WriteSignature(&sigBuf, ComputeSignature(basis)))
	sig, err := ReadSignature(&sigBuf)
	require.NoError(t, err)

	ops := MatchBlocks(source, sig)

	var opBuf bytes.Buffer
	w := NewOpWriter(&opBuf)
	for _, op := range ops {
		require.NoError(t, w.Write(op))
	}
	require.NoError(t, w.Close())

	var out bytes.Buffer
	st, err := Apply(basis, NewOpReader(&opBuf), &out)
	require.NoError(t, err)
	assert.Equal(t, source, out.Bytes())
	return ops, st
}

func TestDelta_IdenticalFiles(t *testing.T) {
	data := makeTestData(t, 4096)
	ops, st := roundTrip(t, data, data)

	matched, literal := Summarize(ops)
	assert.Positive(t, matched)
	assert.Equal(t, int64(0), literal)
	assert.Equal(t, matched, st.MatchedBlocks)
	assert.Equal(t, int64(len(data)), st.MatchedBytes)
}

func TestDelta_CompletelyDifferent(t *testing.T) {
	basis := makeTestData(t, 4096)
	source := makeTestData(t, 4096)
	ops, st := roundTrip(t, basis, source)

	matched, literal := Summarize(ops)
	assert.Equal(t, 0, matched)
	assert.Equal(t, int64(len(source)), literal)
	assert.Equal(t, int64(len(source)), st.LiteralBytes)
}

func TestDelta_PartialMatch(t *testing.T) {
	basis := bytes.Repeat([]byte("ABCDEFGHIJKLMNOP"), 256) // 4KB
	source := append([]byte(nil), basis...)

	blockSize := ChooseBlockSize(int64(len(basis)))
	for i := blockSize * 2; i < blockSize*3; i++ {
		source[i] = 'X'
	}

	ops, _ := roundTrip(t, basis, source)
	matched, literal := Summarize(ops)
	assert.Positive(t, matched, "should have some matching blocks")
	assert.Positive(t, literal, "should have some literal data")
	assert.Less(t, literal, int64(len(source)), "should not be all literal")
}

func TestDelta_EmptyFiles(t *testing.T) {
	sig := ComputeSignature(nil)
	assert.Empty(t, sig.Blocks)
	assert.Empty(t, MatchBlocks(nil, sig))
	roundTrip(t, nil, nil)
}

func TestDelta_SourceLargerThanBasis(t *testing.T) {
	basis := makeTestData(t, 2048)
	source := append(append([]byte{}, basis...), makeTestData(t, 1024)...)

	ops, _ := roundTrip(t, basis, source)
	matched, literal := Summarize(ops)
	assert.Positive(t, matched, "basis portion should match")
	assert.Positive(t, literal, "extra portion is literal")
}

func TestDelta_Roundtrip_Large(t *testing.T) {
	size := 256 * 1024
	basis := makeTestData(t, size)
	source := append([]byte(nil), basis...)

	blockSize := ChooseBlockSize(int64(size))
	for i := blockSize; i < blockSize*2; i++ {
		source[i] ^= 0xFF
	}

	ops, _ := roundTrip(t, basis, source)
	matched, _ := Summarize(ops)
	assert.Greater(t, matched, 1, "most blocks should match")
}

func TestReadSignatureRejectsGarbage(t *testing.T) {
	_, err := ReadSignature(bytes.NewReader([]byte{0xc1, 0x00, 0x01}))
	assert.ErrorIs(t, err, ErrMalformed)

	_, err = ReadSignature(bytes.NewReader(nil))
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestApplyRejectsCopyPastBasis(t *testing.T) {
	var buf bytes.Buffer
	w := NewOpWriter(&buf)
	require.NoError(t, w.Write(Op{BlockIdx: 0, Offset: 10, Length: 100}))
	require.NoError(t, w.Close())

	_, err := Apply(make([]byte, 50), NewOpReader(&buf), io.Discard)
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestApplyTruncatedStream(t *testing.T) {
	var buf bytes.Buffer
	w := NewOpWriter(&buf)
	require.NoError(t, w.Write(Op{BlockIdx: -1, Literal: []byte("hello"), Length: 5}))
	require.NoError(t, w.Close())
	truncated := buf.Bytes()[:buf.Len()-2]

	_, err := Apply(nil, NewOpReader(bytes.NewReader(truncated)), io.Discard)
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestIsolate(t *testing.T) {
	err := Isolate(func() error {
		var basis []byte
		_ = basis[3]
		return nil
	})
	require.ErrorIs(t, err, ErrCodecFault)

	sentinel := errors.New("plain failure")
	assert.ErrorIs(t, Isolate(func() error { return sentinel }), sentinel)
	assert.NoError(t, Isolate(func() error { return nil }))
}

func makeTestData(t *testing.T, size int) []byte {
	t.Helper()
	data := make([]byte, size)
	_, err := io.ReadFull(rand.Reader, data)
	require.NoError(t, err)
	return data
}
