package codec

import (
	"bytes"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompressorsRoundTrip(t *testing.T) {
	src := bytes.Repeat([]byte("replicate me "), 4096)
	for _, name := range CompressorNames() {
		t.Run(name, func(t *testing.T) {
			c, ok := LookupCompressor(name)
			require.True(t, ok)
			require.NotNil(t, c)
			assert.Equal(t, name, c.Name())

			packed, err := c.Compress(nil, src)
			require.NoError(t, err)
			assert.Less(t, len(packed), len(src))

			out, err := c.Decompress([]byte("pre"), packed, len(src))
			require.NoError(t, err)
			assert.Equal(t, "pre", string(out[:3]))
			assert.Equal(t, src, out[3:])
		})
	}
}

func TestDecompressSizeMismatch(t *testing.T) {
	src := bytes.Repeat([]byte{7}, 1000)
	for _, name := range CompressorNames() {
		t.Run(name, func(t *testing.T) {
			c, _ := LookupCompressor(name)
			packed, err := c.Compress(nil, src)
			require.NoError(t, err)

			_, err = c.Decompress(nil, packed, len(src)-1)
			assert.ErrorIs(t, err, ErrSizeMismatch)
		})
	}
}

func TestDecompressRejectsHugeAnnouncedSize(t *testing.T) {
	packed := map[string][]byte{}
	for _, name := range CompressorNames() {
		c, _ := LookupCompressor(name)
		p, err := c.Compress(nil, []byte("tiny"))
		require.NoError(t, err)
		packed[name] = p
	}
	for _, name := range CompressorNames() {
		t.Run(name, func(t *testing.T) {
			c, _ := LookupCompressor(name)
			_, err := c.Decompress(nil, packed[name], MaxDecodedSize+1)
			require.ErrorIs(t, err, ErrTooLarge)
			_, err = c.Decompress(nil, packed[name], -1)
			assert.ErrorIs(t, err, ErrTooLarge)
		})
	}
}

func TestSnappyHeaderLargerThanAnnounced(t *testing.T) {
	// A snappy block whose varint header claims 1 MiB.
	lying := binary.AppendUvarint(nil, 1<<20)
	c, _ := LookupCompressor("snappy")
	_, err := c.Decompress(nil, lying, 16)
	assert.ErrorIs(t, err, ErrSizeMismatch)
}

func TestZstdOutputBoundedByAnnouncedSize(t *testing.T) {
	src := bytes.Repeat([]byte("z"), 1<<16)
	c, _ := LookupCompressor("zstd")
	packed, err := c.Compress(nil, src)
	require.NoError(t, err)

	out, err := c.Decompress(make([]byte, 0, 8), packed, 100)
	assert.ErrorIs(t, err, ErrSizeMismatch)
	assert.Empty(t, out)
}

func TestLookupNone(t *testing.T) {
	c, ok := LookupCompressor(None)
	assert.True(t, ok)
	assert.Nil(t, c)

	_, ok = LookupCompressor("lzma")
	assert.False(t, ok)

	sum, ok := LookupChecksum("")
	assert.True(t, ok)
	assert.Nil(t, sum)
}

func TestNegotiate(t *testing.T) {
	assert.Equal(t, "s2", Negotiate([]string{"zstd", "s2"}, []string{"gzip", "s2"}))
	assert.Equal(t, None, Negotiate([]string{"zstd"}, []string{"gzip"}))
	assert.Equal(t, None, Negotiate(nil, []string{"gzip"}))
	assert.Equal(t, "zstd", Negotiate([]string{"lz4", "zstd", "s2"}, []string{"s2", "zstd"}), "preference order wins")
}

func TestChecksums(t *testing.T) {
	data := []byte("hello, world")
	for _, name := range ChecksumNames() {
		t.Run(name, func(t *testing.T) {
			c, ok := LookupChecksum(name)
			require.True(t, ok)
			sum := c.Sum(data)
			assert.Len(t, sum, c.Size)
			assert.Equal(t, c.Hex(data), c.Hex(append([]byte(nil), data...)))
			assert.NotEqual(t, c.Hex(data), c.Hex([]byte("hello, world!")))
		})
	}
}

func TestChecksumFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "f")
	data := bytes.Repeat([]byte("abc"), 50000)
	require.NoError(t, os.WriteFile(path, data, 0o644))

	c, _ := LookupChecksum("blake3")
	got, err := c.File(path, int64(len(data)))
	require.NoError(t, err)
	assert.Equal(t, c.Hex(data), got)

	got, err = c.File(path, 10)
	require.NoError(t, err)
	assert.Equal(t, c.Hex(data[:10]), got)

	_, err = c.File(filepath.Join(t.TempDir(), "missing"), 1)
	assert.Error(t, err)
}
