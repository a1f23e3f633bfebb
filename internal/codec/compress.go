// Package codec holds the compression and checksum methods that client and
// server negotiate by name.
package codec

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"slices"
	"sync"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/s2"
	"github.com/klauspost/compress/snappy"
	"github.com/klauspost/compress/zstd"
)

// None is the method name meaning "no compression" or "no checksum".
const None = "none"

// MaxDecodedSize bounds the announced size of one compressed payload.
const MaxDecodedSize = 64 << 20

var (
	// ErrSizeMismatch is returned when a payload does not decompress to the
	// announced size.
	ErrSizeMismatch = errors.New("decompressed size mismatch")
	// ErrTooLarge is returned for an announced size beyond MaxDecodedSize.
	ErrTooLarge = errors.New("announced payload size too large")
)

// Compressor is a block compression method.
type Compressor interface {
	Name() string
	Compress(dst, src []byte) ([]byte, error)
	// Decompress appends the expansion of src to dst. The result must be
	// exactly size bytes.
	Decompress(dst, src []byte, size int) ([]byte, error)
}

var compressors = map[string]Compressor{
	"zstd":   &zstdCompressor{},
	"s2":     s2Compressor{},
	"snappy": snappyCompressor{},
	"gzip":   gzipCompressor{},
}

// CompressorNames lists the supported compression methods in preference order.
func CompressorNames() []string {
	return []string{"zstd", "s2", "snappy", "gzip"}
}

// LookupCompressor returns the compressor with the given name. None and the
// empty string return nil with ok set.
func LookupCompressor(name string) (Compressor, bool) {
	if name == "" || name == None {
		return nil, true
	}
	c, ok := compressors[name]
	return c, ok
}

// Negotiate returns the first name in prefs that the peer offers, or None.
func Negotiate(prefs, offered []string) string {
	for _, p := range prefs {
		if slices.Contains(offered, p) {
			return p
		}
	}
	return None
}

func checkAnnounced(size int) error {
	if size < 0 || size > MaxDecodedSize {
		return fmt.Errorf("%w: %d bytes", ErrTooLarge, size)
	}
	return nil
}

func checkSize(out []byte, start, size int) ([]byte, error) {
	if len(out)-start != size {
		return out, fmt.Errorf("%w: got %d, want %d", ErrSizeMismatch, len(out)-start, size)
	}
	return out, nil
}

type zstdCompressor struct {
	once    sync.Once
	encoder *zstd.Encoder
	decoder *zstd.Decoder
	err     error
}

func (z *zstdCompressor) init() error {
	z.once.Do(func() {
		z.encoder, z.err = zstd.NewWriter(nil,
			zstd.WithEncoderLevel(zstd.SpeedFastest),
			zstd.WithEncoderConcurrency(1),
		)
		if z.err != nil {
			z.err = fmt.Errorf("zstd encoder: %w", z.err)
			return
		}
		z.decoder, z.err = zstd.NewReader(nil,
			zstd.WithDecoderConcurrency(1),
			zstd.WithDecoderMaxMemory(MaxDecodedSize),
			zstd.WithDecodeAllCapLimit(true),
		)
		if z.err != nil {
			z.err = fmt.Errorf("zstd decoder: %w", z.err)
		}
	})
	return z.err
}

func (*zstdCompressor) Name() string { return "zstd" }

func (z *zstdCompressor) Compress(dst, src []byte) ([]byte, error) {
	if err := z.init(); err != nil {
		return dst, err
	}
	return z.encoder.EncodeAll(src, dst), nil
}

func (z *zstdCompressor) Decompress(dst, src []byte, size int) ([]byte, error) {
	if err := checkAnnounced(size); err != nil {
		return dst, err
	}
	if err := z.init(); err != nil {
		return dst, err
	}
	var h zstd.Header
	if h.Decode(src) == nil && h.HasFCS && h.FrameContentSize != uint64(size) {
		return dst, fmt.Errorf("%w: header says %d, want %d", ErrSizeMismatch, h.FrameContentSize, size)
	}
	// Decoding stops at the capacity of dst, so the output cannot outgrow size.
	start := len(dst)
	out, err := z.decoder.DecodeAll(src, slices.Grow(dst, size)[:start])
	if errors.Is(err, zstd.ErrDecoderSizeExceeded) {
		return dst, fmt.Errorf("%w: more than %d bytes", ErrSizeMismatch, size)
	}
	if err != nil {
		return dst, fmt.Errorf("zstd: %w", err)
	}
	return checkSize(out, start, size)
}

type s2Compressor struct{}

func (s2Compressor) Name() string { return "s2" }

func (s2Compressor) Compress(dst, src []byte) ([]byte, error) {
	return append(dst, s2.Encode(nil, src)...), nil
}

func (s2Compressor) Decompress(dst, src []byte, size int) ([]byte, error) {
	if err := checkAnnounced(size); err != nil {
		return dst, err
	}
	n, err := s2.DecodedLen(src)
	if err != nil {
		return dst, fmt.Errorf("s2: %w", err)
	}
	if n != size {
		return dst, fmt.Errorf("%w: header says %d, want %d", ErrSizeMismatch, n, size)
	}
	out, err := s2.Decode(nil, src)
	if err != nil {
		return dst, fmt.Errorf("s2: %w", err)
	}
	return append(dst, out...), nil
}

type snappyCompressor struct{}

func (snappyCompressor) Name() string { return "snappy" }

func (snappyCompressor) Compress(dst, src []byte) ([]byte, error) {
	return append(dst, snappy.Encode(nil, src)...), nil
}

func (snappyCompressor) Decompress(dst, src []byte, size int) ([]byte, error) {
	if err := checkAnnounced(size); err != nil {
		return dst, err
	}
	n, err := snappy.DecodedLen(src)
	if err != nil {
		return dst, fmt.Errorf("snappy: %w", err)
	}
	if n != size {
		return dst, fmt.Errorf("%w: header says %d, want %d", ErrSizeMismatch, n, size)
	}
	out, err := snappy.Decode(nil, src)
	if err != nil {
		return dst, fmt.Errorf("snappy: %w", err)
	}
	return append(dst, out...), nil
}

type gzipCompressor struct{}

func (gzipCompressor) Name() string { return "gzip" }

func (gzipCompressor) Compress(dst, src []byte) ([]byte, error) {
	buf := bytes.NewBuffer(dst)
	w, err := gzip.NewWriterLevel(buf, gzip.BestSpeed)
	if err != nil {
		return dst, fmt.Errorf("gzip: %w", err)
	}
	if _, err := w.Write(src); err != nil {
		return dst, fmt.Errorf("gzip: %w", err)
	}
	if err := w.Close(); err != nil {
		return dst, fmt.Errorf("gzip: %w", err)
	}
	return buf.Bytes(), nil
}

func (gzipCompressor) Decompress(dst, src []byte, size int) ([]byte, error) {
	if err := checkAnnounced(size); err != nil {
		return dst, err
	}
	r, err := gzip.NewReader(bytes.NewReader(src))
	if err != nil {
		return dst, fmt.Errorf("gzip: %w", err)
	}
	defer r.Close()

	start := len(dst)
	buf := bytes.NewBuffer(dst)
	// one byte past size detects oversized payloads
	if _, err := io.Copy(buf, io.LimitReader(r, int64(size)+1)); err != nil {
		return dst, fmt.Errorf("gzip: %w", err)
	}
	return checkSize(buf.Bytes(), start, size)
}
