// Package delta implements the signature/delta exchange used to update an
// existing local file: the client describes the blocks it already has, the
// server answers with copy and literal instructions.
package delta

import (
	"errors"
	"fmt"
	"io"
	"math"

	"github.com/cespare/xxhash/v2"
	"github.com/tinylib/msgp/msgp"
	"github.com/zeebo/blake3"
)

// ErrMalformed is returned when a signature or delta stream cannot be decoded.
var ErrMalformed = errors.New("malformed delta stream")

// BlockSignature holds weak and strong hashes for one block of the basis.
type BlockSignature struct {
	Offset int64
	Weak   uint64
	Strong [32]byte
}

// Signature is the block-level description of a basis file.
type Signature struct {
	Blocks    []BlockSignature
	BlockSize int
	FileSize  int64
}

// ChooseBlockSize selects a block size for a file: sqrt(fileSize) clamped to
// [512, 128KB].
func ChooseBlockSize(fileSize int64) int {
	bs := int(math.Sqrt(float64(fileSize)))
	if bs < 512 {
		bs = 512
	}
	if bs > 131072 {
		bs = 131072
	}
	return bs
}

// ComputeSignature hashes basis block by block with xxHash (weak) and BLAKE3
// (strong).
func ComputeSignature(basis []byte) Signature {
	blockSize := ChooseBlockSize(int64(len(basis)))
	sig := Signature{
		BlockSize: blockSize,
		FileSize:  int64(len(basis)),
		Blocks:    make([]BlockSignature, 0, (len(basis)+blockSize-1)/blockSize),
	}
	for off := 0; off < len(basis); off += blockSize {
		block := basis[off:min(off+blockSize, len(basis))]
		sig.Blocks = append(sig.Blocks, BlockSignature{
			Offset: int64(off),
			Weak:   xxhash.Sum64(block),
			Strong: blake3.Sum256(block),
		})
	}
	return sig
}

// WriteSignature encodes sig to w as a msgpack stream.
func WriteSignature(w io.Writer, sig Signature) error {
	mw := msgp.NewWriter(w)
	if err := mw.WriteArrayHeader(3); err != nil {
		return err
	}
	if err := mw.WriteInt(sig.BlockSize); err != nil {
		return err
	}
	if err := mw.WriteInt64(sig.FileSize); err != nil {
		return err
	}
	//nolint:gosec // G115: block counts fit in uint32
	if err := mw.WriteArrayHeader(uint32(len(sig.Blocks))); err != nil {
		return err
	}
	for i := range sig.Blocks {
		b := &sig.Blocks[i]
		if err := mw.WriteArrayHeader(2); err != nil {
			return err
		}
		if err := mw.WriteUint64(b.Weak); err != nil {
			return err
		}
		if err := mw.WriteBytes(b.Strong[:]); err != nil {
			return err
		}
	}
	return mw.Flush()
}

// ReadSignature decodes a signature written by WriteSignature.
func ReadSignature(r io.Reader) (Signature, error) {
	mr := msgp.NewReader(r)
	var sig Signature

	n, err := mr.ReadArrayHeader()
	if err != nil {
		return sig, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	if n != 3 {
		return sig, fmt.Errorf("%w: signature header has %d fields", ErrMalformed, n)
	}
	if sig.BlockSize, err = mr.ReadInt(); err != nil {
		return sig, fmt.Errorf("%w: block size: %w", ErrMalformed, err)
	}
	if sig.BlockSize <= 0 {
		return sig, fmt.Errorf("%w: block size %d", ErrMalformed, sig.BlockSize)
	}
	if sig.FileSize, err = mr.ReadInt64(); err != nil {
		return sig, fmt.Errorf("%w: file size: %w", ErrMalformed, err)
	}
	count, err := mr.ReadArrayHeader()
	if err != nil {
		return sig, fmt.Errorf("%w: block count: %w", ErrMalformed, err)
	}

	sig.Blocks = make([]BlockSignature, 0, count)
	var scratch []byte
	for i := range int64(count) {
		if fields, err := mr.ReadArrayHeader(); err != nil || fields != 2 {
			return sig, fmt.Errorf("%w: block %d header", ErrMalformed, i)
		}
		b := BlockSignature{Offset: i * int64(sig.BlockSize)}
		if b.Weak, err = mr.ReadUint64(); err != nil {
			return sig, fmt.Errorf("%w: block %d weak hash: %w", ErrMalformed, i, err)
		}
		if scratch, err = mr.ReadBytes(scratch[:0]); err != nil {
			return sig, fmt.Errorf("%w: block %d strong hash: %w", ErrMalformed, i, err)
		}
		if len(scratch) != len(b.Strong) {
			return sig, fmt.Errorf("%w: block %d strong hash is %d bytes", ErrMalformed, i, len(scratch))
		}
		copy(b.Strong[:], scratch)
		sig.Blocks = append(sig.Blocks, b)
	}
	return sig, nil
}
