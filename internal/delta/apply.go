package delta

import (
	"fmt"
	"io"

	"github.com/tinylib/msgp/msgp"
)

// Op is one instruction for rebuilding a file. If BlockIdx >= 0, Length
// bytes are copied from the basis at Offset; otherwise Literal holds the data.
type Op struct {
	Literal  []byte
	Offset   int64
	BlockIdx int
	Length   int
}

const (
	opEnd     = 0
	opCopy    = 1
	opLiteral = 2
)

// OpWriter encodes ops as a msgpack stream terminated by an end marker.
type OpWriter struct {
	mw *msgp.Writer
}

// NewOpWriter returns an OpWriter writing to w.
func NewOpWriter(w io.Writer) *OpWriter {
	return &OpWriter{mw: msgp.NewWriter(w)}
}

// Write encodes one op.
func (w *OpWriter) Write(op Op) error {
	if op.BlockIdx >= 0 {
		if err := w.mw.WriteArrayHeader(4); err != nil {
			return err
		}
		if err := w.mw.WriteInt(opCopy); err != nil {
			return err
		}
		if err := w.mw.WriteInt(op.BlockIdx); err != nil {
			return err
		}
		if err := w.mw.WriteInt64(op.Offset); err != nil {
			return err
		}
		return w.mw.WriteInt(op.Length)
	}
	if err := w.mw.WriteArrayHeader(2); err != nil {
		return err
	}
	if err := w.mw.WriteInt(opLiteral); err != nil {
		return err
	}
	return w.mw.WriteBytes(op.Literal)
}

// Close writes the end marker and flushes.
func (w *OpWriter) Close() error {
	if err := w.mw.WriteArrayHeader(1); err != nil {
		return err
	}
	if err := w.mw.WriteInt(opEnd); err != nil {
		return err
	}
	return w.mw.Flush()
}

// OpReader decodes an op stream written by OpWriter.
type OpReader struct {
	mr *msgp.Reader
}

// NewOpReader returns an OpReader reading from r.
func NewOpReader(r io.Reader) *OpReader {
	return &OpReader{mr: msgp.NewReader(r)}
}

// Next returns the next op, or io.EOF after the end marker.
func (r *OpReader) Next() (Op, error) {
	n, err := r.mr.ReadArrayHeader()
	if err != nil {
		return Op{}, fmt.Errorf("%w: op header: %w", ErrMalformed, err)
	}
	if n == 0 {
		return Op{}, fmt.Errorf("%w: empty op", ErrMalformed)
	}
	kind, err := r.mr.ReadInt()
	if err != nil {
		return Op{}, fmt.Errorf("%w: op kind: %w", ErrMalformed, err)
	}

	switch {
	case kind == opEnd && n == 1:
		return Op{}, io.EOF
	case kind == opCopy && n == 4:
		op := Op{}
		if op.BlockIdx, err = r.mr.ReadInt(); err != nil {
			return Op{}, fmt.Errorf("%w: block index: %w", ErrMalformed, err)
		}
		if op.Offset, err = r.mr.ReadInt64(); err != nil {
			return Op{}, fmt.Errorf("%w: offset: %w", ErrMalformed, err)
		}
		if op.Length, err = r.mr.ReadInt(); err != nil {
			return Op{}, fmt.Errorf("%w: length: %w", ErrMalformed, err)
		}
		if op.BlockIdx < 0 || op.Offset < 0 || op.Length < 0 {
			return Op{}, fmt.Errorf("%w: negative copy op", ErrMalformed)
		}
		return op, nil
	case kind == opLiteral && n == 2:
		data, err := r.mr.ReadBytes(nil)
		if err != nil {
			return Op{}, fmt.Errorf("%w: literal: %w", ErrMalformed, err)
		}
		return Op{BlockIdx: -1, Length: len(data), Literal: data}, nil
	default:
		return Op{}, fmt.Errorf("%w: op kind %d with %d fields", ErrMalformed, kind, n)
	}
}

// Stats summarises an applied delta.
type Stats struct {
	MatchedBlocks int
	MatchedBytes  int64
	LiteralBytes  int64
}

// Apply rebuilds a file from basis and the ops read from r, writing the
// result to dst.
func Apply(basis []byte, r *OpReader, dst io.Writer) (Stats, error) {
	var st Stats
	for {
		op, err := r.Next()
		if err == io.EOF {
			return st, nil
		}
		if err != nil {
			return st, err
		}
		if op.BlockIdx >= 0 {
			end := op.Offset + int64(op.Length)
			if end > int64(len(basis)) {
				return st, fmt.Errorf("%w: copy [%d,%d) past basis size %d",
					ErrMalformed, op.Offset, end, len(basis))
			}
			if _, err := dst.Write(basis[op.Offset:end]); err != nil {
				return st, err
			}
			st.MatchedBlocks++
			st.MatchedBytes += int64(op.Length)
			continue
		}
		if _, err := dst.Write(op.Literal); err != nil {
			return st, err
		}
		st.LiteralBytes += int64(op.Length)
	}
}

// Summarize returns the number of matched blocks and literal bytes in ops.
func Summarize(ops []Op) (matchedBlocks int, literalBytes int64) {
	for _, op := range ops {
		if op.BlockIdx >= 0 {
			matchedBlocks++
		} else {
			literalBytes += int64(op.Length)
		}
	}
	return matchedBlocks, literalBytes
}
