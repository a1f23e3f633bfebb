package transfer

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/bamsammich/mirror/internal/delta"
)

// signatureChunk bounds each SIGNATURE request.
const signatureChunk = 64 * 1024

// deltaInto sends a signature of basis and rebuilds the source in tmp from
// the server's delta. The codec runs under delta.Isolate.
func (c *Copier) deltaInto(req *Request, basis []byte, tmp *os.File) error {
	sig := delta.ComputeSignature(basis)

	sw := &signatureWriter{c: c}
	bw := bufio.NewWriterSize(sw, signatureChunk)
	if err := delta.WriteSignature(bw, sig); err != nil {
		return fmt.Errorf("signature %s: %w", req.Dst, err)
	}
	if err := bw.Flush(); err != nil {
		return fmt.Errorf("signature %s: %w", req.Dst, err)
	}
	if _, err := c.cfg.Server.SendSignature(nil); err != nil {
		return fmt.Errorf("signature %s: %w", req.Dst, err)
	}

	dr := &deltaReader{c: c}
	out := io.NewOffsetWriter(tmp, 0)
	var st delta.Stats
	err := delta.Isolate(func() error {
		var err error
		st, err = delta.Apply(basis, delta.NewOpReader(dr), out)
		return err
	})
	if dr.err != nil {
		// The connection failed underneath the codec.
		return fmt.Errorf("delta %s: %w", req.Src, dr.err)
	}
	if derr := dr.drain(); derr != nil {
		return fmt.Errorf("delta %s: %w", req.Src, errors.Join(err, derr))
	}
	if err != nil {
		return fmt.Errorf("delta %s: %w", req.Src, err)
	}

	c.cfg.Stats.AddBytesLocal(st.MatchedBytes)
	c.cfg.Stats.AddBytesLogical(st.MatchedBytes + st.LiteralBytes)
	c.log.Debug("delta applied", "path", req.Dst,
		"matched_blocks", st.MatchedBlocks, "literal_bytes", st.LiteralBytes)

	size := st.MatchedBytes + st.LiteralBytes
	return tmp.Truncate(size)
}

// signatureWriter turns each buffered write into one SIGNATURE request.
type signatureWriter struct {
	c *Copier
}

func (w *signatureWriter) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	wire, err := w.c.cfg.Server.SendSignature(p)
	w.c.cfg.Stats.AddBytesWire(int64(wire))
	if err != nil {
		return 0, err
	}
	return len(p), nil
}

// deltaReader pulls DELTA chunks on demand until the server ends the
// stream.
type deltaReader struct {
	c    *Copier
	err  error // failure talking to the server
	buf  []byte
	pend []byte
	eof  bool
}

func (r *deltaReader) Read(p []byte) (int, error) {
	for len(r.pend) == 0 {
		if r.eof {
			return 0, io.EOF
		}
		if r.err != nil {
			return 0, r.err
		}
		data, wire, err := r.c.cfg.Server.Delta(r.buf)
		r.c.cfg.Stats.AddBytesWire(int64(wire))
		switch {
		case err == io.EOF:
			r.eof = true
		case err != nil:
			r.err = err
		default:
			r.pend = data
			r.buf = data[:0]
		}
	}
	n := copy(p, r.pend)
	r.pend = r.pend[n:]
	return n, nil
}

// drain consumes what is left of the stream so the connection is back at
// a request boundary.
func (r *deltaReader) drain() error {
	for !r.eof {
		if r.err != nil {
			return r.err
		}
		r.pend = nil
		var p [1]byte
		if _, err := r.Read(p[:]); err != nil && err != io.EOF {
			return err
		}
	}
	return nil
}
