package transport

import (
	"context"
	"errors"
	"io"
	"time"

	"golang.org/x/time/rate"
)

// NewBWLimiter creates a rate.Limiter that caps aggregate throughput to
// bytesPerSec. The burst is 1 MB so ordinary read sizes pass without
// blocking on every call.
func NewBWLimiter(bytesPerSec int64) *rate.Limiter {
	burst := 1 << 20 // 1 MB
	if bytesPerSec < int64(burst) {
		burst = int(max(bytesPerSec, 1))
	}
	return rate.NewLimiter(rate.Limit(bytesPerSec), burst)
}

// waitN waits for n tokens, in pieces no larger than the burst.
func waitN(ctx context.Context, l *rate.Limiter, n int) error {
	for n > 0 {
		step := min(n, l.Burst())
		if err := l.WaitN(ctx, step); err != nil {
			return err
		}
		n -= step
	}
	return nil
}

// limitedConn throttles both directions of a connection through one
// shared limiter.
type limitedConn struct {
	io.ReadWriteCloser
	limiter *rate.Limiter
	ctx     context.Context
	cancel  context.CancelFunc
}

// LimitConn wraps conn so that bytes read and written together stay under
// limiter's rate. A nil limiter returns conn unchanged. Closing the result
// releases any goroutine blocked waiting for tokens.
func LimitConn(conn io.ReadWriteCloser, limiter *rate.Limiter) io.ReadWriteCloser {
	if limiter == nil {
		return conn
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &limitedConn{ReadWriteCloser: conn, limiter: limiter, ctx: ctx, cancel: cancel}
}

func (c *limitedConn) Read(p []byte) (int, error) {
	n, err := c.ReadWriteCloser.Read(p)
	if n > 0 {
		if waitErr := waitN(c.ctx, c.limiter, n); waitErr != nil {
			return n, waitErr
		}
	}
	return n, err
}

func (c *limitedConn) Write(p []byte) (int, error) {
	if err := waitN(c.ctx, c.limiter, len(p)); err != nil {
		return 0, err
	}
	return c.ReadWriteCloser.Write(p)
}

func (c *limitedConn) Close() error {
	c.cancel()
	return c.ReadWriteCloser.Close()
}

// SetReadDeadline forwards to the wrapped connection when it supports
// deadlines.
func (c *limitedConn) SetReadDeadline(t time.Time) error {
	if d, ok := c.ReadWriteCloser.(interface{ SetReadDeadline(time.Time) error }); ok {
		return d.SetReadDeadline(t)
	}
	return errors.ErrUnsupported
}
