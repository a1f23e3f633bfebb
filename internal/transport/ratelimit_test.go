package transport

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type nopConn struct {
	io.Reader
	io.Writer
	closed bool
}

func (c *nopConn) Close() error { c.closed = true; return nil }

func TestNewBWLimiter(t *testing.T) {
	t.Parallel()

	t.Run("burst capped to rate when rate < 1MB", func(t *testing.T) {
		t.Parallel()
		lim := NewBWLimiter(1024)
		assert.Equal(t, 1024, lim.Burst())
	})

	t.Run("burst is 1MB when rate >= 1MB", func(t *testing.T) {
		t.Parallel()
		lim := NewBWLimiter(10 * 1024 * 1024)
		assert.Equal(t, 1<<20, lim.Burst())
	})
}

func TestLimitConn(t *testing.T) {
	t.Parallel()

	t.Run("nil limiter is passthrough", func(t *testing.T) {
		t.Parallel()
		c := &nopConn{}
		assert.Same(t, c, LimitConn(c, nil))
	})

	t.Run("reads all data", func(t *testing.T) {
		t.Parallel()
		data := bytes.Repeat([]byte("x"), 4096)
		c := LimitConn(&nopConn{Reader: bytes.NewReader(data)}, NewBWLimiter(1<<20))

		got, err := io.ReadAll(c)
		require.NoError(t, err)
		assert.Equal(t, data, got)
	})

	t.Run("writes larger than the burst", func(t *testing.T) {
		t.Parallel()
		var out bytes.Buffer
		c := LimitConn(&nopConn{Writer: &out}, NewBWLimiter(64*1024))

		data := bytes.Repeat([]byte("w"), 100*1024)
		n, err := c.Write(data)
		require.NoError(t, err)
		assert.Equal(t, len(data), n)
		assert.Equal(t, data, out.Bytes())
	})

	t.Run("enforces rate limit", func(t *testing.T) {
		t.Parallel()
		// 10 KB at 5 KB/s: the burst absorbs the first 5 KB.
		data := bytes.Repeat([]byte("a"), 10*1024)
		c := LimitConn(&nopConn{Reader: bytes.NewReader(data)}, NewBWLimiter(5*1024))

		start := time.Now()
		got, err := io.ReadAll(c)
		elapsed := time.Since(start)

		require.NoError(t, err)
		assert.Len(t, got, len(data))
		assert.Greater(t, elapsed, 500*time.Millisecond,
			"rate limiter should slow reads to ~5KB/s")
	})

	t.Run("close releases waiters", func(t *testing.T) {
		t.Parallel()
		inner := &nopConn{Writer: io.Discard}
		c := LimitConn(inner, NewBWLimiter(1024))

		// Drain the burst so the next write must wait.
		_, err := c.Write(make([]byte, 1024))
		require.NoError(t, err)

		done := make(chan error, 1)
		go func() {
			_, err := c.Write(make([]byte, 1024*1024))
			done <- err
		}()
		time.Sleep(20 * time.Millisecond)
		require.NoError(t, c.Close())

		select {
		case err := <-done:
			assert.ErrorIs(t, err, context.Canceled)
		case <-time.After(5 * time.Second):
			t.Fatal("write did not return after close")
		}
		assert.True(t, inner.closed)
	})
}

func TestLimitConn_ReadDeadline(t *testing.T) {
	t.Parallel()

	type deadliner interface{ SetReadDeadline(time.Time) error }

	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()
	c := LimitConn(a, NewBWLimiter(1<<20))

	d, ok := c.(deadliner)
	require.True(t, ok)
	require.NoError(t, d.SetReadDeadline(time.Unix(1, 0)))
	_, err := c.Read(make([]byte, 1))
	var ne net.Error
	require.True(t, errors.As(err, &ne))
	assert.True(t, ne.Timeout())

	plain := LimitConn(&nopConn{}, NewBWLimiter(1024)).(deadliner)
	assert.ErrorIs(t, plain.SetReadDeadline(time.Now()), errors.ErrUnsupported)
}
