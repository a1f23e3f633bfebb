package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"
)

// DefaultDialTimeout bounds connection setup when DialOptions.Timeout is
// zero.
const DefaultDialTimeout = 30 * time.Second

// DialOptions configures Dial.
type DialOptions struct {
	Logger  *slog.Logger
	SSH     SSHOpts
	TLS     TLSOpts
	BWLimit int64 // bytes per second in both directions; 0 = unlimited
	Timeout time.Duration
}

// Dial opens the byte stream to the server at addr. The connection
// stays usable after ctx is done; ctx only bounds setup.
func Dial(ctx context.Context, addr Address, opts DialOptions) (io.ReadWriteCloser, error) {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultDialTimeout
	}
	dctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	conn, err := dial(dctx, addr, opts)
	if err != nil {
		return nil, err
	}
	log.Debug("connected", "server", addr.String(), "scheme", addr.Scheme.String())

	if opts.BWLimit > 0 {
		conn = LimitConn(conn, NewBWLimiter(opts.BWLimit))
	}
	return conn, nil
}

func dial(ctx context.Context, addr Address, opts DialOptions) (io.ReadWriteCloser, error) {
	var d net.Dialer
	switch addr.Scheme {
	case SchemeTCP:
		conn, err := d.DialContext(ctx, "tcp", addr.HostPort())
		if err != nil {
			return nil, fmt.Errorf("dial %s: %w", addr.HostPort(), err)
		}
		return conn, nil
	case SchemeUnix:
		conn, err := d.DialContext(ctx, "unix", addr.Path)
		if err != nil {
			return nil, fmt.Errorf("dial %s: %w", addr.Path, err)
		}
		return conn, nil
	case SchemeTLS:
		cfg, err := ClientTLSConfig(addr.Host, opts.TLS)
		if err != nil {
			return nil, err
		}
		td := tls.Dialer{NetDialer: &d, Config: cfg}
		conn, err := td.DialContext(ctx, "tcp", addr.HostPort())
		if err != nil {
			return nil, fmt.Errorf("tls dial %s: %w", addr.HostPort(), err)
		}
		return conn, nil
	case SchemeSSH:
		client, err := DialSSH(ctx, addr, opts.SSH)
		if err != nil {
			return nil, err
		}
		command := addr.Command
		if len(command) == 0 {
			command = strings.Fields(DefaultCommand)
		}
		return startSSH(client, command)
	case SchemeExec:
		return startExec(addr.Command)
	default:
		return nil, fmt.Errorf("%w: unsupported scheme %s", ErrAddress, addr.Scheme)
	}
}

// execConn is the stdin/stdout of a local server command.
type execConn struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
}

func startExec(argv []string) (*execConn, error) {
	if len(argv) == 0 {
		return nil, fmt.Errorf("%w: no command", ErrAddress)
	}
	cmd := exec.Command(argv[0], argv[1:]...) //nolint:gosec // command comes from the user
	cmd.Stderr = os.Stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{}
	setPdeathsig(cmd.SysProcAttr)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", argv[0], err)
	}

	return &execConn{cmd: cmd, stdin: stdin, stdout: stdout}, nil
}

func (c *execConn) Read(p []byte) (int, error)  { return c.stdout.Read(p) }
func (c *execConn) Write(p []byte) (int, error) { return c.stdin.Write(p) }

// execGrace is how long a server command has to exit after its stdin is
// closed before it is killed.
const execGrace = 5 * time.Second

// Close closes the command's stdin and waits for it to exit, killing it
// after a grace period.
func (c *execConn) Close() error {
	err := c.stdin.Close()
	done := make(chan error, 1)
	go func() { done <- c.cmd.Wait() }()
	select {
	case werr := <-done:
		var exitErr *exec.ExitError
		if werr != nil && !errors.As(werr, &exitErr) {
			err = errors.Join(err, werr)
		}
	case <-time.After(execGrace):
		err = errors.Join(err, c.cmd.Process.Kill())
		<-done
	}
	return err
}
