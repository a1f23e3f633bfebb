// Package transport establishes the byte stream to a replication server:
// address parsing, dialing over TCP, TLS, Unix sockets, SSH sessions or a
// local command, and bandwidth limiting.
package transport

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
)

// DefaultPort is the server's TCP port when an address names none.
const DefaultPort = 9876

// DefaultCommand is the server command run over ssh when none is given.
const DefaultCommand = "mirror-server --stdio"

// Scheme selects how the connection is made.
type Scheme int

const (
	SchemeTCP Scheme = iota
	SchemeTLS
	SchemeUnix
	SchemeSSH
	SchemeExec
)

var schemeNames = [...]string{
	SchemeTCP:  "tcp",
	SchemeTLS:  "tls",
	SchemeUnix: "unix",
	SchemeSSH:  "ssh",
	SchemeExec: "exec",
}

func (s Scheme) String() string {
	if s >= 0 && int(s) < len(schemeNames) {
		return schemeNames[s]
	}
	return "unknown"
}

// ErrAddress is returned for server addresses that cannot be parsed.
var ErrAddress = errors.New("invalid server address")

// Address is a parsed server address.
type Address struct {
	Host    string
	User    string
	Path    string   // unix socket path
	Command []string // exec argv, or the remote command for ssh
	Port    int
	Scheme  Scheme
}

// ParseAddress parses a server address.
//
// Supported formats:
//   - host, host:port, tcp://host[:port]   → TCP (default port 9876)
//   - tls://host[:port]                    → TLS over TCP
//   - /path/to/socket, unix:///path        → Unix socket
//   - ssh://[user@]host[:port][/command]   → server command over an SSH session
//   - user@host                            → same as ssh://user@host
//   - exec:command args...                 → local command's stdin/stdout
//
//nolint:revive // cognitive-complexity: one branch per address form
func ParseAddress(s string) (Address, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Address{}, fmt.Errorf("%w: empty", ErrAddress)
	}

	if rest, ok := strings.CutPrefix(s, "exec:"); ok {
		argv := strings.Fields(rest)
		if len(argv) == 0 {
			return Address{}, fmt.Errorf("%w: %q: no command", ErrAddress, s)
		}
		return Address{Scheme: SchemeExec, Command: argv}, nil
	}

	// A bare absolute path is a Unix socket.
	if strings.HasPrefix(s, "/") {
		return Address{Scheme: SchemeUnix, Path: s}, nil
	}

	if !strings.Contains(s, "://") {
		if user, host, ok := strings.Cut(s, "@"); ok && user != "" && host != "" {
			return parseURL("ssh://" + s)
		}
		return parseURL("tcp://" + s)
	}
	return parseURL(s)
}

func parseURL(s string) (Address, error) {
	u, err := url.Parse(s)
	if err != nil {
		return Address{}, fmt.Errorf("%w: %w", ErrAddress, err)
	}

	var a Address
	switch u.Scheme {
	case "tcp":
		a.Scheme = SchemeTCP
	case "tls":
		a.Scheme = SchemeTLS
	case "ssh":
		a.Scheme = SchemeSSH
	case "unix":
		if u.Path == "" {
			return Address{}, fmt.Errorf("%w: %q: no socket path", ErrAddress, s)
		}
		return Address{Scheme: SchemeUnix, Path: u.Path}, nil
	default:
		return Address{}, fmt.Errorf("%w: unknown scheme %q", ErrAddress, u.Scheme)
	}

	a.Host = u.Hostname()
	if a.Host == "" {
		return Address{}, fmt.Errorf("%w: %q: no host", ErrAddress, s)
	}
	if p := u.Port(); p != "" {
		a.Port, err = strconv.Atoi(p)
		if err != nil || a.Port <= 0 || a.Port > 65535 {
			return Address{}, fmt.Errorf("%w: %q: bad port", ErrAddress, s)
		}
	}
	if u.User != nil {
		a.User = u.User.Username()
	}

	if a.Scheme == SchemeSSH {
		if cmd := strings.Trim(u.Path, "/"); cmd != "" {
			a.Command = strings.Fields(cmd)
		}
	} else if u.Path != "" && u.Path != "/" {
		return Address{}, fmt.Errorf("%w: %q: unexpected path", ErrAddress, s)
	}
	return a, nil
}

// HostPort returns host:port for network schemes, filling in the default
// port for the scheme.
func (a Address) HostPort() string {
	port := a.Port
	if port == 0 {
		port = DefaultPort
		if a.Scheme == SchemeSSH {
			port = 22
		}
	}
	return net.JoinHostPort(a.Host, strconv.Itoa(port))
}

// String returns the address in URL form.
func (a Address) String() string {
	switch a.Scheme {
	case SchemeUnix:
		return "unix://" + a.Path
	case SchemeExec:
		return "exec:" + strings.Join(a.Command, " ")
	}
	s := a.Scheme.String() + "://"
	if a.User != "" {
		s += a.User + "@"
	}
	s += a.HostPort()
	if len(a.Command) > 0 {
		s += "/" + strings.Join(a.Command, " ")
	}
	return s
}
