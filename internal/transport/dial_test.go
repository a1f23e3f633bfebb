package transport

import (
	"bufio"
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"io"
	"math/big"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// echoServer answers every line with the same line.
func echoServer(t *testing.T, ln net.Listener) {
	t.Helper()
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				r := bufio.NewReader(conn)
				for {
					line, err := r.ReadString('\n')
					if err != nil {
						return
					}
					if _, err := io.WriteString(conn, line); err != nil {
						return
					}
				}
			}()
		}
	}()
}

func roundTrip(t *testing.T, conn io.ReadWriteCloser) {
	t.Helper()
	_, err := io.WriteString(conn, "STATUS\n")
	require.NoError(t, err)
	line, err := bufio.NewReader(conn).ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "STATUS\n", line)
}

func listenerAddress(t *testing.T, ln net.Listener, scheme Scheme) Address {
	t.Helper()
	host, port, err := net.SplitHostPort(ln.Addr().String())
	require.NoError(t, err)
	p, err := strconv.Atoi(port)
	require.NoError(t, err)
	return Address{Scheme: scheme, Host: host, Port: p}
}

func TestDial_TCP(t *testing.T) {
	t.Parallel()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	echoServer(t, ln)

	conn, err := Dial(context.Background(), listenerAddress(t, ln, SchemeTCP), DialOptions{})
	require.NoError(t, err)
	defer conn.Close()
	roundTrip(t, conn)
}

func TestDial_Unix(t *testing.T) {
	t.Parallel()
	dir, err := os.MkdirTemp("", "mirror")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })
	path := filepath.Join(dir, "s.sock")

	ln, err := net.Listen("unix", path)
	require.NoError(t, err)
	echoServer(t, ln)

	conn, err := Dial(context.Background(), Address{Scheme: SchemeUnix, Path: path}, DialOptions{})
	require.NoError(t, err)
	defer conn.Close()
	roundTrip(t, conn)
}

func TestDial_BandwidthLimited(t *testing.T) {
	t.Parallel()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	echoServer(t, ln)

	conn, err := Dial(context.Background(), listenerAddress(t, ln, SchemeTCP), DialOptions{BWLimit: 1 << 20})
	require.NoError(t, err)
	defer conn.Close()
	assert.IsType(t, &limitedConn{}, conn)
	roundTrip(t, conn)
}

func TestDial_Refused(t *testing.T) {
	t.Parallel()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := listenerAddress(t, ln, SchemeTCP)
	ln.Close()

	_, err = Dial(context.Background(), addr, DialOptions{Timeout: time.Second})
	assert.Error(t, err)
}

func TestDial_UnknownScheme(t *testing.T) {
	t.Parallel()
	_, err := Dial(context.Background(), Address{Scheme: Scheme(99)}, DialOptions{})
	assert.ErrorIs(t, err, ErrAddress)
}

func TestDial_Exec(t *testing.T) {
	t.Parallel()
	if _, err := exec.LookPath("cat"); err != nil {
		t.Skip("cat not available")
	}

	conn, err := Dial(context.Background(), Address{Scheme: SchemeExec, Command: []string{"cat"}}, DialOptions{})
	require.NoError(t, err)
	roundTrip(t, conn)
	require.NoError(t, conn.Close())
}

func TestDial_ExecMissingCommand(t *testing.T) {
	t.Parallel()
	_, err := Dial(context.Background(),
		Address{Scheme: SchemeExec, Command: []string{"/nonexistent/mirror-server"}}, DialOptions{})
	assert.Error(t, err)
}

func selfSignedCert(t *testing.T) (tls.Certificate, []byte) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	template := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "mirror test"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		IPAddresses:  []net.IP{net.IPv4(127, 0, 0, 1)},
		IsCA:         true,

		BasicConstraintsValid: true,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	require.NoError(t, err)
	keyDER, err := x509.MarshalECPrivateKey(key)
	require.NoError(t, err)

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})
	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	require.NoError(t, err)
	return cert, certPEM
}

func tlsListener(t *testing.T, cert tls.Certificate) net.Listener {
	t.Helper()
	ln, err := tls.Listen("tcp", "127.0.0.1:0", &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	})
	require.NoError(t, err)
	echoServer(t, ln)
	return ln
}

func TestDial_TLS(t *testing.T) {
	t.Parallel()
	cert, certPEM := selfSignedCert(t)
	ln := tlsListener(t, cert)
	addr := listenerAddress(t, ln, SchemeTLS)
	fp := CertFingerprint(cert.Certificate[0])

	t.Run("pinned fingerprint", func(t *testing.T) {
		t.Parallel()
		conn, err := Dial(context.Background(), addr, DialOptions{TLS: TLSOpts{Fingerprint: fp}})
		require.NoError(t, err)
		defer conn.Close()
		roundTrip(t, conn)
	})

	t.Run("wrong fingerprint", func(t *testing.T) {
		t.Parallel()
		_, err := Dial(context.Background(), addr, DialOptions{TLS: TLSOpts{Fingerprint: "SHA256:bogus"}})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "fingerprint mismatch")
	})

	t.Run("CA file", func(t *testing.T) {
		t.Parallel()
		ca := filepath.Join(t.TempDir(), "ca.pem")
		require.NoError(t, os.WriteFile(ca, certPEM, 0o600))

		conn, err := Dial(context.Background(), addr, DialOptions{TLS: TLSOpts{CAFile: ca}})
		require.NoError(t, err)
		defer conn.Close()
		roundTrip(t, conn)
	})

	t.Run("trust on first use", func(t *testing.T) {
		t.Parallel()
		kh := filepath.Join(t.TempDir(), "known_hosts")

		conn, err := Dial(context.Background(), addr, DialOptions{TLS: TLSOpts{KnownHosts: kh}})
		require.NoError(t, err)
		conn.Close()

		data, err := os.ReadFile(kh)
		require.NoError(t, err)
		assert.Equal(t, addr.Host+" "+fp+"\n", string(data))

		// A different certificate on the same host is rejected.
		other, _ := selfSignedCert(t)
		ln2 := tlsListener(t, other)
		addr2 := listenerAddress(t, ln2, SchemeTLS)
		_, err = Dial(context.Background(), addr2, DialOptions{TLS: TLSOpts{KnownHosts: kh}})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "has changed")
	})
}

func TestKnownHosts(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "sub", "known_hosts")

	kh, err := LoadKnownHosts(path)
	require.NoError(t, err)
	require.NoError(t, kh.Verify("b", "SHA256:bbb"))
	require.NoError(t, kh.Verify("a", "SHA256:aaa"))
	require.NoError(t, kh.Verify("a", "SHA256:aaa"))
	require.Error(t, kh.Verify("a", "SHA256:xxx"))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "a SHA256:aaa\nb SHA256:bbb\n", string(data))

	require.NoError(t, os.WriteFile(path, []byte("# comment\n\na SHA256:aaa\n"), 0o600))
	kh, err = LoadKnownHosts(path)
	require.NoError(t, err)
	assert.Error(t, kh.Verify("a", "SHA256:zzz"))
}

func TestClientTLSConfig_BadCA(t *testing.T) {
	t.Parallel()
	ca := filepath.Join(t.TempDir(), "ca.pem")
	require.NoError(t, os.WriteFile(ca, []byte("not a cert"), 0o600))

	_, err := ClientTLSConfig("nas", TLSOpts{CAFile: ca})
	assert.Error(t, err)

	_, err = ClientTLSConfig("nas", TLSOpts{CAFile: filepath.Join(t.TempDir(), "missing")})
	assert.Error(t, err)
}
