// Package testutil provides an in-process replication server that serves a
// local directory over the line protocol, for package tests.
package testutil

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/user"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/bamsammich/mirror/internal/codec"
	"github.com/bamsammich/mirror/internal/delta"
	"github.com/bamsammich/mirror/internal/event"
	"github.com/bamsammich/mirror/internal/localfs"
	"github.com/bamsammich/mirror/internal/transport/proto"
)

const deltaChunk = 16 * 1024

// Stats counts the work a Server did on behalf of its clients.
type Stats struct {
	Commands         map[string]int
	DataBytes        int64 // uncompressed bytes served by DATA
	DataWire         int64 // bytes sent for DATA replies
	DeltaLiteral     int64 // literal bytes in computed deltas
	DataRequests     int
	ChecksumRequests int
	Opens            int
	Debug            bool
}

// Server serves Root. Server paths map to Root-relative local paths: the
// server path "/src/f" is Root/src/f.
type Server struct {
	Root        string
	Extensions  []string
	Checksums   []string
	Compressors []string

	mu     sync.Mutex
	log    []event.Record
	pos    event.Position
	wake   chan struct{}
	stats  Stats
	done   chan struct{}
	closed bool
}

// NewServer returns a server for root advertising every extension and
// every codec the client supports.
func NewServer(t testing.TB, root string) *Server {
	t.Helper()
	s := &Server{
		Root:        root,
		Extensions:  []string{"evbatch", "delta", "translate"},
		Checksums:   codec.ChecksumNames(),
		Compressors: codec.CompressorNames(),
		pos:         event.Position{File: 1},
		wake:        make(chan struct{}),
		done:        make(chan struct{}),
		stats:       Stats{Commands: map[string]int{}},
	}
	t.Cleanup(s.Close)
	return s
}

// Close wakes every waiting session so its goroutine can exit.
func (s *Server) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.done)
	}
}

// Path returns the local path backing server path p.
func (s *Server) Path(p string) string {
	return filepath.Join(s.Root, filepath.FromSlash(p))
}

// QueueEvent appends rec to the event log. A zero position is replaced by
// the next log position; the position of the event is returned.
func (s *Server) QueueEvent(rec event.Record) event.Position {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec.Pos == (event.Position{}) {
		s.pos.Offset += int64(64 + len(rec.FromPath) + len(rec.ToPath))
		rec.Pos = s.pos
	} else {
		s.pos = rec.Pos
	}
	s.log = append(s.log, rec)
	close(s.wake)
	s.wake = make(chan struct{})
	return rec.Pos
}

// StatEvent builds a record for server path p from the file currently at
// that path. Missing files produce a record with StatValid unset.
func (s *Server) StatEvent(typ event.Type, p string) event.Record {
	rec := event.Record{Type: typ, FromPath: p}
	e, err := localfs.Lstat(s.Path(p))
	if err != nil {
		return rec
	}
	rec.Stat = e.Stat
	rec.MTime = e.MTime.Truncate(time.Second)
	rec.FileType = e.FileType
	rec.StatValid = true
	if e.FileType == event.Symlink {
		rec.ToPath = e.Target
	}
	return rec
}

// Stats returns a copy of the server counters.
func (s *Server) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.stats
	st.Commands = make(map[string]int, len(s.stats.Commands))
	for k, v := range s.stats.Commands {
		st.Commands[k] = v
	}
	return st
}

// ResetStats zeroes the counters.
func (s *Server) ResetStats() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stats = Stats{Commands: map[string]int{}}
}

// Connect starts a session and returns the client end of it.
func (s *Server) Connect(t testing.TB) net.Conn {
	t.Helper()
	client, server := net.Pipe()

	var g errgroup.Group
	g.Go(func() error {
		defer server.Close()
		sess := &session{srv: s, r: bufio.NewReader(server), w: bufio.NewWriter(server)}
		return sess.serve()
	})
	t.Cleanup(func() {
		client.Close()
		s.Close()
		if err := g.Wait(); err != nil {
			t.Errorf("test server: %v", err)
		}
	})
	return client
}

func (s *Server) count(f func(*Stats)) {
	s.mu.Lock()
	f(&s.stats)
	s.mu.Unlock()
}

// next returns the first event at or after index i, waiting up to timeout
// (forever when negative).
func (s *Server) next(i int, timeout time.Duration) (event.Record, bool) {
	var timer <-chan time.Time
	if timeout >= 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timer = t.C
	}
	for {
		s.mu.Lock()
		if i < len(s.log) {
			rec := s.log[i]
			s.mu.Unlock()
			return rec, true
		}
		wake := s.wake
		s.mu.Unlock()

		select {
		case <-wake:
		case <-timer:
			return event.Record{}, false
		case <-s.done:
			return event.Record{}, false
		}
	}
}

type session struct {
	srv       *Server
	r         *bufio.Reader
	w         *bufio.Writer
	file      *os.File
	comp      codec.Compressor
	sum       *codec.Checksum
	root      string
	sig       bytes.Buffer
	delta     bytes.Buffer
	cursor    int
	translate bool
}

func (s *session) serve() error {
	for {
		line, err := s.r.ReadString('\n')
		if err != nil {
			return nil
		}
		args, err := proto.SplitArgs(strings.TrimSuffix(line, "\n"))
		if err != nil || len(args) == 0 {
			s.fail("bad request")
			continue
		}
		s.srv.count(func(st *Stats) { st.Commands[args[0]]++ })

		quit, err := s.handle(args[0], args[1:])
		if err != nil {
			s.fail(err.Error())
		}
		if ferr := s.w.Flush(); ferr != nil || quit {
			s.closeFile()
			return nil
		}
	}
}

func (s *session) fail(msg string) {
	fmt.Fprintf(s.w, "ER %s\n", strings.ReplaceAll(msg, "\n", " "))
}

func (s *session) ok(format string, args ...any) {
	s.w.WriteString("OK")
	if format != "" {
		s.w.WriteByte(' ')
		fmt.Fprintf(s.w, format, args...)
	}
	s.w.WriteByte('\n')
}

//nolint:gocyclo,revive // cyclomatic: one branch per command
func (s *session) handle(cmd string, args []string) (bool, error) {
	switch cmd {
	case "STATUS":
		s.srv.mu.Lock()
		st := proto.ServerStatus{
			Extensions:  s.srv.Extensions,
			Checksums:   s.srv.Checksums,
			Compressors: s.srv.Compressors,
			Pos:         s.srv.pos,
		}
		s.srv.mu.Unlock()
		s.ok("%s", proto.FormatStatus(st))
	case "SET":
		return false, s.set(args)
	case "SETROOT":
		return false, s.setRoot(args)
	case "EVENT":
		return false, s.event(args)
	case "EVBATCH":
		return false, s.batch(args)
	case "STAT":
		return false, s.stat(args)
	case "GETDIR":
		return false, s.getDir(args)
	case "OPEN":
		return false, s.open(args)
	case "DATA":
		return false, s.data(args)
	case "CHECKSUM":
		return false, s.checksum(args)
	case "SIGNATURE":
		return false, s.signature(args)
	case "DELTA":
		s.deltaChunk()
	case "CLOSEFILE":
		s.closeFile()
		s.ok("")
	case "DEBUG", "NODEBUG":
		s.srv.count(func(st *Stats) { st.Debug = cmd == "DEBUG" })
		s.ok("")
	case "QUIT":
		s.ok("")
		return true, nil
	default:
		return false, fmt.Errorf("unknown command %s", cmd)
	}
	return false, nil
}

func ints(args []string, n int) ([]int64, error) {
	if len(args) < n {
		return nil, fmt.Errorf("expected %d arguments, got %d", n, len(args))
	}
	out := make([]int64, n)
	for i := range n {
		v, err := strconv.ParseInt(args[i], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("argument %q: %w", args[i], err)
		}
		out[i] = v
	}
	return out, nil
}

func (s *session) set(args []string) error {
	if len(args) != 2 {
		return errors.New("usage: SET key value")
	}
	switch args[0] {
	case "compress":
		comp, ok := codec.LookupCompressor(args[1])
		if !ok {
			return fmt.Errorf("unknown compression %s", args[1])
		}
		s.comp = comp
	case "checksum":
		sum, ok := codec.LookupChecksum(args[1])
		if !ok {
			return fmt.Errorf("unknown checksum %s", args[1])
		}
		s.sum = sum
	default:
		return fmt.Errorf("unknown setting %s", args[0])
	}
	s.ok("")
	return nil
}

func (s *session) setRoot(args []string) error {
	if len(args) != 4 {
		return errors.New("usage: SETROOT fnum fpos root translate")
	}
	n, err := ints(args, 2)
	if err != nil {
		return err
	}
	start := event.Position{File: n[0], Offset: n[1]}
	s.root = args[2]
	s.translate = args[3] == "1"

	s.srv.mu.Lock()
	s.cursor = len(s.srv.log)
	for i, rec := range s.srv.log {
		if after(rec.Pos, start) {
			s.cursor = i
			break
		}
	}
	s.srv.mu.Unlock()
	s.ok("")
	return nil
}

func after(a, b event.Position) bool {
	return a.File > b.File || (a.File == b.File && a.Offset > b.Offset)
}

func (s *session) inRoot(p string) bool {
	return s.root == "" || s.root == "/" || p == s.root || strings.HasPrefix(p, strings.TrimSuffix(s.root, "/")+"/")
}

// nextEvent returns the next event under the session root.
func (s *session) nextEvent(timeout time.Duration) (event.Record, bool) {
	for {
		rec, ok := s.srv.next(s.cursor, timeout)
		if !ok {
			return rec, false
		}
		if rec.FromPath == "" || s.inRoot(rec.FromPath) || (rec.Type == event.Rename && s.inRoot(rec.ToPath)) {
			return rec, true
		}
		s.cursor++
	}
}

func cost(rec *event.Record) int64 {
	var n int64
	if rec.FromPath != "" {
		n += int64(len(rec.FromPath)) + 1
	}
	if rec.ToPath != "" {
		n += int64(len(rec.ToPath)) + 1
	}
	return n
}

func (s *session) encode(rec *event.Record) error {
	return proto.EncodeEvent(s.w, rec, s.translate, owner(rec.UID, rec.GID))
}

func (s *session) event(args []string) error {
	n, err := ints(args, 2)
	if err != nil {
		return err
	}
	timeout := time.Duration(-1)
	if n[0] >= 0 {
		timeout = time.Duration(n[0]) * time.Second
	}
	rec, ok := s.nextEvent(timeout)
	switch {
	case !ok:
		s.ok("NO")
	case n[1] >= 0 && cost(&rec) > n[1]:
		s.ok("BI")
	default:
		s.cursor++
		return s.encode(&rec)
	}
	return nil
}

func (s *session) batch(args []string) error {
	n, err := ints(args, 2)
	if err != nil {
		return err
	}
	maxEvents, budget := n[0], n[1]

	var sent, used int64
	for sent < maxEvents {
		timeout := time.Duration(0)
		if sent == 0 {
			timeout = -1
		}
		rec, ok := s.nextEvent(timeout)
		if !ok {
			if sent == 0 {
				s.w.WriteString("Interrupt\n")
				return nil
			}
			break
		}
		c := cost(&rec)
		if sent > 0 && budget >= 0 && used+c > budget {
			break
		}
		if err := s.encode(&rec); err != nil {
			return err
		}
		s.cursor++
		sent++
		used += c
	}
	s.ok("NO")
	return nil
}

func (s *session) stat(args []string) error {
	if len(args) < 1 {
		return errors.New("usage: STAT path translate")
	}
	e, err := localfs.Lstat(s.srv.Path(args[0]))
	if err != nil {
		return err
	}
	e.Name = filepath.Base(args[0])
	s.w.WriteString("OK ")
	return proto.EncodeDirEntry(s.w, &e, s.translate, owner(e.UID, e.GID))
}

func (s *session) getDir(args []string) error {
	if len(args) < 1 {
		return errors.New("usage: GETDIR path translate")
	}
	entries, err := localfs.ReadDir(s.srv.Path(args[0]))
	if err != nil {
		return err
	}
	s.ok("")
	for i := range entries {
		e := &entries[i]
		if localfs.IsTempName(e.Name) {
			continue
		}
		if err := proto.EncodeDirEntry(s.w, e, s.translate, owner(e.UID, e.GID)); err != nil {
			return err
		}
	}
	s.w.WriteString(".\n")
	return nil
}

func (s *session) open(args []string) error {
	if len(args) != 1 {
		return errors.New("usage: OPEN path")
	}
	s.closeFile()
	f, err := os.Open(s.srv.Path(args[0]))
	if err != nil {
		return err
	}
	s.file = f
	s.sig.Reset()
	s.delta.Reset()
	s.srv.count(func(st *Stats) { st.Opens++ })
	s.ok("")
	return nil
}

func (s *session) closeFile() {
	if s.file != nil {
		s.file.Close()
		s.file = nil
	}
}

func (s *session) read(off, length int64) ([]byte, error) {
	if s.file == nil {
		return nil, errors.New("no open file")
	}
	buf := make([]byte, length)
	n, err := s.file.ReadAt(buf, off)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	return buf[:n], nil
}

// payload writes data as "<n>" or, when compression helps, "<clen> <ulen>".
func (s *session) payload(data []byte) int {
	if s.comp != nil && len(data) > 0 {
		packed, err := s.comp.Compress(nil, data)
		if err == nil && len(packed) < len(data) {
			s.ok("%d %d", len(packed), len(data))
			s.w.Write(packed)
			return len(packed)
		}
	}
	s.ok("%d", len(data))
	s.w.Write(data)
	return len(data)
}

func (s *session) data(args []string) error {
	n, err := ints(args, 2)
	if err != nil {
		return err
	}
	data, err := s.read(n[0], n[1])
	if err != nil {
		return err
	}
	wire := s.payload(data)
	s.srv.count(func(st *Stats) {
		st.DataRequests++
		st.DataBytes += int64(len(data))
		st.DataWire += int64(wire)
	})
	return nil
}

func (s *session) checksum(args []string) error {
	n, err := ints(args, 2)
	if err != nil {
		return err
	}
	if s.sum == nil {
		return errors.New("no checksum negotiated")
	}
	data, err := s.read(n[0], n[1])
	if err != nil {
		return err
	}
	s.srv.count(func(st *Stats) { st.ChecksumRequests++ })
	s.ok("%d %s", len(data), s.sum.Hex(data))
	return nil
}

func (s *session) signature(args []string) error {
	if len(args) != 1 && len(args) != 2 {
		return errors.New("usage: SIGNATURE n | SIGNATURE clen ulen")
	}
	n, err := ints(args, len(args))
	if err != nil {
		return err
	}
	raw := make([]byte, n[0])
	if _, err := io.ReadFull(s.r, raw); err != nil {
		return err
	}
	if len(n) == 2 {
		if s.comp == nil {
			return errors.New("compressed signature without compression")
		}
		if raw, err = s.comp.Decompress(nil, raw, int(n[1])); err != nil {
			return err
		}
	}
	if len(raw) > 0 {
		s.sig.Write(raw)
		s.ok("")
		return nil
	}

	if s.file == nil {
		return errors.New("no open file")
	}
	sig, err := delta.ReadSignature(&s.sig)
	if err != nil {
		return err
	}
	src, err := io.ReadAll(io.NewSectionReader(s.file, 0, 1<<62))
	if err != nil {
		return err
	}
	ops := delta.MatchBlocks(src, sig)
	_, literal := delta.Summarize(ops)
	s.srv.count(func(st *Stats) { st.DeltaLiteral += literal })

	ow := delta.NewOpWriter(&s.delta)
	for _, op := range ops {
		if err := ow.Write(op); err != nil {
			return err
		}
	}
	if err := ow.Close(); err != nil {
		return err
	}
	s.ok("")
	return nil
}

func (s *session) deltaChunk() {
	s.payload(s.delta.Next(deltaChunk))
}

func owner(uid, gid uint32) proto.Owner {
	var o proto.Owner
	if u, err := user.LookupId(strconv.FormatUint(uint64(uid), 10)); err == nil {
		o.User = u.Username
	}
	if g, err := user.LookupGroupId(strconv.FormatUint(uint64(gid), 10)); err == nil {
		o.Group = g.Name
	}
	return o
}
