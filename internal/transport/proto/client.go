package proto

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/bamsammich/mirror/internal/codec"
	"github.com/bamsammich/mirror/internal/event"
)

// ServerStatus is the parsed reply to STATUS.
type ServerStatus struct {
	Extensions  []string
	Checksums   []string
	Compressors []string
	Pos         event.Position
}

// Has reports whether the server advertises extension ext.
func (s ServerStatus) Has(ext string) bool {
	for _, e := range s.Extensions {
		if e == ext {
			return true
		}
	}
	return false
}

// ClientOptions configures a Client.
type ClientOptions struct {
	IDs    IDMapper
	Logger *slog.Logger
}

// Client speaks the line protocol to a replication server. It is not safe
// for concurrent use: requests and replies are strictly sequential.
type Client struct {
	conn      io.ReadWriteCloser
	dec       *Decoder
	w         *bufio.Writer
	log       *slog.Logger
	compress  codec.Compressor
	rbytes    *atomic.Int64
	wbytes    *atomic.Int64
	checksum  *codec.Checksum
	translate bool
}

// NewClient wraps an established connection.
func NewClient(conn io.ReadWriteCloser, opts ClientOptions) *Client {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	c := &Client{
		conn:   conn,
		log:    log,
		rbytes: new(atomic.Int64),
		wbytes: new(atomic.Int64),
	}
	c.dec = NewDecoder(&countingReader{r: conn, n: c.rbytes}, opts.IDs)
	c.w = bufio.NewWriter(&countingWriter{w: conn, n: c.wbytes})
	return c
}

// Counters returns the bytes read from and written to the connection.
func (c *Client) Counters() (read, written int64) {
	return c.rbytes.Load(), c.wbytes.Load()
}

// Translating reports whether ids on this connection arrive as names.
func (c *Client) Translating() bool { return c.translate }

// Compressor returns the negotiated compression method, or nil.
func (c *Client) Compressor() codec.Compressor { return c.compress }

// Checksum returns the negotiated checksum method, or nil.
func (c *Client) Checksum() *codec.Checksum { return c.checksum }

func (c *Client) send(line string, payload []byte) error {
	c.log.Debug("send", "command", line)
	if _, err := c.w.WriteString(line); err != nil {
		return fmt.Errorf("%w: %w", ErrTransport, err)
	}
	if err := c.w.WriteByte('\n'); err != nil {
		return fmt.Errorf("%w: %w", ErrTransport, err)
	}
	if len(payload) > 0 {
		if _, err := c.w.Write(payload); err != nil {
			return fmt.Errorf("%w: %w", ErrTransport, err)
		}
	}
	if err := c.w.Flush(); err != nil {
		return fmt.Errorf("%w: %w", ErrTransport, err)
	}
	return nil
}

// reply reads one reply line and returns the text after an OK status.
func (c *Client) reply(command string) (string, error) {
	line, err := c.dec.ReadLine()
	if err != nil {
		return "", err
	}
	return parseReply(command, line)
}

func parseReply(command, line string) (string, error) {
	if len(line) < 2 {
		return "", protocolf("%s: short reply %q", command, line)
	}
	code, rest := line[:2], strings.TrimLeft(line[2:], " \t")
	if code != "OK" {
		return "", &ServerError{Command: command, Code: code, Message: rest}
	}
	return rest, nil
}

func (c *Client) command(payload []byte, format string, args ...any) (string, error) {
	line := fmt.Sprintf(format, args...)
	if err := c.send(line, payload); err != nil {
		return "", err
	}
	name, _, _ := strings.Cut(line, " ")
	return c.reply(name)
}

// Status asks the server for its log position and capabilities.
func (c *Client) Status() (ServerStatus, error) {
	body, err := c.command(nil, "STATUS")
	if err != nil {
		return ServerStatus{}, err
	}
	return ParseStatus(body)
}

// ParseStatus parses a STATUS reply body.
func ParseStatus(body string) (ServerStatus, error) {
	var st ServerStatus
	for _, kv := range strings.Fields(body) {
		k, v, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		var err error
		switch k {
		case "file":
			st.Pos.File, err = strconv.ParseInt(v, 10, 64)
		case "pos":
			st.Pos.Offset, err = strconv.ParseInt(v, 10, 64)
		case "ext":
			st.Extensions = splitList(v)
		case "checksum":
			st.Checksums = splitList(v)
		case "compress":
			st.Compressors = splitList(v)
		}
		if err != nil {
			return st, protocolf("status %s=%q", k, v)
		}
	}
	return st, nil
}

func splitList(v string) []string {
	if v == "" || v == "-" {
		return nil
	}
	return strings.Split(v, ",")
}

// SetCompression selects the block compression method for DATA and DELTA
// replies. codec.None disables compression.
func (c *Client) SetCompression(name string) error {
	comp, ok := codec.LookupCompressor(name)
	if !ok {
		return fmt.Errorf("unknown compression method %q", name)
	}
	if _, err := c.command(nil, "SET compress %s", methodName(name)); err != nil {
		return err
	}
	c.compress = comp
	return nil
}

// SetChecksum selects the checksum method used by CHECKSUM.
func (c *Client) SetChecksum(name string) error {
	sum, ok := codec.LookupChecksum(name)
	if !ok {
		return fmt.Errorf("unknown checksum method %q", name)
	}
	if _, err := c.command(nil, "SET checksum %s", methodName(name)); err != nil {
		return err
	}
	c.checksum = sum
	return nil
}

func methodName(name string) string {
	if name == "" {
		return codec.None
	}
	return name
}

// Debug toggles server-side debugging.
func (c *Client) Debug(on bool) error {
	cmd := "NODEBUG"
	if on {
		cmd = "DEBUG"
	}
	_, err := c.command(nil, "%s", cmd)
	return err
}

// SetRoot tells the server where to start reading its event log and which
// subtree to report. translate requests user and group names with ids.
func (c *Client) SetRoot(pos event.Position, root string, translate bool) error {
	if _, err := c.command(nil, "SETROOT %d %d %s %d", pos.File, pos.Offset, Quote(root), boolInt(translate)); err != nil {
		return err
	}
	c.translate = translate
	return nil
}

// interruptOn arranges for a blocked read to return when ctx is done.
// Connections with read deadlines are woken; others are closed.
func (c *Client) interruptOn(ctx context.Context) func() bool {
	type deadliner interface{ SetReadDeadline(time.Time) error }
	return context.AfterFunc(ctx, func() {
		if d, ok := c.conn.(deadliner); ok {
			if err := d.SetReadDeadline(time.Unix(1, 0)); err == nil {
				return
			}
		}
		c.conn.Close()
	})
}

func interrupted(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return fmt.Errorf("%w: %w", ErrInterrupted, err)
	}
	return err
}

// NextEvent asks for the next event. timeout < 0 waits indefinitely; budget
// < 0 accepts an event of any size. It returns ErrTimeout, ErrTooLarge or
// ErrInterrupted for the corresponding outcomes.
func (c *Client) NextEvent(ctx context.Context, timeout time.Duration, budget int) (event.Record, error) {
	if ctx.Err() != nil {
		return event.Record{}, ErrInterrupted
	}
	secs := -1
	if timeout >= 0 {
		secs = int(timeout / time.Second)
	}

	stop := c.interruptOn(ctx)
	defer stop()

	body, err := c.command(nil, "EVENT %d %d", secs, budget)
	if err != nil {
		return event.Record{}, interrupted(ctx, err)
	}
	rec, err := c.dec.DecodeEvent(body, c.translate)
	if err != nil {
		return event.Record{}, interrupted(ctx, err)
	}
	return rec, nil
}

// StartBatch asks the server to stream up to maxEvents events within budget
// bytes. The server blocks until at least one event is available. Read the
// events with NextBatched until it returns ErrBatchEnd.
func (c *Client) StartBatch(maxEvents, budget int) error {
	return c.send(fmt.Sprintf("EVBATCH %d %d", maxEvents, budget), nil)
}

// NextBatched reads the next event of a batch started with StartBatch.
func (c *Client) NextBatched(ctx context.Context) (event.Record, error) {
	stop := c.interruptOn(ctx)
	defer stop()

	line, err := c.dec.ReadLine()
	if err != nil {
		return event.Record{}, interrupted(ctx, err)
	}
	if strings.HasPrefix(strings.ToLower(line), "interrupt") {
		return event.Record{}, ErrInterrupted
	}
	body, err := parseReply("EVBATCH", line)
	if err != nil {
		return event.Record{}, err
	}
	rec, err := c.dec.DecodeEvent(body, c.translate)
	if errors.Is(err, ErrTimeout) {
		return event.Record{}, ErrBatchEnd
	}
	if err != nil {
		return event.Record{}, interrupted(ctx, err)
	}
	return rec, nil
}

// Stat returns the server's view of path.
func (c *Client) Stat(path string) (event.DirEntry, error) {
	body, err := c.command(nil, "STAT %s %d", Quote(path), boolInt(c.translate))
	if err != nil {
		return event.DirEntry{}, err
	}
	return c.dec.DecodeDirEntry(body, c.translate)
}

// GetDir lists a server directory. The listing excludes "." and "..".
func (c *Client) GetDir(path string) ([]event.DirEntry, error) {
	if _, err := c.command(nil, "GETDIR %s %d", Quote(path), boolInt(c.translate)); err != nil {
		return nil, err
	}
	var entries []event.DirEntry
	for {
		line, err := c.dec.ReadLine()
		if err != nil {
			return nil, err
		}
		if line == "." {
			return entries, nil
		}
		e, err := c.dec.DecodeDirEntry(line, c.translate)
		if err != nil {
			return nil, err
		}
		if e.Name == "." || e.Name == ".." {
			continue
		}
		entries = append(entries, e)
	}
}

// Open starts a file transfer of path.
func (c *Client) Open(path string) error {
	_, err := c.command(nil, "OPEN %s", Quote(path))
	return err
}

// CloseFile ends the current file transfer.
func (c *Client) CloseFile() error {
	_, err := c.command(nil, "CLOSEFILE")
	return err
}

// Data reads length bytes at offset of the open file into buf. It returns
// the data and the number of bytes that crossed the wire. A reply with no
// data returns ErrShortRead.
func (c *Client) Data(offset, length int64, buf []byte) ([]byte, int, error) {
	body, err := c.command(nil, "DATA %d %d", offset, length)
	if err != nil {
		return nil, 0, err
	}
	data, wire, err := c.readPayload("DATA", body, buf)
	if err != nil {
		return nil, wire, err
	}
	if len(data) == 0 {
		return nil, wire, fmt.Errorf("DATA %d %d: %w", offset, length, ErrShortRead)
	}
	if int64(len(data)) > length {
		return nil, wire, protocolf("DATA %d %d: server sent %d bytes", offset, length, len(data))
	}
	return data, wire, nil
}

// readPayload parses "<n>" or "<csize> <usize>" and reads the bytes that
// follow, decompressing them if needed.
func (c *Client) readPayload(command, body string, buf []byte) ([]byte, int, error) {
	f := strings.Fields(body)
	if len(f) != 1 && len(f) != 2 {
		return nil, 0, protocolf("%s: bad size reply %q", command, body)
	}
	csize, err := strconv.Atoi(f[0])
	if err != nil || csize < 0 || csize > maxLine*64 {
		return nil, 0, protocolf("%s: bad size %q", command, f[0])
	}
	usize := csize
	if len(f) == 2 {
		usize, err = strconv.Atoi(f[1])
		if err != nil || usize <= csize || usize > maxLine*64 {
			return nil, 0, protocolf("%s: bad uncompressed size %q for %d", command, f[1], csize)
		}
	}

	raw, err := c.dec.ReadRaw(nil, csize)
	if err != nil {
		return nil, 0, err
	}
	if usize == csize {
		return append(buf[:0], raw...), csize, nil
	}
	if c.compress == nil {
		return nil, csize, protocolf("%s: compressed reply without negotiated compression", command)
	}
	data, err := c.compress.Decompress(buf[:0], raw, usize)
	if err != nil {
		return nil, csize, fmt.Errorf("%s: %w", command, err)
	}
	return data, csize, nil
}

// ChecksumRange returns the server's digest of length bytes at offset of the open
// file, hex-encoded, and the length it covered.
func (c *Client) ChecksumRange(offset, length int64) (int64, string, error) {
	body, err := c.command(nil, "CHECKSUM %d %d", offset, length)
	if err != nil {
		return 0, "", err
	}
	f := strings.Fields(body)
	if len(f) != 2 {
		return 0, "", protocolf("CHECKSUM: bad reply %q", body)
	}
	n, err := strconv.ParseInt(f[0], 10, 64)
	if err != nil || n < 0 || n > length {
		return 0, "", protocolf("CHECKSUM: bad length %q", f[0])
	}
	return n, strings.ToLower(f[1]), nil
}

// SendSignature pushes one chunk of the signature stream. An empty chunk
// ends the stream.
func (c *Client) SendSignature(chunk []byte) (int, error) {
	if len(chunk) > 0 && c.compress != nil {
		packed, err := c.compress.Compress(nil, chunk)
		if err == nil && len(packed) < len(chunk) {
			_, err := c.command(packed, "SIGNATURE %d %d", len(packed), len(chunk))
			return len(packed), err
		}
	}
	_, err := c.command(chunk, "SIGNATURE %d", len(chunk))
	return len(chunk), err
}

// Delta pulls one chunk of the delta stream into buf. It returns io.EOF at
// the end of the stream.
func (c *Client) Delta(buf []byte) ([]byte, int, error) {
	body, err := c.command(nil, "DELTA")
	if err != nil {
		return nil, 0, err
	}
	data, wire, err := c.readPayload("DELTA", body, buf)
	if err != nil {
		return nil, wire, err
	}
	if len(data) == 0 {
		return nil, wire, io.EOF
	}
	return data, wire, nil
}

// Quit ends the session politely.
func (c *Client) Quit() error {
	_, err := c.command(nil, "QUIT")
	return err
}

// Close closes the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

type countingReader struct {
	r io.Reader
	n *atomic.Int64
}

func (r *countingReader) Read(p []byte) (int, error) {
	n, err := r.r.Read(p)
	r.n.Add(int64(n))
	return n, err
}

type countingWriter struct {
	w io.Writer
	n *atomic.Int64
}

func (w *countingWriter) Write(p []byte) (int, error) {
	n, err := w.w.Write(p)
	w.n.Add(int64(n))
	return n, err
}
