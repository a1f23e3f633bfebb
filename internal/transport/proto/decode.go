package proto

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/bamsammich/mirror/internal/event"
)

// TimeLayout is the wire format of modification times, always UTC.
const TimeLayout = "2006-01-02:15:04:05"

const (
	maxLine = 64 * 1024
	maxName = 1 << 20
)

// IDMapper translates user and group names to local ids. The fallback is
// the server's numeric id, used when the name is unknown locally.
type IDMapper interface {
	UID(name string, fallback uint32) uint32
	GID(name string, fallback uint32) uint32
}

// Decoder reads lines, raw byte runs and typed records from the server stream.
type Decoder struct {
	r   *bufio.Reader
	ids IDMapper
}

// NewDecoder returns a decoder reading from r. ids may be nil, in which case
// names on translated connections are ignored and numeric ids kept.
func NewDecoder(r io.Reader, ids IDMapper) *Decoder {
	return &Decoder{r: bufio.NewReaderSize(r, maxLine), ids: ids}
}

// ReadLine returns the next line without its terminator.
func (d *Decoder) ReadLine() (string, error) {
	line, err := d.r.ReadSlice('\n')
	switch {
	case errors.Is(err, bufio.ErrBufferFull):
		return "", protocolf("reply line longer than %d bytes", maxLine)
	case errors.Is(err, io.EOF) && len(line) > 0:
		return "", fmt.Errorf("%w: line: %w", ErrTruncated, io.ErrUnexpectedEOF)
	case err != nil:
		return "", fmt.Errorf("%w: %w", ErrTransport, err)
	}
	return strings.TrimRight(string(line), "\r\n"), nil
}

// ReadRaw reads exactly n bytes into buf (grown as needed).
func (d *Decoder) ReadRaw(buf []byte, n int) ([]byte, error) {
	if cap(buf) < n {
		buf = make([]byte, n)
	}
	buf = buf[:n]
	if _, err := io.ReadFull(d.r, buf); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, fmt.Errorf("%w: %d raw bytes: %w", ErrTruncated, n, err)
		}
		return nil, fmt.Errorf("%w: %w", ErrTransport, err)
	}
	return buf, nil
}

func (d *Decoder) readName(n int) (string, error) {
	if n == 0 {
		return "", nil
	}
	b, err := d.ReadRaw(nil, n)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// DecodeEvent parses the body of an event reply (the text after the status
// code) and reads the path bytes and stat lines that follow it.
//
//nolint:gocyclo,revive // cyclomatic: one branch per field of the wire record
func (d *Decoder) DecodeEvent(body string, translate bool) (event.Record, error) {
	body = strings.TrimLeft(body, " \t")
	switch {
	case strings.HasPrefix(body, "NO"):
		return event.Record{}, ErrTimeout
	case strings.HasPrefix(body, "BI"):
		return event.Record{}, ErrTooLarge
	case !strings.HasPrefix(body, "EV"):
		return event.Record{}, protocolf("unexpected event reply %q", body)
	}

	f := strings.Fields(body[2:])
	if len(f) != 8 {
		return event.Record{}, protocolf("event header has %d fields: %q", len(f), body)
	}
	var n [8]int64
	for i, s := range f {
		v, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return event.Record{}, protocolf("event field %d %q: %v", i, s, err)
		}
		n[i] = v
	}
	fnum, fpos, etype, ftype, statValid, mtimeValid, fromLen, toLen :=
		n[0], n[1], event.Type(n[2]), event.FileType(n[3]), n[4], n[5], n[6], n[7]

	if !etype.Valid() {
		return event.Record{}, protocolf("event type %d", n[2])
	}
	if !ftype.Valid() {
		return event.Record{}, protocolf("file type %d", n[3])
	}
	if statValid>>1 != 0 || mtimeValid>>1 != 0 {
		return event.Record{}, protocolf("event flags %d %d", statValid, mtimeValid)
	}
	if fromLen < 0 || toLen < 0 || fromLen > maxName || toLen > maxName {
		return event.Record{}, protocolf("event name lengths %d %d", fromLen, toLen)
	}

	rec := event.Record{
		Pos:       event.Position{File: fnum, Offset: fpos},
		Type:      etype,
		FileType:  ftype,
		StatValid: statValid == 1,
	}
	var err error
	if rec.FromPath, err = d.readName(int(fromLen)); err != nil {
		return event.Record{}, err
	}
	if rec.ToPath, err = d.readName(int(toLen)); err != nil {
		return event.Record{}, err
	}

	if rec.StatValid {
		line, err := d.ReadLine()
		if err != nil {
			return event.Record{}, err
		}
		if err := d.parseStat(line, translate, &rec.Stat); err != nil {
			return event.Record{}, err
		}
	}
	if mtimeValid == 1 {
		line, err := d.ReadLine()
		if err != nil {
			return event.Record{}, err
		}
		if rec.MTime, err = parseMTimeLine(line); err != nil {
			return event.Record{}, err
		}
	}
	return rec, nil
}

func (d *Decoder) parseStat(line string, translate bool, st *event.Stat) error {
	f := strings.Fields(line)
	if len(f) == 0 {
		return protocolf("empty stat line")
	}

	var uname, gname string
	var rest []string
	switch {
	case f[0] == "NSTAT" && len(f) == 9:
		uname, gname = f[2], f[4]
		rest = []string{f[1], f[3], f[5], f[6], f[7], f[8]}
	case f[0] == "STAT" && len(f) == 7:
		if translate {
			return protocolf("untranslated ids on a translated connection: %q", line)
		}
		rest = f[1:]
	default:
		return protocolf("bad stat line %q", line)
	}

	mode, err := strconv.ParseUint(rest[0], 8, 32)
	if err != nil {
		return protocolf("mode %q: %v", rest[0], err)
	}
	uid, err := parseID(rest[1])
	if err != nil {
		return err
	}
	gid, err := parseID(rest[2])
	if err != nil {
		return err
	}
	size, err := parseSize(rest[3])
	if err != nil {
		return err
	}
	dev, err := parseDevice(rest[4], rest[5])
	if err != nil {
		return err
	}

	st.Mode = uint32(mode)
	st.UID, st.GID = d.mapIDs(translate, uname, uid, gname, gid)
	st.Size = size
	st.Dev = dev
	return nil
}

func (d *Decoder) mapIDs(translate bool, uname string, uid uint32, gname string, gid uint32) (uint32, uint32) {
	if !translate || d.ids == nil {
		return uid, gid
	}
	return d.ids.UID(uname, uid), d.ids.GID(gname, gid)
}

func parseMTimeLine(line string) (time.Time, error) {
	f := strings.Fields(line)
	if len(f) != 2 || f[0] != "MTIME" {
		return time.Time{}, protocolf("bad mtime line %q", line)
	}
	return ParseTime(f[1])
}

// ParseTime parses a wire timestamp.
func ParseTime(s string) (time.Time, error) {
	t, err := time.ParseInLocation(TimeLayout, s, time.UTC)
	if err != nil {
		return time.Time{}, protocolf("timestamp %q: %v", s, err)
	}
	return t, nil
}

func parseID(s string) (uint32, error) {
	v, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, protocolf("id %q: %v", s, err)
	}
	return uint32(v), nil
}

func parseSize(s string) (int64, error) {
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil || v < 0 {
		return 0, protocolf("size %q", s)
	}
	return v, nil
}

func parseDevice(major, minor string) (event.Device, error) {
	ma, err := strconv.ParseUint(major, 10, 32)
	if err != nil {
		return event.Device{}, protocolf("device major %q: %v", major, err)
	}
	mi, err := strconv.ParseUint(minor, 10, 32)
	if err != nil {
		return event.Device{}, protocolf("device minor %q: %v", minor, err)
	}
	return event.Device{Major: uint32(ma), Minor: uint32(mi)}, nil
}

// DecodeDirEntry parses one directory listing line and reads the name and
// symlink target bytes that follow it.
//
//nolint:gocyclo,revive // cyclomatic: one branch per field of the wire record
func (d *Decoder) DecodeDirEntry(line string, translate bool) (event.DirEntry, error) {
	f := strings.Fields(line)

	var uname, gname string
	var owner, group string
	var rest []string
	switch {
	case translate && (len(f) == 13 || len(f) == 14):
		uname, owner, gname, group = f[4], f[5], f[6], f[7]
		rest = f[8:]
	case !translate && (len(f) == 11 || len(f) == 12):
		owner, group = f[4], f[5]
		rest = f[6:]
	default:
		return event.DirEntry{}, protocolf("directory entry has %d fields: %q", len(f), line)
	}

	ft, err := strconv.Atoi(f[0])
	if err != nil || !event.FileType(ft).Valid() {
		return event.DirEntry{}, protocolf("directory entry type %q", f[0])
	}
	devNo, err := strconv.ParseUint(f[1], 10, 64)
	if err != nil {
		return event.DirEntry{}, protocolf("directory entry device %q", f[1])
	}
	ino, err := strconv.ParseUint(f[2], 10, 64)
	if err != nil {
		return event.DirEntry{}, protocolf("directory entry inode %q", f[2])
	}
	mode, err := strconv.ParseUint(f[3], 8, 32)
	if err != nil {
		return event.DirEntry{}, protocolf("directory entry mode %q", f[3])
	}
	uid, err := parseID(owner)
	if err != nil {
		return event.DirEntry{}, err
	}
	gid, err := parseID(group)
	if err != nil {
		return event.DirEntry{}, err
	}

	// rest: size mtime major minor namelen [targetlen]
	size, err := parseSize(rest[0])
	if err != nil {
		return event.DirEntry{}, err
	}
	mtime, err := ParseTime(rest[1])
	if err != nil {
		return event.DirEntry{}, err
	}
	dev, err := parseDevice(rest[2], rest[3])
	if err != nil {
		return event.DirEntry{}, err
	}
	nameLen, err := strconv.Atoi(rest[4])
	if err != nil || nameLen <= 0 || nameLen > maxName {
		return event.DirEntry{}, protocolf("directory entry name length %q", rest[4])
	}
	targetLen := 0
	if len(rest) == 6 {
		targetLen, err = strconv.Atoi(rest[5])
		if err != nil || targetLen < 0 || targetLen > maxName {
			return event.DirEntry{}, protocolf("directory entry target length %q", rest[5])
		}
	}

	e := event.DirEntry{
		FileType: event.FileType(ft),
		DevNo:    devNo,
		Ino:      ino,
		Stat: event.Stat{
			Mode:  uint32(mode),
			Size:  size,
			MTime: mtime,
			Dev:   dev,
		},
	}
	e.UID, e.GID = d.mapIDs(translate, uname, uid, gname, gid)
	if e.Name, err = d.readName(nameLen); err != nil {
		return event.DirEntry{}, err
	}
	if e.Target, err = d.readName(targetLen); err != nil {
		return event.DirEntry{}, err
	}
	return e, nil
}
