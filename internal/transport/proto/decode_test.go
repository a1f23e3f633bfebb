package proto

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bamsammich/mirror/internal/event"
)

type fakeIDs struct{}

func (fakeIDs) UID(name string, fallback uint32) uint32 {
	if name == "alice" {
		return 5001
	}
	return fallback
}

func (fakeIDs) GID(name string, fallback uint32) uint32 {
	if name == "staff" {
		return 6001
	}
	return fallback
}

func decoder(s string) *Decoder {
	return NewDecoder(strings.NewReader(s), fakeIDs{})
}

func TestDecodeEvent(t *testing.T) {
	d := decoder("/srv/a/srv/b" +
		"STAT 100644 1000 100 42 0 0\n" +
		"MTIME 2024-03-01:12:30:45\n")
	rec, err := d.DecodeEvent("EV 3 1024 4 0 1 1 6 6", false)
	require.NoError(t, err)

	assert.Equal(t, event.Position{File: 3, Offset: 1024}, rec.Pos)
	assert.Equal(t, event.Rename, rec.Type)
	assert.Equal(t, event.Regular, rec.FileType)
	assert.Equal(t, "/srv/a", rec.FromPath)
	assert.Equal(t, "/srv/b", rec.ToPath)
	assert.True(t, rec.StatValid)
	assert.Equal(t, uint32(0o100644), rec.Mode)
	assert.Equal(t, uint32(1000), rec.UID)
	assert.Equal(t, uint32(100), rec.GID)
	assert.Equal(t, int64(42), rec.Size)
	assert.Equal(t, time.Date(2024, 3, 1, 12, 30, 45, 0, time.UTC), rec.MTime)
}

func TestDecodeEventTranslated(t *testing.T) {
	d := decoder("/dev/x" +
		"NSTAT 20660 alice 10 staff 20 0 8 1\n")
	rec, err := d.DecodeEvent(" EV 1 2 0 2 1 0 6 0", true)
	require.NoError(t, err)
	assert.Equal(t, event.CharDevice, rec.FileType)
	assert.Equal(t, uint32(5001), rec.UID)
	assert.Equal(t, uint32(6001), rec.GID)
	assert.Equal(t, event.Device{Major: 8, Minor: 1}, rec.Dev)
	assert.True(t, rec.MTime.IsZero())
	assert.Empty(t, rec.ToPath)
}

func TestDecodeEventOutcomes(t *testing.T) {
	_, err := decoder("").DecodeEvent("NO", false)
	assert.ErrorIs(t, err, ErrTimeout)
	_, err = decoder("").DecodeEvent("BI", false)
	assert.ErrorIs(t, err, ErrTooLarge)
}

func TestDecodeEventErrors(t *testing.T) {
	tests := []struct {
		name      string
		header    string
		stream    string
		wantErr   error
		translate bool
	}{
		{name: "unknown reply", header: "XX 1", wantErr: ErrProtocol},
		{name: "short header", header: "EV 1 2 0 0 0 0 1", wantErr: ErrProtocol},
		{name: "non numeric", header: "EV 1 x 0 0 0 0 1 0", stream: "a", wantErr: ErrProtocol},
		{name: "bad event type", header: "EV 1 2 9 0 0 0 1 0", stream: "a", wantErr: ErrProtocol},
		{name: "bad file type", header: "EV 1 2 0 8 0 0 1 0", stream: "a", wantErr: ErrProtocol},
		{name: "bad flag", header: "EV 1 2 0 0 2 0 1 0", stream: "a", wantErr: ErrProtocol},
		{name: "negative length", header: "EV 1 2 0 0 0 0 -1 0", wantErr: ErrProtocol},
		{name: "truncated name", header: "EV 1 2 0 0 0 0 10 0", stream: "abc", wantErr: ErrTruncated},
		{name: "truncated stat", header: "EV 1 2 0 0 1 0 1 0", stream: "aSTAT 644", wantErr: ErrTruncated},
		{name: "bad mode", header: "EV 1 2 0 0 1 0 1 0", stream: "aSTAT 98 0 0 0 0 0\n", wantErr: ErrProtocol},
		{name: "negative size", header: "EV 1 2 0 0 1 0 1 0", stream: "aSTAT 644 0 0 -5 0 0\n", wantErr: ErrProtocol},
		{
			name: "untranslated ids on translated connection", header: "EV 1 2 0 0 1 0 1 0",
			stream: "aSTAT 644 0 0 1 0 0\n", wantErr: ErrProtocol, translate: true,
		},
		{name: "mtime junk", header: "EV 1 2 0 0 0 1 1 0", stream: "aMTIME 2024-03-01:12:30:45 x\n", wantErr: ErrProtocol},
		{name: "mtime format", header: "EV 1 2 0 0 0 1 1 0", stream: "aMTIME 2024-03-01T12:30:45\n", wantErr: ErrProtocol},
		{name: "missing mtime keyword", header: "EV 1 2 0 0 0 1 1 0", stream: "aSTAT 2024-03-01:12:30:45\n", wantErr: ErrProtocol},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := decoder(tt.stream).DecodeEvent(tt.header, tt.translate)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestEncodeDecodeEvent(t *testing.T) {
	in := event.Record{
		Pos:       event.Position{File: 7, Offset: 99},
		Type:      event.Create,
		FileType:  event.Symlink,
		FromPath:  "/srv/with space\nnewline",
		ToPath:    "target",
		StatValid: true,
		Stat: event.Stat{
			Mode:  0o777,
			UID:   10,
			GID:   20,
			Size:  6,
			MTime: time.Date(2023, 1, 2, 3, 4, 5, 0, time.UTC),
		},
	}
	for _, translate := range []bool{false, true} {
		var buf bytes.Buffer
		require.NoError(t, EncodeEvent(&buf, &in, translate, Owner{User: "bob", Group: "wheel"}))

		d := NewDecoder(&buf, nil)
		line, err := d.ReadLine()
		require.NoError(t, err)
		body, err := parseReply("EVENT", line)
		require.NoError(t, err)
		out, err := d.DecodeEvent(body, translate)
		require.NoError(t, err)
		assert.Equal(t, in, out)
	}
}

func TestDecodeDirEntry(t *testing.T) {
	mtime := time.Date(2022, 12, 31, 23, 59, 59, 0, time.UTC)
	entries := []event.DirEntry{
		{Name: "file.txt", FileType: event.Regular, DevNo: 2049, Ino: 77, Stat: event.Stat{Mode: 0o644, UID: 1, GID: 2, Size: 1234, MTime: mtime}},
		{Name: "link", Target: "file.txt", FileType: event.Symlink, Stat: event.Stat{Mode: 0o777, MTime: mtime}},
		{Name: "null", FileType: event.CharDevice, Stat: event.Stat{Mode: 0o666, MTime: mtime, Dev: event.Device{Major: 1, Minor: 3}}},
	}
	for _, translate := range []bool{false, true} {
		var buf bytes.Buffer
		for i := range entries {
			require.NoError(t, EncodeDirEntry(&buf, &entries[i], translate, Owner{User: "carol", Group: "staff"}))
		}
		d := NewDecoder(&buf, fakeIDs{})
		for i := range entries {
			line, err := d.ReadLine()
			require.NoError(t, err)
			got, err := d.DecodeDirEntry(line, translate)
			require.NoError(t, err)

			want := entries[i]
			if translate {
				want.GID = 6001
			}
			assert.Equal(t, want, got)
		}
	}
}

func TestDecodeDirEntryWithoutTargetLength(t *testing.T) {
	d := decoder("sub")
	e, err := d.DecodeDirEntry("1 0 0 755 0 0 4096 2024-01-01:00:00:00 0 0 3", false)
	require.NoError(t, err)
	assert.Equal(t, "sub", e.Name)
	assert.Equal(t, event.Dir, e.FileType)
}

func TestDecodeDirEntryErrors(t *testing.T) {
	tests := []string{
		"",
		"0 0 0 644 0 0 1 2024-01-01:00:00:00 0 0",
		"9 0 0 644 0 0 1 2024-01-01:00:00:00 0 0 1 0",
		"0 0 0 644 0 0 1 yesterday 0 0 1 0",
		"0 0 0 644 0 0 1 2024-01-01:00:00:00 0 0 0 0",
		"0 0 0 9z 0 0 1 2024-01-01:00:00:00 0 0 1 0",
	}
	for _, line := range tests {
		_, err := decoder("x").DecodeDirEntry(line, false)
		assert.ErrorIs(t, err, ErrProtocol, line)
	}
}

func TestSplitArgs(t *testing.T) {
	args, err := SplitArgs(`STAT ` + Quote("/a b/\"c\"") + ` 1`)
	require.NoError(t, err)
	assert.Equal(t, []string{"STAT", "/a b/\"c\"", "1"}, args)

	_, err = SplitArgs(`OPEN "unterminated`)
	assert.ErrorIs(t, err, ErrProtocol)

	args, err = SplitArgs("   ")
	require.NoError(t, err)
	assert.Empty(t, args)
}

func TestParseStatus(t *testing.T) {
	in := ServerStatus{
		Pos:         event.Position{File: 3, Offset: 1024},
		Extensions:  []string{"evbatch", "delta"},
		Checksums:   []string{"blake3", "md5"},
		Compressors: nil,
	}
	st, err := ParseStatus(FormatStatus(in) + " future=1")
	require.NoError(t, err)
	assert.Equal(t, in, st)
	assert.True(t, st.Has("delta"))
	assert.False(t, st.Has("translate"))

	_, err = ParseStatus("file=x")
	assert.ErrorIs(t, err, ErrProtocol)
}

func TestParseReply(t *testing.T) {
	body, err := parseReply("OPEN", "OK")
	require.NoError(t, err)
	assert.Empty(t, body)

	_, err = parseReply("OPEN", "NO such file")
	var se *ServerError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "NO", se.Code)
	assert.Equal(t, "such file", se.Message)
	assert.False(t, IsFatal(err))

	_, err = parseReply("OPEN", "K")
	assert.True(t, IsFatal(err))
}
