package ui

import (
	"fmt"
	"strings"
	"time"

	"github.com/bamsammich/mirror/internal/engine"
	"github.com/bamsammich/mirror/internal/stats"
)

// FormatCount formats an integer with comma separators.
func FormatCount(n int64) string {
	if n < 0 {
		return "-" + FormatCount(-n)
	}
	s := fmt.Sprintf("%d", n)
	if len(s) <= 3 {
		return s
	}
	var b strings.Builder
	remainder := len(s) % 3
	if remainder > 0 {
		b.WriteString(s[:remainder])
	}
	for i := remainder; i < len(s); i += 3 {
		if b.Len() > 0 {
			b.WriteByte(',')
		}
		b.WriteString(s[i : i+3])
	}
	return b.String()
}

// FormatDuration formats elapsed time concisely.
func FormatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	s := int(d.Seconds()) % 60

	if h > 0 {
		return fmt.Sprintf("%dh %02dm %02ds", h, m, s)
	}
	if m > 0 {
		return fmt.Sprintf("%dm %02ds", m, s)
	}
	return fmt.Sprintf("%ds", s)
}

// FormatAge formats how long ago t was, relative to now. The zero time is
// "never".
func FormatAge(t, now time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return FormatDuration(now.Sub(t)) + " ago"
}

// StatusLine renders st as one human-readable line.
func StatusLine(st engine.Status, now time.Time) string {
	s := st.Stats
	return fmt.Sprintf(
		"pos %d:%d | %s events, %s ignored, %s failed | %s copied, %s skipped, %s deleted | "+
			"%s in, %s on wire, %s | dirsyncs %s (%d pending), last full %s",
		st.Pos.File, st.Pos.Offset,
		FormatCount(s.EventsApplied), FormatCount(s.EventsIgnored), FormatCount(s.EventsFailed),
		FormatCount(s.FilesCopied), FormatCount(s.FilesSkipped), FormatCount(s.Deleted),
		stats.FormatBytes(s.BytesLogical), stats.FormatBytes(s.BytesWire), stats.FormatRate(st.Throughput),
		FormatCount(s.Dirsyncs), st.Pending, FormatAge(st.LastFullDirsync, now),
	)
}

// StatusAttrs returns st as slog key-value pairs.
func StatusAttrs(st engine.Status) []any {
	s := st.Stats
	attrs := []any{
		"fnum", st.Pos.File,
		"fpos", st.Pos.Offset,
		"events_applied", s.EventsApplied,
		"events_ignored", s.EventsIgnored,
		"events_failed", s.EventsFailed,
		"files_copied", s.FilesCopied,
		"files_skipped", s.FilesSkipped,
		"files_failed", s.FilesFailed,
		"deleted", s.Deleted,
		"bytes", s.BytesLogical,
		"bytes_wire", s.BytesWire,
		"bytes_local", s.BytesLocal,
		"wire_read", st.WireRead,
		"wire_written", st.WireWritten,
		"throughput", stats.FormatRate(st.Throughput),
		"dirsyncs", s.Dirsyncs,
		"dirsyncs_pending", st.Pending,
		"elapsed", s.Elapsed.Round(time.Second),
	}
	if !st.LastFullDirsync.IsZero() {
		attrs = append(attrs, "last_full_dirsync", st.LastFullDirsync)
	}
	return attrs
}
