package proto

import (
	"fmt"
	"io"
	"strings"

	"github.com/bamsammich/mirror/internal/event"
)

// Owner carries the names sent alongside numeric ids on translated
// connections.
type Owner struct {
	User  string
	Group string
}

// EncodeEvent writes rec as the body of an OK event reply, including the
// path bytes and stat lines. owner is used only when translate is set.
func EncodeEvent(w io.Writer, rec *event.Record, translate bool, owner Owner) error {
	mtimeValid := 0
	if !rec.MTime.IsZero() {
		mtimeValid = 1
	}
	_, err := fmt.Fprintf(w, "OK EV %d %d %d %d %d %d %d %d\n%s%s",
		rec.Pos.File, rec.Pos.Offset, rec.Type, rec.FileType, boolInt(rec.StatValid),
		mtimeValid, len(rec.FromPath), len(rec.ToPath), rec.FromPath, rec.ToPath)
	if err != nil {
		return err
	}
	if rec.StatValid {
		if translate {
			_, err = fmt.Fprintf(w, "NSTAT %o %s %d %s %d %d %d %d\n",
				rec.Mode, nameOr(owner.User, rec.UID), rec.UID, nameOr(owner.Group, rec.GID), rec.GID,
				rec.Size, rec.Dev.Major, rec.Dev.Minor)
		} else {
			_, err = fmt.Fprintf(w, "STAT %o %d %d %d %d %d\n",
				rec.Mode, rec.UID, rec.GID, rec.Size, rec.Dev.Major, rec.Dev.Minor)
		}
		if err != nil {
			return err
		}
	}
	if mtimeValid == 1 {
		_, err = fmt.Fprintf(w, "MTIME %s\n", rec.MTime.UTC().Format(TimeLayout))
	}
	return err
}

// FormatDirEntry returns the listing line for e, without the trailing
// newline. The raw name and target bytes must follow it on the wire.
func FormatDirEntry(e *event.DirEntry, translate bool, owner Owner) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%d %d %d %o ", e.FileType, e.DevNo, e.Ino, e.Mode)
	if translate {
		fmt.Fprintf(&b, "%s %d %s %d ", nameOr(owner.User, e.UID), e.UID, nameOr(owner.Group, e.GID), e.GID)
	} else {
		fmt.Fprintf(&b, "%d %d ", e.UID, e.GID)
	}
	fmt.Fprintf(&b, "%d %s %d %d %d %d",
		e.Size, e.MTime.UTC().Format(TimeLayout), e.Dev.Major, e.Dev.Minor, len(e.Name), len(e.Target))
	return b.String()
}

// EncodeDirEntry writes one listing line followed by the raw name and target.
func EncodeDirEntry(w io.Writer, e *event.DirEntry, translate bool, owner Owner) error {
	_, err := fmt.Fprintf(w, "%s\n%s%s", FormatDirEntry(e, translate, owner), e.Name, e.Target)
	return err
}

// FormatStatus renders a STATUS reply body.
func FormatStatus(st ServerStatus) string {
	return fmt.Sprintf("file=%d pos=%d ext=%s checksum=%s compress=%s",
		st.Pos.File, st.Pos.Offset, list(st.Extensions), list(st.Checksums), list(st.Compressors))
}

func list(s []string) string {
	if len(s) == 0 {
		return "-"
	}
	return strings.Join(s, ",")
}

func nameOr(name string, id uint32) string {
	if name == "" || strings.ContainsAny(name, " \t\n") {
		return fmt.Sprintf("#%d", id)
	}
	return name
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
