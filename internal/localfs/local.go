// Package localfs reads and mutates the client side of the replica: stat
// and listing rows in the same shape the server sends, metadata updates,
// node creation and removal.
package localfs

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"syscall"

	"github.com/bamsammich/mirror/internal/event"
)

// Lstat returns the entry for path without following a final symlink.
// A missing path returns an error wrapping fs.ErrNotExist.
func Lstat(path string) (event.DirEntry, error) {
	info, err := os.Lstat(path)
	if err != nil {
		return event.DirEntry{}, err
	}
	return entryFromInfo(info, path), nil
}

// Exists reports whether path is present, without following symlinks.
func Exists(path string) bool {
	_, err := os.Lstat(path)
	return err == nil
}

// ReadDir lists the immediate children of dir. Entries that vanish between
// the listing and their stat are skipped. A missing directory lists as empty.
func ReadDir(dir string) ([]event.DirEntry, error) {
	names, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("readdir %s: %w", dir, err)
	}

	result := make([]event.DirEntry, 0, len(names))
	for _, d := range names {
		info, err := d.Info()
		if err != nil {
			continue
		}
		result = append(result, entryFromInfo(info, filepath.Join(dir, d.Name())))
	}
	return result, nil
}

// entryFromInfo converts os.FileInfo plus the raw stat to a DirEntry.
func entryFromInfo(info os.FileInfo, path string) event.DirEntry {
	e := event.DirEntry{
		Name:     info.Name(),
		FileType: event.FileTypeOf(info.Mode()),
		Stat: event.Stat{
			MTime: info.ModTime(),
			Size:  info.Size(),
			Mode:  uint32(info.Mode().Perm()),
		},
	}
	if e.FileType == event.Symlink {
		if target, err := os.Readlink(path); err == nil {
			e.Target = target
		}
	}
	if st, ok := info.Sys().(*syscall.Stat_t); ok {
		e.UID = st.Uid
		e.GID = st.Gid
		e.Mode = uint32(st.Mode) & 0o7777 //nolint:gosec,unconvert // G115: mode_t is uint16 on darwin
		fillStatFields(st, &e)
	}
	if e.FileType != event.Regular {
		e.Size = 0
		if e.FileType == event.Symlink {
			e.Size = int64(len(e.Target))
		}
	}
	return e
}
