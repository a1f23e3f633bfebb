package localfs

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"

	"github.com/bamsammich/mirror/internal/event"
)

// ErrUnsupportedType is returned for file types that are never created
// locally: sockets and unknown objects.
var ErrUnsupportedType = errors.New("unsupported file type")

// Matches reports whether the local object have already is what want
// describes: the same type and, for symlinks, the same target.
func Matches(have *event.DirEntry, ft event.FileType, target string) bool {
	if have.FileType != ft {
		return false
	}
	return ft != event.Symlink || have.Target == target
}

// MakeNode creates a non-regular object at path. Anything already there is
// removed first. Parent directories are created as needed. An existing
// directory is kept when a directory is wanted.
func MakeNode(path string, ft event.FileType, st *event.Stat, target string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create parent dir for %s: %w", path, err)
	}

	if have, err := Lstat(path); err == nil {
		if ft == event.Dir && have.FileType == event.Dir {
			return nil
		}
		if _, err := Remove(path); err != nil {
			return err
		}
	} else if !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("lstat %s: %w", path, err)
	}

	perm := st.Mode & 0o7777
	var err error
	switch ft {
	case event.Dir:
		err = os.Mkdir(path, os.FileMode(perm&0o777)|0o700)
	case event.Symlink:
		err = os.Symlink(target, path)
	case event.Fifo:
		err = unix.Mkfifo(path, perm)
	case event.CharDevice:
		err = unix.Mknod(path, unix.S_IFCHR|perm, mkdev(st.Dev))
	case event.BlockDevice:
		err = unix.Mknod(path, unix.S_IFBLK|perm, mkdev(st.Dev))
	default:
		return fmt.Errorf("%w: %s at %s", ErrUnsupportedType, ft, path)
	}
	if err != nil {
		return fmt.Errorf("create %s %s: %w", ft, path, err)
	}
	return nil
}
