package localfs

import (
	"errors"
	"fmt"
	"os"
	"time"

	"golang.org/x/sys/unix"

	"github.com/bamsammich/mirror/internal/event"
)

// MetaOptions selects which attributes are replicated.
type MetaOptions struct {
	// Owner replicates uid and gid. Failures are ignored unless Strict is
	// set, since changing ownership normally requires CAP_CHOWN.
	Owner  bool
	Strict bool
}

// Change records which attributes SyncMetadata updated.
type Change struct {
	Owner bool
	Mode  bool
	MTime bool
}

// Any reports whether any attribute was updated.
func (c Change) Any() bool { return c.Owner || c.Mode || c.MTime }

// SameMTime compares modification times at the one-second resolution the
// server reports them in.
func SameMTime(a, b time.Time) bool { return a.Unix() == b.Unix() }

// Differs reports whether have needs updating to match want.
func Differs(have *event.DirEntry, want *event.Stat, opts MetaOptions) bool {
	if opts.Owner && (have.UID != want.UID || have.GID != want.GID) {
		return true
	}
	if have.FileType != event.Symlink && have.Mode != want.Mode {
		return true
	}
	return !want.MTime.IsZero() && !SameMTime(have.MTime, want.MTime)
}

// SyncMetadata brings owner, permission bits (not for symlinks) and mtime of
// path in line with want. Each attribute is attempted even when an earlier
// one fails; the failures are joined.
func SyncMetadata(path string, have *event.DirEntry, want *event.Stat, opts MetaOptions) (Change, error) {
	var ch Change
	var errs []error

	// Ownership first: chown clears setuid/setgid bits.
	if opts.Owner && (have.UID != want.UID || have.GID != want.GID) {
		err := os.Lchown(path, int(want.UID), int(want.GID))
		switch {
		case err == nil:
			ch.Owner = true
		case opts.Strict:
			errs = append(errs, fmt.Errorf("lchown %s: %w", path, err))
		}
	}

	if have.FileType != event.Symlink && (have.Mode != want.Mode || ch.Owner) {
		if err := unix.Chmod(path, want.Mode&0o7777); err != nil {
			errs = append(errs, fmt.Errorf("chmod %s: %w", path, err))
		} else {
			ch.Mode = have.Mode != want.Mode
		}
	}

	if !want.MTime.IsZero() && !SameMTime(have.MTime, want.MTime) {
		if err := setTimes(path, want.MTime); err != nil {
			errs = append(errs, err)
		} else {
			ch.MTime = true
		}
	}

	return ch, errors.Join(errs...)
}

// SetFileMetadata applies want to a freshly written file before it is
// renamed into place.
//
//nolint:gosec // G115: fd values are small non-negative integers
func SetFileMetadata(f *os.File, want *event.Stat, opts MetaOptions) error {
	rawFd := int(f.Fd())

	if opts.Owner {
		if err := unix.Fchown(rawFd, int(want.UID), int(want.GID)); err != nil && opts.Strict {
			return fmt.Errorf("fchown %s: %w", f.Name(), err)
		}
	}
	if err := unix.Fchmod(rawFd, want.Mode&0o7777); err != nil {
		return fmt.Errorf("fchmod %s: %w", f.Name(), err)
	}
	if !want.MTime.IsZero() {
		return setTimes(f.Name(), want.MTime)
	}
	return nil
}
