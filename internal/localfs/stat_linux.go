//go:build linux

package localfs

import (
	"fmt"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/bamsammich/mirror/internal/event"
)

// fillStatFields extracts platform-specific fields from syscall.Stat_t.
func fillStatFields(stat *syscall.Stat_t, e *event.DirEntry) {
	e.DevNo = stat.Dev
	e.Ino = stat.Ino
	e.Dev = event.Device{Major: unix.Major(stat.Rdev), Minor: unix.Minor(stat.Rdev)}
}

// setTimes sets the modification time of path, leaving atime untouched and
// not following a final symlink.
func setTimes(path string, mtime time.Time) error {
	times := []unix.Timespec{
		{Nsec: unix.UTIME_OMIT},
		unix.NsecToTimespec(mtime.UnixNano()),
	}
	if err := unix.UtimesNanoAt(unix.AT_FDCWD, path, times, unix.AT_SYMLINK_NOFOLLOW); err != nil {
		return fmt.Errorf("utimensat %s: %w", path, err)
	}
	return nil
}

func mkdev(d event.Device) int {
	return int(unix.Mkdev(d.Major, d.Minor)) //nolint:gosec // G115: dev_t fits in int on 64-bit linux
}
