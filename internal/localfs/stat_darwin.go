//go:build darwin

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
	e.DevNo = uint64(stat.Dev) //nolint:gosec // G115: dev_t is int32 on darwin, always non-negative
	e.Ino = stat.Ino
	rdev := uint64(stat.Rdev) //nolint:gosec // G115: dev_t is int32 on darwin
	e.Dev = event.Device{Major: unix.Major(rdev), Minor: unix.Minor(rdev)}
}

// setTimes sets the modification time of path without following a final
// symlink. Darwin lacks UTIME_OMIT, so atime is set to mtime.
func setTimes(path string, mtime time.Time) error {
	ts := unix.NsecToTimespec(mtime.UnixNano())
	if err := unix.UtimesNanoAt(unix.AT_FDCWD, path, []unix.Timespec{ts, ts}, unix.AT_SYMLINK_NOFOLLOW); err != nil {
		return fmt.Errorf("utimensat %s: %w", path, err)
	}
	return nil
}

func mkdev(d event.Device) int {
	return int(unix.Mkdev(d.Major, d.Minor)) //nolint:gosec // G115: dev_t is int32 on darwin
}
