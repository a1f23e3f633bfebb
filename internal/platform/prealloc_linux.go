//go:build linux

package platform

import (
	"os"

	"golang.org/x/sys/unix"
)

// Preallocate reserves space for a staging file that will grow to size
// bytes. The file length is left to the writes.
//
//nolint:gosec // G115: fd values are small non-negative integers
func Preallocate(f *os.File, size int64) {
	if f == nil || size <= 0 {
		return
	}
	//nolint:errcheck // advisory; tmpfs and some network filesystems refuse it
	unix.Fallocate(int(f.Fd()), unix.FALLOC_FL_KEEP_SIZE, 0, size)
}
