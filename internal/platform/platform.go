// Package platform wraps the OS facilities the transfer engine relies on:
// in-kernel range copies, read-only file mappings and preallocation.
package platform

import "os"

// CopyMethod is the kernel facility that moved the bytes of a range copy.
type CopyMethod int

const (
	ReadWrite     CopyMethod = iota // pread/pwrite through a user buffer
	CopyFileRange                   // copy_file_range(2)
	Sendfile                        // sendfile(2)
)

var copyMethodNames = [...]string{
	ReadWrite:     "read_write",
	CopyFileRange: "copy_file_range",
	Sendfile:      "sendfile",
}

func (m CopyMethod) String() string {
	if m < 0 || int(m) >= len(copyMethodNames) {
		return "unknown"
	}
	return copyMethodNames[m]
}

// CopyResult is what one CopyRange call achieved. BytesWritten may fall
// short of the requested length when the source shrank.
type CopyResult struct {
	BytesWritten int64
	Method       CopyMethod
}

// RangeParams describes a byte range copied between two open files at the
// same offset: Src[Offset:Offset+Length] lands at Dst[Offset:].
type RangeParams struct {
	Dst    *os.File
	Src    *os.File
	Offset int64
	Length int64
}
