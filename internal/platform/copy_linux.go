//go:build linux

package platform

import (
	"errors"

	"golang.org/x/sys/unix"
)

// CopyRange tries the most efficient copy method available on Linux,
// falling through on unsupported/cross-device errors.
func CopyRange(p RangeParams) (CopyResult, error) {
	result, err := copyFileRange(p)
	if err == nil {
		return result, nil
	}
	if !isFallbackErr(err) {
		return result, err
	}

	result, err = copySendfile(p)
	if err == nil {
		return result, nil
	}
	if !isFallbackErr(err) {
		return result, err
	}

	return copyReadWrite(p)
}

//nolint:gosec // G115: fd values are small non-negative integers
func copyFileRange(p RangeParams) (CopyResult, error) {
	remaining := p.Length
	roff := p.Offset
	woff := p.Offset

	var total int64
	for remaining > 0 {
		n, err := unix.CopyFileRange(int(p.Src.Fd()), &roff, int(p.Dst.Fd()), &woff, int(remaining), 0)
		if err != nil {
			if total == 0 {
				return CopyResult{}, err
			}
			return CopyResult{BytesWritten: total, Method: CopyFileRange}, err
		}
		if n == 0 {
			break
		}
		remaining -= int64(n)
		total += int64(n)
	}
	return CopyResult{BytesWritten: total, Method: CopyFileRange}, nil
}

// copySendfile moves the destination's file offset; callers write with
// explicit offsets so that is harmless.
//
//nolint:gosec // G115: fd values are small non-negative integers
func copySendfile(p RangeParams) (CopyResult, error) {
	if _, err := p.Dst.Seek(p.Offset, 0); err != nil {
		return CopyResult{}, err
	}

	remaining := p.Length
	offset := p.Offset
	var total int64
	for remaining > 0 {
		n, err := unix.Sendfile(int(p.Dst.Fd()), int(p.Src.Fd()), &offset, int(remaining))
		if err != nil {
			if total == 0 {
				return CopyResult{}, err
			}
			return CopyResult{BytesWritten: total, Method: Sendfile}, err
		}
		if n == 0 {
			break
		}
		remaining -= int64(n)
		total += int64(n)
	}
	return CopyResult{BytesWritten: total, Method: Sendfile}, nil
}

// isFallbackErr returns true if err should trigger a fallback to the next copy strategy.
func isFallbackErr(err error) bool {
	for _, e := range []error{unix.ENOSYS, unix.EXDEV, unix.EINVAL, unix.ENOTSUP, unix.EOPNOTSUPP} {
		if errors.Is(err, e) {
			return true
		}
	}
	return false
}
