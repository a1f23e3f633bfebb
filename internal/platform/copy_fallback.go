//go:build !linux

package platform

// CopyRange falls back to pread/pwrite on platforms without in-kernel range copies.
func CopyRange(p RangeParams) (CopyResult, error) {
	return copyReadWrite(p)
}
