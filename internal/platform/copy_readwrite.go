package platform

import (
	"sync"
)

const bufferSize = 1 << 20 // 1 MiB

var bufPool = sync.Pool{
	New: func() any {
		b := make([]byte, bufferSize)
		return &b
	},
}

// copyReadWrite copies data using pread/pwrite with a pooled buffer.
func copyReadWrite(p RangeParams) (CopyResult, error) {
	bufp := bufPool.Get().(*[]byte) //nolint:errcheck,forcetypeassert // pool only holds *[]byte
	defer bufPool.Put(bufp)
	buf := *bufp

	offset := p.Offset
	remaining := p.Length
	var total int64
	for remaining > 0 {
		toRead := min(int(remaining), bufferSize)
		n, err := p.Src.ReadAt(buf[:toRead], offset)
		if n > 0 {
			if _, werr := p.Dst.WriteAt(buf[:n], offset); werr != nil {
				return CopyResult{BytesWritten: total, Method: ReadWrite}, werr
			}
			offset += int64(n)
			remaining -= int64(n)
			total += int64(n)
		}
		if err != nil {
			if total == p.Length {
				break
			}
			return CopyResult{BytesWritten: total, Method: ReadWrite}, err
		}
	}
	return CopyResult{BytesWritten: total, Method: ReadWrite}, nil
}

// CopyReadWrite is the exported version for use by other packages during testing.
func CopyReadWrite(p RangeParams) (CopyResult, error) {
	return copyReadWrite(p)
}
