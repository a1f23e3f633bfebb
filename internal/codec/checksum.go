package codec

import (
	"crypto/md5"  //nolint:gosec // offered for servers that only speak md5
	"crypto/sha1" //nolint:gosec // offered for servers that only speak sha1
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"os"

	"github.com/cespare/xxhash/v2"
	"github.com/zeebo/blake3"
)

// Checksum is a named digest method.
type Checksum struct {
	New  func() hash.Hash
	Name string
	Size int
}

var checksums = map[string]*Checksum{
	"blake3": {Name: "blake3", Size: 32, New: func() hash.Hash { return blake3.New() }},
	"xxh64":  {Name: "xxh64", Size: 8, New: func() hash.Hash { return xxhash.New() }},
	"sha256": {Name: "sha256", Size: sha256.Size, New: sha256.New},
	"sha1":   {Name: "sha1", Size: sha1.Size, New: sha1.New},
	"md5":    {Name: "md5", Size: md5.Size, New: md5.New},
}

// ChecksumNames lists the supported checksum methods in preference order.
func ChecksumNames() []string {
	return []string{"blake3", "xxh64", "sha256", "sha1", "md5"}
}

// LookupChecksum returns the checksum method with the given name. None and
// the empty string return nil with ok set.
func LookupChecksum(name string) (*Checksum, bool) {
	if name == "" || name == None {
		return nil, true
	}
	c, ok := checksums[name]
	return c, ok
}

// Sum returns the digest of p.
func (c *Checksum) Sum(p []byte) []byte {
	h := c.New()
	h.Write(p)
	return h.Sum(nil)
}

// Hex returns the hex-encoded digest of p.
func (c *Checksum) Hex(p []byte) string {
	return hex.EncodeToString(c.Sum(p))
}

// File computes the digest of the first size bytes of the file at path,
// returning it hex-encoded.
func (c *Checksum) File(path string, size int64) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	h := c.New()
	buf := make([]byte, 32*1024)
	if _, err := io.CopyBuffer(h, io.LimitReader(f, size), buf); err != nil {
		return "", fmt.Errorf("hash %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
