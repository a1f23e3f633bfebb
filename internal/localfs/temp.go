package localfs

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

const tempSuffix = ".mirror-tmp"

// TempName returns a staging name next to dst. Servers sharing the host
// skip names for which IsTempName is true, so staging never replicates.
func TempName(dst string) string {
	return filepath.Join(filepath.Dir(dst),
		fmt.Sprintf(".%s.%s%s", filepath.Base(dst), uuid.New().String()[:8], tempSuffix))
}

// IsTempName reports whether the base name belongs to a staging file.
func IsTempName(name string) bool {
	return strings.HasPrefix(name, ".") && strings.HasSuffix(name, tempSuffix)
}
