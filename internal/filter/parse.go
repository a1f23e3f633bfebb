package filter

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"
)

// AddRule appends one rule written as "+ glob" (include) or "- glob"
// (exclude). A rule without a prefix excludes.
func (c *Chain) AddRule(line string) error {
	switch {
	case strings.HasPrefix(line, "+ "):
		return c.AddInclude(strings.TrimSpace(line[2:]))
	case strings.HasPrefix(line, "- "):
		return c.AddExclude(strings.TrimSpace(line[2:]))
	default:
		return c.AddExclude(line)
	}
}

// Load reads one rule per line from r. Blank lines and lines starting with
// "#" are skipped; name is used in error messages.
func (c *Chain) Load(r io.Reader, name string) error {
	sc := bufio.NewScanner(r)
	for n := 1; sc.Scan(); n++ {
		line := strings.TrimSpace(sc.Text())
		if line == "" || line[0] == '#' {
			continue
		}
		if err := c.AddRule(line); err != nil {
			return fmt.Errorf("%s:%d: %w", name, n, err)
		}
	}
	return sc.Err()
}

// LoadFile reads rules from the file at path.
func (c *Chain) LoadFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open filter file: %w", err)
	}
	defer f.Close()
	return c.Load(f, path)
}
