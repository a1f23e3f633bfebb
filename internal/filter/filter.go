// Package filter decides which events and directory entries are replicated:
// per-event-type masks over file types, ordered include/exclude glob rules,
// and size bounds for regular files.
package filter

import (
	"github.com/bamsammich/mirror/internal/event"
)

// rule is one include or exclude pattern.
type rule struct {
	pat     *pattern
	include bool
}

// Chain holds an ordered list of path rules plus size bounds. The first
// matching rule decides; a path no rule matches is included.
type Chain struct {
	rules   []rule
	minSize int64
	maxSize int64
}

// NewChain creates an empty chain.
func NewChain() *Chain {
	return &Chain{}
}

// AddExclude appends an exclude rule.
func (c *Chain) AddExclude(glob string) error {
	return c.add(glob, false)
}

// AddInclude appends an include rule.
func (c *Chain) AddInclude(glob string) error {
	return c.add(glob, true)
}

func (c *Chain) add(glob string, include bool) error {
	p, err := compilePattern(glob)
	if err != nil {
		return err
	}
	c.rules = append(c.rules, rule{pat: p, include: include})
	return nil
}

// SetMinSize excludes regular files smaller than n. Zero disables the bound.
func (c *Chain) SetMinSize(n int64) { c.minSize = n }

// SetMaxSize excludes regular files larger than n. Zero disables the bound.
func (c *Chain) SetMaxSize(n int64) { c.maxSize = n }

// Empty reports whether the chain includes everything.
func (c *Chain) Empty() bool {
	return c == nil || (len(c.rules) == 0 && c.minSize == 0 && c.maxSize == 0)
}

// Match reports whether the object at rel (relative to the replicated root,
// slash-separated) should be replicated. Size bounds apply to regular files
// only.
func (c *Chain) Match(rel string, ft event.FileType, size int64) bool {
	if c.Empty() {
		return true
	}
	if ft == event.Regular {
		if c.minSize > 0 && size < c.minSize {
			return false
		}
		if c.maxSize > 0 && size > c.maxSize {
			return false
		}
	}

	return c.MatchPath(rel, ft == event.Dir)
}

// MatchPath applies the path rules alone, for objects whose size is not
// known.
func (c *Chain) MatchPath(rel string, dir bool) bool {
	if c == nil {
		return true
	}
	for _, r := range c.rules {
		if r.pat.match(rel, dir) {
			return r.include
		}
	}
	return true
}
