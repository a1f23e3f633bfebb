package filter

import (
	"regexp"
	"strings"
)

// pattern is a compiled rsync-style glob.
type pattern struct {
	re      *regexp.Regexp
	glob    string
	dirOnly bool // trailing slash: matches directories only
}

// compilePattern compiles glob. A leading slash, or any slash inside the
// pattern, anchors it at the replicated root; otherwise it matches the last
// path components.
func compilePattern(glob string) (*pattern, error) {
	p := &pattern{glob: glob}
	g := glob
	if trimmed, ok := strings.CutSuffix(g, "/"); ok {
		p.dirOnly = true
		g = trimmed
	}
	anchored := strings.Contains(g, "/")
	g = strings.TrimPrefix(g, "/")

	expr := "(^|/)" + translateGlob(g) + "$"
	if anchored {
		expr = "^" + translateGlob(g) + "$"
	}
	re, err := regexp.Compile(expr)
	if err != nil {
		return nil, err
	}
	p.re = re
	return p, nil
}

func (p *pattern) match(rel string, dir bool) bool {
	if p.dirOnly && !dir {
		return false
	}
	return p.re.MatchString(rel)
}

// translateGlob rewrites glob syntax as a regular expression: "*" stays
// within one component, "**" crosses components, "**/" matches zero or more
// leading directories, "?" is one non-slash byte and "[...]" / "[!...]" are
// character classes.
func translateGlob(g string) string {
	var b strings.Builder
	for i := 0; i < len(g); i++ {
		switch c := g[i]; c {
		case '*':
			switch {
			case strings.HasPrefix(g[i:], "**/"):
				b.WriteString("(.*/)?")
				i += 2
			case strings.HasPrefix(g[i:], "**"):
				b.WriteString(".*")
				i++
			default:
				b.WriteString("[^/]*")
			}
		case '?':
			b.WriteString("[^/]")
		case '[':
			end := classEnd(g, i)
			if end < 0 {
				b.WriteString(`\[`)
				continue
			}
			class := g[i+1 : end]
			if rest, ok := strings.CutPrefix(class, "!"); ok {
				class = "^" + rest
			}
			b.WriteString("[" + class + "]")
			i = end
		default:
			b.WriteString(regexp.QuoteMeta(string(c)))
		}
	}
	return b.String()
}

// classEnd returns the index of the bracket closing the class opened at
// g[start], or -1. A "]" right after "[" or "[!" is a literal member.
func classEnd(g string, start int) int {
	j := start + 1
	if j < len(g) && g[j] == '!' {
		j++
	}
	if j < len(g) && g[j] == ']' {
		j++
	}
	if k := strings.IndexByte(g[j:], ']'); k >= 0 {
		return j + k
	}
	return -1
}
