package proto

import (
	"strconv"
	"strings"
)

// Quote renders a path as a single request argument.
func Quote(path string) string {
	return strconv.Quote(path)
}

// SplitArgs splits a request line into whitespace-separated arguments,
// unquoting arguments written with Quote.
func SplitArgs(line string) ([]string, error) {
	var args []string
	for {
		line = strings.TrimLeft(line, " \t")
		if line == "" {
			return args, nil
		}
		if line[0] == '"' {
			q, err := strconv.QuotedPrefix(line)
			if err != nil {
				return nil, protocolf("bad quoted argument in %q", line)
			}
			s, err := strconv.Unquote(q)
			if err != nil {
				return nil, protocolf("bad quoted argument %q", q)
			}
			args = append(args, s)
			line = line[len(q):]
			continue
		}
		end := strings.IndexAny(line, " \t")
		if end < 0 {
			end = len(line)
		}
		args = append(args, line[:end])
		line = line[end:]
	}
}
