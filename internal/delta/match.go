package delta

import (
	"github.com/cespare/xxhash/v2"
	"github.com/zeebo/blake3"
)

// MatchBlocks compares src against a basis signature and produces the ops
// that rebuild src. Matching blocks reference the basis; everything else
// becomes literal data.
//
//nolint:gocyclo,revive // cyclomatic: block matching with literal accumulation
func MatchBlocks(src []byte, sig Signature) []Op {
	if len(sig.Blocks) == 0 {
		if len(src) == 0 {
			return nil
		}
		return []Op{{BlockIdx: -1, Length: len(src), Literal: src}}
	}

	type candidate struct {
		strong [32]byte
		offset int64
		index  int
	}
	weakMap := make(map[uint64][]candidate, len(sig.Blocks))
	for i, b := range sig.Blocks {
		weakMap[b.Weak] = append(weakMap[b.Weak], candidate{
			index:  i,
			strong: b.Strong,
			offset: b.Offset,
		})
	}

	var ops []Op
	var literal []byte
	flushLiteral := func() {
		if len(literal) > 0 {
			ops = append(ops, Op{BlockIdx: -1, Length: len(literal), Literal: literal})
			literal = nil
		}
	}

	blockSize := sig.BlockSize
	i := 0
	for i < len(src) {
		end := min(i+blockSize, len(src))
		chunk := src[i:end]

		matched := false
		if len(chunk) == blockSize || end == len(src) {
			if candidates, ok := weakMap[xxhash.Sum64(chunk)]; ok {
				strong := blake3.Sum256(chunk)
				for _, c := range candidates {
					if c.strong == strong {
						flushLiteral()
						ops = append(ops, Op{BlockIdx: c.index, Offset: c.offset, Length: len(chunk)})
						i += len(chunk)
						matched = true
						break
					}
				}
			}
		}
		if !matched {
			literal = append(literal, src[i])
			i++
		}
	}
	flushLiteral()
	return ops
}
