package combination

import "fmt"

// Blocks describes the grouped policy: the n sorted participants are split
// into consecutive blocks of size g (the last block may be shorter) and a
// quorum is any ceil(m/g) of those blocks holding at least m participants.
type Blocks struct {
	N, M, G int
}

// NewBlocks validates the grouped policy parameters.
func NewBlocks(n, m, g int) (Blocks, error) {
	if err := ValidateThreshold(n, m); err != nil {
		return Blocks{}, err
	}
	if g <= 0 {
		return Blocks{}, fmt.Errorf("%w: group size must be at least 1", ErrInvalidThreshold)
	}
	return Blocks{N: n, M: m, G: g}, nil
}

// Count returns the number of blocks.
func (b Blocks) Count() int {
	return ceilDiv(b.N, b.G)
}

// Quorum returns the number of blocks a quorum needs.
func (b Blocks) Quorum() int {
	return ceilDiv(b.M, b.G)
}

// Usable returns the number of blocks that may appear in a quorum. A short
// trailing block is excluded when a quorum containing it would hold fewer
// than m participants. Every quorum over the remaining full blocks holds at
// least ceil(m/g)*g >= m participants.
func (b Blocks) Usable() int {
	count := b.Count()
	short := b.N % b.G
	if short != 0 && (b.Quorum()-1)*b.G+short < b.M {
		return count - 1
	}
	return count
}

// Expand maps a combination of block indices to participant indices.
func (b Blocks) Expand(blocks Combination) Combination {
	out := make(Combination, 0, len(blocks)*b.G)
	for _, blk := range blocks {
		end := (blk + 1) * b.G
		if end > b.N {
			end = b.N
		}
		for i := blk * b.G; i < end; i++ {
			out = append(out, i)
		}
	}
	return out
}

// Collapse maps participant indices back to block indices. The boolean is
// false unless c is exactly a union of whole blocks.
func (b Blocks) Collapse(c Combination) (Combination, bool) {
	if c.Validate(b.N) != nil {
		return nil, false
	}
	var out Combination
	for _, idx := range c {
		blk := idx / b.G
		if len(out) == 0 || out[len(out)-1] != blk {
			out = append(out, blk)
		}
	}
	if !b.Expand(out).Equal(c) {
		return nil, false
	}
	return out, true
}

// Grouped enumerates the grouped policy, returning participant-index
// combinations ordered by their block combination. Only quorums of usable
// blocks are produced, so every combination has at least m indices; total
// counts those quorums.
func Grouped(n, m, g int, limit, ceiling uint64) ([]Combination, uint64, error) {
	b, err := NewBlocks(n, m, g)
	if err != nil {
		return nil, 0, err
	}
	total, err := Total(b.Usable(), b.Quorum(), ceiling)
	if err != nil {
		return nil, 0, err
	}
	keep := total
	if limit > 0 && limit < keep {
		keep = limit
	}
	blocks := collect(b.Usable(), b.Quorum(), keep)
	out := make([]Combination, len(blocks))
	for i, blk := range blocks {
		out[i] = b.Expand(blk)
	}
	return out, total, nil
}

func ceilDiv(a, b int) int {
	return (a + b - 1) / b
}
