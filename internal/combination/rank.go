package combination

import "fmt"

// Rank returns the zero-based lexicographic position of c among all
// len(c)-subsets of [0, n). It is the inverse of the enumeration order, so
// Enumerate(n, m)[Rank(c, n)] equals c.
func Rank(c Combination, n int) (uint64, error) {
	m := len(c)
	if err := ValidateThreshold(n, m); err != nil {
		return 0, err
	}
	if err := c.Validate(n); err != nil {
		return 0, err
	}
	total, ok := Count(n, m)
	if !ok {
		return 0, fmt.Errorf("%w: C(%d,%d) exceeds 2^64", ErrCombinatorialOverflow, n, m)
	}

	// Combinations that sort after c are counted by the combinadic of the
	// complement positions.
	var after uint64
	for i, v := range c {
		k, _ := Count(n-1-v, m-i)
		after += k
	}
	return total - 1 - after, nil
}

// Unrank returns the combination at lexicographic position rank.
func Unrank(rank uint64, n, m int) (Combination, error) {
	if err := ValidateThreshold(n, m); err != nil {
		return nil, err
	}
	total, ok := Count(n, m)
	if !ok {
		return nil, fmt.Errorf("%w: C(%d,%d) exceeds 2^64", ErrCombinatorialOverflow, n, m)
	}
	if rank >= total {
		return nil, fmt.Errorf("%w: rank %d >= %d", ErrInvalidCombination, rank, total)
	}

	out := make(Combination, 0, m)
	next := 0
	for i := 0; i < m; i++ {
		for v := next; v < n; v++ {
			// Number of combinations that fix position i to v.
			block, _ := Count(n-1-v, m-1-i)
			if rank < block {
				out = append(out, v)
				next = v + 1
				break
			}
			rank -= block
		}
	}
	return out, nil
}
