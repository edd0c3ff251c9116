// Package combination enumerates the signer subsets of an M-of-N threshold
// policy in canonical lexicographic order.
//
// Every eligible subset has exactly M members (minimal quorums). A larger
// signer set can always authorise through any M-subset of itself, which keeps
// the number of committed subsets at C(N, M) instead of the sum over every
// size k >= M.
package combination

import (
	"errors"
	"fmt"
	"math/bits"
	"strconv"
	"strings"
)

// DefaultCeiling is the hard cap on C(N, M) applied when the caller does not
// supply one. Enumeration refuses anything larger before allocating.
const DefaultCeiling uint64 = 1 << 20

// Errors
var (
	ErrInvalidThreshold      = errors.New("invalid threshold")
	ErrCombinatorialOverflow = errors.New("combinatorial overflow")
	ErrInvalidCombination    = errors.New("invalid combination")
)

// Combination is a strictly increasing sequence of participant indices.
type Combination []int

// String renders the combination as "(0,2,5)".
func (c Combination) String() string {
	parts := make([]string, len(c))
	for i, v := range c {
		parts[i] = strconv.Itoa(v)
	}
	return "(" + strings.Join(parts, ",") + ")"
}

// Equal reports whether two combinations contain the same indices.
func (c Combination) Equal(other Combination) bool {
	if len(c) != len(other) {
		return false
	}
	for i := range c {
		if c[i] != other[i] {
			return false
		}
	}
	return true
}

// Validate checks that c is strictly increasing and within [0, n).
func (c Combination) Validate(n int) error {
	for i, v := range c {
		if v < 0 || v >= n {
			return fmt.Errorf("%w: index %d out of range [0,%d)", ErrInvalidCombination, v, n)
		}
		if i > 0 && v <= c[i-1] {
			return fmt.Errorf("%w: indices not strictly increasing at position %d", ErrInvalidCombination, i)
		}
	}
	return nil
}

// ValidateThreshold checks 1 <= m <= n.
func ValidateThreshold(n, m int) error {
	if n <= 0 {
		return fmt.Errorf("%w: no participants", ErrInvalidThreshold)
	}
	if m <= 0 {
		return fmt.Errorf("%w: threshold must be at least 1", ErrInvalidThreshold)
	}
	if m > n {
		return fmt.Errorf("%w: threshold %d exceeds participant count %d", ErrInvalidThreshold, m, n)
	}
	return nil
}

// Count returns C(n, m). The boolean is false when the value does not fit in
// a uint64.
func Count(n, m int) (uint64, bool) {
	if m < 0 || n < 0 || m > n {
		return 0, true
	}
	if m > n-m {
		m = n - m
	}
	result := uint64(1)
	for i := 1; i <= m; i++ {
		// result * (n-m+i) / i is exact at every step.
		hi, lo := bits.Mul64(result, uint64(n-m+i))
		if hi >= uint64(i) {
			return 0, false
		}
		result, _ = bits.Div64(hi, lo, uint64(i))
	}
	return result, true
}

// Total validates the threshold and returns C(n, m), refusing counts above
// ceiling. A ceiling of 0 selects DefaultCeiling.
func Total(n, m int, ceiling uint64) (uint64, error) {
	if err := ValidateThreshold(n, m); err != nil {
		return 0, err
	}
	if ceiling == 0 {
		ceiling = DefaultCeiling
	}
	total, ok := Count(n, m)
	if !ok {
		return 0, fmt.Errorf("%w: C(%d,%d) exceeds 2^64", ErrCombinatorialOverflow, n, m)
	}
	if total > ceiling {
		return 0, fmt.Errorf("%w: C(%d,%d) = %d exceeds ceiling %d", ErrCombinatorialOverflow, n, m, total, ceiling)
	}
	return total, nil
}

// Enumerate returns every m-subset of [0, n) in lexicographic order.
// A ceiling of 0 selects DefaultCeiling.
func Enumerate(n, m int, ceiling uint64) ([]Combination, error) {
	total, err := Total(n, m, ceiling)
	if err != nil {
		return nil, err
	}
	return collect(n, m, total), nil
}

// EnumerateFirst returns the first limit m-subsets of [0, n) in
// lexicographic order without materialising the rest. A limit of 0 means
// no limit.
func EnumerateFirst(n, m int, limit, ceiling uint64) ([]Combination, error) {
	total, err := Total(n, m, ceiling)
	if err != nil {
		return nil, err
	}
	if limit > 0 && limit < total {
		total = limit
	}
	return collect(n, m, total), nil
}

func collect(n, m int, limit uint64) []Combination {
	out := make([]Combination, 0, limit)
	gen := newGenerator(n, m)
	for uint64(len(out)) < limit && gen.Next() {
		out = append(out, gen.Combination())
	}
	return out
}

// MinThreshold returns the smallest threshold whose combination count stays
// within maxLeaves, searching downward from n to n/2. It returns n when even
// the participant count exceeds maxLeaves and 1 when every threshold fits.
func MinThreshold(n int, maxLeaves uint64) int {
	if n <= 0 {
		return 0
	}
	if uint64(n) > maxLeaves {
		return n
	}
	for m := n; m >= n/2; m-- {
		count, ok := Count(n, m)
		if !ok || count > maxLeaves {
			return m + 1
		}
	}
	return 1
}
