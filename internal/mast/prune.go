package mast

import "github.com/klingon-exchange/threshmast/internal/combination"

// Budget bounds the size of a commitment.
type Budget struct {
	// MaxLeaves caps the committed leaves. Zero means unlimited.
	MaxLeaves uint64
	// Ceiling caps C(N, M) before any enumeration. Zero selects
	// combination.DefaultCeiling.
	Ceiling uint64
}

// Plan splits total combinations into the number kept and the number
// dropped. The kept ones are always the first in canonical order.
func (b Budget) Plan(total uint64) (keep, dropped uint64) {
	if b.MaxLeaves == 0 || total <= b.MaxLeaves {
		return total, 0
	}
	return b.MaxLeaves, total - b.MaxLeaves
}

// Prune keeps the leading combinations allowed by the budget and reports
// how many were dropped.
func Prune(combos []combination.Combination, b Budget) ([]combination.Combination, uint64) {
	keep, dropped := b.Plan(uint64(len(combos)))
	return combos[:keep], dropped
}
