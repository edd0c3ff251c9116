package mast

import (
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// Tree is a binary Merkle tree over TapLeaf hashes. levels[0] holds the
// leaves and the last level holds the root alone.
type Tree struct {
	levels [][]chainhash.Hash
}

// BuildTree builds the tree bottom-up. When a level has an odd number of
// nodes the last one is paired with itself. A single leaf is its own root.
func BuildTree(leaves []chainhash.Hash) (*Tree, error) {
	if len(leaves) == 0 {
		return nil, ErrEmptyTree
	}

	base := make([]chainhash.Hash, len(leaves))
	copy(base, leaves)

	levels := [][]chainhash.Hash{base}
	for cur := base; len(cur) > 1; {
		next := make([]chainhash.Hash, (len(cur)+1)/2)
		for i := range next {
			left := cur[2*i]
			right := left
			if 2*i+1 < len(cur) {
				right = cur[2*i+1]
			}
			next[i] = HashBranch(left, right)
		}
		levels = append(levels, next)
		cur = next
	}

	return &Tree{levels: levels}, nil
}

// Root returns the Merkle root.
func (t *Tree) Root() chainhash.Hash {
	return t.levels[len(t.levels)-1][0]
}

// LeafCount returns the number of leaves.
func (t *Tree) LeafCount() int {
	return len(t.levels[0])
}

// Depth returns the number of levels above the leaves, which is also the
// length of every inclusion proof.
func (t *Tree) Depth() int {
	return len(t.levels) - 1
}

// NodeCount returns the total number of stored nodes.
func (t *Tree) NodeCount() int {
	n := 0
	for _, lvl := range t.levels {
		n += len(lvl)
	}
	return n
}

// Leaf returns the leaf hash at index i.
func (t *Tree) Leaf(i int) (chainhash.Hash, error) {
	if i < 0 || i >= t.LeafCount() {
		return chainhash.Hash{}, fmt.Errorf("%w: %d not in [0,%d)", ErrIndexOutOfRange, i, t.LeafCount())
	}
	return t.levels[0][i], nil
}

// Leaves returns a copy of the leaf hashes.
func (t *Tree) Leaves() []chainhash.Hash {
	out := make([]chainhash.Hash, len(t.levels[0]))
	copy(out, t.levels[0])
	return out
}

// Depth returns the tree depth for leafCount leaves: ceil(log2(leafCount)).
func Depth(leafCount uint64) int {
	d := 0
	for w := leafCount; w > 1; w = (w + 1) / 2 {
		d++
	}
	return d
}
