package mast

import (
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// MaxProofDepth bounds the number of steps a verifier will fold.
const MaxProofDepth = 64

// Side says which side of the running hash a sibling sits on.
type Side uint8

const (
	// SideLeft means the sibling is hashed before the running hash.
	SideLeft Side = 0
	// SideRight means the sibling is hashed after the running hash.
	SideRight Side = 1
)

func (s Side) String() string {
	switch s {
	case SideLeft:
		return "left"
	case SideRight:
		return "right"
	default:
		return fmt.Sprintf("side(%d)", uint8(s))
	}
}

// ProofStep is one sibling on the path from a leaf to the root.
type ProofStep struct {
	Hash chainhash.Hash
	Side Side
}

// InclusionProof is the ordered leaf-to-root path for one leaf.
type InclusionProof struct {
	LeafIndex uint64
	Steps     []ProofStep
}

// Prove returns the inclusion proof for the leaf at index i.
func Prove(t *Tree, i int) (*InclusionProof, error) {
	if t == nil {
		return nil, ErrEmptyTree
	}
	if i < 0 || i >= t.LeafCount() {
		return nil, fmt.Errorf("%w: %d not in [0,%d)", ErrIndexOutOfRange, i, t.LeafCount())
	}

	proof := &InclusionProof{
		LeafIndex: uint64(i),
		Steps:     make([]ProofStep, 0, t.Depth()),
	}
	idx := i
	for _, lvl := range t.levels[:len(t.levels)-1] {
		var step ProofStep
		if idx%2 == 0 {
			step.Side = SideRight
			if idx+1 < len(lvl) {
				step.Hash = lvl[idx+1]
			} else {
				step.Hash = lvl[idx]
			}
		} else {
			step.Side = SideLeft
			step.Hash = lvl[idx-1]
		}
		proof.Steps = append(proof.Steps, step)
		idx /= 2
	}
	return proof, nil
}

// Verify folds the proof from leaf and reports whether it reaches root.
func Verify(leaf chainhash.Hash, proof *InclusionProof, root chainhash.Hash) bool {
	if proof == nil || len(proof.Steps) > MaxProofDepth {
		return false
	}
	h := leaf
	for _, step := range proof.Steps {
		switch step.Side {
		case SideLeft:
			h = HashBranch(step.Hash, h)
		case SideRight:
			h = HashBranch(h, step.Hash)
		default:
			return false
		}
	}
	return h == root
}

// VerifyForTree is Verify with the tree shape known: the proof length must
// equal the tree depth and every side must agree with the leaf index.
func VerifyForTree(leaf chainhash.Hash, proof *InclusionProof, root chainhash.Hash, leafCount uint64) bool {
	if proof == nil || leafCount == 0 || proof.LeafIndex >= leafCount {
		return false
	}
	if len(proof.Steps) != Depth(leafCount) {
		return false
	}
	idx := proof.LeafIndex
	for _, step := range proof.Steps {
		want := SideRight
		if idx%2 == 1 {
			want = SideLeft
		}
		if step.Side != want {
			return false
		}
		idx /= 2
	}
	return Verify(leaf, proof, root)
}
