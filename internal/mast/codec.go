package mast

import (
	"bytes"
	"fmt"
	"io"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// MaxSerializedLeaves bounds the leaf count accepted when decoding a tree.
const MaxSerializedLeaves = 1 << 24

// decodeChunk is the initial leaf capacity when decoding a tree.
const decodeChunk = 1024

// Serialize writes the proof as varint(leaf index) || varint(step count) ||
// (hash[32] || side[1])*.
func (p *InclusionProof) Serialize(w io.Writer) error {
	if err := wire.WriteVarInt(w, 0, p.LeafIndex); err != nil {
		return err
	}
	if err := wire.WriteVarInt(w, 0, uint64(len(p.Steps))); err != nil {
		return err
	}
	for _, step := range p.Steps {
		if _, err := w.Write(step.Hash[:]); err != nil {
			return err
		}
		if _, err := w.Write([]byte{byte(step.Side)}); err != nil {
			return err
		}
	}
	return nil
}

// Bytes returns the serialized proof.
func (p *InclusionProof) Bytes() []byte {
	var buf bytes.Buffer
	buf.Grow(2 + len(p.Steps)*(chainhash.HashSize+1))
	_ = p.Serialize(&buf)
	return buf.Bytes()
}

// DeserializeProof reads a proof written by Serialize.
func DeserializeProof(r io.Reader) (*InclusionProof, error) {
	idx, err := wire.ReadVarInt(r, 0)
	if err != nil {
		return nil, fmt.Errorf("%w: leaf index: %w", ErrMalformedProof, err)
	}
	count, err := wire.ReadVarInt(r, 0)
	if err != nil {
		return nil, fmt.Errorf("%w: step count: %w", ErrMalformedProof, err)
	}
	if count > MaxProofDepth {
		return nil, fmt.Errorf("%w: %d steps exceeds %d", ErrMalformedProof, count, MaxProofDepth)
	}

	proof := &InclusionProof{LeafIndex: idx, Steps: make([]ProofStep, count)}
	var side [1]byte
	for i := range proof.Steps {
		if _, err := io.ReadFull(r, proof.Steps[i].Hash[:]); err != nil {
			return nil, fmt.Errorf("%w: step %d hash: %w", ErrMalformedProof, i, err)
		}
		if _, err := io.ReadFull(r, side[:]); err != nil {
			return nil, fmt.Errorf("%w: step %d side: %w", ErrMalformedProof, i, err)
		}
		if Side(side[0]) != SideLeft && Side(side[0]) != SideRight {
			return nil, fmt.Errorf("%w: step %d has side %d", ErrMalformedProof, i, side[0])
		}
		proof.Steps[i].Side = Side(side[0])
	}
	return proof, nil
}

// ParseProof decodes a serialized proof and rejects trailing bytes.
func ParseProof(b []byte) (*InclusionProof, error) {
	r := bytes.NewReader(b)
	proof, err := DeserializeProof(r)
	if err != nil {
		return nil, err
	}
	if r.Len() != 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrMalformedProof, r.Len())
	}
	return proof, nil
}

// Serialize writes the tree as varint(leaf count) || leaf[32]*. Internal
// nodes are recomputed on decode.
func (t *Tree) Serialize(w io.Writer) error {
	if err := wire.WriteVarInt(w, 0, uint64(t.LeafCount())); err != nil {
		return err
	}
	for _, leaf := range t.levels[0] {
		if _, err := w.Write(leaf[:]); err != nil {
			return err
		}
	}
	return nil
}

// Bytes returns the serialized tree.
func (t *Tree) Bytes() []byte {
	var buf bytes.Buffer
	buf.Grow(9 + t.LeafCount()*chainhash.HashSize)
	_ = t.Serialize(&buf)
	return buf.Bytes()
}

// DeserializeTree reads a tree written by Serialize and rebuilds it.
func DeserializeTree(r io.Reader) (*Tree, error) {
	count, err := wire.ReadVarInt(r, 0)
	if err != nil {
		return nil, fmt.Errorf("%w: leaf count: %w", ErrMalformedTree, err)
	}
	if count == 0 {
		return nil, ErrEmptyTree
	}
	if count > MaxSerializedLeaves {
		return nil, fmt.Errorf("%w: %d leaves exceeds %d", ErrMalformedTree, count, MaxSerializedLeaves)
	}

	// Grow with the data actually read; count is untrusted.
	leaves := make([]chainhash.Hash, 0, min(count, decodeChunk))
	for i := uint64(0); i < count; i++ {
		var leaf chainhash.Hash
		if _, err := io.ReadFull(r, leaf[:]); err != nil {
			return nil, fmt.Errorf("%w: leaf %d: %w", ErrMalformedTree, i, err)
		}
		leaves = append(leaves, leaf)
	}
	return BuildTree(leaves)
}

// ParseTree decodes a serialized tree and rejects trailing bytes.
func ParseTree(b []byte) (*Tree, error) {
	r := bytes.NewReader(b)
	tree, err := DeserializeTree(r)
	if err != nil {
		return nil, err
	}
	if r.Len() != 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrMalformedTree, r.Len())
	}
	return tree, nil
}
