package keyagg

import (
	"fmt"
	"sort"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/klingon-exchange/threshmast/internal/combination"
	"github.com/klingon-exchange/threshmast/pkg/helpers"
)

// ParticipantSet is the canonical, sorted list of participant keys. Index i
// in every combination refers to Key(i).
type ParticipantSet struct {
	keys  []*btcec.PublicKey
	index map[string]int
}

// NewParticipantSet sorts keys by compressed encoding and rejects
// duplicates.
func NewParticipantSet(keys []*btcec.PublicKey) (*ParticipantSet, error) {
	if len(keys) == 0 {
		return nil, fmt.Errorf("%w: no participants", combination.ErrInvalidThreshold)
	}

	sorted := make([]*btcec.PublicKey, len(keys))
	for i, k := range keys {
		if k == nil {
			return nil, fmt.Errorf("%w: nil participant key at position %d", ErrAggregationFailure, i)
		}
		sorted[i] = k
	}
	sort.Slice(sorted, func(i, j int) bool {
		return helpers.CompareBytes(sorted[i].SerializeCompressed(), sorted[j].SerializeCompressed()) < 0
	})

	index := make(map[string]int, len(sorted))
	for i, k := range sorted {
		id := string(k.SerializeCompressed())
		if _, dup := index[id]; dup {
			return nil, fmt.Errorf("%w: %w: %x", ErrAggregationFailure, ErrDuplicateKey, k.SerializeCompressed())
		}
		index[id] = i
	}

	return &ParticipantSet{keys: sorted, index: index}, nil
}

// Len returns the number of participants.
func (p *ParticipantSet) Len() int {
	return len(p.keys)
}

// Key returns the participant at sorted position i.
func (p *ParticipantSet) Key(i int) *btcec.PublicKey {
	return p.keys[i]
}

// Keys returns a copy of the sorted participant keys.
func (p *ParticipantSet) Keys() []*btcec.PublicKey {
	out := make([]*btcec.PublicKey, len(p.keys))
	copy(out, p.keys)
	return out
}

// IndexOf returns the sorted position of key.
func (p *ParticipantSet) IndexOf(key *btcec.PublicKey) (int, bool) {
	if key == nil {
		return 0, false
	}
	i, ok := p.index[string(key.SerializeCompressed())]
	return i, ok
}

// Select returns the keys of a combination in ascending index order.
func (p *ParticipantSet) Select(c combination.Combination) []*btcec.PublicKey {
	out := make([]*btcec.PublicKey, len(c))
	for i, idx := range c {
		out[i] = p.keys[idx]
	}
	return out
}

// Resolve maps a signer subset, given in any order, to its canonical
// combination.
func (p *ParticipantSet) Resolve(signers []*btcec.PublicKey) (combination.Combination, error) {
	c := make(combination.Combination, 0, len(signers))
	seen := make(map[int]struct{}, len(signers))
	for _, k := range signers {
		idx, ok := p.IndexOf(k)
		if !ok {
			if k == nil {
				return nil, fmt.Errorf("%w: nil key", ErrUnknownParticipant)
			}
			return nil, fmt.Errorf("%w: %x", ErrUnknownParticipant, k.SerializeCompressed())
		}
		if _, dup := seen[idx]; dup {
			return nil, fmt.Errorf("%w: %x", ErrDuplicateKey, k.SerializeCompressed())
		}
		seen[idx] = struct{}{}
		c = append(c, idx)
	}
	sort.Ints(c)
	return c, nil
}
