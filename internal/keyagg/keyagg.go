// Package keyagg maps signer combinations to MuSig2 aggregate public keys.
//
// The package owns the canonical key order: participants are sorted by their
// compressed encoding once, and every combination hands its keys to the
// aggregation primitive in ascending index order. The primitive itself is
// hidden behind the Aggregator interface so tree construction can be tested
// with a stub.
package keyagg

import (
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr/musig2"
)

// Errors
var (
	ErrAggregationFailure = errors.New("key aggregation failed")
	ErrDuplicateKey       = errors.New("duplicate public key")
	ErrUnknownParticipant = errors.New("unknown participant")
)

// Aggregator combines an ordered set of public keys into one key. It must be
// deterministic and sensitive to the order of its input.
type Aggregator interface {
	Aggregate(keys []*btcec.PublicKey) (*btcec.PublicKey, error)
}

// MuSig2Aggregator aggregates keys with BIP-327 MuSig2 key aggregation. Keys
// are used in the order given; callers are responsible for canonical order.
type MuSig2Aggregator struct{}

// Aggregate implements Aggregator.
func (MuSig2Aggregator) Aggregate(keys []*btcec.PublicKey) (*btcec.PublicKey, error) {
	if len(keys) == 0 {
		return nil, fmt.Errorf("%w: empty key set", ErrAggregationFailure)
	}

	seen := make(map[string]struct{}, len(keys))
	for i, k := range keys {
		if k == nil {
			return nil, fmt.Errorf("%w: nil key at position %d", ErrAggregationFailure, i)
		}
		id := string(k.SerializeCompressed())
		if _, dup := seen[id]; dup {
			return nil, fmt.Errorf("%w: %w at position %d", ErrAggregationFailure, ErrDuplicateKey, i)
		}
		seen[id] = struct{}{}
	}

	// sort=false: the combination order is already canonical and must not be
	// rearranged by the primitive.
	aggKey, _, _, err := musig2.AggregateKeys(keys, false)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAggregationFailure, err)
	}
	return aggKey.FinalKey, nil
}
