package mast

import (
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
)

// LeafScript returns the tapscript committed for an aggregated key:
// <32-byte x-only key> OP_CHECKSIG.
func LeafScript(aggKey *btcec.PublicKey) []byte {
	return leafScript(schnorr.SerializePubKey(aggKey))
}

func leafScript(xOnly []byte) []byte {
	// A 34-byte script is far below the builder's size limit.
	script, _ := txscript.NewScriptBuilder().
		AddData(xOnly).
		AddOp(txscript.OP_CHECKSIG).
		Script()
	return script
}

// HashLeaf returns the TapLeaf hash of the aggregated key's leaf script
// under leaf version 0xc0.
func HashLeaf(aggKey *btcec.PublicKey) chainhash.Hash {
	return txscript.NewBaseTapLeaf(LeafScript(aggKey)).TapHash()
}

// HashLeafBytes is HashLeaf for a serialized key, either 32-byte x-only or
// 33-byte compressed.
func HashLeafBytes(key []byte) (chainhash.Hash, error) {
	switch len(key) {
	case schnorr.PubKeyBytesLen:
		if _, err := schnorr.ParsePubKey(key); err != nil {
			return chainhash.Hash{}, fmt.Errorf("invalid x-only key: %w", err)
		}
		return txscript.NewBaseTapLeaf(leafScript(key)).TapHash(), nil
	case btcec.PubKeyBytesLenCompressed:
		pub, err := btcec.ParsePubKey(key)
		if err != nil {
			return chainhash.Hash{}, fmt.Errorf("invalid compressed key: %w", err)
		}
		return HashLeaf(pub), nil
	default:
		return chainhash.Hash{}, fmt.Errorf("invalid key length %d", len(key))
	}
}

// HashBranch returns TaggedHash("TapBranch", left || right). Children are
// hashed in position order, so HashBranch(a, b) != HashBranch(b, a).
func HashBranch(left, right chainhash.Hash) chainhash.Hash {
	return *chainhash.TaggedHash(chainhash.TagTapBranch, left[:], right[:])
}
