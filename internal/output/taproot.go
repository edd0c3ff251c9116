package output

import (
	"encoding/hex"
	"fmt"
	"sync"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
)

// numsX is the x coordinate of the BIP-341 provably unspendable point
// H = lift_x(SHA256(G)).
const numsX = "50929b74c1a04954b78b4b6035e97a5e078a5a0f28ec96d547bfee9ace803ac0"

var (
	numsOnce sync.Once
	numsKey  *btcec.PublicKey
)

// NUMSKey returns the BIP-341 "nothing up my sleeve" internal key. Outputs
// that use it as internal key can only be spent through the MAST.
func NUMSKey() *btcec.PublicKey {
	numsOnce.Do(func() {
		raw, _ := hex.DecodeString(numsX)

		var x, y secp256k1.FieldVal
		if overflow := x.SetByteSlice(raw); overflow {
			panic("nums x coordinate overflows the field")
		}
		if !secp256k1.DecompressY(&x, false, &y) {
			panic("nums x coordinate is not on the curve")
		}
		y.Normalize()
		numsKey = secp256k1.NewPublicKey(&x, &y)
	})
	return numsKey
}

// TweakKey computes the Taproot output key Q = P + H_TapTweak(P || root)G.
func TweakKey(internalKey *btcec.PublicKey, root chainhash.Hash) (*btcec.PublicKey, error) {
	if internalKey == nil {
		return nil, fmt.Errorf("internal key cannot be nil")
	}
	return txscript.ComputeTaprootOutputKey(internalKey, root[:]), nil
}

// TaprootAddress returns the bech32m P2TR address of an output key.
func TaprootAddress(outputKey *btcec.PublicKey, params *chaincfg.Params) (string, error) {
	if outputKey == nil {
		return "", fmt.Errorf("output key cannot be nil")
	}
	addr, err := btcutil.NewAddressTaproot(schnorr.SerializePubKey(outputKey), params)
	if err != nil {
		return "", fmt.Errorf("failed to encode taproot address: %w", err)
	}
	return addr.EncodeAddress(), nil
}

// TaprootScriptPubKey returns the P2TR scriptPubKey: OP_1 <32-byte x-only key>.
func TaprootScriptPubKey(outputKey *btcec.PublicKey) ([]byte, error) {
	if outputKey == nil {
		return nil, fmt.Errorf("output key cannot be nil")
	}
	return txscript.PayToTaprootScript(outputKey)
}

// OutputKeyParity reports whether the output key has an odd y coordinate.
// Script-path spends carry it in the control byte.
func OutputKeyParity(outputKey *btcec.PublicKey) bool {
	return outputKey.SerializeCompressed()[0] == secp256k1.PubKeyFormatCompressedOdd
}
