package output

import (
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"

	"github.com/klingon-exchange/threshmast/pkg/helpers"
)

// MaxMultisigKeys is the largest participant count a bare OP_CHECKMULTISIG
// redeem script can encode with small-integer opcodes.
const MaxMultisigKeys = 15

// MultisigRedeemScript builds the legacy M-of-N redeem script
// OP_M <pubkey>... OP_N OP_CHECKMULTISIG with the keys sorted by compressed
// encoding.
func MultisigRedeemScript(pubKeys []*btcec.PublicKey, threshold int, params *chaincfg.Params) ([]byte, error) {
	n := len(pubKeys)
	if n == 0 || n > MaxMultisigKeys {
		return nil, fmt.Errorf("multisig needs 1..%d keys, got %d", MaxMultisigKeys, n)
	}
	if threshold < 1 || threshold > n {
		return nil, fmt.Errorf("invalid multisig threshold %d of %d", threshold, n)
	}

	serialized := make([][]byte, n)
	for i, k := range pubKeys {
		if k == nil {
			return nil, fmt.Errorf("nil public key %d", i)
		}
		serialized[i] = k.SerializeCompressed()
	}
	helpers.SortBytes(serialized)

	addrs := make([]*btcutil.AddressPubKey, n)
	for i, k := range serialized {
		addr, err := btcutil.NewAddressPubKey(k, params)
		if err != nil {
			return nil, fmt.Errorf("invalid public key %d: %w", i, err)
		}
		addrs[i] = addr
	}

	return txscript.MultiSigScript(addrs, threshold)
}

// P2SHAddress returns the base58 P2SH address of a redeem script.
func P2SHAddress(redeemScript []byte, params *chaincfg.Params) (string, error) {
	addr, err := btcutil.NewAddressScriptHash(redeemScript, params)
	if err != nil {
		return "", fmt.Errorf("failed to encode p2sh address: %w", err)
	}
	return addr.EncodeAddress(), nil
}
