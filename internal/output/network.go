// Package output turns a MAST root into a spendable Bitcoin output: the
// Taproot tweak of the internal key, the P2TR address, and the legacy P2SH
// multisig fallback.
package output

import (
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/chaincfg"
)

// Network represents a Bitcoin network.
type Network string

const (
	Mainnet Network = "mainnet"
	Testnet Network = "testnet"
	Signet  Network = "signet"
	Regtest Network = "regtest"
)

var networks = map[Network]*chaincfg.Params{
	Mainnet: &chaincfg.MainNetParams,
	Testnet: &chaincfg.TestNet3Params,
	Signet:  &chaincfg.SigNetParams,
	Regtest: &chaincfg.RegressionNetParams,
}

// ParseNetwork normalises a network name. "bitcoin" and "main" are accepted
// as aliases for mainnet, "testnet3" for testnet.
func ParseNetwork(name string) (Network, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "mainnet", "main", "bitcoin":
		return Mainnet, nil
	case "testnet", "testnet3", "test":
		return Testnet, nil
	case "signet":
		return Signet, nil
	case "regtest":
		return Regtest, nil
	default:
		return "", fmt.Errorf("unknown network: %q", name)
	}
}

// Params returns the chain parameters for a network.
func (n Network) Params() (*chaincfg.Params, error) {
	params, ok := networks[n]
	if !ok {
		return nil, fmt.Errorf("unknown network: %q", n)
	}
	return params, nil
}

// Bech32HRP returns the bech32 human-readable prefix for the network.
func (n Network) Bech32HRP() string {
	params, err := n.Params()
	if err != nil {
		return ""
	}
	return params.Bech32HRPSegwit
}
