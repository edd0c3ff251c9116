// Package participants derives and parses participant public keys. Keys are
// derived from a BIP39 seed along the BIP86 path m/86'/coin'/account'/0/i so
// a test federation can be reproduced from one mnemonic.
package participants

import (
	"fmt"
	"sync"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/tyler-smith/go-bip39"

	"github.com/klingon-exchange/threshmast/internal/output"
	"github.com/klingon-exchange/threshmast/pkg/helpers"
)

// PurposeBIP86 is the BIP43 purpose for single-key Taproot outputs.
const PurposeBIP86 = 86

// MaxParticipants bounds a single derivation request.
const MaxParticipants = 1024

// GenerateMnemonic generates a new 24-word BIP39 mnemonic.
func GenerateMnemonic() (string, error) {
	entropy, err := bip39.NewEntropy(256)
	if err != nil {
		return "", fmt.Errorf("failed to generate entropy: %w", err)
	}

	mnemonic, err := bip39.NewMnemonic(entropy)
	if err != nil {
		return "", fmt.Errorf("failed to generate mnemonic: %w", err)
	}

	return mnemonic, nil
}

// ValidateMnemonic checks if a mnemonic is valid.
func ValidateMnemonic(mnemonic string) bool {
	return bip39.IsMnemonicValid(mnemonic)
}

// Keyring derives participant keys from one HD master key.
type Keyring struct {
	master   *hdkeychain.ExtendedKey
	network  output.Network
	coinType uint32

	mu    sync.Mutex
	cache map[[2]uint32]*btcec.PublicKey
}

// NewFromMnemonic creates a keyring from a BIP39 mnemonic. The passphrase
// may be empty.
func NewFromMnemonic(mnemonic, passphrase string, network output.Network) (*Keyring, error) {
	if !bip39.IsMnemonicValid(mnemonic) {
		return nil, fmt.Errorf("invalid mnemonic")
	}
	return NewFromSeed(bip39.NewSeed(mnemonic, passphrase), network)
}

// NewFromSeed creates a keyring from a raw seed.
func NewFromSeed(seed []byte, network output.Network) (*Keyring, error) {
	params, err := network.Params()
	if err != nil {
		return nil, err
	}

	master, err := hdkeychain.NewMaster(seed, params)
	if err != nil {
		return nil, fmt.Errorf("failed to create master key: %w", err)
	}

	coinType := uint32(1)
	if network == output.Mainnet {
		coinType = 0
	}

	return &Keyring{
		master:   master,
		network:  network,
		coinType: coinType,
		cache:    make(map[[2]uint32]*btcec.PublicKey),
	}, nil
}

// Network returns the keyring's network.
func (k *Keyring) Network() output.Network {
	return k.network
}

// DerivationPath returns the path of participant index under account.
func (k *Keyring) DerivationPath(account, index uint32) string {
	return fmt.Sprintf("m/%d'/%d'/%d'/0/%d", PurposeBIP86, k.coinType, account, index)
}

// DerivePublicKey derives the participant key at m/86'/coin'/account'/0/index.
func (k *Keyring) DerivePublicKey(account, index uint32) (*btcec.PublicKey, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	id := [2]uint32{account, index}
	if pub, ok := k.cache[id]; ok {
		return pub, nil
	}

	path := []uint32{
		hdkeychain.HardenedKeyStart + PurposeBIP86,
		hdkeychain.HardenedKeyStart + k.coinType,
		hdkeychain.HardenedKeyStart + account,
		0,
		index,
	}
	key := k.master
	for depth, child := range path {
		next, err := key.Derive(child)
		if err != nil {
			return nil, fmt.Errorf("failed to derive level %d of %s: %w", depth+1, k.DerivationPath(account, index), err)
		}
		key = next
	}

	pub, err := key.ECPubKey()
	if err != nil {
		return nil, fmt.Errorf("failed to get public key: %w", err)
	}

	k.cache[id] = pub
	return pub, nil
}

// DeriveParticipants derives n consecutive participant keys under account.
func (k *Keyring) DeriveParticipants(account uint32, n int) ([]*btcec.PublicKey, error) {
	if n <= 0 || n > MaxParticipants {
		return nil, fmt.Errorf("participant count must be in [1,%d], got %d", MaxParticipants, n)
	}
	keys := make([]*btcec.PublicKey, n)
	for i := range keys {
		pub, err := k.DerivePublicKey(account, uint32(i))
		if err != nil {
			return nil, err
		}
		keys[i] = pub
	}
	return keys, nil
}

// ParsePublicKeys parses hex-encoded compressed public keys.
func ParsePublicKeys(hexKeys []string) ([]*btcec.PublicKey, error) {
	keys := make([]*btcec.PublicKey, len(hexKeys))
	for i, s := range hexKeys {
		raw, err := helpers.HexToFixed(s, btcec.PubKeyBytesLenCompressed)
		if err != nil {
			return nil, fmt.Errorf("public key %d: %w", i, err)
		}
		pub, err := btcec.ParsePubKey(raw)
		if err != nil {
			return nil, fmt.Errorf("public key %d: %w", i, err)
		}
		keys[i] = pub
	}
	return keys, nil
}

// EncodePublicKeys hex-encodes keys in compressed form.
func EncodePublicKeys(keys []*btcec.PublicKey) []string {
	raw := make([][]byte, len(keys))
	for i, k := range keys {
		raw[i] = k.SerializeCompressed()
	}
	return helpers.HexList(raw)
}
