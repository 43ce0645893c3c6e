// Package wallet derives chain-specific signing keys from a BIP39 seed.
// secp256k1 chains use BIP32 (hdkeychain); ed25519 chains use SLIP-10.
package wallet

import (
	"crypto/ed25519"
	"fmt"
	"strings"
	"sync"

	slip10 "github.com/anyproto/go-slip10"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/tyler-smith/go-bip39"
	"github.com/tyler-smith/go-bip39/wordlists"

	"github.com/Klingon-tech/klingvault/internal/chain"
	"github.com/Klingon-tech/klingvault/internal/errs"
)

var languages = map[string][]string{
	"english":             wordlists.English,
	"chinese_simplified":  wordlists.ChineseSimplified,
	"chinese_traditional": wordlists.ChineseTraditional,
	"czech":               wordlists.Czech,
	"french":              wordlists.French,
	"italian":             wordlists.Italian,
	"japanese":            wordlists.Japanese,
	"korean":              wordlists.Korean,
	"spanish":             wordlists.Spanish,
}

// bip39 keeps its word list in a package global.
var wordListMu sync.Mutex

func withWordList(language string, fn func() error) error {
	if language == "" {
		language = "english"
	}
	list, ok := languages[strings.ToLower(language)]
	if !ok {
		return fmt.Errorf("unsupported mnemonic language: %s", language)
	}

	wordListMu.Lock()
	defer wordListMu.Unlock()
	bip39.SetWordList(list)
	defer bip39.SetWordList(wordlists.English)
	return fn()
}

// GenerateMnemonic generates a new BIP39 mnemonic with the given entropy bits (128-256).
func GenerateMnemonic(bits int, language string) (string, error) {
	entropy, err := bip39.NewEntropy(bits)
	if err != nil {
		return "", fmt.Errorf("failed to generate entropy: %w", err)
	}
	defer SecureClear(entropy)

	var mnemonic string
	err = withWordList(language, func() error {
		var err error
		mnemonic, err = bip39.NewMnemonic(entropy)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("failed to generate mnemonic: %w", err)
	}
	return mnemonic, nil
}

// ValidateMnemonic checks a mnemonic against the language's word list.
func ValidateMnemonic(mnemonic, language string) bool {
	valid := false
	_ = withWordList(language, func() error {
		valid = bip39.IsMnemonicValid(mnemonic)
		return nil
	})
	return valid
}

// SeedFromMnemonic returns the 64-byte BIP39 seed. The passphrase may be empty.
func SeedFromMnemonic(mnemonic, passphrase, language string) ([]byte, error) {
	var seed []byte
	err := withWordList(language, func() error {
		var err error
		seed, err = bip39.NewSeedWithErrorChecking(mnemonic, passphrase)
		return err
	})
	if err != nil {
		return nil, errs.New(errs.CodeInvalidSeed, "wallet.SeedFromMnemonic", err)
	}
	return seed, nil
}

// Derive derives the key for a chain at path. An empty path selects the
// chain's default path at index 0. Nothing is cached; use a Deriver for
// repeated derivations from one seed.
func Derive(seed []byte, code chain.Code, network chain.Network, path string) (*KeyPair, error) {
	d := NewDeriver()
	defer d.Reset()
	return d.Derive(seed, code, network, path)
}

// DeriveIndex derives the key at the chain's default path for a UI index.
func DeriveIndex(seed []byte, code chain.Code, network chain.Network, addrType chain.AddressType, index uint32) (*KeyPair, error) {
	d := NewDeriver()
	defer d.Reset()
	return d.DeriveIndex(seed, code, network, addrType, index)
}

// deriveSecp256k1 walks p from master. master itself is left intact.
func deriveSecp256k1(master *hdkeychain.ExtendedKey, p Path) (*KeyPair, error) {
	key := master
	for _, child := range p.Children() {
		next, err := key.Derive(child)
		if key != master {
			key.Zero()
		}
		if err != nil {
			return nil, errs.New(errs.CodeDerivationPath, "wallet.Derive", fmt.Errorf("failed to derive child %d: %w", child, err))
		}
		key = next
	}
	if key != master {
		defer key.Zero()
	}

	priv, err := key.ECPrivKey()
	if err != nil {
		return nil, fmt.Errorf("failed to get private key: %w", err)
	}

	return &KeyPair{
		Private: priv.Serialize(),
		Public:  priv.PubKey().SerializeCompressed(),
	}, nil
}

func deriveEd25519(master slip10.Node, p Path) (*KeyPair, error) {
	if !p.AllHardened() {
		return nil, errs.Newf(errs.CodeDerivationPath, "wallet.Derive", "ed25519 paths must be fully hardened: %s", p)
	}

	node := master
	for _, child := range p.Children() {
		next, err := node.Derive(child)
		if err != nil {
			return nil, errs.New(errs.CodeDerivationPath, "wallet.Derive", fmt.Errorf("failed to derive child %d: %w", child, err))
		}
		node = next
	}

	pub, priv := node.Keypair()
	return &KeyPair{
		Private: append([]byte(nil), ed25519.PrivateKey(priv)...),
		Public:  append([]byte(nil), ed25519.PublicKey(pub)...),
	}, nil
}
