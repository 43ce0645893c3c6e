package wallet

import (
	"crypto/ed25519"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	secp256k1 "github.com/decred/dcrd/dcrec/secp256k1/v4"

	"github.com/Klingon-tech/klingvault/internal/chain"
)

// KeyPair is a derived signing key. It is owned by the operation that derived
// it and must be zeroized after use; it is never persisted unencrypted.
type KeyPair struct {
	// Private is the 32-byte secp256k1 scalar or the 64-byte ed25519 private key.
	Private []byte
	// Public is the 33-byte compressed secp256k1 key or the 32-byte ed25519 key.
	Public  []byte
	Chain   chain.Code
	Network chain.Network
	Path    string
	Curve   chain.Curve
}

// Zero wipes the private key bytes.
func (k *KeyPair) Zero() {
	if k == nil {
		return
	}
	SecureClear(k.Private)
	k.Private = nil
}

// Clone returns a deep copy so key material is never aliased across goroutines.
func (k *KeyPair) Clone() *KeyPair {
	c := *k
	c.Private = append([]byte(nil), k.Private...)
	c.Public = append([]byte(nil), k.Public...)
	return &c
}

// String never includes private material.
func (k *KeyPair) String() string {
	return fmt.Sprintf("KeyPair{%s/%s %s %x}", k.Chain, k.Network, k.Path, k.Public)
}

// ECPrivKey returns the secp256k1 private key. Scalars that are zero or not
// below the group order are rejected rather than reduced.
func (k *KeyPair) ECPrivKey() (*btcec.PrivateKey, error) {
	if k.Curve != chain.CurveSecp256k1 || len(k.Private) != 32 {
		return nil, fmt.Errorf("key is not a secp256k1 key")
	}
	var d secp256k1.ModNScalar
	if overflow := d.SetByteSlice(k.Private); overflow || d.IsZero() {
		return nil, fmt.Errorf("invalid secp256k1 scalar")
	}
	return secp256k1.NewPrivateKey(&d), nil
}

// ECPubKey returns the secp256k1 public key.
func (k *KeyPair) ECPubKey() (*btcec.PublicKey, error) {
	if k.Curve != chain.CurveSecp256k1 {
		return nil, fmt.Errorf("key is not a secp256k1 key")
	}
	return btcec.ParsePubKey(k.Public)
}

// Ed25519 returns the ed25519 private key.
func (k *KeyPair) Ed25519() (ed25519.PrivateKey, error) {
	if k.Curve != chain.CurveEd25519 || len(k.Private) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("key is not an ed25519 key")
	}
	return ed25519.PrivateKey(k.Private), nil
}

// SecureClear overwrites a byte slice with zeros.
func SecureClear(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
