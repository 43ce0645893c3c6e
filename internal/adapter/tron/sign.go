package tron

import (
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	btcecdsa "github.com/btcsuite/btcd/btcec/v2/ecdsa"
)

// SignDigest signs a 32-byte digest and returns r||s||v with v in {0,1}.
func SignDigest(priv *btcec.PrivateKey, digest []byte) ([]byte, error) {
	if len(digest) != 32 {
		return nil, fmt.Errorf("digest must be 32 bytes, got %d", len(digest))
	}
	// v || r || s, v is 27 or 28
	compact := btcecdsa.SignCompact(priv, digest, false)
	if len(compact) != 65 {
		return nil, fmt.Errorf("invalid signature length")
	}
	sig := make([]byte, 65)
	copy(sig, compact[1:])
	sig[64] = compact[0] - 27
	return sig, nil
}

// RecoverSigner returns the public key that produced sig over digest.
func RecoverSigner(sig, digest []byte) (*btcec.PublicKey, error) {
	if len(sig) != 65 {
		return nil, fmt.Errorf("signature must be 65 bytes, got %d", len(sig))
	}
	v := sig[64]
	if v >= 27 {
		v -= 27
	}
	if v > 1 {
		return nil, fmt.Errorf("invalid recovery id %d", sig[64])
	}
	compact := make([]byte, 65)
	compact[0] = v + 27
	copy(compact[1:], sig[:64])
	pub, _, err := btcecdsa.RecoverCompact(compact, digest)
	if err != nil {
		return nil, fmt.Errorf("failed to recover signer: %w", err)
	}
	return pub, nil
}
