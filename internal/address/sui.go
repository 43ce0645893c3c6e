package address

import (
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"strings"

	"golang.org/x/crypto/blake2b"

	"github.com/Klingon-tech/klingvault/internal/chain"
)

// SuiEd25519Flag is the signature scheme flag for ed25519 keys.
const SuiEd25519Flag byte = 0x00

type suiGenerator struct {
	params  *chain.Params
	network chain.Network
}

func (g *suiGenerator) Chain() chain.Code { return g.params.Code }

// Sui addresses are blake2b-256(flag || pubkey).
func (g *suiGenerator) Generate(pub []byte) (Address, error) {
	if len(pub) != ed25519.PublicKeySize {
		return Address{}, fmt.Errorf("invalid ed25519 public key length %d", len(pub))
	}
	return Address{
		Chain:   g.params.Code,
		Network: g.network,
		Type:    chain.AddressSui,
		Value:   SuiAddress(pub),
	}, nil
}

func (g *suiGenerator) Validate(addr string) error {
	if !strings.HasPrefix(addr, "0x") || len(addr) != 66 {
		return invalidAddress(g.params.Code, addr, fmt.Errorf("want 0x + 64 hex chars"))
	}
	if _, err := hex.DecodeString(addr[2:]); err != nil {
		return invalidAddress(g.params.Code, addr, err)
	}
	return nil
}

// SuiAddress encodes an ed25519 public key as a Sui address.
func SuiAddress(pub []byte) string {
	sum := blake2b.Sum256(append([]byte{SuiEd25519Flag}, pub...))
	return "0x" + hex.EncodeToString(sum[:])
}
