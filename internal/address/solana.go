package address

import (
	"crypto/ed25519"
	"fmt"

	"github.com/mr-tron/base58"

	"github.com/Klingon-tech/klingvault/internal/chain"
)

type solanaGenerator struct {
	params  *chain.Params
	network chain.Network
}

func (g *solanaGenerator) Chain() chain.Code { return g.params.Code }

// Solana addresses are the base58 ed25519 public key.
func (g *solanaGenerator) Generate(pub []byte) (Address, error) {
	if len(pub) != ed25519.PublicKeySize {
		return Address{}, fmt.Errorf("invalid ed25519 public key length %d", len(pub))
	}
	return Address{
		Chain:   g.params.Code,
		Network: g.network,
		Type:    chain.AddressSolana,
		Value:   base58.Encode(pub),
	}, nil
}

func (g *solanaGenerator) Validate(addr string) error {
	b, err := base58.Decode(addr)
	if err != nil {
		return invalidAddress(g.params.Code, addr, err)
	}
	if len(b) != 32 {
		return invalidAddress(g.params.Code, addr, fmt.Errorf("decoded length %d, want 32", len(b)))
	}
	return nil
}
