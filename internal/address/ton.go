package address

import (
	"crypto/ed25519"
	"fmt"

	"github.com/tonkeeper/tongo/ton"
	tonwallet "github.com/tonkeeper/tongo/wallet"

	"github.com/Klingon-tech/klingvault/internal/chain"
)

// DefaultTonSubWallet is the standard v4r2 subwallet id for workchain 0.
const DefaultTonSubWallet uint32 = 698983191

// TonSubWallet returns the v4r2 subwallet id wallets use on workchain.
func TonSubWallet(workchain int) uint32 {
	return uint32(int64(DefaultTonSubWallet) + int64(workchain))
}

type tonGenerator struct {
	params  *chain.Params
	network chain.Network
}

func (g *tonGenerator) Chain() chain.Code { return g.params.Code }

// TON addresses are the hash of the v4r2 wallet StateInit for the key.
func (g *tonGenerator) Generate(pub []byte) (Address, error) {
	accountID, err := TonAccountID(pub, g.params.Workchain)
	if err != nil {
		return Address{}, err
	}
	return Address{
		Chain:   g.params.Code,
		Network: g.network,
		Type:    chain.AddressTon,
		// wallets are user-friendly non-bounceable until deployed
		Value: accountID.ToHuman(false, g.network != chain.Mainnet),
	}, nil
}

func (g *tonGenerator) Validate(addr string) error {
	if _, err := ton.ParseAccountID(addr); err != nil {
		return invalidAddress(g.params.Code, addr, err)
	}
	return nil
}

// TonAccountID computes the v4r2 wallet account id of an ed25519 key.
func TonAccountID(pub []byte, workchain int) (ton.AccountID, error) {
	if len(pub) != ed25519.PublicKeySize {
		return ton.AccountID{}, fmt.Errorf("invalid ed25519 public key length %d", len(pub))
	}
	subWallet := TonSubWallet(workchain)
	id, err := tonwallet.GenerateWalletAddress(ed25519.PublicKey(pub), tonwallet.V4R2, nil, workchain, &subWallet)
	if err != nil {
		return ton.AccountID{}, fmt.Errorf("failed to compute wallet address: %w", err)
	}
	return id, nil
}
