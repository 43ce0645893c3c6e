package address

import (
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/Klingon-tech/klingvault/internal/chain"
)

type evmGenerator struct {
	params  *chain.Params
	network chain.Network
}

func (g *evmGenerator) Chain() chain.Code { return g.params.Code }

func (g *evmGenerator) Generate(pub []byte) (Address, error) {
	pubKey, err := btcec.ParsePubKey(pub)
	if err != nil {
		return Address{}, fmt.Errorf("failed to parse public key: %w", err)
	}
	return Address{
		Chain:   g.params.Code,
		Network: g.network,
		Type:    chain.AddressEVM,
		Value:   EVMAddress(pubKey).Hex(),
	}, nil
}

func (g *evmGenerator) Validate(addr string) error {
	if !ValidateEVM(addr) {
		return invalidAddress(g.params.Code, addr, fmt.Errorf("not a valid EIP-55 address"))
	}
	return nil
}

// EVMAddress is the last 20 bytes of Keccak-256 over the uncompressed key (without 0x04).
func EVMAddress(pubKey *btcec.PublicKey) common.Address {
	return common.BytesToAddress(crypto.Keccak256(pubKey.SerializeUncompressed()[1:])[12:])
}

// ChecksumEVM applies the EIP-55 checksum.
func ChecksumEVM(addr string) string {
	return common.HexToAddress(addr).Hex()
}

// ValidateEVM accepts all-lower, all-upper or correctly checksummed addresses.
func ValidateEVM(addr string) bool {
	if !common.IsHexAddress(addr) || !strings.HasPrefix(addr, "0x") {
		return false
	}
	body := addr[2:]
	if body == strings.ToLower(body) || body == strings.ToUpper(body) {
		return true
	}
	return ChecksumEVM(addr) == addr
}
