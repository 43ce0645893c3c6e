package address

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil/base58"

	"github.com/Klingon-tech/klingvault/internal/chain"
)

// TronVersion is the base58check version byte of TRON addresses.
const TronVersion byte = 0x41

type tronGenerator struct {
	params  *chain.Params
	network chain.Network
}

func (g *tronGenerator) Chain() chain.Code { return g.params.Code }

func (g *tronGenerator) Generate(pub []byte) (Address, error) {
	pubKey, err := btcec.ParsePubKey(pub)
	if err != nil {
		return Address{}, fmt.Errorf("failed to parse public key: %w", err)
	}
	return Address{
		Chain:   g.params.Code,
		Network: g.network,
		Type:    chain.AddressTron,
		Value:   TronAddress(pubKey),
	}, nil
}

func (g *tronGenerator) Validate(addr string) error {
	if _, err := TronToBytes(addr); err != nil {
		return invalidAddress(g.params.Code, addr, err)
	}
	return nil
}

// TronAddress shares the EVM keccak hash, re-encoded as base58check with version 0x41.
func TronAddress(pubKey *btcec.PublicKey) string {
	return base58.CheckEncode(EVMAddress(pubKey).Bytes(), TronVersion)
}

// TronToBytes decodes a base58 or 41-prefixed hex TRON address into its 21-byte form.
func TronToBytes(addr string) ([]byte, error) {
	if strings.HasPrefix(addr, "41") && len(addr) == 42 {
		b, err := hex.DecodeString(addr)
		if err != nil {
			return nil, fmt.Errorf("invalid hex address: %w", err)
		}
		return b, nil
	}

	payload, version, err := base58.CheckDecode(addr)
	if err != nil {
		return nil, fmt.Errorf("invalid base58check address: %w", err)
	}
	if version != TronVersion {
		return nil, fmt.Errorf("unexpected version byte %#x", version)
	}
	if len(payload) != 20 {
		return nil, fmt.Errorf("unexpected payload length %d", len(payload))
	}
	return append([]byte{TronVersion}, payload...), nil
}

// TronToHex returns the 41-prefixed hex form used by the HTTP API.
func TronToHex(addr string) (string, error) {
	b, err := TronToBytes(addr)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// TronFromBytes encodes a 21-byte (or 20-byte) address as base58check.
func TronFromBytes(b []byte) string {
	if len(b) == 21 {
		b = b[1:]
	}
	return base58.CheckEncode(b, TronVersion)
}
