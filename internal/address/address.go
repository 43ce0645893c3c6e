// Package address converts public keys into each chain's native address encoding.
package address

import (
	"fmt"

	"github.com/Klingon-tech/klingvault/internal/chain"
	"github.com/Klingon-tech/klingvault/internal/errs"
	"github.com/Klingon-tech/klingvault/internal/wallet"
)

// Address is a chain-tagged encoded address. It is a pure function of
// (seed, path, chain, network, type).
type Address struct {
	Chain   chain.Code
	Network chain.Network
	Type    chain.AddressType
	Value   string
}

func (a Address) String() string { return a.Value }

// Generator encodes public keys for one chain.
type Generator interface {
	Chain() chain.Code
	Generate(pub []byte) (Address, error)
	Validate(addr string) error
}

// ForChain returns the generator for a chain. An empty addrType selects the chain default.
func ForChain(code chain.Code, network chain.Network, addrType chain.AddressType) (Generator, error) {
	params, ok := chain.Get(code, network)
	if !ok {
		return nil, errs.Newf(errs.CodeUnsupported, "address.ForChain", "unsupported chain: %s/%s", code, network)
	}
	if addrType == "" {
		addrType = params.DefaultAddressType
	}

	switch params.Family {
	case chain.FamilyUTXO:
		return newBTCGenerator(params, network, addrType)
	case chain.FamilyEVM:
		return &evmGenerator{params: params, network: network}, nil
	case chain.FamilyTron:
		return &tronGenerator{params: params, network: network}, nil
	case chain.FamilySolana:
		return &solanaGenerator{params: params, network: network}, nil
	case chain.FamilyTon:
		return &tonGenerator{params: params, network: network}, nil
	case chain.FamilySui:
		return &suiGenerator{params: params, network: network}, nil
	}
	return nil, errs.Newf(errs.CodeUnsupported, "address.ForChain", "no address generator for family %s", params.Family)
}

// FromKeyPair derives the address of a key pair with the chain's default type.
func FromKeyPair(kp *wallet.KeyPair, addrType chain.AddressType) (Address, error) {
	gen, err := ForChain(kp.Chain, kp.Network, addrType)
	if err != nil {
		return Address{}, err
	}
	return gen.Generate(kp.Public)
}

// Validate checks that addr is well formed for the chain.
func Validate(code chain.Code, network chain.Network, addr string) error {
	gen, err := ForChain(code, network, "")
	if err != nil {
		return err
	}
	return gen.Validate(addr)
}

func invalidAddress(code chain.Code, addr string, err error) error {
	return errs.Parse(errs.CodeInvalidAddress, "address.Validate", fmt.Errorf("%s: %w", code, err)).WithAddress(addr)
}
