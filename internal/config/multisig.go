package config

import (
	"github.com/ethereum/go-ethereum/common"

	"github.com/Klingon-tech/klingvault/internal/chain"
)

// EVMFactoryFor returns the wallet factory configured for an EVM chain.
// ok is false when no factory is set or the address is the zero address.
func (c *Config) EVMFactoryFor(code chain.Code) (EVMFactory, bool) {
	f, ok := c.Multisig.EVM[code]
	if !ok || !common.IsHexAddress(f.Factory) {
		return EVMFactory{}, false
	}
	if common.HexToAddress(f.Factory) == (common.Address{}) {
		return EVMFactory{}, false
	}
	return f, true
}

// SetEVMFactory sets the wallet factory of an EVM chain.
func (c *Config) SetEVMFactory(code chain.Code, f EVMFactory) {
	if c.Multisig.EVM == nil {
		c.Multisig.EVM = make(map[chain.Code]EVMFactory)
	}
	c.Multisig.EVM[code] = f
}

// EVMMultisigChains lists EVM chains with a usable factory.
func (c *Config) EVMMultisigChains() []chain.Code {
	var codes []chain.Code
	for _, code := range chain.ListByFamily(chain.FamilyEVM) {
		if _, ok := c.EVMFactoryFor(code); ok {
			codes = append(codes, code)
		}
	}
	return codes
}
