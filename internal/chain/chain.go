// Package chain defines chain codes, families and derivation parameters for supported blockchains.
// All chain-specific constants live here; adapters and address generators look them up by Code.
package chain

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Code identifies a blockchain. It is immutable and selects the adapter and address rules.
type Code string

const (
	Bitcoin       Code = "BTC"
	Litecoin      Code = "LTC"
	Ethereum      Code = "ETH"
	BnbSmartChain Code = "BSC"
	Polygon       Code = "POLYGON"
	Arbitrum      Code = "ARBITRUM"
	Optimism      Code = "OPTIMISM"
	Base          Code = "BASE"
	Avalanche     Code = "AVAX"
	Tron          Code = "TRX"
	Solana        Code = "SOL"
	Ton           Code = "TON"
	Sui           Code = "SUI"
)

// ParseCode parses a chain code case-insensitively.
func ParseCode(s string) (Code, error) {
	c := Code(strings.ToUpper(strings.TrimSpace(s)))
	if _, ok := registry[c]; !ok {
		return "", fmt.Errorf("unsupported chain: %s", s)
	}
	return c, nil
}

func (c Code) String() string { return string(c) }

// Network represents mainnet, testnet or regtest.
type Network string

const (
	Mainnet Network = "mainnet"
	Testnet Network = "testnet"
	Regtest Network = "regtest"
)

// ParseNetwork parses a network name.
func ParseNetwork(s string) (Network, error) {
	switch Network(strings.ToLower(s)) {
	case Mainnet:
		return Mainnet, nil
	case Testnet:
		return Testnet, nil
	case Regtest:
		return Regtest, nil
	}
	return "", fmt.Errorf("unknown network: %s", s)
}

// Family groups chains sharing one transaction model.
type Family string

const (
	FamilyUTXO   Family = "utxo"   // BTC and forks
	FamilyEVM    Family = "evm"    // account + nonce
	FamilyTron   Family = "tron"   // protobuf raw tx, bandwidth/energy
	FamilySolana Family = "solana" // instruction messages, PDAs
	FamilyTon    Family = "ton"    // cells
	FamilySui    Family = "sui"    // object model, node-built tx bytes
)

// Curve is the signing-key curve of a chain.
type Curve string

const (
	CurveSecp256k1 Curve = "secp256k1"
	CurveEd25519   Curve = "ed25519"
)

// AddressType represents the address encoding format.
type AddressType string

const (
	AddressP2PKH       AddressType = "p2pkh"       // Legacy (1...)
	AddressP2SH        AddressType = "p2sh"        // Script hash (3...)
	AddressP2WPKH      AddressType = "p2wpkh"      // Native SegWit (bc1q...)
	AddressP2WSH       AddressType = "p2wsh"       // SegWit script (bc1q...)
	AddressP2SH_P2WPKH AddressType = "p2sh-p2wpkh" // Nested SegWit (3...)
	AddressP2TR        AddressType = "p2tr"        // Taproot (bc1p...)

	AddressEVM    AddressType = "evm"    // 0x...
	AddressTron   AddressType = "tron"   // T...
	AddressSolana AddressType = "solana" // Base58
	AddressTon    AddressType = "ton"    // user-friendly base64url
	AddressSui    AddressType = "sui"    // 0x + 64 hex
)

// Params contains all parameters for a blockchain on one network.
type Params struct {
	// Identity
	Code     Code
	Name     string
	Family   Family
	Curve    Curve
	Decimals uint8

	// Derivation
	CoinType       uint32
	DefaultPurpose uint32
	// PathTemplate uses {i} for the UI index; a trailing ' marks hardened segments.
	PathTemplate string

	// Bitcoin-like network params
	PubKeyHashAddrID byte
	ScriptHashAddrID byte
	Bech32HRP        string
	WIF              byte
	HDPrivateKeyID   [4]byte
	HDPublicKeyID    [4]byte
	SupportsSegWit   bool
	SupportsTaproot  bool
	DustThreshold    uint64 // satoshis
	MaxFeeRate       uint64 // sat/vB guard

	// Account chains
	ChainID         uint64 // EVM chain ID
	SupportsEIP1559 bool
	AddressVersion  byte // TRON base58check version byte
	Workchain       int  // TON workchain

	NativeToken        string
	DefaultAddressType AddressType
}

// PurposeFor returns the BIP purpose matching an address type.
func PurposeFor(t AddressType) uint32 {
	switch t {
	case AddressP2SH_P2WPKH:
		return 49
	case AddressP2WPKH:
		return 84
	case AddressP2TR:
		return 86
	default:
		return 44
	}
}

// DefaultPath returns the canonical derivation path for a UI index.
// For UTXO chains the purpose follows addrType; empty addrType uses the chain default.
func (p *Params) DefaultPath(index uint32, addrType AddressType) string {
	tmpl := p.PathTemplate
	if p.Family == FamilyUTXO {
		if addrType == "" {
			addrType = p.DefaultAddressType
		}
		tmpl = fmt.Sprintf("m/%d'/%d'/0'/0/{i}", PurposeFor(addrType), p.CoinType)
	}
	return strings.ReplaceAll(tmpl, "{i}", strconv.FormatUint(uint64(index), 10))
}

// GetNativeToken returns the native token symbol for a chain.
func (p *Params) GetNativeToken() string {
	if p.NativeToken != "" {
		return p.NativeToken
	}
	return string(p.Code)
}

// IsEVM reports whether the chain is in the EVM family.
func (p *Params) IsEVM() bool {
	return p.Family == FamilyEVM
}

var registry = make(map[Code]map[Network]*Params)

// Register adds chain params to the registry.
func Register(code Code, network Network, params *Params) {
	if registry[code] == nil {
		registry[code] = make(map[Network]*Params)
	}
	registry[code][network] = params
}

// Get returns chain params for a code and network.
// Regtest falls back to testnet params when no regtest entry exists.
func Get(code Code, network Network) (*Params, bool) {
	nets, ok := registry[code]
	if !ok {
		return nil, false
	}
	params, ok := nets[network]
	if !ok && network == Regtest {
		params, ok = nets[Testnet]
	}
	return params, ok
}

// MustGet is Get for codes known at compile time.
func MustGet(code Code, network Network) *Params {
	p, ok := Get(code, network)
	if !ok {
		panic(fmt.Sprintf("chain %s/%s not registered", code, network))
	}
	return p
}

// List returns all registered chain codes in sorted order.
func List() []Code {
	codes := make([]Code, 0, len(registry))
	for code := range registry {
		codes = append(codes, code)
	}
	sort.Slice(codes, func(i, j int) bool { return codes[i] < codes[j] })
	return codes
}

// ListByFamily returns all chains of a family.
func ListByFamily(family Family) []Code {
	var codes []Code
	for _, code := range List() {
		for _, params := range registry[code] {
			if params.Family == family {
				codes = append(codes, code)
				break
			}
		}
	}
	return codes
}

// IsSupported returns true if the chain is registered.
func IsSupported(code Code) bool {
	_, ok := registry[code]
	return ok
}

// GetByChainID returns chain params for an EVM chain ID.
func GetByChainID(chainID uint64, network Network) (*Params, bool) {
	for _, nets := range registry {
		if params, ok := nets[network]; ok {
			if params.Family == FamilyEVM && params.ChainID == chainID {
				return params, true
			}
		}
	}
	return nil, false
}
