package address

import (
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/bech32"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"

	"github.com/Klingon-tech/klingvault/internal/chain"
	"github.com/Klingon-tech/klingvault/internal/errs"
)

type btcGenerator struct {
	params   *chain.Params
	network  chain.Network
	addrType chain.AddressType
	cfg      *chaincfg.Params
}

func newBTCGenerator(params *chain.Params, network chain.Network, addrType chain.AddressType) (*btcGenerator, error) {
	switch addrType {
	case chain.AddressP2PKH, chain.AddressP2WPKH, chain.AddressP2SH_P2WPKH, chain.AddressP2TR:
	default:
		return nil, errs.Newf(errs.CodeUnsupported, "address.ForChain", "address type %s not supported on %s", addrType, params.Code)
	}
	if addrType == chain.AddressP2TR && !params.SupportsTaproot {
		return nil, errs.Newf(errs.CodeUnsupported, "address.ForChain", "%s does not support taproot", params.Code)
	}
	return &btcGenerator{params: params, network: network, addrType: addrType, cfg: ChainCfg(params)}, nil
}

func (g *btcGenerator) Chain() chain.Code { return g.params.Code }

func (g *btcGenerator) Generate(pub []byte) (Address, error) {
	pubKey, err := btcec.ParsePubKey(pub)
	if err != nil {
		return Address{}, fmt.Errorf("failed to parse public key: %w", err)
	}

	var addr string
	switch g.addrType {
	case chain.AddressP2PKH:
		addr, err = P2PKH(pubKey, g.cfg)
	case chain.AddressP2SH_P2WPKH:
		addr, err = P2SH_P2WPKH(pubKey, g.cfg)
	case chain.AddressP2TR:
		addr, err = P2TR(pubKey, g.cfg)
	default:
		addr, err = P2WPKH(pubKey, g.cfg)
	}
	if err != nil {
		return Address{}, err
	}
	return Address{Chain: g.params.Code, Network: g.network, Type: g.addrType, Value: addr}, nil
}

func (g *btcGenerator) Validate(addr string) error {
	if _, _, err := ParseBTC(addr, g.params); err != nil {
		return invalidAddress(g.params.Code, addr, err)
	}
	return nil
}

// P2PKH derives a legacy address (1... for BTC, L... for LTC).
func P2PKH(pubKey *btcec.PublicKey, params *chaincfg.Params) (string, error) {
	addr, err := btcutil.NewAddressPubKeyHash(btcutil.Hash160(pubKey.SerializeCompressed()), params)
	if err != nil {
		return "", fmt.Errorf("failed to create P2PKH address: %w", err)
	}
	return addr.EncodeAddress(), nil
}

// P2WPKH derives a native SegWit address (bc1q..., ltc1q...).
func P2WPKH(pubKey *btcec.PublicKey, params *chaincfg.Params) (string, error) {
	addr, err := btcutil.NewAddressWitnessPubKeyHash(btcutil.Hash160(pubKey.SerializeCompressed()), params)
	if err != nil {
		return "", fmt.Errorf("failed to create P2WPKH address: %w", err)
	}
	return addr.EncodeAddress(), nil
}

// P2TR derives a key-path-only Taproot address (bc1p...).
func P2TR(pubKey *btcec.PublicKey, params *chaincfg.Params) (string, error) {
	taprootKey := txscript.ComputeTaprootKeyNoScript(pubKey)
	addr, err := btcutil.NewAddressTaproot(taprootKey.SerializeCompressed()[1:], params)
	if err != nil {
		return "", fmt.Errorf("failed to create Taproot address: %w", err)
	}
	return addr.EncodeAddress(), nil
}

// P2SH_P2WPKH derives a nested SegWit address (3... for BTC).
func P2SH_P2WPKH(pubKey *btcec.PublicKey, params *chaincfg.Params) (string, error) {
	witnessAddr, err := btcutil.NewAddressWitnessPubKeyHash(btcutil.Hash160(pubKey.SerializeCompressed()), params)
	if err != nil {
		return "", fmt.Errorf("failed to create witness address: %w", err)
	}
	witnessScript, err := txscript.PayToAddrScript(witnessAddr)
	if err != nil {
		return "", fmt.Errorf("failed to create witness script: %w", err)
	}
	addr, err := btcutil.NewAddressScriptHash(witnessScript, params)
	if err != nil {
		return "", fmt.Errorf("failed to create P2SH address: %w", err)
	}
	return addr.EncodeAddress(), nil
}

// ParseBTC decodes a Bitcoin-family address and reports its type.
func ParseBTC(address string, params *chain.Params) (btcutil.Address, chain.AddressType, error) {
	cfg := ChainCfg(params)
	decoded, err := btcutil.DecodeAddress(address, cfg)
	if err != nil {
		// btcutil only knows bech32 prefixes of registered nets (not ltc/tltc)
		decoded, err = decodeSegwit(address, params, cfg)
		if err != nil {
			return nil, "", fmt.Errorf("failed to decode address: %w", err)
		}
	}
	if !decoded.IsForNet(cfg) {
		return nil, "", fmt.Errorf("address %s is for a different network", address)
	}

	var addrType chain.AddressType
	switch decoded.(type) {
	case *btcutil.AddressPubKeyHash:
		addrType = chain.AddressP2PKH
	case *btcutil.AddressScriptHash:
		addrType = chain.AddressP2SH
	case *btcutil.AddressWitnessPubKeyHash:
		addrType = chain.AddressP2WPKH
	case *btcutil.AddressWitnessScriptHash:
		addrType = chain.AddressP2WSH
	case *btcutil.AddressTaproot:
		addrType = chain.AddressP2TR
	default:
		return nil, "", fmt.Errorf("unsupported address kind %T", decoded)
	}
	return decoded, addrType, nil
}

func decodeSegwit(address string, params *chain.Params, cfg *chaincfg.Params) (btcutil.Address, error) {
	hrp, data, version, err := bech32.DecodeGeneric(address)
	if err != nil {
		return nil, err
	}
	if hrp != params.Bech32HRP || len(data) == 0 {
		return nil, fmt.Errorf("unexpected prefix %q", hrp)
	}

	program, err := bech32.ConvertBits(data[1:], 5, 8, false)
	if err != nil {
		return nil, fmt.Errorf("invalid witness program: %w", err)
	}

	switch witVer := data[0]; {
	case witVer == 0 && version == bech32.Version0 && len(program) == 20:
		return btcutil.NewAddressWitnessPubKeyHash(program, cfg)
	case witVer == 0 && version == bech32.Version0 && len(program) == 32:
		return btcutil.NewAddressWitnessScriptHash(program, cfg)
	case witVer == 1 && version == bech32.VersionM && len(program) == 32:
		return btcutil.NewAddressTaproot(program, cfg)
	}
	return nil, fmt.Errorf("unsupported witness program")
}

// PayToAddrScript decodes an address and returns its output script.
func PayToAddrScript(address string, params *chain.Params) ([]byte, error) {
	decoded, _, err := ParseBTC(address, params)
	if err != nil {
		return nil, err
	}
	return txscript.PayToAddrScript(decoded)
}

// PrivateKeyToWIF encodes a private key in Wallet Import Format.
func PrivateKeyToWIF(privKey *btcec.PrivateKey, params *chain.Params) (string, error) {
	wif, err := btcutil.NewWIF(privKey, ChainCfg(params), true)
	if err != nil {
		return "", fmt.Errorf("failed to create WIF: %w", err)
	}
	return wif.String(), nil
}

// WIFToPrivateKey decodes a WIF string and checks its network.
func WIFToPrivateKey(wifStr string, params *chain.Params) (*btcec.PrivateKey, error) {
	wif, err := btcutil.DecodeWIF(wifStr)
	if err != nil {
		return nil, errs.Parse(errs.CodeInvalidPayload, "address.WIFToPrivateKey", err)
	}
	if !wif.IsForNet(ChainCfg(params)) {
		return nil, errs.Newf(errs.CodeInvalidPayload, "address.WIFToPrivateKey", "WIF is for a different network")
	}
	return wif.PrivKey, nil
}

// ChainCfg builds btcd chaincfg params from chain params.
func ChainCfg(params *chain.Params) *chaincfg.Params {
	hdPrivateKeyID := params.HDPrivateKeyID
	hdPublicKeyID := params.HDPublicKeyID
	if hdPrivateKeyID == [4]byte{} {
		hdPrivateKeyID = [4]byte{0x04, 0x88, 0xad, 0xe4}
	}
	if hdPublicKeyID == [4]byte{} {
		hdPublicKeyID = [4]byte{0x04, 0x88, 0xb2, 0x1e}
	}

	return &chaincfg.Params{
		Name:             params.Name,
		PubKeyHashAddrID: params.PubKeyHashAddrID,
		ScriptHashAddrID: params.ScriptHashAddrID,
		PrivateKeyID:     params.WIF,
		Bech32HRPSegwit:  params.Bech32HRP,
		HDPrivateKeyID:   hdPrivateKeyID,
		HDPublicKeyID:    hdPublicKeyID,
	}
}
