package chain

func init() {
	Register(Bitcoin, Mainnet, &Params{
		Code:     Bitcoin,
		Name:     "Bitcoin",
		Family:   FamilyUTXO,
		Curve:    CurveSecp256k1,
		Decimals: 8,

		CoinType:       0,
		DefaultPurpose: 84,

		PubKeyHashAddrID: 0x00, // 1...
		ScriptHashAddrID: 0x05, // 3...
		Bech32HRP:        "bc",
		WIF:              0x80,
		HDPrivateKeyID:   [4]byte{0x04, 0x88, 0xad, 0xe4}, // xprv
		HDPublicKeyID:    [4]byte{0x04, 0x88, 0xb2, 0x1e}, // xpub

		SupportsSegWit:  true,
		SupportsTaproot: true,
		DustThreshold:   546,
		MaxFeeRate:      1000,

		DefaultAddressType: AddressP2WPKH,
	})

	// testnet3 / testnet4 share prefixes
	Register(Bitcoin, Testnet, &Params{
		Code:     Bitcoin,
		Name:     "Bitcoin Testnet",
		Family:   FamilyUTXO,
		Curve:    CurveSecp256k1,
		Decimals: 8,

		CoinType:       1,
		DefaultPurpose: 84,

		PubKeyHashAddrID: 0x6F, // m or n
		ScriptHashAddrID: 0xC4, // 2...
		Bech32HRP:        "tb",
		WIF:              0xEF,
		HDPrivateKeyID:   [4]byte{0x04, 0x35, 0x83, 0x94}, // tprv
		HDPublicKeyID:    [4]byte{0x04, 0x35, 0x87, 0xcf}, // tpub

		SupportsSegWit:  true,
		SupportsTaproot: true,
		DustThreshold:   546,
		MaxFeeRate:      5000,

		DefaultAddressType: AddressP2WPKH,
	})

	Register(Bitcoin, Regtest, &Params{
		Code:     Bitcoin,
		Name:     "Bitcoin Regtest",
		Family:   FamilyUTXO,
		Curve:    CurveSecp256k1,
		Decimals: 8,

		CoinType:       1,
		DefaultPurpose: 84,

		PubKeyHashAddrID: 0x6F,
		ScriptHashAddrID: 0xC4,
		Bech32HRP:        "bcrt",
		WIF:              0xEF,
		HDPrivateKeyID:   [4]byte{0x04, 0x35, 0x83, 0x94},
		HDPublicKeyID:    [4]byte{0x04, 0x35, 0x87, 0xcf},

		SupportsSegWit:  true,
		SupportsTaproot: true,
		DustThreshold:   546,
		MaxFeeRate:      100000,

		DefaultAddressType: AddressP2WPKH,
	})
}
