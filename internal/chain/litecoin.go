package chain

func init() {
	Register(Litecoin, Mainnet, &Params{
		Code:     Litecoin,
		Name:     "Litecoin",
		Family:   FamilyUTXO,
		Curve:    CurveSecp256k1,
		Decimals: 8,

		CoinType:       2,
		DefaultPurpose: 84, // ltc1q...

		PubKeyHashAddrID: 0x30, // L...
		ScriptHashAddrID: 0x32, // M...
		Bech32HRP:        "ltc",
		WIF:              0xB0,
		HDPrivateKeyID:   [4]byte{0x01, 0x9d, 0x9c, 0xfe}, // Ltpv
		HDPublicKeyID:    [4]byte{0x01, 0x9d, 0xa4, 0x62}, // Ltub

		SupportsSegWit:  true,
		SupportsTaproot: true,
		DustThreshold:   5460,
		MaxFeeRate:      2000,

		DefaultAddressType: AddressP2WPKH,
	})

	Register(Litecoin, Testnet, &Params{
		Code:     Litecoin,
		Name:     "Litecoin Testnet",
		Family:   FamilyUTXO,
		Curve:    CurveSecp256k1,
		Decimals: 8,

		CoinType:       1,
		DefaultPurpose: 84,

		PubKeyHashAddrID: 0x6F,
		ScriptHashAddrID: 0x3A, // Q...
		Bech32HRP:        "tltc",
		WIF:              0xEF,
		HDPrivateKeyID:   [4]byte{0x04, 0x36, 0xef, 0x7d}, // ttpv
		HDPublicKeyID:    [4]byte{0x04, 0x36, 0xf6, 0xe1}, // ttub

		SupportsSegWit:  true,
		SupportsTaproot: true,
		DustThreshold:   5460,
		MaxFeeRate:      10000,

		DefaultAddressType: AddressP2WPKH,
	})
}
