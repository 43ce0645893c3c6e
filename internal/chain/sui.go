package chain

func init() {
	for net, name := range map[Network]string{Mainnet: "Sui", Testnet: "Sui Testnet"} {
		Register(Sui, net, &Params{
			Code:     Sui,
			Name:     name,
			Family:   FamilySui,
			Curve:    CurveEd25519,
			Decimals: 9,

			CoinType:       784,
			DefaultPurpose: 44,
			PathTemplate:   "m/44'/784'/{i}'/0'/0'",

			DefaultAddressType: AddressSui,
		})
	}
}
