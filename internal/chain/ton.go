package chain

func init() {
	for net, name := range map[Network]string{Mainnet: "TON", Testnet: "TON Testnet"} {
		Register(Ton, net, &Params{
			Code:     Ton,
			Name:     name,
			Family:   FamilyTon,
			Curve:    CurveEd25519,
			Decimals: 9,

			CoinType:       607,
			DefaultPurpose: 44,
			PathTemplate:   "m/44'/607'/{i}'",
			Workchain:      0,

			DefaultAddressType: AddressTon,
		})
	}
}
