package chain

func init() {
	for net, name := range map[Network]string{Mainnet: "Tron", Testnet: "Tron Nile"} {
		Register(Tron, net, &Params{
			Code:     Tron,
			Name:     name,
			Family:   FamilyTron,
			Curve:    CurveSecp256k1,
			Decimals: 6,

			CoinType:       195,
			DefaultPurpose: 44,
			PathTemplate:   "m/44'/195'/0'/0/{i}",

			// T... on every network
			AddressVersion: 0x41,

			DefaultAddressType: AddressTron,
		})
	}
}
