package chain

func init() {
	for net, name := range map[Network]string{Mainnet: "Solana", Testnet: "Solana Devnet"} {
		Register(Solana, net, &Params{
			Code:     Solana,
			Name:     name,
			Family:   FamilySolana,
			Curve:    CurveEd25519,
			Decimals: 9,

			// ed25519 via SLIP-10: every segment hardened
			CoinType:       501,
			DefaultPurpose: 44,
			PathTemplate:   "m/44'/501'/{i}'/0'",

			DefaultAddressType: AddressSolana,
		})
	}
}
