package chain

// evmChain describes one EVM network pair.
type evmChain struct {
	code           Code
	name, testName string
	mainID, testID uint64
	native         string
	eip1559        bool
}

var evmChains = []evmChain{
	{Ethereum, "Ethereum", "Ethereum Sepolia", 1, 11155111, "ETH", true},
	{BnbSmartChain, "BNB Smart Chain", "BNB Smart Chain Testnet", 56, 97, "BNB", false},
	{Polygon, "Polygon", "Polygon Amoy", 137, 80002, "POL", true},
	{Arbitrum, "Arbitrum One", "Arbitrum Sepolia", 42161, 421614, "ETH", true},
	{Optimism, "Optimism", "Optimism Sepolia", 10, 11155420, "ETH", true},
	{Base, "Base", "Base Sepolia", 8453, 84532, "ETH", true},
	{Avalanche, "Avalanche C-Chain", "Avalanche Fuji", 43114, 43113, "AVAX", true},
}

func init() {
	for _, c := range evmChains {
		Register(c.code, Mainnet, newEVMParams(c.code, c.name, c.mainID, c.native, c.eip1559))
		Register(c.code, Testnet, newEVMParams(c.code, c.testName, c.testID, c.native, c.eip1559))
	}
}

// All EVM chains share coin type 60 so one key controls the same address everywhere.
func newEVMParams(code Code, name string, chainID uint64, native string, eip1559 bool) *Params {
	return &Params{
		Code:               code,
		Name:               name,
		Family:             FamilyEVM,
		Curve:              CurveSecp256k1,
		Decimals:           18,
		CoinType:           60,
		DefaultPurpose:     44,
		PathTemplate:       "m/44'/60'/0'/0/{i}",
		ChainID:            chainID,
		SupportsEIP1559:    eip1559,
		NativeToken:        native,
		DefaultAddressType: AddressEVM,
	}
}
