package chain

import "strings"

// TokenInfo describes a fungible token contract (ERC20, TRC20, SPL) on one chain.
type TokenInfo struct {
	Symbol   string
	Name     string
	Decimals uint8
	Contract string // contract address, TRC20 base58 address or SPL mint
	Chain    Code
	Network  Network
}

type tokenKey struct {
	code Code
	net  Network
}

var tokenRegistry = make(map[tokenKey]map[string]*TokenInfo)

func init() {
	for _, t := range []*TokenInfo{
		{"USDT", "Tether USD", 6, "0xdAC17F958D2ee523a2206206994597C13D831ec7", Ethereum, Mainnet},
		{"USDC", "USD Coin", 6, "0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48", Ethereum, Mainnet},
		{"WETH", "Wrapped Ether", 18, "0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2", Ethereum, Mainnet},
		{"WBTC", "Wrapped Bitcoin", 8, "0x2260FAC5E5542a773Aa44fBCfeDf7C193bc2C599", Ethereum, Mainnet},
		{"USDT", "Tether USD", 18, "0x55d398326f99059fF775485246999027B3197955", BnbSmartChain, Mainnet},
		{"USDC", "USD Coin", 18, "0x8AC76a51cc950d9822D68b83fE1Ad97B32Cd580d", BnbSmartChain, Mainnet},
		{"USDT", "Tether USD", 6, "0xc2132D05D31c914a87C6611C10748AEb04B58e8F", Polygon, Mainnet},
		{"USDC", "USD Coin", 6, "0x3c499c542cEF5E3811e1192ce70d8cC03d5c3359", Polygon, Mainnet},
		{"USDT", "Tether USD", 6, "0xFd086bC7CD5C481DCC9C85ebE478A1C0b69FCbb9", Arbitrum, Mainnet},
		{"USDC", "USD Coin", 6, "0xaf88d065e77c8cC2239327C5EDb3A432268e5831", Arbitrum, Mainnet},
		{"USDC", "USD Coin", 6, "0x0b2C639c533813f4Aa9D7837CAf62653d097Ff85", Optimism, Mainnet},
		{"USDC", "USD Coin", 6, "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913", Base, Mainnet},
		{"USDC", "USD Coin", 6, "0xB97EF9Ef8734C71904D8002F8b6Bc66Dd9c48a6E", Avalanche, Mainnet},
		{"USDC", "USD Coin", 6, "0x1c7D4B196Cb0C7B01d743Fbc6116a902379C7238", Ethereum, Testnet},
		{"USDT", "Tether USD", 6, "TR7NHqjeKQxGTCi8q8ZY4pL8otSzgjLj6t", Tron, Mainnet},
		{"USDC", "USD Coin", 6, "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v", Solana, Mainnet},
		{"USDT", "Tether USD", 6, "Es9vMFrzaCERmJfrF4H2FYD4KCoNkY11McCe8BenwNYB", Solana, Mainnet},
	} {
		registerToken(t)
	}
}

func registerToken(token *TokenInfo) {
	key := tokenKey{token.Chain, token.Network}
	if tokenRegistry[key] == nil {
		tokenRegistry[key] = make(map[string]*TokenInfo)
	}
	tokenRegistry[key][strings.ToUpper(token.Symbol)] = token
}

// GetToken resolves a token by symbol or contract address.
// Returns nil if not found.
func GetToken(code Code, network Network, symbolOrContract string) *TokenInfo {
	tokens := tokenRegistry[tokenKey{code, network}]
	if t, ok := tokens[strings.ToUpper(symbolOrContract)]; ok {
		return t
	}
	for _, t := range tokens {
		if strings.EqualFold(t.Contract, symbolOrContract) {
			return t
		}
	}
	return nil
}

// ListTokens returns all registered tokens for a chain.
func ListTokens(code Code, network Network) []*TokenInfo {
	tokens := tokenRegistry[tokenKey{code, network}]
	result := make([]*TokenInfo, 0, len(tokens))
	for _, token := range tokens {
		result = append(result, token)
	}
	return result
}
