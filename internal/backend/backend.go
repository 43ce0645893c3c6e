// Package backend provides the HTTP transports adapters talk to nodes with.
// It never handles private keys; signing happens in the adapter packages.
//
// Transport failures are wrapped with errs.Network so retry policies can
// recognise them. Node-side rejections are returned as *RPCError or
// *errs.HTTPStatusError for the adapter to map to a business code.
package backend

import (
	"errors"
	"net/http"
	"time"

	"github.com/Klingon-tech/klingvault/internal/chain"
)

// Common errors
var (
	ErrNotConnected = errors.New("backend not connected")
	ErrNotFound     = errors.New("not found")
	ErrTxNotFound   = errors.New("transaction not found")
)

// DefaultTimeout is the per-request HTTP timeout when none is configured.
const DefaultTimeout = 30 * time.Second

// Type represents the backend protocol.
type Type string

const (
	TypeMempool   Type = "mempool"   // mempool.space API
	TypeEsplora   Type = "esplora"   // blockstream.info API
	TypeJSONRPC   Type = "jsonrpc"   // node JSON-RPC (EVM, Solana, Sui)
	TypeTronHTTP  Type = "tron"      // TRON full node /wallet HTTP API
	TypeToncenter Type = "toncenter" // toncenter v2 REST
)

// Config contains backend configuration for one chain.
type Config struct {
	Type       Type   `yaml:"type"`
	MainnetURL string `yaml:"mainnet"`
	TestnetURL string `yaml:"testnet"`
	WSMainnet  string `yaml:"ws_mainnet,omitempty"`
	WSTestnet  string `yaml:"ws_testnet,omitempty"`

	// Sent as a header by REST backends that require one (TronGrid, toncenter).
	APIKey string `yaml:"api_key,omitempty"`

	RPCUser string `yaml:"rpc_user,omitempty"`
	RPCPass string `yaml:"rpc_pass,omitempty"`

	Timeout int `yaml:"timeout,omitempty"` // seconds, default 30
}

// URLFor returns the HTTP endpoint for a network. Regtest uses the testnet URL.
func (c *Config) URLFor(network chain.Network) string {
	if network == chain.Mainnet {
		return c.MainnetURL
	}
	return c.TestnetURL
}

// WSURLFor returns the websocket endpoint for a network.
func (c *Config) WSURLFor(network chain.Network) string {
	if network == chain.Mainnet {
		return c.WSMainnet
	}
	return c.WSTestnet
}

// HTTPClient returns a client honouring the configured timeout.
func (c *Config) HTTPClient() *http.Client {
	timeout := DefaultTimeout
	if c.Timeout > 0 {
		timeout = time.Duration(c.Timeout) * time.Second
	}
	return &http.Client{Timeout: timeout}
}

// DefaultConfigs returns default backend configurations for all supported chains.
func DefaultConfigs() map[chain.Code]*Config {
	evm := func(mainnet, testnet string) *Config {
		return &Config{Type: TypeJSONRPC, MainnetURL: mainnet, TestnetURL: testnet}
	}
	return map[chain.Code]*Config{
		chain.Bitcoin: {
			Type:       TypeMempool,
			MainnetURL: "https://mempool.space/api",
			TestnetURL: "https://mempool.space/testnet4/api",
		},
		chain.Litecoin: {
			Type:       TypeMempool,
			MainnetURL: "https://litecoinspace.org/api",
			TestnetURL: "https://litecoinspace.org/testnet/api",
		},
		chain.Ethereum:      evm("https://eth.llamarpc.com", "https://ethereum-sepolia-rpc.publicnode.com"),
		chain.BnbSmartChain: evm("https://bsc-dataseed.binance.org", "https://data-seed-prebsc-1-s1.binance.org:8545"),
		chain.Polygon:       evm("https://polygon-rpc.com", "https://rpc-amoy.polygon.technology"),
		chain.Arbitrum:      evm("https://arb1.arbitrum.io/rpc", "https://sepolia-rollup.arbitrum.io/rpc"),
		chain.Optimism:      evm("https://mainnet.optimism.io", "https://sepolia.optimism.io"),
		chain.Base:          evm("https://mainnet.base.org", "https://sepolia.base.org"),
		chain.Avalanche:     evm("https://api.avax.network/ext/bc/C/rpc", "https://api.avax-test.network/ext/bc/C/rpc"),
		chain.Tron: {
			Type:       TypeTronHTTP,
			MainnetURL: "https://api.trongrid.io",
			TestnetURL: "https://nile.trongrid.io",
		},
		chain.Solana: {
			Type:       TypeJSONRPC,
			MainnetURL: "https://api.mainnet-beta.solana.com",
			TestnetURL: "https://api.devnet.solana.com",
			WSMainnet:  "wss://api.mainnet-beta.solana.com",
			WSTestnet:  "wss://api.devnet.solana.com",
		},
		chain.Ton: {
			Type:       TypeToncenter,
			MainnetURL: "https://toncenter.com/api/v2",
			TestnetURL: "https://testnet.toncenter.com/api/v2",
		},
		chain.Sui: {
			Type:       TypeJSONRPC,
			MainnetURL: "https://fullnode.mainnet.sui.io:443",
			TestnetURL: "https://fullnode.testnet.sui.io:443",
		},
	}
}
