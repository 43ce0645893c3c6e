package sui

import (
	"context"
	"encoding/json"
	"strconv"

	"github.com/Klingon-tech/klingvault/internal/backend"
)

// NativeCoinType is the coin type of SUI.
const NativeCoinType = "0x2::sui::SUI"

// Client wraps the Sui JSON-RPC methods the adapter uses.
type Client struct {
	rpc *backend.RPCClient
}

// NewClient creates a Sui RPC client.
func NewClient(rpc *backend.RPCClient) *Client {
	return &Client{rpc: rpc}
}

// GetBalance returns the total balance of coinType owned by owner.
func (c *Client) GetBalance(ctx context.Context, owner, coinType string) (uint64, error) {
	var resp struct {
		TotalBalance string `json:"totalBalance"`
	}
	if err := c.rpc.Call(ctx, "suix_getBalance", []interface{}{owner, coinType}, &resp); err != nil {
		return 0, err
	}
	return strconv.ParseUint(resp.TotalBalance, 10, 64)
}

// CoinMetadata describes a coin type.
type CoinMetadata struct {
	Decimals uint8  `json:"decimals"`
	Symbol   string `json:"symbol"`
	Name     string `json:"name"`
}

// GetCoinMetadata returns the metadata of coinType.
func (c *Client) GetCoinMetadata(ctx context.Context, coinType string) (*CoinMetadata, error) {
	var md *CoinMetadata
	if err := c.rpc.Call(ctx, "suix_getCoinMetadata", []interface{}{coinType}, &md); err != nil {
		return nil, err
	}
	return md, nil
}

// Coin is an owned coin object.
type Coin struct {
	ObjectID string
	Balance  uint64
}

// GetCoins returns the first page of owner's coins of coinType.
func (c *Client) GetCoins(ctx context.Context, owner, coinType string) ([]Coin, error) {
	var resp struct {
		Data []struct {
			CoinObjectID string `json:"coinObjectId"`
			Balance      string `json:"balance"`
		} `json:"data"`
	}
	if err := c.rpc.Call(ctx, "suix_getCoins", []interface{}{owner, coinType, nil, 50}, &resp); err != nil {
		return nil, err
	}
	coins := make([]Coin, 0, len(resp.Data))
	for _, d := range resp.Data {
		bal, err := strconv.ParseUint(d.Balance, 10, 64)
		if err != nil {
			return nil, err
		}
		coins = append(coins, Coin{ObjectID: d.CoinObjectID, Balance: bal})
	}
	return coins, nil
}

type txBytesResponse struct {
	TxBytes string `json:"txBytes"`
}

// TransferSui builds a transfer of amount out of a single SUI coin that also pays gas.
func (c *Client) TransferSui(ctx context.Context, signer, coin string, gasBudget uint64, recipient string, amount uint64) (string, error) {
	var resp txBytesResponse
	params := []interface{}{signer, coin, strconv.FormatUint(gasBudget, 10), recipient, strconv.FormatUint(amount, 10)}
	if err := c.rpc.Call(ctx, "unsafe_transferSui", params, &resp); err != nil {
		return "", err
	}
	return resp.TxBytes, nil
}

// PaySui merges the input SUI coins and pays recipients; gas comes from the first coin.
func (c *Client) PaySui(ctx context.Context, signer string, coins []string, recipient string, amount, gasBudget uint64) (string, error) {
	var resp txBytesResponse
	params := []interface{}{signer, coins, []string{recipient}, []string{strconv.FormatUint(amount, 10)}, strconv.FormatUint(gasBudget, 10)}
	if err := c.rpc.Call(ctx, "unsafe_paySui", params, &resp); err != nil {
		return "", err
	}
	return resp.TxBytes, nil
}

// Pay transfers non-SUI coins; the node selects a gas coin.
func (c *Client) Pay(ctx context.Context, signer string, coins []string, recipient string, amount, gasBudget uint64) (string, error) {
	var resp txBytesResponse
	params := []interface{}{signer, coins, []string{recipient}, []string{strconv.FormatUint(amount, 10)}, nil, strconv.FormatUint(gasBudget, 10)}
	if err := c.rpc.Call(ctx, "unsafe_pay", params, &resp); err != nil {
		return "", err
	}
	return resp.TxBytes, nil
}

// GasUsed is the gas summary of transaction effects.
type GasUsed struct {
	ComputationCost string `json:"computationCost"`
	StorageCost     string `json:"storageCost"`
	StorageRebate   string `json:"storageRebate"`
}

// Costs returns computation, storage and rebate in MIST.
func (g GasUsed) Costs() (computation, storage, rebate uint64) {
	computation, _ = strconv.ParseUint(g.ComputationCost, 10, 64)
	storage, _ = strconv.ParseUint(g.StorageCost, 10, 64)
	rebate, _ = strconv.ParseUint(g.StorageRebate, 10, 64)
	return
}

// Net returns computation + storage - rebate, floored at zero.
func (g GasUsed) Net() uint64 {
	c, s, r := g.Costs()
	if c+s < r {
		return 0
	}
	return c + s - r
}

// Effects is the subset of transaction effects the adapter reads.
type Effects struct {
	Status struct {
		Status string `json:"status"`
		Error  string `json:"error"`
	} `json:"status"`
	GasUsed GasUsed `json:"gasUsed"`
}

// Succeeded reports whether execution succeeded.
func (e *Effects) Succeeded() bool { return e.Status.Status == "success" }

// DryRun executes txBytes without committing.
func (c *Client) DryRun(ctx context.Context, txBytes string) (*Effects, error) {
	var resp struct {
		Effects Effects `json:"effects"`
	}
	if err := c.rpc.Call(ctx, "sui_dryRunTransactionBlock", []interface{}{txBytes}, &resp); err != nil {
		return nil, err
	}
	return &resp.Effects, nil
}

// TransactionBlock is an executed transaction.
type TransactionBlock struct {
	Digest     string  `json:"digest"`
	Checkpoint string  `json:"checkpoint"`
	Effects    Effects `json:"effects"`
}

// Execute submits a signed transaction and waits for local execution.
func (c *Client) Execute(ctx context.Context, txBytes string, signatures []string) (*TransactionBlock, error) {
	var resp TransactionBlock
	params := []interface{}{txBytes, signatures, map[string]bool{"showEffects": true}, "WaitForLocalExecution"}
	if err := c.rpc.Call(ctx, "sui_executeTransactionBlock", params, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// GetTransaction returns an executed transaction by digest.
func (c *Client) GetTransaction(ctx context.Context, digest string) (*TransactionBlock, error) {
	var resp TransactionBlock
	if err := c.rpc.Call(ctx, "sui_getTransactionBlock", []interface{}{digest, map[string]bool{"showEffects": true}}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// LatestCheckpoint returns the latest checkpoint sequence number.
func (c *Client) LatestCheckpoint(ctx context.Context) (int64, error) {
	var raw json.RawMessage
	if err := c.rpc.Call(ctx, "sui_getLatestCheckpointSequenceNumber", nil, &raw); err != nil {
		return 0, err
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return 0, err
	}
	return strconv.ParseInt(s, 10, 64)
}
