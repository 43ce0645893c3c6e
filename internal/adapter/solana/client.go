package solana

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"

	"github.com/Klingon-tech/klingvault/internal/backend"
)

// Client wraps the Solana JSON-RPC methods the adapter uses.
type Client struct {
	rpc *backend.RPCClient
}

// NewClient creates a Solana RPC client.
func NewClient(rpc *backend.RPCClient) *Client {
	return &Client{rpc: rpc}
}

type commitment struct {
	Commitment string `json:"commitment,omitempty"`
}

var confirmed = commitment{Commitment: "confirmed"}

// GetBalance returns the lamports held by addr.
func (c *Client) GetBalance(ctx context.Context, addr string) (uint64, error) {
	var resp struct {
		Value uint64 `json:"value"`
	}
	if err := c.rpc.Call(ctx, "getBalance", []interface{}{addr, confirmed}, &resp); err != nil {
		return 0, err
	}
	return resp.Value, nil
}

// GetLatestBlockhash returns the blockhash to embed in new messages.
func (c *Client) GetLatestBlockhash(ctx context.Context) (Hash, uint64, error) {
	var resp struct {
		Value struct {
			Blockhash            string `json:"blockhash"`
			LastValidBlockHeight uint64 `json:"lastValidBlockHeight"`
		} `json:"value"`
	}
	if err := c.rpc.Call(ctx, "getLatestBlockhash", []interface{}{confirmed}, &resp); err != nil {
		return Hash{}, 0, err
	}
	h, err := ParsePublicKey(resp.Value.Blockhash)
	if err != nil {
		return Hash{}, 0, err
	}
	return h, resp.Value.LastValidBlockHeight, nil
}

// AccountInfo is the subset of getAccountInfo the adapter reads.
type AccountInfo struct {
	Lamports uint64
	Owner    PublicKey
	Data     []byte
}

// GetAccountInfo returns nil when the account does not exist.
func (c *Client) GetAccountInfo(ctx context.Context, addr string) (*AccountInfo, error) {
	var resp struct {
		Value *struct {
			Lamports uint64   `json:"lamports"`
			Owner    string   `json:"owner"`
			Data     []string `json:"data"`
		} `json:"value"`
	}
	opts := map[string]string{"encoding": "base64", "commitment": "confirmed"}
	if err := c.rpc.Call(ctx, "getAccountInfo", []interface{}{addr, opts}, &resp); err != nil {
		return nil, err
	}
	if resp.Value == nil {
		return nil, nil
	}

	info := &AccountInfo{Lamports: resp.Value.Lamports}
	owner, err := ParsePublicKey(resp.Value.Owner)
	if err != nil {
		return nil, err
	}
	info.Owner = owner
	if len(resp.Value.Data) > 0 {
		info.Data, err = base64.StdEncoding.DecodeString(resp.Value.Data[0])
		if err != nil {
			return nil, fmt.Errorf("invalid account data: %w", err)
		}
	}
	return info, nil
}

// GetMinimumBalanceForRentExemption returns the rent-exempt reserve for size bytes.
func (c *Client) GetMinimumBalanceForRentExemption(ctx context.Context, size int) (uint64, error) {
	var lamports uint64
	if err := c.rpc.Call(ctx, "getMinimumBalanceForRentExemption", []interface{}{size}, &lamports); err != nil {
		return 0, err
	}
	return lamports, nil
}

// GetTokenBalance sums the owner's token accounts for mint.
func (c *Client) GetTokenBalance(ctx context.Context, owner, mint string) (uint64, uint8, error) {
	var resp struct {
		Value []struct {
			Account struct {
				Data struct {
					Parsed struct {
						Info struct {
							TokenAmount struct {
								Amount   string `json:"amount"`
								Decimals uint8  `json:"decimals"`
							} `json:"tokenAmount"`
						} `json:"info"`
					} `json:"parsed"`
				} `json:"data"`
			} `json:"account"`
		} `json:"value"`
	}
	params := []interface{}{
		owner,
		map[string]string{"mint": mint},
		map[string]string{"encoding": "jsonParsed", "commitment": "confirmed"},
	}
	if err := c.rpc.Call(ctx, "getTokenAccountsByOwner", params, &resp); err != nil {
		return 0, 0, err
	}

	var (
		total    uint64
		decimals uint8
	)
	for _, acct := range resp.Value {
		ta := acct.Account.Data.Parsed.Info.TokenAmount
		n, err := strconv.ParseUint(ta.Amount, 10, 64)
		if err != nil {
			return 0, 0, fmt.Errorf("invalid token amount %q: %w", ta.Amount, err)
		}
		total += n
		decimals = ta.Decimals
	}
	return total, decimals, nil
}

// GetPriorityFee returns the median recent prioritization fee paid for
// transactions writing the given accounts.
func (c *Client) GetPriorityFee(ctx context.Context, accounts []string) (uint64, error) {
	var resp []struct {
		Slot              uint64 `json:"slot"`
		PrioritizationFee uint64 `json:"prioritizationFee"`
	}
	if err := c.rpc.Call(ctx, "getRecentPrioritizationFees", []interface{}{accounts}, &resp); err != nil {
		return 0, err
	}
	if len(resp) == 0 {
		return 0, nil
	}
	fees := make([]uint64, len(resp))
	for i, f := range resp {
		fees[i] = f.PrioritizationFee
	}
	sort.Slice(fees, func(i, j int) bool { return fees[i] < fees[j] })
	return fees[len(fees)/2], nil
}

// SimulationResult is the outcome of simulateTransaction.
type SimulationResult struct {
	Err           json.RawMessage
	Logs          []string
	UnitsConsumed uint64
}

// Failed reports whether the simulated transaction errored.
func (s *SimulationResult) Failed() bool {
	return len(s.Err) > 0 && string(s.Err) != "null"
}

// Simulate runs an unsigned wire transaction against the current bank.
func (c *Client) Simulate(ctx context.Context, tx []byte) (*SimulationResult, error) {
	var resp struct {
		Value struct {
			Err           json.RawMessage `json:"err"`
			Logs          []string        `json:"logs"`
			UnitsConsumed uint64          `json:"unitsConsumed"`
		} `json:"value"`
	}
	opts := map[string]interface{}{
		"encoding":               "base64",
		"sigVerify":              false,
		"replaceRecentBlockhash": true,
		"commitment":             "confirmed",
	}
	if err := c.rpc.Call(ctx, "simulateTransaction", []interface{}{base64.StdEncoding.EncodeToString(tx), opts}, &resp); err != nil {
		return nil, err
	}
	return &SimulationResult{Err: resp.Value.Err, Logs: resp.Value.Logs, UnitsConsumed: resp.Value.UnitsConsumed}, nil
}

// SendTransaction submits a signed wire transaction and returns its signature.
func (c *Client) SendTransaction(ctx context.Context, tx []byte) (string, error) {
	var sig string
	opts := map[string]interface{}{"encoding": "base64", "preflightCommitment": "confirmed"}
	if err := c.rpc.Call(ctx, "sendTransaction", []interface{}{base64.StdEncoding.EncodeToString(tx), opts}, &sig); err != nil {
		return "", err
	}
	return sig, nil
}

// TransactionMeta is the subset of getTransaction the adapter reads.
type TransactionMeta struct {
	Slot                 uint64
	Fee                  uint64
	ComputeUnitsConsumed uint64
	Err                  json.RawMessage
}

// GetTransaction returns nil until the transaction is confirmed.
func (c *Client) GetTransaction(ctx context.Context, sig string) (*TransactionMeta, error) {
	var resp *struct {
		Slot uint64 `json:"slot"`
		Meta struct {
			Fee                  uint64          `json:"fee"`
			ComputeUnitsConsumed uint64          `json:"computeUnitsConsumed"`
			Err                  json.RawMessage `json:"err"`
		} `json:"meta"`
	}
	opts := map[string]interface{}{"encoding": "json", "commitment": "confirmed", "maxSupportedTransactionVersion": 0}
	if err := c.rpc.Call(ctx, "getTransaction", []interface{}{sig, opts}, &resp); err != nil {
		return nil, err
	}
	if resp == nil {
		return nil, nil
	}
	return &TransactionMeta{
		Slot:                 resp.Slot,
		Fee:                  resp.Meta.Fee,
		ComputeUnitsConsumed: resp.Meta.ComputeUnitsConsumed,
		Err:                  resp.Meta.Err,
	}, nil
}

// GetSlot returns the current confirmed slot.
func (c *Client) GetSlot(ctx context.Context) (uint64, error) {
	var slot uint64
	if err := c.rpc.Call(ctx, "getSlot", []interface{}{confirmed}, &slot); err != nil {
		return 0, err
	}
	return slot, nil
}
