package tron

import (
	"context"
	"encoding/hex"
	"fmt"
	"math/big"

	"github.com/Klingon-tech/klingvault/internal/backend"
	"github.com/Klingon-tech/klingvault/internal/errs"
	"github.com/Klingon-tech/klingvault/pkg/helpers"
)

// APIKeyHeader carries the TronGrid API key.
const APIKeyHeader = "TRON-PRO-API-KEY"

// Client wraps the full node /wallet HTTP API.
type Client struct {
	rest *backend.RESTClient
}

// NewClient creates a TRON HTTP client.
func NewClient(rest *backend.RESTClient) *Client {
	return &Client{rest: rest}
}

// Account is the subset of getaccount the wallet reads.
type Account struct {
	Address string `json:"address"`
	Balance int64  `json:"balance"`
	// Permissions are present once the account has been updated.
	ActivePermission []struct {
		ID        int32  `json:"id"`
		Threshold int64  `json:"threshold"`
		Name      string `json:"permission_name"`
	} `json:"active_permission"`
}

// Exists reports whether the account is activated on chain.
func (a *Account) Exists() bool { return a.Address != "" }

// GetAccount returns the account; an unactivated address yields an empty Account.
func (c *Client) GetAccount(ctx context.Context, addr string) (*Account, error) {
	var acct Account
	err := c.rest.Post(ctx, "/wallet/getaccount", map[string]interface{}{"address": addr, "visible": true}, &acct)
	if err != nil {
		return nil, err
	}
	return &acct, nil
}

// Resources is the account's bandwidth and energy allowance.
type Resources struct {
	FreeNetLimit int64 `json:"freeNetLimit"`
	FreeNetUsed  int64 `json:"freeNetUsed"`
	NetLimit     int64 `json:"NetLimit"`
	NetUsed      int64 `json:"NetUsed"`
	EnergyLimit  int64 `json:"EnergyLimit"`
	EnergyUsed   int64 `json:"EnergyUsed"`
}

// AvailableBandwidth returns free plus staked bandwidth left.
func (r *Resources) AvailableBandwidth() int64 {
	return max(r.FreeNetLimit-r.FreeNetUsed, 0) + max(r.NetLimit-r.NetUsed, 0)
}

// AvailableEnergy returns staked energy left.
func (r *Resources) AvailableEnergy() int64 {
	return max(r.EnergyLimit-r.EnergyUsed, 0)
}

// GetAccountResource returns the account's resources.
func (c *Client) GetAccountResource(ctx context.Context, addr string) (*Resources, error) {
	var res Resources
	err := c.rest.Post(ctx, "/wallet/getaccountresource", map[string]interface{}{"address": addr, "visible": true}, &res)
	if err != nil {
		return nil, err
	}
	return &res, nil
}

// ChainParameters holds the resource prices the fee model needs.
type ChainParameters struct {
	TransactionFee   int64 // sun per bandwidth byte
	EnergyFee        int64 // sun per energy unit
	CreateAccountFee int64 // sun, bandwidth burn for a new account
	NewAccountFee    int64 // sun, system contract fee for a new account
}

// GetChainParameters reads getchainparameters.
func (c *Client) GetChainParameters(ctx context.Context) (*ChainParameters, error) {
	var resp struct {
		ChainParameter []struct {
			Key   string `json:"key"`
			Value int64  `json:"value"`
		} `json:"chainParameter"`
	}
	if err := c.rest.Post(ctx, "/wallet/getchainparameters", struct{}{}, &resp); err != nil {
		return nil, err
	}

	p := &ChainParameters{}
	for _, kv := range resp.ChainParameter {
		switch kv.Key {
		case "getTransactionFee":
			p.TransactionFee = kv.Value
		case "getEnergyFee":
			p.EnergyFee = kv.Value
		case "getCreateAccountFee":
			p.CreateAccountFee = kv.Value
		case "getCreateNewAccountFeeInSystemContract":
			p.NewAccountFee = kv.Value
		}
	}
	return p, nil
}

// BlockRef is the reference block embedded in raw_data.
type BlockRef struct {
	Number    int64
	Hash      []byte
	Timestamp int64 // unix millis
}

// RefBlockBytes returns bytes 6..8 of the big-endian block number.
func (b *BlockRef) RefBlockBytes() []byte {
	n := b.Number
	return []byte{byte(n >> 8), byte(n)}
}

// RefBlockHash returns bytes 8..16 of the block id.
func (b *BlockRef) RefBlockHash() []byte {
	if len(b.Hash) < 16 {
		return nil
	}
	return b.Hash[8:16]
}

// GetNowBlock returns the head block reference.
func (c *Client) GetNowBlock(ctx context.Context) (*BlockRef, error) {
	var resp struct {
		BlockID     string `json:"blockID"`
		BlockHeader struct {
			RawData struct {
				Number    int64 `json:"number"`
				Timestamp int64 `json:"timestamp"`
			} `json:"raw_data"`
		} `json:"block_header"`
	}
	if err := c.rest.Post(ctx, "/wallet/getnowblock", struct{}{}, &resp); err != nil {
		return nil, err
	}
	hash, err := hex.DecodeString(resp.BlockID)
	if err != nil || len(hash) != 32 {
		return nil, errs.Newf(errs.CodeInvalidPayload, "tron.getnowblock", "invalid block id %q", resp.BlockID)
	}
	return &BlockRef{
		Number:    resp.BlockHeader.RawData.Number,
		Hash:      hash,
		Timestamp: resp.BlockHeader.RawData.Timestamp,
	}, nil
}

// ConstantResult is the output of triggerconstantcontract.
type ConstantResult struct {
	Result         []byte
	EnergyUsed     int64
	EnergyPenalty  int64
	ResultMessage  string
	ResultAccepted bool
}

// TriggerConstant simulates a contract call. parameter is the hex ABI
// encoding of the arguments without the selector.
func (c *Client) TriggerConstant(ctx context.Context, owner, contract, selector, parameter string) (*ConstantResult, error) {
	var resp struct {
		Result struct {
			Result  bool   `json:"result"`
			Message string `json:"message"`
		} `json:"result"`
		EnergyUsed     int64    `json:"energy_used"`
		EnergyPenalty  int64    `json:"energy_penalty"`
		ConstantResult []string `json:"constant_result"`
	}
	req := map[string]interface{}{
		"owner_address":     owner,
		"contract_address":  contract,
		"function_selector": selector,
		"parameter":         parameter,
		"visible":           true,
	}
	if err := c.rest.Post(ctx, "/wallet/triggerconstantcontract", req, &resp); err != nil {
		return nil, err
	}

	out := &ConstantResult{
		EnergyUsed:     resp.EnergyUsed,
		EnergyPenalty:  resp.EnergyPenalty,
		ResultAccepted: resp.Result.Result,
		ResultMessage:  decodeMessage(resp.Result.Message),
	}
	if !out.ResultAccepted {
		return nil, errs.Chain(errs.CodeRejected, "TRX", "tron.triggerconstantcontract", fmt.Errorf("%s", out.ResultMessage))
	}
	if len(resp.ConstantResult) > 0 {
		b, err := hex.DecodeString(resp.ConstantResult[0])
		if err != nil {
			return nil, errs.New(errs.CodeInvalidPayload, "tron.triggerconstantcontract", err)
		}
		out.Result = b
	}
	return out, nil
}

// BroadcastResult is the node's answer to broadcasthex.
type BroadcastResult struct {
	Result  bool   `json:"result"`
	TxID    string `json:"txid"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// BroadcastHex submits a serialized Transaction.
func (c *Client) BroadcastHex(ctx context.Context, tx []byte) (*BroadcastResult, error) {
	var resp BroadcastResult
	if err := c.rest.Post(ctx, "/wallet/broadcasthex", map[string]string{"transaction": hex.EncodeToString(tx)}, &resp); err != nil {
		return nil, err
	}
	resp.Message = decodeMessage(resp.Message)
	return &resp, nil
}

// TransactionInfo is the execution receipt of a transaction.
type TransactionInfo struct {
	ID          string `json:"id"`
	Fee         int64  `json:"fee"`
	BlockNumber int64  `json:"blockNumber"`
	Result      string `json:"result"`
	ResMessage  string `json:"resMessage"`
	Receipt     struct {
		EnergyUsageTotal int64  `json:"energy_usage_total"`
		NetUsage         int64  `json:"net_usage"`
		NetFee           int64  `json:"net_fee"`
		EnergyFee        int64  `json:"energy_fee"`
		Result           string `json:"result"`
	} `json:"receipt"`
}

// GetTransactionInfo returns nil when the transaction is not yet in a block.
func (c *Client) GetTransactionInfo(ctx context.Context, txID string) (*TransactionInfo, error) {
	var info TransactionInfo
	if err := c.rest.Post(ctx, "/wallet/gettransactioninfobyid", map[string]string{"value": txID}, &info); err != nil {
		return nil, err
	}
	if info.ID == "" {
		return nil, nil
	}
	info.ResMessage = decodeMessage(info.ResMessage)
	return &info, nil
}

// HeadBlockNumber returns the current block height.
func (c *Client) HeadBlockNumber(ctx context.Context) (int64, error) {
	ref, err := c.GetNowBlock(ctx)
	if err != nil {
		return 0, err
	}
	return ref.Number, nil
}

// decodeMessage decodes the hex-encoded messages the node returns.
func decodeMessage(s string) string {
	if b, err := hex.DecodeString(s); err == nil && len(b) > 0 {
		return string(b)
	}
	return s
}

// abiUint256 decodes a 32-byte ABI word.
func abiUint256(b []byte) *big.Int {
	if len(b) > 32 {
		b = b[:32]
	}
	return new(big.Int).SetBytes(b)
}

// abiAddress returns the 32-byte ABI word of a TRON address (hex, no 0x41).
func abiAddress(addr []byte) string {
	if len(addr) == 21 {
		addr = addr[1:]
	}
	return hex.EncodeToString(helpers.PadLeft(addr, 32))
}
