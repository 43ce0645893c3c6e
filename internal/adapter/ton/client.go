package ton

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"

	"github.com/Klingon-tech/klingvault/internal/backend"
	"github.com/Klingon-tech/klingvault/internal/errs"
)

// APIKeyHeader carries the toncenter API key.
const APIKeyHeader = "X-API-Key"

// Client wraps the toncenter v2 REST API.
type Client struct {
	rest *backend.RESTClient
}

// NewClient creates a toncenter client.
func NewClient(rest *backend.RESTClient) *Client {
	return &Client{rest: rest}
}

type response struct {
	OK     bool            `json:"ok"`
	Result json.RawMessage `json:"result"`
	Error  string          `json:"error"`
	Code   int             `json:"code"`
}

// APIError is a toncenter error envelope.
type APIError struct {
	Code    int
	Message string
}

func (e *APIError) Error() string { return fmt.Sprintf("toncenter error %d: %s", e.Code, e.Message) }

func (c *Client) get(ctx context.Context, method string, query url.Values, result interface{}) error {
	var resp response
	if err := c.rest.Get(ctx, "/"+method+"?"+query.Encode(), &resp); err != nil {
		return err
	}
	return resp.decode(method, result)
}

func (c *Client) post(ctx context.Context, method string, payload, result interface{}) error {
	var resp response
	if err := c.rest.Post(ctx, "/"+method, payload, &resp); err != nil {
		return err
	}
	return resp.decode(method, result)
}

func (r *response) decode(method string, result interface{}) error {
	if !r.OK {
		return &APIError{Code: r.Code, Message: r.Error}
	}
	if result == nil {
		return nil
	}
	if err := json.Unmarshal(r.Result, result); err != nil {
		return errs.New(errs.CodeInvalidPayload, method, err)
	}
	return nil
}

// WalletInfo is the result of getWalletInformation.
type WalletInfo struct {
	Balance      uint64
	AccountState string
	Seqno        uint32
}

// Deployed reports whether the wallet contract is active.
func (w *WalletInfo) Deployed() bool { return w.AccountState == "active" }

// GetWalletInformation returns balance, state and seqno of a wallet.
func (c *Client) GetWalletInformation(ctx context.Context, addr string) (*WalletInfo, error) {
	var res struct {
		Balance      string `json:"balance"`
		AccountState string `json:"account_state"`
		Seqno        uint32 `json:"seqno"`
	}
	if err := c.get(ctx, "getWalletInformation", url.Values{"address": {addr}}, &res); err != nil {
		return nil, err
	}
	bal, err := strconv.ParseUint(res.Balance, 10, 64)
	if err != nil {
		return nil, errs.New(errs.CodeInvalidPayload, "getWalletInformation", err)
	}
	return &WalletInfo{Balance: bal, AccountState: res.AccountState, Seqno: res.Seqno}, nil
}

// GetAddressState returns active, uninitialized or frozen.
func (c *Client) GetAddressState(ctx context.Context, addr string) (string, error) {
	var state string
	err := c.get(ctx, "getAddressState", url.Values{"address": {addr}}, &state)
	return state, err
}

// Fees is the source_fees part of estimateFee.
type Fees struct {
	InFwdFee   uint64 `json:"in_fwd_fee"`
	StorageFee uint64 `json:"storage_fee"`
	GasFee     uint64 `json:"gas_fee"`
	FwdFee     uint64 `json:"fwd_fee"`
}

// Total sums all fee components.
func (f *Fees) Total() uint64 { return f.InFwdFee + f.StorageFee + f.GasFee + f.FwdFee }

// EstimateRequest is the estimateFee payload. Body and init cells are base64 BOCs.
type EstimateRequest struct {
	Address      string `json:"address"`
	Body         string `json:"body"`
	InitCode     string `json:"init_code,omitempty"`
	InitData     string `json:"init_data,omitempty"`
	IgnoreChksig bool   `json:"ignore_chksig"`
}

// EstimateFee returns the source fees of an external message.
func (c *Client) EstimateFee(ctx context.Context, req *EstimateRequest) (*Fees, error) {
	var res struct {
		SourceFees Fees `json:"source_fees"`
	}
	if err := c.post(ctx, "estimateFee", req, &res); err != nil {
		return nil, err
	}
	return &res.SourceFees, nil
}

// SendBoc submits a base64 BOC and returns the message hash.
func (c *Client) SendBoc(ctx context.Context, boc string) (string, error) {
	var res struct {
		Hash string `json:"hash"`
	}
	if err := c.post(ctx, "sendBocReturnHash", map[string]string{"boc": boc}, &res); err != nil {
		return "", err
	}
	return res.Hash, nil
}

// Transaction is a wallet transaction from getTransactions.
type Transaction struct {
	Utime int64  `json:"utime"`
	Fee   string `json:"fee"`
	ID    struct {
		LT   string `json:"lt"`
		Hash string `json:"hash"`
	} `json:"transaction_id"`
	InMsg struct {
		Hash string `json:"hash"`
	} `json:"in_msg"`
	Aborted bool `json:"aborted"`
}

// GetTransactions returns the latest transactions of addr.
func (c *Client) GetTransactions(ctx context.Context, addr string, limit int) ([]Transaction, error) {
	var txs []Transaction
	q := url.Values{"address": {addr}, "limit": {strconv.Itoa(limit)}}
	if err := c.get(ctx, "getTransactions", q, &txs); err != nil {
		return nil, err
	}
	return txs, nil
}
