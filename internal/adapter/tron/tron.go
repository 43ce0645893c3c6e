// Package tron implements the TRON adapter on top of the full node HTTP API.
//
// Transactions are assembled locally from a protobuf model of raw_data so
// the signed bytes never depend on a node-built transaction.
package tron

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/Klingon-tech/klingvault/internal/adapter"
	"github.com/Klingon-tech/klingvault/internal/adapter/evm"
	"github.com/Klingon-tech/klingvault/internal/address"
	"github.com/Klingon-tech/klingvault/internal/backend"
	"github.com/Klingon-tech/klingvault/internal/chain"
	"github.com/Klingon-tech/klingvault/internal/errs"
	"github.com/Klingon-tech/klingvault/internal/wallet"
	"github.com/Klingon-tech/klingvault/pkg/logging"
)

const (
	// DefaultExpiration is added to the reference block timestamp.
	DefaultExpiration = 60 * time.Second

	// resultReserve is the bandwidth the node reserves for the result field.
	resultReserve = 64

	// signatureSize is one encoded signature field: tag, length and 65 bytes.
	signatureSize = 67

	// FeeLimitPercent pads the simulated energy cost written into fee_limit.
	FeeLimitPercent = 150
)

// Adapter is the TRON chain adapter.
type Adapter struct {
	params  *chain.Params
	network chain.Network
	client  *Client
	log     *logging.Logger
}

// New creates a TRON adapter.
func New(params *chain.Params, network chain.Network, client *Client) *Adapter {
	return &Adapter{
		params:  params,
		network: network,
		client:  client,
		log:     logging.GetDefault().Component("tron").With("chain", params.Code),
	}
}

// Factory creates an HTTP-backed adapter; it satisfies adapter.Factory.
func Factory(params *chain.Params, network chain.Network, cfg *backend.Config) (adapter.Adapter, error) {
	url := cfg.URLFor(network)
	if url == "" {
		return nil, fmt.Errorf("%w: no %s endpoint for %s", backend.ErrNotConnected, network, params.Code)
	}
	rest := backend.NewRESTClient(url, string(params.Code), cfg.HTTPClient())
	if cfg.APIKey != "" {
		rest.SetHeader(APIKeyHeader, cfg.APIKey)
	}
	return New(params, network, NewClient(rest)), nil
}

func (a *Adapter) Chain() chain.Code      { return a.params.Code }
func (a *Adapter) Network() chain.Network { return a.network }

// Client returns the HTTP client.
func (a *Adapter) Client() *Client { return a.client }

// Balance returns the TRX or TRC20 balance of addr.
func (a *Adapter) Balance(ctx context.Context, addr, token string) (*adapter.Balance, error) {
	owner, err := parseAddress(addr)
	if err != nil {
		return nil, err
	}

	if token == "" {
		acct, err := a.client.GetAccount(ctx, addr)
		if err != nil {
			return nil, a.wrap("getaccount", err)
		}
		return adapter.NativeBalance(a.params, addr, big.NewInt(acct.Balance)), nil
	}

	t, err := a.resolveToken(ctx, addr, token)
	if err != nil {
		return nil, err
	}
	res, err := a.client.TriggerConstant(ctx, addr, t.Contract, "balanceOf(address)", abiAddress(owner))
	if err != nil {
		return nil, a.wrap("balanceOf", err)
	}
	return &adapter.Balance{
		Chain:    a.params.Code,
		Address:  addr,
		Token:    t.Contract,
		Symbol:   t.Symbol,
		Decimals: t.Decimals,
		Amount:   abiUint256(res.Result),
	}, nil
}

type token struct {
	Contract string
	Symbol   string
	Decimals uint8
}

func (a *Adapter) resolveToken(ctx context.Context, owner, symbolOrContract string) (*token, error) {
	if info := chain.GetToken(a.params.Code, a.network, symbolOrContract); info != nil {
		return &token{Contract: info.Contract, Symbol: info.Symbol, Decimals: info.Decimals}, nil
	}
	if _, err := address.TronToBytes(symbolOrContract); err != nil {
		return nil, errs.Newf(errs.CodeInvalidAddress, "tron.token", "unknown token %q", symbolOrContract)
	}

	res, err := a.client.TriggerConstant(ctx, owner, symbolOrContract, "decimals()", "")
	if err != nil {
		return nil, a.wrap("decimals", err)
	}
	return &token{Contract: symbolOrContract, Decimals: uint8(abiUint256(res.Result).Uint64())}, nil
}

// transfer is a resolved transfer contract plus what the fee model needs.
type transfer struct {
	contract *Contract
	token    *token
	calldata []byte
}

func (a *Adapter) transferContract(ctx context.Context, p *adapter.TransferParams) (*transfer, error) {
	from, err := parseAddress(p.From)
	if err != nil {
		return nil, err
	}
	to, err := parseAddress(p.To)
	if err != nil {
		return nil, err
	}
	if p.Amount == nil || p.Amount.Sign() <= 0 || !p.Amount.IsInt64() {
		return nil, errs.Newf(errs.CodeInvalidAmount, "tron.build", "invalid amount %v", p.Amount)
	}

	if p.Token == "" {
		return &transfer{contract: NewContract(TransferContractType, MarshalTransfer(from, to, p.Amount.Int64()))}, nil
	}

	t, err := a.resolveToken(ctx, p.From, p.Token)
	if err != nil {
		return nil, err
	}
	contractBytes, err := address.TronToBytes(t.Contract)
	if err != nil {
		return nil, errs.Parse(errs.CodeInvalidAddress, "tron.build", err)
	}
	data, err := evm.EncodeTransfer(common.BytesToAddress(to[1:]), p.Amount)
	if err != nil {
		return nil, fmt.Errorf("failed to encode transfer: %w", err)
	}
	return &transfer{
		contract: NewContract(TriggerSmartContractType, MarshalTrigger(from, contractBytes, 0, data)),
		token:    t,
		calldata: data,
	}, nil
}

// EstimateFee prices the transfer under the bandwidth and energy model.
func (a *Adapter) EstimateFee(ctx context.Context, p *adapter.TransferParams) (*adapter.FeeSetting, error) {
	tr, err := a.transferContract(ctx, p)
	if err != nil {
		return nil, err
	}
	ref, err := a.client.GetNowBlock(ctx)
	if err != nil {
		return nil, a.wrap("getnowblock", err)
	}
	raw := NewRawData(ref, DefaultExpiration, tr.contract)
	raw.Data = []byte(p.Memo)
	return a.estimate(ctx, p, tr, raw)
}

func (a *Adapter) estimate(ctx context.Context, p *adapter.TransferParams, tr *transfer, raw *RawData) (*adapter.FeeSetting, error) {
	prices, err := a.client.GetChainParameters(ctx)
	if err != nil {
		return nil, a.wrap("getchainparameters", err)
	}
	res, err := a.client.GetAccountResource(ctx, p.From)
	if err != nil {
		return nil, a.wrap("getaccountresource", err)
	}

	fee := &adapter.TronFee{
		BandwidthPrice: prices.TransactionFee,
		EnergyPrice:    prices.EnergyFee,
	}

	if tr.token != nil {
		// fee_limit changes the size; estimate with a placeholder of the same width
		raw.FeeLimit = 1 << 40
		sim, err := a.client.TriggerConstant(ctx, p.From, tr.token.Contract, "transfer(address,uint256)", hex.EncodeToString(tr.calldata[4:]))
		if err != nil {
			return nil, a.wrap("triggerconstantcontract", err)
		}
		fee.Energy = sim.EnergyUsed + sim.EnergyPenalty
		fee.FreeEnergy = min(res.AvailableEnergy(), fee.Energy)
		fee.FeeLimit = fee.Energy * fee.EnergyPrice * FeeLimitPercent / 100
	} else {
		to, err := a.client.GetAccount(ctx, p.To)
		if err != nil {
			return nil, a.wrap("getaccount", err)
		}
		if !to.Exists() {
			fee.ActivationFee = prices.CreateAccountFee + prices.NewAccountFee
		}
	}

	fee.Bandwidth = EstimateBandwidth(raw.Marshal(), 1)
	if res.AvailableBandwidth() >= fee.Bandwidth {
		fee.FreeBandwidth = fee.Bandwidth
	}

	return &adapter.FeeSetting{Chain: a.params.Code, Kind: adapter.FeeTron, Decimals: a.params.Decimals, Tron: fee}, nil
}

// EstimateBandwidth returns the bandwidth a transaction with raw and sigs
// signatures consumes: the encoded Transaction plus the result reserve.
func EstimateBandwidth(raw []byte, sigs int) int64 {
	size := 1 + protowire.SizeBytes(len(raw)) + sigs*signatureSize + resultReserve
	return int64(size)
}

// NewRawData creates raw_data referencing ref that expires d after it.
func NewRawData(ref *BlockRef, d time.Duration, contracts ...*Contract) *RawData {
	return &RawData{
		RefBlockBytes: ref.RefBlockBytes(),
		RefBlockHash:  ref.RefBlockHash(),
		Expiration:    ref.Timestamp + d.Milliseconds(),
		Timestamp:     ref.Timestamp,
		Contracts:     contracts,
	}
}

// BuildUnsigned returns the raw_data protobuf of the transfer.
func (a *Adapter) BuildUnsigned(ctx context.Context, p *adapter.TransferParams) (*adapter.UnsignedTx, error) {
	tr, err := a.transferContract(ctx, p)
	if err != nil {
		return nil, err
	}
	ref, err := a.client.GetNowBlock(ctx)
	if err != nil {
		return nil, a.wrap("getnowblock", err)
	}
	raw := NewRawData(ref, DefaultExpiration, tr.contract)
	raw.Data = []byte(p.Memo)

	fee := p.Fee
	if fee == nil || fee.Tron == nil {
		fee, err = a.estimate(ctx, p, tr, raw)
		if err != nil {
			return nil, err
		}
	}
	raw.FeeLimit = 0
	if tr.token != nil {
		raw.FeeLimit = fee.Tron.FeeLimit
	}

	payload := raw.Marshal()
	id := TxID(payload)
	a.log.Debug("Built unsigned transaction", "txid", logging.Redact(hex.EncodeToString(id[:])), "fee_limit", raw.FeeLimit)

	u := &adapter.UnsignedTx{
		Chain:   a.params.Code,
		Network: a.network,
		From:    p.From,
		To:      p.To,
		Amount:  new(big.Int).Set(p.Amount),
		Token:   p.Token,
		Fee:     fee,
		Payload: payload,
	}
	u.SetMeta("txid", hex.EncodeToString(id[:]))
	u.SetMeta("expiration", fmt.Sprint(raw.Expiration))
	return u, nil
}

// Sign signs sha256(raw_data) and returns the serialized Transaction.
func (a *Adapter) Sign(tx *adapter.UnsignedTx, key *wallet.KeyPair) (*adapter.SignedTx, error) {
	priv, err := key.ECPrivKey()
	if err != nil {
		return nil, err
	}
	if tx.From != "" && address.TronAddress(priv.PubKey()) != tx.From {
		return nil, errs.Newf(errs.CodeInvalidAddress, "tron.sign", "key does not control %s", tx.From).WithAddress(tx.From)
	}

	sig, err := SignRaw(tx.Payload, key)
	if err != nil {
		return nil, err
	}
	id := TxID(tx.Payload)
	return &adapter.SignedTx{
		Chain: a.params.Code,
		Hash:  hex.EncodeToString(id[:]),
		Raw:   MarshalTransaction(tx.Payload, [][]byte{sig}),
		From:  tx.From,
		To:    tx.To,
		Fee:   tx.Fee,
	}, nil
}

// SignRaw signs the transaction id of raw with key.
func SignRaw(raw []byte, key *wallet.KeyPair) ([]byte, error) {
	if _, err := UnmarshalRawData(raw); err != nil {
		return nil, err
	}
	priv, err := key.ECPrivKey()
	if err != nil {
		return nil, err
	}
	id := TxID(raw)
	return SignDigest(priv, id[:])
}

// Broadcast submits the signed Transaction through broadcasthex.
func (a *Adapter) Broadcast(ctx context.Context, tx *adapter.SignedTx) (string, error) {
	raw, _, err := UnmarshalTransaction(tx.Raw)
	if err != nil {
		return "", err
	}
	id := TxID(raw)
	hash := hex.EncodeToString(id[:])

	res, err := a.client.BroadcastHex(ctx, tx.Raw)
	if err != nil {
		return "", a.wrap("broadcasthex", err)
	}
	if !res.Result {
		if res.Code == "DUP_TRANSACTION_ERROR" {
			a.log.Warn("Transaction already broadcast", "hash", hash)
			return hash, nil
		}
		return "", broadcastError(string(a.params.Code), res).WithHash(hash)
	}

	a.log.Info("Broadcast transaction", "hash", hash)
	return hash, nil
}

// broadcastError maps a broadcasthex failure to a business code.
func broadcastError(code string, res *BroadcastResult) *errs.Error {
	err := fmt.Errorf("%s: %s", res.Code, res.Message)
	msg := strings.ToLower(res.Message)
	switch {
	case res.Code == "BANDWITH_ERROR":
		return errs.Chain(errs.CodeInsufficientFee, code, "broadcasthex", err)
	case strings.Contains(msg, "balance is not sufficient"):
		return errs.Chain(errs.CodeInsufficientBalance, code, "broadcasthex", err)
	case strings.Contains(msg, "does not exist"):
		return errs.Chain(errs.CodeNotOnChain, code, "broadcasthex", err)
	}
	return errs.Chain(errs.CodeRejected, code, "broadcasthex", err)
}

// QueryTxResult reads gettransactioninfobyid. Unconfirmed transactions return nil.
func (a *Adapter) QueryTxResult(ctx context.Context, hash string) (*adapter.TxResult, error) {
	info, err := a.client.GetTransactionInfo(ctx, hash)
	if err != nil {
		return nil, a.wrap("gettransactioninfobyid", err)
	}
	if info == nil {
		return nil, nil
	}

	res := &adapter.TxResult{
		Hash:        hash,
		Status:      adapter.TxSuccess,
		BlockHeight: info.BlockNumber,
		Fee:         big.NewInt(info.Fee),
		Resources: map[string]int64{
			"energy_used": info.Receipt.EnergyUsageTotal,
			"net_used":    info.Receipt.NetUsage,
		},
	}
	if info.Result == "FAILED" || (info.Receipt.Result != "" && info.Receipt.Result != "SUCCESS") {
		res.Status = adapter.TxFailed
		res.Error = info.ResMessage
		if res.Error == "" {
			res.Error = info.Receipt.Result
		}
	}
	if head, err := a.client.HeadBlockNumber(ctx); err == nil && head >= info.BlockNumber {
		res.Confirmations = head - info.BlockNumber + 1
	}
	return res, nil
}

// wrap classifies REST errors. Transport and 5xx failures pass through as
// retryable; other HTTP statuses are node rejections.
func (a *Adapter) wrap(op string, err error) error {
	var httpErr *errs.HTTPStatusError
	if errors.As(err, &httpErr) && httpErr.StatusCode < 500 && httpErr.StatusCode != 429 {
		return errs.Chain(errs.CodeRejected, string(a.params.Code), op, err)
	}
	var e *errs.Error
	if errors.As(err, &e) {
		return err
	}
	if errs.IsNetworkError(err) {
		return errs.Network(string(a.params.Code), op, err)
	}
	return errs.Chain(errs.CodeRejected, string(a.params.Code), op, err)
}

func parseAddress(s string) ([]byte, error) {
	b, err := address.TronToBytes(s)
	if err != nil {
		return nil, errs.Parse(errs.CodeInvalidAddress, "tron.address", err).WithAddress(s)
	}
	return b, nil
}
