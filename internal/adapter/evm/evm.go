// Package evm implements the adapter shared by all EVM chains.
//
// Transactions are built and signed with go-ethereum core/types. EIP-1559
// dynamic-fee transactions are used where the chain supports them,
// otherwise legacy EIP-155 transactions.
package evm

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"

	"github.com/Klingon-tech/klingvault/internal/adapter"
	"github.com/Klingon-tech/klingvault/internal/backend"
	"github.com/Klingon-tech/klingvault/internal/chain"
	"github.com/Klingon-tech/klingvault/internal/errs"
	"github.com/Klingon-tech/klingvault/internal/wallet"
	"github.com/Klingon-tech/klingvault/pkg/logging"
)

const (
	// DefaultGasLimit for simple native transfers.
	DefaultGasLimit = uint64(21000)

	// GasMultiplierPercent pads eth_estimateGas results for contract calls.
	GasMultiplierPercent = 120
)

// DefaultTipCap is used when the node does not support eth_maxPriorityFeePerGas.
var DefaultTipCap = big.NewInt(1_500_000_000)

// Client is the subset of ethclient.Client the adapter uses.
type Client interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	FeeHistory(ctx context.Context, blockCount uint64, lastBlock *big.Int, rewardPercentiles []float64) (*ethereum.FeeHistory, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	BlockNumber(ctx context.Context) (uint64, error)
}

// Adapter is the EVM chain adapter.
type Adapter struct {
	params  *chain.Params
	network chain.Network
	client  Client
	chainID *big.Int
	log     *logging.Logger
}

// New creates an adapter for an EVM chain.
func New(params *chain.Params, network chain.Network, client Client) *Adapter {
	return &Adapter{
		params:  params,
		network: network,
		client:  client,
		chainID: new(big.Int).SetUint64(params.ChainID),
		log:     logging.GetDefault().Component("evm").With("chain", params.Code),
	}
}

// Factory dials the configured JSON-RPC endpoint; it satisfies adapter.Factory.
func Factory(params *chain.Params, network chain.Network, cfg *backend.Config) (adapter.Adapter, error) {
	url := cfg.URLFor(network)
	if url == "" {
		return nil, fmt.Errorf("%w: no %s endpoint for %s", backend.ErrNotConnected, network, params.Code)
	}
	rc, err := rpc.DialOptions(context.Background(), url, rpc.WithHTTPClient(cfg.HTTPClient()))
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", params.Code, err)
	}
	return New(params, network, ethclient.NewClient(rc)), nil
}

func (a *Adapter) Chain() chain.Code      { return a.params.Code }
func (a *Adapter) Network() chain.Network { return a.network }

// Client returns the underlying RPC client.
func (a *Adapter) Client() Client { return a.client }

// ChainID returns the EIP-155 chain id.
func (a *Adapter) ChainID() *big.Int { return new(big.Int).Set(a.chainID) }

// Balance returns the native or ERC20 balance of addr.
func (a *Adapter) Balance(ctx context.Context, addr, token string) (*adapter.Balance, error) {
	owner, err := parseAddress(addr)
	if err != nil {
		return nil, err
	}

	if token == "" {
		bal, err := a.client.BalanceAt(ctx, owner, nil)
		if err != nil {
			return nil, a.wrap("eth_getBalance", err)
		}
		return adapter.NativeBalance(a.params, addr, bal), nil
	}

	t, err := a.resolveToken(ctx, token)
	if err != nil {
		return nil, err
	}
	bal, err := a.tokenBalance(ctx, owner, t)
	if err != nil {
		return nil, err
	}
	return &adapter.Balance{
		Chain:    a.params.Code,
		Address:  addr,
		Token:    t.Contract.Hex(),
		Symbol:   t.Symbol,
		Decimals: t.Decimals,
		Amount:   bal,
	}, nil
}

// EstimateFee quotes gas limit and price for the transfer.
func (a *Adapter) EstimateFee(ctx context.Context, p *adapter.TransferParams) (*adapter.FeeSetting, error) {
	msg, err := a.callMsg(ctx, p)
	if err != nil {
		return nil, err
	}
	return a.estimate(ctx, p, msg)
}

func (a *Adapter) estimate(ctx context.Context, p *adapter.TransferParams, msg ethereum.CallMsg) (*adapter.FeeSetting, error) {
	fee := &adapter.EVMFee{GasLimit: p.GasLimit}

	if fee.GasLimit == 0 {
		gas, err := a.client.EstimateGas(ctx, msg)
		if err != nil {
			return nil, a.wrap("eth_estimateGas", err)
		}
		if gas != DefaultGasLimit || len(msg.Data) > 0 {
			gas = gas * GasMultiplierPercent / 100
		}
		fee.GasLimit = gas
	}

	if a.params.SupportsEIP1559 {
		tip, err := a.client.SuggestGasTipCap(ctx)
		if err != nil {
			tip = new(big.Int).Set(DefaultTipCap)
		}
		hist, err := a.client.FeeHistory(ctx, 1, nil, nil)
		if err != nil {
			return nil, a.wrap("eth_feeHistory", err)
		}
		if len(hist.BaseFee) == 0 {
			return nil, errs.Newf(errs.CodeInvalidPayload, "eth_feeHistory", "no base fee")
		}
		// the last entry is the next block's base fee
		base := hist.BaseFee[len(hist.BaseFee)-1]
		fee.MaxPriorityFeePerGas = tip
		fee.MaxFeePerGas = new(big.Int).Add(new(big.Int).Mul(base, big.NewInt(2)), tip)
	} else {
		price, err := a.client.SuggestGasPrice(ctx)
		if err != nil {
			return nil, a.wrap("eth_gasPrice", err)
		}
		fee.GasPrice = price
	}

	return &adapter.FeeSetting{Chain: a.params.Code, Kind: adapter.FeeEVM, Decimals: a.params.Decimals, EVM: fee}, nil
}

// callMsg resolves the on-chain call for a transfer: value to To for native
// transfers, transfer(To, Amount) on the token contract otherwise.
func (a *Adapter) callMsg(ctx context.Context, p *adapter.TransferParams) (ethereum.CallMsg, error) {
	from, err := parseAddress(p.From)
	if err != nil {
		return ethereum.CallMsg{}, err
	}
	to, err := parseAddress(p.To)
	if err != nil {
		return ethereum.CallMsg{}, err
	}
	if p.Amount == nil || p.Amount.Sign() < 0 {
		return ethereum.CallMsg{}, errs.Newf(errs.CodeInvalidAmount, "evm.build", "invalid amount %v", p.Amount)
	}

	msg := ethereum.CallMsg{From: from, To: &to, Value: new(big.Int).Set(p.Amount), Data: p.Data}
	if p.Token == "" {
		return msg, nil
	}

	t, err := a.resolveToken(ctx, p.Token)
	if err != nil {
		return ethereum.CallMsg{}, err
	}
	data, err := EncodeTransfer(to, p.Amount)
	if err != nil {
		return ethereum.CallMsg{}, err
	}
	msg.To = &t.Contract
	msg.Value = new(big.Int)
	msg.Data = data
	return msg, nil
}

// BuildUnsigned returns the unsigned typed transaction in binary form.
func (a *Adapter) BuildUnsigned(ctx context.Context, p *adapter.TransferParams) (*adapter.UnsignedTx, error) {
	msg, err := a.callMsg(ctx, p)
	if err != nil {
		return nil, err
	}

	fee := p.Fee
	if fee == nil || fee.EVM == nil {
		fee, err = a.estimate(ctx, p, msg)
		if err != nil {
			return nil, err
		}
	}

	nonce, err := a.client.PendingNonceAt(ctx, msg.From)
	if err != nil {
		return nil, a.wrap("eth_getTransactionCount", err)
	}

	tx := a.newTx(nonce, msg.To, msg.Value, msg.Data, fee.EVM)
	payload, err := tx.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("failed to encode transaction: %w", err)
	}

	a.log.Debug("Built unsigned transaction", "nonce", nonce, "gas", fee.EVM.GasLimit, "dynamic", fee.EVM.IsDynamic())

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
	u.SetMeta("nonce", fmt.Sprint(nonce))
	return u, nil
}

// NewTx builds an unsigned transaction of the type matching fee.
func (a *Adapter) NewTx(nonce uint64, to *common.Address, value *big.Int, data []byte, fee *adapter.EVMFee) *types.Transaction {
	return a.newTx(nonce, to, value, data, fee)
}

func (a *Adapter) newTx(nonce uint64, to *common.Address, value *big.Int, data []byte, fee *adapter.EVMFee) *types.Transaction {
	if fee.IsDynamic() {
		return types.NewTx(&types.DynamicFeeTx{
			ChainID:   a.chainID,
			Nonce:     nonce,
			GasTipCap: fee.MaxPriorityFeePerGas,
			GasFeeCap: fee.MaxFeePerGas,
			Gas:       fee.GasLimit,
			To:        to,
			Value:     value,
			Data:      data,
		})
	}
	return types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		GasPrice: fee.GasPrice,
		Gas:      fee.GasLimit,
		To:       to,
		Value:    value,
		Data:     data,
	})
}

// Sign signs the payload with an EIP-155 aware signer.
func (a *Adapter) Sign(tx *adapter.UnsignedTx, key *wallet.KeyPair) (*adapter.SignedTx, error) {
	var unsigned types.Transaction
	if err := unsigned.UnmarshalBinary(tx.Payload); err != nil {
		return nil, errs.Parse(errs.CodeInvalidPayload, "evm.sign", err)
	}

	signed, err := a.SignTx(&unsigned, key)
	if err != nil {
		return nil, err
	}

	raw, err := signed.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("failed to encode signed transaction: %w", err)
	}
	return &adapter.SignedTx{
		Chain: a.params.Code,
		Hash:  signed.Hash().Hex(),
		Raw:   raw,
		From:  tx.From,
		To:    tx.To,
		Fee:   tx.Fee,
	}, nil
}

// SignTx signs a go-ethereum transaction with key.
func (a *Adapter) SignTx(tx *types.Transaction, key *wallet.KeyPair) (*types.Transaction, error) {
	priv, err := crypto.ToECDSA(key.Private)
	if err != nil {
		return nil, fmt.Errorf("invalid signing key: %w", err)
	}
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(a.chainID), priv)
	if err != nil {
		return nil, fmt.Errorf("failed to sign transaction: %w", err)
	}
	return signed, nil
}

// Broadcast submits the transaction with eth_sendRawTransaction.
func (a *Adapter) Broadcast(ctx context.Context, tx *adapter.SignedTx) (string, error) {
	var signed types.Transaction
	if err := signed.UnmarshalBinary(tx.Raw); err != nil {
		return "", errs.Parse(errs.CodeInvalidPayload, "evm.broadcast", err)
	}
	if err := a.client.SendTransaction(ctx, &signed); err != nil {
		werr := a.wrap("eth_sendRawTransaction", err)
		var e *errs.Error
		if errors.As(werr, &e) {
			e.WithHash(signed.Hash().Hex())
		}
		return "", werr
	}
	a.log.Info("Broadcast transaction", "hash", signed.Hash().Hex())
	return signed.Hash().Hex(), nil
}

// QueryTxResult reads the receipt. Pending transactions return nil.
func (a *Adapter) QueryTxResult(ctx context.Context, hash string) (*adapter.TxResult, error) {
	receipt, err := a.client.TransactionReceipt(ctx, common.HexToHash(hash))
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			return nil, nil
		}
		return nil, a.wrap("eth_getTransactionReceipt", err)
	}

	res := &adapter.TxResult{
		Hash:      hash,
		Status:    adapter.TxSuccess,
		Resources: map[string]int64{"gas_used": int64(receipt.GasUsed)},
	}
	if receipt.Status == types.ReceiptStatusFailed {
		res.Status = adapter.TxFailed
		res.Error = "execution reverted"
	}
	if receipt.EffectiveGasPrice != nil {
		res.Fee = new(big.Int).Mul(receipt.EffectiveGasPrice, new(big.Int).SetUint64(receipt.GasUsed))
	}
	if receipt.BlockNumber != nil {
		res.BlockHeight = receipt.BlockNumber.Int64()
		if tip, err := a.client.BlockNumber(ctx); err == nil && tip >= receipt.BlockNumber.Uint64() {
			res.Confirmations = int64(tip-receipt.BlockNumber.Uint64()) + 1
		}
	}
	return res, nil
}

// wrap classifies a go-ethereum RPC error. JSON-RPC error objects are node
// rejections; everything else is a transport failure.
func (a *Adapter) wrap(op string, err error) error {
	code := string(a.params.Code)

	var rpcErr rpc.Error
	if errors.As(err, &rpcErr) {
		msg := rpcErr.Error()
		switch {
		case strings.Contains(msg, "insufficient funds"):
			return errs.Chain(errs.CodeInsufficientBalance, code, op, err)
		case strings.Contains(msg, "underpriced"), strings.Contains(msg, "fee cap less than block base fee"):
			return errs.Chain(errs.CodeInsufficientFee, code, op, err)
		}
		return errs.Chain(errs.CodeRejected, code, op, err)
	}

	var httpErr rpc.HTTPError
	if errors.As(err, &httpErr) && httpErr.StatusCode < 500 && httpErr.StatusCode != 429 {
		return errs.Chain(errs.CodeRejected, code, op, err)
	}
	return errs.Network(code, op, err)
}

func parseAddress(s string) (common.Address, error) {
	if !common.IsHexAddress(s) {
		return common.Address{}, errs.Newf(errs.CodeInvalidAddress, "evm.address", "invalid address %q", s).WithAddress(s)
	}
	return common.HexToAddress(s), nil
}
