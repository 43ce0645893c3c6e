// Package sui implements the Sui adapter. Transaction bytes are built by the
// node; the adapter only signs them and reads gas from a dry run.
package sui

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"strconv"
	"strings"

	"github.com/mr-tron/base58"
	"golang.org/x/crypto/blake2b"

	"github.com/Klingon-tech/klingvault/internal/adapter"
	"github.com/Klingon-tech/klingvault/internal/address"
	"github.com/Klingon-tech/klingvault/internal/backend"
	"github.com/Klingon-tech/klingvault/internal/chain"
	"github.com/Klingon-tech/klingvault/internal/errs"
	"github.com/Klingon-tech/klingvault/internal/wallet"
	"github.com/Klingon-tech/klingvault/pkg/logging"
)

const (
	// DefaultGasBudget is used for the dry run that prices a transfer.
	DefaultGasBudget = 10_000_000

	// GasBudgetMarginPercent pads the dry-run gross cost.
	GasBudgetMarginPercent = 120
)

// intent scope TransactionData, version V0, app id Sui
var transactionIntent = []byte{0, 0, 0}

// Adapter is the Sui chain adapter.
type Adapter struct {
	params  *chain.Params
	network chain.Network
	client  *Client
	log     *logging.Logger
}

// New creates a Sui adapter.
func New(params *chain.Params, network chain.Network, client *Client) *Adapter {
	return &Adapter{
		params:  params,
		network: network,
		client:  client,
		log:     logging.GetDefault().Component("sui").With("chain", params.Code),
	}
}

// Factory creates a JSON-RPC backed adapter; it satisfies adapter.Factory.
func Factory(params *chain.Params, network chain.Network, cfg *backend.Config) (adapter.Adapter, error) {
	url := cfg.URLFor(network)
	if url == "" {
		return nil, fmt.Errorf("%w: no %s endpoint for %s", backend.ErrNotConnected, network, params.Code)
	}
	return New(params, network, NewClient(backend.NewRPCClient(url, string(params.Code), cfg.HTTPClient()))), nil
}

func (a *Adapter) Chain() chain.Code      { return a.params.Code }
func (a *Adapter) Network() chain.Network { return a.network }

// Balance returns the balance of SUI or of a coin type.
func (a *Adapter) Balance(ctx context.Context, addr, token string) (*adapter.Balance, error) {
	if err := address.Validate(a.params.Code, a.network, addr); err != nil {
		return nil, err
	}
	if token == "" {
		bal, err := a.client.GetBalance(ctx, addr, NativeCoinType)
		if err != nil {
			return nil, a.wrap("suix_getBalance", err)
		}
		return adapter.NativeBalance(a.params, addr, new(big.Int).SetUint64(bal)), nil
	}

	md, err := a.client.GetCoinMetadata(ctx, token)
	if err != nil {
		return nil, a.wrap("suix_getCoinMetadata", err)
	}
	if md == nil {
		return nil, errs.Chain(errs.CodeNotOnChain, string(a.params.Code), "sui.token", fmt.Errorf("unknown coin type %s", token))
	}
	bal, err := a.client.GetBalance(ctx, addr, token)
	if err != nil {
		return nil, a.wrap("suix_getBalance", err)
	}
	return &adapter.Balance{
		Chain:    a.params.Code,
		Address:  addr,
		Token:    token,
		Symbol:   md.Symbol,
		Decimals: md.Decimals,
		Amount:   new(big.Int).SetUint64(bal),
	}, nil
}

// build asks the node for transaction bytes with the given gas budget.
func (a *Adapter) build(ctx context.Context, p *adapter.TransferParams, budget uint64) (string, error) {
	if err := address.Validate(a.params.Code, a.network, p.From); err != nil {
		return "", err
	}
	if err := address.Validate(a.params.Code, a.network, p.To); err != nil {
		return "", err
	}
	if p.Amount == nil || p.Amount.Sign() <= 0 || !p.Amount.IsUint64() {
		return "", errs.Newf(errs.CodeInvalidAmount, "sui.build", "invalid amount %v", p.Amount)
	}
	amount := p.Amount.Uint64()

	coinType := NativeCoinType
	if p.Token != "" {
		coinType = p.Token
	}
	coins, err := a.client.GetCoins(ctx, p.From, coinType)
	if err != nil {
		return "", a.wrap("suix_getCoins", err)
	}
	sort.SliceStable(coins, func(i, j int) bool { return coins[i].Balance > coins[j].Balance })

	need := amount
	if p.Token == "" {
		need += budget
	}
	var (
		ids   []string
		total uint64
	)
	for _, c := range coins {
		if total >= need {
			break
		}
		ids = append(ids, c.ObjectID)
		total += c.Balance
	}
	if total < need {
		return "", errs.Chain(errs.CodeInsufficientBalance, string(a.params.Code), "sui.build",
			fmt.Errorf("have %d, need %d", total, need)).WithAddress(p.From)
	}

	var txBytes string
	switch {
	case p.Token != "":
		txBytes, err = a.client.Pay(ctx, p.From, ids, p.To, amount, budget)
	case len(ids) == 1:
		txBytes, err = a.client.TransferSui(ctx, p.From, ids[0], budget, p.To, amount)
	default:
		txBytes, err = a.client.PaySui(ctx, p.From, ids, p.To, amount, budget)
	}
	if err != nil {
		return "", a.wrap("unsafe_pay", err)
	}
	return txBytes, nil
}

// EstimateFee dry-runs the transfer and quotes the net gas cost.
func (a *Adapter) EstimateFee(ctx context.Context, p *adapter.TransferParams) (*adapter.FeeSetting, error) {
	fee, _, err := a.estimate(ctx, p)
	return fee, err
}

// estimate returns the net fee and the gas budget to build with.
func (a *Adapter) estimate(ctx context.Context, p *adapter.TransferParams) (*adapter.FeeSetting, uint64, error) {
	txBytes, err := a.build(ctx, p, DefaultGasBudget)
	if err != nil {
		return nil, 0, err
	}
	effects, err := a.client.DryRun(ctx, txBytes)
	if err != nil {
		return nil, 0, a.wrap("sui_dryRunTransactionBlock", err)
	}
	if !effects.Succeeded() {
		return nil, 0, errs.Chain(statusCode(effects.Status.Error), string(a.params.Code), "sui_dryRunTransactionBlock",
			fmt.Errorf("dry run failed: %s", effects.Status.Error))
	}

	computation, storage, _ := effects.GasUsed.Costs()
	budget := (computation + storage) * GasBudgetMarginPercent / 100
	fee := adapter.NewFlatFee(a.params, new(big.Int).SetUint64(effects.GasUsed.Net()))
	return fee, budget, nil
}

// BuildUnsigned returns the node-built BCS TransactionData bytes.
func (a *Adapter) BuildUnsigned(ctx context.Context, p *adapter.TransferParams) (*adapter.UnsignedTx, error) {
	fee := p.Fee
	var budget uint64
	if fee == nil || fee.Flat == nil {
		var err error
		fee, budget, err = a.estimate(ctx, p)
		if err != nil {
			return nil, err
		}
	} else {
		budget = fee.Total().Uint64() * GasBudgetMarginPercent / 100
	}
	if budget == 0 {
		budget = DefaultGasBudget
	}

	txBytes, err := a.build(ctx, p, budget)
	if err != nil {
		return nil, err
	}
	payload, err := base64.StdEncoding.DecodeString(txBytes)
	if err != nil {
		return nil, errs.Parse(errs.CodeInvalidPayload, "sui.build", err)
	}

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
	u.SetMeta("gas_budget", strconv.FormatUint(budget, 10))
	u.SetMeta("digest", TransactionDigest(payload))
	return u, nil
}

// IntentDigest is blake2b-256 over the transaction intent and bytes.
func IntentDigest(txBytes []byte) [32]byte {
	msg := make([]byte, 0, len(transactionIntent)+len(txBytes))
	msg = append(msg, transactionIntent...)
	return blake2b.Sum256(append(msg, txBytes...))
}

// TransactionDigest returns the base58 transaction digest.
func TransactionDigest(txBytes []byte) string {
	sum := blake2b.Sum256(append([]byte("TransactionData::"), txBytes...))
	return base58.Encode(sum[:])
}

// SignTransaction returns base64(flag || signature || public key).
func SignTransaction(txBytes []byte, key *wallet.KeyPair) (string, error) {
	priv, err := key.Ed25519()
	if err != nil {
		return "", err
	}
	digest := IntentDigest(txBytes)
	sig := ed25519.Sign(priv, digest[:])

	out := make([]byte, 0, 1+ed25519.SignatureSize+ed25519.PublicKeySize)
	out = append(out, address.SuiEd25519Flag)
	out = append(out, sig...)
	out = append(out, priv.Public().(ed25519.PublicKey)...)
	return base64.StdEncoding.EncodeToString(out), nil
}

// VerifySignature checks a serialized signature against txBytes and returns
// the signer's address.
func VerifySignature(txBytes []byte, serialized string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(serialized)
	if err != nil {
		return "", fmt.Errorf("invalid signature encoding: %w", err)
	}
	if len(raw) != 1+ed25519.SignatureSize+ed25519.PublicKeySize || raw[0] != address.SuiEd25519Flag {
		return "", fmt.Errorf("unsupported signature scheme")
	}
	pub := raw[1+ed25519.SignatureSize:]
	digest := IntentDigest(txBytes)
	if !ed25519.Verify(pub, digest[:], raw[1:1+ed25519.SignatureSize]) {
		return "", fmt.Errorf("signature verification failed")
	}
	return address.SuiAddress(pub), nil
}

// envelope is the broadcastable form kept in SignedTx.Raw.
type envelope struct {
	TxBytes    string   `json:"tx_bytes"`
	Signatures []string `json:"signatures"`
}

// Sign produces the user signature for the transaction.
func (a *Adapter) Sign(tx *adapter.UnsignedTx, key *wallet.KeyPair) (*adapter.SignedTx, error) {
	if tx.From != "" && address.SuiAddress(key.Public) != tx.From {
		return nil, errs.Newf(errs.CodeInvalidAddress, "sui.sign", "key does not control %s", tx.From).WithAddress(tx.From)
	}
	sig, err := SignTransaction(tx.Payload, key)
	if err != nil {
		return nil, err
	}
	raw, err := json.Marshal(envelope{TxBytes: base64.StdEncoding.EncodeToString(tx.Payload), Signatures: []string{sig}})
	if err != nil {
		return nil, err
	}
	return &adapter.SignedTx{
		Chain: a.params.Code,
		Hash:  TransactionDigest(tx.Payload),
		Raw:   raw,
		From:  tx.From,
		To:    tx.To,
		Fee:   tx.Fee,
	}, nil
}

// Broadcast executes the signed transaction.
func (a *Adapter) Broadcast(ctx context.Context, tx *adapter.SignedTx) (string, error) {
	var env envelope
	if err := json.Unmarshal(tx.Raw, &env); err != nil {
		return "", errs.Parse(errs.CodeInvalidPayload, "sui.broadcast", err)
	}
	res, err := a.client.Execute(ctx, env.TxBytes, env.Signatures)
	if err != nil {
		werr := a.wrap("sui_executeTransactionBlock", err)
		var e *errs.Error
		if errors.As(werr, &e) {
			e.WithHash(tx.Hash)
		}
		return "", werr
	}
	if !res.Effects.Succeeded() && res.Effects.Status.Status != "" {
		return "", errs.Chain(statusCode(res.Effects.Status.Error), string(a.params.Code), "sui_executeTransactionBlock",
			fmt.Errorf("execution failed: %s", res.Effects.Status.Error)).WithHash(res.Digest)
	}
	a.log.Info("Broadcast transaction", "digest", res.Digest)
	return res.Digest, nil
}

// QueryTxResult reads the executed transaction; unknown digests return nil.
func (a *Adapter) QueryTxResult(ctx context.Context, hash string) (*adapter.TxResult, error) {
	block, err := a.client.GetTransaction(ctx, hash)
	if err != nil {
		var rpcErr *backend.RPCError
		if errors.As(err, &rpcErr) && strings.Contains(rpcErr.Message, "Could not find") {
			return nil, nil
		}
		return nil, a.wrap("sui_getTransactionBlock", err)
	}

	computation, storage, rebate := block.Effects.GasUsed.Costs()
	res := &adapter.TxResult{
		Hash:   hash,
		Status: adapter.TxSuccess,
		Fee:    new(big.Int).SetUint64(block.Effects.GasUsed.Net()),
		Resources: map[string]int64{
			"computation_cost": int64(computation),
			"storage_cost":     int64(storage),
			"storage_rebate":   int64(rebate),
		},
	}
	if !block.Effects.Succeeded() {
		res.Status = adapter.TxFailed
		res.Error = block.Effects.Status.Error
	}
	if block.Checkpoint == "" {
		res.Status = adapter.TxPending
		return res, nil
	}
	cp, err := strconv.ParseInt(block.Checkpoint, 10, 64)
	if err == nil {
		res.BlockHeight = cp
		if latest, err := a.client.LatestCheckpoint(ctx); err == nil && latest >= cp {
			res.Confirmations = latest - cp + 1
		}
	}
	return res, nil
}

func statusCode(msg string) errs.Code {
	if strings.Contains(msg, "InsufficientGas") || strings.Contains(msg, "InsufficientCoinBalance") {
		return errs.CodeInsufficientBalance
	}
	return errs.CodeRejected
}

func (a *Adapter) wrap(op string, err error) error {
	code := string(a.params.Code)
	var rpcErr *backend.RPCError
	if errors.As(err, &rpcErr) {
		if strings.Contains(rpcErr.Message, "Insufficient") || strings.Contains(rpcErr.Message, "insufficient") {
			return errs.Chain(errs.CodeInsufficientBalance, code, op, err)
		}
		return errs.Chain(errs.CodeRejected, code, op, err)
	}
	var e *errs.Error
	if errors.As(err, &e) {
		return err
	}
	if errs.IsNetworkError(err) {
		return errs.Network(code, op, err)
	}
	return errs.Chain(errs.CodeRejected, code, op, err)
}
