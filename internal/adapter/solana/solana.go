// Package solana implements the Solana adapter: legacy message compilation,
// SPL token transfers, compute budget pricing and signature tracking.
package solana

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/mr-tron/base58"

	"github.com/Klingon-tech/klingvault/internal/adapter"
	"github.com/Klingon-tech/klingvault/internal/backend"
	"github.com/Klingon-tech/klingvault/internal/chain"
	"github.com/Klingon-tech/klingvault/internal/errs"
	"github.com/Klingon-tech/klingvault/internal/wallet"
	"github.com/Klingon-tech/klingvault/pkg/logging"
)

const (
	// LamportsPerSignature is the base fee charged per required signature.
	LamportsPerSignature = 5000

	// MaxComputeUnits is the per-transaction compute ceiling, used while simulating.
	MaxComputeUnits = 1_400_000

	// ComputeUnitMarginPercent pads simulated compute usage.
	ComputeUnitMarginPercent = 120

	// mint account layout: decimals follow the authority option and supply
	mintDecimalsOffset = 44
	mintSize           = 82
)

// Adapter is the Solana chain adapter.
type Adapter struct {
	params  *chain.Params
	network chain.Network
	client  *Client
	watcher *Watcher
	log     *logging.Logger
}

// New creates a Solana adapter. watcher may be nil.
func New(params *chain.Params, network chain.Network, client *Client, watcher *Watcher) *Adapter {
	return &Adapter{
		params:  params,
		network: network,
		client:  client,
		watcher: watcher,
		log:     logging.GetDefault().Component("solana").With("chain", params.Code),
	}
}

// Factory creates a JSON-RPC backed adapter; it satisfies adapter.Factory.
func Factory(params *chain.Params, network chain.Network, cfg *backend.Config) (adapter.Adapter, error) {
	url := cfg.URLFor(network)
	if url == "" {
		return nil, fmt.Errorf("%w: no %s endpoint for %s", backend.ErrNotConnected, network, params.Code)
	}
	var w *Watcher
	if ws := cfg.WSURLFor(network); ws != "" {
		w = NewWatcher(ws)
	}
	rpc := backend.NewRPCClient(url, string(params.Code), cfg.HTTPClient())
	return New(params, network, NewClient(rpc), w), nil
}

func (a *Adapter) Chain() chain.Code      { return a.params.Code }
func (a *Adapter) Network() chain.Network { return a.network }

// Client returns the RPC client.
func (a *Adapter) Client() *Client { return a.client }

// Balance returns lamports, or the summed token accounts of a mint.
func (a *Adapter) Balance(ctx context.Context, addr, token string) (*adapter.Balance, error) {
	if _, err := parseAddress(addr); err != nil {
		return nil, err
	}
	if token == "" {
		lamports, err := a.client.GetBalance(ctx, addr)
		if err != nil {
			return nil, a.wrap("getBalance", err)
		}
		return adapter.NativeBalance(a.params, addr, new(big.Int).SetUint64(lamports)), nil
	}

	m, err := a.resolveMint(ctx, token)
	if err != nil {
		return nil, err
	}
	amount, _, err := a.client.GetTokenBalance(ctx, addr, m.Mint.String())
	if err != nil {
		return nil, a.wrap("getTokenAccountsByOwner", err)
	}
	return &adapter.Balance{
		Chain:    a.params.Code,
		Address:  addr,
		Token:    m.Mint.String(),
		Symbol:   m.Symbol,
		Decimals: m.Decimals,
		Amount:   new(big.Int).SetUint64(amount),
	}, nil
}

type mintInfo struct {
	Mint     PublicKey
	Program  PublicKey
	Symbol   string
	Decimals uint8
}

func (a *Adapter) resolveMint(ctx context.Context, token string) (*mintInfo, error) {
	if info := chain.GetToken(a.params.Code, a.network, token); info != nil {
		mint, err := ParsePublicKey(info.Contract)
		if err != nil {
			return nil, errs.Parse(errs.CodeInvalidAddress, "solana.token", err)
		}
		return &mintInfo{Mint: mint, Program: TokenProgramID, Symbol: info.Symbol, Decimals: info.Decimals}, nil
	}

	mint, err := parseAddress(token)
	if err != nil {
		return nil, err
	}
	acct, err := a.client.GetAccountInfo(ctx, token)
	if err != nil {
		return nil, a.wrap("getAccountInfo", err)
	}
	if acct == nil {
		return nil, errs.Chain(errs.CodeNotOnChain, string(a.params.Code), "solana.token", fmt.Errorf("mint %s not found", token))
	}
	if acct.Owner != TokenProgramID && acct.Owner != Token2022ProgramID {
		return nil, errs.Newf(errs.CodeInvalidAddress, "solana.token", "%s is not a token mint", token)
	}
	if len(acct.Data) < mintSize {
		return nil, errs.Newf(errs.CodeInvalidPayload, "solana.token", "mint data is %d bytes", len(acct.Data))
	}
	return &mintInfo{Mint: mint, Program: acct.Owner, Decimals: acct.Data[mintDecimalsOffset]}, nil
}

// plan is a transfer before compute budget instructions are added.
type plan struct {
	payer        PublicKey
	instructions []Instruction
	extraFee     uint64
	writable     []string
}

func (a *Adapter) plan(ctx context.Context, p *adapter.TransferParams) (*plan, error) {
	from, err := parseAddress(p.From)
	if err != nil {
		return nil, err
	}
	to, err := parseAddress(p.To)
	if err != nil {
		return nil, err
	}
	if p.Amount == nil || p.Amount.Sign() <= 0 || !p.Amount.IsUint64() {
		return nil, errs.Newf(errs.CodeInvalidAmount, "solana.build", "invalid amount %v", p.Amount)
	}
	amount := p.Amount.Uint64()

	if p.Token == "" {
		return &plan{
			payer:        from,
			instructions: []Instruction{SystemTransfer(from, to, amount)},
			writable:     []string{p.From, p.To},
		}, nil
	}

	m, err := a.resolveMint(ctx, p.Token)
	if err != nil {
		return nil, err
	}
	src, err := FindAssociatedTokenAddress(from, m.Mint, m.Program)
	if err != nil {
		return nil, err
	}
	dst, err := FindAssociatedTokenAddress(to, m.Mint, m.Program)
	if err != nil {
		return nil, err
	}

	pl := &plan{payer: from, writable: []string{src.String(), dst.String()}}
	existing, err := a.client.GetAccountInfo(ctx, dst.String())
	if err != nil {
		return nil, a.wrap("getAccountInfo", err)
	}
	if existing == nil {
		rent, err := a.client.GetMinimumBalanceForRentExemption(ctx, TokenAccountSize)
		if err != nil {
			return nil, a.wrap("getMinimumBalanceForRentExemption", err)
		}
		pl.extraFee = rent
		pl.instructions = append(pl.instructions, CreateAssociatedTokenAccountIdempotent(from, dst, to, m.Mint, m.Program))
	}
	pl.instructions = append(pl.instructions, TransferChecked(src, m.Mint, dst, from, amount, m.Decimals, m.Program))
	return pl, nil
}

func (pl *plan) compile(fee *adapter.SolanaFee, blockhash Hash) (*Message, error) {
	ixs := []Instruction{SetComputeUnitLimit(uint32(fee.ComputeUnits))}
	if fee.PriorityFee > 0 {
		ixs = append(ixs, SetComputeUnitPrice(fee.PriorityFee))
	}
	return NewMessage(pl.payer, append(ixs, pl.instructions...), blockhash)
}

// EstimateFee quotes base, priority and rent costs of the transfer.
func (a *Adapter) EstimateFee(ctx context.Context, p *adapter.TransferParams) (*adapter.FeeSetting, error) {
	pl, err := a.plan(ctx, p)
	if err != nil {
		return nil, err
	}
	return a.estimate(ctx, p, pl)
}

func (a *Adapter) estimate(ctx context.Context, p *adapter.TransferParams, pl *plan) (*adapter.FeeSetting, error) {
	fee := &adapter.SolanaFee{
		BaseFee:      LamportsPerSignature,
		PriorityFee:  p.PriorityFee,
		ComputeUnits: uint64(p.ComputeUnits),
		ExtraFee:     pl.extraFee,
	}

	if fee.PriorityFee == 0 {
		prio, err := a.client.GetPriorityFee(ctx, pl.writable)
		if err != nil {
			return nil, a.wrap("getRecentPrioritizationFees", err)
		}
		fee.PriorityFee = prio
	}

	if fee.ComputeUnits == 0 {
		sim := *fee
		sim.ComputeUnits = MaxComputeUnits
		msg, err := pl.compile(&sim, Hash{})
		if err != nil {
			return nil, err
		}
		sigs := make([][]byte, msg.Header.NumRequiredSignatures)
		for i := range sigs {
			sigs[i] = make([]byte, ed25519.SignatureSize)
		}
		res, err := a.client.Simulate(ctx, MarshalTransaction(sigs, msg.Marshal()))
		if err != nil {
			return nil, a.wrap("simulateTransaction", err)
		}
		if res.Failed() {
			return nil, errs.Chain(simulationCode(res), string(a.params.Code), "simulateTransaction",
				fmt.Errorf("simulation failed: %s", res.Err))
		}
		fee.ComputeUnits = res.UnitsConsumed * ComputeUnitMarginPercent / 100
	}

	msg, err := pl.compile(fee, Hash{})
	if err != nil {
		return nil, err
	}
	fee.Signatures = uint64(msg.Header.NumRequiredSignatures)

	return &adapter.FeeSetting{Chain: a.params.Code, Kind: adapter.FeeSolana, Decimals: a.params.Decimals, Solana: fee}, nil
}

func simulationCode(res *SimulationResult) errs.Code {
	for _, l := range res.Logs {
		if strings.Contains(l, "insufficient") {
			return errs.CodeInsufficientBalance
		}
	}
	if strings.Contains(string(res.Err), "AccountNotFound") {
		return errs.CodeInsufficientBalance
	}
	return errs.CodeRejected
}

// BuildUnsigned returns the serialized legacy message.
func (a *Adapter) BuildUnsigned(ctx context.Context, p *adapter.TransferParams) (*adapter.UnsignedTx, error) {
	pl, err := a.plan(ctx, p)
	if err != nil {
		return nil, err
	}
	fee := p.Fee
	if fee == nil || fee.Solana == nil {
		fee, err = a.estimate(ctx, p, pl)
		if err != nil {
			return nil, err
		}
	}

	blockhash, lastValid, err := a.client.GetLatestBlockhash(ctx)
	if err != nil {
		return nil, a.wrap("getLatestBlockhash", err)
	}
	msg, err := pl.compile(fee.Solana, blockhash)
	if err != nil {
		return nil, err
	}

	a.log.Debug("Built unsigned transaction", "accounts", len(msg.AccountKeys), "cu", fee.Solana.ComputeUnits)

	u := &adapter.UnsignedTx{
		Chain:   a.params.Code,
		Network: a.network,
		From:    p.From,
		To:      p.To,
		Amount:  new(big.Int).Set(p.Amount),
		Token:   p.Token,
		Fee:     fee,
		Payload: msg.Marshal(),
	}
	u.SetMeta("blockhash", blockhash.String())
	u.SetMeta("last_valid_block_height", fmt.Sprint(lastValid))
	return u, nil
}

// SignMessage signs a serialized message and returns the signer's slot.
func SignMessage(message []byte, key *wallet.KeyPair) (int, []byte, error) {
	msg, err := UnmarshalMessage(message)
	if err != nil {
		return 0, nil, errs.Parse(errs.CodeInvalidPayload, "solana.sign", err)
	}
	priv, err := key.Ed25519()
	if err != nil {
		return 0, nil, err
	}
	var pub PublicKey
	copy(pub[:], priv.Public().(ed25519.PublicKey))

	idx := msg.SignerIndex(pub)
	if idx < 0 {
		return 0, nil, errs.Newf(errs.CodeInvalidAddress, "solana.sign", "%s is not a signer of the message", pub).WithAddress(pub.String())
	}
	return idx, ed25519.Sign(priv, message), nil
}

// Sign signs the message. Signature slots of other signers stay zeroed.
func (a *Adapter) Sign(tx *adapter.UnsignedTx, key *wallet.KeyPair) (*adapter.SignedTx, error) {
	idx, sig, err := SignMessage(tx.Payload, key)
	if err != nil {
		return nil, err
	}
	msg, _ := UnmarshalMessage(tx.Payload)

	sigs := make([][]byte, msg.Header.NumRequiredSignatures)
	for i := range sigs {
		sigs[i] = make([]byte, ed25519.SignatureSize)
	}
	sigs[idx] = sig

	return &adapter.SignedTx{
		Chain: a.params.Code,
		Hash:  base58.Encode(sigs[0]),
		Raw:   MarshalTransaction(sigs, tx.Payload),
		From:  tx.From,
		To:    tx.To,
		Fee:   tx.Fee,
	}, nil
}

// Broadcast submits the wire transaction with sendTransaction.
func (a *Adapter) Broadcast(ctx context.Context, tx *adapter.SignedTx) (string, error) {
	sig, err := a.client.SendTransaction(ctx, tx.Raw)
	if err != nil {
		werr := a.wrap("sendTransaction", err)
		var e *errs.Error
		if errors.As(werr, &e) {
			e.WithHash(tx.Hash)
		}
		return "", werr
	}
	a.log.Info("Broadcast transaction", "sig", sig)
	return sig, nil
}

// WaitConfirmed blocks until sig reaches confirmed commitment.
func (a *Adapter) WaitConfirmed(ctx context.Context, sig string) error {
	if a.watcher == nil {
		return errs.Chain(errs.CodeUnsupported, string(a.params.Code), "solana.watch", fmt.Errorf("%w: no websocket endpoint", backend.ErrNotConnected))
	}
	return a.watcher.WaitForSignature(ctx, sig, "confirmed")
}

// QueryTxResult reads getTransaction. Unconfirmed signatures return nil.
func (a *Adapter) QueryTxResult(ctx context.Context, hash string) (*adapter.TxResult, error) {
	meta, err := a.client.GetTransaction(ctx, hash)
	if err != nil {
		return nil, a.wrap("getTransaction", err)
	}
	if meta == nil {
		return nil, nil
	}

	res := &adapter.TxResult{
		Hash:        hash,
		Status:      adapter.TxSuccess,
		BlockHeight: int64(meta.Slot),
		Fee:         new(big.Int).SetUint64(meta.Fee),
		Resources:   map[string]int64{"compute_units": int64(meta.ComputeUnitsConsumed)},
	}
	if len(meta.Err) > 0 && string(meta.Err) != "null" {
		res.Status = adapter.TxFailed
		res.Error = string(meta.Err)
	}
	if slot, err := a.client.GetSlot(ctx); err == nil && slot >= meta.Slot {
		res.Confirmations = int64(slot-meta.Slot) + 1
	}
	return res, nil
}

// wrap maps node errors to business codes and leaves transport failures retryable.
func (a *Adapter) wrap(op string, err error) error {
	code := string(a.params.Code)
	var rpcErr *backend.RPCError
	if errors.As(err, &rpcErr) {
		msg := strings.ToLower(rpcErr.Message + string(rpcErr.Data))
		switch {
		case strings.Contains(msg, "insufficient funds"), strings.Contains(msg, "insufficient lamports"),
			strings.Contains(msg, "no record of a prior credit"):
			return errs.Chain(errs.CodeInsufficientBalance, code, op, err)
		case strings.Contains(msg, "insufficientfundsforrent"):
			return errs.Chain(errs.CodeInsufficientFee, code, op, err)
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

func parseAddress(s string) (PublicKey, error) {
	pk, err := ParsePublicKey(s)
	if err != nil {
		return PublicKey{}, errs.Parse(errs.CodeInvalidAddress, "solana.address", err).WithAddress(s)
	}
	return pk, nil
}
