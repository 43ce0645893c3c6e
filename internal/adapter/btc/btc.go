// Package btc implements the adapter for Bitcoin and its forks on top of an
// Esplora or mempool.space REST backend.
package btc

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"strconv"

	"github.com/Klingon-tech/klingvault/internal/adapter"
	"github.com/Klingon-tech/klingvault/internal/address"
	"github.com/Klingon-tech/klingvault/internal/backend"
	"github.com/Klingon-tech/klingvault/internal/chain"
	"github.com/Klingon-tech/klingvault/internal/errs"
	"github.com/Klingon-tech/klingvault/internal/wallet"
	"github.com/Klingon-tech/klingvault/pkg/logging"
)

// Backend is the subset of the Esplora API the adapter needs.
type Backend interface {
	GetAddressInfo(ctx context.Context, address string) (*backend.AddressInfo, error)
	GetAddressUTXOs(ctx context.Context, address string) ([]backend.UTXO, error)
	GetTxStatus(ctx context.Context, txID string) (*backend.TxStatus, error)
	GetRawTransaction(ctx context.Context, txID string) (string, error)
	BroadcastTransaction(ctx context.Context, rawTxHex string) (string, error)
	GetFeeEstimates(ctx context.Context) (*backend.FeeEstimate, error)
}

// Adapter is the UTXO chain adapter.
type Adapter struct {
	params  *chain.Params
	network chain.Network
	client  Backend
	log     *logging.Logger
}

// New creates an adapter using client for chain data.
func New(params *chain.Params, network chain.Network, client Backend) *Adapter {
	return &Adapter{
		params:  params,
		network: network,
		client:  client,
		log:     logging.GetDefault().Component("btc").With("chain", params.Code),
	}
}

// Factory creates an Esplora-backed adapter; it satisfies adapter.Factory.
func Factory(params *chain.Params, network chain.Network, cfg *backend.Config) (adapter.Adapter, error) {
	url := cfg.URLFor(network)
	if url == "" {
		return nil, fmt.Errorf("%w: no %s endpoint for %s", backend.ErrNotConnected, network, params.Code)
	}
	client := backend.NewEsploraClient(url, string(params.Code), cfg.Type, cfg.HTTPClient())
	return New(params, network, client), nil
}

func (a *Adapter) Chain() chain.Code      { return a.params.Code }
func (a *Adapter) Network() chain.Network { return a.network }

// Params returns the chain params.
func (a *Adapter) Params() *chain.Params { return a.params }

// Balance returns confirmed plus pending balance. Tokens are not supported.
func (a *Adapter) Balance(ctx context.Context, addr, token string) (*adapter.Balance, error) {
	if token != "" {
		return nil, errs.Chain(errs.CodeUnsupported, string(a.params.Code), "btc.balance", fmt.Errorf("tokens are not supported"))
	}
	if _, _, err := address.ParseBTC(addr, a.params); err != nil {
		return nil, errs.Parse(errs.CodeInvalidAddress, "btc.balance", err).WithAddress(addr)
	}

	info, err := a.client.GetAddressInfo(ctx, addr)
	if err != nil {
		return nil, err
	}

	total := int64(info.Balance) + info.MempoolBalance
	if total < 0 {
		total = 0
	}
	return adapter.NativeBalance(a.params, addr, big.NewInt(total)), nil
}

// FeeRate returns the rate to use: the requested one, or the backend's
// half-hour estimate. Rates above the chain guard are rejected.
func (a *Adapter) FeeRate(ctx context.Context, requested uint64) (uint64, error) {
	rate := requested
	if rate == 0 {
		est, err := a.client.GetFeeEstimates(ctx)
		if err != nil {
			return 0, err
		}
		rate = est.HalfHourFee
		if rate == 0 {
			rate = est.MinimumFee
		}
		if rate == 0 {
			rate = 1
		}
	}
	if a.params.MaxFeeRate > 0 && rate > a.params.MaxFeeRate {
		return 0, errs.Chain(errs.CodeExceedsMaxFee, string(a.params.Code), "btc.feerate",
			fmt.Errorf("fee rate %d sat/vB exceeds limit %d", rate, a.params.MaxFeeRate))
	}
	return rate, nil
}

// EstimateFee selects coins for the transfer when From and Amount are set;
// otherwise it assumes one input and a change output.
func (a *Adapter) EstimateFee(ctx context.Context, p *adapter.TransferParams) (*adapter.FeeSetting, error) {
	rate, err := a.FeeRate(ctx, p.FeeRate)
	if err != nil {
		return nil, err
	}

	if p.From == "" || p.Amount == nil || p.To == "" {
		t := a.params.DefaultAddressType
		return adapter.NewBTCFee(a.params, rate, EstimateVSize([]chain.AddressType{t}, []chain.AddressType{t, t})), nil
	}

	sel, _, err := a.selectFor(ctx, p, rate, nil)
	if err != nil {
		return nil, err
	}
	return adapter.NewBTCFee(a.params, rate, sel.VSize), nil
}

// BuildUnsigned selects coins and returns an unsigned PSBT.
func (a *Adapter) BuildUnsigned(ctx context.Context, p *adapter.TransferParams) (*adapter.UnsignedTx, error) {
	if p.Token != "" {
		return nil, errs.Chain(errs.CodeUnsupported, string(a.params.Code), "btc.build", fmt.Errorf("tokens are not supported"))
	}

	var requested uint64
	if p.Fee != nil && p.Fee.BTC != nil {
		requested = p.Fee.BTC.FeeRate
	} else {
		requested = p.FeeRate
	}
	rate, err := a.FeeRate(ctx, requested)
	if err != nil {
		return nil, err
	}

	sel, fromType, err := a.selectFor(ctx, p, rate, nil)
	if err != nil {
		return nil, err
	}

	var prevTxs map[string][]byte
	if fromType == chain.AddressP2PKH {
		// legacy inputs sign over the full previous transaction
		prevTxs = make(map[string][]byte, len(sel.Inputs))
		for _, u := range sel.Inputs {
			if _, ok := prevTxs[u.TxID]; ok {
				continue
			}
			rawHex, err := a.client.GetRawTransaction(ctx, u.TxID)
			if err != nil {
				return nil, fmt.Errorf("failed to fetch input tx %s: %w", u.TxID, err)
			}
			raw, err := hex.DecodeString(rawHex)
			if err != nil {
				return nil, errs.Parse(errs.CodeInvalidPayload, "btc.build", err)
			}
			prevTxs[u.TxID] = raw
		}
	}

	payload, err := BuildPSBT(a.params, sel, p.To, p.From, prevTxs)
	if err != nil {
		return nil, err
	}

	a.log.Debug("Built unsigned transaction", "inputs", len(sel.Inputs), "fee", sel.Fee, "change", sel.Change, "vsize", sel.VSize)

	tx := &adapter.UnsignedTx{
		Chain:   a.params.Code,
		Network: a.network,
		From:    p.From,
		To:      p.To,
		Amount:  new(big.Int).Set(p.Amount),
		Fee:     adapter.NewBTCFee(a.params, rate, sel.VSize),
		Payload: payload,
	}
	tx.SetMeta("fee", strconv.FormatUint(sel.Fee, 10))
	tx.SetMeta("change", strconv.FormatUint(sel.Change, 10))
	tx.SetMeta("inputs", strconv.Itoa(len(sel.Inputs)))
	return tx, nil
}

// Select runs coin selection for p at rate. shape prices the inputs as
// multisig spends when From is a P2WSH multisig address.
func (a *Adapter) Select(ctx context.Context, p *adapter.TransferParams, rate uint64, shape *MultisigShape) (*Selection, error) {
	sel, _, err := a.selectFor(ctx, p, rate, shape)
	return sel, err
}

func (a *Adapter) selectFor(ctx context.Context, p *adapter.TransferParams, rate uint64, shape *MultisigShape) (*Selection, chain.AddressType, error) {
	if p.Amount == nil || p.Amount.Sign() <= 0 || !p.Amount.IsUint64() {
		return nil, "", errs.Newf(errs.CodeInvalidAmount, "btc.select", "invalid amount %v", p.Amount)
	}
	_, fromType, err := address.ParseBTC(p.From, a.params)
	if err != nil {
		return nil, "", errs.Parse(errs.CodeInvalidAddress, "btc.select", err).WithAddress(p.From)
	}
	_, toType, err := address.ParseBTC(p.To, a.params)
	if err != nil {
		return nil, "", errs.Parse(errs.CodeInvalidAddress, "btc.select", err).WithAddress(p.To)
	}

	utxos, err := a.client.GetAddressUTXOs(ctx, p.From)
	if err != nil {
		return nil, "", err
	}

	sel, err := SelectUTXOs(utxos, SelectRequest{
		Amount:     p.Amount.Uint64(),
		FeeRate:    rate,
		Dust:       a.params.DustThreshold,
		InputType:  fromType,
		DestType:   toType,
		ChangeType: fromType,
		Multisig:   shape,
	})
	if err != nil {
		var e *errs.Error
		if errors.As(err, &e) {
			e.Chain = string(a.params.Code)
			e.Address = p.From
		}
		return nil, "", err
	}
	return sel, fromType, nil
}

// Sign signs every input of the PSBT with key and returns the final transaction.
func (a *Adapter) Sign(tx *adapter.UnsignedTx, key *wallet.KeyPair) (*adapter.SignedTx, error) {
	priv, err := key.ECPrivKey()
	if err != nil {
		return nil, err
	}

	msgTx, err := SignPSBT(tx.Payload, priv)
	if err != nil {
		return nil, err
	}

	raw, err := serializeTx(msgTx)
	if err != nil {
		return nil, err
	}
	return &adapter.SignedTx{
		Chain: a.params.Code,
		Hash:  msgTx.TxHash().String(),
		Raw:   raw,
		From:  tx.From,
		To:    tx.To,
		Fee:   tx.Fee,
	}, nil
}

// Broadcast submits the raw transaction.
func (a *Adapter) Broadcast(ctx context.Context, tx *adapter.SignedTx) (string, error) {
	txid, err := a.client.BroadcastTransaction(ctx, hex.EncodeToString(tx.Raw))
	if err != nil {
		var e *errs.Error
		if errors.As(err, &e) {
			e.WithHash(tx.Hash)
		}
		return "", err
	}
	a.log.Info("Broadcast transaction", "txid", txid)
	return txid, nil
}

// QueryTxResult returns confirmation state, or nil when the tx is unknown.
func (a *Adapter) QueryTxResult(ctx context.Context, hash string) (*adapter.TxResult, error) {
	st, err := a.client.GetTxStatus(ctx, hash)
	if err != nil {
		if errors.Is(err, backend.ErrTxNotFound) {
			return nil, nil
		}
		return nil, err
	}

	res := &adapter.TxResult{
		Hash:   hash,
		Status: adapter.TxPending,
		Fee:    new(big.Int).SetUint64(st.Fee),
	}
	if st.Confirmed {
		res.Status = adapter.TxSuccess
		res.BlockHeight = st.BlockHeight
		res.Confirmations = st.Confirmations
	}
	return res, nil
}
