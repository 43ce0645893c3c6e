// Package ton implements the TON adapter for v4r2 wallets on toncenter.
// A wallet that has never sent is deployed by its first outgoing transfer.
package ton

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/tonkeeper/tongo/boc"
	"github.com/tonkeeper/tongo/ton"

	"github.com/Klingon-tech/klingvault/internal/adapter"
	"github.com/Klingon-tech/klingvault/internal/address"
	"github.com/Klingon-tech/klingvault/internal/backend"
	"github.com/Klingon-tech/klingvault/internal/chain"
	"github.com/Klingon-tech/klingvault/internal/errs"
	"github.com/Klingon-tech/klingvault/internal/wallet"
	"github.com/Klingon-tech/klingvault/pkg/logging"
)

const (
	// DefaultValidity is how long a signed request stays acceptable.
	DefaultValidity = 3 * time.Minute

	// transactionLookback is how many wallet transactions QueryTxResult scans.
	transactionLookback = 20
)

// Adapter is the TON chain adapter.
type Adapter struct {
	params  *chain.Params
	network chain.Network
	client  *Client
	log     *logging.Logger
	now     func() time.Time

	mu   sync.Mutex
	sent map[string]string // message hash -> wallet address
}

// New creates a TON adapter.
func New(params *chain.Params, network chain.Network, client *Client) *Adapter {
	return &Adapter{
		params:  params,
		network: network,
		client:  client,
		log:     logging.GetDefault().Component("ton").With("chain", params.Code),
		now:     time.Now,
		sent:    make(map[string]string),
	}
}

// Factory creates a toncenter-backed adapter; it satisfies adapter.Factory.
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

// Balance returns the TON balance of a wallet. Jettons are not supported.
func (a *Adapter) Balance(ctx context.Context, addr, token string) (*adapter.Balance, error) {
	if token != "" {
		return nil, errs.Chain(errs.CodeUnsupported, string(a.params.Code), "ton.balance", fmt.Errorf("jetton balances are not supported"))
	}
	if err := address.Validate(a.params.Code, a.network, addr); err != nil {
		return nil, err
	}
	info, err := a.client.GetWalletInformation(ctx, addr)
	if err != nil {
		return nil, a.wrap("getWalletInformation", err)
	}
	return adapter.NativeBalance(a.params, addr, new(big.Int).SetUint64(info.Balance)), nil
}

// request is a wallet request together with the state it was built against.
type request struct {
	body   *Body
	wallet *WalletInfo
	init   *boc.Cell
	code   *boc.Cell
	data   *boc.Cell
}

func (a *Adapter) request(ctx context.Context, p *adapter.TransferParams) (*request, error) {
	if p.Token != "" {
		return nil, errs.Chain(errs.CodeUnsupported, string(a.params.Code), "ton.build", fmt.Errorf("jetton transfers are not supported"))
	}
	from, err := parseAccount(p.From)
	if err != nil {
		return nil, err
	}
	to, err := parseAccount(p.To)
	if err != nil {
		return nil, err
	}
	if p.Amount == nil || p.Amount.Sign() <= 0 {
		return nil, errs.Newf(errs.CodeInvalidAmount, "ton.build", "invalid amount %v", p.Amount)
	}

	info, err := a.client.GetWalletInformation(ctx, p.From)
	if err != nil {
		return nil, a.wrap("getWalletInformation", err)
	}
	state, err := a.client.GetAddressState(ctx, p.To)
	if err != nil {
		return nil, a.wrap("getAddressState", err)
	}
	// non-bounceable to uninitialized accounts so funds stay there
	msg, err := InternalMessage(&Transfer{To: to, Amount: p.Amount, Bounce: state == "active", Comment: p.Memo})
	if err != nil {
		return nil, errs.Parse(errs.CodeInvalidPayload, "ton.build", err)
	}

	req := &request{
		wallet: info,
		body: &Body{
			SubWallet:  address.TonSubWallet(a.params.Workchain),
			ValidUntil: uint32(a.now().Add(DefaultValidity).Unix()),
			Seqno:      info.Seqno,
			Mode:       DefaultSendMode,
			Message:    msg,
		},
	}
	if !info.Deployed() {
		if len(p.PublicKey) != ed25519.PublicKeySize {
			return nil, errs.Newf(errs.CodeInvalidPayload, "ton.build", "public key required to deploy %s", p.From).WithAddress(p.From)
		}
		id, err := address.TonAccountID(p.PublicKey, a.params.Workchain)
		if err != nil {
			return nil, errs.Parse(errs.CodeInvalidPayload, "ton.build", err)
		}
		if id != from {
			return nil, errs.Newf(errs.CodeInvalidAddress, "ton.build", "public key does not control %s", p.From).WithAddress(p.From)
		}
		if req.init, req.code, req.data, err = StateInit(p.PublicKey, a.params.Workchain); err != nil {
			return nil, errs.Parse(errs.CodeInvalidPayload, "ton.build", err)
		}
	}
	return req, nil
}

// EstimateFee quotes the source fees of the transfer with a blank signature.
func (a *Adapter) EstimateFee(ctx context.Context, p *adapter.TransferParams) (*adapter.FeeSetting, error) {
	req, err := a.request(ctx, p)
	if err != nil {
		return nil, err
	}
	return a.estimate(ctx, p.From, req)
}

func (a *Adapter) estimate(ctx context.Context, from string, req *request) (*adapter.FeeSetting, error) {
	body, err := req.body.SignedCell(make([]byte, ed25519.SignatureSize))
	if err != nil {
		return nil, errs.Parse(errs.CodeInvalidPayload, "ton.estimate", err)
	}
	est := &EstimateRequest{Address: from, IgnoreChksig: true}
	if est.Body, err = bocBase64(body); err != nil {
		return nil, errs.Parse(errs.CodeInvalidPayload, "ton.estimate", err)
	}
	if req.init != nil {
		if est.InitCode, err = bocBase64(req.code); err != nil {
			return nil, errs.Parse(errs.CodeInvalidPayload, "ton.estimate", err)
		}
		if est.InitData, err = bocBase64(req.data); err != nil {
			return nil, errs.Parse(errs.CodeInvalidPayload, "ton.estimate", err)
		}
	}
	fees, err := a.client.EstimateFee(ctx, est)
	if err != nil {
		return nil, a.wrap("estimateFee", err)
	}
	return adapter.NewFlatFee(a.params, new(big.Int).SetUint64(fees.Total())), nil
}

// BuildUnsigned returns the unsigned wallet request as a BOC.
func (a *Adapter) BuildUnsigned(ctx context.Context, p *adapter.TransferParams) (*adapter.UnsignedTx, error) {
	req, err := a.request(ctx, p)
	if err != nil {
		return nil, err
	}
	fee := p.Fee
	if fee == nil || fee.Flat == nil {
		if fee, err = a.estimate(ctx, p.From, req); err != nil {
			return nil, err
		}
	}

	need := new(big.Int).Add(p.Amount, fee.Total())
	if new(big.Int).SetUint64(req.wallet.Balance).Cmp(need) < 0 {
		return nil, errs.Chain(errs.CodeInsufficientBalance, string(a.params.Code), "ton.build",
			fmt.Errorf("have %d, need %s", req.wallet.Balance, need)).WithAddress(p.From)
	}

	payload, err := req.body.Marshal()
	if err != nil {
		return nil, errs.Parse(errs.CodeInvalidPayload, "ton.build", err)
	}
	u := &adapter.UnsignedTx{
		Chain:   a.params.Code,
		Network: a.network,
		From:    p.From,
		To:      p.To,
		Amount:  new(big.Int).Set(p.Amount),
		Fee:     fee,
		Payload: payload,
	}
	u.SetMeta("seqno", strconv.FormatUint(uint64(req.body.Seqno), 10))
	u.SetMeta("valid_until", strconv.FormatUint(uint64(req.body.ValidUntil), 10))
	u.SetMeta("deploy", strconv.FormatBool(req.init != nil))
	return u, nil
}

// Sign signs the request hash and wraps it in an external message.
func (a *Adapter) Sign(tx *adapter.UnsignedTx, key *wallet.KeyPair) (*adapter.SignedTx, error) {
	priv, err := key.Ed25519()
	if err != nil {
		return nil, err
	}
	pub := priv.Public().(ed25519.PublicKey)
	id, err := address.TonAccountID(pub, a.params.Workchain)
	if err != nil {
		return nil, errs.Parse(errs.CodeInvalidPayload, "ton.sign", err)
	}
	if tx.From != "" {
		from, err := parseAccount(tx.From)
		if err != nil {
			return nil, err
		}
		if from != id {
			return nil, errs.Newf(errs.CodeInvalidAddress, "ton.sign", "key does not control %s", tx.From).WithAddress(tx.From)
		}
	}

	body, err := UnmarshalBody(tx.Payload)
	if err != nil {
		return nil, errs.Parse(errs.CodeInvalidPayload, "ton.sign", err)
	}
	digest, err := body.Hash()
	if err != nil {
		return nil, errs.Parse(errs.CodeInvalidPayload, "ton.sign", err)
	}
	signed, err := body.SignedCell(ed25519.Sign(priv, digest))
	if err != nil {
		return nil, errs.Parse(errs.CodeInvalidPayload, "ton.sign", err)
	}

	var init *boc.Cell
	if tx.Meta["deploy"] == "true" {
		if init, _, _, err = StateInit(pub, a.params.Workchain); err != nil {
			return nil, errs.Parse(errs.CodeInvalidPayload, "ton.sign", err)
		}
	}
	ext, err := ExternalMessage(id, signed, init)
	if err != nil {
		return nil, errs.Parse(errs.CodeInvalidPayload, "ton.sign", err)
	}
	raw, err := ext.ToBoc()
	if err != nil {
		return nil, errs.Parse(errs.CodeInvalidPayload, "ton.sign", err)
	}
	hash, err := ext.Hash()
	if err != nil {
		return nil, errs.Parse(errs.CodeInvalidPayload, "ton.sign", err)
	}
	return &adapter.SignedTx{
		Chain: a.params.Code,
		Hash:  hex.EncodeToString(hash),
		Raw:   raw,
		From:  tx.From,
		To:    tx.To,
		Fee:   tx.Fee,
	}, nil
}

// Broadcast sends the external message. The returned hash is the hex
// message hash; QueryTxResult resolves it against the sender's wallet.
func (a *Adapter) Broadcast(ctx context.Context, tx *adapter.SignedTx) (string, error) {
	if _, err := a.client.SendBoc(ctx, base64.StdEncoding.EncodeToString(tx.Raw)); err != nil {
		werr := a.wrap("sendBocReturnHash", err)
		var e *errs.Error
		if errors.As(werr, &e) {
			e.WithHash(tx.Hash)
		}
		return "", werr
	}
	if tx.From != "" {
		a.mu.Lock()
		a.sent[tx.Hash] = tx.From
		a.mu.Unlock()
	}
	a.log.Info("Broadcast message", "hash", tx.Hash, "from", tx.From)
	return tx.Hash, nil
}

// QueryTxResult finds the wallet transaction triggered by a message this
// adapter broadcast. Unknown hashes return nil.
func (a *Adapter) QueryTxResult(ctx context.Context, hash string) (*adapter.TxResult, error) {
	a.mu.Lock()
	from, ok := a.sent[hash]
	a.mu.Unlock()
	if !ok {
		return nil, nil
	}
	want, err := hex.DecodeString(hash)
	if err != nil {
		return nil, errs.Parse(errs.CodeInvalidPayload, "ton.query", err)
	}

	txs, err := a.client.GetTransactions(ctx, from, transactionLookback)
	if err != nil {
		return nil, a.wrap("getTransactions", err)
	}
	for _, t := range txs {
		got, err := base64.StdEncoding.DecodeString(t.InMsg.Hash)
		if err != nil || !bytes.Equal(got, want) {
			continue
		}
		fee, _ := new(big.Int).SetString(t.Fee, 10)
		res := &adapter.TxResult{
			Hash:   hash,
			Status: adapter.TxSuccess,
			Fee:    fee,
			// masterchain finality is a single block
			Confirmations: 1,
		}
		if lt, err := strconv.ParseInt(t.ID.LT, 10, 64); err == nil {
			res.BlockHeight = lt
		}
		if t.Aborted {
			res.Status = adapter.TxFailed
			res.Error = "transaction aborted"
		}
		return res, nil
	}
	return nil, nil
}

func bocBase64(c *boc.Cell) (string, error) {
	raw, err := c.ToBoc()
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

func parseAccount(s string) (ton.AccountID, error) {
	id, err := ton.ParseAccountID(s)
	if err != nil {
		return ton.AccountID{}, errs.Parse(errs.CodeInvalidAddress, "ton.address", err).WithAddress(s)
	}
	return id, nil
}

// wrap classifies toncenter failures. A rejected external message comes
// back as a 5xx envelope and must not be retried.
func (a *Adapter) wrap(op string, err error) error {
	code := string(a.params.Code)
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return errs.Chain(messageCode(apiErr.Message), code, op, err)
	}
	var httpErr *errs.HTTPStatusError
	if errors.As(err, &httpErr) {
		if strings.Contains(httpErr.Body, `"ok":false`) && strings.Contains(httpErr.Body, "cannot apply external message") {
			return errs.Chain(messageCode(httpErr.Body), code, op, err)
		}
		if httpErr.StatusCode < 500 && httpErr.StatusCode != 429 {
			return errs.Chain(errs.CodeRejected, code, op, err)
		}
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

func messageCode(msg string) errs.Code {
	switch {
	case strings.Contains(msg, "Failed to unpack account state"):
		return errs.CodeNotOnChain
	case strings.Contains(msg, "not enough") || strings.Contains(msg, "insufficient"):
		return errs.CodeInsufficientBalance
	}
	return errs.CodeRejected
}
