package ton

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/tonkeeper/tongo/boc"
	"github.com/tonkeeper/tongo/ton"

	"github.com/Klingon-tech/klingvault/internal/adapter"
	"github.com/Klingon-tech/klingvault/internal/address"
	"github.com/Klingon-tech/klingvault/internal/backend"
	"github.com/Klingon-tech/klingvault/internal/chain"
	"github.com/Klingon-tech/klingvault/internal/errs"
	"github.com/Klingon-tech/klingvault/internal/wallet"
)

const testMnemonic = "abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon about"

func testKey(t *testing.T, index uint32) (*wallet.KeyPair, string) {
	t.Helper()
	seed, err := wallet.SeedFromMnemonic(testMnemonic, "", "")
	if err != nil {
		t.Fatalf("SeedFromMnemonic() error = %v", err)
	}
	kp, err := wallet.DeriveIndex(seed, chain.Ton, chain.Mainnet, chain.AddressTon, index)
	if err != nil {
		t.Fatalf("DeriveIndex() error = %v", err)
	}
	addr, err := address.FromKeyPair(kp, chain.AddressTon)
	if err != nil {
		t.Fatalf("FromKeyPair() error = %v", err)
	}
	return kp, addr.Value
}

func TestBodyRoundTrip(t *testing.T) {
	_, to := testKey(t, 1)
	id, err := ton.ParseAccountID(to)
	if err != nil {
		t.Fatalf("ParseAccountID() error = %v", err)
	}
	msg, err := InternalMessage(&Transfer{To: id, Amount: big.NewInt(1_500_000_000), Comment: "invoice 42"})
	if err != nil {
		t.Fatalf("InternalMessage() error = %v", err)
	}
	body := &Body{SubWallet: address.DefaultTonSubWallet, ValidUntil: 1_700_000_000, Seqno: 7, Mode: DefaultSendMode, Message: msg}

	raw, err := body.Marshal()
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	got, err := UnmarshalBody(raw)
	if err != nil {
		t.Fatalf("UnmarshalBody() error = %v", err)
	}
	if got.SubWallet != body.SubWallet || got.ValidUntil != body.ValidUntil || got.Seqno != 7 || got.Mode != DefaultSendMode {
		t.Errorf("UnmarshalBody() = %+v", got)
	}

	want, _ := body.Hash()
	have, err := got.Hash()
	if err != nil {
		t.Fatalf("Hash() error = %v", err)
	}
	if !bytes.Equal(want, have) {
		t.Error("decoded body hashes differently")
	}
}

func TestCommentTooLong(t *testing.T) {
	_, to := testKey(t, 1)
	id, _ := ton.ParseAccountID(to)
	if _, err := InternalMessage(&Transfer{To: id, Amount: big.NewInt(1), Comment: strings.Repeat("x", 200)}); err == nil {
		t.Error("InternalMessage() accepted an oversized comment")
	}
}

// fakeCenter answers the toncenter v2 endpoints used by the adapter.
type fakeCenter struct {
	mu        sync.Mutex
	state     string
	balance   string
	estimates []EstimateRequest
	sent      []string
	reject    bool
}

func (f *fakeCenter) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	reply := func(result interface{}) {
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"ok": true, "result": result})
	}
	switch r.URL.Path {
	case "/getWalletInformation":
		seqno := 0
		if f.state == "active" {
			seqno = 12
		}
		reply(map[string]interface{}{"wallet": f.state == "active", "balance": f.balance, "account_state": f.state, "seqno": seqno})
	case "/getAddressState":
		reply("uninitialized")
	case "/estimateFee":
		var req EstimateRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		f.estimates = append(f.estimates, req)
		reply(map[string]interface{}{"source_fees": map[string]int{"in_fwd_fee": 1_000_000, "storage_fee": 100, "gas_fee": 2_994_000, "fwd_fee": 400_000}})
	case "/sendBocReturnHash":
		if f.reject {
			w.WriteHeader(http.StatusInternalServerError)
			_, _ = w.Write([]byte(`{"ok":false,"error":"LITE_SERVER_UNKNOWN: cannot apply external message to current state : Failed to unpack account state","code":500}`))
			return
		}
		var req struct {
			Boc string `json:"boc"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		f.sent = append(f.sent, req.Boc)
		reply(map[string]string{"hash": "ignored"})
	case "/getTransactions":
		var txs []map[string]interface{}
		for _, b := range f.sent {
			raw, _ := base64.StdEncoding.DecodeString(b)
			cells, err := boc.DeserializeBoc(raw)
			if err != nil {
				continue
			}
			h, _ := cells[0].Hash()
			txs = append(txs, map[string]interface{}{
				"utime":          1_700_000_000,
				"fee":            "4394100",
				"transaction_id": map[string]string{"lt": "47000000000001", "hash": "tx"},
				"in_msg":         map[string]string{"hash": base64.StdEncoding.EncodeToString(h)},
			})
		}
		reply(txs)
	default:
		http.NotFound(w, r)
	}
}

func newTestAdapter(t *testing.T, center *fakeCenter) *Adapter {
	t.Helper()
	srv := httptest.NewServer(center)
	t.Cleanup(srv.Close)
	a := New(chain.MustGet(chain.Ton, chain.Mainnet), chain.Mainnet, NewClient(backend.NewRESTClient(srv.URL, "TON", srv.Client())))
	a.now = func() time.Time { return time.Unix(1_700_000_000, 0) }
	return a
}

func TestTransferDeployedWallet(t *testing.T) {
	key, from := testKey(t, 0)
	_, to := testKey(t, 1)
	center := &fakeCenter{state: "active", balance: "5000000000"}
	a := newTestAdapter(t, center)
	ctx := context.Background()

	unsigned, err := a.BuildUnsigned(ctx, &adapter.TransferParams{From: from, To: to, Amount: big.NewInt(1_000_000_000), Memo: "hi"})
	if err != nil {
		t.Fatalf("BuildUnsigned() error = %v", err)
	}
	if got := unsigned.Fee.Total().Int64(); got != 4_394_100 {
		t.Errorf("fee = %d, want 4394100", got)
	}
	if unsigned.Meta["seqno"] != "12" || unsigned.Meta["deploy"] != "false" {
		t.Errorf("meta = %v", unsigned.Meta)
	}
	if unsigned.Meta["valid_until"] != "1700000180" {
		t.Errorf("valid_until = %s", unsigned.Meta["valid_until"])
	}
	if len(center.estimates) != 1 || center.estimates[0].InitCode != "" || !center.estimates[0].IgnoreChksig {
		t.Errorf("estimates = %+v", center.estimates)
	}

	signed, err := a.Sign(unsigned, key)
	if err != nil {
		t.Fatalf("Sign() error = %v", err)
	}
	cells, err := boc.DeserializeBoc(signed.Raw)
	if err != nil {
		t.Fatalf("DeserializeBoc() error = %v", err)
	}
	refs := cells[0].Refs()
	if len(refs) != 1 {
		t.Fatalf("external message refs = %d, want 1", len(refs))
	}
	sig, err := refs[0].ReadBytes(ed25519.SignatureSize)
	if err != nil {
		t.Fatalf("ReadBytes() error = %v", err)
	}
	body, _ := UnmarshalBody(unsigned.Payload)
	digest, _ := body.Hash()
	priv, _ := key.Ed25519()
	if !ed25519.Verify(priv.Public().(ed25519.PublicKey), digest, sig) {
		t.Error("signature does not verify against the request hash")
	}

	hash, err := a.Broadcast(ctx, signed)
	if err != nil {
		t.Fatalf("Broadcast() error = %v", err)
	}
	if hash != signed.Hash || len(center.sent) != 1 {
		t.Errorf("Broadcast() = %s, sent %d", hash, len(center.sent))
	}

	res, err := a.QueryTxResult(ctx, hash)
	if err != nil {
		t.Fatalf("QueryTxResult() error = %v", err)
	}
	if res == nil || res.Status != adapter.TxSuccess || res.Fee.Int64() != 4_394_100 {
		t.Errorf("QueryTxResult() = %+v", res)
	}
}

func TestFirstTransferDeploysWallet(t *testing.T) {
	key, from := testKey(t, 0)
	_, to := testKey(t, 1)
	a := newTestAdapter(t, &fakeCenter{state: "uninitialized", balance: "5000000000"})
	ctx := context.Background()
	params := &adapter.TransferParams{From: from, To: to, Amount: big.NewInt(1_000_000_000)}

	if _, err := a.BuildUnsigned(ctx, params); errs.CodeOf(err) != errs.CodeInvalidPayload {
		t.Errorf("BuildUnsigned() without public key error = %v, want CodeInvalidPayload", err)
	}

	other, _ := testKey(t, 2)
	params.PublicKey = other.Public
	if _, err := a.BuildUnsigned(ctx, params); errs.CodeOf(err) != errs.CodeInvalidAddress {
		t.Errorf("BuildUnsigned() with foreign key error = %v, want CodeInvalidAddress", err)
	}

	params.PublicKey = key.Public
	center := &fakeCenter{state: "uninitialized", balance: "5000000000"}
	a = newTestAdapter(t, center)
	unsigned, err := a.BuildUnsigned(ctx, params)
	if err != nil {
		t.Fatalf("BuildUnsigned() error = %v", err)
	}
	if unsigned.Meta["deploy"] != "true" || unsigned.Meta["seqno"] != "0" {
		t.Errorf("meta = %v", unsigned.Meta)
	}
	if center.estimates[0].InitCode == "" || center.estimates[0].InitData == "" {
		t.Error("estimate did not carry the wallet code and data")
	}

	signed, err := a.Sign(unsigned, key)
	if err != nil {
		t.Fatalf("Sign() error = %v", err)
	}
	cells, err := boc.DeserializeBoc(signed.Raw)
	if err != nil {
		t.Fatalf("DeserializeBoc() error = %v", err)
	}
	if n := len(cells[0].Refs()); n != 2 {
		t.Errorf("external message refs = %d, want state init and body", n)
	}
}

func TestInsufficientBalance(t *testing.T) {
	_, from := testKey(t, 0)
	_, to := testKey(t, 1)
	a := newTestAdapter(t, &fakeCenter{state: "active", balance: "1000000000"})

	_, err := a.BuildUnsigned(context.Background(), &adapter.TransferParams{From: from, To: to, Amount: big.NewInt(1_000_000_000)})
	if errs.CodeOf(err) != errs.CodeInsufficientBalance {
		t.Errorf("BuildUnsigned() error = %v, want CodeInsufficientBalance", err)
	}
}

func TestJettonsUnsupported(t *testing.T) {
	_, from := testKey(t, 0)
	_, to := testKey(t, 1)
	a := newTestAdapter(t, &fakeCenter{state: "active", balance: "1"})
	ctx := context.Background()

	if _, err := a.Balance(ctx, from, "EQjetton"); errs.CodeOf(err) != errs.CodeUnsupported {
		t.Errorf("Balance(jetton) error = %v, want CodeUnsupported", err)
	}
	if _, err := a.EstimateFee(ctx, &adapter.TransferParams{From: from, To: to, Amount: big.NewInt(1), Token: "EQjetton"}); errs.CodeOf(err) != errs.CodeUnsupported {
		t.Errorf("EstimateFee(jetton) error = %v, want CodeUnsupported", err)
	}
}

func TestSignRejectsForeignKey(t *testing.T) {
	_, from := testKey(t, 0)
	other, _ := testKey(t, 2)
	a := New(chain.MustGet(chain.Ton, chain.Mainnet), chain.Mainnet, nil)

	if _, err := a.Sign(&adapter.UnsignedTx{From: from}, other); errs.CodeOf(err) != errs.CodeInvalidAddress {
		t.Errorf("Sign() error = %v, want CodeInvalidAddress", err)
	}
}

func TestBroadcastRejection(t *testing.T) {
	a := newTestAdapter(t, &fakeCenter{reject: true})

	_, err := a.Broadcast(context.Background(), &adapter.SignedTx{Hash: "ab", Raw: []byte{1}})
	if errs.CodeOf(err) != errs.CodeNotOnChain {
		t.Errorf("Broadcast() error = %v, want CodeNotOnChain", err)
	}
	if errs.IsNetworkError(err) {
		t.Error("rejected external message classified as retryable")
	}
}

func TestBalanceAndUnknownHash(t *testing.T) {
	_, addr := testKey(t, 0)
	a := newTestAdapter(t, &fakeCenter{state: "active", balance: "2500000000"})
	ctx := context.Background()

	bal, err := a.Balance(ctx, addr, "")
	if err != nil {
		t.Fatalf("Balance() error = %v", err)
	}
	if bal.Display() != "2.5" || bal.Symbol != "TON" {
		t.Errorf("Balance() = %s %s", bal.Display(), bal.Symbol)
	}

	res, err := a.QueryTxResult(ctx, "00ff")
	if err != nil || res != nil {
		t.Errorf("QueryTxResult(unknown) = %v, %v", res, err)
	}
}
