package tron

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/Klingon-tech/klingvault/internal/adapter"
	"github.com/Klingon-tech/klingvault/internal/address"
	"github.com/Klingon-tech/klingvault/internal/backend"
	"github.com/Klingon-tech/klingvault/internal/chain"
	"github.com/Klingon-tech/klingvault/internal/errs"
	"github.com/Klingon-tech/klingvault/internal/wallet"
)

const testMnemonic = "abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon about"

// raw_data of a 1 TRX transfer with expiration 1700000060000.
const fixtureRaw = "0a0212342208010203040506070840e0a499ffbc315a67080112630a2d747970652e676f6f676c65617069732e636f6d2f70726f746f636f6c2e5472616e73666572436f6e747261637412320a15411111111111111111111111111111111111111111121541222222222222222222222222222222222222222218c0843d7080d095ffbc31"

func mustHex(t *testing.T, s string) []byte {
	t.Helper()
	b, err := hex.DecodeString(s)
	if err != nil {
		t.Fatalf("DecodeString() error = %v", err)
	}
	return b
}

func TestExtendExpiration(t *testing.T) {
	raw := mustHex(t, fixtureRaw)
	withUnknown := protowire.AppendTag(append([]byte(nil), raw...), 99, protowire.VarintType)
	withUnknown = protowire.AppendVarint(withUnknown, 7)

	tests := []struct {
		name           string
		raw            []byte
		extend         time.Duration
		wantExpiration int64
		wantID         string
	}{
		{"known fields", raw, 10 * time.Minute, 1700000660000, "ebbb575a0c28dc181ad537ce5463012a9f15dadddf5a22cef8b9616e02d667ec"},
		{"unknown field preserved", withUnknown, 10 * time.Minute, 1700000660000, "3cc8772fa713eb9af50c7b28a8556cceb9f6497c3df17092acbd02f8b2352bea"},
		{"one day", raw, 24 * time.Hour, 1700086460000, "9cb939b2867a8c384260fb8e7851695488d614fd8ac9e822ca53a7dccb92f931"},
		{"one day unknown field preserved", withUnknown, 24 * time.Hour, 1700086460000, "15451b55f62f33c14c5af805421bdfe0b2bb4740d0b2a522d90983973e63c7db"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, id, err := ExtendExpiration(tt.raw, tt.extend)
			if err != nil {
				t.Fatalf("ExtendExpiration() error = %v", err)
			}
			if got := hex.EncodeToString(id[:]); got != tt.wantID {
				t.Errorf("txID = %s, want %s", got, tt.wantID)
			}
			if sum := sha256.Sum256(out); sum != id {
				t.Error("txID is not sha256 of the returned bytes")
			}
			r, err := UnmarshalRawData(out)
			if err != nil {
				t.Fatalf("UnmarshalRawData() error = %v", err)
			}
			if r.Expiration != tt.wantExpiration {
				t.Errorf("Expiration = %d, want %d", r.Expiration, tt.wantExpiration)
			}
		})
	}

	id := TxID(raw)
	if got := hex.EncodeToString(id[:]); got != "6a1b90477bc7cef2b116dd91e470ead3b75f69db855dd1906d91ff7b9003e673" {
		t.Errorf("TxID(original) = %s", got)
	}
	if !strings.Contains(fixtureRaw, "40e0a499ffbc31") {
		t.Fatal("fixture lost its expiration field")
	}
}

func TestRawDataRoundTrip(t *testing.T) {
	raw := mustHex(t, fixtureRaw)
	r, err := UnmarshalRawData(raw)
	if err != nil {
		t.Fatalf("UnmarshalRawData() error = %v", err)
	}
	if !bytes.Equal(r.Marshal(), raw) {
		t.Error("Marshal() does not reproduce the decoded bytes")
	}
	if len(r.Contracts) != 1 || r.Contracts[0].Type != TransferContractType {
		t.Fatalf("Contracts = %+v", r.Contracts)
	}
	if r.Timestamp != 1700000000000 {
		t.Errorf("Timestamp = %d", r.Timestamp)
	}

	tx := MarshalTransaction(raw, [][]byte{bytes.Repeat([]byte{1}, 65)})
	gotRaw, sigs, err := UnmarshalTransaction(tx)
	if err != nil {
		t.Fatalf("UnmarshalTransaction() error = %v", err)
	}
	if !bytes.Equal(gotRaw, raw) || len(sigs) != 1 {
		t.Errorf("UnmarshalTransaction() = %d bytes, %d sigs", len(gotRaw), len(sigs))
	}
}

func TestEstimateBandwidth(t *testing.T) {
	if got := EstimateBandwidth(make([]byte, 100), 1); got != 233 {
		t.Errorf("EstimateBandwidth(100, 1) = %d, want 233", got)
	}
	if got := EstimateBandwidth(make([]byte, 200), 2); got != 1+2+200+134+64 {
		t.Errorf("EstimateBandwidth(200, 2) = %d", got)
	}
}

func testKey(t *testing.T, index uint32) (*wallet.KeyPair, string) {
	t.Helper()
	seed, err := wallet.SeedFromMnemonic(testMnemonic, "", "")
	if err != nil {
		t.Fatalf("SeedFromMnemonic() error = %v", err)
	}
	kp, err := wallet.DeriveIndex(seed, chain.Tron, chain.Mainnet, chain.AddressTron, index)
	if err != nil {
		t.Fatalf("DeriveIndex() error = %v", err)
	}
	addr, err := address.FromKeyPair(kp, chain.AddressTron)
	if err != nil {
		t.Fatalf("FromKeyPair() error = %v", err)
	}
	return kp, addr.Value
}

func TestSignRecover(t *testing.T) {
	key, addr := testKey(t, 0)
	priv, err := key.ECPrivKey()
	if err != nil {
		t.Fatalf("ECPrivKey() error = %v", err)
	}

	digest := sha256.Sum256([]byte("klingvault"))
	sig, err := SignDigest(priv, digest[:])
	if err != nil {
		t.Fatalf("SignDigest() error = %v", err)
	}
	if sig[64] > 1 {
		t.Errorf("recovery id = %d, want 0 or 1", sig[64])
	}

	pub, err := RecoverSigner(sig, digest[:])
	if err != nil {
		t.Fatalf("RecoverSigner() error = %v", err)
	}
	if got := address.TronAddress(pub); got != addr {
		t.Errorf("recovered %s, want %s", got, addr)
	}

	if _, err := SignDigest(priv, digest[:31]); err == nil {
		t.Error("SignDigest() accepted a short digest")
	}
}

// fakeNode answers the /wallet endpoints used by the adapter.
type fakeNode struct {
	mu        sync.Mutex
	accounts  map[string]int64
	sent      []string
	rejectMsg string
	info      map[string]interface{}
}

const headBlockID = "0000000000bc614e0102030405060708aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"

func (n *fakeNode) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	n.mu.Lock()
	defer n.mu.Unlock()

	var req map[string]interface{}
	_ = json.NewDecoder(r.Body).Decode(&req)
	str := func(k string) string { s, _ := req[k].(string); return s }

	var resp interface{}
	switch r.URL.Path {
	case "/wallet/getaccount":
		if bal, ok := n.accounts[str("address")]; ok {
			resp = map[string]interface{}{"address": str("address"), "balance": bal}
		} else {
			resp = map[string]interface{}{}
		}
	case "/wallet/getaccountresource":
		resp = map[string]interface{}{"freeNetLimit": 600, "freeNetUsed": 100}
	case "/wallet/getchainparameters":
		resp = map[string]interface{}{"chainParameter": []map[string]interface{}{
			{"key": "getTransactionFee", "value": 1000},
			{"key": "getEnergyFee", "value": 420},
			{"key": "getCreateAccountFee", "value": 100000},
			{"key": "getCreateNewAccountFeeInSystemContract", "value": 1000000},
		}}
	case "/wallet/getnowblock":
		resp = map[string]interface{}{
			"blockID": headBlockID,
			"block_header": map[string]interface{}{
				"raw_data": map[string]interface{}{"number": 12345678, "timestamp": 1700000000000},
			},
		}
	case "/wallet/triggerconstantcontract":
		word := func(v int64) string { return hex.EncodeToString(big.NewInt(v).FillBytes(make([]byte, 32))) }
		out := map[string]interface{}{"result": map[string]interface{}{"result": true}}
		switch str("function_selector") {
		case "balanceOf(address)":
			out["constant_result"] = []string{word(5_000_000)}
		case "decimals()":
			out["constant_result"] = []string{word(6)}
		case "transfer(address,uint256)":
			out["constant_result"] = []string{word(1)}
			out["energy_used"] = 14650
		}
		resp = out
	case "/wallet/broadcasthex":
		if n.rejectMsg != "" {
			resp = map[string]interface{}{
				"result":  false,
				"code":    "CONTRACT_VALIDATE_ERROR",
				"message": hex.EncodeToString([]byte(n.rejectMsg)),
			}
			break
		}
		n.sent = append(n.sent, str("transaction"))
		resp = map[string]interface{}{"result": true}
	case "/wallet/gettransactioninfobyid":
		if info, ok := n.info[str("value")]; ok {
			resp = info
		} else {
			resp = map[string]interface{}{}
		}
	default:
		http.NotFound(w, r)
		return
	}
	_ = json.NewEncoder(w).Encode(resp)
}

func newTestAdapter(t *testing.T, node *fakeNode) *Adapter {
	t.Helper()
	srv := httptest.NewServer(node)
	t.Cleanup(srv.Close)
	rest := backend.NewRESTClient(srv.URL, "TRX", srv.Client())
	return New(chain.MustGet(chain.Tron, chain.Mainnet), chain.Mainnet, NewClient(rest))
}

func TestNativeTransferToNewAccount(t *testing.T) {
	key, from := testKey(t, 0)
	_, to := testKey(t, 1)

	node := &fakeNode{accounts: map[string]int64{from: 50_000_000}}
	a := newTestAdapter(t, node)
	ctx := context.Background()

	unsigned, err := a.BuildUnsigned(ctx, &adapter.TransferParams{From: from, To: to, Amount: big.NewInt(1_000_000)})
	if err != nil {
		t.Fatalf("BuildUnsigned() error = %v", err)
	}

	fee := unsigned.Fee.Tron
	if fee.ActivationFee != 1_100_000 {
		t.Errorf("ActivationFee = %d, want 1100000", fee.ActivationFee)
	}
	if fee.FreeBandwidth != fee.Bandwidth {
		t.Errorf("FreeBandwidth = %d, want %d", fee.FreeBandwidth, fee.Bandwidth)
	}
	if got := unsigned.Fee.Display(); got != "1.1" {
		t.Errorf("Display() = %q, want 1.1", got)
	}

	raw, err := UnmarshalRawData(unsigned.Payload)
	if err != nil {
		t.Fatalf("UnmarshalRawData() error = %v", err)
	}
	if raw.Expiration != 1700000060000 {
		t.Errorf("Expiration = %d", raw.Expiration)
	}
	if hex.EncodeToString(raw.RefBlockBytes) != "614e" || hex.EncodeToString(raw.RefBlockHash) != "0102030405060708" {
		t.Errorf("ref block = %x / %x", raw.RefBlockBytes, raw.RefBlockHash)
	}
	if raw.FeeLimit != 0 {
		t.Errorf("FeeLimit = %d on a native transfer", raw.FeeLimit)
	}

	signed, err := a.Sign(unsigned, key)
	if err != nil {
		t.Fatalf("Sign() error = %v", err)
	}
	if signed.Hash != unsigned.Meta["txid"] {
		t.Errorf("Hash = %s, want %s", signed.Hash, unsigned.Meta["txid"])
	}

	_, sigs, err := UnmarshalTransaction(signed.Raw)
	if err != nil {
		t.Fatalf("UnmarshalTransaction() error = %v", err)
	}
	id := TxID(unsigned.Payload)
	pub, err := RecoverSigner(sigs[0], id[:])
	if err != nil {
		t.Fatalf("RecoverSigner() error = %v", err)
	}
	if address.TronAddress(pub) != from {
		t.Error("signature does not recover to the sender")
	}

	hash, err := a.Broadcast(ctx, signed)
	if err != nil {
		t.Fatalf("Broadcast() error = %v", err)
	}
	if hash != signed.Hash {
		t.Errorf("Broadcast() = %s, want %s", hash, signed.Hash)
	}
	if len(node.sent) != 1 || node.sent[0] != hex.EncodeToString(signed.Raw) {
		t.Error("node did not receive the signed transaction")
	}
}

func TestSignRejectsForeignKey(t *testing.T) {
	_, from := testKey(t, 0)
	other, _ := testKey(t, 2)

	_, err := New(chain.MustGet(chain.Tron, chain.Mainnet), chain.Mainnet, nil).Sign(&adapter.UnsignedTx{
		From:    from,
		Payload: mustHex(t, fixtureRaw),
	}, other)
	if errs.CodeOf(err) != errs.CodeInvalidAddress {
		t.Errorf("Sign() error = %v, want CodeInvalidAddress", err)
	}
}

func TestTRC20Transfer(t *testing.T) {
	_, from := testKey(t, 0)
	_, to := testKey(t, 1)

	node := &fakeNode{accounts: map[string]int64{from: 50_000_000, to: 0}}
	a := newTestAdapter(t, node)

	unsigned, err := a.BuildUnsigned(context.Background(), &adapter.TransferParams{
		From:   from,
		To:     to,
		Amount: big.NewInt(2_500_000),
		Token:  "USDT",
	})
	if err != nil {
		t.Fatalf("BuildUnsigned() error = %v", err)
	}

	fee := unsigned.Fee.Tron
	if fee.Energy != 14650 || fee.FreeEnergy != 0 {
		t.Errorf("Energy = %d, FreeEnergy = %d", fee.Energy, fee.FreeEnergy)
	}
	if fee.FeeLimit != 14650*420*3/2 {
		t.Errorf("FeeLimit = %d", fee.FeeLimit)
	}
	if got := unsigned.Fee.Total().Int64(); got != 14650*420 {
		t.Errorf("Total() = %d, want %d", got, 14650*420)
	}

	raw, err := UnmarshalRawData(unsigned.Payload)
	if err != nil {
		t.Fatalf("UnmarshalRawData() error = %v", err)
	}
	if raw.FeeLimit != fee.FeeLimit {
		t.Errorf("raw FeeLimit = %d, want %d", raw.FeeLimit, fee.FeeLimit)
	}
	c := raw.Contracts[0]
	if c.Type != TriggerSmartContractType || !strings.HasSuffix(c.TypeURL, "TriggerSmartContract") {
		t.Errorf("contract = %d %s", c.Type, c.TypeURL)
	}
	if !bytes.Contains(c.Value, mustHex(t, "a9059cbb")) {
		t.Error("trigger data does not call transfer(address,uint256)")
	}
}

func TestBalances(t *testing.T) {
	_, from := testKey(t, 0)
	a := newTestAdapter(t, &fakeNode{accounts: map[string]int64{from: 12_345_678}})
	ctx := context.Background()

	native, err := a.Balance(ctx, from, "")
	if err != nil {
		t.Fatalf("Balance() error = %v", err)
	}
	if got := native.Display(); got != "12.345678" {
		t.Errorf("native Display() = %q", got)
	}

	usdt, err := a.Balance(ctx, from, "USDT")
	if err != nil {
		t.Fatalf("Balance(USDT) error = %v", err)
	}
	if usdt.Symbol != "USDT" || usdt.Display() != "5" {
		t.Errorf("USDT balance = %s %s", usdt.Display(), usdt.Symbol)
	}

	if _, err := a.Balance(ctx, "not-an-address", ""); errs.CodeOf(err) != errs.CodeInvalidAddress {
		t.Errorf("Balance(invalid) error = %v", err)
	}
}

func TestBroadcastRejection(t *testing.T) {
	key, from := testKey(t, 0)
	node := &fakeNode{rejectMsg: "Validate TransferContract error, balance is not sufficient."}
	a := newTestAdapter(t, node)

	signed, err := a.Sign(&adapter.UnsignedTx{From: from, Payload: mustHex(t, fixtureRaw)}, key)
	if err != nil {
		t.Fatalf("Sign() error = %v", err)
	}
	_, err = a.Broadcast(context.Background(), signed)
	if errs.CodeOf(err) != errs.CodeInsufficientBalance {
		t.Errorf("Broadcast() error = %v, want CodeInsufficientBalance", err)
	}
	if errs.IsNetworkError(err) {
		t.Error("rejection classified as network error")
	}
}

func TestQueryTxResult(t *testing.T) {
	node := &fakeNode{info: map[string]interface{}{
		"aa": map[string]interface{}{
			"id":          "aa",
			"fee":         2_730_000,
			"blockNumber": 12345670,
			"result":      "FAILED",
			"resMessage":  hex.EncodeToString([]byte("REVERT opcode executed")),
			"receipt":     map[string]interface{}{"energy_usage_total": 6500, "net_usage": 345, "result": "REVERT"},
		},
	}}
	a := newTestAdapter(t, node)
	ctx := context.Background()

	res, err := a.QueryTxResult(ctx, "aa")
	if err != nil {
		t.Fatalf("QueryTxResult() error = %v", err)
	}
	if res.Status != adapter.TxFailed || res.Error != "REVERT opcode executed" {
		t.Errorf("status = %s, error = %q", res.Status, res.Error)
	}
	if res.Confirmations != 9 {
		t.Errorf("Confirmations = %d, want 9", res.Confirmations)
	}
	if res.Resources["energy_used"] != 6500 || res.Fee.Int64() != 2_730_000 {
		t.Errorf("resources = %v, fee = %v", res.Resources, res.Fee)
	}

	pending, err := a.QueryTxResult(ctx, "bb")
	if err != nil || pending != nil {
		t.Errorf("QueryTxResult(unknown) = %v, %v", pending, err)
	}
}
