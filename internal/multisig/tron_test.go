package multisig

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Klingon-tech/klingvault/internal/adapter/tron"
	"github.com/Klingon-tech/klingvault/internal/backend"
	"github.com/Klingon-tech/klingvault/internal/chain"
	"github.com/Klingon-tech/klingvault/internal/errs"
	"github.com/Klingon-tech/klingvault/internal/wallet"
)

const tronBlockTime = int64(1700000000000)

// fakeTronNode serves the reference block and records broadcast transactions.
type fakeTronNode struct {
	mu        sync.Mutex
	broadcast [][]byte
}

func (n *fakeTronNode) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	n.mu.Lock()
	defer n.mu.Unlock()

	switch r.URL.Path {
	case "/wallet/getnowblock":
		var header struct {
			RawData struct {
				Number    int64 `json:"number"`
				Timestamp int64 `json:"timestamp"`
			} `json:"raw_data"`
		}
		header.RawData.Number = 56000000
		header.RawData.Timestamp = tronBlockTime
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"blockID":      strings.Repeat("0a", 32),
			"block_header": header,
		})
	case "/wallet/broadcasthex":
		var req struct {
			Transaction string `json:"transaction"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		raw, _ := hex.DecodeString(req.Transaction)
		n.broadcast = append(n.broadcast, raw)
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"result": true})
	default:
		http.NotFound(w, r)
	}
}

type tronOwner struct {
	key  *wallet.KeyPair
	addr string
}

func newTronEngine(t *testing.T, node *fakeTronNode) *TronEngine {
	t.Helper()
	srv := httptest.NewServer(node)
	t.Cleanup(srv.Close)
	params := chain.MustGet(chain.Tron, chain.Mainnet)
	client := tron.NewClient(backend.NewRESTClient(srv.URL, string(chain.Tron), srv.Client()))
	e := NewTronEngine(tron.New(params, chain.Mainnet, client))
	e.now = func() time.Time { return time.UnixMilli(tronBlockTime).Add(time.Minute) }
	return e
}

func tronAccount(t *testing.T, threshold uint64, weights ...uint64) (*Account, []tronOwner) {
	t.Helper()
	acct := &Account{Chain: chain.Tron, Network: chain.Mainnet, Threshold: threshold}
	owners := make([]tronOwner, len(weights))
	for i, w := range weights {
		kp, addr := testKey(t, chain.Tron, chain.Mainnet, "", uint32(i))
		owners[i] = tronOwner{key: kp, addr: addr}
		acct.Owners = append(acct.Owners, Owner{Address: addr, PubKey: kp.Public, Weight: w})
	}
	return acct, owners
}

func TestTronFetchAddress(t *testing.T) {
	e := newTronEngine(t, &fakeTronNode{})
	ctx := context.Background()

	acct, owners := tronAccount(t, 2, 1, 1, 1)
	addr, err := e.FetchAddress(ctx, &DeployParams{Account: acct, Deployer: owners[1].key})
	if err != nil {
		t.Fatalf("FetchAddress() error = %v", err)
	}
	if addr != owners[1].addr || acct.Extra["account"] != addr {
		t.Errorf("FetchAddress() = %s, want the deployer %s", addr, owners[1].addr)
	}

	again, err := e.FetchAddress(ctx, &DeployParams{Account: acct})
	if err != nil || again != addr {
		t.Errorf("FetchAddress(stored) = %s, %v", again, err)
	}

	crowded, _ := tronAccount(t, 2, 1, 1, 1, 1, 1, 1)
	if _, err := e.FetchAddress(ctx, &DeployParams{Account: crowded, Deployer: owners[0].key}); errs.CodeOf(err) != errs.CodeThreshold {
		t.Errorf("FetchAddress(6 owners) error = %v", err)
	}

	bare, _ := tronAccount(t, 1, 1)
	if _, err := e.FetchAddress(ctx, &DeployParams{Account: bare}); errs.CodeOf(err) != errs.CodeInvalidPayload {
		t.Errorf("FetchAddress(no deployer) error = %v", err)
	}
}

func TestTronPermissions(t *testing.T) {
	e := newTronEngine(t, &fakeTronNode{})
	acct, _ := tronAccount(t, 3, 2, 1, 1)

	owner, active, err := e.Permissions(acct)
	if err != nil {
		t.Fatalf("Permissions() error = %v", err)
	}
	if owner.Threshold != 3 || len(owner.Keys) != 3 || owner.Keys[0].Weight != 2 {
		t.Errorf("owner permission = %+v", owner)
	}
	if active.ID != MultisigPermissionID || active.Type != tron.PermissionActive || active.Threshold != 3 {
		t.Errorf("active permission = %+v", active)
	}
	ops := active.Operations
	if len(ops) != 32 || ops[0] != 1<<tron.TransferContractType || ops[3] != 1<<(tron.TriggerSmartContractType%8) {
		t.Errorf("operations = %x", ops)
	}
}

func TestTronDeploy(t *testing.T) {
	node := &fakeTronNode{}
	e := newTronEngine(t, node)
	acct, owners := tronAccount(t, 2, 1, 1, 1)

	dep, err := e.Deploy(context.Background(), &DeployParams{Account: acct, Deployer: owners[0].key})
	if err != nil {
		t.Fatalf("Deploy() error = %v", err)
	}
	if dep.Address != owners[0].addr || dep.TxHash == "" {
		t.Errorf("Deploy() = %+v", dep)
	}
	if len(node.broadcast) != 1 {
		t.Fatalf("broadcast %d transactions, want 1", len(node.broadcast))
	}
	raw, sigs, err := tron.UnmarshalTransaction(node.broadcast[0])
	if err != nil {
		t.Fatalf("UnmarshalTransaction() error = %v", err)
	}
	if len(sigs) != 1 {
		t.Errorf("deploy carries %d signatures, want 1", len(sigs))
	}
	rd, err := tron.UnmarshalRawData(raw)
	if err != nil {
		t.Fatalf("UnmarshalRawData() error = %v", err)
	}
	if len(rd.Contracts) != 1 || rd.Contracts[0].Type != tron.AccountPermissionUpdateContractType {
		t.Errorf("contracts = %+v", rd.Contracts)
	}

	// Another owner cannot update the deployer's account.
	stored, _ := tronAccount(t, 2, 1, 1, 1)
	stored.SetExtra("account", owners[0].addr)
	if _, err := e.Deploy(context.Background(), &DeployParams{Account: stored, Deployer: owners[1].key}); errs.CodeOf(err) != errs.CodeInvalidAddress {
		t.Errorf("Deploy(foreign account) error = %v", err)
	}
}

func TestTronSignVerifyExecute(t *testing.T) {
	node := &fakeTronNode{}
	e := newTronEngine(t, node)
	ctx := context.Background()

	acct, owners := tronAccount(t, 2, 1, 1, 1)
	acct.Address = owners[0].addr

	prop, err := e.BuildTx(ctx, &TxParams{Account: acct, To: owners[2].addr, Amount: big.NewInt(1_500_000), Memo: "rent"})
	if err != nil {
		t.Fatalf("BuildTx() error = %v", err)
	}
	rd, err := tron.UnmarshalRawData(prop.Payload)
	if err != nil {
		t.Fatalf("UnmarshalRawData() error = %v", err)
	}
	if rd.Contracts[0].PermissionID != MultisigPermissionID || rd.Contracts[0].Type != tron.TransferContractType {
		t.Errorf("contract = %+v", rd.Contracts[0])
	}
	wantExp := tronBlockTime + TronMultisigExpiration.Milliseconds()
	if rd.Expiration != wantExp || !prop.ExpiresAt.Equal(time.UnixMilli(wantExp)) {
		t.Errorf("expiration = %d, ExpiresAt = %s, want %d", rd.Expiration, prop.ExpiresAt, wantExp)
	}
	if string(rd.Data) != "rent" {
		t.Errorf("memo = %q", rd.Data)
	}

	sigs := make(map[string]*PartialSig)
	for _, o := range owners[1:] {
		sig, err := e.SignTx(prop.Payload, o.key)
		if err != nil {
			t.Fatalf("SignTx() error = %v", err)
		}
		if sig.Signer != o.addr {
			t.Errorf("signer = %s, want %s", sig.Signer, o.addr)
		}
		if err := e.VerifySig(prop.Payload, sig); err != nil {
			t.Fatalf("VerifySig() error = %v", err)
		}
		sigs[o.addr] = sig
	}
	forged := &PartialSig{Signer: owners[0].addr, Signature: sigs[owners[1].addr].Signature}
	if err := e.VerifySig(prop.Payload, forged); errs.CodeOf(err) != errs.CodeInvalidPayload {
		t.Errorf("VerifySig(forged) error = %v", err)
	}

	tx := &Transaction{Payload: prop.Payload, Signatures: sigs}
	hash, err := e.ExecTx(ctx, &ExecParams{Account: acct, Tx: tx})
	if err != nil {
		t.Fatalf("ExecTx() error = %v", err)
	}
	if hash != prop.Meta["txid"] {
		t.Errorf("hash = %s, want %s", hash, prop.Meta["txid"])
	}
	_, got, err := tron.UnmarshalTransaction(node.broadcast[0])
	if err != nil {
		t.Fatalf("UnmarshalTransaction() error = %v", err)
	}
	if len(got) != 2 {
		t.Errorf("broadcast carries %d signatures, want 2", len(got))
	}

	e.now = func() time.Time { return time.UnixMilli(wantExp) }
	if _, err := e.ExecTx(ctx, &ExecParams{Account: acct, Tx: tx}); errs.CodeOf(err) != errs.CodeRejected {
		t.Errorf("ExecTx(expired) error = %v", err)
	}
	if len(node.broadcast) != 1 {
		t.Errorf("expired transaction was broadcast")
	}
}

func TestTronTokenTransfer(t *testing.T) {
	e := newTronEngine(t, &fakeTronNode{})
	acct, owners := tronAccount(t, 1, 1, 1)
	acct.Address = owners[0].addr
	const usdt = "TR7NHqjeKQxGTCi8q8ZY4pL8otSzgjLj6t"

	prop, err := e.BuildTx(context.Background(), &TxParams{Account: acct, To: owners[1].addr, Amount: big.NewInt(10_000_000), Token: usdt})
	if err != nil {
		t.Fatalf("BuildTx() error = %v", err)
	}
	rd, err := tron.UnmarshalRawData(prop.Payload)
	if err != nil {
		t.Fatalf("UnmarshalRawData() error = %v", err)
	}
	if rd.Contracts[0].Type != tron.TriggerSmartContractType || rd.FeeLimit != TronTokenFeeLimit {
		t.Errorf("contract type %d fee limit %d", rd.Contracts[0].Type, rd.FeeLimit)
	}
	if prop.Meta["token"] != usdt {
		t.Errorf("meta = %v", prop.Meta)
	}
}
