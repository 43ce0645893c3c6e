package multisig

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/mr-tron/base58"

	"github.com/Klingon-tech/klingvault/internal/adapter/solana"
	"github.com/Klingon-tech/klingvault/internal/backend"
	"github.com/Klingon-tech/klingvault/internal/chain"
	"github.com/Klingon-tech/klingvault/internal/errs"
	"github.com/Klingon-tech/klingvault/internal/wallet"
)

type squadsAccount struct {
	owner solana.PublicKey
	data  []byte
}

// fakeSquadsNode answers the JSON-RPC calls of the Squads engine.
type fakeSquadsNode struct {
	mu       sync.Mutex
	accounts map[string]squadsAccount
	sent     [][]byte
}

func (n *fakeSquadsNode) setAccount(addr solana.PublicKey, owner solana.PublicKey, data []byte) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.accounts == nil {
		n.accounts = make(map[string]squadsAccount)
	}
	n.accounts[addr.String()] = squadsAccount{owner: owner, data: data}
}

func (n *fakeSquadsNode) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID     json.RawMessage   `json:"id"`
		Method string            `json:"method"`
		Params []json.RawMessage `json:"params"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	var arg string
	if len(req.Params) > 0 {
		_ = json.Unmarshal(req.Params[0], &arg)
	}

	n.mu.Lock()
	var result interface{}
	switch req.Method {
	case "getLatestBlockhash":
		result = map[string]interface{}{"value": map[string]interface{}{
			"blockhash":            solana.ComputeBudgetProgramID.String(),
			"lastValidBlockHeight": 1200,
		}}
	case "getAccountInfo":
		acc, ok := n.accounts[arg]
		if !ok {
			result = map[string]interface{}{"value": nil}
			break
		}
		result = map[string]interface{}{"value": map[string]interface{}{
			"lamports": 1_000_000,
			"owner":    acc.owner.String(),
			"data":     []string{base64.StdEncoding.EncodeToString(acc.data), "base64"},
		}}
	case "sendTransaction":
		raw, _ := base64.StdEncoding.DecodeString(arg)
		n.sent = append(n.sent, raw)
		sigs, _, _ := solana.UnmarshalTransaction(raw)
		if len(sigs) > 0 {
			result = base58.Encode(sigs[0])
		}
	}
	n.mu.Unlock()

	_ = json.NewEncoder(w).Encode(map[string]interface{}{"jsonrpc": "2.0", "id": req.ID, "result": result})
}

type solOwner struct {
	key  *wallet.KeyPair
	addr string
}

var solanaNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newSolanaEngine(t *testing.T, node *fakeSquadsNode) *SolanaEngine {
	t.Helper()
	srv := httptest.NewServer(node)
	t.Cleanup(srv.Close)
	rpc := backend.NewRPCClient(srv.URL, string(chain.Solana), srv.Client())
	a := solana.New(chain.MustGet(chain.Solana, chain.Mainnet), chain.Mainnet, solana.NewClient(rpc), nil)
	e, err := NewSolanaEngine(a, SolanaEngineConfig{})
	if err != nil {
		t.Fatalf("NewSolanaEngine() error = %v", err)
	}
	e.now = func() time.Time { return solanaNow }
	return e
}

func solanaAccount(t *testing.T, threshold uint64, n int) (*Account, []solOwner) {
	t.Helper()
	acct := &Account{Chain: chain.Solana, Network: chain.Mainnet, Threshold: threshold}
	owners := make([]solOwner, n)
	for i := range owners {
		kp, addr := testKey(t, chain.Solana, chain.Mainnet, chain.AddressSolana, uint32(i))
		owners[i] = solOwner{key: kp, addr: addr}
		acct.Owners = append(acct.Owners, Owner{Address: addr, PubKey: kp.Public, Weight: 1})
	}
	return acct, owners
}

func TestNewSolanaEngineProgram(t *testing.T) {
	a := solana.New(chain.MustGet(chain.Solana, chain.Mainnet), chain.Mainnet, nil, nil)

	tests := []struct {
		name    string
		program string
		want    string
		wantErr bool
	}{
		{"default", "", SquadsProgramID, false},
		{"override", "TokenkegQfeZyiNwAJbNbGKPFXCWuBvf9Ss623VQ5DA", "TokenkegQfeZyiNwAJbNbGKPFXCWuBvf9Ss623VQ5DA", false},
		{"33 bytes", "SQDS4ep65T869zMMBKyuUq6SqTBiezsXUtsMzmfFEPz9", "", true},
		{"not base58", "0OIl", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, err := NewSolanaEngine(a, SolanaEngineConfig{Program: tt.program})
			if tt.wantErr {
				if err == nil {
					t.Error("NewSolanaEngine() should fail")
				}
				return
			}
			if err != nil {
				t.Fatalf("NewSolanaEngine() error = %v", err)
			}
			if got := e.squads.Program.String(); got != tt.want {
				t.Errorf("program = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestSquadsAddresses(t *testing.T) {
	s := Squads{Program: solana.MustPublicKey(SquadsProgramID)}
	createKey := solana.MustPublicKey("TokenkegQfeZyiNwAJbNbGKPFXCWuBvf9Ss623VQ5DA")

	ms, err := s.Multisig(createKey)
	if err != nil {
		t.Fatalf("Multisig() error = %v", err)
	}
	again, _ := s.Multisig(createKey)
	if ms != again {
		t.Errorf("Multisig() is not deterministic: %s, %s", ms, again)
	}

	vault0, _ := s.Vault(ms, 0)
	vault1, _ := s.Vault(ms, 1)
	tx1, _ := s.Transaction(ms, 1)
	tx2, _ := s.Transaction(ms, 2)
	prop1, _ := s.Proposal(ms, 1)
	cfg, _ := s.ProgramConfig()

	seen := make(map[solana.PublicKey]string)
	for name, pk := range map[string]solana.PublicKey{
		"multisig": ms, "vault0": vault0, "vault1": vault1,
		"tx1": tx1, "tx2": tx2, "proposal1": prop1, "config": cfg,
	} {
		if solana.IsOnCurve(pk[:]) {
			t.Errorf("%s %s is on the curve", name, pk)
		}
		if other, dup := seen[pk]; dup {
			t.Errorf("%s and %s share address %s", name, other, pk)
		}
		seen[pk] = name
	}
}

func TestVaultMessageEncoding(t *testing.T) {
	vault := solana.MustPublicKey("ATokenGPvbdGVxr1b2hvZbsiqW5xWH25efTNsLJA8knL")
	to := solana.MustPublicKey("TokenzQdBNbLqP5VEhdkAS6EPFLC1PHnBqCXEpPxuEb")

	msg, b, err := VaultMessage(vault, []solana.Instruction{solana.SystemTransfer(vault, to, 5)})
	if err != nil {
		t.Fatalf("VaultMessage() error = %v", err)
	}
	if len(msg.AccountKeys) != 3 || msg.AccountKeys[0] != vault {
		t.Fatalf("account keys = %v", msg.AccountKeys)
	}
	if len(b) != 120 {
		t.Fatalf("encoded %d bytes, want 120", len(b))
	}
	if !bytes.Equal(b[:4], []byte{1, 1, 1, 3}) {
		t.Errorf("header = %v, want [1 1 1 3]", b[:4])
	}
	if !bytes.Equal(b[4:36], vault[:]) || !bytes.Equal(b[36:68], to[:]) || !bytes.Equal(b[68:100], solana.SystemProgramID[:]) {
		t.Error("account keys are not encoded in message order")
	}
	if !bytes.Equal(b[100:107], []byte{1, 2, 2, 0, 1, 12, 0}) {
		t.Errorf("instruction header = %v", b[100:107])
	}
	if got := binary.LittleEndian.Uint64(b[111:119]); got != 5 {
		t.Errorf("lamports = %d, want 5", got)
	}
	if b[119] != 0 {
		t.Errorf("address table lookups = %d, want 0", b[119])
	}
}

func TestMultisigCreateV2(t *testing.T) {
	s := Squads{Program: solana.MustPublicKey(SquadsProgramID)}
	low := solana.MustPublicKey("11111111111111111111111111111112")
	high := solana.MustPublicKey("TokenzQdBNbLqP5VEhdkAS6EPFLC1PHnBqCXEpPxuEb")
	ck := solana.MustPublicKey("ATokenGPvbdGVxr1b2hvZbsiqW5xWH25efTNsLJA8knL")

	ix, err := s.MultisigCreateV2(solana.SystemProgramID, ck, high, 2,
		[]SquadsMember{{Key: high, Mask: PermissionAll}, {Key: low, Mask: PermissionVote}}, "")
	if err != nil {
		t.Fatalf("MultisigCreateV2() error = %v", err)
	}
	d := ix.Data
	if !bytes.Equal(d[:8], discriminator("multisig_create_v2")) {
		t.Errorf("discriminator = %x", d[:8])
	}
	if d[8] != 0 || binary.LittleEndian.Uint16(d[9:11]) != 2 || binary.LittleEndian.Uint32(d[11:15]) != 2 {
		t.Errorf("config authority %d threshold %d members %d", d[8], binary.LittleEndian.Uint16(d[9:11]), binary.LittleEndian.Uint32(d[11:15]))
	}
	if !bytes.Equal(d[15:47], low[:]) || d[47] != PermissionVote || !bytes.Equal(d[48:80], high[:]) {
		t.Error("members are not sorted by key")
	}
	if len(d) != 87 {
		t.Errorf("data is %d bytes, want 87", len(d))
	}
	if !ix.Accounts[3].IsSigner || ix.Accounts[3].PublicKey != ck {
		t.Errorf("create key account = %+v", ix.Accounts[3])
	}
}

func TestSolanaMultisigFlow(t *testing.T) {
	node := &fakeSquadsNode{}
	e := newSolanaEngine(t, node)
	ctx := context.Background()

	acct, owners := solanaAccount(t, 2, 3)
	vault, err := e.FetchAddress(ctx, &DeployParams{Account: acct, Deployer: owners[0].key})
	if err != nil {
		t.Fatalf("FetchAddress() error = %v", err)
	}
	ms := solana.MustPublicKey(acct.Extra["multisig"])
	want, _ := e.squads.Vault(ms, 0)
	if vault != want.String() || acct.Extra["create_key"] == "" {
		t.Errorf("vault = %s, want %s (extra %v)", vault, want, acct.Extra)
	}
	acct.Address = vault

	// Deploying before the program config is readable fails without sending.
	if _, err := e.Deploy(ctx, &DeployParams{Account: acct, Deployer: owners[0].key}); errs.CodeOf(err) != errs.CodeNotOnChain {
		t.Fatalf("Deploy(no program config) error = %v", err)
	}

	cfgAddr, _ := e.squads.ProgramConfig()
	cfgData := make([]byte, programConfigTreasuryOffset+32)
	treasury := solana.MustPublicKey(owners[2].addr)
	copy(cfgData[programConfigTreasuryOffset:], treasury[:])
	node.setAccount(cfgAddr, e.squads.Program, cfgData)

	dep, err := e.Deploy(ctx, &DeployParams{Account: acct, Deployer: owners[0].key})
	if err != nil {
		t.Fatalf("Deploy() error = %v", err)
	}
	if dep.Address != vault || len(node.sent) != 1 {
		t.Fatalf("Deploy() = %+v, sent %d", dep, len(node.sent))
	}
	sigs, raw, err := solana.UnmarshalTransaction(node.sent[0])
	if err != nil {
		t.Fatalf("UnmarshalTransaction() error = %v", err)
	}
	msg, err := solana.UnmarshalMessage(raw)
	if err != nil {
		t.Fatalf("UnmarshalMessage() error = %v", err)
	}
	if len(sigs) != 2 || msg.Signers()[1].String() != acct.Extra["create_key"] {
		t.Fatalf("deploy signers = %v", msg.Signers())
	}
	for i, k := range msg.Signers() {
		if !ed25519.Verify(k[:], raw, sigs[i]) {
			t.Errorf("deploy signature %d does not verify", i)
		}
	}

	msData := make([]byte, multisigTxIndexOffset+8+64)
	binary.LittleEndian.PutUint64(msData[multisigTxIndexOffset:], 4)
	node.setAccount(ms, e.squads.Program, msData)

	prop, err := e.BuildTx(ctx, &TxParams{
		Account:   acct,
		To:        owners[2].addr,
		Amount:    big.NewInt(1_000_000),
		Proposer:  owners[0].addr,
		Approvers: []string{owners[1].addr},
	})
	if err != nil {
		t.Fatalf("BuildTx() error = %v", err)
	}
	if prop.Meta["transaction_index"] != "5" || prop.Meta["approvers"] != owners[0].addr+","+owners[1].addr {
		t.Errorf("meta = %v", prop.Meta)
	}
	if !prop.ExpiresAt.Equal(solanaNow.Add(SolanaBlockhashLifetime)) {
		t.Errorf("ExpiresAt = %s", prop.ExpiresAt)
	}
	built, err := solana.UnmarshalMessage(prop.Payload)
	if err != nil {
		t.Fatalf("UnmarshalMessage() error = %v", err)
	}
	if len(built.Signers()) != 2 || built.Signers()[0].String() != owners[0].addr {
		t.Fatalf("signers = %v", built.Signers())
	}
	// compute limit, create, propose, two approvals, execute
	if len(built.Instructions) != 6 {
		t.Errorf("message has %d instructions, want 6", len(built.Instructions))
	}

	collected := make(map[string]*PartialSig)
	for _, o := range owners[:2] {
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
		collected[o.addr] = sig
	}

	if _, err := e.SignTx(prop.Payload, owners[2].key); errs.CodeOf(err) != errs.CodeInvalidAddress {
		t.Errorf("SignTx(non-approver) error = %v", err)
	}
	stranger := &PartialSig{Signer: owners[2].addr, Signature: collected[owners[0].addr].Signature}
	if err := e.VerifySig(prop.Payload, stranger); errs.CodeOf(err) != errs.CodeInvalidAddress {
		t.Errorf("VerifySig(non-approver) error = %v", err)
	}
	swapped := &PartialSig{Signer: owners[1].addr, Signature: collected[owners[0].addr].Signature}
	if err := e.VerifySig(prop.Payload, swapped); errs.CodeOf(err) != errs.CodeInvalidPayload {
		t.Errorf("VerifySig(swapped) error = %v", err)
	}

	partial := &Transaction{Payload: prop.Payload, Signatures: map[string]*PartialSig{owners[0].addr: collected[owners[0].addr]}}
	if _, err := e.ExecTx(ctx, &ExecParams{Account: acct, Tx: partial}); errs.CodeOf(err) != errs.CodeThreshold {
		t.Fatalf("ExecTx(missing approver) error = %v", err)
	}

	hash, err := e.ExecTx(ctx, &ExecParams{Account: acct, Tx: &Transaction{Payload: prop.Payload, Signatures: collected}})
	if err != nil {
		t.Fatalf("ExecTx() error = %v", err)
	}
	if len(node.sent) != 2 || hash != base58.Encode(collected[owners[0].addr].Signature) {
		t.Errorf("ExecTx() = %s, sent %d", hash, len(node.sent))
	}
}

func TestSolanaApprovers(t *testing.T) {
	e := newSolanaEngine(t, &fakeSquadsNode{})
	acct, owners := solanaAccount(t, 3, 3)

	tests := []struct {
		name      string
		approvers []string
		code      errs.Code
	}{
		{"below threshold", []string{owners[1].addr}, errs.CodeThreshold},
		{"non-owner", []string{"11111111111111111111111111111112"}, errs.CodeInvalidAddress},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := e.BuildTx(context.Background(), &TxParams{
				Account:   acct,
				To:        owners[2].addr,
				Amount:    big.NewInt(1),
				Proposer:  owners[0].addr,
				Approvers: tt.approvers,
			})
			if errs.CodeOf(err) != tt.code {
				t.Errorf("BuildTx() error = %v, want code %d", err, tt.code)
			}
		})
	}

	all, err := e.approvers(&TxParams{Account: acct, Proposer: owners[2].addr})
	if err != nil {
		t.Fatalf("approvers() error = %v", err)
	}
	if len(all) != 3 || all[0].String() != owners[2].addr {
		t.Errorf("approvers() = %v, want the proposer first then every owner once", all)
	}
}

func TestSolanaRejectsWeights(t *testing.T) {
	e := newSolanaEngine(t, &fakeSquadsNode{})
	acct, owners := solanaAccount(t, 2, 2)
	acct.Owners[1].Weight = 2

	if _, err := e.FetchAddress(context.Background(), &DeployParams{Account: acct, Deployer: owners[0].key}); errs.CodeOf(err) != errs.CodeUnsupported {
		t.Errorf("FetchAddress(weighted) error = %v", err)
	}
}
