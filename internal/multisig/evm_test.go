package multisig

import (
	"bytes"
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/Klingon-tech/klingvault/internal/adapter/evm"
	"github.com/Klingon-tech/klingvault/internal/chain"
	"github.com/Klingon-tech/klingvault/internal/contracts/vaultwallet"
	"github.com/Klingon-tech/klingvault/internal/errs"
	"github.com/Klingon-tech/klingvault/internal/wallet"
)

const (
	testFactory   = "0x00000000000000000000000000000000000000f1"
	testRecipient = "0x2222222222222222222222222222222222222222"
	testToken     = "0x1111111111111111111111111111111111111111"
)

var testInitCodeHash = crypto.Keccak256Hash([]byte("wallet init code"))

// fakeEVMClient answers the factory and wallet reads and records sent
// transactions.
type fakeEVMClient struct {
	mu         sync.Mutex
	nonce      int64
	hashReads  int
	sent       []*types.Transaction
	callFailed bool
}

func (f *fakeEVMClient) PendingNonceAt(context.Context, common.Address) (uint64, error) {
	return 0, nil
}
func (f *fakeEVMClient) SuggestGasPrice(context.Context) (*big.Int, error) {
	return big.NewInt(1_000_000_000), nil
}
func (f *fakeEVMClient) SuggestGasTipCap(context.Context) (*big.Int, error) {
	return big.NewInt(1_000_000_000), nil
}
func (f *fakeEVMClient) FeeHistory(context.Context, uint64, *big.Int, []float64) (*ethereum.FeeHistory, error) {
	return &ethereum.FeeHistory{BaseFee: []*big.Int{big.NewInt(10_000_000_000)}}, nil
}
func (f *fakeEVMClient) EstimateGas(context.Context, ethereum.CallMsg) (uint64, error) {
	return 100_000, nil
}
func (f *fakeEVMClient) BalanceAt(context.Context, common.Address, *big.Int) (*big.Int, error) {
	return new(big.Int), nil
}
func (f *fakeEVMClient) TransactionReceipt(context.Context, common.Hash) (*types.Receipt, error) {
	return nil, ethereum.NotFound
}
func (f *fakeEVMClient) BlockNumber(context.Context) (uint64, error) { return 1, nil }

func (f *fakeEVMClient) SendTransaction(_ context.Context, tx *types.Transaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, tx)
	return nil
}

func (f *fakeEVMClient) CallContract(_ context.Context, msg ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.callFailed {
		return nil, errors.New("connection refused")
	}
	factoryABI, _ := vaultwallet.FactoryMetaData.GetAbi()
	walletABI, _ := vaultwallet.WalletMetaData.GetAbi()
	switch {
	case bytes.HasPrefix(msg.Data, factoryABI.Methods["walletInitCodeHash"].ID):
		f.hashReads++
		return factoryABI.Methods["walletInitCodeHash"].Outputs.Pack([32]byte(testInitCodeHash))
	case bytes.HasPrefix(msg.Data, walletABI.Methods["nonce"].ID):
		return walletABI.Methods["nonce"].Outputs.Pack(big.NewInt(f.nonce))
	}
	return nil, errors.New("execution reverted")
}

type evmOwner struct {
	key  *wallet.KeyPair
	addr string
}

func newEVMEngine(t *testing.T, fc *fakeEVMClient, cfg EVMEngineConfig) *EVMEngine {
	t.Helper()
	params := chain.MustGet(chain.Ethereum, chain.Testnet)
	e, err := NewEVMEngine(evm.New(params, chain.Testnet, fc), cfg)
	if err != nil {
		t.Fatalf("NewEVMEngine() error = %v", err)
	}
	return e
}

func evmAccount(t *testing.T, threshold uint64, weights ...uint64) (*Account, []evmOwner) {
	t.Helper()
	acct := &Account{Chain: chain.Ethereum, Network: chain.Testnet, Threshold: threshold}
	owners := make([]evmOwner, len(weights))
	for i, w := range weights {
		kp, addr := testKey(t, chain.Ethereum, chain.Testnet, "", uint32(i))
		owners[i] = evmOwner{key: kp, addr: addr}
		acct.Owners = append(acct.Owners, Owner{Address: addr, PubKey: kp.Public, Weight: w})
	}
	return acct, owners
}

func TestNewEVMEngineRejectsConfig(t *testing.T) {
	params := chain.MustGet(chain.Ethereum, chain.Testnet)
	a := evm.New(params, chain.Testnet, &fakeEVMClient{})

	tests := []struct {
		name string
		cfg  EVMEngineConfig
		code errs.Code
	}{
		{"bad factory", EVMEngineConfig{Factory: "0x1234"}, errs.CodeInvalidAddress},
		{"short hash", EVMEngineConfig{Factory: testFactory, InitCodeHash: "0xabcd"}, errs.CodeInvalidPayload},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewEVMEngine(a, tt.cfg); errs.CodeOf(err) != tt.code {
				t.Errorf("NewEVMEngine() error = %v, want code %d", err, tt.code)
			}
		})
	}
}

func TestEVMFetchAddress(t *testing.T) {
	fc := &fakeEVMClient{}
	e := newEVMEngine(t, fc, EVMEngineConfig{Factory: testFactory})
	ctx := context.Background()

	acct, owners := evmAccount(t, 3, 2, 1, 1)
	addr, err := e.FetchAddress(ctx, &DeployParams{Account: acct, Deployer: owners[0].key})
	if err != nil {
		t.Fatalf("FetchAddress() error = %v", err)
	}

	cfg := &vaultwallet.Config{
		Threshold: big.NewInt(3),
		Salt:      crypto.Keccak256Hash(common.HexToAddress(owners[0].addr).Bytes()),
	}
	for _, o := range acct.Owners {
		cfg.Owners = append(cfg.Owners, common.HexToAddress(o.Address))
		cfg.Weights = append(cfg.Weights, new(big.Int).SetUint64(o.Weight))
	}
	want, err := vaultwallet.ComputeAddress(common.HexToAddress(testFactory), testInitCodeHash, cfg)
	if err != nil {
		t.Fatalf("ComputeAddress() error = %v", err)
	}
	if addr != want.Hex() {
		t.Errorf("FetchAddress() = %s, want %s", addr, want.Hex())
	}
	if acct.AddressType != chain.AddressEVM || acct.Extra["salt"] != common.Hash(cfg.Salt).Hex() {
		t.Errorf("account type %s extra %v", acct.AddressType, acct.Extra)
	}

	// The stored salt pins the address without a deployer.
	again, err := e.FetchAddress(ctx, &DeployParams{Account: acct})
	if err != nil {
		t.Fatalf("FetchAddress() error = %v", err)
	}
	if again != addr {
		t.Errorf("FetchAddress(stored salt) = %s, want %s", again, addr)
	}
	if fc.hashReads != 1 {
		t.Errorf("init code hash read %d times, want 1", fc.hashReads)
	}

	other, _ := evmAccount(t, 3, 2, 1, 1)
	moved, err := e.FetchAddress(ctx, &DeployParams{Account: other, Deployer: owners[1].key})
	if err != nil {
		t.Fatalf("FetchAddress() error = %v", err)
	}
	if moved == addr {
		t.Error("another deployer maps to the same wallet")
	}
}

func TestEVMFetchAddressErrors(t *testing.T) {
	ctx := context.Background()

	acct, owners := evmAccount(t, 1, 1)
	e := newEVMEngine(t, &fakeEVMClient{}, EVMEngineConfig{})
	if _, err := e.FetchAddress(ctx, &DeployParams{Account: acct, Deployer: owners[0].key}); errs.CodeOf(err) != errs.CodeUnsupported {
		t.Errorf("FetchAddress(no factory) error = %v", err)
	}

	down := newEVMEngine(t, &fakeEVMClient{callFailed: true}, EVMEngineConfig{Factory: testFactory})
	if _, err := down.FetchAddress(ctx, &DeployParams{Account: acct, Deployer: owners[0].key}); !errs.IsNetworkError(err) {
		t.Errorf("FetchAddress(node down) error = %v, want a network error", err)
	}

	bad, _ := evmAccount(t, 1, 1)
	bad.Owners[0].Address = "TJRabPrwbZy45sbavfcjinPJC18kjpRTv8"
	if _, err := e.FetchAddress(ctx, &DeployParams{Account: bad}); errs.CodeOf(err) == 0 {
		t.Error("FetchAddress() accepted a non-EVM owner")
	}
}

func TestEVMDeploy(t *testing.T) {
	fc := &fakeEVMClient{}
	e := newEVMEngine(t, fc, EVMEngineConfig{Factory: testFactory, InitCodeHash: testInitCodeHash.Hex()})
	acct, owners := evmAccount(t, 2, 1, 1, 1)

	dep, err := e.Deploy(context.Background(), &DeployParams{Account: acct, Deployer: owners[2].key})
	if err != nil {
		t.Fatalf("Deploy() error = %v", err)
	}
	if fc.hashReads != 0 {
		t.Errorf("configured init code hash was read from chain %d times", fc.hashReads)
	}
	if len(fc.sent) != 1 {
		t.Fatalf("sent %d transactions, want 1", len(fc.sent))
	}
	tx := fc.sent[0]
	if *tx.To() != common.HexToAddress(testFactory) {
		t.Errorf("deploy sent to %s, want the factory", tx.To().Hex())
	}
	factoryABI, _ := vaultwallet.FactoryMetaData.GetAbi()
	if !bytes.HasPrefix(tx.Data(), factoryABI.Methods["createMultisig"].ID) {
		t.Errorf("deploy data %x does not call createMultisig", tx.Data()[:4])
	}
	if dep.TxHash != tx.Hash().Hex() || dep.Address == "" {
		t.Errorf("Deploy() = %+v", dep)
	}

	if _, err := e.Deploy(context.Background(), &DeployParams{Account: acct}); errs.CodeOf(err) != errs.CodeInvalidPayload {
		t.Errorf("Deploy(no deployer) error = %v", err)
	}
}

func TestEVMSignVerifyExecute(t *testing.T) {
	fc := &fakeEVMClient{nonce: 7}
	e := newEVMEngine(t, fc, EVMEngineConfig{Factory: testFactory, InitCodeHash: testInitCodeHash.Hex()})
	ctx := context.Background()

	acct, owners := evmAccount(t, 2, 1, 1, 1)
	addr, err := e.FetchAddress(ctx, &DeployParams{Account: acct, Deployer: owners[0].key})
	if err != nil {
		t.Fatalf("FetchAddress() error = %v", err)
	}
	acct.Address = addr

	prop, err := e.BuildTx(ctx, &TxParams{Account: acct, To: testRecipient, Amount: big.NewInt(1e15)})
	if err != nil {
		t.Fatalf("BuildTx() error = %v", err)
	}
	if prop.Meta["nonce"] != "7" {
		t.Errorf("nonce = %s, want 7", prop.Meta["nonce"])
	}
	call, err := vaultwallet.DecodeCall(prop.Payload)
	if err != nil {
		t.Fatalf("DecodeCall() error = %v", err)
	}
	if call.Wallet != common.HexToAddress(addr) || call.ChainID.Uint64() != 11155111 {
		t.Errorf("call = %+v", call)
	}

	sigs := make(map[string]*PartialSig)
	for _, o := range []evmOwner{owners[2], owners[0]} {
		sig, err := e.SignTx(prop.Payload, o.key)
		if err != nil {
			t.Fatalf("SignTx() error = %v", err)
		}
		if sig.Signer != o.addr {
			t.Errorf("signer = %s, want %s", sig.Signer, o.addr)
		}
		if v := sig.Signature[64]; v != 27 && v != 28 {
			t.Errorf("v = %d, want 27 or 28", v)
		}
		if err := e.VerifySig(prop.Payload, sig); err != nil {
			t.Fatalf("VerifySig() error = %v", err)
		}
		sigs[o.addr] = sig
	}

	forged := &PartialSig{Signer: owners[1].addr, Signature: sigs[owners[0].addr].Signature}
	if err := e.VerifySig(prop.Payload, forged); errs.CodeOf(err) != errs.CodeInvalidPayload {
		t.Errorf("VerifySig(forged) error = %v", err)
	}

	tx := &Transaction{Payload: prop.Payload, Signatures: sigs}
	if _, err := e.ExecTx(ctx, &ExecParams{Account: acct, Tx: tx}); errs.CodeOf(err) != errs.CodeInvalidPayload {
		t.Fatalf("ExecTx(no submitter) error = %v", err)
	}

	hash, err := e.ExecTx(ctx, &ExecParams{Account: acct, Tx: tx, Submitter: owners[1].key})
	if err != nil {
		t.Fatalf("ExecTx() error = %v", err)
	}
	if len(fc.sent) != 1 || fc.sent[0].Hash().Hex() != hash {
		t.Fatalf("sent %d transactions, want 1 with hash %s", len(fc.sent), hash)
	}
	sent := fc.sent[0]
	if *sent.To() != common.HexToAddress(addr) {
		t.Errorf("execute sent to %s, want the wallet", sent.To().Hex())
	}

	walletABI, _ := vaultwallet.WalletMetaData.GetAbi()
	args, err := walletABI.Methods["execute"].Inputs.Unpack(sent.Data()[4:])
	if err != nil {
		t.Fatalf("Unpack() error = %v", err)
	}
	if args[0].(common.Address) != common.HexToAddress(testRecipient) || args[1].(*big.Int).Cmp(big.NewInt(1e15)) != 0 {
		t.Errorf("execute args = %v", args[:2])
	}
	packed := args[3].([][]byte)
	if len(packed) != 2 {
		t.Fatalf("execute carries %d signatures, want 2", len(packed))
	}
	var prev common.Address
	for i, s := range packed {
		signer, err := recoverSigner(prop.Payload, s)
		if err != nil {
			t.Fatalf("recoverSigner() error = %v", err)
		}
		if i > 0 && bytes.Compare(prev.Bytes(), signer.Bytes()) >= 0 {
			t.Errorf("signatures not in ascending signer order: %s then %s", prev.Hex(), signer.Hex())
		}
		prev = signer
	}
}

func TestEVMExecuteStaleNonce(t *testing.T) {
	fc := &fakeEVMClient{nonce: 3}
	e := newEVMEngine(t, fc, EVMEngineConfig{Factory: testFactory, InitCodeHash: testInitCodeHash.Hex()})
	ctx := context.Background()

	acct, owners := evmAccount(t, 1, 1)
	addr, err := e.FetchAddress(ctx, &DeployParams{Account: acct, Deployer: owners[0].key})
	if err != nil {
		t.Fatalf("FetchAddress() error = %v", err)
	}
	acct.Address = addr

	prop, err := e.BuildTx(ctx, &TxParams{Account: acct, To: testRecipient, Amount: big.NewInt(5), Token: testToken})
	if err != nil {
		t.Fatalf("BuildTx() error = %v", err)
	}
	if prop.Meta["to"] != common.HexToAddress(testToken).Hex() || prop.Meta["value"] != "0" || prop.Meta["recipient"] != testRecipient {
		t.Errorf("token meta = %v", prop.Meta)
	}
	sig, err := e.SignTx(prop.Payload, owners[0].key)
	if err != nil {
		t.Fatalf("SignTx() error = %v", err)
	}

	fc.mu.Lock()
	fc.nonce = 4
	fc.mu.Unlock()

	tx := &Transaction{Payload: prop.Payload, Signatures: map[string]*PartialSig{owners[0].addr: sig}}
	if _, err := e.ExecTx(ctx, &ExecParams{Account: acct, Tx: tx, Submitter: owners[0].key}); errs.CodeOf(err) != errs.CodeRejected {
		t.Errorf("ExecTx(stale nonce) error = %v", err)
	}
	if len(fc.sent) != 0 {
		t.Errorf("sent %d transactions after a nonce mismatch", len(fc.sent))
	}
}
