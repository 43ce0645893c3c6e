package multisig

import (
	"bytes"
	"context"
	"fmt"
	"math/big"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/Klingon-tech/klingvault/internal/adapter"
	"github.com/Klingon-tech/klingvault/internal/adapter/evm"
	"github.com/Klingon-tech/klingvault/internal/address"
	"github.com/Klingon-tech/klingvault/internal/chain"
	"github.com/Klingon-tech/klingvault/internal/contracts/vaultwallet"
	"github.com/Klingon-tech/klingvault/internal/errs"
	"github.com/Klingon-tech/klingvault/internal/wallet"
	"github.com/Klingon-tech/klingvault/pkg/helpers"
	"github.com/Klingon-tech/klingvault/pkg/logging"
)

// EVMEngineConfig locates the wallet factory. An empty InitCodeHash is read
// from the factory on first use.
type EVMEngineConfig struct {
	Factory      string
	InitCodeHash string
}

// EVMEngine implements weighted multisig wallets deployed through a CREATE2
// factory. Owners sign an EIP-191 hash of the call; the wallet checks the
// signatures in ascending signer order.
type EVMEngine struct {
	adapter *evm.Adapter
	code    chain.Code
	log     *logging.Logger

	factory common.Address

	mu           sync.Mutex
	initCodeHash common.Hash
}

// NewEVMEngine creates an engine on top of an EVM adapter.
func NewEVMEngine(a *evm.Adapter, cfg EVMEngineConfig) (*EVMEngine, error) {
	e := &EVMEngine{
		adapter: a,
		code:    a.Chain(),
		log:     logging.GetDefault().Component("multisig-evm").With("chain", a.Chain()),
	}
	if cfg.Factory != "" {
		if !common.IsHexAddress(cfg.Factory) {
			return nil, errs.Newf(errs.CodeInvalidAddress, "evm.multisig", "invalid factory address %q", cfg.Factory)
		}
		e.factory = common.HexToAddress(cfg.Factory)
	}
	if cfg.InitCodeHash != "" {
		b, err := helpers.HexToFixed(cfg.InitCodeHash, common.HashLength)
		if err != nil {
			return nil, errs.Newf(errs.CodeInvalidPayload, "evm.multisig", "invalid init code hash %q", cfg.InitCodeHash)
		}
		e.initCodeHash = common.BytesToHash(b)
	}
	return e, nil
}

func (e *EVMEngine) hash(ctx context.Context, factory common.Address) (common.Hash, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.initCodeHash != (common.Hash{}) {
		return e.initCodeHash, nil
	}
	h, err := vaultwallet.WalletInitCodeHash(ctx, e.adapter.Client(), factory)
	if err != nil {
		return common.Hash{}, errs.Network(string(e.code), "evm.multisig.init_code_hash", err)
	}
	e.initCodeHash = h
	return h, nil
}

// walletConfig resolves the factory, owners, weights and salt of acct. The
// salt defaults to the hash of the deployer address so the same deployer
// and owner set always map to the same wallet.
func (e *EVMEngine) walletConfig(p *DeployParams) (common.Address, *vaultwallet.Config, error) {
	const op = "evm.multisig.config"
	acct := p.Account

	factory := e.factory
	if f := acct.Extra["factory"]; f != "" {
		if !common.IsHexAddress(f) {
			return common.Address{}, nil, errs.Newf(errs.CodeInvalidAddress, op, "invalid factory address %q", f)
		}
		factory = common.HexToAddress(f)
	}
	if factory == (common.Address{}) {
		return common.Address{}, nil, errs.Chain(errs.CodeUnsupported, string(e.code), op, fmt.Errorf("no multisig factory configured"))
	}

	cfg := &vaultwallet.Config{Threshold: new(big.Int).SetUint64(acct.Threshold)}
	for _, o := range acct.Owners {
		if !common.IsHexAddress(o.Address) {
			return common.Address{}, nil, errs.Newf(errs.CodeInvalidAddress, op, "invalid owner %q", o.Address).WithAddress(o.Address)
		}
		cfg.Owners = append(cfg.Owners, common.HexToAddress(o.Address))
		cfg.Weights = append(cfg.Weights, new(big.Int).SetUint64(o.Weight))
	}

	switch salt := acct.Extra["salt"]; {
	case salt != "":
		b, err := helpers.HexToFixed(salt, 32)
		if err != nil {
			return common.Address{}, nil, errs.Newf(errs.CodeInvalidPayload, op, "invalid salt %q", salt)
		}
		copy(cfg.Salt[:], b)
	case p.Deployer != nil:
		pub, err := p.Deployer.ECPubKey()
		if err != nil {
			return common.Address{}, nil, err
		}
		cfg.Salt = crypto.Keccak256Hash(address.EVMAddress(pub).Bytes())
	}
	return factory, cfg, nil
}

// FetchAddress computes the CREATE2 address of the wallet.
func (e *EVMEngine) FetchAddress(ctx context.Context, p *DeployParams) (string, error) {
	factory, cfg, err := e.walletConfig(p)
	if err != nil {
		return "", err
	}
	initHash, err := e.hash(ctx, factory)
	if err != nil {
		return "", err
	}
	addr, err := vaultwallet.ComputeAddress(factory, initHash, cfg)
	if err != nil {
		return "", errs.Parse(errs.CodeInvalidPayload, "evm.multisig.address", err)
	}

	p.Account.AddressType = chain.AddressEVM
	p.Account.SetExtra("factory", factory.Hex())
	p.Account.SetExtra("salt", common.Hash(cfg.Salt).Hex())
	return addr.Hex(), nil
}

// Deploy calls createMultisig on the factory, paid by the deployer.
func (e *EVMEngine) Deploy(ctx context.Context, p *DeployParams) (*Deployment, error) {
	const op = "evm.multisig.deploy"
	if p.Deployer == nil {
		return nil, errs.Newf(errs.CodeInvalidPayload, op, "deployer key required")
	}
	addr, err := e.FetchAddress(ctx, p)
	if err != nil {
		return nil, err
	}
	factory, cfg, err := e.walletConfig(p)
	if err != nil {
		return nil, err
	}
	data, err := vaultwallet.PackCreateMultisig(cfg)
	if err != nil {
		return nil, errs.Parse(errs.CodeInvalidPayload, op, err)
	}

	hash, err := e.send(ctx, p.Deployer, factory, data)
	if err != nil {
		return nil, err
	}
	e.log.Info("Deployed multisig wallet", "address", addr, "txhash", hash)
	return &Deployment{Address: addr, TxHash: hash}, nil
}

// send builds, signs and broadcasts a zero value contract call from key.
func (e *EVMEngine) send(ctx context.Context, key *wallet.KeyPair, to common.Address, data []byte) (string, error) {
	pub, err := key.ECPubKey()
	if err != nil {
		return "", err
	}
	unsigned, err := e.adapter.BuildUnsigned(ctx, &adapter.TransferParams{
		From:   address.EVMAddress(pub).Hex(),
		To:     to.Hex(),
		Amount: new(big.Int),
		Data:   data,
	})
	if err != nil {
		return "", err
	}
	signed, err := e.adapter.Sign(unsigned, key)
	if err != nil {
		return "", err
	}
	return e.adapter.Broadcast(ctx, signed)
}

// BuildTx encodes a wallet call at the wallet's current nonce.
func (e *EVMEngine) BuildTx(ctx context.Context, p *TxParams) (*Proposal, error) {
	const op = "evm.multisig.build"
	acct := p.Account
	if !common.IsHexAddress(acct.Address) {
		return nil, errs.Newf(errs.CodeInvalidAddress, op, "invalid wallet %q", acct.Address)
	}
	if !common.IsHexAddress(p.To) {
		return nil, errs.Newf(errs.CodeInvalidAddress, op, "invalid recipient %q", p.To).WithAddress(p.To)
	}
	if p.Amount == nil || p.Amount.Sign() < 0 {
		return nil, errs.Newf(errs.CodeInvalidAmount, op, "invalid amount %v", p.Amount)
	}

	call := &vaultwallet.Call{
		ChainID: e.adapter.ChainID(),
		Wallet:  common.HexToAddress(acct.Address),
		To:      common.HexToAddress(p.To),
		Value:   new(big.Int).Set(p.Amount),
		Data:    p.Data,
	}
	if p.Token != "" {
		if !common.IsHexAddress(p.Token) {
			return nil, errs.Newf(errs.CodeInvalidAddress, op, "invalid token %q", p.Token)
		}
		data, err := evm.EncodeTransfer(call.To, p.Amount)
		if err != nil {
			return nil, err
		}
		call.To = common.HexToAddress(p.Token)
		call.Value = new(big.Int)
		call.Data = data
	}

	nonce, err := vaultwallet.Nonce(ctx, e.adapter.Client(), call.Wallet)
	if err != nil {
		return nil, errs.Network(string(e.code), "evm.multisig.nonce", err)
	}
	call.Nonce = nonce

	payload, err := call.Encode()
	if err != nil {
		return nil, errs.Parse(errs.CodeInvalidPayload, op, err)
	}
	digest, err := call.Digest()
	if err != nil {
		return nil, err
	}

	prop := &Proposal{Payload: payload}
	prop.SetMeta("nonce", nonce.String())
	prop.SetMeta("to", call.To.Hex())
	prop.SetMeta("value", call.Value.String())
	prop.SetMeta("digest", digest.Hex())
	if p.Token != "" {
		prop.SetMeta("token", p.Token)
		prop.SetMeta("recipient", p.To)
		prop.SetMeta("amount", p.Amount.String())
	}
	return prop, nil
}

// SignTx returns a 65-byte signature with v in {27, 28}.
func (e *EVMEngine) SignTx(payload []byte, key *wallet.KeyPair) (*PartialSig, error) {
	call, err := vaultwallet.DecodeCall(payload)
	if err != nil {
		return nil, errs.Parse(errs.CodeInvalidPayload, "evm.multisig.sign", err)
	}
	hash, err := call.SigningHash()
	if err != nil {
		return nil, err
	}
	priv, err := crypto.ToECDSA(key.Private)
	if err != nil {
		return nil, fmt.Errorf("invalid signing key: %w", err)
	}
	sig, err := crypto.Sign(hash, priv)
	if err != nil {
		return nil, fmt.Errorf("failed to sign: %w", err)
	}
	sig[crypto.RecoveryIDOffset] += 27

	return &PartialSig{
		Signer:    crypto.PubkeyToAddress(priv.PublicKey).Hex(),
		PubKey:    crypto.CompressPubkey(&priv.PublicKey),
		Signature: sig,
	}, nil
}

// VerifySig recovers the signer and compares it with sig.Signer.
func (e *EVMEngine) VerifySig(payload []byte, sig *PartialSig) error {
	const op = "evm.multisig.verify"
	if !common.IsHexAddress(sig.Signer) {
		return errs.Newf(errs.CodeInvalidAddress, op, "invalid signer %q", sig.Signer)
	}
	signer, err := recoverSigner(payload, sig.Signature)
	if err != nil {
		return errs.Parse(errs.CodeInvalidPayload, op, err)
	}
	if signer != common.HexToAddress(sig.Signer) {
		return errs.Newf(errs.CodeInvalidPayload, op, "signature recovers %s, not %s", signer.Hex(), sig.Signer)
	}
	return nil
}

func recoverSigner(payload, sig []byte) (common.Address, error) {
	if len(sig) != crypto.SignatureLength {
		return common.Address{}, fmt.Errorf("signature is %d bytes", len(sig))
	}
	call, err := vaultwallet.DecodeCall(payload)
	if err != nil {
		return common.Address{}, err
	}
	hash, err := call.SigningHash()
	if err != nil {
		return common.Address{}, err
	}
	rsv := append([]byte(nil), sig...)
	if rsv[crypto.RecoveryIDOffset] >= 27 {
		rsv[crypto.RecoveryIDOffset] -= 27
	}
	pub, err := crypto.SigToPub(hash, rsv)
	if err != nil {
		return common.Address{}, err
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// ExecTx submits execute with signatures sorted by signer address. The
// submitter pays gas.
func (e *EVMEngine) ExecTx(ctx context.Context, p *ExecParams) (string, error) {
	const op = "evm.multisig.exec"
	if p.Submitter == nil {
		return "", errs.Newf(errs.CodeInvalidPayload, op, "submitter key required")
	}
	call, err := vaultwallet.DecodeCall(p.Tx.Payload)
	if err != nil {
		return "", errs.Parse(errs.CodeInvalidPayload, op, err)
	}

	nonce, err := vaultwallet.Nonce(ctx, e.adapter.Client(), call.Wallet)
	if err != nil {
		return "", errs.Network(string(e.code), "evm.multisig.nonce", err)
	}
	if nonce.Cmp(call.Nonce) != 0 {
		return "", errs.Chain(errs.CodeRejected, string(e.code), op,
			fmt.Errorf("wallet nonce is %s, transaction was built for %s", nonce, call.Nonce))
	}

	sigs := p.orderedSigs()
	sort.Slice(sigs, func(i, j int) bool {
		return bytes.Compare(common.HexToAddress(sigs[i].Signer).Bytes(), common.HexToAddress(sigs[j].Signer).Bytes()) < 0
	})
	raw := make([][]byte, len(sigs))
	for i, s := range sigs {
		raw[i] = s.Signature
	}

	data, err := vaultwallet.PackExecute(call, raw)
	if err != nil {
		return "", errs.Parse(errs.CodeInvalidPayload, op, err)
	}
	hash, err := e.send(ctx, p.Submitter, call.Wallet, data)
	if err != nil {
		return "", err
	}
	e.log.Info("Executed multisig transaction", "wallet", call.Wallet.Hex(), "nonce", call.Nonce, "signatures", len(raw), "txhash", hash)
	return hash, nil
}
