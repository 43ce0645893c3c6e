package multisig

import (
	"context"
	"encoding/hex"
	"fmt"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/Klingon-tech/klingvault/internal/adapter"
	"github.com/Klingon-tech/klingvault/internal/adapter/evm"
	"github.com/Klingon-tech/klingvault/internal/adapter/tron"
	"github.com/Klingon-tech/klingvault/internal/address"
	"github.com/Klingon-tech/klingvault/internal/chain"
	"github.com/Klingon-tech/klingvault/internal/errs"
	"github.com/Klingon-tech/klingvault/internal/wallet"
	"github.com/Klingon-tech/klingvault/pkg/logging"
)

const (
	// MultisigPermissionID is the active permission that holds the owner set.
	MultisigPermissionID = 2

	// TronMaxPermissionKeys is the network's default TotalSignNum.
	TronMaxPermissionKeys = 5

	// TronMultisigExpiration keeps raw_data inside the 24h window the node
	// accepts after the reference block.
	TronMultisigExpiration = 23 * time.Hour

	// TronTokenFeeLimit caps energy burnt by a TRC20 transfer, in sun.
	TronTokenFeeLimit = 100_000_000
)

// TronEngine implements multisig accounts as an account permission update:
// owner and active permission id 2 both require the owners' threshold.
type TronEngine struct {
	adapter *tron.Adapter
	code    chain.Code
	log     *logging.Logger
	now     func() time.Time
}

// NewTronEngine creates an engine on top of a TRON adapter.
func NewTronEngine(a *tron.Adapter) *TronEngine {
	return &TronEngine{
		adapter: a,
		code:    a.Chain(),
		log:     logging.GetDefault().Component("multisig-tron").With("chain", a.Chain()),
		now:     time.Now,
	}
}

// FetchAddress returns the deployer's account, which the permission update
// turns into the multisig account.
func (e *TronEngine) FetchAddress(ctx context.Context, p *DeployParams) (string, error) {
	const op = "tron.multisig.address"
	acct := p.Account
	if len(acct.Owners) > TronMaxPermissionKeys {
		return "", errs.Newf(errs.CodeThreshold, op, "%d owners exceed the limit of %d", len(acct.Owners), TronMaxPermissionKeys)
	}
	for _, o := range acct.Owners {
		if _, err := address.TronToBytes(o.Address); err != nil {
			return "", errs.Parse(errs.CodeInvalidAddress, op, err).WithAddress(o.Address)
		}
	}

	if addr := acct.Extra["account"]; addr != "" {
		if _, err := address.TronToBytes(addr); err != nil {
			return "", errs.Parse(errs.CodeInvalidAddress, op, err).WithAddress(addr)
		}
		acct.AddressType = chain.AddressTron
		return addr, nil
	}
	if p.Deployer == nil {
		return "", errs.Newf(errs.CodeInvalidPayload, op, "deployer key required")
	}
	pub, err := p.Deployer.ECPubKey()
	if err != nil {
		return "", err
	}
	addr := address.TronAddress(pub)
	acct.AddressType = chain.AddressTron
	acct.SetExtra("account", addr)
	return addr, nil
}

// Permissions returns the owner and active permissions of acct.
func (e *TronEngine) Permissions(acct *Account) (*tron.Permission, *tron.Permission, error) {
	keys := make([]tron.PermissionKey, len(acct.Owners))
	for i, o := range acct.Owners {
		b, err := address.TronToBytes(o.Address)
		if err != nil {
			return nil, nil, errs.Parse(errs.CodeInvalidAddress, "tron.multisig.permission", err).WithAddress(o.Address)
		}
		keys[i] = tron.PermissionKey{Address: b, Weight: int64(o.Weight)}
	}
	owner := &tron.Permission{
		Type:      tron.PermissionOwner,
		Name:      "owner",
		Threshold: int64(acct.Threshold),
		Keys:      keys,
	}
	active := &tron.Permission{
		Type:       tron.PermissionActive,
		ID:         MultisigPermissionID,
		Name:       "multisig",
		Threshold:  int64(acct.Threshold),
		Operations: operations(tron.TransferContractType, tron.TriggerSmartContractType),
		Keys:       keys,
	}
	return owner, active, nil
}

// operations returns the 32-byte bitmap allowing the given contract types.
func operations(types ...int) []byte {
	ops := make([]byte, 32)
	for _, t := range types {
		ops[t/8] |= 1 << (t % 8)
	}
	return ops
}

// Deploy signs AccountPermissionUpdate with the deployer's key.
func (e *TronEngine) Deploy(ctx context.Context, p *DeployParams) (*Deployment, error) {
	const op = "tron.multisig.deploy"
	if p.Deployer == nil {
		return nil, errs.Newf(errs.CodeInvalidPayload, op, "deployer key required")
	}
	addr, err := e.FetchAddress(ctx, p)
	if err != nil {
		return nil, err
	}
	pub, err := p.Deployer.ECPubKey()
	if err != nil {
		return nil, err
	}
	if address.TronAddress(pub) != addr {
		return nil, errs.Newf(errs.CodeInvalidAddress, op, "deployer does not control %s", addr).WithAddress(addr)
	}
	owner, active, err := e.Permissions(p.Account)
	if err != nil {
		return nil, err
	}
	from, _ := address.TronToBytes(addr)

	ref, err := e.adapter.Client().GetNowBlock(ctx)
	if err != nil {
		return nil, errs.Network(string(e.code), "getnowblock", err)
	}
	raw := tron.NewRawData(ref, tron.DefaultExpiration,
		tron.NewContract(tron.AccountPermissionUpdateContractType, tron.MarshalPermissionUpdate(from, owner, []*tron.Permission{active}))).Marshal()

	sig, err := tron.SignRaw(raw, p.Deployer)
	if err != nil {
		return nil, err
	}
	id := tron.TxID(raw)
	hash, err := e.adapter.Broadcast(ctx, &adapter.SignedTx{
		Chain: e.code,
		Hash:  hex.EncodeToString(id[:]),
		Raw:   tron.MarshalTransaction(raw, [][]byte{sig}),
		From:  addr,
	})
	if err != nil {
		return nil, err
	}
	e.log.Info("Updated account permissions", "address", addr, "threshold", p.Account.Threshold, "txhash", hash)
	return &Deployment{Address: addr, TxHash: hash}, nil
}

// BuildTx returns raw_data spending from the account under permission 2.
func (e *TronEngine) BuildTx(ctx context.Context, p *TxParams) (*Proposal, error) {
	const op = "tron.multisig.build"
	from, err := address.TronToBytes(p.Account.Address)
	if err != nil {
		return nil, errs.Parse(errs.CodeInvalidAddress, op, err).WithAddress(p.Account.Address)
	}
	to, err := address.TronToBytes(p.To)
	if err != nil {
		return nil, errs.Parse(errs.CodeInvalidAddress, op, err).WithAddress(p.To)
	}
	if p.Amount == nil || p.Amount.Sign() <= 0 || !p.Amount.IsInt64() {
		return nil, errs.Newf(errs.CodeInvalidAmount, op, "invalid amount %v", p.Amount)
	}

	var contract *tron.Contract
	var feeLimit int64
	if p.Token == "" {
		contract = tron.NewContract(tron.TransferContractType, tron.MarshalTransfer(from, to, p.Amount.Int64()))
	} else {
		token, err := address.TronToBytes(p.Token)
		if err != nil {
			return nil, errs.Parse(errs.CodeInvalidAddress, op, err).WithAddress(p.Token)
		}
		data, err := evm.EncodeTransfer(common.BytesToAddress(to[1:]), p.Amount)
		if err != nil {
			return nil, fmt.Errorf("failed to encode transfer: %w", err)
		}
		contract = tron.NewContract(tron.TriggerSmartContractType, tron.MarshalTrigger(from, token, 0, data))
		feeLimit = TronTokenFeeLimit
	}
	contract.PermissionID = MultisigPermissionID

	ref, err := e.adapter.Client().GetNowBlock(ctx)
	if err != nil {
		return nil, errs.Network(string(e.code), "getnowblock", err)
	}
	raw := tron.NewRawData(ref, TronMultisigExpiration, contract)
	raw.Data = []byte(p.Memo)
	raw.FeeLimit = feeLimit

	payload := raw.Marshal()
	id := tron.TxID(payload)

	prop := &Proposal{Payload: payload, ExpiresAt: time.UnixMilli(raw.Expiration)}
	prop.SetMeta("txid", hex.EncodeToString(id[:]))
	prop.SetMeta("to", p.To)
	prop.SetMeta("amount", p.Amount.String())
	prop.SetMeta("expiration", strconv.FormatInt(raw.Expiration, 10))
	if p.Token != "" {
		prop.SetMeta("token", p.Token)
	}
	return prop, nil
}

// SignTx signs the transaction id.
func (e *TronEngine) SignTx(payload []byte, key *wallet.KeyPair) (*PartialSig, error) {
	sig, err := tron.SignRaw(payload, key)
	if err != nil {
		return nil, err
	}
	pub, err := key.ECPubKey()
	if err != nil {
		return nil, err
	}
	return &PartialSig{Signer: address.TronAddress(pub), PubKey: pub.SerializeCompressed(), Signature: sig}, nil
}

// VerifySig recovers the signer from the transaction id.
func (e *TronEngine) VerifySig(payload []byte, sig *PartialSig) error {
	const op = "tron.multisig.verify"
	if _, err := tron.UnmarshalRawData(payload); err != nil {
		return errs.Parse(errs.CodeInvalidPayload, op, err)
	}
	id := tron.TxID(payload)
	pub, err := tron.RecoverSigner(sig.Signature, id[:])
	if err != nil {
		return errs.Parse(errs.CodeInvalidPayload, op, err)
	}
	if got := address.TronAddress(pub); got != sig.Signer {
		return errs.Newf(errs.CodeInvalidPayload, op, "signature recovers %s, not %s", got, sig.Signer)
	}
	return nil
}

// ExecTx attaches every collected signature and broadcasts.
func (e *TronEngine) ExecTx(ctx context.Context, p *ExecParams) (string, error) {
	const op = "tron.multisig.exec"
	raw, err := tron.UnmarshalRawData(p.Tx.Payload)
	if err != nil {
		return "", errs.Parse(errs.CodeInvalidPayload, op, err)
	}
	if exp := time.UnixMilli(raw.Expiration); !e.now().Before(exp) {
		return "", errs.Chain(errs.CodeRejected, string(e.code), op, fmt.Errorf("transaction expired at %s", exp.UTC().Format(time.RFC3339)))
	}

	sigs := p.orderedSigs()
	rawSigs := make([][]byte, len(sigs))
	for i, s := range sigs {
		rawSigs[i] = s.Signature
	}
	id := tron.TxID(p.Tx.Payload)
	return e.adapter.Broadcast(ctx, &adapter.SignedTx{
		Chain: e.code,
		Hash:  hex.EncodeToString(id[:]),
		Raw:   tron.MarshalTransaction(p.Tx.Payload, rawSigs),
		From:  p.Account.Address,
	})
}
