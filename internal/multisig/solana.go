package multisig

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/mr-tron/base58"

	"github.com/Klingon-tech/klingvault/internal/adapter"
	"github.com/Klingon-tech/klingvault/internal/adapter/solana"
	"github.com/Klingon-tech/klingvault/internal/chain"
	"github.com/Klingon-tech/klingvault/internal/errs"
	"github.com/Klingon-tech/klingvault/internal/wallet"
	"github.com/Klingon-tech/klingvault/pkg/logging"
)

const (
	// SolanaBlockhashLifetime bounds how long a built message stays valid.
	SolanaBlockhashLifetime = 60 * time.Second

	// maxSolanaTxSize is the packet limit of a wire transaction.
	maxSolanaTxSize = 1232

	squadsComputeUnits = 800_000

	createKeyDomain = "klingvault/squads/create-key"
)

// SolanaEngineConfig selects the Squads program. Empty uses SquadsProgramID.
type SolanaEngineConfig struct {
	Program string
}

// SolanaEngine implements Squads v4 multisigs. The multisig PDA is derived
// from a create key; funds live in vault 0.
//
// Approvals are collected off chain: BuildTx returns one message that
// creates the vault transaction, opens the proposal, approves it for every
// approver and executes it, so the owners' ed25519 signatures over that
// message are the partial signatures.
type SolanaEngine struct {
	adapter *solana.Adapter
	squads  Squads
	code    chain.Code
	log     *logging.Logger
	now     func() time.Time
}

// NewSolanaEngine creates an engine on top of a Solana adapter.
func NewSolanaEngine(a *solana.Adapter, cfg SolanaEngineConfig) (*SolanaEngine, error) {
	prog := cfg.Program
	if prog == "" {
		prog = SquadsProgramID
	}
	pk, err := solana.ParsePublicKey(prog)
	if err != nil {
		return nil, errs.Parse(errs.CodeInvalidAddress, "solana.multisig", err).WithAddress(prog)
	}
	return &SolanaEngine{
		adapter: a,
		squads:  Squads{Program: pk},
		code:    a.Chain(),
		log:     logging.GetDefault().Component("multisig-solana").With("chain", a.Chain()),
		now:     time.Now,
	}, nil
}

// createKey derives the create key from the deployer so Deploy can sign
// with it later. A salt in Extra allows several multisigs per deployer.
func createKey(deployer *wallet.KeyPair, salt string) ed25519.PrivateKey {
	h := sha256.New()
	h.Write([]byte(createKeyDomain))
	h.Write(deployer.Public)
	h.Write([]byte(salt))
	return ed25519.NewKeyFromSeed(h.Sum(nil))
}

func (e *SolanaEngine) members(acct *Account) ([]SquadsMember, error) {
	if err := requireUnitWeights(acct, "solana.multisig.members"); err != nil {
		return nil, err
	}
	if acct.Threshold > uint64(len(acct.Owners)) || acct.Threshold > 0xffff {
		return nil, errs.Newf(errs.CodeThreshold, "solana.multisig.members", "threshold %d above %d owners", acct.Threshold, len(acct.Owners))
	}
	members := make([]SquadsMember, len(acct.Owners))
	for i, o := range acct.Owners {
		pk, err := solana.ParsePublicKey(o.Address)
		if err != nil {
			return nil, errs.Parse(errs.CodeInvalidAddress, "solana.multisig.members", err).WithAddress(o.Address)
		}
		members[i] = SquadsMember{Key: pk, Mask: PermissionAll}
	}
	return members, nil
}

// FetchAddress derives the multisig and vault PDAs. The vault is the
// account address.
func (e *SolanaEngine) FetchAddress(ctx context.Context, p *DeployParams) (string, error) {
	const op = "solana.multisig.address"
	acct := p.Account
	if _, err := e.members(acct); err != nil {
		return "", err
	}

	var key solana.PublicKey
	if ck := acct.Extra["create_key"]; ck != "" {
		pk, err := solana.ParsePublicKey(ck)
		if err != nil {
			return "", errs.Parse(errs.CodeInvalidAddress, op, err).WithAddress(ck)
		}
		key = pk
	} else {
		if p.Deployer == nil {
			return "", errs.Newf(errs.CodeInvalidPayload, op, "deployer key or create_key required")
		}
		copy(key[:], createKey(p.Deployer, acct.Extra["salt"]).Public().(ed25519.PublicKey))
	}

	ms, err := e.squads.Multisig(key)
	if err != nil {
		return "", err
	}
	vault, err := e.squads.Vault(ms, 0)
	if err != nil {
		return "", err
	}
	acct.AddressType = chain.AddressSolana
	acct.SetExtra("create_key", key.String())
	acct.SetExtra("multisig", ms.String())
	return vault.String(), nil
}

// Deploy sends multisig_create_v2 signed by the deployer and the create key.
func (e *SolanaEngine) Deploy(ctx context.Context, p *DeployParams) (*Deployment, error) {
	const op = "solana.multisig.deploy"
	if p.Deployer == nil {
		return nil, errs.Newf(errs.CodeInvalidPayload, op, "deployer key required")
	}
	vault, err := e.FetchAddress(ctx, p)
	if err != nil {
		return nil, err
	}
	members, err := e.members(p.Account)
	if err != nil {
		return nil, err
	}

	ckPriv := createKey(p.Deployer, p.Account.Extra["salt"])
	var ck solana.PublicKey
	copy(ck[:], ckPriv.Public().(ed25519.PublicKey))
	if ck.String() != p.Account.Extra["create_key"] {
		return nil, errs.Newf(errs.CodeInvalidPayload, op, "create key was not derived from this deployer")
	}
	var creator solana.PublicKey
	copy(creator[:], p.Deployer.Public)

	cfg, err := e.squads.ProgramConfig()
	if err != nil {
		return nil, err
	}
	info, err := e.adapter.Client().GetAccountInfo(ctx, cfg.String())
	if err != nil {
		return nil, errs.Network(string(e.code), "getAccountInfo", err)
	}
	if info == nil {
		return nil, errs.Chain(errs.CodeNotOnChain, string(e.code), op, fmt.Errorf("program config %s not found", cfg))
	}
	treasury, err := readTreasury(info.Data)
	if err != nil {
		return nil, errs.Parse(errs.CodeInvalidPayload, op, err)
	}

	ix, err := e.squads.MultisigCreateV2(treasury, ck, creator, uint16(p.Account.Threshold), members, "")
	if err != nil {
		return nil, err
	}
	blockhash, _, err := e.adapter.Client().GetLatestBlockhash(ctx)
	if err != nil {
		return nil, errs.Network(string(e.code), "getLatestBlockhash", err)
	}
	msg, err := solana.NewMessage(creator, []solana.Instruction{ix}, blockhash)
	if err != nil {
		return nil, err
	}
	payload := msg.Marshal()

	sigs := make([][]byte, msg.Header.NumRequiredSignatures)
	ckPair := &wallet.KeyPair{Private: ckPriv, Public: ck[:], Chain: e.code, Curve: chain.CurveEd25519}
	for _, key := range []*wallet.KeyPair{p.Deployer, ckPair} {
		idx, sig, err := solana.SignMessage(payload, key)
		if err != nil {
			return nil, err
		}
		sigs[idx] = sig
	}

	hash, err := e.adapter.Broadcast(ctx, &adapter.SignedTx{
		Chain: e.code,
		Hash:  base58.Encode(sigs[0]),
		Raw:   solana.MarshalTransaction(sigs, payload),
		From:  creator.String(),
	})
	if err != nil {
		return nil, err
	}
	e.log.Info("Created Squads multisig", "multisig", p.Account.Extra["multisig"], "vault", vault, "txhash", hash)
	return &Deployment{Address: vault, TxHash: hash}, nil
}

// approvers returns the proposer followed by the other approvers, checked
// against the owner set and the threshold.
func (e *SolanaEngine) approvers(p *TxParams) ([]solana.PublicKey, error) {
	const op = "solana.multisig.build"
	acct := p.Account

	names := p.Approvers
	if len(names) == 0 {
		for _, o := range acct.Owners {
			names = append(names, o.Address)
		}
	}
	names = append([]string{p.Proposer}, names...)

	var out []solana.PublicKey
	seen := make(map[string]bool)
	var weight uint64
	for _, n := range names {
		if seen[n] {
			continue
		}
		seen[n] = true
		o, ok := acct.Owner(n)
		if !ok {
			return nil, errs.Newf(errs.CodeInvalidAddress, op, "%s is not an owner", n).WithAddress(n)
		}
		pk, err := solana.ParsePublicKey(o.Address)
		if err != nil {
			return nil, errs.Parse(errs.CodeInvalidAddress, op, err).WithAddress(n)
		}
		out = append(out, pk)
		weight += o.Weight
	}
	if weight < acct.Threshold {
		return nil, errs.Newf(errs.CodeThreshold, op, "approvers carry weight %d below threshold %d", weight, acct.Threshold)
	}
	return out, nil
}

// transfer returns the instructions the vault executes.
func (e *SolanaEngine) transfer(ctx context.Context, vault solana.PublicKey, p *TxParams) ([]solana.Instruction, error) {
	const op = "solana.multisig.build"
	to, err := solana.ParsePublicKey(p.To)
	if err != nil {
		return nil, errs.Parse(errs.CodeInvalidAddress, op, err).WithAddress(p.To)
	}
	if p.Amount == nil || p.Amount.Sign() <= 0 || !p.Amount.IsUint64() {
		return nil, errs.Newf(errs.CodeInvalidAmount, op, "invalid amount %v", p.Amount)
	}
	if p.Token == "" {
		return []solana.Instruction{solana.SystemTransfer(vault, to, p.Amount.Uint64())}, nil
	}

	mint, err := solana.ParsePublicKey(p.Token)
	if err != nil {
		return nil, errs.Parse(errs.CodeInvalidAddress, op, err).WithAddress(p.Token)
	}
	info, err := e.adapter.Client().GetAccountInfo(ctx, mint.String())
	if err != nil {
		return nil, errs.Network(string(e.code), "getAccountInfo", err)
	}
	if info == nil || len(info.Data) < 45 {
		return nil, errs.Chain(errs.CodeNotOnChain, string(e.code), op, fmt.Errorf("mint %s not found", mint))
	}
	decimals := info.Data[44]
	program := info.Owner

	src, err := solana.FindAssociatedTokenAddress(vault, mint, program)
	if err != nil {
		return nil, err
	}
	dst, err := solana.FindAssociatedTokenAddress(to, mint, program)
	if err != nil {
		return nil, err
	}
	return []solana.Instruction{
		solana.CreateAssociatedTokenAccountIdempotent(vault, dst, to, mint, program),
		solana.TransferChecked(src, mint, dst, vault, p.Amount.Uint64(), decimals, program),
	}, nil
}

// BuildTx returns a legacy message paid by the proposer that creates,
// approves and executes the next vault transaction.
func (e *SolanaEngine) BuildTx(ctx context.Context, p *TxParams) (*Proposal, error) {
	const op = "solana.multisig.build"
	acct := p.Account
	if _, err := e.members(acct); err != nil {
		return nil, err
	}
	approvers, err := e.approvers(p)
	if err != nil {
		return nil, err
	}
	proposer := approvers[0]

	ms, err := solana.ParsePublicKey(acct.Extra["multisig"])
	if err != nil {
		return nil, errs.Parse(errs.CodeInvalidPayload, op, fmt.Errorf("multisig pda: %w", err))
	}
	vault, err := e.squads.Vault(ms, 0)
	if err != nil {
		return nil, err
	}

	info, err := e.adapter.Client().GetAccountInfo(ctx, ms.String())
	if err != nil {
		return nil, errs.Network(string(e.code), "getAccountInfo", err)
	}
	if info == nil {
		return nil, errs.Chain(errs.CodeNotOnChain, string(e.code), op, fmt.Errorf("multisig %s not found", ms))
	}
	last, err := readTransactionIndex(info.Data)
	if err != nil {
		return nil, errs.Parse(errs.CodeInvalidPayload, op, err)
	}
	index := last + 1

	inner, err := e.transfer(ctx, vault, p)
	if err != nil {
		return nil, err
	}
	vaultMsg, encoded, err := VaultMessage(vault, inner)
	if err != nil {
		return nil, errs.Parse(errs.CodeInvalidPayload, op, err)
	}

	ixs := []solana.Instruction{solana.SetComputeUnitLimit(squadsComputeUnits)}
	create, err := e.squads.VaultTransactionCreate(ms, proposer, index, 0, encoded, p.Memo)
	if err != nil {
		return nil, err
	}
	propose, err := e.squads.ProposalCreate(ms, proposer, index)
	if err != nil {
		return nil, err
	}
	ixs = append(ixs, create, propose)
	for _, a := range approvers {
		approve, err := e.squads.ProposalApprove(ms, a, index)
		if err != nil {
			return nil, err
		}
		ixs = append(ixs, approve)
	}
	exec, err := e.squads.VaultTransactionExecute(ms, proposer, index, vaultMsg)
	if err != nil {
		return nil, err
	}
	ixs = append(ixs, exec)

	blockhash, lastValid, err := e.adapter.Client().GetLatestBlockhash(ctx)
	if err != nil {
		return nil, errs.Network(string(e.code), "getLatestBlockhash", err)
	}
	msg, err := solana.NewMessage(proposer, ixs, blockhash)
	if err != nil {
		return nil, errs.Parse(errs.CodeInvalidPayload, op, err)
	}
	payload := msg.Marshal()
	if size := 1 + int(msg.Header.NumRequiredSignatures)*ed25519.SignatureSize + len(payload); size > maxSolanaTxSize {
		return nil, errs.Newf(errs.CodeInvalidPayload, op, "transaction is %d bytes, limit %d; pass fewer approvers", size, maxSolanaTxSize)
	}

	names := make([]string, len(approvers))
	for i, a := range approvers {
		names[i] = a.String()
	}
	prop := &Proposal{Payload: payload, ExpiresAt: e.now().Add(SolanaBlockhashLifetime)}
	prop.SetMeta("multisig", ms.String())
	prop.SetMeta("transaction_index", strconv.FormatUint(index, 10))
	prop.SetMeta("approvers", strings.Join(names, ","))
	prop.SetMeta("blockhash", blockhash.String())
	prop.SetMeta("last_valid_block_height", strconv.FormatUint(lastValid, 10))
	prop.SetMeta("to", p.To)
	prop.SetMeta("amount", p.Amount.String())
	return prop, nil
}

// SignTx signs the message with an owner's ed25519 key.
func (e *SolanaEngine) SignTx(payload []byte, key *wallet.KeyPair) (*PartialSig, error) {
	_, sig, err := solana.SignMessage(payload, key)
	if err != nil {
		return nil, err
	}
	var pk solana.PublicKey
	copy(pk[:], key.Public)
	return &PartialSig{Signer: pk.String(), PubKey: pk[:], Signature: sig}, nil
}

// VerifySig checks an ed25519 signature from one of the message signers.
func (e *SolanaEngine) VerifySig(payload []byte, sig *PartialSig) error {
	const op = "solana.multisig.verify"
	msg, err := solana.UnmarshalMessage(payload)
	if err != nil {
		return errs.Parse(errs.CodeInvalidPayload, op, err)
	}
	pk, err := solana.ParsePublicKey(sig.Signer)
	if err != nil {
		return errs.Parse(errs.CodeInvalidAddress, op, err).WithAddress(sig.Signer)
	}
	if len(sig.PubKey) > 0 && !bytes.Equal(sig.PubKey, pk[:]) {
		return errs.Newf(errs.CodeInvalidPayload, op, "public key does not match %s", sig.Signer)
	}
	if msg.SignerIndex(pk) < 0 {
		return errs.Newf(errs.CodeInvalidAddress, op, "%s is not a signer of the message", sig.Signer).WithAddress(sig.Signer)
	}
	if len(sig.Signature) != ed25519.SignatureSize || !ed25519.Verify(pk[:], payload, sig.Signature) {
		return errs.Newf(errs.CodeInvalidPayload, op, "signature of %s does not verify", sig.Signer)
	}
	return nil
}

// ExecTx fills every signer slot and broadcasts. Every approver in the
// message must have signed.
func (e *SolanaEngine) ExecTx(ctx context.Context, p *ExecParams) (string, error) {
	const op = "solana.multisig.exec"
	msg, err := solana.UnmarshalMessage(p.Tx.Payload)
	if err != nil {
		return "", errs.Parse(errs.CodeInvalidPayload, op, err)
	}
	signers := msg.Signers()
	sigs := make([][]byte, len(signers))
	for i, k := range signers {
		ps, ok := p.Tx.Signatures[k.String()]
		if !ok {
			return "", errs.Newf(errs.CodeThreshold, op, "missing signature of %s", k).WithAddress(k.String())
		}
		sigs[i] = ps.Signature
	}
	return e.adapter.Broadcast(ctx, &adapter.SignedTx{
		Chain: e.code,
		Hash:  base58.Encode(sigs[0]),
		Raw:   solana.MarshalTransaction(sigs, p.Tx.Payload),
		From:  signers[0].String(),
	})
}
