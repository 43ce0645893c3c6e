package multisig

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/Klingon-tech/klingvault/internal/errs"
	"github.com/Klingon-tech/klingvault/internal/storage"
	"github.com/Klingon-tech/klingvault/internal/wallet"
	"github.com/Klingon-tech/klingvault/pkg/logging"
)

// Coordinator errors
var (
	ErrNotOwner           = errors.New("signer is not an owner")
	ErrNotInitiator       = errors.New("only the initiator can cancel")
	ErrNotReady           = errors.New("transaction has not reached its threshold")
	ErrClosed             = errors.New("transaction is no longer open")
	ErrDeadlinePassed     = errors.New("transaction deadline passed")
	ErrAccountNotPending  = errors.New("account is not pending")
	ErrAccountNotDeployed = errors.New("account is not deployed")
	ErrAddressMismatch    = errors.New("deployed address differs from the computed one")
)

// DefaultDeadline is how long a proposal collects signatures by default.
const DefaultDeadline = 24 * time.Hour

// Store persists accounts, transactions and signatures. *storage.Storage
// implements it.
type Store interface {
	CreateMultisigAccount(a *storage.MultisigAccountRecord) error
	GetMultisigAccount(id string) (*storage.MultisigAccountRecord, error)
	SetMultisigAccountStatus(id string, from, to storage.MultisigAccountStatus, deployTx string) (bool, error)

	CreateMultisigTx(tx *storage.MultisigTxRecord) error
	GetMultisigTx(id string) (*storage.MultisigTxRecord, error)
	SetMultisigTxStatus(id string, from []storage.MultisigTxStatus, to storage.MultisigTxStatus, execHash, reason string) (bool, error)
	ExpireMultisigTxs(now time.Time) (int64, error)

	RecordMultisigSignature(sig *storage.MultisigSignatureRecord, threshold uint64) (storage.MultisigTxStatus, uint64, error)
	ListMultisigSignatures(txID string) ([]*storage.MultisigSignatureRecord, error)
}

// CoordinatorConfig configures a Coordinator.
type CoordinatorConfig struct {
	// Deadline is the default signature collection window.
	Deadline time.Duration
}

// Coordinator drives multisig accounts and transactions through their
// lifecycle. Several coordinators may share one database; every status change
// is a compare-and-set in the store.
type Coordinator struct {
	store    Store
	engines  *Registry
	deadline time.Duration
	log      *logging.Logger
	now      func() time.Time
}

// NewCoordinator creates a coordinator.
func NewCoordinator(store Store, engines *Registry, cfg *CoordinatorConfig) *Coordinator {
	deadline := DefaultDeadline
	if cfg != nil && cfg.Deadline > 0 {
		deadline = cfg.Deadline
	}
	return &Coordinator{
		store:    store,
		engines:  engines,
		deadline: deadline,
		log:      logging.GetDefault().Component("multisig"),
		now:      time.Now,
	}
}

// =============================================================================
// Accounts
// =============================================================================

// CreateAccount validates the owner set, computes the account address and
// persists the account as pending. Nothing is broadcast.
func (c *Coordinator) CreateAccount(ctx context.Context, p *DeployParams) (*Account, error) {
	acct := p.Account
	if err := acct.Validate(); err != nil {
		return nil, err
	}
	engine, err := c.engines.Get(acct.Chain, acct.Network)
	if err != nil {
		return nil, err
	}

	addr, err := engine.FetchAddress(ctx, p)
	if err != nil {
		return nil, fmt.Errorf("failed to compute multisig address: %w", err)
	}

	if acct.ID == "" {
		acct.ID = uuid.NewString()
	}
	acct.Address = addr
	acct.Status = AccountPending
	acct.CreatedAt = c.now()

	rec, err := acct.toRecord()
	if err != nil {
		return nil, err
	}
	if err := c.store.CreateMultisigAccount(rec); err != nil {
		return nil, err
	}

	c.log.Info("Created multisig account", "id", acct.ID, "chain", acct.Chain,
		"threshold", acct.Threshold, "owners", len(acct.Owners), "address", addr)
	return acct, nil
}

// DeployAccount deploys a pending account. The address is recomputed first
// and must match the persisted one.
func (c *Coordinator) DeployAccount(ctx context.Context, id string, deployer *wallet.KeyPair) (*Account, error) {
	acct, err := c.GetAccount(id)
	if err != nil {
		return nil, err
	}
	if acct.Status != AccountPending {
		return nil, fmt.Errorf("%w: %s is %s", ErrAccountNotPending, id, acct.Status)
	}
	if err := acct.Validate(); err != nil {
		return nil, err
	}
	engine, err := c.engines.Get(acct.Chain, acct.Network)
	if err != nil {
		return nil, err
	}

	p := &DeployParams{Account: acct, Deployer: deployer}
	addr, err := engine.FetchAddress(ctx, p)
	if err != nil {
		return nil, fmt.Errorf("failed to compute multisig address: %w", err)
	}
	if addr != acct.Address {
		return nil, fmt.Errorf("%w: %s != %s", ErrAddressMismatch, addr, acct.Address)
	}

	dep, err := engine.Deploy(ctx, p)
	if err != nil {
		return nil, fmt.Errorf("failed to deploy multisig account: %w", err)
	}

	ok, err := c.store.SetMultisigAccountStatus(id, AccountPending, AccountDeployed, dep.TxHash)
	if err != nil {
		return nil, err
	}
	if !ok {
		// cancelled while the deployment was in flight; the chain state wins
		c.log.Warn("Account left pending state during deployment", "id", id, "txhash", dep.TxHash)
		return nil, fmt.Errorf("%w: %s changed during deployment (tx %s)", ErrAccountNotPending, id, dep.TxHash)
	}

	acct.Status = AccountDeployed
	acct.DeployTx = dep.TxHash
	c.log.Info("Deployed multisig account", "id", id, "chain", acct.Chain, "txhash", dep.TxHash)
	return acct, nil
}

// CancelAccount cancels a pending account.
func (c *Coordinator) CancelAccount(id string) error {
	ok, err := c.store.SetMultisigAccountStatus(id, AccountPending, AccountCancelled, "")
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrAccountNotPending, id)
	}
	c.log.Info("Cancelled multisig account", "id", id)
	return nil
}

// GetAccount loads an account.
func (c *Coordinator) GetAccount(id string) (*Account, error) {
	rec, err := c.store.GetMultisigAccount(id)
	if err != nil {
		return nil, err
	}
	return accountFromRecord(rec)
}

// =============================================================================
// Transactions
// =============================================================================

// Propose builds a transaction from a deployed account and persists it. ttl
// of zero uses the configured deadline; chains with a shorter payload
// lifetime shorten it further.
func (c *Coordinator) Propose(ctx context.Context, accountID, initiator string, p *TxParams, ttl time.Duration) (*Transaction, error) {
	acct, err := c.GetAccount(accountID)
	if err != nil {
		return nil, err
	}
	if acct.Status != AccountDeployed {
		return nil, fmt.Errorf("%w: %s is %s", ErrAccountNotDeployed, accountID, acct.Status)
	}
	owner, ok := acct.Owner(initiator)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotOwner, initiator)
	}
	engine, err := c.engines.Get(acct.Chain, acct.Network)
	if err != nil {
		return nil, err
	}

	p.Account = acct
	if p.Proposer == "" {
		p.Proposer = owner.Address
	}
	proposal, err := engine.BuildTx(ctx, p)
	if err != nil {
		return nil, err
	}

	if ttl <= 0 {
		ttl = c.deadline
	}
	now := c.now()
	deadline := now.Add(ttl)
	if !proposal.ExpiresAt.IsZero() && proposal.ExpiresAt.Before(deadline) {
		deadline = proposal.ExpiresAt
	}

	tx := &Transaction{
		ID:        uuid.NewString(),
		AccountID: acct.ID,
		Initiator: owner.Address,
		Payload:   proposal.Payload,
		Meta:      proposal.Meta,
		Status:    TxProposed,
		Deadline:  deadline,
		CreatedAt: now,
	}
	rec, err := tx.toRecord()
	if err != nil {
		return nil, err
	}
	if err := c.store.CreateMultisigTx(rec); err != nil {
		return nil, err
	}

	c.log.Info("Proposed multisig transaction", "id", tx.ID, "account", acct.ID, "deadline", deadline.Format(time.RFC3339))
	return tx, nil
}

// Submit verifies sig and records it. A signer that submits again replaces
// its previous signature.
func (c *Coordinator) Submit(ctx context.Context, txID string, sig *PartialSig) (*Transaction, error) {
	tx, acct, err := c.load(txID)
	if err != nil {
		return nil, err
	}
	if !tx.Status.Open() {
		return nil, fmt.Errorf("%w: %s is %s", ErrClosed, txID, tx.Status)
	}
	if !tx.Deadline.IsZero() && !c.now().Before(tx.Deadline) {
		return nil, fmt.Errorf("%w: %s", ErrDeadlinePassed, txID)
	}

	owner, ok := acct.Owner(sig.Signer)
	if !ok {
		owner, ok = acct.OwnerByPubKey(sig.PubKey)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotOwner, sig.Signer)
	}
	if len(owner.PubKey) > 0 {
		if len(sig.PubKey) == 0 {
			sig.PubKey = owner.PubKey
		} else if !bytes.Equal(sig.PubKey, owner.PubKey) {
			return nil, fmt.Errorf("%w: public key of %s does not match", ErrNotOwner, sig.Signer)
		}
	}

	engine, err := c.engines.Get(acct.Chain, acct.Network)
	if err != nil {
		return nil, err
	}
	if err := engine.VerifySig(tx.Payload, sig); err != nil {
		return nil, fmt.Errorf("invalid signature from %s: %w", sig.Signer, err)
	}

	status, weight, err := c.store.RecordMultisigSignature(&storage.MultisigSignatureRecord{
		TxID:      txID,
		Signer:    owner.Address,
		PubKey:    sig.PubKey,
		Signature: sig.Signature,
		Weight:    owner.Weight,
	}, acct.Threshold)
	if errors.Is(err, storage.ErrMultisigTxClosed) {
		return nil, fmt.Errorf("%w: %s", ErrClosed, txID)
	}
	if err != nil {
		return nil, err
	}

	c.log.Info("Recorded multisig signature", "tx", txID, "signer", owner.Address,
		"weight", weight, "threshold", acct.Threshold, "status", status)
	return c.GetTransaction(txID)
}

// Execute broadcasts a ready transaction. On failure the transaction returns
// to ready and the error is returned.
func (c *Coordinator) Execute(ctx context.Context, txID string, submitter *wallet.KeyPair) (*Transaction, error) {
	tx, acct, err := c.load(txID)
	if err != nil {
		return nil, err
	}
	if tx.Status != TxReady {
		return nil, fmt.Errorf("%w: %s is %s", ErrNotReady, txID, tx.Status)
	}
	if w := tx.Weight(acct); w < acct.Threshold {
		return nil, errs.Newf(errs.CodeThreshold, "multisig.execute", "signature weight %d below threshold %d", w, acct.Threshold)
	}
	engine, err := c.engines.Get(acct.Chain, acct.Network)
	if err != nil {
		return nil, err
	}

	ok, err := c.store.SetMultisigTxStatus(txID, []TxStatus{TxReady}, TxExecuting, "", "")
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s changed before execution", ErrClosed, txID)
	}

	hash, execErr := engine.ExecTx(ctx, &ExecParams{Account: acct, Tx: tx, Submitter: submitter})
	if execErr != nil {
		if _, err := c.store.SetMultisigTxStatus(txID, []TxStatus{TxExecuting}, TxReady, "", execErr.Error()); err != nil {
			c.log.Error("Failed to restore transaction status", "tx", txID, "error", err)
		}
		c.log.Warn("Multisig execution failed", "tx", txID, "error", execErr)
		return nil, execErr
	}

	if _, err := c.store.SetMultisigTxStatus(txID, []TxStatus{TxExecuting}, TxExecuted, hash, ""); err != nil {
		// broadcast already happened; report the hash with the error
		return nil, fmt.Errorf("executed as %s but failed to record: %w", hash, err)
	}

	c.log.Info("Executed multisig transaction", "tx", txID, "hash", hash)
	return c.GetTransaction(txID)
}

// Cancel cancels a transaction that has not been broadcast. Only the
// initiator may cancel.
func (c *Coordinator) Cancel(txID, by string) error {
	tx, acct, err := c.load(txID)
	if err != nil {
		return err
	}
	if o, ok := acct.Owner(by); !ok || o.Address != tx.Initiator {
		return fmt.Errorf("%w: %s", ErrNotInitiator, by)
	}

	ok, err := c.store.SetMultisigTxStatus(txID, []TxStatus{TxProposed, TxCollecting, TxReady}, TxCancelled, "", "cancelled by "+by)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrClosed, txID)
	}
	c.log.Info("Cancelled multisig transaction", "tx", txID)
	return nil
}

// ExpireDue expires transactions whose deadline passed before quorum.
func (c *Coordinator) ExpireDue(now time.Time) (int64, error) {
	n, err := c.store.ExpireMultisigTxs(now)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		c.log.Info("Expired multisig transactions", "count", n)
	}
	return n, nil
}

// GetTransaction loads a transaction with its signatures.
func (c *Coordinator) GetTransaction(id string) (*Transaction, error) {
	rec, err := c.store.GetMultisigTx(id)
	if err != nil {
		return nil, err
	}
	sigs, err := c.store.ListMultisigSignatures(id)
	if err != nil {
		return nil, err
	}
	return txFromRecord(rec, sigs)
}

func (c *Coordinator) load(txID string) (*Transaction, *Account, error) {
	tx, err := c.GetTransaction(txID)
	if err != nil {
		return nil, nil, err
	}
	acct, err := c.GetAccount(tx.AccountID)
	if err != nil {
		return nil, nil, err
	}
	return tx, acct, nil
}
