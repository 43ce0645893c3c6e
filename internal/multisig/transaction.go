package multisig

import (
	"encoding/json"
	"fmt"
	"math/big"
	"time"

	"github.com/Klingon-tech/klingvault/internal/storage"
	"github.com/Klingon-tech/klingvault/internal/wallet"
)

// TxStatus is the lifecycle state of a multisig transaction.
type TxStatus = storage.MultisigTxStatus

const (
	TxProposed   = storage.MultisigTxProposed
	TxCollecting = storage.MultisigTxCollecting
	TxReady      = storage.MultisigTxReady
	TxExecuting  = storage.MultisigTxExecuting
	TxExecuted   = storage.MultisigTxExecuted
	TxExpired    = storage.MultisigTxExpired
	TxCancelled  = storage.MultisigTxCancelled
)

// PartialSig is one owner's signature over a transaction payload.
type PartialSig struct {
	Signer    string `json:"signer"`
	PubKey    []byte `json:"pubkey,omitempty"`
	Signature []byte `json:"signature"`
}

// Transaction is a multisig transaction collecting signatures.
type Transaction struct {
	ID        string
	AccountID string
	Initiator string
	Payload   []byte
	Meta      map[string]string

	// Signatures is keyed by signer address.
	Signatures map[string]*PartialSig

	Status        TxStatus
	Deadline      time.Time
	ExecHash      string
	FailureReason string
	CreatedAt     time.Time
}

// Weight sums the weights of the owners that signed.
func (t *Transaction) Weight(a *Account) uint64 {
	var total uint64
	for signer := range t.Signatures {
		if o, ok := a.Owner(signer); ok {
			total += o.Weight
		}
	}
	return total
}

// SetMeta sets a metadata value, allocating the map on first use.
func (t *Transaction) SetMeta(key, value string) {
	if t.Meta == nil {
		t.Meta = make(map[string]string)
	}
	t.Meta[key] = value
}

// TxParams describes a transfer out of a multisig account.
type TxParams struct {
	Account *Account

	// Proposer is the owner building the transaction. On Solana it is also
	// the fee payer and the member that creates the proposal.
	Proposer string

	To     string
	Amount *big.Int
	Token  string
	Data   []byte
	Memo   string

	// FeeRate in sat/vB for BTC. Zero uses the backend estimate.
	FeeRate uint64

	// Approvers are the owners whose approvals a Solana message carries.
	// Empty means every owner.
	Approvers []string
}

// Proposal is what BuildTx returns: the payload every owner signs.
type Proposal struct {
	Payload []byte
	Meta    map[string]string

	// ExpiresAt is the latest moment the payload can still be executed on
	// chain. Zero when the chain imposes no limit.
	ExpiresAt time.Time
}

// SetMeta sets a metadata value, allocating the map on first use.
func (p *Proposal) SetMeta(key, value string) {
	if p.Meta == nil {
		p.Meta = make(map[string]string)
	}
	p.Meta[key] = value
}

// DeployParams describes an account to deploy. FetchAddress only reads the
// deployer's public key; Deploy signs with its private key.
type DeployParams struct {
	Account  *Account
	Deployer *wallet.KeyPair
}

// Deployment is the outcome of Deploy.
type Deployment struct {
	Address string
	TxHash  string
}

// ExecParams carries what ExecTx needs. Submitter pays the execution fee on
// chains where no owner signature already does.
type ExecParams struct {
	Account   *Account
	Tx        *Transaction
	Submitter *wallet.KeyPair
}

// orderedSigs returns the signatures in owner order.
func (p *ExecParams) orderedSigs() []*PartialSig {
	sigs := make([]*PartialSig, 0, len(p.Tx.Signatures))
	for _, o := range p.Account.Owners {
		if sig, ok := p.Tx.Signatures[o.Address]; ok {
			sigs = append(sigs, sig)
		}
	}
	return sigs
}

func (t *Transaction) toRecord() (*storage.MultisigTxRecord, error) {
	var meta json.RawMessage
	if len(t.Meta) > 0 {
		var err error
		if meta, err = json.Marshal(t.Meta); err != nil {
			return nil, fmt.Errorf("failed to encode meta: %w", err)
		}
	}
	return &storage.MultisigTxRecord{
		ID:            t.ID,
		AccountID:     t.AccountID,
		Initiator:     t.Initiator,
		Payload:       t.Payload,
		Meta:          meta,
		Status:        t.Status,
		Deadline:      t.Deadline,
		ExecHash:      t.ExecHash,
		FailureReason: t.FailureReason,
		CreatedAt:     t.CreatedAt,
	}, nil
}

func txFromRecord(r *storage.MultisigTxRecord, sigs []*storage.MultisigSignatureRecord) (*Transaction, error) {
	t := &Transaction{
		ID:            r.ID,
		AccountID:     r.AccountID,
		Initiator:     r.Initiator,
		Payload:       r.Payload,
		Status:        r.Status,
		Deadline:      r.Deadline,
		ExecHash:      r.ExecHash,
		FailureReason: r.FailureReason,
		CreatedAt:     r.CreatedAt,
		Signatures:    make(map[string]*PartialSig, len(sigs)),
	}
	if len(r.Meta) > 0 {
		if err := json.Unmarshal(r.Meta, &t.Meta); err != nil {
			return nil, fmt.Errorf("failed to decode meta of %s: %w", r.ID, err)
		}
	}
	for _, s := range sigs {
		t.Signatures[s.Signer] = &PartialSig{Signer: s.Signer, PubKey: s.PubKey, Signature: s.Signature}
	}
	return t, nil
}
