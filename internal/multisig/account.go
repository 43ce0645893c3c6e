// Package multisig builds, collects and executes M-of-N transactions on every
// supported chain family.
//
// An Engine knows how one chain expresses a multisig account (script hash,
// factory contract, account permission or program PDA). The Coordinator
// persists accounts and transactions through a Store and drives them through
// their lifecycle. Signatures travel out of band; the Coordinator only needs
// the payload every owner signed and the resulting partial signatures.
package multisig

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/Klingon-tech/klingvault/internal/chain"
	"github.com/Klingon-tech/klingvault/internal/errs"
	"github.com/Klingon-tech/klingvault/internal/storage"
)

// AccountStatus is the lifecycle state of an account.
type AccountStatus = storage.MultisigAccountStatus

const (
	AccountPending   = storage.MultisigAccountPending
	AccountDeployed  = storage.MultisigAccountDeployed
	AccountCancelled = storage.MultisigAccountCancelled
)

// Owner is a member of a multisig account.
type Owner struct {
	Address string `json:"address"`
	PubKey  []byte `json:"pubkey,omitempty"`
	Weight  uint64 `json:"weight"`
}

// Account is a multisig account. Address is known before deployment.
type Account struct {
	ID          string
	Chain       chain.Code
	Network     chain.Network
	Threshold   uint64
	Owners      []Owner
	AddressType chain.AddressType
	Address     string
	DeployTx    string
	Status      AccountStatus

	// Extra holds chain specific deployment inputs and outputs such as the
	// CREATE2 salt or the Squads create key.
	Extra map[string]string

	CreatedAt time.Time
}

// Validate checks the owner set against the threshold. It never touches the
// network, so a bad configuration fails before anything is broadcast.
func (a *Account) Validate() error {
	const op = "multisig.validate"

	if a.Threshold == 0 {
		return errs.Newf(errs.CodeThreshold, op, "threshold must be positive")
	}
	if len(a.Owners) == 0 {
		return errs.Newf(errs.CodeThreshold, op, "no owners")
	}

	seen := make(map[string]bool, len(a.Owners))
	var total uint64
	for _, o := range a.Owners {
		if o.Address == "" {
			return errs.Newf(errs.CodeInvalidAddress, op, "owner without address")
		}
		key := a.ownerKey(o.Address)
		if seen[key] {
			return errs.Newf(errs.CodeThreshold, op, "duplicate owner %s", o.Address).WithAddress(o.Address)
		}
		seen[key] = true

		if o.Weight == 0 {
			return errs.Newf(errs.CodeThreshold, op, "owner %s has zero weight", o.Address).WithAddress(o.Address)
		}
		if total+o.Weight < total {
			return errs.Newf(errs.CodeThreshold, op, "owner weights overflow")
		}
		total += o.Weight
	}

	if total < a.Threshold {
		return errs.Newf(errs.CodeThreshold, op, "owner weights %d below threshold %d", total, a.Threshold)
	}
	return nil
}

// ownerKey normalizes an address for comparison. Hex addresses are case
// insensitive; every other encoding is compared verbatim.
func (a *Account) ownerKey(addr string) string {
	if params, ok := chain.Get(a.Chain, a.Network); ok && params.Family == chain.FamilyEVM {
		return strings.ToLower(addr)
	}
	return addr
}

// Owner returns the owner with the given address.
func (a *Account) Owner(addr string) (*Owner, bool) {
	key := a.ownerKey(addr)
	for i := range a.Owners {
		if a.ownerKey(a.Owners[i].Address) == key {
			return &a.Owners[i], true
		}
	}
	return nil, false
}

// OwnerByPubKey returns the owner registered with pub.
func (a *Account) OwnerByPubKey(pub []byte) (*Owner, bool) {
	if len(pub) == 0 {
		return nil, false
	}
	for i := range a.Owners {
		if bytes.Equal(a.Owners[i].PubKey, pub) {
			return &a.Owners[i], true
		}
	}
	return nil, false
}

// TotalWeight sums all owner weights.
func (a *Account) TotalWeight() uint64 {
	var total uint64
	for _, o := range a.Owners {
		total += o.Weight
	}
	return total
}

// SetExtra sets a chain specific value, allocating the map on first use.
func (a *Account) SetExtra(key, value string) {
	if a.Extra == nil {
		a.Extra = make(map[string]string)
	}
	a.Extra[key] = value
}

func (a *Account) toRecord() (*storage.MultisigAccountRecord, error) {
	owners, err := json.Marshal(a.Owners)
	if err != nil {
		return nil, fmt.Errorf("failed to encode owners: %w", err)
	}
	var extra json.RawMessage
	if len(a.Extra) > 0 {
		if extra, err = json.Marshal(a.Extra); err != nil {
			return nil, fmt.Errorf("failed to encode extra: %w", err)
		}
	}
	return &storage.MultisigAccountRecord{
		ID:          a.ID,
		Chain:       string(a.Chain),
		Network:     string(a.Network),
		Threshold:   a.Threshold,
		Owners:      owners,
		AddressType: string(a.AddressType),
		Address:     a.Address,
		DeployTx:    a.DeployTx,
		Status:      a.Status,
		Extra:       extra,
		CreatedAt:   a.CreatedAt,
	}, nil
}

func accountFromRecord(r *storage.MultisigAccountRecord) (*Account, error) {
	a := &Account{
		ID:          r.ID,
		Chain:       chain.Code(r.Chain),
		Network:     chain.Network(r.Network),
		Threshold:   r.Threshold,
		AddressType: chain.AddressType(r.AddressType),
		Address:     r.Address,
		DeployTx:    r.DeployTx,
		Status:      r.Status,
		CreatedAt:   r.CreatedAt,
	}
	if err := json.Unmarshal(r.Owners, &a.Owners); err != nil {
		return nil, fmt.Errorf("failed to decode owners of %s: %w", r.ID, err)
	}
	if len(r.Extra) > 0 {
		if err := json.Unmarshal(r.Extra, &a.Extra); err != nil {
			return nil, fmt.Errorf("failed to decode extra of %s: %w", r.ID, err)
		}
	}
	return a, nil
}
