package vault

import (
	"context"
	"fmt"
	"time"

	"github.com/Klingon-tech/klingvault/internal/adapter/btc"
	"github.com/Klingon-tech/klingvault/internal/adapter/evm"
	"github.com/Klingon-tech/klingvault/internal/adapter/solana"
	"github.com/Klingon-tech/klingvault/internal/adapter/tron"
	"github.com/Klingon-tech/klingvault/internal/chain"
	"github.com/Klingon-tech/klingvault/internal/errs"
	"github.com/Klingon-tech/klingvault/internal/multisig"
	"github.com/Klingon-tech/klingvault/internal/wallet"
)

// Signer selects the wallet key that acts for an owner.
type Signer struct {
	Chain    chain.Code
	AddrType chain.AddressType
	Index    uint32
	Path     string // overrides Index when set
}

// Coordinator returns the multisig coordinator, or nil without a store.
func (s *Service) Coordinator() *multisig.Coordinator { return s.coordinator }

// MultisigEngine returns the engine of code, creating it from the chain's
// adapter on first use.
func (s *Service) MultisigEngine(code chain.Code) (multisig.Engine, error) {
	if e, err := s.engines.Get(code, s.network); err == nil {
		return e, nil
	}

	a, err := s.adapters.Get(code)
	if err != nil {
		return nil, err
	}

	var e multisig.Engine
	switch a := a.(type) {
	case *btc.Adapter:
		e = multisig.NewBTCEngine(a)
	case *tron.Adapter:
		e = multisig.NewTronEngine(a)
	case *evm.Adapter:
		f, ok := s.cfg.EVMFactoryFor(code)
		if !ok {
			return nil, errs.Chain(errs.CodeUnsupported, string(code), "vault.multisig",
				fmt.Errorf("no multisig factory configured for %s", code))
		}
		e, err = multisig.NewEVMEngine(a, multisig.EVMEngineConfig{Factory: f.Factory, InitCodeHash: f.InitCodeHash})
	case *solana.Adapter:
		e, err = multisig.NewSolanaEngine(a, multisig.SolanaEngineConfig{Program: s.cfg.Multisig.SquadsProgram})
	default:
		return nil, errs.Chain(errs.CodeUnsupported, string(code), "vault.multisig",
			fmt.Errorf("multisig is not supported on %s", code))
	}
	if err != nil {
		return nil, err
	}

	s.engines.Register(code, s.network, e)
	return e, nil
}

// StartExpiryWorker starts expiring overdue multisig transactions.
func (s *Service) StartExpiryWorker() error {
	if s.coordinator == nil {
		return ErrNoStore
	}
	if s.expiry != nil {
		return nil
	}
	s.expiry = multisig.NewExpiryWorker(s.coordinator, multisig.ExpiryWorkerConfig{
		PollInterval: s.cfg.Multisig.ExpiryInterval,
	})
	s.expiry.Start()
	return nil
}

// MultisigAddress computes the address of an account without persisting or
// broadcasting anything.
func (s *Service) MultisigAddress(ctx context.Context, acct *multisig.Account, deployer Signer) (string, error) {
	if acct.Network == "" {
		acct.Network = s.network
	}
	if err := acct.Validate(); err != nil {
		return "", err
	}
	engine, err := s.MultisigEngine(acct.Chain)
	if err != nil {
		return "", err
	}
	key, err := s.signerKey(deployer)
	if err != nil {
		return "", err
	}
	defer key.Zero()
	return engine.FetchAddress(ctx, &multisig.DeployParams{Account: acct, Deployer: key})
}

// CreateMultisig validates and records a pending account. Its address is
// final and may be funded before DeployMultisig.
func (s *Service) CreateMultisig(ctx context.Context, acct *multisig.Account, deployer Signer) (*multisig.Account, error) {
	if s.coordinator == nil {
		return nil, ErrNoStore
	}
	if acct.Network == "" {
		acct.Network = s.network
	}
	if err := acct.Validate(); err != nil {
		return nil, err
	}
	if _, err := s.MultisigEngine(acct.Chain); err != nil {
		return nil, err
	}
	key, err := s.signerKey(deployer)
	if err != nil {
		return nil, err
	}
	defer key.Zero()
	return s.coordinator.CreateAccount(ctx, &multisig.DeployParams{Account: acct, Deployer: key})
}

// DeployMultisig broadcasts the deployment of a pending account.
func (s *Service) DeployMultisig(ctx context.Context, id string, deployer Signer) (*multisig.Account, error) {
	if s.coordinator == nil {
		return nil, ErrNoStore
	}
	acct, err := s.coordinator.GetAccount(id)
	if err != nil {
		return nil, err
	}
	if _, err := s.MultisigEngine(acct.Chain); err != nil {
		return nil, err
	}
	key, err := s.signerKey(deployer)
	if err != nil {
		return nil, err
	}
	defer key.Zero()
	return s.coordinator.DeployAccount(ctx, id, key)
}

// ProposeMultisig builds a transaction out of a deployed account.
func (s *Service) ProposeMultisig(ctx context.Context, accountID, initiator string, p *multisig.TxParams, ttl time.Duration) (*multisig.Transaction, error) {
	if s.coordinator == nil {
		return nil, ErrNoStore
	}
	acct, err := s.coordinator.GetAccount(accountID)
	if err != nil {
		return nil, err
	}
	if _, err := s.MultisigEngine(acct.Chain); err != nil {
		return nil, err
	}
	return s.coordinator.Propose(ctx, accountID, initiator, p, ttl)
}

// SignMultisig signs a proposal with a wallet key and submits the
// signature. A second call for the same signer replaces the first.
func (s *Service) SignMultisig(ctx context.Context, txID string, signer Signer) (*multisig.Transaction, error) {
	if s.coordinator == nil {
		return nil, ErrNoStore
	}
	tx, err := s.coordinator.GetTransaction(txID)
	if err != nil {
		return nil, err
	}
	acct, err := s.coordinator.GetAccount(tx.AccountID)
	if err != nil {
		return nil, err
	}
	engine, err := s.MultisigEngine(acct.Chain)
	if err != nil {
		return nil, err
	}

	key, err := s.signerKey(signer)
	if err != nil {
		return nil, err
	}
	defer key.Zero()

	sig, err := engine.SignTx(tx.Payload, key)
	if err != nil {
		return nil, fmt.Errorf("failed to sign multisig tx %s: %w", txID, err)
	}
	return s.coordinator.Submit(ctx, txID, sig)
}

// ExecuteMultisig broadcasts a transaction that reached its threshold.
// submitter pays the fee on chains where that is separate from signing.
func (s *Service) ExecuteMultisig(ctx context.Context, txID string, submitter Signer) (*multisig.Transaction, error) {
	if s.coordinator == nil {
		return nil, ErrNoStore
	}
	tx, err := s.coordinator.GetTransaction(txID)
	if err != nil {
		return nil, err
	}
	acct, err := s.coordinator.GetAccount(tx.AccountID)
	if err != nil {
		return nil, err
	}
	if _, err := s.MultisigEngine(acct.Chain); err != nil {
		return nil, err
	}

	key, err := s.signerKey(submitter)
	if err != nil {
		return nil, err
	}
	defer key.Zero()
	return s.coordinator.Execute(ctx, txID, key)
}

func (s *Service) signerKey(sg Signer) (*wallet.KeyPair, error) {
	return s.Derive(sg.Chain, sg.AddrType, sg.Index, sg.Path)
}
