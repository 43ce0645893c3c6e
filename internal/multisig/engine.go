package multisig

import (
	"context"
	"fmt"
	"sync"

	"github.com/Klingon-tech/klingvault/internal/chain"
	"github.com/Klingon-tech/klingvault/internal/errs"
	"github.com/Klingon-tech/klingvault/internal/wallet"
)

// Engine implements multisig accounts for one chain.
type Engine interface {
	// FetchAddress returns the account address. It is deterministic and
	// works before the account is deployed.
	FetchAddress(ctx context.Context, p *DeployParams) (string, error)

	// Deploy creates the account on chain.
	Deploy(ctx context.Context, p *DeployParams) (*Deployment, error)

	// BuildTx returns the payload every owner signs.
	BuildTx(ctx context.Context, p *TxParams) (*Proposal, error)

	SignTx(payload []byte, key *wallet.KeyPair) (*PartialSig, error)

	// VerifySig checks sig against payload. sig.PubKey must be set on
	// chains whose signatures do not recover the signer.
	VerifySig(payload []byte, sig *PartialSig) error

	// ExecTx assembles the collected signatures and broadcasts.
	ExecTx(ctx context.Context, p *ExecParams) (string, error)
}

type engineKey struct {
	code    chain.Code
	network chain.Network
}

// Registry resolves the engine of a chain.
type Registry struct {
	mu      sync.RWMutex
	engines map[engineKey]Engine
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{engines: make(map[engineKey]Engine)}
}

// Register adds or replaces the engine of code on network.
func (r *Registry) Register(code chain.Code, network chain.Network, e Engine) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.engines[engineKey{code, network}] = e
}

// Get returns the engine of code on network.
func (r *Registry) Get(code chain.Code, network chain.Network) (Engine, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.engines[engineKey{code, network}]
	if !ok {
		return nil, errs.Chain(errs.CodeUnsupported, string(code), "multisig.engine",
			fmt.Errorf("no multisig engine for %s on %s", code, network))
	}
	return e, nil
}

// requireUnitWeights rejects weighted owner sets on chains that only count
// signatures.
func requireUnitWeights(a *Account, op string) error {
	for _, o := range a.Owners {
		if o.Weight != 1 {
			return errs.Chain(errs.CodeUnsupported, string(a.Chain), op,
				fmt.Errorf("owner %s has weight %d; only unit weights are supported", o.Address, o.Weight))
		}
	}
	return nil
}
