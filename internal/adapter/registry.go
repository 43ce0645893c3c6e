package adapter

import (
	"fmt"
	"sync"

	"github.com/Klingon-tech/klingvault/internal/backend"
	"github.com/Klingon-tech/klingvault/internal/chain"
	"github.com/Klingon-tech/klingvault/internal/errs"
)

// Factory creates an adapter for one chain.
type Factory func(params *chain.Params, network chain.Network, cfg *backend.Config) (Adapter, error)

// Registry resolves adapters by chain code. Chain-specific factories take
// precedence over family factories, so adding a chain never edits a switch.
type Registry struct {
	network chain.Network
	configs map[chain.Code]*backend.Config

	mu       sync.Mutex
	byChain  map[chain.Code]Factory
	byFamily map[chain.Family]Factory
	cache    map[chain.Code]Adapter
}

// NewRegistry creates an empty registry. configs may be nil to use
// backend.DefaultConfigs.
func NewRegistry(network chain.Network, configs map[chain.Code]*backend.Config) *Registry {
	if configs == nil {
		configs = backend.DefaultConfigs()
	}
	return &Registry{
		network:  network,
		configs:  configs,
		byChain:  make(map[chain.Code]Factory),
		byFamily: make(map[chain.Family]Factory),
		cache:    make(map[chain.Code]Adapter),
	}
}

// Network returns the registry network.
func (r *Registry) Network() chain.Network { return r.network }

// RegisterFamily sets the factory used for every chain of a family.
func (r *Registry) RegisterFamily(f chain.Family, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byFamily[f] = factory
}

// RegisterChain sets a factory for one chain code.
func (r *Registry) RegisterChain(code chain.Code, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byChain[code] = factory
	delete(r.cache, code)
}

// Set installs a ready adapter, replacing any cached instance.
func (r *Registry) Set(a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cache[a.Chain()] = a
}

// Get returns the adapter for code, creating it on first use.
func (r *Registry) Get(code chain.Code) (Adapter, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if a, ok := r.cache[code]; ok {
		return a, nil
	}

	params, ok := chain.Get(code, r.network)
	if !ok {
		return nil, errs.Newf(errs.CodeUnsupported, "adapter.get", "chain %s not registered for %s", code, r.network)
	}

	factory, ok := r.byChain[code]
	if !ok {
		factory, ok = r.byFamily[params.Family]
	}
	if !ok {
		return nil, errs.Newf(errs.CodeUnsupported, "adapter.get", "no adapter for %s (%s)", code, params.Family)
	}

	cfg, ok := r.configs[code]
	if !ok {
		return nil, fmt.Errorf("%w: no backend configured for %s", backend.ErrNotConnected, code)
	}

	a, err := factory(params, r.network, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s adapter: %w", code, err)
	}
	r.cache[code] = a
	return a, nil
}
