// Package vault wires the wallet core together: keystore, key derivation,
// chain adapters and the multisig coordinator.
//
// A Service is built once at startup from a config.Config and passed to
// whatever needs it. It holds the unlocked root seed between Unlock and Lock;
// derived keys live only for the duration of one call.
package vault

import (
	"errors"
	"fmt"
	"sync"

	"github.com/Klingon-tech/klingvault/internal/adapter"
	"github.com/Klingon-tech/klingvault/internal/adapter/btc"
	"github.com/Klingon-tech/klingvault/internal/adapter/evm"
	"github.com/Klingon-tech/klingvault/internal/adapter/solana"
	"github.com/Klingon-tech/klingvault/internal/adapter/sui"
	"github.com/Klingon-tech/klingvault/internal/adapter/ton"
	"github.com/Klingon-tech/klingvault/internal/adapter/tron"
	"github.com/Klingon-tech/klingvault/internal/address"
	"github.com/Klingon-tech/klingvault/internal/chain"
	"github.com/Klingon-tech/klingvault/internal/config"
	"github.com/Klingon-tech/klingvault/internal/keystore"
	"github.com/Klingon-tech/klingvault/internal/multisig"
	"github.com/Klingon-tech/klingvault/internal/storage"
	"github.com/Klingon-tech/klingvault/internal/wallet"
	"github.com/Klingon-tech/klingvault/pkg/logging"
)

// Service errors
var (
	ErrLocked       = errors.New("wallet is locked")
	ErrNoWallet     = errors.New("no wallet found")
	ErrWalletExists = errors.New("wallet already exists")
	ErrNoStore      = errors.New("multisig requires a database")
)

// rootIdentity names the encrypted root seed in the keystore.
var rootIdentity = keystore.Identity{Kind: keystore.KindRoot}

// phraseIdentity names the encrypted mnemonic backup.
var phraseIdentity = keystore.Identity{Kind: keystore.KindPhrase}

// Service is the process-wide wallet context.
type Service struct {
	cfg      *config.Config
	network  chain.Network
	keystore *keystore.Keystore
	adapters *adapter.Registry
	engines  *multisig.Registry
	store    *storage.Storage
	policy   adapter.Policy
	log      *logging.Logger

	coordinator *multisig.Coordinator
	expiry      *multisig.ExpiryWorker

	mu      sync.RWMutex
	seed    []byte
	deriver *wallet.Deriver
}

// Options holds optional collaborators. Zero values select the defaults
// built from the config.
type Options struct {
	// Store enables multisig coordination. Nil disables it.
	Store *storage.Storage

	// Adapters replaces the registry built from cfg.Chains, mostly for tests.
	Adapters *adapter.Registry
}

// New creates a service from cfg.
func New(cfg *config.Config, opts Options) (*Service, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	ksOpts, err := cfg.KeystoreOptions()
	if err != nil {
		return nil, err
	}

	reg := opts.Adapters
	if reg == nil {
		reg = NewAdapterRegistry(cfg.Network, cfg)
	}

	s := &Service{
		cfg:      cfg,
		network:  cfg.Network,
		keystore: keystore.New(cfg.KeystoreDir(), ksOpts),
		adapters: reg,
		engines:  multisig.NewRegistry(),
		store:    opts.Store,
		policy:   retryPolicy(cfg.Retry),
		log:      logging.GetDefault().Component("vault"),
		deriver:  wallet.NewDeriver(),
	}

	if s.store != nil {
		s.coordinator = multisig.NewCoordinator(s.store, s.engines, &multisig.CoordinatorConfig{
			Deadline: cfg.Multisig.Deadline,
		})
	}
	return s, nil
}

// NewAdapterRegistry registers every chain family's adapter factory.
func NewAdapterRegistry(network chain.Network, cfg *config.Config) *adapter.Registry {
	reg := adapter.NewRegistry(network, cfg.Backends())
	reg.RegisterFamily(chain.FamilyUTXO, btc.Factory)
	reg.RegisterFamily(chain.FamilyEVM, evm.Factory)
	reg.RegisterFamily(chain.FamilyTron, tron.Factory)
	reg.RegisterFamily(chain.FamilySolana, solana.Factory)
	reg.RegisterFamily(chain.FamilyTon, ton.Factory)
	reg.RegisterFamily(chain.FamilySui, sui.Factory)
	return reg
}

func retryPolicy(r config.RetryConfig) adapter.Policy {
	p := adapter.DefaultPolicy()
	if r.Attempts > 0 {
		p.Attempts = r.Attempts
	}
	if r.Timeout > 0 {
		p.Timeout = r.Timeout
	}
	if r.BaseDelay > 0 && r.MaxDelay > 0 {
		p.Backoff = adapter.ExponentialBackoff(r.BaseDelay, r.MaxDelay)
	}
	return p
}

// Network returns the configured network.
func (s *Service) Network() chain.Network { return s.network }

// Keystore returns the keystore.
func (s *Service) Keystore() *keystore.Keystore { return s.keystore }

// Adapters returns the adapter registry.
func (s *Service) Adapters() *adapter.Registry { return s.adapters }

// Policy returns the retry policy for network calls.
func (s *Service) Policy() adapter.Policy { return s.policy }

// Close stops background workers and wipes the seed. The store is owned by
// the caller.
func (s *Service) Close() {
	if s.expiry != nil {
		s.expiry.Stop()
		s.expiry = nil
	}
	s.Lock()
}

// =============================================================================
// Wallet lifecycle
// =============================================================================

// HasWallet reports whether an encrypted root seed exists.
func (s *Service) HasWallet() bool {
	entries, err := s.keystore.List()
	if err != nil {
		return false
	}
	for _, e := range entries {
		if e.Err == nil && e.Identity.Kind == keystore.KindRoot {
			return true
		}
	}
	return false
}

// CreateWallet stores the mnemonic and its seed encrypted with password and
// leaves the wallet unlocked.
func (s *Service) CreateWallet(mnemonic, passphrase, language, password string) error {
	if s.HasWallet() {
		return ErrWalletExists
	}
	if !wallet.ValidateMnemonic(mnemonic, language) {
		return fmt.Errorf("invalid mnemonic")
	}
	if err := keystore.ValidatePassword(password); err != nil {
		return fmt.Errorf("weak password: %w", err)
	}

	seed, err := wallet.SeedFromMnemonic(mnemonic, passphrase, language)
	if err != nil {
		return err
	}

	phrase := &keystore.Payload{Kind: keystore.KindPhrase, Name: "mnemonic", Data: []byte(mnemonic), Language: language}
	defer phrase.Zero()
	if _, err := s.keystore.Store(phrase, password); err != nil {
		wallet.SecureClear(seed)
		return fmt.Errorf("failed to store mnemonic: %w", err)
	}

	root := &keystore.Payload{Kind: keystore.KindRoot, Name: "root", Data: append([]byte(nil), seed...)}
	defer root.Zero()
	if _, err := s.keystore.Store(root, password); err != nil {
		wallet.SecureClear(seed)
		return fmt.Errorf("failed to store seed: %w", err)
	}

	s.setSeed(seed)
	s.log.Info("Wallet created", "network", s.network)
	return nil
}

// Unlock decrypts the root seed.
func (s *Service) Unlock(password string) error {
	if !s.HasWallet() {
		return ErrNoWallet
	}
	p, err := s.keystore.Load(rootIdentity, password)
	if err != nil {
		return err
	}
	s.setSeed(p.Data)
	return nil
}

// RevealMnemonic decrypts the stored mnemonic.
func (s *Service) RevealMnemonic(password string) (string, error) {
	p, err := s.keystore.Load(phraseIdentity, password)
	if err != nil {
		return "", err
	}
	defer p.Zero()
	return p.Phrase()
}

func (s *Service) setSeed(seed []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deriver.Reset()
	wallet.SecureClear(s.seed)
	s.seed = seed
}

// Lock wipes the seed and cached master keys from memory. It waits for
// derivations in flight.
func (s *Service) Lock() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deriver.Reset()
	wallet.SecureClear(s.seed)
	s.seed = nil
}

// IsUnlocked reports whether the seed is in memory.
func (s *Service) IsUnlocked() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.seed != nil
}

// =============================================================================
// Keys and addresses
// =============================================================================

// Derive derives the key at path, or at the default path for index when
// path is empty. The caller owns the key and must Zero it.
func (s *Service) Derive(code chain.Code, addrType chain.AddressType, index uint32, path string) (*wallet.KeyPair, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.seed == nil {
		return nil, ErrLocked
	}

	if path != "" {
		return s.deriver.Derive(s.seed, code, s.network, path)
	}
	return s.deriver.DeriveIndex(s.seed, code, s.network, addrType, index)
}

// Address returns the address at the default path for index.
func (s *Service) Address(code chain.Code, addrType chain.AddressType, index uint32) (address.Address, error) {
	key, err := s.Derive(code, addrType, index, "")
	if err != nil {
		return address.Address{}, err
	}
	defer key.Zero()
	return address.FromKeyPair(key, addrType)
}

// AddressAt returns the address of an explicit derivation path.
func (s *Service) AddressAt(code chain.Code, addrType chain.AddressType, path string) (address.Address, error) {
	key, err := s.Derive(code, addrType, 0, path)
	if err != nil {
		return address.Address{}, err
	}
	defer key.Zero()
	return address.FromKeyPair(key, addrType)
}

// ExportKey stores the key at index as a derived keystore entry and returns
// its file path.
func (s *Service) ExportKey(code chain.Code, addrType chain.AddressType, index uint32, password string) (string, error) {
	key, err := s.Derive(code, addrType, index, "")
	if err != nil {
		return "", err
	}
	defer key.Zero()

	addr, err := address.FromKeyPair(key, addrType)
	if err != nil {
		return "", err
	}

	p := &keystore.Payload{
		Kind:    keystore.KindDerived,
		Name:    fmt.Sprintf("%s-%d", code, index),
		Data:    append([]byte(nil), key.Private...),
		Chain:   code,
		Network: s.network,
		Path:    key.Path,
		Address: addr.Value,
	}
	defer p.Zero()
	return s.keystore.Store(p, password)
}

// MigrateKeystore moves every file written with from into the configured
// layout. Backups go to the configured backup directory.
func (s *Service) MigrateKeystore(from keystore.Layout, dryRun bool) ([]*keystore.MigrationResult, []keystore.Entry, error) {
	m := keystore.NewMigrator(s.keystore.Root(), from, s.keystore.Layout(), s.cfg.BackupDir())
	return m.MigrateDir(keystore.MigrateOptions{DryRun: dryRun})
}
