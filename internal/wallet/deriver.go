package wallet

import (
	"fmt"
	"sync"

	slip10 "github.com/anyproto/go-slip10"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"golang.org/x/crypto/blake2b"

	"github.com/Klingon-tech/klingvault/internal/chain"
	"github.com/Klingon-tech/klingvault/internal/errs"
)

// masters holds the per-curve master keys of one seed. Either may be nil
// until first use.
type masters struct {
	secp    *hdkeychain.ExtendedKey
	ed25519 slip10.Node
}

// Deriver derives keys while caching master keys per seed fingerprint, so
// repeated derivations skip the HMAC-SHA512 master step. It is safe for
// concurrent use.
type Deriver struct {
	mu    sync.Mutex
	cache map[[32]byte]*masters
}

// NewDeriver returns an empty Deriver.
func NewDeriver() *Deriver {
	return &Deriver{cache: make(map[[32]byte]*masters)}
}

// Fingerprint identifies a seed without revealing it.
func Fingerprint(seed []byte) [32]byte {
	return blake2b.Sum256(seed)
}

// Derive derives the key for code at path, or at the default path for
// index 0 when path is empty.
func (d *Deriver) Derive(seed []byte, code chain.Code, network chain.Network, path string) (*KeyPair, error) {
	params, ok := chain.Get(code, network)
	if !ok {
		return nil, errs.Newf(errs.CodeUnsupported, "wallet.Derive", "unsupported chain: %s/%s", code, network)
	}
	if path == "" {
		path = params.DefaultPath(0, "")
	}

	p, err := ParsePath(path)
	if err != nil {
		return nil, err
	}

	var kp *KeyPair
	switch params.Curve {
	case chain.CurveEd25519:
		var node slip10.Node
		if node, err = d.ed25519Master(seed); err == nil {
			kp, err = deriveEd25519(node, p)
		}
	default:
		var master *hdkeychain.ExtendedKey
		if master, err = d.secpMaster(seed); err == nil {
			kp, err = deriveSecp256k1(master, p)
		}
	}
	if err != nil {
		return nil, err
	}

	kp.Chain = code
	kp.Network = network
	kp.Path = p.String()
	kp.Curve = params.Curve
	return kp, nil
}

// DeriveIndex derives the key at the chain's default path for a UI index.
func (d *Deriver) DeriveIndex(seed []byte, code chain.Code, network chain.Network, addrType chain.AddressType, index uint32) (*KeyPair, error) {
	params, ok := chain.Get(code, network)
	if !ok {
		return nil, errs.Newf(errs.CodeUnsupported, "wallet.DeriveIndex", "unsupported chain: %s/%s", code, network)
	}
	if index >= HardenedOffset {
		return nil, errs.Newf(errs.CodeIndexOverflow, "wallet.DeriveIndex", "index %d overflows hardened offset", index)
	}
	return d.Derive(seed, code, network, params.DefaultPath(index, addrType))
}

// Forget drops the cached master keys of seed.
func (d *Deriver) Forget(seed []byte) {
	fp := Fingerprint(seed)
	d.mu.Lock()
	defer d.mu.Unlock()
	if m, ok := d.cache[fp]; ok {
		m.zero()
		delete(d.cache, fp)
	}
}

// Reset drops every cached master key.
func (d *Deriver) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for fp, m := range d.cache {
		m.zero()
		delete(d.cache, fp)
	}
}

// Cached reports how many seeds have master keys cached.
func (d *Deriver) Cached() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.cache)
}

func (m *masters) zero() {
	if m.secp != nil {
		m.secp.Zero()
		m.secp = nil
	}
	m.ed25519 = nil
}

func (d *Deriver) entry(seed []byte) *masters {
	fp := Fingerprint(seed)
	m, ok := d.cache[fp]
	if !ok {
		m = &masters{}
		d.cache[fp] = m
	}
	return m
}

func (d *Deriver) secpMaster(seed []byte) (*hdkeychain.ExtendedKey, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	m := d.entry(seed)
	if m.secp == nil {
		// Serialization params are irrelevant here; addresses use chain params.
		key, err := hdkeychain.NewMaster(seed, &chaincfg.MainNetParams)
		if err != nil {
			return nil, errs.New(errs.CodeInvalidSeed, "wallet.Derive", fmt.Errorf("failed to create master key: %w", err))
		}
		m.secp = key
	}
	return m.secp, nil
}

func (d *Deriver) ed25519Master(seed []byte) (slip10.Node, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	m := d.entry(seed)
	if m.ed25519 == nil {
		node, err := slip10.NewMasterNode(seed)
		if err != nil {
			return nil, errs.New(errs.CodeInvalidSeed, "wallet.Derive", fmt.Errorf("failed to create master key: %w", err))
		}
		m.ed25519 = node
	}
	return m.ed25519, nil
}
