// Package keystore stores secrets in password-encrypted envelope files and
// manages their on-disk naming, layout and migration.
package keystore

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/Klingon-tech/klingvault/internal/chain"
	"github.com/Klingon-tech/klingvault/internal/errs"
	"github.com/Klingon-tech/klingvault/pkg/logging"
)

// PayloadKind is the type of secret held by an envelope.
type PayloadKind string

const (
	KindRoot       PayloadKind = "root"    // BIP39 seed of a whole wallet
	KindPhrase     PayloadKind = "phrase"  // mnemonic words
	KindPrivateKey PayloadKind = "privkey" // single raw private key
	KindSeed       PayloadKind = "seed"    // raw seed bytes
	KindDerived    PayloadKind = "derived" // derived key with path metadata
)

// ParsePayloadKind validates a kind string.
func ParsePayloadKind(s string) (PayloadKind, error) {
	switch k := PayloadKind(s); k {
	case KindRoot, KindPhrase, KindPrivateKey, KindSeed, KindDerived:
		return k, nil
	}
	return "", fmt.Errorf("unknown payload kind: %s", s)
}

// Payload is the decrypted content of an envelope.
type Payload struct {
	Kind PayloadKind `json:"kind"`
	Name string      `json:"name,omitempty"`

	// Data holds the secret: seed bytes, key bytes or UTF-8 mnemonic words.
	Data []byte `json:"data"`

	Language string        `json:"language,omitempty"` // phrase
	Chain    chain.Code    `json:"chain,omitempty"`    // privkey, derived
	Network  chain.Network `json:"network,omitempty"`  // privkey, derived
	Path     string        `json:"path,omitempty"`     // derived
	Address  string        `json:"address,omitempty"`  // privkey, derived
}

// Phrase returns the mnemonic of a phrase payload.
func (p *Payload) Phrase() (string, error) {
	if p.Kind != KindPhrase {
		return "", fmt.Errorf("payload is %s, not %s", p.Kind, KindPhrase)
	}
	return string(p.Data), nil
}

// Zero clears the secret bytes.
func (p *Payload) Zero() {
	SecureClear(p.Data)
}

// Identity returns the file identity of the payload.
func (p *Payload) Identity() Identity {
	return Identity{Kind: p.Kind, Chain: p.Chain, Address: p.Address, Path: p.Path}
}

// StoreData encrypts data and writes it to path atomically.
// The parent directory is created with 0700 and the file written with 0600.
func StoreData(name string, data *Payload, path, password string, kdf KDF) error {
	return storeData(name, data, path, password, kdf, CipherAESGCM)
}

func storeData(name string, data *Payload, path, password string, kdf KDF, cipherName string) error {
	if err := ValidateFilePath(path); err != nil {
		return err
	}
	if password == "" {
		return fmt.Errorf("password cannot be empty")
	}
	if data == nil || len(data.Data) == 0 {
		return fmt.Errorf("payload cannot be empty")
	}
	if _, err := ParsePayloadKind(string(data.Kind)); err != nil {
		return err
	}
	if data.Name == "" {
		data.Name = name
	}

	plaintext, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}
	defer SecureClear(plaintext)

	env, err := Seal(name, data.Kind, plaintext, password, kdf, cipherName)
	if err != nil {
		return fmt.Errorf("failed to encrypt payload: %w", err)
	}
	out, err := json.MarshalIndent(env, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal envelope: %w", err)
	}
	return writeFileAtomic(path, out)
}

// LoadData reads and decrypts the envelope at path.
// Errors match errs.ErrWrongPassword or errs.ErrCorrupt; no partial payload is returned.
func LoadData(path, password string) (*Payload, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read keystore: %w", err)
	}
	env, err := ParseEnvelope(raw)
	if err != nil {
		return nil, err
	}
	plaintext, err := env.Open(password)
	if err != nil {
		return nil, err
	}
	defer SecureClear(plaintext)

	var p Payload
	if err := json.Unmarshal(plaintext, &p); err != nil {
		return nil, errs.New(errs.CodeCorruptFile, "keystore.load", err)
	}
	if p.Kind != env.Kind {
		p.Zero()
		return nil, errs.Newf(errs.CodeCorruptFile, "keystore.load", "kind mismatch: %s != %s", p.Kind, env.Kind)
	}
	return &p, nil
}

func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if err := tmp.Chmod(0600); err != nil {
		tmp.Close()
		cleanup()
		return fmt.Errorf("failed to chmod temp file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		cleanup()
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		cleanup()
		return fmt.Errorf("failed to sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		cleanup()
		return fmt.Errorf("failed to rename keystore: %w", err)
	}
	return nil
}

// Keystore stores payloads under a root directory using a layout.
type Keystore struct {
	root   string
	layout Layout
	kdf    KDF
	cipher string
	log    *logging.Logger
}

// Options configures a Keystore.
type Options struct {
	Layout Layout
	KDF    KDF
	Cipher string
}

// New creates a keystore rooted at dir.
func New(dir string, opts Options) *Keystore {
	if opts.Layout == nil {
		opts.Layout = TreeLayout{Scheme: NamingV2{}}
	}
	if opts.KDF.Algorithm == "" {
		opts.KDF = ScryptKDF()
	}
	if opts.Cipher == "" {
		opts.Cipher = CipherAESGCM
	}
	return &Keystore{
		root:   dir,
		layout: opts.Layout,
		kdf:    opts.KDF,
		cipher: opts.Cipher,
		log:    logging.GetDefault().Component("keystore"),
	}
}

// Root returns the keystore directory.
func (k *Keystore) Root() string { return k.root }

// Layout returns the active layout.
func (k *Keystore) Layout() Layout { return k.layout }

// Store writes p to the path the layout assigns to its identity.
func (k *Keystore) Store(p *Payload, password string) (string, error) {
	path, err := k.layout.PathFor(k.root, p.Identity())
	if err != nil {
		return "", err
	}
	if err := storeData(p.Name, p, path, password, k.kdf, k.cipher); err != nil {
		return "", err
	}
	k.log.Info("Stored keystore entry", "kind", p.Kind, "chain", p.Chain, "address", p.Address)
	return path, nil
}

// Load decrypts the entry for id.
func (k *Keystore) Load(id Identity, password string) (*Payload, error) {
	path, err := k.layout.PathFor(k.root, id)
	if err != nil {
		return nil, err
	}
	p, err := LoadData(path, password)
	if err != nil {
		if errors.Is(err, errs.ErrWrongPassword) {
			k.log.Warn("Keystore password rejected", "kind", id.Kind, "chain", id.Chain)
		}
		return nil, err
	}
	return p, nil
}

// List scans the keystore directory.
func (k *Keystore) List() ([]Entry, error) {
	return k.layout.Scan(k.root)
}
