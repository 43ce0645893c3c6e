// Package config loads the wallet core configuration from YAML.
//
// Configuration is read once at startup into a Config value that is passed
// down explicitly; nothing in this package keeps mutable global state.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/Klingon-tech/klingvault/internal/backend"
	"github.com/Klingon-tech/klingvault/internal/chain"
	"github.com/Klingon-tech/klingvault/internal/keystore"
)

// ConfigFileName is the default config file name.
const ConfigFileName = "config.yaml"

// Config holds all configuration for the wallet core.
type Config struct {
	// Network is mainnet, testnet or regtest.
	Network chain.Network `yaml:"network"`

	// DataDir holds the database, keystore and backups.
	DataDir string `yaml:"data_dir"`

	Log      LogConfig      `yaml:"log"`
	Keystore KeystoreConfig `yaml:"keystore"`

	// Chains holds node endpoints per chain code. Missing chains fall back
	// to backend.DefaultConfigs.
	Chains map[chain.Code]*backend.Config `yaml:"chains,omitempty"`

	Multisig MultisigConfig `yaml:"multisig"`
	Retry    RetryConfig    `yaml:"retry"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	// Level is the log level (debug, info, warn, error).
	Level string `yaml:"level"`

	// TimeFormat is a Go time layout for log timestamps.
	TimeFormat string `yaml:"time_format"`
}

// KeystoreConfig holds keystore settings.
type KeystoreConfig struct {
	// Dir is relative to DataDir unless absolute.
	Dir string `yaml:"dir"`

	// KDF is scrypt or argon2id.
	KDF string `yaml:"kdf"`

	// Cipher is aes-256-gcm or xchacha20-poly1305.
	Cipher string `yaml:"cipher"`

	// Layout is flat or tree.
	Layout string `yaml:"layout"`

	// Naming is the filename scheme version (1 or 2).
	Naming int `yaml:"naming"`

	// BackupDir receives verified copies during migration.
	BackupDir string `yaml:"backup_dir"`
}

// MultisigConfig holds multisig deployment settings.
type MultisigConfig struct {
	// EVM maps chain codes to their wallet factory.
	EVM map[chain.Code]EVMFactory `yaml:"evm,omitempty"`

	// SquadsProgram overrides the Squads program id on Solana.
	SquadsProgram string `yaml:"squads_program,omitempty"`

	// Deadline is the default signature collection window.
	Deadline time.Duration `yaml:"deadline"`

	// ExpiryInterval is how often overdue transactions are expired.
	ExpiryInterval time.Duration `yaml:"expiry_interval"`
}

// EVMFactory locates a CREATE2 multisig wallet factory.
type EVMFactory struct {
	Factory string `yaml:"factory"`

	// InitCodeHash is read from the factory when empty.
	InitCodeHash string `yaml:"init_code_hash,omitempty"`
}

// RetryConfig bounds retries of network failures.
type RetryConfig struct {
	Attempts  int           `yaml:"attempts"`
	BaseDelay time.Duration `yaml:"base_delay"`
	MaxDelay  time.Duration `yaml:"max_delay"`
	Timeout   time.Duration `yaml:"timeout"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Network: chain.Mainnet,
		DataDir: "~/.klingvault",
		Log: LogConfig{
			Level:      "info",
			TimeFormat: time.TimeOnly,
		},
		Keystore: KeystoreConfig{
			Dir:       "keystore",
			KDF:       keystore.KDFScrypt,
			Cipher:    keystore.CipherAESGCM,
			Layout:    "tree",
			Naming:    2,
			BackupDir: "keystore-backup",
		},
		Multisig: MultisigConfig{
			Deadline:       24 * time.Hour,
			ExpiryInterval: 30 * time.Second,
		},
		Retry: RetryConfig{
			Attempts:  3,
			BaseDelay: 500 * time.Millisecond,
			MaxDelay:  10 * time.Second,
			Timeout:   30 * time.Second,
		},
	}
}

// Load loads configuration from <dataDir>/config.yaml.
// If the file doesn't exist, it creates one with default values.
func Load(dataDir string) (*Config, error) {
	configPath := ConfigPath(dataDir)

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		cfg := DefaultConfig()
		cfg.DataDir = dataDir

		if err := cfg.Save(configPath); err != nil {
			return nil, fmt.Errorf("failed to create default config: %w", err)
		}
		return cfg, nil
	}

	return LoadFile(configPath)
}

// LoadFile loads configuration from an explicit path. Fields missing from
// the file keep their defaults.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(ExpandPath(path))
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks enumerated values.
func (c *Config) Validate() error {
	if _, err := chain.ParseNetwork(string(c.Network)); err != nil {
		return err
	}
	if _, err := keystore.KDFByName(c.Keystore.KDF); err != nil {
		return err
	}
	switch c.Keystore.Cipher {
	case "", keystore.CipherAESGCM, keystore.CipherXChaCha20Poly1305:
	default:
		return fmt.Errorf("unsupported cipher: %s", c.Keystore.Cipher)
	}
	if _, err := c.KeystoreLayout(); err != nil {
		return err
	}
	for code := range c.Chains {
		if !chain.IsSupported(code) {
			return fmt.Errorf("unsupported chain in chains: %s", code)
		}
	}
	return nil
}

// Save writes the configuration to a YAML file.
func (c *Config) Save(path string) error {
	path = ExpandPath(path)
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	header := []byte("# klingvault configuration\n# Generated automatically on first run\n\n")
	data = append(header, data...)

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// Backends returns the endpoint of every supported chain, with configured
// entries overriding the defaults.
func (c *Config) Backends() map[chain.Code]*backend.Config {
	out := backend.DefaultConfigs()
	for code, cfg := range c.Chains {
		if cfg == nil {
			continue
		}
		if def, ok := out[code]; ok {
			merged := *def
			mergeBackend(&merged, cfg)
			out[code] = &merged
			continue
		}
		out[code] = cfg
	}
	return out
}

func mergeBackend(dst, src *backend.Config) {
	if src.Type != "" {
		dst.Type = src.Type
	}
	if src.MainnetURL != "" {
		dst.MainnetURL = src.MainnetURL
	}
	if src.TestnetURL != "" {
		dst.TestnetURL = src.TestnetURL
	}
	if src.WSMainnet != "" {
		dst.WSMainnet = src.WSMainnet
	}
	if src.WSTestnet != "" {
		dst.WSTestnet = src.WSTestnet
	}
	if src.APIKey != "" {
		dst.APIKey = src.APIKey
	}
	if src.RPCUser != "" {
		dst.RPCUser = src.RPCUser
		dst.RPCPass = src.RPCPass
	}
	if src.Timeout > 0 {
		dst.Timeout = src.Timeout
	}
}

// KeystoreDir returns the absolute keystore directory.
func (c *Config) KeystoreDir() string {
	return c.resolve(c.Keystore.Dir)
}

// BackupDir returns the absolute migration backup directory.
func (c *Config) BackupDir() string {
	return c.resolve(c.Keystore.BackupDir)
}

// KeystoreLayout returns the configured layout with its naming scheme.
func (c *Config) KeystoreLayout() (keystore.Layout, error) {
	v := c.Keystore.Naming
	if v == 0 {
		v = 2
	}
	naming, err := keystore.NamingByVersion(v)
	if err != nil {
		return nil, err
	}
	return keystore.LayoutByName(c.Keystore.Layout, naming)
}

// KeystoreOptions returns the options for keystore.New.
func (c *Config) KeystoreOptions() (keystore.Options, error) {
	layout, err := c.KeystoreLayout()
	if err != nil {
		return keystore.Options{}, err
	}
	kdf, err := keystore.KDFByName(c.Keystore.KDF)
	if err != nil {
		return keystore.Options{}, err
	}
	return keystore.Options{Layout: layout, KDF: kdf, Cipher: c.Keystore.Cipher}, nil
}

func (c *Config) resolve(p string) string {
	p = ExpandPath(p)
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(ExpandPath(c.DataDir), p)
}

// ConfigPath returns the full path to the config file for the given data directory.
func ConfigPath(dataDir string) string {
	return filepath.Join(ExpandPath(dataDir), ConfigFileName)
}

// ExpandPath expands ~ to the home directory.
func ExpandPath(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[1:])
	}
	return path
}
