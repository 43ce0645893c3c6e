package storage

import (
	"os"
	"path/filepath"
	"testing"
)

// setupTestStorage creates a temporary storage for testing.
func setupTestStorage(t *testing.T) (*Storage, string) {
	t.Helper()

	tmpDir, err := os.MkdirTemp("", "klingvault-storage-test-*")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(tmpDir) })

	store, err := New(&Config{DataDir: tmpDir})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { store.Close() })

	return store, tmpDir
}

func TestNew(t *testing.T) {
	store, dir := setupTestStorage(t)

	dbPath := filepath.Join(dir, DBFile)
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		t.Error("database file was not created")
	}
	if store.Path() != dbPath {
		t.Errorf("Path() = %s, want %s", store.Path(), dbPath)
	}
	if store.DB() == nil {
		t.Error("DB() returned nil")
	}

	var mode string
	if err := store.DB().QueryRow("PRAGMA journal_mode").Scan(&mode); err != nil {
		t.Fatalf("PRAGMA journal_mode error = %v", err)
	}
	if mode != "wal" {
		t.Errorf("journal_mode = %s, want wal", mode)
	}
}

func TestNewWithTildeExpansion(t *testing.T) {
	home, _ := os.UserHomeDir()
	expanded := expandPath("~/.test")
	expected := filepath.Join(home, ".test")

	if expanded != expected {
		t.Errorf("expandPath(~/.test) = %s, want %s", expanded, expected)
	}
	if got := expandPath("/tmp/x"); got != "/tmp/x" {
		t.Errorf("expandPath(/tmp/x) = %s", got)
	}
}

func TestStorageSchema(t *testing.T) {
	store, _ := setupTestStorage(t)

	for _, table := range []string{"settings", "multisig_accounts", "multisig_txs", "multisig_signatures"} {
		var name string
		err := store.DB().QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&name)
		if err != nil {
			t.Errorf("%s table not found: %v", table, err)
		}
	}

	v, err := store.GetSetting(schemaVersionKey)
	if err != nil {
		t.Fatalf("GetSetting() error = %v", err)
	}
	if v != "1" {
		t.Errorf("schema_version = %s, want 1", v)
	}
}

func TestReopenKeepsSchemaVersion(t *testing.T) {
	store, dir := setupTestStorage(t)
	store.Close()

	reopened, err := New(&Config{DataDir: dir})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer reopened.Close()

	v, err := reopened.GetSetting(schemaVersionKey)
	if err != nil || v != "1" {
		t.Errorf("schema_version = %q, %v", v, err)
	}
}

func TestSettings(t *testing.T) {
	store, _ := setupTestStorage(t)

	if _, err := store.GetSetting("missing"); err != ErrSettingNotFound {
		t.Errorf("GetSetting(missing) error = %v, want ErrSettingNotFound", err)
	}

	if err := store.SetSetting("network", "testnet"); err != nil {
		t.Fatalf("SetSetting() error = %v", err)
	}
	if err := store.SetSetting("network", "mainnet"); err != nil {
		t.Fatalf("SetSetting() error = %v", err)
	}
	v, err := store.GetSetting("network")
	if err != nil {
		t.Fatalf("GetSetting() error = %v", err)
	}
	if v != "mainnet" {
		t.Errorf("GetSetting() = %s, want mainnet", v)
	}
}
