// Package storage provides persistent storage using SQLite.
package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"
)

// DBFile is the database file name inside the data directory.
const DBFile = "klingvault.db"

// Storage provides persistent storage for multisig coordination state.
//
// Every write runs inside an IMMEDIATE transaction so several handles on the
// same file (separate processes or separate *Storage values) serialize on the
// SQLite write lock instead of failing with SQLITE_BUSY mid-transaction.
type Storage struct {
	db     *sql.DB
	dbPath string
	mu     sync.RWMutex
}

// Config holds storage configuration.
type Config struct {
	DataDir string

	// BusyTimeout is how long a writer waits for the lock held by another
	// handle. Zero means 5s.
	BusyTimeout time.Duration
}

// New creates a new Storage instance.
func New(cfg *Config) (*Storage, error) {
	dataDir := expandPath(cfg.DataDir)

	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}

	dbPath := filepath.Join(dataDir, DBFile)
	dsn := dbPath + "?_journal_mode=WAL&_synchronous=NORMAL&_foreign_keys=on&_txlock=immediate&_busy_timeout=" +
		strconv.FormatInt(busy.Milliseconds(), 10)

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	db.SetMaxOpenConns(1) // SQLite only supports one writer
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	s := &Storage{
		db:     db,
		dbPath: dbPath,
	}

	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *Storage) Close() error {
	return s.db.Close()
}

// DB returns the underlying database connection.
func (s *Storage) DB() *sql.DB {
	return s.db
}

// Path returns the database file path.
func (s *Storage) Path() string {
	return s.dbPath
}

// initSchema creates all database tables.
func (s *Storage) initSchema() error {
	schema := `
	-- Settings/config table
	CREATE TABLE IF NOT EXISTS settings (
		key TEXT PRIMARY KEY,
		value TEXT,
		updated_at INTEGER
	);

	-- Multisig accounts. The address is computed before deployment and
	-- stored while the account is still pending.
	CREATE TABLE IF NOT EXISTS multisig_accounts (
		id TEXT PRIMARY KEY,
		chain TEXT NOT NULL,
		network TEXT NOT NULL,
		threshold INTEGER NOT NULL,

		-- Owners (JSON array of {address, pubkey, weight})
		owners TEXT NOT NULL,

		address_type TEXT,
		address TEXT,
		deploy_tx TEXT,
		status TEXT NOT NULL DEFAULT 'pending',

		-- Chain specific deployment data (JSON object)
		extra TEXT,

		created_at INTEGER NOT NULL,
		updated_at INTEGER
	);

	CREATE INDEX IF NOT EXISTS idx_multisig_accounts_status ON multisig_accounts(status);
	CREATE INDEX IF NOT EXISTS idx_multisig_accounts_address ON multisig_accounts(chain, address);

	-- Multisig transactions awaiting signatures
	CREATE TABLE IF NOT EXISTS multisig_txs (
		id TEXT PRIMARY KEY,
		account_id TEXT NOT NULL,
		initiator TEXT NOT NULL,

		-- Chain payload every owner signs
		payload BLOB NOT NULL,
		meta TEXT,

		status TEXT NOT NULL DEFAULT 'proposed',
		deadline INTEGER NOT NULL,

		exec_hash TEXT,
		failure_reason TEXT,

		created_at INTEGER NOT NULL,
		updated_at INTEGER,

		FOREIGN KEY (account_id) REFERENCES multisig_accounts(id)
	);

	CREATE INDEX IF NOT EXISTS idx_multisig_txs_account ON multisig_txs(account_id);
	CREATE INDEX IF NOT EXISTS idx_multisig_txs_status ON multisig_txs(status);

	-- One signature per signer; a resubmission replaces the previous one
	CREATE TABLE IF NOT EXISTS multisig_signatures (
		tx_id TEXT NOT NULL,
		signer TEXT NOT NULL,
		pubkey BLOB,
		signature BLOB NOT NULL,
		weight INTEGER NOT NULL,
		created_at INTEGER NOT NULL,

		PRIMARY KEY (tx_id, signer),
		FOREIGN KEY (tx_id) REFERENCES multisig_txs(id)
	);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return err
	}

	return s.runMigrations()
}

// migrations are applied in order; the applied count is kept in settings.
var migrations = []string{
	"CREATE INDEX IF NOT EXISTS idx_multisig_txs_deadline ON multisig_txs(status, deadline)",
}

const schemaVersionKey = "schema_version"

// runMigrations applies the migrations a database has not seen yet.
func (s *Storage) runMigrations() error {
	current := 0
	if v, err := s.GetSetting(schemaVersionKey); err == nil {
		current, _ = strconv.Atoi(v)
	} else if !errors.Is(err, ErrSettingNotFound) {
		return err
	}

	for i := current; i < len(migrations); i++ {
		if _, err := s.db.Exec(migrations[i]); err != nil {
			return fmt.Errorf("migration %d: %w", i+1, err)
		}
	}
	if current >= len(migrations) {
		return nil
	}
	return s.SetSetting(schemaVersionKey, strconv.Itoa(len(migrations)))
}

// ErrSettingNotFound is returned when a setting key is absent.
var ErrSettingNotFound = errors.New("setting not found")

// GetSetting returns the value stored under key.
func (s *Storage) GetSetting(key string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var value sql.NullString
	err := s.db.QueryRow(`SELECT value FROM settings WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", ErrSettingNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to get setting: %w", err)
	}
	return value.String, nil
}

// SetSetting stores value under key.
func (s *Storage) SetSetting(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO settings (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`, key, value, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("failed to set setting: %w", err)
	}
	return nil
}

// expandPath expands ~ to home directory.
func expandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[1:])
	}
	return path
}

func timeToUnixOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}

func unixOrZero(v sql.NullInt64) time.Time {
	if !v.Valid || v.Int64 == 0 {
		return time.Time{}
	}
	return time.Unix(v.Int64, 0)
}

func isUniqueConstraintError(err error) bool {
	var sqliteErr sqlite3.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	return sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey ||
		sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique
}
