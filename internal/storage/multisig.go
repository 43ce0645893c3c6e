package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Multisig persistence errors
var (
	ErrMultisigAccountNotFound = errors.New("multisig account not found")
	ErrMultisigAccountExists   = errors.New("multisig account already exists")
	ErrMultisigTxNotFound      = errors.New("multisig transaction not found")
	ErrMultisigTxExists        = errors.New("multisig transaction already exists")
	ErrMultisigTxClosed        = errors.New("multisig transaction no longer accepts signatures")
)

// MultisigAccountStatus is the lifecycle state of a multisig account.
type MultisigAccountStatus string

const (
	MultisigAccountPending   MultisigAccountStatus = "pending"
	MultisigAccountDeployed  MultisigAccountStatus = "deployed"
	MultisigAccountCancelled MultisigAccountStatus = "cancelled"
)

// MultisigTxStatus is the lifecycle state of a multisig transaction.
type MultisigTxStatus string

const (
	MultisigTxProposed   MultisigTxStatus = "proposed"
	MultisigTxCollecting MultisigTxStatus = "collecting"
	MultisigTxReady      MultisigTxStatus = "ready"
	MultisigTxExecuting  MultisigTxStatus = "executing" // broadcast in flight
	MultisigTxExecuted   MultisigTxStatus = "executed"
	MultisigTxExpired    MultisigTxStatus = "expired"
	MultisigTxCancelled  MultisigTxStatus = "cancelled"
)

// Open reports whether the transaction still accepts signatures.
func (s MultisigTxStatus) Open() bool {
	switch s {
	case MultisigTxProposed, MultisigTxCollecting, MultisigTxReady:
		return true
	}
	return false
}

// MultisigAccountRecord is a persisted multisig account.
type MultisigAccountRecord struct {
	ID          string
	Chain       string
	Network     string
	Threshold   uint64
	Owners      json.RawMessage
	AddressType string
	Address     string
	DeployTx    string
	Status      MultisigAccountStatus
	Extra       json.RawMessage
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// MultisigTxRecord is a persisted multisig transaction.
type MultisigTxRecord struct {
	ID            string
	AccountID     string
	Initiator     string
	Payload       []byte
	Meta          json.RawMessage
	Status        MultisigTxStatus
	Deadline      time.Time
	ExecHash      string
	FailureReason string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// MultisigSignatureRecord is one owner's signature over a transaction payload.
type MultisigSignatureRecord struct {
	TxID      string
	Signer    string
	PubKey    []byte
	Signature []byte
	Weight    uint64
	CreatedAt time.Time
}

// =============================================================================
// Accounts
// =============================================================================

// CreateMultisigAccount inserts a new account.
func (s *Storage) CreateMultisigAccount(a *MultisigAccountRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now
	}
	a.UpdatedAt = now
	if a.Status == "" {
		a.Status = MultisigAccountPending
	}

	_, err := s.db.Exec(`
		INSERT INTO multisig_accounts (
			id, chain, network, threshold, owners, address_type, address,
			deploy_tx, status, extra, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		a.ID, a.Chain, a.Network, a.Threshold, string(a.Owners), a.AddressType, a.Address,
		a.DeployTx, a.Status, nullJSON(a.Extra), a.CreatedAt.Unix(), a.UpdatedAt.Unix(),
	)
	if isUniqueConstraintError(err) {
		return ErrMultisigAccountExists
	}
	if err != nil {
		return fmt.Errorf("failed to create multisig account: %w", err)
	}
	return nil
}

// GetMultisigAccount returns the account with the given id.
func (s *Storage) GetMultisigAccount(id string) (*MultisigAccountRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(`
		SELECT id, chain, network, threshold, owners, address_type, address,
			deploy_tx, status, extra, created_at, updated_at
		FROM multisig_accounts WHERE id = ?
	`, id)
	a, err := scanMultisigAccount(row)
	if err == sql.ErrNoRows {
		return nil, ErrMultisigAccountNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get multisig account: %w", err)
	}
	return a, nil
}

// ListMultisigAccounts returns all accounts, newest first. An empty status
// matches every account.
func (s *Storage) ListMultisigAccounts(status MultisigAccountStatus) ([]*MultisigAccountRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `
		SELECT id, chain, network, threshold, owners, address_type, address,
			deploy_tx, status, extra, created_at, updated_at
		FROM multisig_accounts`
	var args []interface{}
	if status != "" {
		query += " WHERE status = ?"
		args = append(args, status)
	}
	query += " ORDER BY created_at DESC, id"

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list multisig accounts: %w", err)
	}
	defer rows.Close()

	var accounts []*MultisigAccountRecord
	for rows.Next() {
		a, err := scanMultisigAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan multisig account: %w", err)
		}
		accounts = append(accounts, a)
	}
	return accounts, rows.Err()
}

// SetMultisigAccountStatus moves an account from one status to another.
// It reports false when the account is no longer in from. deployTx is stored
// when non-empty.
func (s *Storage) SetMultisigAccountStatus(id string, from, to MultisigAccountStatus, deployTx string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	result, err := s.db.Exec(`
		UPDATE multisig_accounts
		SET status = ?, deploy_tx = COALESCE(NULLIF(?, ''), deploy_tx), updated_at = ?
		WHERE id = ? AND status = ?
	`, to, deployTx, time.Now().Unix(), id, from)
	if err != nil {
		return false, fmt.Errorf("failed to update multisig account status: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows > 0 {
		return true, nil
	}
	return false, s.accountExists(id)
}

func (s *Storage) accountExists(id string) error {
	var n int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM multisig_accounts WHERE id = ?`, id).Scan(&n); err != nil {
		return fmt.Errorf("failed to look up multisig account: %w", err)
	}
	if n == 0 {
		return ErrMultisigAccountNotFound
	}
	return nil
}

// =============================================================================
// Transactions
// =============================================================================

// CreateMultisigTx inserts a new proposed transaction.
func (s *Storage) CreateMultisigTx(tx *MultisigTxRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	if tx.CreatedAt.IsZero() {
		tx.CreatedAt = now
	}
	tx.UpdatedAt = now
	if tx.Status == "" {
		tx.Status = MultisigTxProposed
	}

	_, err := s.db.Exec(`
		INSERT INTO multisig_txs (
			id, account_id, initiator, payload, meta, status, deadline,
			exec_hash, failure_reason, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		tx.ID, tx.AccountID, tx.Initiator, tx.Payload, nullJSON(tx.Meta), tx.Status,
		timeToUnixOrZero(tx.Deadline), tx.ExecHash, tx.FailureReason,
		tx.CreatedAt.Unix(), tx.UpdatedAt.Unix(),
	)
	if isUniqueConstraintError(err) {
		return ErrMultisigTxExists
	}
	if err != nil {
		return fmt.Errorf("failed to create multisig transaction: %w", err)
	}
	return nil
}

// GetMultisigTx returns the transaction with the given id.
func (s *Storage) GetMultisigTx(id string) (*MultisigTxRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(`
		SELECT id, account_id, initiator, payload, meta, status, deadline,
			exec_hash, failure_reason, created_at, updated_at
		FROM multisig_txs WHERE id = ?
	`, id)
	tx, err := scanMultisigTx(row)
	if err == sql.ErrNoRows {
		return nil, ErrMultisigTxNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get multisig transaction: %w", err)
	}
	return tx, nil
}

// MultisigTxFilter narrows ListMultisigTxs.
type MultisigTxFilter struct {
	AccountID string
	Status    MultisigTxStatus
	Limit     int
}

// ListMultisigTxs returns transactions matching the filter, newest first.
func (s *Storage) ListMultisigTxs(filter MultisigTxFilter) ([]*MultisigTxRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `
		SELECT id, account_id, initiator, payload, meta, status, deadline,
			exec_hash, failure_reason, created_at, updated_at
		FROM multisig_txs WHERE 1=1`
	var args []interface{}
	if filter.AccountID != "" {
		query += " AND account_id = ?"
		args = append(args, filter.AccountID)
	}
	if filter.Status != "" {
		query += " AND status = ?"
		args = append(args, filter.Status)
	}
	query += " ORDER BY created_at DESC, id"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list multisig transactions: %w", err)
	}
	defer rows.Close()

	var txs []*MultisigTxRecord
	for rows.Next() {
		tx, err := scanMultisigTx(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan multisig transaction: %w", err)
		}
		txs = append(txs, tx)
	}
	return txs, rows.Err()
}

// SetMultisigTxStatus moves a transaction to status to if it is currently in
// one of from. It reports false when another writer changed the status first.
// execHash and reason are stored when non-empty.
func (s *Storage) SetMultisigTxStatus(id string, from []MultisigTxStatus, to MultisigTxStatus, execHash, reason string) (bool, error) {
	if len(from) == 0 {
		return false, errors.New("no source status")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	args := []interface{}{to, execHash, reason, time.Now().Unix(), id}
	for _, st := range from {
		args = append(args, st)
	}
	result, err := s.db.Exec(`
		UPDATE multisig_txs
		SET status = ?,
			exec_hash = COALESCE(NULLIF(?, ''), exec_hash),
			failure_reason = NULLIF(?, ''),
			updated_at = ?
		WHERE id = ? AND status IN (`+placeholders(len(from))+`)
	`, args...)
	if err != nil {
		return false, fmt.Errorf("failed to update multisig transaction status: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows > 0 {
		return true, nil
	}

	var n int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM multisig_txs WHERE id = ?`, id).Scan(&n); err != nil {
		return false, fmt.Errorf("failed to look up multisig transaction: %w", err)
	}
	if n == 0 {
		return false, ErrMultisigTxNotFound
	}
	return false, nil
}

// ExpireMultisigTxs marks transactions whose deadline passed before reaching
// quorum as expired and returns how many changed.
func (s *Storage) ExpireMultisigTxs(now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	result, err := s.db.Exec(`
		UPDATE multisig_txs SET status = ?, updated_at = ?
		WHERE status IN (?, ?) AND deadline > 0 AND deadline <= ?
	`, MultisigTxExpired, now.Unix(), MultisigTxProposed, MultisigTxCollecting, now.Unix())
	if err != nil {
		return 0, fmt.Errorf("failed to expire multisig transactions: %w", err)
	}
	return result.RowsAffected()
}

// =============================================================================
// Signatures
// =============================================================================

// RecordMultisigSignature upserts sig keyed by (tx, signer) and recomputes
// the accumulated weight. The transaction becomes ready once the weight
// reaches threshold. The whole step is one write transaction, so concurrent
// signers on other handles are applied one after another and none is lost.
func (s *Storage) RecordMultisigSignature(sig *MultisigSignatureRecord, threshold uint64) (MultisigTxStatus, uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	dbTx, err := s.db.Begin()
	if err != nil {
		return "", 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer dbTx.Rollback()

	var status MultisigTxStatus
	err = dbTx.QueryRow(`SELECT status FROM multisig_txs WHERE id = ?`, sig.TxID).Scan(&status)
	if err == sql.ErrNoRows {
		return "", 0, ErrMultisigTxNotFound
	}
	if err != nil {
		return "", 0, fmt.Errorf("failed to get multisig transaction: %w", err)
	}
	if !status.Open() {
		return status, 0, ErrMultisigTxClosed
	}

	if sig.CreatedAt.IsZero() {
		sig.CreatedAt = time.Now()
	}
	_, err = dbTx.Exec(`
		INSERT INTO multisig_signatures (tx_id, signer, pubkey, signature, weight, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(tx_id, signer) DO UPDATE SET
			pubkey = excluded.pubkey,
			signature = excluded.signature,
			weight = excluded.weight,
			created_at = excluded.created_at
	`, sig.TxID, sig.Signer, sig.PubKey, sig.Signature, sig.Weight, sig.CreatedAt.Unix())
	if err != nil {
		return "", 0, fmt.Errorf("failed to save signature: %w", err)
	}

	var weight uint64
	if err := dbTx.QueryRow(`
		SELECT COALESCE(SUM(weight), 0) FROM multisig_signatures WHERE tx_id = ?
	`, sig.TxID).Scan(&weight); err != nil {
		return "", 0, fmt.Errorf("failed to sum signature weight: %w", err)
	}

	next := MultisigTxCollecting
	if weight >= threshold {
		next = MultisigTxReady
	}
	if _, err := dbTx.Exec(`
		UPDATE multisig_txs SET status = ?, updated_at = ? WHERE id = ?
	`, next, time.Now().Unix(), sig.TxID); err != nil {
		return "", 0, fmt.Errorf("failed to update multisig transaction status: %w", err)
	}

	if err := dbTx.Commit(); err != nil {
		return "", 0, fmt.Errorf("failed to commit signature: %w", err)
	}
	return next, weight, nil
}

// ListMultisigSignatures returns the signatures of a transaction ordered by signer.
func (s *Storage) ListMultisigSignatures(txID string) ([]*MultisigSignatureRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT tx_id, signer, pubkey, signature, weight, created_at
		FROM multisig_signatures WHERE tx_id = ? ORDER BY signer
	`, txID)
	if err != nil {
		return nil, fmt.Errorf("failed to list signatures: %w", err)
	}
	defer rows.Close()

	var sigs []*MultisigSignatureRecord
	for rows.Next() {
		var sig MultisigSignatureRecord
		var createdAt int64
		if err := rows.Scan(&sig.TxID, &sig.Signer, &sig.PubKey, &sig.Signature, &sig.Weight, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan signature: %w", err)
		}
		sig.CreatedAt = time.Unix(createdAt, 0)
		sigs = append(sigs, &sig)
	}
	return sigs, rows.Err()
}

// =============================================================================
// Helpers
// =============================================================================

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanMultisigAccount(row rowScanner) (*MultisigAccountRecord, error) {
	var a MultisigAccountRecord
	var owners string
	var addressType, addr, deployTx, extra sql.NullString
	var createdAt, updatedAt sql.NullInt64

	if err := row.Scan(
		&a.ID, &a.Chain, &a.Network, &a.Threshold, &owners,
		&addressType, &addr, &deployTx, &a.Status, &extra,
		&createdAt, &updatedAt,
	); err != nil {
		return nil, err
	}

	a.Owners = json.RawMessage(owners)
	a.AddressType = addressType.String
	a.Address = addr.String
	a.DeployTx = deployTx.String
	if extra.Valid && extra.String != "" {
		a.Extra = json.RawMessage(extra.String)
	}
	a.CreatedAt = unixOrZero(createdAt)
	a.UpdatedAt = unixOrZero(updatedAt)
	return &a, nil
}

func scanMultisigTx(row rowScanner) (*MultisigTxRecord, error) {
	var tx MultisigTxRecord
	var meta, execHash, reason sql.NullString
	var deadline, createdAt, updatedAt sql.NullInt64

	if err := row.Scan(
		&tx.ID, &tx.AccountID, &tx.Initiator, &tx.Payload, &meta, &tx.Status,
		&deadline, &execHash, &reason, &createdAt, &updatedAt,
	); err != nil {
		return nil, err
	}

	if meta.Valid && meta.String != "" {
		tx.Meta = json.RawMessage(meta.String)
	}
	tx.Deadline = unixOrZero(deadline)
	tx.ExecHash = execHash.String
	tx.FailureReason = reason.String
	tx.CreatedAt = unixOrZero(createdAt)
	tx.UpdatedAt = unixOrZero(updatedAt)
	return &tx, nil
}

func nullJSON(raw json.RawMessage) interface{} {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
