package keystore

import (
	"bytes"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/Klingon-tech/klingvault/pkg/logging"
)

// DefaultBackupDir is the backup directory name under the keystore root.
const DefaultBackupDir = ".backup"

// MigrateOptions controls a migration run.
type MigrateOptions struct {
	// DryRun makes and verifies backups but leaves sources in place.
	DryRun bool
}

// MigrationResult describes one migrated file.
type MigrationResult struct {
	Source      string
	Destination string
	Backup      string
	Identity    Identity
	Moved       bool
	Skipped     bool // already at destination
}

// Migrator moves files from one layout/naming to another.
type Migrator struct {
	Root      string
	From      Layout
	To        Layout
	BackupDir string

	log *logging.Logger
}

// NewMigrator creates a migrator. An empty backupDir uses root/.backup.
func NewMigrator(root string, from, to Layout, backupDir string) *Migrator {
	if backupDir == "" {
		backupDir = filepath.Join(root, DefaultBackupDir)
	}
	return &Migrator{
		Root:      root,
		From:      from,
		To:        to,
		BackupDir: backupDir,
		log:       logging.GetDefault().Component("migrate"),
	}
}

// MigrateFile moves src into the destination layout.
// The source is only renamed after a backup copy has been verified.
func (m *Migrator) MigrateFile(src string, opts MigrateOptions) (*MigrationResult, error) {
	id, err := m.From.Naming().Decode(filepath.Base(src))
	if err != nil {
		return nil, err
	}
	dest, err := m.To.PathFor(m.Root, id)
	if err != nil {
		return nil, err
	}

	res := &MigrationResult{Source: src, Destination: dest, Identity: id}
	if filepath.Clean(src) == filepath.Clean(dest) {
		res.Skipped = true
		return res, nil
	}
	if _, err := os.Stat(dest); err == nil {
		return nil, fmt.Errorf("destination already exists: %s", dest)
	} else if !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to stat destination: %w", err)
	}

	rel, err := filepath.Rel(m.Root, src)
	if err != nil || strings.HasPrefix(rel, "..") {
		rel = filepath.Base(src)
	}
	res.Backup = filepath.Join(m.BackupDir, rel)
	if err := copyVerified(src, res.Backup); err != nil {
		return nil, fmt.Errorf("backup failed, source left untouched: %w", err)
	}

	if opts.DryRun {
		m.log.Info("Dry run", "from", filepath.Base(src), "to", dest)
		return res, nil
	}

	if err := os.MkdirAll(filepath.Dir(dest), 0700); err != nil {
		return nil, fmt.Errorf("failed to create destination directory: %w", err)
	}
	if err := os.Rename(src, dest); err != nil {
		return nil, fmt.Errorf("failed to move file: %w", err)
	}
	res.Moved = true
	m.log.Debug("Migrated keystore file", "to", dest)
	return res, nil
}

// MigrateDir migrates every decodable file found by the source layout.
// Undecodable files are skipped and reported in the returned entries.
func (m *Migrator) MigrateDir(opts MigrateOptions) ([]*MigrationResult, []Entry, error) {
	entries, err := m.From.Scan(m.Root)
	if err != nil {
		return nil, nil, err
	}

	var (
		results []*MigrationResult
		skipped []Entry
	)
	for _, e := range entries {
		if e.Err != nil {
			skipped = append(skipped, e)
			continue
		}
		res, err := m.MigrateFile(e.Path, opts)
		if err != nil {
			return results, skipped, fmt.Errorf("migrate %s: %w", e.Path, err)
		}
		results = append(results, res)
	}
	m.log.Info("Migration finished", "migrated", len(results), "skipped", len(skipped), "dry_run", opts.DryRun)
	return results, skipped, nil
}

// copyVerified copies src to dst and checks both sha256 digests match.
func copyVerified(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0700); err != nil {
		return err
	}
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}

	srcHash := sha256.New()
	if _, err := io.Copy(io.MultiWriter(out, srcHash), in); err != nil {
		out.Close()
		return err
	}
	if err := out.Sync(); err != nil {
		out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}

	dstSum, err := fileSHA256(dst)
	if err != nil {
		return err
	}
	if !bytes.Equal(srcHash.Sum(nil), dstSum) {
		return fmt.Errorf("backup digest mismatch for %s", dst)
	}
	return nil
}

func fileSHA256(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return nil, err
	}
	return h.Sum(nil), nil
}
