package storage

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// BackupManager creates and restores snapshots of the analytics
// database. Backups use VACUUM INTO, which produces a compacted,
// consistent copy without blocking writers.
type BackupManager struct {
	dbPath     string
	dir        string
	maxBackups int
	encryption *EncryptionConfig // nil means plaintext backups
}

// NewBackupManager creates a backup manager. dir defaults to a
// "backups" directory next to the database. maxBackups of 0 keeps
// everything. A non-nil encryption config makes every backup an
// encrypted .enc file.
func NewBackupManager(dbPath, dir string, maxBackups int, encryption *EncryptionConfig) *BackupManager {
	if dir == "" {
		dir = filepath.Join(filepath.Dir(dbPath), "backups")
	}
	return &BackupManager{
		dbPath:     dbPath,
		dir:        dir,
		maxBackups: maxBackups,
		encryption: encryption,
	}
}

// BackupInfo describes one stored backup.
type BackupInfo struct {
	Path      string
	Name      string
	Size      int64
	CreatedAt time.Time
	Checksum  string
	Encrypted bool
}

// Backup snapshots the database and returns the backup path. The copy
// is verified by reopening it and running an integrity check before it
// counts; with encryption enabled the verified copy is then sealed and
// the plaintext intermediate removed. Old backups beyond the retention
// limit are pruned afterwards.
func (bm *BackupManager) Backup(ctx context.Context) (string, error) {
	if err := os.MkdirAll(bm.dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create backup directory: %w", err)
	}

	stamp := time.Now().UTC().Format("20060102_150405")
	plainPath := filepath.Join(bm.dir, fmt.Sprintf("analytics_%s.db", stamp))

	source, err := sql.Open("sqlite", bm.dbPath)
	if err != nil {
		return "", fmt.Errorf("failed to open source database: %w", err)
	}
	defer func() { _ = source.Close() }()

	if _, err := source.ExecContext(ctx, fmt.Sprintf("VACUUM INTO %q", plainPath)); err != nil {
		return "", fmt.Errorf("failed to snapshot database: %w", err)
	}

	if err := verifyDatabase(ctx, plainPath); err != nil {
		_ = os.Remove(plainPath)
		return "", fmt.Errorf("backup verification failed: %w", err)
	}

	finalPath := plainPath
	if bm.encryption != nil {
		finalPath = plainPath + ".enc"
		if err := EncryptFile(plainPath, finalPath, bm.encryption); err != nil {
			_ = os.Remove(plainPath)
			_ = os.Remove(finalPath)
			return "", fmt.Errorf("failed to encrypt backup: %w", err)
		}
		if err := os.Remove(plainPath); err != nil {
			return "", fmt.Errorf("failed to remove plaintext intermediate: %w", err)
		}
	}

	if err := bm.prune(); err != nil {
		return finalPath, fmt.Errorf("backup created but pruning failed: %w", err)
	}
	return finalPath, nil
}

// Restore replaces the live database with a backup. The current
// database file is kept aside with an .old suffix rather than deleted.
// The caller must have closed all connections first.
func (bm *BackupManager) Restore(ctx context.Context, backupPath string) error {
	if _, err := os.Stat(backupPath); err != nil {
		return fmt.Errorf("backup not readable: %w", err)
	}

	tempPath := bm.dbPath + ".restore.tmp"
	defer func() { _ = os.Remove(tempPath) }()

	encrypted, err := IsEncrypted(backupPath)
	if err != nil {
		return fmt.Errorf("failed to inspect backup: %w", err)
	}
	if encrypted {
		if bm.encryption == nil {
			return fmt.Errorf("backup %s is encrypted and no passphrase is configured", filepath.Base(backupPath))
		}
		if err := DecryptFile(backupPath, tempPath, bm.encryption); err != nil {
			return err
		}
	} else {
		if err := copyFile(backupPath, tempPath); err != nil {
			return err
		}
	}

	if err := verifyDatabase(ctx, tempPath); err != nil {
		return fmt.Errorf("restored database failed verification: %w", err)
	}

	if _, err := os.Stat(bm.dbPath); err == nil {
		aside := bm.dbPath + ".old." + time.Now().UTC().Format("20060102_150405")
		if err := os.Rename(bm.dbPath, aside); err != nil {
			return fmt.Errorf("failed to set aside current database: %w", err)
		}
	}
	if err := os.Rename(tempPath, bm.dbPath); err != nil {
		return fmt.Errorf("failed to install restored database: %w", err)
	}
	return nil
}

// List returns the stored backups, newest first.
func (bm *BackupManager) List() ([]BackupInfo, error) {
	entries, err := os.ReadDir(bm.dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read backup directory: %w", err)
	}

	var backups []BackupInfo
	for _, entry := range entries {
		if entry.IsDir() || !isBackupName(entry.Name()) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		path := filepath.Join(bm.dir, entry.Name())
		checksum, err := fileChecksum(path)
		if err != nil {
			checksum = ""
		}
		backups = append(backups, BackupInfo{
			Path:      path,
			Name:      entry.Name(),
			Size:      info.Size(),
			CreatedAt: info.ModTime(),
			Checksum:  checksum,
			Encrypted: strings.HasSuffix(entry.Name(), ".enc"),
		})
	}
	sort.Slice(backups, func(i, j int) bool {
		return backups[i].CreatedAt.After(backups[j].CreatedAt)
	})
	return backups, nil
}

// prune removes the oldest backups beyond the retention limit.
func (bm *BackupManager) prune() error {
	if bm.maxBackups <= 0 {
		return nil
	}
	backups, err := bm.List()
	if err != nil {
		return err
	}
	for _, old := range backups[min(len(backups), bm.maxBackups):] {
		if err := os.Remove(old.Path); err != nil {
			return fmt.Errorf("failed to prune %s: %w", old.Name, err)
		}
	}
	return nil
}

func isBackupName(name string) bool {
	return strings.HasPrefix(name, "analytics_") &&
		(strings.HasSuffix(name, ".db") || strings.HasSuffix(name, ".db.enc"))
}

// verifyDatabase opens a database file and runs SQLite's integrity
// check against it.
func verifyDatabase(ctx context.Context, path string) error {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return fmt.Errorf("failed to open backup as database: %w", err)
	}
	defer func() { _ = db.Close() }()

	var result string
	if err := db.QueryRowContext(ctx, "PRAGMA integrity_check").Scan(&result); err != nil {
		return fmt.Errorf("integrity check failed to run: %w", err)
	}
	if result != "ok" {
		return fmt.Errorf("integrity check reported: %s", result)
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", src, err)
	}
	defer func() { _ = in.Close() }()

	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", dst, err)
	}
	defer func() { _ = out.Close() }()

	if _, err := io.Copy(out, in); err != nil {
		return fmt.Errorf("failed to copy %s: %w", src, err)
	}
	return out.Close()
}

// fileChecksum returns the hex SHA-256 of a file.
func fileChecksum(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer func() { _ = f.Close() }()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
