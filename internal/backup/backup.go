// Package backup creates and prunes point-in-time snapshots of the Quietmind
// database. Snapshots are taken with SQLite's VACUUM INTO, which produces a
// consistent copy even while the daemon holds the database in WAL mode, so
// payload envelopes and reminder state are never captured mid-write.
package backup

import (
	"database/sql"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite" // SQLite driver
)

// Config controls where snapshots go and how many survive pruning.
type Config struct {
	// Dir is the snapshot directory.
	Dir string

	// KeepLast is how many snapshots to retain, newest first (default: 10).
	KeepLast int

	// MaxAge, when positive, removes snapshots older than this even if fewer
	// than KeepLast remain.
	MaxAge time.Duration
}

// Info describes one snapshot on disk.
type Info struct {
	Path      string
	Timestamp time.Time
	Size      int64
}

// Snapshot writes a verified snapshot of the database at sourcePath and
// prunes old snapshots per the config. It returns the snapshot path.
func Snapshot(sourcePath string, cfg Config) (string, error) {
	if cfg.Dir == "" {
		return "", fmt.Errorf("backup: snapshot directory is required")
	}
	if cfg.KeepLast <= 0 {
		cfg.KeepLast = 10
	}

	if err := os.MkdirAll(cfg.Dir, 0o700); err != nil {
		return "", fmt.Errorf("backup: mkdir %s: %w", cfg.Dir, err)
	}

	dest := filepath.Join(cfg.Dir, fmt.Sprintf("quietmind-%s.db", time.Now().UTC().Format("20060102-150405")))
	if err := vacuumInto(sourcePath, dest); err != nil {
		return "", err
	}
	if err := Verify(dest); err != nil {
		_ = os.Remove(dest)
		return "", err
	}

	if err := prune(cfg); err != nil {
		return dest, fmt.Errorf("backup: snapshot written but pruning failed: %w", err)
	}
	return dest, nil
}

// Verify opens a snapshot read-only and runs SQLite's integrity check.
func Verify(path string) error {
	db, err := sql.Open("sqlite", fmt.Sprintf("file:%s?mode=ro", path))
	if err != nil {
		return fmt.Errorf("backup: failed to open snapshot: %w", err)
	}
	defer func() { _ = db.Close() }()

	var result string
	if err := db.QueryRow("PRAGMA integrity_check").Scan(&result); err != nil {
		return fmt.Errorf("backup: integrity check failed to run: %w", err)
	}
	if result != "ok" {
		return fmt.Errorf("backup: integrity check failed: %s", result)
	}
	return nil
}

// Restore copies a verified snapshot over targetPath. The daemon must not be
// running against the target while this happens.
func Restore(snapshotPath, targetPath string) error {
	if err := Verify(snapshotPath); err != nil {
		return err
	}

	src, err := os.Open(snapshotPath)
	if err != nil {
		return fmt.Errorf("backup: failed to open snapshot: %w", err)
	}
	defer func() { _ = src.Close() }()

	dst, err := os.Create(targetPath)
	if err != nil {
		return fmt.Errorf("backup: failed to create target: %w", err)
	}
	defer func() { _ = dst.Close() }()

	if _, err := io.Copy(dst, src); err != nil {
		return fmt.Errorf("backup: failed to copy snapshot: %w", err)
	}
	if err := dst.Sync(); err != nil {
		return fmt.Errorf("backup: failed to sync target: %w", err)
	}

	return Verify(targetPath)
}

// List returns the snapshots in dir, newest first.
func List(dir string) ([]Info, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("backup: failed to read %s: %w", dir, err)
	}

	var snapshots []Info
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".db") {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		snapshots = append(snapshots, Info{
			Path:      filepath.Join(dir, entry.Name()),
			Timestamp: info.ModTime(),
			Size:      info.Size(),
		})
	}

	sort.Slice(snapshots, func(i, j int) bool {
		return snapshots[i].Timestamp.After(snapshots[j].Timestamp)
	})
	return snapshots, nil
}

// vacuumInto takes a consistent copy of the source database.
func vacuumInto(sourcePath, destPath string) error {
	db, err := sql.Open("sqlite", fmt.Sprintf("file:%s?mode=ro", sourcePath))
	if err != nil {
		return fmt.Errorf("backup: failed to open source database: %w", err)
	}
	defer func() { _ = db.Close() }()

	if err := db.Ping(); err != nil {
		return fmt.Errorf("backup: source database unreachable: %w", err)
	}
	if _, err := db.Exec(fmt.Sprintf("VACUUM INTO '%s'", destPath)); err != nil {
		return fmt.Errorf("backup: vacuum failed: %w", err)
	}
	return nil
}

// prune removes snapshots beyond KeepLast and, when MaxAge is set, snapshots
// older than the age limit.
func prune(cfg Config) error {
	snapshots, err := List(cfg.Dir)
	if err != nil {
		return err
	}

	cutoff := time.Time{}
	if cfg.MaxAge > 0 {
		cutoff = time.Now().Add(-cfg.MaxAge)
	}

	var lastErr error
	for i, s := range snapshots {
		expired := !cutoff.IsZero() && s.Timestamp.Before(cutoff)
		if i < cfg.KeepLast && !expired {
			continue
		}
		if err := os.Remove(s.Path); err != nil {
			lastErr = err
		}
	}
	return lastErr
}
