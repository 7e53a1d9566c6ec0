// Package backup snapshots the pipeline database into the artifact
// tree and enforces tiered retention: the last 7 daily, 4 weekly, and
// 12 monthly snapshots survive cleanup.
package backup

import (
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gorm.io/gorm"
)

// Retention tiers.
const (
	keepDaily   = 7
	keepWeekly  = 4
	keepMonthly = 12
)

// timestampLayout names snapshot files sortably; colons are unsafe in
// filenames so the time part uses dashes.
const timestampLayout = "2006-01-02T15-04-05Z"

// sqliteHeader is the 16-byte magic every valid database file starts with.
var sqliteHeader = []byte("SQLite format 3\x00")

// Manager snapshots and restores the database file.
type Manager struct {
	db         *gorm.DB
	dbPath     string
	backupsDir string
	now        func() time.Time
}

// NewManager creates a manager writing under backupsDir.
func NewManager(db *gorm.DB, dbPath, backupsDir string) *Manager {
	return &Manager{db: db, dbPath: dbPath, backupsDir: backupsDir, now: time.Now}
}

// Snapshot writes one consistent, compressed copy of the database and
// then enforces retention. The copy is taken with VACUUM INTO, which
// holds a read snapshot and never blocks on its own writes.
func (m *Manager) Snapshot(ctx context.Context) (string, error) {
	if err := os.MkdirAll(m.backupsDir, 0o700); err != nil {
		return "", fmt.Errorf("failed to create backups dir: %w", err)
	}

	ts := m.now().UTC()
	staging := filepath.Join(m.backupsDir, fmt.Sprintf(".staging-%d.db", ts.UnixNano()))
	defer os.Remove(staging)

	if err := m.db.WithContext(ctx).Exec("VACUUM INTO ?", staging).Error; err != nil {
		return "", fmt.Errorf("failed to snapshot database: %w", err)
	}

	target := filepath.Join(m.backupsDir, ts.Format(timestampLayout)+".db.gz")
	if err := gzipFile(staging, target); err != nil {
		return "", err
	}

	if err := m.enforceRetention(); err != nil {
		slog.Warn("Backup retention cleanup failed", "error", err)
	}

	slog.Info("Database snapshot written", "path", target)
	return target, nil
}

// Run snapshots on a fixed interval until the context ends. A zero
// interval snapshots once and returns.
func (m *Manager) Run(ctx context.Context, interval time.Duration) {
	if _, err := m.Snapshot(ctx); err != nil {
		slog.Error("Snapshot failed", "error", err)
	}
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := m.Snapshot(ctx); err != nil {
				slog.Error("Snapshot failed", "error", err)
			}
		}
	}
}

func gzipFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("failed to open snapshot staging: %w", err)
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return fmt.Errorf("failed to create backup file: %w", err)
	}

	gz := gzip.NewWriter(out)
	if _, err := io.Copy(gz, in); err != nil {
		out.Close()
		os.Remove(dst)
		return fmt.Errorf("failed to compress backup: %w", err)
	}
	if err := gz.Close(); err != nil {
		out.Close()
		os.Remove(dst)
		return fmt.Errorf("failed to finish backup: %w", err)
	}
	return out.Close()
}

// enforceRetention deletes snapshots outside every tier: not among the
// newest per-day, per-ISO-week, or per-month keepers.
func (m *Manager) enforceRetention() error {
	snaps, err := m.listSnapshots()
	if err != nil {
		return err
	}

	keep := make(map[string]bool)
	markTier(snaps, keep, keepDaily, func(t time.Time) string {
		return t.Format("2006-01-02")
	})
	markTier(snaps, keep, keepWeekly, func(t time.Time) string {
		year, week := t.ISOWeek()
		return fmt.Sprintf("%d-W%02d", year, week)
	})
	markTier(snaps, keep, keepMonthly, func(t time.Time) string {
		return t.Format("2006-01")
	})

	for _, s := range snaps {
		if keep[s.path] {
			continue
		}
		if err := os.Remove(s.path); err != nil {
			slog.Warn("Failed to remove expired backup", "path", s.path, "error", err)
			continue
		}
		slog.Info("Expired backup removed", "path", s.path)
	}
	return nil
}

type snapshot struct {
	path string
	ts   time.Time
}

// listSnapshots returns parsed snapshots, newest first.
func (m *Manager) listSnapshots() ([]snapshot, error) {
	entries, err := os.ReadDir(m.backupsDir)
	if err != nil {
		return nil, fmt.Errorf("failed to read backups dir: %w", err)
	}

	var snaps []snapshot
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".db.gz") {
			continue
		}
		ts, err := time.Parse(timestampLayout, strings.TrimSuffix(name, ".db.gz"))
		if err != nil {
			continue
		}
		snaps = append(snaps, snapshot{path: filepath.Join(m.backupsDir, name), ts: ts})
	}
	sort.Slice(snaps, func(i, j int) bool { return snaps[i].ts.After(snaps[j].ts) })
	return snaps, nil
}

// markTier keeps the newest snapshot of each of the newest n buckets.
func markTier(snaps []snapshot, keep map[string]bool, n int, bucket func(time.Time) string) {
	seen := make(map[string]bool)
	for _, s := range snaps {
		b := bucket(s.ts)
		if seen[b] {
			continue
		}
		seen[b] = true
		keep[s.path] = true
		if len(seen) == n {
			return
		}
	}
}
