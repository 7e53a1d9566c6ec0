package backup

import (
	"bytes"
	"compress/gzip"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Restore replaces the live database with a snapshot. The snapshot is
// decompressed to a staging path, its header and integrity are checked,
// a safety copy of the current database is kept, and the replacement is
// an atomic rename. The caller must hold the orchestrator lock: nothing
// may have the database open during a restore.
func (m *Manager) Restore(snapshotPath string) error {
	staging := m.dbPath + ".restore"
	defer os.Remove(staging)

	if err := gunzipFile(snapshotPath, staging); err != nil {
		return err
	}
	if err := verifySnapshot(staging); err != nil {
		return fmt.Errorf("snapshot %s failed verification: %w", snapshotPath, err)
	}

	if _, err := os.Stat(m.dbPath); err == nil {
		safety := fmt.Sprintf("%s.pre-restore-%d", m.dbPath, time.Now().Unix())
		if err := copyFile(m.dbPath, safety); err != nil {
			return fmt.Errorf("failed to keep safety copy: %w", err)
		}
		slog.Info("Safety copy of current database written", "path", safety)
	}

	if err := os.Rename(staging, m.dbPath); err != nil {
		return fmt.Errorf("failed to replace database: %w", err)
	}
	// Stale WAL/SHM siblings belong to the replaced database and must
	// not be replayed over the restored one.
	for _, suffix := range []string{"-wal", "-shm"} {
		if err := os.Remove(m.dbPath + suffix); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to remove stale %s file: %w", suffix, err)
		}
	}
	slog.Info("Database restored", "snapshot", snapshotPath)
	return nil
}

func gunzipFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("failed to open snapshot: %w", err)
	}
	defer in.Close()

	gz, err := gzip.NewReader(in)
	if err != nil {
		return fmt.Errorf("snapshot is not valid gzip: %w", err)
	}
	defer gz.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("failed to create staging file: %w", err)
	}
	if _, err := io.Copy(out, gz); err != nil {
		out.Close()
		return fmt.Errorf("failed to decompress snapshot: %w", err)
	}
	return out.Close()
}

// verifySnapshot checks the file header and runs an integrity check
// before the snapshot is allowed anywhere near the live path.
func verifySnapshot(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	header := make([]byte, len(sqliteHeader))
	_, readErr := io.ReadFull(f, header)
	f.Close()
	if readErr != nil {
		return fmt.Errorf("failed to read header: %w", readErr)
	}
	if !bytes.Equal(header, sqliteHeader) {
		return fmt.Errorf("not a SQLite database")
	}

	db, err := sql.Open("sqlite3", "file:"+path+"?mode=ro")
	if err != nil {
		return fmt.Errorf("failed to open snapshot: %w", err)
	}
	defer db.Close()

	var result string
	if err := db.QueryRow("PRAGMA integrity_check").Scan(&result); err != nil {
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
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
