package database

import (
	"fmt"
	"log/slog"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Config holds database open options.
type Config struct {
	// Path is the SQLite database file path.
	Path string

	// ReadOnly opens the database in read-only mode. Readers never block
	// the writer; the writer runs in WAL mode so snapshot reads see a
	// consistent view.
	ReadOnly bool

	// BusyTimeout bounds how long a statement waits on a locked database.
	BusyTimeout time.Duration
}

// DefaultBusyTimeout is used when Config.BusyTimeout is zero.
const DefaultBusyTimeout = 5 * time.Second

// DSN renders the SQLite connection string for this config.
func (c Config) DSN() string {
	busy := c.BusyTimeout
	if busy == 0 {
		busy = DefaultBusyTimeout
	}
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=%d&_foreign_keys=on", c.Path, busy.Milliseconds())
	if c.ReadOnly {
		dsn += "&mode=ro"
	}
	return dsn
}

// Open opens the database and, for the writer, migrates the schema.
// Read-only handles skip migration entirely: the dashboard must never
// issue DDL against the writer's database.
func Open(cfg Config) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(cfg.DSN()), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database %s: %w", cfg.Path, err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to access underlying connection: %w", err)
	}
	// A single connection serializes all writes through the one writer;
	// readers are separate processes with their own handle.
	sqlDB.SetMaxOpenConns(1)

	if !cfg.ReadOnly {
		if err := db.AutoMigrate(&Post{}, &StageRun{}, &CostEntry{}, &AuditEvent{}); err != nil {
			return nil, fmt.Errorf("failed to migrate schema: %w", err)
		}
	}

	slog.Info("Database opened", "path", cfg.Path, "read_only", cfg.ReadOnly)
	return db, nil
}

// Close closes the underlying connection pool.
func Close(db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Health pings the database and returns basic status for health endpoints.
func Health(db *gorm.DB) (map[string]string, error) {
	sqlDB, err := db.DB()
	if err != nil {
		return map[string]string{"status": "down"}, err
	}
	if err := sqlDB.Ping(); err != nil {
		return map[string]string{"status": "down"}, err
	}
	return map[string]string{"status": "up"}, nil
}
