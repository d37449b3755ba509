// Package journal archives received events in a local SQLite database.
package journal

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/golang-migrate/migrate/v4/source"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/zjrosen/gerritwatch/internal/log"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// DB is an open journal.
type DB struct {
	conn   *sql.DB
	path   string
	logger *log.Logger
	now    func() time.Time
}

// NewDB opens the journal at path, creating its directory (0700) and
// applying pending migrations. An existing database is copied to path.bak
// before any migration runs.
func NewDB(path string, logger *log.Logger) (*DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("creating journal directory: %w", err)
	}

	_, statErr := os.Stat(path)
	existed := statErr == nil

	conn, err := sql.Open("sqlite3", "file:"+path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(wal)")
	if err != nil {
		return nil, fmt.Errorf("opening journal: %w", err)
	}
	conn.SetMaxOpenConns(1)

	db := &DB{conn: conn, path: path, logger: logger, now: time.Now}
	if err := db.migrate(existed); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return db, nil
}

// Close closes the database.
func (db *DB) Close() error {
	return db.conn.Close()
}

// Path returns the database file path.
func (db *DB) Path() string {
	return db.path
}

func (db *DB) migrate(existed bool) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("loading migrations: %w", err)
	}
	defer func() { _ = src.Close() }()

	if _, err := db.conn.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version    INTEGER PRIMARY KEY,
		applied_at INTEGER NOT NULL
	)`); err != nil {
		return fmt.Errorf("creating schema_migrations: %w", err)
	}

	var current uint
	if err := db.conn.QueryRow(`SELECT COALESCE(MAX(version), 0) FROM schema_migrations`).Scan(&current); err != nil {
		return fmt.Errorf("reading schema version: %w", err)
	}

	pending, err := pendingVersions(src, current)
	if err != nil {
		return err
	}
	if len(pending) == 0 {
		return nil
	}

	if existed && current > 0 {
		if err := db.backup(); err != nil {
			return err
		}
	}

	for _, version := range pending {
		if err := db.apply(src, version); err != nil {
			return err
		}
		db.logger.Info(log.CatJournal, "Applied journal migration", "version", version, "path", db.path)
	}
	return nil
}

// pendingVersions walks the source in order and returns versions above current.
func pendingVersions(src source.Driver, current uint) ([]uint, error) {
	version, err := src.First()
	if err != nil {
		return nil, fmt.Errorf("reading first migration: %w", err)
	}

	var pending []uint
	for {
		if version > current {
			pending = append(pending, version)
		}
		version, err = src.Next(version)
		if errors.Is(err, fs.ErrNotExist) {
			return pending, nil
		}
		if err != nil {
			return nil, fmt.Errorf("reading next migration: %w", err)
		}
	}
}

func (db *DB) apply(src source.Driver, version uint) error {
	r, name, err := src.ReadUp(version)
	if err != nil {
		return fmt.Errorf("reading migration %d: %w", version, err)
	}
	body, err := io.ReadAll(r)
	_ = r.Close()
	if err != nil {
		return fmt.Errorf("reading migration %d: %w", version, err)
	}

	tx, err := db.conn.Begin()
	if err != nil {
		return fmt.Errorf("starting migration %d: %w", version, err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(string(body)); err != nil {
		return fmt.Errorf("applying migration %d (%s): %w", version, name, err)
	}
	if _, err := tx.Exec(`INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)`,
		version, db.now().Unix()); err != nil {
		return fmt.Errorf("recording migration %d: %w", version, err)
	}
	return tx.Commit()
}

func (db *DB) backup() error {
	if _, err := db.conn.Exec(`PRAGMA wal_checkpoint(TRUNCATE)`); err != nil {
		return fmt.Errorf("checkpointing journal: %w", err)
	}
	data, err := os.ReadFile(db.path)
	if err != nil {
		return fmt.Errorf("reading journal for backup: %w", err)
	}
	if err := os.WriteFile(db.path+".bak", data, 0o600); err != nil {
		return fmt.Errorf("writing journal backup: %w", err)
	}
	return nil
}

// SchemaVersion returns the highest applied migration.
func (db *DB) SchemaVersion(ctx context.Context) (uint, error) {
	var v uint
	err := db.conn.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations`).Scan(&v)
	return v, err
}
