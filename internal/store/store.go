package store

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
)

// Schema version tracking (PRAGMA user_version):
// 1 - flat pending-op queue keyed by queue_id with kind/tbl/key/payload/ts
// 2 - pending_ops keyed by id, explicit attempt/next_at/created_at/updated_at
const schemaVersion = 2

var (
	// ErrUnavailable means the durable medium could not be acquired at all.
	// Callers should operate on an in-memory snapshot for the session.
	ErrUnavailable = errors.New("store unavailable")

	// ErrMigrationFailed means the store opened but a schema upgrade errored.
	// Recoverable the same way, but the on-disk data may be stuck at an old
	// version, so it is logged as a harder failure.
	ErrMigrationFailed = errors.New("store migration failed")
)

// Store is the on-device system of record: durable, versioned storage for
// jobs, policy, app state and the pending-op queue.
type Store struct {
	db     *sql.DB
	path   string
	logger *zerolog.Logger
}

// Open creates or opens the store at path, applying pragmas and any pending
// schema migrations before returning. Safe to call repeatedly: migrations
// are re-entrant and a fully migrated store opens as a no-op.
func Open(path string, logger *zerolog.Logger) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("%w: create directory: %v", ErrUnavailable, err)
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	// SQLite allows one writer at a time; a single connection avoids
	// SQLITE_BUSY under concurrent mutation.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	s := &Store{db: db, path: path, logger: logger}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: %v", ErrMigrationFailed, err)
	}

	logger.Info().Str("path", path).Int("schema_version", schemaVersion).Msg("store opened")
	return s, nil
}

func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("execute %q: %w", pragma, err)
		}
	}
	return nil
}

// migrate rewrites the store to the current schema version. Each version
// step runs as one transaction, so readers observe either the old or the new
// shape, never a partial one.
func (s *Store) migrate() error {
	var version int
	if err := s.db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("read user_version: %w", err)
	}
	if version > schemaVersion {
		return fmt.Errorf("store is at version %d, newer than supported %d", version, schemaVersion)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin migration: %w", err)
	}
	defer tx.Rollback()

	if err := createBaseTables(tx); err != nil {
		return err
	}

	legacy, err := hasLegacyQueueSchema(tx)
	if err != nil {
		return err
	}
	if legacy {
		if err := rewriteLegacyQueue(tx, s.logger); err != nil {
			return err
		}
	} else if err := createPendingOpsTable(tx); err != nil {
		return err
	}

	if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d", schemaVersion)); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration: %w", err)
	}

	if version != 0 && version < schemaVersion {
		s.logger.Info().Int("from", version).Int("to", schemaVersion).Msg("store schema migrated")
	}
	return nil
}

func createBaseTables(tx *sql.Tx) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS jobs (
            id INTEGER PRIMARY KEY,
            date TEXT NOT NULL,
            crew TEXT NOT NULL DEFAULT '',
            client TEXT NOT NULL DEFAULT '',
            scope TEXT NOT NULL DEFAULT '',
            notes TEXT NOT NULL DEFAULT '',
            address TEXT NOT NULL DEFAULT '',
            neighborhood TEXT NOT NULL DEFAULT '',
            zip TEXT NOT NULL DEFAULT '',
            house_tier INTEGER,
            rehang_price REAL,
            lifetime_spend REAL,
            vip INTEGER NOT NULL DEFAULT 0,
            both_crews INTEGER NOT NULL DEFAULT 0,
            materials TEXT,
            updated_at INTEGER NOT NULL
        )`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_date ON jobs(date)`,

		`CREATE TABLE IF NOT EXISTS policy (
            key TEXT PRIMARY KEY,
            value TEXT NOT NULL,
            updated_at INTEGER NOT NULL
        )`,

		`CREATE TABLE IF NOT EXISTS state (
            key TEXT PRIMARY KEY,
            value TEXT NOT NULL,
            updated_at INTEGER NOT NULL
        )`,
	}

	for _, query := range queries {
		if _, err := tx.Exec(query); err != nil {
			return fmt.Errorf("error executing query %s: %w", query, err)
		}
	}
	return nil
}

func createPendingOpsTable(tx *sql.Tx) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS pending_ops (
            id TEXT PRIMARY KEY,
            queue_id TEXT,
            type TEXT NOT NULL,
            tbl TEXT NOT NULL,
            key TEXT NOT NULL DEFAULT '',
            payload TEXT NOT NULL,
            attempt INTEGER NOT NULL DEFAULT 0,
            next_at INTEGER NOT NULL,
            created_at INTEGER NOT NULL,
            updated_at INTEGER NOT NULL
        )`,
		`CREATE INDEX IF NOT EXISTS idx_pending_ops_tbl ON pending_ops(tbl)`,
		`CREATE INDEX IF NOT EXISTS idx_pending_ops_created_at ON pending_ops(created_at)`,
	}

	for _, query := range queries {
		if _, err := tx.Exec(query); err != nil {
			return fmt.Errorf("error executing query %s: %w", query, err)
		}
	}
	return nil
}

// hasLegacyQueueSchema detects a version-1 pending_ops table by its kind
// column. Gating the rewrite on the shape rather than the version counter
// keeps the migration re-entrant.
func hasLegacyQueueSchema(tx *sql.Tx) (bool, error) {
	var n int
	err := tx.QueryRow(`SELECT COUNT(*) FROM pragma_table_info('pending_ops') WHERE name = 'kind'`).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("inspect pending_ops shape: %w", err)
	}
	return n > 0, nil
}

// rewriteLegacyQueue upgrades version-1 queue rows: queue_id becomes the
// primary id (the original column is retained for inspection), kind becomes
// type, attempt starts at 0 and the timestamps are freshly computed rather
// than copied from ts.
func rewriteLegacyQueue(tx *sql.Tx, logger *zerolog.Logger) error {
	now := time.Now().UnixMilli()

	queries := []string{
		`CREATE TABLE pending_ops_v2 (
            id TEXT PRIMARY KEY,
            queue_id TEXT,
            type TEXT NOT NULL,
            tbl TEXT NOT NULL,
            key TEXT NOT NULL DEFAULT '',
            payload TEXT NOT NULL,
            attempt INTEGER NOT NULL DEFAULT 0,
            next_at INTEGER NOT NULL,
            created_at INTEGER NOT NULL,
            updated_at INTEGER NOT NULL
        )`,
	}
	for _, query := range queries {
		if _, err := tx.Exec(query); err != nil {
			return fmt.Errorf("error executing query %s: %w", query, err)
		}
	}

	res, err := tx.Exec(`INSERT INTO pending_ops_v2 (id, queue_id, type, tbl, key, payload, attempt, next_at, created_at, updated_at)
        SELECT queue_id, queue_id, kind, tbl, COALESCE(key, ''), COALESCE(payload, '{}'), 0, ?, ?, ?
        FROM pending_ops`, now, now, now)
	if err != nil {
		return fmt.Errorf("rewrite legacy queue rows: %w", err)
	}

	finish := []string{
		`DROP TABLE pending_ops`,
		`ALTER TABLE pending_ops_v2 RENAME TO pending_ops`,
		`CREATE INDEX IF NOT EXISTS idx_pending_ops_tbl ON pending_ops(tbl)`,
		`CREATE INDEX IF NOT EXISTS idx_pending_ops_created_at ON pending_ops(created_at)`,
	}
	for _, query := range finish {
		if _, err := tx.Exec(query); err != nil {
			return fmt.Errorf("error executing query %s: %w", query, err)
		}
	}

	if migrated, err := res.RowsAffected(); err == nil && migrated > 0 {
		logger.Info().Int64("ops", migrated).Msg("legacy queue rows migrated")
	}
	return nil
}

// Path returns the on-disk location of the store file.
func (s *Store) Path() string {
	return s.path
}

func (s *Store) Close() error {
	return s.db.Close()
}
