package store

import (
	"database/sql"
	_ "embed"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

//go:embed schema.sql
var schemaSQL string

// Schema version tracking:
// 0 - Initial schema (operations and sessions tables)
// 1 - Added index on operations(artifact_id, arrival) for checkpoint replay
const currentSchemaVersion = 1

// Store checkpoints replicated operation logs and the site bound to each
// artifact, so a participant can restart without re-fetching its history.
// Uses SQLite with WAL mode so readers (replay, trace) never block the
// kernel's writer.
type Store struct {
	db *sql.DB
}

// pragmas are applied to every connection Open hands out.
var pragmas = []string{
	// WAL lets the CLI inspect a database while a sync session appends to it.
	"PRAGMA journal_mode = WAL",
	// NORMAL only risks the last transaction on power loss; anti-entropy
	// brings lost operations back from peers.
	"PRAGMA synchronous = NORMAL",
	"PRAGMA busy_timeout = 5000",
	"PRAGMA foreign_keys = ON",
}

// migration upgrades a database from version-1 to version.
type migration struct {
	version int
	apply   func(*sql.DB) error
}

// migrations run in order for every database whose user_version is below
// their version. New databases run them too, so each must be a no-op against
// a schema.sql that already contains its change.
var migrations = []migration{
	{version: 1, apply: migrateToV1},
}

// Open creates or opens the checkpoint database at path.
// Applies required pragmas and migrations automatically.
//
// The database is configured with:
//   - WAL mode for concurrent reads during writes
//   - NORMAL synchronous mode (balance durability/performance)
//   - 5-second busy timeout for lock contention
//   - Foreign key enforcement
//
// Opening an existing checkpoint is safe; its operations are left untouched.
func Open(path string) (*Store, error) {
	// Creates the file if it doesn't exist
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// sql.Open is lazy; surface a bad path here rather than on first append
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// SQLite only supports one writer at a time. A single connection also
	// keeps AppendOperations batches serialized without SQLITE_BUSY retries.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply pragmas: %w", err)
	}

	if err := applySchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection.
// Safe to call on a zero Store.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// applyPragmas sets required SQLite configuration.
func applyPragmas(db *sql.DB) error {
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}
	return nil
}

// applySchema creates the operations and sessions tables if they don't exist
// and runs pending migrations. This function is idempotent.
func applySchema(db *sql.DB) error {
	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("failed to execute schema: %w", err)
	}

	if err := runMigrations(db); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// runMigrations applies incremental schema migrations based on user_version.
func runMigrations(db *sql.DB) error {
	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("get user_version: %w", err)
	}

	for _, m := range migrations {
		if version >= m.version {
			continue
		}
		if err := m.apply(db); err != nil {
			return err
		}
		version = m.version
	}

	// PRAGMA does not take bound parameters
	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}

	return nil
}

// migrateToV1 adds the per-artifact arrival index ReadOperations scans.
// Checkpoints written before v1 replayed with a full table scan.
func migrateToV1(db *sql.DB) error {
	// IF NOT EXISTS keeps this a no-op on databases created from the
	// current schema
	_, err := db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_operations_artifact_arrival
		ON operations(artifact_id, arrival)
	`)
	if err != nil {
		return fmt.Errorf("migrate to v1: %w", err)
	}
	return nil
}

// verifyPragma checks that a pragma is set to the expected value.
// Used for testing.
func (s *Store) verifyPragma(name, expected string) error {
	var value string
	if err := s.db.QueryRow("PRAGMA " + name).Scan(&value); err != nil {
		return fmt.Errorf("failed to query %s: %w", name, err)
	}
	if value != expected {
		return fmt.Errorf("%s = %q, expected %q", name, value, expected)
	}
	return nil
}
