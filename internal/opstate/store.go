// Package opstate provides a namespaced key-value store for persistent
// operational state: the vendor session token, the last successful poll
// time, and similar values that must survive a restart but do not
// deserve their own schema. Each entry carries a schema version tag so
// callers can reject records written by a newer release.
package opstate

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Store is a namespaced key-value store backed by SQLite. All public
// methods are safe for concurrent use (SQLite serializes writes).
type Store struct {
	db *sql.DB
}

// NewStore creates an operational state store at the given database path.
// The schema is created automatically on first use.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS operational_state (
		namespace  TEXT NOT NULL,
		key        TEXT NOT NULL,
		value      TEXT NOT NULL,
		version    INTEGER NOT NULL DEFAULT 0,
		updated_at TEXT NOT NULL,
		PRIMARY KEY (namespace, key)
	);
	`)
	return err
}

// Get returns the stored value for a namespace/key pair. Returns empty
// string and nil error if the key does not exist.
func (s *Store) Get(namespace, key string) (string, error) {
	value, _, _, err := s.GetVersioned(namespace, key)
	return value, err
}

// GetVersioned returns the stored value and its version tag. found is
// false when the key does not exist.
func (s *Store) GetVersioned(namespace, key string) (value string, version int, found bool, err error) {
	err = s.db.QueryRow(
		`SELECT value, version FROM operational_state WHERE namespace = ? AND key = ?`,
		namespace, key,
	).Scan(&value, &version)
	if errors.Is(err, sql.ErrNoRows) {
		return "", 0, false, nil
	}
	if err != nil {
		return "", 0, false, fmt.Errorf("get %s/%s: %w", namespace, key, err)
	}
	return value, version, true, nil
}

// Set upserts an unversioned namespace/key/value triple.
func (s *Store) Set(namespace, key, value string) error {
	return s.SetVersioned(namespace, key, value, 0)
}

// SetVersioned upserts a value with an explicit version tag. Existing
// values are overwritten wholesale; nothing is merged.
func (s *Store) SetVersioned(namespace, key, value string, version int) error {
	_, err := s.db.Exec(
		`INSERT INTO operational_state (namespace, key, value, version, updated_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (namespace, key) DO UPDATE
		 SET value = excluded.value, version = excluded.version, updated_at = excluded.updated_at`,
		namespace, key, value, version, time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("set %s/%s: %w", namespace, key, err)
	}
	return nil
}

// Delete removes a namespace/key entry. No error is returned if the
// key does not exist.
func (s *Store) Delete(namespace, key string) error {
	_, err := s.db.Exec(
		`DELETE FROM operational_state WHERE namespace = ? AND key = ?`,
		namespace, key,
	)
	if err != nil {
		return fmt.Errorf("delete %s/%s: %w", namespace, key, err)
	}
	return nil
}
