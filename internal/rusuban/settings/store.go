// Package settings holds the runtime-editable configuration of the
// responder: provider credentials, model choice, system prompt.
//
// Values live in a SQLite table so an operator can change them while the
// session stays up. The hot path never queries the table directly; it reads
// the snapshot Cache in this package.
package settings

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/bdobrica/Rusuban/internal/rusuban/store"
)

// Well-known keys. The store accepts arbitrary keys; these are the ones the
// reply pipeline reads.
const (
	KeyAPIKey       = "openai_api_key"
	KeyBaseURL      = "openai_base_url"
	KeyModel        = "openai_model"
	KeySystemPrompt = "system_prompt"
)

// ErrNotFound is returned by Get when the requested key does not exist.
var ErrNotFound = errors.New("settings: key not found")

// Store is the read/write interface for the settings table.
// Implementations must be safe for concurrent use.
type Store interface {
	// GetAll returns a snapshot of every key/value pair. An empty map (not
	// nil) is returned when no entries exist.
	GetAll(ctx context.Context) (map[string]string, error)

	// Get returns the value for key, or ErrNotFound when absent.
	Get(ctx context.Context, key string) (string, error)

	// Set stores value under key, creating or overwriting the entry and
	// recording the current UTC timestamp in updated_at.
	Set(ctx context.Context, key, value string) error

	// Delete removes key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error

	// Seed inserts every pair whose key is not yet present. Existing values
	// are never overwritten, so the store stays authoritative after first
	// run.
	Seed(ctx context.Context, defaults map[string]string) error
}

// sqliteStore is the SQLite-backed implementation of Store.
type sqliteStore struct {
	db *store.Store
}

// New creates a Store backed by the application SQLite database. The
// migration that creates the settings table must already be applied, which
// store.New guarantees.
func New(db *store.Store) Store {
	return &sqliteStore{db: db}
}

func (s *sqliteStore) GetAll(ctx context.Context) (map[string]string, error) {
	rows, err := s.db.DB().QueryContext(ctx, `SELECT key, value FROM settings ORDER BY key`)
	if err != nil {
		return nil, fmt.Errorf("settings: get all: %w", err)
	}
	defer rows.Close()

	result := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("settings: get all scan: %w", err)
		}
		result[k] = v
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("settings: get all rows: %w", err)
	}
	return result, nil
}

func (s *sqliteStore) Get(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.DB().QueryRowContext(ctx,
		`SELECT value FROM settings WHERE key = ?`, key,
	).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("settings: get %q: %w", key, err)
	}
	return value, nil
}

func (s *sqliteStore) Set(ctx context.Context, key, value string) error {
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := s.db.DB().ExecContext(ctx, `
		INSERT INTO settings (key, value, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			value      = excluded.value,
			updated_at = excluded.updated_at
	`, key, value, now)
	if err != nil {
		return fmt.Errorf("settings: set %q: %w", key, err)
	}
	return nil
}

func (s *sqliteStore) Delete(ctx context.Context, key string) error {
	_, err := s.db.DB().ExecContext(ctx, `DELETE FROM settings WHERE key = ?`, key)
	if err != nil {
		return fmt.Errorf("settings: delete %q: %w", key, err)
	}
	return nil
}

func (s *sqliteStore) Seed(ctx context.Context, defaults map[string]string) error {
	if len(defaults) == 0 {
		return nil
	}
	now := time.Now().UTC().Format(time.RFC3339)
	tx, err := s.db.DB().BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("settings: seed begin: %w", err)
	}
	for key, value := range defaults {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO settings (key, value, updated_at)
			VALUES (?, ?, ?)
			ON CONFLICT(key) DO NOTHING
		`, key, value, now); err != nil {
			tx.Rollback()
			return fmt.Errorf("settings: seed %q: %w", key, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("settings: seed commit: %w", err)
	}
	return nil
}
