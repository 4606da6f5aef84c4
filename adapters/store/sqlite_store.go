package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/layer-3/credkeeper/ports"
)

// SQLiteStore is the sqlite implementation of the SecureStorage interface.
// Values are encrypted with AES-256-GCM before write and decrypted after read.
type SQLiteStore struct {
	db     *DB
	sealer *Sealer
}

// NewSQLiteStore creates a store over an already migrated database
func NewSQLiteStore(db *DB, sealer *Sealer) *SQLiteStore {
	return &SQLiteStore{db: db, sealer: sealer}
}

var _ ports.SecureStorage = (*SQLiteStore)(nil)

// Set stores or replaces the value for key
func (s *SQLiteStore) Set(ctx context.Context, key, value string) error {
	sealed, err := s.sealer.Seal(key, value)
	if err != nil {
		return fmt.Errorf("seal %q: %w", key, err)
	}

	const query = `INSERT OR REPLACE INTO secure_entries (key, value, updated_at) VALUES (?, ?, CURRENT_TIMESTAMP)`
	if _, err := s.db.Writer.ExecContext(ctx, query, key, sealed); err != nil {
		return fmt.Errorf("set %q: %w", key, err)
	}
	return nil
}

// Get returns the decrypted value for key, or ports.ErrNotFound
func (s *SQLiteStore) Get(ctx context.Context, key string) (string, error) {
	const query = `SELECT value FROM secure_entries WHERE key = ?`
	var sealed string
	err := s.db.Reader.QueryRowContext(ctx, query, key).Scan(&sealed)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ports.ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("get %q: %w", key, err)
	}

	value, err := s.sealer.Open(key, sealed)
	if err != nil {
		return "", fmt.Errorf("open %q: %w", key, err)
	}
	return value, nil
}

// Delete removes key
func (s *SQLiteStore) Delete(ctx context.Context, key string) error {
	const query = `DELETE FROM secure_entries WHERE key = ?`
	if _, err := s.db.Writer.ExecContext(ctx, query, key); err != nil {
		return fmt.Errorf("delete %q: %w", key, err)
	}
	return nil
}
