package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// SQLKV persists key/value pairs in a single table. Each Set is one upsert
// statement, so a value is always replaced atomically.
type SQLKV struct {
	db      *sql.DB
	dialect Dialect
}

// NewSQLKV wraps db and creates the backing table when missing.
func NewSQLKV(ctx context.Context, db *DB) (*SQLKV, error) {
	if db == nil || db.Client == nil {
		return nil, errors.New("store: nil database")
	}
	kv := &SQLKV{db: db.Client, dialect: db.Dialect}
	if err := kv.migrate(ctx); err != nil {
		return nil, fmt.Errorf("migrate kv table: %w", err)
	}
	return kv, nil
}

func (s *SQLKV) migrate(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS agent_kv (
		storage_key TEXT PRIMARY KEY,
		payload     BLOB NOT NULL,
		updated_at  DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`
	if s.dialect == DialectPostgres {
		schema = `
	CREATE TABLE IF NOT EXISTS agent_kv (
		storage_key TEXT PRIMARY KEY,
		payload     BYTEA NOT NULL,
		updated_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`
	}
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// Get returns the stored payload or ErrNotFound.
func (s *SQLKV) Get(ctx context.Context, key string) ([]byte, error) {
	var payload []byte
	err := s.db.QueryRowContext(ctx, s.bind(`SELECT payload FROM agent_kv WHERE storage_key = $1`), key).Scan(&payload)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get %s: %w", key, err)
	}
	return payload, nil
}

// Set upserts the full payload for key.
func (s *SQLKV) Set(ctx context.Context, key string, value []byte) error {
	if value == nil {
		value = []byte{}
	}
	_, err := s.db.ExecContext(ctx, s.bind(`
		INSERT INTO agent_kv (storage_key, payload, updated_at)
		VALUES ($1, $2, CURRENT_TIMESTAMP)
		ON CONFLICT (storage_key) DO UPDATE SET
			payload = EXCLUDED.payload,
			updated_at = EXCLUDED.updated_at
	`), key, value)
	if err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	return nil
}

// Remove deletes key.
func (s *SQLKV) Remove(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, s.bind(`DELETE FROM agent_kv WHERE storage_key = $1`), key); err != nil {
		return fmt.Errorf("remove %s: %w", key, err)
	}
	return nil
}

// bind rewrites $n placeholders to ? for SQLite.
func (s *SQLKV) bind(query string) string {
	if s.dialect != DialectSQLite {
		return query
	}
	out := make([]byte, 0, len(query))
	for i := 0; i < len(query); i++ {
		if query[i] == '$' {
			out = append(out, '?')
			for i+1 < len(query) && query[i+1] >= '0' && query[i+1] <= '9' {
				i++
			}
			continue
		}
		out = append(out, query[i])
	}
	return string(out)
}
