// SPDX-License-Identifier: Apache-2.0

package capability

import (
	"context"
	"database/sql"
	"errors"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteBackend persists records in SQLite.
type SQLiteBackend struct {
	db *sql.DB
}

// OpenSQLite opens (or creates) a SQLite database file and ensures schema.
func OpenSQLite(path string) (*SQLiteBackend, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	b, err := NewSQLiteBackend(db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return b, nil
}

// NewSQLiteBackend creates a SQLite-backed store and ensures schema.
func NewSQLiteBackend(db *sql.DB) (*SQLiteBackend, error) {
	if db == nil {
		return nil, errors.New("db is nil")
	}
	if err := ensureStorageSchema(db); err != nil {
		return nil, err
	}
	return &SQLiteBackend{db: db}, nil
}

// Get returns the record for key.
func (s *SQLiteBackend) Get(ctx context.Context, skillID, key string) (Record, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT key, value_json, expires_at FROM skill_storage WHERE skill_id = ? AND key = ?
	`, skillID, key)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, err
	}
	return rec, true, nil
}

// Put stores rec, replacing any previous value.
func (s *SQLiteBackend) Put(ctx context.Context, skillID string, rec Record) error {
	var expires sql.NullTime
	if !rec.ExpiresAt.IsZero() {
		expires = sql.NullTime{Time: rec.ExpiresAt.UTC(), Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO skill_storage (skill_id, key, value_json, expires_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(skill_id, key) DO UPDATE SET
			value_json = excluded.value_json,
			expires_at = excluded.expires_at,
			updated_at = excluded.updated_at
	`, skillID, rec.Key, string(rec.Value), expires, time.Now().UTC())
	return err
}

// Delete removes key.
func (s *SQLiteBackend) Delete(ctx context.Context, skillID, key string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM skill_storage WHERE skill_id = ? AND key = ?`, skillID, key)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Records returns every record of skillID.
func (s *SQLiteBackend) Records(ctx context.Context, skillID string) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT key, value_json, expires_at FROM skill_storage WHERE skill_id = ? ORDER BY key ASC
	`, skillID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// Close closes the database.
func (s *SQLiteBackend) Close() error {
	return s.db.Close()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (Record, error) {
	var (
		rec     Record
		value   string
		expires sql.NullTime
	)
	if err := row.Scan(&rec.Key, &value, &expires); err != nil {
		return Record{}, err
	}
	rec.Value = []byte(value)
	if expires.Valid {
		rec.ExpiresAt = expires.Time
	}
	return rec, nil
}

func ensureStorageSchema(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS skill_storage (
			skill_id TEXT NOT NULL,
			key TEXT NOT NULL,
			value_json TEXT NOT NULL,
			expires_at TIMESTAMP,
			updated_at TIMESTAMP NOT NULL,
			PRIMARY KEY (skill_id, key)
		);
		CREATE INDEX IF NOT EXISTS idx_skill_storage_expires ON skill_storage(expires_at);
	`)
	return err
}
