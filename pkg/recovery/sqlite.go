package recovery

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore is the on-device durable store.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// OpenSQLite opens (or creates) the database at path.
func OpenSQLite(ctx context.Context, path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One writer avoids SQLITE_BUSY between the debounced flush and shutdown.
	db.SetMaxOpenConns(1)
	s := &SQLiteStore{db: db, now: time.Now}
	if err := s.ensureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) ensureSchema(ctx context.Context) error {
	const ddl = `
CREATE TABLE IF NOT EXISTS recovery_records (
  key TEXT PRIMARY KEY,
  value BLOB NOT NULL,
  saved_at INTEGER NOT NULL,
  expires_at INTEGER
);
`
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("create recovery_records table: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Put(ctx context.Context, key string, rec Record) error {
	const stmt = `
INSERT INTO recovery_records (key, value, saved_at, expires_at)
VALUES (?, ?, ?, ?)
ON CONFLICT(key) DO UPDATE SET
  value=excluded.value,
  saved_at=excluded.saved_at,
  expires_at=excluded.expires_at;
`
	_, err := s.db.ExecContext(ctx, stmt, key, rec.Value, rec.SavedAt.UnixNano(), nullableUnixNano(rec.ExpiresAt))
	if err != nil {
		return fmt.Errorf("upsert recovery record: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, key string) (Record, bool, error) {
	var (
		rec     Record
		saved   int64
		expires sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT value, saved_at, expires_at FROM recovery_records WHERE key = ?`, key,
	).Scan(&rec.Value, &saved, &expires)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, fmt.Errorf("load recovery record: %w", err)
	}
	rec.SavedAt = time.Unix(0, saved).UTC()
	if expires.Valid {
		rec.ExpiresAt = time.Unix(0, expires.Int64).UTC()
	}
	if rec.Expired(s.now()) {
		if err := s.Delete(ctx, key); err != nil {
			return Record{}, false, err
		}
		return Record{}, false, nil
	}
	return rec, true, nil
}

func (s *SQLiteStore) Delete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM recovery_records WHERE key = ?`, key); err != nil {
		return fmt.Errorf("delete recovery record: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

func nullableUnixNano(t time.Time) sql.NullInt64 {
	if t.IsZero() {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixNano(), Valid: true}
}
