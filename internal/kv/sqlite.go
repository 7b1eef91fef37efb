package kv

import (
	"context"
	"database/sql"
	"time"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store using modernc.org/sqlite. The set-if-absent
// guarantee comes from the primary key constraint, which holds across
// processes sharing the database file.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "kv sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "kv sqlite: exec %s", pragma)
		}
	}
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS kv_entries (
	k          TEXT PRIMARY KEY,
	v          BLOB NOT NULL,
	expires_at DATETIME
);

CREATE INDEX IF NOT EXISTS idx_kv_entries_expires_at ON kv_entries(expires_at);
`

func (s *SQLiteStore) migrate() error {
	_, err := s.db.Exec(sqliteMigration)
	return eris.Wrap(err, "kv sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT v FROM kv_entries WHERE k = ? AND (expires_at IS NULL OR expires_at > ?)`,
		key, time.Now().UTC(),
	)
	var v []byte
	err := row.Scan(&v)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, eris.Wrap(err, "kv sqlite: get")
	}
	return v, true, nil
}

func (s *SQLiteStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO kv_entries (k, v, expires_at) VALUES (?, ?, ?)
		 ON CONFLICT(k) DO UPDATE SET v = excluded.v, expires_at = excluded.expires_at`,
		key, value, nullableTime(expiresAt(time.Now().UTC(), ttl)),
	)
	return eris.Wrap(err, "kv sqlite: set")
}

func (s *SQLiteStore) Exists(ctx context.Context, key string) (bool, error) {
	_, ok, err := s.Get(ctx, key)
	return ok, err
}

func (s *SQLiteStore) Delete(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM kv_entries WHERE k = ?`, key)
	return eris.Wrap(err, "kv sqlite: delete")
}

func (s *SQLiteStore) SetIfAbsent(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, eris.Wrap(err, "kv sqlite: begin")
	}
	defer tx.Rollback()

	now := time.Now().UTC()

	// An expired row counts as absent.
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM kv_entries WHERE k = ? AND expires_at IS NOT NULL AND expires_at <= ?`,
		key, now,
	); err != nil {
		return false, eris.Wrap(err, "kv sqlite: purge expired")
	}

	res, err := tx.ExecContext(ctx,
		`INSERT INTO kv_entries (k, v, expires_at) VALUES (?, ?, ?) ON CONFLICT(k) DO NOTHING`,
		key, value, nullableTime(expiresAt(now, ttl)),
	)
	if err != nil {
		return false, eris.Wrap(err, "kv sqlite: set if absent")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, eris.Wrap(err, "kv sqlite: rows affected")
	}
	if err := tx.Commit(); err != nil {
		return false, eris.Wrap(err, "kv sqlite: commit")
	}
	return n > 0, nil
}

func (s *SQLiteStore) DeleteExpired(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM kv_entries WHERE expires_at IS NOT NULL AND expires_at <= ?`,
		time.Now().UTC(),
	)
	if err != nil {
		return 0, eris.Wrap(err, "kv sqlite: delete expired")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, eris.Wrap(err, "kv sqlite: rows affected")
	}
	return int(n), nil
}

func nullableTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}
