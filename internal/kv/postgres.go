package kv

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/fulfillment-engine/internal/db"
)

// PostgresStore implements Store using pgxpool. This is the backend for
// horizontally scaled deployments: the primary key constraint makes
// SetIfAbsent atomic across server processes, which is the system's sole
// cross-process serialization point.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// NewPostgres creates a PostgresStore with a connection pool and runs the
// schema migration.
func NewPostgres(ctx context.Context, connString string) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "kv postgres: parse config")
	}
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "kv postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "kv postgres: ping")
	}

	s := &PostgresStore{pool: pool, closeFn: pool.Close}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// NewPostgresFromPool wraps an existing pool. Used by tests and by callers
// sharing one pool between the kv and session stores.
func NewPostgresFromPool(pool db.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS kv_entries (
	k          TEXT PRIMARY KEY,
	v          BYTEA NOT NULL,
	expires_at TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS idx_kv_entries_expires_at ON kv_entries(expires_at);
`

func (s *PostgresStore) migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "kv postgres: migrate")
}

// Migrate creates the kv schema. Needed when the store was built from a
// shared pool rather than NewPostgres.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	return s.migrate(ctx)
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT v FROM kv_entries WHERE k = $1 AND (expires_at IS NULL OR expires_at > now())`,
		key,
	)
	var v []byte
	err := row.Scan(&v)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, eris.Wrap(err, "kv postgres: get")
	}
	return v, true, nil
}

func (s *PostgresStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO kv_entries (k, v, expires_at) VALUES ($1, $2, $3)
		 ON CONFLICT (k) DO UPDATE SET v = EXCLUDED.v, expires_at = EXCLUDED.expires_at`,
		key, value, nullableTime(expiresAt(time.Now().UTC(), ttl)),
	)
	return eris.Wrap(err, "kv postgres: set")
}

func (s *PostgresStore) Exists(ctx context.Context, key string) (bool, error) {
	_, ok, err := s.Get(ctx, key)
	return ok, err
}

func (s *PostgresStore) Delete(ctx context.Context, key string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM kv_entries WHERE k = $1`, key)
	return eris.Wrap(err, "kv postgres: delete")
}

func (s *PostgresStore) SetIfAbsent(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	var inserted bool
	err := db.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		// An expired row counts as absent.
		if _, err := tx.Exec(ctx,
			`DELETE FROM kv_entries WHERE k = $1 AND expires_at IS NOT NULL AND expires_at <= now()`,
			key,
		); err != nil {
			return eris.Wrap(err, "kv postgres: purge expired")
		}

		tag, err := tx.Exec(ctx,
			`INSERT INTO kv_entries (k, v, expires_at) VALUES ($1, $2, $3) ON CONFLICT (k) DO NOTHING`,
			key, value, nullableTime(expiresAt(time.Now().UTC(), ttl)),
		)
		if err != nil {
			return eris.Wrap(err, "kv postgres: set if absent")
		}
		inserted = tag.RowsAffected() > 0
		return nil
	})
	return inserted, err
}

func (s *PostgresStore) DeleteExpired(ctx context.Context) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM kv_entries WHERE expires_at IS NOT NULL AND expires_at <= now()`,
	)
	if err != nil {
		return 0, eris.Wrap(err, "kv postgres: delete expired")
	}
	return int(tag.RowsAffected()), nil
}
