package store

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/fulfillment-engine/internal/db"
	"github.com/sells-group/fulfillment-engine/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

const (
	sqlInsertSession = `INSERT INTO sessions (id, tier, problem_statement, status, reference, payer, created_at, updated_at) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
	sqlSelectSession = `SELECT id, tier, problem_statement, status, reference, payer, estimated_completion_at, created_at, updated_at FROM sessions`
)

// preparedStatements lists queries to prepare on each new connection for the
// hottest store operations.
var preparedStatements = map[string]string{
	"insert_session":       sqlInsertSession,
	"get_session":          sqlSelectSession + ` WHERE id = $1`,
	"get_session_by_ref":   sqlSelectSession + ` WHERE reference = $1`,
	"update_session_state": `UPDATE sessions SET status = $1, updated_at = $2 WHERE id = $3`,
	"update_stage":         `UPDATE result_stages SET status = $1, payload = $2, completed_at = $3 WHERE session_id = $4 AND idx = $5`,
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pgxCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		for name, sql := range preparedStatements {
			if _, err := conn.Prepare(ctx, name, sql); err != nil {
				return eris.Wrapf(err, "postgres: prepare %s", name)
			}
		}
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

// NewPostgresFromPool wraps an existing pool. Used by tests.
func NewPostgresFromPool(pool db.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Pool exposes the underlying pool so the kv store can share it.
func (s *PostgresStore) Pool() db.Pool {
	return s.pool
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS sessions (
	id                      TEXT PRIMARY KEY,
	tier                    TEXT NOT NULL,
	problem_statement       TEXT NOT NULL,
	status                  TEXT NOT NULL DEFAULT 'pending',
	reference               TEXT NOT NULL UNIQUE,
	payer                   TEXT,
	estimated_completion_at TIMESTAMPTZ,
	created_at              TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at              TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS analysis_results (
	session_id    TEXT PRIMARY KEY REFERENCES sessions(id),
	tier          TEXT NOT NULL,
	full_artifact TEXT,
	generated_at  TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS result_stages (
	session_id   TEXT NOT NULL REFERENCES analysis_results(session_id),
	idx          INTEGER NOT NULL,
	name         TEXT NOT NULL,
	status       TEXT NOT NULL DEFAULT 'pending',
	payload      TEXT,
	completed_at TIMESTAMPTZ,
	PRIMARY KEY (session_id, idx)
);

CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status);
`

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

func (s *PostgresStore) CreateSession(ctx context.Context, ns NewSession) (*model.Session, error) {
	id := uuid.New().String()
	now := time.Now().UTC()

	_, err := s.pool.Exec(ctx, sqlInsertSession,
		id, string(ns.Tier), ns.ProblemStatement, string(model.SessionPending), ns.Reference, ns.Payer, now, now,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: insert session")
	}

	return &model.Session{
		ID:               id,
		Tier:             ns.Tier,
		ProblemStatement: ns.ProblemStatement,
		Status:           model.SessionPending,
		Reference:        ns.Reference,
		Payer:            ns.Payer,
		CreatedAt:        now,
		UpdatedAt:        now,
	}, nil
}

func (s *PostgresStore) GetSession(ctx context.Context, sessionID string) (*model.Session, error) {
	row := s.pool.QueryRow(ctx, sqlSelectSession+` WHERE id = $1`, sessionID)
	sess, err := scanPgSession(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Errorf("postgres: session %s not found", sessionID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get session %s", sessionID)
	}
	return sess, nil
}

func (s *PostgresStore) GetSessionByReference(ctx context.Context, reference string) (*model.Session, error) {
	row := s.pool.QueryRow(ctx, sqlSelectSession+` WHERE reference = $1`, reference)
	sess, err := scanPgSession(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get session by reference %s", reference)
	}
	return sess, nil
}

func scanPgSession(row pgx.Row) (*model.Session, error) {
	var sess model.Session
	var tier, status string
	var payer *string
	var estimated *time.Time
	err := row.Scan(&sess.ID, &tier, &sess.ProblemStatement, &status, &sess.Reference,
		&payer, &estimated, &sess.CreatedAt, &sess.UpdatedAt)
	if err != nil {
		return nil, err
	}
	sess.Tier = model.Tier(tier)
	sess.Status = model.SessionStatus(status)
	if payer != nil {
		sess.Payer = *payer
	}
	sess.EstimatedCompletionAt = estimated
	return &sess, nil
}

func (s *PostgresStore) UpdateSessionStatus(ctx context.Context, sessionID string, status model.SessionStatus) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE sessions SET status = $1, updated_at = $2 WHERE id = $3`,
		string(status), time.Now().UTC(), sessionID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update session status %s", sessionID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("postgres: session %s not found", sessionID)
	}
	return nil
}

func (s *PostgresStore) SetEstimatedCompletion(ctx context.Context, sessionID string, at time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE sessions SET estimated_completion_at = $1, updated_at = $2 WHERE id = $3`,
		at.UTC(), time.Now().UTC(), sessionID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: set estimated completion %s", sessionID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("postgres: session %s not found", sessionID)
	}
	return nil
}

func (s *PostgresStore) ListSessions(ctx context.Context, filter SessionFilter) ([]model.Session, error) {
	query := sqlSelectSession + ` WHERE 1=1`
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return "$" + strconv.Itoa(len(args))
	}

	if filter.Status != "" {
		query += ` AND status = ` + arg(string(filter.Status))
	}
	if filter.Tier != "" {
		query += ` AND tier = ` + arg(string(filter.Tier))
	}
	query += ` ORDER BY created_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` LIMIT ` + arg(limit)
	if filter.Offset > 0 {
		query += ` OFFSET ` + arg(filter.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list sessions")
	}
	defer rows.Close()

	var sessions []model.Session
	for rows.Next() {
		sess, err := scanPgSession(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan session")
		}
		sessions = append(sessions, *sess)
	}
	return sessions, eris.Wrap(rows.Err(), "postgres: list sessions iterate")
}

func (s *PostgresStore) InitResult(ctx context.Context, sessionID string, tier model.Tier, stageNames []string) error {
	return db.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx,
			`INSERT INTO analysis_results (session_id, tier) VALUES ($1, $2)
			 ON CONFLICT (session_id) DO UPDATE SET tier = EXCLUDED.tier, full_artifact = NULL, generated_at = NULL`,
			sessionID, string(tier),
		); err != nil {
			return eris.Wrap(err, "postgres: upsert result")
		}
		if _, err := tx.Exec(ctx,
			`DELETE FROM result_stages WHERE session_id = $1`, sessionID,
		); err != nil {
			return eris.Wrap(err, "postgres: reset stages")
		}
		for i, name := range stageNames {
			if _, err := tx.Exec(ctx,
				`INSERT INTO result_stages (session_id, idx, name, status) VALUES ($1, $2, $3, $4)`,
				sessionID, i+1, name, string(model.StagePending),
			); err != nil {
				return eris.Wrapf(err, "postgres: insert stage %d", i+1)
			}
		}
		return nil
	})
}

func (s *PostgresStore) UpdateStage(ctx context.Context, sessionID string, index int, status model.StageStatus, payload string) error {
	var completedAt *time.Time
	if status == model.StageCompleted {
		now := time.Now().UTC()
		completedAt = &now
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE result_stages SET status = $1, payload = $2, completed_at = $3 WHERE session_id = $4 AND idx = $5`,
		string(status), payload, completedAt, sessionID, index,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update stage %d for %s", index, sessionID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("postgres: stage %d for %s not found", index, sessionID)
	}
	return nil
}

func (s *PostgresStore) FinalizeResult(ctx context.Context, sessionID, fullArtifact string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE analysis_results SET full_artifact = $1, generated_at = $2 WHERE session_id = $3`,
		fullArtifact, time.Now().UTC(), sessionID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: finalize result %s", sessionID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("postgres: result %s not found", sessionID)
	}
	return nil
}

func (s *PostgresStore) GetResult(ctx context.Context, sessionID string) (*model.AnalysisResult, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT session_id, tier, full_artifact, generated_at FROM analysis_results WHERE session_id = $1`,
		sessionID,
	)
	var result model.AnalysisResult
	var tier string
	var artifact *string
	var generatedAt *time.Time
	err := row.Scan(&result.SessionID, &tier, &artifact, &generatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get result %s", sessionID)
	}
	result.Tier = model.Tier(tier)
	if artifact != nil {
		result.FullArtifact = *artifact
	}
	if generatedAt != nil {
		result.GeneratedAt = *generatedAt
	}

	rows, err := s.pool.Query(ctx,
		`SELECT idx, name, status, payload, completed_at FROM result_stages WHERE session_id = $1 ORDER BY idx`,
		sessionID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get stages %s", sessionID)
	}
	defer rows.Close()

	for rows.Next() {
		var stage model.StageResult
		var status string
		var payload *string
		var completedAt *time.Time
		if err := rows.Scan(&stage.Index, &stage.Name, &status, &payload, &completedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan stage")
		}
		stage.Status = model.StageStatus(status)
		if payload != nil {
			stage.Payload = *payload
		}
		stage.CompletedAt = completedAt
		result.Stages = append(result.Stages, stage)
	}
	return &result, eris.Wrap(rows.Err(), "postgres: stages iterate")
}
