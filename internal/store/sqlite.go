package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/fulfillment-engine/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS sessions (
	id                      TEXT PRIMARY KEY,
	tier                    TEXT NOT NULL,
	problem_statement       TEXT NOT NULL,
	status                  TEXT NOT NULL DEFAULT 'pending',
	reference               TEXT NOT NULL UNIQUE,
	payer                   TEXT,
	estimated_completion_at DATETIME,
	created_at              DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at              DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS analysis_results (
	session_id    TEXT PRIMARY KEY REFERENCES sessions(id),
	tier          TEXT NOT NULL,
	full_artifact TEXT,
	generated_at  DATETIME
);

CREATE TABLE IF NOT EXISTS result_stages (
	session_id   TEXT NOT NULL REFERENCES analysis_results(session_id),
	idx          INTEGER NOT NULL,
	name         TEXT NOT NULL,
	status       TEXT NOT NULL DEFAULT 'pending',
	payload      TEXT,
	completed_at DATETIME,
	PRIMARY KEY (session_id, idx)
);

CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status);
CREATE INDEX IF NOT EXISTS idx_sessions_reference ON sessions(reference);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) CreateSession(ctx context.Context, ns NewSession) (*model.Session, error) {
	id := uuid.New().String()
	now := time.Now().UTC()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, tier, problem_statement, status, reference, payer, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		id, string(ns.Tier), ns.ProblemStatement, string(model.SessionPending), ns.Reference, ns.Payer, now, now,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: insert session")
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

const sessionColumns = `id, tier, problem_statement, status, reference, payer, estimated_completion_at, created_at, updated_at`

func (s *SQLiteStore) GetSession(ctx context.Context, sessionID string) (*model.Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, sessionID,
	)
	sess, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, eris.Errorf("sqlite: session %s not found", sessionID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get session %s", sessionID)
	}
	return sess, nil
}

func (s *SQLiteStore) GetSessionByReference(ctx context.Context, reference string) (*model.Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE reference = ?`, reference,
	)
	sess, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get session by reference %s", reference)
	}
	return sess, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*model.Session, error) {
	var sess model.Session
	var tier, status string
	var payer sql.NullString
	var estimated sql.NullTime
	err := row.Scan(&sess.ID, &tier, &sess.ProblemStatement, &status, &sess.Reference,
		&payer, &estimated, &sess.CreatedAt, &sess.UpdatedAt)
	if err != nil {
		return nil, err
	}
	sess.Tier = model.Tier(tier)
	sess.Status = model.SessionStatus(status)
	if payer.Valid {
		sess.Payer = payer.String
	}
	if estimated.Valid {
		t := estimated.Time
		sess.EstimatedCompletionAt = &t
	}
	return &sess, nil
}

func (s *SQLiteStore) UpdateSessionStatus(ctx context.Context, sessionID string, status model.SessionStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), time.Now().UTC(), sessionID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update session status %s", sessionID)
	}
	return checkRowsAffected(res, "session", sessionID)
}

func (s *SQLiteStore) SetEstimatedCompletion(ctx context.Context, sessionID string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET estimated_completion_at = ?, updated_at = ? WHERE id = ?`,
		at.UTC(), time.Now().UTC(), sessionID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: set estimated completion %s", sessionID)
	}
	return checkRowsAffected(res, "session", sessionID)
}

func (s *SQLiteStore) ListSessions(ctx context.Context, filter SessionFilter) ([]model.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE 1=1`
	var args []any

	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	if filter.Tier != "" {
		query += ` AND tier = ?`
		args = append(args, string(filter.Tier))
	}
	query += ` ORDER BY created_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` LIMIT ?`
	args = append(args, limit)

	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list sessions")
	}
	defer rows.Close()

	var sessions []model.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan session")
		}
		sessions = append(sessions, *sess)
	}
	return sessions, eris.Wrap(rows.Err(), "sqlite: list sessions iterate")
}

func (s *SQLiteStore) InitResult(ctx context.Context, sessionID string, tier model.Tier, stageNames []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin init result")
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO analysis_results (session_id, tier) VALUES (?, ?)
		 ON CONFLICT(session_id) DO UPDATE SET tier = excluded.tier, full_artifact = NULL, generated_at = NULL`,
		sessionID, string(tier),
	); err != nil {
		return eris.Wrap(err, "sqlite: upsert result")
	}

	// A resume re-runs every stage, so prior stage rows are reset.
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM result_stages WHERE session_id = ?`, sessionID,
	); err != nil {
		return eris.Wrap(err, "sqlite: reset stages")
	}
	for i, name := range stageNames {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO result_stages (session_id, idx, name, status) VALUES (?, ?, ?, ?)`,
			sessionID, i+1, name, string(model.StagePending),
		); err != nil {
			return eris.Wrapf(err, "sqlite: insert stage %d", i+1)
		}
	}

	return eris.Wrap(tx.Commit(), "sqlite: commit init result")
}

func (s *SQLiteStore) UpdateStage(ctx context.Context, sessionID string, index int, status model.StageStatus, payload string) error {
	var completedAt any
	if status == model.StageCompleted {
		completedAt = time.Now().UTC()
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE result_stages SET status = ?, payload = ?, completed_at = ? WHERE session_id = ? AND idx = ?`,
		string(status), payload, completedAt, sessionID, index,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update stage %d for %s", index, sessionID)
	}
	return checkRowsAffected(res, "stage", sessionID)
}

func (s *SQLiteStore) FinalizeResult(ctx context.Context, sessionID, fullArtifact string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE analysis_results SET full_artifact = ?, generated_at = ? WHERE session_id = ?`,
		fullArtifact, time.Now().UTC(), sessionID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: finalize result %s", sessionID)
	}
	return checkRowsAffected(res, "result", sessionID)
}

func (s *SQLiteStore) GetResult(ctx context.Context, sessionID string) (*model.AnalysisResult, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT session_id, tier, full_artifact, generated_at FROM analysis_results WHERE session_id = ?`,
		sessionID,
	)
	var result model.AnalysisResult
	var tier string
	var artifact sql.NullString
	var generatedAt sql.NullTime
	err := row.Scan(&result.SessionID, &tier, &artifact, &generatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get result %s", sessionID)
	}
	result.Tier = model.Tier(tier)
	if artifact.Valid {
		result.FullArtifact = artifact.String
	}
	if generatedAt.Valid {
		result.GeneratedAt = generatedAt.Time
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT idx, name, status, payload, completed_at FROM result_stages WHERE session_id = ? ORDER BY idx`,
		sessionID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get stages %s", sessionID)
	}
	defer rows.Close()

	for rows.Next() {
		var stage model.StageResult
		var status string
		var payload sql.NullString
		var completedAt sql.NullTime
		if err := rows.Scan(&stage.Index, &stage.Name, &status, &payload, &completedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan stage")
		}
		stage.Status = model.StageStatus(status)
		if payload.Valid {
			stage.Payload = payload.String
		}
		if completedAt.Valid {
			t := completedAt.Time
			stage.CompletedAt = &t
		}
		result.Stages = append(result.Stages, stage)
	}
	return &result, eris.Wrap(rows.Err(), "sqlite: stages iterate")
}

func checkRowsAffected(res sql.Result, kind, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "sqlite: rows affected")
	}
	if n == 0 {
		return eris.Errorf("sqlite: %s %s not found", kind, id)
	}
	return nil
}
