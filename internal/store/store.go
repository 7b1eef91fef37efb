// Package store persists analysis sessions and their results. Session and
// result rows are owned and mutated exclusively by the fulfillment
// orchestrator (single writer per session); the status endpoint and CLI are
// pure readers.
package store

import (
	"context"
	"time"

	"github.com/sells-group/fulfillment-engine/internal/model"
)

// SessionFilter specifies criteria for listing sessions.
type SessionFilter struct {
	Status model.SessionStatus `json:"status,omitempty"`
	Tier   model.Tier          `json:"tier,omitempty"`
	Limit  int                 `json:"limit,omitempty"`
	Offset int                 `json:"offset,omitempty"`
}

// NewSession carries the fields needed to create a session at checkout time.
type NewSession struct {
	Tier             model.Tier
	ProblemStatement string
	Reference        string
	Payer            string
}

// Store defines the persistence interface for sessions and analysis results.
type Store interface {
	// Sessions
	CreateSession(ctx context.Context, ns NewSession) (*model.Session, error)
	GetSession(ctx context.Context, sessionID string) (*model.Session, error)
	// GetSessionByReference returns (nil, nil) when no session carries the
	// reference.
	GetSessionByReference(ctx context.Context, reference string) (*model.Session, error)
	UpdateSessionStatus(ctx context.Context, sessionID string, status model.SessionStatus) error
	SetEstimatedCompletion(ctx context.Context, sessionID string, at time.Time) error
	ListSessions(ctx context.Context, filter SessionFilter) ([]model.Session, error)

	// Results. InitResult resets the result row and all stage rows to
	// pending; UpdateStage upserts a single stage immediately after it
	// finishes so partial progress survives a crash.
	InitResult(ctx context.Context, sessionID string, tier model.Tier, stageNames []string) error
	UpdateStage(ctx context.Context, sessionID string, index int, status model.StageStatus, payload string) error
	FinalizeResult(ctx context.Context, sessionID, fullArtifact string) error
	// GetResult returns (nil, nil) when no result row exists yet.
	GetResult(ctx context.Context, sessionID string) (*model.AnalysisResult, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}
