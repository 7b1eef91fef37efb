package model

import "time"

// SessionStatus is the lifecycle state of an analysis session.
type SessionStatus string

const (
	SessionPending    SessionStatus = "pending"
	SessionProcessing SessionStatus = "processing"
	SessionCompleted  SessionStatus = "completed"
	SessionFailed     SessionStatus = "failed"
)

// Session is one purchased analysis. It is created when a checkout or payment
// intent is initiated and maps to at most one successful fulfillment via its
// Reference.
type Session struct {
	ID                    string        `json:"id"`
	Tier                  Tier          `json:"tier"`
	ProblemStatement      string        `json:"problem_statement"`
	Status                SessionStatus `json:"status"`
	Reference             string        `json:"reference"`
	Payer                 string        `json:"payer,omitempty"`
	EstimatedCompletionAt *time.Time    `json:"estimated_completion_at,omitempty"`
	CreatedAt             time.Time     `json:"created_at"`
	UpdatedAt             time.Time     `json:"updated_at"`
}
