package model

import "time"

// StageStatus is the per-stage state within a generation job.
type StageStatus string

const (
	StagePending    StageStatus = "pending"
	StageInProgress StageStatus = "in_progress"
	StageCompleted  StageStatus = "completed"
	StageFailed     StageStatus = "failed"
)

// StageResult is one sequential unit of generation output. Payload is
// non-empty only when Status is StageCompleted.
type StageResult struct {
	Index       int         `json:"index"`
	Name        string      `json:"name"`
	Status      StageStatus `json:"status"`
	Payload     string      `json:"payload,omitempty"`
	CompletedAt *time.Time  `json:"completed_at,omitempty"`
}

// AnalysisResult holds the artifact produced for a session. The row is
// upserted after every stage so a crash mid-job leaves completed stages
// durably visible.
type AnalysisResult struct {
	SessionID    string        `json:"session_id"`
	Tier         Tier          `json:"tier"`
	FullArtifact string        `json:"full_artifact,omitempty"`
	Stages       []StageResult `json:"stages"`
	GeneratedAt  time.Time     `json:"generated_at"`
}

// CompletedStages counts stages with a persisted payload.
func (r *AnalysisResult) CompletedStages() int {
	n := 0
	for _, s := range r.Stages {
		if s.Status == StageCompleted {
			n++
		}
	}
	return n
}
