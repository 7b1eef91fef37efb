package generation

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/fulfillment-engine/internal/model"
)

// ResultStore is the persistence surface the machine writes through.
type ResultStore interface {
	InitResult(ctx context.Context, sessionID string, tier model.Tier, stageNames []string) error
	UpdateStage(ctx context.Context, sessionID string, index int, status model.StageStatus, payload string) error
	FinalizeResult(ctx context.Context, sessionID, fullArtifact string) error
}

// Callbacks are observational hooks fired as the run progresses. They never
// influence the run: a panicking callback is recovered and logged.
type Callbacks struct {
	OnStageComplete func(sessionID string, stage int, name string)
	OnError         func(sessionID string, stage int, err error)
}

// Machine drives a session's analysis plan stage by stage. Stages run
// strictly in order; each completed stage is persisted before the next
// starts, and the first failure aborts the run with everything already
// completed left intact.
type Machine struct {
	store        ResultStore
	runner       StageRunner
	plans        *PlanSet
	stageTimeout time.Duration
	callbacks    Callbacks
}

// NewMachine creates a generation machine. stageTimeout bounds each
// individual stage; pass 0 for the 10 minute default.
func NewMachine(store ResultStore, runner StageRunner, plans *PlanSet, stageTimeout time.Duration, callbacks Callbacks) *Machine {
	if stageTimeout <= 0 {
		stageTimeout = 10 * time.Minute
	}
	return &Machine{
		store:        store,
		runner:       runner,
		plans:        plans,
		stageTimeout: stageTimeout,
		callbacks:    callbacks,
	}
}

// Run executes the plan for the session's tier. On error, stages completed
// before the failure stay persisted with their payloads; the failing stage is
// marked failed and later stages are never started.
func (m *Machine) Run(ctx context.Context, session *model.Session) error {
	plan, err := m.plans.PlanFor(session.Tier)
	if err != nil {
		return err
	}

	if err := m.store.InitResult(ctx, session.ID, session.Tier, plan.StageNames()); err != nil {
		return eris.Wrapf(err, "generation: init result for %s", session.ID)
	}

	log := zap.L().With(zap.String("session_id", session.ID), zap.String("tier", string(session.Tier)))
	outputs := make([]string, 0, len(plan.Stages))

	for i, stage := range plan.Stages {
		idx := i + 1
		log.Info("stage started", zap.Int("stage", idx), zap.String("name", stage.Name))

		if err := m.store.UpdateStage(ctx, session.ID, idx, model.StageInProgress, ""); err != nil {
			return eris.Wrapf(err, "generation: mark stage %d in progress", idx)
		}

		stageCtx, cancel := context.WithTimeout(ctx, m.stageTimeout)
		payload, err := m.runner.RunStage(stageCtx, plan, stage, session.ProblemStatement, outputs)
		cancel()

		if err != nil {
			if markErr := m.store.UpdateStage(ctx, session.ID, idx, model.StageFailed, ""); markErr != nil {
				log.Error("failed to mark stage failed", zap.Int("stage", idx), zap.Error(markErr))
			}
			m.fireError(session.ID, idx, err)
			log.Error("stage failed", zap.Int("stage", idx), zap.String("name", stage.Name), zap.Error(err))
			return eris.Wrapf(err, "generation: stage %d (%s)", idx, stage.Name)
		}

		if err := m.store.UpdateStage(ctx, session.ID, idx, model.StageCompleted, payload); err != nil {
			return eris.Wrapf(err, "generation: persist stage %d", idx)
		}
		m.fireStageComplete(session.ID, idx, stage.Name)
		log.Info("stage completed", zap.Int("stage", idx), zap.String("name", stage.Name))
		outputs = append(outputs, payload)
	}

	artifact := assembleArtifact(plan, session.ProblemStatement, outputs)
	if err := m.store.FinalizeResult(ctx, session.ID, artifact); err != nil {
		return eris.Wrapf(err, "generation: finalize result for %s", session.ID)
	}
	log.Info("analysis complete", zap.Int("stages", len(plan.Stages)))
	return nil
}

func (m *Machine) fireStageComplete(sessionID string, stage int, name string) {
	if m.callbacks.OnStageComplete == nil {
		return
	}
	defer recoverCallback(sessionID, stage)
	m.callbacks.OnStageComplete(sessionID, stage, name)
}

func (m *Machine) fireError(sessionID string, stage int, err error) {
	if m.callbacks.OnError == nil {
		return
	}
	defer recoverCallback(sessionID, stage)
	m.callbacks.OnError(sessionID, stage, err)
}

func recoverCallback(sessionID string, stage int) {
	if r := recover(); r != nil {
		zap.L().Warn("generation callback panicked",
			zap.String("session_id", sessionID),
			zap.Int("stage", stage),
			zap.Any("panic", r))
	}
}

func assembleArtifact(plan Plan, problem string, outputs []string) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "# Analysis Report (%s tier)\n\n", plan.Tier)
	fmt.Fprintf(&sb, "## Problem Statement\n\n%s\n", strings.TrimSpace(problem))
	for i, out := range outputs {
		fmt.Fprintf(&sb, "\n## %s\n\n%s\n", titleCase(plan.Stages[i].Name), strings.TrimSpace(out))
	}
	return sb.String()
}

func titleCase(s string) string {
	words := strings.Fields(s)
	for i, w := range words {
		words[i] = strings.ToUpper(w[:1]) + w[1:]
	}
	return strings.Join(words, " ")
}
