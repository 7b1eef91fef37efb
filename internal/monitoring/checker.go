// Package monitoring surfaces operational anomalies the engine deliberately
// does not self-heal, chiefly claims that have been held far longer than any
// healthy fulfillment takes.
package monitoring

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/fulfillment-engine/internal/ledger"
	"github.com/sells-group/fulfillment-engine/internal/model"
	"github.com/sells-group/fulfillment-engine/internal/store"
)

// StuckClaim is a claim held past the alert threshold.
type StuckClaim struct {
	Reference string        `json:"reference"`
	SessionID string        `json:"session_id"`
	State     ledger.State  `json:"state"`
	Attempts  int           `json:"attempts"`
	HeldFor   time.Duration `json:"held_for"`
	Note      string        `json:"note,omitempty"`
}

// Checker periodically scans non-terminal sessions for claims stuck past the
// threshold. Stuck claims are alerted, never expired: resolving one is an
// operator decision.
type Checker struct {
	store     store.Store
	ledger    *ledger.Ledger
	threshold time.Duration
	interval  time.Duration
	nowFunc   func() time.Time
}

// NewChecker creates a checker. threshold <= 0 defaults to 2h, interval <= 0
// to 5m.
func NewChecker(st store.Store, led *ledger.Ledger, threshold, interval time.Duration) *Checker {
	if threshold <= 0 {
		threshold = 2 * time.Hour
	}
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &Checker{
		store:     st,
		ledger:    led,
		threshold: threshold,
		interval:  interval,
		nowFunc:   time.Now,
	}
}

// Run scans on the configured interval until ctx is cancelled.
func (c *Checker) Run(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stuck, err := c.Check(ctx)
			if err != nil {
				zap.L().Error("stuck claim scan failed", zap.Error(err))
				continue
			}
			for _, s := range stuck {
				zap.L().Warn("stuck claim detected",
					zap.String("reference", s.Reference),
					zap.String("session_id", s.SessionID),
					zap.String("state", string(s.State)),
					zap.Int("attempts", s.Attempts),
					zap.Duration("held_for", s.HeldFor),
				)
			}
		}
	}
}

// Check returns every claim attached to a non-terminal session that has been
// held longer than the threshold.
func (c *Checker) Check(ctx context.Context) ([]StuckClaim, error) {
	var stuck []StuckClaim
	now := c.nowFunc()

	// Pending is included because a process dying between the claim and the
	// processing transition leaves the claim attached to a pending session.
	for _, status := range []model.SessionStatus{model.SessionPending, model.SessionProcessing, model.SessionFailed} {
		sessions, err := c.store.ListSessions(ctx, store.SessionFilter{Status: status, Limit: 500})
		if err != nil {
			return nil, err
		}
		for _, sess := range sessions {
			rec, found, err := c.ledger.Get(ctx, sess.Reference)
			if err != nil {
				return nil, err
			}
			if !found || rec.State == ledger.StateCompleted {
				continue
			}
			held := now.Sub(rec.ClaimedAt)
			if held < c.threshold {
				continue
			}
			stuck = append(stuck, StuckClaim{
				Reference: rec.Reference,
				SessionID: sess.ID,
				State:     rec.State,
				Attempts:  rec.Attempts,
				HeldFor:   held,
				Note:      rec.Note,
			})
		}
	}
	return stuck, nil
}
