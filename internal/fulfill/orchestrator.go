// Package fulfill ties the pipeline together: claim the payment reference,
// verify the payment, run generation, and settle the idempotency record.
package fulfill

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/fulfillment-engine/internal/generation"
	"github.com/sells-group/fulfillment-engine/internal/ledger"
	"github.com/sells-group/fulfillment-engine/internal/model"
	"github.com/sells-group/fulfillment-engine/internal/payment"
	"github.com/sells-group/fulfillment-engine/internal/store"
)

// Status is the caller-facing disposition of a fulfillment request.
type Status string

const (
	// StatusAccepted means this request won the claim and owns the pending
	// generation work.
	StatusAccepted Status = "accepted"
	// StatusFulfilled means this request performed the fulfillment.
	StatusFulfilled Status = "fulfilled"
	// StatusDuplicate means the payment was already fulfilled or is being
	// fulfilled by another request. Safe to acknowledge to the provider.
	StatusDuplicate Status = "duplicate"
	// StatusRejected means the payment failed verification; the reference was
	// released and a corrected payment may retry.
	StatusRejected Status = "rejected"
)

// Result describes what happened to one fulfillment request.
type Result struct {
	Status    Status `json:"status"`
	Reference string `json:"reference"`
	SessionID string `json:"session_id,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

// verifier abstracts payment.Adapter for tests.
type verifier interface {
	Verify(ctx context.Context, rail model.PaymentRail, raw string) (payment.Result, error)
}

// generator abstracts generation.Machine for tests.
type generator interface {
	Run(ctx context.Context, session *model.Session) error
}

// Orchestrator drives a payment from confirmation to delivered analysis while
// holding the idempotency claim on its reference.
type Orchestrator struct {
	ledger   *ledger.Ledger
	verifier verifier
	store    store.Store
	machine  generator
	plans    *generation.PlanSet
	nowFunc  func() time.Time

	// ResumeThreshold is the minimum age a still-claimed record must reach
	// before Resume will reclaim it; younger claims may belong to an owner
	// that is mid-generation, and reclaiming one double-runs the paid job.
	// Zero disables the check. Records already marked failed are exempt.
	ResumeThreshold time.Duration
}

// New creates an orchestrator.
func New(led *ledger.Ledger, adapter *payment.Adapter, st store.Store, machine *generation.Machine, plans *generation.PlanSet) *Orchestrator {
	return &Orchestrator{
		ledger:          led,
		verifier:        adapter,
		store:           st,
		machine:         machine,
		plans:           plans,
		nowFunc:         time.Now,
		ResumeThreshold: 2 * time.Hour,
	}
}

// Pending is a claimed, verified payment whose generation has not run yet.
// The holder must call Finish exactly once.
type Pending struct {
	session *model.Session
}

// SessionID identifies the session awaiting generation.
func (p *Pending) SessionID() string { return p.session.ID }

// Begin claims the reference and verifies the payment. It returns a non-nil
// Pending only when this caller won the claim and the payment is valid; the
// caller then owes a Finish call, typically from a background goroutine so
// webhook deliveries can be acknowledged immediately.
//
// The claim is taken before verification so concurrent duplicates are cut off
// at the cheapest possible point. The claim is released only when the payment
// itself proves invalid (or its validity could not be determined); any
// failure after a valid payment leaves the claim in place so the paid work is
// never silently dropped or double-run.
func (o *Orchestrator) Begin(ctx context.Context, rail model.PaymentRail, raw string) (Result, *Pending, error) {
	reference := rail.Reference(raw)
	log := zap.L().With(zap.String("reference", reference), zap.String("rail", rail.String()))

	outcome, err := o.ledger.Claim(ctx, reference)
	if err != nil {
		return Result{}, nil, err
	}
	switch outcome {
	case ledger.OutcomeAlreadyDone, ledger.OutcomeAlreadyInProgress:
		log.Info("duplicate fulfillment request", zap.String("claim_outcome", outcome.String()))
		res := Result{Status: StatusDuplicate, Reference: reference}
		if sess, err := o.store.GetSessionByReference(ctx, reference); err == nil && sess != nil {
			res.SessionID = sess.ID
		}
		return res, nil, nil
	}

	verdict, err := o.verifier.Verify(ctx, rail, raw)
	if err != nil {
		// The check itself failed, so the payment's validity is unknown. No
		// billable work has started, so releasing cannot double-fulfill, and
		// the provider's retry gets a clean slate.
		if relErr := o.ledger.Release(ctx, reference); relErr != nil {
			log.Error("failed to release claim after verification error", zap.Error(relErr))
		}
		return Result{}, nil, eris.Wrapf(err, "fulfill: verify %s", reference)
	}
	if !verdict.Valid {
		if err := o.ledger.Release(ctx, reference); err != nil {
			return Result{}, nil, eris.Wrapf(err, "fulfill: release %s", reference)
		}
		res := Result{Status: StatusRejected, Reference: reference, Reason: verdict.Reason}
		// A definitive rejection is surfaced on the session too; a later
		// corrected payment moves it back to processing.
		if sess, serr := o.store.GetSessionByReference(ctx, reference); serr == nil && sess != nil {
			res.SessionID = sess.ID
			if uerr := o.store.UpdateSessionStatus(ctx, sess.ID, model.SessionFailed); uerr != nil {
				log.Error("failed to mark session failed after rejection", zap.Error(uerr))
			}
		}
		log.Warn("payment rejected",
			zap.String("reason", verdict.Reason),
			zap.Bool("retriable", !rail.WebhookDelivered()))
		return res, nil, nil
	}

	sess, err := o.store.GetSessionByReference(ctx, reference)
	if err != nil {
		return Result{}, nil, eris.Wrapf(err, "fulfill: session lookup %s", reference)
	}
	if sess == nil {
		return Result{}, nil, eris.Errorf("fulfill: verified payment %s has no session", reference)
	}

	return Result{Status: StatusAccepted, Reference: reference, SessionID: sess.ID}, &Pending{session: sess}, nil
}

// Finish runs generation for a payment accepted by Begin and settles the
// claim.
func (o *Orchestrator) Finish(ctx context.Context, p *Pending) (Result, error) {
	sess := p.session
	log := zap.L().With(zap.String("reference", sess.Reference), zap.String("session_id", sess.ID))

	if err := o.runGeneration(ctx, sess, log); err != nil {
		return Result{SessionID: sess.ID, Reference: sess.Reference}, err
	}
	log.Info("fulfillment complete")
	return Result{Status: StatusFulfilled, Reference: sess.Reference, SessionID: sess.ID}, nil
}

// Fulfill processes one confirmed payment end to end, synchronously. Calling
// it any number of times with references normalizing to the same payment
// performs the billable generation at most once.
func (o *Orchestrator) Fulfill(ctx context.Context, rail model.PaymentRail, raw string) (Result, error) {
	res, pending, err := o.Begin(ctx, rail, raw)
	if err != nil || pending == nil {
		return res, err
	}
	return o.Finish(ctx, pending)
}

// runGeneration runs the analysis under an already-held claim. On failure the
// claim stays in place: the payment was real, so the reference must not
// become claimable by a replayed event.
func (o *Orchestrator) runGeneration(ctx context.Context, sess *model.Session, log *zap.Logger) error {
	if err := o.store.UpdateSessionStatus(ctx, sess.ID, model.SessionProcessing); err != nil {
		return eris.Wrapf(err, "fulfill: mark session processing")
	}
	if plan, err := o.plans.PlanFor(sess.Tier); err == nil {
		eta := o.nowFunc().Add(plan.EstimatedDuration())
		if err := o.store.SetEstimatedCompletion(ctx, sess.ID, eta); err != nil {
			log.Warn("failed to set estimated completion", zap.Error(err))
		}
	}

	if err := o.machine.Run(ctx, sess); err != nil {
		if stErr := o.store.UpdateSessionStatus(ctx, sess.ID, model.SessionFailed); stErr != nil {
			log.Error("failed to mark session failed", zap.Error(stErr))
		}
		log.Error("generation failed, claim retained", zap.String("session_id", sess.ID), zap.Error(err))
		return eris.Wrapf(err, "fulfill: generation for session %s", sess.ID)
	}

	if err := o.store.UpdateSessionStatus(ctx, sess.ID, model.SessionCompleted); err != nil {
		return eris.Wrapf(err, "fulfill: mark session completed")
	}
	if err := o.ledger.Complete(ctx, sess.Reference); err != nil {
		return eris.Wrapf(err, "fulfill: complete claim %s", sess.Reference)
	}
	return nil
}

// Resume re-runs generation for a session whose claim is stuck, spending one
// unit of the bounded retry budget. It refuses sessions with no claim or an
// already completed claim.
func (o *Orchestrator) Resume(ctx context.Context, sessionID string) (Result, error) {
	sess, err := o.store.GetSession(ctx, sessionID)
	if err != nil {
		return Result{}, err
	}
	log := zap.L().With(zap.String("session_id", sessionID), zap.String("reference", sess.Reference))

	rec, found, err := o.ledger.Get(ctx, sess.Reference)
	if err != nil {
		return Result{}, err
	}
	if !found {
		return Result{}, eris.Errorf("fulfill: resume %s: no claim on %s", sessionID, sess.Reference)
	}
	if rec.State == ledger.StateCompleted {
		return Result{Status: StatusDuplicate, Reference: sess.Reference, SessionID: sessionID}, nil
	}

	if rec.State == ledger.StateClaimed {
		if held := o.nowFunc().Sub(rec.ClaimedAt); o.ResumeThreshold > 0 && held < o.ResumeThreshold {
			return Result{}, eris.Errorf(
				"fulfill: resume %s: claim on %s held for only %s (threshold %s); its owner may still be running",
				sessionID, sess.Reference, held.Round(time.Second), o.ResumeThreshold)
		}
		if err := o.ledger.MarkFailed(ctx, sess.Reference, "operator resume"); err != nil {
			return Result{}, err
		}
	}
	outcome, err := o.ledger.Claim(ctx, sess.Reference)
	if err != nil {
		return Result{}, err
	}
	if outcome != ledger.OutcomeClaimed {
		return Result{}, eris.Errorf("fulfill: resume %s: retry budget exhausted for %s", sessionID, sess.Reference)
	}

	log.Info("resuming fulfillment", zap.Int("attempt", rec.Attempts+1))
	if err := o.runGeneration(ctx, sess, log); err != nil {
		if mfErr := o.ledger.MarkFailed(ctx, sess.Reference, err.Error()); mfErr != nil {
			log.Error("failed to mark claim failed after resume", zap.Error(mfErr))
		}
		return Result{SessionID: sessionID, Reference: sess.Reference}, err
	}
	return Result{Status: StatusFulfilled, Reference: sess.Reference, SessionID: sessionID}, nil
}
