// Package ledger implements the idempotency ledger: an atomic claim on a
// fulfillment reference that guarantees at most one caller proceeds to
// billable generation work for a given payment, across processes.
package ledger

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/fulfillment-engine/internal/kv"
)

// State is the lifecycle state of an idempotency record.
type State string

const (
	// StateClaimed means a caller owns the reference and fulfillment is in
	// flight, or the owner crashed; claims are never auto-reclaimed by age.
	StateClaimed State = "claimed"
	// StateCompleted means fulfillment finished; the reference is permanently done.
	StateCompleted State = "completed"
	// StateFailed marks a bounded-retry checkpoint set by the operator resume
	// path; a failed record with attempts remaining can be re-claimed.
	StateFailed State = "failed"
)

// Record is the persisted idempotency record for one fulfillment reference.
type Record struct {
	Reference   string     `json:"reference"`
	State       State      `json:"state"`
	Attempts    int        `json:"attempts"`
	ClaimedAt   time.Time  `json:"claimed_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Note        string     `json:"note,omitempty"`
}

// Outcome is the result of a claim attempt.
type Outcome int

const (
	// OutcomeClaimed means this caller won the claim and must drive fulfillment.
	OutcomeClaimed Outcome = iota
	// OutcomeAlreadyInProgress means another caller owns the reference, or a
	// prior attempt crashed while claimed.
	OutcomeAlreadyInProgress
	// OutcomeAlreadyDone means the reference was already fulfilled.
	OutcomeAlreadyDone
)

func (o Outcome) String() string {
	switch o {
	case OutcomeClaimed:
		return "claimed"
	case OutcomeAlreadyInProgress:
		return "already_in_progress"
	case OutcomeAlreadyDone:
		return "already_done"
	default:
		return "unknown"
	}
}

const keyPrefix = "claim:"

// Ledger provides atomic claim-or-reject semantics over a kv.Store. It is the
// only component that mutates idempotency records.
type Ledger struct {
	store kv.Store
	// maxAttempts bounds re-claims of failed records. Once exhausted, the
	// record stays claimed forever (fails closed).
	maxAttempts int
	nowFunc     func() time.Time
}

// New creates a Ledger. maxAttempts <= 0 defaults to 3.
func New(store kv.Store, maxAttempts int) *Ledger {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	return &Ledger{store: store, maxAttempts: maxAttempts, nowFunc: time.Now}
}

// Claim attempts to take ownership of reference. Exactly one of concurrent
// callers for the same reference observes OutcomeClaimed; the rest observe
// OutcomeAlreadyInProgress or OutcomeAlreadyDone. Claim records carry no TTL:
// a stuck claim is surfaced operationally, never silently expired.
func (l *Ledger) Claim(ctx context.Context, reference string) (Outcome, error) {
	rec := Record{
		Reference: reference,
		State:     StateClaimed,
		Attempts:  1,
		ClaimedAt: l.nowFunc().UTC(),
	}

	won, err := l.tryInsert(ctx, rec)
	if err != nil {
		return OutcomeAlreadyInProgress, err
	}
	if won {
		return OutcomeClaimed, nil
	}

	existing, found, err := l.Get(ctx, reference)
	if err != nil {
		return OutcomeAlreadyInProgress, err
	}
	if !found {
		// The competing record vanished between our insert and read (a
		// concurrent release). One more attempt; if that loses too, someone
		// else owns it.
		rec.ClaimedAt = l.nowFunc().UTC()
		won, err = l.tryInsert(ctx, rec)
		if err != nil {
			return OutcomeAlreadyInProgress, err
		}
		if won {
			return OutcomeClaimed, nil
		}
		return OutcomeAlreadyInProgress, nil
	}

	switch existing.State {
	case StateCompleted:
		return OutcomeAlreadyDone, nil
	case StateFailed:
		return l.reclaimFailed(ctx, *existing)
	default:
		return OutcomeAlreadyInProgress, nil
	}
}

// reclaimFailed re-claims a failed record if retry budget remains. The
// delete+insert pair is not a single atomic step, but the insert alone
// decides the winner among racers.
func (l *Ledger) reclaimFailed(ctx context.Context, existing Record) (Outcome, error) {
	if existing.Attempts >= l.maxAttempts {
		zap.L().Warn("ledger: retry budget exhausted, reference stays claimed",
			zap.String("reference", existing.Reference),
			zap.Int("attempts", existing.Attempts),
		)
		return OutcomeAlreadyInProgress, nil
	}

	if err := l.store.Delete(ctx, keyPrefix+existing.Reference); err != nil {
		return OutcomeAlreadyInProgress, eris.Wrap(err, "ledger: delete failed record")
	}
	rec := Record{
		Reference: existing.Reference,
		State:     StateClaimed,
		Attempts:  existing.Attempts + 1,
		ClaimedAt: l.nowFunc().UTC(),
	}
	won, err := l.tryInsert(ctx, rec)
	if err != nil {
		return OutcomeAlreadyInProgress, err
	}
	if !won {
		return OutcomeAlreadyInProgress, nil
	}
	return OutcomeClaimed, nil
}

func (l *Ledger) tryInsert(ctx context.Context, rec Record) (bool, error) {
	b, err := json.Marshal(rec)
	if err != nil {
		return false, eris.Wrap(err, "ledger: marshal record")
	}
	won, err := l.store.SetIfAbsent(ctx, keyPrefix+rec.Reference, b, 0)
	if err != nil {
		return false, eris.Wrapf(err, "ledger: claim %s", rec.Reference)
	}
	return won, nil
}

// Complete marks the reference as fulfilled. Permanent: later claims observe
// OutcomeAlreadyDone.
func (l *Ledger) Complete(ctx context.Context, reference string) error {
	existing, found, err := l.Get(ctx, reference)
	if err != nil {
		return err
	}
	now := l.nowFunc().UTC()
	rec := Record{
		Reference:   reference,
		State:       StateCompleted,
		ClaimedAt:   now,
		CompletedAt: &now,
	}
	if found {
		rec.Attempts = existing.Attempts
		rec.ClaimedAt = existing.ClaimedAt
	}
	b, err := json.Marshal(rec)
	if err != nil {
		return eris.Wrap(err, "ledger: marshal record")
	}
	if err := l.store.Set(ctx, keyPrefix+reference, b, 0); err != nil {
		return eris.Wrapf(err, "ledger: complete %s", reference)
	}
	return nil
}

// Release deletes the record, permitting a fresh claim. Only legal after
// verification reports the payment itself invalid; a genuinely received
// payment must never be released after a downstream failure.
func (l *Ledger) Release(ctx context.Context, reference string) error {
	if err := l.store.Delete(ctx, keyPrefix+reference); err != nil {
		return eris.Wrapf(err, "ledger: release %s", reference)
	}
	return nil
}

// MarkFailed records a failed fulfillment attempt without releasing the
// claim, preserving the fact that payment was received. Used by the operator
// resume path to spend retry budget.
func (l *Ledger) MarkFailed(ctx context.Context, reference, note string) error {
	existing, found, err := l.Get(ctx, reference)
	if err != nil {
		return err
	}
	if !found {
		return eris.Errorf("ledger: mark failed: no record for %s", reference)
	}
	existing.State = StateFailed
	existing.Note = note
	b, err := json.Marshal(existing)
	if err != nil {
		return eris.Wrap(err, "ledger: marshal record")
	}
	if err := l.store.Set(ctx, keyPrefix+reference, b, 0); err != nil {
		return eris.Wrapf(err, "ledger: mark failed %s", reference)
	}
	return nil
}

// Get reads the record for a reference. Returns found=false when no record
// exists.
func (l *Ledger) Get(ctx context.Context, reference string) (*Record, bool, error) {
	b, ok, err := l.store.Get(ctx, keyPrefix+reference)
	if err != nil {
		return nil, false, eris.Wrapf(err, "ledger: get %s", reference)
	}
	if !ok {
		return nil, false, nil
	}
	var rec Record
	if err := json.Unmarshal(b, &rec); err != nil {
		return nil, false, eris.Wrapf(err, "ledger: unmarshal %s", reference)
	}
	return &rec, true, nil
}
