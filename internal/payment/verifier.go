// Package payment verifies payments across the three supported rails and
// normalizes them into a single confirmation shape for the fulfillment
// pipeline.
package payment

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/fulfillment-engine/internal/model"
)

// Result is the outcome of verifying a single payment reference. Invalid is
// not an error: Reason carries the operator-facing explanation and the claim
// on the reference gets released so a corrected payment can retry.
type Result struct {
	Valid        bool
	Reason       string
	Confirmation *model.PaymentConfirmation
}

// Verifier checks one payment rail.
type Verifier interface {
	Rail() model.PaymentRail
	// Verify checks the raw provider reference (tx hash, checkout session id,
	// charge id). An error means the check itself could not run; an invalid
	// payment returns Valid=false with no error.
	Verify(ctx context.Context, raw string) (Result, error)
}

// SessionSource looks up the purchase session a payment reference was issued
// for. Returns nil with no error when no session matches.
type SessionSource interface {
	GetSessionByReference(ctx context.Context, reference string) (*model.Session, error)
}

// Adapter dispatches verification to the rail-specific verifier.
type Adapter struct {
	verifiers map[model.PaymentRail]Verifier
}

// NewAdapter builds an adapter over the given verifiers. Rails without a
// verifier are rejected at dispatch time.
func NewAdapter(verifiers ...Verifier) *Adapter {
	m := make(map[model.PaymentRail]Verifier, len(verifiers))
	for _, v := range verifiers {
		m[v.Rail()] = v
	}
	return &Adapter{verifiers: m}
}

// Verify runs the rail's verifier against the raw reference.
func (a *Adapter) Verify(ctx context.Context, rail model.PaymentRail, raw string) (Result, error) {
	v, ok := a.verifiers[rail]
	if !ok {
		return Result{}, eris.Errorf("payment: no verifier configured for rail %s", rail)
	}
	res, err := v.Verify(ctx, raw)
	if err != nil {
		return Result{}, err
	}
	if !res.Valid {
		zap.L().Warn("payment rejected",
			zap.String("rail", rail.String()),
			zap.String("reference", rail.Reference(raw)),
			zap.String("reason", res.Reason))
	}
	return res, nil
}
