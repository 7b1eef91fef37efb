package payment

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/sells-group/fulfillment-engine/internal/model"
)

// HostedVerifier covers the webhook rails (Stripe, Coinbase Commerce). The
// provider already signed the event before it reached us, so verification
// reduces to matching the reference against a purchase session. A webhook
// reference with no session is rejected permanently.
type HostedVerifier struct {
	rail     model.PaymentRail
	sessions SessionSource
}

// NewStripeVerifier creates the verifier for Stripe Checkout references.
func NewStripeVerifier(sessions SessionSource) *HostedVerifier {
	return &HostedVerifier{rail: model.RailStripe, sessions: sessions}
}

// NewCoinbaseVerifier creates the verifier for Coinbase Commerce references.
func NewCoinbaseVerifier(sessions SessionSource) *HostedVerifier {
	return &HostedVerifier{rail: model.RailCoinbase, sessions: sessions}
}

func (v *HostedVerifier) Rail() model.PaymentRail {
	return v.rail
}

func (v *HostedVerifier) Verify(ctx context.Context, raw string) (Result, error) {
	if raw == "" {
		return invalid("empty provider reference"), nil
	}
	reference := v.rail.Reference(raw)

	sess, err := v.sessions.GetSessionByReference(ctx, reference)
	if err != nil {
		return Result{}, eris.Wrapf(err, "payment: %s session lookup", v.rail)
	}
	if sess == nil {
		return invalid("no purchase session for provider reference"), nil
	}

	return Result{
		Valid: true,
		Confirmation: &model.PaymentConfirmation{
			Reference:        reference,
			Tier:             sess.Tier,
			ProblemStatement: sess.ProblemStatement,
			Payer:            sess.Payer,
		},
	}, nil
}
