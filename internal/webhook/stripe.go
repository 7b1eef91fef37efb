package webhook

import (
	"encoding/json"

	"github.com/rotisserie/eris"
	"github.com/stripe/stripe-go/v82"
	stripewebhook "github.com/stripe/stripe-go/v82/webhook"
)

// StripeEvent is the decoded subset of a Stripe webhook delivery the
// fulfillment path needs.
type StripeEvent struct {
	ID        string
	Type      string
	SessionID string
	Payer     string
}

// CheckoutCompleted reports whether the event confirms a paid checkout.
func (e StripeEvent) CheckoutCompleted() bool {
	return e.Type == "checkout.session.completed"
}

// ParseStripeEvent verifies the Stripe-Signature header against the raw
// payload and decodes the event. Signature verification happens before any
// field is trusted; a bad signature is a permanent rejection.
func ParseStripeEvent(payload []byte, sigHeader, secret string) (*StripeEvent, error) {
	// The endpoint's pinned dashboard API version lags the SDK's, so the
	// version check is skipped; the signature check still applies in full.
	event, err := stripewebhook.ConstructEventWithOptions(payload, sigHeader, secret,
		stripewebhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true})
	if err != nil {
		return nil, eris.Wrap(err, "stripe: verify signature")
	}

	out := &StripeEvent{
		ID:   event.ID,
		Type: string(event.Type),
	}

	if out.CheckoutCompleted() {
		var session stripe.CheckoutSession
		if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
			return nil, eris.Wrap(err, "stripe: decode checkout session")
		}
		out.SessionID = session.ID
		if session.CustomerDetails != nil {
			out.Payer = session.CustomerDetails.Email
		}
	}

	return out, nil
}
