package model

import "fmt"

// PaymentRail is the closed set of payment channels that feed the fulfillment
// pipeline. Rails are represented as a typed constant rather than provider
// name strings so dispatch is exhaustive at compile time.
type PaymentRail int

const (
	// RailOnChain is a verified Ethereum transaction.
	RailOnChain PaymentRail = iota
	// RailStripe is a Stripe Checkout webhook.
	RailStripe
	// RailCoinbase is a Coinbase Commerce webhook.
	RailCoinbase
)

func (r PaymentRail) String() string {
	switch r {
	case RailOnChain:
		return "onchain"
	case RailStripe:
		return "stripe"
	case RailCoinbase:
		return "coinbase"
	default:
		return fmt.Sprintf("rail(%d)", int(r))
	}
}

// WebhookDelivered reports whether the rail's confirmations arrive as
// provider-signed webhook events. Webhook rails are rejected permanently on
// verification failure; the on-chain rail may be retried once the transaction
// confirms.
func (r PaymentRail) WebhookDelivered() bool {
	return r == RailStripe || r == RailCoinbase
}

// Reference builds the canonical fulfillment reference for a raw provider
// identifier. The same real-world payment must always normalize to the same
// reference string: the tx hash for on-chain payments, and a
// "{provider}_{id}" composite for webhook rails.
func (r PaymentRail) Reference(raw string) string {
	switch r {
	case RailStripe:
		return "stripe_" + raw
	case RailCoinbase:
		return "coinbase_" + raw
	default:
		return raw
	}
}

// PaymentConfirmation is the normalized output of the verification adapter,
// identical in shape across all three rails.
type PaymentConfirmation struct {
	Reference        string `json:"reference"`
	Tier             Tier   `json:"tier"`
	ProblemStatement string `json:"problem_statement"`
	Payer            string `json:"payer"`
}
