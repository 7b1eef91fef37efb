// Package webhook provides replay-safe handling of provider webhook
// deliveries: an event-level replay guard plus signature verification and
// decoding for Stripe and Coinbase Commerce payloads.
package webhook

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/fulfillment-engine/internal/kv"
)

// Receipt records that a provider event was handled. Write-once; existence is
// checked before any side effect of handling the event.
type Receipt struct {
	EventID   string    `json:"event_id"`
	Provider  string    `json:"provider"`
	EventType string    `json:"event_type"`
	SeenAt    time.Time `json:"seen_at"`
}

// Guard deduplicates webhook deliveries by (provider, eventID). It is
// independent of the idempotency ledger: two deliveries of the same event can
// race each other before either claims the fulfillment reference, and must
// collapse to one winner at this cheaper check first.
type Guard struct {
	store kv.Store
	ttl   time.Duration
}

// NewGuard creates a Guard. Receipts expire after ttl, which should exceed
// the providers' webhook retry windows.
func NewGuard(store kv.Store, ttl time.Duration) *Guard {
	return &Guard{store: store, ttl: ttl}
}

// TryMarkProcessed atomically records the event and reports whether this is
// the first delivery. Handlers must call this before any side effect and
// short-circuit with a no-op success response when it returns false.
func (g *Guard) TryMarkProcessed(ctx context.Context, provider, eventID, eventType string) (bool, error) {
	receipt := Receipt{
		EventID:   eventID,
		Provider:  provider,
		EventType: eventType,
		SeenAt:    time.Now().UTC(),
	}
	b, err := json.Marshal(receipt)
	if err != nil {
		return false, eris.Wrap(err, "webhook: marshal receipt")
	}

	first, err := g.store.SetIfAbsent(ctx, "webhook:"+provider+":"+eventID, b, g.ttl)
	if err != nil {
		return false, eris.Wrapf(err, "webhook: mark processed %s/%s", provider, eventID)
	}
	return first, nil
}

// Unmark deletes the receipt so a provider retry of the same event is
// processed again. Only legal when handling failed after the mark and no
// fulfillment side effect was committed.
func (g *Guard) Unmark(ctx context.Context, provider, eventID string) error {
	if err := g.store.Delete(ctx, "webhook:"+provider+":"+eventID); err != nil {
		return eris.Wrapf(err, "webhook: unmark %s/%s", provider, eventID)
	}
	return nil
}
