package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/fulfillment-engine/internal/kv"
)

func newTestGuard(t *testing.T, ttl time.Duration) *Guard {
	t.Helper()
	store := kv.NewMemory(0)
	t.Cleanup(func() { store.Close() })
	return NewGuard(store, ttl)
}

func TestTryMarkProcessed_FirstThenDuplicate(t *testing.T) {
	g := newTestGuard(t, time.Hour)
	ctx := context.Background()

	first, err := g.TryMarkProcessed(ctx, "stripe", "evt_1", "checkout.session.completed")
	require.NoError(t, err)
	assert.True(t, first)

	second, err := g.TryMarkProcessed(ctx, "stripe", "evt_1", "checkout.session.completed")
	require.NoError(t, err)
	assert.False(t, second, "redelivery of the same event must lose")
}

func TestTryMarkProcessed_ProvidersIndependent(t *testing.T) {
	g := newTestGuard(t, time.Hour)
	ctx := context.Background()

	first, err := g.TryMarkProcessed(ctx, "stripe", "evt_1", "checkout.session.completed")
	require.NoError(t, err)
	require.True(t, first)

	// Same event ID under a different provider is a different key.
	first, err = g.TryMarkProcessed(ctx, "coinbase", "evt_1", "charge:confirmed")
	require.NoError(t, err)
	assert.True(t, first)
}

func TestUnmark_AllowsReprocessing(t *testing.T) {
	g := newTestGuard(t, time.Hour)
	ctx := context.Background()

	first, err := g.TryMarkProcessed(ctx, "coinbase", "evt_1", "charge:confirmed")
	require.NoError(t, err)
	require.True(t, first)

	// Handling failed before any side effect; the receipt is rolled back so
	// the provider's retry is processed.
	require.NoError(t, g.Unmark(ctx, "coinbase", "evt_1"))

	first, err = g.TryMarkProcessed(ctx, "coinbase", "evt_1", "charge:confirmed")
	require.NoError(t, err)
	assert.True(t, first)
}

func TestTryMarkProcessed_ExpiresAfterTTL(t *testing.T) {
	g := newTestGuard(t, 20*time.Millisecond)
	ctx := context.Background()

	first, err := g.TryMarkProcessed(ctx, "stripe", "evt_1", "checkout.session.completed")
	require.NoError(t, err)
	require.True(t, first)

	time.Sleep(40 * time.Millisecond)

	first, err = g.TryMarkProcessed(ctx, "stripe", "evt_1", "checkout.session.completed")
	require.NoError(t, err)
	assert.True(t, first, "receipt past TTL behaves as unseen")
}

func signStripePayload(payload []byte, secret string) string {
	ts := time.Now().Unix()
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%d.%s", ts, payload)
	return fmt.Sprintf("t=%d,v1=%s", ts, hex.EncodeToString(mac.Sum(nil)))
}

func TestParseStripeEvent_CheckoutCompleted(t *testing.T) {
	const secret = "whsec_test"
	payload := []byte(`{
		"id": "evt_1",
		"type": "checkout.session.completed",
		"data": {
			"object": {
				"id": "cs_test_123",
				"customer_details": {"email": "payer@example.com"}
			}
		}
	}`)

	evt, err := ParseStripeEvent(payload, signStripePayload(payload, secret), secret)
	require.NoError(t, err)
	assert.Equal(t, "evt_1", evt.ID)
	assert.True(t, evt.CheckoutCompleted())
	assert.Equal(t, "cs_test_123", evt.SessionID)
	assert.Equal(t, "payer@example.com", evt.Payer)
}

func TestParseStripeEvent_BadSignature(t *testing.T) {
	payload := []byte(`{"id":"evt_1","type":"checkout.session.completed","data":{"object":{}}}`)
	_, err := ParseStripeEvent(payload, signStripePayload(payload, "whsec_other"), "whsec_test")
	require.Error(t, err)
}

func TestParseCoinbaseEvent_ChargeConfirmed(t *testing.T) {
	const secret = "cb_secret"
	payload := []byte(`{
		"event": {
			"id": "00000000-aaaa-bbbb-cccc-000000000001",
			"type": "charge:confirmed",
			"data": {
				"id": "charge-9",
				"code": "ABCDEF",
				"metadata": {"payer_email": "payer@example.com"}
			}
		}
	}`)

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	sig := hex.EncodeToString(mac.Sum(nil))

	evt, err := ParseCoinbaseEvent(payload, sig, secret)
	require.NoError(t, err)
	assert.True(t, evt.ChargeConfirmed())
	assert.Equal(t, "charge-9", evt.ChargeID)
	assert.Equal(t, "payer@example.com", evt.Payer)
}

func TestParseCoinbaseEvent_BadSignature(t *testing.T) {
	_, err := ParseCoinbaseEvent([]byte(`{"event":{}}`), "deadbeef", "cb_secret")
	require.ErrorIs(t, err, ErrBadCoinbaseSignature)
}
