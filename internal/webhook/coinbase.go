package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"github.com/rotisserie/eris"
)

// CoinbaseEvent is the decoded subset of a Coinbase Commerce webhook delivery.
type CoinbaseEvent struct {
	ID       string
	Type     string
	ChargeID string
	Payer    string
}

// ChargeConfirmed reports whether the event confirms a paid charge.
func (e CoinbaseEvent) ChargeConfirmed() bool {
	return e.Type == "charge:confirmed"
}

// ErrBadCoinbaseSignature indicates the X-CC-Webhook-Signature header did not
// match the payload.
var ErrBadCoinbaseSignature = eris.New("coinbase: signature mismatch")

// ParseCoinbaseEvent verifies the HMAC-SHA256 signature of the raw payload
// and decodes the event. Coinbase Commerce signs the body with the shared
// webhook secret and sends the hex digest in X-CC-Webhook-Signature.
func ParseCoinbaseEvent(payload []byte, sigHeader, secret string) (*CoinbaseEvent, error) {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	expected := hex.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(expected), []byte(sigHeader)) {
		return nil, ErrBadCoinbaseSignature
	}

	var body struct {
		Event struct {
			ID   string `json:"id"`
			Type string `json:"type"`
			Data struct {
				ID       string `json:"id"`
				Code     string `json:"code"`
				Metadata struct {
					PayerEmail string `json:"payer_email"`
				} `json:"metadata"`
			} `json:"data"`
		} `json:"event"`
	}
	if err := json.Unmarshal(payload, &body); err != nil {
		return nil, eris.Wrap(err, "coinbase: decode event")
	}

	return &CoinbaseEvent{
		ID:       body.Event.ID,
		Type:     body.Event.Type,
		ChargeID: body.Event.Data.ID,
		Payer:    body.Event.Data.Metadata.PayerEmail,
	}, nil
}
