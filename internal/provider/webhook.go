package provider

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// signedEnvelope is the event batch the email providers' relay posts
// to us: delivery/bounce statuses keyed by our tracking token, signed
// with the shared webhook secret.
type signedEnvelope struct {
	Events []signedEvent `json:"events"`
}

type signedEvent struct {
	TrackingToken string `json:"tracking_token"`
	Kind          string `json:"kind"`
	Timestamp     int64  `json:"timestamp"`
}

// verifySignedEvents checks the X-Webhook-Signature header (hex
// HMAC-SHA256 over the raw body) and decodes the event batch.
func verifySignedEvents(secret string, r *http.Request, body []byte) ([]Event, error) {
	sig := r.Header.Get("X-Webhook-Signature")
	if !checkHMAC(secret, body, sig) {
		return nil, ErrInvalidSignature
	}

	var envelope signedEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, fmt.Errorf("decode webhook payload: %w", err)
	}

	events := make([]Event, 0, len(envelope.Events))
	for _, e := range envelope.Events {
		raw, _ := json.Marshal(e)
		events = append(events, Event{
			TrackingToken: e.TrackingToken,
			Kind:          e.Kind,
			OccurredAt:    time.Unix(e.Timestamp, 0).UTC(),
			Payload:       raw,
		})
	}
	return events, nil
}

func checkHMAC(secret string, body []byte, signature string) bool {
	if signature == "" {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}
