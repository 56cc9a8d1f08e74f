package engine

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"datapulse/internal/models"
)

// Webhook request headers. The timestamp is part of the signed material so a
// captured request cannot be replayed outside the tolerance window.
const (
	HeaderSignature  = "X-Webhook-Signature"
	HeaderTimestamp  = "X-Webhook-Timestamp"
	HeaderEvent      = "X-Webhook-Event"
	HeaderDeliveryID = "X-Webhook-Delivery-Id"
)

// WebhookPayload is the JSON body posted to endpoints. The record id is
// included so receivers can deduplicate retried deliveries.
type WebhookPayload struct {
	Event     string        `json:"event"`
	Record    models.Record `json:"record"`
	Timestamp time.Time     `json:"timestamp"`
}

// EncodePayload produces the canonical payload bytes that get signed and
// sent. encoding/json with a fixed struct gives a stable field order, so the
// receiver can verify against the raw body it read.
func EncodePayload(rec models.Record, now time.Time) ([]byte, error) {
	return json.Marshal(WebhookPayload{Event: rec.Kind, Record: rec, Timestamp: now.UTC()})
}

// Sign computes the signature header value for a payload: HMAC-SHA256 over
// "{unix_ts}.{body}" keyed with the endpoint secret, hex encoded.
func Sign(secret string, ts time.Time, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%d.", ts.Unix())
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks a received signature against the body and timestamp
// header, rejecting timestamps outside the tolerance window. Receivers (and
// the test suite) reproduce the scheme with this.
func VerifySignature(secret, sigHeader, tsHeader string, body []byte, tolerance time.Duration, now time.Time) error {
	if !strings.HasPrefix(sigHeader, "sha256=") {
		return fmt.Errorf("unknown signature scheme")
	}
	unix, err := strconv.ParseInt(tsHeader, 10, 64)
	if err != nil {
		return fmt.Errorf("bad timestamp header: %w", err)
	}
	ts := time.Unix(unix, 0)
	if d := now.Sub(ts); d > tolerance || d < -tolerance {
		return fmt.Errorf("timestamp outside tolerance: %s", d)
	}
	want := Sign(secret, ts, body)
	if !hmac.Equal([]byte(want), []byte(sigHeader)) {
		return fmt.Errorf("signature mismatch")
	}
	return nil
}
