// Package meshauth implements the signed control plane between the mesh
// and assistant processes: HMAC-SHA256 request signing, nonce-based replay
// protection, timestamp skew enforcement, and hot key rotation with
// grace-period dual acceptance.
//
// Wire format (mirrors hmac_auth.py from the system this was distilled
// from): three headers accompany every signed request —
//
//	X-Nonce:        UUIDv4
//	X-Timestamp:    decimal milliseconds since epoch
//	X-HMAC-SHA256:  hex HMAC-SHA256 of nonce||timestamp||body, keyed by
//	                the shared secret
package meshauth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// DefaultTimestampTolerance bounds the allowed clock skew between peers.
const DefaultTimestampTolerance = 300 * time.Second

// MinNonceRetention is the minimum nonce retention window. The spec
// requires retention to be strictly greater than 2x the timestamp
// tolerance; with the default tolerance that floor is 10 minutes, so the
// 15-minute default below clears it comfortably.
const MinNonceRetention = 15 * time.Minute

// ComputeMAC returns the hex HMAC-SHA256 of nonce||timestamp||body keyed
// by secret. timestamp is the decimal string of epoch milliseconds.
func ComputeMAC(nonce, timestamp string, body []byte, secret []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(nonce))
	mac.Write([]byte(timestamp))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifyMAC reports whether received equals the MAC computed for the
// given nonce/timestamp/body/secret, using a constant-time comparison.
func VerifyMAC(nonce, timestamp string, body []byte, secret []byte, received string) bool {
	expected := ComputeMAC(nonce, timestamp, body, secret)
	return hmac.Equal([]byte(expected), []byte(received))
}

// NowMillis returns the current time as epoch milliseconds, the unit
// every timestamp header on the wire uses.
func NowMillis() int64 {
	return time.Now().UnixMilli()
}

// SkewDirection describes which way a rejected timestamp diverged from
// the verifier's clock.
type SkewDirection int

const (
	SkewNone SkewDirection = iota
	SkewFuture
	SkewPast
)

// CheckTimestamp parses ts (decimal epoch ms) and reports whether it
// falls within tolerance of now. On failure it also reports the
// direction of the skew so the caller can surface
// timestamp_skew_future/timestamp_skew_past distinctly, per spec.
func CheckTimestamp(ts string, tolerance time.Duration) (ok bool, direction SkewDirection, err error) {
	parsed, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return false, SkewNone, fmt.Errorf("invalid timestamp %q: %w", ts, err)
	}
	now := NowMillis()
	skew := now - parsed
	if skew < 0 {
		skew = -skew
	}
	if time.Duration(skew)*time.Millisecond > tolerance {
		if parsed > now {
			return false, SkewFuture, nil
		}
		return false, SkewPast, nil
	}
	return true, SkewNone, nil
}

// NewNonce generates a fresh UUIDv4 nonce for an outbound signed request.
func NewNonce() string {
	return uuid.New().String()
}

// SignWithSecret signs body with an explicit secret rather than a
// rotator's live current secret. Used by the rotation push orchestration:
// the push announcing a new secret must itself be signed with the
// pre-rotation secret (spec §4.1 step 3), which by the time the payload
// is built is no longer KeyRotator.Sign's notion of "current".
func SignWithSecret(body []byte, secret []byte) (nonce, timestamp, mac string) {
	nonce = NewNonce()
	timestamp = fmt.Sprintf("%d", NowMillis())
	mac = ComputeMAC(nonce, timestamp, body, secret)
	return nonce, timestamp, mac
}

// Signer signs outbound request bodies with the caller's current secret.
// Implemented by *Rotator so httpkit.Signer is satisfied without an
// import cycle.
type Signer interface {
	Sign(body []byte) (nonce, timestamp, mac string)
}
