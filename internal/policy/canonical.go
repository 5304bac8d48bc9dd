package policy

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// RotationInfo is the optional hmac_rotation field appended to a config
// push payload when the assistant is rotating its shared secret
// alongside a policy update (spec §4.1 step 2).
type RotationInfo struct {
	NewSecretHex  string `json:"new_secret_hex"`
	EffectiveAtMs int64  `json:"effective_at_ms"`
	GracePeriodMs int64  `json:"grace_period_ms"`
}

// PushPayload is the full body of a POST /config/sync request: the policy
// document flattened in, plus a push timestamp and an optional rotation
// directive. FileConfig is embedded (not nested under a "policy" key) so
// the wire body is exactly the policy object plus these two extra fields,
// per spec §6's "the full policy object plus optional hmac_rotation".
type PushPayload struct {
	FileConfig
	TimestampMs  int64         `json:"timestamp_ms"`
	HMACRotation *RotationInfo `json:"hmac_rotation,omitempty"`
}

// CanonicalHash computes the config hash used for drift detection (spec
// §4.1, §9): unmarshal the pushed body into a map, strip timestamp_ms and
// hmac_rotation (the hash covers the policy content only, not the push
// envelope), then re-marshal. encoding/json sorts map[string]any keys
// alphabetically and writes no insignificant whitespace, which together
// satisfy spec §9's "sorted keys, minimal separators" canonical form
// without a third-party canonical-JSON library (none appears anywhere in
// the example corpus; this is a deliberate stdlib choice, not a fallback
// of convenience).
func CanonicalHash(body []byte) (string, error) {
	var m map[string]any
	if err := json.Unmarshal(body, &m); err != nil {
		return "", fmt.Errorf("canonical hash: body is not a JSON object: %w", err)
	}
	delete(m, "timestamp_ms")
	delete(m, "hmac_rotation")

	canonical, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("canonical hash: re-marshal: %w", err)
	}

	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// Hash computes the canonical hash of fc itself, for the assistant's side
// of the comparison (it holds fc as a Go struct, not wire bytes).
func (fc FileConfig) Hash() (string, error) {
	body, err := json.Marshal(fc)
	if err != nil {
		return "", fmt.Errorf("marshal policy for hashing: %w", err)
	}
	return CanonicalHash(body)
}
