package meshauth

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// DefaultGracePeriod is the default window during which a rotated-out key
// still verifies, giving in-flight requests signed with the old key a
// chance to land.
const DefaultGracePeriod = 60 * time.Second

// KeyRotator holds the live HMAC secret plus, during a rotation's grace
// window, the previous secret. It is safe for concurrent use; readers
// copy the current+old pair out from behind the lock before using them,
// per the "HMAC secrets held behind the config-state mutex" rule.
type KeyRotator struct {
	mu               sync.Mutex
	current          []byte
	old              []byte
	oldExpiresAt     time.Time
	lastRotationTime time.Time

	statePath string // sidecar file persisting lastRotationTime across restarts
}

// rotationState is the sidecar JSON persisted after every rotation. The
// assistant uses the full shape (it is the rotation's origin and must
// survive restart with both the new secret and a still-valid old one);
// the mesh persists the same shape to its "currently-active secret" file
// for restart recovery (spec §6's "small file for the currently-active
// HMAC secret").
type rotationState struct {
	LastRotationTime int64  `json:"last_rotation_time_ms"`
	CurrentSecretHex string `json:"current_secret_hex,omitempty"`
	OldSecretHex     string `json:"old_secret_hex,omitempty"`
	OldExpiresAtMs   int64  `json:"old_expires_at_ms,omitempty"`
}

// NewKeyRotator creates a rotator seeded with the initial shared secret
// (loaded from config/env at startup) and a path for the small JSON
// sidecar file that remembers the last rotation time across restarts.
// statePath may be empty to disable persistence (tests).
func NewKeyRotator(initialSecret []byte, statePath string) *KeyRotator {
	r := &KeyRotator{current: initialSecret, statePath: statePath}
	r.loadState()
	return r
}

func (r *KeyRotator) loadState() {
	if r.statePath == "" {
		return
	}
	data, err := os.ReadFile(r.statePath)
	if err != nil {
		return
	}
	var st rotationState
	if json.Unmarshal(data, &st) != nil {
		return
	}
	if st.LastRotationTime > 0 {
		r.lastRotationTime = time.UnixMilli(st.LastRotationTime)
	}
	// A persisted current secret overrides the caller-supplied initial
	// secret: restart recovery must pick up where the last rotation left
	// off, not reset to whatever static secret the config file still
	// names (spec §6's restart-recovery file).
	if st.CurrentSecretHex != "" {
		if secret, err := hex.DecodeString(st.CurrentSecretHex); err == nil {
			r.current = secret
		}
	}
	if st.OldSecretHex != "" && st.OldExpiresAtMs > 0 {
		if secret, err := hex.DecodeString(st.OldSecretHex); err == nil {
			r.old = secret
			r.oldExpiresAt = time.UnixMilli(st.OldExpiresAtMs)
		}
	}
}

func (r *KeyRotator) saveState() error {
	if r.statePath == "" {
		return nil
	}
	st := rotationState{
		LastRotationTime: r.lastRotationTime.UnixMilli(),
		CurrentSecretHex: hex.EncodeToString(r.current),
	}
	if r.old != nil {
		st.OldSecretHex = hex.EncodeToString(r.old)
		st.OldExpiresAtMs = r.oldExpiresAt.UnixMilli()
	}
	data, err := json.Marshal(st)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(r.statePath), 0o755); err != nil {
		return err
	}
	tmp := r.statePath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, r.statePath)
}

// Sign implements meshauth.Signer / httpkit.Signer using the current
// secret.
func (r *KeyRotator) Sign(body []byte) (nonce, timestamp, mac string) {
	r.mu.Lock()
	secret := r.current
	r.mu.Unlock()

	nonce = NewNonce()
	timestamp = fmt.Sprintf("%d", NowMillis())
	mac = ComputeMAC(nonce, timestamp, body, secret)
	return nonce, timestamp, mac
}

// CurrentSecret returns a copy of the secret presently considered
// current. The assistant's rotation orchestration calls this *before*
// Rotate to capture the pre-rotation secret, since spec §4.1 step 3
// requires the rotation push itself to be signed with the current (not
// new) secret, while Rotate installs the new secret as current
// immediately (the mesh-side AcceptRotation semantics it shares).
func (r *KeyRotator) CurrentSecret() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]byte, len(r.current))
	copy(out, r.current)
	return out
}

// ValidSecrets returns the secrets that should currently verify incoming
// signatures: the current secret, plus the old one if still within its
// grace period. Order matters only for readability — callers must try
// both.
func (r *KeyRotator) ValidSecrets() [][]byte {
	r.mu.Lock()
	defer r.mu.Unlock()

	secrets := [][]byte{r.current}
	if r.old != nil && time.Now().Before(r.oldExpiresAt) {
		secrets = append(secrets, r.old)
	}
	return secrets
}

// Rotate generates a fresh 32-byte secret and installs it as current,
// retaining the previous secret as "old" for gracePeriod (0 disables
// dual acceptance — an incident-response immediate switchover). Returns
// the new secret's hex form, which the caller threads into the config
// push's hmac_rotation field.
func (r *KeyRotator) Rotate(gracePeriod time.Duration) (newSecretHex string, effectiveAt time.Time, err error) {
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return "", time.Time{}, fmt.Errorf("generate secret: %w", err)
	}

	now := time.Now()

	r.mu.Lock()
	if gracePeriod > 0 {
		r.old = r.current
		r.oldExpiresAt = now.Add(gracePeriod)
	} else {
		r.old = nil
	}
	r.current = secret
	r.lastRotationTime = now
	r.mu.Unlock()

	if err := r.saveState(); err != nil {
		return "", time.Time{}, fmt.Errorf("persist rotation state: %w", err)
	}

	return hex.EncodeToString(secret), now.Add(gracePeriod), nil
}

// AcceptRotation installs a rotated-in secret pushed by a peer (the
// mesh side of the protocol: it never originates a rotation, only
// accepts one from the assistant's config push). current is replaced
// immediately; the previous current becomes "old" until expiresAt.
func (r *KeyRotator) AcceptRotation(newSecretHex string, expiresAt time.Time, gracePeriod time.Duration) error {
	secret, err := hex.DecodeString(newSecretHex)
	if err != nil {
		return fmt.Errorf("decode rotated secret: %w", err)
	}

	r.mu.Lock()
	if gracePeriod > 0 {
		r.old = r.current
		r.oldExpiresAt = expiresAt
	} else {
		r.old = nil
	}
	r.current = secret
	r.lastRotationTime = time.Now()
	r.mu.Unlock()

	return r.saveState()
}

// LastRotationTime reports when the secret was last rotated (zero value
// if never rotated in this store's lifetime — the spec treats "never
// rotated" as "initial setup is manual", never auto-due).
func (r *KeyRotator) LastRotationTime() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastRotationTime
}

// ShouldRotate reports whether interval has elapsed since the last
// rotation. Returns false if never rotated — the operator performs the
// first rotation manually; only subsequent rotations are cadence-driven.
func (r *KeyRotator) ShouldRotate(interval time.Duration) bool {
	r.mu.Lock()
	last := r.lastRotationTime
	r.mu.Unlock()

	if last.IsZero() {
		return false
	}
	return time.Since(last) >= interval
}
