package meshauth

import (
	"sync"
	"time"
)

// NonceStore is a time-bounded set of recently seen signing nonces, used
// to detect replays. Mesh holds a bounded in-memory store per spec §5;
// the assistant uses the same implementation. State lives behind a
// single mutex, following the "encapsulate shared mutable state behind
// its own mutex, never a raw shared map" pattern this codebase uses
// throughout (nonce store, dedup cache, delivery tracker, rate limiters,
// membership cache, config state all follow the same shape).
type NonceStore struct {
	mu        sync.Mutex
	expiresAt map[string]time.Time
	retention time.Duration
}

// NewNonceStore creates a nonce store with the given retention window.
// retention must be at least MinNonceRetention and should stay strictly
// greater than 2x the timestamp tolerance in use, or a legitimately
// delayed-but-in-tolerance request could have its nonce expire and be
// reused by an attacker replaying within the same tolerance window.
func NewNonceStore(retention time.Duration) *NonceStore {
	if retention < MinNonceRetention {
		retention = MinNonceRetention
	}
	return &NonceStore{
		expiresAt: make(map[string]time.Time),
		retention: retention,
	}
}

// CheckAndStore reports whether nonce is new. If so, it is recorded with
// an expiry of now+retention. If the nonce was already seen and has not
// yet expired, it returns false (replay detected).
func (s *NonceStore) CheckAndStore(nonce string) bool {
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	if exp, seen := s.expiresAt[nonce]; seen && now.Before(exp) {
		return false
	}

	s.expiresAt[nonce] = now.Add(s.retention)
	return true
}

// Cleanup removes expired nonces. Called on the scheduler's per-tick
// cadence (every 60 ticks, per spec §4.7) rather than on every check, so
// the hot path of CheckAndStore stays O(1).
func (s *NonceStore) Cleanup() (removed int) {
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	for nonce, exp := range s.expiresAt {
		if now.After(exp) {
			delete(s.expiresAt, nonce)
			removed++
		}
	}
	return removed
}

// Len reports the number of tracked nonces, for diagnostics.
func (s *NonceStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.expiresAt)
}
