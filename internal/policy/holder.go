package policy

import "sync"

// Holder is a mutex-guarded, atomically-swappable pointer to the current
// Policy, used on both sides: the mesh's transient in-memory copy,
// replaced wholesale on each config push, and the assistant's own
// authoritative in-memory copy, kept in sync with its persisted
// policy.json (spec §3 Policy row, §9 "never share raw maps" note).
type Holder struct {
	mu     sync.RWMutex
	policy *Policy
	hash   string
}

// NewHolder wraps an initial Policy (possibly nil, meaning "no policy
// configured yet" — every EvaluateInbound call and every Current() caller
// must handle that).
func NewHolder(p *Policy, hash string) *Holder {
	return &Holder{policy: p, hash: hash}
}

// Current returns the currently active policy and the hash it was
// installed with. Safe for concurrent use; the returned *Policy is
// treated as immutable by convention (policy.go never mutates a Policy
// after FromFileConfig returns it).
func (h *Holder) Current() (*Policy, string) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.policy, h.hash
}

// Replace atomically swaps in a new Policy and its hash, as computed by a
// successful config push (spec §4.1 step 4: "replaces its in-memory
// policy, and returns the hash").
func (h *Holder) Replace(p *Policy, hash string) {
	h.mu.Lock()
	h.policy = p
	h.hash = hash
	h.mu.Unlock()
}
