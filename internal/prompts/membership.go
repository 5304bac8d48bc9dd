package prompts

import (
	"context"
	"sync"
	"time"

	"github.com/nugget/joi-mesh/internal/scheduler"
)

// GroupFetcher queries the transport for the groups a sender currently
// belongs to; implemented against the Signal RPC in cmd/assistant's
// wiring.
type GroupFetcher func() (map[string][]string, error) // sender transport id -> group ids

// MembershipCache is a time-bounded cache of sender-to-groups
// membership, refreshed on the scheduler's IntervalMembershipRefresh
// cadence rather than per-request — spec §4.9's "time-bounded
// membership cache".
type MembershipCache struct {
	mu        sync.Mutex
	bySender  map[string][]string
	updatedAt time.Time
	maxAge    time.Duration
	fetch     GroupFetcher
}

// NewMembershipCache creates an empty cache. maxAge bounds how stale a
// cached lookup is allowed to be before GroupsFor reports it empty
// rather than serve data from before a failed refresh.
func NewMembershipCache(maxAge time.Duration, fetch GroupFetcher) *MembershipCache {
	return &MembershipCache{maxAge: maxAge, fetch: fetch}
}

// Refresh re-queries the transport and replaces the cached membership
// map. Called by the scheduler's membership-refresh task.
func (c *MembershipCache) Refresh() error {
	groups, err := c.fetch()
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.bySender = groups
	c.updatedAt = time.Now()
	c.mu.Unlock()
	return nil
}

// GroupsFor returns the groups senderID belongs to, or nil if the cache
// is empty or older than maxAge.
func (c *MembershipCache) GroupsFor(senderID string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.bySender == nil || time.Since(c.updatedAt) > c.maxAge {
		return nil
	}
	return c.bySender[senderID]
}

// RefreshTask wraps Refresh as a scheduler.Task on the
// IntervalMembershipRefresh cadence (every 15 ticks, gated by the caller
// on business-mode + dm_group_knowledge being enabled) — spec §4.7/§4.9.
func (c *MembershipCache) RefreshTask() scheduler.Task {
	return scheduler.Task{
		Name:     "membership_refresh",
		Interval: scheduler.IntervalMembershipRefresh,
		Run: func(ctx context.Context) error {
			return c.Refresh()
		},
	}
}
