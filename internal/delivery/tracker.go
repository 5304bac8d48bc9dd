// Package delivery tracks outbound message delivery status on the mesh
// side (spec §4.11): a sent message is registered by its transport-
// echoed timestamp, then upgraded as isDelivery/isRead/isViewed
// receipts arrive from the transport. Grounded on the mutex-guarded
// map-of-state idiom the signal forwarder's dedup cache uses, applied
// here to receipt state instead.
package delivery

import (
	"sync"
	"time"
)

// Status is the most advanced receipt observed for a sent message.
// Transitions are monotonic: Viewed implies Read implies Delivered.
type Status int

const (
	StatusSent Status = iota
	StatusDelivered
	StatusRead
	StatusViewed
)

func (s Status) String() string {
	switch s {
	case StatusDelivered:
		return "delivered"
	case StatusRead:
		return "read"
	case StatusViewed:
		return "viewed"
	default:
		return "sent"
	}
}

type record struct {
	status    Status
	updatedAt time.Time
}

// Tracker records delivery status keyed by the transport's echoed
// timestamp for a sent message (the only correlator Signal's receipt
// events carry back). Safe for concurrent use.
type Tracker struct {
	mu      sync.Mutex
	records map[int64]*record
	maxAge  time.Duration
}

// New creates a Tracker that prunes records older than maxAge on every
// Register call.
func New(maxAge time.Duration) *Tracker {
	if maxAge <= 0 {
		maxAge = 24 * time.Hour
	}
	return &Tracker{
		records: make(map[int64]*record),
		maxAge:  maxAge,
	}
}

// Register notes that a message was sent with the given transport
// timestamp. Called immediately after a successful outbound send.
func (t *Tracker) Register(timestamp int64) {
	now := time.Now()

	t.mu.Lock()
	defer t.mu.Unlock()

	t.records[timestamp] = &record{status: StatusSent, updatedAt: now}
	t.pruneLocked(now)
}

// MarkDelivered, MarkRead, and MarkViewed record a receipt event for
// timestamp. Each only advances status forward (Read implies
// Delivered; Viewed implies Read) — a Delivered receipt arriving after
// a Read one is a no-op, matching the transport's documented ordering
// guarantees not always holding.
func (t *Tracker) MarkDelivered(timestamp int64) { t.advance(timestamp, StatusDelivered) }
func (t *Tracker) MarkRead(timestamp int64)      { t.advance(timestamp, StatusRead) }
func (t *Tracker) MarkViewed(timestamp int64)    { t.advance(timestamp, StatusViewed) }

func (t *Tracker) advance(timestamp int64, status Status) {
	t.mu.Lock()
	defer t.mu.Unlock()

	r, ok := t.records[timestamp]
	if !ok {
		r = &record{}
		t.records[timestamp] = r
	}
	if status > r.status {
		r.status = status
	}
	r.updatedAt = time.Now()
}

// Status returns the current status for timestamp, and whether
// anything is tracked for it at all.
func (t *Tracker) Status(timestamp int64) (Status, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	r, ok := t.records[timestamp]
	if !ok {
		return StatusSent, false
	}
	return r.status, true
}

// pruneLocked drops records older than maxAge. Called with mu held.
func (t *Tracker) pruneLocked(now time.Time) {
	cutoff := now.Add(-t.maxAge)
	for ts, r := range t.records {
		if r.updatedAt.Before(cutoff) {
			delete(t.records, ts)
		}
	}
}

// Len reports the number of tracked records, for diagnostics.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.records)
}
