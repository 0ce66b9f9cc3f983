// Package ratelimit admits per-node command events under a sliding window.
// In-memory only: a restart clears the window, which is acceptable for the
// abuse it guards against.
package ratelimit

import (
	"sync"
	"time"
)

// Ingress defaults: at most 5 admitted #osmnote commands per node per minute.
const (
	DefaultWindow = 60 * time.Second
	DefaultMax    = 5
)

// Limiter is a per-node sliding window counter. Rejected events are not
// recorded, so a user hammering the gateway does not extend their own block.
type Limiter struct {
	window time.Duration
	max    int
	now    func() time.Time

	mu     sync.Mutex
	events map[string][]time.Time
}

// New creates a limiter admitting max events per window per node.
func New(window time.Duration, max int) *Limiter {
	return &Limiter{
		window: window,
		max:    max,
		now:    time.Now,
		events: make(map[string][]time.Time),
	}
}

// Allow reports whether an event from nodeID is admitted, recording it if so.
func (l *Limiter) Allow(nodeID string) bool {
	now := l.now()
	cutoff := now.Add(-l.window)

	l.mu.Lock()
	defer l.mu.Unlock()

	kept := l.events[nodeID][:0]
	for _, t := range l.events[nodeID] {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}

	if len(kept) >= l.max {
		l.events[nodeID] = kept
		return false
	}
	l.events[nodeID] = append(kept, now)
	return true
}

// Prune drops nodes whose whole window has expired. Called from the periodic
// worker to keep the map from growing with one-time senders.
func (l *Limiter) Prune() {
	cutoff := l.now().Add(-l.window)
	l.mu.Lock()
	defer l.mu.Unlock()
	for id, events := range l.events {
		if len(events) == 0 || !events[len(events)-1].After(cutoff) {
			delete(l.events, id)
		}
	}
}

// SetNowFunc overrides the clock. Test hook.
func (l *Limiter) SetNowFunc(now func() time.Time) {
	l.now = now
}
