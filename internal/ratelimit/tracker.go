package ratelimit

import (
	"sync"

	"github.com/StefanGrimminck/threatfeed/internal/feed"
)

// Tracker remembers, per scope, whether a rate-limit notification has already
// been sent for the current streak of 429 responses.
type Tracker struct {
	mu       sync.Mutex
	notified map[feed.Scope]bool
}

// NewTracker returns a tracker with every scope in the reset state.
func NewTracker() *Tracker {
	return &Tracker{notified: make(map[feed.Scope]bool)}
}

// ShouldNotify marks scope as rate limited and reports whether this is the
// first 429 of the streak.
func (t *Tracker) ShouldNotify(scope feed.Scope) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.notified[scope] {
		return false
	}
	t.notified[scope] = true
	return true
}

// Reset ends the streak for scope after any non-429 response.
func (t *Tracker) Reset(scope feed.Scope) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.notified, scope)
}

// Limited reports whether scope is inside a 429 streak.
func (t *Tracker) Limited(scope feed.Scope) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.notified[scope]
}
