package ratelimit

import (
	"sync"
	"time"
)

// sweepEvery bounds how often idle client windows are dropped.
const sweepEvery = time.Minute

// PerClientLimiter caps control API requests per client in fixed one-second
// windows, so a chatty display cannot spend the reputation API quota.
type PerClientLimiter struct {
	rps   int
	nowFn func() time.Time

	mu        sync.Mutex
	windows   map[string]*window
	lastSweep time.Time
}

type window struct {
	start time.Time
	used  int
}

// NewPerClientLimiter allows rps requests per second per client.
// Zero selects the default of 5; a negative value disables limiting.
func NewPerClientLimiter(rps int) *PerClientLimiter {
	if rps == 0 {
		rps = 5
	}
	return &PerClientLimiter{
		rps:     rps,
		nowFn:   time.Now,
		windows: make(map[string]*window),
	}
}

// Allow spends one request for clientID. When the window is used up it returns
// false and the time until the next window opens.
func (p *PerClientLimiter) Allow(clientID string) (bool, time.Duration) {
	if p.rps < 0 {
		return true, 0
	}
	now := p.nowFn()
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sweep(now)

	w, ok := p.windows[clientID]
	if !ok || now.Sub(w.start) >= time.Second {
		w = &window{start: now.Truncate(time.Second)}
		p.windows[clientID] = w
	}
	if w.used >= p.rps {
		return false, w.start.Add(time.Second).Sub(now)
	}
	w.used++
	return true, 0
}

// Clients returns the number of clients with a live window.
func (p *PerClientLimiter) Clients() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.windows)
}

func (p *PerClientLimiter) sweep(now time.Time) {
	if now.Sub(p.lastSweep) < sweepEvery {
		return
	}
	p.lastSweep = now
	for id, w := range p.windows {
		if now.Sub(w.start) >= time.Second {
			delete(p.windows, id)
		}
	}
}
