package whoiscache

import (
	"sync"
	"time"

	"github.com/StefanGrimminck/threatfeed/internal/feed"
)

// DefaultMaxAge is used when NewCache is given a non-positive max age.
const DefaultMaxAge = 24 * time.Hour

// Cache holds WHOIS payloads keyed by IP. Entries older than maxAge are treated
// as absent and removed when they are next read; there is no background sweep
// and no capacity bound.
type Cache struct {
	mu      sync.Mutex
	entries map[string]entry
	maxAge  time.Duration
	nowFn   func() time.Time
}

type entry struct {
	stored time.Time
	data   feed.Whois
}

// NewCache creates a cache whose entries expire maxAge after insertion.
func NewCache(maxAge time.Duration) *Cache {
	if maxAge <= 0 {
		maxAge = DefaultMaxAge
	}
	return &Cache{
		entries: make(map[string]entry),
		maxAge:  maxAge,
		nowFn:   time.Now,
	}
}

// Set stores data for ip with the current time, replacing any previous entry.
func (c *Cache) Set(ip string, data feed.Whois) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[ip] = entry{stored: c.nowFn(), data: data}
}

// Get returns the payload for ip if present and not older than maxAge.
// An expired entry is deleted.
func (c *Cache) Get(ip string) (feed.Whois, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[ip]
	if !ok {
		return nil, false
	}
	if c.nowFn().Sub(e.stored) > c.maxAge {
		delete(c.entries, ip)
		return nil, false
	}
	return e.data, true
}

// Clear removes all entries.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]entry)
}

// Size returns the number of stored entries, expired ones included until read.
func (c *Cache) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// MaxAge returns the configured expiry.
func (c *Cache) MaxAge() time.Duration {
	return c.maxAge
}
