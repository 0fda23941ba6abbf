package whoiscache

import (
	"testing"
	"time"

	"github.com/StefanGrimminck/threatfeed/internal/feed"
)

func newTestCache(maxAge time.Duration, now *time.Time) *Cache {
	c := NewCache(maxAge)
	c.nowFn = func() time.Time { return *now }
	return c
}

func TestCache_ExpiryBoundary(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	c := newTestCache(time.Hour, &now)
	c.Set("1.2.3.4", feed.Whois{"orgName": "Example GmbH"})

	now = now.Add(time.Hour - time.Millisecond)
	got, ok := c.Get("1.2.3.4")
	if !ok {
		t.Fatal("entry should still be valid just before max age")
	}
	if got["orgName"] != "Example GmbH" {
		t.Errorf("orgName = %q", got["orgName"])
	}

	now = now.Add(2 * time.Millisecond)
	if _, ok := c.Get("1.2.3.4"); ok {
		t.Fatal("entry should be absent after max age")
	}
	if c.Size() != 0 {
		t.Errorf("expired entry should be removed on read, size = %d", c.Size())
	}
}

func TestCache_ExactlyMaxAgeIsValid(t *testing.T) {
	now := time.Unix(1000, 0)
	c := newTestCache(time.Minute, &now)
	c.Set("x", feed.Whois{"netname": "NET"})
	now = now.Add(time.Minute)
	if _, ok := c.Get("x"); !ok {
		t.Error("age equal to max age should still be served")
	}
}

func TestCache_ExpiryIsLazy(t *testing.T) {
	now := time.Unix(0, 0)
	c := newTestCache(time.Second, &now)
	c.Set("a", feed.Whois{})
	c.Set("b", feed.Whois{})
	now = now.Add(time.Hour)
	if c.Size() != 2 {
		t.Fatalf("size = %d, expired entries stay until accessed", c.Size())
	}
	c.Get("a")
	if c.Size() != 1 {
		t.Errorf("size = %d after reading one expired entry", c.Size())
	}
}

func TestCache_SetOverwritesAndRefreshes(t *testing.T) {
	now := time.Unix(0, 0)
	c := newTestCache(10*time.Second, &now)
	c.Set("ip", feed.Whois{"org": "old"})
	now = now.Add(8 * time.Second)
	c.Set("ip", feed.Whois{"org": "new"})
	now = now.Add(8 * time.Second)
	got, ok := c.Get("ip")
	if !ok || got["org"] != "new" {
		t.Errorf("Get = %v, %v; want refreshed entry", got, ok)
	}
	if c.Size() != 1 {
		t.Errorf("size = %d", c.Size())
	}
}

func TestCache_Clear(t *testing.T) {
	c := NewCache(0)
	if c.MaxAge() != DefaultMaxAge {
		t.Errorf("default max age = %v", c.MaxAge())
	}
	c.Set("a", nil)
	c.Set("b", nil)
	c.Clear()
	if c.Size() != 0 {
		t.Errorf("size after Clear = %d", c.Size())
	}
	if _, ok := c.Get("a"); ok {
		t.Error("Get after Clear should miss")
	}
}
