package enrich

import (
	"context"
	"errors"
	"net"
	"strings"
	"sync"
	"time"
)

// ErrPTRBudget is returned when the per-second reverse lookup budget is spent.
var ErrPTRBudget = errors.New("enrich: ptr lookup budget exhausted")

// PTRResolver resolves reverse DNS names for record IPs. Answers, including
// "no such host", are cached for ttl; lookups are capped at maxQPS per second.
type PTRResolver struct {
	ttl    time.Duration
	maxQPS int
	lookup func(ctx context.Context, addr string) ([]string, error)
	now    func() time.Time

	mu     sync.Mutex
	names  map[string]ptrAnswer
	window time.Time
	spent  int
}

type ptrAnswer struct {
	name    string
	expires time.Time
}

// NewPTRResolver returns a resolver backed by the system resolver. maxQPS <= 0 means 10.
func NewPTRResolver(ttl time.Duration, maxQPS int) *PTRResolver {
	if maxQPS <= 0 {
		maxQPS = 10
	}
	return &PTRResolver{
		ttl:    ttl,
		maxQPS: maxQPS,
		lookup: net.DefaultResolver.LookupAddr,
		now:    time.Now,
		names:  make(map[string]ptrAnswer),
	}
}

// Hostname returns the first PTR name of addr without the trailing dot. An
// address without a PTR record yields "" and a nil error.
func (d *PTRResolver) Hostname(ctx context.Context, addr string) (string, error) {
	now := d.now()
	d.mu.Lock()
	if a, ok := d.names[addr]; ok && now.Before(a.expires) {
		d.mu.Unlock()
		return a.name, nil
	}
	if now.Sub(d.window) >= time.Second {
		d.window, d.spent = now, 0
	}
	if d.spent >= d.maxQPS {
		d.mu.Unlock()
		return "", ErrPTRBudget
	}
	d.spent++
	d.mu.Unlock()

	names, err := d.lookup(ctx, addr)
	var dnsErr *net.DNSError
	switch {
	case errors.As(err, &dnsErr) && dnsErr.IsNotFound:
		names = nil
	case err != nil:
		return "", err
	}
	var name string
	if len(names) > 0 {
		name = strings.TrimSuffix(names[0], ".")
	}
	d.mu.Lock()
	d.names[addr] = ptrAnswer{name: name, expires: now.Add(d.ttl)}
	d.mu.Unlock()
	return name, nil
}
