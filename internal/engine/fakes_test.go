package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/StefanGrimminck/threatfeed/internal/abuseipdb"
	"github.com/StefanGrimminck/threatfeed/internal/feed"
	"github.com/StefanGrimminck/threatfeed/internal/ratelimit"
	"github.com/StefanGrimminck/threatfeed/internal/whoiscache"
)

var errTooMany = &abuseipdb.StatusError{Endpoint: "check", StatusCode: 429}

func score(n int) *int { return &n }

// fakeAPI answers checks and blacklist requests from scripted functions and records calls.
type fakeAPI struct {
	mu         sync.Mutex
	checked    []string
	keys       []string
	blCalls    int
	checkFn    func(ctx context.Context, ip string) (*abuseipdb.Check, error)
	blacklistF func(n int) ([]feed.BlacklistItem, error)
}

func (f *fakeAPI) Check(ctx context.Context, apiKey, ip string, maxAgeInDays int) (*abuseipdb.Check, error) {
	f.mu.Lock()
	f.checked = append(f.checked, ip)
	f.keys = append(f.keys, apiKey)
	fn := f.checkFn
	f.mu.Unlock()
	if fn == nil {
		return &abuseipdb.Check{IPAddress: ip, Score: score(50), CountryCode: "NL"}, nil
	}
	return fn(ctx, ip)
}

func (f *fakeAPI) Blacklist(ctx context.Context, apiKey string) ([]feed.BlacklistItem, error) {
	f.mu.Lock()
	f.blCalls++
	n := f.blCalls
	fn := f.blacklistF
	f.mu.Unlock()
	if fn == nil {
		return []feed.BlacklistItem{{IPAddress: "203.0.113.9", AbuseConfidenceScore: 100}}, nil
	}
	return fn(n)
}

func (f *fakeAPI) Checked() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.checked...)
}

func (f *fakeAPI) BlacklistCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.blCalls
}

// scripted returns a checkFn answering the i-th call with errs[i] (nil means 200).
func scripted(errs ...error) func(ctx context.Context, ip string) (*abuseipdb.Check, error) {
	var mu sync.Mutex
	i := 0
	return func(ctx context.Context, ip string) (*abuseipdb.Check, error) {
		mu.Lock()
		defer mu.Unlock()
		var err error
		if i < len(errs) {
			err = errs[i]
		}
		i++
		if err != nil {
			return nil, err
		}
		return &abuseipdb.Check{IPAddress: ip, Score: score(10 * i)}, nil
	}
}

type fakeWhois struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (w *fakeWhois) Lookup(ctx context.Context, ip string) (feed.Whois, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.calls++
	if w.err != nil {
		return nil, w.err
	}
	return feed.Whois{"orgName": "Org of " + ip}, nil
}

type fakeDiscoverer []string

func (d fakeDiscoverer) Discover(ctx context.Context, isps []string) []string { return d }

// recorder is a feed.Sink that keeps every event and forwards it on a channel.
type recorder struct {
	mu     sync.Mutex
	events []feed.Event
	ch     chan feed.Event
}

func newRecorder() *recorder { return &recorder{ch: make(chan feed.Event, 256)} }

func (r *recorder) Emit(e feed.Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
	select {
	case r.ch <- e:
	default:
	}
}

func (r *recorder) Events() []feed.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]feed.Event(nil), r.events...)
}

func (r *recorder) Count(kind feed.Kind) int {
	n := 0
	for _, e := range r.Events() {
		if e.Kind == kind {
			n++
		}
	}
	return n
}

// wait returns the next event of kind, failing the test after two seconds.
func (r *recorder) wait(t *testing.T, kind feed.Kind) feed.Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case e := <-r.ch:
			if e.Kind == kind {
				return e
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", kind)
			return feed.Event{}
		}
	}
}

func newPoller(api *fakeAPI, w WhoisLookup) *Poller {
	return &Poller{
		API:     api,
		Whois:   w,
		Cache:   whoiscache.NewCache(time.Hour),
		Tracker: ratelimit.NewTracker(),
		Log:     zerolog.Nop(),
	}
}

var errBoom = errors.New("boom")
