package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/StefanGrimminck/threatfeed/internal/abuseipdb"
	"github.com/StefanGrimminck/threatfeed/internal/config"
	"github.com/StefanGrimminck/threatfeed/internal/feed"
	"github.com/StefanGrimminck/threatfeed/internal/ratelimit"
)

// Refresher fetches the global blacklist on its own timer. At most one loop is
// armed at a time; Schedule replaces it and Stop disposes of it.
type Refresher struct {
	API     Reputation
	Tracker *ratelimit.Tracker
	Sink    feed.Sink
	Metrics *Metrics
	Log     zerolog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// Schedule cancels any armed loop and, when f enables the blacklist, starts a new
// one that fetches immediately and then every f.RefreshInterval(). The loop ends
// when ctx is done or on the next Schedule/Stop.
func (r *Refresher) Schedule(ctx context.Context, f config.Feed) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopLocked()
	if !f.FetchBlacklist {
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	r.cancel, r.done = cancel, done

	interval := f.RefreshInterval()
	r.Log.Info().Dur("interval", interval).Msg("blacklist refresh scheduled")
	go func() {
		defer close(done)
		r.Fetch(loopCtx, f)
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-loopCtx.Done():
				return
			case <-t.C:
				r.Log.Debug().Msg("scheduled blacklist tick")
				r.Fetch(loopCtx, f)
			}
		}
	}()
}

// Stop cancels the armed loop, if any, and waits for it to exit.
func (r *Refresher) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopLocked()
}

func (r *Refresher) stopLocked() {
	if r.cancel == nil {
		return
	}
	r.cancel()
	<-r.done
	r.cancel, r.done = nil, nil
}

// Armed reports whether a refresh loop is currently scheduled.
func (r *Refresher) Armed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cancel != nil
}

// Fetch performs one blacklist request and emits BLACKLIST_DATA, RATE_LIMITED
// (once per streak) or ERROR. It recovers from panics.
func (r *Refresher) Fetch(ctx context.Context, f config.Feed) {
	defer func() {
		if v := recover(); v != nil {
			r.Log.Error().Interface("panic", v).Msg("blacklist fetch panicked")
			r.Sink.Emit(feed.Error(feed.ScopeBlacklist, fmt.Sprint(v)))
		}
	}()
	if f.APIKey == "" {
		r.Log.Error().Msg("missing api key; blacklist not fetched")
		r.Sink.Emit(feed.Error(feed.ScopeBlacklist, "Missing API key"))
		return
	}

	reqCtx, cancel := context.WithTimeout(ctx, config.DefaultTimeout)
	items, err := r.API.Blacklist(reqCtx, f.APIKey)
	cancel()
	if errors.Is(err, abuseipdb.ErrRateLimited) {
		r.Metrics.rateLimited(feed.ScopeBlacklist)
		r.Log.Warn().Msg("blacklist rate limited; skipping this tick")
		if r.Tracker.ShouldNotify(feed.ScopeBlacklist) {
			r.Sink.Emit(feed.RateLimited(feed.ScopeBlacklist))
		}
		return
	}
	if answered(err) {
		r.Tracker.Reset(feed.ScopeBlacklist)
	}
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		r.Log.Error().Err(err).Msg("blacklist fetch failed")
		r.Sink.Emit(feed.Error(feed.ScopeBlacklist, err.Error()))
		return
	}
	r.Metrics.blacklist(len(items))
	r.Log.Info().Int("items", len(items)).Msg("sending blacklist data")
	r.Sink.Emit(feed.BlacklistData(items))
}
