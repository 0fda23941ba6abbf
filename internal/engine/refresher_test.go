package engine

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/StefanGrimminck/threatfeed/internal/abuseipdb"
	"github.com/StefanGrimminck/threatfeed/internal/config"
	"github.com/StefanGrimminck/threatfeed/internal/feed"
	"github.com/StefanGrimminck/threatfeed/internal/ratelimit"
)

func newRefresher(api *fakeAPI, sink feed.Sink) *Refresher {
	return &Refresher{API: api, Tracker: ratelimit.NewTracker(), Sink: sink, Log: zerolog.Nop()}
}

func blacklistFeed(interval time.Duration) config.Feed {
	f := feedFor()
	f.FetchBlacklist = true
	f.BlacklistInterval = interval
	return f
}

func TestRefresher_RateLimitStreak(t *testing.T) {
	blErr := &abuseipdb.StatusError{Endpoint: "blacklist", StatusCode: 429}
	api := &fakeAPI{blacklistF: func(n int) ([]feed.BlacklistItem, error) {
		switch n {
		case 1, 2, 4:
			return nil, blErr
		}
		return []feed.BlacklistItem{}, nil
	}}
	rec := newRecorder()
	r := newRefresher(api, rec)
	f := blacklistFeed(time.Hour)

	r.Fetch(context.Background(), f)
	r.Fetch(context.Background(), f)
	assert.Equal(t, 1, rec.Count(feed.KindRateLimited))

	r.Fetch(context.Background(), f)
	assert.Equal(t, 1, rec.Count(feed.KindBlacklistData))

	r.Fetch(context.Background(), f)
	assert.Equal(t, 2, rec.Count(feed.KindRateLimited))
	for _, e := range rec.Events() {
		if e.Kind == feed.KindRateLimited {
			assert.Equal(t, feed.ScopeBlacklist, e.Source)
		}
	}
}

func TestRefresher_ScopesAreIndependent(t *testing.T) {
	tracker := ratelimit.NewTracker()
	require.True(t, tracker.ShouldNotify(feed.ScopeCheck))

	api := &fakeAPI{blacklistF: func(int) ([]feed.BlacklistItem, error) {
		return nil, &abuseipdb.StatusError{Endpoint: "blacklist", StatusCode: 429}
	}}
	rec := newRecorder()
	r := newRefresher(api, rec)
	r.Tracker = tracker
	r.Fetch(context.Background(), blacklistFeed(time.Hour))

	assert.Equal(t, 1, rec.Count(feed.KindRateLimited), "check streak does not mute the blacklist scope")
}

func TestRefresher_MissingKey(t *testing.T) {
	api := &fakeAPI{}
	rec := newRecorder()
	r := newRefresher(api, rec)
	f := blacklistFeed(time.Hour)
	f.APIKey = ""

	r.Fetch(context.Background(), f)

	assert.Zero(t, api.BlacklistCalls())
	e := rec.wait(t, feed.KindError)
	assert.Equal(t, feed.ScopeBlacklist, e.Failure.Scope)
}

func TestRefresher_FailureEmitsError(t *testing.T) {
	api := &fakeAPI{blacklistF: func(int) ([]feed.BlacklistItem, error) {
		return nil, &abuseipdb.StatusError{Endpoint: "blacklist", StatusCode: 503}
	}}
	rec := newRecorder()
	newRefresher(api, rec).Fetch(context.Background(), blacklistFeed(time.Hour))

	e := rec.wait(t, feed.KindError)
	assert.Equal(t, feed.ScopeBlacklist, e.Failure.Scope)
	assert.Contains(t, e.Failure.Message, "503")
}

func TestRefresher_PanicRecovered(t *testing.T) {
	api := &fakeAPI{blacklistF: func(int) ([]feed.BlacklistItem, error) { panic("decoder exploded") }}
	rec := newRecorder()
	newRefresher(api, rec).Fetch(context.Background(), blacklistFeed(time.Hour))

	e := rec.wait(t, feed.KindError)
	assert.Equal(t, "decoder exploded", e.Failure.Message)
}

func TestRefresher_ScheduleFetchesImmediatelyAndTicks(t *testing.T) {
	api := &fakeAPI{}
	rec := newRecorder()
	r := newRefresher(api, rec)
	defer r.Stop()

	r.Schedule(context.Background(), blacklistFeed(20*time.Millisecond))
	rec.wait(t, feed.KindBlacklistData)
	require.Eventually(t, func() bool { return api.BlacklistCalls() >= 3 }, 2*time.Second, 5*time.Millisecond)
	assert.True(t, r.Armed())
}

func TestRefresher_RescheduleCancelsPreviousTimer(t *testing.T) {
	api := &fakeAPI{}
	rec := newRecorder()
	r := newRefresher(api, rec)
	defer r.Stop()

	r.Schedule(context.Background(), blacklistFeed(20*time.Millisecond))
	require.Eventually(t, func() bool { return api.BlacklistCalls() >= 2 }, 2*time.Second, 5*time.Millisecond)

	r.Schedule(context.Background(), blacklistFeed(time.Hour))
	time.Sleep(100 * time.Millisecond)
	settled := api.BlacklistCalls()
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, settled, api.BlacklistCalls(), "no ticks from the superseded interval")
}

func TestRefresher_ScheduleDisabledAndStop(t *testing.T) {
	api := &fakeAPI{}
	r := newRefresher(api, newRecorder())

	r.Schedule(context.Background(), feedFor())
	assert.False(t, r.Armed())

	r.Schedule(context.Background(), blacklistFeed(10*time.Millisecond))
	require.Eventually(t, func() bool { return api.BlacklistCalls() >= 1 }, 2*time.Second, 5*time.Millisecond)
	r.Stop()
	assert.False(t, r.Armed())
	stopped := api.BlacklistCalls()
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, stopped, api.BlacklistCalls())

	r.Stop()
}

func TestRefresher_ContextEndsLoop(t *testing.T) {
	api := &fakeAPI{}
	r := newRefresher(api, newRecorder())
	ctx, cancel := context.WithCancel(context.Background())

	r.Schedule(ctx, blacklistFeed(10*time.Millisecond))
	require.Eventually(t, func() bool { return api.BlacklistCalls() >= 1 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	r.Stop()
	n := api.BlacklistCalls()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, n, api.BlacklistCalls())
}
