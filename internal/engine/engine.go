package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/StefanGrimminck/threatfeed/internal/config"
	"github.com/StefanGrimminck/threatfeed/internal/feed"
)

var (
	// ErrUnknownNotification is returned by Dispatch for unsupported messages.
	ErrUnknownNotification = errors.New("engine: unknown notification")
	// ErrClosed is returned once the engine has been shut down.
	ErrClosed = errors.New("engine: closed")
)

// Engine serializes control messages onto a single worker goroutine that owns
// poll cycles, and drives the blacklist Refresher.
type Engine struct {
	poller    *Poller
	refresher *Refresher
	sink      feed.Sink
	log       zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	cycles chan config.Feed
	bg     sync.WaitGroup

	// configMu serializes Configure so the last accepted CONFIG owns the
	// blacklist timer and the tail of the cycle queue.
	configMu sync.Mutex

	mu         sync.Mutex
	current    config.Feed
	configured bool
	closed     bool
	observers  []func(config.Feed)
}

// New wires an engine. Events from the poller and refresher go to sink; the
// refresher's own Sink is set to the same value.
func New(p *Poller, r *Refresher, sink feed.Sink, log zerolog.Logger) *Engine {
	ctx, cancel := context.WithCancel(context.Background())
	r.Sink = sink
	return &Engine{
		poller:    p,
		refresher: r,
		sink:      sink,
		log:       log,
		ctx:       ctx,
		cancel:    cancel,
		cycles:    make(chan config.Feed, 8),
	}
}

// Run processes queued poll cycles until ctx is done or Close is called.
func (e *Engine) Run(ctx context.Context) error {
	stop := context.AfterFunc(ctx, e.cancel)
	defer stop()
	defer e.refresher.Stop()
	for {
		select {
		case <-e.ctx.Done():
			return nil
		case f := <-e.cycles:
			e.runCycle(f)
		}
	}
}

// Close cancels in-flight work and disposes of the blacklist timer.
func (e *Engine) Close() {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
	e.cancel()

	e.configMu.Lock()
	e.refresher.Stop()
	e.configMu.Unlock()
	e.bg.Wait()
}

// Dispatch handles one inbound control message. Unknown notifications return
// ErrUnknownNotification; a panic is reported as ERROR{socket}.
func (e *Engine) Dispatch(msg feed.Message) (err error) {
	defer func() {
		if v := recover(); v != nil {
			e.log.Error().Interface("panic", v).Str("notification", msg.Notification).Msg("dispatch panicked")
			e.sink.Emit(feed.Error(feed.ScopeSocket, fmt.Sprint(v)))
			err = fmt.Errorf("dispatch %s: %v", msg.Notification, v)
		}
	}()
	if e.ctx.Err() != nil {
		return ErrClosed
	}
	e.log.Info().Str("notification", msg.Notification).Msg("control message received")
	switch msg.Notification {
	case feed.NotifyConfig:
		return e.Configure(msg.Payload)
	case feed.NotifyFetchNow:
		return e.FetchNow(msg.Payload)
	case feed.NotifyFetchBlacklistNow:
		return e.FetchBlacklistNow(msg.Payload)
	}
	e.log.Debug().Str("notification", msg.Notification).Msg("unhandled notification")
	return fmt.Errorf("%w: %q", ErrUnknownNotification, msg.Notification)
}

// Configure replaces the feed configuration, queues an immediate cycle and re-arms
// the blacklist timer. A missing API key reports ERROR{config} and disarms the timer.
func (e *Engine) Configure(raw map[string]interface{}) error {
	e.configMu.Lock()
	defer e.configMu.Unlock()
	if e.ctx.Err() != nil {
		return ErrClosed
	}

	f := config.Normalize(raw)
	e.mu.Lock()
	e.current, e.configured = f, true
	observers := e.observers
	e.mu.Unlock()
	for _, fn := range observers {
		fn(f)
	}

	e.log.Info().
		Bool("has_api_key", f.APIKey != "").
		Int("ip_count", len(f.IPAddresses)).
		Int("max_age_days", f.MaxAgeInDays).
		Dur("check_interval", f.CheckInterval).
		Dur("blacklist_interval", f.BlacklistInterval).
		Bool("fetch_blacklist", f.FetchBlacklist).
		Msg("config received")

	if f.APIKey == "" {
		e.refresher.Stop()
		e.log.Error().Msg("missing api key in config")
		e.sink.Emit(feed.Error(feed.ScopeConfig, "Missing apiKey"))
		return nil
	}
	if len(f.IPAddresses) > 0 {
		e.log.Info().Dur("check_interval", f.CheckInterval).Msg("check interval unused; cycles are triggered by FETCH_NOW")
	}
	if err := e.enqueue(f); err != nil {
		return err
	}
	e.refresher.Schedule(e.ctx, f)
	return nil
}

// FetchNow queues a cycle with the last configuration, or with payload normalized
// when no configuration has been received yet.
func (e *Engine) FetchNow(payload map[string]interface{}) error {
	return e.enqueue(e.feedOr(payload))
}

// FetchBlacklistNow fetches the blacklist once, off the cycle worker.
func (e *Engine) FetchBlacklistNow(payload map[string]interface{}) error {
	f := e.feedOr(payload)
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrClosed
	}
	e.bg.Add(1)
	e.mu.Unlock()
	go func() {
		defer e.bg.Done()
		e.refresher.Fetch(e.ctx, f)
	}()
	return nil
}

// OnConfig registers fn to be called with every accepted configuration.
func (e *Engine) OnConfig(fn func(config.Feed)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.observers = append(e.observers, fn)
}

// Current returns the last configuration received and whether one exists.
func (e *Engine) Current() (config.Feed, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.current, e.configured
}

func (e *Engine) feedOr(payload map[string]interface{}) config.Feed {
	if f, ok := e.Current(); ok {
		return f
	}
	return config.Normalize(payload)
}

func (e *Engine) enqueue(f config.Feed) error {
	select {
	case e.cycles <- f:
		return nil
	case <-e.ctx.Done():
		return ErrClosed
	}
}

func (e *Engine) runCycle(f config.Feed) {
	defer func() {
		if v := recover(); v != nil {
			e.log.Error().Interface("panic", v).Msg("poll cycle panicked")
			e.sink.Emit(feed.Error(feed.ScopeCheck, fmt.Sprint(v)))
		}
	}()
	e.poller.RunCycle(e.ctx, f, e.sink)
}
