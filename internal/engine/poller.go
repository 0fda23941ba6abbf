package engine

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/StefanGrimminck/threatfeed/internal/abuseipdb"
	"github.com/StefanGrimminck/threatfeed/internal/config"
	"github.com/StefanGrimminck/threatfeed/internal/feed"
	"github.com/StefanGrimminck/threatfeed/internal/ratelimit"
	"github.com/StefanGrimminck/threatfeed/internal/whoiscache"
)

// Reputation is the remote reputation service.
type Reputation interface {
	Check(ctx context.Context, apiKey, ip string, maxAgeInDays int) (*abuseipdb.Check, error)
	Blacklist(ctx context.Context, apiKey string) ([]feed.BlacklistItem, error)
}

// WhoisLookup resolves WHOIS metadata for an IP.
type WhoisLookup interface {
	Lookup(ctx context.Context, ip string) (feed.Whois, error)
}

// Annotator adds local enrichment (ASN, GeoIP fallback, PTR) to a record.
type Annotator interface {
	Annotate(ctx context.Context, rec *feed.Record)
}

// Discoverer returns extra addresses for includeRegionalIPs.
type Discoverer interface {
	Discover(ctx context.Context, isps []string) []string
}

// CycleState is the state of one poll cycle.
type CycleState int

const (
	CycleRunning CycleState = iota
	CycleHalted             // stopped by a 429
	CycleCompleted
	CycleCanceled // engine shut down mid-cycle
	CycleSkipped  // missing key or empty list; nothing attempted
)

func (s CycleState) String() string {
	switch s {
	case CycleRunning:
		return "running"
	case CycleHalted:
		return "halted_by_rate_limit"
	case CycleCompleted:
		return "completed"
	case CycleCanceled:
		return "canceled"
	case CycleSkipped:
		return "skipped"
	}
	return "unknown"
}

// verdict is what a single check result means for the rest of the cycle.
type verdict int

const (
	verdictAccept verdict = iota
	verdictSkip
	verdictHalt
)

func classify(err error) verdict {
	switch {
	case err == nil:
		return verdictAccept
	case errors.Is(err, abuseipdb.ErrRateLimited):
		return verdictHalt
	default:
		return verdictSkip
	}
}

// answered reports whether err (or its absence) means the API actually replied.
// Timeouts and transport failures say nothing about the rate-limit streak.
func answered(err error) bool {
	var se *abuseipdb.StatusError
	return err == nil || errors.As(err, &se)
}

// Poller runs reputation poll cycles. Cycles must not overlap; the engine
// drives them from a single goroutine.
type Poller struct {
	API       Reputation
	Whois     WhoisLookup // optional
	Cache     *whoiscache.Cache
	Tracker   *ratelimit.Tracker
	Annotator Annotator  // optional
	Regional  Discoverer // optional, used when includeRegionalIPs is set
	Metrics   *Metrics
	Log       zerolog.Logger

	now func() time.Time
}

func (p *Poller) clock() time.Time {
	if p.now != nil {
		return p.now()
	}
	return time.Now()
}

// RunCycle checks every configured IP in order and emits exactly one IP_DATA,
// or a single ERROR when the API key is missing. It never panics past its caller
// through the sink; the returned state is informational.
func (p *Poller) RunCycle(ctx context.Context, f config.Feed, sink feed.Sink) CycleState {
	if len(f.IPAddresses) == 0 {
		p.Log.Warn().Msg("no ip addresses configured; emitting empty result")
		p.Metrics.cycle("empty")
		sink.Emit(feed.IPData(nil))
		return CycleSkipped
	}
	if f.APIKey == "" {
		p.Log.Error().Msg("missing api key; cycle not started")
		p.Metrics.cycle("no_key")
		sink.Emit(feed.Error(feed.ScopeCheck, "Missing API key"))
		return CycleSkipped
	}

	ips := p.targets(ctx, f)
	p.Log.Info().Int("ips", len(ips)).Msg("starting reputation checks")

	records := make([]feed.Record, 0, len(ips))
	state := CycleRunning
	for i := 0; state == CycleRunning; i++ {
		switch {
		case ctx.Err() != nil:
			state = CycleCanceled
			continue
		case i == len(ips):
			state = CycleCompleted
			continue
		}

		ip := ips[i]
		rec, err := p.checkOne(ctx, f, ip)
		if answered(err) && !errors.Is(err, abuseipdb.ErrRateLimited) {
			p.Tracker.Reset(feed.ScopeCheck)
		}
		switch classify(err) {
		case verdictAccept:
			p.Metrics.check("ok")
			records = append(records, rec)
		case verdictHalt:
			p.Metrics.check("rate_limited")
			p.Metrics.rateLimited(feed.ScopeCheck)
			p.Log.Warn().Str("ip", ip).Int("remaining", len(ips)-i-1).Msg("reputation check rate limited; halting cycle")
			if p.Tracker.ShouldNotify(feed.ScopeCheck) {
				sink.Emit(feed.RateLimited(feed.ScopeCheck))
			}
			state = CycleHalted
		case verdictSkip:
			status := "error"
			if errors.Is(err, context.DeadlineExceeded) {
				status = "timeout"
			}
			p.Metrics.check(status)
			p.Log.Error().Err(err).Str("ip", ip).Msg("reputation check failed")
		}
	}

	p.Metrics.cycle(state.String())
	p.Log.Info().Int("records", len(records)).Str("state", state.String()).Msg("sending ip data")
	sink.Emit(feed.IPData(records))
	return state
}

// targets is the configured list plus, when enabled, discovered regional addresses.
// Discovered addresses are checked and reported in IP_DATA but are not part of
// the display's rotation list, which follows the configured IPs only.
func (p *Poller) targets(ctx context.Context, f config.Feed) []string {
	if !f.IncludeRegionalIPs || p.Regional == nil {
		return f.IPAddresses
	}
	seen := make(map[string]bool, len(f.IPAddresses))
	ips := make([]string, 0, len(f.IPAddresses))
	for _, ip := range f.IPAddresses {
		if !seen[ip] {
			seen[ip] = true
			ips = append(ips, ip)
		}
	}
	for _, ip := range p.Regional.Discover(ctx, f.RegionalISPs) {
		if !seen[ip] {
			seen[ip] = true
			ips = append(ips, ip)
		}
	}
	return ips
}

func (p *Poller) checkOne(ctx context.Context, f config.Feed, ip string) (feed.Record, error) {
	reqCtx, cancel := context.WithTimeout(ctx, f.RequestTimeout())
	res, err := p.API.Check(reqCtx, f.APIKey, ip, f.MaxAge())
	cancel()
	if err != nil {
		return feed.Record{}, err
	}

	rec := feed.Record{
		IPAddress:   ip,
		CountryCode: res.CountryCode,
		CheckedAt:   p.clock().UTC(),
	}
	if res.IPAddress != "" {
		rec.IPAddress = res.IPAddress
	}
	if res.Score != nil {
		rec.AbuseConfidenceScore = *res.Score
	}
	rec.Whois = p.whois(ctx, ip)
	if p.Annotator != nil {
		p.Annotator.Annotate(ctx, &rec)
	}
	return rec, nil
}

// whois returns cached data for ip or performs a best-effort lookup, caching a success.
func (p *Poller) whois(ctx context.Context, ip string) feed.Whois {
	if p.Cache != nil {
		if w, ok := p.Cache.Get(ip); ok {
			p.Metrics.whois("hit", p.Cache.Size())
			return w
		}
	}
	if p.Whois == nil {
		return nil
	}
	w, err := p.Whois.Lookup(ctx, ip)
	if err != nil || len(w) == 0 {
		p.Log.Warn().Err(err).Str("ip", ip).Msg("whois lookup failed")
		if p.Cache != nil {
			p.Metrics.whois("error", p.Cache.Size())
		}
		return nil
	}
	if p.Cache != nil {
		p.Cache.Set(ip, w)
		p.Metrics.whois("miss", p.Cache.Size())
	}
	return w
}
