package rotation

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/StefanGrimminck/threatfeed/internal/config"
	"github.com/StefanGrimminck/threatfeed/internal/feed"
)

// Item is one visible entry of the rotation window.
type Item struct {
	feed.Record
	Organization string `json:"organization"`
	Risk         Risk   `json:"risk"`
}

// View is the presentation state served to clients.
type View struct {
	Loaded bool   `json:"loaded"`
	Offset int    `json:"offset"`
	Total  int    `json:"total"`
	Items  []Item `json:"items"`
}

// Display consumes engine events and keeps the rotating window over the
// configured IP list. It is a feed.Sink; Run drives the rotation timer.
type Display struct {
	store         *Store
	minConfidence int
	interval      time.Duration
	log           zerolog.Logger
	restart       chan struct{}

	mu        sync.Mutex
	ips       []string
	offset    int
	items     []feed.Record
	blacklist []feed.BlacklistItem
	loaded    bool
}

// NewDisplay returns a display that drops records scoring below minConfidence and
// rotates every interval. A non-positive interval disables rotation.
func NewDisplay(store *Store, minConfidence int, interval time.Duration, log zerolog.Logger) *Display {
	return &Display{
		store:         store,
		minConfidence: minConfidence,
		interval:      interval,
		log:           log,
		restart:       make(chan struct{}, 1),
		items:         []feed.Record{},
		blacklist:     []feed.BlacklistItem{},
	}
}

// Configured adopts the IP list of a new feed configuration. A changed list
// restarts the window at offset 0. Only configured IPs rotate; records for
// regionally discovered IPs are stored but never enter the window.
func (d *Display) Configured(f config.Feed) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if slices.Equal(d.ips, f.IPAddresses) {
		return
	}
	d.ips = append([]string(nil), f.IPAddresses...)
	d.offset = 0
	d.refreshLocked()
}

// Emit implements feed.Sink.
func (d *Display) Emit(e feed.Event) {
	switch e.Kind {
	case feed.KindIPData:
		kept := make([]feed.Record, 0, len(e.Records))
		for _, r := range e.Records {
			if r.AbuseConfidenceScore >= d.minConfidence {
				kept = append(kept, r)
			}
		}
		d.store.Merge(kept)
		d.mu.Lock()
		d.refreshLocked()
		d.loaded = true
		d.mu.Unlock()
		d.log.Debug().Int("received", len(e.Records)).Int("kept", len(kept)).Msg("display updated")
		select {
		case d.restart <- struct{}{}:
		default:
		}
	case feed.KindBlacklistData:
		d.mu.Lock()
		d.blacklist = e.Blacklist
		d.mu.Unlock()
		d.log.Debug().Int("items", len(e.Blacklist)).Msg("blacklist stored")
	case feed.KindRateLimited, feed.KindError:
		d.mu.Lock()
		d.loaded = true
		d.mu.Unlock()
	}
}

// Advance moves the window forward by one tick.
func (d *Display) Advance() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.offset = Advance(d.offset, len(d.ips))
	d.refreshLocked()
}

func (d *Display) refreshLocked() {
	d.items = Window(d.ips, d.store.Get, d.offset)
}

// Run advances the window on every tick until ctx is done. The timer restarts
// whenever new IP data arrives.
func (d *Display) Run(ctx context.Context) error {
	if d.interval <= 0 {
		<-ctx.Done()
		return nil
	}
	t := time.NewTicker(d.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-d.restart:
			t.Reset(d.interval)
		case <-t.C:
			d.Advance()
		}
	}
}

// View returns the visible window. Only records with a WHOIS organisation are shown.
func (d *Display) View() View {
	d.mu.Lock()
	defer d.mu.Unlock()
	v := View{Loaded: d.loaded, Offset: d.offset, Total: len(d.ips), Items: []Item{}}
	for _, r := range d.items {
		org := r.Whois.Organization()
		if org == "" {
			continue
		}
		v.Items = append(v.Items, Item{Record: r, Organization: org, Risk: RiskLevel(r.AbuseConfidenceScore)})
	}
	return v
}

// Blacklist returns the last blacklist received.
func (d *Display) Blacklist() []feed.BlacklistItem {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.blacklist
}
