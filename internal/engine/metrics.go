package engine

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/StefanGrimminck/threatfeed/internal/feed"
)

// Metrics holds Prometheus metrics for the polling engine. A nil *Metrics is valid and records nothing.
type Metrics struct {
	ChecksTotal       *prometheus.CounterVec
	CyclesTotal       *prometheus.CounterVec
	RateLimitedTotal  *prometheus.CounterVec
	WhoisCacheTotal   *prometheus.CounterVec
	WhoisCacheEntries prometheus.Gauge
	BlacklistItems    prometheus.Gauge
}

// NewMetrics creates and registers engine metrics. Labels never carry IPs or keys.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ChecksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "threatfeed_checks_total", Help: "Reputation checks by result"},
			[]string{"status"}),
		CyclesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "threatfeed_cycles_total", Help: "Poll cycles by outcome"},
			[]string{"outcome"}),
		RateLimitedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "threatfeed_rate_limited_total", Help: "429 responses by scope"},
			[]string{"source"}),
		WhoisCacheTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "threatfeed_whois_cache_total", Help: "WHOIS cache lookups by result"},
			[]string{"result"}),
		WhoisCacheEntries: prometheus.NewGauge(
			prometheus.GaugeOpts{Name: "threatfeed_whois_cache_entries", Help: "Entries held in the WHOIS cache"}),
		BlacklistItems: prometheus.NewGauge(
			prometheus.GaugeOpts{Name: "threatfeed_blacklist_items", Help: "Items in the last blacklist fetched"}),
	}
	if reg != nil {
		reg.MustRegister(m.ChecksTotal, m.CyclesTotal, m.RateLimitedTotal, m.WhoisCacheTotal, m.WhoisCacheEntries, m.BlacklistItems)
	}
	return m
}

func (m *Metrics) check(status string) {
	if m == nil {
		return
	}
	m.ChecksTotal.WithLabelValues(status).Inc()
}

func (m *Metrics) cycle(outcome string) {
	if m == nil {
		return
	}
	m.CyclesTotal.WithLabelValues(outcome).Inc()
}

func (m *Metrics) rateLimited(source feed.Scope) {
	if m == nil {
		return
	}
	m.RateLimitedTotal.WithLabelValues(string(source)).Inc()
}

func (m *Metrics) whois(result string, entries int) {
	if m == nil {
		return
	}
	m.WhoisCacheTotal.WithLabelValues(result).Inc()
	m.WhoisCacheEntries.Set(float64(entries))
}

func (m *Metrics) blacklist(n int) {
	if m == nil {
		return
	}
	m.BlacklistItems.Set(float64(n))
}
