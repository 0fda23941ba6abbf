package enrich

import (
	"context"
	"net/netip"
	"strings"

	"github.com/rs/zerolog"
)

// RawWhois is the raw query side of WhoisClient.
type RawWhois interface {
	Query(ctx context.Context, query string, servers ...string) (string, error)
}

// RegionalDiscoverer finds representative addresses of the networks registered
// to a set of ISPs, so they can be checked alongside the static IP list.
type RegionalDiscoverer struct {
	whois     RawWhois
	server    string
	maxPerISP int
	log       zerolog.Logger
}

// NewRegionalDiscoverer queries server (e.g. whois.ripe.net) and keeps at most
// maxPerISP networks per ISP.
func NewRegionalDiscoverer(w RawWhois, server string, maxPerISP int, log zerolog.Logger) *RegionalDiscoverer {
	if maxPerISP <= 0 {
		maxPerISP = 8
	}
	return &RegionalDiscoverer{whois: w, server: server, maxPerISP: maxPerISP, log: log}
}

// Discover returns one address per discovered network, deduplicated, in ISP order.
// A failing ISP is logged and skipped.
func (d *RegionalDiscoverer) Discover(ctx context.Context, isps []string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, isp := range isps {
		if ctx.Err() != nil {
			break
		}
		var servers []string
		if d.server != "" {
			servers = []string{d.server}
		}
		raw, err := d.whois.Query(ctx, isp, servers...)
		if err != nil {
			d.log.Warn().Err(err).Str("isp", isp).Msg("regional whois lookup failed")
			continue
		}
		addrs := NetworkAddresses(raw)
		if len(addrs) > d.maxPerISP {
			addrs = addrs[:d.maxPerISP]
		}
		for _, a := range addrs {
			if !seen[a] {
				seen[a] = true
				out = append(out, a)
			}
		}
		d.log.Debug().Str("isp", isp).Int("networks", len(addrs)).Msg("regional networks discovered")
	}
	return out
}

var rangeKeys = map[string]bool{
	"inetnum":  true,
	"inet6num": true,
	"netRange": true,
	"cIDR":     true,
	"cidr":     true,
	"route":    true,
	"route6":   true,
}

// NetworkAddresses extracts the first host address of every network range in a
// WHOIS response ("a - b" ranges and CIDR prefixes, comma separated allowed).
func NetworkAddresses(raw string) []string {
	var out []string
	for _, line := range strings.Split(raw, "\n") {
		key, val, ok := strings.Cut(strings.TrimSpace(line), ":")
		if !ok || !rangeKeys[camelKey(key)] {
			continue
		}
		for _, part := range strings.Split(val, ",") {
			if addr, ok := firstHost(strings.TrimSpace(part)); ok {
				out = append(out, addr.String())
			}
		}
	}
	return out
}

func firstHost(s string) (netip.Addr, bool) {
	if s == "" {
		return netip.Addr{}, false
	}
	if strings.Contains(s, "/") {
		p, err := netip.ParsePrefix(s)
		if err != nil {
			return netip.Addr{}, false
		}
		p = p.Masked()
		if p.Bits() == p.Addr().BitLen() {
			return p.Addr(), true
		}
		return p.Addr().Next(), true
	}
	start, _, _ := strings.Cut(s, "-")
	a, err := netip.ParseAddr(strings.TrimSpace(start))
	if err != nil {
		return netip.Addr{}, false
	}
	if n := a.Next(); n.IsValid() {
		return n, true
	}
	return a, true
}
