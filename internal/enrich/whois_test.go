package enrich

import (
	"context"
	"errors"
	"reflect"
	"testing"

	"github.com/rs/zerolog"
)

const arinSample = `
#
# ARIN WHOIS data and services are subject to the Terms of Use
#

NetRange:       8.8.8.0 - 8.8.8.255
CIDR:           8.8.8.0/24
NetName:        GOGL
OrgName:        Google LLC
OrgName:        Duplicate Should Lose
Country:        US
`

const ripeSample = `
% This is the RIPE Database query service.

inetnum:        88.217.0.0 - 88.217.255.255
netname:        MNET-DSL
descr:          M-net Telekommunikations GmbH
org-name:       M-net Telekommunikations GmbH
country:        DE

route:          88.217.0.0/16
`

func TestParseWhois_ARIN(t *testing.T) {
	w := ParseWhois(arinSample)
	if w["orgName"] != "Google LLC" {
		t.Errorf("orgName = %q", w["orgName"])
	}
	if w["netName"] != "GOGL" || w["country"] != "US" {
		t.Errorf("parsed = %v", w)
	}
	if w.Organization() != "Google LLC" {
		t.Errorf("Organization() = %q", w.Organization())
	}
}

func TestParseWhois_RIPE(t *testing.T) {
	w := ParseWhois(ripeSample)
	if w["netname"] != "MNET-DSL" {
		t.Errorf("netname = %q", w["netname"])
	}
	if w["orgName"] != "M-net Telekommunikations GmbH" {
		t.Errorf("org-name should camelCase to orgName, got %v", w)
	}
	if _, ok := w["This is the RIPE Database query service."]; ok {
		t.Error("comment lines should be skipped")
	}
}

func TestCamelKey(t *testing.T) {
	tests := map[string]string{
		"OrgName":       "orgName",
		"org-name":      "orgName",
		"netname":       "netname",
		"Abuse Mailbox": "abuseMailbox",
		"CIDR":          "cIDR",
	}
	for in, want := range tests {
		if got := camelKey(in); got != want {
			t.Errorf("camelKey(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestNetworkAddresses(t *testing.T) {
	got := NetworkAddresses(arinSample + ripeSample + "inet6num: 2001:db8::/32\nCIDR: 10.0.0.0/8, 192.168.1.7/32\n")
	want := []string{
		"8.8.8.1", "8.8.8.1",
		"88.217.0.1", "88.217.0.1",
		"2001:db8::1",
		"10.0.0.1", "192.168.1.7",
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("NetworkAddresses = %v, want %v", got, want)
	}
}

type fakeWhois map[string]string

func (f fakeWhois) Query(ctx context.Context, query string, servers ...string) (string, error) {
	raw, ok := f[query]
	if !ok {
		return "", errors.New("no match")
	}
	return raw, nil
}

func TestRegionalDiscoverer_Discover(t *testing.T) {
	src := fakeWhois{
		"M-net":   ripeSample,
		"Example": "route: 88.217.0.0/16\nroute: 5.5.0.0/16\nroute: 6.6.0.0/16\n",
	}
	d := NewRegionalDiscoverer(src, "whois.ripe.net", 2, zerolog.Nop())
	got := d.Discover(context.Background(), []string{"M-net", "Unknown ISP", "Example"})
	want := []string{"88.217.0.1", "5.5.0.1"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Discover = %v, want %v", got, want)
	}
}
