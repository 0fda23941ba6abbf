package enrich

import (
	"bufio"
	"context"
	"errors"
	"strings"
	"time"
	"unicode"

	"github.com/likexian/whois"

	"github.com/StefanGrimminck/threatfeed/internal/feed"
)

// ErrEmptyWhois is returned when a WHOIS response carries no key/value data.
var ErrEmptyWhois = errors.New("whois: empty response")

// WhoisClient resolves organisation and network metadata for IPs. Referrals are
// followed by the underlying client; every query is bounded by the client
// timeout and by the caller's context.
type WhoisClient struct {
	client *whois.Client
}

// NewWhoisClient returns a client with the given per-query timeout.
func NewWhoisClient(timeout time.Duration) *WhoisClient {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &WhoisClient{client: whois.NewClient().SetTimeout(timeout)}
}

// Query returns the raw WHOIS text for query, optionally against a specific server.
func (w *WhoisClient) Query(ctx context.Context, query string, servers ...string) (string, error) {
	type result struct {
		raw string
		err error
	}
	ch := make(chan result, 1)
	go func() {
		raw, err := w.client.Whois(query, servers...)
		ch <- result{raw, err}
	}()
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case r := <-ch:
		return r.raw, r.err
	}
}

// Lookup returns the parsed WHOIS payload for ip.
func (w *WhoisClient) Lookup(ctx context.Context, ip string) (feed.Whois, error) {
	raw, err := w.Query(ctx, ip)
	if err != nil {
		return nil, err
	}
	data := ParseWhois(raw)
	if len(data) == 0 {
		return nil, ErrEmptyWhois
	}
	return data, nil
}

// ParseWhois flattens "Key: value" lines into a map with camelCased keys. The
// first value of a repeated key wins; comment lines (% or #) are skipped.
func ParseWhois(raw string) feed.Whois {
	out := make(feed.Whois)
	sc := bufio.NewScanner(strings.NewReader(raw))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || line[0] == '%' || line[0] == '#' {
			continue
		}
		key, val, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		key = camelKey(key)
		val = strings.TrimSpace(val)
		if key == "" || val == "" {
			continue
		}
		if _, seen := out[key]; !seen {
			out[key] = val
		}
	}
	return out
}

// camelKey turns "OrgName", "org-name" or "Org Name" into "orgName".
func camelKey(key string) string {
	words := strings.FieldsFunc(key, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	var b strings.Builder
	for i, w := range words {
		r := []rune(w)
		if i == 0 {
			r[0] = unicode.ToLower(r[0])
		} else {
			r[0] = unicode.ToUpper(r[0])
		}
		b.WriteString(string(r))
	}
	return b.String()
}
