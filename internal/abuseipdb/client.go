package abuseipdb

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/StefanGrimminck/threatfeed/internal/feed"
)

// ErrRateLimited is returned (wrapped in *StatusError) when the API answers 429.
var ErrRateLimited = errors.New("abuseipdb: rate limited")

// StatusError is a non-2xx API response.
type StatusError struct {
	Endpoint   string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("abuseipdb %s HTTP %d", e.Endpoint, e.StatusCode)
}

// Is makes errors.Is(err, ErrRateLimited) true for 429 responses.
func (e *StatusError) Is(target error) bool {
	return target == ErrRateLimited && e.StatusCode == http.StatusTooManyRequests
}

// Check is the subset of a /check response the feed uses. Score is nil when the
// response carried no abuseConfidenceScore.
type Check struct {
	IPAddress   string `json:"ipAddress"`
	Score       *int   `json:"abuseConfidenceScore"`
	CountryCode string `json:"countryCode"`
}

type checkResponse struct {
	Data *Check `json:"data"`
}

type blacklistResponse struct {
	Data []feed.BlacklistItem `json:"data"`
}

// Client talks to the reputation API. The API key is passed per call because a
// new CONFIG may replace it at any time.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// New returns a client for baseURL. A nil httpClient gets a default one; request
// deadlines come from the caller's context.
func New(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Transport: &http.Transport{
			MaxIdleConns:        10,
			MaxIdleConnsPerHost: 5,
			IdleConnTimeout:     30 * time.Second,
		}}
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
	}
}

// Check queries the reputation of ip, considering reports up to maxAgeInDays old.
func (c *Client) Check(ctx context.Context, apiKey, ip string, maxAgeInDays int) (*Check, error) {
	q := url.Values{}
	q.Set("ipAddress", ip)
	q.Set("maxAgeInDays", strconv.Itoa(maxAgeInDays))
	var out checkResponse
	if err := c.get(ctx, apiKey, "check", q, &out); err != nil {
		return nil, err
	}
	if out.Data == nil {
		return &Check{}, nil
	}
	return out.Data, nil
}

// Blacklist fetches the global blacklist.
func (c *Client) Blacklist(ctx context.Context, apiKey string) ([]feed.BlacklistItem, error) {
	var out blacklistResponse
	if err := c.get(ctx, apiKey, "blacklist", nil, &out); err != nil {
		return nil, err
	}
	if out.Data == nil {
		return []feed.BlacklistItem{}, nil
	}
	return out.Data, nil
}

func (c *Client) get(ctx context.Context, apiKey, endpoint string, q url.Values, v interface{}) error {
	u := c.baseURL + "/" + endpoint
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Key", apiKey)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("abuseipdb %s: %w", endpoint, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &StatusError{Endpoint: endpoint, StatusCode: resp.StatusCode, Body: string(body)}
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("abuseipdb %s: decode: %w", endpoint, err)
	}
	return nil
}
