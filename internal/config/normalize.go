package config

import (
	"encoding/json"
	"math"
	"strings"
	"time"
)

// Feed defaults, applied whenever the supplied value is missing or not a finite number.
const (
	DefaultMaxAgeInDays      = 30
	DefaultTimeout           = 10 * time.Second
	DefaultCheckInterval     = 5 * time.Minute
	DefaultBlacklistInterval = time.Hour
)

// DefaultRegionalISPs are queried when includeRegionalIPs is set and no list is given.
var DefaultRegionalISPs = []string{
	"M-net",
	"Vodafone Kabel Deutschland",
	"Deutsche Telekom AG",
	"Telefonica Germany",
}

// Feed is the normalized polling configuration. It is immutable once built and
// is replaced wholesale by the next CONFIG message.
type Feed struct {
	APIKey             string
	IPAddresses        []string
	MaxAgeInDays       int
	Timeout            time.Duration
	CheckInterval      time.Duration // accepted for compatibility; nothing is scheduled from it
	FetchBlacklist     bool
	BlacklistInterval  time.Duration
	IncludeRegionalIPs bool
	RegionalISPs       []string
}

// Normalize fills every field of a raw, possibly partial feed configuration.
// It never fails: malformed values fall back to their defaults.
//
// ipAddresses may be a list or a single string; empty entries are dropped.
// Durations are given in milliseconds. Flags are only true when the value is
// the boolean true.
func Normalize(raw map[string]interface{}) Feed {
	f := Feed{
		MaxAgeInDays:      DefaultMaxAgeInDays,
		Timeout:           DefaultTimeout,
		CheckInterval:     DefaultCheckInterval,
		BlacklistInterval: DefaultBlacklistInterval,
		IPAddresses:       []string{},
	}
	if raw == nil {
		return f
	}
	if s, ok := raw["apiKey"].(string); ok {
		f.APIKey = s
	}
	f.IPAddresses = stringList(raw["ipAddresses"], true)
	if n, ok := finite(raw["maxAgeInDays"]); ok {
		f.MaxAgeInDays = int(n)
	}
	if n, ok := finite(raw["timeoutMs"]); ok {
		f.Timeout = millis(n)
	}
	if n, ok := finite(raw["checkIntervalMs"]); ok {
		f.CheckInterval = millis(n)
	}
	if n, ok := finite(raw["blacklistIntervalMs"]); ok {
		f.BlacklistInterval = millis(n)
	}
	f.FetchBlacklist = raw["fetchBlacklist"] == true
	f.IncludeRegionalIPs = raw["includeRegionalIPs"] == true
	f.RegionalISPs = stringList(raw["regionalISPs"], false)
	if len(f.RegionalISPs) == 0 {
		f.RegionalISPs = append([]string(nil), DefaultRegionalISPs...)
	}
	return f
}

// MaxAge returns the reputation max age sent to the API; zero selects the default.
func (f Feed) MaxAge() int {
	if f.MaxAgeInDays == 0 {
		return DefaultMaxAgeInDays
	}
	return f.MaxAgeInDays
}

// RequestTimeout bounds a single reputation request; non-positive values select the default.
func (f Feed) RequestTimeout() time.Duration {
	if f.Timeout <= 0 {
		return DefaultTimeout
	}
	return f.Timeout
}

// RefreshInterval is the blacklist period; non-positive values select the default.
func (f Feed) RefreshInterval() time.Duration {
	if f.BlacklistInterval <= 0 {
		return DefaultBlacklistInterval
	}
	return f.BlacklistInterval
}

func millis(n float64) time.Duration {
	return time.Duration(n * float64(time.Millisecond))
}

// finite reports v as a float64 when it is a finite number of any numeric type.
func finite(v interface{}) (float64, bool) {
	var f float64
	switch n := v.(type) {
	case float64:
		f = n
	case float32:
		f = float64(n)
	case int:
		f = float64(n)
	case int32:
		f = float64(n)
	case int64:
		f = float64(n)
	case uint:
		f = float64(n)
	case uint32:
		f = float64(n)
	case uint64:
		f = float64(n)
	case json.Number:
		parsed, err := n.Float64()
		if err != nil {
			return 0, false
		}
		f = parsed
	default:
		return 0, false
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

func stringList(v interface{}, allowScalar bool) []string {
	out := []string{}
	switch list := v.(type) {
	case []string:
		for _, s := range list {
			if s = strings.TrimSpace(s); s != "" {
				out = append(out, s)
			}
		}
	case []interface{}:
		for _, item := range list {
			s, ok := item.(string)
			if !ok {
				continue
			}
			if s = strings.TrimSpace(s); s != "" {
				out = append(out, s)
			}
		}
	case string:
		if s := strings.TrimSpace(list); allowScalar && s != "" {
			out = append(out, s)
		}
	}
	return out
}
