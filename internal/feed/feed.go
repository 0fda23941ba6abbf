package feed

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Kind names an outbound event.
type Kind string

const (
	KindIPData        Kind = "IP_DATA"
	KindBlacklistData Kind = "BLACKLIST_DATA"
	KindRateLimited   Kind = "RATE_LIMITED"
	KindError         Kind = "ERROR"
)

// Scope identifies the operation an event relates to. Rate limiting is tracked
// per scope; only ScopeCheck and ScopeBlacklist talk to the reputation API.
type Scope string

const (
	ScopeConfig    Scope = "config"
	ScopeCheck     Scope = "check"
	ScopeBlacklist Scope = "blacklist"
	ScopeSocket    Scope = "socket"
)

// Inbound control notifications.
const (
	NotifyConfig            = "CONFIG"
	NotifyFetchNow          = "FETCH_NOW"
	NotifyFetchBlacklistNow = "FETCH_BLACKLIST_NOW"
)

// Message is an inbound control message from the presentation layer.
type Message struct {
	Notification string                 `json:"notification"`
	Payload      map[string]interface{} `json:"payload,omitempty"`
}

// Record is one enriched reputation result, keyed by IPAddress.
type Record struct {
	IPAddress            string    `json:"ipAddress"`
	AbuseConfidenceScore int       `json:"abuseConfidenceScore"`
	CountryCode          string    `json:"countryCode,omitempty"`
	Whois                Whois     `json:"whois,omitempty"`
	ASN                  uint      `json:"asn,omitempty"`
	ASOrganization       string    `json:"asOrganization,omitempty"`
	Hostname             string    `json:"hostname,omitempty"`
	CheckedAt            time.Time `json:"checkedAt"`
}

// Whois is a flat view of a WHOIS response with camelCased keys (orgName, netname, ...).
type Whois map[string]string

// Organization returns the best organisation label in the payload, or "".
func (w Whois) Organization() string {
	for _, k := range []string{"orgName", "org", "netname", "netName", "organization"} {
		if v := w[k]; v != "" {
			return v
		}
	}
	return ""
}

// BlacklistItem is one entry of the global reputation blacklist.
type BlacklistItem struct {
	IPAddress            string `json:"ipAddress"`
	AbuseConfidenceScore int    `json:"abuseConfidenceScore"`
	CountryCode          string `json:"countryCode,omitempty"`
	LastReportedAt       string `json:"lastReportedAt,omitempty"`
}

// Failure is the payload of an ERROR event.
type Failure struct {
	Scope   Scope  `json:"scope"`
	Message string `json:"message"`
}

// Event is an outbound notification. Exactly one of the payload fields is set,
// matching Kind.
type Event struct {
	ID        string
	Kind      Kind
	At        time.Time
	Records   []Record
	Blacklist []BlacklistItem
	Source    Scope
	Failure   *Failure
}

func newEvent(kind Kind) Event {
	return Event{ID: uuid.NewString(), Kind: kind, At: time.Now().UTC()}
}

// IPData builds the result event of a poll cycle. A nil slice becomes an empty list.
func IPData(records []Record) Event {
	if records == nil {
		records = []Record{}
	}
	e := newEvent(KindIPData)
	e.Records = records
	return e
}

// BlacklistData builds the result event of a blacklist fetch.
func BlacklistData(items []BlacklistItem) Event {
	if items == nil {
		items = []BlacklistItem{}
	}
	e := newEvent(KindBlacklistData)
	e.Blacklist = items
	return e
}

// RateLimited builds the once-per-streak rate limit notification for source.
func RateLimited(source Scope) Event {
	e := newEvent(KindRateLimited)
	e.Source = source
	return e
}

// Error builds an ERROR event.
func Error(scope Scope, message string) Event {
	e := newEvent(KindError)
	e.Failure = &Failure{Scope: scope, Message: message}
	return e
}

// Payload returns the notification payload as sent to the presentation layer.
func (e Event) Payload() interface{} {
	switch e.Kind {
	case KindIPData:
		return e.Records
	case KindBlacklistData:
		return e.Blacklist
	case KindRateLimited:
		return map[string]Scope{"source": e.Source}
	case KindError:
		return e.Failure
	}
	return nil
}

// MarshalJSON encodes the event as {"id", "notification", "at", "payload"}.
func (e Event) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		ID           string      `json:"id"`
		Notification Kind        `json:"notification"`
		At           time.Time   `json:"at"`
		Payload      interface{} `json:"payload"`
	}{e.ID, e.Kind, e.At, e.Payload()})
}

// Sink receives outbound events.
type Sink interface {
	Emit(Event)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(Event)

func (f SinkFunc) Emit(e Event) { f(e) }

// Fanout delivers every event to each sink in order.
type Fanout []Sink

func (f Fanout) Emit(e Event) {
	for _, s := range f {
		if s != nil {
			s.Emit(e)
		}
	}
}
