package rotation

import (
	"sync"

	"github.com/StefanGrimminck/threatfeed/internal/feed"
)

// WindowSize is the number of IPs visible at once.
const WindowSize = 3

// Store accumulates records across cycles keyed by IP. A later record for the
// same IP replaces the earlier one; nothing is ever removed.
type Store struct {
	mu      sync.RWMutex
	records map[string]feed.Record
}

func NewStore() *Store {
	return &Store{records: make(map[string]feed.Record)}
}

// Merge stores every record with a non-empty IP and returns how many were stored.
func (s *Store) Merge(recs []feed.Record) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, r := range recs {
		if r.IPAddress == "" {
			continue
		}
		s.records[r.IPAddress] = r
		n++
	}
	return n
}

func (s *Store) Get(ip string) (feed.Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.records[ip]
	return r, ok
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// Lookup returns a record by IP.
type Lookup func(ip string) (feed.Record, bool)

// Window returns the records for ips[offset:offset+WindowSize], in list order.
// IPs without a record are omitted; the window does not wrap past the end of the list.
func Window(ips []string, get Lookup, offset int) []feed.Record {
	if len(ips) == 0 || offset < 0 || offset >= len(ips) {
		return []feed.Record{}
	}
	end := offset + WindowSize
	if end > len(ips) {
		end = len(ips)
	}
	out := make([]feed.Record, 0, WindowSize)
	for _, ip := range ips[offset:end] {
		if r, ok := get(ip); ok {
			out = append(out, r)
		}
	}
	return out
}

// Advance returns the offset after one rotation tick over n IPs. With no IPs the
// offset stays put.
func Advance(offset, n int) int {
	if n <= 0 {
		return offset
	}
	return (offset + WindowSize) % n
}

// Risk buckets a confidence score for display.
type Risk string

const (
	RiskLow    Risk = "low"
	RiskMedium Risk = "medium"
	RiskHigh   Risk = "high"
)

func RiskLevel(score int) Risk {
	switch {
	case score >= 76:
		return RiskHigh
	case score >= 26:
		return RiskMedium
	default:
		return RiskLow
	}
}
