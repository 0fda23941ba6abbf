package rotation

import (
	"reflect"
	"testing"

	"github.com/StefanGrimminck/threatfeed/internal/feed"
)

func TestAdvance_SevenIPs(t *testing.T) {
	want := []int{0, 3, 6, 2, 5, 1, 4, 0, 3}
	off := 0
	for i, w := range want {
		if off != w {
			t.Fatalf("step %d: offset = %d, want %d", i, off, w)
		}
		off = Advance(off, 7)
	}
}

func TestAdvance_EmptyList(t *testing.T) {
	if got := Advance(0, 0); got != 0 {
		t.Errorf("Advance(0, 0) = %d", got)
	}
}

func TestAdvance_ShortList(t *testing.T) {
	if got := Advance(0, 2); got != 1 {
		t.Errorf("Advance(0, 2) = %d, want 1", got)
	}
	if got := Advance(0, 3); got != 0 {
		t.Errorf("Advance(0, 3) = %d, want 0", got)
	}
}

func ips(recs []feed.Record) []string {
	out := make([]string, 0, len(recs))
	for _, r := range recs {
		out = append(out, r.IPAddress)
	}
	return out
}

func TestWindow(t *testing.T) {
	list := []string{"a", "b", "c", "d", "e", "f", "g"}
	s := NewStore()
	s.Merge([]feed.Record{{IPAddress: "a"}, {IPAddress: "c"}, {IPAddress: "d"}, {IPAddress: "e"}, {IPAddress: "f"}, {IPAddress: "g"}})

	tests := []struct {
		offset int
		want   []string
	}{
		{0, []string{"a", "c"}},
		{3, []string{"d", "e", "f"}},
		{6, []string{"g"}},
		{7, []string{}},
		{-1, []string{}},
	}
	for _, tt := range tests {
		got := ips(Window(list, s.Get, tt.offset))
		if !reflect.DeepEqual(got, tt.want) {
			t.Errorf("Window(offset=%d) = %v, want %v", tt.offset, got, tt.want)
		}
	}
	if got := Window(nil, s.Get, 0); len(got) != 0 {
		t.Errorf("empty list window = %v", got)
	}
}

func TestWindow_NeverMoreThanThree(t *testing.T) {
	list := []string{"a", "b", "c", "d", "e", "f", "g"}
	s := NewStore()
	for _, ip := range list {
		s.Merge([]feed.Record{{IPAddress: ip}})
	}
	off := 0
	for i := 0; i < 10; i++ {
		if n := len(Window(list, s.Get, off)); n > WindowSize {
			t.Fatalf("window at %d has %d records", off, n)
		}
		off = Advance(off, len(list))
	}
}

func TestStore_OverwriteByIP(t *testing.T) {
	s := NewStore()
	s.Merge([]feed.Record{{IPAddress: "1.1.1.1", AbuseConfidenceScore: 10}, {IPAddress: ""}})
	if n := s.Merge([]feed.Record{{IPAddress: "1.1.1.1", AbuseConfidenceScore: 90}}); n != 1 {
		t.Errorf("Merge stored %d", n)
	}
	if s.Len() != 1 {
		t.Fatalf("Len = %d", s.Len())
	}
	r, ok := s.Get("1.1.1.1")
	if !ok || r.AbuseConfidenceScore != 90 {
		t.Errorf("record = %+v", r)
	}
}

func TestRiskLevel(t *testing.T) {
	tests := map[int]Risk{0: RiskLow, 25: RiskLow, 26: RiskMedium, 75: RiskMedium, 76: RiskHigh, 100: RiskHigh}
	for score, want := range tests {
		if got := RiskLevel(score); got != want {
			t.Errorf("RiskLevel(%d) = %s, want %s", score, got, want)
		}
	}
}
