package channel

import (
	"testing"
	"time"
)

func TestFilter(t *testing.T) {
	f := Filter{
		AllowedSenders: []string{"@alice:example.com", "@bob:example.com"},
		AllowedRooms:   []string{"!team:example.com"},
		IgnoredSenders: []string{"@bob:example.com"},
	}
	tests := []struct {
		room, sender string
		want         bool
	}{
		{"!team:example.com", "@alice:example.com", true},
		{"!team:example.com", "@bob:example.com", false},
		{"!team:example.com", "@eve:example.com", false},
		{"!other:example.com", "@alice:example.com", false},
	}
	for _, tt := range tests {
		if got := f.Allow(tt.room, tt.sender); got != tt.want {
			t.Errorf("Allow(%s, %s) = %v, want %v", tt.room, tt.sender, got, tt.want)
		}
	}

	var open Filter
	if !open.Allow("any", "anyone") {
		t.Error("empty filter rejected a message")
	}
	if !(Filter{AllowedSenders: []string{""}}).Allow("r", "s") {
		t.Error("blank allow list should allow all")
	}
}

func TestMessageConversion(t *testing.T) {
	at := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	m := Message{Source: "matrix", RoomID: "!r:x", MessageID: "$e", SenderID: "@alice:x", SenderName: "Alice", Text: "hi", SentAt: at}

	if m.Key() != "matrix:!r:x" {
		t.Errorf("Key = %q", m.Key())
	}
	s := m.Session()
	if s.Sender != "Alice" || s.ID != "$e" || !s.SentAt.Equal(at) {
		t.Errorf("Session = %+v", s)
	}

	m.SenderName = ""
	if m.Session().Sender != "@alice:x" {
		t.Error("sender id not used as fallback")
	}
}
