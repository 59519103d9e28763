package chat

import (
	"testing"
	"time"
)

func TestDeduperWindow(t *testing.T) {
	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	ev := ChatEvent{ViewerID: "1", RawText: "!play x"}

	tests := []struct {
		name   string
		offset time.Duration
		want   bool
	}{
		{"first sighting", 0, false},
		{"repeat inside window", 300 * time.Millisecond, true},
		{"out of order frame inside window", 100 * time.Millisecond, true},
		{"repeat after window", 2 * time.Second, false},
	}
	d := newDeduper(time.Second)
	for _, tt := range tests {
		if got := d.duplicate(ev, base.Add(tt.offset)); got != tt.want {
			t.Errorf("%s: duplicate = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestDeduperDisabled(t *testing.T) {
	d := newDeduper(-1)
	ev := ChatEvent{ViewerID: "1", RawText: "same"}
	now := time.Now()
	if d.duplicate(ev, now) || d.duplicate(ev, now) {
		t.Error("text dedup should be off with a negative window")
	}
	ev.MessageID = "abc"
	if d.duplicate(ev, now) {
		t.Error("first id sighting reported as duplicate")
	}
	if !d.duplicate(ev, now) {
		t.Error("repeated message id should be a duplicate even with text dedup off")
	}
}

func TestDeduperSweep(t *testing.T) {
	d := newDeduper(time.Second)
	now := time.Now()
	for i := 0; i < 10; i++ {
		d.duplicate(ChatEvent{ViewerID: string(rune('a' + i)), RawText: "x", MessageID: string(rune('a' + i))}, now)
	}
	d.duplicate(ChatEvent{ViewerID: "z", RawText: "y"}, now.Add(time.Minute))
	if len(d.texts) != 1 {
		t.Errorf("texts after sweep = %d, want 1", len(d.texts))
	}
	if len(d.ids) != 0 {
		t.Errorf("ids after sweep = %d, want 0", len(d.ids))
	}
}

func TestDeduperEngagementMatchedByIDOnly(t *testing.T) {
	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	d := newDeduper(time.Second)
	like := ChatEvent{Kind: EventLike, ViewerID: "1", Count: 10}

	if d.duplicate(like, base) || d.duplicate(like, base.Add(100*time.Millisecond)) {
		t.Error("repeated likes from one viewer must not be treated as duplicates")
	}
	gift := ChatEvent{Kind: EventGift, MessageID: "g1", ViewerID: "1", Value: 5}
	if d.duplicate(gift, base) {
		t.Error("first gift reported as duplicate")
	}
	if !d.duplicate(gift, base.Add(5*time.Second)) {
		t.Error("gift with a seen id should be dropped")
	}
}
