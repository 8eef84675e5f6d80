package sfu

import "testing"

func TestGradeBasisPoints(t *testing.T) {
	cases := []struct {
		score, total, want int
	}{
		{8, 10, 8000},
		{0, 10, 0},
		{10, 10, 10000},
		{1, 3, 3333},
		{5, 0, 0},
		{5, -1, 0},
	}
	for _, c := range cases {
		if got := GradeBasisPoints(c.score, c.total); got != c.want {
			t.Errorf("GradeBasisPoints(%d, %d) = %d, want %d", c.score, c.total, got, c.want)
		}
	}
}

func TestDependencyKeys(t *testing.T) {
	if got := RoomDependencyKey("123456"); got != "room:123456" {
		t.Fatalf("RoomDependencyKey = %q", got)
	}
	if got := ParticipantDependencyKey("123456", "0xabc"); got != "room:123456:participant:0xabc" {
		t.Fatalf("ParticipantDependencyKey = %q", got)
	}
	if got := ResultDependencyKey("r-1"); got != "result:r-1" {
		t.Fatalf("ResultDependencyKey = %q", got)
	}
}

func TestNopEventSinkDiscards(t *testing.T) {
	var s EventSink = NopEventSink{}
	s.Submit(Event{Kind: EventRoomCreated}) // must not panic
}
