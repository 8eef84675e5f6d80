package sfu

import (
	"testing"

	"github.com/pion/webrtc/v3"
)

func TestMakeTrackID(t *testing.T) {
	got := MakeTrackID("proctor-1", KindVideo, "abc123")
	want := "proctor-1_video_abc123"
	if got != want {
		t.Fatalf("MakeTrackID = %q, want %q", got, want)
	}
}

func TestTrackKindOf(t *testing.T) {
	if trackKindOf(webrtc.RTPCodecTypeAudio) != KindAudio {
		t.Fatalf("expected audio codec type to map to KindAudio")
	}
	if trackKindOf(webrtc.RTPCodecTypeVideo) != KindVideo {
		t.Fatalf("expected video codec type to map to KindVideo")
	}
}

func TestStreamIDFor(t *testing.T) {
	if got := streamIDFor("proctor-1"); got != "stream_proctor-1" {
		t.Fatalf("streamIDFor = %q", got)
	}
}

func TestGetTrackUnknown(t *testing.T) {
	tm := NewTrackManager()
	if _, ok := tm.GetTrack("nope"); ok {
		t.Fatalf("expected unknown track to report not found")
	}
}

func TestCreateLocalTrackForPeerUnknownTrack(t *testing.T) {
	tm := NewTrackManager()
	if _, ok := tm.CreateLocalTrackForPeer("nope", "student-1"); ok {
		t.Fatalf("expected unknown track to report not found")
	}
}

func TestGetAllTrackIDsEmpty(t *testing.T) {
	tm := NewTrackManager()
	if ids := tm.GetAllTrackIDs(); len(ids) != 0 {
		t.Fatalf("expected no track ids, got %v", ids)
	}
}

func TestRemovePeerTracksNoOpOnUnknownPeer(t *testing.T) {
	tm := NewTrackManager()
	tm.RemovePeerTracks("ghost") // must not panic
	if ids := tm.GetAllTrackIDs(); len(ids) != 0 {
		t.Fatalf("expected no track ids, got %v", ids)
	}
}
