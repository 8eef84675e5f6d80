package recorder

import (
	"strings"
	"testing"

	"go.uber.org/zap"

	"github.com/proctorsfu/core/internal/sfu"
)

func TestBuildSDPDescribesFixedPayloadTypes(t *testing.T) {
	sdp := buildSDP(5004, 5006)
	for _, want := range []string{
		"m=video 5004 RTP/AVP 96",
		"a=rtpmap:96 VP8/90000",
		"m=audio 5006 RTP/AVP 97",
		"a=rtpmap:97 opus/48000/2",
	} {
		if !strings.Contains(sdp, want) {
			t.Errorf("buildSDP missing %q, got:\n%s", want, sdp)
		}
	}
}

func TestNewServiceDefaultsOutputDir(t *testing.T) {
	svc := NewService("", "", nil, nil, zap.NewNop())
	if svc.outputDir == "" {
		t.Fatal("expected a non-empty default output dir")
	}
}

func TestIsRecordingUnknownPeer(t *testing.T) {
	svc := NewService(t.TempDir(), "", nil, nil, zap.NewNop())
	if svc.IsRecording("nobody") {
		t.Fatal("expected false for a peer with no pipeline")
	}
}

func TestStopRecordingUnknownPeerErrors(t *testing.T) {
	svc := NewService(t.TempDir(), "", nil, nil, zap.NewNop())
	if _, err := svc.StopRecording("room1", "nobody"); err == nil {
		t.Fatal("expected an error stopping a recording that was never started")
	}
}

func TestStopAllInRoomEmptyIsEmpty(t *testing.T) {
	svc := NewService(t.TempDir(), "", nil, nil, zap.NewNop())
	results := svc.StopAllInRoom("room1")
	if len(results) != 0 {
		t.Fatalf("expected no results, got %d", len(results))
	}
}

func TestWriteRTPNoOpsWithoutPipeline(t *testing.T) {
	svc := NewService(t.TempDir(), "", nil, nil, zap.NewNop())
	svc.WriteRTP("nobody", sfu.KindVideo, []byte{0x80, 96, 0, 0})
}

func TestPipelineWriteRTPNoOpsUnlessRecording(t *testing.T) {
	p := &pipeline{state: StateIdle}
	p.writeRTP(sfu.KindVideo, []byte{0x80, 0x60, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0})
}

func TestPipelineWriteRTPIgnoresShortPacket(t *testing.T) {
	p := &pipeline{state: StateRecording}
	p.writeRTP(sfu.KindVideo, []byte{0x80})
}
