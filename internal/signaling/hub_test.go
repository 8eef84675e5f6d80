package signaling

import (
	"sync"
	"testing"

	"go.uber.org/zap"

	"github.com/proctorsfu/core/internal/sfu"
)

func TestEncodeDecodeWalletRoundTrip(t *testing.T) {
	raw := []byte{0xde, 0xad, 0xbe, 0xef}
	encoded := encodeWallet(raw)
	if encoded != "0xdeadbeef" {
		t.Fatalf("encodeWallet = %q, want 0xdeadbeef", encoded)
	}
	decoded := decodeWallet(encoded)
	if string(decoded) != string(raw) {
		t.Fatalf("decodeWallet(%q) = %x, want %x", encoded, decoded, raw)
	}
}

func TestDecodeWalletWithoutPrefix(t *testing.T) {
	decoded := decodeWallet("deadbeef")
	if len(decoded) != 4 {
		t.Fatalf("expected 4 decoded bytes, got %d", len(decoded))
	}
}

func TestDecodeWalletEmptyIsNil(t *testing.T) {
	if decodeWallet("") != nil {
		t.Fatal("expected nil for empty wallet string")
	}
}

func TestDecodeWalletInvalidHexIsNil(t *testing.T) {
	if decodeWallet("0xzz") != nil {
		t.Fatal("expected nil for invalid hex")
	}
}

func TestEncodeWalletEmptyIsEmptyString(t *testing.T) {
	if encodeWallet(nil) != "" {
		t.Fatal("expected empty string for nil wallet bytes")
	}
}

// fakeEventSink and fakeRecorder are the same kind of test doubles
// internal/sfu's own tests use, but defined here since sfu's are unexported.

type fakeEventSink struct {
	mu     sync.Mutex
	events []sfu.Event
}

func (f *fakeEventSink) Submit(e sfu.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, e)
}

func (f *fakeEventSink) snapshot() []sfu.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]sfu.Event, len(f.events))
	copy(out, f.events)
	return out
}

type fakeRecorder struct {
	mu        sync.Mutex
	recording map[string]bool
}

func (f *fakeRecorder) WriteRTP(string, sfu.TrackKind, []byte) {}

func (f *fakeRecorder) StartRecording(_, peerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.recording == nil {
		f.recording = make(map[string]bool)
	}
	f.recording[peerID] = true
	return nil
}

func (f *fakeRecorder) StopRecording(_, peerID string) (sfu.RecordingResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.recording, peerID)
	return sfu.RecordingResult{PeerID: peerID, FilePath: "/tmp/" + peerID + ".mp4"}, nil
}

func (f *fakeRecorder) StopAllInRoom(string) []sfu.RecordingResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []sfu.RecordingResult
	for id := range f.recording {
		out = append(out, sfu.RecordingResult{PeerID: id, FilePath: "/tmp/" + id + ".mp4"})
	}
	f.recording = nil
	return out
}

func (f *fakeRecorder) IsRecording(peerID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.recording[peerID]
}

// collector gathers the outbound envelopes a handler sends, in order.
type collector struct {
	mu   sync.Mutex
	msgs []interface{}
}

func (c *collector) send(v interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = append(c.msgs, v)
}

func (c *collector) snapshot() []interface{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]interface{}, len(c.msgs))
	copy(out, c.msgs)
	return out
}

func newTestHub(t *testing.T) (*Hub, *fakeEventSink, *fakeRecorder) {
	t.Helper()
	api, err := sfu.NewAPI()
	if err != nil {
		t.Fatalf("NewAPI: %v", err)
	}
	iceServers := sfu.BuildICEServers(sfu.ICEConfig{STUNURL: "stun:stun.l.google.com:19302"})
	rooms := sfu.NewRoomRegistry()
	rec := &fakeRecorder{}
	sink := &fakeEventSink{}
	srv := sfu.NewServer(zap.NewNop(), api, iceServers, rooms, sfu.NewTrackManager(), rec, sink)
	hub := NewHub(zap.NewNop(), srv, rooms, rec, sink)
	return hub, sink, rec
}

// TestHandleCreateRoomEmitsRoomCreatedEvent covers the one hub handler that
// is room-scoped rather than participant-scoped: RoomCreated must use the
// plain room key, not a participant one.
func TestHandleCreateRoomEmitsRoomCreatedEvent(t *testing.T) {
	hub, sink, _ := newTestHub(t)
	var out collector

	hub.handleCreateRoom(Inbound{PeerID: "proctor-1", Name: "Dr. Ada"}, out.send)

	var roomID string
	for _, m := range out.snapshot() {
		if rc, ok := m.(roomCreated); ok {
			roomID = rc.RoomID
		}
	}
	if roomID == "" {
		t.Fatalf("expected a roomCreated envelope, got %+v", out.snapshot())
	}

	// handleCreateRoom also admits the proctor through AddPeerWithRole, which
	// emits the proctor's ParticipantJoined right after RoomCreated.
	events := sink.snapshot()
	if len(events) != 2 || events[0].Kind != sfu.EventRoomCreated || events[1].Kind != sfu.EventParticipantJoined {
		t.Fatalf("want RoomCreated then ParticipantJoined, got %+v", events)
	}
	if want := sfu.RoomDependencyKey(roomID); events[0].DependencyKey != want {
		t.Fatalf("RoomCreated DependencyKey = %q, want %q", events[0].DependencyKey, want)
	}
}

func TestHandleKickParticipantEmitsParticipantKeyedEvent(t *testing.T) {
	hub, sink, _ := newTestHub(t)
	roomID, err := hub.rooms.CreateRoom("proctor-1", "Dr. Ada")
	if err != nil {
		t.Fatalf("CreateRoom: %v", err)
	}
	if err := hub.rooms.JoinRoom(roomID, "student-1", "Bob"); err != nil {
		t.Fatalf("JoinRoom: %v", err)
	}

	hub.handleKickParticipant(Inbound{RoomID: roomID, PeerID: "student-1", Reason: "cheating"})

	// Removing the kicked peer emits its ParticipantLeft before the hub emits
	// ParticipantKicked.
	events := sink.snapshot()
	if len(events) != 2 || events[0].Kind != sfu.EventParticipantLeft || events[1].Kind != sfu.EventParticipantKicked {
		t.Fatalf("want ParticipantLeft then ParticipantKicked, got %+v", events)
	}
	want := sfu.ParticipantDependencyKey(roomID, "student-1")
	if events[1].DependencyKey != want {
		t.Fatalf("ParticipantKicked DependencyKey = %q, want %q", events[1].DependencyKey, want)
	}
	if _, ok := hub.rooms.GetPeer("student-1"); ok {
		t.Fatalf("expected student-1 to be removed from the registry")
	}
}

func TestHandleStartAndStopRecordingUseParticipantKey(t *testing.T) {
	hub, sink, _ := newTestHub(t)
	roomID, err := hub.rooms.CreateRoom("proctor-1", "Dr. Ada")
	if err != nil {
		t.Fatalf("CreateRoom: %v", err)
	}
	var out collector

	hub.handleStartRecording(Inbound{RoomID: roomID, PeerID: "proctor-1"}, out.send)
	hub.handleStopRecording(Inbound{RoomID: roomID, PeerID: "proctor-1"}, out.send)

	events := sink.snapshot()
	if len(events) != 2 {
		t.Fatalf("want 2 events, got %+v", events)
	}
	want := sfu.ParticipantDependencyKey(roomID, "proctor-1")
	if events[0].Kind != sfu.EventRecordingStarted || events[0].DependencyKey != want {
		t.Errorf("RecordingStarted = %+v, want key %q", events[0], want)
	}
	if events[1].Kind != sfu.EventRecordingStopped || events[1].DependencyKey != want {
		t.Errorf("RecordingStopped = %+v, want key %q", events[1], want)
	}
}

// TestHandleStopAllRecordingsKeysEachEventByItsOwnPeer is the case the
// review flagged: a room-wide stop must still key each emitted event by the
// participant it belongs to, not by the room.
func TestHandleStopAllRecordingsKeysEachEventByItsOwnPeer(t *testing.T) {
	hub, sink, rec := newTestHub(t)
	roomID, err := hub.rooms.CreateRoom("proctor-1", "Dr. Ada")
	if err != nil {
		t.Fatalf("CreateRoom: %v", err)
	}
	if err := hub.rooms.JoinRoom(roomID, "student-1", "Bob"); err != nil {
		t.Fatalf("JoinRoom: %v", err)
	}
	_ = rec.StartRecording(roomID, "proctor-1")
	_ = rec.StartRecording(roomID, "student-1")

	var out collector
	hub.handleStopAllRecordings(Inbound{RoomID: roomID}, out.send)

	events := sink.snapshot()
	if len(events) != 2 {
		t.Fatalf("want 2 RecordingStopped events, got %+v", events)
	}
	seen := map[string]bool{}
	for _, e := range events {
		if e.Kind != sfu.EventRecordingStopped {
			t.Errorf("unexpected event kind %s", e.Kind)
		}
		if want := sfu.ParticipantDependencyKey(roomID, e.PeerID); e.DependencyKey != want {
			t.Errorf("event for %s has DependencyKey %q, want %q", e.PeerID, e.DependencyKey, want)
		}
		seen[e.PeerID] = true
	}
	if !seen["proctor-1"] || !seen["student-1"] {
		t.Fatalf("expected one event each for proctor-1 and student-1, got %+v", events)
	}
}

func TestHandleReportSuspiciousActivityEmitsParticipantKeyedEvent(t *testing.T) {
	hub, sink, _ := newTestHub(t)
	roomID, err := hub.rooms.CreateRoom("proctor-1", "Dr. Ada")
	if err != nil {
		t.Fatalf("CreateRoom: %v", err)
	}
	if err := hub.rooms.JoinRoom(roomID, "student-1", "Bob"); err != nil {
		t.Fatalf("JoinRoom: %v", err)
	}

	var out collector
	hub.handleReportSuspiciousActivity(Inbound{RoomID: roomID, PeerID: "student-1"}, out.send)

	events := sink.snapshot()
	if len(events) != 1 || events[0].Kind != sfu.EventSuspiciousActivity {
		t.Fatalf("want 1 SuspiciousActivity event, got %+v", events)
	}
	if want := sfu.ParticipantDependencyKey(roomID, "student-1"); events[0].DependencyKey != want {
		t.Fatalf("DependencyKey = %q, want %q", events[0].DependencyKey, want)
	}
}
