package sfu

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
)

// fakeEventSink collects submitted events for assertions instead of handing
// them to a real C7 pipeline.
type fakeEventSink struct {
	mu     sync.Mutex
	events []Event
}

func (f *fakeEventSink) Submit(e Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, e)
}

func (f *fakeEventSink) snapshot() []Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Event, len(f.events))
	copy(out, f.events)
	return out
}

func (f *fakeEventSink) reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = nil
}

// fakeRecorder is a RecordingService double keyed by peer id; it never
// touches ffmpeg or the loopback socket.
type fakeRecorder struct {
	mu        sync.Mutex
	recording map[string]bool
}

func (f *fakeRecorder) WriteRTP(string, TrackKind, []byte) {}

func (f *fakeRecorder) StartRecording(_, peerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.recording == nil {
		f.recording = make(map[string]bool)
	}
	f.recording[peerID] = true
	return nil
}

func (f *fakeRecorder) StopRecording(_, peerID string) (RecordingResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.recording, peerID)
	return RecordingResult{PeerID: peerID, FilePath: "/tmp/" + peerID + ".mp4"}, nil
}

func (f *fakeRecorder) StopAllInRoom(string) []RecordingResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []RecordingResult
	for id := range f.recording {
		out = append(out, RecordingResult{PeerID: id, FilePath: "/tmp/" + id + ".mp4"})
	}
	f.recording = nil
	return out
}

func (f *fakeRecorder) IsRecording(peerID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.recording[peerID]
}

func newTestServer(t *testing.T) (*Server, *fakeEventSink, *fakeRecorder) {
	t.Helper()
	api, err := NewAPI()
	if err != nil {
		t.Fatalf("NewAPI: %v", err)
	}
	iceServers := BuildICEServers(ICEConfig{STUNURL: "stun:stun.l.google.com:19302"})
	srv := NewServer(zap.NewNop(), api, iceServers, NewRoomRegistry(), NewTrackManager(), &fakeRecorder{}, &fakeEventSink{})
	return srv, srv.events.(*fakeEventSink), srv.recorder.(*fakeRecorder)
}

func noopSend(interface{}) {}

func TestAddPeerWithRoleProctorEmitsParticipantJoined(t *testing.T) {
	srv, sink, _ := newTestServer(t)
	roomID, err := srv.Rooms().CreateRoom("proctor-1", "Dr. Ada")
	if err != nil {
		t.Fatalf("CreateRoom: %v", err)
	}

	if err := srv.AddPeerWithRole("proctor-1", roomID, RoleProctor, noopSend); err != nil {
		t.Fatalf("AddPeerWithRole: %v", err)
	}

	events := sink.snapshot()
	if len(events) != 1 {
		t.Fatalf("want 1 event, got %d: %+v", len(events), events)
	}
	want := ParticipantDependencyKey(roomID, "proctor-1")
	if events[0].Kind != EventParticipantJoined || events[0].DependencyKey != want {
		t.Fatalf("got %+v, want kind=%s key=%s", events[0], EventParticipantJoined, want)
	}
}

func TestAddPeerWithRoleDuplicateJoinReturnsError(t *testing.T) {
	srv, _, _ := newTestServer(t)
	roomID, _ := srv.Rooms().CreateRoom("proctor-1", "Dr. Ada")

	if err := srv.AddPeerWithRole("proctor-1", roomID, RoleProctor, noopSend); err != nil {
		t.Fatalf("first AddPeerWithRole: %v", err)
	}
	if err := srv.AddPeerWithRole("proctor-1", roomID, RoleProctor, noopSend); err != ErrDuplicateJoin {
		t.Fatalf("got %v, want ErrDuplicateJoin", err)
	}
}

// TestRemovePeerProctorCascadeOrderingAndKeys drives a proctor leave with one
// evicted student and asserts both the event order spec.md's room-close
// cascade requires (every RecordingStopped/ParticipantLeft before RoomClosed)
// and that every event not scoped to the whole room carries a
// per-participant DependencyKey rather than the room-level one.
func TestRemovePeerProctorCascadeOrderingAndKeys(t *testing.T) {
	srv, sink, rec := newTestServer(t)
	roomID, err := srv.Rooms().CreateRoom("proctor-1", "Dr. Ada")
	if err != nil {
		t.Fatalf("CreateRoom: %v", err)
	}
	if err := srv.Rooms().JoinRoom(roomID, "student-1", "Bob"); err != nil {
		t.Fatalf("JoinRoom: %v", err)
	}

	if err := srv.AddPeerWithRole("proctor-1", roomID, RoleProctor, noopSend); err != nil {
		t.Fatalf("AddPeerWithRole proctor: %v", err)
	}
	if err := srv.AddPeerWithRole("student-1", roomID, RoleStudent, noopSend); err != nil {
		t.Fatalf("AddPeerWithRole student: %v", err)
	}
	// The student join already started a recording on student-1; give the
	// proctor one too so the cascade has more than one StopAllInRoom result.
	if err := rec.StartRecording(roomID, "proctor-1"); err != nil {
		t.Fatalf("StartRecording: %v", err)
	}

	sink.reset()
	srv.RemovePeer("proctor-1")

	events := sink.snapshot()
	kinds := make([]EventKind, len(events))
	for i, e := range events {
		kinds[i] = e.Kind
	}

	closedIdx := -1
	for i, e := range events {
		if e.Kind == EventRoomClosed {
			closedIdx = i
			break
		}
	}
	if closedIdx == -1 {
		t.Fatalf("no RoomClosed event emitted: %v", kinds)
	}
	if closedIdx != len(events)-1 {
		t.Fatalf("RoomClosed must be emitted last, got index %d of %d: %v", closedIdx, len(events), kinds)
	}
	for i, e := range events[:closedIdx] {
		if e.Kind != EventRecordingStopped && e.Kind != EventParticipantLeft {
			t.Fatalf("event %d before RoomClosed has unexpected kind %s: %v", i, e.Kind, kinds)
		}
	}

	wantProctorKey := ParticipantDependencyKey(roomID, "proctor-1")
	wantStudentKey := ParticipantDependencyKey(roomID, "student-1")
	wantRoomKey := RoomDependencyKey(roomID)

	sawProctorLeft, sawStudentLeft := false, false
	for _, e := range events {
		switch e.Kind {
		case EventRoomClosed:
			if e.DependencyKey != wantRoomKey {
				t.Errorf("RoomClosed DependencyKey = %q, want %q", e.DependencyKey, wantRoomKey)
			}
		case EventParticipantLeft:
			switch e.PeerID {
			case "proctor-1":
				sawProctorLeft = true
				if e.DependencyKey != wantProctorKey || e.Reason != LeaveProctorLeft {
					t.Errorf("proctor ParticipantLeft = %+v, want key=%s reason=%s", e, wantProctorKey, LeaveProctorLeft)
				}
			case "student-1":
				sawStudentLeft = true
				if e.DependencyKey != wantStudentKey || e.Reason != LeaveRoomClosed {
					t.Errorf("student ParticipantLeft = %+v, want key=%s reason=%s", e, wantStudentKey, LeaveRoomClosed)
				}
			default:
				t.Errorf("unexpected ParticipantLeft peer id %q", e.PeerID)
			}
		case EventRecordingStopped:
			if e.DependencyKey != wantProctorKey && e.DependencyKey != wantStudentKey {
				t.Errorf("RecordingStopped DependencyKey = %q, want a participant key", e.DependencyKey)
			}
		}
	}
	if !sawProctorLeft || !sawStudentLeft {
		t.Fatalf("expected ParticipantLeft for both proctor-1 and student-1, got %v", kinds)
	}
}

func TestArmRenegotiationCoalescesWithinDebounceWindow(t *testing.T) {
	srv, _, _ := newTestServer(t)
	roomID, err := srv.Rooms().CreateRoom("proctor-1", "Dr. Ada")
	if err != nil {
		t.Fatalf("CreateRoom: %v", err)
	}
	if err := srv.AddPeerWithRole("proctor-1", roomID, RoleProctor, noopSend); err != nil {
		t.Fatalf("AddPeerWithRole: %v", err)
	}

	srv.armRenegotiation("proctor-1")
	srv.armRenegotiation("proctor-1")
	srv.armRenegotiation("proctor-1")

	time.Sleep(renegotiationDebounce + 100*time.Millisecond)

	if got := atomic.LoadInt64(&srv.renegotiationAttempts); got != 1 {
		t.Fatalf("renegotiationAttempts = %d, want 1 (three arms within the window should coalesce)", got)
	}
}
