package sfu

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

// ErrDuplicateJoin is returned when a peer id that already holds a connection
// tries to join again; the caller should treat this as a no-op.
var ErrDuplicateJoin = errors.New("sfu: peer already connected")

const (
	renegotiationDebounce  = 150 * time.Millisecond
	studentWaitAttempts    = 15
	studentWaitInterval    = 200 * time.Millisecond
	trackNotifyBufferSize  = 4096
)

// RecordingResult is handed back when a per-peer recording is stopped.
type RecordingResult struct {
	PeerID     string
	FilePath   string
	CID        string
	GatewayURL string
}

// RecordingService is the control-plane contract the server needs from C6;
// RecordingSink (peer_connection.go) is the data-plane half of the same
// object, pushed a copy of every forwarded RTP packet.
type RecordingService interface {
	RecordingSink
	StartRecording(roomID, peerID string) error
	StopRecording(roomID, peerID string) (RecordingResult, error)
	StopAllInRoom(roomID string) []RecordingResult
	IsRecording(peerID string) bool
}

type trackNotification struct {
	peerID  string
	trackID string
}

// Server is the SFU aggregate: the connection table, the track/renegotiation
// bookkeeping the forwarding policy needs, and the glue between the room
// registry, the track manager, the recording sidecar and the event sink.
type Server struct {
	log        *zap.Logger
	api        *webrtc.API
	iceServers []webrtc.ICEServer

	tracks   *TrackManager
	rooms    *RoomRegistry
	recorder RecordingService
	events   EventSink

	mu                   sync.RWMutex
	connections          map[string]*Connection
	trackCounts          map[string]int
	pendingRenegotiation map[string]bool

	trackCh chan trackNotification

	renegotiationAttempts int64
}

// NewServer wires the aggregate together and starts its background
// track-notification processor. recorder and events may be nil, in which
// case recording and event emission are skipped entirely.
func NewServer(log *zap.Logger, api *webrtc.API, iceServers []webrtc.ICEServer, rooms *RoomRegistry, tracks *TrackManager, recorder RecordingService, events EventSink) *Server {
	if events == nil {
		events = NopEventSink{}
	}
	s := &Server{
		log:                  log,
		api:                  api,
		iceServers:           iceServers,
		tracks:               tracks,
		rooms:                rooms,
		recorder:             recorder,
		events:               events,
		connections:          make(map[string]*Connection),
		trackCounts:          make(map[string]int),
		pendingRenegotiation: make(map[string]bool),
		trackCh:              make(chan trackNotification, trackNotifyBufferSize),
	}
	go s.processTrackNotifications()
	return s
}

// onTrackArrived is the TrackArrivedFunc handed to every Connection; it only
// enqueues, so the on-track callback that calls it is never blocked on fan-out.
func (s *Server) onTrackArrived(peerID, trackID string) {
	select {
	case s.trackCh <- trackNotification{peerID: peerID, trackID: trackID}:
	default:
		s.log.Warn("track notification channel full, dropping", zap.String("peer_id", peerID), zap.String("track_id", trackID))
	}
}

func (s *Server) processTrackNotifications() {
	for note := range s.trackCh {
		s.handleTrackArrived(note.peerID, note.trackID)
	}
}

func (s *Server) handleTrackArrived(sourcePeerID, trackID string) {
	s.mu.Lock()
	s.trackCounts[sourcePeerID]++
	s.mu.Unlock()

	s.mu.RLock()
	sourceConn := s.connections[sourcePeerID]
	targets := make(map[string]*Connection, len(s.connections))
	for id, conn := range s.connections {
		if id == sourcePeerID {
			continue
		}
		targets[id] = conn
	}
	s.mu.RUnlock()

	for targetID, targetConn := range targets {
		if !s.rooms.ShouldForwardTrack(sourcePeerID, targetID) {
			continue
		}
		result, ok := s.tracks.CreateLocalTrackForPeer(trackID, targetID)
		if !ok {
			continue
		}
		if result.IsNew {
			if _, err := targetConn.AddTrack(result.Local); err != nil {
				s.log.Warn("add track to target connection failed",
					zap.String("target_peer_id", targetID), zap.String("track_id", trackID), zap.Error(err))
				continue
			}
			if result.IsVideo && sourceConn != nil {
				if err := sourceConn.SendPLI(result.SSRC); err != nil {
					s.log.Warn("pli for new subscriber failed", zap.String("track_id", trackID), zap.Error(err))
				}
			}
			s.armRenegotiation(targetID)
		}
	}
}

// armRenegotiation schedules a single debounced renegotiation for peerID.
// Concurrent arrivals within the window coalesce onto the same timer.
func (s *Server) armRenegotiation(peerID string) {
	s.mu.Lock()
	alreadyArmed := s.pendingRenegotiation[peerID]
	s.pendingRenegotiation[peerID] = true
	s.mu.Unlock()
	if alreadyArmed {
		return
	}
	time.AfterFunc(renegotiationDebounce, func() { s.renegotiate(peerID) })
}

func (s *Server) renegotiate(peerID string) {
	s.mu.Lock()
	delete(s.pendingRenegotiation, peerID)
	conn := s.connections[peerID]
	s.mu.Unlock()
	if conn == nil {
		return
	}

	atomic.AddInt64(&s.renegotiationAttempts, 1)

	if !conn.SignalingStable() {
		s.log.Info("renegotiation deferred, signaling state not stable", zap.String("peer_id", peerID))
		return
	}
	if err := conn.CreateAndSendRenegotiate(); err != nil {
		s.log.Warn("renegotiation offer failed", zap.String("peer_id", peerID), zap.Error(err))
	}
}

func (s *Server) isProctorReady(roomID string) bool {
	proctorID, ok := s.rooms.GetRoomProctor(roomID)
	if !ok {
		return false
	}
	s.mu.RLock()
	count := s.trackCounts[proctorID]
	s.mu.RUnlock()
	return count > 0
}

// admissibleTracksFor lists every currently-forwarded track id the policy
// allows to reach peerID.
func (s *Server) admissibleTracksFor(peerID string) []string {
	var out []string
	for _, id := range s.tracks.GetAllTrackIDs() {
		snap, ok := s.tracks.GetTrack(id)
		if !ok {
			continue
		}
		if s.rooms.ShouldForwardTrack(snap.SourcePeerID, peerID) {
			out = append(out, id)
		}
	}
	return out
}

func (s *Server) sourceConnectionByPeerID(peerID string) *Connection {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.connections[peerID]
}

// AddPeerWithRole admits a peer that has already been placed into a room by
// the signaling layer's CreateRoom/JoinRoom call, builds its peer connection,
// subscribes it to every track the policy admits, and sends the initial
// offer. Students wait (bounded) for the proctor to have at least one
// inbound track before joining, so the first offer already carries the
// proctor's stream.
func (s *Server) AddPeerWithRole(peerID, roomID string, role Role, send func(v interface{})) error {
	s.mu.Lock()
	if _, exists := s.connections[peerID]; exists {
		s.mu.Unlock()
		s.log.Warn("duplicate join attempt ignored", zap.String("peer_id", peerID))
		return ErrDuplicateJoin
	}
	s.mu.Unlock()

	peer, _ := s.rooms.GetPeer(peerID)

	if role == RoleStudent {
		for attempt := 0; attempt < studentWaitAttempts; attempt++ {
			if s.isProctorReady(roomID) {
				break
			}
			time.Sleep(studentWaitInterval)
		}
		if s.recorder != nil {
			if err := s.recorder.StartRecording(roomID, peerID); err != nil {
				s.log.Warn("start recording failed", zap.String("peer_id", peerID), zap.Error(err))
			} else {
				s.events.Submit(Event{
					Kind: EventRecordingStarted, DependencyKey: ParticipantDependencyKey(roomID, peerID),
					RoomID: roomID, PeerID: peerID,
				})
			}
		}
	}

	s.events.Submit(Event{
		Kind: EventParticipantJoined, DependencyKey: ParticipantDependencyKey(roomID, peerID),
		RoomID: roomID, PeerID: peerID, Name: peer.Name, Role: role, Wallet: peer.Wallet,
	})

	conn, err := NewConnection(s.api, s.iceServers, peerID, roomID, send, s.tracks, s.onTrackArrived, s.recorder, s.log)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.connections[peerID] = conn
	s.mu.Unlock()

	if err := conn.AddExistingTracks(s.admissibleTracksFor(peerID), s.sourceConnectionByPeerID); err != nil {
		s.log.Warn("subscribe to existing tracks failed", zap.String("peer_id", peerID), zap.Error(err))
	}

	return conn.CreateAndSendOffer()
}

// ApplyAnswer forwards a client's SDP answer to its peer connection.
func (s *Server) ApplyAnswer(peerID string, sdp webrtc.SessionDescription) error {
	conn := s.connectionFor(peerID)
	if conn == nil {
		return ErrRoomNotFound
	}
	return conn.ApplyAnswer(sdp)
}

// AddICECandidate forwards a client's trickled ICE candidate to its peer connection.
func (s *Server) AddICECandidate(peerID string, cand webrtc.ICECandidateInit) error {
	conn := s.connectionFor(peerID)
	if conn == nil {
		return ErrRoomNotFound
	}
	return conn.AddICECandidate(cand)
}

func (s *Server) connectionFor(peerID string) *Connection {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.connections[peerID]
}

// RemovePeer tears a peer out of the room registry, closes its connection,
// and purges its tracks, then emits the resulting domain events. For a
// proctor that is the room-close cascade (stop every recording in the room,
// mark the proctor's and every evicted student's departure, close the room),
// followed by closing the evicted students' connections; for a student it is
// stopping that student's own recording and marking its departure.
func (s *Server) RemovePeer(peerID string) {
	removed, evicted := s.rooms.RemovePeer(peerID)
	if removed == nil {
		return
	}

	s.mu.Lock()
	conn := s.connections[peerID]
	delete(s.connections, peerID)
	delete(s.trackCounts, peerID)
	delete(s.pendingRenegotiation, peerID)
	s.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	s.tracks.RemovePeerTracks(peerID)

	if removed.Role == RoleProctor {
		s.stopRoomRecordings(removed.RoomID)
		s.events.Submit(Event{
			Kind: EventParticipantLeft, DependencyKey: ParticipantDependencyKey(removed.RoomID, removed.ID),
			RoomID: removed.RoomID, PeerID: removed.ID, Name: removed.Name, Role: RoleProctor, Reason: LeaveProctorLeft,
		})
		for _, ev := range evicted {
			s.events.Submit(Event{
				Kind: EventParticipantLeft, DependencyKey: ParticipantDependencyKey(removed.RoomID, ev.ID),
				RoomID: removed.RoomID, PeerID: ev.ID, Name: ev.Name, Role: RoleStudent, Reason: LeaveRoomClosed,
			})
		}
		s.events.Submit(Event{
			Kind: EventRoomClosed, DependencyKey: RoomDependencyKey(removed.RoomID), RoomID: removed.RoomID,
		})
		s.closeEvictedStudents(evicted)
		return
	}

	// Student leaving normally: stop only its own recording.
	if s.recorder != nil && s.recorder.IsRecording(peerID) {
		result, err := s.recorder.StopRecording(removed.RoomID, peerID)
		if err != nil {
			s.log.Warn("stop recording failed", zap.String("peer_id", peerID), zap.Error(err))
		} else {
			s.events.Submit(Event{
				Kind: EventRecordingStopped, DependencyKey: ParticipantDependencyKey(removed.RoomID, peerID),
				RoomID: removed.RoomID, PeerID: peerID, FilePath: result.FilePath, CID: result.CID, GatewayURL: result.GatewayURL,
			})
		}
	}
	s.events.Submit(Event{
		Kind: EventParticipantLeft, DependencyKey: ParticipantDependencyKey(removed.RoomID, peerID),
		RoomID: removed.RoomID, PeerID: peerID, Name: removed.Name, Role: RoleStudent, Reason: LeaveNormal,
	})
}

func (s *Server) closeEvictedStudents(evicted []RemovedPeer) {
	for _, ev := range evicted {
		s.mu.Lock()
		conn := s.connections[ev.ID]
		delete(s.connections, ev.ID)
		delete(s.trackCounts, ev.ID)
		delete(s.pendingRenegotiation, ev.ID)
		s.mu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
		s.tracks.RemovePeerTracks(ev.ID)
	}
}

func (s *Server) stopRoomRecordings(roomID string) {
	if s.recorder == nil {
		return
	}
	for _, result := range s.recorder.StopAllInRoom(roomID) {
		s.events.Submit(Event{
			Kind: EventRecordingStopped, DependencyKey: ParticipantDependencyKey(roomID, result.PeerID),
			RoomID: roomID, PeerID: result.PeerID, FilePath: result.FilePath, CID: result.CID, GatewayURL: result.GatewayURL,
		})
	}
}

// SendTo writes an outbound envelope to peerID's socket, if it currently has
// a connection. Returns false if the peer is unknown.
func (s *Server) SendTo(peerID string, v interface{}) bool {
	conn := s.connectionFor(peerID)
	if conn == nil {
		return false
	}
	conn.Send(v)
	return true
}

// Rooms exposes the shared room registry for the signaling layer's routing
// decisions (JoinRequest forwarding, wallet attachment) that fall outside
// the peer-connection lifecycle this aggregate owns.
func (s *Server) Rooms() *RoomRegistry { return s.rooms }

// PeerCount reports the number of connections currently held, for health checks.
func (s *Server) PeerCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.connections)
}
