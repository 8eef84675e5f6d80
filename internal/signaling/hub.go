package signaling

import (
	"encoding/hex"
	"strings"
	"sync"

	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"

	"github.com/proctorsfu/core/internal/sfu"
)

// pendingStudent is a JoinRequest that has not yet been approved or denied.
type pendingStudent struct {
	roomID string
	name   string
	role   string
	wallet []byte
	send   func(v interface{})
}

// Hub is the shared state every Client's dispatch loop operates against: the
// SFU aggregate, the room registry it shares with the aggregate, the
// recording sidecar, the event sink, and the pending-student table that
// precedes a Join.
type Hub struct {
	log      *zap.Logger
	server   *sfu.Server
	rooms    *sfu.RoomRegistry
	recorder sfu.RecordingService
	events   sfu.EventSink

	mu      sync.Mutex
	pending map[string]*pendingStudent
}

// NewHub wires a signaling Hub on top of an already-constructed SFU
// aggregate. recorder and events may be nil.
func NewHub(log *zap.Logger, server *sfu.Server, rooms *sfu.RoomRegistry, recorder sfu.RecordingService, events sfu.EventSink) *Hub {
	if events == nil {
		events = sfu.NopEventSink{}
	}
	return &Hub{
		log:      log,
		server:   server,
		rooms:    rooms,
		recorder: recorder,
		events:   events,
		pending:  make(map[string]*pendingStudent),
	}
}

func decodeWallet(s string) []byte {
	s = strings.TrimPrefix(s, "0x")
	if s == "" {
		return nil
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil
	}
	return b
}

func encodeWallet(b []byte) string {
	if len(b) == 0 {
		return ""
	}
	return "0x" + hex.EncodeToString(b)
}

// handleCreateRoom implements the CreateRoom inbound envelope.
func (h *Hub) handleCreateRoom(env Inbound, send func(v interface{})) {
	roomID, err := h.rooms.CreateRoom(env.PeerID, env.Name)
	if err != nil {
		send(newError(err.Error()))
		return
	}
	if wallet := decodeWallet(env.Wallet); wallet != nil {
		h.rooms.SetWallet(env.PeerID, wallet)
	}
	send(roomCreated{Type: "RoomCreated", RoomID: roomID})
	h.events.Submit(sfu.Event{
		Kind: sfu.EventRoomCreated, DependencyKey: sfu.RoomDependencyKey(roomID),
		RoomID: roomID, PeerID: env.PeerID, Name: env.Name, Role: sfu.RoleProctor,
	})
	if err := h.server.AddPeerWithRole(env.PeerID, roomID, sfu.RoleProctor, send); err != nil {
		h.log.Warn("add proctor peer failed", zap.String("peer_id", env.PeerID), zap.Error(err))
	}
}

// handleJoinRequest implements the JoinRequest inbound envelope: register a
// pending student and forward the request to the room's proctor socket.
func (h *Hub) handleJoinRequest(env Inbound, send func(v interface{})) {
	proctorID, ok := h.rooms.GetRoomProctor(env.RoomID)
	if !ok {
		send(newError("room does not exist"))
		return
	}
	h.mu.Lock()
	h.pending[env.PeerID] = &pendingStudent{
		roomID: env.RoomID,
		name:   env.Name,
		role:   env.Role,
		wallet: decodeWallet(env.Wallet),
		send:   send,
	}
	h.mu.Unlock()

	forwarded := h.server.SendTo(proctorID, joinRequestForward{
		Type:            "JoinRequest",
		RoomID:          env.RoomID,
		PeerID:          env.PeerID,
		Name:            env.Name,
		Role:            env.Role,
		Wallet:          env.Wallet,
		RequesterPeerID: env.PeerID,
	})
	if !forwarded {
		send(newError("proctor is not connected"))
		return
	}
	send(joinRequestSent{Type: "join_request_sent"})
}

// handleJoinResponse implements the JoinResponse inbound envelope: route the
// approval/denial back to the pending (or already-connected) student.
func (h *Hub) handleJoinResponse(env Inbound) {
	h.mu.Lock()
	p, ok := h.pending[env.RequesterPeerID]
	h.mu.Unlock()

	var target func(v interface{})
	if ok {
		target = p.send
	} else {
		conn := env.RequesterPeerID
		target = func(v interface{}) { h.server.SendTo(conn, v) }
	}

	if env.Approved {
		target(joinApproved{Type: "join_approved", RoomID: env.RoomID})
	} else {
		target(joinDenied{Type: "join_denied", RoomID: env.RoomID})
		h.mu.Lock()
		delete(h.pending, env.RequesterPeerID)
		h.mu.Unlock()
	}
}

// handleJoin implements the Join inbound envelope for both roles.
func (h *Hub) handleJoin(env Inbound, send func(v interface{})) error {
	h.mu.Lock()
	delete(h.pending, env.PeerID)
	h.mu.Unlock()

	role := sfu.RoleStudent
	if env.Role == string(sfu.RoleProctor) {
		role = sfu.RoleProctor
	}

	if role == sfu.RoleProctor {
		h.rooms.AddPeer(&sfu.Peer{ID: env.PeerID, Role: sfu.RoleProctor, RoomID: env.RoomID, Name: env.Name})
	} else if err := h.rooms.JoinRoom(env.RoomID, env.PeerID, env.Name); err != nil {
		send(newError(err.Error()))
		return err
	}
	if wallet := decodeWallet(env.Wallet); wallet != nil {
		h.rooms.SetWallet(env.PeerID, wallet)
	}

	if err := h.server.AddPeerWithRole(env.PeerID, env.RoomID, role, send); err != nil && err != sfu.ErrDuplicateJoin {
		send(newError(err.Error()))
		return err
	}
	return nil
}

// handleLeave implements the Leave inbound envelope; the socket-close path
// funnels into it as well.
func (h *Hub) handleLeave(peerID string) {
	h.mu.Lock()
	delete(h.pending, peerID)
	h.mu.Unlock()
	peer, _ := h.rooms.GetPeer(peerID)
	h.server.RemovePeer(peerID)
	if peer.RoomID != "" && peer.Role == sfu.RoleStudent {
		if proctorID, ok := h.rooms.GetRoomProctor(peer.RoomID); ok {
			h.server.SendTo(proctorID, participantLeft{
				Type: "ParticipantLeft", RoomID: peer.RoomID, PeerID: peerID, Name: peer.Name,
			})
		}
	}
}

func (h *Hub) handleAnswer(env Inbound, send func(v interface{})) {
	if err := h.server.ApplyAnswer(env.PeerID, webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: env.SDP}); err != nil {
		send(newError("invalid answer: " + err.Error()))
	}
}

func (h *Hub) handleICECandidate(env Inbound, send func(v interface{})) {
	cand := webrtc.ICECandidateInit{Candidate: env.Candidate, SDPMid: env.SDPMid, SDPMLineIndex: env.SDPMLineIndex}
	if err := h.server.AddICECandidate(env.PeerID, cand); err != nil {
		h.log.Debug("add ice candidate failed", zap.String("peer_id", env.PeerID), zap.Error(err))
	}
}

func (h *Hub) handleKickParticipant(env Inbound) {
	h.server.SendTo(env.PeerID, participantKicked{Type: "ParticipantKicked", RoomID: env.RoomID, PeerID: env.PeerID, Reason: env.Reason})
	peer, _ := h.rooms.GetPeer(env.PeerID)
	h.server.RemovePeer(env.PeerID)
	h.events.Submit(sfu.Event{
		Kind: sfu.EventParticipantKicked, DependencyKey: sfu.ParticipantDependencyKey(env.RoomID, env.PeerID),
		RoomID: env.RoomID, PeerID: env.PeerID, Name: peer.Name, KickReason: env.Reason,
	})
}

func (h *Hub) handleStartRecording(env Inbound, send func(v interface{})) {
	if h.recorder == nil {
		send(recordingError{Type: "RecordingError", RoomID: env.RoomID, PeerID: env.PeerID, Error: "recording disabled"})
		return
	}
	if err := h.recorder.StartRecording(env.RoomID, env.PeerID); err != nil {
		send(recordingError{Type: "RecordingError", RoomID: env.RoomID, PeerID: env.PeerID, Error: err.Error()})
		return
	}
	send(recordingStarted{Type: "RecordingStarted", RoomID: env.RoomID, PeerID: env.PeerID})
	h.events.Submit(sfu.Event{Kind: sfu.EventRecordingStarted, DependencyKey: sfu.ParticipantDependencyKey(env.RoomID, env.PeerID), RoomID: env.RoomID, PeerID: env.PeerID})
}

func (h *Hub) handleStopRecording(env Inbound, send func(v interface{})) {
	if h.recorder == nil {
		send(recordingError{Type: "RecordingError", RoomID: env.RoomID, PeerID: env.PeerID, Error: "recording disabled"})
		return
	}
	result, err := h.recorder.StopRecording(env.RoomID, env.PeerID)
	if err != nil {
		send(recordingError{Type: "RecordingError", RoomID: env.RoomID, PeerID: env.PeerID, Error: err.Error()})
		return
	}
	send(recordingStopped{
		Type: "RecordingStopped", RoomID: env.RoomID, PeerID: env.PeerID,
		FilePath: result.FilePath, CID: result.CID, GatewayURL: result.GatewayURL,
	})
	h.events.Submit(sfu.Event{
		Kind: sfu.EventRecordingStopped, DependencyKey: sfu.ParticipantDependencyKey(env.RoomID, env.PeerID),
		RoomID: env.RoomID, PeerID: env.PeerID, FilePath: result.FilePath, CID: result.CID, GatewayURL: result.GatewayURL,
	})
}

func (h *Hub) handleStopAllRecordings(env Inbound, send func(v interface{})) {
	if h.recorder == nil {
		send(allRecordingsStopped{Type: "AllRecordingsStopped"})
		return
	}
	results := h.recorder.StopAllInRoom(env.RoomID)
	out := make([]recordingStopped, 0, len(results))
	for _, r := range results {
		out = append(out, recordingStopped{
			Type: "RecordingStopped", RoomID: env.RoomID, PeerID: r.PeerID,
			FilePath: r.FilePath, CID: r.CID, GatewayURL: r.GatewayURL,
		})
		h.events.Submit(sfu.Event{
			Kind: sfu.EventRecordingStopped, DependencyKey: sfu.ParticipantDependencyKey(env.RoomID, r.PeerID),
			RoomID: env.RoomID, PeerID: r.PeerID, FilePath: r.FilePath, CID: r.CID, GatewayURL: r.GatewayURL,
		})
	}
	send(allRecordingsStopped{Type: "AllRecordingsStopped", Recordings: out})
}

func (h *Hub) handleGetRecordingStatus(env Inbound, send func(v interface{})) {
	var peers []string
	for _, p := range h.rooms.GetRoomPeers(env.RoomID) {
		if h.recorder != nil && h.recorder.IsRecording(p.ID) {
			peers = append(peers, p.ID)
		}
	}
	send(recordingStatus{Type: "RecordingStatus", RecordingPeers: peers})
}

func (h *Hub) handleStartIDVerification(env Inbound) {
	h.server.SendTo(env.PeerID, idVerificationStatus{Type: "id_verification_status", Status: "pending"})
}

func (h *Hub) handleIDVerificationResult(env Inbound) {
	h.events.Submit(sfu.Event{
		Kind: sfu.EventIDVerification, DependencyKey: sfu.ParticipantDependencyKey(env.RoomID, env.PeerID),
		RoomID: env.RoomID, PeerID: env.PeerID, Status: env.Status,
	})
	h.server.SendTo(env.PeerID, idVerificationStatus{Type: "id_verification_status", Status: env.Status})
}

func (h *Hub) handleReportSuspiciousActivity(env Inbound, send func(v interface{})) {
	h.events.Submit(sfu.Event{
		Kind: sfu.EventSuspiciousActivity, DependencyKey: sfu.ParticipantDependencyKey(env.RoomID, env.PeerID),
		RoomID: env.RoomID, PeerID: env.PeerID,
	})
	if proctorID, ok := h.rooms.GetRoomProctor(env.RoomID); ok {
		h.server.SendTo(proctorID, suspiciousActivityReported{Type: "SuspiciousActivityReported"})
	}
	send(suspiciousActivityReported{Type: "SuspiciousActivityReported"})
}

func (h *Hub) handleSubmitExamResult(env Inbound, send func(v interface{})) {
	grade := sfu.GradeBasisPoints(env.Score, env.Total)
	peer, _ := h.rooms.GetPeer(env.PeerID)
	h.events.Submit(sfu.Event{
		Kind: sfu.EventCreateExamResult, DependencyKey: sfu.ResultDependencyKey(env.PeerID),
		RoomID: env.RoomID, PeerID: env.PeerID, GradeBasisPts: grade, ExamName: env.ExamName,
	})
	h.events.Submit(sfu.Event{
		Kind: sfu.EventUpdateExamResultGrade, DependencyKey: sfu.ResultDependencyKey(env.PeerID),
		RoomID: env.RoomID, PeerID: env.PeerID, GradeBasisPts: grade, Wallet: peer.Wallet,
	})
	send(examResultSubmitted{Type: "ExamResultSubmitted", Grade: grade})
}
