// Package signaling implements the per-socket state machine that sits
// between the WebSocket transport and the SFU aggregate: it decodes the
// tagged-union message envelope, drives room/peer lifecycle operations, and
// routes server-originated envelopes back out to the right sockets.
package signaling

// Inbound is the flat tagged-union envelope every client message decodes
// into. The `type` field selects which of the optional fields apply; see the
// Client.dispatch switch for the mapping.
type Inbound struct {
	Type string `json:"type"`

	PeerID          string  `json:"peer_id,omitempty"`
	RoomID          string  `json:"room_id,omitempty"`
	Name            string  `json:"name,omitempty"`
	Role            string  `json:"role,omitempty"`
	Wallet          string  `json:"wallet,omitempty"`
	RequesterPeerID string  `json:"requester_peer_id,omitempty"`
	Approved        bool    `json:"approved,omitempty"`
	SDP             string  `json:"sdp,omitempty"`
	Candidate       string  `json:"candidate,omitempty"`
	SDPMid          *string `json:"sdp_mid,omitempty"`
	SDPMLineIndex   *uint16 `json:"sdp_mline_index,omitempty"`
	Reason          string  `json:"reason,omitempty"`
	Status          string  `json:"status,omitempty"`
	Score           int     `json:"score,omitempty"`
	Total           int     `json:"total,omitempty"`
	ExamName        string  `json:"exam_name,omitempty"`
}

// Outbound envelope shapes the signaling layer originates directly (as
// opposed to Offer/Renegotiate/IceCandidate, which the sfu package emits
// straight from Connection/Server; see internal/sfu/wire.go).

type roomCreated struct {
	Type   string `json:"type"`
	RoomID string `json:"room_id"`
}

type joinRequestSent struct {
	Type string `json:"type"`
}

type joinRequestForward struct {
	Type            string `json:"type"`
	RoomID          string `json:"room_id"`
	PeerID          string `json:"peer_id"`
	Name            string `json:"name,omitempty"`
	Role            string `json:"role"`
	Wallet          string `json:"wallet,omitempty"`
	RequesterPeerID string `json:"requester_peer_id"`
}

type joinApproved struct {
	Type    string `json:"type"`
	RoomID  string `json:"room_id"`
	Message string `json:"message,omitempty"`
}

type joinDenied struct {
	Type    string `json:"type"`
	RoomID  string `json:"room_id"`
	Message string `json:"message,omitempty"`
}

type participantLeft struct {
	Type   string `json:"type"`
	RoomID string `json:"room_id"`
	PeerID string `json:"peer_id"`
	Name   string `json:"name,omitempty"`
}

type participantKicked struct {
	Type   string `json:"type"`
	RoomID string `json:"room_id"`
	PeerID string `json:"peer_id"`
	Reason string `json:"reason,omitempty"`
}

type recordingStarted struct {
	Type   string `json:"type"`
	RoomID string `json:"room_id"`
	PeerID string `json:"peer_id"`
}

type recordingStopped struct {
	Type       string `json:"type"`
	RoomID     string `json:"room_id"`
	PeerID     string `json:"peer_id"`
	FilePath   string `json:"file_path,omitempty"`
	CID        string `json:"cid,omitempty"`
	GatewayURL string `json:"gateway_url,omitempty"`
}

type allRecordingsStopped struct {
	Type        string                `json:"type"`
	Recordings  []recordingStopped    `json:"recordings"`
}

type recordingStatus struct {
	Type            string   `json:"type"`
	RecordingPeers  []string `json:"recording_peers"`
}

type recordingError struct {
	Type   string `json:"type"`
	RoomID string `json:"room_id"`
	PeerID string `json:"peer_id,omitempty"`
	Error  string `json:"error"`
}

type suspiciousActivityReported struct {
	Type string `json:"type"`
}

type examResultSubmitted struct {
	Type  string `json:"type"`
	Grade int    `json:"grade"`
}

type idVerificationStatus struct {
	Type   string `json:"type"`
	Status string `json:"status"`
}

type errorEnvelope struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func newError(message string) errorEnvelope {
	return errorEnvelope{Type: "error", Message: message}
}
