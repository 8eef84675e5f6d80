package sfu

// Outbound* are the envelope shapes the core emits directly (as opposed to
// the request/reply envelopes §4.4 assigns to the signaling state machine).
// Each carries its own `type` discriminator so the signaling writer can
// marshal it straight onto the wire.

// OutboundICECandidate is sent whenever this server's ICE agent gathers a candidate.
type OutboundICECandidate struct {
	Type          string  `json:"type"`
	PeerID        string  `json:"peer_id"`
	Candidate     string  `json:"candidate"`
	SDPMid        *string `json:"sdp_mid,omitempty"`
	SDPMLineIndex *uint16 `json:"sdp_mline_index,omitempty"`
}

// OutboundOffer is sent after building a fresh peer connection for a joining peer.
type OutboundOffer struct {
	Type   string `json:"type"`
	SDP    string `json:"sdp"`
	PeerID string `json:"peer_id"`
}

// OutboundRenegotiate is sent when the batched renegotiation scheduler fires.
type OutboundRenegotiate struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// NewOutboundOffer builds an Offer envelope from an SDP, tagged as coming from "sfu".
func NewOutboundOffer(sdp string) OutboundOffer {
	return OutboundOffer{Type: "Offer", SDP: sdp, PeerID: "sfu"}
}

// NewOutboundRenegotiate builds a Renegotiate envelope from an SDP.
func NewOutboundRenegotiate(sdp string) OutboundRenegotiate {
	return OutboundRenegotiate{Type: "Renegotiate", SDP: sdp}
}
