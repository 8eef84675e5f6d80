package sfu

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

// rtpBufferSize is MTU-friendly; matches the teacher's sync.Pool-backed read
// buffer so the RTP read loop avoids a per-packet allocation.
const rtpBufferSize = 1500

var rtpBufferPool = sync.Pool{
	New: func() interface{} {
		b := make([]byte, rtpBufferSize)
		return &b
	},
}

const pliMinInterval = 3 * time.Second

// ICEConfig carries the STUN/TURN settings a Connection's peer connection is built with.
type ICEConfig struct {
	STUNURL        string
	TURNURL        string
	TURNUsername   string
	TURNCredential string
}

// BuildICEServers turns an ICEConfig into the ICEServer list pion expects.
func BuildICEServers(cfg ICEConfig) []webrtc.ICEServer {
	servers := []webrtc.ICEServer{{URLs: []string{cfg.STUNURL}}}
	if cfg.TURNURL != "" && cfg.TURNUsername != "" && cfg.TURNCredential != "" {
		servers = append(servers, webrtc.ICEServer{
			URLs:       []string{cfg.TURNURL},
			Username:   cfg.TURNUsername,
			Credential: cfg.TURNCredential,
		})
	}
	return servers
}

// NewAPI builds the shared pion API: a MediaEngine advertising exactly VP8
// and Opus with the feedback parameters the proctoring wire format needs,
// and a SettingEngine bound to IPv4-only ICE with mDNS disabled.
func NewAPI() (*webrtc.API, error) {
	m := &webrtc.MediaEngine{}
	videoFeedback := []webrtc.RTCPFeedback{
		{Type: "goog-remb"},
		{Type: "ccm", Parameter: "fir"},
		{Type: "nack"},
		{Type: "nack", Parameter: "pli"},
	}
	if err := m.RegisterCodec(webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{
			MimeType:    webrtc.MimeTypeVP8,
			ClockRate:   90000,
			RTCPFeedback: videoFeedback,
		},
		PayloadType: 96,
	}, webrtc.RTPCodecTypeVideo); err != nil {
		return nil, err
	}
	if err := m.RegisterCodec(webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{
			MimeType:     webrtc.MimeTypeOpus,
			ClockRate:    48000,
			Channels:     2,
			SDPFmtpLine:  "minptime=10;useinbandfec=1",
			RTCPFeedback: nil,
		},
		PayloadType: 111,
	}, webrtc.RTPCodecTypeAudio); err != nil {
		return nil, err
	}

	se := webrtc.SettingEngine{}
	se.SetNetworkTypes([]webrtc.NetworkType{webrtc.NetworkTypeUDP4})
	se.SetICEMulticastDNSMode(webrtc.ICEMulticastDNSModeDisabled)

	return webrtc.NewAPI(webrtc.WithMediaEngine(m), webrtc.WithSettingEngine(se)), nil
}

// RecordingSink receives a copy of forwarded RTP for durable recording.
// WriteRTP must be non-blocking; it is called from the media read loop.
type RecordingSink interface {
	WriteRTP(sourcePeerID string, kind TrackKind, packet []byte)
}

// TrackArrivedFunc notifies the server that a new inbound track is ready to fan out.
type TrackArrivedFunc func(peerID, trackID string)

// Connection is one WebRTC peer connection, plus the signaling-side handle
// back to its writer and the room it belongs to.
type Connection struct {
	PeerID string
	RoomID string

	pc   *webrtc.PeerConnection
	send func(v interface{})
	log  *zap.Logger

	tracks   *TrackManager
	onTrack  TrackArrivedFunc
	recorder RecordingSink

	closed int32

	iceMu      sync.Mutex
	remoteSet  bool
	pendingICE []webrtc.ICECandidateInit
}

// NewConnection builds a peer connection for peerID in roomID from api (whose
// VP8/Opus media engine NewAPI sets up), pre-adds one video and one audio transceiver so the
// initial offer carries m-lines, and wires on_track/on_ice_candidate/state
// callbacks.
func NewConnection(
	api *webrtc.API,
	iceServers []webrtc.ICEServer,
	peerID, roomID string,
	send func(v interface{}),
	tracks *TrackManager,
	onTrack TrackArrivedFunc,
	recorder RecordingSink,
	log *zap.Logger,
) (*Connection, error) {
	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: iceServers})
	if err != nil {
		return nil, err
	}

	c := &Connection{
		PeerID:   peerID,
		RoomID:   roomID,
		pc:       pc,
		send:     send,
		log:      log.With(zap.String("peer_id", peerID), zap.String("room_id", roomID)),
		tracks:   tracks,
		onTrack:  onTrack,
		recorder: recorder,
	}

	if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeVideo, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionSendrecv,
	}); err != nil {
		_ = pc.Close()
		return nil, err
	}
	if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionSendrecv,
	}); err != nil {
		_ = pc.Close()
		return nil, err
	}

	pc.OnICECandidate(c.handleICECandidate)
	pc.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		c.log.Info("ice connection state changed", zap.String("state", s.String()))
	})
	pc.OnICEGatheringStateChange(func(s webrtc.ICEGathererState) {
		c.log.Debug("ice gathering state changed", zap.String("state", s.String()))
		if s == webrtc.ICEGathererStateComplete {
			c.log.Debug("ice gathering complete")
		}
	})
	pc.OnTrack(c.handleTrack)

	return c, nil
}

// PeerConnection exposes the underlying pion connection for SDP negotiation.
func (c *Connection) PeerConnection() *webrtc.PeerConnection { return c.pc }

// Send writes an outbound envelope to this connection's signaling socket.
func (c *Connection) Send(v interface{}) { c.send(v) }

func (c *Connection) handleICECandidate(candidate *webrtc.ICECandidate) {
	if candidate == nil {
		return
	}
	init := candidate.ToJSON()
	c.send(OutboundICECandidate{
		Type:          "IceCandidate",
		PeerID:        "sfu",
		Candidate:     init.Candidate,
		SDPMid:        init.SDPMid,
		SDPMLineIndex: init.SDPMLineIndex,
	})
}

func (c *Connection) handleTrack(remote *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
	kind := trackKindOf(remote.Kind())
	trackID := MakeTrackID(c.PeerID, kind, remote.ID())
	c.tracks.AddTrack(trackID, c.PeerID, remote)
	c.log.Info("inbound track registered", zap.String("track_id", trackID), zap.String("kind", string(kind)))
	if c.onTrack != nil {
		c.onTrack(c.PeerID, trackID)
	}
	go c.readLoop(trackID, remote, kind)
}

func (c *Connection) readLoop(trackID string, remote *webrtc.TrackRemote, kind TrackKind) {
	firstVideoPacket := true
	var lastPLI time.Time
	var errCount int
	var packetCount uint64

	for {
		ptr := rtpBufferPool.Get().(*[]byte)
		buf := *ptr
		n, _, err := remote.Read(buf)
		if err != nil {
			rtpBufferPool.Put(ptr)
			c.log.Info("rtp read loop terminated",
				zap.String("track_id", trackID),
				zap.Uint64("packets_forwarded", packetCount),
				zap.Error(err))
			return
		}
		packetCount++

		if kind == KindVideo && firstVideoPacket {
			firstVideoPacket = false
			if err := c.SendPLI(remote.SSRC()); err != nil && errCount < 5 {
				errCount++
				c.log.Warn("initial pli failed", zap.Error(err))
			}
		}

		snap, ok := c.tracks.GetTrack(trackID)
		if ok {
			for i, local := range snap.Sinks {
				if snap.SubscriberOf[i] == snap.SourcePeerID {
					continue
				}
				if _, err := local.Write(buf[:n]); err != nil && errCount < 5 {
					errCount++
					c.log.Warn("sink write failed", zap.String("track_id", trackID), zap.Error(err))
				}
			}
			if len(snap.Sinks) > 0 && kind == KindVideo && time.Since(lastPLI) >= pliMinInterval {
				lastPLI = time.Now()
				if err := c.SendPLI(remote.SSRC()); err != nil && errCount < 5 {
					errCount++
					c.log.Warn("periodic pli failed", zap.Error(err))
				}
			}
		}

		if c.recorder != nil {
			packetCopy := make([]byte, n)
			copy(packetCopy, buf[:n])
			c.recorder.WriteRTP(c.PeerID, kind, packetCopy)
		}

		rtpBufferPool.Put(ptr)
	}
}

// ApplyAnswer sets the remote description and then drains any ICE candidates
// that arrived before it, in their original arrival order.
func (c *Connection) ApplyAnswer(sdp webrtc.SessionDescription) error {
	if err := c.pc.SetRemoteDescription(sdp); err != nil {
		return err
	}
	c.iceMu.Lock()
	c.remoteSet = true
	pending := c.pendingICE
	c.pendingICE = nil
	c.iceMu.Unlock()

	for _, cand := range pending {
		if err := c.pc.AddICECandidate(cand); err != nil {
			c.log.Warn("drain pending ice candidate failed", zap.Error(err))
		}
	}
	return nil
}

// AddICECandidate queues the candidate if the remote description hasn't been
// set yet, otherwise adds it immediately.
func (c *Connection) AddICECandidate(cand webrtc.ICECandidateInit) error {
	c.iceMu.Lock()
	if !c.remoteSet {
		c.pendingICE = append(c.pendingICE, cand)
		c.iceMu.Unlock()
		return nil
	}
	c.iceMu.Unlock()
	return c.pc.AddICECandidate(cand)
}

// SendPLI writes a Picture Loss Indication RTCP packet to this connection's
// publisher, asking it for a fresh keyframe.
func (c *Connection) SendPLI(mediaSSRC webrtc.SSRC) error {
	return c.pc.WriteRTCP([]rtcp.Packet{
		&rtcp.PictureLossIndication{SenderSSRC: 0, MediaSSRC: uint32(mediaSSRC)},
	})
}

// AddExistingTracks subscribes this connection to every already-known track
// id the room policy admits, issuing a PLI on the corresponding source
// connection for any newly-created video sink.
func (c *Connection) AddExistingTracks(trackIDs []string, sourceConnections func(sourcePeerID string) *Connection) error {
	for _, id := range trackIDs {
		result, ok := c.tracks.CreateLocalTrackForPeer(id, c.PeerID)
		if !ok {
			continue
		}
		if _, err := c.pc.AddTrack(result.Local); err != nil {
			return err
		}
		if result.IsNew && result.IsVideo && sourceConnections != nil {
			if src := sourceConnections(result.SourcePeerID); src != nil {
				_ = src.SendPLI(result.SSRC)
			}
		}
	}
	return nil
}

// AddTrack attaches a single local track to this connection's peer connection,
// used by the track-arrival fan-out to subscribe an already-connected peer to
// a track that showed up after it joined.
func (c *Connection) AddTrack(local *webrtc.TrackLocalStaticRTP) (*webrtc.RTPSender, error) {
	return c.pc.AddTrack(local)
}

// SignalingStable reports whether the peer connection is idle and safe to
// start a fresh offer/answer exchange on.
func (c *Connection) SignalingStable() bool {
	return c.pc.SignalingState() == webrtc.SignalingStateStable
}

// CreateAndSendOffer builds an offer, sets it as the local description, and
// hands the SDP to the caller-supplied sender.
func (c *Connection) CreateAndSendOffer() error {
	offer, err := c.pc.CreateOffer(nil)
	if err != nil {
		return err
	}
	if err := c.pc.SetLocalDescription(offer); err != nil {
		return err
	}
	c.send(NewOutboundOffer(offer.SDP))
	return nil
}

// CreateAndSendRenegotiate is CreateAndSendOffer's counterpart for the
// batched mid-session renegotiation path; same SDP machinery, different
// envelope type so the client can tell the two apart.
func (c *Connection) CreateAndSendRenegotiate() error {
	offer, err := c.pc.CreateOffer(nil)
	if err != nil {
		return err
	}
	if err := c.pc.SetLocalDescription(offer); err != nil {
		return err
	}
	c.send(NewOutboundRenegotiate(offer.SDP))
	return nil
}

// Close tears down the underlying peer connection; safe to call more than once.
func (c *Connection) Close() error {
	if !atomic.CompareAndSwapInt32(&c.closed, 0, 1) {
		return nil
	}
	return c.pc.Close()
}
