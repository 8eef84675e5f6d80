package sfu

import (
	"fmt"
	"sync"

	"github.com/pion/webrtc/v3"
)

// TrackKind mirrors the two media kinds the SFU cares about.
type TrackKind string

const (
	KindVideo TrackKind = "video"
	KindAudio TrackKind = "audio"
)

func trackKindOf(k webrtc.RTPCodecType) TrackKind {
	if k == webrtc.RTPCodecTypeAudio {
		return KindAudio
	}
	return KindVideo
}

// MakeTrackID builds the globally-unique track id "{source_peer_id}_{kind}_{original_track_id}".
func MakeTrackID(sourcePeerID string, kind TrackKind, originalTrackID string) string {
	return fmt.Sprintf("%s_%s_%s", sourcePeerID, kind, originalTrackID)
}

// sink is a per-subscriber forwarder: the subscriber's id and its local
// track. The SSRC and kind used to drive PLI live on the ForwardedTrack.
type sink struct {
	subscriberID string
	local        *webrtc.TrackLocalStaticRTP
}

// ForwardedTrack is a single inbound RTP stream fanned out to many subscriber sinks.
type ForwardedTrack struct {
	TrackID      string
	Kind         TrackKind
	SourcePeerID string
	Remote       *webrtc.TrackRemote
	SSRC         webrtc.SSRC

	mu    sync.RWMutex
	sinks map[string]*sink // subscriberID -> sink
}

// TrackSnapshot is a shallow, lock-free copy returned to callers that need to
// fan out packets without holding the Track Manager's lock.
type TrackSnapshot struct {
	TrackID      string
	Kind         TrackKind
	SourcePeerID string
	Remote       *webrtc.TrackRemote
	SSRC         webrtc.SSRC
	Sinks        []*webrtc.TrackLocalStaticRTP
	SubscriberOf []string // parallel to Sinks: subscriber id for each entry
}

// TrackManager owns every ForwardedTrack and the sinks within them. Mutating
// operations take the write lock; reads that only need the track index take
// the read lock, then snapshot the per-track sink map independently.
type TrackManager struct {
	mu     sync.RWMutex
	tracks map[string]*ForwardedTrack
}

// NewTrackManager creates an empty Track Manager.
func NewTrackManager() *TrackManager {
	return &TrackManager{tracks: make(map[string]*ForwardedTrack)}
}

// AddTrack registers a new inbound track with an empty sink map.
func (tm *TrackManager) AddTrack(trackID, sourcePeerID string, remote *webrtc.TrackRemote) *ForwardedTrack {
	ft := &ForwardedTrack{
		TrackID:      trackID,
		Kind:         trackKindOf(remote.Kind()),
		SourcePeerID: sourcePeerID,
		Remote:       remote,
		SSRC:         remote.SSRC(),
		sinks:        make(map[string]*sink),
	}
	tm.mu.Lock()
	tm.tracks[trackID] = ft
	tm.mu.Unlock()
	return ft
}

// GetTrack returns a point-in-time snapshot of a forwarded track, including its
// current sink map, for the RTP read loop to fan packets out against.
func (tm *TrackManager) GetTrack(trackID string) (TrackSnapshot, bool) {
	tm.mu.RLock()
	ft, ok := tm.tracks[trackID]
	tm.mu.RUnlock()
	if !ok {
		return TrackSnapshot{}, false
	}
	ft.mu.RLock()
	defer ft.mu.RUnlock()
	snap := TrackSnapshot{
		TrackID:      ft.TrackID,
		Kind:         ft.Kind,
		SourcePeerID: ft.SourcePeerID,
		Remote:       ft.Remote,
		SSRC:         ft.SSRC,
		Sinks:        make([]*webrtc.TrackLocalStaticRTP, 0, len(ft.sinks)),
		SubscriberOf: make([]string, 0, len(ft.sinks)),
	}
	for _, s := range ft.sinks {
		snap.Sinks = append(snap.Sinks, s.local)
		snap.SubscriberOf = append(snap.SubscriberOf, s.subscriberID)
	}
	return snap, true
}

// NewSinkResult is returned by CreateLocalTrackForPeer.
type NewSinkResult struct {
	Local        *webrtc.TrackLocalStaticRTP
	IsNew        bool
	IsVideo      bool
	SSRC         webrtc.SSRC
	SourcePeerID string
}

// CreateLocalTrackForPeer returns the sink for (trackID, target), creating it
// lazily on first use. Returns ok=false if the track is unknown or target is
// the track's own source.
func (tm *TrackManager) CreateLocalTrackForPeer(trackID, target string) (NewSinkResult, bool) {
	tm.mu.RLock()
	ft, ok := tm.tracks[trackID]
	tm.mu.RUnlock()
	if !ok || ft.SourcePeerID == target {
		return NewSinkResult{}, false
	}

	ft.mu.Lock()
	defer ft.mu.Unlock()
	if existing, ok := ft.sinks[target]; ok {
		return NewSinkResult{
			Local:        existing.local,
			IsNew:        false,
			IsVideo:      ft.Kind == KindVideo,
			SSRC:         ft.SSRC,
			SourcePeerID: ft.SourcePeerID,
		}, true
	}

	local, err := webrtc.NewTrackLocalStaticRTP(
		ft.Remote.Codec().RTPCodecCapability,
		ft.Remote.ID(),
		streamIDFor(ft.SourcePeerID),
	)
	if err != nil {
		return NewSinkResult{}, false
	}
	ft.sinks[target] = &sink{subscriberID: target, local: local}
	return NewSinkResult{
		Local:        local,
		IsNew:        true,
		IsVideo:      ft.Kind == KindVideo,
		SSRC:         ft.SSRC,
		SourcePeerID: ft.SourcePeerID,
	}, true
}

func streamIDFor(sourcePeerID string) string {
	return "stream_" + sourcePeerID
}

// RemovePeerTracks drops every track sourced from peerID; every sink within
// those tracks is destroyed along with them.
func (tm *TrackManager) RemovePeerTracks(peerID string) {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	for id, ft := range tm.tracks {
		if ft.SourcePeerID == peerID {
			delete(tm.tracks, id)
		}
	}
}

// RemoveSink drops a single subscriber's sink from a track, e.g. when the
// subscriber (not the source) leaves.
func (tm *TrackManager) RemoveSink(trackID, subscriberID string) {
	tm.mu.RLock()
	ft, ok := tm.tracks[trackID]
	tm.mu.RUnlock()
	if !ok {
		return
	}
	ft.mu.Lock()
	delete(ft.sinks, subscriberID)
	ft.mu.Unlock()
}

// GetAllTrackIDs lists every currently forwarded track id.
func (tm *TrackManager) GetAllTrackIDs() []string {
	tm.mu.RLock()
	defer tm.mu.RUnlock()
	out := make([]string, 0, len(tm.tracks))
	for id := range tm.tracks {
		out = append(out, id)
	}
	return out
}

// GetTracksFromPeer lists every track id sourced from peerID.
func (tm *TrackManager) GetTracksFromPeer(peerID string) []string {
	tm.mu.RLock()
	defer tm.mu.RUnlock()
	var out []string
	for id, ft := range tm.tracks {
		if ft.SourcePeerID == peerID {
			out = append(out, id)
		}
	}
	return out
}
