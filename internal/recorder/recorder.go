// Package recorder implements the Recording Sidecar: one ffmpeg-backed
// muxing pipeline per (room_id, peer_id), fed VP8/Opus RTP over loopback UDP
// the way the teacher's speaker-view recorder feeds a single webinar stream.
package recorder

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/pion/rtp"
	"go.uber.org/zap"

	"github.com/proctorsfu/core/internal/sfu"
)

const (
	payloadTypeVideo = 96
	payloadTypeAudio = 97

	finalizeWait = 5 * time.Second
)

// State is a pipeline's lifecycle stage.
type State int

const (
	StateIdle State = iota
	StateRecording
	StateStopping
	StateStopped
	StateError
)

// Uploader is the content-addressed store a finished recording is handed to;
// satisfied by internal/objectstore.Client. Nil disables upload entirely.
type Uploader interface {
	Upload(path string) (cid, gatewayURL string, err error)
}

// ArtifactStore persists a finished recording's metadata so the proctoring
// dashboard can list past recordings without replaying the event ledger.
// Nil disables persistence entirely.
type ArtifactStore interface {
	Save(ctx context.Context, roomID string, result sfu.RecordingResult) error
}

type pipeline struct {
	roomID, peerID string
	outputPath     string
	sdpPath        string

	mu      sync.Mutex
	state   State
	lastErr error
	cmd     *exec.Cmd

	videoConn *net.UDPConn
	audioConn *net.UDPConn
	videoAddr *net.UDPAddr
	audioAddr *net.UDPAddr
}

// writeRTP rewrites the packet's payload type to match the SDP handed to
// ffmpeg and forwards it over the loopback socket for its kind. A nil
// connection (pipeline not yet fully started, or already stopping) makes
// this a silent no-op, matching the sidecar's push_video_rtp/push_audio_rtp
// contract.
func (p *pipeline) writeRTP(kind sfu.TrackKind, packet []byte) {
	var pkt rtp.Packet
	if err := pkt.Unmarshal(packet); err != nil {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != StateRecording {
		return
	}
	pkt.PayloadType = payloadTypeVideo
	conn, addr := p.videoConn, p.videoAddr
	if kind == sfu.KindAudio {
		pkt.PayloadType = payloadTypeAudio
		conn, addr = p.audioConn, p.audioAddr
	}
	if conn == nil || addr == nil {
		return
	}
	rewritten, err := pkt.Marshal()
	if err != nil {
		return
	}
	_, _ = conn.WriteToUDP(rewritten, addr)
}

// Service owns every active (room_id, peer_id) pipeline. It implements
// sfu.RecordingService (control plane) and sfu.RecordingSink (data plane: a
// single Service instance is shared across every Connection).
type Service struct {
	outputDir string
	format    string
	uploader  Uploader
	store     ArtifactStore
	log       *zap.Logger

	mu        sync.Mutex
	pipelines map[string]*pipeline // peer_id -> pipeline
}

// NewService creates a recording service writing container files under
// outputDir with the given container format (file extension, without the
// dot; e.g. "mp4"). uploader and store may each be nil to disable upload and
// persistence respectively.
func NewService(outputDir, format string, uploader Uploader, store ArtifactStore, log *zap.Logger) *Service {
	if outputDir == "" {
		outputDir = os.TempDir()
	}
	if format == "" {
		format = "mp4"
	}
	return &Service{
		outputDir: outputDir,
		format:    format,
		uploader:  uploader,
		store:     store,
		log:       log,
		pipelines: make(map[string]*pipeline),
	}
}

// markFailed logs a pipeline that never made it to Recording, carrying it
// through Error so the sidecar's state machine has one name for every way a
// start attempt can die instead of just returning an error to the caller.
func (svc *Service) markFailed(peerID, roomID, outputPath, sdpPath string, cause error) {
	p := &pipeline{
		roomID: roomID, peerID: peerID,
		outputPath: outputPath, sdpPath: sdpPath,
		state: StateError, lastErr: cause,
	}
	svc.log.Error("recording pipeline failed before recording started",
		zap.String("room_id", p.roomID), zap.String("peer_id", p.peerID), zap.Error(p.lastErr))
}

func allocatePort() int {
	l, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0})
	if err != nil {
		return 0
	}
	defer l.Close()
	return l.LocalAddr().(*net.UDPAddr).Port
}

func buildSDP(videoPort, audioPort int) string {
	return fmt.Sprintf(
		"v=0\r\no=- 0 0 IN IP4 127.0.0.1\r\ns=-\r\nt=0 0\r\n"+
			"m=video %d RTP/AVP %d\r\na=rtpmap:%d VP8/90000\r\n"+
			"m=audio %d RTP/AVP %d\r\na=rtpmap:%d opus/48000/2\r\n",
		videoPort, payloadTypeVideo, payloadTypeVideo,
		audioPort, payloadTypeAudio, payloadTypeAudio,
	)
}

// StartRecording transitions a (room_id, peer_id) pipeline Idle -> Recording:
// allocates loopback UDP ports, writes the SDP ffmpeg will read, and starts
// the muxer process.
func (svc *Service) StartRecording(roomID, peerID string) error {
	svc.mu.Lock()
	if _, exists := svc.pipelines[peerID]; exists {
		svc.mu.Unlock()
		return fmt.Errorf("recorder: already recording %s", peerID)
	}
	svc.mu.Unlock()

	videoPort, audioPort := allocatePort(), allocatePort()
	if videoPort == 0 || audioPort == 0 {
		return fmt.Errorf("recorder: could not allocate loopback ports")
	}

	dir := filepath.Join(svc.outputDir, roomID)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return fmt.Errorf("recorder: mkdir: %w", err)
	}
	base := fmt.Sprintf("%s_%d", peerID, time.Now().UnixMilli())
	outputPath := filepath.Join(dir, base+"."+svc.format)
	sdpPath := filepath.Join(dir, base+".sdp")
	if err := os.WriteFile(sdpPath, []byte(buildSDP(videoPort, audioPort)), 0600); err != nil {
		return fmt.Errorf("recorder: write sdp: %w", err)
	}

	cmd := exec.Command("ffmpeg", "-f", "sdp", "-i", sdpPath, "-c", "copy", "-y", outputPath)
	if err := cmd.Start(); err != nil {
		_ = os.Remove(sdpPath)
		svc.markFailed(peerID, roomID, outputPath, sdpPath, err)
		return fmt.Errorf("recorder: start ffmpeg: %w", err)
	}

	videoAddr, _ := net.ResolveUDPAddr("udp", fmt.Sprintf("127.0.0.1:%d", videoPort))
	audioAddr, _ := net.ResolveUDPAddr("udp", fmt.Sprintf("127.0.0.1:%d", audioPort))
	videoConn, errV := net.DialUDP("udp", nil, videoAddr)
	audioConn, errA := net.DialUDP("udp", nil, audioAddr)
	if errV != nil || errA != nil {
		_ = cmd.Process.Kill()
		_ = os.Remove(sdpPath)
		dialErr := fmt.Errorf("dial loopback: video=%v audio=%v", errV, errA)
		svc.markFailed(peerID, roomID, outputPath, sdpPath, dialErr)
		return fmt.Errorf("recorder: %w", dialErr)
	}

	p := &pipeline{
		roomID: roomID, peerID: peerID,
		outputPath: outputPath, sdpPath: sdpPath,
		state: StateRecording, cmd: cmd,
		videoConn: videoConn, audioConn: audioConn,
		videoAddr: videoAddr, audioAddr: audioAddr,
	}
	svc.mu.Lock()
	svc.pipelines[peerID] = p
	svc.mu.Unlock()

	svc.log.Info("recording started", zap.String("room_id", roomID), zap.String("peer_id", peerID), zap.String("output", outputPath))
	return nil
}

// WriteRTP implements sfu.RecordingSink; a no-op if sourcePeerID has no
// active pipeline.
func (svc *Service) WriteRTP(sourcePeerID string, kind sfu.TrackKind, packet []byte) {
	svc.mu.Lock()
	p := svc.pipelines[sourcePeerID]
	svc.mu.Unlock()
	if p == nil {
		return
	}
	p.writeRTP(kind, packet)
}

// StopRecording transitions Recording -> Stopping -> Stopped, waits up to
// finalizeWait for the muxer to flush, and uploads the result if an object
// store is configured.
func (svc *Service) StopRecording(roomID, peerID string) (sfu.RecordingResult, error) {
	svc.mu.Lock()
	p, ok := svc.pipelines[peerID]
	if ok {
		delete(svc.pipelines, peerID)
	}
	svc.mu.Unlock()
	if !ok {
		return sfu.RecordingResult{}, fmt.Errorf("recorder: no active recording for %s", peerID)
	}
	return svc.finalize(p), nil
}

func (svc *Service) finalize(p *pipeline) sfu.RecordingResult {
	p.mu.Lock()
	p.state = StateStopping
	cmd := p.cmd
	videoConn, audioConn := p.videoConn, p.audioConn
	p.videoConn, p.audioConn = nil, nil
	p.mu.Unlock()

	if videoConn != nil {
		_ = videoConn.Close()
	}
	if audioConn != nil {
		_ = audioConn.Close()
	}
	var waitErr error
	if cmd != nil && cmd.Process != nil {
		_ = cmd.Process.Signal(os.Interrupt)
		done := make(chan error, 1)
		go func() { done <- cmd.Wait() }()
		select {
		case <-done:
			// A non-zero exit here is the muxer's ordinary response to SIGINT,
			// not a failure worth surfacing as State.
		case <-time.After(finalizeWait):
			_ = cmd.Process.Kill()
			waitErr = fmt.Errorf("muxer did not exit within %s", finalizeWait)
		}
	}
	_ = os.Remove(p.sdpPath)

	p.mu.Lock()
	if waitErr != nil {
		p.state = StateError
		p.lastErr = waitErr
	} else {
		p.state = StateStopped
	}
	p.mu.Unlock()

	if waitErr != nil {
		svc.log.Error("recording muxer did not exit in time and was killed",
			zap.String("room_id", p.roomID), zap.String("peer_id", p.peerID), zap.Error(waitErr))
	}

	result := sfu.RecordingResult{PeerID: p.peerID, FilePath: p.outputPath}
	if svc.uploader != nil {
		cid, gatewayURL, err := svc.uploader.Upload(p.outputPath)
		if err != nil {
			svc.log.Warn("recording upload failed", zap.String("peer_id", p.peerID), zap.Error(err))
		} else {
			result.CID, result.GatewayURL = cid, gatewayURL
		}
	}
	svc.log.Info("recording stopped", zap.String("room_id", p.roomID), zap.String("peer_id", p.peerID), zap.String("output", p.outputPath))

	if svc.store != nil {
		if err := svc.store.Save(context.Background(), p.roomID, result); err != nil {
			svc.log.Warn("recording artifact persist failed", zap.String("peer_id", p.peerID), zap.Error(err))
		}
	}
	return result
}

// StopAllInRoom stops every pipeline belonging to roomID, used by the
// proctor-leave cascade.
func (svc *Service) StopAllInRoom(roomID string) []sfu.RecordingResult {
	svc.mu.Lock()
	var toStop []*pipeline
	for peerID, p := range svc.pipelines {
		if p.roomID == roomID {
			toStop = append(toStop, p)
			delete(svc.pipelines, peerID)
		}
	}
	svc.mu.Unlock()

	results := make([]sfu.RecordingResult, 0, len(toStop))
	for _, p := range toStop {
		results = append(results, svc.finalize(p))
	}
	return results
}

// IsRecording reports whether peerID currently has an active pipeline.
func (svc *Service) IsRecording(peerID string) bool {
	svc.mu.Lock()
	defer svc.mu.Unlock()
	_, ok := svc.pipelines[peerID]
	return ok
}
