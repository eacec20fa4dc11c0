// Package peer wraps a pion PeerConnection for the receive side of a
// gateway-negotiated stream: answering remote offers, renegotiating when
// local capture tracks come and go, and counting inbound media for status.
package peer

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/logging"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
)

// DefaultGatherTimeout bounds ICE gathering before an SDP is handed out
const DefaultGatherTimeout = 10 * time.Second

// RemoteTrack identifies an inbound track
type RemoteTrack struct {
	ID   string
	Kind webrtc.RTPCodecType
}

// Config holds PeerConnection settings and event callbacks. Callbacks run on
// pion goroutines and must not block.
type Config struct {
	ICEServers    []webrtc.ICEServer
	GatherTimeout time.Duration
	LoggerFactory logging.LoggerFactory

	OnTrack       func(RemoteTrack)
	OnTrackEnded  func(RemoteTrack)
	OnStateChange func(webrtc.PeerConnectionState)
}

// MediaSpec selects what the local answer accepts and sends
type MediaSpec struct {
	Audio     bool                // receive audio; otherwise audio m-lines are stopped
	MicTracks []webrtc.TrackLocal // sent on the audio m-line, only honored with Audio
}

// Stats is a snapshot of inbound traffic counters
type Stats struct {
	BytesReceived  uint64
	Frames         uint64 // completed video frames (RTP marker bit)
	ConnectionType string // direct, relay or unknown
}

// Conn is a single PeerConnection
type Conn struct {
	pc            *webrtc.PeerConnection
	log           logging.LeveledLogger
	config        Config
	gatherTimeout time.Duration

	mu           sync.Mutex
	localSenders []*webrtc.RTPSender
	micSenders   []*webrtc.RTPSender
	closed       bool

	bytes  atomic.Uint64
	frames atomic.Uint64
}

// New creates a PeerConnection with H.264, VP8/VP9 and Opus registered
func New(config Config) (*Conn, error) {
	if config.LoggerFactory == nil {
		config.LoggerFactory = logging.NewDefaultLoggerFactory()
	}
	gatherTimeout := config.GatherTimeout
	if gatherTimeout <= 0 {
		gatherTimeout = DefaultGatherTimeout
	}

	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("failed to register codecs: %w", err)
	}
	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(m, registry); err != nil {
		return nil, fmt.Errorf("failed to register interceptors: %w", err)
	}
	s := webrtc.SettingEngine{LoggerFactory: config.LoggerFactory}

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(m),
		webrtc.WithInterceptorRegistry(registry),
		webrtc.WithSettingEngine(s),
	)
	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: config.ICEServers})
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}

	c := &Conn{
		pc:            pc,
		log:           config.LoggerFactory.NewLogger("peer"),
		config:        config,
		gatherTimeout: gatherTimeout,
	}

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		c.log.Infof("Connection state: %s", state.String())
		if config.OnStateChange != nil {
			config.OnStateChange(state)
		}
	})
	pc.OnTrack(c.handleTrack)

	return c, nil
}

// Answer applies a remote offer and returns the local answer with ICE
// candidates gathered. Opus is marked stereo in the returned SDP.
func (c *Conn) Answer(ctx context.Context, offer webrtc.SessionDescription, spec MediaSpec) (webrtc.SessionDescription, error) {
	if err := c.pc.SetRemoteDescription(offer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("failed to set remote offer: %w", err)
	}

	for _, t := range c.pc.GetTransceivers() {
		if t.Kind() == webrtc.RTPCodecTypeAudio && !spec.Audio {
			if err := t.Stop(); err != nil {
				c.log.Warnf("Failed to stop audio transceiver: %v", err)
			}
		}
	}
	if spec.Audio && len(spec.MicTracks) > 0 {
		c.mu.Lock()
		senders, err := c.addTracks(spec.MicTracks)
		c.micSenders = append(c.micSenders, senders...)
		c.mu.Unlock()
		if err != nil {
			return webrtc.SessionDescription{}, err
		}
	}

	answer, err := c.pc.CreateAnswer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("failed to create answer: %w", err)
	}
	if err := c.setLocalAndGather(ctx, answer); err != nil {
		return webrtc.SessionDescription{}, err
	}

	local := *c.pc.LocalDescription()
	sdp, err := enableStereo(local.SDP)
	if err != nil {
		c.log.Warnf("Failed to patch opus fmtp: %v", err)
	} else {
		local.SDP = sdp
	}
	return local, nil
}

// Offer creates a renegotiation offer, used after local tracks change
func (c *Conn) Offer(ctx context.Context) (webrtc.SessionDescription, error) {
	if state := c.pc.SignalingState(); state != webrtc.SignalingStateStable {
		return webrtc.SessionDescription{}, fmt.Errorf("cannot renegotiate in signaling state %s", state.String())
	}
	offer, err := c.pc.CreateOffer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("failed to create offer: %w", err)
	}
	if err := c.setLocalAndGather(ctx, offer); err != nil {
		return webrtc.SessionDescription{}, err
	}
	return *c.pc.LocalDescription(), nil
}

// Rollback discards an Offer that was never answered. It is a no-op in
// the stable state.
func (c *Conn) Rollback() error {
	pending := c.pc.PendingLocalDescription()
	if c.pc.SignalingState() != webrtc.SignalingStateHaveLocalOffer || pending == nil {
		return nil
	}
	// pion parses the SDP of every local description, rollbacks included
	rollback := webrtc.SessionDescription{Type: webrtc.SDPTypeRollback, SDP: pending.SDP}
	if err := c.pc.SetLocalDescription(rollback); err != nil {
		return fmt.Errorf("failed to roll back offer: %w", err)
	}
	return nil
}

// SetAnswer applies the remote answer to a previous Offer
func (c *Conn) SetAnswer(answer webrtc.SessionDescription) error {
	if err := c.pc.SetRemoteDescription(answer); err != nil {
		return fmt.Errorf("failed to set remote answer: %w", err)
	}
	return nil
}

// AddICECandidate adds a trickled remote candidate
func (c *Conn) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	if err := c.pc.AddICECandidate(candidate); err != nil {
		return fmt.Errorf("failed to add ICE candidate: %w", err)
	}
	return nil
}

// AddLocalTracks adds outgoing tracks. Either all tracks are added or none.
func (c *Conn) AddLocalTracks(tracks []webrtc.TrackLocal) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	added, err := c.addTracks(tracks)
	if err != nil {
		return err
	}
	c.localSenders = append(c.localSenders, added...)
	return nil
}

func (c *Conn) addTracks(tracks []webrtc.TrackLocal) ([]*webrtc.RTPSender, error) {
	added := make([]*webrtc.RTPSender, 0, len(tracks))
	for _, track := range tracks {
		sender, err := c.pc.AddTrack(track)
		if err != nil {
			for _, s := range added {
				_ = c.pc.RemoveTrack(s)
			}
			return nil, fmt.Errorf("failed to add %s track: %w", track.Kind(), err)
		}
		added = append(added, sender)
		go drainRTCP(sender)
	}
	return added, nil
}

// RemoveLocalTracks removes every outgoing track added by AddLocalTracks.
// Microphone tracks from Answer stay. Senders that could not be removed are
// kept for the next call.
func (c *Conn) RemoveLocalTracks() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var (
		kept     []*webrtc.RTPSender
		firstErr error
	)
	for _, s := range c.localSenders {
		if err := c.pc.RemoveTrack(s); err != nil {
			kept = append(kept, s)
			if firstErr == nil {
				firstErr = fmt.Errorf("failed to remove track: %w", err)
			}
		}
	}
	c.localSenders = kept
	return firstErr
}

// Stats returns inbound counters
func (c *Conn) Stats() Stats {
	return Stats{
		BytesReceived:  c.bytes.Load(),
		Frames:         c.frames.Load(),
		ConnectionType: detectConnectionType(c.pc),
	}
}

// Close closes the PeerConnection; remote track readers end with it
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.localSenders = nil
	c.micSenders = nil
	c.mu.Unlock()

	if err := c.pc.Close(); err != nil {
		return fmt.Errorf("failed to close peer connection: %w", err)
	}
	return nil
}

func (c *Conn) setLocalAndGather(ctx context.Context, desc webrtc.SessionDescription) error {
	gatherComplete := webrtc.GatheringCompletePromise(c.pc)
	if err := c.pc.SetLocalDescription(desc); err != nil {
		return fmt.Errorf("failed to set local description: %w", err)
	}

	timer := time.NewTimer(c.gatherTimeout)
	defer timer.Stop()
	select {
	case <-gatherComplete:
		return nil
	case <-timer.C:
		c.log.Warnf("ICE gathering timed out after %s, sending partial candidates", c.gatherTimeout)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// handleTrack reads one remote track until it ends
func (c *Conn) handleTrack(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
	rt := RemoteTrack{ID: track.ID(), Kind: track.Kind()}
	c.log.Infof("Remote %s track %s (%s)", rt.Kind, rt.ID, track.Codec().MimeType)

	if c.config.OnTrack != nil {
		c.config.OnTrack(rt)
	}
	if rt.Kind == webrtc.RTPCodecTypeVideo {
		c.requestKeyframe(track.SSRC())
	}

	buf := make([]byte, 1500)
	pkt := &rtp.Packet{}
	for {
		n, _, err := track.Read(buf)
		if err != nil {
			c.log.Debugf("Remote track %s ended: %v", rt.ID, err)
			break
		}
		c.bytes.Add(uint64(n))
		if rt.Kind != webrtc.RTPCodecTypeVideo {
			continue
		}
		if err := pkt.Unmarshal(buf[:n]); err != nil {
			continue
		}
		if pkt.Marker {
			c.frames.Add(1)
		}
	}

	if c.config.OnTrackEnded != nil {
		c.config.OnTrackEnded(rt)
	}
}

func (c *Conn) requestKeyframe(ssrc webrtc.SSRC) {
	err := c.pc.WriteRTCP([]rtcp.Packet{&rtcp.PictureLossIndication{MediaSSRC: uint32(ssrc)}})
	if err != nil {
		c.log.Debugf("Failed to send PLI: %v", err)
	}
}

// drainRTCP keeps sender interceptors running
func drainRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}

// detectConnectionType checks if the selected pair is direct or relayed
func detectConnectionType(pc *webrtc.PeerConnection) string {
	stats := pc.GetStats()

	for _, stat := range stats {
		pair, ok := stat.(webrtc.ICECandidatePairStats)
		if !ok || pair.State != webrtc.StatsICECandidatePairStateSucceeded {
			continue
		}
		local, ok := stats[pair.LocalCandidateID].(webrtc.ICECandidateStats)
		if !ok {
			continue
		}
		switch local.CandidateType {
		case webrtc.ICECandidateTypeRelay:
			return "relay"
		case webrtc.ICECandidateTypeHost, webrtc.ICECandidateTypeSrflx, webrtc.ICECandidateTypePrflx:
			return "direct"
		}
	}
	return "unknown"
}
