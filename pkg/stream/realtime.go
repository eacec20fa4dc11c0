package stream

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/logging"
	"github.com/pion/webrtc/v3"
	"github.com/tomaslejdung/kvmview/pkg/geometry"
	"github.com/tomaslejdung/kvmview/pkg/peer"
)

// UStreamerPlugin is the gateway plugin serving the device video
const UStreamerPlugin = "janus.plugin.ustreamer"

const (
	DefaultReconnectDelay  = 5 * time.Second
	DefaultErrorRetryDelay = 2 * time.Second
	DefaultInfoInterval    = time.Second
	DefaultRequestTimeout  = 10 * time.Second
)

// RealtimeState is the signaling state of a RealtimeBackend
type RealtimeState int

const (
	StateIdle RealtimeState = iota
	StateAttaching
	StateNegotiatingCapabilities
	StateWatching
	StateAwaitingAnswer
	StateLive
	StateRetrying
	StateStopped
)

func (s RealtimeState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAttaching:
		return "attaching"
	case StateNegotiatingCapabilities:
		return "negotiating-capabilities"
	case StateWatching:
		return "watching"
	case StateAwaitingAnswer:
		return "awaiting-answer"
	case StateLive:
		return "live"
	case StateRetrying:
		return "retrying"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// RemoteFeatures is the plugin feature reply
type RemoteFeatures struct {
	Audio  bool  `json:"audio"`
	Mic    bool  `json:"mic"`
	Webcam *bool `json:"webcam,omitempty"` // absent means supported
	ICE    *struct {
		URL string `json:"url"`
	} `json:"ice,omitempty"`
}

func (f *RemoteFeatures) iceURL() string {
	if f == nil || f.ICE == nil {
		return ""
	}
	return f.ICE.URL
}

// pluginMessage is the payload of a plugin event
type pluginMessage struct {
	Result *struct {
		Status   string          `json:"status"` // starting, started, stopped, features
		Features *RemoteFeatures `json:"features"`
	} `json:"result"`
	ErrorCode int    `json:"error_code"`
	Error     string `json:"error"`
}

// RealtimeConfig configures a RealtimeBackend
type RealtimeConfig struct {
	Gateway       Gateway
	NewPeer       PeerFactory // defaults to NewPeer
	Surface       *Surface
	Callbacks     Callbacks
	Clock         Clock // defaults to SystemClock
	LoggerFactory logging.LoggerFactory

	Orientation  int
	AllowAudio   bool
	AllowMic     bool // honored only with AllowAudio
	AllowCapture bool // enable local capture once the stream starts

	Capturer   peer.Capturer // local capture source; nil disables capture
	Microphone peer.Capturer // mic source used when AllowMic is set

	ReconnectDelay  time.Duration
	ErrorRetryDelay time.Duration
	InfoInterval    time.Duration
	RequestTimeout  time.Duration
}

// session is one attach-to-teardown lifecycle. It is only touched from the
// backend queue, except for the fields read under RealtimeBackend.mu.
type session struct {
	ctx    context.Context
	cancel context.CancelFunc
	out    queue // outbound plugin requests, in order

	gw       GatewaySession
	handle   PluginHandle
	peer     Peer
	peerGen  uint64
	features *RemoteFeatures

	errorRetry *task
	infoPoll   *task
	lastBytes  uint64
	lastFrames uint64
	lastPoll   time.Time

	video         string // bound remote video track
	capture       peer.Capture
	mic           peer.Capture
	pendingAnswer chan webrtc.SessionDescription
}

// RealtimeBackend streams H.264 over WebRTC negotiated through the gateway.
// Every external callback is turned into an event applied on a serial queue.
type RealtimeBackend struct {
	gateway    Gateway
	newPeer    PeerFactory
	surface    *Surface
	cb         Callbacks
	clock      Clock
	factory    logging.LoggerFactory
	log        logging.LeveledLogger
	capturer   peer.Capturer
	microphone peer.Capturer

	orientation int
	allowAudio  bool
	allowMic    bool

	reconnectDelay  time.Duration
	errorRetryDelay time.Duration
	infoInterval    time.Duration
	requestTimeout  time.Duration

	q queue

	// queue owned
	sess      *session
	reconnect *task
	stopped   bool
	live      *StreamerState
	up        bool // last media state reported through the callbacks

	mu             sync.Mutex
	state          RealtimeState
	native         geometry.Size
	features       *RemoteFeatures
	captureEnabled bool
	captureWanted  bool
	toggling       bool
}

// NewRealtimeBackend creates an idle realtime backend
func NewRealtimeBackend(config RealtimeConfig) *RealtimeBackend {
	if config.NewPeer == nil {
		config.NewPeer = NewPeer
	}
	if config.Clock == nil {
		config.Clock = SystemClock
	}
	if config.LoggerFactory == nil {
		config.LoggerFactory = logging.NewDefaultLoggerFactory()
	}
	if config.ReconnectDelay <= 0 {
		config.ReconnectDelay = DefaultReconnectDelay
	}
	if config.ErrorRetryDelay <= 0 {
		config.ErrorRetryDelay = DefaultErrorRetryDelay
	}
	if config.InfoInterval <= 0 {
		config.InfoInterval = DefaultInfoInterval
	}
	if config.RequestTimeout <= 0 {
		config.RequestTimeout = DefaultRequestTimeout
	}

	return &RealtimeBackend{
		gateway:         config.Gateway,
		newPeer:         config.NewPeer,
		surface:         config.Surface,
		cb:              config.Callbacks,
		clock:           config.Clock,
		factory:         config.LoggerFactory,
		log:             config.LoggerFactory.NewLogger("stream"),
		capturer:        config.Capturer,
		microphone:      config.Microphone,
		orientation:     config.Orientation,
		allowAudio:      config.AllowAudio,
		allowMic:        config.AllowAudio && config.AllowMic,
		reconnectDelay:  config.ReconnectDelay,
		errorRetryDelay: config.ErrorRetryDelay,
		infoInterval:    config.InfoInterval,
		requestTimeout:  config.RequestTimeout,
		captureWanted:   config.AllowCapture,
	}
}

func (b *RealtimeBackend) Mode() Mode { return ModeRealtime }

func (b *RealtimeBackend) Name() string {
	name := "WebRTC H.264"
	if b.allowAudio {
		name += " + Audio"
		if b.allowMic {
			name += " + Mic"
		}
	}
	return name
}

func (b *RealtimeBackend) Orientation() int { return b.orientation }

// AudioAllowed reports whether audio is received
func (b *RealtimeBackend) AudioAllowed() bool { return b.allowAudio }

// MicAllowed reports whether the microphone is sent
func (b *RealtimeBackend) MicAllowed() bool { return b.allowMic }

func (b *RealtimeBackend) Resolution() Resolution {
	b.mu.Lock()
	native := b.native
	b.mu.Unlock()
	return resolution(native, b.surface)
}

// State returns the current signaling state
func (b *RealtimeBackend) State() RealtimeState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// RemoteFeatures returns the last feature reply, or nil before it arrived
func (b *RealtimeBackend) RemoteFeatures() *RemoteFeatures {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.features
}

// EnsureStream starts a session unless one is running or a reconnect is
// already pending
func (b *RealtimeBackend) EnsureStream(state *StreamerState) {
	b.q.do(func() { b.ensure(state) })
}

// StopStream cancels every timer, detaches and releases all tracks. No
// automatic retry happens until EnsureStream is called again.
func (b *RealtimeBackend) StopStream() {
	b.q.do(func() {
		b.stopped = true
		b.teardown()
	})
}

func (b *RealtimeBackend) ensure(state *StreamerState) {
	b.live = state
	b.stopped = false
	if b.sess == nil && b.reconnect == nil {
		b.startSession()
	}
	b.refreshNative()
}

func (b *RealtimeBackend) post(ev event) {
	b.q.post(func() { ev.apply(b) })
}

func (b *RealtimeBackend) setState(state RealtimeState) {
	b.mu.Lock()
	prev := b.state
	b.state = state
	b.mu.Unlock()
	if prev != state {
		b.log.Debugf("State %s -> %s", prev, state)
	}
}

func (b *RealtimeBackend) setNative(size geometry.Size) {
	b.mu.Lock()
	changed := b.native != size
	b.native = size
	b.mu.Unlock()
	if changed {
		b.cb.organize()
	}
}

// refreshNative takes the source resolution once video is bound
func (b *RealtimeBackend) refreshNative() {
	if b.sess == nil || b.sess.video == "" || b.live == nil {
		return
	}
	b.setNative(b.live.Source.Resolution)
}

func (b *RealtimeBackend) startSession() {
	if err := b.surface.Acquire(b); err != nil {
		b.log.Errorf("Can't start: %v", err)
		b.cb.info(false, false, err.Error())
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &session{ctx: ctx, cancel: cancel}
	b.sess = s
	b.setState(StateAttaching)
	b.up = false
	b.cb.inactive()
	b.cb.info(false, false, "")

	b.log.Info("Starting gateway session ...")
	go func() {
		gs, err := b.gateway.Connect(ctx, func(err error) {
			b.post(evGatewayClosed{s: s, err: err})
		})
		b.post(evConnected{s: s, gs: gs, err: err})
	}()
}

// teardown destroys the current session. Unless an explicit stop was
// requested it arms the single reconnect task.
func (b *RealtimeBackend) teardown() {
	if s := b.sess; s != nil {
		b.sess = nil
		s.errorRetry.cancel()
		s.errorRetry = nil
		s.infoPoll.cancel()
		s.infoPoll = nil
		s.cancel()
		b.releaseCapture(s)
		b.closePeer(s)
		go b.detach(s.gw, s.handle)
	}
	b.surface.UnbindAll(b)
	b.setNative(geometry.Size{})

	if b.stopped {
		b.reconnect.cancel()
		b.reconnect = nil
		b.setState(StateStopped)
	} else {
		b.scheduleReconnect()
		b.setState(StateRetrying)
	}

	b.up = false
	b.cb.inactive()
	if b.stopped {
		b.cb.info(false, false, "")
		b.surface.Release(b)
	}
}

func (b *RealtimeBackend) scheduleReconnect() {
	if b.reconnect != nil {
		return
	}
	b.log.Infof("Reconnecting in %s", b.reconnectDelay)
	b.reconnect = schedule(b.clock, &b.q, b.reconnectDelay, func(t *task) {
		if b.reconnect != t {
			return
		}
		b.reconnect = nil
		if b.stopped || b.sess != nil {
			return
		}
		b.startSession()
	})
}

// detach tells the gateway about a torn down session
func (b *RealtimeBackend) detach(gs GatewaySession, h PluginHandle) {
	ctx, cancel := context.WithTimeout(context.Background(), b.requestTimeout)
	defer cancel()
	if h != nil {
		if err := h.Detach(ctx); err != nil {
			b.log.Debugf("Detach failed: %v", err)
		}
	}
	if gs != nil {
		if err := gs.Destroy(ctx); err != nil {
			b.log.Debugf("Destroy failed: %v", err)
		}
	}
}

func (b *RealtimeBackend) closePeer(s *session) {
	if s.peer == nil {
		return
	}
	if err := s.peer.Close(); err != nil {
		b.log.Debugf("Peer close failed: %v", err)
	}
	s.peer = nil
	if s.mic != nil {
		s.mic.Close()
		s.mic = nil
	}
}

// releaseCapture drops the local capture attachment of s
func (b *RealtimeBackend) releaseCapture(s *session) {
	if s.capture != nil {
		if s.peer != nil {
			if err := s.peer.RemoveLocalTracks(); err != nil {
				b.log.Debugf("Failed to remove capture tracks: %v", err)
			}
		}
		if err := s.capture.Close(); err != nil {
			b.log.Debugf("Failed to close capture: %v", err)
		}
		s.capture = nil
	}
	b.mu.Lock()
	b.captureEnabled = false
	b.mu.Unlock()
}

// send queues a plugin request on the session's outbound queue
func (b *RealtimeBackend) send(s *session, body any, jsep *webrtc.SessionDescription) {
	h := s.handle
	if h == nil {
		return
	}
	s.out.post(func() {
		ctx, cancel := context.WithTimeout(s.ctx, b.requestTimeout)
		defer cancel()
		if err := h.Send(ctx, body, jsep); err != nil && s.ctx.Err() == nil {
			b.log.Warnf("Can't send %v: %v", body, err)
		}
	})
}

func (b *RealtimeBackend) sendWatch(s *session) {
	b.log.Infof("Sending WATCH(orient=%d, audio=%t, mic=%t) ...", b.orientation, b.allowAudio, b.allowMic)
	b.send(s, map[string]any{
		"request": "watch",
		"params": map[string]any{
			"orientation": b.orientation,
			"audio":       b.allowAudio,
			"mic":         b.allowMic,
		},
	}, nil)
	b.setState(StateWatching)
}

// sendStop stops the plugin stream and hangs up locally and remotely
func (b *RealtimeBackend) sendStop(s *session) {
	s.infoPoll.cancel()
	s.infoPoll = nil
	if s.handle == nil {
		return
	}
	b.log.Info("Sending STOP ...")
	b.send(s, map[string]any{"request": "stop"}, nil)

	h := s.handle
	s.out.post(func() {
		ctx, cancel := context.WithTimeout(s.ctx, b.requestTimeout)
		defer cancel()
		if err := h.Hangup(ctx); err != nil && s.ctx.Err() == nil {
			b.log.Debugf("Hangup failed: %v", err)
		}
	})
	b.hangup(s)
}

// hangup drops the PeerConnection but keeps the plugin handle
func (b *RealtimeBackend) hangup(s *session) {
	s.infoPoll.cancel()
	s.infoPoll = nil
	b.releaseCapture(s)
	b.closePeer(s)
	if s.video != "" {
		b.surface.Unbind(b, "video", s.video)
		s.video = ""
		b.setNative(geometry.Size{})
	}
	b.mediaDown()
}

// mediaUp marks inbound media as flowing
func (b *RealtimeBackend) mediaUp() {
	b.setState(StateLive)
	if !b.up {
		b.up = true
		b.cb.active()
	}
}

// mediaDown reports inbound media as gone. The plugin handle stays, so the
// backend waits for the next offer.
func (b *RealtimeBackend) mediaDown() {
	if b.State() == StateLive {
		b.setState(StateWatching)
	}
	if b.up {
		b.up = false
		b.cb.inactive()
	}
}

func (b *RealtimeBackend) startInfoPoll(s *session) {
	s.infoPoll.cancel()
	if s.peer != nil {
		stats := s.peer.Stats()
		s.lastBytes, s.lastFrames = stats.BytesReceived, stats.Frames
	}
	s.lastPoll = b.clock.Now()
	b.updateInfo(s)
	b.armInfoPoll(s)
}

func (b *RealtimeBackend) armInfoPoll(s *session) {
	s.infoPoll = schedule(b.clock, &b.q, b.infoInterval, func(t *task) {
		if b.sess != s || s.infoPoll != t {
			return
		}
		b.updateInfo(s)
		b.armInfoPoll(s)
	})
}

// updateInfo reports bitrate and frames since the last poll
func (b *RealtimeBackend) updateInfo(s *session) {
	if s.handle == nil {
		return
	}
	text := "0 kbps"
	if s.peer != nil {
		stats := s.peer.Stats()
		now := b.clock.Now()
		elapsed := now.Sub(s.lastPoll).Seconds()

		var kbps uint64
		if elapsed > 0 && stats.BytesReceived >= s.lastBytes {
			kbps = uint64(float64(stats.BytesReceived-s.lastBytes) * 8 / 1000 / elapsed)
		}
		var frames uint64
		if stats.Frames >= s.lastFrames {
			frames = stats.Frames - s.lastFrames
		}
		text = fmt.Sprintf("%d kbps / %d fps dynamic", kbps, frames)

		s.lastBytes, s.lastFrames, s.lastPoll = stats.BytesReceived, stats.Frames, now
	}
	b.cb.info(true, isOnline(b.live), text)
}

func opaqueID() string {
	return "oid-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}
