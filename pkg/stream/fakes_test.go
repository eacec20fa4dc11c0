package stream

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/pion/logging"
	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/require"
	"github.com/tomaslejdung/kvmview/pkg/janus"
	"github.com/tomaslejdung/kvmview/pkg/peer"
)

const waitFor = 2 * time.Second
const tick = 5 * time.Millisecond

var quietLogs = func() logging.LoggerFactory {
	f := logging.NewDefaultLoggerFactory()
	f.DefaultLogLevel = logging.LogLevelDisabled
	return f
}()

// fakeClock fires timers only when advanced
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

type fakeTimer struct {
	clock   *fakeClock
	at      time.Time
	fn      func()
	stopped bool
	fired   bool
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1700000000, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) AfterFunc(d time.Duration, fn func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{clock: c, at: c.now.Add(d), fn: fn}
	c.timers = append(c.timers, t)
	return t
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	if t.stopped || t.fired {
		return false
	}
	t.stopped = true
	return true
}

// Advance moves time forward and runs every due timer
func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	var due []*fakeTimer
	for _, t := range c.timers {
		if !t.stopped && !t.fired && !t.at.After(c.now) {
			t.fired = true
			due = append(due, t)
		}
	}
	c.mu.Unlock()
	for _, t := range due {
		t.fn()
	}
}

// Pending counts armed timers due within d
func (c *fakeClock) Pending(d time.Duration) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, t := range c.timers {
		if !t.stopped && !t.fired && !t.at.After(c.now.Add(d)) {
			n++
		}
	}
	return n
}

type sentRequest struct {
	Request string
	Body    map[string]any
	JSEP    *webrtc.SessionDescription
}

type fakeHandle struct {
	mu       sync.Mutex
	onEvent  func(janus.Event)
	sent     []sentRequest
	rejected map[string]error // requests the gateway refuses
	hangups  int
	detaches int
}

func (h *fakeHandle) Send(_ context.Context, body any, jsep *webrtc.SessionDescription) error {
	m, _ := body.(map[string]any)
	req, _ := m["request"].(string)
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sent = append(h.sent, sentRequest{Request: req, Body: m, JSEP: jsep})
	return h.rejected[req]
}

func (h *fakeHandle) reject(request string, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.rejected == nil {
		h.rejected = make(map[string]error)
	}
	if err == nil {
		delete(h.rejected, request)
		return
	}
	h.rejected[request] = err
}

func (h *fakeHandle) Hangup(context.Context) error {
	h.mu.Lock()
	h.hangups++
	h.mu.Unlock()
	return nil
}

func (h *fakeHandle) Detach(context.Context) error {
	h.mu.Lock()
	h.detaches++
	h.mu.Unlock()
	return nil
}

func (h *fakeHandle) requests() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, 0, len(h.sent))
	for _, s := range h.sent {
		out = append(out, s.Request)
	}
	return out
}

func (h *fakeHandle) count(request string) int {
	n := 0
	for _, r := range h.requests() {
		if r == request {
			n++
		}
	}
	return n
}

func (h *fakeHandle) last(request string) sentRequest {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i := len(h.sent) - 1; i >= 0; i-- {
		if h.sent[i].Request == request {
			return h.sent[i]
		}
	}
	return sentRequest{}
}

func (h *fakeHandle) event(data string, jsep *webrtc.SessionDescription) {
	h.onEvent(janus.Event{Type: "event", Data: json.RawMessage(data), JSEP: jsep})
}

func (h *fakeHandle) waitCount(t *testing.T, request string, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return h.count(request) >= n }, waitFor, tick,
		"waiting for %d %q requests, got %v", n, request, h.requests())
}

type fakeGatewaySession struct {
	mu        sync.Mutex
	onClose   func(error)
	handles   []*fakeHandle
	destroyed int
}

func (s *fakeGatewaySession) Attach(_ context.Context, plugin, opaqueID string, onEvent func(janus.Event)) (PluginHandle, error) {
	h := &fakeHandle{onEvent: onEvent}
	s.mu.Lock()
	s.handles = append(s.handles, h)
	s.mu.Unlock()
	return h, nil
}

func (s *fakeGatewaySession) Destroy(context.Context) error {
	s.mu.Lock()
	s.destroyed++
	s.mu.Unlock()
	return nil
}

type fakeGateway struct {
	mu       sync.Mutex
	err      error
	sessions []*fakeGatewaySession
	connects int
}

func (g *fakeGateway) Connect(_ context.Context, onClose func(error)) (GatewaySession, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.connects++
	if g.err != nil {
		return nil, g.err
	}
	s := &fakeGatewaySession{onClose: onClose}
	g.sessions = append(g.sessions, s)
	return s, nil
}

func (g *fakeGateway) connectCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.connects
}

func (g *fakeGateway) setErr(err error) {
	g.mu.Lock()
	g.err = err
	g.mu.Unlock()
}

// waitHandle waits for the n-th session (0 based) to attach its handle
func (g *fakeGateway) waitHandle(t *testing.T, n int) (*fakeGatewaySession, *fakeHandle) {
	t.Helper()
	var (
		s *fakeGatewaySession
		h *fakeHandle
	)
	require.Eventually(t, func() bool {
		g.mu.Lock()
		defer g.mu.Unlock()
		if len(g.sessions) <= n {
			return false
		}
		s = g.sessions[n]
		s.mu.Lock()
		defer s.mu.Unlock()
		if len(s.handles) == 0 {
			return false
		}
		h = s.handles[len(s.handles)-1]
		return true
	}, waitFor, tick, "waiting for gateway session %d", n)
	return s, h
}

type fakePeer struct {
	config peer.Config

	mu          sync.Mutex
	specs       []peer.MediaSpec
	offers      int
	offered     bool // an offer waits for its answer
	rollbacks   int
	setAnswers  int
	localTracks int
	adds        int
	candidates  int
	closed      bool
	addErr      error
	offerErr    error
	stats       peer.Stats
}

var fakeSDP = webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0\r\n"}

func (p *fakePeer) Answer(_ context.Context, _ webrtc.SessionDescription, spec peer.MediaSpec) (webrtc.SessionDescription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.specs = append(p.specs, spec)
	return fakeSDP, nil
}

func (p *fakePeer) Offer(context.Context) (webrtc.SessionDescription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.offers++
	if p.offerErr != nil {
		return webrtc.SessionDescription{}, p.offerErr
	}
	if p.offered {
		return webrtc.SessionDescription{}, errors.New("cannot renegotiate in signaling state have-local-offer")
	}
	p.offered = true
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0\r\n"}, nil
}

func (p *fakePeer) SetAnswer(webrtc.SessionDescription) error {
	p.mu.Lock()
	p.setAnswers++
	p.offered = false
	p.mu.Unlock()
	return nil
}

func (p *fakePeer) Rollback() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.offered {
		p.offered = false
		p.rollbacks++
	}
	return nil
}

func (p *fakePeer) rollbackCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.rollbacks
}

func (p *fakePeer) AddICECandidate(webrtc.ICECandidateInit) error {
	p.mu.Lock()
	p.candidates++
	p.mu.Unlock()
	return nil
}

func (p *fakePeer) AddLocalTracks(tracks []webrtc.TrackLocal) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.addErr != nil {
		return p.addErr
	}
	p.adds++
	p.localTracks += len(tracks)
	return nil
}

func (p *fakePeer) RemoveLocalTracks() error {
	p.mu.Lock()
	p.localTracks = 0
	p.mu.Unlock()
	return nil
}

func (p *fakePeer) Stats() peer.Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}

func (p *fakePeer) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	return nil
}

func (p *fakePeer) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *fakePeer) tracks() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.localTracks
}

// fire simulates a remote track arriving
func (p *fakePeer) fire(id string, kind webrtc.RTPCodecType) {
	p.config.OnTrack(peer.RemoteTrack{ID: id, Kind: kind})
}

type fakePeers struct {
	mu     sync.Mutex
	peers  []*fakePeer
	offErr error
	addErr error
}

func (f *fakePeers) New(config peer.Config) (Peer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p := &fakePeer{config: config, offerErr: f.offErr, addErr: f.addErr}
	f.peers = append(f.peers, p)
	return p, nil
}

func (f *fakePeers) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.peers)
}

func (f *fakePeers) waitPeer(t *testing.T, n int) *fakePeer {
	t.Helper()
	require.Eventually(t, func() bool { return f.count() > n }, waitFor, tick, "waiting for peer %d", n)
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.peers[n]
}

type fakeCapture struct {
	tracks []webrtc.TrackLocal
	mu     sync.Mutex
	closed bool
}

func (c *fakeCapture) Tracks() []webrtc.TrackLocal { return c.tracks }

func (c *fakeCapture) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

type fakeCapturer struct {
	mu       sync.Mutex
	err      error
	acquired []*fakeCapture
}

func (c *fakeCapturer) Acquire(context.Context) (peer.Capture, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return nil, c.err
	}
	track, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, "video", "capture")
	if err != nil {
		return nil, err
	}
	capture := &fakeCapture{tracks: []webrtc.TrackLocal{track}}
	c.acquired = append(c.acquired, capture)
	return capture, nil
}

func (c *fakeCapturer) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.acquired)
}

var errBoom = errors.New("boom")

// recorder collects backend callbacks
type recorder struct {
	mu       sync.Mutex
	active   int
	inactive int
	up       bool // last of OnActive and OnInactive
	infos    []string
}

func (r *recorder) callbacks() Callbacks {
	return Callbacks{
		OnActive: func() {
			r.mu.Lock()
			r.active++
			r.up = true
			r.mu.Unlock()
		},
		OnInactive: func() {
			r.mu.Lock()
			r.inactive++
			r.up = false
			r.mu.Unlock()
		},
		OnInfo: func(_, _ bool, text string) {
			r.mu.Lock()
			r.infos = append(r.infos, text)
			r.mu.Unlock()
		},
	}
}

func (r *recorder) activeCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active
}

func (r *recorder) isUp() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.up
}

func (r *recorder) lastInfo() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.infos) == 0 {
		return ""
	}
	return r.infos[len(r.infos)-1]
}
