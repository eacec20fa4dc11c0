package stream

import (
	"encoding/json"

	"github.com/pion/webrtc/v3"
	"github.com/tomaslejdung/kvmview/pkg/geometry"
	"github.com/tomaslejdung/kvmview/pkg/janus"
	"github.com/tomaslejdung/kvmview/pkg/peer"
)

// event is one transition input of the realtime state machine. Events
// carry the session they were produced for; events of a replaced session
// are dropped.
type event interface {
	apply(b *RealtimeBackend)
}

type evConnected struct {
	s   *session
	gs  GatewaySession
	err error
}

func (e evConnected) apply(b *RealtimeBackend) {
	if b.sess != e.s {
		if e.gs != nil {
			go b.detach(e.gs, nil)
		}
		return
	}
	if e.err != nil {
		b.log.Errorf("Gateway connect failed: %v", e.err)
		b.cb.info(false, false, e.err.Error())
		b.teardown()
		return
	}

	s := e.s
	s.gw = e.gs
	oid := opaqueID()
	go func() {
		h, err := e.gs.Attach(s.ctx, UStreamerPlugin, oid, func(ev janus.Event) {
			b.post(evPlugin{s: s, ev: ev})
		})
		b.post(evAttached{s: s, h: h, err: err})
	}()
}

type evGatewayClosed struct {
	s   *session
	err error
}

func (e evGatewayClosed) apply(b *RealtimeBackend) {
	if b.sess != e.s {
		return
	}
	text := "Lost connection to the gateway"
	if e.err != nil {
		b.log.Errorf("Gateway connection lost: %v", e.err)
	}
	b.cb.info(false, false, text)
	b.teardown()
}

type evAttached struct {
	s   *session
	h   PluginHandle
	err error
}

func (e evAttached) apply(b *RealtimeBackend) {
	if b.sess != e.s {
		if e.h != nil {
			go b.detach(nil, e.h)
		}
		return
	}
	if e.err != nil {
		b.log.Errorf("Can't attach uStreamer: %v", e.err)
		b.cb.info(false, false, e.err.Error())
		b.teardown()
		return
	}

	e.s.handle = e.h
	b.log.Infof("uStreamer attached: %s", UStreamerPlugin)
	b.log.Info("Sending FEATURES ...")
	b.setState(StateNegotiatingCapabilities)
	b.send(e.s, map[string]any{"request": "features"}, nil)
}

type evPlugin struct {
	s  *session
	ev janus.Event
}

func (e evPlugin) apply(b *RealtimeBackend) {
	if b.sess != e.s {
		return
	}
	s := e.s
	switch e.ev.Type {
	case "event":
		b.onMessage(s, e.ev)
	case "trickle":
		if s.peer == nil || e.ev.Candidate == nil {
			return
		}
		if err := s.peer.AddICECandidate(*e.ev.Candidate); err != nil {
			b.log.Warnf("%v", err)
		}
	case "webrtcup":
		b.log.Info("Gateway says our PeerConnection is up now")
	case "media":
		b.log.Infof("Gateway %s receiving: %t", e.ev.Media, e.ev.Receiving)
	case "slowlink":
		b.log.Warn("Gateway reports a slow link")
	case "hangup":
		b.log.Infof("Gateway hung up: %s", e.ev.Reason)
		b.hangup(s)
	case "detached":
		b.log.Warn("Plugin handle detached by the gateway")
		s.handle = nil
		b.teardown()
	}
}

// onMessage handles a plugin event payload and its optional JSEP
func (b *RealtimeBackend) onMessage(s *session, ev janus.Event) {
	var msg pluginMessage
	if len(ev.Data) > 0 {
		if err := json.Unmarshal(ev.Data, &msg); err != nil {
			b.log.Warnf("Invalid uStreamer message: %v", err)
		}
	}

	if msg.ErrorCode != 0 || msg.Error != "" {
		b.log.Errorf("Got uStreamer error message: %d - %s", msg.ErrorCode, msg.Error)
		b.cb.info(false, false, msg.Error)
		if s.errorRetry == nil {
			s.errorRetry = schedule(b.clock, &b.q, b.errorRetryDelay, func(t *task) {
				if b.sess != s || s.errorRetry != t {
					return
				}
				s.errorRetry = nil
				if !b.stopped {
					b.sendStop(s)
					b.sendWatch(s)
				}
			})
		}
		return
	}

	s.errorRetry.cancel()
	s.errorRetry = nil

	if msg.Result != nil {
		b.log.Infof("Got uStreamer result message: %s", msg.Result.Status)
		switch msg.Result.Status {
		case "started":
			b.mediaUp()
			if s.video != "" {
				b.updateInfo(s)
			} else {
				b.cb.info(false, false, "")
			}
			b.maybeAutoCapture(s)
		case "stopped":
			b.mediaDown()
			b.setState(StateWatching)
			b.cb.info(false, false, "")
		case "features":
			s.features = msg.Result.Features
			b.mu.Lock()
			b.features = s.features
			b.mu.Unlock()
			b.sendWatch(s)
		}
	}

	if ev.JSEP == nil {
		return
	}
	switch ev.JSEP.Type {
	case webrtc.SDPTypeOffer:
		b.answer(s, *ev.JSEP)
	case webrtc.SDPTypeAnswer:
		if s.pendingAnswer != nil {
			s.pendingAnswer <- *ev.JSEP
			s.pendingAnswer = nil
			return
		}
		if s.peer != nil {
			if err := s.peer.SetAnswer(*ev.JSEP); err != nil {
				b.log.Warnf("%v", err)
			}
		}
	}
}

// answer creates the local answer off the queue and reports back
func (b *RealtimeBackend) answer(s *session, offer webrtc.SessionDescription) {
	b.log.Info("Handling SDP offer ...")
	b.setState(StateAwaitingAnswer)

	if s.peer == nil {
		s.peerGen++
		gen := s.peerGen
		p, err := b.newPeer(peer.Config{
			ICEServers:    peer.ICEServers(s.features.iceURL()),
			LoggerFactory: b.factory,
			OnTrack: func(track peer.RemoteTrack) {
				b.post(evTrack{s: s, gen: gen, track: track})
			},
			OnTrackEnded: func(track peer.RemoteTrack) {
				b.post(evTrackEnded{s: s, gen: gen, track: track})
			},
			OnStateChange: func(state webrtc.PeerConnectionState) {
				b.post(evPeerState{s: s, gen: gen, state: state})
			},
		})
		if err != nil {
			b.log.Errorf("Error on SDP handling: %v", err)
			b.cb.info(false, false, err.Error())
			return
		}
		s.peer = p
	}
	p := s.peer
	needMic := b.allowMic && b.microphone != nil && s.mic == nil

	go func() {
		spec := peer.MediaSpec{Audio: b.allowAudio}
		var mic peer.Capture
		if needMic {
			c, err := b.microphone.Acquire(s.ctx)
			if err != nil {
				b.log.Warnf("Can't acquire microphone: %v", err)
			} else {
				mic = c
				spec.MicTracks = c.Tracks()
			}
		}
		answer, err := p.Answer(s.ctx, offer, spec)
		b.post(evAnswered{s: s, p: p, answer: answer, mic: mic, err: err})
	}()
}

type evAnswered struct {
	s      *session
	p      Peer
	answer webrtc.SessionDescription
	mic    peer.Capture
	err    error
}

func (e evAnswered) apply(b *RealtimeBackend) {
	if b.sess != e.s || e.s.peer != e.p {
		if e.mic != nil {
			e.mic.Close()
		}
		return
	}
	if e.mic != nil {
		e.s.mic = e.mic
	}
	if e.err != nil {
		b.log.Errorf("Error on SDP handling: %v", e.err)
		b.cb.info(false, false, e.err.Error())
		return
	}
	b.log.Info("Sending START ...")
	b.send(e.s, map[string]any{"request": "start"}, &e.answer)
}

// current reports whether events of peer generation gen are still relevant
func (s *session) current(b *RealtimeBackend, gen uint64) bool {
	return b.sess == s && s.peer != nil && s.peerGen == gen
}

type evPeerState struct {
	s     *session
	gen   uint64
	state webrtc.PeerConnectionState
}

func (e evPeerState) apply(b *RealtimeBackend) {
	if !e.s.current(b, e.gen) {
		return
	}
	b.log.Infof("Peer connection state changed to %s", e.state)
	if e.state == webrtc.PeerConnectionStateFailed {
		b.teardown()
	}
}

type evTrack struct {
	s     *session
	gen   uint64
	track peer.RemoteTrack
}

func (e evTrack) apply(b *RealtimeBackend) {
	if !e.s.current(b, e.gen) {
		return
	}
	if e.track.Kind != webrtc.RTPCodecTypeVideo {
		b.log.Debugf("Ignoring remote %s track %s", e.track.Kind, e.track.ID)
		return
	}
	if err := b.surface.Bind(b, "video", e.track.ID); err != nil {
		b.log.Errorf("Can't bind track %s: %v", e.track.ID, err)
		return
	}
	e.s.video = e.track.ID
	b.mediaUp()
	b.refreshNative()
	b.startInfoPoll(e.s)
}

type evTrackEnded struct {
	s     *session
	gen   uint64
	track peer.RemoteTrack
}

func (e evTrackEnded) apply(b *RealtimeBackend) {
	if !e.s.current(b, e.gen) || e.track.Kind != webrtc.RTPCodecTypeVideo {
		return
	}
	b.surface.Unbind(b, "video", e.track.ID)
	if e.s.video == e.track.ID {
		e.s.video = ""
		e.s.infoPoll.cancel()
		e.s.infoPoll = nil
		b.setNative(geometry.Size{})
		b.mediaDown()
	}
}
