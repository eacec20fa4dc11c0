package stream

import (
	"context"

	"github.com/pion/webrtc/v3"
	"github.com/tomaslejdung/kvmview/pkg/janus"
	"github.com/tomaslejdung/kvmview/pkg/peer"
)

// Gateway opens signaling sessions
type Gateway interface {
	// Connect opens a session; onClose fires once if the connection is lost
	Connect(ctx context.Context, onClose func(error)) (GatewaySession, error)
}

// GatewaySession is one signaling connection
type GatewaySession interface {
	Attach(ctx context.Context, plugin, opaqueID string, onEvent func(janus.Event)) (PluginHandle, error)
	Destroy(ctx context.Context) error
}

// PluginHandle is an attached media plugin
type PluginHandle interface {
	Send(ctx context.Context, body any, jsep *webrtc.SessionDescription) error
	Hangup(ctx context.Context) error
	Detach(ctx context.Context) error
}

// Peer is the media connection of a session
type Peer interface {
	Answer(ctx context.Context, offer webrtc.SessionDescription, spec peer.MediaSpec) (webrtc.SessionDescription, error)
	Offer(ctx context.Context) (webrtc.SessionDescription, error)
	SetAnswer(answer webrtc.SessionDescription) error
	Rollback() error
	AddICECandidate(candidate webrtc.ICECandidateInit) error
	AddLocalTracks(tracks []webrtc.TrackLocal) error
	RemoveLocalTracks() error
	Stats() peer.Stats
	Close() error
}

// PeerFactory creates the media connection for a session
type PeerFactory func(config peer.Config) (Peer, error)

// NewPeer is the pion backed PeerFactory
func NewPeer(config peer.Config) (Peer, error) {
	return peer.New(config)
}

// JanusGateway adapts a janus.Client to Gateway
type JanusGateway struct {
	Client *janus.Client
}

func (g JanusGateway) Connect(ctx context.Context, onClose func(error)) (GatewaySession, error) {
	s, err := g.Client.Connect(ctx, onClose)
	if err != nil {
		return nil, err
	}
	return janusSession{s}, nil
}

type janusSession struct {
	s *janus.Session
}

func (js janusSession) Attach(ctx context.Context, plugin, opaqueID string, onEvent func(janus.Event)) (PluginHandle, error) {
	h, err := js.s.Attach(ctx, plugin, opaqueID, onEvent)
	if err != nil {
		return nil, err
	}
	return h, nil
}

func (js janusSession) Destroy(ctx context.Context) error {
	return js.s.Destroy(ctx)
}
