package stream

import (
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/pion/logging"
	"github.com/tomaslejdung/kvmview/pkg/peer"
)

// BackendFactory builds the backend for a tier
type BackendFactory interface {
	NewBackend(mode Mode, prefs Preferences, surface *Surface, cb Callbacks) Backend
}

// Backends holds what every tier needs to reach the device
type Backends struct {
	Gateway    Gateway
	NewPeer    PeerFactory
	Capturer   peer.Capturer
	Microphone peer.Capturer

	MediaURL    string // ws://host/api/media/ws
	SnapshotURL string // http://host/api/streamer/snapshot
	Header      http.Header
	Dialer      *websocket.Dialer
	HTTPClient  *http.Client

	FrameSink    FrameSink
	SnapshotSink SnapshotSink

	Clock         Clock
	LoggerFactory logging.LoggerFactory
}

func (f *Backends) NewBackend(mode Mode, prefs Preferences, surface *Surface, cb Callbacks) Backend {
	switch mode {
	case ModeRealtime:
		return NewRealtimeBackend(RealtimeConfig{
			Gateway:       f.Gateway,
			NewPeer:       f.NewPeer,
			Surface:       surface,
			Callbacks:     cb,
			Clock:         f.Clock,
			LoggerFactory: f.LoggerFactory,
			Orientation:   prefs.Orientation,
			AllowAudio:    prefs.AllowAudio,
			AllowMic:      prefs.AllowMic,
			AllowCapture:  prefs.AllowCapture,
			Capturer:      f.Capturer,
			Microphone:    f.Microphone,
		})
	case ModeElementary:
		return NewElementaryBackend(ElementaryConfig{
			URL:           f.MediaURL,
			Header:        f.Header,
			Dialer:        f.Dialer,
			Surface:       surface,
			Callbacks:     cb,
			Clock:         f.Clock,
			LoggerFactory: f.LoggerFactory,
			Orientation:   prefs.Orientation,
			Sink:          f.FrameSink,
		})
	default:
		return NewFallbackBackend(FallbackConfig{
			URL:           f.SnapshotURL,
			Header:        f.Header,
			Client:        f.HTTPClient,
			Surface:       surface,
			Callbacks:     cb,
			Clock:         f.Clock,
			LoggerFactory: f.LoggerFactory,
			Sink:          f.SnapshotSink,
		})
	}
}
