package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/pion/logging"
	"github.com/tomaslejdung/kvmview/pkg/geometry"
	"github.com/tomaslejdung/kvmview/pkg/janus"
	"github.com/tomaslejdung/kvmview/pkg/kvmd"
	"github.com/tomaslejdung/kvmview/pkg/peer"
	"github.com/tomaslejdung/kvmview/pkg/stream"
)

// Messages sent from the controller and the state feed
type streamActiveMsg bool

type streamInfoMsg stream.Info

type streamGeometryMsg geometry.Rect

type streamControlsMsg stream.Controls

type streamModeMsg struct {
	mode stream.Mode
	name string
}

// feedMsg reports whether the device state feed is connected
type feedMsg bool

// eventObserver queues controller output for the TUI. The queue keeps
// order and never calls back into the controller. Events are dropped once
// done is closed.
type eventObserver struct {
	events chan<- tea.Msg
	done   <-chan struct{}
}

func (o eventObserver) send(msg tea.Msg) {
	select {
	case o.events <- msg:
	case <-o.done:
	}
}

func (o eventObserver) StreamActive(active bool) { o.send(streamActiveMsg(active)) }

func (o eventObserver) StreamInfo(info stream.Info) { o.send(streamInfoMsg(info)) }

func (o eventObserver) StreamOrganized(geo geometry.Rect) { o.send(streamGeometryMsg(geo)) }

func (o eventObserver) StreamControls(controls stream.Controls) {
	o.send(streamControlsMsg(controls))
}

func (o eventObserver) StreamModeChanged(mode stream.Mode, name string) {
	o.send(streamModeMsg{mode: mode, name: name})
}

// sinks consume decoded-side media: the elementary stream is appended to
// a recording, snapshots replace a file
type sinks struct {
	frames    atomic.Uint64
	keyframes atomic.Uint64
	bytes     atomic.Uint64
	snapshots atomic.Uint64

	mu           sync.Mutex
	record       *os.File
	recording    bool // waiting for a keyframe until set
	snapshotPath string
	log          logging.LeveledLogger
}

func (s *sinks) frame(f stream.Frame) {
	s.frames.Add(1)
	s.bytes.Add(uint64(len(f.Data)))
	if f.Key {
		s.keyframes.Add(1)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.record == nil {
		return
	}
	// A recording must start on a keyframe to be decodable
	if !s.recording && !f.Key {
		return
	}
	s.recording = true
	if _, err := s.record.Write(f.Data); err != nil {
		s.log.Errorf("Recording failed, stopping: %v", err)
		s.record.Close()
		s.record = nil
	}
}

func (s *sinks) snapshot(jpeg []byte, _ geometry.Size) {
	s.snapshots.Add(1)
	s.bytes.Add(uint64(len(jpeg)))
	if s.snapshotPath == "" {
		return
	}

	// Replace atomically so viewers never see a partial image
	tmp := s.snapshotPath + ".tmp"
	if err := os.WriteFile(tmp, jpeg, 0644); err != nil {
		s.log.Warnf("Failed to write snapshot: %v", err)
		return
	}
	if err := os.Rename(tmp, s.snapshotPath); err != nil {
		s.log.Warnf("Failed to replace snapshot: %v", err)
	}
}

func (s *sinks) close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.record == nil {
		return nil
	}
	err := s.record.Close()
	s.record = nil
	return err
}

// app wires the device feed, the backends and the controller together
type app struct {
	config     Config
	device     *kvmd.Client
	controller *stream.Controller
	sinks      *sinks
	events     chan tea.Msg
	done       chan struct{}
	closeOnce  sync.Once
	log        logging.LeveledLogger
}

func newApp(config Config, lf logging.LoggerFactory) (*app, error) {
	log := lf.NewLogger("app")

	device, err := kvmd.NewClient(kvmd.Config{
		URL:           config.URL,
		User:          config.User,
		Password:      config.Password,
		Insecure:      config.Insecure,
		LoggerFactory: lf,
	})
	if err != nil {
		return nil, err
	}

	out := &sinks{log: log}
	if config.RecordFile != "" {
		f, err := os.Create(config.RecordFile)
		if err != nil {
			return nil, fmt.Errorf("failed to create recording: %w", err)
		}
		out.record = f
	}
	if config.SnapshotFile != "" {
		out.snapshotPath = filepath.Clean(config.SnapshotFile)
	}

	backends := &stream.Backends{
		Gateway: stream.JanusGateway{Client: janus.NewClient(janus.Config{
			URL:           device.JanusURL(),
			Header:        device.Header(),
			Dialer:        device.Dialer(),
			LoggerFactory: lf,
		})},
		NewPeer:       stream.NewPeer,
		MediaURL:      device.MediaURL(),
		SnapshotURL:   device.SnapshotURL(),
		Header:        device.Header(),
		Dialer:        device.Dialer(),
		HTTPClient:    device.HTTPClient(),
		FrameSink:     out.frame,
		SnapshotSink:  out.snapshot,
		LoggerFactory: lf,
	}
	// Interface fields stay nil without a file
	if config.CaptureFile != "" {
		backends.Capturer = &peer.FileCapturer{Path: config.CaptureFile, LoggerFactory: lf}
	}
	if config.MicFile != "" {
		backends.Microphone = &peer.FileCapturer{Path: config.MicFile, LoggerFactory: lf}
	}

	events := make(chan tea.Msg, 64)
	done := make(chan struct{})
	controller := stream.NewController(stream.ControllerConfig{
		Backends: backends,
		Support: stream.Support{
			Realtime: !config.NoWebRTC,
			Decoder:  !config.NoDecoder,
		},
		Preferences:   config.preferences(),
		Observer:      eventObserver{events: events, done: done},
		LoggerFactory: lf,
	})
	controller.SetSuspended(config.Suspend)

	return &app{
		config:     config,
		device:     device,
		controller: controller,
		sinks:      out,
		events:     events,
		done:       done,
		log:        log,
	}, nil
}

func (c Config) preferences() stream.Preferences {
	mode := stream.ModeRealtime
	if preset := ModeByName(c.Mode); preset != nil {
		mode = preset.Mode
	}
	return stream.Preferences{
		Mode:         mode,
		Orientation:  c.Orientation,
		AllowAudio:   c.Audio,
		AllowMic:     c.Mic,
		AllowCapture: c.Capture,
	}
}

// forward delivers queued events to the program until ctx is done
func (a *app) forward(ctx context.Context, send func(tea.Msg)) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-a.done:
			return
		case msg := <-a.events:
			send(msg)
		}
	}
}

// run follows the device state feed until ctx is done
func (a *app) run(ctx context.Context) error {
	err := a.device.Run(ctx, func(u *stream.Update) {
		a.controller.SetState(u)
		select {
		case a.events <- feedMsg(u != nil):
		case <-ctx.Done():
		}
	})
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// close stops streaming and flushes the recording
func (a *app) close() error {
	var err error
	a.closeOnce.Do(func() {
		close(a.done)
		a.controller.Close()
		err = a.sinks.close()
	})
	return err
}
