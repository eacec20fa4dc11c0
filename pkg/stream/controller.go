package stream

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/pion/logging"
	"github.com/tomaslejdung/kvmview/pkg/geometry"
)

// Observer receives controller output. Methods are called from backend
// goroutines and from the goroutine issuing a command; they must not call
// back into the controller synchronously.
type Observer interface {
	StreamActive(active bool)
	StreamInfo(info Info)
	StreamOrganized(geo geometry.Rect)
	StreamControls(controls Controls)
	StreamModeChanged(mode Mode, name string)
}

type nopObserver struct{}

func (nopObserver) StreamActive(bool) {}
func (nopObserver) StreamInfo(Info) {}
func (nopObserver) StreamOrganized(geometry.Rect) {}
func (nopObserver) StreamControls(Controls) {}
func (nopObserver) StreamModeChanged(Mode, string) {}

// DefaultResolution is shown in the title until the device reports one
var DefaultResolution = geometry.Size{Width: 640, Height: 480}

// ControllerConfig configures a Controller
type ControllerConfig struct {
	Backends      BackendFactory
	Support       Support
	Preferences   Preferences
	Observer      Observer
	Surface       *Surface // defaults to a 640x480 viewport
	LoggerFactory logging.LoggerFactory
}

// slot pairs a backend with the callbacks it was built with. Callbacks of
// a replaced slot are ignored.
type slot struct {
	backend Backend
}

// Controller owns the active backend, decides which tier runs and gates
// streaming on visibility
type Controller struct {
	backends BackendFactory
	observer Observer
	surface  *Surface
	log      logging.LeveledLogger

	current atomic.Pointer[slot]

	// mu serializes commands. It is never taken from backend callbacks.
	mu            sync.Mutex
	support       Support
	prefs         Preferences
	windowVisible bool
	pageVisible   bool
	suspended     bool

	// stateMu guards what callbacks read
	stateMu  sync.Mutex
	features *Features
	limits   *Limits
	streamer *StreamerState
	res      geometry.Size
	controls Controls
	active   bool
	info     Info
}

// NewController starts with the fallback tier until the device reports its
// features
func NewController(config ControllerConfig) *Controller {
	if config.Observer == nil {
		config.Observer = nopObserver{}
	}
	if config.Surface == nil {
		config.Surface = NewSurface(DefaultResolution)
	}
	if config.LoggerFactory == nil {
		config.LoggerFactory = logging.NewDefaultLoggerFactory()
	}

	c := &Controller{
		backends:      config.Backends,
		observer:      config.Observer,
		surface:       config.Surface,
		log:           config.LoggerFactory.NewLogger("stream"),
		support:       config.Support,
		prefs:         config.Preferences,
		windowVisible: true,
		pageVisible:   true,
		res:           DefaultResolution,
		controls:      DefaultControls(),
	}
	c.install(ModeFallback)
	return c
}

// SetState merges a partial device update and applies it. A nil update
// clears everything and stops streaming.
func (c *Controller) SetState(u *Update) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.stateMu.Lock()
	if u == nil {
		c.features, c.limits = nil, nil
		c.streamer = nil
		c.controls.Enabled = false
	} else {
		if u.Features != nil {
			// Limits always follow together with features
			c.features, c.limits = u.Features, u.Limits
			c.controls.applyFeatures(*c.features, c.limits, c.support)
		}
		if c.features != nil && u.HasStreamer {
			c.streamer = u.Streamer
			c.controls.Enabled = u.Streamer != nil
			if u.Streamer != nil {
				c.res = u.Streamer.Source.Resolution
				c.controls.applyStreamer(u.Streamer)
			}
		}
	}
	features := c.features
	c.stateMu.Unlock()
	c.emitControls()

	if u == nil || !c.required() || features == nil {
		c.backend().StopStream()
		return
	}
	if u.Features != nil {
		c.selectMode()
	}
	if u.Streamer != nil {
		c.backend().EnsureStream(u.Streamer)
	}
}

// Geometry letterboxes the active backend's frame into its viewport
func (c *Controller) Geometry() geometry.Rect {
	res := c.backend().Resolution()
	return geometry.Letterbox(res.Native, res.View)
}

// SetVisibility reports whether the stream window and the page showing it
// are visible
func (c *Controller) SetVisibility(window, page bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.windowVisible, c.pageVisible = window, page
	c.applyVisibility()
}

// SetSuspended enables stopping the stream while the page is hidden
func (c *Controller) SetSuspended(suspended bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.suspended = suspended
	c.applyVisibility()
}

// SetSupport replaces the local support probes and re-resolves the mode
func (c *Controller) SetSupport(s Support) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.support = s

	c.stateMu.Lock()
	features := c.features
	if features != nil {
		c.controls.applyFeatures(*features, c.limits, s)
		if c.streamer != nil {
			c.controls.applyStreamer(c.streamer)
		}
	}
	c.stateMu.Unlock()
	c.emitControls()

	if features != nil && c.required() {
		c.selectMode()
	}
}

// SetPreferences applies new user choices. A mode change swaps the backend;
// orientation, audio and mic changes rebuild the realtime backend, and
// orientation rebuilds the elementary one. A capture change is toggled on
// the live session when possible.
func (c *Controller) SetPreferences(ctx context.Context, p Preferences) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	old := c.prefs
	c.prefs = p
	b := c.backend()

	mode := b.Mode()
	if p.Mode != old.Mode {
		mode = p.Mode
		c.stateMu.Lock()
		if c.features != nil {
			mode = ResolveMode(p.Mode, *c.features, c.support)
		}
		c.stateMu.Unlock()
	}

	switch {
	case mode != b.Mode():
		c.reset(mode)
	case mode == ModeRealtime && c.realtimeChanged(b, p):
		c.reset(mode)
	case mode == ModeElementary && b.Orientation() != p.Orientation:
		c.reset(mode)
	case mode == ModeRealtime && p.AllowCapture != old.AllowCapture:
		if _, err := b.ToggleCapture(ctx, p.AllowCapture); err != nil {
			if errors.Is(err, ErrHandleNotReady) {
				// Not negotiated yet; the rebuilt backend picks it up on start
				c.reset(mode)
				return nil
			}
			c.prefs.AllowCapture = old.AllowCapture
			c.emitControls()
			return err
		}
		c.emitControls()
	}
	return nil
}

func (c *Controller) realtimeChanged(b Backend, p Preferences) bool {
	if b.Orientation() != p.Orientation {
		return true
	}
	ab, ok := b.(audioBackend)
	if !ok {
		return false
	}
	allowMic := p.AllowAudio && p.AllowMic
	return ab.AudioAllowed() != p.AllowAudio || ab.MicAllowed() != allowMic
}

// audioBackend is a backend that carries audio and microphone
type audioBackend interface {
	AudioAllowed() bool
	MicAllowed() bool
}

// ToggleCapture enables or disables the local capture on the running
// backend. The preference follows the result.
func (c *Controller) ToggleCapture(ctx context.Context, enable bool) (bool, error) {
	b := c.backend()
	enabled, err := b.ToggleCapture(ctx, enable)
	if err == nil {
		c.mu.Lock()
		c.prefs.AllowCapture = enabled
		c.mu.Unlock()
	}
	c.emitControls()
	return enabled, err
}

// Reset rebuilds the running backend with the current preferences
func (c *Controller) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reset(c.backend().Mode())
}

// Close stops the running backend
func (c *Controller) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.backend().StopStream()
}

// SetViewport resizes the display surface
func (c *Controller) SetViewport(view geometry.Size) {
	c.surface.SetViewport(view)
	c.observer.StreamOrganized(c.Geometry())
}

// Mode returns the running tier
func (c *Controller) Mode() Mode { return c.backend().Mode() }

// Backend returns the running backend
func (c *Controller) Backend() Backend { return c.backend() }

// Surface returns the display surface backends attach to
func (c *Controller) Surface() *Surface { return c.surface }

// Preferences returns the current user choices
func (c *Controller) Preferences() Preferences {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.prefs
}

// Controls returns the derived control state
func (c *Controller) Controls() Controls {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	c.controls.applyBackend(c.backend(), c.features)
	return c.controls
}

// Info returns the last reported status
func (c *Controller) Info() Info {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.info
}

// Active reports whether the running backend has media
func (c *Controller) Active() bool {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.active
}

func (c *Controller) backend() Backend {
	return c.current.Load().backend
}

func (c *Controller) required() bool {
	return c.windowVisible && (!c.suspended || c.pageVisible)
}

// applyVisibility stops when not required, otherwise re-applies the last
// known state
func (c *Controller) applyVisibility() {
	c.stateMu.Lock()
	features, streamer := c.features, c.streamer
	c.stateMu.Unlock()

	if !c.required() || features == nil {
		c.backend().StopStream()
		return
	}
	c.selectMode()
	if streamer != nil {
		c.backend().EnsureStream(streamer)
	}
}

// selectMode swaps the backend when the resolved tier changed. The stored
// preference is kept so a later upgrade restores it.
func (c *Controller) selectMode() {
	c.stateMu.Lock()
	f := *c.features
	c.stateMu.Unlock()

	mode := ResolveMode(c.prefs.Mode, f, c.support)
	c.log.Infof("Mode resolved: preferred=%s h264=%t realtime=%t decoder=%t -> %s",
		c.prefs.Mode, f.H264, c.support.Realtime, c.support.Decoder, mode)
	if mode != c.backend().Mode() {
		c.reset(mode)
	}
}

// reset stops the running backend fully before the next one is built
func (c *Controller) reset(mode Mode) {
	c.backend().StopStream()
	c.install(mode)

	c.stateMu.Lock()
	features, streamer := c.features, c.streamer
	c.stateMu.Unlock()
	c.emitControls()

	if c.required() && features != nil {
		c.backend().EnsureStream(streamer)
	}
}

func (c *Controller) install(mode Mode) {
	s := &slot{}
	s.backend = c.backends.NewBackend(mode, c.prefs, c.surface, c.callbacks(s))
	c.current.Store(s)
	c.log.Infof("Using %s (%s)", s.backend.Name(), mode)
	c.observer.StreamModeChanged(mode, s.backend.Name())
}

func (c *Controller) callbacks(s *slot) Callbacks {
	return Callbacks{
		OnActive: func() {
			if c.current.Load() == s {
				c.setActive(true)
			}
		},
		OnInactive: func() {
			if c.current.Load() == s {
				c.setActive(false)
			}
		},
		OnInfo: func(active, online bool, text string) {
			if c.current.Load() != s {
				return
			}
			c.stateMu.Lock()
			info := Info{
				Active: active,
				Online: online,
				Text:   text,
				Title:  FormatTitle(s.backend.Name(), active, online, c.res, text),
			}
			c.info = info
			c.stateMu.Unlock()
			c.observer.StreamInfo(info)
		},
		OnOrganize: func() {
			if c.current.Load() == s {
				c.observer.StreamOrganized(c.Geometry())
			}
		},
	}
}

func (c *Controller) setActive(active bool) {
	c.stateMu.Lock()
	changed := c.active != active
	c.active = active
	c.stateMu.Unlock()
	if changed {
		c.observer.StreamActive(active)
	}
	// Remote features usually arrive right before the stream starts
	c.emitControls()
}

func (c *Controller) emitControls() {
	c.observer.StreamControls(c.Controls())
}
