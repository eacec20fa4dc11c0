package stream

import (
	"context"

	"github.com/tomaslejdung/kvmview/pkg/geometry"
)

// Backend is one transport tier. EnsureStream and StopStream are idempotent;
// StopStream releases everything synchronously and leaves the backend able
// to restart.
type Backend interface {
	EnsureStream(state *StreamerState)
	StopStream()

	Resolution() Resolution
	Mode() Mode
	Name() string
	Orientation() int

	// SupportsLocalCapture reports whether ToggleCapture can succeed
	SupportsLocalCapture() bool
	// ToggleCapture enables or disables the local capture attachment and
	// returns the resulting state
	ToggleCapture(ctx context.Context, enable bool) (bool, error)
	CaptureEnabled() bool
}

// Callbacks are how a backend reports up. They are called from the
// backend's event goroutine and must not call back into the backend
// synchronously.
type Callbacks struct {
	OnActive   func()
	OnInactive func()
	OnInfo     func(active, online bool, text string)
	OnOrganize func()
}

func (c Callbacks) active() {
	if c.OnActive != nil {
		c.OnActive()
	}
}

func (c Callbacks) inactive() {
	if c.OnInactive != nil {
		c.OnInactive()
	}
}

func (c Callbacks) info(active, online bool, text string) {
	if c.OnInfo != nil {
		c.OnInfo(active, online, text)
	}
}

func (c Callbacks) organize() {
	if c.OnOrganize != nil {
		c.OnOrganize()
	}
}

// resolution falls back to the viewport while the native size is unknown
func resolution(native geometry.Size, surface *Surface) Resolution {
	view := surface.Viewport()
	if native.Empty() {
		native = view
	}
	return Resolution{Native: native, View: view}
}

// isOnline reports the source online flag of a possibly nil state
func isOnline(state *StreamerState) bool {
	return state != nil && state.Source.Online
}

// noCapture is embedded by backends without local capture
type noCapture struct{}

func (noCapture) SupportsLocalCapture() bool { return false }

func (noCapture) ToggleCapture(context.Context, bool) (bool, error) {
	return false, ErrCaptureUnsupported
}

func (noCapture) CaptureEnabled() bool { return false }
