package stream

import (
	"errors"
	"fmt"
)

var (
	// ErrHandleNotReady is returned by capture toggles before the plugin
	// handle and its PeerConnection exist
	ErrHandleNotReady = errors.New("stream: gateway handle not ready")
	// ErrCaptureBusy is returned while another capture toggle is running
	ErrCaptureBusy = errors.New("stream: capture toggle in progress")
	// ErrCaptureUnsupported is returned by backends without local capture
	ErrCaptureUnsupported = errors.New("stream: local capture not supported by this backend")
	// ErrSessionClosed is returned when the session went away mid-operation
	ErrSessionClosed = errors.New("stream: session closed")
	// ErrNoCaptureTracks is returned when an acquired capture has no tracks
	ErrNoCaptureTracks = errors.New("stream: capture has no tracks")
	// ErrSurfaceBusy is returned when another backend owns the surface
	ErrSurfaceBusy = errors.New("stream: surface owned by another backend")
)

// CaptureError reports a failed capture toggle. The enabled state is
// unchanged when it is returned.
type CaptureError struct {
	Op  string // acquire, attach, negotiate, release
	Err error
}

func (e *CaptureError) Error() string {
	return fmt.Sprintf("capture %s failed: %v", e.Op, e.Err)
}

func (e *CaptureError) Unwrap() error {
	return e.Err
}
