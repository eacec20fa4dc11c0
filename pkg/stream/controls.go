package stream

import (
	"fmt"
	"slices"
)

// Slider is a numeric control
type Slider struct {
	Min, Max, Step int
	Value          int
	Enabled        bool
}

// Label formats the value the way the control shows it
func (s Slider) Label(unit string) string {
	return fmt.Sprintf("%d%s", s.Value, unit)
}

// Controls is the derived state of the stream settings UI
type Controls struct {
	Quality     Slider
	DesiredFPS  Slider
	H264Bitrate Slider
	H264GOP     Slider

	Resolutions       []string
	Resolution        string
	ResolutionEnabled bool

	// Feature switches
	ModeEnabled    bool
	AudioEnabled   bool
	MicEnabled     bool
	CaptureEnabled bool
	Capture        bool // local capture attached

	// Notices
	NoWebRTC  bool // device has H.264 but no realtime stack here
	NoDecoder bool // device has H.264 but no local decoder

	// Enabled is false while the device reports no streamer
	Enabled bool
}

// DefaultControls are the control defaults before any device state
func DefaultControls() Controls {
	return Controls{
		Quality:     Slider{Min: 5, Max: 100, Step: 5, Value: 80},
		DesiredFPS:  Slider{Min: 0, Max: 120, Step: 1, Value: 0},
		H264Bitrate: Slider{Min: 25, Max: 20000, Step: 25, Value: 5000},
		H264GOP:     Slider{Min: 0, Max: 60, Step: 1, Value: 30},
	}
}

// FPSLabel shows 0 as Unlimited
func FPSLabel(fps int) string {
	if fps == 0 {
		return "Unlimited"
	}
	return fmt.Sprintf("%d", fps)
}

// applyFeatures updates ranges and feature switches. Ranges come from the
// limits, never from the live state.
func (c *Controls) applyFeatures(f Features, l *Limits, support Support) {
	c.NoWebRTC = f.H264 && !support.Realtime
	c.NoDecoder = f.H264 && !support.Decoder

	if l != nil {
		c.DesiredFPS.Min, c.DesiredFPS.Max = l.DesiredFPS.Min, l.DesiredFPS.Max
		if f.H264 {
			c.H264Bitrate.Min, c.H264Bitrate.Max = l.H264Bitrate.Min, l.H264Bitrate.Max
			c.H264GOP.Min, c.H264GOP.Max = l.H264GOP.Min, l.H264GOP.Max
		}
	}
	if f.Resolution && l != nil {
		c.Resolutions = slices.Clone(l.AvailableResolutions)
	} else {
		c.Resolutions = nil
	}

	c.ResolutionEnabled = f.Resolution
	c.H264Bitrate.Enabled = f.H264
	c.H264GOP.Enabled = f.H264
	c.ModeEnabled = f.H264
	if !f.H264 {
		c.AudioEnabled = false
		c.MicEnabled = false
		c.CaptureEnabled = false
	}
}

// applyStreamer takes the current values from the live state. A resolution
// the selector does not list yet is appended.
func (c *Controls) applyStreamer(s *StreamerState) {
	res := fmt.Sprintf("%dx%d", s.Source.Resolution.Width, s.Source.Resolution.Height)
	if !slices.Contains(c.Resolutions, res) {
		c.Resolutions = append(c.Resolutions, res)
	}
	c.Resolution = res

	c.Quality.Value = max(s.Encoder.Quality, 1)
	c.Quality.Enabled = s.Encoder.Quality > 0
	c.DesiredFPS.Value = s.Source.DesiredFPS
	if s.H264 != nil && s.H264.Bitrate != 0 {
		c.H264Bitrate.Value = s.H264.Bitrate
		c.H264GOP.Value = s.H264.GOP
	}
}

// applyBackend enables the switches only the realtime tier honors
func (c *Controls) applyBackend(b Backend, f *Features) {
	h264 := f != nil && f.H264
	realtime := b.Mode() == ModeRealtime
	c.AudioEnabled = h264 && realtime
	c.MicEnabled = h264 && realtime
	c.CaptureEnabled = h264 && realtime && b.SupportsLocalCapture()
	c.Capture = b.CaptureEnabled()
	if rb, ok := b.(*RealtimeBackend); ok {
		if rf := rb.RemoteFeatures(); rf != nil {
			c.AudioEnabled = c.AudioEnabled && rf.Audio
			c.MicEnabled = c.MicEnabled && rf.Mic && rb.AudioAllowed()
		}
	}
}
