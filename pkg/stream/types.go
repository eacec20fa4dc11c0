package stream

import (
	"encoding/json"
	"fmt"

	"github.com/tomaslejdung/kvmview/pkg/geometry"
)

// Mode names a backend tier
type Mode string

const (
	ModeRealtime   Mode = "janus"
	ModeElementary Mode = "media"
	ModeFallback   Mode = "mjpeg"
)

// ParseMode parses a mode name as stored in settings or given on the
// command line
func ParseMode(value string) (Mode, error) {
	switch value {
	case "janus", "webrtc", "realtime":
		return ModeRealtime, nil
	case "media", "h264", "elementary":
		return ModeElementary, nil
	case "mjpeg", "fallback":
		return ModeFallback, nil
	default:
		return "", fmt.Errorf("unknown stream mode %q", value)
	}
}

// Features are the device capability flags
type Features struct {
	Quality    bool `json:"quality"`
	Resolution bool `json:"resolution"`
	H264       bool `json:"h264"`
}

// MinMax is an inclusive numeric range
type MinMax struct {
	Min int `json:"min"`
	Max int `json:"max"`
}

// Limits are the ranges that accompany Features
type Limits struct {
	DesiredFPS           MinMax   `json:"desired_fps"`
	H264Bitrate          MinMax   `json:"h264_bitrate"`
	H264GOP              MinMax   `json:"h264_gop"`
	AvailableResolutions []string `json:"available_resolutions"`
}

// Source describes the captured video source
type Source struct {
	Resolution  geometry.Size `json:"resolution"`
	Online      bool          `json:"online"`
	DesiredFPS  int           `json:"desired_fps"`
	CapturedFPS int           `json:"captured_fps"`
}

// Encoder holds encoder parameters
type Encoder struct {
	Quality int `json:"quality"`
}

// H264Params holds the realtime codec parameters
type H264Params struct {
	Bitrate int `json:"bitrate"`
	GOP     int `json:"gop"`
}

// StreamerState is the live stream state reported by the device
type StreamerState struct {
	Source  Source      `json:"source"`
	Encoder Encoder     `json:"encoder"`
	H264    *H264Params `json:"h264,omitempty"`
}

// Update is a partial state update. HasStreamer separates an absent
// streamer key from an explicit null.
type Update struct {
	Features    *Features
	Limits      *Limits
	Streamer    *StreamerState
	HasStreamer bool
}

func (u *Update) UnmarshalJSON(data []byte) error {
	var raw struct {
		Features *Features      `json:"features"`
		Limits   *Limits        `json:"limits"`
		Streamer json.RawMessage `json:"streamer"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	*u = Update{Features: raw.Features, Limits: raw.Limits}
	if raw.Streamer != nil {
		u.HasStreamer = true
		if string(raw.Streamer) != "null" {
			var s StreamerState
			if err := json.Unmarshal(raw.Streamer, &s); err != nil {
				return fmt.Errorf("invalid streamer state: %w", err)
			}
			u.Streamer = &s
		}
	}
	return nil
}

// Support reports which tiers the local client can run
type Support struct {
	Realtime bool // gateway client and WebRTC stack available
	Decoder  bool // elementary H.264 decoding available
}

// Preferences are the user choices the controller builds backends from
type Preferences struct {
	Mode         Mode
	Orientation  int
	AllowAudio   bool
	AllowMic     bool
	AllowCapture bool
}

// Resolution is a backend's native frame size and current viewport
type Resolution struct {
	Native geometry.Size
	View   geometry.Size
}
