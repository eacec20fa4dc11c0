package main

import (
	"strings"

	"github.com/tomaslejdung/kvmview/pkg/stream"
)

// ModePreset is a selectable stream mode
type ModePreset struct {
	Mode        stream.Mode
	Name        string
	Description string // short description for UI
}

// Mode presets from richest to simplest
var ModePresets = []ModePreset{
	{Mode: stream.ModeRealtime, Name: "WebRTC", Description: "H.264 + audio"},
	{Mode: stream.ModeElementary, Name: "Direct", Description: "H.264 over WS"},
	{Mode: stream.ModeFallback, Name: "MJPEG", Description: "HTTP snapshots"},
}

// DefaultModeIndex returns the index of the default mode (WebRTC)
func DefaultModeIndex() int {
	return 0
}

// ModeByName finds a preset by wire name or display name (case-insensitive)
func ModeByName(name string) *ModePreset {
	name = strings.ToLower(strings.TrimSpace(name))
	switch name {
	case "webrtc", "h264":
		name = string(stream.ModeRealtime)
	case "direct":
		name = string(stream.ModeElementary)
	}
	for i := range ModePresets {
		if string(ModePresets[i].Mode) == name || strings.ToLower(ModePresets[i].Name) == name {
			return &ModePresets[i]
		}
	}
	return nil
}

// ModeIndex returns the index of the preset for mode, or the default
func ModeIndex(mode stream.Mode) int {
	for i, preset := range ModePresets {
		if preset.Mode == mode {
			return i
		}
	}
	return DefaultModeIndex()
}
