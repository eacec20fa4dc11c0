package settings

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/tomaslejdung/kvmview/pkg/stream"
)

// UserSettings holds persistable user preferences
type UserSettings struct {
	URL         string `json:"url,omitempty"`
	User        string `json:"user,omitempty"`
	Mode        string `json:"mode"`
	Orientation int    `json:"orient"`
	AudioVolume int    `json:"audioVolume"` // 0 mutes and disables audio
	Mic         bool   `json:"mic"`
	Capture     bool   `json:"webcam"`
	Suspend     bool   `json:"suspend"`
}

// DefaultSettings returns the default settings
func DefaultSettings() UserSettings {
	return UserSettings{
		Mode:        string(stream.ModeRealtime),
		Orientation: 0,
		AudioVolume: 0, // Muted until asked
		Mic:         false,
		Capture:     false,
		Suspend:     false,
	}
}

// Orientations are the rotations the device accepts
var Orientations = []int{0, 90, 180, 270}

// Preferences converts the settings into stream preferences. Unknown modes
// and rotations fall back to the defaults.
func (s UserSettings) Preferences() stream.Preferences {
	mode, err := stream.ParseMode(s.Mode)
	if err != nil {
		mode = stream.ModeRealtime
	}
	orient := 0
	for _, o := range Orientations {
		if o == s.Orientation {
			orient = o
		}
	}
	return stream.Preferences{
		Mode:         mode,
		Orientation:  orient,
		AllowAudio:   s.AudioVolume > 0,
		AllowMic:     s.Mic,
		AllowCapture: s.Capture,
	}
}

// Apply stores stream preferences back, keeping the volume when audio stays on
func (s *UserSettings) Apply(p stream.Preferences) {
	s.Mode = string(p.Mode)
	s.Orientation = p.Orientation
	switch {
	case !p.AllowAudio:
		s.AudioVolume = 0
	case s.AudioVolume == 0:
		s.AudioVolume = 100
	}
	s.Mic = p.AllowMic
	s.Capture = p.AllowCapture
}

// getConfigPath returns the config file path.
// Uses XDG_CONFIG_HOME if set, otherwise the OS config dir.
func getConfigPath() (string, error) {
	var configDir string

	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		configDir = filepath.Join(xdg, "kvmview")
	} else {
		userConfigDir, err := os.UserConfigDir()
		if err != nil {
			return "", err
		}
		configDir = filepath.Join(userConfigDir, "kvmview")
	}

	return filepath.Join(configDir, "config.json"), nil
}

// Load reads settings from the config file.
// Returns default settings if file doesn't exist or is invalid.
func Load() (UserSettings, error) {
	settings := DefaultSettings()

	path, err := getConfigPath()
	if err != nil {
		return settings, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return settings, nil
		}
		return settings, err
	}

	// Missing fields keep their defaults
	if err := json.Unmarshal(data, &settings); err != nil {
		return DefaultSettings(), nil
	}

	return settings, nil
}

// Save writes settings to the config file
func Save(settings UserSettings) error {
	path, err := getConfigPath()
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}

	data, err := json.MarshalIndent(settings, "", "  ")
	if err != nil {
		return err
	}

	// The file may carry the device user name
	return os.WriteFile(path, data, 0600)
}
