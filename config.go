package main

import (
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/tomaslejdung/kvmview/pkg/settings"
)

// PasswordEnv is read when --password is not given
const PasswordEnv = "KVMVIEW_PASSWORD"

// Config holds runtime configuration
type Config struct {
	URL      string
	User     string
	Password string
	Insecure bool

	Mode        string
	Orientation int
	Audio       bool
	Mic         bool
	Capture     bool
	Suspend     bool

	// Local media sources
	CaptureFile string
	MicFile     string

	// Output sinks
	RecordFile   string
	SnapshotFile string

	// Force a tier downgrade, mostly for testing a device
	NoWebRTC  bool
	NoDecoder bool

	Watch bool
	Debug bool
	Help  bool

	// set holds the flags given on the command line
	set map[string]bool
}

func parseFlags(args []string, output io.Writer) (Config, error) {
	config := Config{}
	fs := flag.NewFlagSet("kvmview", flag.ContinueOnError)
	fs.SetOutput(output)

	fs.StringVar(&config.URL, "url", "", "Device URL (e.g., https://pikvm.local)")
	fs.StringVar(&config.URL, "u", "", "Device URL (shorthand)")

	fs.StringVar(&config.User, "user", "admin", "Device user name")
	fs.StringVar(&config.Password, "password", "", "Device password (or $"+PasswordEnv+")")
	fs.BoolVar(&config.Insecure, "insecure", false, "Skip TLS certificate verification")
	fs.BoolVar(&config.Insecure, "k", false, "Skip TLS certificate verification (shorthand)")

	fs.StringVar(&config.Mode, "mode", "janus", "Preferred stream mode (janus|media|mjpeg)")
	fs.StringVar(&config.Mode, "m", "janus", "Preferred stream mode (shorthand)")
	fs.IntVar(&config.Orientation, "orient", 0, "Video rotation (0|90|180|270)")
	fs.BoolVar(&config.Audio, "audio", false, "Receive audio")
	fs.BoolVar(&config.Mic, "mic", false, "Send the microphone (requires --audio)")
	fs.BoolVar(&config.Capture, "webcam", false, "Send the local capture once streaming")
	fs.BoolVar(&config.Suspend, "suspend", false, "Stop the stream while the terminal is unfocused")

	fs.StringVar(&config.CaptureFile, "capture-file", "", "IVF file played as the local capture")
	fs.StringVar(&config.MicFile, "mic-file", "", "Ogg Opus file played as the microphone")
	fs.StringVar(&config.RecordFile, "record", "", "Write the elementary H.264 stream to a file")
	fs.StringVar(&config.SnapshotFile, "snapshot", "", "Write the latest MJPEG snapshot to a file")

	fs.BoolVar(&config.NoWebRTC, "no-webrtc", false, "Disable the realtime tier")
	fs.BoolVar(&config.NoDecoder, "no-decoder", false, "Disable the elementary H.264 tier")

	fs.BoolVar(&config.Watch, "watch", false, "Print device stream state and exit on Ctrl+C")
	fs.BoolVar(&config.Debug, "debug", false, "Verbose logging")

	fs.BoolVar(&config.Help, "help", false, "Show help")
	fs.BoolVar(&config.Help, "h", false, "Show help (shorthand)")

	if err := fs.Parse(args); err != nil {
		return config, err
	}

	config.set = make(map[string]bool)
	fs.Visit(func(f *flag.Flag) {
		config.set[f.Name] = true
	})

	if config.Password == "" {
		config.Password = os.Getenv(PasswordEnv)
	}
	return config, nil
}

// validate checks the values the controller relies on
func (c Config) validate() error {
	if c.URL == "" {
		return fmt.Errorf("missing device URL, use --url")
	}
	if OrientationByValue(c.Orientation) == nil {
		return fmt.Errorf("invalid orientation %d", c.Orientation)
	}
	if ModeByName(c.Mode) == nil {
		return fmt.Errorf("invalid mode %q", c.Mode)
	}
	return nil
}

// merge fills unset flags from the saved settings and stores set flags back.
// Flags win over the file.
func (c *Config) merge(s settings.UserSettings) settings.UserSettings {
	given := func(names ...string) bool {
		for _, n := range names {
			if c.set[n] {
				return true
			}
		}
		return false
	}

	if given("url", "u") {
		s.URL = c.URL
	} else {
		c.URL = s.URL
	}
	if given("user") || s.User == "" {
		s.User = c.User
	} else {
		c.User = s.User
	}
	if given("mode", "m") {
		s.Mode = c.Mode
	} else {
		c.Mode = s.Mode
	}
	if given("orient") {
		s.Orientation = c.Orientation
	} else {
		c.Orientation = s.Orientation
	}
	if given("audio") {
		switch {
		case !c.Audio:
			s.AudioVolume = 0
		case s.AudioVolume == 0:
			s.AudioVolume = 100
		}
	} else {
		c.Audio = s.AudioVolume > 0
	}
	if given("mic") {
		s.Mic = c.Mic
	} else {
		c.Mic = s.Mic
	}
	if given("webcam") {
		s.Capture = c.Capture
	} else {
		c.Capture = s.Capture
	}
	if given("suspend") {
		s.Suspend = c.Suspend
	} else {
		c.Suspend = s.Suspend
	}
	return s
}
