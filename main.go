package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/tomaslejdung/kvmview/pkg/kvmd"
	"github.com/tomaslejdung/kvmview/pkg/settings"
	"github.com/tomaslejdung/kvmview/pkg/stream"
)

// Note: TUI mode uses RunTUI() from tui.go

func printHelp() {
	fmt.Println(`kvmview - Live stream viewer for PiKVM devices

Usage: kvmview --url <device> [options]

kvmview follows the device state and shows its video stream using the best
transport both sides support, falling back automatically:
  janus   WebRTC through the Janus gateway (H.264, audio, mic, webcam)
  media   Direct H.264 over WebSocket
  mjpeg   HTTP snapshots

Options:
  --url, -u <url>        Device URL (e.g., https://pikvm.local)
  --user <name>          Device user name (default: admin)
  --password <pass>      Device password (or $` + PasswordEnv + `)
  --insecure, -k         Skip TLS certificate verification
  --mode, -m <mode>      Preferred mode: janus, media, mjpeg (default: janus)
  --orient <deg>         Video rotation: 0, 90, 180, 270
  --audio                Receive audio
  --mic                  Send the microphone (requires --audio)
  --webcam               Send the local capture once streaming
  --suspend              Stop the stream while the terminal is unfocused
  --watch                Print device stream state instead of the TUI
  --debug                Verbose logging
  --help, -h             Show help

Media Options:
  --capture-file <ivf>   IVF (VP8/VP9/AV1) file looped as the webcam
  --mic-file <ogg>       Ogg Opus file looped as the microphone
  --record <file>        Append the direct H.264 stream to a file
  --snapshot <file>      Keep the latest MJPEG snapshot in a file
  --no-webrtc            Disable the WebRTC tier
  --no-decoder           Disable the direct H.264 tier

Settings are remembered in $XDG_CONFIG_HOME/kvmview/config.json; flags
override them.

Examples:
  kvmview -u https://pikvm.local -k
  kvmview -u https://pikvm.local --mode media --record out.h264
  kvmview -u https://pikvm.local --watch

TUI Controls:
  Tab / ← →     Switch between Mode, Orientation and Options columns
  ↑/↓ or j/k    Navigate within column
  Enter/Space   Apply selection
  1-3           Quick-select mode
  o             Rotate
  a / m / w     Toggle audio, mic, webcam
  s             Toggle suspend while unfocused
  h             Hide the stream (stops it)
  r             Reset the stream
  i             Toggle stats panel
  q             Quit`)
}

func main() {
	config, err := parseFlags(os.Args[1:], os.Stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			printHelp()
			return
		}
		os.Exit(2)
	}

	if config.Help {
		printHelp()
		return
	}

	saved, err := settings.Load()
	if err != nil {
		log.Printf("Settings: failed to load, using defaults: %v", err)
	}
	saved = config.merge(saved)

	if err := config.validate(); err != nil {
		fmt.Fprintf(os.Stderr, "kvmview: %v\n\n", err)
		printHelp()
		os.Exit(2)
	}

	if config.Watch {
		if err := watchState(config); err != nil {
			log.Fatalf("Watch failed: %v", err)
		}
		return
	}

	if err := settings.Save(saved); err != nil {
		log.Printf("Settings: failed to save: %v", err)
	}

	if err := RunTUI(config, saved); err != nil {
		log.Fatalf("TUI error: %v", err)
	}
}

// watchState prints every device stream update until interrupted
func watchState(config Config) error {
	device, err := kvmd.NewClient(kvmd.Config{
		URL:           config.URL,
		User:          config.User,
		Password:      config.Password,
		Insecure:      config.Insecure,
		LoggerFactory: newLoggerFactory(os.Stderr, config.Debug),
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	fmt.Printf("Following %s (Ctrl+C to stop)\n", device.StateURL())
	err = device.Run(ctx, func(u *stream.Update) {
		fmt.Println(describeUpdate(u))
	})
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// describeUpdate renders an update as a single line
func describeUpdate(u *stream.Update) string {
	if u == nil {
		return "feed lost"
	}
	var parts []string
	if f := u.Features; f != nil {
		parts = append(parts, fmt.Sprintf("features: h264=%t quality=%t resolution=%t", f.H264, f.Quality, f.Resolution))
	}
	if u.HasStreamer {
		if s := u.Streamer; s == nil {
			parts = append(parts, "streamer: none")
		} else {
			res := s.Source.Resolution
			line := fmt.Sprintf("streamer: %dx%d online=%t fps=%d/%s quality=%d",
				res.Width, res.Height, s.Source.Online, s.Source.CapturedFPS, stream.FPSLabel(s.Source.DesiredFPS), s.Encoder.Quality)
			if s.H264 != nil {
				line += fmt.Sprintf(" h264=%dkbps/gop%d", s.H264.Bitrate, s.H264.GOP)
			}
			parts = append(parts, line)
		}
	}
	if len(parts) == 0 {
		return "no changes"
	}
	return strings.Join(parts, " ")
}
