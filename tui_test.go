package main

import (
	"os"
	"path/filepath"
	"testing"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/pion/logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tomaslejdung/kvmview/pkg/geometry"
	"github.com/tomaslejdung/kvmview/pkg/settings"
	"github.com/tomaslejdung/kvmview/pkg/stream"
)

func newTestModel(t *testing.T) model {
	t.Helper()
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())

	lf := logging.NewDefaultLoggerFactory()
	lf.DefaultLogLevel = logging.LogLevelDisabled

	// Nothing dials until the device reports a streamer
	a, err := newApp(Config{URL: "http://127.0.0.1:1", Mode: "janus"}, lf)
	require.NoError(t, err)
	t.Cleanup(func() { a.close() })
	return initialModel(a, settings.DefaultSettings())
}

// run executes a command and feeds its message back
func run(t *testing.T, m model, cmd tea.Cmd) model {
	t.Helper()
	require.NotNil(t, cmd)
	next, _ := m.Update(cmd())
	return next.(model)
}

func key(s string) tea.KeyMsg {
	return tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(s)}
}

func TestInitialModel(t *testing.T) {
	m := newTestModel(t)
	assert.Equal(t, stream.ModeFallback, m.mode)
	assert.Equal(t, stream.ModeRealtime, m.prefs.Mode)
	assert.Equal(t, 0, m.modeCursor)
	assert.Contains(t, m.View(), "kvmview")
	assert.Contains(t, m.View(), "[OFFLINE]")
}

func TestToggleAudioSavesSettings(t *testing.T) {
	m := newTestModel(t)

	next, cmd := m.Update(key("a"))
	m = next.(model)
	assert.True(t, m.busy)
	assert.True(t, m.prefs.AllowAudio)

	// A second change waits for the first
	_, again := m.Update(key("m"))
	assert.Nil(t, again)

	m = run(t, m, cmd)
	assert.False(t, m.busy)
	assert.True(t, m.prefs.AllowAudio)
	assert.Equal(t, 100, m.settings.AudioVolume)
	assert.Empty(t, m.lastError)

	// The follow-up command persists the settings
	_, save := m.Update(prefsAppliedMsg{prefs: m.prefs})
	require.NotNil(t, save)
	save()
	_, err := os.Stat(filepath.Join(os.Getenv("XDG_CONFIG_HOME"), "kvmview", "config.json"))
	require.NoError(t, err)
	loaded, err := settings.Load()
	require.NoError(t, err)
	assert.Equal(t, 100, loaded.AudioVolume)
}

func TestNavigation(t *testing.T) {
	m := newTestModel(t)

	next, _ := m.Update(tea.KeyMsg{Type: tea.KeyTab})
	m = next.(model)
	assert.Equal(t, columnOrientation, m.activeColumn)

	next, _ = m.Update(key("j"))
	m = next.(model)
	assert.Equal(t, 1, m.orientCursor)

	next, cmd := m.Update(tea.KeyMsg{Type: tea.KeyEnter})
	m = next.(model)
	assert.Equal(t, 90, m.prefs.Orientation)
	m = run(t, m, cmd)
	assert.Equal(t, 90, m.prefs.Orientation)
	assert.Equal(t, 90, m.settings.Orientation)

	// Cursor stays inside the list
	for i := 0; i < 10; i++ {
		next, _ = m.Update(key("j"))
		m = next.(model)
	}
	assert.Equal(t, len(OrientationPresets)-1, m.orientCursor)
}

func TestModeNeedsH264(t *testing.T) {
	m := newTestModel(t)
	m.controls.Enabled = true
	m.controls.ModeEnabled = false

	next, cmd := m.Update(key("2"))
	m = next.(model)
	assert.Nil(t, cmd)
	assert.Equal(t, "Device has no H.264 support", m.lastError)

	next, cmd = m.Update(key("3"))
	m = next.(model)
	require.NotNil(t, cmd)
	assert.Equal(t, stream.ModeFallback, m.prefs.Mode)
}

func TestObserverMessages(t *testing.T) {
	m := newTestModel(t)

	updates := []tea.Msg{
		feedMsg(true),
		streamActiveMsg(true),
		streamModeMsg{mode: stream.ModeElementary, name: "Direct H.264"},
		streamInfoMsg(stream.Info{Active: true, Title: "Direct H.264 - 1920x1080 / 30 fps"}),
		streamGeometryMsg(geometry.Rect{X: 0, Y: 10, Width: 80, Height: 45}),
	}
	for _, msg := range updates {
		next, _ := m.Update(msg)
		m = next.(model)
	}

	view := m.View()
	assert.Contains(t, view, "[ONLINE]")
	assert.Contains(t, view, "[LIVE]")
	assert.Contains(t, view, "Direct H.264 - 1920x1080 / 30 fps")
	assert.Contains(t, view, "Running: Direct H.264")
}

func TestSinksRecordFromKeyframe(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.h264")
	f, err := os.Create(path)
	require.NoError(t, err)

	lf := logging.NewDefaultLoggerFactory()
	s := &sinks{record: f, log: lf.NewLogger("app")}
	s.frame(stream.Frame{Data: []byte{1}})
	s.frame(stream.Frame{Key: true, Data: []byte{2, 3}})
	s.frame(stream.Frame{Data: []byte{4}})
	require.NoError(t, s.close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, []byte{2, 3, 4}, data)
	assert.EqualValues(t, 3, s.frames.Load())
	assert.EqualValues(t, 1, s.keyframes.Load())
	assert.EqualValues(t, 4, s.bytes.Load())
}

func TestSinksSnapshotReplacesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "snap.jpg")
	s := &sinks{snapshotPath: path, log: logging.NewDefaultLoggerFactory().NewLogger("app")}

	s.snapshot([]byte("first"), geometry.Size{Width: 1, Height: 1})
	s.snapshot([]byte("second"), geometry.Size{Width: 1, Height: 1})

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "second", string(data))
	assert.EqualValues(t, 2, s.snapshots.Load())
}
