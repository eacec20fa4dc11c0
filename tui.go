package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/pion/logging"
	"github.com/tomaslejdung/kvmview/pkg/geometry"
	"github.com/tomaslejdung/kvmview/pkg/settings"
	"github.com/tomaslejdung/kvmview/pkg/stream"
)

// DebugLogFile receives all logs while the TUI owns the terminal
const DebugLogFile = "kvmview-debug.log"

// toggleTimeout bounds a preference change, including a capture renegotiation
const toggleTimeout = 15 * time.Second

// Column indices
const (
	columnMode        = 0
	columnOrientation = 1
	columnToggles     = 2
	columnCount       = 3
)

// Toggle indices
const (
	toggleAudio   = 0
	toggleMic     = 1
	toggleWebcam  = 2
	toggleSuspend = 3
	toggleCount   = 4
)

// Styles
var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("12"))

	selectedStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("10"))

	normalStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("7"))

	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("8"))

	statusStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("14"))

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("9"))

	noticeStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("11"))

	helpStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("8"))

	keyStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("14"))

	keySepStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("8"))

	toggleActiveStyle = lipgloss.NewStyle().
				Foreground(lipgloss.Color("10"))

	toggleInactiveStyle = lipgloss.NewStyle().
				Foreground(lipgloss.Color("8"))

	activeBoxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("12")).
			Padding(0, 1)

	inactiveBoxStyle = lipgloss.NewStyle().
				Border(lipgloss.RoundedBorder()).
				BorderForeground(lipgloss.Color("8")).
				Padding(0, 1)

	boxTitleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("12"))

	boxTitleDimStyle = lipgloss.NewStyle().
				Bold(true).
				Foreground(lipgloss.Color("8"))
)

type tickMsg time.Time

// prefsAppliedMsg carries the preferences in effect after a change
type prefsAppliedMsg struct {
	prefs stream.Preferences
	err   error
}

// doneMsg marks the end of a controller command without a result
type doneMsg struct{}

// Model
type model struct {
	app        *app
	controller *stream.Controller
	settings   settings.UserSettings
	prefs      stream.Preferences

	// Navigation
	activeColumn int
	modeCursor   int
	orientCursor int
	toggleCursor int

	// Stream state reported by the controller
	active      bool
	info        stream.Info
	geo         geometry.Rect
	controls    stream.Controls
	mode        stream.Mode
	backendName string
	feedOnline  bool

	// Visibility
	focused   bool
	hidden    bool
	suspended bool

	busy      bool // preference change in flight
	showStats bool
	lastError string
	startTime time.Time
	width     int
	height    int
}

func initialModel(a *app, s settings.UserSettings) model {
	prefs := a.controller.Preferences()
	return model{
		app:          a,
		controller:   a.controller,
		settings:     s,
		prefs:        prefs,
		activeColumn: columnMode,
		modeCursor:   ModeIndex(prefs.Mode),
		orientCursor: OrientationIndexForValue(prefs.Orientation),
		mode:         a.controller.Mode(),
		backendName:  a.controller.Backend().Name(),
		controls:     a.controller.Controls(),
		focused:      true,
		suspended:    a.config.Suspend,
		startTime:    time.Now(),
	}
}

func (m model) Init() tea.Cmd {
	return tea.Batch(
		tickCmd(),
		tea.SetWindowTitle("kvmview - "+m.app.config.URL),
	)
}

func tickCmd() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKey(msg)

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		controller := m.controller
		view := geometry.Size{Width: msg.Width, Height: msg.Height}
		return m, func() tea.Msg {
			controller.SetViewport(view)
			return doneMsg{}
		}

	case tea.FocusMsg:
		m.focused = true
		return m, m.visibilityCmd()

	case tea.BlurMsg:
		m.focused = false
		return m, m.visibilityCmd()

	case tickMsg:
		return m, tickCmd()

	case streamActiveMsg:
		m.active = bool(msg)
		return m, nil

	case streamInfoMsg:
		m.info = stream.Info(msg)
		return m, nil

	case streamGeometryMsg:
		m.geo = geometry.Rect(msg)
		return m, nil

	case streamControlsMsg:
		m.controls = stream.Controls(msg)
		return m, nil

	case streamModeMsg:
		m.mode = msg.mode
		m.backendName = msg.name
		return m, nil

	case feedMsg:
		m.feedOnline = bool(msg)
		return m, nil

	case prefsAppliedMsg:
		m.busy = false
		m.prefs = msg.prefs
		m.modeCursor = ModeIndex(msg.prefs.Mode)
		m.orientCursor = OrientationIndexForValue(msg.prefs.Orientation)
		if msg.err != nil {
			m.lastError = msg.err.Error()
		} else {
			m.lastError = ""
		}
		m.settings.Apply(msg.prefs)
		return m, saveCmd(m.settings)

	case doneMsg:
		return m, nil
	}

	return m, nil
}

func (m model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "ctrl+c", "q":
		return m, tea.Quit

	case "tab", "right", "l":
		m.activeColumn = (m.activeColumn + 1) % columnCount
		return m, nil

	case "shift+tab", "left":
		m.activeColumn = (m.activeColumn + columnCount - 1) % columnCount
		return m, nil

	case "up", "k":
		m.moveCursor(-1)
		return m, nil

	case "down", "j":
		m.moveCursor(1)
		return m, nil

	case "enter", " ":
		switch m.activeColumn {
		case columnMode:
			return m.applyMode(m.modeCursor)
		case columnOrientation:
			return m.applyOrientation(m.orientCursor)
		default:
			return m.applyToggle(m.toggleCursor)
		}

	case "1", "2", "3":
		return m.applyMode(int(msg.String()[0] - '1'))

	case "o":
		return m.applyOrientation((m.orientCursor + 1) % len(OrientationPresets))

	case "a":
		return m.applyToggle(toggleAudio)

	case "m":
		return m.applyToggle(toggleMic)

	case "w":
		return m.applyToggle(toggleWebcam)

	case "s":
		return m.applyToggle(toggleSuspend)

	case "h":
		m.hidden = !m.hidden
		return m, m.visibilityCmd()

	case "r":
		m.lastError = ""
		controller := m.controller
		return m, func() tea.Msg {
			controller.Reset()
			return doneMsg{}
		}

	case "i":
		m.showStats = !m.showStats
		return m, nil
	}

	return m, nil
}

func (m *model) moveCursor(delta int) {
	clamp := func(v, n int) int {
		return min(max(v, 0), n-1)
	}
	switch m.activeColumn {
	case columnMode:
		m.modeCursor = clamp(m.modeCursor+delta, len(ModePresets))
	case columnOrientation:
		m.orientCursor = clamp(m.orientCursor+delta, len(OrientationPresets))
	case columnToggles:
		m.toggleCursor = clamp(m.toggleCursor+delta, toggleCount)
	}
}

func (m model) applyMode(index int) (tea.Model, tea.Cmd) {
	if index < 0 || index >= len(ModePresets) {
		return m, nil
	}
	m.modeCursor = index
	mode := ModePresets[index].Mode
	if mode != stream.ModeFallback && !m.controls.ModeEnabled && m.controls.Enabled {
		m.lastError = "Device has no H.264 support"
		return m, nil
	}
	p := m.prefs
	p.Mode = mode
	return m.setPreferences(p)
}

func (m model) applyOrientation(index int) (tea.Model, tea.Cmd) {
	if index < 0 || index >= len(OrientationPresets) {
		return m, nil
	}
	m.orientCursor = index
	p := m.prefs
	p.Orientation = OrientationPresets[index].Value
	return m.setPreferences(p)
}

func (m model) applyToggle(index int) (tea.Model, tea.Cmd) {
	m.toggleCursor = index
	p := m.prefs
	switch index {
	case toggleAudio:
		p.AllowAudio = !p.AllowAudio
	case toggleMic:
		p.AllowMic = !p.AllowMic
	case toggleWebcam:
		p.AllowCapture = !p.AllowCapture
	case toggleSuspend:
		m.suspended = !m.suspended
		m.settings.Suspend = m.suspended
		controller, suspended := m.controller, m.suspended
		return m, tea.Batch(saveCmd(m.settings), func() tea.Msg {
			controller.SetSuspended(suspended)
			return doneMsg{}
		})
	}
	return m.setPreferences(p)
}

// setPreferences hands a change to the controller. Changes are applied one
// at a time; the reported preferences replace the local copy.
func (m model) setPreferences(p stream.Preferences) (tea.Model, tea.Cmd) {
	if m.busy || p == m.prefs {
		return m, nil
	}
	m.busy = true
	m.prefs = p
	controller := m.controller
	return m, func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), toggleTimeout)
		defer cancel()
		err := controller.SetPreferences(ctx, p)
		return prefsAppliedMsg{prefs: controller.Preferences(), err: err}
	}
}

func (m model) visibilityCmd() tea.Cmd {
	controller := m.controller
	window, page := !m.hidden, m.focused
	return func() tea.Msg {
		controller.SetVisibility(window, page)
		return doneMsg{}
	}
}

func saveCmd(s settings.UserSettings) tea.Cmd {
	return func() tea.Msg {
		if err := settings.Save(s); err != nil {
			log.Printf("Settings: failed to save: %v", err)
		}
		return doneMsg{}
	}
}

func (m model) View() string {
	var b strings.Builder

	b.WriteString(titleStyle.Render("kvmview"))
	b.WriteString(dimStyle.Render(" - " + m.app.config.URL))
	b.WriteString("\n\n")

	b.WriteString(m.renderStatus())
	b.WriteString("\n")

	b.WriteString(m.renderColumns())

	if notices := m.renderNotices(); notices != "" {
		b.WriteString("\n")
		b.WriteString(notices)
	}

	if m.showStats {
		b.WriteString("\n")
		b.WriteString(m.renderStats())
	}

	if m.lastError != "" {
		b.WriteString("\n")
		b.WriteString(errorStyle.Render("Error: " + m.lastError))
		b.WriteString("\n")
	}

	b.WriteString("\n")
	b.WriteString(m.renderHelp())

	return b.String()
}

func (m model) renderStatus() string {
	var b strings.Builder

	if m.feedOnline {
		b.WriteString(selectedStyle.Render("[ONLINE]"))
	} else {
		b.WriteString(errorStyle.Render("[OFFLINE]"))
	}
	b.WriteString(" ")

	switch {
	case m.hidden:
		b.WriteString(dimStyle.Render("[HIDDEN]"))
	case m.suspended && !m.focused:
		b.WriteString(dimStyle.Render("[SUSPENDED]"))
	case m.active:
		b.WriteString(selectedStyle.Render("[LIVE]"))
	default:
		b.WriteString(dimStyle.Render("[IDLE]"))
	}
	b.WriteString(" ")

	title := m.info.Title
	if title == "" {
		title = m.backendName
	}
	b.WriteString(statusStyle.Render(title))
	b.WriteString("\n")
	return b.String()
}

func (m model) renderColumns() string {
	box := func(column int, title string, width int, content string) string {
		if m.activeColumn == column {
			return activeBoxStyle.Width(width).Render(boxTitleStyle.Render(title) + "\n" + content)
		}
		return inactiveBoxStyle.Width(width).Render(boxTitleDimStyle.Render(title) + "\n" + content)
	}

	modeBox := box(columnMode, " Mode ", 28, m.renderModeList())
	orientBox := box(columnOrientation, " Orientation ", 20, m.renderOrientationList())
	toggleBox := box(columnToggles, " Options ", 20, m.renderToggleList())
	streamBox := inactiveBoxStyle.Width(30).Render(
		boxTitleDimStyle.Render(" Stream ") + "\n" + m.renderStreamParams(),
	)

	return lipgloss.JoinHorizontal(lipgloss.Top, modeBox, " ", orientBox, " ", toggleBox, " ", streamBox)
}

// renderList renders a cursor list; selected marks the value in effect
func (m model) renderList(column int, labels []string, cursor, selected int, enabled func(int) bool) string {
	var b strings.Builder
	for i, label := range labels {
		prefix := "  "
		focused := m.activeColumn == column && i == cursor
		if focused {
			prefix = "> "
		}

		var line string
		switch {
		case enabled != nil && !enabled(i):
			line = dimStyle.Render(prefix + label + " (n/a)")
		case i == selected:
			line = selectedStyle.Render(prefix + label)
		case focused:
			line = normalStyle.Render(prefix + label)
		default:
			line = dimStyle.Render(prefix + label)
		}
		b.WriteString(line)
		b.WriteString("\n")
	}
	return strings.TrimSuffix(b.String(), "\n")
}

func (m model) renderModeList() string {
	labels := make([]string, len(ModePresets))
	for i, preset := range ModePresets {
		labels[i] = fmt.Sprintf("%d %s (%s)", i+1, preset.Name, preset.Description)
	}
	enabled := func(i int) bool {
		return ModePresets[i].Mode == stream.ModeFallback || m.controls.ModeEnabled || !m.controls.Enabled
	}
	list := m.renderList(columnMode, labels, m.modeCursor, ModeIndex(m.prefs.Mode), enabled)
	if m.mode != m.prefs.Mode {
		list += "\n" + noticeStyle.Render("Running: "+m.backendName)
	}
	return list
}

func (m model) renderOrientationList() string {
	labels := make([]string, len(OrientationPresets))
	for i, preset := range OrientationPresets {
		labels[i] = preset.String()
	}
	return m.renderList(columnOrientation, labels, m.orientCursor, OrientationIndexForValue(m.prefs.Orientation), nil)
}

func (m model) renderToggleList() string {
	var b strings.Builder
	items := []struct {
		label   string
		on      bool
		enabled bool
	}{
		{"audio", m.prefs.AllowAudio, m.controls.AudioEnabled},
		{"mic", m.prefs.AllowMic, m.controls.MicEnabled},
		{"webcam", m.controls.Capture, m.controls.CaptureEnabled},
		{"suspend", m.suspended, true},
	}
	for i, item := range items {
		prefix := "  "
		if m.activeColumn == columnToggles && i == m.toggleCursor {
			prefix = "> "
		}
		mark := "[ ]"
		if item.on {
			mark = "[x]"
		}
		line := prefix + mark + " " + item.label
		switch {
		case !item.enabled:
			b.WriteString(dimStyle.Render(line))
		case item.on:
			b.WriteString(toggleActiveStyle.Render(line))
		default:
			b.WriteString(normalStyle.Render(line))
		}
		b.WriteString("\n")
	}
	if m.busy {
		b.WriteString(noticeStyle.Render("applying..."))
	}
	return strings.TrimSuffix(b.String(), "\n")
}

func (m model) renderStreamParams() string {
	c := m.controls
	if !c.Enabled {
		return dimStyle.Render("No stream state")
	}

	var lines []string
	slider := func(name string, s stream.Slider, value string) {
		line := fmt.Sprintf("%-12s %s", name, value)
		if s.Enabled {
			lines = append(lines, normalStyle.Render(line))
		} else {
			lines = append(lines, dimStyle.Render(line))
		}
	}
	slider("Quality", c.Quality, c.Quality.Label("%"))
	slider("FPS", c.DesiredFPS, stream.FPSLabel(c.DesiredFPS.Value))
	if c.H264Bitrate.Enabled {
		slider("H.264 kbps", c.H264Bitrate, c.H264Bitrate.Label(""))
		slider("H.264 GOP", c.H264GOP, c.H264GOP.Label(""))
	}
	res := c.Resolution
	if len(c.Resolutions) > 1 {
		res = fmt.Sprintf("%s (%d avail)", res, len(c.Resolutions))
	}
	slider("Resolution", stream.Slider{Enabled: c.ResolutionEnabled}, res)
	if m.geo.Width > 0 {
		lines = append(lines, dimStyle.Render(fmt.Sprintf("%-12s %dx%d+%d+%d", "View", m.geo.Width, m.geo.Height, m.geo.X, m.geo.Y)))
	}
	return strings.Join(lines, "\n")
}

func (m model) renderNotices() string {
	var notices []string
	if m.controls.NoWebRTC {
		notices = append(notices, noticeStyle.Render("WebRTC is disabled in this client, realtime H.264 is unavailable"))
	}
	if m.controls.NoDecoder {
		notices = append(notices, noticeStyle.Render("No local H.264 decoder, direct H.264 is unavailable"))
	}
	return strings.Join(notices, "\n")
}

func (m model) renderStats() string {
	var b strings.Builder
	s := m.app.sinks

	b.WriteString(dimStyle.Render("--- Stats ---"))
	b.WriteString("\n")
	b.WriteString(fmt.Sprintf("Uptime:    %s\n", formatDuration(time.Since(m.startTime))))
	b.WriteString(fmt.Sprintf("Backend:   %s (%s)\n", m.backendName, m.mode))
	if text := m.info.Text; text != "" {
		b.WriteString(fmt.Sprintf("Status:    %s\n", text))
	}
	b.WriteString(fmt.Sprintf("Frames:    %s (%s key)\n", formatNumber(int64(s.frames.Load())), formatNumber(int64(s.keyframes.Load()))))
	b.WriteString(fmt.Sprintf("Snapshots: %s\n", formatNumber(int64(s.snapshots.Load()))))
	b.WriteString(fmt.Sprintf("Received:  %s", formatBytes(int64(s.bytes.Load()))))
	return b.String()
}

func formatDuration(d time.Duration) string {
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	s := int(d.Seconds()) % 60
	if h > 0 {
		return fmt.Sprintf("%d:%02d:%02d", h, m, s)
	}
	return fmt.Sprintf("%d:%02d", m, s)
}

func formatNumber(n int64) string {
	if n >= 1_000_000 {
		return fmt.Sprintf("%.1fM", float64(n)/1_000_000)
	}
	if n >= 1_000 {
		return fmt.Sprintf("%.1fK", float64(n)/1_000)
	}
	return fmt.Sprintf("%d", n)
}

func formatBytes(b int64) string {
	if b >= 1_000_000_000 {
		return fmt.Sprintf("%.2f GB", float64(b)/1_000_000_000)
	}
	if b >= 1_000_000 {
		return fmt.Sprintf("%.1f MB", float64(b)/1_000_000)
	}
	if b >= 1_000 {
		return fmt.Sprintf("%.1f KB", float64(b)/1_000)
	}
	return fmt.Sprintf("%d B", b)
}

func (m model) renderHelp() string {
	var b strings.Builder
	sep := keySepStyle.Render("  ")

	var actions []string
	actions = append(actions, keyStyle.Render("tab")+helpStyle.Render(" columns"))
	actions = append(actions, keyStyle.Render("↑↓")+helpStyle.Render(" select"))
	actions = append(actions, keyStyle.Render("enter")+helpStyle.Render(" apply"))
	actions = append(actions, keyStyle.Render("1-3")+helpStyle.Render(" mode"))
	actions = append(actions, keyStyle.Render("o")+helpStyle.Render(" rotate"))
	actions = append(actions, keyStyle.Render("r")+helpStyle.Render(" reset"))
	actions = append(actions, keyStyle.Render("q")+helpStyle.Render(" quit"))
	b.WriteString(strings.Join(actions, sep))

	toggles := []string{
		m.renderToggle("a", "audio", m.prefs.AllowAudio),
		m.renderToggle("m", "mic", m.prefs.AllowMic),
		m.renderToggle("w", "webcam", m.controls.Capture),
		m.renderToggle("s", "suspend", m.suspended),
		m.renderToggle("h", "hide", m.hidden),
		m.renderToggle("i", "stats", m.showStats),
	}
	b.WriteString("\n\n")
	b.WriteString(strings.Join(toggles, "   "))

	return b.String()
}

// renderToggle renders a toggle keybind with active/inactive indicator
func (m model) renderToggle(key, label string, active bool) string {
	if active {
		return toggleActiveStyle.Render("● "+key) + " " + toggleActiveStyle.Render(label)
	}
	return toggleInactiveStyle.Render("○ "+key) + " " + toggleInactiveStyle.Render(label)
}

// newLoggerFactory routes pion scoped logs to w
func newLoggerFactory(w io.Writer, debug bool) *logging.DefaultLoggerFactory {
	lf := logging.NewDefaultLoggerFactory()
	lf.Writer = w
	lf.DefaultLogLevel = logging.LogLevelInfo
	if debug {
		lf.DefaultLogLevel = logging.LogLevelDebug
	}
	return lf
}

// RunTUI starts the TUI application
func RunTUI(config Config, s settings.UserSettings) error {
	// Write logs to file instead of corrupting TUI display
	var logOut io.Writer = io.Discard
	logFile, err := os.Create(DebugLogFile)
	if err == nil {
		logOut = logFile
		defer logFile.Close()
	}
	log.SetOutput(logOut)
	log.Printf("=== kvmview started at %s ===", time.Now().Format(time.RFC3339))

	// Restore logging on exit
	defer log.SetOutput(os.Stderr)

	a, err := newApp(config, newLoggerFactory(logOut, config.Debug))
	if err != nil {
		return err
	}
	defer a.close()

	p := tea.NewProgram(
		initialModel(a, s),
		tea.WithAltScreen(),
		tea.WithReportFocus(),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go a.forward(ctx, p.Send)
	go func() {
		if err := a.run(ctx); err != nil {
			log.Printf("State feed stopped: %v", err)
		}
	}()

	_, runErr := p.Run()
	return runErr
}
