package stream

import (
	"bytes"
	"context"
	"fmt"
	"image/jpeg"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/pion/logging"
	"github.com/tomaslejdung/kvmview/pkg/geometry"
)

const (
	defaultSnapshotFPS = 10
	maxSnapshotFPS     = 30
)

// SnapshotSink consumes fetched JPEG frames
type SnapshotSink func(jpeg []byte, size geometry.Size)

// FallbackConfig configures a FallbackBackend
type FallbackConfig struct {
	URL           string // http://host/api/streamer/snapshot
	Header        http.Header
	Client        *http.Client
	Surface       *Surface
	Callbacks     Callbacks
	Clock         Clock
	LoggerFactory logging.LoggerFactory
	Sink          SnapshotSink
}

// FallbackBackend polls JPEG snapshots over plain HTTP
type FallbackBackend struct {
	noCapture

	config FallbackConfig
	log    logging.LeveledLogger
	q      queue

	// queue owned
	cancel    context.CancelFunc
	gen       int
	active    bool
	frames    int
	lastInfo  time.Time
	lastError string

	mu     sync.Mutex
	live   *StreamerState
	native geometry.Size
}

// NewFallbackBackend creates an idle fallback backend
func NewFallbackBackend(config FallbackConfig) *FallbackBackend {
	if config.Client == nil {
		config.Client = &http.Client{Timeout: 5 * time.Second}
	}
	if config.Clock == nil {
		config.Clock = SystemClock
	}
	if config.LoggerFactory == nil {
		config.LoggerFactory = logging.NewDefaultLoggerFactory()
	}
	return &FallbackBackend{
		config: config,
		log:    config.LoggerFactory.NewLogger("stream"),
	}
}

func (b *FallbackBackend) Mode() Mode       { return ModeFallback }
func (b *FallbackBackend) Name() string     { return "HTTP MJPEG" }
func (b *FallbackBackend) Orientation() int { return 0 }

func (b *FallbackBackend) Resolution() Resolution {
	b.mu.Lock()
	native := b.native
	b.mu.Unlock()
	return resolution(native, b.config.Surface)
}

func (b *FallbackBackend) EnsureStream(state *StreamerState) {
	b.mu.Lock()
	b.live = state
	b.mu.Unlock()

	b.q.do(func() {
		if b.cancel != nil {
			return
		}
		if err := b.config.Surface.Acquire(b); err != nil {
			b.log.Errorf("Can't start: %v", err)
			b.config.Callbacks.info(false, false, err.Error())
			return
		}
		ctx, cancel := context.WithCancel(context.Background())
		b.cancel = cancel
		b.gen++
		b.config.Callbacks.inactive()
		b.config.Callbacks.info(false, false, "")
		go b.poll(ctx, b.gen)
	})
}

func (b *FallbackBackend) StopStream() {
	b.q.do(func() {
		if b.cancel != nil {
			b.cancel()
			b.cancel = nil
		}
		b.gen++
		b.active = false
		b.setNative(geometry.Size{})
		b.config.Callbacks.inactive()
		b.config.Callbacks.info(false, false, "")
		b.config.Surface.Release(b)
	})
}

// interval paces snapshots at the desired frame rate, capped
func (b *FallbackBackend) interval() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	fps := defaultSnapshotFPS
	if b.live != nil && b.live.Source.DesiredFPS > 0 {
		fps = b.live.Source.DesiredFPS
	}
	if fps > maxSnapshotFPS {
		fps = maxSnapshotFPS
	}
	return time.Second / time.Duration(fps)
}

func (b *FallbackBackend) online() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return isOnline(b.live)
}

func (b *FallbackBackend) poll(ctx context.Context, gen int) {
	for {
		data, size, err := b.fetch(ctx)
		if ctx.Err() != nil {
			return
		}
		b.q.post(func() { b.onSnapshot(gen, data, size, err) })

		select {
		case <-ctx.Done():
			return
		case <-time.After(b.interval()):
		}
	}
}

func (b *FallbackBackend) fetch(ctx context.Context) ([]byte, geometry.Size, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.config.URL, nil)
	if err != nil {
		return nil, geometry.Size{}, fmt.Errorf("failed to build snapshot request: %w", err)
	}
	for k, v := range b.config.Header {
		req.Header[k] = v
	}

	resp, err := b.config.Client.Do(req)
	if err != nil {
		return nil, geometry.Size{}, fmt.Errorf("failed to fetch snapshot: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, geometry.Size{}, fmt.Errorf("snapshot: unexpected status %s", resp.Status)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, geometry.Size{}, fmt.Errorf("failed to read snapshot: %w", err)
	}
	cfg, err := jpeg.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, geometry.Size{}, fmt.Errorf("invalid snapshot: %w", err)
	}
	return data, geometry.Size{Width: cfg.Width, Height: cfg.Height}, nil
}

func (b *FallbackBackend) onSnapshot(gen int, data []byte, size geometry.Size, err error) {
	if gen != b.gen {
		return
	}
	now := b.config.Clock.Now()

	if err != nil {
		if b.active {
			b.active = false
			b.config.Surface.UnbindAll(b)
			b.config.Callbacks.inactive()
		}
		if text := err.Error(); text != b.lastError {
			b.lastError = text
			b.log.Warnf("%v", err)
			b.config.Callbacks.info(false, b.online(), text)
		}
		return
	}

	b.lastError = ""
	if !b.active {
		if err := b.config.Surface.Bind(b, "video", "mjpeg"); err != nil {
			b.log.Errorf("Can't bind snapshots: %v", err)
			return
		}
		b.active = true
		b.frames = 0
		b.lastInfo = now
		b.config.Callbacks.active()
		b.config.Callbacks.info(true, b.online(), "")
	}
	b.setNative(size)
	if b.config.Sink != nil {
		b.config.Sink(data, size)
	}

	b.frames++
	if elapsed := now.Sub(b.lastInfo); elapsed >= time.Second {
		fps := float64(b.frames) / elapsed.Seconds()
		b.config.Callbacks.info(true, b.online(), fmt.Sprintf("%.0f fps", fps))
		b.frames = 0
		b.lastInfo = now
	}
}

func (b *FallbackBackend) setNative(size geometry.Size) {
	b.mu.Lock()
	changed := b.native != size
	b.native = size
	b.mu.Unlock()
	if changed {
		b.config.Callbacks.organize()
	}
}
