package stream

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/logging"
	"github.com/tomaslejdung/kvmview/pkg/geometry"
)

const DefaultMediaReconnectDelay = time.Second

// Frame is one H.264 access unit from the media endpoint
type Frame struct {
	Key  bool
	Data []byte // Annex B
}

// FrameSink consumes frames; it runs on the reader goroutine
type FrameSink func(Frame)

// ElementaryConfig configures an ElementaryBackend
type ElementaryConfig struct {
	URL           string // ws://host/api/media/ws
	Header        http.Header
	Dialer        *websocket.Dialer
	Surface       *Surface
	Callbacks     Callbacks
	Clock         Clock
	LoggerFactory logging.LoggerFactory
	Orientation   int
	Sink          FrameSink

	ReconnectDelay time.Duration
	InfoInterval   time.Duration
}

// mediaConn is one WebSocket connection to the media endpoint
type mediaConn struct {
	ws     *websocket.Conn
	cancel context.CancelFunc

	bytes      atomic.Uint64
	frames     atomic.Uint64
	lastBytes  uint64
	lastFrames uint64
	lastPoll   time.Time
	active     bool
	info       *task
}

// ElementaryBackend receives a raw H.264 stream over WebSocket
type ElementaryBackend struct {
	noCapture

	config ElementaryConfig
	log    logging.LeveledLogger
	q      queue

	// queue owned
	conn      *mediaConn
	reconnect *task
	stopped   bool
	live      *StreamerState

	mu     sync.Mutex
	native geometry.Size
}

// NewElementaryBackend creates an idle elementary backend
func NewElementaryBackend(config ElementaryConfig) *ElementaryBackend {
	if config.Dialer == nil {
		config.Dialer = &websocket.Dialer{HandshakeTimeout: 5 * time.Second}
	}
	if config.Clock == nil {
		config.Clock = SystemClock
	}
	if config.LoggerFactory == nil {
		config.LoggerFactory = logging.NewDefaultLoggerFactory()
	}
	if config.ReconnectDelay <= 0 {
		config.ReconnectDelay = DefaultMediaReconnectDelay
	}
	if config.InfoInterval <= 0 {
		config.InfoInterval = DefaultInfoInterval
	}
	return &ElementaryBackend{
		config: config,
		log:    config.LoggerFactory.NewLogger("stream"),
	}
}

func (b *ElementaryBackend) Mode() Mode       { return ModeElementary }
func (b *ElementaryBackend) Name() string     { return "Direct H.264" }
func (b *ElementaryBackend) Orientation() int { return b.config.Orientation }

func (b *ElementaryBackend) Resolution() Resolution {
	b.mu.Lock()
	native := b.native
	b.mu.Unlock()
	return resolution(native, b.config.Surface)
}

func (b *ElementaryBackend) EnsureStream(state *StreamerState) {
	b.q.do(func() {
		b.live = state
		b.stopped = false
		if b.conn == nil && b.reconnect == nil {
			b.connect()
		}
		b.refreshNative()
	})
}

func (b *ElementaryBackend) StopStream() {
	b.q.do(func() {
		b.stopped = true
		b.reconnect.cancel()
		b.reconnect = nil
		b.closeConn()
		b.config.Callbacks.inactive()
		b.config.Callbacks.info(false, false, "")
		b.config.Surface.Release(b)
	})
}

func (b *ElementaryBackend) connect() {
	if err := b.config.Surface.Acquire(b); err != nil {
		b.log.Errorf("Can't start: %v", err)
		b.config.Callbacks.info(false, false, err.Error())
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &mediaConn{cancel: cancel}
	b.conn = c
	b.config.Callbacks.inactive()
	b.config.Callbacks.info(false, false, "")

	go func() {
		ws, _, err := b.config.Dialer.DialContext(ctx, b.config.URL, b.config.Header)
		if err == nil {
			err = ws.WriteJSON(map[string]any{
				"event_type": "start",
				"event":      map[string]any{"type": "video", "format": "h264"},
			})
			if err != nil {
				ws.Close()
			}
		}
		b.q.post(func() { b.onDialed(c, ws, err) })
	}()
}

func (b *ElementaryBackend) onDialed(c *mediaConn, ws *websocket.Conn, err error) {
	if b.conn != c {
		if ws != nil && err == nil {
			ws.Close()
		}
		return
	}
	if err != nil {
		b.log.Warnf("Media connect failed: %v", err)
		b.config.Callbacks.info(false, false, fmt.Sprintf("Media connect failed: %v", err))
		b.lost(c)
		return
	}
	c.ws = ws
	b.log.Infof("Media stream connected to %s", b.config.URL)
	go b.readLoop(c)
}

// readLoop reads frames until the connection ends
func (b *ElementaryBackend) readLoop(c *mediaConn) {
	for {
		kind, data, err := c.ws.ReadMessage()
		if err != nil {
			b.q.post(func() {
				if b.conn == c {
					b.log.Warnf("Media stream read error: %v", err)
					b.lost(c)
				}
			})
			return
		}
		if kind != websocket.BinaryMessage || len(data) < 2 || data[0] != 1 {
			continue
		}

		frame := Frame{Key: data[1] != 0, Data: data[2:]}
		c.bytes.Add(uint64(len(data)))
		if c.frames.Add(1) == 1 {
			b.q.post(func() { b.onFirstFrame(c) })
		}
		if b.config.Sink != nil {
			b.config.Sink(frame)
		}
	}
}

func (b *ElementaryBackend) onFirstFrame(c *mediaConn) {
	if b.conn != c || c.active {
		return
	}
	if err := b.config.Surface.Bind(b, "video", "media"); err != nil {
		b.log.Errorf("Can't bind media stream: %v", err)
		return
	}
	c.active = true
	c.lastPoll = b.config.Clock.Now()
	b.config.Callbacks.active()
	b.refreshNative()
	b.updateInfo(c)
	b.armInfo(c)
}

func (b *ElementaryBackend) armInfo(c *mediaConn) {
	c.info = schedule(b.config.Clock, &b.q, b.config.InfoInterval, func(t *task) {
		if b.conn != c || c.info != t {
			return
		}
		b.updateInfo(c)
		b.armInfo(c)
	})
}

func (b *ElementaryBackend) updateInfo(c *mediaConn) {
	now := b.config.Clock.Now()
	bytes, frames := c.bytes.Load(), c.frames.Load()
	var kbps uint64
	if elapsed := now.Sub(c.lastPoll).Seconds(); elapsed > 0 {
		kbps = uint64(float64(bytes-c.lastBytes) * 8 / 1000 / elapsed)
	}
	text := fmt.Sprintf("%d kbps / %d fps", kbps, frames-c.lastFrames)
	c.lastBytes, c.lastFrames, c.lastPoll = bytes, frames, now
	b.config.Callbacks.info(true, isOnline(b.live), text)
}

func (b *ElementaryBackend) refreshNative() {
	if b.conn == nil || !b.conn.active || b.live == nil {
		return
	}
	b.setNative(b.live.Source.Resolution)
}

func (b *ElementaryBackend) setNative(size geometry.Size) {
	b.mu.Lock()
	changed := b.native != size
	b.native = size
	b.mu.Unlock()
	if changed {
		b.config.Callbacks.organize()
	}
}

// lost drops the connection and retries unless stopped
func (b *ElementaryBackend) lost(c *mediaConn) {
	b.closeConn()
	b.config.Callbacks.inactive()
	if b.stopped || b.reconnect != nil {
		return
	}
	b.reconnect = schedule(b.config.Clock, &b.q, b.config.ReconnectDelay, func(t *task) {
		if b.reconnect != t {
			return
		}
		b.reconnect = nil
		if !b.stopped && b.conn == nil {
			b.connect()
		}
	})
}

func (b *ElementaryBackend) closeConn() {
	c := b.conn
	if c == nil {
		return
	}
	b.conn = nil
	c.info.cancel()
	c.cancel()
	if c.ws != nil {
		c.ws.Close()
	}
	b.config.Surface.UnbindAll(b)
	b.setNative(geometry.Size{})
}
