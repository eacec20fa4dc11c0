package stream

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tomaslejdung/kvmview/pkg/geometry"
)

// fakeMediaServer accepts media connections and writes the given frames.
// The first connection is closed when drop is closed.
type fakeMediaServer struct {
	*httptest.Server
	conns  atomic.Int32
	starts chan map[string]any
	frames [][]byte
	drop   chan struct{}
	hold   chan struct{}
}

func newFakeMediaServer(t *testing.T, frames [][]byte) *fakeMediaServer {
	t.Helper()
	s := &fakeMediaServer{
		starts: make(chan map[string]any, 8),
		frames: frames,
		drop:   make(chan struct{}),
		hold:   make(chan struct{}),
	}
	upgrader := websocket.Upgrader{}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		n := s.conns.Add(1)

		var start map[string]any
		if err := ws.ReadJSON(&start); err != nil {
			return
		}
		s.starts <- start
		for _, f := range s.frames {
			if err := ws.WriteMessage(websocket.BinaryMessage, f); err != nil {
				return
			}
		}
		if n == 1 {
			<-s.drop
			return
		}
		<-s.hold
	}))
	t.Cleanup(func() {
		close(s.hold)
		s.Close()
	})
	return s
}

func (s *fakeMediaServer) wsURL() string {
	return "ws" + strings.TrimPrefix(s.URL, "http")
}

func TestElementaryBackend(t *testing.T) {
	srv := newFakeMediaServer(t, [][]byte{
		{1, 1, 0, 0, 0, 1, 0x65, 0xaa},
		{1, 0, 0, 0, 0, 1, 0x41},
		{2, 0, 0xff}, // not video
	})

	var (
		mu     sync.Mutex
		frames []Frame
	)
	clock := newFakeClock()
	surface := NewSurface(geometry.Size{Width: 800, Height: 600})
	rec := &recorder{}
	b := NewElementaryBackend(ElementaryConfig{
		URL:           srv.wsURL(),
		Surface:       surface,
		Callbacks:     rec.callbacks(),
		Clock:         clock,
		LoggerFactory: quietLogs,
		Orientation:   180,
		Sink: func(f Frame) {
			mu.Lock()
			frames = append(frames, f)
			mu.Unlock()
		},
	})
	t.Cleanup(b.StopStream)

	assert.Equal(t, ModeElementary, b.Mode())
	assert.Equal(t, "Direct H.264", b.Name())
	assert.Equal(t, 180, b.Orientation())
	assert.False(t, b.SupportsLocalCapture())

	b.EnsureStream(liveState)
	start := <-srv.starts
	assert.Equal(t, "start", start["event_type"])
	assert.Equal(t, map[string]any{"type": "video", "format": "h264"}, start["event"])

	require.Eventually(t, func() bool {
		id, _ := surface.Track("video")
		return id == "media"
	}, waitFor, tick)
	assert.GreaterOrEqual(t, rec.activeCount(), 1)
	assert.Equal(t, geometry.Size{Width: 1920, Height: 1080}, b.Resolution().Native)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(frames) == 2
	}, waitFor, tick)
	mu.Lock()
	assert.True(t, frames[0].Key)
	assert.Equal(t, []byte{0, 0, 0, 1, 0x65, 0xaa}, frames[0].Data)
	assert.False(t, frames[1].Key)
	mu.Unlock()

	// Dropping the connection arms one reconnect
	close(srv.drop)
	require.Eventually(t, func() bool { return surface.TrackCount() == 0 }, waitFor, tick)
	require.Eventually(t, func() bool { return clock.Pending(DefaultMediaReconnectDelay) == 1 }, waitFor, tick)
	clock.Advance(DefaultMediaReconnectDelay)
	<-srv.starts
	require.Eventually(t, func() bool { return surface.TrackCount() == 1 }, waitFor, tick)
	assert.Equal(t, int32(2), srv.conns.Load())

	b.StopStream()
	assert.Equal(t, 0, surface.TrackCount())
	assert.Nil(t, surface.Owner())
	assert.Equal(t, geometry.Size{Width: 800, Height: 600}, b.Resolution().Native)
}

func TestElementaryCaptureUnsupported(t *testing.T) {
	b := NewElementaryBackend(ElementaryConfig{LoggerFactory: quietLogs})
	_, err := b.ToggleCapture(context.Background(), true)
	assert.ErrorIs(t, err, ErrCaptureUnsupported)
	assert.False(t, b.CaptureEnabled())
}
