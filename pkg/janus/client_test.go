package janus

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeGateway answers the core requests the way Janus does and lets tests
// push extra frames to the connected client.
type fakeGateway struct {
	t        *testing.T
	upgrader websocket.Upgrader

	mu       sync.Mutex
	conn     *websocket.Conn
	received []Message
	onMsg    func(g *fakeGateway, msg Message)
}

func newFakeGateway(t *testing.T, onMsg func(g *fakeGateway, msg Message)) (*fakeGateway, *httptest.Server) {
	g := &fakeGateway{
		t:     t,
		onMsg: onMsg,
		upgrader: websocket.Upgrader{
			Subprotocols: []string{Subprotocol},
			CheckOrigin:  func(r *http.Request) bool { return true },
		},
	}
	srv := httptest.NewServer(http.HandlerFunc(g.serve))
	t.Cleanup(srv.Close)
	return g, srv
}

func (g *fakeGateway) serve(w http.ResponseWriter, r *http.Request) {
	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	g.mu.Lock()
	g.conn = conn
	g.mu.Unlock()

	for {
		var msg Message
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}
		g.mu.Lock()
		g.received = append(g.received, msg)
		g.mu.Unlock()
		hook := g.onMsg

		switch msg.Janus {
		case "create":
			g.send(Message{Janus: "success", Transaction: msg.Transaction, Data: &SuccessData{ID: 1001}})
		case "attach":
			g.send(Message{Janus: "success", Transaction: msg.Transaction, Data: &SuccessData{ID: 2002}})
		case "message", "keepalive":
			g.send(Message{Janus: "ack", Transaction: msg.Transaction, SessionID: msg.SessionID})
		case "detach", "hangup", "destroy":
			g.send(Message{Janus: "success", Transaction: msg.Transaction, SessionID: msg.SessionID})
		}
		if hook != nil {
			hook(g, msg)
		}
	}
}

func (g *fakeGateway) send(msg Message) {
	g.mu.Lock()
	defer g.mu.Unlock()
	require.NoError(g.t, g.conn.WriteJSON(msg))
}

func (g *fakeGateway) sendRaw(raw string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	require.NoError(g.t, g.conn.WriteMessage(websocket.TextMessage, []byte(raw)))
}

func (g *fakeGateway) dropConnection() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.conn.Close()
}

func (g *fakeGateway) requests() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]string, 0, len(g.received))
	for _, m := range g.received {
		out = append(out, m.Janus)
	}
	return out
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestConnectAttachAndEvents(t *testing.T) {
	g, srv := newFakeGateway(t, func(g *fakeGateway, msg Message) {
		if msg.Janus != "message" {
			return
		}
		g.send(Message{
			Janus:       "event",
			Transaction: msg.Transaction,
			SessionID:   msg.SessionID,
			Sender:      msg.HandleID,
			PluginData: &PluginData{
				Plugin: "janus.plugin.ustreamer",
				Data:   json.RawMessage(`{"result":{"status":"features"}}`),
			},
			JSEP: &webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0\r\n"},
		})
	})

	client := NewClient(Config{URL: wsURL(srv)})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sess, err := client.Connect(ctx, nil)
	require.NoError(t, err)
	defer sess.Close()
	assert.Equal(t, uint64(1001), sess.ID())

	events := make(chan Event, 4)
	h, err := sess.Attach(ctx, "janus.plugin.ustreamer", "oid-test", func(ev Event) { events <- ev })
	require.NoError(t, err)
	assert.Equal(t, uint64(2002), h.ID())
	assert.Equal(t, "janus.plugin.ustreamer", h.Plugin())

	require.NoError(t, h.Send(ctx, map[string]string{"request": "features"}, nil))

	select {
	case ev := <-events:
		assert.Equal(t, "event", ev.Type)
		assert.JSONEq(t, `{"result":{"status":"features"}}`, string(ev.Data))
		require.NotNil(t, ev.JSEP)
		assert.Equal(t, webrtc.SDPTypeOffer, ev.JSEP.Type)
	case <-time.After(3 * time.Second):
		t.Fatal("event not delivered")
	}

	assert.Equal(t, []string{"create", "attach", "message"}, g.requests())
}

func TestTrickleAndHangupEvents(t *testing.T) {
	g, srv := newFakeGateway(t, nil)
	client := NewClient(Config{URL: wsURL(srv)})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sess, err := client.Connect(ctx, nil)
	require.NoError(t, err)
	defer sess.Close()

	events := make(chan Event, 4)
	_, err = sess.Attach(ctx, "janus.plugin.ustreamer", "oid-test", func(ev Event) { events <- ev })
	require.NoError(t, err)

	g.sendRaw(`{"janus":"trickle","session_id":1001,"sender":2002,"candidate":{"candidate":"candidate:1 1 udp 1 10.0.0.1 5000 typ host","sdpMid":"0","sdpMLineIndex":0}}`)
	g.sendRaw(`{"janus":"trickle","session_id":1001,"sender":2002,"candidate":{"completed":true}}`)
	g.sendRaw(`{"janus":"hangup","session_id":1001,"sender":2002,"reason":"DTLS alert"}`)
	g.sendRaw(`{"janus":"event","session_id":1001,"sender":9999}`)

	ev := <-events
	assert.Equal(t, "trickle", ev.Type)
	require.NotNil(t, ev.Candidate)
	assert.Contains(t, ev.Candidate.Candidate, "typ host")

	ev = <-events
	assert.True(t, ev.Completed)
	assert.Nil(t, ev.Candidate)

	ev = <-events
	assert.Equal(t, "hangup", ev.Type)
	assert.Equal(t, "DTLS alert", ev.Reason)

	select {
	case ev := <-events:
		t.Fatalf("unexpected event for unknown handle: %+v", ev)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestRequestErrorIsTyped(t *testing.T) {
	_, srv := newFakeGateway(t, func(g *fakeGateway, msg Message) {
		if msg.Janus == "bogus" {
			g.send(Message{Janus: "error", Transaction: msg.Transaction, Error: &Error{Code: 458, Reason: "No such session"}})
		}
	})
	client := NewClient(Config{URL: wsURL(srv)})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sess, err := client.Connect(ctx, nil)
	require.NoError(t, err)
	defer sess.Close()

	_, err = sess.request(ctx, &Message{Janus: "bogus", SessionID: sess.ID()})
	var jerr *Error
	require.ErrorAs(t, err, &jerr)
	assert.Equal(t, 458, jerr.Code)
	assert.Equal(t, "janus error 458: No such session", err.Error())
}

func TestRequestErrorWithoutDetails(t *testing.T) {
	_, srv := newFakeGateway(t, func(g *fakeGateway, msg Message) {
		if msg.Janus == "bogus" {
			g.sendRaw(`{"janus":"error","transaction":"` + msg.Transaction + `"}`)
		}
	})
	client := NewClient(Config{URL: wsURL(srv)})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sess, err := client.Connect(ctx, nil)
	require.NoError(t, err)
	defer sess.Close()

	reply, err := sess.request(ctx, &Message{Janus: "bogus", SessionID: sess.ID()})
	assert.Nil(t, reply)
	var jerr *Error
	require.ErrorAs(t, err, &jerr)
	assert.Equal(t, "unknown error", jerr.Reason)
}

func TestConnectionLossCallsOnClose(t *testing.T) {
	g, srv := newFakeGateway(t, nil)
	client := NewClient(Config{URL: wsURL(srv)})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	closed := make(chan error, 1)
	sess, err := client.Connect(ctx, func(err error) { closed <- err })
	require.NoError(t, err)

	g.dropConnection()

	select {
	case <-closed:
	case <-time.After(3 * time.Second):
		t.Fatal("onClose not called")
	}
	<-sess.Done()

	_, err = sess.Attach(ctx, "janus.plugin.ustreamer", "oid", nil)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestDestroyDoesNotCallOnClose(t *testing.T) {
	_, srv := newFakeGateway(t, nil)
	client := NewClient(Config{URL: wsURL(srv)})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	closed := make(chan error, 1)
	sess, err := client.Connect(ctx, func(err error) { closed <- err })
	require.NoError(t, err)

	require.NoError(t, sess.Destroy(ctx))
	<-sess.Done()

	select {
	case <-closed:
		t.Fatal("onClose called after Destroy")
	case <-time.After(100 * time.Millisecond):
	}
}
