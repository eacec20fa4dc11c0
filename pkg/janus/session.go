package janus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pion/logging"
)

// Session is a gateway session bound to one WebSocket connection
type Session struct {
	ws      *websocket.Conn
	writeMu sync.Mutex
	log     logging.LeveledLogger

	mu           sync.Mutex
	id           uint64
	transactions map[string]chan *Message
	handles      map[uint64]*Handle
	onClose      func(error)
	closed       bool
	done         chan struct{}
}

func newSession(ws *websocket.Conn, log logging.LeveledLogger, onClose func(error)) *Session {
	return &Session{
		ws:           ws,
		log:          log,
		transactions: make(map[string]chan *Message),
		handles:      make(map[uint64]*Handle),
		onClose:      onClose,
		done:         make(chan struct{}),
	}
}

// ID returns the gateway session id
func (s *Session) ID() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.id
}

func (s *Session) setID(id uint64) {
	s.mu.Lock()
	s.id = id
	s.mu.Unlock()
}

// Attach attaches to a plugin. onEvent receives every asynchronous event
// addressed to the new handle, on the session's read goroutine.
func (s *Session) Attach(ctx context.Context, plugin, opaqueID string, onEvent func(Event)) (*Handle, error) {
	reply, err := s.request(ctx, &Message{
		Janus:     "attach",
		SessionID: s.ID(),
		Plugin:    plugin,
		OpaqueID:  opaqueID,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to attach %s: %w", plugin, err)
	}
	if reply.Data == nil {
		return nil, fmt.Errorf("failed to attach %s: missing id", plugin)
	}

	h := &Handle{
		id:      reply.Data.ID,
		plugin:  plugin,
		session: s,
		onEvent: onEvent,
	}

	s.mu.Lock()
	s.handles[h.id] = h
	s.mu.Unlock()

	s.log.Infof("Attached %s as handle %d", plugin, h.id)
	return h, nil
}

// Destroy destroys the session on the gateway and closes the connection
func (s *Session) Destroy(ctx context.Context) error {
	_, err := s.request(ctx, &Message{Janus: "destroy", SessionID: s.ID()})
	s.Close()
	if err != nil {
		return fmt.Errorf("failed to destroy session: %w", err)
	}
	return nil
}

// Close closes the connection without telling the gateway
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	s.ws.Close()
}

// Done is closed once the read loop has exited
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// request sends msg with a fresh transaction and waits for the first reply
func (s *Session) request(ctx context.Context, msg *Message) (*Message, error) {
	msg.Transaction = uuid.NewString()
	ch := make(chan *Message, 1)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	s.transactions[msg.Transaction] = ch
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.transactions, msg.Transaction)
		s.mu.Unlock()
	}()

	if err := s.write(msg); err != nil {
		return nil, err
	}

	select {
	case reply := <-ch:
		if reply.Janus == "error" {
			if reply.Error == nil {
				return nil, &Error{Reason: "unknown error"}
			}
			return nil, reply.Error
		}
		return reply, nil
	case <-s.done:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *Session) write(msg *Message) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.ws.WriteJSON(msg); err != nil {
		return fmt.Errorf("failed to send %s: %w", msg.Janus, err)
	}
	return nil
}

// readLoop reads frames from the WebSocket and dispatches them
func (s *Session) readLoop() {
	var readErr error
	defer func() {
		s.mu.Lock()
		wasClosed := s.closed
		s.closed = true
		onClose := s.onClose
		s.mu.Unlock()

		close(s.done)
		s.ws.Close()

		if !wasClosed && onClose != nil {
			onClose(readErr)
		}
	}()

	for {
		_, data, err := s.ws.ReadMessage()
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if !closed {
				s.log.Warnf("WebSocket read error: %v", err)
			}
			readErr = err
			return
		}

		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			s.log.Warnf("Invalid message format: %v", err)
			continue
		}

		if msg.Janus == "timeout" {
			readErr = fmt.Errorf("session %d timed out", msg.SessionID)
			s.log.Warnf("Gateway timed out session %d", msg.SessionID)
			return
		}

		s.dispatch(&msg)
	}
}

// dispatch resolves pending transactions and routes events to handles
func (s *Session) dispatch(msg *Message) {
	switch msg.Janus {
	case "ack", "success", "error":
		s.mu.Lock()
		ch, ok := s.transactions[msg.Transaction]
		if ok {
			delete(s.transactions, msg.Transaction)
		}
		s.mu.Unlock()
		if ok {
			ch <- msg
		}
		// Plugins may answer synchronously inside the success reply
		if msg.Janus == "success" && msg.PluginData != nil && msg.Sender != 0 {
			s.route(msg)
		}
	case "keepalive", "server_info":
	default:
		s.route(msg)
	}
}

func (s *Session) route(msg *Message) {
	s.mu.Lock()
	h := s.handles[msg.Sender]
	if msg.Janus == "detached" {
		delete(s.handles, msg.Sender)
	}
	s.mu.Unlock()

	if h == nil {
		s.log.Debugf("Dropping %s for unknown handle %d", msg.Janus, msg.Sender)
		return
	}
	if h.onEvent != nil {
		h.onEvent(eventFromMessage(msg))
	}
}

// keepAliveLoop keeps the gateway session from expiring
func (s *Session) keepAliveLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), interval)
			if _, err := s.request(ctx, &Message{Janus: "keepalive", SessionID: s.ID()}); err != nil {
				s.log.Debugf("Keepalive failed: %v", err)
			}
			cancel()
		}
	}
}

func (s *Session) forget(h *Handle) {
	s.mu.Lock()
	delete(s.handles, h.id)
	s.mu.Unlock()
}
