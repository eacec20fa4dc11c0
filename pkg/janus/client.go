// Package janus is a minimal client for the Janus WebRTC gateway WebSocket API.
//
// One Session owns one WebSocket connection. Requests are correlated by
// transaction id; asynchronous plugin events are routed to the Handle that
// produced them.
package janus

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/logging"
)

// Subprotocol is the WebSocket subprotocol spoken by the gateway
const Subprotocol = "janus-protocol"

// DefaultKeepAlive matches the interval janus.js uses
const DefaultKeepAlive = 25 * time.Second

// ErrClosed is returned for requests on a session whose connection is gone
var ErrClosed = errors.New("janus: session closed")

// Config holds gateway connection settings
type Config struct {
	URL           string
	Header        http.Header
	Dialer        *websocket.Dialer
	KeepAlive     time.Duration
	LoggerFactory logging.LoggerFactory
}

// Client creates gateway sessions
type Client struct {
	config Config
	log    logging.LeveledLogger
}

// NewClient creates a gateway client
func NewClient(config Config) *Client {
	if config.Dialer == nil {
		config.Dialer = &websocket.Dialer{
			HandshakeTimeout: 5 * time.Second,
		}
	}
	if config.KeepAlive <= 0 {
		config.KeepAlive = DefaultKeepAlive
	}
	if config.LoggerFactory == nil {
		config.LoggerFactory = logging.NewDefaultLoggerFactory()
	}
	return &Client{
		config: config,
		log:    config.LoggerFactory.NewLogger("janus"),
	}
}

// Connect dials the gateway and creates a session. onClose is called once if
// the connection is lost or the gateway times the session out; it is not
// called after Destroy or Close.
func (c *Client) Connect(ctx context.Context, onClose func(error)) (*Session, error) {
	dialer := *c.config.Dialer
	dialer.Subprotocols = []string{Subprotocol}

	ws, _, err := dialer.DialContext(ctx, c.config.URL, c.config.Header)
	if err != nil {
		return nil, fmt.Errorf("failed to dial gateway: %w", err)
	}

	s := newSession(ws, c.log, onClose)
	go s.readLoop()

	reply, err := s.request(ctx, &Message{Janus: "create"})
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("failed to create session: %w", err)
	}
	if reply.Data == nil {
		s.Close()
		return nil, fmt.Errorf("failed to create session: missing id")
	}

	s.setID(reply.Data.ID)
	go s.keepAliveLoop(c.config.KeepAlive)

	c.log.Infof("Session %d created", reply.Data.ID)
	return s, nil
}
