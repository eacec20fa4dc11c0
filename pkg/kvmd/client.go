// Package kvmd follows the device state feed on /api/ws and turns streamer
// events into stream updates.
package kvmd

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/logging"
	"github.com/tomaslejdung/kvmview/pkg/stream"
)

const (
	DefaultReconnectDelay = 3 * time.Second
	DefaultPingInterval   = 10 * time.Second
)

// Config holds the device address and credentials
type Config struct {
	URL      string // https://pikvm.local
	User     string
	Password string
	Insecure bool // skip TLS verification, devices ship self-signed certificates

	ReconnectDelay time.Duration
	PingInterval   time.Duration
	LoggerFactory  logging.LoggerFactory
}

// Client talks to one device
type Client struct {
	config Config
	base   *url.URL
	log    logging.LeveledLogger
	dialer *websocket.Dialer
	http   *http.Client
}

// NewClient validates the device URL
func NewClient(config Config) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(config.URL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid device URL: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("invalid device URL %q: scheme must be http or https", config.URL)
	}
	if config.ReconnectDelay <= 0 {
		config.ReconnectDelay = DefaultReconnectDelay
	}
	if config.PingInterval <= 0 {
		config.PingInterval = DefaultPingInterval
	}
	if config.LoggerFactory == nil {
		config.LoggerFactory = logging.NewDefaultLoggerFactory()
	}

	tlsConfig := &tls.Config{InsecureSkipVerify: config.Insecure}
	return &Client{
		config: config,
		base:   base,
		log:    config.LoggerFactory.NewLogger("kvmd"),
		dialer: &websocket.Dialer{
			HandshakeTimeout: 5 * time.Second,
			TLSClientConfig:  tlsConfig,
			Proxy:            http.ProxyFromEnvironment,
		},
		http: &http.Client{
			Timeout:   5 * time.Second,
			Transport: &http.Transport{TLSClientConfig: tlsConfig, Proxy: http.ProxyFromEnvironment},
		},
	}, nil
}

// Header returns the auth headers every endpoint expects
func (c *Client) Header() http.Header {
	h := http.Header{}
	if c.config.User != "" {
		h.Set("X-KVMD-User", c.config.User)
		h.Set("X-KVMD-Passwd", c.config.Password)
	}
	return h
}

// Dialer returns a WebSocket dialer with the device TLS settings
func (c *Client) Dialer() *websocket.Dialer { return c.dialer }

// HTTPClient returns an HTTP client with the device TLS settings
func (c *Client) HTTPClient() *http.Client { return c.http }

// Endpoint resolves path against the device URL. WebSocket endpoints get the
// matching ws or wss scheme.
func (c *Client) Endpoint(path string, ws bool) string {
	u := *c.base
	p, query, _ := strings.Cut(path, "?")
	u.Path += p
	u.RawQuery = query
	if ws {
		if u.Scheme == "https" {
			u.Scheme = "wss"
		} else {
			u.Scheme = "ws"
		}
	}
	return u.String()
}

// Endpoints of a device
func (c *Client) StateURL() string    { return c.Endpoint("/api/ws?stream=0", true) }
func (c *Client) JanusURL() string    { return c.Endpoint("/janus/ws", true) }
func (c *Client) MediaURL() string    { return c.Endpoint("/api/media/ws", true) }
func (c *Client) SnapshotURL() string { return c.Endpoint("/api/streamer/snapshot", false) }

// Run follows the state feed until ctx is done, reconnecting after every
// loss. onUpdate gets nil whenever the feed drops.
func (c *Client) Run(ctx context.Context, onUpdate func(*stream.Update)) error {
	for {
		err := c.follow(ctx, onUpdate)
		onUpdate(nil)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.log.Warnf("State feed lost: %v, reconnecting in %s", err, c.config.ReconnectDelay)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.config.ReconnectDelay):
		}
	}
}

// follow reads one connection until it fails
func (c *Client) follow(ctx context.Context, onUpdate func(*stream.Update)) error {
	ws, resp, err := c.dialer.DialContext(ctx, c.StateURL(), c.Header())
	if err != nil {
		if resp != nil {
			return fmt.Errorf("failed to connect to %s: %s", c.StateURL(), resp.Status)
		}
		return fmt.Errorf("failed to connect: %w", err)
	}
	c.log.Infof("Connected to %s", c.base.Host)

	var (
		writeMu sync.Mutex
		wg      sync.WaitGroup
	)
	done := make(chan struct{})
	defer func() {
		close(done)
		ws.Close()
		wg.Wait()
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(c.config.PingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				ws.Close()
				return
			case <-ticker.C:
				writeMu.Lock()
				err := ws.WriteJSON(map[string]any{"event_type": "ping", "event": map[string]any{}})
				writeMu.Unlock()
				if err != nil {
					c.log.Debugf("Ping failed: %v", err)
					return
				}
			}
		}
	}()

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return fmt.Errorf("failed to read event: %w", err)
		}
		u, ok, err := ParseEvent(data)
		if err != nil {
			c.log.Warnf("Invalid event: %v", err)
			continue
		}
		if ok {
			onUpdate(u)
		}
	}
}

type envelope struct {
	EventType string          `json:"event_type"`
	Event     json.RawMessage `json:"event"`
}

// ParseEvent decodes a feed message. ok is false for events other than the
// streamer state.
func ParseEvent(data []byte) (u *stream.Update, ok bool, err error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, false, fmt.Errorf("failed to decode event: %w", err)
	}
	switch env.EventType {
	case "streamer_state", "streamer":
	default:
		return nil, false, nil
	}
	if len(env.Event) == 0 || string(env.Event) == "null" {
		return nil, false, fmt.Errorf("empty %s event", env.EventType)
	}

	u = &stream.Update{}
	if err := json.Unmarshal(env.Event, u); err != nil {
		return nil, false, fmt.Errorf("failed to decode %s event: %w", env.EventType, err)
	}
	return u, true, nil
}
