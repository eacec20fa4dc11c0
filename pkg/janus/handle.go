package janus

import (
	"context"
	"fmt"

	"github.com/pion/webrtc/v3"
)

// Handle is an attachment to a plugin within a session
type Handle struct {
	id      uint64
	plugin  string
	session *Session
	onEvent func(Event)
}

// ID returns the gateway handle id
func (h *Handle) ID() uint64 {
	return h.id
}

// Plugin returns the plugin package name
func (h *Handle) Plugin() string {
	return h.plugin
}

// Send delivers a plugin message with an optional JSEP. It returns once the
// gateway acknowledged the request; the plugin reply arrives as an Event.
func (h *Handle) Send(ctx context.Context, body any, jsep *webrtc.SessionDescription) error {
	_, err := h.session.request(ctx, &Message{
		Janus:     "message",
		SessionID: h.session.ID(),
		HandleID:  h.id,
		Body:      body,
		JSEP:      jsep,
	})
	if err != nil {
		return fmt.Errorf("failed to send message to handle %d: %w", h.id, err)
	}
	return nil
}

// Hangup tears down the PeerConnection on the gateway side
func (h *Handle) Hangup(ctx context.Context) error {
	_, err := h.session.request(ctx, &Message{
		Janus:     "hangup",
		SessionID: h.session.ID(),
		HandleID:  h.id,
	})
	if err != nil {
		return fmt.Errorf("failed to hang up handle %d: %w", h.id, err)
	}
	return nil
}

// Detach detaches from the plugin; no more events are delivered afterwards
func (h *Handle) Detach(ctx context.Context) error {
	h.session.forget(h)
	_, err := h.session.request(ctx, &Message{
		Janus:     "detach",
		SessionID: h.session.ID(),
		HandleID:  h.id,
	})
	if err != nil {
		return fmt.Errorf("failed to detach handle %d: %w", h.id, err)
	}
	return nil
}
