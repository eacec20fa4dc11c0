package janus

import (
	"encoding/json"
	"fmt"

	"github.com/pion/webrtc/v3"
)

// Message is a single frame of the Janus WebSocket API, in either direction
type Message struct {
	Janus       string `json:"janus"`                 // create, attach, message, trickle, keepalive, hangup, detach, destroy, success, ack, error, event, webrtcup, media, slowlink, hangup, detached, timeout
	Transaction string `json:"transaction,omitempty"` // request/response correlation
	SessionID   uint64 `json:"session_id,omitempty"`
	HandleID    uint64 `json:"handle_id,omitempty"`
	Sender      uint64 `json:"sender,omitempty"` // handle that produced an async event

	// Requests
	Plugin   string `json:"plugin,omitempty"`
	OpaqueID string `json:"opaque_id,omitempty"`
	Body     any    `json:"body,omitempty"`

	// Both directions
	JSEP      *webrtc.SessionDescription `json:"jsep,omitempty"`
	Candidate json.RawMessage            `json:"candidate,omitempty"`

	// Responses and events
	Data       *SuccessData `json:"data,omitempty"`
	PluginData *PluginData  `json:"plugindata,omitempty"`
	Error      *Error       `json:"error,omitempty"`
	Reason     string       `json:"reason,omitempty"`    // hangup
	Type       string       `json:"type,omitempty"`      // media: audio or video
	Receiving  *bool        `json:"receiving,omitempty"` // media
	Uplink     *bool        `json:"uplink,omitempty"`    // slowlink
}

// SuccessData carries the identifier returned by create and attach
type SuccessData struct {
	ID uint64 `json:"id"`
}

// PluginData wraps a plugin specific payload
type PluginData struct {
	Plugin string          `json:"plugin"`
	Data   json.RawMessage `json:"data"`
}

// Error is an error reported by the gateway core
type Error struct {
	Code   int    `json:"code"`
	Reason string `json:"reason"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("janus error %d: %s", e.Code, e.Reason)
}

// Event is an asynchronous notification addressed to a plugin handle
type Event struct {
	Type      string          // event, webrtcup, media, slowlink, hangup, detached, trickle
	Data      json.RawMessage // plugin payload for "event"
	JSEP      *webrtc.SessionDescription
	Candidate *webrtc.ICECandidateInit // nil with Completed for end-of-candidates
	Completed bool
	Reason    string
	Media     string
	Receiving bool
}

// eventFromMessage converts a routed message into a handle event
func eventFromMessage(msg *Message) Event {
	ev := Event{
		Type:   msg.Janus,
		JSEP:   msg.JSEP,
		Reason: msg.Reason,
		Media:  msg.Type,
	}
	if msg.PluginData != nil {
		ev.Data = msg.PluginData.Data
	}
	if msg.Receiving != nil {
		ev.Receiving = *msg.Receiving
	}
	if len(msg.Candidate) > 0 {
		var end struct {
			Completed bool `json:"completed"`
		}
		if err := json.Unmarshal(msg.Candidate, &end); err == nil && end.Completed {
			ev.Completed = true
		} else {
			var cand webrtc.ICECandidateInit
			if err := json.Unmarshal(msg.Candidate, &cand); err == nil {
				ev.Candidate = &cand
			}
		}
	}
	return ev
}
