// Package room implements the two-party room relay: chat text and WebRTC
// signaling payloads published by one member are fanned out through the
// pub/sub fabric to the room's broadcast group. Delivery reaches every
// member including the sender; receivers drop events tagged with their own
// user id, so the sender never sees its own message back.
package room

import "encoding/json"

// Event types carried on a room's broadcast subject.
const (
	EventChatMessage = "chat_message"
	EventSignal      = "webrtc_signal"
)

// Event is the payload broadcast to a room group. Exactly one of Message or
// Signal is set, depending on Type.
type Event struct {
	Type     string          `json:"type"`
	SenderID string          `json:"sender_id"`
	Message  string          `json:"message,omitempty"`
	Signal   json.RawMessage `json:"signal,omitempty"`
	Ts       int64           `json:"ts"`
}
