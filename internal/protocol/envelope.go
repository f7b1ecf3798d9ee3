// Package protocol defines the JSON wire envelope exchanged with clients over
// the WebSocket connection. Every message in both directions carries a type
// discriminator, a human-readable description, an ISO-8601 timestamp, and an
// optional data object.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// ---------------------------------------------------------------------------
// Message type constants
// ---------------------------------------------------------------------------

// Client -> Server message types.
const (
	TypeSubmitInterests = "submit_interests"
	TypeStartMatching   = "start_matching"
	TypeEndMatching     = "end_matching"
	TypeChatMessage     = "chat_message"
	TypeEndChat         = "end_chat"
	TypeWebRTCSignal    = "webrtc_signal"
)

// Server -> Client message types. TypeChatMessage and TypeWebRTCSignal are
// used in both directions.
const (
	TypeConnectionEstablished = "connection_established"
	TypeSuccess               = "success"
	TypeError                 = "error"
	TypeNoMatch               = "no_match"
	TypeSuccessMatched        = "success_matched"
	TypePartnerLeftChat       = "partner_left_chat"
)

// Signaling roles assigned at match time. The match initiator becomes the
// caller; the claimed partner becomes the callee. The asymmetry exists only
// to break symmetry in WebRTC offer/answer negotiation.
const (
	RoleCaller = "caller"
	RoleCallee = "callee"
)

// ---------------------------------------------------------------------------
// Envelope
// ---------------------------------------------------------------------------

// Envelope is the wire format for every message in both directions.
type Envelope struct {
	Type        string          `json:"type"`
	Description string          `json:"description,omitempty"`
	Timestamp   string          `json:"timestamp"`
	Data        json.RawMessage `json:"data,omitempty"`
}

// ParseEnvelope decodes raw WebSocket bytes into an Envelope. It returns an
// error for malformed JSON or a missing/empty type field; the data payload is
// kept raw for deferred decoding via DecodeData.
func ParseEnvelope(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("protocol: failed to parse envelope: %w", err)
	}
	if env.Type == "" {
		return nil, fmt.Errorf("protocol: missing or empty \"type\" field")
	}
	return &env, nil
}

// DecodeData decodes the envelope's data object into the given struct.
// It returns an error if the envelope carried no data at all.
func (e *Envelope) DecodeData(v interface{}) error {
	if len(e.Data) == 0 {
		return fmt.Errorf("protocol: %q envelope has no data payload", e.Type)
	}
	if err := json.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("protocol: failed to decode %q data: %w", e.Type, err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Data payloads
// ---------------------------------------------------------------------------

// SubmitInterestsData is the data object of a submit_interests request.
type SubmitInterestsData struct {
	Interests []string `json:"interests"`
}

// ChatMessageData is the data object of a chat_message envelope, inbound
// (client text to relay) and outbound (partner text delivered).
type ChatMessageData struct {
	Message string `json:"message"`
}

// MatchedData is the data object of a success_matched envelope: the shared
// room identifier plus this side's signaling role.
type MatchedData struct {
	RoomID string `json:"room_id"`
	Role   string `json:"role"`
}

// PartnerData identifies the matched partner in the match-found success
// envelope.
type PartnerData struct {
	PartnerID string `json:"partner_id"`
}

// ErrorData carries a machine-readable error code alongside the envelope's
// human-readable description.
type ErrorData struct {
	Code string `json:"code"`
}

// ---------------------------------------------------------------------------
// Outbound envelope builder
// ---------------------------------------------------------------------------

// NewMessage builds a JSON-encoded outbound envelope. The timestamp is
// stamped at build time in RFC 3339 format. A nil data value omits the data
// field entirely.
func NewMessage(msgType, description string, data interface{}) ([]byte, error) {
	env := Envelope{
		Type:        msgType,
		Description: description,
		Timestamp:   time.Now().Format(time.RFC3339),
	}

	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("protocol: failed to marshal %q data: %w", msgType, err)
		}
		env.Data = raw
	}

	out, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal envelope: %w", err)
	}
	return out, nil
}

// NewRawMessage builds an outbound envelope whose data field is an
// already-encoded JSON value, used to relay opaque signaling payloads without
// re-interpreting them.
func NewRawMessage(msgType, description string, data json.RawMessage) ([]byte, error) {
	env := Envelope{
		Type:        msgType,
		Description: description,
		Timestamp:   time.Now().Format(time.RFC3339),
		Data:        data,
	}
	out, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal envelope: %w", err)
	}
	return out, nil
}
