// Package session implements the per-connection state machine. Each live
// WebSocket connection owns exactly one Session; inbound envelopes are
// processed strictly sequentially by the connection's read task, while
// pub/sub deliveries from other sessions arrive on fabric goroutines, so the
// room fields sit behind a small mutex.
package session

import (
	"encoding/json"
	"sync"
)

// Writer is the outbound half of a client connection. *ws.Connection
// satisfies it; tests substitute an in-memory implementation.
type Writer interface {
	WriteMessage(data []byte) error
}

// Session holds the connection-local state: the user's identity, the
// routable pub/sub address for point-to-point delivery, and the current room
// assignment (empty when not in a room).
type Session struct {
	UserID  string
	Channel string

	conn Writer

	mu     sync.Mutex
	roomID string
	role   string
}

// Room returns the current room assignment and signaling role. An empty
// room id means the session is not in a room.
func (s *Session) Room() (roomID, role string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.roomID, s.role
}

func (s *Session) setRoom(roomID, role string) {
	s.mu.Lock()
	s.roomID = roomID
	s.role = role
	s.mu.Unlock()
}

// clearRoom drops the room assignment and reports whether one was present,
// so racing teardown paths (end_chat, partner_left, disconnect) act only
// once.
func (s *Session) clearRoom() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	had := s.roomID != ""
	s.roomID = ""
	s.role = ""
	return had
}

// Control event types exchanged between sessions on their direct subjects.
const (
	ctrlMatchFound  = "match_found"
	ctrlPartnerLeft = "partner_left"
)

// controlEvent is the point-to-point payload one session sends another:
// match_found carries the pairing details for the claimed side, partner_left
// tells the survivor its room is gone.
type controlEvent struct {
	Type      string `json:"type"`
	PartnerID string `json:"partner_id,omitempty"`
	RoomID    string `json:"room_id,omitempty"`
	Role      string `json:"role,omitempty"`
}

func (c controlEvent) encode() []byte {
	data, _ := json.Marshal(c)
	return data
}

func decodeControl(data []byte) (controlEvent, error) {
	var ev controlEvent
	err := json.Unmarshal(data, &ev)
	return ev, err
}
