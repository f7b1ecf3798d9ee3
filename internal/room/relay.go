package room

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/joshuadlima/ChatterBox/internal/messaging"
)

// Relay publishes room events and manages group membership over the pub/sub
// fabric. It is shared by all sessions and carries no per-room state; the
// fabric's subscription table is the room membership.
type Relay struct {
	bus *messaging.Client
}

// NewRelay creates a Relay over the given pub/sub client.
func NewRelay(bus *messaging.Client) *Relay {
	return &Relay{bus: bus}
}

// NewRoomID generates a fresh room token.
func NewRoomID() string {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		// Fall back to a time-derived token; collisions are unlikely and a
		// collision only merges two rooms' subjects.
		return fmt.Sprintf("room_%08x", time.Now().UnixNano()&0xffffffff)
	}
	return "room_" + hex.EncodeToString(b[:])
}

// Join subscribes a member's event handler to the room's broadcast group.
func (r *Relay) Join(roomID, channel string, onEvent func(Event)) error {
	return r.bus.JoinRoom(roomID, channel, func(data []byte) {
		var ev Event
		if err := json.Unmarshal(data, &ev); err != nil {
			log.Printf("[room] malformed event on %s: %v", roomID, err)
			return
		}
		onEvent(ev)
	})
}

// Leave drops a member's group membership. Safe to call when the member is
// not in any room.
func (r *Relay) Leave(channel string) {
	_ = r.bus.LeaveRoom(channel)
}

// SendChat broadcasts a chat message to the room, tagged with the sender so
// receivers can exclude the sender's own copy.
func (r *Relay) SendChat(roomID, senderID, message string) error {
	return r.publish(roomID, Event{
		Type:     EventChatMessage,
		SenderID: senderID,
		Message:  message,
		Ts:       time.Now().Unix(),
	})
}

// SendSignal broadcasts an opaque WebRTC signaling payload to the room.
func (r *Relay) SendSignal(roomID, senderID string, payload json.RawMessage) error {
	return r.publish(roomID, Event{
		Type:     EventSignal,
		SenderID: senderID,
		Signal:   payload,
		Ts:       time.Now().Unix(),
	})
}

func (r *Relay) publish(roomID string, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("room: marshal event: %w", err)
	}
	if err := r.bus.PublishRoom(roomID, data); err != nil {
		return fmt.Errorf("room: publish to %s: %w", roomID, err)
	}
	return nil
}
