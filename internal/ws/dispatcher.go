package ws

import (
	"log"

	"github.com/joshuadlima/ChatterBox/internal/protocol"
)

// MessageHandler is the callback signature for handling one parsed inbound
// envelope.
type MessageHandler func(conn *Connection, env *protocol.Envelope)

// MessageDispatcher routes incoming WebSocket messages to registered
// handlers based on the envelope's type field. Malformed JSON and
// unrecognized types produce a structured error reply and leave session
// state untouched; a panicking handler is caught and reported as a generic
// failure so no single message can take the connection down.
type MessageDispatcher struct {
	handlers map[string]MessageHandler
}

// NewMessageDispatcher creates an empty MessageDispatcher.
func NewMessageDispatcher() *MessageDispatcher {
	return &MessageDispatcher{
		handlers: make(map[string]MessageHandler),
	}
}

// Register associates a MessageHandler with an envelope type. If a handler
// was already registered for the given type, it is silently replaced.
func (d *MessageDispatcher) Register(msgType string, handler MessageHandler) {
	d.handlers[msgType] = handler
}

// Dispatch is the onMessage callback implementation. It parses the raw
// bytes into an envelope and routes it to the registered handler.
func (d *MessageDispatcher) Dispatch(conn *Connection, data []byte) {
	env, err := protocol.ParseEnvelope(data)
	if err != nil {
		log.Printf("ws: dispatch parse error user=%s: %v", conn.ID, err)
		d.sendError(conn, "parse_error", "Invalid JSON format")
		return
	}

	handler, ok := d.handlers[env.Type]
	if !ok {
		log.Printf("ws: unsupported message type=%q user=%s", env.Type, conn.ID)
		d.sendError(conn, "unsupported_type", "Invalid message type: "+env.Type)
		return
	}

	defer func() {
		if r := recover(); r != nil {
			log.Printf("ws: handler panic type=%q user=%s: %v", env.Type, conn.ID, r)
			d.sendError(conn, "operation_failed", "An unexpected error occurred.")
		}
	}()
	handler(conn, env)
}

// sendError sends a structured error envelope back to the client. Errors
// during construction or transmission are logged but not propagated.
func (d *MessageDispatcher) sendError(conn *Connection, code string, description string) {
	data, err := protocol.NewMessage(protocol.TypeError, description, protocol.ErrorData{Code: code})
	if err != nil {
		log.Printf("ws: failed to build error message user=%s: %v", conn.ID, err)
		return
	}

	if err := conn.WriteMessage(data); err != nil {
		log.Printf("ws: failed to send error message user=%s: %v", conn.ID, err)
	}
}
