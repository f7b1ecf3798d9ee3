// Package client provides a reusable WebSocket load test client for the
// ChatterBox matchmaking server. It connects using gobwas/ws (the same
// library the server uses), speaks the server's envelope protocol, and
// tracks per-connection performance metrics.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// ---------------------------------------------------------------------------
// Protocol message types (local equivalents of internal/protocol constants)
// ---------------------------------------------------------------------------

// Client -> Server message types.
const (
	TypeSubmitInterests = "submit_interests"
	TypeStartMatching   = "start_matching"
	TypeEndMatching     = "end_matching"
	TypeChatMessage     = "chat_message"
	TypeWebRTCSignal    = "webrtc_signal"
	TypeEndChat         = "end_chat"
)

// Server -> Client message types.
const (
	TypeConnectionEstablished = "connection_established"
	TypeSuccess               = "success"
	TypeError                 = "error"
	TypeNoMatch               = "no_match"
	TypeSuccessMatched        = "success_matched"
	TypePartnerLeftChat       = "partner_left_chat"
)

// Envelope mirrors the server's wire format in both directions.
type Envelope struct {
	Type        string          `json:"type"`
	Description string          `json:"description,omitempty"`
	Timestamp   string          `json:"timestamp,omitempty"`
	Data        json.RawMessage `json:"data,omitempty"`
}

// ---------------------------------------------------------------------------
// Metrics
// ---------------------------------------------------------------------------

// Metrics tracks per-connection performance data.
type Metrics struct {
	ConnectLatency   time.Duration
	MessagesReceived int
	MessagesSent     int
	Errors           int
}

// ---------------------------------------------------------------------------
// Client
// ---------------------------------------------------------------------------

// Client represents a single simulated user connection to the ChatterBox
// server. It manages the WebSocket lifecycle and dispatches incoming
// envelopes to registered handlers. The server assigns the user identity
// internally; readiness is signalled by the connection_established envelope.
type Client struct {
	conn      net.Conn
	mu        sync.Mutex
	metrics   Metrics
	handlers  map[string]func(Envelope)
	ready     chan struct{}
	readyOnce sync.Once
	done      chan struct{}
	closeOnce sync.Once
}

// New creates a new load test client connected to the given WebSocket URL.
// The connection is established immediately and a background goroutine begins
// reading envelopes.
func New(ctx context.Context, url string) (*Client, error) {
	start := time.Now()
	conn, _, _, err := ws.Dial(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}

	c := &Client{
		conn:     conn,
		handlers: make(map[string]func(Envelope)),
		ready:    make(chan struct{}),
		done:     make(chan struct{}),
	}
	c.metrics.ConnectLatency = time.Since(start)

	// Start reading messages in background.
	go c.readLoop()

	return c, nil
}

// Send sends an envelope of the given type to the server. The payload is
// marshalled into the envelope's data field when non-nil. Goroutine-safe.
func (c *Client) Send(msgType string, payload interface{}) error {
	env := Envelope{
		Type:      msgType,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal payload: %w", err)
		}
		env.Data = data
	}
	out, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.metrics.MessagesSent++
	return wsutil.WriteClientMessage(c.conn, ws.OpText, out)
}

// On registers a handler for a specific server envelope type. Handlers are
// invoked from the read loop goroutine so they should not block for extended
// periods. Only one handler per type is supported; registering a second
// handler for the same type replaces the first.
func (c *Client) On(msgType string, handler func(Envelope)) {
	c.handlers[msgType] = handler
}

// WaitForReady blocks until the server has sent connection_established or the
// context is cancelled. Load test phases that depend on the session being
// live should gate on this.
func (c *Client) WaitForReady(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return fmt.Errorf("connection closed before session was established")
	case <-c.ready:
		return nil
	}
}

// Close closes the connection and stops the read loop. It is safe to call
// multiple times.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.conn.Close()
	})
	return err
}

// GetMetrics returns a copy of the client's metrics.
func (c *Client) GetMetrics() Metrics {
	return c.metrics
}

// readLoop continuously reads WebSocket frames from the server and dispatches
// them to registered handlers. It runs until the connection is closed or an
// unrecoverable error occurs.
func (c *Client) readLoop() {
	for {
		select {
		case <-c.done:
			return
		default:
		}

		data, err := wsutil.ReadServerText(c.conn)
		if err != nil {
			select {
			case <-c.done:
				// Connection was intentionally closed; do not count as error.
				return
			default:
			}
			c.metrics.Errors++
			return
		}

		c.metrics.MessagesReceived++

		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			continue
		}

		if env.Type == TypeConnectionEstablished {
			c.readyOnce.Do(func() { close(c.ready) })
		}

		// Dispatch to registered handler if one exists.
		if handler, ok := c.handlers[env.Type]; ok {
			handler(env)
		}
	}
}
