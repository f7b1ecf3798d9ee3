// Package messaging provides the NATS-backed pub/sub fabric that connects
// sessions to each other: a broadcast subject per room for chat/signaling
// fan-out, and a point-to-point subject per session channel address for
// direct control events (match notifications, partner-left).
package messaging

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// Subject patterns. A session's channel address is the suffix of its direct
// subject; a room token is the suffix of its broadcast subject.
const (
	subjectRoomPrefix    = "chatterbox.room."    // + <room_id>
	subjectSessionPrefix = "chatterbox.session." // + <channel>
)

// Client wraps the NATS connection with helpers for room broadcast and
// direct session delivery.
type Client struct {
	conn *nats.Conn
	mu   sync.Mutex
	subs map[string]*nats.Subscription
}

// Config holds NATS connection settings.
type Config struct {
	URL           string        // nats://localhost:4222
	Name          string        // client name for identification
	ReconnectWait time.Duration // time between reconnect attempts
	MaxReconnects int           // max reconnect attempts (-1 for infinite)
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		URL:           "nats://localhost:4222",
		Name:          "chatterbox",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1, // infinite reconnects
	}
}

// NewClient connects to NATS with the given config and returns a ready
// client. It returns an error if the initial connection fails.
func NewClient(config Config) (*Client, error) {
	opts := []nats.Option{
		nats.Name(config.Name),
		nats.ReconnectWait(config.ReconnectWait),
		nats.MaxReconnects(config.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Printf("[nats] disconnected: %v", err)
			} else {
				log.Printf("[nats] disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Printf("[nats] reconnected to %s", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			log.Printf("[nats] connection closed")
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	log.Printf("[nats] connected to %s", nc.ConnectedUrl())

	return &Client{
		conn: nc,
		subs: make(map[string]*nats.Subscription),
	}, nil
}

// SubscribeDirect registers the handler for point-to-point deliveries to the
// given channel address. Each session subscribes once at connect time.
func (c *Client) SubscribeDirect(channel string, handler func(data []byte)) error {
	subject := subjectSessionPrefix + channel
	sub, err := c.conn.Subscribe(subject, func(msg *nats.Msg) {
		handler(msg.Data)
	})
	if err != nil {
		return fmt.Errorf("nats subscribe %s: %w", subject, err)
	}

	c.mu.Lock()
	c.subs[subject] = sub
	c.mu.Unlock()
	return nil
}

// UnsubscribeDirect drops the point-to-point subscription for a channel
// address, typically at disconnect time.
func (c *Client) UnsubscribeDirect(channel string) error {
	return c.unsubscribe(subjectSessionPrefix + channel)
}

// SendDirect delivers data to exactly the session owning the given channel
// address.
func (c *Client) SendDirect(channel string, data []byte) error {
	return c.conn.Publish(subjectSessionPrefix+channel, data)
}

// JoinRoom subscribes a session's handler to a room's broadcast group. The
// subscription is keyed by the member's channel address so both members of a
// room on the same process don't overwrite each other.
func (c *Client) JoinRoom(roomID, channel string, handler func(data []byte)) error {
	subject := subjectRoomPrefix + roomID
	key := roomSubKey(channel)
	sub, err := c.conn.Subscribe(subject, func(msg *nats.Msg) {
		handler(msg.Data)
	})
	if err != nil {
		return fmt.Errorf("nats subscribe %s: %w", subject, err)
	}

	c.mu.Lock()
	if old, ok := c.subs[key]; ok {
		// A session occupies at most one room; drop any stale membership.
		_ = old.Unsubscribe()
	}
	c.subs[key] = sub
	c.mu.Unlock()
	return nil
}

// LeaveRoom drops a session's room membership. Leaving when not in a room is
// an error the caller may ignore.
func (c *Client) LeaveRoom(channel string) error {
	return c.unsubscribe(roomSubKey(channel))
}

// PublishRoom broadcasts data to every member of the room's group, the
// sender's own subscription included; sender exclusion happens at the
// receiving end.
func (c *Client) PublishRoom(roomID string, data []byte) error {
	return c.conn.Publish(subjectRoomPrefix+roomID, data)
}

// Close drains all active subscriptions and closes the NATS connection.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for subject, sub := range c.subs {
		if err := sub.Drain(); err != nil {
			log.Printf("[nats] drain %s: %v", subject, err)
		}
	}
	c.subs = make(map[string]*nats.Subscription)

	if err := c.conn.Drain(); err != nil {
		log.Printf("[nats] connection drain: %v", err)
	}

	log.Printf("[nats] client closed")
}

// roomSubKey is the subscription-table key for a member's room membership.
func roomSubKey(channel string) string {
	return "roomsub:" + channel
}

// unsubscribe removes and unsubscribes a tracked subscription.
func (c *Client) unsubscribe(key string) error {
	c.mu.Lock()
	sub, ok := c.subs[key]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("nats: no subscription for %s", key)
	}
	delete(c.subs, key)
	c.mu.Unlock()

	if err := sub.Unsubscribe(); err != nil {
		return fmt.Errorf("nats unsubscribe %s: %w", key, err)
	}
	return nil
}
