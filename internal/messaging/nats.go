// Package messaging provides a NATS client wrapper used to mirror broker
// publishes between server instances and to carry the signaling
// side-channel for peer transport negotiation. It handles connection
// lifecycle, subject-based subscriptions, and convenience methods for the
// conversation, indicator and signaling subjects.
package messaging

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// NATS subject patterns used across Parley services.
const (
	SubjectConversation = "convo"  // + .<conversation_id>
	SubjectIndicator    = "user"   // + .<user_id>
	SubjectSignal       = "signal" // + .<session_id>.<role>
)

// Client wraps the NATS connection with helper methods for pub/sub.
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
		Name:          "parley",
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

// Publish sends data to the given NATS subject.
func (c *Client) Publish(subject string, data []byte) error {
	return c.conn.Publish(subject, data)
}

// Subscribe registers a handler for the given subject and stores the
// subscription internally for later cleanup.
func (c *Client) Subscribe(subject string, handler func(msg *nats.Msg)) error {
	sub, err := c.conn.Subscribe(subject, handler)
	if err != nil {
		return fmt.Errorf("nats subscribe %s: %w", subject, err)
	}

	c.mu.Lock()
	c.subs[subject] = sub
	c.mu.Unlock()

	return nil
}

// PublishConversation publishes data to the convo.<conversationID> subject.
func (c *Client) PublishConversation(conversationID string, data []byte) error {
	return c.Publish(SubjectConversation+"."+conversationID, data)
}

// PublishIndicator publishes data to the user.<userID> subject.
func (c *Client) PublishIndicator(userID string, data []byte) error {
	return c.Publish(SubjectIndicator+"."+userID, data)
}

// SubscribeConversations subscribes to every conversation subject and
// passes the raw message data to the handler. Used by the broker bridge
// to re-inject publishes that originated on other instances.
func (c *Client) SubscribeConversations(handler func(data []byte)) error {
	return c.Subscribe(SubjectConversation+".>", func(msg *nats.Msg) {
		handler(msg.Data)
	})
}

// SubscribeIndicators subscribes to every indicator subject.
func (c *Client) SubscribeIndicators(handler func(data []byte)) error {
	return c.Subscribe(SubjectIndicator+".>", func(msg *nats.Msg) {
		handler(msg.Data)
	})
}

// PublishSignal publishes a signaling token to the side channel for one
// handshake session. The role names the sender ("host" or "guest") so
// each party subscribes to the other's direction.
func (c *Client) PublishSignal(sessionID, role string, token []byte) error {
	return c.Publish(SubjectSignal+"."+sessionID+"."+role, token)
}

// SubscribeSignal subscribes to signaling tokens published by the given
// role within one handshake session.
func (c *Client) SubscribeSignal(sessionID, role string, handler func(token []byte)) error {
	return c.Subscribe(SubjectSignal+"."+sessionID+"."+role, func(msg *nats.Msg) {
		handler(msg.Data)
	})
}

// UnsubscribeSignal removes the signaling subscription for one session
// and role.
func (c *Client) UnsubscribeSignal(sessionID, role string) error {
	return c.unsubscribe(SubjectSignal + "." + sessionID + "." + role)
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

// unsubscribe removes and unsubscribes from a specific subject.
func (c *Client) unsubscribe(subject string) error {
	c.mu.Lock()
	sub, ok := c.subs[subject]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("nats: no subscription for subject %s", subject)
	}
	delete(c.subs, subject)
	c.mu.Unlock()

	if err := sub.Unsubscribe(); err != nil {
		return fmt.Errorf("nats unsubscribe %s: %w", subject, err)
	}
	return nil
}
