// Package broker implements the in-process pub/sub hub that fans out
// conversation and per-user indicator events to live subscribers. It keeps
// two independent keyspaces (conversation id and user id), delivers
// at-most-once per subscriber per publish with no replay, and never blocks
// a publisher on a slow subscriber: a subscriber whose channel cannot
// accept a frame is treated as dead and removed.
package broker

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/parley/messenger/internal/event"
	"github.com/parley/messenger/internal/metrics"
)

// Frame is one named event on a subscriber stream, ready for transport
// encoding (SSE named event or WebSocket envelope).
type Frame struct {
	Name string // "ready", "ping", "message", "typing", "settings", "indicator"
	Data []byte // JSON payload, nil for ping
}

// Config holds tunable hub parameters.
type Config struct {
	// SubscriberBuffer is the per-subscriber frame channel capacity. A
	// subscriber that falls this many frames behind is evicted.
	SubscriberBuffer int
	// HeartbeatInterval is how often each subscriber receives a ping
	// frame independent of publish activity.
	HeartbeatInterval time.Duration
}

// DefaultConfig returns sensible production defaults.
func DefaultConfig() Config {
	return Config{
		SubscriberBuffer:  32,
		HeartbeatInterval: 25 * time.Second,
	}
}

// Hub routes frames to subscribers. It holds no business data, only
// routing state, and is safe for concurrent use.
type Hub struct {
	config Config
	bridge *Bridge // nil when running single-instance

	mu            sync.RWMutex
	closed        bool
	conversations map[string]map[*Subscription]struct{}
	users         map[string]map[*Subscription]struct{}
}

// Subscription is one live subscriber of a single key. Frames arrive on C
// in publish order. Done is closed when the subscription is removed, by
// either Unsubscribe or dead-subscriber cleanup; C is never closed, so
// consumers must select on both.
type Subscription struct {
	hub      *Hub
	registry string // "conversation" or "user", for metrics and logs
	key      string
	ch       chan Frame
	done     chan struct{}
	once     sync.Once
	stopBeat func()
}

// New creates an empty hub.
func New(config Config) *Hub {
	if config.SubscriberBuffer <= 0 {
		config.SubscriberBuffer = DefaultConfig().SubscriberBuffer
	}
	if config.HeartbeatInterval <= 0 {
		config.HeartbeatInterval = DefaultConfig().HeartbeatInterval
	}
	return &Hub{
		config:        config,
		conversations: make(map[string]map[*Subscription]struct{}),
		users:         make(map[string]map[*Subscription]struct{}),
	}
}

// SetBridge attaches a NATS bridge so publishes reach subscribers on
// other server instances. Must be called before the hub is shared.
func (h *Hub) SetBridge(b *Bridge) {
	h.bridge = b
}

// SubscribeConversation registers a subscriber for one conversation's
// events. The returned subscription receives a ready frame first, then
// published frames in publish order, with ping frames at the configured
// heartbeat interval.
func (h *Hub) SubscribeConversation(conversationID string) (*Subscription, error) {
	return h.subscribe(h.conversations, "conversation", conversationID)
}

// SubscribeUser registers a subscriber for one user's indicator events.
func (h *Hub) SubscribeUser(userID string) (*Subscription, error) {
	return h.subscribe(h.users, "user", userID)
}

func (h *Hub) subscribe(registry map[string]map[*Subscription]struct{}, name, key string) (*Subscription, error) {
	if key == "" {
		return nil, fmt.Errorf("broker: empty %s key", name)
	}

	sub := &Subscription{
		hub:      h,
		registry: name,
		key:      key,
		ch:       make(chan Frame, h.config.SubscriberBuffer),
		done:     make(chan struct{}),
	}

	// Enqueued before the subscription is visible to publishers, so the
	// ready frame always arrives first and the fresh channel has room.
	sub.ch <- Frame{Name: event.TypeReady}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, fmt.Errorf("broker: hub is shut down")
	}
	set, ok := registry[key]
	if !ok {
		set = make(map[*Subscription]struct{})
		registry[key] = set
	}
	set[sub] = struct{}{}
	h.mu.Unlock()

	sub.stopBeat = startHeartbeat(sub, h.config.HeartbeatInterval)

	metrics.Subscribers.WithLabelValues(name).Inc()
	return sub, nil
}

// PublishConversation validates and fans out a conversation event to the
// local subscribers of its conversation id, and mirrors it to peer
// instances when a bridge is attached.
func (h *Hub) PublishConversation(ev event.ConversationEvent) error {
	if err := ev.Validate(); err != nil {
		return err
	}
	data, err := ev.Payload()
	if err != nil {
		return err
	}
	h.publishLocal(h.conversations, "conversation", ev.ConversationID, Frame{Name: ev.Type, Data: data})
	if h.bridge != nil {
		h.bridge.forwardConversation(ev)
	}
	return nil
}

// PublishIndicator fans out an indicator event to the local subscribers
// of its user id, and mirrors it to peer instances when a bridge is
// attached.
func (h *Hub) PublishIndicator(ev event.IndicatorEvent) error {
	if ev.UserID == "" {
		return fmt.Errorf("broker: indicator event without user id")
	}
	data, err := ev.Payload()
	if err != nil {
		return err
	}
	h.publishLocal(h.users, "user", ev.UserID, Frame{Name: event.TypeIndicator, Data: data})
	if h.bridge != nil {
		h.bridge.forwardIndicator(ev)
	}
	return nil
}

// publishLocal delivers a frame to every live subscriber of key,
// best-effort. Delivery is a non-blocking channel send: a full or
// abandoned channel marks the subscriber dead and its removal runs
// asynchronously so the publisher is never stalled.
func (h *Hub) publishLocal(registry map[string]map[*Subscription]struct{}, name, key string, frame Frame) {
	start := time.Now()
	defer func() { metrics.PublishLatency.Observe(time.Since(start).Seconds()) }()

	h.mu.RLock()
	subs := make([]*Subscription, 0, len(registry[key]))
	for sub := range registry[key] {
		subs = append(subs, sub)
	}
	h.mu.RUnlock()

	metrics.EventsPublished.WithLabelValues(name).Inc()

	for _, sub := range subs {
		if sub.deliver(frame) {
			metrics.EventsDelivered.WithLabelValues(name).Inc()
		}
	}
}

// deliver attempts a non-blocking send. A false return means the
// subscriber was dead or too slow; cleanup has been scheduled.
func (s *Subscription) deliver(frame Frame) bool {
	select {
	case <-s.done:
		return false
	default:
	}

	select {
	case s.ch <- frame:
		return true
	default:
		log.Printf("broker: %s subscriber key=%s stalled, evicting", s.registry, s.key)
		metrics.SubscriberEvictions.WithLabelValues(s.registry).Inc()
		go s.Unsubscribe()
		return false
	}
}

// C returns the subscriber's frame channel.
func (s *Subscription) C() <-chan Frame { return s.ch }

// Done returns a channel closed when the subscription has been removed.
func (s *Subscription) Done() <-chan struct{} { return s.done }

// Key returns the key this subscription is registered under.
func (s *Subscription) Key() string { return s.key }

// Unsubscribe removes the subscription from the hub and stops its
// heartbeat. It runs exactly once; repeat calls are no-ops.
func (s *Subscription) Unsubscribe() {
	s.once.Do(func() {
		h := s.hub
		h.mu.Lock()
		registry := h.conversations
		if s.registry == "user" {
			registry = h.users
		}
		if set, ok := registry[s.key]; ok {
			delete(set, s)
			if len(set) == 0 {
				delete(registry, s.key)
			}
		}
		h.mu.Unlock()

		close(s.done)
		if s.stopBeat != nil {
			s.stopBeat()
		}
		metrics.Subscribers.WithLabelValues(s.registry).Dec()
	})
}

// Shutdown removes every live subscription. Subscribers observe Done and
// exit; the hub accepts no further subscriptions.
func (h *Hub) Shutdown() {
	h.mu.Lock()
	h.closed = true
	var all []*Subscription
	for _, set := range h.conversations {
		for sub := range set {
			all = append(all, sub)
		}
	}
	for _, set := range h.users {
		for sub := range set {
			all = append(all, sub)
		}
	}
	h.mu.Unlock()

	for _, sub := range all {
		sub.Unsubscribe()
	}
	log.Printf("broker: hub shut down, %d subscriptions closed", len(all))
}

// SubscriberCount reports the number of live subscriptions for a
// conversation key.
func (h *Hub) SubscriberCount(conversationID string) int {
	h.mu.RLock()
	n := len(h.conversations[conversationID])
	h.mu.RUnlock()
	return n
}
