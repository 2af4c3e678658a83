package broker

import (
	"encoding/json"
	"log"

	"github.com/google/uuid"

	"github.com/parley/messenger/internal/event"
	"github.com/parley/messenger/internal/messaging"
)

// Bridge mirrors hub publishes across server instances over NATS. Local
// publishes are forwarded with this instance's origin id; inbound
// messages carrying a foreign origin are re-injected into the local hub
// only, so a publish is delivered at most once per subscriber regardless
// of how many instances are running.
type Bridge struct {
	nats   *messaging.Client
	origin string
}

// bridgeEnvelope is the wire format on the convo.* and user.* subjects.
type bridgeEnvelope struct {
	Origin       string                   `json:"origin"`
	Conversation *event.ConversationEvent `json:"conversation,omitempty"`
	Indicator    *event.IndicatorEvent    `json:"indicator,omitempty"`
}

// NewBridge creates a bridge over an established NATS client.
func NewBridge(nats *messaging.Client) *Bridge {
	return &Bridge{
		nats:   nats,
		origin: uuid.New().String(),
	}
}

// Start subscribes to the conversation and indicator subjects and feeds
// foreign publishes into the hub. Call once after SetBridge.
func (b *Bridge) Start(hub *Hub) error {
	err := b.nats.SubscribeConversations(func(data []byte) {
		var env bridgeEnvelope
		if err := json.Unmarshal(data, &env); err != nil {
			log.Printf("bridge: bad conversation envelope: %v", err)
			return
		}
		if env.Origin == b.origin || env.Conversation == nil {
			return
		}
		ev := *env.Conversation
		payload, err := ev.Payload()
		if err != nil {
			log.Printf("bridge: conversation payload: %v", err)
			return
		}
		hub.publishLocal(hub.conversations, "conversation", ev.ConversationID, Frame{Name: ev.Type, Data: payload})
	})
	if err != nil {
		return err
	}

	return b.nats.SubscribeIndicators(func(data []byte) {
		var env bridgeEnvelope
		if err := json.Unmarshal(data, &env); err != nil {
			log.Printf("bridge: bad indicator envelope: %v", err)
			return
		}
		if env.Origin == b.origin || env.Indicator == nil {
			return
		}
		ev := *env.Indicator
		payload, err := ev.Payload()
		if err != nil {
			log.Printf("bridge: indicator payload: %v", err)
			return
		}
		hub.publishLocal(hub.users, "user", ev.UserID, Frame{Name: event.TypeIndicator, Data: payload})
	})
}

func (b *Bridge) forwardConversation(ev event.ConversationEvent) {
	data, err := json.Marshal(bridgeEnvelope{Origin: b.origin, Conversation: &ev})
	if err != nil {
		log.Printf("bridge: marshal conversation event: %v", err)
		return
	}
	if err := b.nats.PublishConversation(ev.ConversationID, data); err != nil {
		log.Printf("bridge: forward conversation event: %v", err)
	}
}

func (b *Bridge) forwardIndicator(ev event.IndicatorEvent) {
	data, err := json.Marshal(bridgeEnvelope{Origin: b.origin, Indicator: &ev})
	if err != nil {
		log.Printf("bridge: marshal indicator event: %v", err)
		return
	}
	if err := b.nats.PublishIndicator(ev.UserID, data); err != nil {
		log.Printf("bridge: forward indicator event: %v", err)
	}
}
