// Package event defines the ephemeral event types carried by the broker:
// conversation events (message, typing, settings) and per-user indicator
// events. All events are serialized as JSON and follow a consistent
// envelope format with a type discriminator.
package event

import (
	"encoding/json"
	"fmt"
	"time"
)

// Conversation event types.
const (
	TypeMessage  = "message"
	TypeTyping   = "typing"
	TypeSettings = "settings"
)

// Stream control event types shared by both keyspaces.
const (
	TypeReady     = "ready"
	TypePing      = "ping"
	TypeIndicator = "indicator"
)

// Indicator scopes.
const (
	ScopeChat     = "chat"
	ScopeContacts = "contacts"
)

// ConversationEvent is the tagged union delivered to subscribers of a
// conversation. Type selects which payload field is populated; the
// ConversationID is always set and the broker never delivers an event to
// a subscriber of a different conversation.
type ConversationEvent struct {
	Type           string           `json:"type"`
	ConversationID string           `json:"conversation_id"`
	Message        *MessagePayload  `json:"message,omitempty"`
	Typing         *TypingPayload   `json:"typing,omitempty"`
	Settings       *SettingsPayload `json:"settings,omitempty"`
}

// MessagePayload carries a full serialized message plus an optional
// client-supplied deduplication id.
type MessagePayload struct {
	Message json.RawMessage `json:"message"`
	DedupID string          `json:"dedup_id,omitempty"`
}

// TypingPayload signals that a user started or stopped typing. The flag
// is only meaningful until ExpiresAt.
type TypingPayload struct {
	UserID    string `json:"user_id"`
	IsTyping  bool   `json:"is_typing"`
	ExpiresAt int64  `json:"expires_at"` // unix timestamp
}

// SettingsPayload carries the changed subset of conversation settings.
type SettingsPayload struct {
	Changed   map[string]json.RawMessage `json:"changed"`
	UpdatedBy string                     `json:"updated_by"`
	UpdatedAt int64                      `json:"updated_at"` // unix timestamp
}

// IndicatorEvent tells a client "something changed, refetch". It carries
// no payload beyond a scope and a reason.
type IndicatorEvent struct {
	UserID         string `json:"user_id"`
	Scope          string `json:"scope"` // "chat" or "contacts"
	Reason         string `json:"reason"`
	ConversationID string `json:"conversation_id,omitempty"`
}

// NewMessageEvent builds a message conversation event.
func NewMessageEvent(conversationID string, message json.RawMessage, dedupID string) ConversationEvent {
	return ConversationEvent{
		Type:           TypeMessage,
		ConversationID: conversationID,
		Message:        &MessagePayload{Message: message, DedupID: dedupID},
	}
}

// NewTypingEvent builds a typing conversation event expiring at expiresAt.
func NewTypingEvent(conversationID, userID string, isTyping bool, expiresAt time.Time) ConversationEvent {
	return ConversationEvent{
		Type:           TypeTyping,
		ConversationID: conversationID,
		Typing: &TypingPayload{
			UserID:    userID,
			IsTyping:  isTyping,
			ExpiresAt: expiresAt.Unix(),
		},
	}
}

// NewSettingsEvent builds a settings conversation event.
func NewSettingsEvent(conversationID, updatedBy string, changed map[string]json.RawMessage, updatedAt time.Time) ConversationEvent {
	return ConversationEvent{
		Type:           TypeSettings,
		ConversationID: conversationID,
		Settings: &SettingsPayload{
			Changed:   changed,
			UpdatedBy: updatedBy,
			UpdatedAt: updatedAt.Unix(),
		},
	}
}

// Validate checks that the event's type tag matches its populated payload
// and that the conversation id is present.
func (e ConversationEvent) Validate() error {
	if e.ConversationID == "" {
		return fmt.Errorf("event: missing conversation id")
	}
	switch e.Type {
	case TypeMessage:
		if e.Message == nil {
			return fmt.Errorf("event: message event without message payload")
		}
	case TypeTyping:
		if e.Typing == nil {
			return fmt.Errorf("event: typing event without typing payload")
		}
	case TypeSettings:
		if e.Settings == nil {
			return fmt.Errorf("event: settings event without settings payload")
		}
	default:
		return fmt.Errorf("event: unknown conversation event type %q", e.Type)
	}
	return nil
}

// Payload returns the JSON body for the stream frame of this event.
func (e ConversationEvent) Payload() ([]byte, error) {
	switch e.Type {
	case TypeMessage:
		return json.Marshal(e.Message)
	case TypeTyping:
		return json.Marshal(e.Typing)
	case TypeSettings:
		return json.Marshal(e.Settings)
	default:
		return nil, fmt.Errorf("event: unknown conversation event type %q", e.Type)
	}
}

// Payload returns the JSON body for the stream frame of this event.
func (e IndicatorEvent) Payload() ([]byte, error) {
	return json.Marshal(e)
}
