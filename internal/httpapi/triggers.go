package httpapi

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/parley/messenger/internal/errs"
	"github.com/parley/messenger/internal/event"
	"github.com/parley/messenger/internal/store"
)

// requireParticipant resolves the caller and checks conversation
// membership. It returns the user id or a classified error.
func (s *Server) requireParticipant(r *http.Request, conversationID string) (string, error) {
	userID, err := s.identity.FromRequest(r)
	if err != nil {
		return "", err
	}
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()
	if _, err := s.store.GetConversation(ctx, conversationID); err != nil {
		return "", err
	}
	ok, err := s.store.IsParticipant(ctx, conversationID, userID)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", errs.Newf(errs.Forbidden, "user %s is not a participant of %s", userID, conversationID)
	}
	return userID, nil
}

// notifyOthers sends an indicator to every participant except exclude.
// Indicator delivery is best-effort and independent of the conversation
// publish; failures are logged, never surfaced.
func (s *Server) notifyOthers(ctx context.Context, conversationID, exclude, scope, reason string) {
	participants, err := s.store.Participants(ctx, conversationID)
	if err != nil {
		log.Printf("httpapi: list participants for indicator: %v", err)
		return
	}
	for _, userID := range participants {
		if userID == exclude {
			continue
		}
		err := s.hub.PublishIndicator(event.IndicatorEvent{
			UserID:         userID,
			Scope:          scope,
			Reason:         reason,
			ConversationID: conversationID,
		})
		if err != nil {
			log.Printf("httpapi: publish indicator to %s: %v", userID, err)
		}
	}
}

// handleMessageCreated persists a message and publishes it to the
// conversation's subscribers, then nudges the other participants'
// indicator streams.
func (s *Server) handleMessageCreated(w http.ResponseWriter, r *http.Request) {
	conversationID := r.PathValue("id")
	userID, err := s.requireParticipant(r, conversationID)
	if err != nil {
		respondError(w, err)
		return
	}

	var body struct {
		Body    string `json:"body"`
		DedupID string `json:"dedup_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		respondError(w, errs.Wrap(errs.InvalidInput, "malformed JSON body", err))
		return
	}
	if body.Body == "" {
		respondError(w, errs.New(errs.InvalidInput, "missing message body"))
		return
	}

	msg := &store.Message{
		ID:             uuid.New().String(),
		ConversationID: conversationID,
		SenderID:       userID,
		Body:           body.Body,
		DedupID:        body.DedupID,
		CreatedAt:      time.Now().UTC(),
	}

	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()
	stored, created, err := s.store.CreateMessage(ctx, msg)
	if err != nil {
		respondError(w, err)
		return
	}

	// A retried dedup id replays the first write's response. The original
	// request already broadcast the message, so publishing again would
	// hand subscribers a duplicate.
	if !created {
		log.Printf("httpapi: dedup replay conversation=%s dedup=%s message=%s",
			conversationID, body.DedupID, stored.ID)
		respondJSON(w, http.StatusOK, messageJSON(stored))
		return
	}

	serialized, err := json.Marshal(messageJSON(stored))
	if err != nil {
		respondError(w, errs.Wrap(errs.Internal, "marshal message", err))
		return
	}
	if err := s.hub.PublishConversation(event.NewMessageEvent(conversationID, serialized, body.DedupID)); err != nil {
		log.Printf("httpapi: publish message event: %v", err)
	}
	s.notifyOthers(ctx, conversationID, userID, event.ScopeChat, "message")

	respondJSON(w, http.StatusCreated, messageJSON(stored))
}

// handleTypingChanged updates the caller's typing flag and broadcasts
// it with its expiry.
func (s *Server) handleTypingChanged(w http.ResponseWriter, r *http.Request) {
	conversationID := r.PathValue("id")
	userID, err := s.requireParticipant(r, conversationID)
	if err != nil {
		respondError(w, err)
		return
	}

	var body struct {
		IsTyping bool `json:"is_typing"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		respondError(w, errs.Wrap(errs.InvalidInput, "malformed JSON body", err))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	var expires time.Time
	if body.IsTyping {
		expires, err = s.sessions.SetTyping(ctx, conversationID, userID)
	} else {
		err = s.sessions.ClearTyping(ctx, conversationID, userID)
	}
	if err != nil {
		respondError(w, errs.Wrap(errs.Internal, "typing state", err))
		return
	}

	if err := s.hub.PublishConversation(event.NewTypingEvent(conversationID, userID, body.IsTyping, expires)); err != nil {
		log.Printf("httpapi: publish typing event: %v", err)
	}
	respondJSON(w, http.StatusAccepted, nil)
}

// handleModeChanged switches a conversation between progressive and
// peer messaging and announces the change as a settings event.
func (s *Server) handleModeChanged(w http.ResponseWriter, r *http.Request) {
	conversationID := r.PathValue("id")
	userID, err := s.requireParticipant(r, conversationID)
	if err != nil {
		respondError(w, err)
		return
	}

	var body struct {
		Mode string `json:"mode"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		respondError(w, errs.Wrap(errs.InvalidInput, "malformed JSON body", err))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()
	if err := s.store.SetMessagingMode(ctx, conversationID, body.Mode); err != nil {
		respondError(w, err)
		return
	}

	now := time.Now().UTC()
	changed := map[string]json.RawMessage{
		"messaging_mode": json.RawMessage(`"` + body.Mode + `"`),
	}
	if err := s.hub.PublishConversation(event.NewSettingsEvent(conversationID, userID, changed, now)); err != nil {
		log.Printf("httpapi: publish settings event: %v", err)
	}
	respondJSON(w, http.StatusOK, nil)
}

// handleReadChanged records the caller's read position and nudges the
// other participants to refresh unread counts.
func (s *Server) handleReadChanged(w http.ResponseWriter, r *http.Request) {
	conversationID := r.PathValue("id")
	userID, err := s.requireParticipant(r, conversationID)
	if err != nil {
		respondError(w, err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()
	if err := s.store.MarkRead(ctx, conversationID, userID, time.Now().UTC()); err != nil {
		respondError(w, err)
		return
	}

	s.notifyOthers(ctx, conversationID, userID, event.ScopeChat, "read")
	respondJSON(w, http.StatusAccepted, nil)
}

// handleFriendAction accepts, declines or cancels a pending friend
// request and notifies the other party's contacts indicator.
func (s *Server) handleFriendAction(w http.ResponseWriter, r *http.Request) {
	requestID := r.PathValue("id")
	action := r.PathValue("action")

	userID, err := s.identity.FromRequest(r)
	if err != nil {
		respondError(w, err)
		return
	}

	var status string
	switch action {
	case "accept":
		status = store.FriendAccepted
	case "decline":
		status = store.FriendDeclined
	case "cancel":
		status = store.FriendCancelled
	default:
		respondError(w, errs.Newf(errs.InvalidInput, "unknown friend action %q", action))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	fr, err := s.store.GetFriendRequest(ctx, requestID)
	if err != nil {
		respondError(w, err)
		return
	}

	// Accept/decline belongs to the recipient, cancel to the sender.
	authorized := (status == store.FriendCancelled && fr.FromUserID == userID) ||
		(status != store.FriendCancelled && fr.ToUserID == userID)
	if !authorized {
		respondError(w, errs.Newf(errs.Forbidden, "user %s cannot %s request %s", userID, action, requestID))
		return
	}

	fr, err = s.store.SetFriendStatus(ctx, requestID, status, time.Now().UTC())
	if err != nil {
		respondError(w, err)
		return
	}

	other := fr.FromUserID
	if other == userID {
		other = fr.ToUserID
	}
	err = s.hub.PublishIndicator(event.IndicatorEvent{
		UserID: other,
		Scope:  event.ScopeContacts,
		Reason: "friend_" + fr.Status,
	})
	if err != nil {
		log.Printf("httpapi: publish friend indicator: %v", err)
	}

	respondJSON(w, http.StatusOK, map[string]string{
		"id":     fr.ID,
		"status": fr.Status,
	})
}

// handleListMessages returns one page of a conversation's messages,
// newest-last, for stream resume and snapshot refresh.
func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	conversationID := r.PathValue("id")
	if _, err := s.requireParticipant(r, conversationID); err != nil {
		respondError(w, err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	messages, next, err := s.store.ListMessages(ctx, conversationID, r.URL.Query().Get("cursor"), 50)
	if err != nil {
		respondError(w, err)
		return
	}

	out := struct {
		Messages []map[string]interface{} `json:"messages"`
		Cursor   *string                  `json:"cursor"`
	}{Cursor: next}
	for i := range messages {
		out.Messages = append(out.Messages, messageJSON(&messages[i]))
	}
	respondJSON(w, http.StatusOK, out)
}

// messageJSON is the wire shape of a persisted message.
func messageJSON(m *store.Message) map[string]interface{} {
	return map[string]interface{}{
		"id":              m.ID,
		"conversation_id": m.ConversationID,
		"sender_id":       m.SenderID,
		"body":            m.Body,
		"created_at":      m.CreatedAt.Unix(),
	}
}
