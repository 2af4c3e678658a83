package httpapi

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/parley/messenger/internal/broker"
	"github.com/parley/messenger/internal/errs"
)

// handleSubscribeConversation serves the long-lived push stream of one
// conversation's events as Server-Sent Events. The stream emits named
// events "ready", "ping", "message", "typing" and "settings", and closes
// on client abort or unrecoverable write failure.
func (s *Server) handleSubscribeConversation(w http.ResponseWriter, r *http.Request) {
	userID, err := s.identity.FromRequest(r)
	if err != nil {
		respondError(w, err)
		return
	}

	conversationID := r.PathValue("id")
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	if _, err := s.store.GetConversation(ctx, conversationID); err != nil {
		cancel()
		respondError(w, err)
		return
	}
	ok, err := s.store.IsParticipant(ctx, conversationID, userID)
	cancel()
	if err != nil {
		respondError(w, err)
		return
	}
	if !ok {
		respondError(w, errs.Newf(errs.Forbidden, "user %s is not a participant of %s", userID, conversationID))
		return
	}

	sub, err := s.hub.SubscribeConversation(conversationID)
	if err != nil {
		respondError(w, errs.Wrap(errs.Internal, "subscribe", err))
		return
	}

	s.streamEvents(w, r, sub, userID)
}

// handleSubscribeIndicators serves the per-user indicator stream. It
// emits only "ready", "ping" and "indicator" events.
func (s *Server) handleSubscribeIndicators(w http.ResponseWriter, r *http.Request) {
	userID, err := s.identity.FromRequest(r)
	if err != nil {
		respondError(w, err)
		return
	}

	sub, err := s.hub.SubscribeUser(userID)
	if err != nil {
		respondError(w, errs.Wrap(errs.Internal, "subscribe", err))
		return
	}

	s.streamEvents(w, r, sub, userID)
}

// streamEvents pumps frames from the subscription onto the response as
// SSE until the client goes away or a write fails. The subscription and
// its heartbeat are torn down together on every exit path.
func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request, sub *broker.Subscription, userID string) {
	defer sub.Unsubscribe()

	flusher, ok := w.(http.Flusher)
	if !ok {
		respondError(w, errs.New(errs.Internal, "streaming unsupported"))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	// Track the stream as a session so presence queries can see it.
	sessionID := uuid.New().String()
	if s.sessions != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		if err := s.sessions.Create(ctx, sessionID, userID); err != nil {
			log.Printf("httpapi: create session %s: %v", sessionID, err)
		}
		cancel()
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			_ = s.sessions.Delete(ctx, sessionID)
			cancel()
		}()
	}

	for {
		select {
		case <-r.Context().Done():
			return
		case <-sub.Done():
			return
		case frame := <-sub.C():
			if err := writeSSE(w, frame); err != nil {
				// Transient stream failure: clean up locally, nothing
				// bubbles to publishers.
				log.Printf("httpapi: stream write key=%s session=%s: %v", sub.Key(), sessionID, err)
				return
			}
			flusher.Flush()
		}
	}
}

// writeSSE encodes one frame as a named SSE event.
func writeSSE(w http.ResponseWriter, frame broker.Frame) error {
	if len(frame.Data) == 0 {
		_, err := fmt.Fprintf(w, "event: %s\ndata: {}\n\n", frame.Name)
		return err
	}
	_, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", frame.Name, frame.Data)
	return err
}
