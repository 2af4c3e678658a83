// Package httpapi exposes the realtime delivery subsystem over HTTP: the
// long-lived SSE subscribe streams, the publish-trigger endpoints called
// by the write path, and the relay WebSocket endpoint that carries
// progressive-mode transport frames between a conversation's
// participants.
package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/parley/messenger/internal/broker"
	"github.com/parley/messenger/internal/identity"
	"github.com/parley/messenger/internal/metrics"
	"github.com/parley/messenger/internal/session"
	"github.com/parley/messenger/internal/store"
)

// Config holds tunable parameters for the HTTP server.
type Config struct {
	ListenAddr   string        // address to listen on, e.g. ":8080"
	ReadTimeout  time.Duration // timeout for request reads (streams exempt)
	WriteTimeout time.Duration // write timeout for the relay WebSocket
}

// DefaultConfig returns sensible production defaults.
func DefaultConfig() Config {
	return Config{
		ListenAddr:   ":8080",
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
}

// Store is the persistence surface the handlers depend on. *store.Store
// satisfies it in production.
type Store interface {
	GetConversation(ctx context.Context, id string) (*store.Conversation, error)
	IsParticipant(ctx context.Context, conversationID, userID string) (bool, error)
	Participants(ctx context.Context, conversationID string) ([]string, error)
	CreateMessage(ctx context.Context, m *store.Message) (*store.Message, bool, error)
	ListMessages(ctx context.Context, conversationID, cursor string, limit int) ([]store.Message, *string, error)
	SetMessagingMode(ctx context.Context, conversationID, mode string) error
	MarkRead(ctx context.Context, conversationID, userID string, at time.Time) error
	GetFriendRequest(ctx context.Context, id string) (*store.FriendRequest, error)
	SetFriendStatus(ctx context.Context, id, status string, at time.Time) (*store.FriendRequest, error)
}

// Server wires the broker, stores and identity resolver into HTTP
// handlers.
type Server struct {
	config   Config
	hub      *broker.Hub
	store    Store
	sessions *session.Store
	identity *identity.Resolver
	relay    *relayRegistry

	httpServer *http.Server
	stopBeat   func()
	startedAt  time.Time
}

// NewServer creates a Server over its collaborators.
func NewServer(config Config, hub *broker.Hub, st Store, sessions *session.Store, resolver *identity.Resolver) *Server {
	s := &Server{
		config:   config,
		hub:      hub,
		store:    st,
		sessions: sessions,
		identity: resolver,
		relay:    newRelayRegistry(),
	}
	return s
}

// Start configures routes and blocks on ListenAndServe.
func (s *Server) Start() error {
	s.startedAt = time.Now()

	mux := http.NewServeMux()
	mux.HandleFunc("GET /subscribe/conversations/{id}", s.handleSubscribeConversation)
	mux.HandleFunc("GET /subscribe/indicators", s.handleSubscribeIndicators)
	mux.HandleFunc("GET /conversations/{id}/messages", s.handleListMessages)
	mux.HandleFunc("POST /conversations/{id}/messages", s.handleMessageCreated)
	mux.HandleFunc("POST /conversations/{id}/typing", s.handleTypingChanged)
	mux.HandleFunc("POST /conversations/{id}/mode", s.handleModeChanged)
	mux.HandleFunc("POST /conversations/{id}/read", s.handleReadChanged)
	mux.HandleFunc("POST /friends/{id}/{action}", s.handleFriendAction)
	mux.HandleFunc("GET /relay", s.handleRelay)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", metrics.Handler())

	s.httpServer = &http.Server{
		Addr:    s.config.ListenAddr,
		Handler: mux,
		// No global timeouts: the subscribe streams and relay sockets
		// are long-lived by design. Per-request deadlines are applied
		// inside the short-lived handlers.
	}

	s.stopBeat = startRelayHeartbeat(s.relay, defaultRelayHeartbeat())

	log.Printf("httpapi: server listening on %s", s.config.ListenAddr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("httpapi: http server error: %w", err)
	}
	return nil
}

// Shutdown stops the listener and closes all relay connections. The
// broker is shut down by the caller, which also owns its lifecycle.
func (s *Server) Shutdown(ctx context.Context) error {
	log.Println("httpapi: shutting down server...")
	if s.stopBeat != nil {
		s.stopBeat()
	}
	s.relay.closeAll()
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}

// handleHealth responds with the server's health status as JSON.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)

	resp := struct {
		Status string `json:"status"`
		Relay  int    `json:"relay_connections"`
		Uptime string `json:"uptime"`
	}{
		Status: "ok",
		Relay:  s.relay.count(),
		Uptime: time.Since(s.startedAt).Round(time.Second).String(),
	}

	_ = json.NewEncoder(w).Encode(resp)
}
