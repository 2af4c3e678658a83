// Command peerchat is a terminal client for the Parley realtime server.
// It subscribes to the conversation and indicator streams, keeps a local
// snapshot cache for fast resume, and negotiates the configured
// transport: server relay by default, a direct peer channel when the
// conversation allows it and a handshake partner is present.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"github.com/parley/messenger/internal/identity"
	"github.com/parley/messenger/internal/messaging"
	"github.com/parley/messenger/internal/signaling"
	"github.com/parley/messenger/internal/snapshot"
	"github.com/parley/messenger/internal/transport"
)

func main() {
	_ = godotenv.Load()

	serverURL := envOr("SERVER_URL", "http://localhost:8080")
	userID := envOr("USER_ID", "")
	conversationID := envOr("CONVERSATION", "")
	roleName := envOr("ROLE", "host")
	sessionID := envOr("SIGNAL_SESSION", "")
	jwtSecret := envOr("JWT_SECRET", "")

	if userID == "" || conversationID == "" || jwtSecret == "" {
		log.Fatal("USER_ID, CONVERSATION and JWT_SECRET must be set")
	}
	if sessionID == "" {
		sessionID = uuid.New().String()
		log.Printf("generated signaling session %s (export SIGNAL_SESSION to share)", sessionID)
	}

	role := signaling.RoleHost
	if roleName == "guest" {
		role = signaling.RoleGuest
	}

	token, err := identity.NewResolver(jwtSecret).Mint(userID, time.Hour)
	if err != nil {
		log.Fatalf("mint token: %v", err)
	}

	// --- Snapshot cache: resume from the last known page. ---
	cachePath := envOr("CACHE_PATH", filepath.Join(os.TempDir(), "peerchat-"+userID+".db"))
	cache, err := snapshot.Open(cachePath)
	if err != nil {
		log.Fatalf("open snapshot cache: %v", err)
	}
	defer cache.Close()

	if snap, err := cache.Read(conversationID); err == nil && snap != nil {
		log.Printf("cached snapshot: %d messages (updated %s)",
			len(snap.Messages), time.Unix(snap.UpdatedAt, 0).Format(time.RFC3339))
	}
	refreshSnapshot(serverURL, token, conversationID, cache)

	// --- Push streams. ---
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go consumeStream(ctx, serverURL+"/subscribe/conversations/"+conversationID+"?token="+token, "convo")
	go consumeStream(ctx, serverURL+"/subscribe/indicators?token="+token, "indicator")

	// --- Transport. Progressive mode talks through the server relay and
	// needs no signaling; peer mode negotiates a direct channel. ---
	if envOr("MESSAGING_MODE", "progressive") == "progressive" {
		runRelay(ctx, serverURL, token, conversationID)
		return
	}

	// --- Signaling over the NATS side channel. ---
	natsConfig := messaging.DefaultConfig()
	if v := os.Getenv("NATS_URL"); v != "" {
		natsConfig.URL = v
	}
	natsConfig.Name = "peerchat-" + userID
	natsClient, err := messaging.NewClient(natsConfig)
	if err != nil {
		log.Fatalf("connect to NATS: %v", err)
	}
	defer natsClient.Close()

	controller, err := signaling.NewController(role, sessionID)
	if err != nil {
		log.Fatalf("signaling controller: %v", err)
	}

	negotiator := &peerNegotiator{
		role: role,
		stun: strings.Split(envOr("STUN_URLS", "stun:stun.l.google.com:19302"), ","),
	}
	coordinator := transport.NewCoordinator(negotiator.factory, controller)
	coordinator.SetMessagingMode(transport.MessagingPeer)

	remoteRole := signaling.RoleGuest
	if role == signaling.RoleGuest {
		remoteRole = signaling.RoleHost
	}

	err = natsClient.SubscribeSignal(sessionID, string(remoteRole), func(raw []byte) {
		if err := negotiator.onRemoteToken(ctx, controller, coordinator, natsClient, sessionID, string(raw)); err != nil {
			log.Printf("signaling: %v", err)
		}
	})
	if err != nil {
		log.Fatalf("subscribe signal channel: %v", err)
	}

	if role == signaling.RoleHost {
		if err := negotiator.offer(ctx, controller, natsClient, sessionID); err != nil {
			log.Fatalf("create offer: %v", err)
		}
	} else {
		if err := controller.AwaitOffer(); err != nil {
			log.Fatalf("await offer: %v", err)
		}
	}

	log.Printf("peerchat ready as %s (session %s); type to send once connected", role, sessionID)

	// --- Interactive loop. ---
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			line := scanner.Text()
			if line == "" {
				continue
			}
			handle := coordinator.Handle()
			if handle == nil {
				log.Printf("no transport yet; message dropped")
				continue
			}
			if err := handle.Send([]byte(line)); err != nil {
				log.Printf("send: %v", err)
			}
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Printf("shutting down...")
	coordinator.Teardown()
	controller.Reset()
}

// runRelay drives the progressive transport: one relay handle to the
// server, stdin in, peer frames out.
func runRelay(ctx context.Context, serverURL, token, conversationID string) {
	wsURL := strings.Replace(serverURL, "http", "ws", 1) +
		"/relay?conversation=" + conversationID

	handle := transport.NewRelayHandle(transport.RelayConfig{
		URL:       wsURL,
		AuthToken: token,
	})
	handle.OnMessage(func(payload []byte) {
		fmt.Printf("[relay] %s\n", payload)
	})
	if err := handle.Connect(ctx); err != nil {
		log.Fatalf("relay connect: %v", err)
	}
	defer handle.Disconnect()

	log.Printf("relay connected to %s; type to send", wsURL)

	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			if line := scanner.Text(); line != "" {
				if err := handle.Send([]byte(line)); err != nil {
					log.Printf("send: %v", err)
				}
			}
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Printf("shutting down...")
}

// peerNegotiator owns the not-yet-connected PeerHandle between SDP
// creation and the coordinator adopting it. The handle that produced the
// offer must be the one that receives the answer.
type peerNegotiator struct {
	role signaling.Role
	stun []string

	mu      sync.Mutex
	pending *transport.PeerHandle
}

// offer runs the host side: create the data channel, derive the invite
// token and publish it on the side channel.
func (n *peerNegotiator) offer(ctx context.Context, controller *signaling.Controller, nats *messaging.Client, sessionID string) error {
	handle, err := transport.NewPeerHandle(transport.PeerConfig{Role: n.role, STUNURLs: n.stun})
	if err != nil {
		return err
	}
	offerSDP, err := handle.CreateOffer(ctx)
	if err != nil {
		return err
	}
	token, err := controller.CreateInvite(offerSDP)
	if err != nil {
		return err
	}

	n.mu.Lock()
	n.pending = handle
	n.mu.Unlock()

	if err := nats.PublishSignal(sessionID, string(signaling.RoleHost), []byte(token)); err != nil {
		return err
	}
	return controller.MarkOfferPublished()
}

// onRemoteToken handles a token arriving from the other party: an
// invite on the guest side, an answer on the host side. Either way the
// coordinator re-evaluates the snapshot afterwards.
func (n *peerNegotiator) onRemoteToken(ctx context.Context, controller *signaling.Controller, coordinator *transport.Coordinator, nats *messaging.Client, sessionID, token string) error {
	if n.role == signaling.RoleGuest {
		if err := controller.AcceptInvite(token); err != nil {
			return err
		}
		handle, err := transport.NewPeerHandle(transport.PeerConfig{Role: n.role, STUNURLs: n.stun})
		if err != nil {
			return err
		}
		answerSDP, err := handle.AcceptOffer(ctx, controller.Snapshot().RemoteInvite)
		if err != nil {
			return err
		}
		answerToken, err := controller.CreateAnswer(answerSDP)
		if err != nil {
			return err
		}

		n.mu.Lock()
		n.pending = handle
		n.mu.Unlock()

		if err := nats.PublishSignal(sessionID, string(signaling.RoleGuest), []byte(answerToken)); err != nil {
			return err
		}
	} else {
		if err := controller.AcceptAnswer(token); err != nil {
			return err
		}
	}

	return coordinator.Reconcile(ctx, controller.Snapshot())
}

// factory hands the pending handle to the coordinator, applying the
// remote answer on the host side first.
func (n *peerNegotiator) factory(ctx context.Context, snap signaling.Snapshot) (transport.Handle, error) {
	n.mu.Lock()
	handle := n.pending
	n.pending = nil
	n.mu.Unlock()

	if handle == nil {
		return nil, fmt.Errorf("no pending peer negotiation")
	}
	if n.role == signaling.RoleHost {
		if err := handle.AcceptAnswer(snap.RemoteAnswer); err != nil {
			return nil, err
		}
	}
	handle.OnMessage(func(payload []byte) {
		fmt.Printf("[peer] %s\n", payload)
	})
	handle.OnStateChange(func(state transport.State) {
		log.Printf("transport state: %s", state)
	})
	return handle, nil
}

// refreshSnapshot fetches the latest message page and rewrites the
// cached record for the conversation.
func refreshSnapshot(serverURL, token, conversationID string, cache *snapshot.Cache) {
	req, err := http.NewRequest(http.MethodGet, serverURL+"/conversations/"+conversationID+"/messages", nil)
	if err != nil {
		log.Printf("snapshot refresh: %v", err)
		return
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		log.Printf("snapshot refresh: %v", err)
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		log.Printf("snapshot refresh: status %s", resp.Status)
		return
	}

	var page struct {
		Messages []json.RawMessage `json:"messages"`
		Cursor   *string           `json:"cursor"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		log.Printf("snapshot refresh: decode: %v", err)
		return
	}

	err = cache.Write(conversationID, snapshot.ConversationSnapshot{
		ConversationID: conversationID,
		Messages:       page.Messages,
		Cursor:         page.Cursor,
		UpdatedAt:      time.Now().Unix(),
	})
	if err != nil {
		log.Printf("snapshot write: %v", err)
	}
}

// consumeStream reads a named-event SSE stream and logs each event.
func consumeStream(ctx context.Context, url, label string) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		log.Printf("[%s] stream: %v", label, err)
		return
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		log.Printf("[%s] stream: %v", label, err)
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		log.Printf("[%s] stream: status %s", label, resp.Status)
		return
	}

	var eventName string
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			eventName = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			data := strings.TrimPrefix(line, "data: ")
			if eventName != "ping" {
				log.Printf("[%s] %s %s", label, eventName, data)
			}
		}
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		log.Printf("[%s] stream ended: %v", label, err)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
