package httpapi

import (
	"context"
	"io"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"

	"github.com/parley/messenger/internal/errs"
	"github.com/parley/messenger/internal/metrics"
)

// relayConn is one relay WebSocket connection with a write mutex for
// serializing outbound frames.
type relayConn struct {
	id             string
	userID         string
	conversationID string
	conn           net.Conn
	createdAt      time.Time

	mu       sync.Mutex // serializes writes
	lastSeen time.Time  // last successful read, guarded by mu
}

func (c *relayConn) writeMessage(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return wsutil.WriteServerMessage(c.conn, ws.OpText, data)
}

func (c *relayConn) writePing() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return ws.WriteFrame(c.conn, ws.NewPingFrame(nil))
}

func (c *relayConn) touch() {
	c.mu.Lock()
	c.lastSeen = time.Now()
	c.mu.Unlock()
}

func (c *relayConn) idle() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return time.Since(c.lastSeen)
}

// relayRegistry tracks live relay connections per conversation.
type relayRegistry struct {
	mu    sync.RWMutex
	byID  map[string]*relayConn
	byKey map[string]map[string]*relayConn // conversation id -> conn id -> conn
}

func newRelayRegistry() *relayRegistry {
	return &relayRegistry{
		byID:  make(map[string]*relayConn),
		byKey: make(map[string]map[string]*relayConn),
	}
}

func (r *relayRegistry) add(c *relayConn) {
	r.mu.Lock()
	r.byID[c.id] = c
	set, ok := r.byKey[c.conversationID]
	if !ok {
		set = make(map[string]*relayConn)
		r.byKey[c.conversationID] = set
	}
	set[c.id] = c
	r.mu.Unlock()
	metrics.RelayConnections.Inc()
}

// remove unregisters and closes the connection. Returns false when it
// was already gone, so racing cleanup paths do not double-close.
func (r *relayRegistry) remove(id string) bool {
	r.mu.Lock()
	c, ok := r.byID[id]
	if ok {
		delete(r.byID, id)
		if set, found := r.byKey[c.conversationID]; found {
			delete(set, id)
			if len(set) == 0 {
				delete(r.byKey, c.conversationID)
			}
		}
	}
	r.mu.Unlock()

	if !ok {
		return false
	}
	_ = c.conn.Close()
	metrics.RelayConnections.Dec()
	return true
}

// peers returns the other connections in the same conversation.
func (r *relayRegistry) peers(c *relayConn) []*relayConn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	set := r.byKey[c.conversationID]
	out := make([]*relayConn, 0, len(set))
	for id, conn := range set {
		if id != c.id {
			out = append(out, conn)
		}
	}
	return out
}

func (r *relayRegistry) all() []*relayConn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*relayConn, 0, len(r.byID))
	for _, c := range r.byID {
		out = append(out, c)
	}
	return out
}

func (r *relayRegistry) count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}

func (r *relayRegistry) closeAll() {
	for _, c := range r.all() {
		r.remove(c.id)
	}
}

// handleRelay upgrades the request to a WebSocket and forwards every
// text frame to the other participants of the conversation. This is the
// server side of the progressive transport: payloads are opaque here.
func (s *Server) handleRelay(w http.ResponseWriter, r *http.Request) {
	userID, err := s.identity.FromRequest(r)
	if err != nil {
		respondError(w, err)
		return
	}

	conversationID := r.URL.Query().Get("conversation")
	if conversationID == "" {
		respondError(w, errs.New(errs.InvalidInput, "missing conversation parameter"))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
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

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		log.Printf("httpapi: relay upgrade failed: %v", err)
		return
	}

	c := &relayConn{
		id:             uuid.New().String(),
		userID:         userID,
		conversationID: conversationID,
		conn:           conn,
		createdAt:      time.Now(),
		lastSeen:       time.Now(),
	}
	s.relay.add(c)
	log.Printf("httpapi: relay connected user=%s conversation=%s (total=%d)",
		userID, conversationID, s.relay.count())

	go s.relayReadLoop(c)
}

// relayReadLoop reads frames from one relay connection and forwards
// them. Control frames prove liveness; a read error removes the
// connection.
func (s *Server) relayReadLoop(c *relayConn) {
	defer func() {
		if s.relay.remove(c.id) {
			log.Printf("httpapi: relay closed user=%s conversation=%s (total=%d)",
				c.userID, c.conversationID, s.relay.count())
		}
	}()

	for {
		header, reader, err := wsutil.NextReader(c.conn, ws.StateServerSide)
		if err != nil {
			return
		}
		c.touch()

		if header.OpCode.IsControl() {
			if header.OpCode == ws.OpClose {
				return
			}
			if header.OpCode == ws.OpPing {
				_ = wsutil.WriteServerMessage(c.conn, ws.OpPong, nil)
			}
			continue
		}

		data := make([]byte, header.Length)
		if header.Length > 0 {
			if _, err := io.ReadFull(reader, data); err != nil {
				return
			}
		}
		if len(data) == 0 {
			continue
		}

		for _, peer := range s.relay.peers(c) {
			if err := peer.writeMessage(data); err != nil {
				log.Printf("httpapi: relay forward to user=%s failed: %v", peer.userID, err)
				s.relay.remove(peer.id)
			}
		}
	}
}

// relayHeartbeat holds heartbeat tuning for relay connections.
type relayHeartbeat struct {
	Interval time.Duration // how often to ping
	Timeout  time.Duration // max extra wait for activity after a ping
}

func defaultRelayHeartbeat() relayHeartbeat {
	return relayHeartbeat{
		Interval: 25 * time.Second,
		Timeout:  10 * time.Second,
	}
}

// startRelayHeartbeat pings every relay connection at a fixed interval
// and evicts those with no reads within Interval + Timeout. Ping failure
// triggers the same removal as a failed forward. The returned stop
// function ends the ticker goroutine; it is safe to call more than once.
func startRelayHeartbeat(registry *relayRegistry, config relayHeartbeat) func() {
	stop := make(chan struct{})

	go func() {
		ticker := time.NewTicker(config.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
			}

			deadline := config.Interval + config.Timeout
			for _, c := range registry.all() {
				if c.idle() > deadline {
					log.Printf("httpapi: relay heartbeat timeout user=%s idle=%s",
						c.userID, c.idle().Round(time.Second))
					registry.remove(c.id)
					continue
				}
				if err := c.writePing(); err != nil {
					log.Printf("httpapi: relay ping failed user=%s: %v", c.userID, err)
					registry.remove(c.id)
				}
			}
		}
	}()

	var once sync.Once
	return func() { once.Do(func() { close(stop) }) }
}
