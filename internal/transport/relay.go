package transport

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// RelayConfig holds the parameters for a relay ("progressive") handle.
type RelayConfig struct {
	// URL is the relay WebSocket endpoint including the conversation id,
	// e.g. "ws://localhost:8080/relay?conversation=c1".
	URL string
	// AuthToken is the bearer token identifying the user.
	AuthToken string
}

// RelayHandle sends and receives conversation payloads through the
// server relay over a WebSocket. Every frame is an opaque payload; the
// server forwards it to the other participant of the conversation.
type RelayHandle struct {
	*handleState

	config RelayConfig

	connMu sync.Mutex
	conn   net.Conn

	writeMu    sync.Mutex
	disconnect sync.Once
}

// NewRelayHandle creates an idle relay handle. Connect establishes the
// WebSocket.
func NewRelayHandle(config RelayConfig) *RelayHandle {
	return &RelayHandle{
		handleState: newHandleState(),
		config:      config,
	}
}

// Mode reports ModeRelay. Fixed for the handle's lifetime.
func (h *RelayHandle) Mode() Mode { return ModeRelay }

// State reports the current connection state.
func (h *RelayHandle) State() State { return h.current() }

// Connect dials the relay endpoint and starts the read loop. It can be
// called once; a terminal handle refuses to reconnect.
func (h *RelayHandle) Connect(ctx context.Context) error {
	if !h.transition(StateConnecting) {
		return fmt.Errorf("transport: relay connect in state %s", h.current())
	}

	dialer := ws.Dialer{}
	if h.config.AuthToken != "" {
		dialer.Header = ws.HandshakeHeaderHTTP(http.Header{
			"Authorization": []string{"Bearer " + h.config.AuthToken},
		})
	}

	conn, _, _, err := dialer.Dial(ctx, h.config.URL)
	if err != nil {
		err = fmt.Errorf("transport: relay dial %s: %w", h.config.URL, err)
		h.fail(err)
		return err
	}

	h.connMu.Lock()
	h.conn = conn
	h.connMu.Unlock()

	h.transition(StateConnected)
	go h.readLoop(conn)
	return nil
}

// Send writes one payload frame to the relay. It fails with a
// DeliveryError when the handle is not connected; nothing is queued.
func (h *RelayHandle) Send(payload []byte) error {
	if state := h.current(); state != StateConnected {
		return &DeliveryError{Mode: ModeRelay, State: state}
	}

	h.writeMu.Lock()
	defer h.writeMu.Unlock()
	if err := wsutil.WriteClientMessage(h.conn, ws.OpText, payload); err != nil {
		err = fmt.Errorf("transport: relay write: %w", err)
		h.fail(err)
		return err
	}
	return nil
}

// Disconnect closes the relay connection. Safe to call multiple times
// and after the handle has already failed.
func (h *RelayHandle) Disconnect() error {
	h.disconnect.Do(func() {
		h.transition(StateDisconnected)
		h.resolveReady(fmt.Errorf("transport: relay handle disconnected"))
		h.connMu.Lock()
		conn := h.conn
		h.connMu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
	})
	return nil
}

// WaitReady blocks until Connect settles.
func (h *RelayHandle) WaitReady(ctx context.Context) error {
	return h.waitReady(ctx)
}

// OnMessage registers an observer for inbound payloads.
func (h *RelayHandle) OnMessage(fn func([]byte)) func() {
	return h.msgObs.add(fn)
}

// OnStateChange registers an observer for state transitions.
func (h *RelayHandle) OnStateChange(fn func(State)) func() {
	return h.stateObs.add(fn)
}

// OnError registers an observer for delivery and connection errors.
func (h *RelayHandle) OnError(fn func(error)) func() {
	return h.errObs.add(fn)
}

// readLoop reads frames until the connection closes. A read failure
// after an explicit Disconnect is expected and not reported as an error.
func (h *RelayHandle) readLoop(conn net.Conn) {
	for {
		data, err := wsutil.ReadServerText(conn)
		if err != nil {
			if h.current() == StateDisconnected {
				return
			}
			h.fail(fmt.Errorf("transport: relay read: %w", err))
			_ = conn.Close()
			return
		}
		h.msgObs.emit(data)
	}
}
