package transport

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/parley/messenger/internal/signaling"
)

// iceGatherTimeout is the maximum time to wait for ICE candidate
// gathering to complete before the local SDP is considered final.
const iceGatherTimeout = 15 * time.Second

// PeerConfig holds the parameters for a peer-mode handle.
type PeerConfig struct {
	// Role decides which side opens the data channel: the host creates
	// it, the guest accepts it.
	Role signaling.Role
	// STUNURLs configures the ICE servers, e.g. "stun:stun.l.google.com:19302".
	// NAT traversal beyond this is pion's concern.
	STUNURLs []string
	// ChannelLabel names the data channel. Defaults to "conversation".
	ChannelLabel string
}

// PeerHandle sends and receives conversation payloads over a WebRTC data
// channel negotiated directly between two clients. The SDP offer/answer
// produced here travels inside signaling tokens; the handle itself never
// touches the side channel.
type PeerHandle struct {
	*handleState

	config PeerConfig
	pc     *webrtc.PeerConnection

	dcMu sync.Mutex
	dc   *webrtc.DataChannel

	dcOpen     chan struct{}
	openOnce   sync.Once
	disconnect sync.Once
}

// NewPeerHandle creates an idle peer handle with a fresh PeerConnection.
func NewPeerHandle(config PeerConfig) (*PeerHandle, error) {
	if config.Role != signaling.RoleHost && config.Role != signaling.RoleGuest {
		return nil, fmt.Errorf("transport: peer handle needs a host or guest role")
	}
	if config.ChannelLabel == "" {
		config.ChannelLabel = "conversation"
	}

	var servers []webrtc.ICEServer
	if len(config.STUNURLs) > 0 {
		servers = append(servers, webrtc.ICEServer{URLs: config.STUNURLs})
	}

	// Loopback candidates keep same-machine sessions and tests working
	// when loopback is the only interface available.
	settingEngine := webrtc.SettingEngine{}
	settingEngine.SetIncludeLoopbackCandidate(true)
	api := webrtc.NewAPI(webrtc.WithSettingEngine(settingEngine))

	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: servers})
	if err != nil {
		return nil, fmt.Errorf("transport: creating PeerConnection: %w", err)
	}

	h := &PeerHandle{
		handleState: newHandleState(),
		config:      config,
		pc:          pc,
		dcOpen:      make(chan struct{}),
	}

	pc.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		switch state {
		case webrtc.ICEConnectionStateFailed:
			h.fail(fmt.Errorf("transport: peer ICE failed"))
		case webrtc.ICEConnectionStateClosed:
			h.transition(StateDisconnected)
		}
		// Transient ICE disconnects are left alone: pion restarts its
		// own checks, and tearing the handle down here is exactly the
		// churn the coordinator's fingerprint rule exists to prevent.
	})

	if config.Role == signaling.RoleGuest {
		pc.OnDataChannel(func(dc *webrtc.DataChannel) {
			if dc.Label() != config.ChannelLabel {
				return
			}
			h.adoptDataChannel(dc)
		})
	}

	return h, nil
}

// Mode reports ModePeer. Fixed for the handle's lifetime.
func (h *PeerHandle) Mode() Mode { return ModePeer }

// State reports the current connection state.
func (h *PeerHandle) State() State { return h.current() }

// CreateOffer opens the data channel and produces the complete local SDP
// offer (vanilla ICE: all candidates gathered before returning). Host
// side only; the result becomes the invite payload.
func (h *PeerHandle) CreateOffer(ctx context.Context) (string, error) {
	if h.config.Role != signaling.RoleHost {
		return "", fmt.Errorf("transport: only the host creates offers")
	}

	dc, err := h.pc.CreateDataChannel(h.config.ChannelLabel, nil)
	if err != nil {
		return "", fmt.Errorf("transport: creating data channel: %w", err)
	}
	h.adoptDataChannel(dc)

	offer, err := h.pc.CreateOffer(nil)
	if err != nil {
		return "", fmt.Errorf("transport: creating SDP offer: %w", err)
	}

	gatherComplete := webrtc.GatheringCompletePromise(h.pc)
	if err := h.pc.SetLocalDescription(offer); err != nil {
		return "", fmt.Errorf("transport: setting local description: %w", err)
	}
	if err := waitGather(ctx, gatherComplete); err != nil {
		return "", err
	}
	return h.pc.LocalDescription().SDP, nil
}

// AcceptOffer applies the remote offer and produces the complete local
// SDP answer. Guest side only; the result becomes the answer payload.
func (h *PeerHandle) AcceptOffer(ctx context.Context, offerSDP string) (string, error) {
	if h.config.Role != signaling.RoleGuest {
		return "", fmt.Errorf("transport: only the guest answers offers")
	}

	remote := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offerSDP}
	if err := h.pc.SetRemoteDescription(remote); err != nil {
		return "", fmt.Errorf("transport: setting remote description: %w", err)
	}

	answer, err := h.pc.CreateAnswer(nil)
	if err != nil {
		return "", fmt.Errorf("transport: creating SDP answer: %w", err)
	}

	gatherComplete := webrtc.GatheringCompletePromise(h.pc)
	if err := h.pc.SetLocalDescription(answer); err != nil {
		return "", fmt.Errorf("transport: setting local description: %w", err)
	}
	if err := waitGather(ctx, gatherComplete); err != nil {
		return "", err
	}
	return h.pc.LocalDescription().SDP, nil
}

// AcceptAnswer applies the remote answer on the host side, completing
// the SDP exchange.
func (h *PeerHandle) AcceptAnswer(answerSDP string) error {
	if h.config.Role != signaling.RoleHost {
		return fmt.Errorf("transport: only the host accepts answers")
	}
	remote := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: answerSDP}
	if err := h.pc.SetRemoteDescription(remote); err != nil {
		return fmt.Errorf("transport: setting remote description: %w", err)
	}
	return nil
}

// Connect waits for the negotiated data channel to open. The SDP
// exchange (CreateOffer/AcceptOffer/AcceptAnswer) must have happened
// through the signaling controller before calling Connect.
func (h *PeerHandle) Connect(ctx context.Context) error {
	if !h.transition(StateConnecting) {
		return fmt.Errorf("transport: peer connect in state %s", h.current())
	}

	select {
	case <-h.dcOpen:
		h.transition(StateConnected)
		return nil
	case <-h.ready:
		// fail() or Disconnect settled the handle while we waited.
		if err := h.waitReady(ctx); err != nil {
			return err
		}
		return nil
	case <-ctx.Done():
		err := fmt.Errorf("transport: peer connect: %w", ctx.Err())
		h.fail(err)
		return err
	}
}

// Send writes one payload to the data channel. It fails with a
// DeliveryError when the handle is not connected; nothing is queued.
func (h *PeerHandle) Send(payload []byte) error {
	if state := h.current(); state != StateConnected {
		return &DeliveryError{Mode: ModePeer, State: state}
	}

	h.dcMu.Lock()
	dc := h.dc
	h.dcMu.Unlock()
	if dc == nil {
		return &DeliveryError{Mode: ModePeer, State: h.current()}
	}
	if err := dc.Send(payload); err != nil {
		err = fmt.Errorf("transport: peer send: %w", err)
		h.fail(err)
		return err
	}
	return nil
}

// Disconnect closes the PeerConnection. Safe to call multiple times and
// after the handle has already failed.
func (h *PeerHandle) Disconnect() error {
	h.disconnect.Do(func() {
		h.transition(StateDisconnected)
		h.resolveReady(fmt.Errorf("transport: peer handle disconnected"))
		_ = h.pc.Close()
	})
	return nil
}

// WaitReady blocks until Connect settles.
func (h *PeerHandle) WaitReady(ctx context.Context) error {
	return h.waitReady(ctx)
}

// OnMessage registers an observer for inbound payloads.
func (h *PeerHandle) OnMessage(fn func([]byte)) func() {
	return h.msgObs.add(fn)
}

// OnStateChange registers an observer for state transitions.
func (h *PeerHandle) OnStateChange(fn func(State)) func() {
	return h.stateObs.add(fn)
}

// OnError registers an observer for delivery and connection errors.
func (h *PeerHandle) OnError(fn func(error)) func() {
	return h.errObs.add(fn)
}

// adoptDataChannel wires the channel's callbacks into the handle.
func (h *PeerHandle) adoptDataChannel(dc *webrtc.DataChannel) {
	h.dcMu.Lock()
	h.dc = dc
	h.dcMu.Unlock()

	dc.OnOpen(func() {
		h.openOnce.Do(func() { close(h.dcOpen) })
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		h.msgObs.emit(msg.Data)
	})
	dc.OnClose(func() {
		h.transition(StateDisconnected)
	})
	dc.OnError(func(err error) {
		h.fail(fmt.Errorf("transport: data channel: %w", err))
	})
}

func waitGather(ctx context.Context, gatherComplete <-chan struct{}) error {
	select {
	case <-gatherComplete:
		return nil
	case <-time.After(iceGatherTimeout):
		return fmt.Errorf("transport: ICE gathering timed out after %s", iceGatherTimeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}
