package transport

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/parley/messenger/internal/signaling"
)

// MessagingMode is the configured delivery mode for a conversation.
type MessagingMode string

const (
	// MessagingProgressive relays every message through the server.
	MessagingProgressive MessagingMode = "progressive"
	// MessagingPeer allows a directly negotiated peer channel.
	MessagingPeer MessagingMode = "peer"
)

// HandleFactory builds a handle for the negotiation described by the
// snapshot. The coordinator calls it exactly once per materially new
// negotiation.
type HandleFactory func(ctx context.Context, snap signaling.Snapshot) (Handle, error)

// Coordinator owns the decision of when to create, keep, or destroy the
// active transport handle. The decision rests on one fingerprint: the
// remote-answer token of the signaling snapshot. While the fingerprint
// is unchanged the coordinator does nothing, no matter how the snapshot's
// Connected flag flaps; the existing handle manages its own reconnection.
// When the fingerprint changes to a new non-empty value, the old handle
// is disconnected exactly once and a new one is connected exactly once.
type Coordinator struct {
	factory    HandleFactory
	controller *signaling.Controller // optional, receives connectivity marks

	mu          sync.Mutex
	mode        MessagingMode
	handle      Handle
	fingerprint string
	generation  uint64
	unsubs      []func()
}

// NewCoordinator creates a coordinator in progressive mode.
func NewCoordinator(factory HandleFactory, controller *signaling.Controller) *Coordinator {
	return &Coordinator{
		factory:    factory,
		controller: controller,
		mode:       MessagingProgressive,
	}
}

// SetMessagingMode applies a conversation's configured mode. Dropping
// back to progressive tears down any peer handle; the fingerprint is
// cleared so a later return to peer mode re-evaluates the snapshot.
func (c *Coordinator) SetMessagingMode(mode MessagingMode) {
	c.mu.Lock()
	if c.mode == mode {
		c.mu.Unlock()
		return
	}
	c.mode = mode
	var old Handle
	var unsubs []func()
	if mode == MessagingProgressive && c.handle != nil && c.handle.Mode() == ModePeer {
		old, unsubs = c.handle, c.unsubs
		c.handle, c.unsubs = nil, nil
		c.fingerprint = ""
		c.generation++
	}
	c.mu.Unlock()

	c.release(old, unsubs)
}

// Reconcile reacts to a signaling snapshot change. It is the only place
// transports are created or destroyed in peer mode.
func (c *Coordinator) Reconcile(ctx context.Context, snap signaling.Snapshot) error {
	c.mu.Lock()

	if c.mode != MessagingPeer {
		c.mu.Unlock()
		return nil
	}

	fp := snap.AnswerFingerprint()
	switch {
	case c.handle != nil && fp == c.fingerprint:
		// Same negotiation. Transient connected-flag pulses land here
		// and are deliberately ignored.
		c.mu.Unlock()
		return nil
	case fp == "":
		// No remote answer yet, or the stored one expired. An expired
		// token does not invalidate an already-established link, so an
		// existing handle is left alone.
		c.mu.Unlock()
		return nil
	}

	old, unsubs := c.handle, c.unsubs
	c.handle, c.unsubs = nil, nil
	c.generation++
	gen := c.generation
	c.fingerprint = fp
	c.mu.Unlock()

	c.release(old, unsubs)

	handle, err := c.factory(ctx, snap)
	if err != nil {
		return fmt.Errorf("transport: building handle: %w", err)
	}

	c.mu.Lock()
	if gen != c.generation {
		// Superseded while the factory ran.
		c.mu.Unlock()
		_ = handle.Disconnect()
		return nil
	}
	c.handle = handle
	c.unsubs = c.watch(handle, gen)
	c.mu.Unlock()

	if c.controller != nil {
		c.controller.SetActiveTransport(handle)
	}

	go func() {
		if err := handle.Connect(ctx); err != nil {
			c.mu.Lock()
			superseded := gen != c.generation
			c.mu.Unlock()
			if superseded {
				// A newer negotiation took over; this result is void.
				return
			}
			log.Printf("transport: connect failed: %v", err)
		}
	}()
	return nil
}

// Refresh re-evaluates external dependencies without forcing a
// reconnect: the optional refresh function runs (e.g. re-fetching ICE
// server credentials), then the normal fingerprint rule decides whether
// anything else happens.
func (c *Coordinator) Refresh(ctx context.Context, snap signaling.Snapshot, refresh func(context.Context) error) error {
	if refresh != nil {
		if err := refresh(ctx); err != nil {
			return fmt.Errorf("transport: refresh: %w", err)
		}
	}
	return c.Reconcile(ctx, snap)
}

// WhenReady blocks until the active handle's connect has settled. It
// fails when no handle exists.
func (c *Coordinator) WhenReady(ctx context.Context) error {
	c.mu.Lock()
	handle := c.handle
	c.mu.Unlock()
	if handle == nil {
		return fmt.Errorf("transport: no active handle")
	}
	return handle.WaitReady(ctx)
}

// Handle returns the active handle, or nil.
func (c *Coordinator) Handle() Handle {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.handle
}

// Teardown disconnects and forgets the active handle.
func (c *Coordinator) Teardown() {
	c.mu.Lock()
	old, unsubs := c.handle, c.unsubs
	c.handle, c.unsubs = nil, nil
	c.fingerprint = ""
	c.generation++
	c.mu.Unlock()

	c.release(old, unsubs)
}

// watch forwards the handle's connectivity transitions to the signaling
// controller, guarded by generation so a superseded handle's callbacks
// are discarded.
func (c *Coordinator) watch(handle Handle, gen uint64) []func() {
	if c.controller == nil {
		return nil
	}
	unsub := handle.OnStateChange(func(state State) {
		c.mu.Lock()
		stale := gen != c.generation
		c.mu.Unlock()
		if stale {
			return
		}
		switch state {
		case StateConnected:
			c.controller.MarkConnected()
		case StateDisconnected, StateError:
			c.controller.MarkDisconnected()
		}
	})
	return []func(){unsub}
}

// release unsubscribes observers and disconnects a replaced handle.
// Disconnect runs at most once per handle here because the handle is
// removed from the coordinator before release is called.
func (c *Coordinator) release(old Handle, unsubs []func()) {
	for _, unsub := range unsubs {
		unsub()
	}
	if old != nil {
		_ = old.Disconnect()
	}
}
