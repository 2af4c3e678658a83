package signaling

import (
	"fmt"
	"sync"
	"time"
)

// State is the controller's position in the handshake state machine.
// Transitions are strictly forward; only Reset returns to idle.
type State string

const (
	StateIdle           State = "idle"
	StateOffering       State = "offering"
	StateAwaitingAnswer State = "awaitingAnswer"
	StateAwaitingOffer  State = "awaitingOffer"
	StateConnected      State = "connected"
	StateExpired        State = "expired"
	StateError          State = "error"
)

// Transport is the minimal surface the controller needs from the active
// transport handle. Keeping it local avoids a dependency on the
// transport package, which consumes this one.
type Transport interface {
	Disconnect() error
}

// Snapshot is an immutable, point-in-time view of one handshake session.
// Token accessors apply expiry: an expired token reads as absent even
// though the underlying value is still stored.
type Snapshot struct {
	Role      Role
	SessionID string
	State     State

	LocalInvite  string // SDP created by this side (host)
	RemoteInvite string // SDP received from the remote side (guest)
	LocalAnswer  string // SDP created by this side (guest)
	RemoteAnswer string // SDP received from the remote side (host)

	inviteToken     string
	answerToken     string
	InviteCreatedAt time.Time
	InviteExpiresAt time.Time
	AnswerCreatedAt time.Time
	AnswerExpiresAt time.Time

	Connected bool
	LastError string
	UpdatedAt time.Time

	now time.Time // capture instant, used for expiry reads
}

// InviteToken returns the invite token, or "" when no invite exists or
// the invite has expired.
func (s Snapshot) InviteToken() string {
	if s.inviteToken == "" || !s.now.Before(s.InviteExpiresAt) {
		return ""
	}
	return s.inviteToken
}

// AnswerToken returns the answer token, or "" when no answer exists or
// the answer has expired.
func (s Snapshot) AnswerToken() string {
	if s.answerToken == "" || !s.now.Before(s.AnswerExpiresAt) {
		return ""
	}
	return s.answerToken
}

// AnswerFingerprint identifies the current negotiation for transport
// restart decisions. It is the answer token and nothing else: a change
// here means a materially new negotiation, while anything else (notably
// the Connected flag) flapping must not restart a transport.
func (s Snapshot) AnswerFingerprint() string {
	return s.AnswerToken()
}

// Controller owns the state of a single handshake session. All mutation
// goes through its methods; callers only ever see derived Snapshots.
type Controller struct {
	mu sync.Mutex

	role      Role
	sessionID string
	state     State
	tokenTTL  time.Duration
	now       func() time.Time

	localInvite  string
	remoteInvite string
	localAnswer  string
	remoteAnswer string

	inviteToken     string
	answerToken     string
	inviteCreatedAt time.Time
	inviteExpiresAt time.Time
	answerCreatedAt time.Time
	answerExpiresAt time.Time

	connected bool
	lastError string
	updatedAt time.Time

	transport Transport
}

// Option tunes controller construction.
type Option func(*Controller)

// WithClock overrides the controller's time source. Used by tests.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

// WithTokenTTL overrides the invite/answer validity window.
func WithTokenTTL(ttl time.Duration) Option {
	return func(c *Controller) { c.tokenTTL = ttl }
}

// NewController creates an idle controller for one session. Exactly one
// role per session: the host creates the invite, the guest answers it.
func NewController(role Role, sessionID string, opts ...Option) (*Controller, error) {
	if role != RoleHost && role != RoleGuest {
		return nil, fmt.Errorf("signaling: invalid role %q", role)
	}
	if sessionID == "" {
		return nil, fmt.Errorf("signaling: empty session id")
	}
	c := &Controller{
		role:      role,
		sessionID: sessionID,
		state:     StateIdle,
		tokenTTL:  DefaultTokenTTL,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.updatedAt = c.now()
	return c, nil
}

// CreateInvite derives the invite token from the host's local payload.
// Valid only in the idle state on the host side.
func (c *Controller) CreateInvite(sdp string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.role != RoleHost {
		return "", c.failLocked("create invite: not the host")
	}
	if c.state != StateIdle {
		return "", c.failLocked(fmt.Sprintf("create invite: state is %s, want idle", c.state))
	}

	now := c.now()
	payload := TokenPayload{
		SessionID: c.sessionID,
		Role:      RoleHost,
		Kind:      KindInvite,
		SDP:       sdp,
		CreatedAt: now.Unix(),
		ExpiresAt: now.Add(c.tokenTTL).Unix(),
	}
	token, err := EncodeToken(payload)
	if err != nil {
		return "", c.failLocked(err.Error())
	}

	c.localInvite = sdp
	c.inviteToken = token
	c.inviteCreatedAt = now
	c.inviteExpiresAt = now.Add(c.tokenTTL)
	c.state = StateOffering
	c.touchLocked()
	return token, nil
}

// MarkOfferPublished moves the host from offering to awaitingAnswer once
// the invite token has been handed to the side channel.
func (c *Controller) MarkOfferPublished() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateOffering {
		return fmt.Errorf("signaling: offer published in state %s", c.state)
	}
	c.state = StateAwaitingAnswer
	c.touchLocked()
	return nil
}

// AwaitOffer moves the guest from idle to awaitingOffer.
func (c *Controller) AwaitOffer() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.role != RoleGuest {
		return fmt.Errorf("signaling: await offer: not the guest")
	}
	if c.state != StateIdle {
		return fmt.Errorf("signaling: await offer in state %s", c.state)
	}
	c.state = StateAwaitingOffer
	c.touchLocked()
	return nil
}

// AcceptInvite decodes a received invite token on the guest side. A bad
// or expired token moves the controller to its error state without
// applying any part of the token.
func (c *Controller) AcceptInvite(token string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.role != RoleGuest {
		return c.failLocked("accept invite: not the guest")
	}
	if c.state != StateIdle && c.state != StateAwaitingOffer {
		return c.failLocked(fmt.Sprintf("accept invite in state %s", c.state))
	}

	payload, err := DecodeToken(token)
	if err != nil {
		return c.failLocked(err.Error())
	}
	if payload.Kind != KindInvite {
		return c.failLocked(fmt.Sprintf("accept invite: token kind is %s", payload.Kind))
	}
	if payload.SessionID != c.sessionID {
		return c.failLocked(fmt.Sprintf("accept invite: token is for session %s", payload.SessionID))
	}
	if payload.Expired(c.now()) {
		c.state = StateExpired
		c.touchLocked()
		return fmt.Errorf("signaling: invite token expired")
	}

	c.remoteInvite = payload.SDP
	c.inviteToken = token
	c.inviteCreatedAt = time.Unix(payload.CreatedAt, 0)
	c.inviteExpiresAt = time.Unix(payload.ExpiresAt, 0)
	c.touchLocked()
	return nil
}

// CreateAnswer derives the answer token from the guest's local payload
// after an invite has been accepted.
func (c *Controller) CreateAnswer(sdp string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.role != RoleGuest {
		return "", c.failLocked("create answer: not the guest")
	}
	if c.remoteInvite == "" {
		return "", c.failLocked("create answer: no invite accepted yet")
	}

	now := c.now()
	payload := TokenPayload{
		SessionID: c.sessionID,
		Role:      RoleGuest,
		Kind:      KindAnswer,
		SDP:       sdp,
		CreatedAt: now.Unix(),
		ExpiresAt: now.Add(c.tokenTTL).Unix(),
	}
	token, err := EncodeToken(payload)
	if err != nil {
		return "", c.failLocked(err.Error())
	}

	c.localAnswer = sdp
	c.answerToken = token
	c.answerCreatedAt = now
	c.answerExpiresAt = now.Add(c.tokenTTL)
	c.state = StateConnected
	c.touchLocked()
	return token, nil
}

// AcceptAnswer decodes a received answer token on the host side and
// completes the handshake. A bad token moves the controller to its error
// state; an expired one to expired. Neither partially applies the token.
func (c *Controller) AcceptAnswer(token string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.role != RoleHost {
		return c.failLocked("accept answer: not the host")
	}
	if c.state != StateAwaitingAnswer && c.state != StateOffering {
		return c.failLocked(fmt.Sprintf("accept answer in state %s", c.state))
	}

	payload, err := DecodeToken(token)
	if err != nil {
		return c.failLocked(err.Error())
	}
	if payload.Kind != KindAnswer {
		return c.failLocked(fmt.Sprintf("accept answer: token kind is %s", payload.Kind))
	}
	if payload.SessionID != c.sessionID {
		return c.failLocked(fmt.Sprintf("accept answer: token is for session %s", payload.SessionID))
	}
	if payload.Expired(c.now()) {
		c.state = StateExpired
		c.touchLocked()
		return fmt.Errorf("signaling: answer token expired")
	}

	c.remoteAnswer = payload.SDP
	c.answerToken = token
	c.answerCreatedAt = time.Unix(payload.CreatedAt, 0)
	c.answerExpiresAt = time.Unix(payload.ExpiresAt, 0)
	c.state = StateConnected
	c.touchLocked()
	return nil
}

// SetActiveTransport records the transport handle currently bound to
// this session so Reset can tear it down.
func (c *Controller) SetActiveTransport(t Transport) {
	c.mu.Lock()
	c.transport = t
	c.mu.Unlock()
}

// MarkConnected records that the bound transport reached its connected
// state. It does not advance the handshake machine.
func (c *Controller) MarkConnected() {
	c.mu.Lock()
	c.connected = true
	c.touchLocked()
	c.mu.Unlock()
}

// MarkDisconnected records that the bound transport lost connectivity.
// Handshake state and stored payloads are untouched: a transient blip
// must not look like a new negotiation.
func (c *Controller) MarkDisconnected() {
	c.mu.Lock()
	c.connected = false
	c.touchLocked()
	c.mu.Unlock()
}

// Reset tears down the session: the active transport is disconnected and
// every payload cleared. This is the only transition back to idle.
func (c *Controller) Reset() {
	c.mu.Lock()
	t := c.transport
	c.transport = nil
	c.localInvite, c.remoteInvite = "", ""
	c.localAnswer, c.remoteAnswer = "", ""
	c.inviteToken, c.answerToken = "", ""
	c.inviteCreatedAt, c.inviteExpiresAt = time.Time{}, time.Time{}
	c.answerCreatedAt, c.answerExpiresAt = time.Time{}, time.Time{}
	c.connected = false
	c.lastError = ""
	c.state = StateIdle
	c.touchLocked()
	c.mu.Unlock()

	if t != nil {
		_ = t.Disconnect()
	}
}

// Snapshot returns a read-only view of the session at this instant.
// Expiry of a pending invite or answer is evaluated here: a session
// still waiting on an expired token reads as expired.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	state := c.state
	switch state {
	case StateOffering, StateAwaitingAnswer:
		if c.inviteToken != "" && !now.Before(c.inviteExpiresAt) {
			state = StateExpired
		}
	case StateConnected:
		// Established sessions stay established; token expiry only
		// matters while the exchange is in flight.
	}

	return Snapshot{
		Role:            c.role,
		SessionID:       c.sessionID,
		State:           state,
		LocalInvite:     c.localInvite,
		RemoteInvite:    c.remoteInvite,
		LocalAnswer:     c.localAnswer,
		RemoteAnswer:    c.remoteAnswer,
		inviteToken:     c.inviteToken,
		answerToken:     c.answerToken,
		InviteCreatedAt: c.inviteCreatedAt,
		InviteExpiresAt: c.inviteExpiresAt,
		AnswerCreatedAt: c.answerCreatedAt,
		AnswerExpiresAt: c.answerExpiresAt,
		Connected:       c.connected,
		LastError:       c.lastError,
		UpdatedAt:       c.updatedAt,
		now:             now,
	}
}

// failLocked records an error, moves the machine to its error state and
// returns the error. Callers must hold the mutex.
func (c *Controller) failLocked(msg string) error {
	c.lastError = msg
	c.state = StateError
	c.touchLocked()
	return fmt.Errorf("signaling: %s", msg)
}

func (c *Controller) touchLocked() {
	c.updatedAt = c.now()
}
