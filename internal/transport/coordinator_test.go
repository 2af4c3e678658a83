package transport

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/parley/messenger/internal/signaling"
)

// fakeHandle counts lifecycle calls and reports states without any I/O.
type fakeHandle struct {
	mu          sync.Mutex
	state       State
	connects    int
	disconnects int
	callbacks   []func(State)
}

func newFakeHandle() *fakeHandle {
	return &fakeHandle{state: StateIdle}
}

func (h *fakeHandle) Mode() Mode { return ModePeer }

func (h *fakeHandle) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

func (h *fakeHandle) Connect(ctx context.Context) error {
	h.mu.Lock()
	h.connects++
	h.state = StateConnected
	callbacks := make([]func(State), len(h.callbacks))
	copy(callbacks, h.callbacks)
	h.mu.Unlock()
	for _, fn := range callbacks {
		fn(StateConnected)
	}
	return nil
}

func (h *fakeHandle) Disconnect() error {
	h.mu.Lock()
	h.disconnects++
	h.state = StateDisconnected
	h.mu.Unlock()
	return nil
}

func (h *fakeHandle) Send(payload []byte) error {
	if state := h.State(); state != StateConnected {
		return &DeliveryError{Mode: ModePeer, State: state}
	}
	return nil
}

func (h *fakeHandle) WaitReady(ctx context.Context) error { return nil }

func (h *fakeHandle) OnMessage(fn func([]byte)) func() { return func() {} }

func (h *fakeHandle) OnStateChange(fn func(State)) func() {
	h.mu.Lock()
	h.callbacks = append(h.callbacks, fn)
	h.mu.Unlock()
	return func() {}
}

func (h *fakeHandle) OnError(fn func(error)) func() { return func() {} }

func (h *fakeHandle) counts() (connects, disconnects int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.connects, h.disconnects
}

// fakeFactory records every handle it builds. When block is armed, the
// next build waits until the channel is closed.
type fakeFactory struct {
	mu      sync.Mutex
	handles []*fakeHandle
	block   chan struct{}
}

func (f *fakeFactory) build(ctx context.Context, snap signaling.Snapshot) (Handle, error) {
	f.mu.Lock()
	block := f.block
	f.block = nil
	f.mu.Unlock()
	if block != nil {
		<-block
	}

	h := newFakeHandle()
	f.mu.Lock()
	f.handles = append(f.handles, h)
	f.mu.Unlock()
	return h, nil
}

func (f *fakeFactory) built() []*fakeHandle {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*fakeHandle(nil), f.handles...)
}

// answeredController produces a host controller holding a completed
// handshake whose answer token carries the given payload.
func answeredController(t *testing.T, sessionID, sdp string) *signaling.Controller {
	t.Helper()
	host, err := signaling.NewController(signaling.RoleHost, sessionID)
	if err != nil {
		t.Fatalf("NewController: %v", err)
	}
	if _, err := host.CreateInvite("offer-" + sdp); err != nil {
		t.Fatalf("CreateInvite: %v", err)
	}
	if err := host.MarkOfferPublished(); err != nil {
		t.Fatalf("MarkOfferPublished: %v", err)
	}

	now := time.Now()
	token, err := signaling.EncodeToken(signaling.TokenPayload{
		SessionID: sessionID,
		Role:      signaling.RoleGuest,
		Kind:      signaling.KindAnswer,
		SDP:       sdp,
		CreatedAt: now.Unix(),
		ExpiresAt: now.Add(5 * time.Minute).Unix(),
	})
	if err != nil {
		t.Fatalf("EncodeToken: %v", err)
	}
	if err := host.AcceptAnswer(token); err != nil {
		t.Fatalf("AcceptAnswer: %v", err)
	}
	return host
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestProgressiveModeNeverBuildsPeerHandles(t *testing.T) {
	factory := &fakeFactory{}
	controller := answeredController(t, "s1", "answer-a")
	c := NewCoordinator(factory.build, controller)

	if err := c.Reconcile(context.Background(), controller.Snapshot()); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if built := factory.built(); len(built) != 0 {
		t.Errorf("factory ran %d times in progressive mode, want 0", len(built))
	}
	if c.Handle() != nil {
		t.Errorf("coordinator holds a handle in progressive mode")
	}
}

func TestFirstAnswerConnectsExactlyOnce(t *testing.T) {
	factory := &fakeFactory{}
	controller := answeredController(t, "s1", "answer-a")
	c := NewCoordinator(factory.build, controller)
	c.SetMessagingMode(MessagingPeer)

	if err := c.Reconcile(context.Background(), controller.Snapshot()); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}

	built := factory.built()
	if len(built) != 1 {
		t.Fatalf("factory ran %d times, want 1", len(built))
	}
	waitFor(t, "connect", func() bool { connects, _ := built[0].counts(); return connects == 1 })

	if c.Handle() != built[0] {
		t.Errorf("coordinator does not hold the built handle")
	}
	// The connectivity watch reported the connect to the controller.
	waitFor(t, "controller mark", func() bool { return controller.Snapshot().Connected })
}

func TestConnectedFlapDoesNotRestartTransport(t *testing.T) {
	factory := &fakeFactory{}
	controller := answeredController(t, "s1", "answer-a")
	c := NewCoordinator(factory.build, controller)
	c.SetMessagingMode(MessagingPeer)

	ctx := context.Background()
	if err := c.Reconcile(ctx, controller.Snapshot()); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	built := factory.built()
	if len(built) != 1 {
		t.Fatalf("factory ran %d times, want 1", len(built))
	}
	waitFor(t, "connect", func() bool { connects, _ := built[0].counts(); return connects == 1 })

	// The connected flag pulsing with an unchanged answer token is
	// exactly the churn the fingerprint rule must absorb.
	for i := 0; i < 5; i++ {
		controller.MarkDisconnected()
		if err := c.Reconcile(ctx, controller.Snapshot()); err != nil {
			t.Fatalf("Reconcile flap %d: %v", i, err)
		}
		controller.MarkConnected()
		if err := c.Reconcile(ctx, controller.Snapshot()); err != nil {
			t.Fatalf("Reconcile flap %d: %v", i, err)
		}
	}

	if built := factory.built(); len(built) != 1 {
		t.Errorf("factory ran %d times across flaps, want 1", len(built))
	}
	connects, disconnects := built[0].counts()
	if connects != 1 || disconnects != 0 {
		t.Errorf("handle saw connects=%d disconnects=%d, want 1/0", connects, disconnects)
	}
}

func TestEmptyFingerprintLeavesHandleAlone(t *testing.T) {
	factory := &fakeFactory{}
	controller := answeredController(t, "s1", "answer-a")
	c := NewCoordinator(factory.build, controller)
	c.SetMessagingMode(MessagingPeer)

	ctx := context.Background()
	if err := c.Reconcile(ctx, controller.Snapshot()); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	built := factory.built()
	if len(built) != 1 {
		t.Fatalf("factory ran %d times, want 1", len(built))
	}
	waitFor(t, "connect", func() bool { connects, _ := built[0].counts(); return connects == 1 })

	// A snapshot with no usable answer token (here: a session that never
	// completed) must not tear down the established link.
	idle, err := signaling.NewController(signaling.RoleHost, "s1")
	if err != nil {
		t.Fatalf("NewController: %v", err)
	}
	if err := c.Reconcile(ctx, idle.Snapshot()); err != nil {
		t.Fatalf("Reconcile empty: %v", err)
	}

	if _, disconnects := built[0].counts(); disconnects != 0 {
		t.Errorf("handle disconnected on empty fingerprint")
	}
	if c.Handle() != built[0] {
		t.Errorf("coordinator dropped the handle on empty fingerprint")
	}
}

func TestNewAnswerRestartsExactlyOnce(t *testing.T) {
	factory := &fakeFactory{}
	first := answeredController(t, "s1", "answer-a")
	c := NewCoordinator(factory.build, first)
	c.SetMessagingMode(MessagingPeer)

	ctx := context.Background()
	if err := c.Reconcile(ctx, first.Snapshot()); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	built := factory.built()
	if len(built) != 1 {
		t.Fatalf("factory ran %d times, want 1", len(built))
	}
	waitFor(t, "first connect", func() bool { connects, _ := built[0].counts(); return connects == 1 })

	second := answeredController(t, "s1", "answer-b")
	if err := c.Reconcile(ctx, second.Snapshot()); err != nil {
		t.Fatalf("Reconcile new answer: %v", err)
	}

	built = factory.built()
	if len(built) != 2 {
		t.Fatalf("factory ran %d times after new answer, want 2", len(built))
	}
	if _, disconnects := built[0].counts(); disconnects != 1 {
		t.Errorf("old handle disconnects = %d, want exactly 1", disconnects)
	}
	waitFor(t, "second connect", func() bool { connects, _ := built[1].counts(); return connects == 1 })
	if c.Handle() != built[1] {
		t.Errorf("coordinator does not hold the new handle")
	}

	// Re-applying the same new snapshot changes nothing further.
	if err := c.Reconcile(ctx, second.Snapshot()); err != nil {
		t.Fatalf("Reconcile repeat: %v", err)
	}
	if built := factory.built(); len(built) != 2 {
		t.Errorf("factory ran %d times after repeat, want 2", len(built))
	}
}

func TestSupersededConnectIsDiscarded(t *testing.T) {
	blocker := make(chan struct{})
	factory := &fakeFactory{block: blocker}
	first := answeredController(t, "s1", "answer-a")
	c := NewCoordinator(factory.build, first)
	c.SetMessagingMode(MessagingPeer)

	ctx := context.Background()

	// The first reconcile stalls inside the factory.
	done := make(chan error, 1)
	go func() { done <- c.Reconcile(ctx, first.Snapshot()) }()
	waitFor(t, "factory entry", func() bool {
		factory.mu.Lock()
		defer factory.mu.Unlock()
		return factory.block == nil
	})

	// A newer answer lands while the first build is still in flight.
	second := answeredController(t, "s1", "answer-b")
	if err := c.Reconcile(ctx, second.Snapshot()); err != nil {
		t.Fatalf("Reconcile second: %v", err)
	}

	close(blocker)
	if err := <-done; err != nil {
		t.Fatalf("Reconcile first: %v", err)
	}

	built := factory.built()
	if len(built) != 2 {
		t.Fatalf("factory ran %d times, want 2", len(built))
	}
	fresh, ok := c.Handle().(*fakeHandle)
	if !ok {
		t.Fatalf("coordinator holds no fake handle")
	}
	var stale *fakeHandle
	for _, h := range built {
		if h != fresh {
			stale = h
		}
	}
	if stale == nil {
		t.Fatalf("stale handle not found among built handles")
	}

	// The stale handle is discarded without ever serving traffic; the
	// fresh one stays active.
	waitFor(t, "stale discard", func() bool { _, disconnects := stale.counts(); return disconnects == 1 })
	if connects, _ := stale.counts(); connects != 0 {
		t.Errorf("stale handle connects = %d, want 0", connects)
	}
	waitFor(t, "fresh connect", func() bool { connects, _ := fresh.counts(); return connects == 1 })
	if c.Handle() != fresh {
		t.Errorf("coordinator does not hold the fresh handle")
	}
}

func TestDroppingToProgressiveTearsDownPeerHandle(t *testing.T) {
	factory := &fakeFactory{}
	controller := answeredController(t, "s1", "answer-a")
	c := NewCoordinator(factory.build, controller)
	c.SetMessagingMode(MessagingPeer)

	ctx := context.Background()
	if err := c.Reconcile(ctx, controller.Snapshot()); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	built := factory.built()
	if len(built) != 1 {
		t.Fatalf("factory ran %d times, want 1", len(built))
	}
	waitFor(t, "connect", func() bool { connects, _ := built[0].counts(); return connects == 1 })

	c.SetMessagingMode(MessagingProgressive)
	if _, disconnects := built[0].counts(); disconnects != 1 {
		t.Errorf("handle disconnects = %d after mode drop, want 1", disconnects)
	}
	if c.Handle() != nil {
		t.Errorf("coordinator still holds a handle in progressive mode")
	}

	// Returning to peer mode re-evaluates the same snapshot from scratch.
	c.SetMessagingMode(MessagingPeer)
	if err := c.Reconcile(ctx, controller.Snapshot()); err != nil {
		t.Fatalf("Reconcile after mode restore: %v", err)
	}
	if built := factory.built(); len(built) != 2 {
		t.Errorf("factory ran %d times after mode restore, want 2", len(built))
	}
}

func TestTeardown(t *testing.T) {
	factory := &fakeFactory{}
	controller := answeredController(t, "s1", "answer-a")
	c := NewCoordinator(factory.build, controller)
	c.SetMessagingMode(MessagingPeer)

	if err := c.Reconcile(context.Background(), controller.Snapshot()); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	built := factory.built()
	if len(built) != 1 {
		t.Fatalf("factory ran %d times, want 1", len(built))
	}

	c.Teardown()
	if _, disconnects := built[0].counts(); disconnects != 1 {
		t.Errorf("handle disconnects = %d after teardown, want 1", disconnects)
	}
	if c.Handle() != nil {
		t.Errorf("coordinator holds a handle after teardown")
	}
}
