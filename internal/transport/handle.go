// Package transport provides a uniform send/receive/connect/disconnect
// surface over either the server relay path or a directly negotiated peer
// path, and the coordinator that decides when an active handle should be
// replaced. A handle's mode is fixed for its lifetime: switching between
// relay and peer always constructs a new handle.
package transport

import (
	"context"
	"fmt"
	"sync"
)

// Mode selects the path a handle communicates over.
type Mode string

const (
	ModeRelay Mode = "relay"
	ModePeer  Mode = "peer"
)

// State is a handle's connection state. Transitions are monotonic within
// one handle's life: once disconnected or errored, the handle is
// terminal and a new one must be constructed.
type State string

const (
	StateIdle         State = "idle"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateDisconnected State = "disconnected"
	StateError        State = "error"
)

// terminal reports whether a handle in this state is finished.
func (s State) terminal() bool {
	return s == StateDisconnected || s == StateError
}

// Handle is the uniform transport surface. Send on a non-connected
// handle fails with a delivery error rather than queueing; retry and
// backoff belong to the caller's send pipeline. Disconnect is safe to
// call repeatedly. Observer callbacks are delivered asynchronously, one
// goroutine per registered observer, so observer code never runs inside
// the handle's critical section.
type Handle interface {
	Mode() Mode
	State() State
	Connect(ctx context.Context) error
	Disconnect() error
	Send(payload []byte) error
	// WaitReady blocks until Connect has completed, returning the
	// connect error if it failed.
	WaitReady(ctx context.Context) error
	OnMessage(fn func(payload []byte)) (unsubscribe func())
	OnStateChange(fn func(state State)) (unsubscribe func())
	OnError(fn func(err error)) (unsubscribe func())
}

// DeliveryError is returned by Send when the handle cannot deliver in
// its current state.
type DeliveryError struct {
	Mode  Mode
	State State
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("transport: %s handle cannot send in state %s", e.Mode, e.State)
}

// observerBuffer bounds the per-observer queue. Observers that fall this
// far behind lose the oldest pending notifications.
const observerBuffer = 32

// observers fans values out to registered callbacks, each with its own
// channel and delivery goroutine.
type observers[T any] struct {
	mu   sync.Mutex
	next int
	subs map[int]chan T
}

func newObservers[T any]() *observers[T] {
	return &observers[T]{subs: make(map[int]chan T)}
}

// add registers fn and returns an idempotent unsubscribe.
func (o *observers[T]) add(fn func(T)) func() {
	ch := make(chan T, observerBuffer)
	o.mu.Lock()
	id := o.next
	o.next++
	o.subs[id] = ch
	o.mu.Unlock()

	go func() {
		for v := range ch {
			fn(v)
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			o.mu.Lock()
			delete(o.subs, id)
			o.mu.Unlock()
			close(ch)
		})
	}
}

// emit delivers v to every observer without blocking: a full queue drops
// the oldest pending value to make room.
func (o *observers[T]) emit(v T) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, ch := range o.subs {
		for {
			select {
			case ch <- v:
			default:
				select {
				case <-ch:
				default:
				}
				continue
			}
			break
		}
	}
}

// handleState is the state machine core shared by the relay and peer
// handles. It owns the ready latch and the three observer registries.
type handleState struct {
	mu      sync.Mutex
	state   State
	ready   chan struct{}
	readyMu sync.Once
	err     error

	msgObs   *observers[[]byte]
	stateObs *observers[State]
	errObs   *observers[error]
}

func newHandleState() *handleState {
	return &handleState{
		state:    StateIdle,
		ready:    make(chan struct{}),
		msgObs:   newObservers[[]byte](),
		stateObs: newObservers[State](),
		errObs:   newObservers[error](),
	}
}

// transition moves to next unless the current state is already terminal,
// and notifies state observers. Returns false when the move was refused.
func (h *handleState) transition(next State) bool {
	h.mu.Lock()
	if h.state.terminal() || h.state == next {
		h.mu.Unlock()
		return false
	}
	h.state = next
	h.mu.Unlock()

	h.stateObs.emit(next)
	if next == StateConnected {
		h.resolveReady(nil)
	}
	return true
}

// fail records err, moves to the error state and notifies observers.
func (h *handleState) fail(err error) {
	h.mu.Lock()
	if h.state.terminal() {
		h.mu.Unlock()
		return
	}
	h.state = StateError
	h.err = err
	h.mu.Unlock()

	h.errObs.emit(err)
	h.stateObs.emit(StateError)
	h.resolveReady(err)
}

// resolveReady settles the ready latch exactly once.
func (h *handleState) resolveReady(err error) {
	h.readyMu.Do(func() {
		h.mu.Lock()
		if err != nil && h.err == nil {
			h.err = err
		}
		h.mu.Unlock()
		close(h.ready)
	})
}

func (h *handleState) current() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

func (h *handleState) waitReady(ctx context.Context) error {
	select {
	case <-h.ready:
		h.mu.Lock()
		defer h.mu.Unlock()
		return h.err
	case <-ctx.Done():
		return ctx.Err()
	}
}
