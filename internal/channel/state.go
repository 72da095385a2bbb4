// Package channel contains one adapter per chat network. Every adapter owns
// its transport, translates native events into the canonical message model,
// and shares the connection state machine implemented by connTracker.
package channel

import (
	"sync"

	"omnibridge/internal/domain"
)

// connTracker holds an adapter's connection state and gates event emission.
// Once closed (Disconnect), message and connected events are dropped, so a
// late network response can never leak past a disconnect.
type connTracker struct {
	name string

	mu     sync.Mutex
	state  domain.ConnState
	sink   domain.Sink
	closed bool
}

func newConnTracker(name string) *connTracker {
	return &connTracker{name: name, state: domain.StateDisconnected}
}

// SetSink registers the event sink. Must be called before Connect.
func (t *connTracker) SetSink(sink domain.Sink) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sink = sink
}

func (t *connTracker) State() domain.ConnState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *connTracker) IsConnected() bool {
	return t.State() == domain.StateConnected
}

func (t *connTracker) setState(s domain.ConnState) {
	t.mu.Lock()
	t.state = s
	t.mu.Unlock()
}

// reopen clears the closed flag at the start of a Connect attempt.
func (t *connTracker) reopen() {
	t.mu.Lock()
	t.closed = false
	t.state = domain.StateConnecting
	t.mu.Unlock()
}

// close flips to disconnected and drops all further message/connected
// emission until reopen.
func (t *connTracker) close() {
	t.mu.Lock()
	t.closed = true
	t.state = domain.StateDisconnected
	t.mu.Unlock()
}

// markUnconfigured records the credentials-absent steady state.
func (t *connTracker) markUnconfigured() {
	t.mu.Lock()
	t.state = domain.StateUnconfigured
	t.mu.Unlock()
}

// emitMessage forwards one inbound message unless the adapter has been
// closed or is no longer connected.
func (t *connTracker) emitMessage(msg domain.InboundMessage) {
	t.mu.Lock()
	if t.closed || t.state != domain.StateConnected {
		t.mu.Unlock()
		return
	}
	sink := t.sink
	t.mu.Unlock()

	if sink != nil {
		sink.OnMessage(msg)
	}
}

// emitConnected transitions to connected and notifies the sink, unless the
// adapter was closed while the transport handshake was in flight.
func (t *connTracker) emitConnected() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.state = domain.StateConnected
	sink := t.sink
	t.mu.Unlock()

	if sink != nil {
		sink.OnConnected(t.name)
	}
}

// emitDisconnected transitions to disconnected. Allowed after close: the
// caller is told the transport is gone exactly once per drop.
func (t *connTracker) emitDisconnected(reason string) {
	t.mu.Lock()
	already := t.state == domain.StateDisconnected || t.state == domain.StateUnconfigured
	if !already {
		t.state = domain.StateDisconnected
	}
	sink := t.sink
	t.mu.Unlock()

	if sink != nil && !already {
		sink.OnDisconnected(t.name, reason)
	}
}

func (t *connTracker) emitError(err error) {
	t.mu.Lock()
	sink := t.sink
	t.mu.Unlock()
	if sink != nil {
		sink.OnError(t.name, err)
	}
}

func (t *connTracker) emitPairing(code string) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	sink := t.sink
	t.mu.Unlock()
	if sink != nil {
		sink.OnPairing(t.name, code)
	}
}
