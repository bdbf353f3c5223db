package status

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/mvolkov/roomsync/internal/bus"
)

// State is a client session runtime state.
type State string

const (
	SignedOut    State = "SIGNED_OUT"
	Connecting   State = "CONNECTING"
	Loading      State = "LOADING"
	Ready        State = "READY"
	Reconnecting State = "RECONNECTING"
	Closed       State = "CLOSED"
)

// validTransitions defines allowed state transitions.
var validTransitions = map[State][]State{
	SignedOut:    {Connecting, Closed},
	Connecting:   {Loading, Reconnecting, SignedOut, Closed},
	Loading:      {Ready, Reconnecting, Closed},
	Ready:        {Reconnecting, SignedOut, Closed},
	Reconnecting: {Connecting, Ready, SignedOut, Closed},
	Closed:       {},
}

// Machine tracks and enforces session state transitions.
type Machine struct {
	mu      sync.RWMutex
	current State
	bus     *bus.Bus
}

// NewMachine creates a state machine starting in SignedOut.
func NewMachine(b *bus.Bus) *Machine {
	return &Machine{
		current: SignedOut,
		bus:     b,
	}
}

// Current returns the current state.
func (m *Machine) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Transition attempts to move to a new state. Returns an error if the
// transition is invalid.
func (m *Machine) Transition(to State) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	allowed := validTransitions[m.current]
	if !slices.Contains(allowed, to) {
		return fmt.Errorf("invalid transition from %s to %s", m.current, to)
	}
	from := m.current
	m.current = to
	if m.bus != nil {
		m.bus.Publish(bus.Event{
			Kind:      "session.status_changed",
			Timestamp: time.Now(),
			Payload: StatusChange{
				From: from,
				To:   to,
			},
		})
	}
	return nil
}

// StatusChange is the payload for status change events.
type StatusChange struct {
	From State
	To   State
}
