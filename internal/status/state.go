package status

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/parkdog/msgsync/internal/bus"
)

// State represents the real-time transport connection state.
type State string

const (
	Disconnected State = "disconnected"
	Connecting   State = "connecting"
	Connected    State = "connected"
	Reconnecting State = "reconnecting"
)

// EventStatusChanged is published on every accepted transition.
const EventStatusChanged = "transport.status_changed"

// validTransitions defines allowed state transitions. Connecting is only
// reachable from an idle state, which is what makes concurrent connect
// attempts collapse into one.
var validTransitions = map[State][]State{
	Disconnected: {Connecting},
	Connecting:   {Connected, Disconnected, Reconnecting},
	Connected:    {Disconnected, Reconnecting},
	Reconnecting: {Connecting, Disconnected},
}

// Machine tracks and enforces transport state transitions.
type Machine struct {
	mu      sync.RWMutex
	current State
	since   time.Time
	bus     *bus.Bus
}

// NewMachine creates a new state machine starting in Disconnected state.
func NewMachine(b *bus.Bus) *Machine {
	return &Machine{
		current: Disconnected,
		since:   time.Now(),
		bus:     b,
	}
}

// Current returns the current state.
func (m *Machine) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Since returns when the current state was entered.
func (m *Machine) Since() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.since
}

// Is reports whether the current state is one of states.
func (m *Machine) Is(states ...State) bool {
	return slices.Contains(states, m.Current())
}

// Transition attempts to move to a new state. Returns error if transition is invalid.
func (m *Machine) Transition(to State) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	allowed := validTransitions[m.current]
	if !slices.Contains(allowed, to) {
		return fmt.Errorf("invalid transition from %s to %s", m.current, to)
	}
	from := m.current
	m.current = to
	m.since = time.Now()
	if m.bus != nil {
		m.bus.Publish(bus.Event{
			Kind:      EventStatusChanged,
			Timestamp: m.since,
			Payload: StatusChange{
				From: from,
				To:   to,
			},
		})
	}
	return nil
}

// Reset forces the machine to Disconnected from any state.
func (m *Machine) Reset() {
	m.mu.Lock()
	from := m.current
	m.current = Disconnected
	m.since = time.Now()
	m.mu.Unlock()
	if from != Disconnected && m.bus != nil {
		m.bus.Emit(EventStatusChanged, StatusChange{From: from, To: Disconnected})
	}
}

// StatusChange is the payload for status change events.
type StatusChange struct {
	From State
	To   State
}
