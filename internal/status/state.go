package status

import (
	"fmt"
	"slices"
	"sync"

	"github.com/matheus3301/chatsync/internal/bus"
)

// State is the connection state of the push channel.
type State string

const (
	Idle       State = "idle"
	Connecting State = "connecting"
	Connected  State = "connected"
	Error      State = "error"
)

// validTransitions defines allowed state transitions. Error is entered on
// an authentication failure (terminal until new credentials arrive) and
// during a retry cooldown.
var validTransitions = map[State][]State{
	Idle:       {Connecting},
	Connecting: {Connected, Idle, Error},
	Connected:  {Idle, Connecting, Error},
	Error:      {Connecting, Idle},
}

// Machine tracks and enforces connection state transitions.
type Machine struct {
	mu      sync.RWMutex
	current State
	bus     *bus.Bus
}

// NewMachine creates a new state machine starting in Idle state.
func NewMachine(b *bus.Bus) *Machine {
	return &Machine{
		current: Idle,
		bus:     b,
	}
}

// Current returns the current state.
func (m *Machine) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
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
	m.bus.Emit(bus.ConnectionStatusChanged, StatusChange{From: from, To: to})
	return nil
}

// MoveTo transitions to the given state unless the machine is already
// there. It is used by the connection loop, which re-enters the same state
// on every attempt.
func (m *Machine) MoveTo(to State) error {
	if m.Current() == to {
		return nil
	}
	return m.Transition(to)
}

// StatusChange is the payload for status change events.
type StatusChange struct {
	From State
	To   State
}
