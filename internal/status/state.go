package status

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/matheus3301/setu/internal/bus"
)

// State represents the daemon's sync state.
type State string

const (
	Booting      State = "BOOTING"
	AuthRequired State = "AUTH_REQUIRED"
	Idle         State = "IDLE"
	Fetching     State = "FETCHING"
	Applying     State = "APPLYING"
	Degraded     State = "DEGRADED"
	Error        State = "ERROR"
)

// EventStatusChanged is published on every successful transition.
const EventStatusChanged = "daemon.status_changed"

// validTransitions defines allowed state transitions. A sync cycle walks
// Idle -> Fetching -> Applying and loops back to Fetching once per page.
var validTransitions = map[State][]State{
	Booting:      {AuthRequired, Idle, Error},
	AuthRequired: {Fetching, Idle, Error},
	Idle:         {Fetching, AuthRequired, Error},
	Fetching:     {Applying, AuthRequired, Degraded, Idle, Error},
	Applying:     {Fetching, Idle, Degraded, Error},
	Degraded:     {Fetching, AuthRequired, Idle, Error},
	Error:        {Booting},
}

// Machine tracks and enforces daemon state transitions.
type Machine struct {
	mu      sync.RWMutex
	current State
	since   time.Time
	bus     *bus.Bus
}

// NewMachine creates a new state machine starting in Booting state.
func NewMachine(b *bus.Bus) *Machine {
	return &Machine{
		current: Booting,
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

// Transition attempts to move to a new state. Returns error if transition is invalid.
// Transitioning to the current state is a no-op.
func (m *Machine) Transition(to State) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current == to {
		return nil
	}
	allowed := validTransitions[m.current]
	if !slices.Contains(allowed, to) {
		return fmt.Errorf("invalid transition from %s to %s", m.current, to)
	}
	from := m.current
	m.current = to
	m.since = time.Now()
	if m.bus != nil {
		m.bus.Publish(bus.NewEvent(EventStatusChanged, StatusChange{From: from, To: to}))
	}
	return nil
}

// StatusChange is the payload for status change events.
type StatusChange struct {
	From State
	To   State
}
