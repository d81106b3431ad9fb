package status

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/naarscars/chatsync/internal/bus"
)

// State is the realtime connection lifecycle state.
type State string

const (
	Disconnected State = "DISCONNECTED"
	Connecting   State = "CONNECTING"
	CatchingUp   State = "CATCHING_UP"
	Live         State = "LIVE"
	Stopped      State = "STOPPED"
)

// validTransitions defines allowed state transitions. CatchingUp sits
// between a successful dial and Live: it is the one place the catch-up
// fetch happens, so events missed during a disconnect window are recovered
// before the stream is considered healthy again.
var validTransitions = map[State][]State{
	Disconnected: {Connecting, Stopped},
	Connecting:   {CatchingUp, Disconnected, Stopped},
	CatchingUp:   {Live, Disconnected, Stopped},
	Live:         {Disconnected, Stopped},
	Stopped:      {},
}

// Machine tracks and enforces connection state transitions.
type Machine struct {
	mu      sync.RWMutex
	current State
	bus     *bus.Bus
}

// NewMachine creates a state machine starting in Disconnected.
func NewMachine(b *bus.Bus) *Machine {
	return &Machine{current: Disconnected, bus: b}
}

// Current returns the current state.
func (m *Machine) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// IsLive reports whether the realtime subscription is healthy. The
// reconciler uses this to pick its timer interval.
func (m *Machine) IsLive() bool {
	return m.Current() == Live
}

// Transition attempts to move to a new state. Returns an error if the
// transition is not allowed.
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
			Kind:      bus.KindStreamStatus,
			Timestamp: time.Now(),
			Payload:   StatusChange{From: from, To: to},
		})
	}
	return nil
}

// StatusChange is the payload for status change events.
type StatusChange struct {
	From State
	To   State
}
