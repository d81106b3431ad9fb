package status

import (
	"testing"

	"github.com/naarscars/chatsync/internal/bus"
)

func TestInitialState(t *testing.T) {
	m := NewMachine(nil)
	if m.Current() != Disconnected {
		t.Errorf("initial state = %s, want DISCONNECTED", m.Current())
	}
}

func TestValidTransitions(t *testing.T) {
	tests := []struct {
		from State
		to   State
	}{
		{Disconnected, Connecting},
		{Connecting, CatchingUp},
		{Connecting, Disconnected},
		{CatchingUp, Live},
		{CatchingUp, Disconnected},
		{Live, Disconnected},
		{Live, Stopped},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			m := NewMachine(nil)
			walkTo(t, m, tt.from)
			if err := m.Transition(tt.to); err != nil {
				t.Errorf("Transition(%s -> %s) error = %v", tt.from, tt.to, err)
			}
			if m.Current() != tt.to {
				t.Errorf("state = %s, want %s", m.Current(), tt.to)
			}
		})
	}
}

func TestInvalidTransition(t *testing.T) {
	m := NewMachine(nil)
	// Live requires passing through CatchingUp: that is where the
	// catch-up fetch happens, and skipping it would lose gap events.
	if err := m.Transition(Live); err == nil {
		t.Error("Transition(DISCONNECTED -> LIVE) should fail")
	}
	walkTo(t, m, Connecting)
	if err := m.Transition(Live); err == nil {
		t.Error("Transition(CONNECTING -> LIVE) should fail; must catch up first")
	}
}

func TestStoppedIsTerminal(t *testing.T) {
	m := NewMachine(nil)
	if err := m.Transition(Stopped); err != nil {
		t.Fatal(err)
	}
	if err := m.Transition(Connecting); err == nil {
		t.Error("transition out of STOPPED should fail")
	}
}

func TestDisconnectReconnectCycle(t *testing.T) {
	m := NewMachine(nil)
	walkTo(t, m, Live)

	steps := []State{Disconnected, Connecting, CatchingUp, Live}
	for _, s := range steps {
		if err := m.Transition(s); err != nil {
			t.Fatalf("Transition to %s: %v (current: %s)", s, err, m.Current())
		}
	}
	if !m.IsLive() {
		t.Errorf("final state = %s, want LIVE", m.Current())
	}
}

func TestTransitionEmitsEvent(t *testing.T) {
	b := bus.New()
	ch, unsub := b.Subscribe("stream.", 10)
	defer unsub()

	m := NewMachine(b)
	if err := m.Transition(Connecting); err != nil {
		t.Fatal(err)
	}

	evt := <-ch
	if evt.Kind != bus.KindStreamStatus {
		t.Errorf("event kind = %q, want %q", evt.Kind, bus.KindStreamStatus)
	}
	change, ok := evt.Payload.(StatusChange)
	if !ok {
		t.Fatalf("payload type = %T, want StatusChange", evt.Payload)
	}
	if change.From != Disconnected || change.To != Connecting {
		t.Errorf("change = %v -> %v, want DISCONNECTED -> CONNECTING", change.From, change.To)
	}
}

// walkTo transitions the machine to a target state via the canonical path.
func walkTo(t *testing.T, m *Machine, target State) {
	t.Helper()
	paths := map[State][]State{
		Disconnected: {},
		Connecting:   {Connecting},
		CatchingUp:   {Connecting, CatchingUp},
		Live:         {Connecting, CatchingUp, Live},
		Stopped:      {Stopped},
	}
	for _, s := range paths[target] {
		if err := m.Transition(s); err != nil {
			t.Fatalf("walkTo(%s): %v", target, err)
		}
	}
}
