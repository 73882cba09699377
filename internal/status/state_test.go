package status

import (
	"testing"

	"github.com/parkdog/msgsync/internal/bus"
)

func TestInitialState(t *testing.T) {
	m := NewMachine(nil)
	if m.Current() != Disconnected {
		t.Errorf("initial state = %s, want disconnected", m.Current())
	}
}

func TestValidTransitions(t *testing.T) {
	tests := []struct {
		path []State
	}{
		{[]State{Connecting, Connected}},
		{[]State{Connecting, Disconnected}},
		{[]State{Connecting, Reconnecting, Connecting, Connected}},
		{[]State{Connecting, Connected, Reconnecting, Disconnected}},
		{[]State{Connecting, Connected, Disconnected, Connecting}},
	}
	for _, tt := range tests {
		m := NewMachine(nil)
		for _, s := range tt.path {
			if err := m.Transition(s); err != nil {
				t.Fatalf("path %v: %v", tt.path, err)
			}
		}
		if got := m.Current(); got != tt.path[len(tt.path)-1] {
			t.Errorf("path %v ended in %s", tt.path, got)
		}
	}
}

func TestConnectingIsExclusive(t *testing.T) {
	m := NewMachine(nil)
	if err := m.Transition(Connecting); err != nil {
		t.Fatal(err)
	}
	// A second connect attempt while connecting must be rejected.
	if err := m.Transition(Connecting); err == nil {
		t.Error("Transition(connecting -> connecting) should fail")
	}
	if err := m.Transition(Connected); err != nil {
		t.Fatal(err)
	}
	if err := m.Transition(Connecting); err == nil {
		t.Error("Transition(connected -> connecting) should fail")
	}
}

func TestInvalidTransition(t *testing.T) {
	m := NewMachine(nil)
	if err := m.Transition(Connected); err == nil {
		t.Error("Transition(disconnected -> connected) should fail")
	}
	if !m.Is(Disconnected) {
		t.Errorf("state = %s, want disconnected (should not have changed)", m.Current())
	}
}

func TestTransitionEmitsEvent(t *testing.T) {
	b := bus.New()
	ch, unsub := b.Subscribe("transport.", 10)
	defer unsub()

	m := NewMachine(b)
	if err := m.Transition(Connecting); err != nil {
		t.Fatal(err)
	}

	evt := <-ch
	if evt.Kind != EventStatusChanged {
		t.Errorf("event kind = %q, want %s", evt.Kind, EventStatusChanged)
	}
	change, ok := evt.Payload.(StatusChange)
	if !ok {
		t.Fatalf("payload type = %T, want StatusChange", evt.Payload)
	}
	if change.From != Disconnected || change.To != Connecting {
		t.Errorf("change = %v -> %v, want disconnected -> connecting", change.From, change.To)
	}
}

func TestReset(t *testing.T) {
	b := bus.New()
	ch, unsub := b.Subscribe("transport.", 10)
	defer unsub()

	m := NewMachine(b)
	_ = m.Transition(Connecting)
	<-ch
	m.Reset()
	if m.Current() != Disconnected {
		t.Errorf("state after Reset = %s", m.Current())
	}
	evt := <-ch
	if change := evt.Payload.(StatusChange); change.From != Connecting {
		t.Errorf("reset change from = %s, want connecting", change.From)
	}
}
