package connection

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestStateMachineTransitions(t *testing.T) {
	testCases := []struct {
		name    string
		path    []State
		illegal State
	}{
		{name: "rejected during authentication", path: []State{StateAuthenticating, StateClosed}, illegal: StateActive},
		{name: "served session", path: []State{StateAuthenticating, StateActive, StateClosing, StateClosed}, illegal: StateActive},
		{name: "active cannot skip closing", path: []State{StateAuthenticating, StateActive}, illegal: StateClosed},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			machine := &stateMachine{}
			for _, next := range testCase.path {
				if err := machine.transition(next); err != nil {
					t.Fatalf("unexpected error moving to %s: %v", next, err)
				}
			}

			before := machine.current()
			if err := machine.transition(testCase.illegal); !errors.Is(err, ErrIllegalTransition) {
				t.Fatalf("expected illegal transition to %s, got %v", testCase.illegal, err)
			}
			if machine.current() != before {
				t.Fatalf("expected state to stay %s, got %s", before, machine.current())
			}
		})
	}
}

func TestRegistryClosesAndWaits(t *testing.T) {
	registry := NewRegistry()

	var unregisters []func()
	closed := make(chan string, 2)
	for _, id := range []string{"a", "b"} {
		unregisters = append(unregisters, registry.Register(id, func() { closed <- id }))
	}
	if registry.Count() != 2 {
		t.Fatalf("expected 2 sessions, got %d", registry.Count())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if registry.Wait(ctx) {
		t.Fatalf("expected wait to time out with live sessions")
	}

	if asked := registry.CloseAll(); asked != 2 {
		t.Fatalf("expected 2 sessions asked to close, got %d", asked)
	}
	if len(closed) != 2 {
		t.Fatalf("expected both close callbacks, got %d", len(closed))
	}

	for _, unregister := range unregisters {
		unregister()
		unregister()
	}
	if registry.Count() != 0 {
		t.Fatalf("expected empty registry, got %d", registry.Count())
	}
	if !registry.Wait(context.Background()) {
		t.Fatalf("expected wait to return once sessions unregistered")
	}
}
