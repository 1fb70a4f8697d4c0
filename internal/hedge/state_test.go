package hedge

import (
	"testing"

	"github.com/benbjohnson/clock"
)

func TestStateMachineBalancedPath(t *testing.T) {
	sm := NewStateMachine(clock.NewMock())
	steps := []struct {
		event Event
		want  State
	}{
		{EventStart, StatePricing},
		{EventLegsPlaced, StateLegsPlaced},
		{EventMonitor, StateLegsMonitoring},
		{EventSettled, StateReconciling},
		{EventBalance, StateBalanced},
	}
	for _, step := range steps {
		if got := sm.Apply(step.event); got != step.want {
			t.Fatalf("after %s expected %s, got %s", step.event, step.want, got)
		}
	}
	if len(sm.Transitions()) != len(steps) {
		t.Fatalf("expected %d transitions, got %d", len(steps), len(sm.Transitions()))
	}
	if !sm.State().Terminal() {
		t.Fatalf("expected terminal state")
	}
}

func TestStateMachineAbortFromPricing(t *testing.T) {
	sm := NewStateMachine(clock.NewMock())
	sm.Apply(EventStart)
	if sm.Apply(EventAbort) != StateAborted {
		t.Fatalf("expected %s, got %s", StateAborted, sm.State())
	}
}

func TestStateMachineInvalidTransition(t *testing.T) {
	sm := NewStateMachine(clock.NewMock())
	if sm.Apply(EventBalance) != StateIdle {
		t.Fatalf("invalid transition should not change state")
	}
	sm.Apply(EventStart)
	sm.Apply(EventLegsPlaced)
	if sm.Apply(EventAbort) != StateLegsPlaced {
		t.Fatalf("placed legs cannot abort without reconciling")
	}
	if len(sm.Transitions()) != 2 {
		t.Fatalf("expected only valid transitions recorded, got %v", sm.Transitions())
	}
}

func TestTerminalStatesAreFinal(t *testing.T) {
	for _, terminal := range []State{StateBalanced, StateImbalanced, StateAborted} {
		for _, event := range []Event{EventStart, EventLegsPlaced, EventMonitor, EventSettled, EventBalance, EventImbalance, EventAbort} {
			if got := nextState(terminal, event); got != terminal {
				t.Fatalf("%s left terminal state on %s to %s", terminal, event, got)
			}
		}
	}
}
