package hedge

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

type State string

const (
	StateIdle           State = "IDLE"
	StatePricing        State = "PRICING"
	StateLegsPlaced     State = "LEGS_PLACED"
	StateLegsMonitoring State = "LEGS_MONITORING"
	StateReconciling    State = "RECONCILING"
	StateBalanced       State = "BALANCED"
	StateImbalanced     State = "IMBALANCED"
	StateAborted        State = "ABORTED"
)

func (s State) Terminal() bool {
	switch s {
	case StateBalanced, StateImbalanced, StateAborted:
		return true
	}
	return false
}

type Event string

const (
	EventStart      Event = "START"
	EventLegsPlaced Event = "LEGS_PLACED"
	EventMonitor    Event = "MONITOR"
	EventSettled    Event = "SETTLED"
	EventBalance    Event = "BALANCE"
	EventImbalance  Event = "IMBALANCE"
	EventAbort      Event = "ABORT"
)

type Transition struct {
	From  State     `json:"from"`
	To    State     `json:"to"`
	Event Event     `json:"event"`
	At    time.Time `json:"at"`
}

// StateMachine tracks one cycle. Events that are not valid in the current state leave it
// unchanged and are not recorded.
type StateMachine struct {
	mu          sync.Mutex
	clock       clock.Clock
	state       State
	transitions []Transition
}

func NewStateMachine(clk clock.Clock) *StateMachine {
	if clk == nil {
		clk = clock.New()
	}
	return &StateMachine{clock: clk, state: StateIdle}
}

func (s *StateMachine) Apply(event Event) State {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := nextState(s.state, event)
	if next != s.state {
		s.transitions = append(s.transitions, Transition{From: s.state, To: next, Event: event, At: s.clock.Now()})
		s.state = next
	}
	return s.state
}

func (s *StateMachine) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *StateMachine) Transitions() []Transition {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Transition(nil), s.transitions...)
}

func nextState(current State, event Event) State {
	switch current {
	case StateIdle:
		if event == EventStart {
			return StatePricing
		}
	case StatePricing:
		if event == EventLegsPlaced {
			return StateLegsPlaced
		}
		if event == EventAbort {
			return StateAborted
		}
	case StateLegsPlaced:
		if event == EventMonitor {
			return StateLegsMonitoring
		}
	case StateLegsMonitoring:
		if event == EventSettled {
			return StateReconciling
		}
	case StateReconciling:
		switch event {
		case EventBalance:
			return StateBalanced
		case EventImbalance:
			return StateImbalanced
		case EventAbort:
			return StateAborted
		}
	}
	return current
}
