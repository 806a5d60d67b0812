package relay

import (
	"sync"
	"time"
)

// State is the lifecycle state of one call session.
type State int

const (
	StateIdle State = iota
	StateStreamStarted
	StateActive
	StateDraining
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateStreamStarted:
		return "STREAM_STARTED"
	case StateActive:
		return "ACTIVE"
	case StateDraining:
		return "DRAINING"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// StateChange is delivered to listeners after every transition.
type StateChange struct {
	From      State
	To        State
	Reason    string
	Timestamp time.Time
}

// StateListener observes call state changes.
type StateListener interface {
	OnStateChange(event StateChange)
}

// ListenerFunc adapts a function to StateListener.
type ListenerFunc func(StateChange)

func (f ListenerFunc) OnStateChange(event StateChange) { f(event) }

var validTransitions = map[State][]State{
	StateIdle:          {StateStreamStarted, StateDraining},
	StateStreamStarted: {StateActive, StateDraining},
	StateActive:        {StateDraining},
	StateDraining:      {StateClosed},
}

type stateMachine struct {
	mu        sync.RWMutex
	current   State
	listeners []StateListener
}

func (sm *stateMachine) State() State {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.current
}

func (sm *stateMachine) AddListener(l StateListener) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.listeners = append(sm.listeners, l)
}

// Transition moves to state, or returns an *InvalidTransitionError.
func (sm *stateMachine) Transition(state State, reason string) error {
	sm.mu.Lock()
	allowed := false
	for _, s := range validTransitions[sm.current] {
		if s == state {
			allowed = true
			break
		}
	}
	if !allowed {
		from := sm.current
		sm.mu.Unlock()
		return &InvalidTransitionError{From: from, To: state}
	}
	event := StateChange{From: sm.current, To: state, Reason: reason, Timestamp: time.Now()}
	sm.current = state
	listeners := append([]StateListener(nil), sm.listeners...)
	sm.mu.Unlock()

	for _, l := range listeners {
		l.OnStateChange(event)
	}
	return nil
}

// InvalidTransitionError reports a transition the call lifecycle forbids.
type InvalidTransitionError struct {
	From State
	To   State
}

func (e *InvalidTransitionError) Error() string {
	return "invalid call state transition from " + e.From.String() + " to " + e.To.String()
}
