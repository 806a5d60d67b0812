package turn

import (
	"sync"
	"time"
)

// StateChange represents a state transition event.
type StateChange struct {
	FromState  State
	ToState    State
	ResponseID string
	Timestamp  time.Time
	Reason     string
}

// StateListener observes response cycle state changes.
type StateListener interface {
	OnStateChange(event StateChange)
}

// ListenerFunc adapts a function to StateListener.
type ListenerFunc func(StateChange)

func (f ListenerFunc) OnStateChange(event StateChange) { f(event) }

var validTransitions = map[State][]State{
	StateIdle:      {StateRequested, StateCreated},
	StateRequested: {StateCreated, StateDone, StateCancelled},
	StateCreated:   {StateStreaming, StateDone, StateCancelled},
	StateStreaming: {StateStreaming, StateDone, StateCancelled},
	StateDone:      {StateRequested, StateCreated},
	StateCancelled: {StateRequested, StateCreated},
}

// stateMachine validates response cycle transitions.
type stateMachine struct {
	mu           sync.RWMutex
	currentState State
	listeners    []StateListener
}

func newStateMachine() *stateMachine {
	return &stateMachine{currentState: StateIdle}
}

// State returns the current state.
func (sm *stateMachine) State() State {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.currentState
}

func transitionValid(from, to State) bool {
	for _, allowed := range validTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Transition moves to a new state with validation.
func (sm *stateMachine) Transition(state State, responseID, reason string) error {
	sm.mu.Lock()
	if !transitionValid(sm.currentState, state) {
		from := sm.currentState
		sm.mu.Unlock()
		return &InvalidTransitionError{From: from, To: state}
	}
	event := StateChange{
		FromState:  sm.currentState,
		ToState:    state,
		ResponseID: responseID,
		Timestamp:  time.Now(),
		Reason:     reason,
	}
	sm.currentState = state
	listeners := make([]StateListener, len(sm.listeners))
	copy(listeners, sm.listeners)
	sm.mu.Unlock()

	// Listeners run without the lock so they may query the machine.
	for _, listener := range listeners {
		listener.OnStateChange(event)
	}
	return nil
}

// AddListener registers a listener for state change events.
func (sm *stateMachine) AddListener(listener StateListener) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.listeners = append(sm.listeners, listener)
}

// InvalidTransitionError represents an invalid state transition attempt
type InvalidTransitionError struct {
	From State
	To   State
}

func (e *InvalidTransitionError) Error() string {
	return "invalid state transition from " + e.From.String() + " to " + e.To.String()
}
