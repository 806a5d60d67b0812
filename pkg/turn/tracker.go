// Package turn tracks model response cycles so that at most one is active
// per call, cancels are only issued for an active cycle, and output from a
// finished or cancelled cycle is recognised as late.
package turn

import (
	"errors"
	"sync"
)

// ErrBusy is returned by Request while a cycle is still in flight.
var ErrBusy = errors.New("turn: response cycle already active")

// Tracker follows the response cycles of one conversation.
type Tracker struct {
	sm *stateMachine

	mu         sync.Mutex
	responseID string
	// settled is false between a cancel and the provider confirming the
	// cancelled response has ended.
	settled bool
	// cancelledID is the response awaiting that confirmation; empty when the
	// cycle was cancelled before the provider named it.
	cancelledID string
}

// NewTracker returns an idle tracker.
func NewTracker() *Tracker {
	return &Tracker{sm: newStateMachine(), settled: true}
}

// AddListener registers a state change listener. Listeners run while the
// tracker is locked and must not call back into it.
func (t *Tracker) AddListener(l StateListener) { t.sm.AddListener(l) }

// State returns the current cycle state.
func (t *Tracker) State() State { return t.sm.State() }

// ResponseID returns the provider id of the current or last cycle.
func (t *Tracker) ResponseID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.responseID
}

// Active reports whether the current cycle can still produce output.
func (t *Tracker) Active() bool { return t.sm.State().Active() }

// Busy reports whether a new cycle must wait: a cycle is active, or a
// cancelled one has not been confirmed finished yet.
func (t *Tracker) Busy() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sm.State().Active() || !t.settled
}

// Request opens a new cycle on our initiative.
func (t *Tracker) Request() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.sm.State().Active() || !t.settled {
		return ErrBusy
	}
	t.responseID = ""
	return t.sm.Transition(StateRequested, "", "response requested")
}

// Created records the provider id of a new response. It reports false when
// the response belongs to a cycle that was already cancelled.
func (t *Tracker) Created(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	state := t.sm.State()
	if state == StateCancelled && !t.settled &&
		(t.cancelledID == "" || id == "" || id == t.cancelledID) {
		t.cancelledID = id
		t.responseID = id
		return false
	}
	if state == StateCreated || state == StateStreaming {
		// A provider-initiated response replaced the tracked one.
		t.responseID = id
		return true
	}
	t.responseID = id
	return t.sm.Transition(StateCreated, id, "response created") == nil
}

// Delta reports whether output tagged with id belongs to the active cycle.
// An empty id matches the active cycle.
func (t *Tracker) Delta(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	state := t.sm.State()
	if state != StateCreated && state != StateStreaming {
		return false
	}
	if id != "" && t.responseID != "" && id != t.responseID {
		return false
	}
	if state == StateCreated {
		_ = t.sm.Transition(StateStreaming, t.responseID, "first delta")
	}
	return true
}

// Accepts reports whether output tagged with id would be accepted, without
// changing state.
func (t *Tracker) Accepts(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	state := t.sm.State()
	if state != StateCreated && state != StateStreaming {
		return false
	}
	return id == "" || t.responseID == "" || id == t.responseID
}

// Done records the end of the response id. It reports whether the event
// ended the tracked cycle (including confirming a cancel).
func (t *Tracker) Done(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.settled && id != "" && id == t.cancelledID && id != t.responseID {
		// A newer response is already running; this only confirms the cancel.
		t.settled = true
		t.cancelledID = ""
		return true
	}
	if id != "" && t.responseID != "" && id != t.responseID {
		return false
	}
	state := t.sm.State()
	if state == StateCancelled {
		if t.settled {
			return false
		}
		t.settled = true
		t.cancelledID = ""
		return true
	}
	if !state.Active() {
		return false
	}
	return t.sm.Transition(StateDone, t.responseID, "response done") == nil
}

// Cancel cancels the active cycle. It returns true only when a cycle was
// active, i.e. when the caller must tell the provider to stop.
func (t *Tracker) Cancel() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.sm.State().Active() {
		return false
	}
	t.settled = false
	t.cancelledID = t.responseID
	return t.sm.Transition(StateCancelled, t.responseID, "response cancelled") == nil
}

// Settle marks a cancelled cycle as finished when the provider will not
// confirm it, for example because it had already ended.
func (t *Tracker) Settle() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.settled = true
	t.cancelledID = ""
}
