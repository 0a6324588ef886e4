package turn

import (
	"sync"
	"time"
)

// StateChange represents a state transition event.
type StateChange struct {
	FromState State     `json:"from"`
	ToState   State     `json:"to"`
	Timestamp time.Time `json:"timestamp"`
	Reason    string    `json:"reason,omitempty"`
}

var validTransitions = map[State][]State{
	StateIdle:       {StateListening, StateError},
	StateListening:  {StateProcessing, StateIdle, StateError},
	StateProcessing: {StateSpeaking, StateListening, StateIdle, StateError},
	StateSpeaking:   {StateListening, StateIdle, StateError},
	StateError:      {StateIdle},
}

// stateMachine validates transitions and tracks when each state was entered.
// It never calls out; the controller delivers the returned StateChange to
// observers after releasing its own lock.
type stateMachine struct {
	mu           sync.RWMutex
	currentState State
	enteredAt    time.Time
	now          func() time.Time
}

func newStateMachine(now func() time.Time) *stateMachine {
	if now == nil {
		now = time.Now
	}
	return &stateMachine{currentState: StateIdle, enteredAt: now(), now: now}
}

// State returns the current state.
func (tm *stateMachine) State() State {
	tm.mu.RLock()
	defer tm.mu.RUnlock()
	return tm.currentState
}

// Since returns how long the machine has been in its current state.
func (tm *stateMachine) Since() time.Duration {
	tm.mu.RLock()
	defer tm.mu.RUnlock()
	return tm.now().Sub(tm.enteredAt)
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
func (tm *stateMachine) Transition(state State, reason string) (StateChange, error) {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	if !transitionValid(tm.currentState, state) {
		return StateChange{}, &InvalidTransitionError{From: tm.currentState, To: state}
	}
	change := StateChange{
		FromState: tm.currentState,
		ToState:   state,
		Timestamp: tm.now(),
		Reason:    reason,
	}
	tm.currentState = state
	tm.enteredAt = change.Timestamp
	return change, nil
}

// InvalidTransitionError represents an invalid state transition attempt
type InvalidTransitionError struct {
	From State
	To   State
}

func (e *InvalidTransitionError) Error() string {
	return "invalid state transition from " + e.From.String() + " to " + e.To.String()
}
