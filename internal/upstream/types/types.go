// Package types holds the upstream connection state machine.
package types

import (
	"sync"
	"time"
)

// ConnectionState represents the lifecycle state of one upstream connection.
type ConnectionState int

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
)

func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "unknown"
	}
}

// StateManager tracks connection state transitions with validation.
type StateManager struct {
	mu          sync.RWMutex
	state       ConnectionState
	lastError   error
	lastChanged time.Time

	// onChange is invoked outside the lock after every transition.
	onChange func(old, new ConnectionState)
}

// NewStateManager creates a state manager in the disconnected state.
func NewStateManager() *StateManager {
	return &StateManager{
		state:       StateDisconnected,
		lastChanged: time.Now(),
	}
}

// OnChange registers the transition callback. Must be set before use.
func (sm *StateManager) OnChange(fn func(old, new ConnectionState)) {
	sm.mu.Lock()
	sm.onChange = fn
	sm.mu.Unlock()
}

// validTransitions defines allowed state changes.
var validTransitions = map[ConnectionState][]ConnectionState{
	StateDisconnected: {StateConnecting},
	StateConnecting:   {StateConnected, StateDisconnected},
	StateConnected:    {StateDisconnected, StateConnecting},
}

// TransitionTo attempts a state change; invalid transitions are ignored and
// reported false.
func (sm *StateManager) TransitionTo(newState ConnectionState) bool {
	sm.mu.Lock()
	old := sm.state
	if old == newState {
		sm.mu.Unlock()
		return true
	}
	allowed := false
	for _, s := range validTransitions[old] {
		if s == newState {
			allowed = true
			break
		}
	}
	if !allowed {
		sm.mu.Unlock()
		return false
	}
	sm.state = newState
	if newState == StateConnected {
		sm.lastError = nil
	}
	sm.lastChanged = time.Now()
	cb := sm.onChange
	sm.mu.Unlock()

	if cb != nil {
		cb(old, newState)
	}
	return true
}

// SetError records the failure and forces the disconnected state.
func (sm *StateManager) SetError(err error) {
	sm.mu.Lock()
	old := sm.state
	sm.state = StateDisconnected
	sm.lastError = err
	sm.lastChanged = time.Now()
	cb := sm.onChange
	sm.mu.Unlock()

	if cb != nil && old != StateDisconnected {
		cb(old, StateDisconnected)
	}
}

// State returns the current state.
func (sm *StateManager) State() ConnectionState {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.state
}

// LastError returns the most recent connection error, if any.
func (sm *StateManager) LastError() error {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.lastError
}

// LastChanged returns when the state last changed.
func (sm *StateManager) LastChanged() time.Time {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.lastChanged
}

// IsConnected reports whether calls may be dispatched.
func (sm *StateManager) IsConnected() bool {
	return sm.State() == StateConnected
}
