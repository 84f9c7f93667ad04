package types

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStateTransitions(t *testing.T) {
	sm := NewStateManager()
	assert.Equal(t, StateDisconnected, sm.State())

	// disconnected -> connected is not a valid jump.
	assert.False(t, sm.TransitionTo(StateConnected))
	assert.Equal(t, StateDisconnected, sm.State())

	require.True(t, sm.TransitionTo(StateConnecting))
	require.True(t, sm.TransitionTo(StateConnected))
	assert.True(t, sm.IsConnected())

	// Same-state transitions are no-ops.
	assert.True(t, sm.TransitionTo(StateConnected))
}

func TestSetErrorForcesDisconnect(t *testing.T) {
	sm := NewStateManager()
	require.True(t, sm.TransitionTo(StateConnecting))
	require.True(t, sm.TransitionTo(StateConnected))

	cause := errors.New("broken pipe")
	sm.SetError(cause)
	assert.Equal(t, StateDisconnected, sm.State())
	assert.Equal(t, cause, sm.LastError())

	// Reconnecting clears the error on success.
	require.True(t, sm.TransitionTo(StateConnecting))
	require.True(t, sm.TransitionTo(StateConnected))
	assert.NoError(t, sm.LastError())
}

func TestOnChangeCallback(t *testing.T) {
	sm := NewStateManager()
	var transitions []ConnectionState
	sm.OnChange(func(_, newState ConnectionState) {
		transitions = append(transitions, newState)
	})

	sm.TransitionTo(StateConnecting)
	sm.TransitionTo(StateConnected)
	sm.SetError(errors.New("gone"))
	// SetError from disconnected does not fire again.
	sm.SetError(errors.New("still gone"))

	assert.Equal(t, []ConnectionState{StateConnecting, StateConnected, StateDisconnected}, transitions)
}
