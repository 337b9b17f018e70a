package supervisor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStateMachine_ValidTransitionSequence(t *testing.T) {
	var events []TransitionEvent
	sm := newStateMachine(func(ev TransitionEvent) { events = append(events, ev) })

	require.NoError(t, sm.transition(StateInitializing, "start"))
	require.NoError(t, sm.transition(StateIdle, "ready"))
	require.NoError(t, sm.transition(StateProcessing, "file arrived"))
	require.NoError(t, sm.transition(StateIdle, "drained"))
	require.NoError(t, sm.transition(StateStopping, "shutdown"))
	require.NoError(t, sm.transition(StateStopped, "done"))

	assert.Equal(t, StateStopped, sm.get())
	assert.Len(t, events, 6)
}

func TestStateMachine_RejectsInvalidEdge(t *testing.T) {
	sm := newStateMachine(nil)
	// Created can only go to Initializing.
	err := sm.transition(StateProcessing, "skip ahead")
	assert.Error(t, err)
	assert.Equal(t, StateCreated, sm.get(), "rejected transition must not move current state")
}

func TestStateMachine_StoppedIsTerminal(t *testing.T) {
	sm := newStateMachine(nil)
	require.NoError(t, sm.transition(StateInitializing, "x"))
	require.NoError(t, sm.transition(StateIdle, "x"))
	require.NoError(t, sm.transition(StateStopping, "x"))
	require.NoError(t, sm.transition(StateStopped, "x"))

	assert.Error(t, sm.transition(StateIdle, "resurrect"))
}

func TestStateMachine_FailedMustRouteThroughStopping(t *testing.T) {
	sm := newStateMachine(nil)
	require.NoError(t, sm.transition(StateInitializing, "x"))
	require.NoError(t, sm.transition(StateFailed, "init failed"))

	assert.Error(t, sm.transition(StateIdle, "cannot recover directly"))
	assert.NoError(t, sm.transition(StateStopping, "tear down"))
}

func TestStateMachine_HistoryIsACopy(t *testing.T) {
	sm := newStateMachine(nil)
	require.NoError(t, sm.transition(StateInitializing, "x"))
	hist := sm.history()
	hist[0].Reason = "mutated"
	assert.Equal(t, "x", sm.history()[0].Reason, "history() must return a defensive copy")
}

func TestEveryDeclaredStateHasATransitionsEntry(t *testing.T) {
	states := []State{StateCreated, StateInitializing, StateIdle, StateProcessing, StatePaused, StateDegraded, StateStopping, StateStopped, StateFailed}
	for _, s := range states {
		_, ok := transitions[s]
		assert.True(t, ok, "state %s missing from transitions table", s)
	}
}
