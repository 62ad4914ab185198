package quicktab

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanTransitionExhaustive(t *testing.T) {
	allowed := map[[2]State]bool{
		{StateVisible, StateMinimizing}:   true,
		{StateMinimizing, StateMinimized}: true,
		{StateMinimized, StateRestoring}:  true,
		{StateRestoring, StateVisible}:    true,
		{StateVisible, StateDestroyed}:    true,
		{StateMinimizing, StateDestroyed}: true,
		{StateMinimized, StateDestroyed}:  true,
		{StateRestoring, StateDestroyed}:  true,
	}
	for _, from := range AllStates {
		for _, to := range AllStates {
			want := allowed[[2]State{from, to}]
			assert.Equalf(t, want, CanTransition(from, to), "%s -> %s", from, to)
		}
	}
	assert.False(t, CanTransition(State("bogus"), StateVisible))
	assert.False(t, CanTransition(StateVisible, State("bogus")))
}

func TestTransitionRejectsWithoutCoercing(t *testing.T) {
	tab := QuickTab{ID: "qt-1", LifecycleState: StateVisible}
	err := tab.TransitionTo(StateMinimized)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidTransition))
	var te *TransitionError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, StateVisible, te.From)
	assert.Equal(t, StateMinimized, te.To)
	assert.Equal(t, StateVisible, tab.LifecycleState)

	require.NoError(t, tab.TransitionTo(StateMinimizing))
	require.NoError(t, tab.TransitionTo(StateMinimized))
	assert.Equal(t, StateMinimized, tab.LifecycleState)

	require.NoError(t, tab.TransitionTo(StateDestroyed))
	assert.Error(t, tab.TransitionTo(StateVisible))
}

func TestPathNeverSkipsStates(t *testing.T) {
	path, err := Path(StateVisible, StateMinimized)
	require.NoError(t, err)
	assert.Equal(t, []State{StateMinimizing, StateMinimized}, path)

	path, err = Path(StateMinimizing, StateVisible)
	require.NoError(t, err)
	assert.Equal(t, []State{StateMinimized, StateRestoring, StateVisible}, path)

	path, err = Path(StateMinimized, StateMinimized)
	require.NoError(t, err)
	assert.Empty(t, path)

	path, err = Path(StateRestoring, StateDestroyed)
	require.NoError(t, err)
	assert.Equal(t, []State{StateDestroyed}, path)

	_, err = Path(StateDestroyed, StateVisible)
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestSettledAndInFlight(t *testing.T) {
	assert.Equal(t, StateMinimized, StateMinimizing.Settled())
	assert.Equal(t, StateVisible, StateRestoring.Settled())
	assert.Equal(t, StateVisible, StateVisible.Settled())
	assert.True(t, StateMinimizing.InFlight())
	assert.True(t, StateRestoring.InFlight())
	assert.False(t, StateMinimized.InFlight())
	assert.False(t, StateDestroyed.Live())
}

func TestSoloClearsMuteAndViceVersa(t *testing.T) {
	tab := QuickTab{ID: "qt-1", LifecycleState: StateVisible}
	assert.True(t, tab.ToggleMute("ctx-a"))
	assert.True(t, tab.ToggleMute("ctx-b"))
	assert.Equal(t, []string{"ctx-a", "ctx-b"}, tab.MutedOnContexts)

	assert.True(t, tab.ToggleSolo("ctx-c"))
	assert.Equal(t, []string{"ctx-c"}, tab.SoloedOnContexts)
	assert.Empty(t, tab.MutedOnContexts)
	require.NoError(t, tab.Validate())

	assert.True(t, tab.ToggleMute("ctx-c"))
	assert.Empty(t, tab.SoloedOnContexts)
	assert.Equal(t, []string{"ctx-c"}, tab.MutedOnContexts)

	assert.False(t, tab.ToggleMute("ctx-c"))
	assert.Empty(t, tab.MutedOnContexts)
}

func TestVisibleOn(t *testing.T) {
	tab := QuickTab{ID: "qt-1", LifecycleState: StateVisible}
	assert.True(t, tab.VisibleOn("ctx-a"))
	tab.ToggleMute("ctx-a")
	assert.False(t, tab.VisibleOn("ctx-a"))
	assert.True(t, tab.VisibleOn("ctx-b"))
	tab.ToggleSolo("ctx-b")
	assert.True(t, tab.VisibleOn("ctx-b"))
	assert.False(t, tab.VisibleOn("ctx-a"))
	tab.LifecycleState = StateDestroyed
	assert.False(t, tab.VisibleOn("ctx-b"))
}

func TestCloneDoesNotShareSlices(t *testing.T) {
	tab := QuickTab{ID: "qt-1", SoloedOnContexts: []string{"ctx-a"}}
	clone := tab.Clone()
	clone.SoloedOnContexts[0] = "ctx-z"
	assert.Equal(t, "ctx-a", tab.SoloedOnContexts[0])
}

func TestValidateRejectsBrokenRecords(t *testing.T) {
	assert.ErrorIs(t, QuickTab{LifecycleState: StateVisible}.Validate(), ErrInvalidRecord)
	assert.ErrorIs(t, QuickTab{ID: "qt-1", LifecycleState: "weird"}.Validate(), ErrInvalidRecord)
	assert.ErrorIs(t, QuickTab{ID: "qt-1", LifecycleState: StateVisible, Size: Size{Width: -1}}.Validate(), ErrInvalidRecord)
	both := QuickTab{ID: "qt-1", LifecycleState: StateVisible, SoloedOnContexts: []string{"a"}, MutedOnContexts: []string{"b"}}
	assert.ErrorIs(t, both.Validate(), ErrSoloMuteBoth)
}

func TestNewIDIsUnique(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 500; i++ {
		id := NewID()
		require.True(t, strings.HasPrefix(id, IDPrefix))
		require.False(t, seen[id], "duplicate id %s", id)
		seen[id] = true
	}
}

func TestZCounterIsMonotonic(t *testing.T) {
	c := NewZCounter(0)
	assert.Equal(t, int64(1), c.Next())
	assert.Equal(t, int64(2), c.Next())
	c.Observe(10)
	assert.Equal(t, int64(11), c.Next())
	c.Observe(3)
	assert.Equal(t, int64(12), c.Next())
}
