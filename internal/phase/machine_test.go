package phase

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHappyPath(t *testing.T) {
	ctx := context.Background()
	m := NewMachine()
	assert.Equal(t, Research, m.Current())

	for _, next := range []Phase{Design, ParallelBuild, Validate, Finalize, Completed} {
		require.NoError(t, m.Transition(ctx, next))
	}
	assert.Equal(t, Completed, m.Current())
	assert.True(t, m.Current().IsTerminal())
	assert.Len(t, m.History(), 5)
}

func TestSelfHealLoop(t *testing.T) {
	ctx := context.Background()
	m := NewMachine()

	require.NoError(t, m.Transition(ctx, Design))
	require.NoError(t, m.Transition(ctx, ParallelBuild))
	require.NoError(t, m.Transition(ctx, Validate))
	require.NoError(t, m.Transition(ctx, SelfHeal))
	require.NoError(t, m.Transition(ctx, Design))
	assert.Equal(t, Design, m.Current())
}

func TestSelfHealExhaustionGoesToFailed(t *testing.T) {
	ctx := context.Background()
	m := NewMachine()
	for _, next := range []Phase{Design, ParallelBuild, Validate, SelfHeal} {
		require.NoError(t, m.Transition(ctx, next))
	}
	require.NoError(t, m.Transition(ctx, Failed))
	assert.True(t, m.Current().IsTerminal())
}

func TestInvalidTransitionsRejected(t *testing.T) {
	ctx := context.Background()
	m := NewMachine()

	assert.Error(t, m.Transition(ctx, Validate))
	assert.Error(t, m.Transition(ctx, Completed))
	assert.Equal(t, Research, m.Current(), "failed transition must not move the machine")
	assert.Empty(t, m.History())
}

func TestFailedReachableFromEveryNonTerminalPhase(t *testing.T) {
	for _, p := range All() {
		if p.IsTerminal() {
			continue
		}
		assert.Containsf(t, transitions[p], Failed, "phase %s cannot reach Failed", p)
	}
}

func TestTerminalPhasesHaveNoExits(t *testing.T) {
	assert.Empty(t, transitions[Completed])
	assert.Empty(t, transitions[Failed])
}

func TestOnChangeCallbackOrder(t *testing.T) {
	ctx := context.Background()
	m := NewMachine()

	var calls []string
	m.OnChange(func(from, to Phase) {
		calls = append(calls, "first:"+string(from)+"->"+string(to))
	})
	m.OnChange(func(from, to Phase) {
		calls = append(calls, "second:"+string(from)+"->"+string(to))
	})

	require.NoError(t, m.Transition(ctx, Design))
	assert.Equal(t, []string{"first:research->design", "second:research->design"}, calls)
}
