package graph

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vk/buildgrid/internal/errcode"
	"github.com/vk/buildgrid/internal/plan"
)

func TestBuildValidPlan(t *testing.T) {
	tasks := []plan.Task{
		{ID: "a", Description: "first", Resources: []string{"f1"}},
		{ID: "b", Description: "second", Resources: []string{"f2"}},
		{ID: "c", Description: "third", Resources: []string{"f3"}, DependsOn: []string{"a", "b"}},
	}

	g, err := Build(context.Background(), tasks)
	require.NoError(t, err)
	assert.Equal(t, 3, g.Len())
	assert.Equal(t, []string{"a", "b", "c"}, g.IDs())
	assert.Equal(t, []string{"c"}, g.Dependents("a"))

	task, ok := g.Task("c")
	require.True(t, ok)
	assert.Equal(t, StatusPending, task.Status)
}

func TestBuildEmptyPlan(t *testing.T) {
	g, err := Build(context.Background(), nil)
	require.NoError(t, err)
	assert.Zero(t, g.Len())
}

func TestBuildRejectsResourceConflict(t *testing.T) {
	// Scenario: A owns f1, B depends on A but also claims f1. Must be
	// rejected at build time, before anything runs.
	tasks := []plan.Task{
		{ID: "a", Resources: []string{"f1"}},
		{ID: "b", Resources: []string{"f1"}, DependsOn: []string{"a"}},
	}

	_, err := Build(context.Background(), tasks)
	require.Error(t, err)

	var conflict *ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, []string{"a", "b"}, conflict.Conflicts["f1"])
	assert.Equal(t, errcode.GraphResourceConflict, errcode.Of(err))
	assert.ErrorContains(t, err, "f1 claimed by [a, b]")
}

func TestBuildNamesAllConflictingTasks(t *testing.T) {
	tasks := []plan.Task{
		{ID: "x", Resources: []string{"shared", "other"}},
		{ID: "y", Resources: []string{"shared"}},
		{ID: "z", Resources: []string{"other"}},
	}

	_, err := Build(context.Background(), tasks)
	var conflict *ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Len(t, conflict.Conflicts, 2)
	assert.Equal(t, []string{"x", "y"}, conflict.Conflicts["shared"])
	assert.Equal(t, []string{"x", "z"}, conflict.Conflicts["other"])
}

func TestBuildRejectsUnknownDependency(t *testing.T) {
	tasks := []plan.Task{
		{ID: "a", DependsOn: []string{"missing"}},
	}

	_, err := Build(context.Background(), tasks)
	var unknown *UnknownDependencyError
	require.ErrorAs(t, err, &unknown)
	assert.Equal(t, "a", unknown.TaskID)
	assert.Equal(t, "missing", unknown.DependencyID)
	assert.Equal(t, errcode.GraphUnknownDependency, errcode.Of(err))
}

func TestBuildRejectsCycle(t *testing.T) {
	tasks := []plan.Task{
		{ID: "a", DependsOn: []string{"c"}},
		{ID: "b", DependsOn: []string{"a"}},
		{ID: "c", DependsOn: []string{"b"}},
	}

	_, err := Build(context.Background(), tasks)
	var cycle *CycleError
	require.ErrorAs(t, err, &cycle)
	assert.Equal(t, errcode.GraphCycle, errcode.Of(err))
}

func TestBuildCycleRejectionIsDeterministic(t *testing.T) {
	// The same cyclic plan must produce the identical error no matter how
	// the input list is ordered.
	base := []plan.Task{
		{ID: "a", DependsOn: []string{"b"}},
		{ID: "b", DependsOn: []string{"a"}},
		{ID: "c"},
	}
	reversed := []plan.Task{base[2], base[1], base[0]}

	_, err1 := Build(context.Background(), base)
	_, err2 := Build(context.Background(), reversed)
	require.Error(t, err1)
	require.Error(t, err2)
	assert.Equal(t, err1.Error(), err2.Error())
}

func TestBuildSelfDependencyIsACycle(t *testing.T) {
	_, err := Build(context.Background(), []plan.Task{{ID: "a", DependsOn: []string{"a"}}})
	var cycle *CycleError
	require.ErrorAs(t, err, &cycle)
}

func TestValidationOrder(t *testing.T) {
	// A plan that is both conflicting and cyclic reports the resource
	// conflict: ownership is checked first.
	tasks := []plan.Task{
		{ID: "a", Resources: []string{"f1"}, DependsOn: []string{"b"}},
		{ID: "b", Resources: []string{"f1"}, DependsOn: []string{"a"}},
	}

	_, err := Build(context.Background(), tasks)
	assert.Equal(t, errcode.GraphResourceConflict, errcode.Of(err))
}
