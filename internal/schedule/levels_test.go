package schedule

import (
	"context"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vk/buildgrid/internal/graph"
	"github.com/vk/buildgrid/internal/plan"
)

func mustBuild(t *testing.T, tasks []plan.Task) *graph.Graph {
	t.Helper()
	g, err := graph.Build(context.Background(), tasks)
	require.NoError(t, err)
	return g
}

func TestLevelsDiamond(t *testing.T) {
	// Scenario: A and B are independent, C depends on both.
	g := mustBuild(t, []plan.Task{
		{ID: "a", Resources: []string{"f1"}},
		{ID: "b", Resources: []string{"f2"}},
		{ID: "c", Resources: []string{"f3"}, DependsOn: []string{"a", "b"}},
	})

	levels := Levels(context.Background(), g)
	want := []Level{{"a", "b"}, {"c"}}
	if diff := cmp.Diff(want, levels); diff != "" {
		t.Fatalf("level partition mismatch (-want +got):\n%s", diff)
	}
}

func TestLevelsEmptyGraph(t *testing.T) {
	g := mustBuild(t, nil)
	assert.Empty(t, Levels(context.Background(), g))
}

func TestLevelsChain(t *testing.T) {
	g := mustBuild(t, []plan.Task{
		{ID: "a"},
		{ID: "b", DependsOn: []string{"a"}},
		{ID: "c", DependsOn: []string{"b"}},
	})

	levels := Levels(context.Background(), g)
	assert.Equal(t, []Level{{"a"}, {"b"}, {"c"}}, levels)
}

func TestLevelsCoverEveryTaskExactlyOnce(t *testing.T) {
	g := mustBuild(t, []plan.Task{
		{ID: "root1"},
		{ID: "root2"},
		{ID: "mid", DependsOn: []string{"root1"}},
		{ID: "leaf1", DependsOn: []string{"mid", "root2"}},
		{ID: "leaf2", DependsOn: []string{"mid"}},
	})

	levels := Levels(context.Background(), g)

	seen := make(map[string]int)
	for _, level := range levels {
		for _, id := range level {
			seen[id]++
		}
	}
	assert.Len(t, seen, g.Len())
	for id, count := range seen {
		assert.Equalf(t, 1, count, "task %s scheduled %d times", id, count)
	}
}

func TestLevelsPlaceTasksAfterAllDependencies(t *testing.T) {
	g := mustBuild(t, []plan.Task{
		{ID: "a"},
		{ID: "b", DependsOn: []string{"a"}},
		{ID: "c", DependsOn: []string{"a"}},
		{ID: "d", DependsOn: []string{"b", "c"}},
		{ID: "e"},
	})

	levels := Levels(context.Background(), g)

	levelOf := make(map[string]int)
	for i, level := range levels {
		for _, id := range level {
			levelOf[id] = i
		}
	}
	for _, id := range g.IDs() {
		task, _ := g.Task(id)
		for _, dep := range task.DependsOn {
			assert.Lessf(t, levelOf[dep], levelOf[id], "dependency %s of %s not strictly earlier", dep, id)
		}
	}
}

func TestLevelsIdempotent(t *testing.T) {
	g := mustBuild(t, []plan.Task{
		{ID: "w"},
		{ID: "x", DependsOn: []string{"w"}},
		{ID: "y", DependsOn: []string{"w"}},
		{ID: "z", DependsOn: []string{"x", "y"}},
	})

	first := Levels(context.Background(), g)
	second := Levels(context.Background(), g)
	if diff := cmp.Diff(first, second); diff != "" {
		t.Fatalf("repeated scheduling differed (-first +second):\n%s", diff)
	}
}
