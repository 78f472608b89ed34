package scheduler

import (
	"errors"
	"fmt"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func task(id string, deps ...string) *Task {
	return &Task{ID: id, ExecutorTag: "docker", DependsOn: deps}
}

func stageIDs(stages []Stage) [][]string {
	out := make([][]string, len(stages))
	for i, s := range stages {
		out[i] = s.IDs()
	}
	return out
}

func TestResolve_Layers(t *testing.T) {
	tests := []struct {
		name  string
		tasks []*Task
		want  [][]string
	}{
		{
			name:  "two roots then join",
			tasks: []*Task{task("A"), task("B"), task("C", "A", "B")},
			want:  [][]string{{"A", "B"}, {"C"}},
		},
		{
			name:  "chain",
			tasks: []*Task{task("db"), task("migrate", "db"), task("svc", "migrate")},
			want:  [][]string{{"db"}, {"migrate"}, {"svc"}},
		},
		{
			name:  "diamond keeps input order within a stage",
			tasks: []*Task{task("net"), task("web", "net"), task("api", "net"), task("lb", "api", "web")},
			want:  [][]string{{"net"}, {"web", "api"}, {"lb"}},
		},
		{
			name:  "task lands after its deepest prerequisite",
			tasks: []*Task{task("a"), task("b", "a"), task("c", "a", "b"), task("d")},
			want:  [][]string{{"a", "d"}, {"b"}, {"c"}},
		},
		{
			name:  "duplicate prerequisite counts once",
			tasks: []*Task{task("a"), task("b", "a", "a")},
			want:  [][]string{{"a"}, {"b"}},
		},
		{
			name:  "empty plan",
			tasks: nil,
			want:  [][]string{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			stages, err := Resolve(tt.tasks)
			require.NoError(t, err)
			assert.Equal(t, tt.want, stageIDs(stages))
		})
	}
}

func TestResolve_SelfLoop(t *testing.T) {
	stages, err := Resolve([]*Task{task("X", "X")})

	assert.Nil(t, stages)
	require.ErrorIs(t, err, ErrCycleDetected)

	var cycleErr *CycleError
	require.True(t, errors.As(err, &cycleErr))
	assert.Equal(t, []string{"X"}, cycleErr.TaskIDs)
}

func TestResolve_CycleNamesUnplacedTasks(t *testing.T) {
	tasks := []*Task{
		task("root"),
		task("a", "root", "c"),
		task("b", "a"),
		task("c", "b"),
		task("after", "c"),
	}

	stages, err := Resolve(tasks)
	assert.Nil(t, stages)

	var cycleErr *CycleError
	require.ErrorAs(t, err, &cycleErr)
	assert.Equal(t, []string{"a", "b", "c", "after"}, cycleErr.TaskIDs)
	assert.Contains(t, err.Error(), "a, b, c, after")
}

func TestResolve_InvalidGraph(t *testing.T) {
	tests := []struct {
		name  string
		tasks []*Task
	}{
		{"empty id", []*Task{{ID: ""}}},
		{"duplicate id", []*Task{task("a"), task("a")}},
		{"unknown prerequisite", []*Task{task("a", "ghost")}},
		{"nil task", []*Task{nil}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Resolve(tt.tasks)
			require.ErrorIs(t, err, ErrInvalidGraph)
			assert.NotErrorIs(t, err, ErrCycleDetected)
		})
	}
}

// Every task appears in exactly one stage, and every prerequisite sits in a
// strictly earlier stage.
func TestResolve_RandomGraphsAreCorrectlyLayered(t *testing.T) {
	rng := rand.New(rand.NewSource(42))

	for round := 0; round < 50; round++ {
		n := 1 + rng.Intn(30)
		tasks := make([]*Task, n)
		for i := 0; i < n; i++ {
			var deps []string
			for j := 0; j < i; j++ {
				if rng.Intn(4) == 0 {
					deps = append(deps, fmt.Sprintf("t%d", j))
				}
			}
			tasks[i] = task(fmt.Sprintf("t%d", i), deps...)
		}
		rng.Shuffle(len(tasks), func(i, j int) { tasks[i], tasks[j] = tasks[j], tasks[i] })

		stages, err := Resolve(tasks)
		require.NoError(t, err)

		stageOf := make(map[string]int)
		for i, s := range stages {
			require.NotEmpty(t, s)
			for _, tk := range s {
				_, dup := stageOf[tk.ID]
				require.False(t, dup, "task %s placed twice", tk.ID)
				stageOf[tk.ID] = i
			}
		}
		require.Len(t, stageOf, n)

		for _, tk := range tasks {
			for _, dep := range tk.DependsOn {
				assert.Less(t, stageOf[dep], stageOf[tk.ID], "%s must run before %s", dep, tk.ID)
			}
		}
	}
}

func TestOrder_PrerequisitesFirst(t *testing.T) {
	tasks := []*Task{task("svc", "db", "cache"), task("db"), task("cache"), task("lb", "svc")}

	order, err := Order(tasks)
	require.NoError(t, err)
	require.Len(t, order, 4)

	pos := make(map[string]int)
	for i, id := range order {
		pos[id] = i
	}
	assert.Less(t, pos["db"], pos["svc"])
	assert.Less(t, pos["cache"], pos["svc"])
	assert.Less(t, pos["svc"], pos["lb"])
}

func TestOrder_Cycle(t *testing.T) {
	_, err := Order([]*Task{task("a", "b"), task("b", "a")})
	require.ErrorIs(t, err, ErrCycleDetected)
}

func TestDescendants(t *testing.T) {
	stages, err := Resolve([]*Task{
		task("db"),
		task("cache"),
		task("svc", "db"),
		task("worker", "db", "cache"),
		task("lb", "svc"),
	})
	require.NoError(t, err)

	desc := Descendants(stages)
	assert.Equal(t, []string{"svc", "worker", "lb"}, desc["db"])
	assert.Equal(t, []string{"worker"}, desc["cache"])
	assert.Equal(t, []string{"lb"}, desc["svc"])
	assert.Empty(t, desc["lb"])
}

func TestTask_CloneIsIndependent(t *testing.T) {
	orig := &Task{
		ID:        "web",
		Params:    map[string]any{"image": "nginx"},
		DependsOn: []string{"net"},
		Resource:  &ResourceSpec{Type: "docker_container", Metadata: map[string]any{"port": 80}},
	}

	clone := orig.Clone()
	clone.Params["image"] = "caddy"
	clone.DependsOn[0] = "other"
	clone.Resource.Metadata["port"] = 443

	assert.Equal(t, "nginx", orig.Params["image"])
	assert.Equal(t, "net", orig.DependsOn[0])
	assert.Equal(t, 80, orig.Resource.Metadata["port"])
	assert.Equal(t, "web", clone.ResourceID())
}
