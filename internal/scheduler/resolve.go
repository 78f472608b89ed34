package scheduler

import (
	"fmt"
	"sort"

	"github.com/gammazero/toposort"
)

// Stage is a set of tasks whose prerequisites all lie in earlier stages.
// Tasks in one stage may run concurrently.
type Stage []*Task

// IDs returns the task IDs of the stage in order.
func (s Stage) IDs() []string {
	ids := make([]string, len(s))
	for i, t := range s {
		ids[i] = t.ID
	}
	return ids
}

// Resolve layers tasks into execution stages. Each task lands in the first
// stage after all of its prerequisites; within a stage tasks keep their input
// order. A graph with a cycle yields a *CycleError and no stages.
func Resolve(tasks []*Task) ([]Stage, error) {
	if err := validate(tasks); err != nil {
		return nil, err
	}

	inDegree := make(map[string]int, len(tasks))
	dependents := make(map[string][]string, len(tasks))
	for _, t := range tasks {
		for _, dep := range uniqueDeps(t.DependsOn) {
			inDegree[t.ID]++
			dependents[dep] = append(dependents[dep], t.ID)
		}
	}

	placed := make(map[string]bool, len(tasks))
	var stages []Stage
	for len(placed) < len(tasks) {
		var stage Stage
		for _, t := range tasks {
			if !placed[t.ID] && inDegree[t.ID] == 0 {
				stage = append(stage, t)
			}
		}

		if len(stage) == 0 {
			var stuck []string
			for _, t := range tasks {
				if !placed[t.ID] {
					stuck = append(stuck, t.ID)
				}
			}
			return nil, &CycleError{TaskIDs: stuck}
		}

		// Release dependents only after the whole stage is chosen so a task
		// never shares a stage with one of its prerequisites.
		for _, t := range stage {
			placed[t.ID] = true
			for _, d := range dependents[t.ID] {
				inDegree[d]--
			}
		}
		stages = append(stages, stage)
	}

	return stages, nil
}

// Order returns a flat topological order of the task IDs. Prerequisites
// always precede their dependents; the relative order of unrelated tasks is
// unspecified.
func Order(tasks []*Task) ([]string, error) {
	if err := validate(tasks); err != nil {
		return nil, err
	}

	var edges []toposort.Edge
	for _, t := range tasks {
		deps := uniqueDeps(t.DependsOn)
		if len(deps) == 0 {
			edges = append(edges, toposort.Edge{nil, t.ID})
			continue
		}
		for _, dep := range deps {
			edges = append(edges, toposort.Edge{dep, t.ID})
		}
	}

	sorted, err := toposort.Toposort(edges)
	if err != nil {
		// Resolve names the participants; toposort only reports that one exists.
		if _, rerr := Resolve(tasks); rerr != nil {
			return nil, rerr
		}
		return nil, fmt.Errorf("%w: %v", ErrCycleDetected, err)
	}

	order := make([]string, 0, len(tasks))
	for _, id := range sorted {
		if id != nil {
			order = append(order, id.(string))
		}
	}
	return order, nil
}

// Descendants maps every task in the resolved stages to its transitive
// dependents, ordered by stage and then by position within the stage.
func Descendants(stages []Stage) map[string][]string {
	position := make(map[string]int)
	dependents := make(map[string][]string)
	n := 0
	for _, stage := range stages {
		for _, t := range stage {
			position[t.ID] = n
			n++
			for _, dep := range uniqueDeps(t.DependsOn) {
				dependents[dep] = append(dependents[dep], t.ID)
			}
		}
	}

	out := make(map[string][]string, n)
	// Walk stages backwards so each task's dependents are already expanded.
	for i := len(stages) - 1; i >= 0; i-- {
		for _, t := range stages[i] {
			seen := make(map[string]bool)
			var all []string
			for _, d := range dependents[t.ID] {
				for _, id := range append([]string{d}, out[d]...) {
					if !seen[id] {
						seen[id] = true
						all = append(all, id)
					}
				}
			}
			sortByPosition(all, position)
			out[t.ID] = all
		}
	}
	return out
}

func validate(tasks []*Task) error {
	ids := make(map[string]bool, len(tasks))
	for i, t := range tasks {
		if t == nil {
			return invalidf("task at index %d is nil", i)
		}
		if t.ID == "" {
			return invalidf("task at index %d has an empty ID", i)
		}
		if ids[t.ID] {
			return invalidf("duplicate task ID %q", t.ID)
		}
		ids[t.ID] = true
	}
	for _, t := range tasks {
		for _, dep := range t.DependsOn {
			if !ids[dep] {
				return invalidf("task %q depends on unknown task %q", t.ID, dep)
			}
		}
	}
	return nil
}

func uniqueDeps(deps []string) []string {
	if len(deps) < 2 {
		return deps
	}
	seen := make(map[string]bool, len(deps))
	out := make([]string, 0, len(deps))
	for _, d := range deps {
		if !seen[d] {
			seen[d] = true
			out = append(out, d)
		}
	}
	return out
}

func sortByPosition(ids []string, position map[string]int) {
	sort.Slice(ids, func(i, j int) bool { return position[ids[i]] < position[ids[j]] })
}
