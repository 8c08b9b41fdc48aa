// Package graph builds a per-tick snapshot view of the task dependency
// graph. The store owns the durable edges; this structure only exists for
// the duration of a scheduling decision.
package graph

import (
	"fmt"
	"strings"

	"github.com/gammazero/toposort"

	"github.com/corvid-labs/autopilot/internal/task"
)

// Graph is an immutable snapshot of tasks and their dependency edges.
type Graph struct {
	tasks      map[string]*task.Task
	dependents map[string][]string
}

// Build indexes a task snapshot and validates it: every referenced
// dependency must exist and the edges must form a DAG.
func Build(tasks []*task.Task) (*Graph, error) {
	g := &Graph{
		tasks:      make(map[string]*task.Task, len(tasks)),
		dependents: make(map[string][]string),
	}
	for _, t := range tasks {
		if _, exists := g.tasks[t.ID]; exists {
			return nil, fmt.Errorf("duplicate task id %q in snapshot", t.ID)
		}
		g.tasks[t.ID] = t
	}
	for _, t := range tasks {
		for _, depID := range t.Dependencies {
			if _, exists := g.tasks[depID]; !exists {
				return nil, fmt.Errorf("task %q depends on unknown task %q", t.ID, depID)
			}
			g.dependents[depID] = append(g.dependents[depID], t.ID)
		}
	}
	if _, err := g.Order(); err != nil {
		return nil, err
	}
	return g, nil
}

// Order returns a topological ordering of all task IDs, or an error when
// the edges contain a cycle.
func (g *Graph) Order() ([]string, error) {
	var edges []toposort.Edge
	for id, t := range g.tasks {
		if len(t.Dependencies) == 0 {
			// Edge from nil keeps dependency-free tasks in the result.
			edges = append(edges, toposort.Edge{nil, id})
			continue
		}
		for _, depID := range t.Dependencies {
			edges = append(edges, toposort.Edge{depID, id})
		}
	}

	sorted, err := toposort.Toposort(edges)
	if err != nil {
		return nil, fmt.Errorf("dependency graph contains cycle: %w", err)
	}

	order := make([]string, 0, len(g.tasks))
	for _, id := range sorted {
		if id != nil {
			order = append(order, id.(string))
		}
	}

	if len(order) != len(g.tasks) {
		var missing []string
		seen := make(map[string]bool, len(order))
		for _, id := range order {
			seen[id] = true
		}
		for id := range g.tasks {
			if !seen[id] {
				missing = append(missing, id)
			}
		}
		return nil, fmt.Errorf("topological sort lost %d tasks: %s", len(missing), strings.Join(missing, ", "))
	}
	return order, nil
}

// Get returns the task with the given ID, or nil.
func (g *Graph) Get(id string) *task.Task {
	return g.tasks[id]
}

// Len returns the number of tasks in the snapshot.
func (g *Graph) Len() int {
	return len(g.tasks)
}

// Dependents returns the direct dependents of a task.
func (g *Graph) Dependents(id string) []string {
	return append([]string(nil), g.dependents[id]...)
}

// UnblockCount returns the number of distinct tasks, direct and transitive,
// that cannot reach done until the given task does. This is the
// blocking-potential input to ranking: finishing a high-count task frees
// the most downstream work.
func (g *Graph) UnblockCount(id string) int {
	seen := make(map[string]bool)
	var walk func(string)
	walk = func(cur string) {
		for _, dep := range g.dependents[cur] {
			if !seen[dep] {
				seen[dep] = true
				walk(dep)
			}
		}
	}
	walk(id)
	return len(seen)
}

// DependenciesDone reports whether every dependency of the task has reached
// done in this snapshot.
func (g *Graph) DependenciesDone(id string) bool {
	t := g.tasks[id]
	if t == nil {
		return false
	}
	for _, depID := range t.Dependencies {
		dep := g.tasks[depID]
		if dep == nil || dep.Status != task.StatusDone {
			return false
		}
	}
	return true
}
