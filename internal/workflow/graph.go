// Package workflow builds project plans as dependency graphs and drives
// them through readiness, checkpoints, and rework.
package workflow

import (
	"errors"
	"fmt"
	"sort"

	"github.com/devpilot/devpilot/pkg/models"
)

// ErrCycleDetected indicates a circular dependency in the task graph.
var ErrCycleDetected = errors.New("circular dependency detected")

// DependencyGraph is a directed acyclic graph of task dependencies.
// Tasks are nodes, edges point at the tasks they are blocked by.
type DependencyGraph struct {
	// nodes maps task ID to the task itself.
	nodes map[string]*models.Task
	// edges maps task ID to IDs of tasks it depends on.
	edges map[string][]string
	// done tracks which tasks have completed.
	done map[string]bool
}

// NewDependencyGraph creates a new empty dependency graph.
func NewDependencyGraph() *DependencyGraph {
	return &DependencyGraph{
		nodes: make(map[string]*models.Task),
		edges: make(map[string][]string),
		done:  make(map[string]bool),
	}
}

// Build constructs the graph from a slice of tasks. Returns an error if
// a cycle is detected or dependencies reference unknown tasks.
func (g *DependencyGraph) Build(tasks []*models.Task) error {
	for _, task := range tasks {
		g.nodes[task.ID] = task
		g.edges[task.ID] = nil
	}

	for _, task := range tasks {
		for _, depID := range task.DependsOn {
			if _, exists := g.nodes[depID]; !exists {
				return fmt.Errorf("task %s depends on unknown task %s", task.ID, depID)
			}
			g.edges[task.ID] = append(g.edges[task.ID], depID)
		}
	}

	if g.HasCycle() {
		return ErrCycleDetected
	}
	return nil
}

// Add inserts one task and its edges into an existing graph. The caller
// is responsible for keeping the graph acyclic; rework nodes only ever
// point backward at completed work, which cannot form a cycle.
func (g *DependencyGraph) Add(task *models.Task) error {
	for _, depID := range task.DependsOn {
		if _, exists := g.nodes[depID]; !exists {
			return fmt.Errorf("task %s depends on unknown task %s", task.ID, depID)
		}
	}
	g.nodes[task.ID] = task
	g.edges[task.ID] = append([]string(nil), task.DependsOn...)
	return nil
}

// HasCycle returns true if the graph contains a circular dependency.
// Uses depth-first search with coloring to detect back edges.
func (g *DependencyGraph) HasCycle() bool {
	// Color states: 0 = white (unvisited), 1 = gray (in progress), 2 = black (done).
	colors := make(map[string]int)
	for id := range g.nodes {
		colors[id] = 0
	}

	var hasCycle bool
	var visit func(id string) bool
	visit = func(id string) bool {
		colors[id] = 1

		for _, depID := range g.edges[id] {
			switch colors[depID] {
			case 1:
				// Found a back edge.
				return true
			case 0:
				if visit(depID) {
					return true
				}
			}
		}

		colors[id] = 2
		return false
	}

	for id := range g.nodes {
		if colors[id] == 0 {
			if visit(id) {
				hasCycle = true
				break
			}
		}
	}
	return hasCycle
}

// TopologicalSort returns task IDs in an order where all dependencies
// come before the tasks that depend on them.
func (g *DependencyGraph) TopologicalSort() ([]string, error) {
	if g.HasCycle() {
		return nil, ErrCycleDetected
	}

	visited := make(map[string]bool)
	var result []string

	var visit func(id string)
	visit = func(id string) {
		if visited[id] {
			return
		}
		visited[id] = true
		for _, depID := range g.edges[id] {
			visit(depID)
		}
		result = append(result, id)
	}

	// Deterministic traversal order.
	ids := make([]string, 0, len(g.nodes))
	for id := range g.nodes {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return g.nodes[ids[i]].Seq < g.nodes[ids[j]].Seq })
	for _, id := range ids {
		visit(id)
	}
	return result, nil
}

// Ready returns pending tasks whose dependencies are all done, in
// ascending task sequence order. Simultaneously unblocked tasks always
// come back in the same order.
func (g *DependencyGraph) Ready() []*models.Task {
	var ready []*models.Task

	for id, task := range g.nodes {
		if g.done[id] || task.Status != models.TaskStatusPending {
			continue
		}
		blocked := false
		for _, depID := range g.edges[id] {
			if !g.done[depID] {
				blocked = true
				break
			}
		}
		if !blocked {
			ready = append(ready, task)
		}
	}

	sort.Slice(ready, func(i, j int) bool { return ready[i].Seq < ready[j].Seq })
	return ready
}

// MarkDone marks a task as completed in the graph.
func (g *DependencyGraph) MarkDone(taskID string) {
	g.done[taskID] = true
}

// IsDone returns true if the task has been marked complete.
func (g *DependencyGraph) IsDone(taskID string) bool {
	return g.done[taskID]
}

// Get returns the task for a given ID, or nil if not found.
func (g *DependencyGraph) Get(taskID string) *models.Task {
	return g.nodes[taskID]
}

// Size returns the number of tasks in the graph.
func (g *DependencyGraph) Size() int {
	return len(g.nodes)
}

// Dependencies returns the IDs of tasks the given task depends on.
func (g *DependencyGraph) Dependencies(taskID string) []string {
	return g.edges[taskID]
}

// Dependents returns the IDs of tasks that depend on the given task.
func (g *DependencyGraph) Dependents(taskID string) []string {
	var dependents []string
	for id, deps := range g.edges {
		for _, depID := range deps {
			if depID == taskID {
				dependents = append(dependents, id)
				break
			}
		}
	}
	sort.Slice(dependents, func(i, j int) bool {
		return g.nodes[dependents[i]].Seq < g.nodes[dependents[j]].Seq
	})
	return dependents
}

// Retarget replaces an edge from taskID to oldDep with one to newDep,
// updating the task's DependsOn to match.
func (g *DependencyGraph) Retarget(taskID, oldDep, newDep string) {
	for i, depID := range g.edges[taskID] {
		if depID == oldDep {
			g.edges[taskID][i] = newDep
		}
	}
	task := g.nodes[taskID]
	if task == nil {
		return
	}
	for i, depID := range task.DependsOn {
		if depID == oldDep {
			task.DependsOn[i] = newDep
		}
	}
}

// Tasks returns every task in the graph in ascending sequence order.
func (g *DependencyGraph) Tasks() []*models.Task {
	out := make([]*models.Task, 0, len(g.nodes))
	for _, task := range g.nodes {
		out = append(out, task)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out
}
