// Package graph provides the dependency graph the pipeline executor walks.
package graph

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/anvilworks/anvil/pkg/models"
)

// ErrCycleDetected indicates a circular dependency was found in the task graph.
var ErrCycleDetected = errors.New("circular dependency detected")

// DependencyGraph is a directed acyclic graph of task dependencies.
// Tasks are nodes, and edges represent "blocked by" relationships.
type DependencyGraph struct {
	mu sync.RWMutex
	// nodes maps task ID to the task itself.
	nodes map[string]*models.Task
	// edges maps task ID to IDs of tasks it depends on (is blocked by).
	edges map[string][]string
	// dependents is the reverse of edges, used for failure propagation.
	dependents map[string][]string
	// succeeded tracks which tasks have completed successfully.
	succeeded map[string]bool
	// halted tracks tasks that are terminally failed or skipped.
	halted map[string]bool
	// debugLog is an optional logging function.
	debugLog func(format string, args ...interface{})
}

// New creates a new empty dependency graph.
func New() *DependencyGraph {
	return &DependencyGraph{
		nodes:      make(map[string]*models.Task),
		edges:      make(map[string][]string),
		dependents: make(map[string][]string),
		succeeded:  make(map[string]bool),
		halted:     make(map[string]bool),
		debugLog:   func(format string, args ...interface{}) {},
	}
}

// SetDebugLog sets the debug logging function.
func (g *DependencyGraph) SetDebugLog(fn func(format string, args ...interface{})) {
	if fn != nil {
		g.debugLog = fn
	}
}

// Build constructs the dependency graph from a slice of tasks.
// Returns an error if a cycle is detected or dependencies reference unknown tasks.
func (g *DependencyGraph) Build(tasks []*models.Task) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	// First pass: register all tasks as nodes.
	for _, task := range tasks {
		g.nodes[task.ID] = task
		g.edges[task.ID] = nil
	}

	// Second pass: build edges from DependsOn fields.
	for _, task := range tasks {
		for _, depID := range task.DependsOn {
			if _, exists := g.nodes[depID]; !exists {
				return fmt.Errorf("task %s depends on unknown task %s", task.ID, depID)
			}
			g.edges[task.ID] = append(g.edges[task.ID], depID)
			g.dependents[depID] = append(g.dependents[depID], task.ID)
		}
	}

	if g.hasCycleLocked() {
		return ErrCycleDetected
	}

	g.debugLog("[graph.Build] built graph with %d nodes", len(g.nodes))
	return nil
}

// HasCycle returns true if the graph contains a circular dependency.
// Uses depth-first search with coloring to detect back edges.
func (g *DependencyGraph) HasCycle() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.hasCycleLocked()
}

// hasCycleLocked is the internal implementation that assumes the lock is held.
func (g *DependencyGraph) hasCycleLocked() bool {
	// Color states: 0 = white (unvisited), 1 = gray (in progress), 2 = black (done).
	colors := make(map[string]int)

	var visit func(id string) bool
	visit = func(id string) bool {
		colors[id] = 1

		for _, depID := range g.edges[id] {
			switch colors[depID] {
			case 1:
				// Back edge.
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
				return true
			}
		}
	}
	return false
}

// TopologicalSort returns task IDs in an order where all dependencies
// come before the tasks that depend on them.
// Returns an error if the graph contains a cycle.
func (g *DependencyGraph) TopologicalSort() ([]string, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	if g.hasCycleLocked() {
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

	// Visit nodes in sorted order so the result is deterministic.
	for _, id := range g.sortedIDsLocked() {
		visit(id)
	}
	return result, nil
}

// GetReady returns task IDs whose dependencies have all succeeded and
// that are not themselves terminal. These tasks can run concurrently.
// The result is sorted for deterministic dispatch order.
func (g *DependencyGraph) GetReady() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var ready []string
	for id := range g.nodes {
		if g.succeeded[id] || g.halted[id] {
			continue
		}
		allDepsMet := true
		for _, depID := range g.edges[id] {
			if !g.succeeded[depID] {
				allDepsMet = false
				break
			}
		}
		if allDepsMet {
			ready = append(ready, id)
		}
	}
	sort.Strings(ready)
	return ready
}

// MarkSucceeded records a task as successfully completed, unblocking its
// dependents for subsequent GetReady calls.
func (g *DependencyGraph) MarkSucceeded(taskID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.succeeded[taskID] = true
	g.debugLog("[graph.MarkSucceeded] %s", taskID)
}

// MarkFailed records a task as terminally failed and returns the IDs of
// all transitive dependents, which are marked skipped: a task depending
// on a failed predecessor is never attempted. The returned slice is
// sorted and excludes the failed task itself.
func (g *DependencyGraph) MarkFailed(taskID string) []string {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.halted[taskID] = true

	var skipped []string
	var visit func(id string)
	visit = func(id string) {
		for _, depID := range g.dependents[id] {
			if g.halted[depID] || g.succeeded[depID] {
				continue
			}
			g.halted[depID] = true
			skipped = append(skipped, depID)
			visit(depID)
		}
	}
	visit(taskID)

	sort.Strings(skipped)
	g.debugLog("[graph.MarkFailed] %s skipped dependents: %v", taskID, skipped)
	return skipped
}

// Done returns true once every task is terminal (succeeded, failed, or skipped).
func (g *DependencyGraph) Done() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	for id := range g.nodes {
		if !g.succeeded[id] && !g.halted[id] {
			return false
		}
	}
	return true
}

// SucceededCount returns the number of tasks marked succeeded.
func (g *DependencyGraph) SucceededCount() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.succeeded)
}

// GetTask returns the task for a given ID, or nil if not found.
func (g *DependencyGraph) GetTask(taskID string) *models.Task {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.nodes[taskID]
}

// Size returns the number of tasks in the graph.
func (g *DependencyGraph) Size() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.nodes)
}

// GetDependencies returns the IDs of tasks that the given task depends on.
func (g *DependencyGraph) GetDependencies(taskID string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.edges[taskID]
}

// sortedIDsLocked returns all node IDs sorted. Assumes the lock is held.
func (g *DependencyGraph) sortedIDsLocked() []string {
	ids := make([]string, 0, len(g.nodes))
	for id := range g.nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
