// Package graph resolves a pipeline definition into a validated dependency
// graph and computes its parallel-eligible execution order.
package graph

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/skovlund/maestro/pkg/models"
)

// ErrCycleDetected indicates a circular dependency was found between steps.
var ErrCycleDetected = errors.New("circular dependency detected")

// ErrUnknownDependency indicates a step depends on a key that is not defined.
var ErrUnknownDependency = errors.New("unknown dependency")

// ErrDuplicateStep indicates the same agent key appears more than once.
var ErrDuplicateStep = errors.New("duplicate step")

// ExecutionGroup is a set of agent keys with no unresolved dependency against
// the steps scheduled before it. Members of one group may run concurrently;
// members of different groups never do.
type ExecutionGroup []string

// PipelineGraph is a directed acyclic graph of pipeline steps.
// Nodes are steps, and edges represent "blocked by" relationships.
type PipelineGraph struct {
	mu sync.RWMutex
	// nodes maps agent key to its step definition.
	nodes map[string]models.StepDefinition
	// edges maps agent key to the keys it depends on.
	edges map[string][]string
	// order preserves declaration order for stable iteration.
	order []string
	// debugLog is an optional logging function.
	debugLog func(format string, args ...interface{})
}

// New creates a new empty pipeline graph.
func New() *PipelineGraph {
	return &PipelineGraph{
		nodes:    make(map[string]models.StepDefinition),
		edges:    make(map[string][]string),
		debugLog: func(format string, args ...interface{}) {}, // no-op by default
	}
}

// SetDebugLog sets the debug logging function.
func (g *PipelineGraph) SetDebugLog(fn func(format string, args ...interface{})) {
	if fn != nil {
		g.debugLog = fn
	}
}

// Build constructs the graph from a pipeline definition.
// It fails on duplicate agent keys, dependencies on undefined keys, and
// cycles. Validation happens here, at load time, never at run time.
func (g *PipelineGraph) Build(def *models.PipelineDefinition) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.debugLog("[graph.Build] building graph from %d steps", len(def.Steps))

	// First pass: register all steps as nodes.
	for _, step := range def.Steps {
		if _, exists := g.nodes[step.AgentKey]; exists {
			return fmt.Errorf("%w: %s", ErrDuplicateStep, step.AgentKey)
		}
		g.nodes[step.AgentKey] = step
		g.edges[step.AgentKey] = nil
		g.order = append(g.order, step.AgentKey)
	}

	// Second pass: build edges from DependsOn fields.
	for _, step := range def.Steps {
		for _, dep := range step.DependsOn {
			if _, exists := g.nodes[dep]; !exists {
				return fmt.Errorf("step %s: %w: %s", step.AgentKey, ErrUnknownDependency, dep)
			}
			g.edges[step.AgentKey] = append(g.edges[step.AgentKey], dep)
		}
	}

	g.debugLog("[graph.Build] final edges map: %v", g.edges)

	if key, cyclic := g.findCycleLocked(); cyclic {
		return fmt.Errorf("%w involving step %s", ErrCycleDetected, key)
	}

	g.debugLog("[graph.Build] graph built successfully with %d nodes", len(g.nodes))
	return nil
}

// HasCycle returns true if the graph contains a circular dependency.
// Uses depth-first search with coloring to detect back edges.
func (g *PipelineGraph) HasCycle() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	_, cyclic := g.findCycleLocked()
	return cyclic
}

// findCycleLocked runs the DFS cycle check and reports one key on a cycle.
// Caller must hold the lock.
func (g *PipelineGraph) findCycleLocked() (string, bool) {
	// Color states: 0 = white (unvisited), 1 = gray (in progress), 2 = black (done).
	colors := make(map[string]int, len(g.nodes))

	var offender string
	var visit func(key string) bool
	visit = func(key string) bool {
		colors[key] = 1 // Mark as in progress.

		for _, dep := range g.edges[key] {
			switch colors[dep] {
			case 1:
				// Found a back edge - cycle detected.
				offender = dep
				return true
			case 0:
				if visit(dep) {
					return true
				}
			}
			// color == 2 means already processed, skip.
		}

		colors[key] = 2 // Mark as done.
		return false
	}

	for _, key := range g.order {
		if colors[key] == 0 {
			if visit(key) {
				return offender, true
			}
		}
	}
	return "", false
}

// ExecutionGroups computes the ordered execution groups using iterative
// topological layering: each pass collects every not-yet-scheduled step whose
// remaining dependencies are all satisfied into one group, then removes those
// keys from the remaining dependency sets. Group membership is deterministic;
// members are sorted so logs stay stable, but callers must not rely on a
// particular order within a group.
func (g *PipelineGraph) ExecutionGroups() ([]ExecutionGroup, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	remaining := make(map[string]map[string]bool, len(g.nodes))
	for key, deps := range g.edges {
		set := make(map[string]bool, len(deps))
		for _, dep := range deps {
			set[dep] = true
		}
		remaining[key] = set
	}

	var groups []ExecutionGroup
	for len(remaining) > 0 {
		var ready ExecutionGroup
		for _, key := range g.order {
			deps, ok := remaining[key]
			if ok && len(deps) == 0 {
				ready = append(ready, key)
			}
		}

		if len(ready) == 0 {
			// The cycle check in Build should have caught this already.
			return nil, fmt.Errorf("%w: cannot resolve remaining steps", ErrUnknownDependency)
		}
		sort.Strings(ready)

		for _, key := range ready {
			delete(remaining, key)
		}
		for _, deps := range remaining {
			for _, key := range ready {
				delete(deps, key)
			}
		}

		groups = append(groups, ready)
	}

	g.debugLog("[graph.ExecutionGroups] computed %d groups: %v", len(groups), groups)
	return groups, nil
}

// Step returns the step definition for a given key, or nil if not found.
func (g *PipelineGraph) Step(key string) *models.StepDefinition {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if step, ok := g.nodes[key]; ok {
		return &step
	}
	return nil
}

// Size returns the number of steps in the graph.
func (g *PipelineGraph) Size() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.nodes)
}

// Dependencies returns the keys of steps the given step depends on.
func (g *PipelineGraph) Dependencies(key string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.edges[key]
}

// Dependents returns the keys of steps that depend on the given step.
func (g *PipelineGraph) Dependents(key string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var dependents []string
	for _, candidate := range g.order {
		for _, dep := range g.edges[candidate] {
			if dep == key {
				dependents = append(dependents, candidate)
				break
			}
		}
	}
	return dependents
}
