// Package registry manages agent registration and instance creation.
// Agents are registered explicitly at startup via builders; the registry
// guarantees at most one live instance per key.
package registry

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/skovlund/maestro/internal/agent"
	"github.com/skovlund/maestro/pkg/models"
)

// ErrUnknownAgent indicates a key with no registered builder.
var ErrUnknownAgent = errors.New("unknown agent key")

// ErrAlreadyRegistered indicates a duplicate registration for a key.
var ErrAlreadyRegistered = errors.New("agent already registered")

// ErrDependencyCycle indicates the metadata dependency graph is cyclic.
var ErrDependencyCycle = errors.New("circular agent dependency")

// Builder constructs an agent instance on demand. configOverride replaces
// the agent's default configuration when non-nil.
type Builder struct {
	// Metadata describes the agent being registered. Name is required.
	Metadata models.AgentMetadata
	// New constructs the instance. Required.
	New func(configOverride map[string]any) (agent.Agent, error)
}

// Key derives the registry key from an agent name: lowercased, with spaces
// and hyphens collapsed to underscores.
func Key(name string) string {
	key := strings.ToLower(strings.TrimSpace(name))
	key = strings.ReplaceAll(key, " ", "_")
	key = strings.ReplaceAll(key, "-", "_")
	return key
}

// Registry holds agent builders, their metadata, and cached instances.
// Metadata is immutable once registered and owned by the registry for the
// process lifetime.
type Registry struct {
	mu        sync.RWMutex
	builders  map[string]Builder
	metadata  map[string]models.AgentMetadata
	instances map[string]agent.Agent
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		builders:  make(map[string]Builder),
		metadata:  make(map[string]models.AgentMetadata),
		instances: make(map[string]agent.Agent),
	}
}

// Register adds a builder and returns the derived agent key.
// Registration is explicit and happens once at startup; a duplicate key is
// a configuration bug and is rejected.
func (r *Registry) Register(b Builder) (string, error) {
	if b.Metadata.Name == "" {
		return "", fmt.Errorf("register agent: metadata name is required")
	}
	if b.New == nil {
		return "", fmt.Errorf("register agent %s: builder func is required", b.Metadata.Name)
	}

	key := Key(b.Metadata.Name)

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.builders[key]; exists {
		return "", fmt.Errorf("%w: %s", ErrAlreadyRegistered, key)
	}
	r.builders[key] = b
	r.metadata[key] = b.Metadata
	return key, nil
}

// Create returns the instance for a key, building it on first use.
// Subsequent calls return the cached instance regardless of configOverride:
// this is a deliberate at-most-one-instance-per-key guarantee, not general
// memoization.
func (r *Registry) Create(key string, configOverride map[string]any) (agent.Agent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if inst, ok := r.instances[key]; ok {
		return inst, nil
	}

	b, ok := r.builders[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s (available: %s)", ErrUnknownAgent, key, strings.Join(r.keysLocked(), ", "))
	}

	inst, err := b.New(configOverride)
	if err != nil {
		return nil, fmt.Errorf("create agent %s: %w", key, err)
	}
	r.instances[key] = inst
	return inst, nil
}

// Get returns an existing instance, or nil if none has been created.
func (r *Registry) Get(key string) agent.Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.instances[key]
}

// Metadata returns the registered metadata for a key.
func (r *Registry) Metadata(key string) (models.AgentMetadata, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	meta, ok := r.metadata[key]
	return meta, ok
}

// AvailableAgents returns a copy of all registered metadata by key.
func (r *Registry) AvailableAgents() map[string]models.AgentMetadata {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]models.AgentMetadata, len(r.metadata))
	for k, v := range r.metadata {
		out[k] = v
	}
	return out
}

// AgentsByConfigType returns the keys of agents using the given profile.
func (r *Registry) AgentsByConfigType(ct models.ConfigType) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var keys []string
	for key, meta := range r.metadata {
		if meta.ConfigType == ct {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys
}

// Keys returns all registered keys, sorted.
func (r *Registry) Keys() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.keysLocked()
}

func (r *Registry) keysLocked() []string {
	keys := make([]string, 0, len(r.builders))
	for k := range r.builders {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// ValidateDependencies checks every agent's declared metadata dependencies
// (human-readable names, distinct from the pipeline's structural depends_on)
// against the registered keys. It reports all gaps as key -> missing names
// without aborting; the result is diagnostic, not enforcement.
func (r *Registry) ValidateDependencies() map[string][]string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	issues := make(map[string][]string)
	for key, meta := range r.metadata {
		var missing []string
		for _, dep := range meta.Dependencies {
			if _, ok := r.builders[Key(dep)]; !ok {
				missing = append(missing, dep)
			}
		}
		if len(missing) > 0 {
			issues[key] = missing
		}
	}
	return issues
}

// DependencyOrder returns agent keys sorted so that every agent's metadata
// dependencies come before it. The walk is an iterative depth-first search
// with a recursion-guard set; a back-edge means a cycle and fails naming
// the offending key. Unregistered dependency names are skipped, matching
// ValidateDependencies' advisory role.
func (r *Registry) DependencyOrder() ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	const (
		white = 0 // unvisited
		gray  = 1 // on the current DFS path
		black = 2 // done
	)
	colors := make(map[string]int, len(r.builders))
	var order []string

	// frame tracks one node's remaining dependency list.
	type frame struct {
		key  string
		deps []string
		next int
	}

	depsOf := func(key string) []string {
		var deps []string
		for _, dep := range r.metadata[key].Dependencies {
			depKey := Key(dep)
			if _, ok := r.builders[depKey]; ok {
				deps = append(deps, depKey)
			}
		}
		return deps
	}

	for _, root := range r.keysLocked() {
		if colors[root] != white {
			continue
		}

		stack := []frame{{key: root, deps: depsOf(root)}}
		colors[root] = gray

		for len(stack) > 0 {
			top := &stack[len(stack)-1]

			if top.next < len(top.deps) {
				dep := top.deps[top.next]
				top.next++

				switch colors[dep] {
				case gray:
					return nil, fmt.Errorf("%w involving %s", ErrDependencyCycle, dep)
				case white:
					colors[dep] = gray
					stack = append(stack, frame{key: dep, deps: depsOf(dep)})
				}
				continue
			}

			colors[top.key] = black
			order = append(order, top.key)
			stack = stack[:len(stack)-1]
		}
	}

	return order, nil
}

// ClearInstances drops all cached instances; builders stay registered.
func (r *Registry) ClearInstances() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.instances = make(map[string]agent.Agent)
}

// Stats summarizes registry contents.
type Stats struct {
	RegisteredAgents int `json:"registered_agents"`
	CachedInstances  int `json:"cached_instances"`
	ConfigTypes      int `json:"config_types"`
}

// GetStats returns a snapshot of registry contents.
func (r *Registry) GetStats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make(map[models.ConfigType]bool)
	for _, meta := range r.metadata {
		types[meta.ConfigType] = true
	}
	return Stats{
		RegisteredAgents: len(r.builders),
		CachedInstances:  len(r.instances),
		ConfigTypes:      len(types),
	}
}
