// Package registry tracks registered agents and enforces their
// lifecycle state machine.
package registry

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/devpilot/devpilot/pkg/models"
)

// ErrInvalidTransition indicates a state change the lifecycle state
// machine does not allow.
var ErrInvalidTransition = errors.New("invalid state transition")

// ErrNotRegistered indicates an operation on an unknown agent ID.
var ErrNotRegistered = errors.New("agent not registered")

// transitions is the full lifecycle state machine. Any (from, to) pair
// not listed here is rejected.
var transitions = map[models.AgentState][]models.AgentState{
	models.AgentIdle:      {models.AgentWorking},
	models.AgentWorking:   {models.AgentReviewing, models.AgentCompleted, models.AgentError},
	models.AgentReviewing: {models.AgentCompleted, models.AgentWorking},
	models.AgentCompleted: {models.AgentWorking},
	models.AgentError:     {models.AgentWorking, models.AgentBlocked},
	models.AgentBlocked:   {models.AgentIdle},
}

// CanTransition reports whether the lifecycle allows moving from one
// state to another.
func CanTransition(from, to models.AgentState) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// AgentRegistry is the thread-safe directory of agents, keyed by ID and
// indexed by capability in registration order.
type AgentRegistry struct {
	mu sync.RWMutex
	// agents maps agent ID to its record.
	agents map[string]*models.Agent
	// byCapability lists agent IDs per capability in registration order.
	byCapability map[models.Capability][]string
}

// NewAgentRegistry creates an empty registry.
func NewAgentRegistry() *AgentRegistry {
	return &AgentRegistry{
		agents:       make(map[string]*models.Agent),
		byCapability: make(map[models.Capability][]string),
	}
}

// Register adds an agent in the idle state. Duplicate IDs and unknown
// capabilities are rejected.
func (r *AgentRegistry) Register(id, name string, capability models.Capability) error {
	if !capability.Valid() {
		return fmt.Errorf("register agent %s: unknown capability %q", id, capability)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.agents[id]; exists {
		return fmt.Errorf("agent %s already registered", id)
	}
	r.agents[id] = &models.Agent{
		ID:           id,
		Name:         name,
		Capability:   capability,
		State:        models.AgentIdle,
		RegisteredAt: time.Now().UTC(),
	}
	r.byCapability[capability] = append(r.byCapability[capability], id)
	return nil
}

// Unregister removes an agent from the registry.
func (r *AgentRegistry) Unregister(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.agents[id]
	if !ok {
		return
	}
	delete(r.agents, id)
	list := r.byCapability[a.Capability]
	for i, cur := range list {
		if cur == id {
			r.byCapability[a.Capability] = append(list[:i], list[i+1:]...)
			break
		}
	}
}

// Get returns a copy of the agent record.
func (r *AgentRegistry) Get(id string) (models.Agent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.agents[id]
	if !ok {
		return models.Agent{}, fmt.Errorf("get agent %s: %w", id, ErrNotRegistered)
	}
	return *a, nil
}

// Lookup returns the IDs of agents with the given capability in
// registration order.
func (r *AgentRegistry) Lookup(capability models.Capability) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.byCapability[capability]...)
}

// Available returns the IDs of agents with the given capability that
// can accept work, in registration order.
func (r *AgentRegistry) Available(capability models.Capability) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []string
	for _, id := range r.byCapability[capability] {
		switch r.agents[id].State {
		case models.AgentIdle, models.AgentCompleted:
			out = append(out, id)
		}
	}
	return out
}

// UpdateState moves an agent to the next lifecycle state. Disallowed
// transitions return ErrInvalidTransition and leave the agent unchanged.
func (r *AgentRegistry) UpdateState(id string, next models.AgentState) error {
	if !next.Valid() {
		return fmt.Errorf("agent %s: unknown state %q", id, next)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.agents[id]
	if !ok {
		return fmt.Errorf("update agent %s: %w", id, ErrNotRegistered)
	}
	if !CanTransition(a.State, next) {
		return fmt.Errorf("agent %s: %s -> %s: %w", id, a.State, next, ErrInvalidTransition)
	}
	a.State = next
	if next != models.AgentWorking && next != models.AgentReviewing {
		a.CurrentTask = ""
	}
	return nil
}

// SetCurrentTask records the task an agent is working on.
func (r *AgentRegistry) SetCurrentTask(id, taskID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.agents[id]
	if !ok {
		return fmt.Errorf("set task for agent %s: %w", id, ErrNotRegistered)
	}
	a.CurrentTask = taskID
	return nil
}

// AddMetrics bumps an agent's execution counters.
func (r *AgentRegistry) AddMetrics(id string, completed, failed, sent int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.agents[id]
	if !ok {
		return
	}
	a.Metrics.TasksCompleted += completed
	a.Metrics.TasksFailed += failed
	a.Metrics.MessagesSent += sent
}

// All returns copies of every agent record in registration order per
// capability, capabilities in pipeline order.
func (r *AgentRegistry) All() []models.Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []models.Agent
	for _, c := range models.AllCapabilities() {
		for _, id := range r.byCapability[c] {
			out = append(out, *r.agents[id])
		}
	}
	return out
}

// Count returns the number of registered agents.
func (r *AgentRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.agents)
}
