// Package automation runs agents for automated workflow steps: it keeps the
// set of named agents, guards each with a circuit breaker, retries transient
// failures with exponential backoff and classifies the final outcome.
package automation

import (
	"fmt"
	"sort"
	"sync"

	"github.com/pitabwire/rcmflow/model"
)

// Registry stores named agents and provides lookup by name. It is safe for
// concurrent use after initial registration.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]model.Agent
}

// NewRegistry creates a new empty agent registry.
func NewRegistry() *Registry {
	return &Registry{
		agents: make(map[string]model.Agent),
	}
}

// Register adds an agent under its Name(). Panics if an agent with the same
// name is already registered, since this indicates a wiring mistake at
// startup.
func (r *Registry) Register(agent model.Agent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	name := agent.Name()
	if _, exists := r.agents[name]; exists {
		panic(fmt.Sprintf("automation: agent %q already registered", name))
	}
	r.agents[name] = agent
}

// Get returns the agent registered under name.
func (r *Registry) Get(name string) (model.Agent, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.agents[name]
	return a, ok
}

// Names returns all registered agent names, sorted alphabetically.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.agents))
	for name := range r.agents {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
