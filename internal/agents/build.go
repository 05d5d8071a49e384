package agents

import (
	"fmt"
	"sort"

	"github.com/pitabwire/rcmflow/internal/automation"
	"github.com/pitabwire/rcmflow/internal/config"
)

// Build registers the agents selected by cfg. In development mode every
// known agent is served by its fake; endpoints configured with a URL are
// still called over HTTP so a single remote agent can be tried locally. In
// http mode only configured endpoints are registered.
func Build(cfg config.AgentsConfig, registry *automation.Registry) error {
	remote := make(map[string]bool, len(cfg.Endpoints))
	names := make([]string, 0, len(cfg.Endpoints))
	for name := range cfg.Endpoints {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		ep := cfg.Endpoints[name]
		if ep.URL == "" {
			if cfg.Mode == config.AgentsHTTP {
				return fmt.Errorf("agents: endpoint %s has no url", name)
			}
			continue
		}
		registry.Register(NewHTTPAgent(name, ep, cfg.Timeout))
		remote[name] = true
	}

	switch cfg.Mode {
	case config.AgentsDevelopment, "":
		for _, fake := range DevelopmentAgents() {
			if !remote[fake.Name()] {
				registry.Register(fake)
			}
		}
	case config.AgentsHTTP:
	default:
		return fmt.Errorf("agents: unknown mode %q", cfg.Mode)
	}
	return nil
}
