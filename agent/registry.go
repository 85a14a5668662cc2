package agent

import (
	"fmt"
	"sync"

	"github.com/slateworks/slate/fault"
)

// Registry tracks the runtimes of a deployment. It backs the restart
// policy's directory lookups, the director's reassignment search, and
// the HTTP agent listing.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]*Runtime
	order  []string
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{agents: make(map[string]*Runtime)}
}

// Add registers a runtime under its id.
func (g *Registry) Add(rt *Runtime) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	id := rt.ID()
	if _, ok := g.agents[id]; ok {
		return fmt.Errorf("agent %s already registered", id)
	}
	g.agents[id] = rt
	g.order = append(g.order, id)
	return nil
}

// Get returns the runtime with the given id.
func (g *Registry) Get(id string) (*Runtime, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	rt, ok := g.agents[id]
	return rt, ok
}

// Lookup resolves an id for the restart policy.
func (g *Registry) Lookup(id string) (fault.RestartableAgent, bool) {
	rt, ok := g.Get(id)
	if !ok {
		return nil, false
	}
	return rt, true
}

// Remove drops a runtime from the registry.
func (g *Registry) Remove(id string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.agents[id]; !ok {
		return
	}
	delete(g.agents, id)
	for i, have := range g.order {
		if have == id {
			g.order = append(g.order[:i], g.order[i+1:]...)
			break
		}
	}
}

// List snapshots all agents in registration order.
func (g *Registry) List() []Info {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]Info, 0, len(g.order))
	for _, id := range g.order {
		out = append(out, g.agents[id].Info())
	}
	return out
}

// FindByCapability returns the first available agent advertising the
// capability, skipping the excluded id. Prefers idle agents, then any
// running one.
func (g *Registry) FindByCapability(capability, exclude string) (*Runtime, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var fallback *Runtime
	for _, id := range g.order {
		if id == exclude {
			continue
		}
		rt := g.agents[id]
		if !rt.rec.Profile().HasCapability(capability) {
			continue
		}
		if rt.rec.Lifecycle() != LifecycleRunning {
			continue
		}
		switch rt.rec.State() {
		case StateIdle:
			return rt, true
		case StateOffline, StateError:
		default:
			if fallback == nil {
				fallback = rt
			}
		}
	}
	if fallback != nil {
		return fallback, true
	}
	return nil, false
}
