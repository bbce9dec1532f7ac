package agent

import (
	"fmt"
	"sync"

	"github.com/hupe1980/agentrelay/core"
	"github.com/hupe1980/agentrelay/logging"
	"github.com/hupe1980/agentrelay/model"
)

// RegistryOptions configure a Registry.
type RegistryOptions struct {
	Logger logging.Logger
	// ModelFor picks the backend per definition; nil uses the registry default.
	ModelFor func(def Definition) model.Model
	// AgentOptions are applied to every constructed agent.
	AgentOptions []func(o *Options)
}

// Registry owns agent definitions and caches one Agent per identity.
// It is safe for concurrent use and read-mostly once warmed up.
type Registry struct {
	llm  model.Model
	opts RegistryOptions

	defMu sync.RWMutex
	defs  map[string]Definition
	order []string

	mu     sync.RWMutex
	agents map[string]*Agent
}

// NewRegistry creates a registry whose agents use llm unless ModelFor says otherwise.
func NewRegistry(llm model.Model, optFns ...func(o *RegistryOptions)) *Registry {
	opts := RegistryOptions{Logger: logging.NoOpLogger{}}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Registry{
		llm:    llm,
		opts:   opts,
		defs:   make(map[string]Definition),
		agents: make(map[string]*Agent),
	}
}

// Register adds definitions. Identities must be unique.
func (r *Registry) Register(defs ...Definition) error {
	r.defMu.Lock()
	defer r.defMu.Unlock()
	for _, def := range defs {
		if err := def.Validate(); err != nil {
			return err
		}
		if _, exists := r.defs[def.ID]; exists {
			return fmt.Errorf("agent %s already registered", def.ID)
		}
		r.defs[def.ID] = def
		r.order = append(r.order, def.ID)
	}
	return nil
}

// Definition looks up a definition by id, falling back to the first
// definition whose Type matches.
func (r *Registry) Definition(id string) (Definition, bool) {
	r.defMu.RLock()
	defer r.defMu.RUnlock()
	if def, ok := r.defs[id]; ok {
		return def, true
	}
	for _, did := range r.order {
		if def := r.defs[did]; def.Type == id {
			return def, true
		}
	}
	return Definition{}, false
}

// Definitions returns all definitions in registration order.
func (r *Registry) Definitions() []Definition {
	r.defMu.RLock()
	defer r.defMu.RUnlock()
	out := make([]Definition, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.defs[id])
	}
	return out
}

// Specialists returns the specialist definitions in registration order.
func (r *Registry) Specialists() []Definition {
	var out []Definition
	for _, def := range r.Definitions() {
		if !def.IsOrchestrator() {
			out = append(out, def)
		}
	}
	return out
}

// Orchestrator returns the live orchestrator agent.
func (r *Registry) Orchestrator() (*Agent, error) {
	for _, def := range r.Definitions() {
		if def.IsOrchestrator() {
			return r.GetOrCreate(def.ID)
		}
	}
	return nil, fmt.Errorf("%w: no orchestrator registered", core.ErrUnknownAgent)
}

// GetOrCreate returns the cached agent for id or constructs it. Concurrent
// first calls may construct more than once but all callers observe the one
// instance that was published first.
func (r *Registry) GetOrCreate(id string) (*Agent, error) {
	def, ok := r.Definition(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", core.ErrUnknownAgent, id)
	}

	r.mu.RLock()
	a, ok := r.agents[def.ID]
	r.mu.RUnlock()
	if ok {
		return a, nil
	}

	built, err := r.build(def)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.agents[def.ID]; ok {
		return existing, nil
	}
	r.agents[def.ID] = built
	r.opts.Logger.Debug("agent.registry.created", "agent", def.ID)

	return built, nil
}

func (r *Registry) build(def Definition) (*Agent, error) {
	llm := r.llm
	if r.opts.ModelFor != nil {
		if m := r.opts.ModelFor(def); m != nil {
			llm = m
		}
	}

	optFns := make([]func(o *Options), 0, len(r.opts.AgentOptions)+1)
	optFns = append(optFns, func(o *Options) {
		o.Logger = r.opts.Logger
		o.Resolver = r
	})
	optFns = append(optFns, r.opts.AgentOptions...)

	return New(def, llm, optFns...)
}

// Reset drops all cached instances; definitions are kept. Intended for tests.
func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.agents = make(map[string]*Agent)
}

// Cached reports how many live instances the registry holds.
func (r *Registry) Cached() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.agents)
}
