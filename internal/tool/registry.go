package tool

import (
	"fmt"
	"sort"
	"sync"
)

// Registry is the single source of truth for which tools exist.
// Registration is a boot-time operation; tools are never removed.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register adds a tool under id.
func (r *Registry) Register(id string, t Tool) error {
	if id == "" {
		return fmt.Errorf("register tool: empty id")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tools[id]; ok {
		return fmt.Errorf("register %s: %w", id, ErrDuplicateTool)
	}
	r.tools[id] = t
	return nil
}

// Get returns the tool registered under id.
func (r *Registry) Get(id string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[id]
	return t, ok
}

// List returns all tool definitions sorted by id.
func (r *Registry) List() []Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]Definition, 0, len(r.tools))
	for id, t := range r.tools {
		defs = append(defs, Definition{
			ID:          id,
			Description: t.Description(),
			Schema:      t.Schema(),
		})
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].ID < defs[j].ID })
	return defs
}
