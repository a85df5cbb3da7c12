// ABOUTME: Thread-safe registry mapping job class names to their definitions.
// ABOUTME: Workers resolve handlers here at pickup; unknown classes are parked, not dropped.
package job

import (
	"fmt"
	"sync"
)

// Registry is the closed mapping from job class name to Definition,
// populated at startup. Resolution is by exact string key; an unregistered
// class fails loudly rather than falling back to any reflective lookup.
// Safe for concurrent use.
type Registry struct {
	mu   sync.RWMutex
	defs map[string]*Definition
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{defs: make(map[string]*Definition)}
}

// Register adds def to the registry. Registering a nameless or handlerless
// definition, or the same name twice, is a programming error surfaced
// immediately so a misconfigured worker refuses to start.
func (r *Registry) Register(def *Definition) error {
	if def.Name == "" {
		return fmt.Errorf("register job: empty name")
	}
	if def.Handler == nil {
		return fmt.Errorf("register job %q: nil handler", def.Name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.defs[def.Name]; exists {
		return fmt.Errorf("register job %q: already registered", def.Name)
	}
	r.defs[def.Name] = def
	return nil
}

// MustRegister is Register that panics on error. For static startup wiring.
func (r *Registry) MustRegister(def *Definition) {
	if err := r.Register(def); err != nil {
		panic(err)
	}
}

// Resolve returns the definition for the given job class name.
func (r *Registry) Resolve(name string) (*Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.defs[name]
	return def, ok
}

// Names returns all registered job class names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.defs))
	for name := range r.defs {
		names = append(names, name)
	}
	return names
}
