package cliprecorder

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

var (
	// ErrRecorderExists is returned when registering a name twice.
	ErrRecorderExists = errors.New("recorder already registered")

	// ErrRecorderNotFound is returned when looking up an unknown name.
	ErrRecorderNotFound = errors.New("recorder not found")
)

// Registry tracks one recorder per stream name. Lookups and mutations
// are safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	recorders map[string]*Recorder
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{recorders: make(map[string]*Recorder)}
}

// Add registers a recorder under name.
func (g *Registry) Add(name string, r *Recorder) error {
	if name == "" {
		return fmt.Errorf("registry: name is required")
	}
	if r == nil {
		return fmt.Errorf("registry: recorder is required")
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.recorders[name]; ok {
		return fmt.Errorf("registry: %w: %q", ErrRecorderExists, name)
	}
	g.recorders[name] = r
	return nil
}

// Get returns the recorder registered under name.
func (g *Registry) Get(name string) (*Recorder, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	r, ok := g.recorders[name]
	if !ok {
		return nil, fmt.Errorf("registry: %w: %q", ErrRecorderNotFound, name)
	}
	return r, nil
}

// Remove unregisters name without closing the recorder.
func (g *Registry) Remove(name string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.recorders[name]; !ok {
		return fmt.Errorf("registry: %w: %q", ErrRecorderNotFound, name)
	}
	delete(g.recorders, name)
	return nil
}

// Names lists registered stream names in stable order.
func (g *Registry) Names() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	names := make([]string, 0, len(g.recorders))
	for name := range g.recorders {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// CloseAll closes every registered recorder and empties the registry.
// The first close error is returned; remaining recorders are still
// closed.
func (g *Registry) CloseAll() error {
	g.mu.Lock()
	recorders := g.recorders
	g.recorders = make(map[string]*Recorder)
	g.mu.Unlock()

	var first error
	for name, r := range recorders {
		if err := r.Close(); err != nil && first == nil {
			first = fmt.Errorf("registry: close %q: %w", name, err)
		}
	}
	return first
}
