package gate

import (
	"errors"
	"fmt"
	"sync"
)

// ErrUnknownGate is returned when no gate is registered under a key.
var ErrUnknownGate = errors.New("unknown gate")

// ErrInvalidGate is returned when a gate definition fails validation.
var ErrInvalidGate = errors.New("invalid gate definition")

// Registry holds gate definitions keyed by gate key.
type Registry struct {
	mu    sync.RWMutex
	gates map[string]Gate
}

func NewRegistry() *Registry {
	return &Registry{gates: make(map[string]Gate)}
}

// Put registers or replaces a gate definition.
func (r *Registry) Put(g Gate) error {
	if g.Key == "" {
		return fmt.Errorf("%w: gate key required", ErrInvalidGate)
	}
	if g.Type == "" {
		return fmt.Errorf("%w: gate %q: gate type required", ErrInvalidGate, g.Key)
	}
	if g.Mode == "" {
		g.Mode = ModeBlocking
	}
	if g.Mode != ModeBlocking && g.Mode != ModeMonitoring {
		return fmt.Errorf("%w: gate %q: enforcement mode %q", ErrInvalidGate, g.Key, g.Mode)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.gates[g.Key] = g
	return nil
}

// Get returns the gate registered under key.
func (r *Registry) Get(key string) (Gate, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	g, ok := r.gates[key]
	if !ok {
		return Gate{}, fmt.Errorf("%w: %q", ErrUnknownGate, key)
	}
	return g, nil
}

// Keys lists registered gate keys in no particular order.
func (r *Registry) Keys() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	keys := make([]string, 0, len(r.gates))
	for k := range r.gates {
		keys = append(keys, k)
	}
	return keys
}
