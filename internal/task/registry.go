package task

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// Factory returns a zero task ready to have its fields decoded into.
type Factory func() Task

// Registry maps task names to factories so the executing side can rebuild a
// task from its wire form.
// Thread-safe: all methods may be called concurrently.
type Registry struct {
	factories map[string]Factory
	mu        sync.RWMutex
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register installs f under the name its tasks report in Info.
// Registering a name twice is an error.
//
// Example:
//
//	reg := task.NewRegistry()
//	if err := reg.Register(func() task.Task { return &SetProperty{} }); err != nil {
//	    return err
//	}
func (r *Registry) Register(f Factory) error {
	if f == nil {
		return errors.New("factory cannot be nil")
	}
	name := f().Info().Name
	if name == "" {
		return errors.New("task name cannot be empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.factories[name]; exists {
		return fmt.Errorf("task %q already registered", name)
	}
	r.factories[name] = f
	return nil
}

// New builds a fresh task for name.
func (r *Registry) New(name string) (Task, error) {
	r.mu.RLock()
	f, ok := r.factories[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTask, name)
	}
	return f(), nil
}

// Names lists registered task names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
