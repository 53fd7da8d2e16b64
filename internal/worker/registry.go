package worker

import (
	"fmt"
	"sync"
)

// Options configures a runner built from the registry.
type Options struct {
	Command []string
	Env     []string
}

// Factory builds a Runner from options.
type Factory func(opts Options) (Runner, error)

// Registry maps runner kinds to factories, so deployments can swap the
// process worker for an in-process one without touching the executor.
type Registry struct {
	mu        sync.Mutex
	factories map[string]Factory
}

// NewRegistry returns a registry pre-populated with the "process" kind.
func NewRegistry() *Registry {
	r := &Registry{factories: make(map[string]Factory)}
	r.Register("process", func(opts Options) (Runner, error) {
		return NewProcessRunner(opts.Command, opts.Env)
	})
	return r
}

// Register adds or replaces a runner kind.
func (r *Registry) Register(kind string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[kind] = f
}

// New builds a runner of the given kind.
func (r *Registry) New(kind string, opts Options) (Runner, error) {
	r.mu.Lock()
	f, ok := r.factories[kind]
	r.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("unknown worker kind %q", kind)
	}
	return f(opts)
}
