// Package registry provides a process-wide registry of cleanup callbacks that
// run once at application logout. It is injected rather than ambient so tests
// can use a fresh registry per case.
package registry

import (
	"sync"

	"github.com/rs/zerolog"
)

// Registry collects cleanup callbacks to run at logout.
type Registry struct {
	log zerolog.Logger

	mu     sync.Mutex
	nextID int
	cbs    map[int]func()
}

// New creates an empty registry.
func New(log zerolog.Logger) *Registry {
	return &Registry{
		log: log,
		cbs: make(map[int]func()),
	}
}

// Register adds a cleanup callback and returns its unregister function.
// Unregistering is idempotent.
func (r *Registry) Register(cb func()) (unregister func()) {
	r.mu.Lock()
	id := r.nextID
	r.nextID++
	r.cbs[id] = cb
	r.mu.Unlock()

	return func() {
		r.mu.Lock()
		delete(r.cbs, id)
		r.mu.Unlock()
	}
}

// Fire invokes every registered callback once. A panicking callback is logged
// and does not stop the remaining callbacks; logout must always complete.
func (r *Registry) Fire() {
	r.mu.Lock()
	cbs := make([]func(), 0, len(r.cbs))
	for _, cb := range r.cbs {
		cbs = append(cbs, cb)
	}
	r.mu.Unlock()

	for _, cb := range cbs {
		r.invoke(cb)
	}
}

func (r *Registry) invoke(cb func()) {
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Error().Interface("panic", rec).Msg("logout cleanup callback panicked")
		}
	}()
	cb()
}

// Len reports the number of registered callbacks.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.cbs)
}
