package xstatenet

import (
	"context"
	"sync"
	"time"
)

// ActionContext is the single argument handed to every action, guard, and
// service. For actions, Ctx is the context passed to Start, HandleEvent, or
// Stop, narrowed by any per-action budget; for services it is cancelled when
// the invoking state exits; guards receive a background context that is
// never cancelled. Event is the triggering event; Orchestration carries the
// deferred-send surface and the read-only machine view.
type ActionContext struct {
	Ctx           context.Context
	Event         Event
	Orchestration *OrchestratedContext

	machine *Machine
}

// Get reads a key from the machine's context map.
func (ac *ActionContext) Get(key string) (any, bool) {
	v, ok := ac.machine.contextMap[key]
	return v, ok
}

// Set writes a key in the machine's context map. The map is owned by the
// machine and only ever touched from its consumer goroutine, so no locking
// is required here.
func (ac *ActionContext) Set(key string, val any) {
	ac.machine.contextMap[key] = val
}

// Delete removes a key from the machine's context map.
func (ac *ActionContext) Delete(key string) {
	delete(ac.machine.contextMap, key)
}

// Action mutates machine context and requests sends; it must not block
// longer than its budget nor call into other machines directly.
type Action func(ac *ActionContext) error

// Guard is a pure predicate. An error is treated as false.
type Guard func(ac *ActionContext) (bool, error)

// Service is an invoked asynchronous callable. It runs on its own goroutine
// and must return promptly once ac.Ctx is cancelled.
type Service func(ac *ActionContext) (any, error)

// Registry maps the names a chart references to executable callables.
// Lookups are the only dynamic indirection in the runtime; keys are
// validated against the chart at bind time via Chart.Bind.
type Registry struct {
	mu       sync.RWMutex
	actions  map[string]Action
	guards   map[string]Guard
	services map[string]Service
	delays   map[string]time.Duration
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		actions:  make(map[string]Action),
		guards:   make(map[string]Guard),
		services: make(map[string]Service),
		delays:   make(map[string]time.Duration),
	}
}

// RegisterAction registers a named action, replacing any previous binding.
func (r *Registry) RegisterAction(name string, fn Action) *Registry {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.actions[name] = fn
	return r
}

// RegisterGuard registers a named guard predicate.
func (r *Registry) RegisterGuard(name string, fn Guard) *Registry {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.guards[name] = fn
	return r
}

// RegisterService registers a named invokable service.
func (r *Registry) RegisterService(name string, fn Service) *Registry {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.services[name] = fn
	return r
}

// RegisterDelay registers a named delay duration.
func (r *Registry) RegisterDelay(name string, d time.Duration) *Registry {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.delays[name] = d
	return r
}

// LookupAction returns the named action or nil.
func (r *Registry) LookupAction(name string) Action {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.actions[name]
}

// LookupGuard returns the named guard or nil.
func (r *Registry) LookupGuard(name string) Guard {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.guards[name]
}

// LookupService returns the named service or nil.
func (r *Registry) LookupService(name string) Service {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.services[name]
}

// LookupDelay returns the named delay and whether it exists.
func (r *Registry) LookupDelay(name string) (time.Duration, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.delays[name]
	return d, ok
}
