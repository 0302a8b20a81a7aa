// Package local implements the in-process Endpoint registry the PSA's own
// framework presents to discovery: a bag of currently-known Endpoints with
// add/remove observers, modeled on the teacher's allocator.State.KS.Observers
// pattern (consumer/resolver.go's NewResolver: "state.KS.Observers =
// append(state.KS.Observers, r.updateResolutions)") but scoped to a flat
// Endpoint set rather than a full Etcd KeySpace, since local discovery never
// talks to Etcd.
package local

import (
	"sync"

	"go.psa.dev/core/endpoint"
)

// Registry tracks Endpoints registered by the local framework (service
// registration in spec §4.4's terms) and fans out add/remove events to
// observers, typically a psa.PSA's AddSubscription/AddPublication /
// RemoveSubscription/RemovePublication methods.
type Registry struct {
	mu        sync.Mutex
	endpoints map[string]endpoint.Endpoint // keyed by endpoint.ID()

	onAdd    []func(endpoint.Endpoint)
	onRemove []func(endpoint.Endpoint)
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{endpoints: make(map[string]endpoint.Endpoint)}
}

// OnAdd registers an observer invoked synchronously on every Register
// call, including one that replaces an already-tracked endpoint ID.
func (r *Registry) OnAdd(fn func(endpoint.Endpoint)) { r.onAdd = append(r.onAdd, fn) }

// OnRemove registers an observer invoked synchronously whenever Unregister
// removes a tracked endpoint.
func (r *Registry) OnRemove(fn func(endpoint.Endpoint)) { r.onRemove = append(r.onRemove, fn) }

// Register adds or replaces ep in the registry and notifies OnAdd
// observers, mirroring a bundle's service registration event.
func (r *Registry) Register(ep endpoint.Endpoint) {
	r.mu.Lock()
	r.endpoints[ep.ID()] = ep
	var observers = append([]func(endpoint.Endpoint){}, r.onAdd...)
	r.mu.Unlock()

	for _, fn := range observers {
		fn(ep)
	}
}

// Unregister removes the endpoint with id, if present, and notifies
// OnRemove observers.
func (r *Registry) Unregister(id string) {
	r.mu.Lock()
	ep, ok := r.endpoints[id]
	if ok {
		delete(r.endpoints, id)
	}
	var observers = append([]func(endpoint.Endpoint){}, r.onRemove...)
	r.mu.Unlock()

	if !ok {
		return
	}
	for _, fn := range observers {
		fn(ep)
	}
}

// Get returns the tracked endpoint for id, if any.
func (r *Registry) Get(id string) (endpoint.Endpoint, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ep, ok := r.endpoints[id]
	return ep, ok
}

// List returns a snapshot of all currently-registered endpoints.
func (r *Registry) List() []endpoint.Endpoint {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out = make([]endpoint.Endpoint, 0, len(r.endpoints))
	for _, ep := range r.endpoints {
		out = append(out, ep)
	}
	return out
}
