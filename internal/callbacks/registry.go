// Package callbacks tracks which handlers the controller has registered
// with the backend's event dispatcher for the current round.
package callbacks

import (
	"errors"
	"fmt"
	"sync"

	"github.com/render-bridge/bridge/internal/renderer"
)

var ErrAlreadyRegistered = errors.New("callback already registered for event")

// Binding is one registered handler.
type Binding struct {
	Kind    renderer.EventKind
	Owner   string // round id
	Handler renderer.Handler
}

// Registry holds at most one binding per event kind and mirrors every
// change onto the backend dispatcher.
type Registry struct {
	mu       sync.Mutex
	dispatch renderer.Dispatcher
	bindings [renderer.NumEventKinds]*Binding
}

func NewRegistry(d renderer.Dispatcher) *Registry {
	return &Registry{dispatch: d}
}

// Register binds handler to kind on behalf of owner. A second registration
// for the same kind fails until the first is removed.
func (r *Registry) Register(kind renderer.EventKind, owner string, handler renderer.Handler) error {
	if !kind.Valid() {
		return fmt.Errorf("%w: %d", renderer.ErrUnknownEvent, int(kind))
	}
	if handler == nil {
		return fmt.Errorf("nil handler for %s", kind)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if b := r.bindings[kind]; b != nil {
		return fmt.Errorf("%w: %s (owner %s)", ErrAlreadyRegistered, kind, b.Owner)
	}
	if err := r.dispatch.RegisterCallback(kind, handler); err != nil {
		return fmt.Errorf("registering %s callback: %w", kind, err)
	}
	r.bindings[kind] = &Binding{Kind: kind, Owner: owner, Handler: handler}
	return nil
}

// Unregister removes the binding for kind, if any.
func (r *Registry) Unregister(kind renderer.EventKind) {
	if !kind.Valid() {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.unregisterLocked(kind)
}

func (r *Registry) unregisterLocked(kind renderer.EventKind) {
	if r.bindings[kind] == nil {
		return
	}
	r.dispatch.UnregisterCallback(kind)
	r.bindings[kind] = nil
}

// Clear unregisters every binding. Len is 0 afterwards.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for k := range r.bindings {
		r.unregisterLocked(renderer.EventKind(k))
	}
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, b := range r.bindings {
		if b != nil {
			n++
		}
	}
	return n
}

// Lookup returns a copy of the binding for kind.
func (r *Registry) Lookup(kind renderer.EventKind) (Binding, bool) {
	if !kind.Valid() {
		return Binding{}, false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if b := r.bindings[kind]; b != nil {
		return *b, true
	}
	return Binding{}, false
}
