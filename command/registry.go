// Package command maps command names to the handlers that serve them.
//
// A Registry may be private to one connection or shared by every connection
// a server accepts. Reserved command names are rejected by the layers that
// own a Registry, not here.
package command

import "sync"

// Entry is a registered command. Handler is opaque to the registry so that
// the endpoint package can define its own handler signature.
type Entry[H any] struct {
	Handler         H
	AllowPeerToPeer bool // May be invoked through a server relay
}

// Registry is a goroutine-safe name → Entry map.
type Registry[H any] struct {
	mu       sync.RWMutex
	commands map[string]Entry[H]
}

func NewRegistry[H any]() *Registry[H] {
	return &Registry[H]{commands: make(map[string]Entry[H])}
}

// Implement inserts or overwrites the handler for name.
func (r *Registry[H]) Implement(name string, handler H, allowPeerToPeer bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.commands[name] = Entry[H]{Handler: handler, AllowPeerToPeer: allowPeerToPeer}
}

// Lookup returns the entry for name.
func (r *Registry[H]) Lookup(name string) (Entry[H], bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.commands[name]
	return e, ok
}

// Len returns the number of registered commands.
func (r *Registry[H]) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.commands)
}
