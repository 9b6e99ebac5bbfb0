package proxy

import "fmt"

// Registry is the per-connection table of known Interfaces, keyed by
// name. A Context installs one entry per interface it supports during
// protocol setup (spec.md §4.1 step 4: "installed via a protocol-setup
// step before any message is dispatched"), then looks interfaces up
// by name when registry.bind or a core method names the target type.
type Registry struct {
	byName map[string]*Interface
}

// NewRegistry returns an empty interface table.
func NewRegistry() *Registry {
	return &Registry{byName: make(map[string]*Interface)}
}

// Register installs iface under its own Name. It panics on a
// duplicate name: interface vtables are wired once at startup, not at
// runtime, so a collision is a programming error, not a protocol one.
func (r *Registry) Register(iface *Interface) {
	if _, exists := r.byName[iface.Name]; exists {
		panic(fmt.Sprintf("proxy: interface %q already registered", iface.Name))
	}
	r.byName[iface.Name] = iface
}

// Lookup returns the Interface for name, or nil if none is registered.
// Callers (registry.bind handling, global announcement) must treat a
// nil result as "unknown type" and reject the bind rather than panic,
// since the name comes off the wire.
func (r *Registry) Lookup(name string) *Interface {
	return r.byName[name]
}

// Bind constructs a Proxy for a global of the named interface. It
// returns an error rather than a Proxy when the interface is unknown,
// so callers can turn an unrecognized bind target into a dropped
// message instead of a crash (spec.md §4.1's "never fatal" rule
// applies equally to bind targets named by a peer).
func (r *Registry) Bind(id uint32, typeName string, userData any) (*Proxy, error) {
	iface := r.Lookup(typeName)
	if iface == nil {
		return nil, fmt.Errorf("proxy: bind to unknown interface %q", typeName)
	}
	return New(nil, id, iface, userData), nil
}
