// Package security implements the pluggable authentication model from
// spec.md §4.10: a small named-plugin registry (anonymous, ca) each
// capable of turning a raw connection into a Session carrying an
// Identity, mirroring the create_session / authentication_completed
// contract. Registry shape grounded on the same map+mutex
// registry-by-key pattern as registry.Table and serialize.Registry.
package security

import (
	"fmt"
	"sync"
)

// Identity is what a completed handshake yields: who the peer is and,
// for ca, what roles their certificate grants.
type Identity struct {
	Method string
	Name   string
	Roles  []string
}

// Session is one authentication exchange in progress or completed for
// a single transport.
type Session interface {
	// Process advances the handshake with bytes received from the peer
	// and returns bytes (if any) to send back.
	Process(in []byte) (out []byte, err error)
	// Completed reports whether the handshake has finished
	// successfully; Identity is only valid once this is true.
	Completed() bool
	Identity() Identity
}

// Plugin is a named authentication method a server advertises and a
// client can select (spec.md's AuthNZ negotiation).
type Plugin interface {
	Name() string
	CreateSession(peerAddr string) (Session, error)
}

// Registry is the set of plugins a server offers, in advertisement
// order.
type Registry struct {
	mu    sync.RWMutex
	order []string
	byName map[string]Plugin
}

func NewRegistry() *Registry {
	return &Registry{byName: make(map[string]Plugin, 4)}
}

func (r *Registry) Register(p Plugin) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.byName[p.Name()]; !exists {
		r.order = append(r.order, p.Name())
	}
	r.byName[p.Name()] = p
}

func (r *Registry) Get(name string) (Plugin, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.byName[name]
	return p, ok
}

// Names lists registered plugins in advertisement order, the list a
// server sends in its connection-validation message.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// Default builds the registry every server starts with: anonymous
// only. ca becomes available once the caller Registers a plugin built
// with NewCAPlugin.
func Default() *Registry {
	r := NewRegistry()
	r.Register(NewAnonymousPlugin())
	return r
}

var errUnknownPlugin = fmt.Errorf("security: no plugin registered for that name")

// Select resolves a client-offered plugin name against the registry,
// the step right before CreateSession.
func (r *Registry) Select(name string) (Plugin, error) {
	p, ok := r.Get(name)
	if !ok {
		return nil, errUnknownPlugin
	}
	return p, nil
}
