// Package serialize implements the per-transport introspection-type
// registry (spec.md §4.4): each Field a peer has already been shown is
// cached under a small integer id, so later messages carrying the same
// structure definition can be written as ONLY_ID instead of
// FULL_WITH_ID. Grounded on the map+mutex registry-by-key shape of the
// teacher's xact/xreg package (entries keyed and looked up under a
// single RWMutex, add-if-absent semantics), generalized from xaction
// renewal to introspection-type caching.
package serialize

import (
	"sync"

	"github.com/pvaccess-go/pva/pvdata"
)

// Kind selects how a Field is written/read on the wire.
type Kind uint8

const (
	FullWithID Kind = iota // assigned id, followed by the definition inline
	OnlyID                 // just the id; peer already cached the definition
)

// NullID is the sentinel meaning "no introspection data" (spec.md §4.4).
const NullID int16 = -1

// Registry is one direction's (send or receive) id<->Field cache for a
// single transport. A transport owns two: one for what it has sent,
// one for what it has received.
type Registry struct {
	mu     sync.RWMutex
	byID   map[int16]*pvdata.Field
	byPath map[string]int16
	next   int16
}

func NewRegistry() *Registry {
	return &Registry{
		byID:   make(map[int16]*pvdata.Field, 32),
		byPath: make(map[string]int16, 32),
	}
}

// Lookup resolves a previously-assigned id back to its Field (receive
// side, ONLY_ID decoding).
func (r *Registry) Lookup(id int16) (*pvdata.Field, bool) {
	if id == NullID {
		return nil, false
	}
	r.mu.RLock()
	f, ok := r.byID[id]
	r.mu.RUnlock()
	return f, ok
}

// Assign returns the Kind to write a Field as: FullWithID (with the new
// id to attach) the first time this exact structure signature is seen
// on this transport, OnlyID (with the existing id) every time after.
func (r *Registry) Assign(f *pvdata.Field) (id int16, kind Kind) {
	key := f.String()
	r.mu.Lock()
	defer r.mu.Unlock()
	if id, ok := r.byPath[key]; ok {
		return id, OnlyID
	}
	id = r.next
	r.next++
	r.byID[id] = f
	r.byPath[key] = id
	return id, FullWithID
}

// Remember records a Field decoded off the wire under its announced id
// (receive-side mirror of Assign's bookkeeping, used for FULL_WITH_ID
// frames).
func (r *Registry) Remember(id int16, f *pvdata.Field) {
	r.mu.Lock()
	r.byID[id] = f
	r.byPath[f.String()] = id
	r.mu.Unlock()
}

// Reset discards all cached associations. Called after a transport
// re-authenticates (spec.md §4.10): ids assigned under the old
// security session must not be trusted under the new one.
func (r *Registry) Reset() {
	r.mu.Lock()
	r.byID = make(map[int16]*pvdata.Field, 32)
	r.byPath = make(map[string]int16, 32)
	r.next = 0
	r.mu.Unlock()
}
