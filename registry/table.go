// Package registry implements the CID/SID/IOID lookup tables spec.md
// §4.7 calls the Channel & Request Registry: atomic id allocation,
// register/unregister, and idempotent destroy so a CANCEL racing a
// server-side completion never double-frees or panics. Grounded on the
// same map+mutex registry-by-key shape as serialize.Registry (in turn
// patterned on the teacher's xact/xreg entries type), parameterized
// over the value type since the three namespaces (channel, server
// channel, operation) differ only in what they store.
package registry

import (
	"sync"

	"github.com/pvaccess-go/pva/cmn/cos"
)

// Table is a concurrency-safe id -> value map with monotonic id
// allocation. The zero id is never handed out by Alloc so it can serve
// as a "no id" sentinel in callers that need one.
type Table[V any] struct {
	mu   sync.RWMutex
	m    map[uint32]V
	next uint32
}

func NewTable[V any]() *Table[V] {
	return &Table[V]{m: make(map[uint32]V, 64), next: 1}
}

// Alloc assigns a fresh id to v and registers it.
func (t *Table[V]) Alloc(v V) uint32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	id := t.next
	t.next++
	t.m[id] = v
	return id
}

// Register inserts v under an id chosen by the caller (e.g. a
// client-supplied CID), failing if that id is already in use.
func (t *Table[V]) Register(id uint32, v V) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.m[id]; exists {
		return cos.Status{Kind: cos.KindBadCID, Message: "id already registered"}
	}
	t.m[id] = v
	return nil
}

func (t *Table[V]) Lookup(id uint32) (v V, ok bool) {
	t.mu.RLock()
	v, ok = t.m[id]
	t.mu.RUnlock()
	return
}

// Unregister removes id if present and reports whether it was. It is
// intentionally not an error to unregister a missing id: destroy is
// idempotent, since a CANCEL can race a server-driven completion that
// already removed the same entry.
func (t *Table[V]) Unregister(id uint32) (v V, ok bool) {
	t.mu.Lock()
	v, ok = t.m[id]
	if ok {
		delete(t.m, id)
	}
	t.mu.Unlock()
	return
}

func (t *Table[V]) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.m)
}

// Each calls fn for every live entry. fn must not call back into the
// Table (Register/Unregister) while holding the supplied lock.
func (t *Table[V]) Each(fn func(id uint32, v V)) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for id, v := range t.m {
		fn(id, v)
	}
}
