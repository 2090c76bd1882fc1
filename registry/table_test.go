package registry_test

import (
	"testing"

	"github.com/pvaccess-go/pva/registry"
)

func TestAllocAssignsDistinctIDs(t *testing.T) {
	tb := registry.NewTable[string]()
	a := tb.Alloc("a")
	b := tb.Alloc("b")
	if a == b {
		t.Fatalf("Alloc returned duplicate id %d", a)
	}
	if v, ok := tb.Lookup(a); !ok || v != "a" {
		t.Fatalf("Lookup(%d)=(%v,%v)", a, v, ok)
	}
}

func TestRegisterRejectsDuplicate(t *testing.T) {
	tb := registry.NewTable[int]()
	if err := tb.Register(5, 1); err != nil {
		t.Fatal(err)
	}
	if err := tb.Register(5, 2); err == nil {
		t.Fatal("expected error registering duplicate id")
	}
}

func TestUnregisterIsIdempotent(t *testing.T) {
	tb := registry.NewTable[int]()
	id := tb.Alloc(42)
	if _, ok := tb.Unregister(id); !ok {
		t.Fatal("expected first Unregister to find the entry")
	}
	if _, ok := tb.Unregister(id); ok {
		t.Fatal("expected second Unregister to be a no-op, not find a stale entry")
	}
}
