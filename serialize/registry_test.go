package serialize_test

import (
	"testing"

	"github.com/pvaccess-go/pva/pvdata"
	"github.com/pvaccess-go/pva/serialize"
)

func TestAssignFirstTimeIsFullWithID(t *testing.T) {
	r := serialize.NewRegistry()
	f := pvdata.NewScalar("value", pvdata.TypeDouble)

	id, kind := r.Assign(f)
	if kind != serialize.FullWithID {
		t.Fatalf("kind=%v, want FullWithID", kind)
	}

	id2, kind2 := r.Assign(f)
	if kind2 != serialize.OnlyID || id2 != id {
		t.Fatalf("second Assign=(%d,%v), want (%d, OnlyID)", id2, kind2, id)
	}
}

func TestLookupAfterRemember(t *testing.T) {
	r := serialize.NewRegistry()
	f := pvdata.NewScalar("alarm", pvdata.TypeInt)
	r.Remember(3, f)

	got, ok := r.Lookup(3)
	if !ok || got != f {
		t.Fatalf("Lookup(3)=(%v,%v)", got, ok)
	}
	if _, ok := r.Lookup(serialize.NullID); ok {
		t.Fatal("NullID must never resolve")
	}
}

func TestResetClearsCache(t *testing.T) {
	r := serialize.NewRegistry()
	f := pvdata.NewScalar("value", pvdata.TypeDouble)
	id, _ := r.Assign(f)
	r.Reset()
	if _, ok := r.Lookup(id); ok {
		t.Fatal("expected cache cleared after Reset")
	}
	_, kind := r.Assign(f)
	if kind != serialize.FullWithID {
		t.Fatalf("kind after reset=%v, want FullWithID", kind)
	}
}
