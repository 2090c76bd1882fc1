package security_test

import (
	"testing"

	"github.com/pvaccess-go/pva/security"
)

func TestDefaultRegistryOffersAnonymous(t *testing.T) {
	r := security.Default()
	names := r.Names()
	if len(names) != 1 || names[0] != "anonymous" {
		t.Fatalf("Names()=%v, want [anonymous]", names)
	}
	p, err := r.Select("anonymous")
	if err != nil {
		t.Fatal(err)
	}
	sess, err := p.CreateSession("127.0.0.1:12345")
	if err != nil {
		t.Fatal(err)
	}
	if !sess.Completed() {
		t.Fatal("anonymous session should complete immediately")
	}
	if sess.Identity().Name != "127.0.0.1:12345" {
		t.Fatalf("identity=%+v", sess.Identity())
	}
}

func TestSelectUnknownPlugin(t *testing.T) {
	r := security.Default()
	if _, err := r.Select("kerberos"); err == nil {
		t.Fatal("expected error for unregistered plugin")
	}
}
