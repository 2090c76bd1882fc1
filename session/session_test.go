package session_test

import (
	"net"
	"testing"

	"github.com/pvaccess-go/pva/bytebuf"
	"github.com/pvaccess-go/pva/security"
	"github.com/pvaccess-go/pva/session"
)

func TestAuthenticateAnonymousReachesVerified(t *testing.T) {
	c1, c2 := net.Pipe()
	defer c1.Close()
	defer c2.Close()

	secReg := security.Default()
	s := session.New(c1, true, bytebuf.LittleEndian, secReg)

	if s.State() != session.Connecting {
		t.Fatalf("initial state=%v, want Connecting", s.State())
	}
	if err := s.Authenticate("anonymous", "test-peer"); err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if s.State() != session.Verified {
		t.Fatalf("state=%v, want Verified", s.State())
	}
	id, ok := s.Identity()
	if !ok || id.Name != "test-peer" {
		t.Fatalf("Identity()=(%+v,%v)", id, ok)
	}
}

func TestAuthenticateUnknownPluginClosesSession(t *testing.T) {
	c1, c2 := net.Pipe()
	defer c1.Close()
	defer c2.Close()

	s := session.New(c1, true, bytebuf.LittleEndian, security.Default())
	if err := s.Authenticate("kerberos", "test-peer"); err == nil {
		t.Fatal("expected error selecting unregistered plugin")
	}
	if s.State() != session.Closed {
		t.Fatalf("state=%v, want Closed", s.State())
	}
}
