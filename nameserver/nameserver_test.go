package nameserver_test

import (
	"testing"

	"github.com/pvaccess-go/pva/hk"
	"github.com/pvaccess-go/pva/nameserver"
	"github.com/pvaccess-go/pva/wire"
)

func TestAnnounceLastWriteWins(t *testing.T) {
	h := hk.New()
	go h.Run()
	h.WaitStarted()
	defer h.Stop()

	ns := nameserver.New(h)
	g1, g2 := wire.NewGUID(), wire.NewGUID()

	ns.Announce("temp:01", g1, "10.0.0.1:5075")
	ns.Announce("temp:01", g2, "10.0.0.2:5075")

	e, ok := ns.Lookup("temp:01")
	if !ok || e.ServerGUID != g2 || e.Addr != "10.0.0.2:5075" {
		t.Fatalf("Lookup=%+v,%v, want second announcement to win", e, ok)
	}
}

func TestWithdrawRemovesEntry(t *testing.T) {
	h := hk.New()
	go h.Run()
	h.WaitStarted()
	defer h.Stop()

	ns := nameserver.New(h)
	ns.Announce("temp:02", wire.NewGUID(), "10.0.0.1:5075")
	ns.Withdraw("temp:02")
	if _, ok := ns.Lookup("temp:02"); ok {
		t.Fatal("expected entry removed after Withdraw")
	}
}
