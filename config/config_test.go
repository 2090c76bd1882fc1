package config_test

import (
	"testing"
	"time"

	"github.com/pvaccess-go/pva/config"
)

func TestFromEnvOverridesDefaults(t *testing.T) {
	t.Setenv("EPICS_PVA_BROADCAST_PORT", "6076")
	t.Setenv("EPICS_PVA_BEACON_PERIOD", "5")
	t.Setenv("EPICS_PVA_ADDR_LIST", "10.0.0.1 10.0.0.2:5075")
	t.Setenv("EPICS_PVA_DEBUG", "true")

	c := config.FromEnv()
	if c.BroadcastPort != 6076 {
		t.Fatalf("BroadcastPort=%d, want 6076", c.BroadcastPort)
	}
	if c.BeaconPeriod != 5*time.Second {
		t.Fatalf("BeaconPeriod=%v, want 5s", c.BeaconPeriod)
	}
	if len(c.AddrList) != 2 {
		t.Fatalf("AddrList=%v", c.AddrList)
	}
	if !c.Debug {
		t.Fatal("expected Debug=true")
	}
}

func TestFromEnvIgnoresMalformedValues(t *testing.T) {
	t.Setenv("EPICS_PVA_BROADCAST_PORT", "not-a-number")
	c := config.FromEnv()
	if c.BroadcastPort != config.Defaults().BroadcastPort {
		t.Fatalf("BroadcastPort=%d, want default preserved on malformed input", c.BroadcastPort)
	}
}
