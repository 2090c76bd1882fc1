package discovery

import (
	"net"
	"sync"
	"time"

	"github.com/pvaccess-go/pva/hk"
	"github.com/pvaccess-go/pva/wire"
)

// StaleAfter is how long a server's beacon can go unseen before it's
// dropped (spec.md §4.6); a few missed beacon periods, not just one,
// to absorb ordinary UDP loss.
const StaleAfter = 90 * time.Second

// BeaconEntry is one known server, as last observed via its beacon
// broadcasts.
type BeaconEntry struct {
	GUID     wire.GUID
	Addr     *net.UDPAddr
	Seq      uint32
	LastSeen time.Time
}

// Tracker maintains the set of live servers seen on the beacon
// channel, evicting ones that go stale via a housekeeper job.
type Tracker struct {
	mu      sync.RWMutex
	entries map[wire.GUID]*BeaconEntry
	hk      *hk.Housekeeper
}

func NewTracker(h *hk.Housekeeper) *Tracker {
	t := &Tracker{entries: make(map[wire.GUID]*BeaconEntry, 32), hk: h}
	h.Reg("discovery-beacon-gc", t.gc, StaleAfter/3)
	return t
}

// Observe records a beacon. restarted reports a sequence-number
// regression, which spec.md §4.6 treats as the server having restarted
// (any cached channel resolutions for it must be invalidated upstream).
func (t *Tracker) Observe(guid wire.GUID, addr *net.UDPAddr, seq uint32) (isNew, restarted bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[guid]
	if !ok {
		t.entries[guid] = &BeaconEntry{GUID: guid, Addr: addr, Seq: seq, LastSeen: time.Now()}
		return true, false
	}
	restarted = seq < e.Seq
	e.Addr, e.Seq, e.LastSeen = addr, seq, time.Now()
	return false, restarted
}

func (t *Tracker) Get(guid wire.GUID) (BeaconEntry, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.entries[guid]
	if !ok {
		return BeaconEntry{}, false
	}
	return *e, true
}

func (t *Tracker) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}

func (t *Tracker) gc() time.Duration {
	cutoff := time.Now().Add(-StaleAfter)
	t.mu.Lock()
	for guid, e := range t.entries {
		if e.LastSeen.Before(cutoff) {
			delete(t.entries, guid)
		}
	}
	t.mu.Unlock()
	return StaleAfter / 3
}
