// Package nameserver implements the optional server-side
// channel-to-server aggregation spec.md §4.11 describes: servers that
// run this role periodically announce which channels they host, and
// other servers or clients can ask it who hosts a name instead of
// broadcasting a search. Grounded on the same map+mutex registry shape
// used throughout (registry.Table, serialize.Registry), with staleness
// GC delegated to the shared housekeeper the way discovery.Tracker
// uses it.
package nameserver

import (
	"sync"
	"time"

	"github.com/pvaccess-go/pva/hk"
	"github.com/pvaccess-go/pva/wire"
)

// StaleAfter bounds how long a channel->server mapping is trusted
// without a refresh before it's evicted (resolves spec.md's open
// question on aggregation staleness: last-write-wins on update,
// garbage-collected on silence).
const StaleAfter = 5 * time.Minute

// Entry is one channel's current best-known host.
type Entry struct {
	Channel    string
	ServerGUID wire.GUID
	Addr       string
	UpdatedAt  time.Time
}

// NameServer aggregates channel->server mappings announced by servers
// that opt into this role.
type NameServer struct {
	mu        sync.RWMutex
	byChannel map[string]*Entry
}

func New(h *hk.Housekeeper) *NameServer {
	ns := &NameServer{byChannel: make(map[string]*Entry, 256)}
	h.Reg("nameserver-gc", ns.gc, StaleAfter/2)
	return ns
}

// Announce records (or overwrites) channel's host. Last write wins:
// a server re-announcing a channel always supersedes a stale entry,
// and two servers racing to announce the same channel resolve to
// whichever update is applied last rather than being treated as a
// conflict -- ownership is advisory, not exclusive.
func (ns *NameServer) Announce(channel string, guid wire.GUID, addr string) {
	ns.mu.Lock()
	ns.byChannel[channel] = &Entry{Channel: channel, ServerGUID: guid, Addr: addr, UpdatedAt: time.Now()}
	ns.mu.Unlock()
}

// Lookup resolves channel to its last-announced host, if one is known
// and not stale.
func (ns *NameServer) Lookup(channel string) (Entry, bool) {
	ns.mu.RLock()
	e, ok := ns.byChannel[channel]
	ns.mu.RUnlock()
	if !ok || time.Since(e.UpdatedAt) > StaleAfter {
		return Entry{}, false
	}
	return *e, true
}

// Withdraw removes channel, e.g. when its owning server reports it
// destroyed.
func (ns *NameServer) Withdraw(channel string) {
	ns.mu.Lock()
	delete(ns.byChannel, channel)
	ns.mu.Unlock()
}

func (ns *NameServer) Len() int {
	ns.mu.RLock()
	defer ns.mu.RUnlock()
	return len(ns.byChannel)
}

func (ns *NameServer) gc() time.Duration {
	cutoff := time.Now().Add(-StaleAfter)
	ns.mu.Lock()
	for ch, e := range ns.byChannel {
		if e.UpdatedAt.Before(cutoff) {
			delete(ns.byChannel, ch)
		}
	}
	ns.mu.Unlock()
	return StaleAfter / 2
}
