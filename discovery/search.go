package discovery

import (
	"context"
	"net"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/pvaccess-go/pva/hk"
)

// Backoff bounds for the search retransmission schedule (spec.md
// §4.6): truncated exponential, doubling from BaseDelay up to
// MaxDelay, giving up after MaxAttempts.
const (
	BaseDelay   = 100 * time.Millisecond
	MaxDelay    = 30 * time.Second
	MaxAttempts = 12
)

// SendFunc emits one CmdSearch datagram for name/cid to addr, with
// qos carrying spec.md §4.6's qosFlags (bit7 asks the recipient to
// rebroadcast onto its local segment) and seq the request's
// sequenceId.
type SendFunc func(seq uint32, name string, cid uint32, qos uint8, addr *net.UDPAddr) error

type pending struct {
	name    string
	cid     uint32
	attempt int
	seq     uint32
}

// SearchManager owns the set of channel names awaiting resolution and
// drives their retransmission via the shared housekeeper, rate-limited
// so a burst of simultaneous Connect calls doesn't flood the segment.
type SearchManager struct {
	mu        sync.Mutex
	byName    map[string]*pending
	unicast   *net.UDPAddr
	multicast *net.UDPAddr
	limiter   *rate.Limiter
	hk        *hk.Housekeeper
	send      SendFunc
}

func NewSearchManager(h *hk.Housekeeper, unicast, multicast *net.UDPAddr, send SendFunc) *SearchManager {
	return &SearchManager{
		byName:    make(map[string]*pending, 16),
		unicast:   unicast,
		multicast: multicast,
		limiter:   rate.NewLimiter(rate.Limit(50), 50), // 50 searches/sec burst, spec.md §4.6 pacing
		hk:        h,
		send:      send,
	}
}

// Search registers name (keyed by the client's chosen cid) and fires
// the first request immediately.
func (sm *SearchManager) Search(name string, cid uint32) {
	sm.mu.Lock()
	if _, exists := sm.byName[name]; exists {
		sm.mu.Unlock()
		return
	}
	p := &pending{name: name, cid: cid}
	sm.byName[name] = p
	sm.mu.Unlock()

	sm.fire(p, QoSUnicastRebroadcast, sm.unicast)
	sm.hk.Reg(jobKey(name), func() time.Duration { return sm.retry(name) }, BaseDelay)
}

func jobKey(name string) string { return "discovery-search:" + name }

func (sm *SearchManager) fire(p *pending, qos uint8, addr *net.UDPAddr) {
	_ = sm.limiter.Wait(context.Background())
	if err := sm.send(p.seq, p.name, p.cid, qos, addr); err != nil {
		// a transient send error just means this attempt is wasted;
		// the next scheduled retry will try again.
		return
	}
}

func (sm *SearchManager) retry(name string) time.Duration {
	sm.mu.Lock()
	p, ok := sm.byName[name]
	if !ok {
		sm.mu.Unlock()
		return 0 // resolved or cancelled already
	}
	p.attempt++
	p.seq++
	attempt := p.attempt
	sm.mu.Unlock()

	if attempt > MaxAttempts {
		sm.cancel(name)
		return 0
	}
	// retries are already sent directly onto the segment, so they
	// don't ask for a further rebroadcast (qos bit7 clear).
	sm.fire(p, 0, sm.multicast)

	delay := BaseDelay << uint(attempt)
	if delay > MaxDelay || delay <= 0 {
		delay = MaxDelay
	}
	return delay
}

// Resolved cancels retransmission for name once a search response
// arrives.
func (sm *SearchManager) Resolved(name string) { sm.cancel(name) }

func (sm *SearchManager) cancel(name string) {
	sm.mu.Lock()
	delete(sm.byName, name)
	sm.mu.Unlock()
	sm.hk.Unreg(jobKey(name))
}

// Pending reports whether name is still awaiting resolution.
func (sm *SearchManager) Pending(name string) bool {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	_, ok := sm.byName[name]
	return ok
}
