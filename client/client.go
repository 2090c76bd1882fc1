// Package client implements the external Connect/Channel surface
// spec.md §6 describes: resolving a channel name via discovery,
// establishing (or reusing) a TCP session to its host, and issuing
// Get/Put/PutGet/RPC/Monitor requests against it.
package client

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/singleflight"

	"github.com/pvaccess-go/pva/bytebuf"
	"github.com/pvaccess-go/pva/cmn/cos"
	"github.com/pvaccess-go/pva/cmn/nlog"
	"github.com/pvaccess-go/pva/config"
	"github.com/pvaccess-go/pva/discovery"
	"github.com/pvaccess-go/pva/hk"
	"github.com/pvaccess-go/pva/registry"
	"github.com/pvaccess-go/pva/security"
	"github.com/pvaccess-go/pva/session"
	"github.com/pvaccess-go/pva/stats"
	"github.com/pvaccess-go/pva/wire"
)

// Client is one process's view of the network: it resolves channel
// names, dedups transports by server address, and hands out Channel
// handles.
type Client struct {
	cfg     *config.Config
	secReg  *security.Registry
	stats   *stats.Stats
	hk      *hk.Housekeeper
	beacons *discovery.Tracker
	search  *discovery.SearchManager
	udp     *discovery.Conn

	mu       sync.Mutex
	sessions map[string]*session.Session // keyed by server "host:port"
	pending  map[string]chan string      // channel name -> resolved server addr, delivered to the in-flight resolve call
	cidNames map[uint32]string           // search cid -> channel name, to correlate SEARCH_RESPONSE back to a pending resolve

	// resolveGroup collapses concurrent resolve(name) calls for the
	// same channel into a single search/wait, so N simultaneous
	// CreateChannel("same name") callers share one SEARCH round trip
	// instead of each registering their own pending entry.
	resolveGroup singleflight.Group

	nextCID  atomic.Uint32
	channels *registry.Table[*Channel]
}

// Connect starts the client's background discovery machinery (UDP
// listener, search backoff timer, beacon tracker) and returns a handle
// ready to create channels.
func Connect(cfg *config.Config) (*Client, error) {
	if cfg == nil {
		cfg = config.FromEnv()
	}
	udp, err := discovery.Listen(fmt.Sprintf(":%d", 0))
	if err != nil {
		return nil, err
	}
	h := hk.New()
	go h.Run()
	h.WaitStarted()

	c := &Client{
		cfg:      cfg,
		secReg:   security.Default(),
		stats:    stats.New(prometheus.DefaultRegisterer),
		hk:       h,
		beacons:  discovery.NewTracker(h),
		udp:      udp,
		sessions: make(map[string]*session.Session, 8),
		pending:  make(map[string]chan string, 8),
		cidNames: make(map[uint32]string, 8),
		channels: registry.NewTable[*Channel](),
	}

	broadcast := &net.UDPAddr{IP: net.IPv4bcast, Port: cfg.BroadcastPort}
	multicast := &net.UDPAddr{IP: net.IPv4bcast, Port: cfg.BroadcastPort}
	c.search = discovery.NewSearchManager(h, broadcast, multicast, c.sendSearch)
	go c.recvLoop()
	return c, nil
}

func (c *Client) sendSearch(seq uint32, name string, cid uint32, qos uint8, addr *net.UDPAddr) error {
	responseAddr, _ := c.udp.LocalAddr().(*net.UDPAddr)
	names := []discovery.NameEntry{{CID: cid, Name: name}}
	_, err := c.udp.WriteTo(discovery.EncodeSearch(seq, qos, responseAddr, "tcp", names), addr)
	return err
}

// recvLoop is the UDP listener's read loop: SEARCH_RESPONSE resolves a
// pending CreateChannel, BEACON feeds the beacon tracker (spec.md
// §4.6). Both share one socket, distinguished by their header's
// command byte (discovery.DatagramKind).
func (c *Client) recvLoop() {
	b := make([]byte, 4096)
	for {
		n, addr, err := c.udp.ReadFrom(b)
		if err != nil {
			return
		}
		cmd, ok := discovery.DatagramKind(b[:n])
		if !ok {
			continue
		}
		switch cmd {
		case wire.CmdSearchResponse:
			resp, derr := discovery.DecodeSearchResponse(b[:n])
			if derr != nil {
				nlog.Warningf("client: malformed search response from %s: %v", addr, derr)
				continue
			}
			for _, cid := range resp.CIDs {
				c.ResolvedAddr(c.pendingNameForCID(cid), resp.ServerAddr.String())
			}
		case wire.CmdBeacon:
			beacon, derr := discovery.DecodeBeacon(b[:n])
			if derr != nil {
				nlog.Warningf("client: malformed beacon from %s: %v", addr, derr)
				continue
			}
			c.stats.BeaconsSeen.Inc()
			isNew, restarted := c.beacons.Observe(beacon.GUID, addr, beacon.Seq)
			if isNew || restarted {
				nlog.Infof("client: beacon from %s (%s), new=%v restarted=%v", beacon.Addr, beacon.GUID, isNew, restarted)
			}
		}
	}
}

// pendingNameForCID recovers the channel name a SEARCH_RESPONSE's cid
// correlates to.
func (c *Client) pendingNameForCID(cid uint32) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	name := c.cidNames[cid]
	delete(c.cidNames, cid)
	return name
}

// resolve blocks until name's host address is known, driving the
// search manager's retransmission (correlated by cid) in the meantime.
// Concurrent resolve calls for the same name share one search/wait via
// resolveGroup, rather than each registering its own pending entry.
func (c *Client) resolve(name string, cid uint32, timeout time.Duration) (string, error) {
	v, err, _ := c.resolveGroup.Do(name, func() (any, error) {
		ch := make(chan string, 1)
		c.mu.Lock()
		c.pending[name] = ch
		c.cidNames[cid] = name
		c.mu.Unlock()
		c.search.Search(name, cid)
		select {
		case addr := <-ch:
			return addr, nil
		case <-time.After(timeout):
			c.mu.Lock()
			delete(c.pending, name)
			c.mu.Unlock()
			return "", cos.Status{Kind: cos.KindTimeout, Message: "channel search timed out: " + name}
		}
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// ResolvedAddr is called once a search response confirms where name
// lives, unblocking any CreateChannel waiting on it.
func (c *Client) ResolvedAddr(name, addr string) {
	if name == "" {
		return
	}
	c.search.Resolved(name)
	c.mu.Lock()
	ch, ok := c.pending[name]
	if ok {
		delete(c.pending, name)
	}
	c.mu.Unlock()
	if ok {
		ch <- addr
	}
}

func (c *Client) sessionFor(addr string) (*session.Session, error) {
	c.mu.Lock()
	if s, ok := c.sessions[addr]; ok && s.State() == session.Verified {
		c.mu.Unlock()
		return s, nil
	}
	c.mu.Unlock()

	conn, err := net.DialTimeout("tcp", addr, c.cfg.ConnTimeout)
	if err != nil {
		return nil, err
	}
	s := session.New(conn, false, bytebuf.LittleEndian, c.secReg)
	if err := s.ClientValidate(c.cfg.PreferredSecPlugin); err != nil {
		s.Close(err)
		return nil, err
	}
	go s.RunSendQ()
	go s.RunRecv(&clientSessionHandler{client: c, sess: s})
	c.stats.TransportsActive.Inc()

	c.mu.Lock()
	c.sessions[addr] = s
	c.mu.Unlock()
	return s, nil
}

// CreateChannel resolves name and returns a live Channel, establishing
// or reusing a transport to its host.
func (c *Client) CreateChannel(name string) (*Channel, error) {
	cid := c.nextCID.Add(1)
	addr, err := c.resolve(name, cid, c.cfg.ConnTimeout)
	if err != nil {
		return nil, err
	}
	sess, err := c.sessionFor(addr)
	if err != nil {
		return nil, err
	}
	ch := newChannel(cid, name, sess, c)
	if err := c.channels.Register(cid, ch); err != nil {
		return nil, err
	}
	if err := ch.sendCreateChannel(); err != nil {
		c.channels.Unregister(cid)
		return nil, err
	}
	c.stats.ChannelsActive.Inc()
	return ch, nil
}

// Close tears down every live transport and stops the background
// discovery timers.
func (c *Client) Close() error {
	c.mu.Lock()
	sessions := make([]*session.Session, 0, len(c.sessions))
	for _, s := range c.sessions {
		sessions = append(sessions, s)
	}
	c.mu.Unlock()
	for _, s := range sessions {
		_ = s.Close(cos.ErrConnectionClosed)
	}
	c.hk.Stop()
	return c.udp.Close()
}
