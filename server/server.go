// Package server implements the server-side mirror of package client
// (spec.md §2 "server side mirrors this"): a TCP listener that accepts
// and authenticates transports, dispatches application frames against
// a ChannelProvider, and a UDP responder that answers SEARCH with
// SEARCH_RESPONSE and periodically emits BEACON (spec.md §4.6).
// Grounded on client.Client's Connect/recvLoop shape, read in reverse:
// where the client resolves+dials, the server listens+accepts+replies.
package server

import (
	"fmt"
	"math/rand"
	"net"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/pvaccess-go/pva/bytebuf"
	"github.com/pvaccess-go/pva/cmn/nlog"
	"github.com/pvaccess-go/pva/config"
	"github.com/pvaccess-go/pva/discovery"
	"github.com/pvaccess-go/pva/hk"
	"github.com/pvaccess-go/pva/security"
	"github.com/pvaccess-go/pva/session"
	"github.com/pvaccess-go/pva/stats"
	"github.com/pvaccess-go/pva/wire"
)

// relayEntry remembers which UDP address originally asked for a given
// cid to be resolved, so a SEARCH_RESPONSE arriving for a rebroadcast
// this server relayed can be forwarded back to the true requester
// (spec.md §4.6 S5: rebroadcasting "updat[es] the response address" to
// the relaying server's own address, so replies route through it).
type relayEntry struct {
	addr *net.UDPAddr
	at   time.Time
}

// relayTTL bounds how long a relay mapping is kept before the
// housekeeper reaps it, in case no SEARCH_RESPONSE ever arrives for it.
const relayTTL = 10 * time.Second

// Server listens for PVA clients, authenticating each inbound
// transport and dispatching its requests against a ChannelProvider.
type Server struct {
	cfg      *config.Config
	provider ChannelProvider
	secReg   *security.Registry
	stats    *stats.Stats
	hk       *hk.Housekeeper
	guid     wire.GUID
	seq      uint32

	tcp *net.TCPListener
	udp *discovery.Conn

	relayMu sync.Mutex
	relay   map[uint32]relayEntry

	closed chan struct{}
}

// Listen opens the TCP and UDP sockets this server answers on; pass
// addr as "host:port" (port 0 picks an ephemeral one, useful in
// tests). Start actually begins accepting/responding.
func Listen(cfg *config.Config, provider ChannelProvider, addr string) (*Server, error) {
	if cfg == nil {
		cfg = config.Defaults()
	}
	laddr, err := net.ResolveTCPAddr("tcp", addr)
	if err != nil {
		return nil, err
	}
	tcp, err := net.ListenTCP("tcp", laddr)
	if err != nil {
		return nil, err
	}
	udp, err := discovery.Listen(fmt.Sprintf(":%d", tcpPort(tcp)))
	if err != nil {
		tcp.Close()
		return nil, err
	}
	h := hk.New()
	go h.Run()
	h.WaitStarted()

	s := &Server{
		cfg:      cfg,
		provider: provider,
		secReg:   security.Default(),
		stats:    stats.New(prometheus.NewRegistry()),
		hk:       h,
		guid:     wire.NewGUID(),
		tcp:      tcp,
		udp:      udp,
		relay:    make(map[uint32]relayEntry, 8),
		closed:   make(chan struct{}),
	}
	return s, nil
}

// udpAddr is this server's own UDP bind address, embedded as the
// responseAddr/ORIGIN_TAG bind address on rebroadcast SEARCH traffic
// (spec.md §4.6 S5) so matching SEARCH_RESPONSEs route back here.
func (s *Server) udpAddr() *net.UDPAddr {
	addr, _ := s.udp.LocalAddr().(*net.UDPAddr)
	return addr
}

func tcpPort(l *net.TCPListener) int {
	return l.Addr().(*net.TCPAddr).Port
}

// Addr is the TCP listen address, e.g. to embed in a BEACON/
// SEARCH_RESPONSE advertised address.
func (s *Server) Addr() string { return s.tcp.Addr().String() }

// Start launches the accept loop, the UDP search/beacon responder, and
// the periodic beacon emission timer. Non-blocking; call Close to stop.
func (s *Server) Start() {
	go s.acceptLoop()
	go s.udpLoop()
	s.hk.Reg("server-beacon:"+s.guid.String(), s.emitBeacon, 0)
	s.hk.Reg("server-relay-gc:"+s.guid.String(), s.gcRelay, relayTTL/2)
}

func (s *Server) acceptLoop() {
	for {
		conn, err := s.tcp.AcceptTCP()
		if err != nil {
			select {
			case <-s.closed:
				return
			default:
				nlog.Warningf("server: accept error: %v", err)
				return
			}
		}
		go s.serveConn(conn)
	}
}

func (s *Server) serveConn(conn net.Conn) {
	sess := session.New(conn, true, bytebuf.LittleEndian, s.secReg)
	if err := sess.ServerValidate(); err != nil {
		nlog.Warningf("server: validation failed for %s: %v", conn.RemoteAddr(), err)
		return
	}
	s.stats.TransportsActive.Inc()
	h := newConnHandler(s, sess)
	go sess.RunSendQ()
	sess.RunRecv(h)
}

// emitBeacon sends one BEACON datagram to the configured broadcast
// address and reschedules itself every BeaconPeriod (spec.md §4.6).
func (s *Server) emitBeacon() time.Duration {
	s.seq++
	dst := &net.UDPAddr{IP: net.IPv4bcast, Port: s.cfg.BroadcastPort}
	b := discovery.EncodeBeacon(s.guid, s.seq, s.Addr())
	if _, err := s.udp.WriteTo(b, dst); err != nil {
		nlog.Warningf("server: beacon send failed: %v", err)
	}
	return s.cfg.BeaconPeriod
}

// udpLoop answers SEARCH datagrams addressed to channels this
// provider hosts, forwards SEARCH_RESPONSEs it relayed on behalf of a
// rebroadcast back to their true originator, and rebroadcasts
// unrebroadcast SEARCHes once onto the local segment per spec.md S5 so
// a single unicast SEARCH still reaches every server on the subnet.
func (s *Server) udpLoop() {
	b := make([]byte, 4096)
	for {
		n, addr, err := s.udp.ReadFrom(b)
		if err != nil {
			select {
			case <-s.closed:
				return
			default:
				return
			}
		}
		_, inner, tagged := discovery.UnwrapOriginTag(b[:n])
		cmd, ok := discovery.DatagramKind(inner)
		if !ok {
			continue
		}
		switch cmd {
		case wire.CmdSearch:
			req, derr := discovery.DecodeSearch(inner)
			if derr != nil {
				nlog.Warningf("server: malformed search from %s: %v", addr, derr)
				continue
			}
			s.handleSearch(req, addr, tagged)
		case wire.CmdSearchResponse:
			resp, derr := discovery.DecodeSearchResponse(inner)
			if derr != nil {
				nlog.Warningf("server: malformed search response from %s: %v", addr, derr)
				continue
			}
			s.forwardRelayedResponse(resp)
		}
	}
}

func (s *Server) handleSearch(req discovery.DecodedSearch, from *net.UDPAddr, tagged bool) {
	replyTo := from
	if req.ResponseAddr != nil && !req.ResponseAddr.IP.IsUnspecified() && req.ResponseAddr.Port != 0 {
		replyTo = req.ResponseAddr
	}
	// spec.md §8 boundary: count == 0 is a bare discovery ping, replied
	// to with found=true and zero CIDs after a jittered delay,
	// independent of whether this provider hosts anything by that name
	// -- spreads replies from many hosts across one window instead of a
	// synchronized burst.
	if req.IsDiscoveryPing() {
		time.Sleep(50*time.Millisecond + time.Duration(rand.Intn(100))*time.Millisecond)
		resp := discovery.EncodeSearchResponse(req.Seq, s.guid, s.udpServerAddr(), req.Protocol, true, nil)
		if _, err := s.udp.WriteTo(resp, replyTo); err != nil {
			nlog.Warningf("server: discovery-ping response send failed: %v", err)
		}
		return
	}
	var matched []uint32
	for _, n := range req.Names {
		if s.provider.HasChannel(n.Name) {
			matched = append(matched, n.CID)
		}
	}
	if len(matched) > 0 {
		resp := discovery.EncodeSearchResponse(req.Seq, s.guid, s.udpServerAddr(), req.Protocol, true, matched)
		if _, err := s.udp.WriteTo(resp, replyTo); err != nil {
			nlog.Warningf("server: search response send failed: %v", err)
		}
	}
	// A datagram already wrapped in an ORIGIN_TAG has been rebroadcast
	// once; rebroadcasting it again would loop forever.
	if !tagged && req.WantsRebroadcast() {
		s.rebroadcast(req, from)
	}
}

// udpServerAddr is the TCP service address clients dial to actually
// access a channel -- distinct from udpAddr, which is where UDP
// SEARCH_RESPONSE traffic is routed.
func (s *Server) udpServerAddr() *net.UDPAddr {
	addr, err := net.ResolveUDPAddr("udp", s.Addr())
	if err != nil {
		return s.udpAddr()
	}
	return addr
}

// rebroadcast resends an unresolved SEARCH to the local broadcast
// address once, prepending an ORIGIN_TAG carrying this server's own bind
// address and clearing qosFlags.bit7 so a peer doesn't ask to rebroadcast
// an already-rebroadcast packet further (spec.md §4.6 S5). It also
// updates the response address to this server's own, remembering the
// true originator so a matching SEARCH_RESPONSE can be relayed back.
func (s *Server) rebroadcast(req discovery.DecodedSearch, from *net.UDPAddr) {
	now := time.Now()
	s.relayMu.Lock()
	for _, n := range req.Names {
		s.relay[n.CID] = relayEntry{addr: from, at: now}
	}
	s.relayMu.Unlock()

	qos := req.QoS &^ discovery.QoSUnicastRebroadcast
	inner := discovery.EncodeSearch(req.Seq, qos, s.udpAddr(), req.Protocol, req.Names)
	wrapped := discovery.WrapOriginTag(s.udpAddr(), inner)
	dst := &net.UDPAddr{IP: net.IPv4bcast, Port: s.cfg.BroadcastPort}
	_, _ = s.udp.WriteTo(wrapped, dst)
}

// forwardRelayedResponse delivers a SEARCH_RESPONSE this server
// received on behalf of a rebroadcast it relayed back to whichever
// client originally asked for each matched cid.
func (s *Server) forwardRelayedResponse(resp discovery.DecodedSearchResponse) {
	s.relayMu.Lock()
	defer s.relayMu.Unlock()
	for _, cid := range resp.CIDs {
		entry, ok := s.relay[cid]
		if !ok {
			continue
		}
		out := discovery.EncodeSearchResponse(resp.Seq, resp.GUID, resp.ServerAddr, resp.Protocol, resp.Found, []uint32{cid})
		_, _ = s.udp.WriteTo(out, entry.addr)
	}
}

func (s *Server) gcRelay() time.Duration {
	cutoff := time.Now().Add(-relayTTL)
	s.relayMu.Lock()
	for cid, e := range s.relay {
		if e.at.Before(cutoff) {
			delete(s.relay, cid)
		}
	}
	s.relayMu.Unlock()
	return relayTTL / 2
}

// Close stops accepting connections and tears down the background
// timers.
func (s *Server) Close() error {
	close(s.closed)
	s.hk.Stop()
	_ = s.udp.Close()
	return s.tcp.Close()
}
