// Package session implements the per-connection TCP transport state
// machine from spec.md §4.5: CONNECTING -> AWAIT_VALIDATION ->
// AUTHENTICATING -> VERIFIED -> CLOSED, wrapping a transport.Reader/
// Writer/SendQ triple and the chosen security.Session. Grounded on the
// teacher's transport package's connection lifecycle (tinit.go's
// handshake-then-steady-state shape), generalized from AIStore's
// intra-cluster stream handshake to PVA's ConnectionValidation
// exchange.
package session

import (
	"errors"
	"net"
	"sync"
	"sync/atomic"

	"github.com/pvaccess-go/pva/bytebuf"
	"github.com/pvaccess-go/pva/cmn/cos"
	"github.com/pvaccess-go/pva/cmn/nlog"
	"github.com/pvaccess-go/pva/operation"
	"github.com/pvaccess-go/pva/registry"
	"github.com/pvaccess-go/pva/security"
	"github.com/pvaccess-go/pva/serialize"
	"github.com/pvaccess-go/pva/transport"
	"github.com/pvaccess-go/pva/wire"
)

var errNotTCP = errors.New("session: SocketStats requires a *net.TCPConn")

// State is the transport's position in its connection lifecycle.
type State int32

const (
	Connecting State = iota
	AwaitValidation
	Authenticating
	Verified
	Closed
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "CONNECTING"
	case AwaitValidation:
		return "AWAIT_VALIDATION"
	case Authenticating:
		return "AUTHENTICATING"
	case Verified:
		return "VERIFIED"
	case Closed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// ValidationParams is the payload of the ConnectionValidation exchange
// (spec.md §4.5): queue-size negotiation plus, on the server's
// message, the offered security plugin names.
type ValidationParams struct {
	QueueSize    int16
	Plugins      []string
	SelectedPlug string
}

// Session is one TCP transport: framing codec, send queue, and the
// authentication state layered on top.
type Session struct {
	conn      net.Conn
	isServer  bool
	order     bytebuf.Order
	secReg    *security.Registry
	secSess   security.Session
	sendReg   *serialize.Registry
	recvReg   *serialize.Registry

	state atomic.Int32

	mu     sync.Mutex
	reader *transport.Reader
	writer *transport.Writer
	sendq  *transport.SendQ

	guid wire.GUID

	// ops is keyed by ioid and shared across every Channel multiplexed
	// over this transport: spec.md's Invariant 2 only requires the
	// (sid,ioid) pair be unique, but allocating ioids from one
	// transport-wide counter (rather than per-channel) is what actually
	// guarantees that in a single dispatch lookup. Client-side only;
	// package server keeps its own per-connection ioid index since its
	// operation representation (opState) differs from operation.Operation.
	ops *registry.Table[*operation.Operation]

	// appControl receives every control command besides ECHO, which
	// session answers itself. Server connections route CANCEL_REQUEST/
	// DESTROY_REQUEST here (spec.md §4.2 step 2, §4.7/§4.8); client
	// connections currently receive none (the server never sends either
	// command unsolicited in this protocol).
	appControl func(cmd wire.Command, param uint32)
}

// SetAppControl registers the handler for non-ECHO control commands.
// Must be called before RunRecv starts.
func (s *Session) SetAppControl(fn func(cmd wire.Command, param uint32)) {
	s.appControl = fn
}

// New wraps conn in a fresh Session, not yet validated.
func New(conn net.Conn, isServer bool, order bytebuf.Order, secReg *security.Registry) *Session {
	s := &Session{
		conn:     conn,
		isServer: isServer,
		order:    order,
		secReg:   secReg,
		sendReg:  serialize.NewRegistry(),
		recvReg:  serialize.NewRegistry(),
		guid:     wire.NewGUID(),
		ops:      registry.NewTable[*operation.Operation](),
	}
	s.state.Store(int32(Connecting))
	s.writer = transport.NewWriter(conn, order, transport.Delayed)
	s.sendq = transport.NewSendQ(s.writer)
	s.reader = transport.NewReader(conn, transport.DefaultSegmentSize, s.onControl)
	return s
}

func (s *Session) State() State { return State(s.state.Load()) }

func (s *Session) setState(st State) {
	old := State(s.state.Swap(int32(st)))
	if old != st {
		nlog.Infof("session %s: %s -> %s", s.guid, old, st)
	}
}

// GUID identifies this transport for beacon/search correlation.
func (s *Session) GUID() wire.GUID { return s.guid }

func (s *Session) onControl(cmd wire.Command, param uint32) {
	switch cmd {
	case wire.CmdEcho:
		s.sendq.Enqueue(&transport.Sender{Encode: func(w *transport.Writer) error {
			return w.WriteControl(wire.CmdEcho, param)
		}})
	default:
		if s.appControl != nil {
			s.appControl(cmd, param)
			return
		}
		nlog.Warningf("session %s: unhandled control command %v", s.guid, cmd)
	}
}

// SendQ exposes the send queue so operation handlers can enqueue
// application messages without reaching into the writer directly.
func (s *Session) SendQ() *transport.SendQ { return s.sendq }

// Reader exposes the framing reader for the dispatch loop.
func (s *Session) Reader() *transport.Reader { return s.reader }

// Ops is the single transport-wide ioid -> Operation table, shared by
// every client-side Channel multiplexed over this Session; the server
// keeps its operations in its own per-connection table.
func (s *Session) Ops() *registry.Table[*operation.Operation] { return s.ops }

// Conn exposes the underlying net.Conn (for RemoteAddr, dial-style
// setup before RunRecv/RunSendQ start).
func (s *Session) Conn() net.Conn { return s.conn }

// SendRegistry / RecvRegistry are this transport's two introspection
// caches (spec.md §4.4): one per direction.
func (s *Session) SendRegistry() *serialize.Registry { return s.sendReg }
func (s *Session) RecvRegistry() *serialize.Registry { return s.recvReg }

// RunSendQ drains the send queue; meant to run on its own goroutine
// for the session's lifetime.
func (s *Session) RunSendQ() { s.sendq.Run() }

// Authenticate drives AWAIT_VALIDATION -> AUTHENTICATING -> VERIFIED
// using the negotiated plugin name. On a reconnect/re-verification,
// both introspection registries are reset since cached ids are only
// valid within one authenticated epoch (spec.md §4.4, §4.10).
func (s *Session) Authenticate(pluginName, peerAddr string) error {
	s.setState(AwaitValidation)
	plugin, err := s.secReg.Select(pluginName)
	if err != nil {
		s.setState(Closed)
		return err
	}
	s.setState(Authenticating)
	sess, err := plugin.CreateSession(peerAddr)
	if err != nil {
		s.setState(Closed)
		return err
	}
	s.mu.Lock()
	s.secSess = sess
	s.mu.Unlock()
	if !sess.Completed() {
		return cos.Status{Kind: cos.KindNotInitialized, Message: "authentication not completed in one round trip"}
	}
	s.sendReg.Reset()
	s.recvReg.Reset()
	s.setState(Verified)
	return nil
}

// Identity returns the authenticated peer identity; only meaningful
// once State() == Verified.
func (s *Session) Identity() (security.Identity, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.secSess == nil {
		return security.Identity{}, false
	}
	return s.secSess.Identity(), true
}

// Close tears the transport down, failing any senders still queued.
func (s *Session) Close(cause error) error {
	s.setState(Closed)
	s.sendq.Close(cause)
	return s.conn.Close()
}
