// Package operation implements the per-request state machines spec.md
// §4.8 describes: Get, Put, PutGet, RPC, Array and Monitor all share
// one lifecycle (INIT issued once, a single request outstanding at a
// time, DESTROY tears it down) layered with kind-specific QoS bits.
// Grounded on the registry.Table idiom for id-keyed lookup and the
// teacher's single-writer-over-FIFO discipline applied here as "only
// one request in flight per ioid".
package operation

import (
	"sync"

	"github.com/pvaccess-go/pva/cmn/cos"
	"github.com/pvaccess-go/pva/monitor"
	"github.com/pvaccess-go/pva/pvdata"
)

// QoS is the request-qualifier bit field carried on Get/Put/Monitor
// messages (spec.md §4.8).
type QoS uint8

const (
	QoSDefault QoS = 0
	QoSInit    QoS = 1 << 0
	QoSDestroy QoS = 1 << 1
	QoSGet     QoS = 1 << 2
	QoSGetPut  QoS = 1 << 3
	QoSProcess QoS = 1 << 4
)

// Kind distinguishes the six request shapes spec.md §4.8 names.
type Kind int

const (
	KindGet Kind = iota
	KindPut
	KindPutGet
	KindRPC
	KindArray
	KindMonitor
)

func (k Kind) String() string {
	switch k {
	case KindGet:
		return "GET"
	case KindPut:
		return "PUT"
	case KindPutGet:
		return "PUT_GET"
	case KindRPC:
		return "RPC"
	case KindArray:
		return "ARRAY"
	case KindMonitor:
		return "MONITOR"
	default:
		return "UNKNOWN"
	}
}

// State is an Operation's position in its lifecycle.
type State int

const (
	Idle State = iota // created, INIT not yet sent
	Pending
	Active // INIT acknowledged; ready to accept further requests
	Destroyed
)

// Callback receives the decoded result (or error) of one completed
// request. Get/Put/PutGet/RPC/Array each fire it once per Submit;
// Monitor fires it once, when its INIT completes -- its data updates go
// to the bound pipeline instead.
type Callback func(result *pvdata.PVField, err error)

// Operation is the shared state machine every request kind embeds.
// Exactly one request may be outstanding at a time (spec.md §4.8's
// single-outstanding-request rule): Submit fails with
// KindOtherRequestPending if called again before the prior callback
// has fired.
type Operation struct {
	IOID    uint32
	Kind    Kind
	Request *pvdata.PVRequest

	mu       sync.Mutex
	state    State
	pending  bool
	lastQoS  QoS
	callback Callback

	// field is the structure definition negotiated at INIT (spec.md
	// §4.8: "server replies carry structure description"); subsequent
	// default-qos replies decode their bitset+value against it.
	field *pvdata.Field

	// pipeline/notify/ackFunc exist only for Kind == KindMonitor: a
	// Monitor's data messages are unsolicited server pushes, not
	// one-shot request/reply pairs, so they bypass Submit/Complete's
	// pending bookkeeping and instead (1) queue into pipeline, (2) wake
	// the consumer via notify, and (3) let the dispatcher drive
	// pipelined flow control via ackFunc (spec.md §4.9 "Pipelining").
	pipeline *monitor.Pipeline
	notify   func()
	ackFunc  func(nfree int) error
}

func New(ioid uint32, kind Kind, req *pvdata.PVRequest) *Operation {
	return &Operation{IOID: ioid, Kind: kind, Request: req, state: Idle}
}

func (op *Operation) State() State {
	op.mu.Lock()
	defer op.mu.Unlock()
	return op.state
}

// Submit marks one request in flight, recording its QoS and the
// callback to invoke when the response arrives. Returns a cos.Status
// of kind KindOtherRequestPending if a prior request on this ioid
// hasn't completed.
func (op *Operation) Submit(qos QoS, cb Callback) error {
	op.mu.Lock()
	defer op.mu.Unlock()
	if op.state == Destroyed {
		return cos.Status{Kind: cos.KindFatal, Message: "operation already destroyed"}
	}
	if op.pending {
		return cos.Status{Kind: cos.KindOtherRequestPending, Message: "ioid has a request outstanding"}
	}
	op.pending = true
	op.lastQoS = qos
	op.callback = cb
	if op.state == Idle {
		op.state = Pending
	}
	return nil
}

// Complete delivers the response to the registered callback and clears
// the outstanding flag, allowing the next Submit.
func (op *Operation) Complete(result *pvdata.PVField, err error) {
	op.mu.Lock()
	cb := op.callback
	op.callback = nil
	op.pending = false
	if op.state == Pending && err == nil {
		op.state = Active
	}
	op.mu.Unlock()
	if cb != nil {
		cb(result, err)
	}
}

// Cancel aborts the currently outstanding request (if any) without
// destroying the operation -- it can still be Submit-ed again,
// distinguishing CANCEL from DESTROY per spec.md §4.8.
func (op *Operation) Cancel() {
	op.mu.Lock()
	cb := op.callback
	op.callback = nil
	op.pending = false
	op.mu.Unlock()
	if cb != nil {
		cb(nil, cos.ErrConnectionClosed)
	}
}

// Destroy permanently ends the operation; idempotent, matching the
// registry's idempotent-unregister contract.
func (op *Operation) Destroy() {
	op.mu.Lock()
	if op.state == Destroyed {
		op.mu.Unlock()
		return
	}
	cb := op.callback
	op.callback = nil
	op.state = Destroyed
	op.pending = false
	op.mu.Unlock()
	if cb != nil {
		cb(nil, cos.ErrConnectionClosed)
	}
}

// SetField records the structure definition negotiated at INIT.
func (op *Operation) SetField(f *pvdata.Field) {
	op.mu.Lock()
	op.field = f
	op.mu.Unlock()
}

// Field returns the structure definition, or nil if INIT hasn't
// completed yet.
func (op *Operation) Field() *pvdata.Field {
	op.mu.Lock()
	defer op.mu.Unlock()
	return op.field
}

// BindPipeline attaches the monitor pipeline this operation's data
// messages push into. Only meaningful for Kind == KindMonitor.
func (op *Operation) BindPipeline(p *monitor.Pipeline) {
	op.mu.Lock()
	op.pipeline = p
	op.mu.Unlock()
}

// Pipeline returns the bound pipeline, or nil if none was bound (a
// non-Monitor operation).
func (op *Operation) Pipeline() *monitor.Pipeline {
	op.mu.Lock()
	defer op.mu.Unlock()
	return op.pipeline
}

// SetNotify registers a callback the dispatcher fires after every
// Monitor data message is pushed into the bound pipeline, so a
// consumer blocked waiting for updates can wake up. Only meaningful
// for Kind == KindMonitor.
func (op *Operation) SetNotify(fn func()) {
	op.mu.Lock()
	op.notify = fn
	op.mu.Unlock()
}

// NotifyUpdate invokes the registered notify callback, if any.
func (op *Operation) NotifyUpdate() {
	op.mu.Lock()
	fn := op.notify
	op.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// SetAckFunc registers how this Monitor sends its pipelined ack
// (spec.md §4.9): nfree is the count of deliveries since the last ack.
func (op *Operation) SetAckFunc(fn func(nfree int) error) {
	op.mu.Lock()
	op.ackFunc = fn
	op.mu.Unlock()
}

// SendAck invokes the registered ack function, if any.
func (op *Operation) SendAck(nfree int) error {
	op.mu.Lock()
	fn := op.ackFunc
	op.mu.Unlock()
	if fn == nil {
		return nil
	}
	return fn(nfree)
}

// Resubscribe resets the operation to Idle with no request
// outstanding, so it can be Submit-ed again after the underlying
// transport reconnects. It sends nothing itself: the original
// PVRequest is not replayed and no INIT is re-sent.
func (op *Operation) Resubscribe() {
	op.mu.Lock()
	op.state = Idle
	op.pending = false
	op.mu.Unlock()
}
