package server

import (
	"sync"

	"github.com/pvaccess-go/pva/operation"
	"github.com/pvaccess-go/pva/pvdata"
	"github.com/pvaccess-go/pva/registry"
)

// ServerChannel is the server-side counterpart to client.Channel
// (spec.md §3 "ServerChannel"): the cid the client chose, the sid this
// process assigned, the provider.Channel backing it, and the per-ioid
// request map every in-flight operation on it is tracked in.
type ServerChannel struct {
	CID  uint32
	SID  uint32
	Name string

	provider Channel
	ops      *registry.Table[*opState]

	mu        sync.Mutex
	destroyed bool
}

func newServerChannel(cid, sid uint32, name string, provider Channel) *ServerChannel {
	return &ServerChannel{
		CID:      cid,
		SID:      sid,
		Name:     name,
		provider: provider,
		ops:      registry.NewTable[*opState](),
	}
}

// destroy tears down every outstanding operation (cancelling any live
// subscription) exactly once; idempotent per spec.md §4.7.
func (sc *ServerChannel) destroy() {
	sc.mu.Lock()
	if sc.destroyed {
		sc.mu.Unlock()
		return
	}
	sc.destroyed = true
	sc.mu.Unlock()
	sc.ops.Each(func(_ uint32, op *opState) { op.close() })
}

// opState is the server-side bookkeeping for one outstanding ioid:
// which operation kind it is, the structure negotiated at INIT, and
// (Monitor only) the subscription and pipelined-ack window spec.md
// §4.9 describes.
type opState struct {
	IOID uint32
	Kind operation.Kind

	mu      sync.Mutex
	field   *pvdata.Field
	lastPut *pvdata.PVField // PutGet's own last-put value (GET_PUT qos "retrieve stored Put")

	// Monitor-only fields below.
	cancelSub  func()
	pipeline   bool
	window     int  // remaining send credit; pipelining only
	pending    *pvdata.PVField // most recent update withheld while window == 0
	hasPending bool
	push       func(*pvdata.PVField) error // enqueues one MONITOR data message

	// Array-only fields: the subrange negotiated at ARRAY INIT.
	arrayOffset, arrayCount, arrayStride int
}

func newOpState(ioid uint32, kind operation.Kind) *opState {
	return &opState{IOID: ioid, Kind: kind}
}

func (op *opState) setField(f *pvdata.Field) {
	op.mu.Lock()
	op.field = f
	op.mu.Unlock()
}

func (op *opState) getField() *pvdata.Field {
	op.mu.Lock()
	defer op.mu.Unlock()
	return op.field
}

// deliver is the Subscribe callback bound for a Monitor operation: it
// applies pipelined flow control (spec.md §4.9) before calling push.
func (op *opState) deliver(update *pvdata.PVField) {
	op.mu.Lock()
	if !op.pipeline {
		push := op.push
		op.mu.Unlock()
		if push != nil {
			_ = push(update)
		}
		return
	}
	if op.window <= 0 {
		if op.hasPending {
			op.pending.Merge(update)
		} else {
			op.pending = update
			op.hasPending = true
		}
		op.mu.Unlock()
		return
	}
	op.window--
	push := op.push
	op.mu.Unlock()
	if push != nil {
		_ = push(update)
	}
}

// ack credits n more sends (spec.md §4.9's client-acknowledgement
// side of the window), flushing one withheld update if the window was
// closed.
func (op *opState) ack(n int) {
	op.mu.Lock()
	op.window += n
	var flush *pvdata.PVField
	if op.window > 0 && op.hasPending {
		flush = op.pending
		op.pending = nil
		op.hasPending = false
		op.window--
	}
	push := op.push
	op.mu.Unlock()
	if flush != nil && push != nil {
		_ = push(flush)
	}
}

func (op *opState) close() {
	op.mu.Lock()
	cancel := op.cancelSub
	op.cancelSub = nil
	op.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}
