package client

import (
	"github.com/pvaccess-go/pva/bytebuf"
	"github.com/pvaccess-go/pva/cmn/cos"
	"github.com/pvaccess-go/pva/cmn/nlog"
	"github.com/pvaccess-go/pva/operation"
	"github.com/pvaccess-go/pva/serialize"
	"github.com/pvaccess-go/pva/session"
	"github.com/pvaccess-go/pva/transport"
	"github.com/pvaccess-go/pva/wire"
)

// clientSessionHandler turns one Session's decoded frames into the
// Channel/Operation callbacks spec.md §4.7/§4.8 describe. One instance
// is bound per Session (client.go wires it in at sessionFor time).
type clientSessionHandler struct {
	client *Client
	sess   *session.Session
}

func (h *clientSessionHandler) HandleFrame(cmd wire.Command, order bytebuf.Order, buf *bytebuf.Buffer) error {
	switch cmd {
	case wire.CmdCreateChannel:
		return h.handleCreateChannelReply(buf)
	case wire.CmdDestroyChannel:
		return nil // client-initiated; nothing to correlate on receipt
	case wire.CmdGet, wire.CmdPut, wire.CmdPutGet, wire.CmdRPC, wire.CmdArray, wire.CmdGetField:
		return h.handleOperationReply(buf)
	case wire.CmdMonitor:
		return h.handleMonitorReply(buf)
	default:
		nlog.Warningf("client: unhandled application command %v", cmd)
		return nil
	}
}

// HandleClosed cancels every operation on this transport, which fails
// each outstanding request's callback with cos.ErrConnectionClosed.
// Channels, and operations with no request outstanding, receive no
// callback.
func (h *clientSessionHandler) HandleClosed(cause error) {
	h.client.channels.Each(func(_ uint32, ch *Channel) {
		if ch.sess != h.sess {
			return
		}
		ch.sess.Ops().Each(func(_ uint32, op *operation.Operation) {
			op.Cancel()
		})
	})
}

func (h *clientSessionHandler) handleCreateChannelReply(buf *bytebuf.Buffer) error {
	cid, err := buf.GetUint32()
	if err != nil {
		return err
	}
	sid, err := buf.GetUint32()
	if err != nil {
		return err
	}
	st, err := serialize.DecodeStatus(buf)
	if err != nil {
		return err
	}
	ch, ok := h.client.channels.Lookup(cid)
	if !ok {
		return cos.Status{Kind: cos.KindBadCID, Message: "create-channel reply for unknown cid"}
	}
	if !st.IsOK() {
		ch.onCreateChannelResponse(0, st)
		return nil
	}
	ch.onCreateChannelResponse(sid, nil)
	return nil
}

// handleOperationReply decodes the uniform Get/Put/PutGet/RPC/Array/
// GetField reply envelope: ioid, qos, status, and -- on INIT, the
// negotiated Field; on a default-qos reply, the changed BitSet and the
// value itself.
func (h *clientSessionHandler) handleOperationReply(buf *bytebuf.Buffer) error {
	ioid, err := buf.GetUint32()
	if err != nil {
		return err
	}
	qosByte, err := buf.GetUint8()
	if err != nil {
		return err
	}
	qos := operation.QoS(qosByte)
	st, err := serialize.DecodeStatus(buf)
	if err != nil {
		return err
	}
	op, ok := h.sess.Ops().Lookup(ioid)
	if !ok {
		nlog.Warningf("client: reply for unknown ioid %d", ioid)
		return nil
	}
	if !st.IsOK() {
		op.Complete(nil, st)
		return nil
	}
	f := op.Field()
	if qos&operation.QoSInit != 0 {
		f, err = serialize.ReadIntrospection(buf, h.sess.RecvRegistry())
		if err != nil {
			op.Complete(nil, err)
			return nil
		}
		op.SetField(f)
	}
	// A combined INIT+GET (or any reply that isn't pure INIT) carries
	// data right after the structure; a bare INIT -- Put/PutGet/RPC/
	// Array negotiating their structure before a later default
	// request -- carries none.
	if qos&operation.QoSInit != 0 && qos&operation.QoSGet == 0 {
		op.Complete(nil, nil)
		return nil
	}
	if f == nil {
		op.Complete(nil, cos.Status{Kind: cos.KindNotInitialized, Message: "reply before structure negotiated"})
		return nil
	}
	changed, err := serialize.DecodeBitSet(buf)
	if err != nil {
		op.Complete(nil, err)
		return nil
	}
	pv, err := serialize.DecodeValue(buf, f, changed)
	if err != nil {
		op.Complete(nil, err)
		return nil
	}
	op.Complete(pv, nil)
	return nil
}

// handleMonitorReply handles both the INIT reply (negotiates the
// Field, same as any other operation) and the unsolicited data
// messages a live subscription pushes (spec.md §4.9): those push into
// the bound pipeline and wake the consumer instead of completing a
// pending Submit.
func (h *clientSessionHandler) handleMonitorReply(buf *bytebuf.Buffer) error {
	ioid, err := buf.GetUint32()
	if err != nil {
		return err
	}
	qosByte, err := buf.GetUint8()
	if err != nil {
		return err
	}
	qos := operation.QoS(qosByte)
	st, err := serialize.DecodeStatus(buf)
	if err != nil {
		return err
	}
	op, ok := h.sess.Ops().Lookup(ioid)
	if !ok {
		nlog.Warningf("client: monitor data for unknown ioid %d", ioid)
		return nil
	}
	if !st.IsOK() {
		op.Complete(nil, st)
		return nil
	}
	if qos&operation.QoSInit != 0 {
		f, ferr := serialize.ReadIntrospection(buf, h.sess.RecvRegistry())
		if ferr != nil {
			op.Complete(nil, ferr)
			return nil
		}
		op.SetField(f)
		op.Complete(nil, nil)
		return nil
	}
	f := op.Field()
	if f == nil {
		return cos.Status{Kind: cos.KindNotInitialized, Message: "monitor data before structure negotiated"}
	}
	pv, err := serialize.DecodeMonitorUpdate(buf, f)
	if err != nil {
		return err
	}
	pipe := op.Pipeline()
	if pipe == nil {
		return nil
	}
	pipe.Push(pv)
	op.NotifyUpdate()
	if pipe.NeedsAck() {
		n := pipe.PendingAckCount()
		if err := op.SendAck(n); err == nil {
			pipe.Ack(n)
		}
	}
	return nil
}

// ackSender returns an operation.Operation ack function that sends a
// CmdMonitor message carrying qos=GET_PUT and the free count (spec.md
// §4.9 "Pipelining", S6), used to bind Monitor's SetAckFunc.
func ackSender(sess *session.Session, sid uint32, ioid uint32) func(nfree int) error {
	return func(nfree int) error {
		done := make(chan error, 1)
		sess.SendQ().Enqueue(&transport.Sender{
			Encode: func(w *transport.Writer) error {
				w.StartMessage(wire.CmdMonitor)
				if err := w.EnsureBuffer(4 + 4 + 1 + 4); err != nil {
					return err
				}
				if err := w.Buf().PutUint32(sid); err != nil {
					return err
				}
				if err := w.Buf().PutUint32(ioid); err != nil {
					return err
				}
				if err := w.Buf().PutUint8(uint8(operation.QoSGetPut)); err != nil {
					return err
				}
				if err := w.Buf().PutUint32(uint32(nfree)); err != nil {
					return err
				}
				return w.EndMessage()
			},
			Done: func(err error) { done <- err },
		})
		return <-done
	}
}
