package server

import (
	"strconv"

	"github.com/pvaccess-go/pva/bytebuf"
	"github.com/pvaccess-go/pva/cmn/cos"
	"github.com/pvaccess-go/pva/cmn/nlog"
	"github.com/pvaccess-go/pva/operation"
	"github.com/pvaccess-go/pva/pvdata"
	"github.com/pvaccess-go/pva/registry"
	"github.com/pvaccess-go/pva/serialize"
	"github.com/pvaccess-go/pva/session"
	"github.com/pvaccess-go/pva/transport"
	"github.com/pvaccess-go/pva/wire"
)

// ioidEntry correlates a bare ioid (the unit CANCEL_REQUEST/
// DESTROY_REQUEST control frames carry) back to the channel and
// opState it belongs to, since those control frames don't repeat the
// sid (spec.md §4.2 step 2: "payload_size field... carries a
// parameter").
type ioidEntry struct {
	channel *ServerChannel
	op      *opState
}

// connHandler is one accepted TCP connection's command dispatcher: it
// implements session.Handler, turning decoded application frames into
// ChannelProvider/Channel calls and framing the replies spec.md §4.8's
// uniform Get/Put/PutGet/RPC/Array/GetField envelope describes.
// Grounded on client.clientSessionHandler, the same dispatch-by-command
// shape read in reverse.
type connHandler struct {
	srv  *Server
	sess *session.Session

	channels *registry.Table[*ServerChannel] // keyed by sid
	byIOID   *registry.Table[*ioidEntry]
}

func newConnHandler(srv *Server, sess *session.Session) *connHandler {
	h := &connHandler{
		srv:      srv,
		sess:     sess,
		channels: registry.NewTable[*ServerChannel](),
		byIOID:   registry.NewTable[*ioidEntry](),
	}
	sess.SetAppControl(h.handleControl)
	return h
}

func (h *connHandler) HandleFrame(cmd wire.Command, _ bytebuf.Order, buf *bytebuf.Buffer) error {
	switch cmd {
	case wire.CmdCreateChannel:
		return h.handleCreateChannel(buf)
	case wire.CmdDestroyChannel:
		return h.handleDestroyChannel(buf)
	case wire.CmdGet:
		return h.handleGet(buf)
	case wire.CmdPut:
		return h.handlePut(buf)
	case wire.CmdPutGet:
		return h.handlePutGet(buf)
	case wire.CmdRPC:
		return h.handleRPC(buf)
	case wire.CmdArray:
		return h.handleArray(buf)
	case wire.CmdGetField:
		return h.handleGetField(buf)
	case wire.CmdMonitor:
		return h.handleMonitor(buf)
	default:
		nlog.Warningf("server: unhandled application command %v", cmd)
		return nil
	}
}

// HandleClosed destroys every channel this connection owns (spec.md
// §4.5 exactly-once disconnect fan-out).
func (h *connHandler) HandleClosed(cause error) {
	h.channels.Each(func(_ uint32, ch *ServerChannel) {
		ch.destroy()
		h.srv.stats.ChannelsActive.Dec()
	})
	h.srv.stats.TransportsActive.Dec()
}

func (h *connHandler) handleControl(cmd wire.Command, ioid uint32) {
	entry, ok := h.byIOID.Lookup(ioid)
	if !ok {
		nlog.Warningf("server: %v for unknown ioid %d", cmd, ioid)
		return
	}
	switch cmd {
	case wire.CmdCancelRequest:
		// Cancel is cooperative and leaves the operation initialised
		// (spec.md §4.8); a live Monitor subscription is left running.
	case wire.CmdDestroyRequest:
		entry.op.close()
		entry.channel.ops.Unregister(ioid)
		h.byIOID.Unregister(ioid)
	}
}

// maxChannelNameLen is spec.md §8's boundary on CREATE_CHANNEL's name:
// an empty name or one longer than this disconnects the client rather
// than failing just that one channel, since a name this malformed
// indicates a peer that isn't speaking the protocol correctly.
const maxChannelNameLen = 500

func (h *connHandler) handleCreateChannel(buf *bytebuf.Buffer) error {
	count, err := buf.GetUint16()
	if err != nil {
		return err
	}
	for i := 0; i < int(count); i++ {
		cid, err := buf.GetUint32()
		if err != nil {
			return err
		}
		name, err := wire.GetString(buf)
		if err != nil {
			return err
		}
		if name == "" || len(name) > maxChannelNameLen {
			return cos.Status{Kind: cos.KindInvalidDataStream, Message: "invalid channel name length"}
		}
		h.createOne(cid, name)
	}
	return nil
}

func (h *connHandler) createOne(cid uint32, name string) {
	var sid uint32
	st := cos.OK()
	provCh, err := h.srv.provider.CreateChannel(name)
	if err != nil {
		st = cos.Status{Kind: cos.KindBadCID, Message: err.Error()}
	} else {
		sc := newServerChannel(cid, 0, name, provCh)
		sid = h.channels.Alloc(sc)
		sc.SID = sid
		h.srv.stats.ChannelsActive.Inc()
	}
	h.sess.SendQ().Enqueue(&transport.Sender{Encode: func(w *transport.Writer) error {
		w.StartMessage(wire.CmdCreateChannel)
		if err := w.EnsureBuffer(4 + 4 + 1 + wire.StringWireLen(st.Message)); err != nil {
			return err
		}
		if err := w.Buf().PutUint32(cid); err != nil {
			return err
		}
		if err := w.Buf().PutUint32(sid); err != nil {
			return err
		}
		if err := serialize.EncodeStatus(w.Buf(), st); err != nil {
			return err
		}
		return w.EndMessage()
	}})
}

func (h *connHandler) handleDestroyChannel(buf *bytebuf.Buffer) error {
	sid, err := buf.GetUint32()
	if err != nil {
		return err
	}
	if _, err := buf.GetUint32(); err != nil { // cid, unused server-side
		return err
	}
	sc, ok := h.channels.Unregister(sid)
	if !ok {
		return nil
	}
	sc.destroy()
	sc.ops.Each(func(ioid uint32, _ *opState) { h.byIOID.Unregister(ioid) })
	h.srv.stats.ChannelsActive.Dec()
	return nil
}

// lookupSID decodes the (sid, ioid, qos) envelope every per-channel
// request shares and resolves sid to its ServerChannel.
func (h *connHandler) lookupSID(buf *bytebuf.Buffer) (sid, ioid uint32, qos operation.QoS, sc *ServerChannel, err error) {
	if sid, err = buf.GetUint32(); err != nil {
		return
	}
	if ioid, err = buf.GetUint32(); err != nil {
		return
	}
	qb, e := buf.GetUint8()
	if e != nil {
		err = e
		return
	}
	qos = operation.QoS(qb)
	var ok bool
	sc, ok = h.channels.Lookup(sid)
	if !ok {
		err = cos.Status{Kind: cos.KindBadCID, Message: "request against unknown sid"}
	}
	return
}

// replyEnvelope frames the uniform ioid/qos/status(+body) reply every
// operation kind shares, including Monitor's pushed data.
func (h *connHandler) replyEnvelope(cmd wire.Command, ioid uint32, qos operation.QoS, st cos.Status, body func(*transport.Writer) error) {
	h.sess.SendQ().Enqueue(&transport.Sender{Encode: func(w *transport.Writer) error {
		w.StartMessage(cmd)
		if err := w.EnsureBuffer(4 + 1 + 1 + wire.StringWireLen(st.Message)); err != nil {
			return err
		}
		if err := w.Buf().PutUint32(ioid); err != nil {
			return err
		}
		if err := w.Buf().PutUint8(uint8(qos)); err != nil {
			return err
		}
		if err := serialize.EncodeStatus(w.Buf(), st); err != nil {
			return err
		}
		if !st.IsOK() || body == nil {
			return w.EndMessage()
		}
		if err := w.EnsureBuffer(4096); err != nil {
			return err
		}
		if err := body(w); err != nil {
			return err
		}
		return w.EndMessage()
	}})
}

func (h *connHandler) writeIntrospection(w *transport.Writer, f *pvdata.Field) error {
	return serialize.WriteIntrospection(w.Buf(), h.sess.SendRegistry(), f)
}

func writeBitSetValue(w *transport.Writer, f *pvdata.Field, pv *pvdata.PVField) error {
	if err := serialize.EncodeBitSet(w.Buf(), pv.Changed); err != nil {
		return err
	}
	return serialize.EncodeValue(w.Buf(), f, pv)
}

func (h *connHandler) registerOp(sc *ServerChannel, ioid uint32, kind operation.Kind) *opState {
	op := newOpState(ioid, kind)
	sc.ops.Register(ioid, op)
	h.byIOID.Register(ioid, &ioidEntry{channel: sc, op: op})
	h.srv.stats.OperationsActive.Inc()
	return op
}

func (h *connHandler) handleGet(buf *bytebuf.Buffer) error {
	sid, ioid, qos, sc, err := h.lookupSID(buf)
	_ = sid
	if err != nil {
		return err
	}
	if qos&operation.QoSInit != 0 {
		req, err := serialize.DecodePVRequest(buf)
		if err != nil {
			return err
		}
		field, ferr := sc.provider.Field(req)
		if ferr != nil {
			h.replyEnvelope(wire.CmdGet, ioid, qos, cos.Status{Kind: cos.KindBadCID, Message: ferr.Error()}, nil)
			return nil
		}
		op := h.registerOp(sc, ioid, operation.KindGet)
		op.setField(field)
		if qos&operation.QoSGet == 0 {
			h.replyEnvelope(wire.CmdGet, ioid, qos, cos.OK(), func(w *transport.Writer) error {
				return h.writeIntrospection(w, field)
			})
			return nil
		}
		value, gerr := sc.provider.Get()
		if gerr != nil {
			h.replyEnvelope(wire.CmdGet, ioid, qos, cos.Status{Kind: cos.KindFatal, Message: gerr.Error()}, nil)
			return nil
		}
		h.replyEnvelope(wire.CmdGet, ioid, qos, cos.OK(), func(w *transport.Writer) error {
			if err := h.writeIntrospection(w, field); err != nil {
				return err
			}
			return writeBitSetValue(w, field, value)
		})
		return nil
	}
	entry, ok := h.byIOID.Lookup(ioid)
	if !ok {
		return cos.Status{Kind: cos.KindBadIOID, Message: "get for uninitialised ioid"}
	}
	value, gerr := sc.provider.Get()
	if gerr != nil {
		h.replyEnvelope(wire.CmdGet, ioid, operation.QoSDefault, cos.Status{Kind: cos.KindFatal, Message: gerr.Error()}, nil)
		return nil
	}
	field := entry.op.getField()
	h.replyEnvelope(wire.CmdGet, ioid, operation.QoSDefault, cos.OK(), func(w *transport.Writer) error {
		return writeBitSetValue(w, field, value)
	})
	return nil
}

func (h *connHandler) handlePut(buf *bytebuf.Buffer) error {
	_, ioid, qos, sc, err := h.lookupSID(buf)
	if err != nil {
		return err
	}
	if qos&operation.QoSInit != 0 {
		req, err := serialize.DecodePVRequest(buf)
		if err != nil {
			return err
		}
		field, ferr := sc.provider.Field(req)
		if ferr != nil {
			h.replyEnvelope(wire.CmdPut, ioid, qos, cos.Status{Kind: cos.KindBadCID, Message: ferr.Error()}, nil)
			return nil
		}
		op := h.registerOp(sc, ioid, operation.KindPut)
		op.setField(field)
		h.replyEnvelope(wire.CmdPut, ioid, qos, cos.OK(), func(w *transport.Writer) error {
			return h.writeIntrospection(w, field)
		})
		return nil
	}
	entry, ok := h.byIOID.Lookup(ioid)
	if !ok {
		return cos.Status{Kind: cos.KindBadIOID, Message: "put for uninitialised ioid"}
	}
	field := entry.op.getField()
	if field == nil {
		h.replyEnvelope(wire.CmdPut, ioid, operation.QoSDefault, cos.Status{Kind: cos.KindNotInitialized, Message: "put before init"}, nil)
		return nil
	}
	changed, err := serialize.DecodeBitSet(buf)
	if err != nil {
		return err
	}
	value, err := serialize.DecodeValue(buf, field, changed)
	if err != nil {
		h.replyEnvelope(wire.CmdPut, ioid, operation.QoSDefault, cos.Status{Kind: cos.KindInvalidPutStructure, Message: err.Error()}, nil)
		return nil
	}
	if err := sc.provider.Put(value); err != nil {
		h.replyEnvelope(wire.CmdPut, ioid, operation.QoSDefault, cos.Status{Kind: cos.KindFatal, Message: err.Error()}, nil)
		return nil
	}
	h.replyEnvelope(wire.CmdPut, ioid, operation.QoSDefault, cos.OK(), func(w *transport.Writer) error {
		return writeBitSetValue(w, field, value)
	})
	return nil
}

// handlePutGet implements the three outcomes spec.md §4.8 names:
// default qos puts then gets ("putGetDone"), GET alone re-gets without
// a put ("getGetDone"), and GET_PUT retrieves this ioid's own last-put
// value without touching the channel ("getPutDone").
func (h *connHandler) handlePutGet(buf *bytebuf.Buffer) error {
	_, ioid, qos, sc, err := h.lookupSID(buf)
	if err != nil {
		return err
	}
	if qos&operation.QoSInit != 0 {
		req, err := serialize.DecodePVRequest(buf)
		if err != nil {
			return err
		}
		field, ferr := sc.provider.Field(req)
		if ferr != nil {
			h.replyEnvelope(wire.CmdPutGet, ioid, qos, cos.Status{Kind: cos.KindBadCID, Message: ferr.Error()}, nil)
			return nil
		}
		op := h.registerOp(sc, ioid, operation.KindPutGet)
		op.setField(field)
		h.replyEnvelope(wire.CmdPutGet, ioid, qos, cos.OK(), func(w *transport.Writer) error {
			return h.writeIntrospection(w, field)
		})
		return nil
	}
	entry, ok := h.byIOID.Lookup(ioid)
	if !ok {
		return cos.Status{Kind: cos.KindBadIOID, Message: "putget for uninitialised ioid"}
	}
	op := entry.op
	field := op.getField()
	if field == nil {
		h.replyEnvelope(wire.CmdPutGet, ioid, qos, cos.Status{Kind: cos.KindNotInitialized, Message: "putget before init"}, nil)
		return nil
	}
	switch {
	case qos&operation.QoSGetPut != 0: // getPutDone
		op.mu.Lock()
		lastPut := op.lastPut
		op.mu.Unlock()
		if lastPut == nil {
			lastPut = pvdata.NewPVField(field)
		}
		h.replyEnvelope(wire.CmdPutGet, ioid, qos, cos.OK(), func(w *transport.Writer) error {
			return writeBitSetValue(w, field, lastPut)
		})
	case qos&operation.QoSGet != 0: // getGetDone
		value, gerr := sc.provider.Get()
		if gerr != nil {
			h.replyEnvelope(wire.CmdPutGet, ioid, qos, cos.Status{Kind: cos.KindFatal, Message: gerr.Error()}, nil)
			return nil
		}
		h.replyEnvelope(wire.CmdPutGet, ioid, qos, cos.OK(), func(w *transport.Writer) error {
			return writeBitSetValue(w, field, value)
		})
	default: // putGetDone
		changed, derr := serialize.DecodeBitSet(buf)
		if derr != nil {
			return derr
		}
		putVal, derr := serialize.DecodeValue(buf, field, changed)
		if derr != nil {
			h.replyEnvelope(wire.CmdPutGet, ioid, qos, cos.Status{Kind: cos.KindInvalidPutStructure, Message: derr.Error()}, nil)
			return nil
		}
		if err := sc.provider.Put(putVal); err != nil {
			h.replyEnvelope(wire.CmdPutGet, ioid, qos, cos.Status{Kind: cos.KindFatal, Message: err.Error()}, nil)
			return nil
		}
		op.mu.Lock()
		op.lastPut = putVal
		op.mu.Unlock()
		value, gerr := sc.provider.Get()
		if gerr != nil {
			h.replyEnvelope(wire.CmdPutGet, ioid, qos, cos.Status{Kind: cos.KindFatal, Message: gerr.Error()}, nil)
			return nil
		}
		h.replyEnvelope(wire.CmdPutGet, ioid, qos, cos.OK(), func(w *transport.Writer) error {
			return writeBitSetValue(w, field, value)
		})
	}
	return nil
}

func (h *connHandler) handleRPC(buf *bytebuf.Buffer) error {
	_, ioid, qos, sc, err := h.lookupSID(buf)
	if err != nil {
		return err
	}
	rpcCh, supported := sc.provider.(RPCChannel)
	if qos&operation.QoSInit != 0 {
		req, err := serialize.DecodePVRequest(buf)
		if err != nil {
			return err
		}
		if !supported {
			h.replyEnvelope(wire.CmdRPC, ioid, qos, cos.Status{Kind: cos.KindNotAChannelRequest, Message: "channel does not support RPC"}, nil)
			return nil
		}
		field, ferr := sc.provider.Field(req)
		if ferr != nil {
			h.replyEnvelope(wire.CmdRPC, ioid, qos, cos.Status{Kind: cos.KindBadCID, Message: ferr.Error()}, nil)
			return nil
		}
		op := h.registerOp(sc, ioid, operation.KindRPC)
		op.setField(field)
		h.replyEnvelope(wire.CmdRPC, ioid, qos, cos.OK(), func(w *transport.Writer) error {
			return h.writeIntrospection(w, field)
		})
		return nil
	}
	entry, ok := h.byIOID.Lookup(ioid)
	if !ok {
		return cos.Status{Kind: cos.KindBadIOID, Message: "rpc for uninitialised ioid"}
	}
	field := entry.op.getField()
	changed, derr := serialize.DecodeBitSet(buf)
	if derr != nil {
		return derr
	}
	arg, derr := serialize.DecodeValue(buf, field, changed)
	if derr != nil {
		h.replyEnvelope(wire.CmdRPC, ioid, operation.QoSDefault, cos.Status{Kind: cos.KindInvalidPutStructure, Message: derr.Error()}, nil)
		return nil
	}
	resp, cerr := rpcCh.Call(arg)
	if cerr != nil {
		h.replyEnvelope(wire.CmdRPC, ioid, operation.QoSDefault, cos.Status{Kind: cos.KindFatal, Message: cerr.Error()}, nil)
		return nil
	}
	h.replyEnvelope(wire.CmdRPC, ioid, operation.QoSDefault, cos.OK(), func(w *transport.Writer) error {
		return writeBitSetValue(w, field, resp)
	})
	return nil
}

// handleArray implements the bounded subset of spec.md §4.8's "Array"
// operation this repository supports: a provider opting into
// ArrayChannel describes a subrange via the pvRequest's offset/count/
// stride options; SetLength is exposed but not itself wired to a wire
// message, matching this implementation's scope (see DESIGN.md).
func (h *connHandler) handleArray(buf *bytebuf.Buffer) error {
	_, ioid, qos, sc, err := h.lookupSID(buf)
	if err != nil {
		return err
	}
	arrCh, supported := sc.provider.(ArrayChannel)
	if qos&operation.QoSInit != 0 {
		req, err := serialize.DecodePVRequest(buf)
		if err != nil {
			return err
		}
		if !supported {
			h.replyEnvelope(wire.CmdArray, ioid, qos, cos.Status{Kind: cos.KindNotAChannelRequest, Message: "channel is not an array"}, nil)
			return nil
		}
		if arrCh.Fixed() {
			h.replyEnvelope(wire.CmdArray, ioid, qos, cos.Status{Kind: cos.KindInvalidPutArray, Message: "array has a server-fixed length"}, nil)
			return nil
		}
		field, ferr := sc.provider.Field(req)
		if ferr != nil {
			h.replyEnvelope(wire.CmdArray, ioid, qos, cos.Status{Kind: cos.KindBadCID, Message: ferr.Error()}, nil)
			return nil
		}
		op := h.registerOp(sc, ioid, operation.KindArray)
		op.setField(field)
		offset, _ := strconv.Atoi(req.Options["offset"])
		count, countErr := strconv.Atoi(req.Options["count"])
		if countErr != nil {
			count = -1
		}
		stride, strideErr := strconv.Atoi(req.Options["stride"])
		if strideErr != nil {
			stride = 1
		}
		op.arrayOffset, op.arrayCount, op.arrayStride = offset, count, stride
		h.replyEnvelope(wire.CmdArray, ioid, qos, cos.OK(), func(w *transport.Writer) error {
			return h.writeIntrospection(w, field)
		})
		return nil
	}
	entry, ok := h.byIOID.Lookup(ioid)
	if !ok {
		return cos.Status{Kind: cos.KindBadIOID, Message: "array for uninitialised ioid"}
	}
	op := entry.op
	field := op.getField()
	vals, gerr := arrCh.GetRange(op.arrayOffset, op.arrayCount, op.arrayStride)
	if gerr != nil {
		h.replyEnvelope(wire.CmdArray, ioid, operation.QoSDefault, cos.Status{Kind: cos.KindFatal, Message: gerr.Error()}, nil)
		return nil
	}
	value, gerr := sc.provider.Get()
	if gerr != nil {
		h.replyEnvelope(wire.CmdArray, ioid, operation.QoSDefault, cos.Status{Kind: cos.KindFatal, Message: gerr.Error()}, nil)
		return nil
	}
	value.SetArray("", vals)
	h.replyEnvelope(wire.CmdArray, ioid, operation.QoSDefault, cos.OK(), func(w *transport.Writer) error {
		return writeBitSetValue(w, field, value)
	})
	return nil
}

// handleGetField services GET_FIELD as a degenerate, data-free Get
// INIT: it only ever negotiates and returns a structure description,
// the subset of spec.md §4.8's "GetField" package client exercises.
func (h *connHandler) handleGetField(buf *bytebuf.Buffer) error {
	_, ioid, qos, sc, err := h.lookupSID(buf)
	if err != nil {
		return err
	}
	req, err := serialize.DecodePVRequest(buf)
	if err != nil {
		return err
	}
	field, ferr := sc.provider.Field(req)
	if ferr != nil {
		h.replyEnvelope(wire.CmdGetField, ioid, qos, cos.Status{Kind: cos.KindBadCID, Message: ferr.Error()}, nil)
		return nil
	}
	h.replyEnvelope(wire.CmdGetField, ioid, qos, cos.OK(), func(w *transport.Writer) error {
		return h.writeIntrospection(w, field)
	})
	return nil
}

// handleMonitor services both INIT (negotiate + subscribe) and the
// pipelined ack message (qos GET_PUT carrying nfree, spec.md §4.9
// "Pipelining", S6). A live subscription's pushed updates are framed
// by opState.push, wired in below.
func (h *connHandler) handleMonitor(buf *bytebuf.Buffer) error {
	_, ioid, qos, sc, err := h.lookupSID(buf)
	if err != nil {
		return err
	}
	if qos&operation.QoSGetPut != 0 && qos&operation.QoSInit == 0 {
		nfree, err := buf.GetUint32()
		if err != nil {
			return err
		}
		if entry, ok := h.byIOID.Lookup(ioid); ok {
			entry.op.ack(int(nfree))
		}
		return nil
	}
	if qos&operation.QoSInit == 0 {
		return nil
	}
	req, err := serialize.DecodePVRequest(buf)
	if err != nil {
		return err
	}
	field, ferr := sc.provider.Field(req)
	if ferr != nil {
		h.replyEnvelope(wire.CmdMonitor, ioid, qos, cos.Status{Kind: cos.KindBadCID, Message: ferr.Error()}, nil)
		return nil
	}
	op := h.registerOp(sc, ioid, operation.KindMonitor)
	op.setField(field)
	queueSize, qerr := strconv.Atoi(req.Options["queueSize"])
	if qerr != nil || queueSize < 2 {
		queueSize = 16
	}
	op.mu.Lock()
	op.pipeline = req.Options["pipeline"] == "true"
	op.window = queueSize
	op.push = func(pv *pvdata.PVField) error {
		h.replyEnvelope(wire.CmdMonitor, ioid, operation.QoSDefault, cos.OK(), func(w *transport.Writer) error {
			return serialize.EncodeMonitorUpdate(w.Buf(), field, pv)
		})
		return nil
	}
	op.mu.Unlock()
	h.replyEnvelope(wire.CmdMonitor, ioid, qos, cos.OK(), func(w *transport.Writer) error {
		return h.writeIntrospection(w, field)
	})
	cancel, serr := sc.provider.Subscribe(op.deliver)
	if serr != nil {
		nlog.Warningf("server: subscribe failed for %s: %v", sc.Name, serr)
		return nil
	}
	op.mu.Lock()
	op.cancelSub = cancel
	op.mu.Unlock()
	return nil
}
