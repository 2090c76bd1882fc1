package client

import (
	"github.com/pvaccess-go/pva/cmn/cos"
	"github.com/pvaccess-go/pva/monitor"
	"github.com/pvaccess-go/pva/operation"
	"github.com/pvaccess-go/pva/pvdata"
	"github.com/pvaccess-go/pva/registry"
	"github.com/pvaccess-go/pva/serialize"
	"github.com/pvaccess-go/pva/session"
	"github.com/pvaccess-go/pva/transport"
	"github.com/pvaccess-go/pva/wire"
)

// putValueBufSize is a generous fixed allowance for a PUT's changed
// bitset + encoded value: the codec's typed puts don't self-report
// their size, so rather than walking the tree twice to compute an
// exact figure, every Put encode call ensures this much segment room
// up front. A value whose encoding overruns that room fails the
// request with the buffer's overflow error; it is never silently
// truncated.
const putValueBufSize = 4096

// channelState mirrors the CREATE_CHANNEL handshake: a channel starts
// unresolved (sid not yet known) and becomes Ready once the server's
// CreateChannel response assigns one.
type channelState int32

const (
	channelPending channelState = iota
	channelReady
	channelDestroyed
)

// Channel is a client's handle to one named process variable on one
// server, correlating the cid this process chose with the sid the
// server later assigns, and fanning out Get/Put/Monitor requests as
// operation.Operation instances sharing the channel's session.
type Channel struct {
	CID  uint32
	Name string

	sess   *session.Session
	client *Client

	sid   uint32
	state channelState

	// ops tracks which ioids belong to this channel, for Destroy's
	// enumeration; the ioids themselves are allocated from and looked
	// up through sess.Ops(), the session-wide table, so a reply never
	// has to know which channel it belongs to -- just its ioid.
	ops *registry.Table[*operation.Operation]
}

func newChannel(cid uint32, name string, sess *session.Session, c *Client) *Channel {
	return &Channel{
		CID:    cid,
		Name:   name,
		sess:   sess,
		client: c,
		state:  channelPending,
		ops:    registry.NewTable[*operation.Operation](),
	}
}

// sendCreateChannel enqueues the CREATE_CHANNEL request that resolves
// ch.sid; the response is applied by onCreateChannelResponse once the
// session's dispatch loop decodes it (spec.md §4.7).
func (ch *Channel) sendCreateChannel() error {
	done := make(chan error, 1)
	ch.sess.SendQ().Enqueue(&transport.Sender{
		Encode: func(w *transport.Writer) error {
			w.StartMessage(wire.CmdCreateChannel)
			if err := w.EnsureBuffer(2 + 4 + len(ch.Name) + 8); err != nil {
				return err
			}
			if err := w.Buf().PutUint16(1); err != nil { // channel count, always 1 per request
				return err
			}
			if err := w.Buf().PutUint32(ch.CID); err != nil {
				return err
			}
			if err := wire.PutString(w.Buf(), ch.Name); err != nil {
				return err
			}
			return w.EndMessage()
		},
		Done: func(err error) { done <- err },
	})
	return <-done
}

// onCreateChannelResponse is called by the session's message dispatch
// once CREATE_CHANNEL's response frame for this cid has been decoded,
// binding ch to the server-assigned sid.
func (ch *Channel) onCreateChannelResponse(sid uint32, err error) {
	if err != nil {
		ch.state = channelDestroyed
		return
	}
	ch.sid = sid
	ch.state = channelReady
}

// newOperation allocates an ioid from the session-wide counter
// (guaranteeing uniqueness across every channel sharing this
// transport, per spec.md §3) and registers the operation both there,
// for dispatch lookup, and in this channel's local table, for Destroy.
func (ch *Channel) newOperation(kind operation.Kind, req *pvdata.PVRequest) *operation.Operation {
	op := operation.New(0, kind, req)
	ioid := ch.sess.Ops().Alloc(op)
	op.IOID = ioid
	ch.ops.Register(ioid, op)
	ch.client.stats.OperationsActive.Inc()
	return op
}

// sendRequest frames one INIT or subsequent request for op against
// cmd, carrying ch.sid and op.IOID as every PVA request does.
func (ch *Channel) sendRequest(cmd wire.Command, op *operation.Operation, qos operation.QoS, encodeBody func(*transport.Writer) error) error {
	done := make(chan error, 1)
	ch.sess.SendQ().Enqueue(&transport.Sender{
		Encode: func(w *transport.Writer) error {
			w.StartMessage(cmd)
			if err := w.EnsureBuffer(4 + 4 + 1); err != nil {
				return err
			}
			if err := w.Buf().PutUint32(ch.sid); err != nil {
				return err
			}
			if err := w.Buf().PutUint32(op.IOID); err != nil {
				return err
			}
			if err := w.Buf().PutUint8(uint8(qos)); err != nil {
				return err
			}
			if encodeBody != nil {
				if err := encodeBody(w); err != nil {
					return err
				}
			}
			return w.EndMessage()
		},
		Done: func(err error) { done <- err },
	})
	return <-done
}

// Get issues a one-shot GET request: a combined INIT+GET negotiates
// the structure and fetches the value in a single round trip, the
// common case for operations not already Active on this ioid.
func (ch *Channel) Get(req *pvdata.PVRequest, cb operation.Callback) error {
	if ch.state != channelReady {
		return cos.Status{Kind: cos.KindNotInitialized, Message: "channel not yet ready"}
	}
	op := ch.newOperation(operation.KindGet, req)
	qos := operation.QoSGet
	if op.Field() == nil {
		qos |= operation.QoSInit
	}
	if err := op.Submit(qos, cb); err != nil {
		return err
	}
	return ch.sendRequest(wire.CmdGet, op, qos, func(w *transport.Writer) error {
		if qos&operation.QoSInit == 0 {
			return nil
		}
		if err := w.EnsureBuffer(putValueBufSize); err != nil {
			return err
		}
		return serialize.EncodePVRequest(w.Buf(), req)
	})
}

// Put issues a PUT: a bare INIT negotiates the target structure, then
// -- once that reply supplies the Field -- a default-qos request
// encodes value's changed leaves against it and carries cb's final
// result.
func (ch *Channel) Put(req *pvdata.PVRequest, value *pvdata.PVField, cb operation.Callback) error {
	if ch.state != channelReady {
		return cos.Status{Kind: cos.KindNotInitialized, Message: "channel not yet ready"}
	}
	op := ch.newOperation(operation.KindPut, req)
	initCB := func(_ *pvdata.PVField, err error) {
		if err != nil {
			cb(nil, err)
			return
		}
		f := op.Field()
		if f == nil {
			cb(nil, cos.Status{Kind: cos.KindFatal, Message: "put init did not negotiate a structure"})
			return
		}
		if err := op.Submit(operation.QoSDefault, cb); err != nil {
			cb(nil, err)
			return
		}
		if err := ch.sendRequest(wire.CmdPut, op, operation.QoSDefault, func(w *transport.Writer) error {
			if err := w.EnsureBuffer(putValueBufSize); err != nil {
				return err
			}
			if err := serialize.EncodeBitSet(w.Buf(), value.Changed); err != nil {
				return err
			}
			return serialize.EncodeValue(w.Buf(), f, value)
		}); err != nil {
			cb(nil, err)
		}
	}
	if err := op.Submit(operation.QoSInit, initCB); err != nil {
		return err
	}
	return ch.sendRequest(wire.CmdPut, op, operation.QoSInit, func(w *transport.Writer) error {
		if err := w.EnsureBuffer(putValueBufSize); err != nil {
			return err
		}
		return serialize.EncodePVRequest(w.Buf(), req)
	})
}

// PutGet issues a combined put-then-get round trip: INIT negotiates one
// shared structure for both the put value and the get result, then a
// single default-qos request carries putVal's changed leaves and
// receives the server's post-put value in the same reply (spec.md
// §4.8's "putGetDone" outcome; getGetDone/getPutDone aren't exposed
// here since this client only ever drives the combined form).
func (ch *Channel) PutGet(req *pvdata.PVRequest, putVal *pvdata.PVField, cb operation.Callback) error {
	if ch.state != channelReady {
		return cos.Status{Kind: cos.KindNotInitialized, Message: "channel not yet ready"}
	}
	op := ch.newOperation(operation.KindPutGet, req)
	initCB := func(_ *pvdata.PVField, err error) {
		if err != nil {
			cb(nil, err)
			return
		}
		f := op.Field()
		if f == nil {
			cb(nil, cos.Status{Kind: cos.KindFatal, Message: "putget init did not negotiate a structure"})
			return
		}
		if err := op.Submit(operation.QoSDefault, cb); err != nil {
			cb(nil, err)
			return
		}
		if err := ch.sendRequest(wire.CmdPutGet, op, operation.QoSDefault, func(w *transport.Writer) error {
			if err := w.EnsureBuffer(putValueBufSize); err != nil {
				return err
			}
			if err := serialize.EncodeBitSet(w.Buf(), putVal.Changed); err != nil {
				return err
			}
			return serialize.EncodeValue(w.Buf(), f, putVal)
		}); err != nil {
			cb(nil, err)
		}
	}
	if err := op.Submit(operation.QoSInit, initCB); err != nil {
		return err
	}
	return ch.sendRequest(wire.CmdPutGet, op, operation.QoSInit, func(w *transport.Writer) error {
		if err := w.EnsureBuffer(putValueBufSize); err != nil {
			return err
		}
		return serialize.EncodePVRequest(w.Buf(), req)
	})
}

// RPC issues one call: INIT negotiates the shared argument/response
// structure (spec.md DESIGN.md note: one negotiated Field serves both
// directions), then a single request carries arg's changed leaves and
// receives the response in the same reply.
func (ch *Channel) RPC(req *pvdata.PVRequest, arg *pvdata.PVField, cb operation.Callback) error {
	if ch.state != channelReady {
		return cos.Status{Kind: cos.KindNotInitialized, Message: "channel not yet ready"}
	}
	op := ch.newOperation(operation.KindRPC, req)
	initCB := func(_ *pvdata.PVField, err error) {
		if err != nil {
			cb(nil, err)
			return
		}
		f := op.Field()
		if f == nil {
			cb(nil, cos.Status{Kind: cos.KindFatal, Message: "rpc init did not negotiate a structure"})
			return
		}
		if err := op.Submit(operation.QoSDefault, cb); err != nil {
			cb(nil, err)
			return
		}
		if err := ch.sendRequest(wire.CmdRPC, op, operation.QoSDefault, func(w *transport.Writer) error {
			if err := w.EnsureBuffer(putValueBufSize); err != nil {
				return err
			}
			if err := serialize.EncodeBitSet(w.Buf(), arg.Changed); err != nil {
				return err
			}
			return serialize.EncodeValue(w.Buf(), f, arg)
		}); err != nil {
			cb(nil, err)
		}
	}
	if err := op.Submit(operation.QoSInit, initCB); err != nil {
		return err
	}
	return ch.sendRequest(wire.CmdRPC, op, operation.QoSInit, func(w *transport.Writer) error {
		if err := w.EnsureBuffer(putValueBufSize); err != nil {
			return err
		}
		return serialize.EncodePVRequest(w.Buf(), req)
	})
}

// Array issues a GET over a subrange of a server-advertised array
// channel: req's "offset"/"count"/"stride" options (spec.md §4.8)
// select the subrange at INIT; a separate GET-qos request then
// fetches the range, matching the server's INIT-only reply
// (handleArray never combines INIT with data, unlike Get).
func (ch *Channel) Array(req *pvdata.PVRequest, cb operation.Callback) error {
	if ch.state != channelReady {
		return cos.Status{Kind: cos.KindNotInitialized, Message: "channel not yet ready"}
	}
	op := ch.newOperation(operation.KindArray, req)
	initCB := func(_ *pvdata.PVField, err error) {
		if err != nil {
			cb(nil, err)
			return
		}
		if op.Field() == nil {
			cb(nil, cos.Status{Kind: cos.KindFatal, Message: "array init did not negotiate a structure"})
			return
		}
		if err := op.Submit(operation.QoSGet, cb); err != nil {
			cb(nil, err)
			return
		}
		if err := ch.sendRequest(wire.CmdArray, op, operation.QoSGet, nil); err != nil {
			cb(nil, err)
		}
	}
	if err := op.Submit(operation.QoSInit, initCB); err != nil {
		return err
	}
	return ch.sendRequest(wire.CmdArray, op, operation.QoSInit, func(w *transport.Writer) error {
		if err := w.EnsureBuffer(putValueBufSize); err != nil {
			return err
		}
		return serialize.EncodePVRequest(w.Buf(), req)
	})
}

// GetField negotiates only a structure description for req, without
// fetching a value -- spec.md §4.8's GetField, degenerate INIT-only
// variant (server side: handleGetField).
func (ch *Channel) GetField(req *pvdata.PVRequest, cb operation.Callback) error {
	if ch.state != channelReady {
		return cos.Status{Kind: cos.KindNotInitialized, Message: "channel not yet ready"}
	}
	op := ch.newOperation(operation.KindGet, req)
	qos := operation.QoSInit
	if err := op.Submit(qos, cb); err != nil {
		return err
	}
	return ch.sendRequest(wire.CmdGetField, op, qos, func(w *transport.Writer) error {
		if err := w.EnsureBuffer(putValueBufSize); err != nil {
			return err
		}
		return serialize.EncodePVRequest(w.Buf(), req)
	})
}

// Monitor starts a subscription, delivering updates through pipe until
// the returned operation is destroyed (DestroyOperation or Destroy).
func (ch *Channel) Monitor(req *pvdata.PVRequest, queueSize int, cb operation.Callback) (*operation.Operation, *monitor.Pipeline, error) {
	if ch.state != channelReady {
		return nil, nil, cos.Status{Kind: cos.KindNotInitialized, Message: "channel not yet ready"}
	}
	pipe, err := monitor.NewPipeline(queueSize)
	if err != nil {
		return nil, nil, err
	}
	op := ch.newOperation(operation.KindMonitor, req)
	op.BindPipeline(pipe)
	op.SetAckFunc(ackSender(ch.sess, ch.sid, op.IOID))
	if err := op.Submit(operation.QoSInit, cb); err != nil {
		return nil, nil, err
	}
	if err := ch.sendRequest(wire.CmdMonitor, op, operation.QoSInit, func(w *transport.Writer) error {
		if err := w.EnsureBuffer(putValueBufSize); err != nil {
			return err
		}
		return serialize.EncodePVRequest(w.Buf(), req)
	}); err != nil {
		return nil, nil, err
	}
	return op, pipe, nil
}

// DestroyOperation tears down one operation by ioid (DESTROY_REQUEST),
// distinct from destroying the channel itself.
func (ch *Channel) DestroyOperation(ioid uint32) error {
	op, ok := ch.ops.Unregister(ioid)
	if !ok {
		return nil
	}
	ch.sess.Ops().Unregister(ioid)
	op.Destroy()
	ch.client.stats.OperationsActive.Dec()
	ch.sess.SendQ().Enqueue(&transport.Sender{
		Encode: func(w *transport.Writer) error {
			return w.WriteControl(wire.CmdDestroyRequest, ioid)
		},
	})
	return nil
}

// Destroy tears down the channel: every outstanding operation is
// destroyed, then DESTROY_CHANNEL is sent for ch.sid.
func (ch *Channel) Destroy() error {
	if ch.state == channelDestroyed {
		return nil
	}
	ch.ops.Each(func(ioid uint32, op *operation.Operation) {
		op.Destroy()
		ch.sess.Ops().Unregister(ioid)
	})
	ch.state = channelDestroyed
	ch.client.stats.ChannelsActive.Dec()
	ch.client.channels.Unregister(ch.CID)
	done := make(chan error, 1)
	ch.sess.SendQ().Enqueue(&transport.Sender{
		Encode: func(w *transport.Writer) error {
			w.StartMessage(wire.CmdDestroyChannel)
			if err := w.EnsureBuffer(8); err != nil {
				return err
			}
			if err := w.Buf().PutUint32(ch.sid); err != nil {
				return err
			}
			if err := w.Buf().PutUint32(ch.CID); err != nil {
				return err
			}
			return w.EndMessage()
		},
		Done: func(err error) { done <- err },
	})
	return <-done
}
