package server

import (
	"net"
	"strings"
	"testing"
	"time"

	"github.com/pvaccess-go/pva/bytebuf"
	"github.com/pvaccess-go/pva/cmn/cos"
	"github.com/pvaccess-go/pva/discovery"
	"github.com/pvaccess-go/pva/operation"
	"github.com/pvaccess-go/pva/pvdata"
	"github.com/pvaccess-go/pva/security"
	"github.com/pvaccess-go/pva/serialize"
	"github.com/pvaccess-go/pva/session"
	"github.com/pvaccess-go/pva/transport"
	"github.com/pvaccess-go/pva/wire"
)

// testClientHandler is a minimal session.Handler standing in for
// package client's own dispatch so this test can drive the wire
// protocol frame-by-frame, the way transport_test.go hand-assembles
// frames rather than going through a higher package.
type testClientHandler struct {
	frames chan rawFrame
}

type rawFrame struct {
	cmd wire.Command
	buf *bytebuf.Buffer
}

func (h *testClientHandler) HandleFrame(cmd wire.Command, _ bytebuf.Order, buf *bytebuf.Buffer) error {
	h.frames <- rawFrame{cmd, buf}
	return nil
}
func (h *testClientHandler) HandleClosed(error) { close(h.frames) }

func scalarIntField() *pvdata.Field {
	return pvdata.NewStruct("epics:nt/NTScalar:1.0", pvdata.NewScalar("value", pvdata.TypeInt))
}

func dial(t *testing.T, srv *Server) (*session.Session, *testClientHandler) {
	t.Helper()
	conn, err := net.Dial("tcp", srv.Addr())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	sess := session.New(conn, false, bytebuf.LittleEndian, security.Default())
	if err := sess.ClientValidate("anonymous"); err != nil {
		t.Fatalf("ClientValidate: %v", err)
	}
	go sess.RunSendQ()
	h := &testClientHandler{frames: make(chan rawFrame, 8)}
	go sess.RunRecv(h)
	return sess, h
}

func createChannel(t *testing.T, sess *session.Session, h *testClientHandler, cid uint32, name string) uint32 {
	t.Helper()
	sess.SendQ().Enqueue(&transport.Sender{Encode: func(w *transport.Writer) error {
		w.StartMessage(wire.CmdCreateChannel)
		if err := w.EnsureBuffer(2 + 4 + wire.StringWireLen(name)); err != nil {
			return err
		}
		if err := w.Buf().PutUint16(1); err != nil {
			return err
		}
		if err := w.Buf().PutUint32(cid); err != nil {
			return err
		}
		if err := wire.PutString(w.Buf(), name); err != nil {
			return err
		}
		return w.EndMessage()
	}})
	fr := recvFrame(t, h)
	if fr.cmd != wire.CmdCreateChannel {
		t.Fatalf("got cmd %v, want CmdCreateChannel", fr.cmd)
	}
	gotCID, err := fr.buf.GetUint32()
	if err != nil || gotCID != cid {
		t.Fatalf("cid=%d err=%v, want %d", gotCID, err, cid)
	}
	sid, err := fr.buf.GetUint32()
	if err != nil {
		t.Fatalf("decode sid: %v", err)
	}
	st, err := serialize.DecodeStatus(fr.buf)
	if err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if !st.IsOK() {
		t.Fatalf("create channel status: %+v", st)
	}
	return sid
}

func recvFrame(t *testing.T, h *testClientHandler) rawFrame {
	t.Helper()
	select {
	case fr, ok := <-h.frames:
		if !ok {
			t.Fatal("connection closed before expected reply")
		}
		return fr
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for reply")
		return rawFrame{}
	}
}

func sendRequest(t *testing.T, sess *session.Session, cmd wire.Command, sid, ioid uint32, qos operation.QoS, body func(*transport.Writer) error) {
	t.Helper()
	sess.SendQ().Enqueue(&transport.Sender{Encode: func(w *transport.Writer) error {
		w.StartMessage(cmd)
		if err := w.EnsureBuffer(4 + 4 + 1 + 4096); err != nil {
			return err
		}
		if err := w.Buf().PutUint32(sid); err != nil {
			return err
		}
		if err := w.Buf().PutUint32(ioid); err != nil {
			return err
		}
		if err := w.Buf().PutUint8(uint8(qos)); err != nil {
			return err
		}
		if body != nil {
			if err := body(w); err != nil {
				return err
			}
		}
		return w.EndMessage()
	}})
}

func TestServerBasicGet(t *testing.T) {
	provider := NewMemProvider()
	field := scalarIntField()
	initial := pvdata.NewPVField(field)
	initial.Set("value", int32(42))
	provider.Declare("test:get", field, initial)

	srv, err := Listen(nil, provider, "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer srv.Close()
	go srv.acceptLoop()

	sess, h := dial(t, srv)
	sid := createChannel(t, sess, h, 1, "test:get")

	recvReg := serialize.NewRegistry()
	const ioid = 100
	req := &pvdata.PVRequest{Options: map[string]string{}}
	sendRequest(t, sess, wire.CmdGet, sid, ioid, operation.QoSInit|operation.QoSGet, func(w *transport.Writer) error {
		return serialize.EncodePVRequest(w.Buf(), req)
	})

	fr := recvFrame(t, h)
	if fr.cmd != wire.CmdGet {
		t.Fatalf("cmd=%v, want CmdGet", fr.cmd)
	}
	gotIOID, err := fr.buf.GetUint32()
	if err != nil || gotIOID != ioid {
		t.Fatalf("ioid=%d err=%v", gotIOID, err)
	}
	qosByte, err := fr.buf.GetUint8()
	if err != nil {
		t.Fatal(err)
	}
	st, err := serialize.DecodeStatus(fr.buf)
	if err != nil || !st.IsOK() {
		t.Fatalf("status=%+v err=%v", st, err)
	}
	if operation.QoS(qosByte)&operation.QoSInit == 0 {
		t.Fatalf("expected INIT bit set on combined get reply")
	}
	f, err := serialize.ReadIntrospection(fr.buf, recvReg)
	if err != nil {
		t.Fatalf("ReadIntrospection: %v", err)
	}
	changed, err := serialize.DecodeBitSet(fr.buf)
	if err != nil {
		t.Fatalf("DecodeBitSet: %v", err)
	}
	pv, err := serialize.DecodeValue(fr.buf, f, changed)
	if err != nil {
		t.Fatalf("DecodeValue: %v", err)
	}
	v, ok := pv.Get("value")
	if !ok || v.(int32) != 42 {
		t.Fatalf("value=%v ok=%v, want 42", v, ok)
	}
}

func TestServerPutThenGetReflectsChange(t *testing.T) {
	provider := NewMemProvider()
	field := scalarIntField()
	initial := pvdata.NewPVField(field)
	initial.Set("value", int32(1))
	provider.Declare("test:put", field, initial)

	srv, err := Listen(nil, provider, "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer srv.Close()
	go srv.acceptLoop()

	sess, h := dial(t, srv)
	sid := createChannel(t, sess, h, 1, "test:put")
	recvReg := serialize.NewRegistry()

	const ioid = 200
	req := &pvdata.PVRequest{Options: map[string]string{}}
	sendRequest(t, sess, wire.CmdPut, sid, ioid, operation.QoSInit, func(w *transport.Writer) error {
		return serialize.EncodePVRequest(w.Buf(), req)
	})
	fr := recvFrame(t, h)
	if fr.cmd != wire.CmdPut {
		t.Fatalf("cmd=%v, want CmdPut", fr.cmd)
	}
	if _, err := fr.buf.GetUint32(); err != nil { // ioid
		t.Fatal(err)
	}
	qosByte, err := fr.buf.GetUint8()
	if err != nil {
		t.Fatal(err)
	}
	if operation.QoS(qosByte)&operation.QoSInit == 0 {
		t.Fatalf("expected INIT bit set on put init reply")
	}
	if st, err := serialize.DecodeStatus(fr.buf); err != nil || !st.IsOK() {
		t.Fatalf("status=%+v err=%v", st, err)
	}
	f, err := serialize.ReadIntrospection(fr.buf, recvReg)
	if err != nil {
		t.Fatalf("ReadIntrospection: %v", err)
	}

	putVal := pvdata.NewPVField(f)
	putVal.Set("value", int32(99))
	sendRequest(t, sess, wire.CmdPut, sid, ioid, operation.QoSDefault, func(w *transport.Writer) error {
		if err := serialize.EncodeBitSet(w.Buf(), putVal.Changed); err != nil {
			return err
		}
		return serialize.EncodeValue(w.Buf(), f, putVal)
	})
	putReply := recvFrame(t, h)
	if putReply.cmd != wire.CmdPut {
		t.Fatalf("cmd=%v, want CmdPut", putReply.cmd)
	}
	if _, err := putReply.buf.GetUint32(); err != nil {
		t.Fatal(err)
	}
	if _, err := putReply.buf.GetUint8(); err != nil {
		t.Fatal(err)
	}
	if st, err := serialize.DecodeStatus(putReply.buf); err != nil || !st.IsOK() {
		t.Fatalf("put status=%+v err=%v", st, err)
	}

	const getIOID = 201
	sendRequest(t, sess, wire.CmdGet, sid, getIOID, operation.QoSInit|operation.QoSGet, func(w *transport.Writer) error {
		return serialize.EncodePVRequest(w.Buf(), req)
	})
	getReply := recvFrame(t, h)
	if _, err := getReply.buf.GetUint32(); err != nil {
		t.Fatal(err)
	}
	if _, err := getReply.buf.GetUint8(); err != nil {
		t.Fatal(err)
	}
	if st, err := serialize.DecodeStatus(getReply.buf); err != nil || !st.IsOK() {
		t.Fatalf("get status=%+v err=%v", st, err)
	}
	gf, err := serialize.ReadIntrospection(getReply.buf, recvReg)
	if err != nil {
		t.Fatalf("ReadIntrospection: %v", err)
	}
	changed, err := serialize.DecodeBitSet(getReply.buf)
	if err != nil {
		t.Fatal(err)
	}
	pv, err := serialize.DecodeValue(getReply.buf, gf, changed)
	if err != nil {
		t.Fatal(err)
	}
	v, ok := pv.Get("value")
	if !ok || v.(int32) != 99 {
		t.Fatalf("value=%v ok=%v, want 99 after put", v, ok)
	}
}

func TestServerMonitorDeliversUpdate(t *testing.T) {
	provider := NewMemProvider()
	field := scalarIntField()
	initial := pvdata.NewPVField(field)
	initial.Set("value", int32(0))
	provider.Declare("test:mon", field, initial)

	srv, err := Listen(nil, provider, "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer srv.Close()
	go srv.acceptLoop()

	sess, h := dial(t, srv)
	sid := createChannel(t, sess, h, 1, "test:mon")
	recvReg := serialize.NewRegistry()

	const ioid = 300
	req := &pvdata.PVRequest{Options: map[string]string{"queueSize": "4"}}
	sendRequest(t, sess, wire.CmdMonitor, sid, ioid, operation.QoSInit, func(w *transport.Writer) error {
		return serialize.EncodePVRequest(w.Buf(), req)
	})
	fr := recvFrame(t, h)
	if fr.cmd != wire.CmdMonitor {
		t.Fatalf("cmd=%v, want CmdMonitor", fr.cmd)
	}
	if _, err := fr.buf.GetUint32(); err != nil {
		t.Fatal(err)
	}
	if _, err := fr.buf.GetUint8(); err != nil {
		t.Fatal(err)
	}
	if st, err := serialize.DecodeStatus(fr.buf); err != nil || !st.IsOK() {
		t.Fatalf("status=%+v err=%v", st, err)
	}
	f, err := serialize.ReadIntrospection(fr.buf, recvReg)
	if err != nil {
		t.Fatalf("ReadIntrospection: %v", err)
	}

	// Drive an update through a second connection's PUT, the way an
	// independent writer process would.
	writerSess, wh := dial(t, srv)
	wsid := createChannel(t, writerSess, wh, 1, "test:mon")
	sendRequest(t, writerSess, wire.CmdPut, wsid, 1, operation.QoSInit, func(w *transport.Writer) error {
		return serialize.EncodePVRequest(w.Buf(), &pvdata.PVRequest{Options: map[string]string{}})
	})
	recvFrame(t, wh) // init reply
	putVal := pvdata.NewPVField(field)
	putVal.Set("value", int32(7))
	sendRequest(t, writerSess, wire.CmdPut, wsid, 1, operation.QoSDefault, func(w *transport.Writer) error {
		if err := serialize.EncodeBitSet(w.Buf(), putVal.Changed); err != nil {
			return err
		}
		return serialize.EncodeValue(w.Buf(), field, putVal)
	})
	recvFrame(t, wh) // put's own default reply

	data := recvFrame(t, h)
	if data.cmd != wire.CmdMonitor {
		t.Fatalf("cmd=%v, want CmdMonitor data push", data.cmd)
	}
	if _, err := data.buf.GetUint32(); err != nil {
		t.Fatal(err)
	}
	if _, err := data.buf.GetUint8(); err != nil {
		t.Fatal(err)
	}
	if st, err := serialize.DecodeStatus(data.buf); err != nil || !st.IsOK() {
		t.Fatalf("status=%+v err=%v", st, err)
	}
	changed, err := serialize.DecodeBitSet(data.buf)
	if err != nil {
		t.Fatalf("DecodeBitSet: %v", err)
	}
	pv, err := serialize.DecodeValue(data.buf, f, changed)
	if err != nil {
		t.Fatalf("DecodeValue: %v", err)
	}
	v, ok := pv.Get("value")
	if !ok || v.(int32) != 7 {
		t.Fatalf("monitor value=%v ok=%v, want 7", v, ok)
	}
	// spec.md §4.9: the monitor envelope carries a trailing overrun
	// bitset after the value; this update only changed once, so it
	// should come back empty rather than absent.
	overrun, err := serialize.DecodeBitSet(data.buf)
	if err != nil {
		t.Fatalf("DecodeBitSet (overrun): %v", err)
	}
	valueIdx := f.Lookup("value").Index()
	if overrun.Get(valueIdx) {
		t.Fatal("single, uncoalesced update should not be flagged on the overrun set")
	}
}

func TestServerPutGetRoundTrip(t *testing.T) {
	provider := NewMemProvider()
	field := scalarIntField()
	initial := pvdata.NewPVField(field)
	initial.Set("value", int32(5))
	provider.Declare("test:putget", field, initial)

	srv, err := Listen(nil, provider, "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer srv.Close()
	go srv.acceptLoop()

	sess, h := dial(t, srv)
	sid := createChannel(t, sess, h, 1, "test:putget")
	recvReg := serialize.NewRegistry()

	const ioid = 400
	req := &pvdata.PVRequest{Options: map[string]string{}}
	sendRequest(t, sess, wire.CmdPutGet, sid, ioid, operation.QoSInit, func(w *transport.Writer) error {
		return serialize.EncodePVRequest(w.Buf(), req)
	})
	fr := recvFrame(t, h)
	if fr.cmd != wire.CmdPutGet {
		t.Fatalf("cmd=%v, want CmdPutGet", fr.cmd)
	}
	if _, err := fr.buf.GetUint32(); err != nil {
		t.Fatal(err)
	}
	if _, err := fr.buf.GetUint8(); err != nil {
		t.Fatal(err)
	}
	if st, err := serialize.DecodeStatus(fr.buf); err != nil || !st.IsOK() {
		t.Fatalf("status=%+v err=%v", st, err)
	}
	f, err := serialize.ReadIntrospection(fr.buf, recvReg)
	if err != nil {
		t.Fatalf("ReadIntrospection: %v", err)
	}

	putVal := pvdata.NewPVField(f)
	putVal.Set("value", int32(123))
	sendRequest(t, sess, wire.CmdPutGet, sid, ioid, operation.QoSDefault, func(w *transport.Writer) error {
		if err := serialize.EncodeBitSet(w.Buf(), putVal.Changed); err != nil {
			return err
		}
		return serialize.EncodeValue(w.Buf(), f, putVal)
	})
	reply := recvFrame(t, h)
	if _, err := reply.buf.GetUint32(); err != nil {
		t.Fatal(err)
	}
	if _, err := reply.buf.GetUint8(); err != nil {
		t.Fatal(err)
	}
	if st, err := serialize.DecodeStatus(reply.buf); err != nil || !st.IsOK() {
		t.Fatalf("putget status=%+v err=%v", st, err)
	}
	changed, err := serialize.DecodeBitSet(reply.buf)
	if err != nil {
		t.Fatal(err)
	}
	pv, err := serialize.DecodeValue(reply.buf, f, changed)
	if err != nil {
		t.Fatal(err)
	}
	v, ok := pv.Get("value")
	if !ok || v.(int32) != 123 {
		t.Fatalf("putGetDone value=%v ok=%v, want 123", v, ok)
	}
}

func TestServerRPCEchoesArgument(t *testing.T) {
	provider := NewMemProvider()
	field := scalarIntField()
	provider.Declare("test:rpc", field, pvdata.NewPVField(field))

	srv, err := Listen(nil, provider, "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer srv.Close()
	go srv.acceptLoop()

	sess, h := dial(t, srv)
	sid := createChannel(t, sess, h, 1, "test:rpc")
	recvReg := serialize.NewRegistry()

	const ioid = 500
	req := &pvdata.PVRequest{Options: map[string]string{}}
	sendRequest(t, sess, wire.CmdRPC, sid, ioid, operation.QoSInit, func(w *transport.Writer) error {
		return serialize.EncodePVRequest(w.Buf(), req)
	})
	fr := recvFrame(t, h)
	if fr.cmd != wire.CmdRPC {
		t.Fatalf("cmd=%v, want CmdRPC", fr.cmd)
	}
	if _, err := fr.buf.GetUint32(); err != nil {
		t.Fatal(err)
	}
	if _, err := fr.buf.GetUint8(); err != nil {
		t.Fatal(err)
	}
	if st, err := serialize.DecodeStatus(fr.buf); err != nil || !st.IsOK() {
		t.Fatalf("status=%+v err=%v", st, err)
	}
	f, err := serialize.ReadIntrospection(fr.buf, recvReg)
	if err != nil {
		t.Fatalf("ReadIntrospection: %v", err)
	}

	arg := pvdata.NewPVField(f)
	arg.Set("value", int32(77))
	sendRequest(t, sess, wire.CmdRPC, sid, ioid, operation.QoSDefault, func(w *transport.Writer) error {
		if err := serialize.EncodeBitSet(w.Buf(), arg.Changed); err != nil {
			return err
		}
		return serialize.EncodeValue(w.Buf(), f, arg)
	})
	reply := recvFrame(t, h)
	if _, err := reply.buf.GetUint32(); err != nil {
		t.Fatal(err)
	}
	if _, err := reply.buf.GetUint8(); err != nil {
		t.Fatal(err)
	}
	if st, err := serialize.DecodeStatus(reply.buf); err != nil || !st.IsOK() {
		t.Fatalf("rpc status=%+v err=%v", st, err)
	}
	changed, err := serialize.DecodeBitSet(reply.buf)
	if err != nil {
		t.Fatal(err)
	}
	pv, err := serialize.DecodeValue(reply.buf, f, changed)
	if err != nil {
		t.Fatal(err)
	}
	v, ok := pv.Get("value")
	if !ok || v.(int32) != 77 {
		t.Fatalf("rpc echoed value=%v ok=%v, want 77", v, ok)
	}
}

func TestServerArraySubrange(t *testing.T) {
	provider := NewMemProvider()
	field := pvdata.NewArray("value", pvdata.NewScalar("", pvdata.TypeInt))
	initial := pvdata.NewPVField(field)
	initial.SetArray("", []any{int32(10), int32(20), int32(30), int32(40), int32(50)})
	provider.Declare("test:array", field, initial)

	srv, err := Listen(nil, provider, "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer srv.Close()
	go srv.acceptLoop()

	sess, h := dial(t, srv)
	sid := createChannel(t, sess, h, 1, "test:array")
	recvReg := serialize.NewRegistry()

	const ioid = 600
	req := &pvdata.PVRequest{Options: map[string]string{"offset": "1", "count": "2"}}
	sendRequest(t, sess, wire.CmdArray, sid, ioid, operation.QoSInit, func(w *transport.Writer) error {
		return serialize.EncodePVRequest(w.Buf(), req)
	})
	fr := recvFrame(t, h)
	if fr.cmd != wire.CmdArray {
		t.Fatalf("cmd=%v, want CmdArray", fr.cmd)
	}
	if _, err := fr.buf.GetUint32(); err != nil {
		t.Fatal(err)
	}
	if _, err := fr.buf.GetUint8(); err != nil {
		t.Fatal(err)
	}
	if st, err := serialize.DecodeStatus(fr.buf); err != nil || !st.IsOK() {
		t.Fatalf("status=%+v err=%v", st, err)
	}
	f, err := serialize.ReadIntrospection(fr.buf, recvReg)
	if err != nil {
		t.Fatalf("ReadIntrospection: %v", err)
	}

	sendRequest(t, sess, wire.CmdArray, sid, ioid, operation.QoSGet, nil)
	reply := recvFrame(t, h)
	if _, err := reply.buf.GetUint32(); err != nil {
		t.Fatal(err)
	}
	if _, err := reply.buf.GetUint8(); err != nil {
		t.Fatal(err)
	}
	if st, err := serialize.DecodeStatus(reply.buf); err != nil || !st.IsOK() {
		t.Fatalf("array status=%+v err=%v", st, err)
	}
	changed, err := serialize.DecodeBitSet(reply.buf)
	if err != nil {
		t.Fatal(err)
	}
	pv, err := serialize.DecodeValue(reply.buf, f, changed)
	if err != nil {
		t.Fatal(err)
	}
	arr, ok := pv.GetArray("")
	if !ok || len(arr) != 2 || arr[0].(int32) != 20 || arr[1].(int32) != 30 {
		t.Fatalf("array subrange=%v ok=%v, want [20 30]", arr, ok)
	}
}

func TestServerGetFieldReturnsStructureOnly(t *testing.T) {
	provider := NewMemProvider()
	field := scalarIntField()
	initial := pvdata.NewPVField(field)
	initial.Set("value", int32(1))
	provider.Declare("test:getfield", field, initial)

	srv, err := Listen(nil, provider, "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer srv.Close()
	go srv.acceptLoop()

	sess, h := dial(t, srv)
	sid := createChannel(t, sess, h, 1, "test:getfield")
	recvReg := serialize.NewRegistry()

	const ioid = 700
	req := &pvdata.PVRequest{Options: map[string]string{}}
	sendRequest(t, sess, wire.CmdGetField, sid, ioid, operation.QoSInit, func(w *transport.Writer) error {
		return serialize.EncodePVRequest(w.Buf(), req)
	})
	fr := recvFrame(t, h)
	if fr.cmd != wire.CmdGetField {
		t.Fatalf("cmd=%v, want CmdGetField", fr.cmd)
	}
	if _, err := fr.buf.GetUint32(); err != nil {
		t.Fatal(err)
	}
	if _, err := fr.buf.GetUint8(); err != nil {
		t.Fatal(err)
	}
	if st, err := serialize.DecodeStatus(fr.buf); err != nil || !st.IsOK() {
		t.Fatalf("status=%+v err=%v", st, err)
	}
	f, err := serialize.ReadIntrospection(fr.buf, recvReg)
	if err != nil {
		t.Fatalf("ReadIntrospection: %v", err)
	}
	if f.NumFields() == 0 {
		t.Fatalf("expected a non-empty structure description")
	}
}

func TestServerGetAgainstUnknownChannelFails(t *testing.T) {
	provider := NewMemProvider()
	srv, err := Listen(nil, provider, "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer srv.Close()
	go srv.acceptLoop()

	sess, h := dial(t, srv)
	sess.SendQ().Enqueue(&transport.Sender{Encode: func(w *transport.Writer) error {
		w.StartMessage(wire.CmdCreateChannel)
		if err := w.EnsureBuffer(2 + 4 + wire.StringWireLen("nope")); err != nil {
			return err
		}
		if err := w.Buf().PutUint16(1); err != nil {
			return err
		}
		if err := w.Buf().PutUint32(1); err != nil {
			return err
		}
		if err := wire.PutString(w.Buf(), "nope"); err != nil {
			return err
		}
		return w.EndMessage()
	}})
	fr := recvFrame(t, h)
	if _, err := fr.buf.GetUint32(); err != nil {
		t.Fatal(err)
	}
	if _, err := fr.buf.GetUint32(); err != nil {
		t.Fatal(err)
	}
	st, err := serialize.DecodeStatus(fr.buf)
	if err != nil {
		t.Fatal(err)
	}
	if st.IsOK() || st.Kind != cos.KindBadCID {
		t.Fatalf("status=%+v, want a BadCID failure", st)
	}
}

func sendRawCreateChannel(t *testing.T, sess *session.Session, cid uint32, name string) {
	t.Helper()
	sess.SendQ().Enqueue(&transport.Sender{Encode: func(w *transport.Writer) error {
		w.StartMessage(wire.CmdCreateChannel)
		if err := w.EnsureBuffer(2 + 4 + wire.StringWireLen(name)); err != nil {
			return err
		}
		if err := w.Buf().PutUint16(1); err != nil {
			return err
		}
		if err := w.Buf().PutUint32(cid); err != nil {
			return err
		}
		if err := wire.PutString(w.Buf(), name); err != nil {
			return err
		}
		return w.EndMessage()
	}})
}

// TestServerCreateChannelDisconnectsOnInvalidNameLength covers spec.md
// §8's boundary behaviours: an empty channel name or one longer than
// 500 bytes must disconnect the client rather than get a normal reply.
func TestServerCreateChannelDisconnectsOnInvalidNameLength(t *testing.T) {
	cases := []struct {
		name string
		nm   string
	}{
		{"empty", ""},
		{"tooLong", strings.Repeat("x", maxChannelNameLen+1)},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			provider := NewMemProvider()
			srv, err := Listen(nil, provider, "127.0.0.1:0")
			if err != nil {
				t.Fatalf("Listen: %v", err)
			}
			defer srv.Close()
			go srv.acceptLoop()

			sess, h := dial(t, srv)
			sendRawCreateChannel(t, sess, 1, c.nm)

			select {
			case fr, ok := <-h.frames:
				if ok {
					t.Fatalf("expected connection to be closed, got frame %v", fr.cmd)
				}
			case <-time.After(2 * time.Second):
				t.Fatal("timed out waiting for disconnect")
			}
		})
	}
}

// TestServerRebroadcastRecordsRelayAndForwardsResponse covers spec.md
// §4.6 S5: an untagged SEARCH asking to rebroadcast gets relayed with
// the response address rewritten to the server's own, and a matching
// SEARCH_RESPONSE later routes back to the true requester via the
// relay table recorded at rebroadcast time.
func TestServerRebroadcastRecordsRelayAndForwardsResponse(t *testing.T) {
	provider := NewMemProvider()
	srv, err := Listen(nil, provider, "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer srv.Close()

	requester, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1")})
	if err != nil {
		t.Fatalf("listen requester socket: %v", err)
	}
	defer requester.Close()
	from := requester.LocalAddr().(*net.UDPAddr)

	req := discovery.DecodedSearch{
		Seq:   1,
		QoS:   discovery.QoSUnicastRebroadcast,
		Names: []discovery.NameEntry{{CID: 7, Name: "some:channel"}},
	}
	srv.rebroadcast(req, from)

	srv.relayMu.Lock()
	entry, ok := srv.relay[7]
	srv.relayMu.Unlock()
	if !ok {
		t.Fatal("expected rebroadcast to record a relay entry for cid 7")
	}
	if entry.addr.String() != from.String() {
		t.Fatalf("relay entry addr=%s, want %s", entry.addr, from)
	}

	resp := discovery.DecodedSearchResponse{
		Seq:        1,
		GUID:       wire.NewGUID(),
		ServerAddr: from,
		Protocol:   "tcp",
		Found:      true,
		CIDs:       []uint32{7},
	}
	srv.forwardRelayedResponse(resp)

	requester.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 4096)
	n, _, err := requester.ReadFromUDP(buf)
	if err != nil {
		t.Fatalf("expected forwarded response to reach the original requester: %v", err)
	}
	got, err := discovery.DecodeSearchResponse(buf[:n])
	if err != nil {
		t.Fatalf("DecodeSearchResponse: %v", err)
	}
	if len(got.CIDs) != 1 || got.CIDs[0] != 7 {
		t.Fatalf("CIDs=%v, want [7]", got.CIDs)
	}
}
