package transport

import (
	"bytes"
	"io"
	"testing"

	"github.com/pvaccess-go/pva/bytebuf"
	"github.com/pvaccess-go/pva/cmn/cos"
	"github.com/pvaccess-go/pva/wire"
)

func TestWriterReaderRoundTripSolo(t *testing.T) {
	var conn bytes.Buffer
	w := NewWriter(&conn, bytebuf.LittleEndian, Immediate)
	w.StartMessage(wire.CmdGet)
	if err := w.EnsureBuffer(4); err != nil {
		t.Fatal(err)
	}
	if err := w.Buf().PutUint32(0xDEADBEEF); err != nil {
		t.Fatal(err)
	}
	if err := w.EndMessage(); err != nil {
		t.Fatal(err)
	}

	rd := NewReader(&conn, 256, nil)
	fr, err := rd.NextFrame()
	if err != nil {
		t.Fatalf("NextFrame: %v", err)
	}
	if fr.Control || fr.Command != wire.CmdGet {
		t.Fatalf("unexpected frame: %+v", fr)
	}
	payload, err := io.ReadAll(fr.Body)
	if err != nil {
		t.Fatal(err)
	}
	if len(payload) != 4 {
		t.Fatalf("payload len=%d, want 4", len(payload))
	}
	if rd.InvalidDataStreamCount() != 0 {
		t.Fatalf("unexpected invalid count")
	}
}

func TestWriterReaderRoundTripSegmented(t *testing.T) {
	var conn bytes.Buffer
	w := NewWriter(&conn, bytebuf.LittleEndian, Immediate)
	w.StartMessage(wire.CmdPut)

	const total = DefaultSegmentSize*2 + 37
	written := 0
	for written < total {
		chunk := total - written
		if chunk > 512 {
			chunk = 512
		}
		if err := w.EnsureBuffer(chunk); err != nil {
			t.Fatal(err)
		}
		for i := 0; i < chunk; i++ {
			if err := w.Buf().PutUint8(byte(written + i)); err != nil {
				t.Fatal(err)
			}
		}
		written += chunk
	}
	if err := w.EndMessage(); err != nil {
		t.Fatal(err)
	}

	rd := NewReader(&conn, 4096, nil)
	fr, err := rd.NextFrame()
	if err != nil {
		t.Fatalf("NextFrame: %v", err)
	}
	got, err := io.ReadAll(fr.Body)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != total {
		t.Fatalf("reassembled len=%d, want %d", len(got), total)
	}
	for i := range got {
		if got[i] != byte(i) {
			t.Fatalf("byte %d = %d, want %d", i, got[i], byte(i))
		}
	}
}

func TestReaderRejectsBadMagic(t *testing.T) {
	bad := []byte{0x00, wire.ProtocolVersion, 0, byte(wire.CmdEcho), 0, 0, 0, 0}
	rd := NewReader(bytes.NewReader(bad), 64, nil)
	_, err := rd.NextFrame()
	if err != cos.ErrInvalidDataStream {
		t.Fatalf("err=%v, want ErrInvalidDataStream", err)
	}
	if rd.InvalidDataStreamCount() != 1 {
		t.Fatalf("invalid count=%d, want 1", rd.InvalidDataStreamCount())
	}
}

// header builds a raw 8-byte little-endian header for hand-assembled
// wire fixtures below.
func header(cmd wire.Command, flags uint8, size uint32) []byte {
	b := []byte{wire.Magic, wire.ProtocolVersion, flags, byte(cmd), 0, 0, 0, 0}
	b[4] = byte(size)
	b[5] = byte(size >> 8)
	b[6] = byte(size >> 16)
	b[7] = byte(size >> 24)
	return b
}

func TestInterleavedControlDispatchedDuringSegments(t *testing.T) {
	var stream []byte
	stream = append(stream, header(wire.CmdMonitor, wire.FlagSegFirst, 4)...)
	stream = append(stream, 1, 2, 3, 4)
	stream = append(stream, header(wire.CmdEcho, wire.FlagControl, 7)...)
	stream = append(stream, header(wire.CmdMonitor, wire.FlagSegLast, 2)...)
	stream = append(stream, 5, 6)

	var seen []wire.Command
	rd := NewReader(bytes.NewReader(stream), 4096, func(cmd wire.Command, _ uint32) {
		seen = append(seen, cmd)
	})
	fr, err := rd.NextFrame()
	if err != nil {
		t.Fatalf("NextFrame: %v", err)
	}
	got, err := io.ReadAll(fr.Body)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, []byte{1, 2, 3, 4, 5, 6}) {
		t.Fatalf("reassembled payload=%v", got)
	}
	if len(seen) != 1 || seen[0] != wire.CmdEcho {
		t.Fatalf("seen=%v, want [CmdEcho]", seen)
	}
}

func TestAlignedWriteConsumedByRead(t *testing.T) {
	var conn bytes.Buffer
	w := NewWriter(&conn, bytebuf.LittleEndian, Immediate)
	w.StartMessage(wire.CmdRPC)
	if err := w.EnsureBuffer(3); err != nil {
		t.Fatal(err)
	}
	if err := w.Buf().PutUint8(1); err != nil {
		t.Fatal(err)
	}
	if err := w.Buf().PutUint16(2); err != nil {
		t.Fatal(err)
	}
	if err := w.Buf().Align(8); err != nil {
		t.Fatal(err)
	}
	if err := w.Buf().PutUint64(0x1122334455667788); err != nil {
		t.Fatal(err)
	}
	if err := w.EndMessage(); err != nil {
		t.Fatal(err)
	}

	rd := NewReader(&conn, 256, nil)
	fr, err := rd.NextFrame()
	if err != nil {
		t.Fatal(err)
	}
	payload, err := io.ReadAll(fr.Body)
	if err != nil {
		t.Fatal(err)
	}
	pb := bytebuf.Wrap(payload)
	pb.SetOrder(bytebuf.LittleEndian)
	if _, err := pb.GetUint8(); err != nil {
		t.Fatal(err)
	}
	if _, err := pb.GetUint16(); err != nil {
		t.Fatal(err)
	}
	if err := pb.SkipAlign(8); err != nil {
		t.Fatal(err)
	}
	v, err := pb.GetUint64()
	if err != nil {
		t.Fatal(err)
	}
	if v != 0x1122334455667788 {
		t.Fatalf("v=%#x", v)
	}
}
