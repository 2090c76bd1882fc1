package transport

import (
	"io"

	"github.com/pvaccess-go/pva/bytebuf"
	"github.com/pvaccess-go/pva/wire"
)

// FlushStrategy selects when the writer pushes bytes to the socket
// (spec.md §4.3): IMMEDIATE at every EndMessage, or DELAYED until the
// segment buffer fills or the send queue drains.
type FlushStrategy int

const (
	Immediate FlushStrategy = iota
	Delayed
)

// DefaultSegmentSize bounds how much payload one segment carries
// before EnsureBuffer rolls over to a new segment (spec.md §4.2
// "Segmentation").
const DefaultSegmentSize = 16 * 1024

// Writer is the write-side framing state machine: PROCESS_SEND_QUEUE
// drains senders that call StartMessage/EnsureBuffer/EndMessage;
// WAIT_FOR_READY_SIGNAL is modeled by a blocking io.Writer rather than
// true non-blocking I/O, one of the two deployment flavors spec.md §5
// allows.
type Writer struct {
	conn     io.Writer
	order    bytebuf.Order
	strategy FlushStrategy

	seg     []byte
	buf     *bytebuf.Buffer
	pending []byte // accumulated flushed segments awaiting a DELAYED Flush

	cmd           wire.Command
	control       bool
	segmentsSoFar int
}

func NewWriter(conn io.Writer, order bytebuf.Order, strategy FlushStrategy) *Writer {
	seg := make([]byte, DefaultSegmentSize)
	w := &Writer{conn: conn, order: order, strategy: strategy, seg: seg}
	w.buf = bytebuf.Wrap(seg)
	w.buf.SetOrder(order)
	return w
}

// StartMessage begins one logical application message; payload bytes
// are written via Buf() until EndMessage brackets it.
func (w *Writer) StartMessage(cmd wire.Command) {
	w.cmd = cmd
	w.control = false
	w.segmentsSoFar = 0
	w.buf.Clear()
	w.buf.SetPosition(wire.HeaderSize)
}

// Buf exposes the current segment's write cursor for typed puts.
func (w *Writer) Buf() *bytebuf.Buffer { return w.buf }

// EnsureBuffer guarantees n more bytes are available in the current
// segment, flushing a first/middle segment and starting a fresh one
// when the current one would overflow.
func (w *Writer) EnsureBuffer(n int) error {
	if w.buf.Remaining() >= n {
		return nil
	}
	if err := w.flushSegment(false); err != nil {
		return err
	}
	w.buf.Clear()
	w.buf.SetPosition(wire.HeaderSize)
	if w.buf.Remaining() < n {
		return cosErrSegmentTooSmall
	}
	return nil
}

// EndMessage finalizes the message: flushes the last (possibly only)
// segment with the last-segment flag set, and -- under the IMMEDIATE
// strategy -- forces a socket write.
func (w *Writer) EndMessage() error {
	if err := w.flushSegment(true); err != nil {
		return err
	}
	if w.strategy == Immediate {
		return w.Flush()
	}
	return nil
}

func (w *Writer) flushSegment(last bool) error {
	payloadLen := w.buf.Position() - wire.HeaderSize
	seg := wire.SegSolo
	switch {
	case w.segmentsSoFar == 0 && !last:
		seg = wire.SegFirst
	case w.segmentsSoFar > 0 && !last:
		seg = wire.SegMiddle
	case w.segmentsSoFar > 0 && last:
		seg = wire.SegLast
	}
	flags := headerFlags(w.order, false, seg)
	hdr := wire.Header{Magic: wire.Magic, Version: wire.ProtocolVersion, Flags: flags, Command: w.cmd, PayloadSize: uint32(payloadLen)}
	if err := patchHeader(w.buf.Bytes(), hdr); err != nil {
		return err
	}
	w.pending = append(w.pending, w.buf.Bytes()[:w.buf.Position()]...)
	w.segmentsSoFar++
	if w.strategy == Immediate || len(w.pending) >= DefaultSegmentSize {
		return w.Flush()
	}
	return nil
}

// WriteControl emits a single control-kind frame: no payload, just an
// 8-byte header whose payload_size field carries the control command's
// one-word parameter (spec.md §4.2 step 2). Under Immediate the frame
// is flushed at once; under Delayed it waits in the pending output for
// the next Flush.
func (w *Writer) WriteControl(cmd wire.Command, param uint32) error {
	var hdrbuf [wire.HeaderSize]byte
	flags := headerFlags(w.order, true, wire.SegSolo)
	hdr := wire.Header{Magic: wire.Magic, Version: wire.ProtocolVersion, Flags: flags, Command: cmd, PayloadSize: param}
	if err := patchHeader(hdrbuf[:], hdr); err != nil {
		return err
	}
	w.pending = append(w.pending, hdrbuf[:]...)
	if w.strategy == Immediate {
		return w.Flush()
	}
	return nil
}

// Flush pushes any accumulated bytes to the socket. Under DELAYED
// strategy, callers (typically the send-queue drain loop) call this
// once the queue empties or the accumulation threshold is hit.
func (w *Writer) Flush() error {
	if len(w.pending) == 0 {
		return nil
	}
	_, err := w.conn.Write(w.pending)
	w.pending = w.pending[:0]
	return err
}

func headerFlags(order bytebuf.Order, control bool, seg wire.Segment) uint8 {
	var f uint8
	if control {
		f |= wire.FlagControl
	}
	f |= seg.flagBits()
	if order == bytebuf.BigEndian {
		f |= wire.FlagBigEndian
	}
	return f
}

func patchHeader(dst []byte, h wire.Header) error {
	if len(dst) < wire.HeaderSize {
		return cosErrSegmentTooSmall
	}
	b := bytebuf.Wrap(dst[:wire.HeaderSize])
	if h.Flags&wire.FlagBigEndian != 0 {
		b.SetOrder(bytebuf.BigEndian)
	} else {
		b.SetOrder(bytebuf.LittleEndian)
	}
	if err := b.PutUint8(h.Magic); err != nil {
		return err
	}
	if err := b.PutUint8(h.Version); err != nil {
		return err
	}
	if err := b.PutUint8(h.Flags); err != nil {
		return err
	}
	if err := b.PutUint8(uint8(h.Command)); err != nil {
		return err
	}
	return b.PutUint32(h.PayloadSize)
}
