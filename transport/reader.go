package transport

import (
	"io"
	"sync/atomic"

	"github.com/pvaccess-go/pva/bytebuf"
	"github.com/pvaccess-go/pva/cmn/cos"
	"github.com/pvaccess-go/pva/cmn/nlog"
	"github.com/pvaccess-go/pva/wire"
)

// SizeUnknown marks a payload whose total size isn't known up front
// (mirrors the teacher's transport.SizeUnknown).
const SizeUnknown = -1

// OnControl is invoked synchronously the moment a control frame is
// decoded, including ones interleaved between another message's
// segments (spec.md §4.2: "Control messages MAY appear interleaved
// between segments and are dispatched immediately").
type OnControl func(cmd wire.Command, param uint32)

// Reader is the read-side framing state machine (READ_HEADER,
// PROCESS_HEADER, READ_PAYLOAD, PROCESS_PAYLOAD, NORMAL, WAIT_FOR_DATA
// in spec.md §4.2) collapsed onto a blocking io.Reader: ensure() is the
// "wait for data" suspension point.
type Reader struct {
	conn io.Reader
	buf  []byte
	r, w int

	onControl OnControl

	invalidCount atomic.Int64
}

func NewReader(conn io.Reader, bufSize int, onControl OnControl) *Reader {
	return &Reader{conn: conn, buf: make([]byte, bufSize), onControl: onControl}
}

// InvalidDataStreamCount is the read-side counter spec.md §4.2
// requires be exposed.
func (rd *Reader) InvalidDataStreamCount() int64 { return rd.invalidCount.Load() }

// ensure guarantees n bytes (n <= cap(buf)) are available at buf[r:],
// compacting and refilling from the socket as needed -- the
// WAIT_FOR_DATA suspension point.
func (rd *Reader) ensure(n int) error {
	if n > len(rd.buf) {
		return cosErrSegmentTooSmall
	}
	for rd.w-rd.r < n {
		if rd.r > 0 {
			copy(rd.buf, rd.buf[rd.r:rd.w])
			rd.w -= rd.r
			rd.r = 0
		}
		nn, err := rd.conn.Read(rd.buf[rd.w:])
		rd.w += nn
		if rd.w-rd.r >= n {
			break // enough buffered even if err came back alongside it
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func (rd *Reader) readHeader() (wire.Header, error) {
	if err := rd.ensure(wire.HeaderSize); err != nil {
		return wire.Header{}, err
	}
	view := bytebuf.Wrap(rd.buf[rd.r : rd.r+wire.HeaderSize])
	h, err := decodeHeader(view)
	if err != nil {
		return h, err
	}
	rd.r += wire.HeaderSize
	if h.Magic != wire.Magic || !h.ValidFlags() {
		rd.invalidCount.Add(1)
		nlog.Warningf("transport: invalid-data-stream (magic=%#x flags=%#x)", h.Magic, h.Flags)
		return h, cos.ErrInvalidDataStream
	}
	return h, nil
}

// NextFrame decodes the next top-level unit. For an application frame
// the caller MUST fully drain Body (read to io.EOF) before calling
// NextFrame again: segment reassembly for THIS message happens lazily
// as Body is read.
func (rd *Reader) NextFrame() (Frame, error) {
	h, err := rd.readHeader()
	if err != nil {
		return Frame{}, err
	}
	order := bytebuf.LittleEndian
	if h.BigEndian() {
		order = bytebuf.BigEndian
	}
	if h.IsControl() {
		return Frame{Command: h.Command, Control: true, Param: h.PayloadSize, Order: order}, nil
	}
	seg := h.Segment()
	body := &segBody{
		rd:        rd,
		remaining: int(h.PayloadSize),
		last:      seg == wire.SegSolo || seg == wire.SegLast,
	}
	size := SizeUnknown
	if body.last {
		size = int(h.PayloadSize)
	}
	return Frame{Command: h.Command, Order: order, Body: body, Size: size}, nil
}

// segBody is the de-segmented logical payload stream for one
// application message: it transparently reads past segment boundaries,
// dispatching any control frames it encounters along the way.
type segBody struct {
	rd        *Reader
	remaining int
	last      bool
}

func (sb *segBody) Read(p []byte) (int, error) {
	for sb.remaining == 0 {
		if sb.last {
			return 0, io.EOF
		}
		if err := sb.nextSegment(); err != nil {
			return 0, err
		}
	}
	if err := sb.rd.ensure(1); err != nil {
		return 0, err
	}
	avail := sb.rd.w - sb.rd.r
	if avail > sb.remaining {
		avail = sb.remaining
	}
	if avail > len(p) {
		avail = len(p)
	}
	copy(p, sb.rd.buf[sb.rd.r:sb.rd.r+avail])
	sb.rd.r += avail
	sb.remaining -= avail
	return avail, nil
}

func (sb *segBody) nextSegment() error {
	for {
		h, err := sb.rd.readHeader()
		if err != nil {
			return err
		}
		if h.IsControl() {
			if sb.rd.onControl != nil {
				sb.rd.onControl(h.Command, h.PayloadSize)
			}
			continue
		}
		sb.remaining = int(h.PayloadSize)
		sb.last = h.Segment() == wire.SegLast
		return nil
	}
}
