// Package bytebuf implements the position/limit byte arena the rest of
// pva is built on (spec.md §4.1). Every buffer is externally sized at
// construction -- Ensure reports cos.ErrBufferTooSmall rather than
// silently growing, matching the "no hidden allocation" requirement.
package bytebuf

import (
	"encoding/binary"
	"math/bits"

	"github.com/pvaccess-go/pva/cmn/cos"
	"github.com/pvaccess-go/pva/cmn/debug"
)

// Order selects the byte order a Buffer encodes/decodes with. The wire
// format lets each sender pick independently per message (flags bit 7),
// so Order lives on the Buffer, not as a package-level global.
type Order int

const (
	LittleEndian Order = iota
	BigEndian
)

func (o Order) stdlib() binary.ByteOrder {
	if o == BigEndian {
		return binary.BigEndian
	}
	return binary.LittleEndian
}

// Buffer is a contiguous byte arena with an explicit position, limit
// and capacity, mirroring java.nio.ByteBuffer's classic put/flip/get
// cycle.
type Buffer struct {
	buf      []byte
	position int
	limit    int
	order    Order
	markPos  int
	hasMark  bool
}

// NewBuffer allocates a buffer of exactly capacity bytes, position 0,
// limit == capacity.
func NewBuffer(capacity int) *Buffer {
	return &Buffer{buf: make([]byte, capacity), limit: capacity}
}

// Wrap adapts an existing slice without copying; position 0, limit ==
// len(b). Used by the codec to hand the reader the socket's own
// receive buffer.
func Wrap(b []byte) *Buffer {
	return &Buffer{buf: b, limit: len(b)}
}

func (b *Buffer) SetOrder(o Order) { b.order = o }
func (b *Buffer) Order() Order     { return b.order }

func (b *Buffer) Capacity() int  { return len(b.buf) }
func (b *Buffer) Position() int  { return b.position }
func (b *Buffer) Limit() int     { return b.limit }
func (b *Buffer) Remaining() int { return b.limit - b.position }
func (b *Buffer) HasRemaining() bool { return b.position < b.limit }

// Bytes exposes the backing array for zero-copy socket I/O; callers
// must not retain it past the buffer's next mutation.
func (b *Buffer) Bytes() []byte { return b.buf }

func (b *Buffer) SetPosition(p int) {
	debug.Assert(p >= 0 && p <= b.limit)
	b.position = p
}

func (b *Buffer) SetLimit(l int) {
	debug.Assert(l >= 0 && l <= len(b.buf))
	b.limit = l
	if b.position > l {
		b.position = l
	}
}

// Flip prepares the buffer to be drained after writes: limit <-
// position, position <- 0.
func (b *Buffer) Flip() {
	b.limit = b.position
	b.position = 0
}

// Clear resets position to 0 and limit to capacity, as if newly
// allocated; bytes are not zeroed.
func (b *Buffer) Clear() {
	b.position = 0
	b.limit = len(b.buf)
}

// Compact moves the unread region [position,limit) to the front and
// sets position to its length, limit to capacity -- used by the codec
// reader when a partial message must be preserved across a socket
// refill.
func (b *Buffer) Compact() {
	n := copy(b.buf, b.buf[b.position:b.limit])
	b.position = n
	b.limit = len(b.buf)
}

func (b *Buffer) Mark() {
	b.markPos = b.position
	b.hasMark = true
}

func (b *Buffer) Reset() {
	debug.Assert(b.hasMark)
	b.position = b.markPos
}

// Ensure reports whether n more bytes can be written/read without
// exceeding limit; it never grows the buffer.
func (b *Buffer) Ensure(n int) error {
	if b.limit-b.position < n {
		return cos.ErrBufferTooSmall
	}
	return nil
}

// Align pads position up to the next multiple of boundary (a power of
// two) with zero bytes, per spec.md §4.2's alignment contract. boundary
// must be a power of two.
func (b *Buffer) Align(boundary int) error {
	debug.Assert(bits.OnesCount(uint(boundary)) == 1)
	pad := (boundary - (b.position % boundary)) % boundary
	if pad == 0 {
		return nil
	}
	if err := b.Ensure(pad); err != nil {
		return err
	}
	for i := 0; i < pad; i++ {
		b.buf[b.position+i] = 0
	}
	b.position += pad
	return nil
}

// SkipAlign advances position past boundary-aligned pad bytes already
// present in the stream (the reader's half of Align).
func (b *Buffer) SkipAlign(boundary int) error {
	debug.Assert(bits.OnesCount(uint(boundary)) == 1)
	pad := (boundary - (b.position % boundary)) % boundary
	if pad == 0 {
		return nil
	}
	if err := b.Ensure(pad); err != nil {
		return err
	}
	b.position += pad
	return nil
}

//
// bulk put/get
//

func (b *Buffer) PutBytes(p []byte) error {
	if err := b.Ensure(len(p)); err != nil {
		return err
	}
	copy(b.buf[b.position:], p)
	b.position += len(p)
	return nil
}

func (b *Buffer) GetBytes(n int) ([]byte, error) {
	if err := b.Ensure(n); err != nil {
		return nil, err
	}
	p := b.buf[b.position : b.position+n]
	b.position += n
	return p, nil
}

//
// typed put/get
//

func (b *Buffer) PutUint8(v uint8) error {
	if err := b.Ensure(1); err != nil {
		return err
	}
	b.buf[b.position] = v
	b.position++
	return nil
}

func (b *Buffer) GetUint8() (uint8, error) {
	if err := b.Ensure(1); err != nil {
		return 0, err
	}
	v := b.buf[b.position]
	b.position++
	return v, nil
}

func (b *Buffer) PutUint16(v uint16) error {
	if err := b.Ensure(2); err != nil {
		return err
	}
	b.order.stdlib().PutUint16(b.buf[b.position:], v)
	b.position += 2
	return nil
}

func (b *Buffer) GetUint16() (uint16, error) {
	if err := b.Ensure(2); err != nil {
		return 0, err
	}
	v := b.order.stdlib().Uint16(b.buf[b.position:])
	b.position += 2
	return v, nil
}

func (b *Buffer) PutUint32(v uint32) error {
	if err := b.Ensure(4); err != nil {
		return err
	}
	b.order.stdlib().PutUint32(b.buf[b.position:], v)
	b.position += 4
	return nil
}

func (b *Buffer) GetUint32() (uint32, error) {
	if err := b.Ensure(4); err != nil {
		return 0, err
	}
	v := b.order.stdlib().Uint32(b.buf[b.position:])
	b.position += 4
	return v, nil
}

func (b *Buffer) PutUint64(v uint64) error {
	if err := b.Ensure(8); err != nil {
		return err
	}
	b.order.stdlib().PutUint64(b.buf[b.position:], v)
	b.position += 8
	return nil
}

func (b *Buffer) GetUint64() (uint64, error) {
	if err := b.Ensure(8); err != nil {
		return 0, err
	}
	v := b.order.stdlib().Uint64(b.buf[b.position:])
	b.position += 8
	return v, nil
}

func (b *Buffer) PutInt32(v int32) error { return b.PutUint32(uint32(v)) }
func (b *Buffer) GetInt32() (int32, error) {
	v, err := b.GetUint32()
	return int32(v), err
}

func (b *Buffer) PutFloat64(v float64) error {
	return b.PutUint64(f64bits(v))
}

func (b *Buffer) GetFloat64() (float64, error) {
	v, err := b.GetUint64()
	if err != nil {
		return 0, err
	}
	return bits64f(v), nil
}
