// Package transport implements the framing codec and send queue
// (spec.md §4.2, §4.3): a non-blocking-in-spirit, buffer-aware
// reader/writer that handles message alignment, segmentation across
// buffer boundaries, control-vs-application interleaving, and partial
// socket reads/writes. Grounded on the teacher's transport package
// (api.go's object-stream framing, pdu.go's segmented PDU reader/
// writer, collect.go's single-writer-goroutine-over-a-FIFO pattern),
// generalized from AIStore's object-stream payloads to PV-access
// frames.
package transport

import (
	"io"

	"github.com/pvaccess-go/pva/bytebuf"
	"github.com/pvaccess-go/pva/wire"
)

// Frame is one dispatched unit: either a control command (Param
// carries its one-word argument, Body is nil) or the start of an
// application payload (Body streams the logical, de-segmented payload
// bytes, so segmentation is invisible past this point).
type Frame struct {
	Command wire.Command
	Control bool
	Param   uint32 // control messages only
	Order   bytebuf.Order
	Body    io.Reader // application messages only; io.EOF at payload end
	Size    int       // total logical payload size, application messages only; SizeUnknown when segmented
}

func decodeHeader(b *bytebuf.Buffer) (wire.Header, error) {
	magic, err := b.GetUint8()
	if err != nil {
		return wire.Header{}, err
	}
	version, err := b.GetUint8()
	if err != nil {
		return wire.Header{}, err
	}
	flags, err := b.GetUint8()
	if err != nil {
		return wire.Header{}, err
	}
	cmd, err := b.GetUint8()
	if err != nil {
		return wire.Header{}, err
	}
	// payload_size's own byte order is dictated by this same header's
	// bo flag, so decode it with that order rather than the buffer's
	// ambient one.
	save := b.Order()
	if flags&wire.FlagBigEndian != 0 {
		b.SetOrder(bytebuf.BigEndian)
	} else {
		b.SetOrder(bytebuf.LittleEndian)
	}
	size, err := b.GetUint32()
	b.SetOrder(save)
	if err != nil {
		return wire.Header{}, err
	}
	return wire.Header{
		Magic:       magic,
		Version:     version,
		Flags:       flags,
		Command:     wire.Command(cmd),
		PayloadSize: size,
	}, nil
}

