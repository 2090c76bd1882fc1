// Package wire defines the on-the-wire constants shared by every other
// package: the 8-byte frame header (spec.md §6), its flag bits, the
// command table, and the variable-length size-prefixed string codec.
package wire

// Magic is the fixed first byte of every frame header. A header whose
// first byte differs fails validation (S4) and the transport is torn
// down with InvalidDataStream.
const Magic = 0xCA

// ProtocolVersion is the second header byte this implementation speaks.
const ProtocolVersion = 1

// HeaderSize is the fixed 8-byte frame header length (spec.md §6).
const HeaderSize = 8

// Flags bit positions within header byte 2.
const (
	FlagControl    = 1 << 0 // bit 0: 0 = application, 1 = control
	FlagSegNone    = 0 << 4 // bits 4..5 = 00: solo message
	FlagSegFirst   = 2 << 4 // bits 4..5 = 10: first segment
	FlagSegMiddle  = 3 << 4 // bits 4..5 = 11: middle segment
	FlagSegLast    = 1 << 4 // bits 4..5 = 01: last segment
	FlagSegMask    = 3 << 4
	FlagDirection  = 1 << 6 // bit 6: server-set, included in verification
	FlagBigEndian  = 1 << 7 // bit 7: 0 = little-endian payload, 1 = big-endian
)

// Segment classifies the bits 4..5 portion of Flags.
type Segment int

const (
	SegSolo Segment = iota
	SegFirst
	SegMiddle
	SegLast
)

func SegmentOf(flags uint8) Segment {
	switch flags & FlagSegMask {
	case FlagSegFirst:
		return SegFirst
	case FlagSegMiddle:
		return SegMiddle
	case FlagSegLast:
		return SegLast
	default:
		return SegSolo
	}
}

func (s Segment) flagBits() uint8 {
	switch s {
	case SegFirst:
		return FlagSegFirst
	case SegMiddle:
		return FlagSegMiddle
	case SegLast:
		return FlagSegLast
	default:
		return FlagSegNone
	}
}

// Command numbers from spec.md §6 (selected, non-exhaustive codes
// omitted since no component in this spec emits them).
type Command uint8

const (
	CmdBeacon               Command = 0
	CmdConnectionValidation Command = 1
	CmdEcho                 Command = 2
	CmdSearch               Command = 3
	CmdSearchResponse       Command = 4
	CmdAuthNZ               Command = 5
	CmdACLChange            Command = 6
	CmdCreateChannel        Command = 7
	CmdDestroyChannel       Command = 8
	CmdConnectionValidated  Command = 9
	CmdGet                  Command = 10
	CmdPut                  Command = 11
	CmdPutGet               Command = 12
	CmdMonitor              Command = 13
	CmdArray                Command = 14
	CmdDestroyRequest       Command = 15
	CmdProcess              Command = 16
	CmdGetField             Command = 17
	CmdMessage              Command = 18
	CmdRPC                  Command = 20
	CmdCancelRequest        Command = 21
)

// IsControlOnly reports whether this command carries no real payload
// even when dispatched as a control message (its payload_size field is
// instead a small parameter, per spec.md §4.2 step 2).
func (c Command) IsControlOnly() bool {
	switch c {
	case CmdDestroyRequest, CmdCancelRequest, CmdEcho:
		return true
	default:
		return false
	}
}

// Header is the decoded form of the 8-byte frame header.
type Header struct {
	Magic       uint8
	Version     uint8
	Flags       uint8
	Command     Command
	PayloadSize uint32
}

func (h Header) IsControl() bool    { return h.Flags&FlagControl != 0 }
func (h Header) Segment() Segment   { return SegmentOf(h.Flags) }
func (h Header) BigEndian() bool    { return h.Flags&FlagBigEndian != 0 }
func (h Header) Direction() bool    { return h.Flags&FlagDirection != 0 }

// ValidFlags rejects the combinations spec.md §4.2 calls out: segmented
// control messages, and the reserved flag bits 2 and 3 set. Other
// bits are not checked here.
func (h Header) ValidFlags() bool {
	const reserved = 1<<2 | 1<<3
	if h.Flags&reserved != 0 {
		return false
	}
	if h.IsControl() && h.Segment() != SegSolo {
		return false
	}
	return true
}

// INVALID_IOID is the reserved sentinel from spec.md §3.
const InvalidIOID uint32 = 0xFFFFFFFF
