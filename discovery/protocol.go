package discovery

import (
	"net"

	"github.com/pvaccess-go/pva/bytebuf"
	"github.com/pvaccess-go/pva/cmn/cos"
	"github.com/pvaccess-go/pva/wire"
)

// Every UDP datagram this package exchanges carries the same 8-byte
// frame header spec.md §4.2/§6 describe (magic/version/flags/command/
// payload_size), the same header TCP application frames use -- just
// one datagram per message instead of a segmented stream, since
// spec.md §4.6 only needs single-datagram messages.

// datagramFlags is always "application, solo, little-endian": UDP
// discovery traffic never segments and never needs the control bit.
const datagramFlags = 0

func encodeDatagram(cmd wire.Command, payload []byte) []byte {
	buf := bytebuf.NewBuffer(wire.HeaderSize + len(payload))
	buf.SetOrder(bytebuf.LittleEndian)
	_ = buf.PutUint8(wire.Magic)
	_ = buf.PutUint8(wire.ProtocolVersion)
	_ = buf.PutUint8(datagramFlags)
	_ = buf.PutUint8(uint8(cmd))
	_ = buf.PutUint32(uint32(len(payload)))
	_ = buf.PutBytes(payload)
	return buf.Bytes()[:buf.Position()]
}

// decodeDatagramHeader validates the header and returns the command it
// names plus the payload bytes that follow it.
func decodeDatagramHeader(b []byte) (wire.Command, []byte, error) {
	buf := bytebuf.Wrap(b)
	buf.SetOrder(bytebuf.LittleEndian)
	magic, err := buf.GetUint8()
	if err != nil {
		return 0, nil, err
	}
	if magic != wire.Magic {
		return 0, nil, cos.Status{Kind: cos.KindInvalidDataStream, Message: "discovery: bad magic"}
	}
	if _, err := buf.GetUint8(); err != nil { // version, not enforced on UDP
		return 0, nil, err
	}
	if _, err := buf.GetUint8(); err != nil { // flags, unused by any datagram kind
		return 0, nil, err
	}
	cmdByte, err := buf.GetUint8()
	if err != nil {
		return 0, nil, err
	}
	payloadSize, err := buf.GetUint32()
	if err != nil {
		return 0, nil, err
	}
	rest, err := buf.GetBytes(int(payloadSize))
	if err != nil {
		return 0, nil, err
	}
	return wire.Command(cmdByte), rest, nil
}

// DatagramKind peeks at a received datagram's header without consuming
// it, so the caller can dispatch to the right Decode* function. An
// ORIGIN_TAG-wrapped datagram reports false; strip the wrapper with
// UnwrapOriginTag first.
func DatagramKind(b []byte) (wire.Command, bool) {
	if len(b) < wire.HeaderSize || b[0] != wire.Magic {
		return 0, false
	}
	return wire.Command(b[3]), true
}

// originTagMarker leads an ORIGIN_TAG wrapper; it's distinct from
// wire.Magic so DatagramKind/UnwrapOriginTag can tell a wrapped
// datagram apart from a bare one by its first byte alone.
const originTagMarker uint8 = 0xFE

// WrapOriginTag prepends an ORIGIN_TAG header carrying bindAddr (the
// relaying server's own bind address) in front of inner, spec.md §6's
// S5 local-multicast rebroadcast: "prepending an ORIGIN_TAG header
// containing its own bind address". A server that receives a
// datagram through this wrapper knows it's already been rebroadcast
// once and must not rebroadcast it again.
func WrapOriginTag(bindAddr *net.UDPAddr, inner []byte) []byte {
	ipv6 := wire.PutIPv6(bindAddr.IP)
	buf := bytebuf.NewBuffer(1 + wire.IPv6Size + 2 + len(inner))
	buf.SetOrder(bytebuf.LittleEndian)
	_ = buf.PutUint8(originTagMarker)
	_ = buf.PutBytes(ipv6[:])
	_ = buf.PutUint16(uint16(bindAddr.Port))
	_ = buf.PutBytes(inner)
	return buf.Bytes()[:buf.Position()]
}

// UnwrapOriginTag strips a WrapOriginTag wrapper if b has one,
// returning the relaying server's bind address, the inner datagram,
// and whether a wrapper was actually present. When tagged is false,
// inner is just b unchanged.
func UnwrapOriginTag(b []byte) (bindAddr *net.UDPAddr, inner []byte, tagged bool) {
	if len(b) == 0 || b[0] != originTagMarker {
		return nil, b, false
	}
	buf := bytebuf.Wrap(b[1:])
	buf.SetOrder(bytebuf.LittleEndian)
	raw, err := buf.GetBytes(wire.IPv6Size)
	if err != nil {
		return nil, b, false
	}
	var ipv6 [wire.IPv6Size]byte
	copy(ipv6[:], raw)
	port, err := buf.GetUint16()
	if err != nil {
		return nil, b, false
	}
	rest := b[1+wire.IPv6Size+2:]
	return &net.UDPAddr{IP: wire.GetIPv6(ipv6), Port: int(port)}, rest, true
}

// QoSUnicastRebroadcast is SEARCH's qosFlags.bit7: "unicast, please
// rebroadcast locally" (spec.md §4.6).
const QoSUnicastRebroadcast uint8 = 1 << 7

// NameEntry is one (cid, name) pair in a SEARCH's nameCount list.
type NameEntry struct {
	CID  uint32
	Name string
}

// EncodeSearch writes a CmdSearch datagram: spec.md §6's
// `{sequenceId, qosFlags, reserved, responseIpv6[16], responsePort,
// protocolList, nameCount, (cid, name)*}` payload, framed by the
// standard 8-byte header.
func EncodeSearch(seq uint32, qos uint8, responseAddr *net.UDPAddr, protocol string, names []NameEntry) []byte {
	payload := bytebuf.NewBuffer(64 + len(names)*8)
	payload.SetOrder(bytebuf.LittleEndian)
	_ = payload.PutUint32(seq)
	_ = payload.PutUint8(qos)
	_ = payload.PutUint8(0) // reserved
	ipv6 := wire.PutIPv6(responseAddr.IP)
	_ = payload.PutBytes(ipv6[:])
	_ = payload.PutUint16(uint16(responseAddr.Port))
	_ = wire.PutString(payload, protocol)
	_ = payload.PutUint16(uint16(len(names)))
	for _, n := range names {
		_ = payload.PutUint32(n.CID)
		_ = wire.PutString(payload, n.Name)
	}
	return encodeDatagram(wire.CmdSearch, payload.Bytes()[:payload.Position()])
}

// DecodedSearch is EncodeSearch's parsed form.
type DecodedSearch struct {
	Seq          uint32
	QoS          uint8
	ResponseAddr *net.UDPAddr
	Protocol     string
	Names        []NameEntry
}

// WantsRebroadcast reports qosFlags.bit7.
func (d DecodedSearch) WantsRebroadcast() bool { return d.QoS&QoSUnicastRebroadcast != 0 }

// IsDiscoveryPing reports spec.md §8's `count == 0` boundary case: a
// bare liveness probe with no channel names attached.
func (d DecodedSearch) IsDiscoveryPing() bool { return len(d.Names) == 0 }

func DecodeSearch(b []byte) (DecodedSearch, error) {
	cmd, payload, err := decodeDatagramHeader(b)
	if err != nil {
		return DecodedSearch{}, err
	}
	if cmd != wire.CmdSearch {
		return DecodedSearch{}, cos.Status{Kind: cos.KindInvalidDataStream, Message: "discovery: not a search datagram"}
	}
	buf := bytebuf.Wrap(payload)
	buf.SetOrder(bytebuf.LittleEndian)
	seq, err := buf.GetUint32()
	if err != nil {
		return DecodedSearch{}, err
	}
	qos, err := buf.GetUint8()
	if err != nil {
		return DecodedSearch{}, err
	}
	if _, err := buf.GetUint8(); err != nil { // reserved
		return DecodedSearch{}, err
	}
	rawip, err := buf.GetBytes(wire.IPv6Size)
	if err != nil {
		return DecodedSearch{}, err
	}
	var ipv6 [wire.IPv6Size]byte
	copy(ipv6[:], rawip)
	port, err := buf.GetUint16()
	if err != nil {
		return DecodedSearch{}, err
	}
	protocol, err := wire.GetString(buf)
	if err != nil {
		return DecodedSearch{}, err
	}
	nameCount, err := buf.GetUint16()
	if err != nil {
		return DecodedSearch{}, err
	}
	names := make([]NameEntry, nameCount)
	for i := range names {
		cid, err := buf.GetUint32()
		if err != nil {
			return DecodedSearch{}, err
		}
		name, err := wire.GetString(buf)
		if err != nil {
			return DecodedSearch{}, err
		}
		names[i] = NameEntry{CID: cid, Name: name}
	}
	return DecodedSearch{
		Seq:          seq,
		QoS:          qos,
		ResponseAddr: &net.UDPAddr{IP: wire.GetIPv6(ipv6), Port: int(port)},
		Protocol:     protocol,
		Names:        names,
	}, nil
}

// EncodeSearchResponse writes a CmdSearchResponse datagram: spec.md
// §6's `{guid, sequenceId, serverIpv6, serverPort, protocol,
// found(byte), count(int16), cid*}` payload (count is carried as a
// uint16 here: this implementation's only divergence from the
// spec's int16, since a negative count has no meaning and bytebuf has
// no signed 16-bit accessor).
func EncodeSearchResponse(seq uint32, guid wire.GUID, serverAddr *net.UDPAddr, protocol string, found bool, cids []uint32) []byte {
	payload := bytebuf.NewBuffer(64 + len(cids)*4)
	payload.SetOrder(bytebuf.LittleEndian)
	_ = payload.PutBytes(guid[:])
	_ = payload.PutUint32(seq)
	ipv6 := wire.PutIPv6(serverAddr.IP)
	_ = payload.PutBytes(ipv6[:])
	_ = payload.PutUint16(uint16(serverAddr.Port))
	_ = wire.PutString(payload, protocol)
	var f uint8
	if found {
		f = 1
	}
	_ = payload.PutUint8(f)
	_ = payload.PutUint16(uint16(len(cids)))
	for _, cid := range cids {
		_ = payload.PutUint32(cid)
	}
	return encodeDatagram(wire.CmdSearchResponse, payload.Bytes()[:payload.Position()])
}

type DecodedSearchResponse struct {
	Seq        uint32
	GUID       wire.GUID
	ServerAddr *net.UDPAddr
	Protocol   string
	Found      bool
	CIDs       []uint32
}

func DecodeSearchResponse(b []byte) (DecodedSearchResponse, error) {
	cmd, payload, err := decodeDatagramHeader(b)
	if err != nil {
		return DecodedSearchResponse{}, err
	}
	if cmd != wire.CmdSearchResponse {
		return DecodedSearchResponse{}, cos.Status{Kind: cos.KindInvalidDataStream, Message: "discovery: not a search-response datagram"}
	}
	buf := bytebuf.Wrap(payload)
	buf.SetOrder(bytebuf.LittleEndian)
	raw, err := buf.GetBytes(12)
	if err != nil {
		return DecodedSearchResponse{}, err
	}
	var guid wire.GUID
	copy(guid[:], raw)
	seq, err := buf.GetUint32()
	if err != nil {
		return DecodedSearchResponse{}, err
	}
	rawip, err := buf.GetBytes(wire.IPv6Size)
	if err != nil {
		return DecodedSearchResponse{}, err
	}
	var ipv6 [wire.IPv6Size]byte
	copy(ipv6[:], rawip)
	port, err := buf.GetUint16()
	if err != nil {
		return DecodedSearchResponse{}, err
	}
	protocol, err := wire.GetString(buf)
	if err != nil {
		return DecodedSearchResponse{}, err
	}
	foundByte, err := buf.GetUint8()
	if err != nil {
		return DecodedSearchResponse{}, err
	}
	count, err := buf.GetUint16()
	if err != nil {
		return DecodedSearchResponse{}, err
	}
	cids := make([]uint32, count)
	for i := range cids {
		cids[i], err = buf.GetUint32()
		if err != nil {
			return DecodedSearchResponse{}, err
		}
	}
	return DecodedSearchResponse{
		Seq:        seq,
		GUID:       guid,
		ServerAddr: &net.UDPAddr{IP: wire.GetIPv6(ipv6), Port: int(port)},
		Protocol:   protocol,
		Found:      foundByte != 0,
		CIDs:       cids,
	}, nil
}

// EncodeBeacon writes a CmdBeacon datagram: the server's guid, a
// monotonic sequence number (restart detection, spec.md §4.6), and its
// host:port.
func EncodeBeacon(guid wire.GUID, seq uint32, addr string) []byte {
	payload := bytebuf.NewBuffer(12 + 4 + wire.StringWireLen(addr))
	payload.SetOrder(bytebuf.LittleEndian)
	_ = payload.PutBytes(guid[:])
	_ = payload.PutUint32(seq)
	_ = wire.PutString(payload, addr)
	return encodeDatagram(wire.CmdBeacon, payload.Bytes()[:payload.Position()])
}

type DecodedBeacon struct {
	GUID wire.GUID
	Seq  uint32
	Addr string
}

func DecodeBeacon(b []byte) (DecodedBeacon, error) {
	cmd, payload, err := decodeDatagramHeader(b)
	if err != nil {
		return DecodedBeacon{}, err
	}
	if cmd != wire.CmdBeacon {
		return DecodedBeacon{}, cos.Status{Kind: cos.KindInvalidDataStream, Message: "discovery: not a beacon datagram"}
	}
	buf := bytebuf.Wrap(payload)
	buf.SetOrder(bytebuf.LittleEndian)
	raw, err := buf.GetBytes(12)
	if err != nil {
		return DecodedBeacon{}, err
	}
	var guid wire.GUID
	copy(guid[:], raw)
	seq, err := buf.GetUint32()
	if err != nil {
		return DecodedBeacon{}, err
	}
	addr, err := wire.GetString(buf)
	if err != nil {
		return DecodedBeacon{}, err
	}
	return DecodedBeacon{GUID: guid, Seq: seq, Addr: addr}, nil
}
