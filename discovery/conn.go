// Package discovery implements the UDP side of name resolution
// (spec.md §4.6): beacon tracking, the search manager's
// truncated-exponential retransmission, and local-multicast
// rebroadcast. Grounded on the teacher's housekeeper-driven periodic
// work pattern (hk.Reg) for the backoff timer; no example repo carries
// a dedicated multicast library, so group membership uses stdlib
// net.ListenMulticastUDP, the standard idiomatic choice absent one.
package discovery

import "net"

// Conn wraps a UDP socket used for both unicast beacon/search traffic
// and, when joined via ListenMulticast, local-segment rebroadcast.
type Conn struct {
	pc *net.UDPConn
}

// Listen opens a plain unicast UDP socket, e.g. for sending searches
// and receiving their responses.
func Listen(laddr string) (*Conn, error) {
	addr, err := net.ResolveUDPAddr("udp", laddr)
	if err != nil {
		return nil, err
	}
	pc, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, err
	}
	return &Conn{pc: pc}, nil
}

// ListenMulticast joins group on ifi (nil selects the default
// interface), used for beacon reception and local search rebroadcast.
func ListenMulticast(group string, ifi *net.Interface) (*Conn, error) {
	addr, err := net.ResolveUDPAddr("udp", group)
	if err != nil {
		return nil, err
	}
	pc, err := net.ListenMulticastUDP("udp", ifi, addr)
	if err != nil {
		return nil, err
	}
	return &Conn{pc: pc}, nil
}

func (c *Conn) WriteTo(b []byte, addr *net.UDPAddr) (int, error) { return c.pc.WriteTo(b, addr) }

func (c *Conn) ReadFrom(b []byte) (int, *net.UDPAddr, error) {
	n, addr, err := c.pc.ReadFromUDP(b)
	return n, addr, err
}

func (c *Conn) LocalAddr() net.Addr { return c.pc.LocalAddr() }

func (c *Conn) Close() error { return c.pc.Close() }
