//go:build linux

package session

import (
	"net"

	"github.com/higebu/netfd"
	"github.com/simeonmiteff/go-tcpinfo/pkg/linux"
)

// SocketStats reports the kernel's TCP_INFO for the session's
// underlying socket -- round-trip time and retransmit counters spec.md
// §4.5 asks the transport to expose for diagnostics. Grounded directly
// on the retrieved runZeroInc-sockstats exporter, which pairs the same
// two libraries (higebu/netfd for the raw fd, its own pkg/linux for the
// getsockopt(TCP_INFO) syscall) for exactly this purpose.
func (s *Session) SocketStats() (*linux.TCPInfo, error) {
	tc, ok := s.conn.(*net.TCPConn)
	if !ok {
		return nil, errNotTCP
	}
	fd := netfd.GetFdFromConn(tc)
	return linux.GetTCPInfo(fd)
}
