package wire

import "github.com/rs/xid"

// GUID identifies a server instance (spec.md §3): 12 bytes, stable
// across reconnects. xid.ID is exactly 12 bytes -- a direct structural
// match -- so the server's GUID simply *is* an xid, generated once at
// process start and reused for the process lifetime.
type GUID [12]byte

// NewGUID mints a fresh GUID. session.New calls it once for every
// Session it creates, on the client side as well as the server side.
func NewGUID() GUID {
	id := xid.New()
	var g GUID
	copy(g[:], id.Bytes())
	return g
}

func (g GUID) String() string {
	return xid.ID(g).String()
}

func (g GUID) IsZero() bool {
	return g == GUID{}
}
