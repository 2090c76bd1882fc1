// Package server implements the server-side mirror of package client
// (spec.md §2 "server side mirrors this": socket -> Codec -> command
// handler -> Channel Provider -> data source -> response Sender ->
// Codec -> socket). Concrete data providers are out of scope per
// spec.md §1; this package only defines the ChannelProvider/Channel
// collaborator interfaces and dispatches wire requests against
// whatever implementation the embedding process supplies. Grounded on
// the teacher's ais/backend.Provider shape (a named interface the
// core calls without knowing which concrete backend answers it).
package server

import "github.com/pvaccess-go/pva/pvdata"

// ChannelProvider resolves a channel name to a live Channel, the one
// seam spec.md §1 allows a concrete data source to plug in through.
type ChannelProvider interface {
	// HasChannel reports whether name is hosted by this provider,
	// without creating anything -- used to answer SEARCH.
	HasChannel(name string) bool

	// CreateChannel returns a Channel bound to name, or an error if
	// name isn't hosted here. Called once per CREATE_CHANNEL.
	CreateChannel(name string) (Channel, error)
}

// Channel is the data-source side of one process variable: everything
// the operation dispatcher needs to service Get/Put/PutGet/Monitor/RPC
// requests against it.
type Channel interface {
	// Field returns the structure description this channel's value
	// has, filtered by req (spec.md §4.8 INIT). Called once per
	// operation INIT; implementations may ignore req and always
	// return their full shape.
	Field(req *pvdata.PVRequest) (*pvdata.Field, error)

	// Get returns the current value.
	Get() (*pvdata.PVField, error)

	// Put applies value's changed leaves.
	Put(value *pvdata.PVField) error

	// Subscribe registers fn to be called with a fresh snapshot each
	// time the underlying value changes, returning a function that
	// cancels delivery. Implementations that never push updates on
	// their own (e.g. a static test fixture) may return a no-op
	// cancel and never call fn; Monitor simply never delivers.
	Subscribe(fn func(*pvdata.PVField)) (cancel func(), err error)
}

// RPCChannel is an optional capability: a Channel whose provider also
// answers RPC calls (spec.md §4.8 "RPC"). Checked with a type
// assertion since most channels are plain process variables.
type RPCChannel interface {
	Call(arg *pvdata.PVField) (*pvdata.PVField, error)
}

// ArrayChannel is an optional capability for the Array operation's
// subrange/length protocol (spec.md §4.8 "Array"). A Channel that
// doesn't implement it is treated as scalar and rejects ARRAY INIT.
type ArrayChannel interface {
	// Fixed reports whether this channel's array has a server-fixed
	// length; spec.md §4.8 requires ARRAY INIT against a fixed-size
	// array to fail with a status error.
	Fixed() bool
	Length() (int, error)
	SetLength(n int) error
	GetRange(offset, count, stride int) ([]any, error)
}
