// Package wireconn declares the Channel seam the message-handling packages
// (registryserver, ackretransmit, middleware) program against, instead of
// net.Conn directly. The concrete implementation lives
// in the transport package; this interface is the abstraction those
// callers program against so none of them need net.Conn directly.
package wireconn

import (
	"net"

	"github.com/wanjg/jupiter/protocol"
)

// Channel is one open connection. Its methods are a structural superset of
// channelgroup.Channel, so any wireconn.Channel can be added to a
// channelgroup.Group without an explicit adapter.
type Channel interface {
	// ID is a short, stable per-connection identifier, used both as the
	// channelgroup membership key and as the "-channel-short-id" half of
	// a MessageNonAck id.
	ID() string

	// IsActive reports whether the underlying connection is still open.
	IsActive() bool

	// OnClose registers fn to run exactly once when the channel closes.
	OnClose(fn func())

	RemoteAddr() net.Addr

	// WriteFrame encodes and writes one frame. Implementations must
	// serialize concurrent writes themselves (FIFO).
	WriteFrame(sign protocol.Sign, body []byte) error
}
