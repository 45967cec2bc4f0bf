// Package transport implements the datagram transport adapter (component B)
// that feeds inbound messages to the transaction layer and carries its
// outbound sends, per RFC 3261 §18.
package transport

import (
	"context"
	"net/netip"
)

// Addr identifies a transport peer by IP and port.
type Addr = netip.AddrPort

// Transport is the low-level sending/receiving capability a concrete
// network adapter provides. It operates on raw datagram bytes; message
// framing and parsing live above this boundary.
type Transport interface {
	// Send writes data to remote.
	Send(ctx context.Context, remote Addr, data []byte) error
	// Reliable reports whether delivery to remote is guaranteed in order,
	// e.g. true for an adapter built over TCP. UDP adapters always
	// report false.
	Reliable(remote Addr) bool
	// Protocol returns the transport protocol token used in the Via
	// header sent-by field, e.g. "UDP".
	Protocol() string
	// LocalAddr returns the address the transport is bound to.
	LocalAddr() Addr
	// Close shuts down the transport and stops its receive loop.
	Close() error
}

// Receiver is implemented by whatever consumes datagrams a [Transport]
// receives — typically the transaction manager's message dispatch.
type Receiver interface {
	OnReceive(data []byte, remote Addr)
}

// ReceiverFunc adapts a plain function to [Receiver].
type ReceiverFunc func(data []byte, remote Addr)

func (f ReceiverFunc) OnReceive(data []byte, remote Addr) { f(data, remote) }
