// Package transport implements the raw-connection layer of spec.md §4
// control flow: TCP connect/listen/accept plus multiaddr resolution. It is
// the bottom of the layered connection pipeline — secureconn wraps a
// transport.Conn, muxer wraps a secureconn.Conn, host wires the two
// together.
package transport

import (
	"context"
	"net"

	"go.meshnet.dev/p2p/peer"
)

// Conn is the capability set spec.md's Design Notes require at every layer:
// {read, write, close, is-closed, remote-identity}. At the transport layer
// "remote identity" is only an address; secureconn.Conn adds the peer id.
type Conn interface {
	net.Conn
	LocalMultiaddr() peer.Multiaddr
	RemoteMultiaddr() peer.Multiaddr
	IsInitiator() bool
	IsClosed() bool
}

// Listener accepts raw connections.
type Listener interface {
	Accept() (Conn, error)
	Close() error
	Multiaddr() peer.Multiaddr
}

// Transport is the tagged-union capability spec.md's Design Notes describe
// for {TCP, QUIC}: something that can Dial and Listen on multiaddrs it
// recognizes.
type Transport interface {
	// CanDial reports whether this transport understands addr (e.g. TCP
	// rejects a /udp/.../quic address).
	CanDial(addr peer.Multiaddr) bool
	Dial(ctx context.Context, addr peer.Multiaddr) (Conn, error)
	Listen(addr peer.Multiaddr) (Listener, error)
}
