// Package secureconn defines the capability interfaces shared by the Noise
// and TLS secure-channel implementations (spec.md §4.2/§4.3): a Conn that
// wraps a transport.Conn and additionally exposes the remote peer's
// identity once the handshake completes, and a Transport that performs
// that handshake in either direction.
package secureconn

import (
	"context"
	"net"

	"go.meshnet.dev/p2p/peer"
	"go.meshnet.dev/p2p/transport"
)

// Conn is the SecureConnection of spec.md §3: a raw connection plus the
// remote peer-id and public key obtained from the handshake.
type Conn interface {
	net.Conn
	LocalMultiaddr() peer.Multiaddr
	RemoteMultiaddr() peer.Multiaddr
	IsInitiator() bool
	IsClosed() bool

	LocalPeer() peer.ID
	LocalPrivateKey() peer.PrivKey
	RemotePeer() peer.ID
	RemotePublicKey() peer.PubKey
}

// Transport performs a secure-channel handshake over an already-connected
// transport.Conn. ProtocolID is the multistream-select identifier this
// transport negotiates under (e.g. "/noise", "/tls/1.0.0").
type Transport interface {
	ProtocolID() string
	// SecureOutbound dials: remote is the peer id the caller expects to
	// reach. If the handshake derives a different peer id the connection
	// is closed and a PeerVerifyFailed/UnexpectedPeerId error returned,
	// per spec.md §4.2's "outbound dialer must not retry the same address".
	SecureOutbound(ctx context.Context, insecure transport.Conn, remote peer.ID) (Conn, error)
	// SecureInbound accepts: the remote peer id is not known in advance.
	SecureInbound(ctx context.Context, insecure transport.Conn) (Conn, error)
}
