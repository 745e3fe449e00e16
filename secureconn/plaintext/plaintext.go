// Package plaintext implements the insecure Plaintext channel from spec.md's
// Design Notes {Noise, TLS, Plaintext} tagged union: identities are
// exchanged and signature-verified, but the wire is not encrypted. It exists
// for tests and trusted-transport scenarios, never for production dialing.
package plaintext

import (
	"context"
	"encoding/binary"
	"io"
	"net"

	"go.meshnet.dev/p2p/p2perr"
	"go.meshnet.dev/p2p/peer"
	"go.meshnet.dev/p2p/secureconn"
	"go.meshnet.dev/p2p/transport"
)

// ProtocolID is the multistream-select identifier for this secure channel.
const ProtocolID = "/plaintext/2.0.0"

const payloadSigPrefix = "libp2p-plaintext-handshake:"

// Transport implements secureconn.Transport with no encryption. Identity is
// still exchanged and verified, matching go-libp2p's plaintext/2.0.0.
type Transport struct {
	localID  peer.ID
	localKey peer.PrivKey
}

// New constructs a plaintext secureconn.Transport bound to the host's identity.
func New(localID peer.ID, localKey peer.PrivKey) *Transport {
	return &Transport{localID: localID, localKey: localKey}
}

func (t *Transport) ProtocolID() string { return ProtocolID }

func (t *Transport) SecureOutbound(ctx context.Context, insecure transport.Conn, remote peer.ID) (secureconn.Conn, error) {
	conn, err := t.exchange(insecure)
	if err != nil {
		return nil, err
	}
	if !remote.Empty() && !remote.Equal(conn.remoteID) {
		insecure.Close()
		return nil, p2perr.New(p2perr.KindUnexpectedPeerID, "plaintext handshake resolved unexpected peer")
	}
	return conn, nil
}

func (t *Transport) SecureInbound(ctx context.Context, insecure transport.Conn) (secureconn.Conn, error) {
	return t.exchange(insecure)
}

func (t *Transport) exchange(insecure transport.Conn) (*Conn, error) {
	selfPub, err := peer.MarshalPublicKey(t.localKey.GetPublic())
	if err != nil {
		return nil, p2perr.Wrap(p2perr.KindInternal, "marshal identity public key", err)
	}
	// The "signature" here just binds the exchange nonce-free payload to the
	// identity key; plaintext has no session secret to bind against, so the
	// message being signed is the identity key material itself.
	selfSig, err := t.localKey.Sign(append([]byte(payloadSigPrefix), selfPub...))
	if err != nil {
		return nil, p2perr.Wrap(p2perr.KindInternal, "sign identity", err)
	}

	errCh := make(chan error, 1)
	var remotePub, remoteSig []byte
	go func() {
		var err error
		remotePub, remoteSig, err = readExchange(insecure)
		errCh <- err
	}()
	if err := writeExchange(insecure, selfPub, selfSig); err != nil {
		return nil, err
	}
	if err := <-errCh; err != nil {
		return nil, err
	}

	remoteKey, err := peer.UnmarshalPublicKey(remotePub)
	if err != nil {
		return nil, p2perr.Wrap(p2perr.KindProtocolError, "unmarshal remote identity key", err)
	}
	ok, err := remoteKey.Verify(append([]byte(payloadSigPrefix), remotePub...), remoteSig)
	if err != nil || !ok {
		return nil, p2perr.New(p2perr.KindSignatureMismatch, "plaintext identity signature did not verify")
	}
	remoteID, err := peer.FromPublicKey(remoteKey)
	if err != nil {
		return nil, p2perr.Wrap(p2perr.KindInternal, "derive remote peer id", err)
	}

	return &Conn{
		Conn:      insecure,
		localID:   t.localID,
		localKey:  t.localKey,
		remoteID:  remoteID,
		remoteKey: remoteKey,
	}, nil
}

func writeExchange(w net.Conn, pub, sig []byte) error {
	if err := writeLP(w, pub); err != nil {
		return err
	}
	return writeLP(w, sig)
}

func readExchange(r net.Conn) (pub, sig []byte, err error) {
	if pub, err = readLP(r); err != nil {
		return nil, nil, err
	}
	if sig, err = readLP(r); err != nil {
		return nil, nil, err
	}
	return pub, sig, nil
}

func writeLP(w net.Conn, b []byte) error {
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(b)))
	if _, err := w.Write(hdr[:]); err != nil {
		return p2perr.Wrap(p2perr.KindConnectionClosedByPeer, "write plaintext exchange header", err)
	}
	if _, err := w.Write(b); err != nil {
		return p2perr.Wrap(p2perr.KindConnectionClosedByPeer, "write plaintext exchange body", err)
	}
	return nil
}

func readLP(r net.Conn) ([]byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, p2perr.Wrap(p2perr.KindConnectionClosedByPeer, "read plaintext exchange header", err)
	}
	n := binary.BigEndian.Uint32(hdr[:])
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, p2perr.Wrap(p2perr.KindConnectionClosedByPeer, "read plaintext exchange body", err)
	}
	return buf, nil
}

// Conn is the post-exchange secureconn.Conn; reads and writes pass through
// to the underlying transport.Conn unmodified.
type Conn struct {
	transport.Conn
	localID   peer.ID
	localKey  peer.PrivKey
	remoteID  peer.ID
	remoteKey peer.PubKey
}

func (c *Conn) LocalPeer() peer.ID            { return c.localID }
func (c *Conn) LocalPrivateKey() peer.PrivKey { return c.localKey }
func (c *Conn) RemotePeer() peer.ID           { return c.remoteID }
func (c *Conn) RemotePublicKey() peer.PubKey  { return c.remoteKey }

var _ secureconn.Conn = (*Conn)(nil)
