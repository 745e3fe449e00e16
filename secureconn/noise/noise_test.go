package noise

import (
	"context"
	"net"
	"testing"
	"time"

	"go.meshnet.dev/p2p/peer"
	"go.meshnet.dev/p2p/transport"
)

type pipeConn struct {
	net.Conn
	initiator bool
}

func (p pipeConn) LocalMultiaddr() peer.Multiaddr  { return nil }
func (p pipeConn) RemoteMultiaddr() peer.Multiaddr { return nil }
func (p pipeConn) IsInitiator() bool               { return p.initiator }
func (p pipeConn) IsClosed() bool                  { return false }

var _ transport.Conn = pipeConn{}

func newIdentity(t *testing.T) (peer.ID, peer.PrivKey) {
	t.Helper()
	priv, pub, err := peer.GenerateEd25519()
	if err != nil {
		t.Fatal(err)
	}
	id, err := peer.FromPublicKey(pub)
	if err != nil {
		t.Fatal(err)
	}
	return id, priv
}

func TestHandshakeEstablishesIdentitiesAndTransfersData(t *testing.T) {
	initID, initKey := newIdentity(t)
	respID, respKey := newIdentity(t)

	c1, c2 := net.Pipe()
	defer c1.Close()
	defer c2.Close()

	initTr := New(initID, initKey)
	respTr := New(respID, respKey)

	type result struct {
		conn interface {
			RemotePeer() peer.ID
		}
		err error
	}
	initCh := make(chan result, 1)
	respCh := make(chan result, 1)

	go func() {
		conn, err := initTr.SecureOutbound(context.Background(), pipeConn{c1, true}, respID)
		initCh <- result{conn, err}
	}()
	go func() {
		conn, err := respTr.SecureInbound(context.Background(), pipeConn{c2, false})
		respCh <- result{conn, err}
	}()

	var initRes, respRes result
	select {
	case initRes = <-initCh:
	case <-time.After(5 * time.Second):
		t.Fatal("initiator handshake timed out")
	}
	select {
	case respRes = <-respCh:
	case <-time.After(5 * time.Second):
		t.Fatal("responder handshake timed out")
	}

	if initRes.err != nil {
		t.Fatalf("initiator handshake failed: %v", initRes.err)
	}
	if respRes.err != nil {
		t.Fatalf("responder handshake failed: %v", respRes.err)
	}
	if initRes.conn.RemotePeer() != respID {
		t.Fatalf("initiator resolved wrong remote peer: %s", initRes.conn.RemotePeer())
	}
	if respRes.conn.RemotePeer() != initID {
		t.Fatalf("responder resolved wrong remote peer: %s", respRes.conn.RemotePeer())
	}

	ic := initRes.conn.(*Conn)
	rc := respRes.conn.(*Conn)

	msg := []byte("hello over noise")
	go func() {
		if _, err := ic.Write(msg); err != nil {
			t.Error(err)
		}
	}()
	buf := make([]byte, len(msg))
	if _, err := readFull(rc, buf); err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(buf) != string(msg) {
		t.Fatalf("got %q want %q", buf, msg)
	}
}

func readFull(c *Conn, buf []byte) (int, error) {
	read := 0
	for read < len(buf) {
		n, err := c.Read(buf[read:])
		if err != nil {
			return read, err
		}
		read += n
	}
	return read, nil
}

func TestHandshakeRejectsUnexpectedPeer(t *testing.T) {
	initID, initKey := newIdentity(t)
	respID, respKey := newIdentity(t)
	_, wrongKey := newIdentity(t)
	_ = wrongKey

	wrongExpected, _ := newIdentity(t)

	c1, c2 := net.Pipe()
	defer c1.Close()
	defer c2.Close()

	initTr := New(initID, initKey)
	respTr := New(respID, respKey)

	errCh := make(chan error, 1)
	go func() {
		_, err := initTr.SecureOutbound(context.Background(), pipeConn{c1, true}, wrongExpected)
		errCh <- err
	}()
	go func() {
		respTr.SecureInbound(context.Background(), pipeConn{c2, false})
	}()

	select {
	case err := <-errCh:
		if err == nil {
			t.Fatal("expected peer-id mismatch error, got nil")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out")
	}
}
