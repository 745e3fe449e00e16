package plaintext

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

func TestExchangeEstablishesIdentitiesAndPassesDataThrough(t *testing.T) {
	initID, initKey := newIdentity(t)
	respID, respKey := newIdentity(t)

	c1, c2 := net.Pipe()
	defer c1.Close()
	defer c2.Close()

	initTr := New(initID, initKey)
	respTr := New(respID, respKey)

	type result struct {
		conn *Conn
		err  error
	}
	initCh := make(chan result, 1)
	respCh := make(chan result, 1)

	go func() {
		conn, err := initTr.SecureOutbound(context.Background(), pipeConn{c1, true}, respID)
		var c *Conn
		if conn != nil {
			c = conn.(*Conn)
		}
		initCh <- result{c, err}
	}()
	go func() {
		conn, err := respTr.SecureInbound(context.Background(), pipeConn{c2, false})
		var c *Conn
		if conn != nil {
			c = conn.(*Conn)
		}
		respCh <- result{c, err}
	}()

	var initRes, respRes result
	select {
	case initRes = <-initCh:
	case <-time.After(5 * time.Second):
		t.Fatal("initiator exchange timed out")
	}
	select {
	case respRes = <-respCh:
	case <-time.After(5 * time.Second):
		t.Fatal("responder exchange timed out")
	}

	if initRes.err != nil {
		t.Fatalf("initiator exchange failed: %v", initRes.err)
	}
	if respRes.err != nil {
		t.Fatalf("responder exchange failed: %v", respRes.err)
	}
	if initRes.conn.RemotePeer() != respID {
		t.Fatalf("initiator resolved wrong remote peer: %s", initRes.conn.RemotePeer())
	}
	if respRes.conn.RemotePeer() != initID {
		t.Fatalf("responder resolved wrong remote peer: %s", respRes.conn.RemotePeer())
	}

	msg := []byte("hello plaintext")
	go initRes.conn.Write(msg)
	buf := make([]byte, len(msg))
	read := 0
	for read < len(buf) {
		n, err := respRes.conn.Read(buf[read:])
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		read += n
	}
	if string(buf) != string(msg) {
		t.Fatalf("got %q want %q", buf, msg)
	}
}
