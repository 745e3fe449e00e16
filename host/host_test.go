package host

import (
	"bytes"
	"context"
	"io"
	"testing"
	"time"

	"go.meshnet.dev/p2p/connmgr"
	"go.meshnet.dev/p2p/muxer"
	"go.meshnet.dev/p2p/muxer/yamux"
	"go.meshnet.dev/p2p/peer"
	"go.meshnet.dev/p2p/peerstore"
	"go.meshnet.dev/p2p/secureconn"
	"go.meshnet.dev/p2p/secureconn/plaintext"
	"go.meshnet.dev/p2p/transport"
)

func newTestHost(t *testing.T) (*Host, peer.ID) {
	t.Helper()
	priv, pub, err := peer.GenerateEd25519()
	if err != nil {
		t.Fatal(err)
	}
	id, err := peer.FromPublicKey(pub)
	if err != nil {
		t.Fatal(err)
	}
	h := New(Config{
		Self:        id,
		PrivateKey:  priv,
		Transports:  []transport.Transport{transport.NewTCP()},
		Security:    []secureconn.Transport{plaintext.New(id, priv)},
		Muxers:      []muxer.Transport{yamux.New(muxer.DefaultConfig)},
		Peerstore:   peerstore.New(),
		ConnManager: connmgr.New(nil),
	})
	return h, id
}

func TestDialEchoesOverNegotiatedStream(t *testing.T) {
	listener, listenerID := newTestHost(t)
	dialer, _ := newTestHost(t)

	const echoProto = "/test/echo/1.0.0"
	listener.SetStreamHandler(echoProto, func(stream muxer.Stream, info StreamInfo) {
		defer stream.Close()
		io.Copy(stream, stream)
	})

	addr, err := peer.ParseMultiaddr("/ip4/127.0.0.1/tcp/0")
	if err != nil {
		t.Fatal(err)
	}
	if err := listener.Listen(addr); err != nil {
		t.Fatal(err)
	}
	defer listener.Close()

	listenAddrs := listener.Addrs()
	if len(listenAddrs) != 1 {
		t.Fatalf("expected one listen addr, got %d", len(listenAddrs))
	}
	dialer.Peerstore().AddrBook.AddAddr(listenerID, listenAddrs[0], peerstore.TTLPermanent)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	stream, proto, err := dialer.NewStream(ctx, listenerID, []string{echoProto})
	if err != nil {
		t.Fatalf("NewStream failed: %v", err)
	}
	defer stream.Close()
	if proto != echoProto {
		t.Fatalf("expected negotiated protocol %q, got %q", echoProto, proto)
	}

	msg := []byte("hello from dialer")
	if _, err := stream.Write(msg); err != nil {
		t.Fatal(err)
	}
	buf := make([]byte, len(msg))
	if _, err := io.ReadFull(stream, buf); err != nil {
		t.Fatalf("read echo: %v", err)
	}
	if !bytes.Equal(buf, msg) {
		t.Fatalf("expected echo %q, got %q", msg, buf)
	}
}
