package identify

import (
	"context"
	"io"
	"testing"

	"go.meshnet.dev/p2p/identify/pb"
	"go.meshnet.dev/p2p/obsaddr"
	"go.meshnet.dev/p2p/peer"
	"go.meshnet.dev/p2p/peerstore"
	"go.meshnet.dev/p2p/varint"
)

func newTestIdentity(t *testing.T) (peer.PrivKey, peer.PubKey, peer.ID) {
	t.Helper()
	priv, pub, err := peer.GenerateEd25519()
	if err != nil {
		t.Fatal(err)
	}
	id, err := peer.FromPublicKey(pub)
	if err != nil {
		t.Fatal(err)
	}
	return priv, pub, id
}

type pipeRWC struct {
	r *io.PipeReader
	w *io.PipeWriter
}

func (p *pipeRWC) Read(b []byte) (int, error)  { return p.r.Read(b) }
func (p *pipeRWC) Write(b []byte) (int, error) { return p.w.Write(b) }
func (p *pipeRWC) Close() error {
	p.w.Close()
	return nil
}

func newPipePair() (client, server *pipeRWC) {
	cr, sw := io.Pipe()
	sr, cw := io.Pipe()
	return &pipeRWC{r: cr, w: cw}, &pipeRWC{r: sr, w: sw}
}

type fakeOpener struct {
	opened chan *pipeRWC
}

func (o *fakeOpener) OpenStream(ctx context.Context, p peer.ID, protocolID string) (io.ReadWriteCloser, error) {
	client, server := newPipePair()
	o.opened <- server
	return client, nil
}

func TestPushThenHandleRoundTrip(t *testing.T) {
	priv, _, self := newTestIdentity(t)
	remoteAddr, _ := peer.ParseMultiaddr("/ip4/198.51.100.9/tcp/4001")
	localAddr, _ := peer.ParseMultiaddr("/ip4/0.0.0.0/tcp/4001")
	listenAddr, _ := peer.ParseMultiaddr("/ip4/203.0.113.1/tcp/4001")

	opener := &fakeOpener{opened: make(chan *pipeRWC, 1)}
	ps := peerstore.New()
	obs := obsaddr.New()

	svc := New(self, LocalInfo{
		ProtocolVersion: "meshnet/1.0.0",
		AgentVersion:    "meshnode/0.1.0",
		PrivateKey:      priv,
		ListenAddrs:     func() []peer.Multiaddr { return []peer.Multiaddr{listenAddr} },
		Protocols:       func() []string { return []string{"/ipfs/kad/1.0.0"} },
	}, ps, obs, opener)

	done := make(chan error, 1)
	go func() {
		done <- svc.Push(context.Background(), self, remoteAddr)
	}()

	receivingPS := peerstore.New()
	receivingObs := obsaddr.New()
	receivingSvc := New("other-local-id", LocalInfo{}, receivingPS, receivingObs, nil)

	// The pipe is synchronous: Push's write completes only as Handle reads it.
	server := <-opener.opened
	if err := receivingSvc.Handle(server, self, localAddr, remoteAddr, true, true); err != nil {
		t.Fatalf("Handle failed: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("Push failed: %v", err)
	}

	if _, ok := receivingPS.KeyBook.PubKey(self); !ok {
		t.Fatal("expected public key to be recorded")
	}
	protos := receivingPS.ProtocolBook.Protocols(self)
	if len(protos) != 1 || protos[0] != "/ipfs/kad/1.0.0" {
		t.Fatalf("expected recorded protocol, got %v", protos)
	}
	addrs := receivingPS.AddrBook.Addrs(self)
	if len(addrs) != 1 || !addrs[0].Equal(listenAddr) {
		t.Fatalf("expected listen addr to be recorded, got %v", addrs)
	}

	confirmed := receivingObs.Confirmed(localAddr.String())
	if len(confirmed) != 0 {
		t.Fatalf("expected no confirmation from a single report, got %v", confirmed)
	}
}

func TestHandleRejectsMismatchedPeerID(t *testing.T) {
	_, _, self := newTestIdentity(t)
	_, otherPub, _ := newTestIdentity(t)

	client, server := newPipePair()
	rec, err := peer.MarshalPublicKey(otherPub)
	if err != nil {
		t.Fatal(err)
	}
	go func() {
		msg := &pb.Identify{PublicKey: rec}
		_ = varint.WriteMessage(client, pb.Marshal(msg))
		client.Close()
	}()

	ps := peerstore.New()
	svc := New("local", LocalInfo{}, ps, obsaddr.New(), nil)
	if err := svc.Handle(server, self, nil, nil, false, false); err == nil {
		t.Fatal("expected mismatched peer id to be rejected")
	}
}
