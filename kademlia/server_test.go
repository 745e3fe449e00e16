package kademlia

import (
	"context"
	"io"
	"testing"

	"go.meshnet.dev/p2p/kademlia/pb"
	"go.meshnet.dev/p2p/kademlia/store"
	"go.meshnet.dev/p2p/kademlia/table"
	"go.meshnet.dev/p2p/peer"
	"go.meshnet.dev/p2p/varint"
)

func newTestPeer(t *testing.T) peer.ID {
	t.Helper()
	_, pub, err := peer.GenerateEd25519()
	if err != nil {
		t.Fatal(err)
	}
	id, err := peer.FromPublicKey(pub)
	if err != nil {
		t.Fatal(err)
	}
	return id
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

func TestServerAnswersPutThenGetValue(t *testing.T) {
	self := newTestPeer(t)
	tbl := table.New(self, 20, nil)
	values := store.NewValueStore(store.DefaultValueCapacity, store.DefaultTTL, nil)
	provs := store.NewProviderStore(store.DefaultProvidersPerKey, store.DefaultTTL)
	srv := NewServer(self, tbl, values, provs)

	client, server := newPipePair()
	go srv.HandleStream(server)

	putReq := &pb.Message{Type: pb.PutValue, Key: []byte("k"), Record: &pb.Record{Key: []byte("k"), Value: []byte("v")}}
	if err := varint.WriteMessage(client, pb.Marshal(putReq)); err != nil {
		t.Fatal(err)
	}
	vr := varint.NewReader(client, maxMessageSize)
	body, err := vr.ReadMessage()
	if err != nil {
		t.Fatal(err)
	}
	resp, err := pb.Unmarshal(body)
	if err != nil {
		t.Fatal(err)
	}
	if resp.Type != pb.PutValue {
		t.Fatalf("expected PutValue echo, got %v", resp.Type)
	}

	client2, server2 := newPipePair()
	go srv.HandleStream(server2)
	getReq := &pb.Message{Type: pb.GetValue, Key: []byte("k")}
	if err := varint.WriteMessage(client2, pb.Marshal(getReq)); err != nil {
		t.Fatal(err)
	}
	vr2 := varint.NewReader(client2, maxMessageSize)
	body2, err := vr2.ReadMessage()
	if err != nil {
		t.Fatal(err)
	}
	resp2, err := pb.Unmarshal(body2)
	if err != nil {
		t.Fatal(err)
	}
	if resp2.Record == nil || string(resp2.Record.Value) != "v" {
		t.Fatalf("expected stored value %q, got %+v", "v", resp2.Record)
	}
}

func TestServerFindNodeReturnsCloserPeers(t *testing.T) {
	self := newTestPeer(t)
	other := newTestPeer(t)
	tbl := table.New(self, 20, nil)
	tbl.Add(context.Background(), other)
	srv := NewServer(self, tbl, nil, nil)

	client, server := newPipePair()
	go srv.HandleStream(server)

	target := newTestPeer(t)
	req := &pb.Message{Type: pb.FindNode, Key: target.Bytes()}
	if err := varint.WriteMessage(client, pb.Marshal(req)); err != nil {
		t.Fatal(err)
	}
	vr := varint.NewReader(client, maxMessageSize)
	body, err := vr.ReadMessage()
	if err != nil {
		t.Fatal(err)
	}
	resp, err := pb.Unmarshal(body)
	if err != nil {
		t.Fatal(err)
	}
	if len(resp.CloserPeers) != 1 || !resp.CloserPeers[0].ID.Equal(other) {
		t.Fatalf("expected closer_peers to contain the known peer, got %+v", resp.CloserPeers)
	}
}

func TestServerAddProviderIsFireAndForget(t *testing.T) {
	self := newTestPeer(t)
	provider := newTestPeer(t)
	tbl := table.New(self, 20, nil)
	provs := store.NewProviderStore(store.DefaultProvidersPerKey, store.DefaultTTL)
	srv := NewServer(self, tbl, nil, provs)

	client, server := newPipePair()
	done := make(chan error, 1)
	go func() { done <- srv.HandleStream(server) }()

	req := &pb.Message{Type: pb.AddProvider, Key: []byte("content"), ProviderPeers: []pb.PeerEntry{{ID: provider, Connectedness: pb.Connected}}}
	if err := varint.WriteMessage(client, pb.Marshal(req)); err != nil {
		t.Fatal(err)
	}
	client.Close()

	if err := <-done; err != nil {
		t.Fatalf("HandleStream returned error: %v", err)
	}
	found := provs.Providers([]byte("content"))
	if len(found) != 1 || !found[0].Equal(provider) {
		t.Fatalf("expected provider to be recorded, got %v", found)
	}
}
