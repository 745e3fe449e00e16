package kademlia

import (
	"io"

	"go.meshnet.dev/p2p/kademlia/pb"
	"go.meshnet.dev/p2p/kademlia/query"
	"go.meshnet.dev/p2p/kademlia/store"
	"go.meshnet.dev/p2p/kademlia/table"
	"go.meshnet.dev/p2p/peer"
	"go.meshnet.dev/p2p/varint"
)

const maxMessageSize = 64 * 1024

// Server answers inbound /ipfs/kad/1.0.0 streams using this node's routing
// table and value/provider stores — the responder half of spec.md §4.12,
// complementing query.Engine's initiator half.
type Server struct {
	self   peer.ID
	table  *table.Table
	values *store.ValueStore
	provs  *store.ProviderStore
}

// NewServer constructs a Server over the given table and stores.
func NewServer(self peer.ID, t *table.Table, values *store.ValueStore, provs *store.ProviderStore) *Server {
	return &Server{self: self, table: t, values: values, provs: provs}
}

// HandleStream processes one inbound Kademlia stream: read one request,
// answer it (closer_peers are populated from the routing table for
// FIND_NODE, GET_PROVIDERS and GET_VALUE), write one response. ADD_PROVIDER is
// the one fire-and-forget type; any read error after an ADD_PROVIDER
// payload is ignored since the dialer never waits for a response.
func (s *Server) HandleStream(stream io.ReadWriteCloser) error {
	defer stream.Close()

	vr := varint.NewReader(stream, maxMessageSize)
	body, err := vr.ReadMessage()
	if err != nil {
		return err
	}
	req, err := pb.Unmarshal(body)
	if err != nil {
		return err
	}

	if req.Type == pb.AddProvider {
		s.handleAddProvider(req)
		return nil // fire-and-forget: no response expected
	}

	resp := s.handleRequest(req)
	return varint.WriteMessage(stream, pb.Marshal(resp))
}

func (s *Server) closerPeers(key [32]byte) []pb.PeerEntry {
	ids := s.table.GetNearestPeers(key, table.DefaultBucketSize)
	out := make([]pb.PeerEntry, 0, len(ids))
	for _, id := range ids {
		out = append(out, pb.PeerEntry{ID: id, Connectedness: pb.Connected})
	}
	return out
}

func (s *Server) handleRequest(req *pb.Message) *pb.Message {
	switch req.Type {
	case pb.FindNode:
		key := table.KeyForBytes(req.Key)
		return &pb.Message{Type: pb.FindNode, CloserPeers: s.closerPeers(key)}

	case pb.GetProviders:
		key := table.KeyForBytes(req.Key)
		var provEntries []pb.PeerEntry
		if s.provs != nil {
			for _, p := range s.provs.Providers(req.Key) {
				provEntries = append(provEntries, pb.PeerEntry{ID: p, Connectedness: pb.Connected})
			}
		}
		return &pb.Message{Type: pb.GetProviders, CloserPeers: s.closerPeers(key), ProviderPeers: provEntries}

	case pb.GetValue:
		key := table.KeyForBytes(req.Key)
		var rec *pb.Record
		if s.values != nil {
			if v, ok := s.values.Get(req.Key); ok {
				rec = &pb.Record{Key: req.Key, Value: v}
			}
		}
		return &pb.Message{Type: pb.GetValue, Record: rec, CloserPeers: s.closerPeers(key)}

	case pb.PutValue:
		if s.values != nil && req.Record != nil {
			_ = s.values.Put(req.Key, req.Record.Value) // validator rejection silently drops the write, matching a no-op PUT on an invalid record
		}
		return &pb.Message{Type: pb.PutValue, Record: req.Record}

	case pb.Ping:
		return &pb.Message{Type: pb.Ping}

	default:
		return &pb.Message{Type: req.Type}
	}
}

func (s *Server) handleAddProvider(req *pb.Message) {
	if s.provs == nil {
		return
	}
	for _, pp := range req.ProviderPeers {
		if pp.ID.Empty() {
			continue
		}
		s.provs.AddProvider(req.Key, pp.ID)
	}
}

// Kademlia bundles the routing table, value/provider stores, the iterative
// query engine, and the inbound responder into one constructor-wired unit,
// matching the Options-struct-plus-constructor convention the retrieval
// pack's own Kademlia service uses.
type Kademlia struct {
	Table  *table.Table
	Values *store.ValueStore
	Provs  *store.ProviderStore
	Engine *query.Engine
	Server *Server
}

// Options configures New's defaults; a zero-value field selects the
// package default for that setting.
type Options struct {
	BucketSize int
}

// New constructs a fully wired Kademlia unit for self, dialing peers
// through dialer (typically a *host.Host).
func New(self peer.ID, liveness table.PeerLivenessChecker, dialer query.StreamDialer, opts Options) *Kademlia {
	bucketSize := opts.BucketSize
	if bucketSize <= 0 {
		bucketSize = table.DefaultBucketSize
	}
	t := table.New(self, bucketSize, liveness)
	values := store.NewValueStore(store.DefaultValueCapacity, store.DefaultTTL, nil)
	provs := store.NewProviderStore(store.DefaultProvidersPerKey, store.DefaultTTL)
	engine := query.NewEngine(self, t, dialer)
	server := NewServer(self, t, values, provs)
	return &Kademlia{Table: t, Values: values, Provs: provs, Engine: engine, Server: server}
}
