// Package query implements the single iterative, alpha-bounded policy class
// of spec.md §4.12, parameterised per operation (FIND_NODE, FIND_PROVIDERS,
// GET_VALUE, PUT_VALUE, ADD_PROVIDER), plus the optional periodic
// random-walk.
package query

import (
	"context"
	"io"
	"math/rand"
	"time"

	"go.meshnet.dev/p2p/kademlia/pb"
	"go.meshnet.dev/p2p/kademlia/table"
	"go.meshnet.dev/p2p/peer"
	"go.meshnet.dev/p2p/varint"
)

// ProtocolID is the stream protocol every query dispatch opens.
const ProtocolID = "/ipfs/kad/1.0.0"

// maxMessageSize bounds a single Kademlia protobuf message, generous enough
// for a full k-sized closer_peers list with multiaddrs.
const maxMessageSize = 64 * 1024

// DefaultAlpha is the concurrency limit of spec.md §4.12.
const DefaultAlpha = 3

// DefaultK is the routing-table bucket size / query fan-in target.
const DefaultK = table.DefaultBucketSize

// DefaultGetValueQuorum is GET_VALUE's default quorum record count.
const DefaultGetValueQuorum = 4

// DefaultQueryTimeout bounds a single query overall.
const DefaultQueryTimeout = 60 * time.Second

// StreamDialer opens a stream to p on the Kademlia protocol. Implemented by
// the host layer; kept minimal here so this package has no dependency on
// host/muxer concretely.
type StreamDialer interface {
	OpenStream(ctx context.Context, p peer.ID, protocolID string) (io.ReadWriteCloser, error)
}

// Engine runs iterative Kademlia queries against a local routing table,
// dialing peers via a StreamDialer.
type Engine struct {
	Self         peer.ID
	Table        *table.Table
	Dialer       StreamDialer
	Alpha        int
	K            int
	QueryTimeout time.Duration // 0 uses DefaultQueryTimeout
}

// NewEngine constructs an Engine with the default alpha/k/timeout,
// overridable by setting the returned Engine's fields.
func NewEngine(self peer.ID, t *table.Table, dialer StreamDialer) *Engine {
	return &Engine{Self: self, Table: t, Dialer: dialer, Alpha: DefaultAlpha, K: DefaultK, QueryTimeout: DefaultQueryTimeout}
}

func (e *Engine) alpha() int {
	if e.Alpha > 0 {
		return e.Alpha
	}
	return DefaultAlpha
}

func (e *Engine) k() int {
	if e.K > 0 {
		return e.K
	}
	return DefaultK
}

func (e *Engine) queryTimeout() time.Duration {
	if e.QueryTimeout > 0 {
		return e.QueryTimeout
	}
	return DefaultQueryTimeout
}

// sendRequest opens a stream to p, writes req, reads and returns one
// response message, then closes the stream — one request/response exchange
// per dispatch, matching spec.md §4.12 step 1's "send the operation's
// request".
func (e *Engine) sendRequest(ctx context.Context, p peer.ID, req *pb.Message) (*pb.Message, error) {
	s, err := e.Dialer.OpenStream(ctx, p, ProtocolID)
	if err != nil {
		return nil, err
	}
	defer s.Close()

	if err := varint.WriteMessage(s, pb.Marshal(req)); err != nil {
		return nil, err
	}
	vr := varint.NewReader(s, maxMessageSize)
	body, err := vr.ReadMessage()
	if err != nil {
		return nil, err
	}
	return pb.Unmarshal(body)
}

// sendFireAndForget opens a stream, writes req, and closes without waiting
// for a response — used by ADD_PROVIDER per spec.md §4.12.
func (e *Engine) sendFireAndForget(ctx context.Context, p peer.ID, req *pb.Message) error {
	s, err := e.Dialer.OpenStream(ctx, p, ProtocolID)
	if err != nil {
		return err
	}
	defer s.Close()
	return varint.WriteMessage(s, pb.Marshal(req))
}

// candidate is one entry in closest_seen, ordered by ascending XOR distance
// to the query's target key.
type candidate struct {
	id       peer.ID
	distance [32]byte
}

// peerSet maintains spec.md §4.12's closest_seen, queried, and in_flight
// state for a single query run. Not goroutine-safe on its own — the engine
// drives it from a single goroutine per query.
type peerSet struct {
	targetKey [32]byte
	closest   []candidate // sorted ascending by distance
	queried   map[peer.ID]bool
	inFlight  map[peer.ID]bool
}

func newPeerSet(targetKey [32]byte, seeds []peer.ID) *peerSet {
	ps := &peerSet{
		targetKey: targetKey,
		queried:   make(map[peer.ID]bool),
		inFlight:  make(map[peer.ID]bool),
	}
	for _, s := range seeds {
		ps.insert(s)
	}
	return ps
}

func (ps *peerSet) insert(p peer.ID) {
	for _, c := range ps.closest {
		if c.id.Equal(p) {
			return
		}
	}
	d := table.XorDistance(ps.targetKey, table.KeyFor(p))
	i := 0
	for i < len(ps.closest) && table.Less(ps.closest[i].distance, d) {
		i++
	}
	ps.closest = append(ps.closest, candidate{})
	copy(ps.closest[i+1:], ps.closest[i:])
	ps.closest[i] = candidate{id: p, distance: d}
}

// nextAwaiting returns the closest not-yet-queried, not-in-flight candidate,
// if any.
func (ps *peerSet) nextAwaiting() (peer.ID, bool) {
	for _, c := range ps.closest {
		if !ps.queried[c.id] && !ps.inFlight[c.id] {
			return c.id, true
		}
	}
	return "", false
}

// queriedClosestCount returns how many of the k closest candidates have been
// queried, for the "k closest all queried" termination condition.
func (ps *peerSet) queriedClosestCount(k int) int {
	n := 0
	for i, c := range ps.closest {
		if i >= k {
			break
		}
		if ps.queried[c.id] {
			n++
		}
	}
	return n
}

func (ps *peerSet) closestIDs(k int) []peer.ID {
	n := k
	if n > len(ps.closest) {
		n = len(ps.closest)
	}
	out := make([]peer.ID, n)
	for i := 0; i < n; i++ {
		out[i] = ps.closest[i].id
	}
	return out
}

type dispatchResult struct {
	from peer.ID
	resp *pb.Message
	err  error
}

// run drives the common iterative loop of spec.md §4.12: fill dispatch
// slots up to alpha, wait for a response or timeout, feed discovered
// closer_peers back into closest_seen, and repeat until isDone or the k
// closest have all been queried with nothing left in flight, or the
// deadline passes.
func (e *Engine) run(
	ctx context.Context,
	targetKey [32]byte,
	seeds []peer.ID,
	buildRequest func() *pb.Message,
	onResponse func(from peer.ID, resp *pb.Message),
	isDone func(ps *peerSet) bool,
	deadline time.Time,
) *peerSet {
	ps := newPeerSet(targetKey, seeds)
	alpha := e.alpha()
	results := make(chan dispatchResult, alpha)
	inFlightCount := 0

	for {
		if isDone(ps) {
			break
		}
		if time.Now().After(deadline) {
			break
		}

		for inFlightCount < alpha {
			next, ok := ps.nextAwaiting()
			if !ok {
				break
			}
			ps.queried[next] = true
			ps.inFlight[next] = true
			inFlightCount++
			go func(p peer.ID) {
				qctx, cancel := context.WithDeadline(ctx, deadline)
				defer cancel()
				resp, err := e.sendRequest(qctx, p, buildRequest())
				results <- dispatchResult{from: p, resp: resp, err: err}
			}(next)
		}

		if inFlightCount == 0 {
			// nothing awaiting and nothing in flight: queried the whole
			// known network or it's empty.
			break
		}

		timer := time.NewTimer(time.Until(deadline))
		select {
		case r := <-results:
			timer.Stop()
			delete(ps.inFlight, r.from)
			inFlightCount--
			if r.err != nil || r.resp == nil {
				continue // step 3: on error/timeout, do not retry
			}
			onResponse(r.from, r.resp)
			for _, cp := range r.resp.CloserPeers {
				if cp.Connectedness == pb.NotConnected || cp.Connectedness == pb.CannotConnect {
					continue
				}
				if !ps.queried[cp.ID] {
					ps.insert(cp.ID)
				}
			}
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ps
		}
	}
	return ps
}

// FindNode locates target, returning its known addresses if discovered
// among responses (closer_peers may include the target itself).
func (e *Engine) FindNode(ctx context.Context, target peer.ID) (peer.AddrInfo, bool, error) {
	targetKey := table.KeyFor(target)
	seeds := e.Table.GetNearestPeers(targetKey, e.k())
	var found *peer.AddrInfo

	req := func() *pb.Message {
		return &pb.Message{Type: pb.FindNode, Key: target.Bytes()}
	}
	onResponse := func(from peer.ID, resp *pb.Message) {
		for _, cp := range resp.CloserPeers {
			if cp.ID.Equal(target) {
				found = &peer.AddrInfo{ID: cp.ID, Addrs: cp.Addrs}
			}
		}
	}
	isDone := func(ps *peerSet) bool {
		return found != nil || ps.queriedClosestCount(e.k()) >= minInt(e.k(), len(ps.closest))
	}

	deadline := time.Now().Add(e.queryTimeout())
	ps := e.run(ctx, targetKey, seeds, req, onResponse, isDone, deadline)
	for _, id := range ps.closestIDs(e.k()) {
		e.Table.Add(ctx, id)
	}
	if found != nil {
		return *found, true, nil
	}
	return peer.AddrInfo{}, false, nil
}

// FindProviders accumulates provider_peers for key up to limit.
func (e *Engine) FindProviders(ctx context.Context, key []byte, limit int) ([]peer.AddrInfo, error) {
	targetKey := table.KeyForBytes(key)
	seeds := e.Table.GetNearestPeers(targetKey, e.k())
	var results []peer.AddrInfo
	seen := make(map[peer.ID]bool)

	req := func() *pb.Message {
		return &pb.Message{Type: pb.GetProviders, Key: key}
	}
	onResponse := func(from peer.ID, resp *pb.Message) {
		for _, pp := range resp.ProviderPeers {
			if pp.Connectedness == pb.NotConnected || pp.Connectedness == pb.CannotConnect {
				continue
			}
			if seen[pp.ID] {
				continue
			}
			seen[pp.ID] = true
			results = append(results, peer.AddrInfo{ID: pp.ID, Addrs: pp.Addrs})
		}
	}
	isDone := func(ps *peerSet) bool {
		return len(results) >= limit || ps.queriedClosestCount(e.k()) >= minInt(e.k(), len(ps.closest))
	}

	deadline := time.Now().Add(e.queryTimeout())
	e.run(ctx, targetKey, seeds, req, onResponse, isDone, deadline)
	if len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

// Validator decides whether a candidate value record is acceptable and
// which of two competing values is better, per spec.md §4.12's "select best
// value by validator policy".
type Validator interface {
	Validate(key, value []byte) error
	// Better reports whether a is preferable to b (e.g. newer / higher
	// sequence number). Only called on values that both passed Validate.
	Better(key, a, b []byte) bool
}

// repairTarget names one peer that GetValue's repair step sends the winning
// value to.
type repairTarget struct {
	peer  peer.ID
	value []byte
}

// GetValue accumulates value records for key until quorum records have been
// received, whether or not they agree (or the k closest have been queried), then asynchronously repairs any peer
// whose returned value differed from the selected best value, per spec.md
// §4.12.
func (e *Engine) GetValue(ctx context.Context, key []byte, validator Validator) (*pb.Record, error) {
	targetKey := table.KeyForBytes(key)
	seeds := e.Table.GetNearestPeers(targetKey, e.k())

	type candidateRecord struct {
		from   peer.ID
		record *pb.Record
	}
	var candidates []candidateRecord

	req := func() *pb.Message {
		return &pb.Message{Type: pb.GetValue, Key: key}
	}
	onResponse := func(from peer.ID, resp *pb.Message) {
		if resp.Record == nil {
			return
		}
		if validator != nil {
			if err := validator.Validate(key, resp.Record.Value); err != nil {
				return
			}
		}
		candidates = append(candidates, candidateRecord{from: from, record: resp.Record})
	}
	isDone := func(ps *peerSet) bool {
		return len(candidates) >= DefaultGetValueQuorum || ps.queriedClosestCount(e.k()) >= minInt(e.k(), len(ps.closest))
	}

	deadline := time.Now().Add(e.queryTimeout())
	e.run(ctx, targetKey, seeds, req, onResponse, isDone, deadline)

	if len(candidates) == 0 {
		return nil, nil
	}

	best := candidates[0].record
	for _, c := range candidates[1:] {
		if validator != nil && validator.Better(key, c.record.Value, best.Value) {
			best = c.record
		}
	}

	var repairs []repairTarget
	for _, c := range candidates {
		if string(c.record.Value) != string(best.Value) {
			repairs = append(repairs, repairTarget{peer: c.from, value: best.Value})
		}
	}
	if len(repairs) > 0 {
		go e.repair(key, best, repairs)
	}

	return best, nil
}

// repair asynchronously sends the winning value to peers whose GET_VALUE
// response differed, per spec.md §4.12's "repair" step. Runs detached from
// the originating request's context since it is a best-effort background
// fix-up, not something the caller waits on.
func (e *Engine) repair(key []byte, best *pb.Record, targets []repairTarget) {
	ctx, cancel := context.WithTimeout(context.Background(), e.queryTimeout())
	defer cancel()
	req := &pb.Message{Type: pb.PutValue, Key: key, Record: best}
	for _, t := range targets {
		_, _ = e.sendRequest(ctx, t.peer, req)
	}
}

// locateClosestPeers runs a FIND_NODE-style traversal with no specific
// target to look for, used by PUT_VALUE and ADD_PROVIDER to locate the k
// closest peers to a content key before sending the terminal message.
func (e *Engine) locateClosestPeers(ctx context.Context, key []byte) []peer.ID {
	targetKey := table.KeyForBytes(key)
	seeds := e.Table.GetNearestPeers(targetKey, e.k())
	req := func() *pb.Message {
		return &pb.Message{Type: pb.FindNode, Key: key}
	}
	isDone := func(ps *peerSet) bool {
		return ps.queriedClosestCount(e.k()) >= minInt(e.k(), len(ps.closest))
	}
	deadline := time.Now().Add(e.queryTimeout())
	ps := e.run(ctx, targetKey, seeds, req, func(peer.ID, *pb.Message) {}, isDone, deadline)
	return ps.closestIDs(e.k())
}

// PutValue locates the k closest peers to key and sends PUT_VALUE to each
// in parallel, per spec.md §4.12. Returns an error only if every peer
// failed to echo the record back.
func (e *Engine) PutValue(ctx context.Context, key, value []byte) error {
	closest := e.locateClosestPeers(ctx, key)
	if len(closest) == 0 {
		return nil
	}
	req := &pb.Message{Type: pb.PutValue, Key: key, Record: &pb.Record{Key: key, Value: value}}

	type result struct{ err error }
	ch := make(chan result, len(closest))
	for _, p := range closest {
		go func(p peer.ID) {
			_, err := e.sendRequest(ctx, p, req)
			ch <- result{err: err}
		}(p)
	}
	successes := 0
	for range closest {
		if r := <-ch; r.err == nil {
			successes++
		}
	}
	if successes == 0 {
		return io.ErrUnexpectedEOF
	}
	return nil
}

// AddProvider locates the k closest peers to key and announces this node as
// a provider to each, fire-and-forget, per spec.md §4.12.
func (e *Engine) AddProvider(ctx context.Context, key []byte) {
	closest := e.locateClosestPeers(ctx, key)
	req := &pb.Message{
		Type: pb.AddProvider,
		Key:  key,
		ProviderPeers: []pb.PeerEntry{
			{ID: e.Self, Connectedness: pb.Connected},
		},
	}
	for _, p := range closest {
		go func(p peer.ID) { _ = e.sendFireAndForget(ctx, p, req) }(p)
	}
}

// RandomWalkConfig parameterises the optional periodic random-walk of
// spec.md §4.12.
type RandomWalkConfig struct {
	Interval          time.Duration
	QueriesPerPeriod  int
	DelayBetweenQuery time.Duration
}

// RunRandomWalk runs FIND_NODE queries against random target ids, spaced
// by cfg.DelayBetweenQuery within each cfg.Interval period, until ctx is
// canceled. Intended to run in its own goroutine.
func (e *Engine) RunRandomWalk(ctx context.Context, cfg RandomWalkConfig) {
	ticker := time.NewTicker(cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for i := 0; i < cfg.QueriesPerPeriod; i++ {
				target := randomPeerID()
				_, _, _ = e.FindNode(ctx, target)
				select {
				case <-ctx.Done():
					return
				case <-time.After(cfg.DelayBetweenQuery):
				}
			}
		}
	}
}

func randomPeerID() peer.ID {
	var raw [32]byte
	rand.Read(raw[:])
	id, _ := peer.IDFromBytes(append([]byte{0x00, 32}, raw[:]...))
	return id
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
