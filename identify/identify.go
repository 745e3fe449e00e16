// Package identify implements the /ipfs/id/1.0.0 protocol of spec.md §4.14:
// on every new muxed connection both sides push one Identify message over
// its own outbound stream and process whatever the other side pushes back.
package identify

import (
	"context"
	"fmt"
	"io"

	"go.meshnet.dev/p2p/identify/pb"
	"go.meshnet.dev/p2p/obsaddr"
	"go.meshnet.dev/p2p/peer"
	"go.meshnet.dev/p2p/peerstore"
	"go.meshnet.dev/p2p/varint"
)

// ProtocolID is the multistream-select protocol id this exchange runs
// under, pinned by spec.md §6.
const ProtocolID = "/ipfs/id/1.0.0"

const maxMessageSize = 8 * 1024

// StreamOpener opens an outbound stream to p under protocolID, the same
// capability kademlia/query.StreamDialer requires — both are satisfied by
// the same host.Host in practice.
type StreamOpener interface {
	OpenStream(ctx context.Context, p peer.ID, protocolID string) (io.ReadWriteCloser, error)
}

// LocalInfo supplies the fields of our own outgoing Identify message; the
// slice-returning fields are functions so the service always reports the
// host's current state rather than a snapshot taken at construction time.
type LocalInfo struct {
	ProtocolVersion string
	AgentVersion    string
	PrivateKey      peer.PrivKey
	ListenAddrs     func() []peer.Multiaddr
	Protocols       func() []string
}

// Service implements the Identify exchange for one local host.
type Service struct {
	self      peer.ID
	info      LocalInfo
	peerstore *peerstore.Peerstore
	obs       *obsaddr.Manager
	opener    StreamOpener
}

// New constructs a Service. opener is used to open the outbound push stream
// of Push; it may be nil for a Service that only ever handles
// inbound streams via Handle.
func New(self peer.ID, info LocalInfo, ps *peerstore.Peerstore, obs *obsaddr.Manager, opener StreamOpener) *Service {
	return &Service{self: self, info: info, peerstore: ps, obs: obs, opener: opener}
}

// buildMessage constructs our outgoing Identify message. observedRemote is
// the address we saw the remote peer connect from or to, reported back to
// them so they can learn their externally visible address (spec.md §4.15).
func (s *Service) buildMessage(observedRemote peer.Multiaddr) (*pb.Identify, error) {
	pub := s.info.PrivateKey.GetPublic()
	pubRecord, err := peer.MarshalPublicKey(pub)
	if err != nil {
		return nil, fmt.Errorf("identify: marshal public key: %w", err)
	}

	var listenAddrs [][]byte
	for _, a := range s.info.ListenAddrs() {
		listenAddrs = append(listenAddrs, a.Bytes())
	}

	var observedBytes []byte
	if observedRemote != nil {
		observedBytes = observedRemote.Bytes()
	}

	return &pb.Identify{
		ProtocolVersion: s.info.ProtocolVersion,
		AgentVersion:    s.info.AgentVersion,
		PublicKey:       pubRecord,
		ListenAddrs:     listenAddrs,
		ObservedAddr:    observedBytes,
		Protocols:       s.info.Protocols(),
	}, nil
}

// Push opens an outbound /ipfs/id/1.0.0 stream to p and sends our Identify
// message, reporting observedRemote (the address p connected from/to, as
// seen locally) back to them. The stream is closed once the message is
// written, per spec.md §4.14's "exchange one protobuf message each, then
// close the stream".
func (s *Service) Push(ctx context.Context, p peer.ID, observedRemote peer.Multiaddr) error {
	if s.opener == nil {
		return fmt.Errorf("identify: no stream opener configured")
	}
	msg, err := s.buildMessage(observedRemote)
	if err != nil {
		return err
	}
	stream, err := s.opener.OpenStream(ctx, p, ProtocolID)
	if err != nil {
		return fmt.Errorf("identify: open stream to %s: %w", p, err)
	}
	defer stream.Close()

	if err := varint.WriteMessage(stream, pb.Marshal(msg)); err != nil {
		return fmt.Errorf("identify: write message: %w", err)
	}
	return nil
}

// Handle processes one inbound /ipfs/id/1.0.0 stream from remote: it reads
// and validates the peer's Identify message, records its protocols and
// listen addresses in the peerstore, and submits its observed_addr to obs.
//
// localAddr and remoteAddr describe the connection the stream rides on;
// isInitiator is true when the local side dialed that connection;
// currentlyConnected is true when that connection is still open at the
// time the message is processed, selecting the TTL spec.md §4.14 names for
// newly learned listen addresses.
func (s *Service) Handle(stream io.ReadWriteCloser, remote peer.ID, localAddr, remoteAddr peer.Multiaddr, isInitiator, currentlyConnected bool) error {
	defer stream.Close()

	vr := varint.NewReader(stream, maxMessageSize)
	body, err := vr.ReadMessage()
	if err != nil {
		return fmt.Errorf("identify: read message from %s: %w", remote, err)
	}
	msg, err := pb.Unmarshal(body)
	if err != nil {
		return fmt.Errorf("identify: unmarshal message from %s: %w", remote, err)
	}

	pub, err := peer.UnmarshalPublicKey(msg.PublicKey)
	if err != nil {
		return fmt.Errorf("identify: unmarshal public key from %s: %w", remote, err)
	}
	if !remote.MatchesPublicKey(pub) {
		return fmt.Errorf("identify: peer id %s does not match its advertised public key", remote)
	}
	s.peerstore.KeyBook.AddPubKey(remote, pub)

	if len(msg.Protocols) > 0 {
		s.peerstore.ProtocolBook.AddProtocols(remote, msg.Protocols...)
	}

	ttl := peerstore.TTLRecentlyConnected
	if currentlyConnected {
		ttl = peerstore.TTLPermanent
	}
	for _, raw := range msg.ListenAddrs {
		addr, err := peer.MultiaddrFromBytes(raw)
		if err != nil {
			continue // skip addresses we cannot parse rather than fail the whole exchange
		}
		s.peerstore.AddrBook.AddAddr(remote, addr, ttl)
	}

	if s.obs != nil && len(msg.ObservedAddr) > 0 && localAddr != nil {
		observed, err := peer.MultiaddrFromBytes(msg.ObservedAddr)
		if err == nil {
			s.obs.Record(localAddr.String(), observed.String(), remote, isInitiator)
		}
	}
	return nil
}
