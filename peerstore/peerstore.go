// Package peerstore implements the three TTL-based sub-stores of spec.md
// §4.8: address book, key book, and protocol book, keyed by peer.ID.
package peerstore

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"

	"go.meshnet.dev/p2p/peer"
)

// TTL sentinels named by spec.md §4.8.
const (
	TTLTransient         = 2 * time.Minute
	TTLRecentlyConnected = 10 * time.Minute
	TTLPermanent         = 0 // zero means "never expires"
)

// addrRecord is one (multiaddr, expire_at) entry. expireAt.IsZero() means
// permanent.
type addrRecord struct {
	addr     peer.Multiaddr
	expireAt time.Time
}

func (r addrRecord) expired(now time.Time) bool {
	return !r.expireAt.IsZero() && !now.Before(r.expireAt)
}

// AddrBook is the address repository: peer-id → ordered set of
// (multiaddr, expire_at). Upsert merges TTL as max.
type AddrBook struct {
	mu   sync.Mutex
	recs map[peer.ID][]addrRecord
	now  func() time.Time
}

// NewAddrBook constructs an empty AddrBook.
func NewAddrBook() *AddrBook {
	return &AddrBook{recs: make(map[peer.ID][]addrRecord), now: time.Now}
}

// AddAddr upserts addr for p with the given ttl; if addr is already present
// for p, its expiry becomes the later of the existing and new expiry (ttl 0
// meaning permanent always wins).
func (b *AddrBook) AddAddr(p peer.ID, addr peer.Multiaddr, ttl time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var newExpire time.Time
	if ttl > 0 {
		newExpire = b.now().Add(ttl)
	}
	recs := b.recs[p]
	for i, r := range recs {
		if r.addr.Equal(addr) {
			switch {
			case r.expireAt.IsZero():
				// already permanent
			case newExpire.IsZero():
				recs[i].expireAt = time.Time{}
			case newExpire.After(r.expireAt):
				recs[i].expireAt = newExpire
			}
			return
		}
	}
	b.recs[p] = append(recs, addrRecord{addr: addr, expireAt: newExpire})
}

// Addrs returns the non-expired addresses known for p.
func (b *AddrBook) Addrs(p peer.ID) []peer.Multiaddr {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.now()
	var out []peer.Multiaddr
	var live []addrRecord
	for _, r := range b.recs[p] {
		if r.expired(now) {
			continue
		}
		live = append(live, r)
		out = append(out, r.addr)
	}
	b.recs[p] = live
	return out
}

// ClearAddrs removes every address recorded for p.
func (b *AddrBook) ClearAddrs(p peer.ID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.recs, p)
}

// KeyBook is the key repository: peer-id → set of public keys, immutable
// once added, plus the local set of keypairs.
type KeyBook struct {
	mu   sync.Mutex
	pub  map[peer.ID]peer.PubKey
	priv map[peer.ID]peer.PrivKey
}

// NewKeyBook constructs an empty KeyBook.
func NewKeyBook() *KeyBook {
	return &KeyBook{pub: make(map[peer.ID]peer.PubKey), priv: make(map[peer.ID]peer.PrivKey)}
}

// AddPubKey records p's public key. A no-op if one is already recorded —
// keys are immutable once added, per spec.md §4.8.
func (b *KeyBook) AddPubKey(p peer.ID, pk peer.PubKey) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.pub[p]; ok {
		return
	}
	b.pub[p] = pk
}

// PubKey returns p's recorded public key, if any.
func (b *KeyBook) PubKey(p peer.ID) (peer.PubKey, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	pk, ok := b.pub[p]
	return pk, ok
}

// AddPrivKey records the local keypair for identity p.
func (b *KeyBook) AddPrivKey(p peer.ID, sk peer.PrivKey) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.priv[p] = sk
}

// PrivKey returns the local private key for identity p, if any.
func (b *KeyBook) PrivKey(p peer.ID) (peer.PrivKey, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sk, ok := b.priv[p]
	return sk, ok
}

// ProtocolBook is the protocol repository: peer-id → set of protocol-ids.
// Backed by an LRU cache bounding the number of distinct peers tracked,
// since protocol sets accumulate for every peer ever seen on the network.
type ProtocolBook struct {
	mu    sync.Mutex
	cache *lru.Cache
}

const protocolBookCapacity = 4096

// NewProtocolBook constructs a ProtocolBook bounded to protocolBookCapacity
// distinct peers.
func NewProtocolBook() *ProtocolBook {
	c, err := lru.New(protocolBookCapacity)
	if err != nil {
		panic(err) // only fails for non-positive capacity, which is a programmer error
	}
	return &ProtocolBook{cache: c}
}

// AddProtocols idempotently adds protocol ids to p's set.
func (b *ProtocolBook) AddProtocols(p peer.ID, protos ...string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	set := b.getSet(p)
	for _, proto := range protos {
		set[proto] = struct{}{}
	}
	b.cache.Add(p, set)
}

// RemoveProtocols idempotently removes protocol ids from p's set.
func (b *ProtocolBook) RemoveProtocols(p peer.ID, protos ...string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	set := b.getSet(p)
	for _, proto := range protos {
		delete(set, proto)
	}
	b.cache.Add(p, set)
}

// Protocols returns the set of protocol ids recorded for p.
func (b *ProtocolBook) Protocols(p peer.ID) []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	set := b.getSet(p)
	out := make([]string, 0, len(set))
	for proto := range set {
		out = append(out, proto)
	}
	return out
}

func (b *ProtocolBook) getSet(p peer.ID) map[string]struct{} {
	if v, ok := b.cache.Get(p); ok {
		return v.(map[string]struct{})
	}
	return make(map[string]struct{})
}

// Peerstore bundles the three sub-stores, with Clear removing all of a
// peer's records at once.
type Peerstore struct {
	*AddrBook
	*KeyBook
	*ProtocolBook
}

// New constructs an empty Peerstore.
func New() *Peerstore {
	return &Peerstore{
		AddrBook:     NewAddrBook(),
		KeyBook:      NewKeyBook(),
		ProtocolBook: NewProtocolBook(),
	}
}

// Clear removes all records (addresses, keys, protocols) for p.
func (ps *Peerstore) Clear(p peer.ID) {
	ps.AddrBook.ClearAddrs(p)
	ps.ProtocolBook.mu.Lock()
	ps.ProtocolBook.cache.Remove(p)
	ps.ProtocolBook.mu.Unlock()
	ps.KeyBook.mu.Lock()
	delete(ps.KeyBook.pub, p)
	delete(ps.KeyBook.priv, p)
	ps.KeyBook.mu.Unlock()
}
