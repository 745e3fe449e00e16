// Package table implements the Kademlia routing table of spec.md §4.11:
// 256 buckets indexed by the position of the most-significant differing bit
// between SHA-256(peer-id) and self's, each bucket capacity-bounded with
// least-recently-seen eviction deferred to a liveness check.
package table

import (
	"context"
	"crypto/sha256"
	"math/bits"
	"sort"
	"sync"

	"go.meshnet.dev/p2p/peer"
)

// NumBuckets is the number of k-buckets: one per bit of a SHA-256 digest.
const NumBuckets = 256

// DefaultBucketSize is the bucket capacity k, matching go-libp2p's default.
const DefaultBucketSize = 20

// keyFor returns the Kademlia XOR-space key for p: SHA-256(peer-id bytes).
func keyFor(p peer.ID) [32]byte {
	return sha256.Sum256(p.Bytes())
}

// xorDistance computes a XOR b, both 32-byte Kademlia keys.
func xorDistance(a, b [32]byte) [32]byte {
	var d [32]byte
	for i := range a {
		d[i] = a[i] ^ b[i]
	}
	return d
}

// commonPrefixLen returns the number of leading bits shared between a and b,
// i.e. the bucket index of b relative to a is 255-commonPrefixLen(a,b) — the
// position of the most-significant bit that differs, counted from the LSB.
func commonPrefixLen(a, b [32]byte) int {
	for i := range a {
		if a[i] != b[i] {
			x := a[i] ^ b[i]
			return i*8 + bits.LeadingZeros8(x)
		}
	}
	return 256
}

// bucketIndex returns which of the 256 buckets key belongs in relative to
// selfKey: the position, counted from the LSB, of the most-significant
// differing bit (255 = farthest, differing already in the top bit).
func bucketIndex(selfKey, key [32]byte) int {
	cpl := commonPrefixLen(selfKey, key)
	if cpl >= NumBuckets {
		cpl = NumBuckets - 1
	}
	return NumBuckets - 1 - cpl
}

// PeerLivenessChecker decides whether a candidate that would otherwise
// evict a bucket's head is actually reachable, per spec.md §4.11's "ping
// the head; if alive, drop the candidate; if dead, replace head" rule.
type PeerLivenessChecker interface {
	IsAlive(ctx context.Context, p peer.ID) bool
}

type entry struct {
	id peer.ID
}

type bucket struct {
	entries []entry // ordered oldest (head, index 0) to most-recently-seen (tail)
}

// Table is the Kademlia routing table for one local identity.
type Table struct {
	self       peer.ID
	selfKey    [32]byte
	bucketSize int
	liveness   PeerLivenessChecker

	mu      sync.Mutex
	buckets [NumBuckets]bucket
}

// New constructs a Table for self with the given bucket capacity. liveness
// may be nil, in which case a candidate that would evict a live-looking
// head is simply dropped (conservative: never evict without a liveness
// check).
func New(self peer.ID, bucketSize int, liveness PeerLivenessChecker) *Table {
	if bucketSize <= 0 {
		bucketSize = DefaultBucketSize
	}
	return &Table{self: self, selfKey: keyFor(self), bucketSize: bucketSize, liveness: liveness}
}

// Add inserts or refreshes p in the table, per spec.md §4.11's insert rule.
func (t *Table) Add(ctx context.Context, p peer.ID) {
	if p.Equal(t.self) {
		return
	}
	key := keyFor(p)
	idx := bucketIndex(t.selfKey, key)

	t.mu.Lock()
	b := &t.buckets[idx]
	for i, e := range b.entries {
		if e.id.Equal(p) {
			b.entries = append(b.entries[:i], b.entries[i+1:]...)
			b.entries = append(b.entries, entry{id: p})
			t.mu.Unlock()
			return
		}
	}
	if len(b.entries) < t.bucketSize {
		b.entries = append(b.entries, entry{id: p})
		t.mu.Unlock()
		return
	}
	head := b.entries[0].id
	t.mu.Unlock()

	if t.liveness != nil && !t.liveness.IsAlive(ctx, head) {
		t.mu.Lock()
		if len(b.entries) > 0 && b.entries[0].id.Equal(head) {
			b.entries = append(b.entries[1:], entry{id: p})
		}
		t.mu.Unlock()
	}
	// else: head is alive (or no liveness checker configured); candidate dropped.
}

// Remove deletes p from the table, if present.
func (t *Table) Remove(p peer.ID) {
	key := keyFor(p)
	idx := bucketIndex(t.selfKey, key)
	t.mu.Lock()
	defer t.mu.Unlock()
	b := &t.buckets[idx]
	for i, e := range b.entries {
		if e.id.Equal(p) {
			b.entries = append(b.entries[:i], b.entries[i+1:]...)
			return
		}
	}
}

// GetNearestPeers returns up to count peer ids closest to targetKey by XOR
// distance, widening the bucket search outward from the bucket targetKey
// itself would occupy, per spec.md §4.11.
func (t *Table) GetNearestPeers(targetKey [32]byte, count int) []peer.ID {
	t.mu.Lock()
	candidates := make([]peer.ID, 0, count*2)
	startIdx := bucketIndex(t.selfKey, targetKey)
	for offset := 0; offset < NumBuckets && len(candidates) < count*4; offset++ {
		idxs := []int{startIdx + offset, startIdx - offset}
		if offset == 0 {
			idxs = idxs[:1] // both directions name the start bucket
		}
		for _, idx := range idxs {
			if idx < 0 || idx >= NumBuckets {
				continue
			}
			for _, e := range t.buckets[idx].entries {
				candidates = append(candidates, e.id)
			}
		}
		if offset == 0 {
			continue
		}
	}
	t.mu.Unlock()

	sort.Slice(candidates, func(i, j int) bool {
		di := xorDistance(targetKey, keyFor(candidates[i]))
		dj := xorDistance(targetKey, keyFor(candidates[j]))
		return less(di, dj)
	})
	if len(candidates) > count {
		candidates = candidates[:count]
	}
	return candidates
}

func less(a, b [32]byte) bool {
	for i := range a {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}

// KeyFor exposes keyFor for callers outside this package (query engine,
// tests) that need to compute a Kademlia key from a peer id or content key.
func KeyFor(p peer.ID) [32]byte { return keyFor(p) }

// KeyForBytes computes the Kademlia key for an arbitrary content key,
// matching the same SHA-256 convention used for peer ids.
func KeyForBytes(b []byte) [32]byte { return sha256.Sum256(b) }

// XorDistance exposes xorDistance for sorting/selection outside this package.
func XorDistance(a, b [32]byte) [32]byte { return xorDistance(a, b) }

// Less reports whether distance a is less than distance b, treating both as
// big-endian 256-bit unsigned integers.
func Less(a, b [32]byte) bool { return less(a, b) }
