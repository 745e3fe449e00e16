package table

import (
	"context"
	"testing"

	"go.meshnet.dev/p2p/peer"
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

func TestAddMoveToTailOnRefresh(t *testing.T) {
	self := newTestPeer(t)
	tbl := New(self, 2, nil)
	a := newTestPeer(t)
	b := newTestPeer(t)

	ctx := context.Background()
	tbl.Add(ctx, a)
	tbl.Add(ctx, b)
	tbl.Add(ctx, a) // refresh, should move to tail not duplicate

	idx := bucketIndex(tbl.selfKey, keyFor(a))
	if idxB := bucketIndex(tbl.selfKey, keyFor(b)); idxB == idx {
		// a and b happen to land in the same bucket; just check no duplication
		bkt := tbl.buckets[idx]
		count := 0
		for _, e := range bkt.entries {
			if e.id.Equal(a) {
				count++
			}
		}
		if count != 1 {
			t.Fatalf("expected exactly one entry for a, got %d", count)
		}
		if !bkt.entries[len(bkt.entries)-1].id.Equal(a) {
			t.Fatalf("expected refreshed a at the tail, got %+v", bkt.entries)
		}
		return
	}
	bkt := tbl.buckets[idx]
	if len(bkt.entries) != 1 || !bkt.entries[0].id.Equal(a) {
		t.Fatalf("expected bucket to contain exactly a, got %+v", bkt.entries)
	}
}

type alwaysDead struct{}

func (alwaysDead) IsAlive(ctx context.Context, p peer.ID) bool { return false }

type alwaysAlive struct{}

func (alwaysAlive) IsAlive(ctx context.Context, p peer.ID) bool { return true }

func TestAddEvictsDeadHeadWhenBucketFull(t *testing.T) {
	self := newTestPeer(t)
	tbl := New(self, 1, alwaysDead{})

	// Force two peers into the same bucket by bit-twiddling their ids'
	// derived keys is impractical without exposing internals, so instead
	// verify capacity-1 behavior against whichever bucket the peers land in:
	// fill bucket, then add a second peer targeting the same bucket via trial.
	var a, newcomer peer.ID
	a = newTestPeer(t)
	ctx := context.Background()
	tbl.Add(ctx, a)

	idxA := bucketIndex(tbl.selfKey, keyFor(a))
	for i := 0; i < 200; i++ {
		cand := newTestPeer(t)
		if bucketIndex(tbl.selfKey, keyFor(cand)) == idxA {
			newcomer = cand
			break
		}
	}
	if newcomer.Empty() {
		t.Skip("could not find a colliding bucket peer within attempt budget")
	}

	tbl.Add(ctx, newcomer)
	bkt := tbl.buckets[idxA]
	if len(bkt.entries) != 1 || !bkt.entries[0].id.Equal(newcomer) {
		t.Fatalf("expected dead head to be replaced by newcomer, got %+v", bkt.entries)
	}
}

func TestAddKeepsHeadWhenAlive(t *testing.T) {
	self := newTestPeer(t)
	tbl := New(self, 1, alwaysAlive{})

	a := newTestPeer(t)
	ctx := context.Background()
	tbl.Add(ctx, a)

	idxA := bucketIndex(tbl.selfKey, keyFor(a))
	var newcomer peer.ID
	for i := 0; i < 200; i++ {
		cand := newTestPeer(t)
		if bucketIndex(tbl.selfKey, keyFor(cand)) == idxA {
			newcomer = cand
			break
		}
	}
	if newcomer.Empty() {
		t.Skip("could not find a colliding bucket peer within attempt budget")
	}

	tbl.Add(ctx, newcomer)
	bkt := tbl.buckets[idxA]
	if len(bkt.entries) != 1 || !bkt.entries[0].id.Equal(a) {
		t.Fatalf("expected live head %v to be kept, got %+v", a, bkt.entries)
	}
}

func TestGetNearestPeersSortedByDistance(t *testing.T) {
	self := newTestPeer(t)
	tbl := New(self, 20, nil)
	ctx := context.Background()

	var ids []peer.ID
	for i := 0; i < 10; i++ {
		id := newTestPeer(t)
		ids = append(ids, id)
		tbl.Add(ctx, id)
	}

	target := keyFor(newTestPeer(t))
	nearest := tbl.GetNearestPeers(target, 5)
	if len(nearest) != 5 {
		t.Fatalf("expected 5 nearest peers, got %d", len(nearest))
	}
	for i := 1; i < len(nearest); i++ {
		prev := xorDistance(target, keyFor(nearest[i-1]))
		cur := xorDistance(target, keyFor(nearest[i]))
		if less(cur, prev) {
			t.Fatalf("results not sorted by ascending distance at index %d", i)
		}
	}
}

func TestRemove(t *testing.T) {
	self := newTestPeer(t)
	tbl := New(self, 20, nil)
	a := newTestPeer(t)
	ctx := context.Background()
	tbl.Add(ctx, a)
	tbl.Remove(a)

	idx := bucketIndex(tbl.selfKey, keyFor(a))
	for _, e := range tbl.buckets[idx].entries {
		if e.id.Equal(a) {
			t.Fatal("expected peer to be removed")
		}
	}
}
