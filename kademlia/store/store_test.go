package store

import (
	"errors"
	"testing"
	"time"

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

type rejectAll struct{}

func (rejectAll) Validate(key, value []byte) error { return errors.New("rejected") }

func TestValueStorePutGet(t *testing.T) {
	s := NewValueStore(0, 0, nil)
	fixedNow := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return fixedNow }

	if err := s.Put([]byte("k"), []byte("v")); err != nil {
		t.Fatal(err)
	}
	got, ok := s.Get([]byte("k"))
	if !ok || string(got) != "v" {
		t.Fatalf("expected v, got %q ok=%v", got, ok)
	}
}

func TestValueStoreExpires(t *testing.T) {
	s := NewValueStore(0, time.Hour, nil)
	fixedNow := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return fixedNow }
	s.Put([]byte("k"), []byte("v"))

	s.now = func() time.Time { return fixedNow.Add(2 * time.Hour) }
	if _, ok := s.Get([]byte("k")); ok {
		t.Fatal("expected value to be expired")
	}
}

func TestValueStoreRejectsInvalid(t *testing.T) {
	s := NewValueStore(0, 0, rejectAll{})
	if err := s.Put([]byte("k"), []byte("v")); err == nil {
		t.Fatal("expected validator rejection")
	}
	if _, ok := s.Get([]byte("k")); ok {
		t.Fatal("expected no value stored after rejection")
	}
}

func TestProviderStoreAddAndGet(t *testing.T) {
	s := NewProviderStore(0, 0)
	fixedNow := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return fixedNow }

	p1 := newTestPeer(t)
	p2 := newTestPeer(t)
	s.AddProvider([]byte("content"), p1)
	s.AddProvider([]byte("content"), p2)

	got := s.Providers([]byte("content"))
	if len(got) != 2 {
		t.Fatalf("expected 2 providers, got %d", len(got))
	}
}

func TestProviderStoreExpiresEntries(t *testing.T) {
	s := NewProviderStore(0, time.Hour)
	fixedNow := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return fixedNow }

	p1 := newTestPeer(t)
	s.AddProvider([]byte("content"), p1)

	s.now = func() time.Time { return fixedNow.Add(2 * time.Hour) }
	if got := s.Providers([]byte("content")); len(got) != 0 {
		t.Fatalf("expected 0 providers after expiry, got %d", len(got))
	}
}

func TestProviderStoreEvictsOldestWhenOverCapacity(t *testing.T) {
	s := NewProviderStore(2, time.Hour)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	p1, p2, p3 := newTestPeer(t), newTestPeer(t), newTestPeer(t)

	s.now = func() time.Time { return base }
	s.AddProvider([]byte("content"), p1)
	s.now = func() time.Time { return base.Add(time.Minute) }
	s.AddProvider([]byte("content"), p2)
	s.now = func() time.Time { return base.Add(2 * time.Minute) }
	s.AddProvider([]byte("content"), p3)

	got := s.Providers([]byte("content"))
	if len(got) != 2 {
		t.Fatalf("expected provider set capped at 2, got %d", len(got))
	}
	for _, id := range got {
		if id.Equal(p1) {
			t.Fatal("expected oldest provider p1 to have been evicted")
		}
	}
}
