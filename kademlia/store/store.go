// Package store implements the Kademlia value store and provider store of
// spec.md §4.13: both LRU-by-expiry bounded, respecting a Validator policy
// on write.
package store

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"

	"go.meshnet.dev/p2p/peer"
)

// Defaults named by spec.md §4.13.
const (
	DefaultValueCapacity         = 1024
	DefaultProvidersPerKey       = 256
	DefaultTTL                   = 24 * time.Hour
	DefaultReannounceInterval    = 12 * time.Hour
	defaultProviderStoreCapacity = 4096 // distinct content-keys tracked
)

// Validator decides whether a (key, value) pair is acceptable, e.g.
// verifying a signature embedded in value. A nil Validator accepts
// everything.
type Validator interface {
	Validate(key, value []byte) error
}

type valueRecord struct {
	value    []byte
	expireAt time.Time
}

// ValueStore is the GET_VALUE/PUT_VALUE-backing key-value store.
type ValueStore struct {
	mu        sync.Mutex
	cache     *lru.Cache
	validator Validator
	ttl       time.Duration
	now       func() time.Time
}

// NewValueStore constructs a ValueStore bounded to capacity entries (0 uses
// DefaultValueCapacity), with the given TTL (0 uses DefaultTTL) and an
// optional validator.
func NewValueStore(capacity int, ttl time.Duration, validator Validator) *ValueStore {
	if capacity <= 0 {
		capacity = DefaultValueCapacity
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	c, err := lru.New(capacity)
	if err != nil {
		panic(err)
	}
	return &ValueStore{cache: c, validator: validator, ttl: ttl, now: time.Now}
}

// Put validates and stores value under key, refreshing its expiry.
func (s *ValueStore) Put(key, value []byte) error {
	if s.validator != nil {
		if err := s.validator.Validate(key, value); err != nil {
			return err
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache.Add(string(key), valueRecord{value: value, expireAt: s.now().Add(s.ttl)})
	return nil
}

// Get returns the value stored under key, if present and unexpired.
func (s *ValueStore) Get(key []byte) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.cache.Get(string(key))
	if !ok {
		return nil, false
	}
	rec := v.(valueRecord)
	if !rec.expireAt.After(s.now()) {
		s.cache.Remove(string(key))
		return nil, false
	}
	return rec.value, true
}

type providerRecord struct {
	id       peer.ID
	expireAt time.Time
}

// ProviderStore is the ADD_PROVIDER/GET_PROVIDERS-backing content-key →
// provider-peer-set store, bounded to DefaultProvidersPerKey entries per key
// with TTL-based eviction.
type ProviderStore struct {
	mu          sync.Mutex
	cache       *lru.Cache // content-key (string) -> []providerRecord
	perKeyLimit int
	ttl         time.Duration
	now         func() time.Time
}

// NewProviderStore constructs a ProviderStore with the given per-key
// provider limit (0 uses DefaultProvidersPerKey) and TTL (0 uses
// DefaultTTL).
func NewProviderStore(perKeyLimit int, ttl time.Duration) *ProviderStore {
	if perKeyLimit <= 0 {
		perKeyLimit = DefaultProvidersPerKey
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	c, err := lru.New(defaultProviderStoreCapacity)
	if err != nil {
		panic(err)
	}
	return &ProviderStore{cache: c, perKeyLimit: perKeyLimit, ttl: ttl, now: time.Now}
}

// AddProvider records p as a provider of key, refreshing its expiry if
// already recorded. Evicts the oldest-by-expiry entry once perKeyLimit is
// exceeded.
func (s *ProviderStore) AddProvider(key []byte, p peer.ID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	recs := s.getLive(key)

	newExpire := s.now().Add(s.ttl)
	for i, r := range recs {
		if r.id.Equal(p) {
			recs[i].expireAt = newExpire
			s.cache.Add(string(key), recs)
			return
		}
	}
	recs = append(recs, providerRecord{id: p, expireAt: newExpire})
	if len(recs) > s.perKeyLimit {
		// evict the soonest-to-expire entry
		oldest := 0
		for i, r := range recs {
			if r.expireAt.Before(recs[oldest].expireAt) {
				oldest = i
			}
		}
		recs = append(recs[:oldest], recs[oldest+1:]...)
	}
	s.cache.Add(string(key), recs)
}

// Providers returns the live (unexpired) providers recorded for key.
func (s *ProviderStore) Providers(key []byte) []peer.ID {
	s.mu.Lock()
	defer s.mu.Unlock()
	recs := s.getLive(key)
	out := make([]peer.ID, len(recs))
	for i, r := range recs {
		out[i] = r.id
	}
	return out
}

// getLive returns key's provider records filtered to unexpired ones,
// persisting the filtered slice back into the cache. Caller must hold mu.
func (s *ProviderStore) getLive(key []byte) []providerRecord {
	v, ok := s.cache.Get(string(key))
	if !ok {
		return nil
	}
	recs := v.([]providerRecord)
	now := s.now()
	live := recs[:0:0]
	for _, r := range recs {
		if r.expireAt.After(now) {
			live = append(live, r)
		}
	}
	if len(live) != len(recs) {
		s.cache.Add(string(key), live)
	}
	return live
}
