// Package obsaddr implements the observed-addresses manager of spec.md
// §4.15: tracking what remote peers report seeing as our externally
// reachable address, per local listener, until enough distinct peers agree
// to call it confirmed.
package obsaddr

import (
	"sync"

	"go.meshnet.dev/p2p/peer"
)

// ConfirmationThreshold is the distinct-peer count spec.md §4.15 requires
// before an observed address is considered confirmed.
const ConfirmationThreshold = 4

type observation struct {
	reporters       map[peer.ID]bool
	initiatorCount  int
	nonInitiatorCount int
}

// Manager tracks, per local listen address, what remote peers report
// observing as our address.
type Manager struct {
	mu   sync.Mutex
	byLocal map[string]map[string]*observation // local addr -> observed addr -> observation
}

// New constructs an empty Manager.
func New() *Manager {
	return &Manager{byLocal: make(map[string]map[string]*observation)}
}

// Record submits one peer's observation of our address, as seen on a
// connection accepted (or dialed) via localAddr. isInitiator is true when
// we dialed the connection (we were the initiator of the multistream
// handshake), matching spec.md §4.15's is_initiator_count/
// non_initiator_count split.
func (m *Manager) Record(localAddr, observedAddr string, from peer.ID, isInitiator bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	byObserved, ok := m.byLocal[localAddr]
	if !ok {
		byObserved = make(map[string]*observation)
		m.byLocal[localAddr] = byObserved
	}
	obs, ok := byObserved[observedAddr]
	if !ok {
		obs = &observation{reporters: make(map[peer.ID]bool)}
		byObserved[observedAddr] = obs
	}
	if !obs.reporters[from] {
		obs.reporters[from] = true
		if isInitiator {
			obs.initiatorCount++
		} else {
			obs.nonInitiatorCount++
		}
	}
}

// Confirmed returns the observed addresses for localAddr reported by at
// least ConfirmationThreshold distinct peers.
func (m *Manager) Confirmed(localAddr string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []string
	for observed, obs := range m.byLocal[localAddr] {
		if len(obs.reporters) >= ConfirmationThreshold {
			out = append(out, observed)
		}
	}
	return out
}

// Clear drops all observations recorded for localAddr, e.g. when the
// listener is torn down.
func (m *Manager) Clear(localAddr string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.byLocal, localAddr)
}
