// Package connmgr implements the connection manager of spec.md §4.9:
// indexing muxed connections by remote peer and classifying reachability.
package connmgr

import (
	"sync"

	"go.meshnet.dev/p2p/muxer"
	"go.meshnet.dev/p2p/peer"
)

// Connectedness classifies a peer's current reachability, per spec.md §4.9.
type Connectedness int

const (
	NotConnected Connectedness = iota
	CanConnect
	CannotConnect
	Connected
)

// Conn is a muxed connection indexed by this manager, tagged with the
// remote peer it authenticates to and the local/remote multiaddrs the
// underlying transport connection was established over.
type Conn struct {
	muxer.Conn
	Remote      peer.ID
	LocalAddr   peer.Multiaddr
	RemoteAddr  peer.Multiaddr
	IsInitiator bool
}

// EventListener is notified when a connection is removed from the manager.
// The zero value (nil) is a valid, no-op listener.
type EventListener func(p peer.ID, c *Conn)

// Manager indexes connections by remote peer-id, most-recently-added first.
type Manager struct {
	mu           sync.Mutex
	conns        map[peer.ID][]*Conn
	dialFailures map[peer.ID]bool // last dial attempt to every known address failed
	onClose      EventListener
}

// New constructs an empty Manager. onClose, if non-nil, fires whenever
// onConnectionClosed removes a connection.
func New(onClose EventListener) *Manager {
	return &Manager{
		conns:        make(map[peer.ID][]*Conn),
		dialFailures: make(map[peer.ID]bool),
		onClose:      onClose,
	}
}

// MarkDialFailed records that every address known for p was tried and
// failed, so Connectedness can report CannotConnect instead of CanConnect
// until a connection to p is added. Learning a new address does not clear
// the mark.
func (m *Manager) MarkDialFailed(p peer.ID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dialFailures[p] = true
}

// Add inserts c into the per-peer set, most-recent first.
func (m *Manager) Add(c *Conn) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.conns[c.Remote] = append([]*Conn{c}, m.conns[c.Remote]...)
	delete(m.dialFailures, c.Remote)
}

// GetConnections returns the ordered list of connections for p,
// most-recently-added first.
func (m *Manager) GetConnections(p peer.ID) []*Conn {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Conn, len(m.conns[p]))
	copy(out, m.conns[p])
	return out
}

// GetBestConnection returns the first open connection for p, or nil if all
// are closed (or none exist).
func (m *Manager) GetBestConnection(p peer.ID) *Conn {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.conns[p] {
		if !c.IsClosed() {
			return c
		}
	}
	return nil
}

// Connectedness classifies p given its known addresses (from the peer
// repository's address book) and this manager's current connection set.
func (m *Manager) Connectedness(p peer.ID, knownAddrs int) Connectedness {
	m.mu.Lock()
	conns := m.conns[p]
	failed := m.dialFailures[p]
	m.mu.Unlock()
	for _, c := range conns {
		if !c.IsClosed() {
			return Connected
		}
	}
	if knownAddrs == 0 {
		return NotConnected
	}
	if failed {
		return CannotConnect
	}
	return CanConnect
}

// OnConnectionClosed removes c from the set for p and fires the listener.
// It tolerates reentrant calls to GetConnections/Close arriving while it
// runs (it only ever holds m.mu for the duration of the slice mutation,
// never while invoking onClose), per spec.md §4.9's reentrancy requirement
// — a connection's own teardown path may call this synchronously.
func (m *Manager) OnConnectionClosed(p peer.ID, c *Conn) {
	m.mu.Lock()
	conns := m.conns[p]
	for i, existing := range conns {
		if existing == c {
			conns = append(conns[:i], conns[i+1:]...)
			break
		}
	}
	m.conns[p] = conns
	m.mu.Unlock()

	if m.onClose != nil {
		m.onClose(p, c)
	}
}
