package peer

import (
	"errors"

	ma "github.com/multiformats/go-multiaddr"
)

// Multiaddr is re-exported so callers of this package never need to import
// go-multiaddr directly; spec.md §1 treats multiaddress parsing as an
// external collaborator and this module delegates entirely to the
// multiformats implementation rather than hand-rolling the binary layout.
type Multiaddr = ma.Multiaddr

// ParseMultiaddr parses the forward-slash-separated string form.
func ParseMultiaddr(s string) (Multiaddr, error) { return ma.NewMultiaddr(s) }

// MultiaddrFromBytes parses the packed binary form, as received on the wire
// (e.g. in a Kademlia closer_peers/provider_peers entry).
func MultiaddrFromBytes(b []byte) (Multiaddr, error) { return ma.NewMultiaddrBytes(b) }

// AddrInfo is spec.md §3's PeerInfo: a peer id plus an ordered, unique list
// of addresses.
type AddrInfo struct {
	ID    ID
	Addrs []Multiaddr
}

// AddUnique appends addr to the AddrInfo's address list if it is not
// already present (byte-equal), preserving the existing order.
func (ai *AddrInfo) AddUnique(addr Multiaddr) {
	for _, a := range ai.Addrs {
		if a.Equal(addr) {
			return
		}
	}
	ai.Addrs = append(ai.Addrs, addr)
}

// AddrInfoFromP2pAddr splits a "/ip4/.../tcp/.../p2p/<id>"-style multiaddr
// into the bare transport address and the peer id it names, the bootstrap
// and closer_peers address form spec.md §4.10/§4.12 both use.
func AddrInfoFromP2pAddr(m Multiaddr) (AddrInfo, error) {
	transportAddr, last := ma.SplitLast(m)
	if last == nil {
		return AddrInfo{}, errors.New("peer: multiaddr has no /p2p component")
	}
	idStr, err := last.ValueForProtocol(ma.P_P2P)
	if err != nil {
		return AddrInfo{}, errors.New("peer: multiaddr's last component is not /p2p")
	}
	id, err := IDFromString(idStr)
	if err != nil {
		return AddrInfo{}, err
	}
	info := AddrInfo{ID: id}
	if transportAddr != nil && transportAddr.String() != "" {
		info.Addrs = []Multiaddr{transportAddr}
	}
	return info, nil
}
