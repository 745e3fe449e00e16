// Package pb hand-encodes the Kademlia wire message of spec.md §4.12 using
// protobuf's low-level wire primitives directly, pinning the exact field
// layout without depending on a protoc-generated package, per SPEC_FULL.md
// §4.19.
package pb

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"

	"go.meshnet.dev/p2p/peer"
)

// MessageType enumerates the Kademlia RPC kinds of spec.md §4.12.
type MessageType int32

const (
	PutValue MessageType = iota
	GetValue
	AddProvider
	GetProviders
	FindNode
	Ping
)

// Connectedness mirrors spec.md §4.12's closer/provider peer entry tag.
type Connectedness int32

const (
	NotConnected Connectedness = iota
	Connected
	CanConnect
	CannotConnect
)

// Record is the optional value envelope carried by GET_VALUE/PUT_VALUE.
type Record struct {
	Key          []byte
	Value        []byte
	TimeReceived string
}

// PeerEntry is one closer_peers/provider_peers entry.
type PeerEntry struct {
	ID            peer.ID
	Addrs         []peer.Multiaddr
	Connectedness Connectedness
}

// Message is spec.md §4.12's Message, field-for-field.
type Message struct {
	Type          MessageType
	ClusterLevel  uint32
	Key           []byte
	Record        *Record
	CloserPeers   []PeerEntry
	ProviderPeers []PeerEntry
}

// Field numbers, pinned for this module's wire compatibility with itself
// (spec.md does not mandate interop with any specific external numbering).
const (
	fieldType          = 1
	fieldClusterLevel  = 2
	fieldKey           = 3
	fieldRecord        = 4
	fieldCloserPeers   = 5
	fieldProviderPeers = 6

	fieldRecordKey          = 1
	fieldRecordValue        = 2
	fieldRecordTimeReceived = 3

	fieldPeerID            = 1
	fieldPeerAddrs         = 2
	fieldPeerConnectedness = 3
)

// Marshal encodes m into its wire form.
func Marshal(m *Message) []byte {
	var b []byte
	b = protowire.AppendTag(b, fieldType, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(m.Type))
	b = protowire.AppendTag(b, fieldClusterLevel, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(m.ClusterLevel))
	if len(m.Key) > 0 {
		b = protowire.AppendTag(b, fieldKey, protowire.BytesType)
		b = protowire.AppendBytes(b, m.Key)
	}
	if m.Record != nil {
		b = protowire.AppendTag(b, fieldRecord, protowire.BytesType)
		b = protowire.AppendBytes(b, marshalRecord(m.Record))
	}
	for _, e := range m.CloserPeers {
		b = protowire.AppendTag(b, fieldCloserPeers, protowire.BytesType)
		b = protowire.AppendBytes(b, marshalPeerEntry(&e))
	}
	for _, e := range m.ProviderPeers {
		b = protowire.AppendTag(b, fieldProviderPeers, protowire.BytesType)
		b = protowire.AppendBytes(b, marshalPeerEntry(&e))
	}
	return b
}

func marshalRecord(r *Record) []byte {
	var b []byte
	if len(r.Key) > 0 {
		b = protowire.AppendTag(b, fieldRecordKey, protowire.BytesType)
		b = protowire.AppendBytes(b, r.Key)
	}
	if len(r.Value) > 0 {
		b = protowire.AppendTag(b, fieldRecordValue, protowire.BytesType)
		b = protowire.AppendBytes(b, r.Value)
	}
	if r.TimeReceived != "" {
		b = protowire.AppendTag(b, fieldRecordTimeReceived, protowire.BytesType)
		b = protowire.AppendString(b, r.TimeReceived)
	}
	return b
}

func marshalPeerEntry(e *PeerEntry) []byte {
	var b []byte
	b = protowire.AppendTag(b, fieldPeerID, protowire.BytesType)
	b = protowire.AppendBytes(b, e.ID.Bytes())
	for _, a := range e.Addrs {
		b = protowire.AppendTag(b, fieldPeerAddrs, protowire.BytesType)
		b = protowire.AppendBytes(b, a.Bytes())
	}
	b = protowire.AppendTag(b, fieldPeerConnectedness, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(e.Connectedness))
	return b
}

// Unmarshal decodes a Message from its wire form.
func Unmarshal(buf []byte) (*Message, error) {
	m := &Message{}
	for len(buf) > 0 {
		num, typ, n := protowire.ConsumeTag(buf)
		if n < 0 {
			return nil, fmt.Errorf("kademlia/pb: invalid tag: %w", protowire.ParseError(n))
		}
		buf = buf[n:]
		switch num {
		case fieldType:
			v, n := protowire.ConsumeVarint(buf)
			if n < 0 {
				return nil, fmt.Errorf("kademlia/pb: invalid type field")
			}
			m.Type = MessageType(v)
			buf = buf[n:]
		case fieldClusterLevel:
			v, n := protowire.ConsumeVarint(buf)
			if n < 0 {
				return nil, fmt.Errorf("kademlia/pb: invalid cluster_level field")
			}
			m.ClusterLevel = uint32(v)
			buf = buf[n:]
		case fieldKey:
			v, n := protowire.ConsumeBytes(buf)
			if n < 0 {
				return nil, fmt.Errorf("kademlia/pb: invalid key field")
			}
			m.Key = append([]byte(nil), v...)
			buf = buf[n:]
		case fieldRecord:
			v, n := protowire.ConsumeBytes(buf)
			if n < 0 {
				return nil, fmt.Errorf("kademlia/pb: invalid record field")
			}
			rec, err := unmarshalRecord(v)
			if err != nil {
				return nil, err
			}
			m.Record = rec
			buf = buf[n:]
		case fieldCloserPeers:
			v, n := protowire.ConsumeBytes(buf)
			if n < 0 {
				return nil, fmt.Errorf("kademlia/pb: invalid closer_peers field")
			}
			e, err := unmarshalPeerEntry(v)
			if err != nil {
				return nil, err
			}
			m.CloserPeers = append(m.CloserPeers, *e)
			buf = buf[n:]
		case fieldProviderPeers:
			v, n := protowire.ConsumeBytes(buf)
			if n < 0 {
				return nil, fmt.Errorf("kademlia/pb: invalid provider_peers field")
			}
			e, err := unmarshalPeerEntry(v)
			if err != nil {
				return nil, err
			}
			m.ProviderPeers = append(m.ProviderPeers, *e)
			buf = buf[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, buf)
			if n < 0 {
				return nil, fmt.Errorf("kademlia/pb: invalid unknown field %d", num)
			}
			buf = buf[n:]
		}
	}
	return m, nil
}

func unmarshalRecord(buf []byte) (*Record, error) {
	r := &Record{}
	for len(buf) > 0 {
		num, typ, n := protowire.ConsumeTag(buf)
		if n < 0 {
			return nil, fmt.Errorf("kademlia/pb: invalid record tag")
		}
		buf = buf[n:]
		switch num {
		case fieldRecordKey:
			v, n := protowire.ConsumeBytes(buf)
			if n < 0 {
				return nil, fmt.Errorf("kademlia/pb: invalid record key")
			}
			r.Key = append([]byte(nil), v...)
			buf = buf[n:]
		case fieldRecordValue:
			v, n := protowire.ConsumeBytes(buf)
			if n < 0 {
				return nil, fmt.Errorf("kademlia/pb: invalid record value")
			}
			r.Value = append([]byte(nil), v...)
			buf = buf[n:]
		case fieldRecordTimeReceived:
			v, n := protowire.ConsumeString(buf)
			if n < 0 {
				return nil, fmt.Errorf("kademlia/pb: invalid record time_received")
			}
			r.TimeReceived = v
			buf = buf[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, buf)
			if n < 0 {
				return nil, fmt.Errorf("kademlia/pb: invalid unknown record field %d", num)
			}
			buf = buf[n:]
		}
	}
	return r, nil
}

func unmarshalPeerEntry(buf []byte) (*PeerEntry, error) {
	e := &PeerEntry{}
	for len(buf) > 0 {
		num, typ, n := protowire.ConsumeTag(buf)
		if n < 0 {
			return nil, fmt.Errorf("kademlia/pb: invalid peer entry tag")
		}
		buf = buf[n:]
		switch num {
		case fieldPeerID:
			v, n := protowire.ConsumeBytes(buf)
			if n < 0 {
				return nil, fmt.Errorf("kademlia/pb: invalid peer id")
			}
			id, err := peer.IDFromBytes(v)
			if err != nil {
				return nil, err
			}
			e.ID = id
			buf = buf[n:]
		case fieldPeerAddrs:
			v, n := protowire.ConsumeBytes(buf)
			if n < 0 {
				return nil, fmt.Errorf("kademlia/pb: invalid peer addr")
			}
			addr, err := peer.MultiaddrFromBytes(v)
			if err != nil {
				return nil, err
			}
			e.Addrs = append(e.Addrs, addr)
			buf = buf[n:]
		case fieldPeerConnectedness:
			v, n := protowire.ConsumeVarint(buf)
			if n < 0 {
				return nil, fmt.Errorf("kademlia/pb: invalid peer connectedness")
			}
			e.Connectedness = Connectedness(v)
			buf = buf[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, buf)
			if n < 0 {
				return nil, fmt.Errorf("kademlia/pb: invalid unknown peer entry field %d", num)
			}
			buf = buf[n:]
		}
	}
	return e, nil
}
