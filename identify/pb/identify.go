// Package pb hand-encodes the Identify wire message of spec.md §4.14 using
// the same protowire primitives as kademlia/pb, per SPEC_FULL.md §4.19.
package pb

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// Identify is spec.md §4.14's message, field-for-field.
type Identify struct {
	ProtocolVersion string
	AgentVersion    string
	PublicKey       []byte
	ListenAddrs     [][]byte
	ObservedAddr    []byte
	Protocols       []string
}

const (
	fieldProtocolVersion = 1
	fieldAgentVersion    = 2
	fieldPublicKey       = 3
	fieldListenAddrs     = 4
	fieldObservedAddr    = 5
	fieldProtocols       = 6
)

// Marshal encodes m into its wire form.
func Marshal(m *Identify) []byte {
	var b []byte
	if m.ProtocolVersion != "" {
		b = protowire.AppendTag(b, fieldProtocolVersion, protowire.BytesType)
		b = protowire.AppendString(b, m.ProtocolVersion)
	}
	if m.AgentVersion != "" {
		b = protowire.AppendTag(b, fieldAgentVersion, protowire.BytesType)
		b = protowire.AppendString(b, m.AgentVersion)
	}
	if len(m.PublicKey) > 0 {
		b = protowire.AppendTag(b, fieldPublicKey, protowire.BytesType)
		b = protowire.AppendBytes(b, m.PublicKey)
	}
	for _, a := range m.ListenAddrs {
		b = protowire.AppendTag(b, fieldListenAddrs, protowire.BytesType)
		b = protowire.AppendBytes(b, a)
	}
	if len(m.ObservedAddr) > 0 {
		b = protowire.AppendTag(b, fieldObservedAddr, protowire.BytesType)
		b = protowire.AppendBytes(b, m.ObservedAddr)
	}
	for _, p := range m.Protocols {
		b = protowire.AppendTag(b, fieldProtocols, protowire.BytesType)
		b = protowire.AppendString(b, p)
	}
	return b
}

// Unmarshal decodes an Identify message from its wire form.
func Unmarshal(buf []byte) (*Identify, error) {
	m := &Identify{}
	for len(buf) > 0 {
		num, typ, n := protowire.ConsumeTag(buf)
		if n < 0 {
			return nil, fmt.Errorf("identify/pb: invalid tag: %w", protowire.ParseError(n))
		}
		buf = buf[n:]
		switch num {
		case fieldProtocolVersion:
			v, n := protowire.ConsumeString(buf)
			if n < 0 {
				return nil, fmt.Errorf("identify/pb: invalid protocol_version")
			}
			m.ProtocolVersion = v
			buf = buf[n:]
		case fieldAgentVersion:
			v, n := protowire.ConsumeString(buf)
			if n < 0 {
				return nil, fmt.Errorf("identify/pb: invalid agent_version")
			}
			m.AgentVersion = v
			buf = buf[n:]
		case fieldPublicKey:
			v, n := protowire.ConsumeBytes(buf)
			if n < 0 {
				return nil, fmt.Errorf("identify/pb: invalid public_key")
			}
			m.PublicKey = append([]byte(nil), v...)
			buf = buf[n:]
		case fieldListenAddrs:
			v, n := protowire.ConsumeBytes(buf)
			if n < 0 {
				return nil, fmt.Errorf("identify/pb: invalid listen_addrs entry")
			}
			m.ListenAddrs = append(m.ListenAddrs, append([]byte(nil), v...))
			buf = buf[n:]
		case fieldObservedAddr:
			v, n := protowire.ConsumeBytes(buf)
			if n < 0 {
				return nil, fmt.Errorf("identify/pb: invalid observed_addr")
			}
			m.ObservedAddr = append([]byte(nil), v...)
			buf = buf[n:]
		case fieldProtocols:
			v, n := protowire.ConsumeString(buf)
			if n < 0 {
				return nil, fmt.Errorf("identify/pb: invalid protocols entry")
			}
			m.Protocols = append(m.Protocols, v)
			buf = buf[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, buf)
			if n < 0 {
				return nil, fmt.Errorf("identify/pb: invalid unknown field %d", num)
			}
			buf = buf[n:]
		}
	}
	return m, nil
}
