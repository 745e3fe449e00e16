package yamux

import "encoding/binary"

// Frame types, per spec.md §4.5's pinned 12-byte header.
const (
	typeData uint8 = iota
	typeWindowUpdate
	typePing
	typeGoAway
)

// Flags bitmask.
const (
	flagSYN uint16 = 1 << iota
	flagACK
	flagFIN
	flagRST
)

// GO_AWAY error codes.
const (
	goAwayNormal uint32 = iota
	goAwayProtocolError
	goAwayInternalError
)

const (
	protoVersion    uint8 = 0
	headerSize            = 12
	initialWindow         = 256 * 1024
)

// header is the 12-byte Yamux frame header: version, type, flags,
// stream-id (u32 BE), length-or-error-code (u32 BE).
type header struct {
	version uint8
	typ     uint8
	flags   uint16
	id      uint32
	length  uint32 // also carries the GO_AWAY error code / PING opaque value
}

func encodeHeader(buf []byte, h header) {
	buf[0] = h.version
	buf[1] = h.typ
	binary.BigEndian.PutUint16(buf[2:4], h.flags)
	binary.BigEndian.PutUint32(buf[4:8], h.id)
	binary.BigEndian.PutUint32(buf[8:12], h.length)
}

func decodeHeader(buf []byte) header {
	return header{
		version: buf[0],
		typ:     buf[1],
		flags:   binary.BigEndian.Uint16(buf[2:4]),
		id:      binary.BigEndian.Uint32(buf[4:8]),
		length:  binary.BigEndian.Uint32(buf[8:12]),
	}
}
