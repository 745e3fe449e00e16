package peer

import (
	"encoding/base32"
	"errors"
	"fmt"

	"github.com/mr-tron/base58"

	"go.meshnet.dev/p2p/varint"
)

// multihash codes, matching the identity/sha2-256 table the multiaddr
// ecosystem uses. Only sha2-256 is produced by this module; other codes are
// accepted on decode for interoperability with peers using different hashes.
const multihashSHA256 = 0x12

// ID is the canonical multihash of a serialized public-key record, per
// spec.md §3: 32-34 bytes, immutable once derived. It is defined as a
// string (not a []byte-backed struct) so it is comparable and usable
// directly as a map key, the same convention go-libp2p's own peer.ID uses —
// the raw multihash bytes live in the string's backing array.
type ID string

// FromPublicKey derives the PeerId of pk: SHA-256 of its marshalled
// self-describing record, multihash-prefixed.
func FromPublicKey(pk PubKey) (ID, error) {
	rec, err := MarshalPublicKey(pk)
	if err != nil {
		return "", err
	}
	digest := sha256Sum(rec)
	mh := varint.Encode(nil, multihashSHA256)
	mh = varint.Encode(mh, uint64(len(digest)))
	mh = append(mh, digest...)
	return ID(mh), nil
}

// IDFromBytes wraps a raw multihash byte slice (as received on the wire)
// into an ID without re-deriving it.
func IDFromBytes(b []byte) (ID, error) {
	if len(b) < 2 {
		return "", errors.New("peer: peer id too short")
	}
	return ID(b), nil
}

// Bytes returns the raw multihash bytes.
func (id ID) Bytes() []byte { return []byte(id) }

// Empty reports whether id is the zero value.
func (id ID) Empty() bool { return len(id) == 0 }

// String returns the legacy base58-with-no-prefix encoding.
func (id ID) String() string { return base58.Encode([]byte(id)) }

// IDFromLegacyString decodes the legacy base58 encoding.
func IDFromLegacyString(s string) (ID, error) {
	b, err := base58.Decode(s)
	if err != nil {
		return "", fmt.Errorf("peer: decode base58 peer id: %w", err)
	}
	return IDFromBytes(b)
}

var base32Lower = base32.StdEncoding.WithPadding(base32.NoPadding)

// StringB32 returns the base32-lower-with-"b"-prefix encoding.
func (id ID) StringB32() string {
	return "b" + base32LowerEncode([]byte(id))
}

func base32LowerEncode(b []byte) string {
	s := base32Lower.EncodeToString(b)
	// multibase's "base32" variant is lowercase; Go's base32 alphabet is
	// uppercase, so lowercase it to match the self-describing convention
	// spec.md names ("base32-lower").
	out := make([]byte, len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c >= 'A' && c <= 'Z' {
			c += 'a' - 'A'
		}
		out[i] = c
	}
	return string(out)
}

// IDFromString decodes either encoding: a leading "b" selects base32-lower,
// anything else is treated as legacy base58.
func IDFromString(s string) (ID, error) {
	if len(s) > 0 && s[0] == 'b' {
		upper := make([]byte, len(s)-1)
		for i, c := range []byte(s[1:]) {
			if c >= 'a' && c <= 'z' {
				c -= 'a' - 'A'
			}
			upper[i] = c
		}
		b, err := base32Lower.DecodeString(string(upper))
		if err != nil {
			return "", fmt.Errorf("peer: decode base32 peer id: %w", err)
		}
		return IDFromBytes(b)
	}
	return IDFromLegacyString(s)
}

// Equal reports whether two IDs are the same peer.
func (id ID) Equal(other ID) bool { return id == other }

// MatchesPublicKey reports whether id is exactly the PeerId derived from pk,
// the identity check spec.md §4.2/§4.3 both require after a secure-channel
// handshake.
func (id ID) MatchesPublicKey(pk PubKey) bool {
	derived, err := FromPublicKey(pk)
	if err != nil {
		return false
	}
	return id.Equal(derived)
}
