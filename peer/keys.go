// Package peer implements PeerId, the four KeyPair variants, and AddrInfo
// from spec.md §3. Key generation, signing, and hashing are treated as
// "assumed available as a library" per spec.md §1's explicit non-goals;
// this package is the thin self-describing-record layer spec.md's data
// model actually asks for, built on top of stdlib crypto and
// github.com/btcsuite/btcd/btcec/v2 for Secp256k1.
package peer

import (
	stdcrypto "crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/subtle"
	"crypto/x509"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	btcecdsa "github.com/btcsuite/btcd/btcec/v2/ecdsa"

	"go.meshnet.dev/p2p/varint"
)

// KeyType identifies one of the four supported key-pair variants.
type KeyType int

const (
	Ed25519 KeyType = iota
	Secp256k1
	ECDSA
	RSA
)

func (t KeyType) String() string {
	switch t {
	case Ed25519:
		return "Ed25519"
	case Secp256k1:
		return "Secp256k1"
	case ECDSA:
		return "ECDSA"
	case RSA:
		return "RSA"
	default:
		return "unknown"
	}
}

// PubKey is the public half of a KeyPair. It serializes to a self-describing
// record {type_tag, key_bytes} per spec.md §3.
type PubKey interface {
	Type() KeyType
	Raw() ([]byte, error)
	Verify(data, sig []byte) (bool, error)
	Equals(PubKey) bool
}

// PrivKey is the private half of a KeyPair. The private half never leaves
// the process — there is no Marshal on this interface, only GetPublic.
type PrivKey interface {
	Type() KeyType
	Sign(data []byte) ([]byte, error)
	GetPublic() PubKey
}

// MarshalPublicKey encodes pk as the self-describing record spec.md §3
// names: {type_tag, key_bytes}. The encoding uses this module's varint
// helper rather than a protobuf toolchain: a varint type tag, a varint
// length, then the raw key bytes.
func MarshalPublicKey(pk PubKey) ([]byte, error) {
	raw, err := pk.Raw()
	if err != nil {
		return nil, err
	}
	buf := varint.Encode(nil, uint64(pk.Type()))
	buf = varint.Encode(buf, uint64(len(raw)))
	buf = append(buf, raw...)
	return buf, nil
}

// UnmarshalPublicKey decodes a record produced by MarshalPublicKey.
func UnmarshalPublicKey(buf []byte) (PubKey, error) {
	typ, n, err := varint.Decode(buf)
	if err != nil {
		return nil, fmt.Errorf("peer: decode key type: %w", err)
	}
	buf = buf[n:]
	sz, n, err := varint.Decode(buf)
	if err != nil {
		return nil, fmt.Errorf("peer: decode key length: %w", err)
	}
	buf = buf[n:]
	if uint64(len(buf)) < sz {
		return nil, errors.New("peer: truncated public key record")
	}
	raw := buf[:sz]
	switch KeyType(typ) {
	case Ed25519:
		if len(raw) != ed25519.PublicKeySize {
			return nil, errors.New("peer: bad ed25519 public key length")
		}
		return ed25519PubKey(raw), nil
	case Secp256k1:
		pk, err := btcec.ParsePubKey(raw)
		if err != nil {
			return nil, fmt.Errorf("peer: parse secp256k1 public key: %w", err)
		}
		return secp256k1PubKey{pk}, nil
	case ECDSA:
		pk, err := x509.ParsePKIXPublicKey(raw)
		if err != nil {
			return nil, fmt.Errorf("peer: parse ecdsa public key: %w", err)
		}
		epk, ok := pk.(*ecdsa.PublicKey)
		if !ok {
			return nil, errors.New("peer: not an ecdsa public key")
		}
		return ecdsaPubKey{epk}, nil
	case RSA:
		pk, err := x509.ParsePKCS1PublicKey(raw)
		if err != nil {
			return nil, fmt.Errorf("peer: parse rsa public key: %w", err)
		}
		return rsaPubKey{pk}, nil
	default:
		return nil, fmt.Errorf("peer: unknown key type %d", typ)
	}
}

// --- Ed25519 ---

type ed25519PrivKey ed25519.PrivateKey
type ed25519PubKey ed25519.PublicKey

// GenerateEd25519 generates a fresh Ed25519 KeyPair.
func GenerateEd25519() (PrivKey, PubKey, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, err
	}
	return ed25519PrivKey(priv), ed25519PubKey(pub), nil
}

func (k ed25519PrivKey) Type() KeyType { return Ed25519 }
func (k ed25519PrivKey) Sign(data []byte) ([]byte, error) {
	return ed25519.Sign(ed25519.PrivateKey(k), data), nil
}
func (k ed25519PrivKey) GetPublic() PubKey {
	return ed25519PubKey(ed25519.PrivateKey(k).Public().(ed25519.PublicKey))
}

func (k ed25519PubKey) Type() KeyType        { return Ed25519 }
func (k ed25519PubKey) Raw() ([]byte, error) { return []byte(k), nil }
func (k ed25519PubKey) Verify(data, sig []byte) (bool, error) {
	return ed25519.Verify(ed25519.PublicKey(k), data, sig), nil
}
func (k ed25519PubKey) Equals(other PubKey) bool {
	o, ok := other.(ed25519PubKey)
	return ok && subtle.ConstantTimeCompare(k, o) == 1
}

// --- Secp256k1 ---

type secp256k1PrivKey struct{ k *btcec.PrivateKey }
type secp256k1PubKey struct{ k *btcec.PublicKey }

// GenerateSecp256k1 generates a fresh Secp256k1 KeyPair.
func GenerateSecp256k1() (PrivKey, PubKey, error) {
	k, err := btcec.NewPrivateKey()
	if err != nil {
		return nil, nil, err
	}
	return secp256k1PrivKey{k}, secp256k1PubKey{k.PubKey()}, nil
}

func (k secp256k1PrivKey) Type() KeyType { return Secp256k1 }
func (k secp256k1PrivKey) Sign(data []byte) ([]byte, error) {
	digest := sha256.Sum256(data)
	sig := btcecdsa.Sign(k.k, digest[:])
	return sig.Serialize(), nil
}
func (k secp256k1PrivKey) GetPublic() PubKey { return secp256k1PubKey{k.k.PubKey()} }

func (k secp256k1PubKey) Type() KeyType        { return Secp256k1 }
func (k secp256k1PubKey) Raw() ([]byte, error) { return k.k.SerializeCompressed(), nil }
func (k secp256k1PubKey) Verify(data, sigBytes []byte) (bool, error) {
	sig, err := btcecdsa.ParseDERSignature(sigBytes)
	if err != nil {
		return false, err
	}
	digest := sha256.Sum256(data)
	return sig.Verify(digest[:], k.k), nil
}
func (k secp256k1PubKey) Equals(other PubKey) bool {
	o, ok := other.(secp256k1PubKey)
	return ok && k.k.IsEqual(o.k)
}

// --- ECDSA / P-256 ---

type ecdsaPrivKey struct{ k *ecdsa.PrivateKey }
type ecdsaPubKey struct{ k *ecdsa.PublicKey }

// GenerateECDSA generates a fresh ECDSA/P-256 KeyPair.
func GenerateECDSA() (PrivKey, PubKey, error) {
	k, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nil, err
	}
	return ecdsaPrivKey{k}, ecdsaPubKey{&k.PublicKey}, nil
}

func (k ecdsaPrivKey) Type() KeyType { return ECDSA }
func (k ecdsaPrivKey) Sign(data []byte) ([]byte, error) {
	digest := sha256.Sum256(data)
	return ecdsa.SignASN1(rand.Reader, k.k, digest[:])
}
func (k ecdsaPrivKey) GetPublic() PubKey { return ecdsaPubKey{&k.k.PublicKey} }

func (k ecdsaPubKey) Type() KeyType { return ECDSA }
func (k ecdsaPubKey) Raw() ([]byte, error) {
	return x509.MarshalPKIXPublicKey(k.k)
}
func (k ecdsaPubKey) Verify(data, sig []byte) (bool, error) {
	digest := sha256.Sum256(data)
	return ecdsa.VerifyASN1(k.k, digest[:], sig), nil
}
func (k ecdsaPubKey) Equals(other PubKey) bool {
	o, ok := other.(ecdsaPubKey)
	return ok && k.k.Equal(o.k)
}

// --- RSA ---

type rsaPrivKey struct{ k *rsa.PrivateKey }
type rsaPubKey struct{ k *rsa.PublicKey }

// GenerateRSA generates a fresh RSA KeyPair of the given modulus size in bits.
func GenerateRSA(bits int) (PrivKey, PubKey, error) {
	k, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return nil, nil, err
	}
	return rsaPrivKey{k}, rsaPubKey{&k.PublicKey}, nil
}

func (k rsaPrivKey) Type() KeyType { return RSA }
func (k rsaPrivKey) Sign(data []byte) ([]byte, error) {
	digest := sha256.Sum256(data)
	return rsa.SignPKCS1v15(rand.Reader, k.k, stdcrypto.SHA256, digest[:])
}
func (k rsaPrivKey) GetPublic() PubKey { return rsaPubKey{&k.k.PublicKey} }

func (k rsaPubKey) Type() KeyType        { return RSA }
func (k rsaPubKey) Raw() ([]byte, error) { return x509.MarshalPKCS1PublicKey(k.k), nil }
func (k rsaPubKey) Verify(data, sig []byte) (bool, error) {
	digest := sha256.Sum256(data)
	err := rsa.VerifyPKCS1v15(k.k, stdcrypto.SHA256, digest[:], sig)
	return err == nil, nil
}
func (k rsaPubKey) Equals(other PubKey) bool {
	o, ok := other.(rsaPubKey)
	return ok && k.k.Equal(o.k)
}
