// Package tls implements the TLS 1.3 secure channel of spec.md §4.3: a
// self-signed certificate carrying the host's libp2p identity in a custom
// X.509 critical extension (OID 1.3.6.1.4.1.53594.1.1), verified out-of-band
// of the usual CA chain since every peer is its own root.
package tls

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"fmt"
	"math/big"
	"time"

	"lukechampine.com/frand"

	"go.meshnet.dev/p2p/p2perr"
	"go.meshnet.dev/p2p/peer"
	"go.meshnet.dev/p2p/secureconn"
	"go.meshnet.dev/p2p/transport"
)

// ProtocolID is the multistream-select identifier for this secure channel.
const ProtocolID = "/tls/1.0.0"

// extensionOID is the critical X.509 extension carrying the signed identity
// payload, pinned by spec.md §4.3.
var extensionOID = asn1.ObjectIdentifier{1, 3, 6, 1, 4, 1, 53594, 1, 1}

const certValidity = 100 * 365 * 24 * time.Hour

const payloadSigPrefix = "libp2p-tls-handshake:"

// signedKeyPayload is the ASN.1 structure embedded in the extension: the
// host's libp2p public key record plus a signature over
// payloadSigPrefix+certificate_public_key, binding the ephemeral TLS
// certificate to the long-term libp2p identity.
type signedKeyPayload struct {
	PubKey    []byte
	Signature []byte
}

// Transport implements secureconn.Transport using TLS 1.3.
type Transport struct {
	localID  peer.ID
	localKey peer.PrivKey
}

// New constructs a TLS secureconn.Transport bound to the host's identity.
func New(localID peer.ID, localKey peer.PrivKey) *Transport {
	return &Transport{localID: localID, localKey: localKey}
}

func (t *Transport) ProtocolID() string { return ProtocolID }

func (t *Transport) SecureOutbound(ctx context.Context, insecure transport.Conn, remote peer.ID) (secureconn.Conn, error) {
	cert, err := t.certificate()
	if err != nil {
		return nil, err
	}
	cfg := &tls.Config{
		MinVersion:         tls.VersionTLS13,
		Certificates:       []tls.Certificate{cert},
		InsecureSkipVerify: true, // identity is verified via the embedded extension, not the usual chain
	}
	tc := tls.Client(insecure, cfg)
	if err := tc.HandshakeContext(ctx); err != nil {
		return nil, p2perr.Wrap(p2perr.KindProtocolError, "tls client handshake", err)
	}
	remoteKey, remoteID, err := verifyPeerCertificate(tc.ConnectionState())
	if err != nil {
		return nil, err
	}
	if !remote.Empty() && !remote.Equal(remoteID) {
		tc.Close()
		return nil, p2perr.New(p2perr.KindUnexpectedPeerID, fmt.Sprintf("expected peer %s, got %s", remote, remoteID))
	}
	return &Conn{Conn: insecure, tls: tc, localID: t.localID, localKey: t.localKey, remoteID: remoteID, remoteKey: remoteKey}, nil
}

func (t *Transport) SecureInbound(ctx context.Context, insecure transport.Conn) (secureconn.Conn, error) {
	cert, err := t.certificate()
	if err != nil {
		return nil, err
	}
	cfg := &tls.Config{
		MinVersion:   tls.VersionTLS13,
		Certificates: []tls.Certificate{cert},
		ClientAuth:   tls.RequireAnyClientCert,
	}
	tc := tls.Server(insecure, cfg)
	if err := tc.HandshakeContext(ctx); err != nil {
		return nil, p2perr.Wrap(p2perr.KindProtocolError, "tls server handshake", err)
	}
	remoteKey, remoteID, err := verifyPeerCertificate(tc.ConnectionState())
	if err != nil {
		return nil, err
	}
	return &Conn{Conn: insecure, tls: tc, localID: t.localID, localKey: t.localKey, remoteID: remoteID, remoteKey: remoteKey}, nil
}

// certificate generates a fresh self-signed certificate whose key is an
// ephemeral P-256 keypair and whose extensionOID extension binds that
// ephemeral key to t.localKey, per spec.md §4.3. A fresh certificate is
// minted per connection, mirroring go-libp2p's tls transport.
func (t *Transport) certificate() (tls.Certificate, error) {
	certKey, err := ecdsa.GenerateKey(elliptic.P256(), frand.Reader)
	if err != nil {
		return tls.Certificate{}, p2perr.Wrap(p2perr.KindInternal, "generate tls certificate key", err)
	}
	certKeyPub, err := x509.MarshalPKIXPublicKey(&certKey.PublicKey)
	if err != nil {
		return tls.Certificate{}, p2perr.Wrap(p2perr.KindInternal, "marshal tls certificate public key", err)
	}
	pubRecord, err := peer.MarshalPublicKey(t.localKey.GetPublic())
	if err != nil {
		return tls.Certificate{}, p2perr.Wrap(p2perr.KindInternal, "marshal identity public key", err)
	}
	sig, err := t.localKey.Sign(append([]byte(payloadSigPrefix), certKeyPub...))
	if err != nil {
		return tls.Certificate{}, p2perr.Wrap(p2perr.KindInternal, "sign tls certificate key", err)
	}
	extVal, err := asn1.Marshal(signedKeyPayload{PubKey: pubRecord, Signature: sig})
	if err != nil {
		return tls.Certificate{}, p2perr.Wrap(p2perr.KindInternal, "marshal identity extension", err)
	}

	serial, err := rand.Int(frand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return tls.Certificate{}, p2perr.Wrap(p2perr.KindInternal, "generate certificate serial", err)
	}
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: "meshnet"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(certValidity),
		ExtraExtensions: []pkix.Extension{
			{Id: extensionOID, Critical: true, Value: extVal},
		},
	}
	der, err := x509.CreateCertificate(frand.Reader, template, template, &certKey.PublicKey, certKey)
	if err != nil {
		return tls.Certificate{}, p2perr.Wrap(p2perr.KindInternal, "create tls certificate", err)
	}
	return tls.Certificate{
		Certificate: [][]byte{der},
		PrivateKey:  certKey,
	}, nil
}

// verifyPeerCertificate extracts and verifies the identity extension from
// the peer's leaf certificate, returning the libp2p identity it attests to.
func verifyPeerCertificate(cs tls.ConnectionState) (peer.PubKey, peer.ID, error) {
	if len(cs.PeerCertificates) == 0 {
		return nil, "", p2perr.New(p2perr.KindPeerVerifyFailed, "no peer certificate presented")
	}
	leaf := cs.PeerCertificates[0]

	var extVal []byte
	for _, ext := range leaf.Extensions {
		if ext.Id.Equal(extensionOID) {
			extVal = ext.Value
			break
		}
	}
	if extVal == nil {
		return nil, "", p2perr.New(p2perr.KindPeerVerifyFailed, "peer certificate missing identity extension")
	}
	var payload signedKeyPayload
	if _, err := asn1.Unmarshal(extVal, &payload); err != nil {
		return nil, "", p2perr.Wrap(p2perr.KindProtocolError, "decode identity extension", err)
	}
	pub, err := peer.UnmarshalPublicKey(payload.PubKey)
	if err != nil {
		return nil, "", p2perr.Wrap(p2perr.KindProtocolError, "unmarshal remote identity key", err)
	}
	certKeyPub, err := x509.MarshalPKIXPublicKey(leaf.PublicKey)
	if err != nil {
		return nil, "", p2perr.Wrap(p2perr.KindInternal, "marshal peer certificate public key", err)
	}
	ok, err := pub.Verify(append([]byte(payloadSigPrefix), certKeyPub...), payload.Signature)
	if err != nil || !ok {
		return nil, "", p2perr.New(p2perr.KindSignatureMismatch, "tls identity extension signature did not verify")
	}
	id, err := peer.FromPublicKey(pub)
	if err != nil {
		return nil, "", p2perr.Wrap(p2perr.KindInternal, "derive remote peer id", err)
	}
	return pub, id, nil
}

// Conn wraps a *tls.Conn with the secureconn.Conn identity accessors.
type Conn struct {
	transport.Conn
	tls *tls.Conn

	localID   peer.ID
	localKey  peer.PrivKey
	remoteID  peer.ID
	remoteKey peer.PubKey
}

func (c *Conn) Read(p []byte) (int, error)  { return c.tls.Read(p) }
func (c *Conn) Write(p []byte) (int, error) { return c.tls.Write(p) }
func (c *Conn) Close() error                { return c.tls.Close() }

func (c *Conn) LocalPeer() peer.ID            { return c.localID }
func (c *Conn) LocalPrivateKey() peer.PrivKey { return c.localKey }
func (c *Conn) RemotePeer() peer.ID           { return c.remoteID }
func (c *Conn) RemotePublicKey() peer.PubKey  { return c.remoteKey }

var _ secureconn.Conn = (*Conn)(nil)
