package peer

import "testing"

func TestEd25519RoundTrip(t *testing.T) {
	priv, pub, err := GenerateEd25519()
	if err != nil {
		t.Fatal(err)
	}
	msg := []byte("hello libp2p")
	sig, err := priv.Sign(msg)
	if err != nil {
		t.Fatal(err)
	}
	ok, err := pub.Verify(msg, sig)
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("signature did not verify")
	}

	rec, err := MarshalPublicKey(pub)
	if err != nil {
		t.Fatal(err)
	}
	pub2, err := UnmarshalPublicKey(rec)
	if err != nil {
		t.Fatal(err)
	}
	if !pub.Equals(pub2) {
		t.Fatal("unmarshalled key does not equal original")
	}
}

func TestPeerIDStringRoundTrip(t *testing.T) {
	_, pub, err := GenerateEd25519()
	if err != nil {
		t.Fatal(err)
	}
	id, err := FromPublicKey(pub)
	if err != nil {
		t.Fatal(err)
	}
	if !id.MatchesPublicKey(pub) {
		t.Fatal("derived id does not match its own public key")
	}

	s58 := id.String()
	back, err := IDFromString(s58)
	if err != nil {
		t.Fatal(err)
	}
	if !back.Equal(id) {
		t.Fatal("base58 round-trip mismatch")
	}

	sb32 := id.StringB32()
	if sb32[0] != 'b' {
		t.Fatalf("expected base32 encoding to start with 'b', got %q", sb32)
	}
	back2, err := IDFromString(sb32)
	if err != nil {
		t.Fatal(err)
	}
	if !back2.Equal(id) {
		t.Fatal("base32 round-trip mismatch")
	}
}

func TestSecp256k1RoundTrip(t *testing.T) {
	priv, pub, err := GenerateSecp256k1()
	if err != nil {
		t.Fatal(err)
	}
	msg := []byte("hello secp256k1")
	sig, err := priv.Sign(msg)
	if err != nil {
		t.Fatal(err)
	}
	ok, err := pub.Verify(msg, sig)
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("signature did not verify")
	}
}

func TestAddrInfoFromP2pAddr(t *testing.T) {
	_, pub, err := GenerateEd25519()
	if err != nil {
		t.Fatal(err)
	}
	id, err := FromPublicKey(pub)
	if err != nil {
		t.Fatal(err)
	}

	m, err := ParseMultiaddr("/ip4/127.0.0.1/tcp/4001/p2p/" + id.String())
	if err != nil {
		t.Fatal(err)
	}
	info, err := AddrInfoFromP2pAddr(m)
	if err != nil {
		t.Fatal(err)
	}
	if !info.ID.Equal(id) {
		t.Fatalf("expected peer id %s, got %s", id, info.ID)
	}
	if len(info.Addrs) != 1 || info.Addrs[0].String() != "/ip4/127.0.0.1/tcp/4001" {
		t.Fatalf("expected transport addr /ip4/127.0.0.1/tcp/4001, got %v", info.Addrs)
	}
}

func TestAddrInfoFromP2pAddrRejectsMissingComponent(t *testing.T) {
	m, err := ParseMultiaddr("/ip4/127.0.0.1/tcp/4001")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := AddrInfoFromP2pAddr(m); err == nil {
		t.Fatal("expected error for multiaddr without a /p2p component")
	}
}
