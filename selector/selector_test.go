package selector

import (
	"bufio"
	"net"
	"testing"
	"time"

	"go.meshnet.dev/p2p/varint"
)

func TestDialSelectAcceptsFirstSupportedProtocol(t *testing.T) {
	c1, c2 := net.Pipe()
	defer c1.Close()
	defer c2.Close()

	done := make(chan error, 1)
	go func() {
		br := bufio.NewReader(c2)
		_, err := HandleSelect(c2, br, map[ProtocolID]Handler{
			"/yamux/1.0.0": ExactMatch("/yamux/1.0.0"),
		}, true)
		done <- err
	}()

	br := bufio.NewReader(c1)
	got, err := DialSelect(c1, br, []ProtocolID{"/mplex/6.7.0", "/yamux/1.0.0"}, true)
	if err != nil {
		t.Fatalf("DialSelect: %v", err)
	}
	if got != "/yamux/1.0.0" {
		t.Fatalf("got %q, want /yamux/1.0.0", got)
	}
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("HandleSelect: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("responder did not complete")
	}
}

func TestDialSelectFailsWhenNothingMatches(t *testing.T) {
	c1, c2 := net.Pipe()
	defer c1.Close()
	defer c2.Close()

	go func() {
		br := bufio.NewReader(c2)
		HandleSelect(c2, br, map[ProtocolID]Handler{
			"/yamux/1.0.0": ExactMatch("/yamux/1.0.0"),
		}, true)
	}()

	br := bufio.NewReader(c1)
	_, err := DialSelect(c1, br, []ProtocolID{"/mplex/6.7.0"}, true)
	if err == nil {
		t.Fatal("expected negotiation failure, got nil")
	}
}

// TestHandleSelectNonStrictAcceptsBareProposal exercises spec.md §4.4's
// relaxed mode: a peer that skips the handshake line entirely and writes
// its first proposal straight away is still negotiated successfully by a
// non-strict responder.
func TestHandleSelectNonStrictAcceptsBareProposal(t *testing.T) {
	c1, c2 := net.Pipe()
	defer c1.Close()
	defer c2.Close()

	done := make(chan error, 1)
	go func() {
		br := bufio.NewReader(c2)
		_, err := HandleSelect(c2, br, map[ProtocolID]Handler{
			"/yamux/1.0.0": ExactMatch("/yamux/1.0.0"),
		}, false)
		done <- err
	}()

	// No handshake line written — go straight to the proposal, the way a
	// non-strict dialer that chooses to skip announcing itself would.
	if err := varint.WriteMessage(c1, []byte("/yamux/1.0.0\n")); err != nil {
		t.Fatalf("write bare proposal: %v", err)
	}
	br := bufio.NewReader(c1)
	resp, err := varint.NewReader(br, maxLineLength).ReadMessage()
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	if string(resp) != "/yamux/1.0.0\n" {
		t.Fatalf("expected accept echo, got %q", resp)
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("HandleSelect: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("responder did not complete")
	}
}

// TestHandleSelectStrictRejectsBareProposal is the strict-mode counterpart:
// the same bare proposal (no handshake) must fail negotiation.
func TestHandleSelectStrictRejectsBareProposal(t *testing.T) {
	c1, c2 := net.Pipe()
	defer c1.Close()
	defer c2.Close()

	done := make(chan error, 1)
	go func() {
		br := bufio.NewReader(c2)
		_, err := HandleSelect(c2, br, map[ProtocolID]Handler{
			"/yamux/1.0.0": ExactMatch("/yamux/1.0.0"),
		}, true)
		done <- err
	}()

	if err := varint.WriteMessage(c1, []byte("/yamux/1.0.0\n")); err != nil {
		t.Fatalf("write bare proposal: %v", err)
	}

	select {
	case err := <-done:
		if err == nil {
			t.Fatal("expected strict HandleSelect to reject a handshake-less proposal")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("responder did not complete")
	}
}
