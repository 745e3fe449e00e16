package mplex

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"go.meshnet.dev/p2p/muxer"
)

func pipeConns(t *testing.T) (*Conn, *Conn) {
	t.Helper()
	c1, c2 := net.Pipe()
	cfg := muxer.DefaultConfig
	a := newConn(c1, true, cfg)
	b := newConn(c2, false, cfg)
	t.Cleanup(func() { a.Close(); b.Close() })
	return a, b
}

func TestOpenAcceptRoundTrip(t *testing.T) {
	a, b := pipeConns(t)

	acceptCh := make(chan muxer.Stream, 1)
	errCh := make(chan error, 1)
	go func() {
		s, err := b.AcceptStream()
		if err != nil {
			errCh <- err
			return
		}
		acceptCh <- s
	}()

	s, err := a.OpenStream(context.Background())
	if err != nil {
		t.Fatalf("OpenStream: %v", err)
	}

	var accepted muxer.Stream
	select {
	case accepted = <-acceptCh:
	case err := <-errCh:
		t.Fatalf("AcceptStream: %v", err)
	case <-time.After(3 * time.Second):
		t.Fatal("accept timed out")
	}

	msg := []byte("hello mplex")
	if _, err := s.Write(msg); err != nil {
		t.Fatalf("Write: %v", err)
	}
	buf := make([]byte, len(msg))
	if _, err := io.ReadFull(accepted, buf); err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(buf) != string(msg) {
		t.Fatalf("got %q want %q", buf, msg)
	}
}

func TestCloseBothSidesRemovesStream(t *testing.T) {
	a, b := pipeConns(t)

	acceptCh := make(chan muxer.Stream, 1)
	go func() {
		s, err := b.AcceptStream()
		if err == nil {
			acceptCh <- s
		}
	}()

	s, err := a.OpenStream(context.Background())
	if err != nil {
		t.Fatalf("OpenStream: %v", err)
	}
	s.Write([]byte("x"))

	var accepted muxer.Stream
	select {
	case accepted = <-acceptCh:
	case <-time.After(3 * time.Second):
		t.Fatal("accept timed out")
	}
	io.ReadFull(accepted, make([]byte, 1))

	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	buf := make([]byte, 1)
	if _, err := accepted.Read(buf); err != io.EOF {
		t.Fatalf("expected io.EOF after peer close, got %v", err)
	}
}
