package yamux

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
	cfg.KeepAliveInterval = time.Hour
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
	msg := []byte("hello yamux")
	if _, err := s.Write(msg); err != nil {
		t.Fatalf("Write: %v", err)
	}

	var accepted muxer.Stream
	select {
	case accepted = <-acceptCh:
	case err := <-errCh:
		t.Fatalf("AcceptStream: %v", err)
	case <-time.After(3 * time.Second):
		t.Fatal("accept timed out")
	}

	buf := make([]byte, len(msg))
	if _, err := io.ReadFull(accepted, buf); err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(buf) != string(msg) {
		t.Fatalf("got %q want %q", buf, msg)
	}
}

func TestCloseSendsFINAndPeerSeesEOF(t *testing.T) {
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
	if _, err := s.Write([]byte("x")); err != nil {
		t.Fatalf("Write: %v", err)
	}

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
	_, err = accepted.Read(buf)
	if err != io.EOF {
		t.Fatalf("expected io.EOF after peer Close, got %v", err)
	}
}

// TestFlowControlSuspendsWriterUntilReaderDrains reproduces spec.md §8's S3
// scenario: with maximum_window_size=65536, a writer pushing 200,000 bytes
// without the peer reading exhausts its window and suspends; reading 65,536
// bytes on the peer side frees enough window for the write to make further
// progress.
func TestFlowControlSuspendsWriterUntilReaderDrains(t *testing.T) {
	c1, c2 := net.Pipe()
	cfg := muxer.DefaultConfig
	cfg.KeepAliveInterval = time.Hour
	cfg.MaxWindowSize = 65536
	a := newConn(c1, true, cfg)
	b := newConn(c2, false, cfg)
	t.Cleanup(func() { a.Close(); b.Close() })

	acceptCh := make(chan muxer.Stream, 1)
	go func() {
		s, err := a.AcceptStream()
		if err == nil {
			acceptCh <- s
		}
	}()

	bs, err := b.OpenStream(context.Background())
	if err != nil {
		t.Fatalf("OpenStream: %v", err)
	}

	const total = 200000
	payload := make([]byte, total)
	writeDone := make(chan struct{})
	go func() {
		defer close(writeDone)
		if _, err := bs.Write(payload); err != nil {
			t.Errorf("Write: %v", err)
		}
	}()

	var accepted muxer.Stream
	select {
	case accepted = <-acceptCh:
	case <-time.After(3 * time.Second):
		t.Fatal("accept timed out")
	}

	// The writer can only make progress up to the 65536-byte window before
	// blocking; give it time to fill that window and suspend, then confirm
	// the write has not completed yet.
	select {
	case <-writeDone:
		t.Fatal("Write completed without the peer ever reading: flow control did not suspend it")
	case <-time.After(200 * time.Millisecond):
	}

	// Draining exactly one window's worth lets the writer resume; it then
	// finishes as the rest is read.
	buf := make([]byte, 65536)
	if _, err := io.ReadFull(accepted, buf); err != nil {
		t.Fatalf("ReadFull: %v", err)
	}

	accepted.SetReadDeadline(time.Now().Add(3 * time.Second))
	remaining := make([]byte, total-65536)
	if _, err := io.ReadFull(accepted, remaining); err != nil {
		t.Fatalf("Write did not resume after the peer drained its window: %v", err)
	}

	select {
	case <-writeDone:
	case <-time.After(3 * time.Second):
		t.Fatal("Write did not complete after the peer read every byte")
	}
}

func TestOddEvenStreamIDParity(t *testing.T) {
	a, b := pipeConns(t)
	s1, _ := a.OpenStream(context.Background())
	s2, _ := b.OpenStream(context.Background())
	ys1 := s1.(*Stream)
	ys2 := s2.(*Stream)
	if ys1.id%2 != 1 {
		t.Fatalf("initiator stream id %d is not odd", ys1.id)
	}
	if ys2.id%2 != 0 {
		t.Fatalf("responder stream id %d is not even", ys2.id)
	}
}
