package mplex

import (
	"io"
	"net"
	"sync"
	"time"

	"go.meshnet.dev/p2p/p2perr"
)

// Stream is one logical connection multiplexed over an mplex Conn. Framing
// has no flow control, so writes are never blocked on a window; backpressure
// comes from the TCP send buffer via the shared connection's Write.
type Stream struct {
	c           *Conn
	id          uint64
	openedLocal bool // true if this side sent the NEW_STREAM / msg-initiator frames

	cond sync.Cond
	mu   sync.Mutex

	readBuf     []byte
	err         error
	localClosed bool
	peerClosed  bool
	rd, wd      time.Time
}

func newStream(c *Conn, id uint64, openedLocal bool) *Stream {
	s := &Stream{c: c, id: id, openedLocal: openedLocal}
	s.cond.L = &s.mu
	return s
}

// msgFlag is the flag this side uses when sending data: a stream owner
// (openedLocal) sends flagMsgInitiator, an acceptor sends flagMsgReceiver.
func (s *Stream) msgFlag() uint64 {
	if s.openedLocal {
		return flagMsgInitiator
	}
	return flagMsgReceiver
}

func (s *Stream) closeFlag() uint64 {
	if s.openedLocal {
		return flagCloseInitiator
	}
	return flagCloseReceiver
}

func (s *Stream) resetFlag() uint64 {
	if s.openedLocal {
		return flagResetInitiator
	}
	return flagResetReceiver
}

func (s *Stream) deliver(payload []byte) {
	s.cond.L.Lock()
	defer s.cond.L.Unlock()
	if len(s.readBuf)+len(payload) > maxStreamBuffer {
		s.cond.L.Unlock()
		s.c.writeFrame(s.id, s.resetFlag(), nil)
		s.cond.L.Lock()
		if s.err == nil {
			s.err = p2perr.ErrStreamReset
		}
		s.cond.Broadcast()
		return
	}
	s.readBuf = append(s.readBuf, payload...)
	s.cond.Broadcast()
}

// remoteClosed is invoked by Conn.dispatch on a CLOSE_* frame.
func (s *Stream) remoteClosed() {
	s.cond.L.Lock()
	defer s.cond.L.Unlock()
	s.peerClosed = true
	s.cond.Broadcast()
}

func (s *Stream) remoteReset() {
	s.cond.L.Lock()
	defer s.cond.L.Unlock()
	if s.err == nil {
		s.err = p2perr.ErrStreamReset
	}
	s.cond.Broadcast()
}

func (s *Stream) Read(p []byte) (int, error) {
	s.cond.L.Lock()
	defer s.cond.L.Unlock()
	if !s.rd.IsZero() {
		if !time.Now().Before(s.rd) {
			return 0, p2perr.ErrTimeout
		}
		// Force a wakeup at the deadline even if no frame/close/error ever
		// arrives — cond.Wait below has nothing else to wake it.
		timer := time.AfterFunc(time.Until(s.rd), s.cond.Broadcast)
		defer timer.Stop()
	}
	for len(s.readBuf) == 0 && s.err == nil && !s.peerClosed {
		if !s.rd.IsZero() && !time.Now().Before(s.rd) {
			return 0, p2perr.ErrTimeout
		}
		s.cond.Wait()
	}
	if len(s.readBuf) == 0 {
		if s.err != nil {
			return 0, s.err
		}
		return 0, io.EOF
	}
	n := copy(p, s.readBuf)
	s.readBuf = s.readBuf[n:]
	return n, nil
}

func (s *Stream) Write(p []byte) (int, error) {
	s.cond.L.Lock()
	err := s.err
	localClosed := s.localClosed
	wd := s.wd
	s.cond.L.Unlock()
	if err != nil {
		return 0, err
	}
	if localClosed {
		return 0, p2perr.ErrStreamClosed
	}
	// mplex has no flow control, so Write never blocks on a window the way
	// yamux's does; a deadline here only guards against sending past it.
	if !wd.IsZero() && !time.Now().Before(wd) {
		return 0, p2perr.ErrTimeout
	}
	if werr := s.c.writeFrame(s.id, s.msgFlag(), p); werr != nil {
		return 0, werr
	}
	return len(p), nil
}

func (s *Stream) Close() error {
	s.cond.L.Lock()
	if s.localClosed {
		s.cond.L.Unlock()
		return nil
	}
	s.localClosed = true
	bothClosed := s.peerClosed
	s.cond.L.Unlock()

	err := s.c.writeFrame(s.id, s.closeFlag(), nil)
	if bothClosed {
		s.c.removeStream(s.id, s.openedLocal)
	}
	return err
}

func (s *Stream) Reset() error {
	s.cond.L.Lock()
	if s.err == nil {
		s.err = p2perr.ErrStreamReset
	}
	s.cond.Broadcast()
	s.cond.L.Unlock()
	err := s.c.writeFrame(s.id, s.resetFlag(), nil)
	s.c.removeStream(s.id, s.openedLocal)
	return err
}

func (s *Stream) LocalAddr() net.Addr  { return s.c.conn.LocalAddr() }
func (s *Stream) RemoteAddr() net.Addr { return s.c.conn.RemoteAddr() }

func (s *Stream) SetDeadline(t time.Time) error {
	s.SetReadDeadline(t)
	s.SetWriteDeadline(t)
	return nil
}

func (s *Stream) SetReadDeadline(t time.Time) error {
	s.cond.L.Lock()
	defer s.cond.L.Unlock()
	s.rd = t
	return nil
}

func (s *Stream) SetWriteDeadline(t time.Time) error {
	s.cond.L.Lock()
	defer s.cond.L.Unlock()
	s.wd = t
	return nil
}

var _ net.Conn = (*Stream)(nil)
