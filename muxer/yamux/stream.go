package yamux

import (
	"io"
	"net"
	"sync"
	"time"

	"go.meshnet.dev/p2p/p2perr"
)

// streamState is the per-stream state machine of spec.md §4.5's table.
type streamState int

const (
	stateInit streamState = iota
	stateOpen
	stateHalfClosedLocal  // FIN sent, may still receive
	stateHalfClosedRemote // FIN received, may still send
	stateClosed
)

// Stream is one logical connection multiplexed over a Conn. It holds a
// plain back-pointer to its Conn; see the package doc for why that is safe
// in Go where the teacher's source language required a weak reference.
type Stream struct {
	c  *Conn
	id uint32

	cond sync.Cond // guards every field below
	mu   sync.Mutex

	state       streamState
	needAccept  bool
	established bool // SYN sent (outbound) or received (inbound)
	err         error

	readBuf []byte

	sendWindow    uint32
	recvWindow    uint32
	recvConsumed  uint32 // bytes delivered to Read but not yet acked via WINDOW_UPDATE
	recvWindowMax uint32
	windowCeiling uint32 // cfg.MaxWindowSize: recvWindowMax never grows past this

	rd, wd time.Time
}

func newStream(c *Conn, id uint32, state streamState, windowCeiling uint32) *Stream {
	start := uint32(initialWindow)
	if windowCeiling < start {
		start = windowCeiling
	}
	s := &Stream{
		c:             c,
		id:            id,
		state:         state,
		sendWindow:    start,
		recvWindow:    start,
		recvWindowMax: start,
		windowCeiling: windowCeiling,
	}
	s.cond.L = &s.mu
	return s
}

// onFrame is called by the Conn's read loop to deliver a frame addressed to
// this stream.
func (s *Stream) onFrame(h header, payload []byte) {
	s.cond.L.Lock()
	defer s.cond.L.Unlock()

	if h.flags&flagSYN != 0 && s.state == stateInit {
		s.state = stateOpen
	}
	if h.flags&flagRST != 0 {
		s.transitionClosed(p2perr.ErrStreamReset)
		return
	}
	if h.typ == typeData && len(payload) > 0 {
		s.readBuf = append(s.readBuf, payload...)
		s.cond.Broadcast()
	}
	if h.flags&flagFIN != 0 {
		switch s.state {
		case stateInit, stateOpen:
			s.state = stateHalfClosedRemote
		case stateHalfClosedLocal:
			s.transitionClosed(nil)
			return
		}
		s.cond.Broadcast()
	}
}

func (s *Stream) transitionClosed(err error) {
	s.state = stateClosed
	if s.err == nil {
		if err != nil {
			s.err = err
		} else {
			s.err = p2perr.ErrClosedByPeer
		}
	}
	s.cond.Broadcast()
	s.c.removeStream(s.id)
}

func (s *Stream) Read(p []byte) (int, error) {
	s.cond.L.Lock()
	defer s.cond.L.Unlock()
	if !s.rd.IsZero() {
		if !time.Now().Before(s.rd) {
			return 0, p2perr.ErrTimeout
		}
		// Force a wakeup at the deadline even if no frame/FIN/error ever
		// arrives — cond.Wait below has nothing else to wake it.
		timer := time.AfterFunc(time.Until(s.rd), s.cond.Broadcast)
		defer timer.Stop()
	}
	for len(s.readBuf) == 0 && s.err == nil && s.state != stateHalfClosedRemote && s.state != stateClosed {
		if !s.rd.IsZero() && !time.Now().Before(s.rd) {
			return 0, p2perr.ErrTimeout
		}
		s.cond.Wait()
	}
	if len(s.readBuf) == 0 {
		if s.err != nil {
			return 0, s.err
		}
		// peer sent FIN with no error: graceful EOF.
		return 0, io.EOF
	}
	n := copy(p, s.readBuf)
	s.readBuf = s.readBuf[n:]
	s.recvConsumed += uint32(n)
	// Ack consumed bytes once they cross half the current window, matching
	// the standard yamux credit-based scheme. A stream that keeps draining
	// its window this fast grows it (doubling, capped at windowCeiling),
	// per spec.md §4.5's "starts at 256 KiB, grows up to maximum_window_size";
	// the extra headroom rides along in the same WINDOW_UPDATE so the
	// sender's credit grows with it.
	if threshold := s.recvWindowMax / 2; s.recvConsumed >= threshold && threshold > 0 {
		delta := s.recvConsumed
		s.recvConsumed = 0
		if s.recvWindowMax < s.windowCeiling {
			grow := s.recvWindowMax
			if s.recvWindowMax+grow > s.windowCeiling {
				grow = s.windowCeiling - s.recvWindowMax
			}
			s.recvWindowMax += grow
			delta += grow
		}
		s.cond.L.Unlock()
		s.c.writeFrame(header{version: protoVersion, typ: typeWindowUpdate, id: s.id, length: delta}, nil)
		s.cond.L.Lock()
	}
	return n, nil
}

func (s *Stream) Write(p []byte) (int, error) {
	written := 0
	for written < len(p) {
		s.cond.L.Lock()
		wd := s.wd
		if !wd.IsZero() && !time.Now().Before(wd) {
			s.cond.L.Unlock()
			return written, p2perr.ErrTimeout
		}
		var timer *time.Timer
		if !wd.IsZero() {
			// Force a wakeup at the deadline so a window-starved writer
			// doesn't block forever past it.
			timer = time.AfterFunc(time.Until(wd), s.cond.Broadcast)
		}
		for s.sendWindow == 0 && s.err == nil && (wd.IsZero() || time.Now().Before(wd)) {
			s.cond.Wait()
		}
		if timer != nil {
			timer.Stop()
		}
		if s.err != nil {
			err := s.err
			s.cond.L.Unlock()
			return written, err
		}
		if !wd.IsZero() && !time.Now().Before(wd) {
			s.cond.L.Unlock()
			return written, p2perr.ErrTimeout
		}
		chunk := p[written:]
		if uint32(len(chunk)) > s.sendWindow {
			chunk = chunk[:s.sendWindow]
		}
		var flags uint16
		if !s.established {
			flags |= flagSYN
			s.established = true
			if s.state == stateInit {
				s.state = stateOpen
			}
		}
		s.sendWindow -= uint32(len(chunk))
		s.cond.L.Unlock()

		if err := s.c.writeFrame(header{version: protoVersion, typ: typeData, flags: flags, id: s.id, length: uint32(len(chunk))}, chunk); err != nil {
			return written, err
		}
		written += len(chunk)
	}
	return written, nil
}

// Close sends FIN, gracefully half-closing the local side.
func (s *Stream) Close() error {
	s.cond.L.Lock()
	if s.state == stateClosed || s.state == stateHalfClosedLocal {
		s.cond.L.Unlock()
		return nil
	}
	var nextState streamState
	switch s.state {
	case stateInit, stateOpen:
		nextState = stateHalfClosedLocal
	case stateHalfClosedRemote:
		nextState = stateClosed
	}
	s.state = nextState
	established := s.established
	s.established = true
	s.cond.L.Unlock()

	var flags uint16 = flagFIN
	if !established {
		flags |= flagSYN
	}
	err := s.c.writeFrame(header{version: protoVersion, typ: typeData, flags: flags, id: s.id}, nil)
	if nextState == stateClosed {
		s.c.removeStream(s.id)
	}
	return err
}

// Reset aborts the stream immediately, per spec.md §4.5's RST transition.
func (s *Stream) Reset() error {
	s.cond.L.Lock()
	if s.state == stateClosed {
		s.cond.L.Unlock()
		return nil
	}
	s.state = stateClosed
	if s.err == nil {
		s.err = p2perr.ErrStreamReset
	}
	s.cond.Broadcast()
	s.cond.L.Unlock()

	err := s.c.writeFrame(header{version: protoVersion, typ: typeWindowUpdate, flags: flagRST, id: s.id}, nil)
	s.c.removeStream(s.id)
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
