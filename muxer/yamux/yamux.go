// Package yamux implements the Yamux stream multiplexer of spec.md §4.5:
// pinned 12-byte frame header, per-stream receive-window flow control, and
// the {Init, Open, HalfClosedLocal, HalfClosedRemote, Closed} state machine.
//
// The concurrency architecture is go.sia.tech/mux's: a single mutex+cond
// guards the connection's stream map and sticky fatal error, one read-loop
// goroutine routes frames to streams, a write mutex serializes writes to
// the underlying conn, and each Stream has its own cond guarding its own
// buffer/state. Go has no weak-pointer type, so the ownership discipline
// spec.md §9 asks for ("streams hold weak back-references only... cancel
// timers before clearing the map") is realized differently than in the
// source: a Stream holds a plain back-pointer to its Conn (harmless in Go,
// since the GC collects reference cycles), and every scheduled timer
// (keepalive ping, idle cleanup) is a scheduler.Handle that Close cancels
// before the stream map is cleared, so a fired-but-cancelled timer can never
// run with a stale closure.
package yamux

import (
	"context"
	"fmt"
	"io"
	"net"
	"sync"

	"go.meshnet.dev/p2p/muxer"
	"go.meshnet.dev/p2p/p2perr"
	"go.meshnet.dev/p2p/scheduler"
)

// ProtocolID is the multistream-select identifier for this muxer.
const ProtocolID = "/yamux/1.0.0"

// Transport implements muxer.Transport for Yamux.
type Transport struct {
	Config muxer.Config
}

// New constructs a Yamux muxer.Transport with the given config (zero value
// falls back to muxer.DefaultConfig).
func New(cfg muxer.Config) *Transport {
	if cfg.MaxStreams == 0 {
		cfg = muxer.DefaultConfig
	}
	if cfg.MaxWindowSize == 0 {
		cfg.MaxWindowSize = initialWindow
	}
	return &Transport{Config: cfg}
}

func (t *Transport) ProtocolID() string { return ProtocolID }

func (t *Transport) NewConn(conn net.Conn, isInitiator bool) muxer.Conn {
	return newConn(conn, isInitiator, t.Config)
}

// Conn multiplexes Streams over conn following spec.md §4.5.
type Conn struct {
	conn        net.Conn
	isInitiator bool
	cfg         muxer.Config
	sched       *scheduler.Scheduler

	writeMu sync.Mutex // serializes header+payload writes to conn

	mu          sync.Mutex
	cond        sync.Cond
	streams     map[uint32]*Stream
	nextID      uint32
	err         error // sticky, fatal
	acceptQueue []*Stream

	keepalive scheduler.Handle
	idle      scheduler.Handle
}

func newConn(conn net.Conn, isInitiator bool, cfg muxer.Config) *Conn {
	c := &Conn{
		conn:        conn,
		isInitiator: isInitiator,
		cfg:         cfg,
		sched:       scheduler.New(),
		streams:     make(map[uint32]*Stream),
	}
	c.cond.L = &c.mu
	if isInitiator {
		c.nextID = 1
	} else {
		c.nextID = 2
	}
	c.keepalive = c.sched.Schedule(c.sendKeepalive, cfg.KeepAliveInterval)
	if cfg.NoStreamsInterval > 0 {
		c.idle = c.sched.Schedule(c.checkIdle, cfg.NoStreamsInterval)
	}
	go c.readLoop()
	return c
}

// checkIdle closes the connection if it has sat with zero open streams for
// a full NoStreamsInterval, per spec.md §9's "idle cleanup" timer.
// Otherwise it reschedules itself.
func (c *Conn) checkIdle() {
	c.mu.Lock()
	if c.err != nil {
		c.mu.Unlock()
		return
	}
	empty := len(c.streams) == 0
	if !empty {
		c.idle = c.sched.Schedule(c.checkIdle, c.cfg.NoStreamsInterval)
	}
	c.mu.Unlock()
	if empty {
		c.setErr(p2perr.New(p2perr.KindTimeout, "yamux: closed idle connection with no open streams"))
	}
}

func (c *Conn) sendKeepalive() {
	c.mu.Lock()
	closed := c.err != nil
	c.mu.Unlock()
	if closed {
		return
	}
	c.writeFrame(header{version: protoVersion, typ: typePing, flags: flagSYN, id: 0, length: 0}, nil)
	c.mu.Lock()
	if c.err == nil {
		c.keepalive = c.sched.Schedule(c.sendKeepalive, c.cfg.KeepAliveInterval)
	}
	c.mu.Unlock()
}

// setErr sets the sticky fatal error and wakes every waiter, matching the
// teacher's (*Mux).setErr.
func (c *Conn) setErr(err error) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.err = err
	for _, s := range c.streams {
		s.cond.L.Lock()
		if s.err == nil {
			s.err = err
		}
		s.cond.Broadcast()
		s.cond.L.Unlock()
	}
	c.keepalive.Cancel() // cancel before the map is cleared, per the ownership discipline above
	c.idle.Cancel()
	c.streams = make(map[uint32]*Stream)
	c.conn.Close()
	c.cond.Broadcast()
	return err
}

func (c *Conn) writeFrame(h header, payload []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	buf := make([]byte, headerSize+len(payload))
	encodeHeader(buf, h)
	copy(buf[headerSize:], payload)
	if _, err := c.conn.Write(buf); err != nil {
		return c.setErr(p2perr.Wrap(p2perr.KindConnectionClosedByPeer, "yamux: write frame", err))
	}
	return nil
}

func (c *Conn) readLoop() {
	hdrBuf := make([]byte, headerSize)
	for {
		if _, err := io.ReadFull(c.conn, hdrBuf); err != nil {
			c.setErr(p2perr.Wrap(p2perr.KindConnectionClosedByPeer, "yamux: read header", err))
			return
		}
		h := decodeHeader(hdrBuf)
		if h.version != protoVersion {
			c.setErr(p2perr.New(p2perr.KindProtocolError, fmt.Sprintf("yamux: unsupported version %d", h.version)))
			return
		}
		switch h.typ {
		case typeData:
			if err := c.handleData(h); err != nil {
				c.setErr(err)
				return
			}
		case typeWindowUpdate:
			c.handleWindowUpdate(h)
		case typePing:
			c.handlePing(h)
		case typeGoAway:
			c.handleGoAway(h)
			return
		default:
			c.setErr(p2perr.New(p2perr.KindProtocolError, fmt.Sprintf("yamux: unknown frame type %d", h.typ)))
			return
		}
	}
}

func (c *Conn) handleData(h header) error {
	payload := make([]byte, h.length)
	if h.length > 0 {
		if _, err := io.ReadFull(c.conn, payload); err != nil {
			return p2perr.Wrap(p2perr.KindConnectionClosedByPeer, "yamux: read data payload", err)
		}
	}

	c.mu.Lock()
	s, ok := c.streams[h.id]
	if !ok {
		if h.flags&flagRST != 0 {
			c.mu.Unlock()
			return nil
		}
		if h.flags&flagSYN == 0 {
			// unknown stream, not a new one: already closed locally; drop.
			c.mu.Unlock()
			return nil
		}
		if len(c.streams) >= c.cfg.MaxStreams {
			c.mu.Unlock()
			c.writeFrame(header{version: protoVersion, typ: typeWindowUpdate, flags: flagRST, id: h.id}, nil)
			return nil
		}
		s = newStream(c, h.id, stateInit, c.cfg.MaxWindowSize)
		s.needAccept = true
		c.streams[h.id] = s
		c.acceptQueue = append(c.acceptQueue, s)
		c.cond.Broadcast()
	}
	c.mu.Unlock()

	s.onFrame(h, payload)
	return nil
}

func (c *Conn) handleWindowUpdate(h header) {
	c.mu.Lock()
	s, ok := c.streams[h.id]
	c.mu.Unlock()
	if !ok {
		return
	}
	if h.flags&flagSYN != 0 {
		s.onFrame(h, nil)
		return
	}
	s.cond.L.Lock()
	s.sendWindow += h.length
	s.cond.Broadcast()
	s.cond.L.Unlock()
	if h.flags&(flagFIN|flagRST) != 0 {
		s.onFrame(h, nil)
	}
}

func (c *Conn) handlePing(h header) {
	if h.flags&flagSYN != 0 {
		c.writeFrame(header{version: protoVersion, typ: typePing, flags: flagACK, id: 0, length: h.length}, nil)
	}
}

func (c *Conn) handleGoAway(h header) {
	c.setErr(p2perr.New(p2perr.KindConnectionClosedByPeer, fmt.Sprintf("yamux: peer sent GO_AWAY code=%d", h.length)))
}

// OpenStream implements muxer.Conn.
func (c *Conn) OpenStream(ctx context.Context) (muxer.Stream, error) {
	c.mu.Lock()
	if c.err != nil {
		err := c.err
		c.mu.Unlock()
		return nil, err
	}
	id := c.nextID
	c.nextID += 2
	s := newStream(c, id, stateInit, c.cfg.MaxWindowSize)
	c.streams[id] = s
	c.mu.Unlock()

	if ctx != nil && ctx.Done() != nil {
		go func() {
			<-ctx.Done()
			s.cond.L.Lock()
			if s.err == nil && ctx.Err() != nil {
				s.err = ctx.Err()
				s.cond.Broadcast()
			}
			s.cond.L.Unlock()
		}()
	}
	return s, nil
}

// AcceptStream implements muxer.Conn.
func (c *Conn) AcceptStream() (muxer.Stream, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for {
		if c.err != nil {
			return nil, c.err
		}
		if len(c.acceptQueue) > 0 {
			s := c.acceptQueue[0]
			c.acceptQueue = c.acceptQueue[1:]
			return s, nil
		}
		c.cond.Wait()
	}
}

// Close implements muxer.Conn: sends GO_AWAY(normal) and tears everything down.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.err != nil {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()
	c.writeFrame(header{version: protoVersion, typ: typeGoAway, id: 0, length: goAwayNormal}, nil)
	c.setErr(p2perr.ErrClosedByHost)
	return nil
}

func (c *Conn) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err != nil
}

func (c *Conn) removeStream(id uint32) {
	c.mu.Lock()
	delete(c.streams, id)
	c.mu.Unlock()
}

var (
	_ muxer.Conn      = (*Conn)(nil)
	_ muxer.Transport = (*Transport)(nil)
)
