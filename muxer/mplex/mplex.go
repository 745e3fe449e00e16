// Package mplex implements the simpler mplex stream multiplexer of spec.md
// §4.6: varint((stream_id<<3)|flag) ++ varint(length) ++ payload framing, no
// flow control (backpressure is implicit in TCP), per-stream in-memory
// buffer cap enforced by resetting the offending stream.
//
// Concurrency follows the same single-read-loop / per-stream-cond
// architecture as muxer/yamux, generalized from go.sia.tech/mux, simplified
// here by the absence of windowed flow control.
package mplex

import (
	"bufio"
	"context"
	"net"
	"sync"

	"go.meshnet.dev/p2p/muxer"
	"go.meshnet.dev/p2p/p2perr"
	"go.meshnet.dev/p2p/scheduler"
	"go.meshnet.dev/p2p/varint"
)

// ProtocolID is the multistream-select identifier for this muxer.
const ProtocolID = "/mplex/6.7.0"

// flag values, per spec.md §4.6.
const (
	flagNewStream uint64 = iota
	flagMsgReceiver
	flagMsgInitiator
	flagCloseReceiver
	flagCloseInitiator
	flagResetReceiver
	flagResetInitiator
)

// maxStreamBuffer bounds the number of unread bytes buffered per stream
// before the stream is reset, per spec.md §4.6's "per-stream in-memory
// buffer cap".
const maxStreamBuffer = 4 * 1024 * 1024

// maxMessageSize bounds a single frame's payload.
const maxMessageSize = 1 << 20

// Transport implements muxer.Transport for mplex.
type Transport struct {
	Config muxer.Config
}

// New constructs an mplex muxer.Transport.
func New(cfg muxer.Config) *Transport {
	if cfg.MaxStreams == 0 {
		cfg = muxer.DefaultConfig
	}
	return &Transport{Config: cfg}
}

func (t *Transport) ProtocolID() string { return ProtocolID }

func (t *Transport) NewConn(conn net.Conn, isInitiator bool) muxer.Conn {
	return newConn(conn, isInitiator, t.Config)
}

// Conn multiplexes Streams over conn using mplex framing.
type Conn struct {
	conn        net.Conn
	isInitiator bool
	cfg         muxer.Config
	sched       *scheduler.Scheduler

	writeMu sync.Mutex

	mu          sync.Mutex
	cond        sync.Cond
	streams     map[streamKey]*Stream
	nextID      uint64
	err         error
	acceptQueue []*Stream

	idle scheduler.Handle
}

// streamKey identifies a stream by (initiator-assigned id, who opened it);
// mplex ids are chosen independently by each side, so a receiver-perspective
// id and an initiator-perspective id with the same numeric value are
// distinct streams.
type streamKey struct {
	id          uint64
	openedLocal bool
}

func newConn(conn net.Conn, isInitiator bool, cfg muxer.Config) *Conn {
	c := &Conn{
		conn:        conn,
		isInitiator: isInitiator,
		cfg:         cfg,
		sched:       scheduler.New(),
		streams:     make(map[streamKey]*Stream),
	}
	c.cond.L = &c.mu
	if cfg.NoStreamsInterval > 0 {
		c.idle = c.sched.Schedule(c.checkIdle, cfg.NoStreamsInterval)
	}
	go c.readLoop()
	return c
}

// checkIdle closes the connection if it has sat with zero open streams for a
// full NoStreamsInterval, per spec.md §9's "idle cleanup" timer. mplex has no
// keepalive ping (nothing in spec.md §4.6 calls for one), but the idle-cleanup
// timer applies to any muxed connection, not just Yamux's windowed one.
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
		c.setErr(p2perr.New(p2perr.KindTimeout, "mplex: closed idle connection with no open streams"))
	}
}

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
	c.idle.Cancel() // cancel before the map is cleared, per package yamux's ownership discipline
	c.streams = make(map[streamKey]*Stream)
	c.conn.Close()
	c.cond.Broadcast()
	return err
}

func (c *Conn) writeFrame(id uint64, flag uint64, payload []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	buf := varint.Encode(nil, (id<<3)|flag)
	buf = varint.Encode(buf, uint64(len(payload)))
	buf = append(buf, payload...)
	if _, err := c.conn.Write(buf); err != nil {
		return c.setErr(p2perr.Wrap(p2perr.KindConnectionClosedByPeer, "mplex: write frame", err))
	}
	return nil
}

func (c *Conn) readLoop() {
	// A single shared bufio.Reader backs both the header varint read and the
	// length+payload varint.Reader, so the two stay byte-for-byte in sync on
	// the same underlying stream.
	br := bufio.NewReader(c.conn)
	vr := varint.NewReader(br, maxMessageSize+16)
	for {
		headerVal, err := varint.ReadUvarint(br)
		if err != nil {
			c.setErr(p2perr.Wrap(p2perr.KindConnectionClosedByPeer, "mplex: read frame header", err))
			return
		}
		id := headerVal >> 3
		flag := headerVal & 0x7

		payload, err := vr.ReadMessage()
		if err != nil {
			c.setErr(p2perr.Wrap(p2perr.KindProtocolError, "mplex: read frame payload", err))
			return
		}
		c.dispatch(id, flag, payload)
	}
}

func (c *Conn) dispatch(id, flag uint64, payload []byte) {
	switch flag {
	case flagNewStream:
		c.mu.Lock()
		key := streamKey{id: id, openedLocal: false}
		if _, exists := c.streams[key]; exists {
			c.mu.Unlock()
			return
		}
		if len(c.streams) >= c.cfg.MaxStreams {
			c.mu.Unlock()
			c.writeFrame(id, flagResetReceiver, nil)
			return
		}
		s := newStream(c, id, false)
		c.streams[key] = s
		c.acceptQueue = append(c.acceptQueue, s)
		c.cond.Broadcast()
		c.mu.Unlock()

	case flagMsgInitiator, flagMsgReceiver:
		// A receiver-role message (flagMsgReceiver) is addressed to the peer
		// that opened the stream locally; an initiator-role message
		// (flagMsgInitiator) is addressed to the stream this side accepted.
		openedLocal := flag == flagMsgReceiver
		c.mu.Lock()
		s := c.streams[streamKey{id: id, openedLocal: openedLocal}]
		c.mu.Unlock()
		if s == nil {
			return
		}
		s.deliver(payload)

	case flagCloseInitiator, flagCloseReceiver:
		openedLocal := flag == flagCloseReceiver
		c.mu.Lock()
		key := streamKey{id: id, openedLocal: openedLocal}
		s := c.streams[key]
		c.mu.Unlock()
		if s == nil {
			return
		}
		s.remoteClosed()

	case flagResetInitiator, flagResetReceiver:
		openedLocal := flag == flagResetReceiver
		c.mu.Lock()
		key := streamKey{id: id, openedLocal: openedLocal}
		s := c.streams[key]
		delete(c.streams, key)
		c.mu.Unlock()
		if s == nil {
			return
		}
		s.remoteReset()
	}
}

func (c *Conn) removeStream(id uint64, openedLocal bool) {
	c.mu.Lock()
	delete(c.streams, streamKey{id: id, openedLocal: openedLocal})
	c.mu.Unlock()
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
	c.nextID++
	s := newStream(c, id, true)
	c.streams[streamKey{id: id, openedLocal: true}] = s
	c.mu.Unlock()

	if err := c.writeFrame(id, flagNewStream, nil); err != nil {
		return nil, err
	}

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

func (c *Conn) Close() error {
	c.setErr(p2perr.ErrClosedByHost)
	return nil
}

func (c *Conn) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err != nil
}

var (
	_ muxer.Conn      = (*Conn)(nil)
	_ muxer.Transport = (*Transport)(nil)
)
