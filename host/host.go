// Package host implements spec.md §4.7: the Host that owns identity, the
// peer repository, the transport/secure-channel/muxer sets, the connection
// manager, and the protocol router, and drives newStream/dial/listen
// along spec.md's control flow.
package host

import (
	"bufio"
	"context"
	"io"
	"sync"
	"time"

	"go.meshnet.dev/p2p/connmgr"
	"go.meshnet.dev/p2p/muxer"
	"go.meshnet.dev/p2p/p2perr"
	"go.meshnet.dev/p2p/peer"
	"go.meshnet.dev/p2p/peerstore"
	"go.meshnet.dev/p2p/secureconn"
	"go.meshnet.dev/p2p/selector"
	"go.meshnet.dev/p2p/transport"
)

// DefaultConnectTimeout is the per-attempt connect timeout spec.md §5 names.
const DefaultConnectTimeout = 15 * time.Second

// StreamInfo describes the connection an inbound stream arrived on, enough
// for a handler like identify.Service.Handle to do its job without depending
// on host or connmgr directly.
type StreamInfo struct {
	ProtocolID  string
	Remote      peer.ID
	LocalAddr   peer.Multiaddr
	RemoteAddr  peer.Multiaddr
	IsInitiator bool
}

// StreamHandler processes one inbound stream negotiated under info.ProtocolID.
type StreamHandler func(stream muxer.Stream, info StreamInfo)

// Config bundles the collaborators a Host is built from, matching spec.md
// §4.7's "Host owns: identity, peer repository, transport set,
// protocol-selector, secure-channel set, muxer set, connection manager,
// router".
type Config struct {
	Self       peer.ID
	PrivateKey peer.PrivKey

	Transports  []transport.Transport
	Security    []secureconn.Transport
	Muxers      []muxer.Transport
	Peerstore   *peerstore.Peerstore
	ConnManager *connmgr.Manager

	ConnectTimeout time.Duration

	// StrictMultistream controls whether multistream-select requires its
	// handshake line before the first protocol proposal (spec.md §4.4).
	// Defaults to true (strict) — matching the package default below —
	// since Config is often built directly rather than via config.Default.
	StrictMultistream *bool

	// OnConn, if set, is called once a freshly dialed or accepted
	// connection finishes its secure+muxer upgrade — the hook identify's
	// Push uses to greet every newly connected peer (spec.md §4.14).
	OnConn func(conn *connmgr.Conn)
}

// Host is spec.md §4.7's connection-layer orchestrator.
type Host struct {
	self       peer.ID
	privateKey peer.PrivKey

	transports []transport.Transport
	security   []secureconn.Transport
	muxers     []muxer.Transport

	ps  *peerstore.Peerstore
	cm  *connmgr.Manager
	cto time.Duration

	strict bool

	onConn func(conn *connmgr.Conn)

	mu        sync.Mutex
	listeners []transport.Listener
	handlers  map[string]StreamHandler
}

// New constructs a Host from cfg.
func New(cfg Config) *Host {
	cto := cfg.ConnectTimeout
	if cto <= 0 {
		cto = DefaultConnectTimeout
	}
	ps := cfg.Peerstore
	if ps == nil {
		ps = peerstore.New()
	}
	cm := cfg.ConnManager
	if cm == nil {
		cm = connmgr.New(nil)
	}
	strict := true
	if cfg.StrictMultistream != nil {
		strict = *cfg.StrictMultistream
	}
	return &Host{
		self:       cfg.Self,
		privateKey: cfg.PrivateKey,
		transports: cfg.Transports,
		security:   cfg.Security,
		muxers:     cfg.Muxers,
		ps:         ps,
		cm:         cm,
		cto:        cto,
		strict:     strict,
		onConn:     cfg.OnConn,
		handlers:   make(map[string]StreamHandler),
	}
}

// ID returns the host's own peer id.
func (h *Host) ID() peer.ID { return h.self }

// Peerstore exposes the address/key/protocol repository, per SPEC_FULL.md
// §6's "Host.Peerstore()".
func (h *Host) Peerstore() *peerstore.Peerstore { return h.ps }

// ConnManager exposes the connection manager, per SPEC_FULL.md §6's
// "Host.ConnManager()".
func (h *Host) ConnManager() *connmgr.Manager { return h.cm }

// SetStreamHandler registers handler for inbound streams negotiated to
// protocolID, the router of spec.md §4.7.
func (h *Host) SetStreamHandler(protocolID string, handler StreamHandler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.handlers[protocolID] = handler
}

// RemoveStreamHandler unregisters protocolID.
func (h *Host) RemoveStreamHandler(protocolID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.handlers, protocolID)
}

func (h *Host) supportedProtocols() map[string]selector.Handler {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make(map[string]selector.Handler, len(h.handlers))
	for id := range h.handlers {
		out[id] = selector.ExactMatch(id)
	}
	return out
}

func (h *Host) handlerFor(protocolID string) (StreamHandler, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	handler, ok := h.handlers[protocolID]
	return handler, ok
}

// transportFor returns the first registered transport that can dial addr.
func (h *Host) transportFor(addr peer.Multiaddr) transport.Transport {
	for _, t := range h.transports {
		if t.CanDial(addr) {
			return t
		}
	}
	return nil
}

// upgrade runs the secure-channel then muxer negotiation over a freshly
// connected raw conn, the shared core of both Dial and Accept, matching
// spec.md §4.7's "upgrade through secure and muxer layers" /
// "upgrades symmetrically".
func (h *Host) upgrade(ctx context.Context, raw transport.Conn, isInitiator bool, expectedRemote peer.ID) (*connmgr.Conn, error) {
	secProtos := make([]string, len(h.security))
	secHandlers := make(map[string]selector.Handler, len(h.security))
	for i, s := range h.security {
		secProtos[i] = s.ProtocolID()
		secHandlers[s.ProtocolID()] = selector.ExactMatch(s.ProtocolID())
	}

	var negotiatedSec string
	var err error
	br := bufio.NewReader(raw)
	if isInitiator {
		negotiatedSec, err = selector.DialSelect(raw, br, secProtos, h.strict)
	} else {
		negotiatedSec, err = selector.HandleSelect(raw, br, secHandlers, h.strict)
	}
	if err != nil {
		raw.Close()
		return nil, p2perr.Wrap(p2perr.KindNegotiationFailed, "negotiate secure channel", err)
	}

	var secTransport secureconn.Transport
	for _, s := range h.security {
		if s.ProtocolID() == negotiatedSec {
			secTransport = s
			break
		}
	}
	if secTransport == nil {
		raw.Close()
		return nil, p2perr.New(p2perr.KindNegotiationFailed, "negotiated unknown secure protocol "+negotiatedSec)
	}

	var secure secureconn.Conn
	if isInitiator {
		secure, err = secTransport.SecureOutbound(ctx, raw, expectedRemote)
	} else {
		secure, err = secTransport.SecureInbound(ctx, raw)
	}
	if err != nil {
		return nil, p2perr.Wrap(p2perr.KindPeerVerifyFailed, "secure channel handshake", err)
	}

	muxProtos := make([]string, len(h.muxers))
	muxHandlers := make(map[string]selector.Handler, len(h.muxers))
	for i, m := range h.muxers {
		muxProtos[i] = m.ProtocolID()
		muxHandlers[m.ProtocolID()] = selector.ExactMatch(m.ProtocolID())
	}

	mbr := bufio.NewReader(secure)
	var negotiatedMux string
	if isInitiator {
		negotiatedMux, err = selector.DialSelect(secure, mbr, muxProtos, h.strict)
	} else {
		negotiatedMux, err = selector.HandleSelect(secure, mbr, muxHandlers, h.strict)
	}
	if err != nil {
		secure.Close()
		return nil, p2perr.Wrap(p2perr.KindNegotiationFailed, "negotiate muxer", err)
	}

	var muxTransport muxer.Transport
	for _, m := range h.muxers {
		if m.ProtocolID() == negotiatedMux {
			muxTransport = m
			break
		}
	}
	if muxTransport == nil {
		secure.Close()
		return nil, p2perr.New(p2perr.KindNegotiationFailed, "negotiated unknown muxer protocol "+negotiatedMux)
	}

	muxed := muxTransport.NewConn(secure, isInitiator)
	remote := secure.RemotePeer()
	conn := &connmgr.Conn{
		Conn:        muxed,
		Remote:      remote,
		LocalAddr:   raw.LocalMultiaddr(),
		RemoteAddr:  raw.RemoteMultiaddr(),
		IsInitiator: isInitiator,
	}
	h.cm.Add(conn)
	if h.onConn != nil {
		h.onConn(conn)
	}
	return conn, nil
}

// dial connects to remote by trying each known address in order, per
// spec.md §4.7 step 3: "for each address in preference order, for each
// transport that supports it, attempt in sequence (not parallel)".
func (h *Host) dial(ctx context.Context, remote peer.ID) (*connmgr.Conn, error) {
	addrs := h.ps.AddrBook.Addrs(remote)
	if len(addrs) == 0 {
		return nil, p2perr.ErrPeerNotFound
	}

	var lastErr error
	for _, addr := range addrs {
		t := h.transportFor(addr)
		if t == nil {
			continue
		}
		attemptCtx, cancel := context.WithTimeout(ctx, h.cto)
		raw, err := t.Dial(attemptCtx, addr)
		cancel()
		if err != nil {
			lastErr = err
			continue
		}
		conn, err := h.upgrade(ctx, raw, true, remote)
		if err != nil {
			lastErr = err
			continue
		}
		return conn, nil
	}
	h.cm.MarkDialFailed(remote)
	if lastErr == nil {
		lastErr = p2perr.New(p2perr.KindNegotiationFailed, "no transport could dial any known address")
	}
	return nil, p2perr.Wrap(p2perr.KindTimeout, "dial "+string(remote), lastErr)
}

// NewStream implements spec.md §4.7's newStream(peer, [protocol-ids]). An
// open connection to remote is reused without consulting the peerstore;
// addresses are looked up only when a dial is needed.
func (h *Host) NewStream(ctx context.Context, remote peer.ID, protocolIDs []string) (muxer.Stream, string, error) {
	conn := h.cm.GetBestConnection(remote)
	if conn == nil {
		var err error
		conn, err = h.dial(ctx, remote)
		if err != nil {
			return nil, "", err
		}
	}

	stream, err := conn.OpenStream(ctx)
	if err != nil {
		return nil, "", p2perr.Wrap(p2perr.KindStreamReset, "open stream", err)
	}

	br := bufio.NewReader(stream)
	proto, err := selector.DialSelect(stream, br, protocolIDs, h.strict)
	if err != nil {
		stream.Reset()
		return nil, "", p2perr.Wrap(p2perr.KindNegotiationFailed, "negotiate protocol", err)
	}
	return stream, proto, nil
}

// OpenStream implements identify.StreamOpener and kademlia/query.StreamDialer
// — both want the same "open one stream to p under exactly this protocol
// id" capability.
func (h *Host) OpenStream(ctx context.Context, p peer.ID, protocolID string) (io.ReadWriteCloser, error) {
	stream, _, err := h.NewStream(ctx, p, []string{protocolID})
	if err != nil {
		return nil, err
	}
	return stream, nil
}

// Listen starts accepting raw connections on addr using whichever
// registered transport supports it, upgrading each inbound connection and
// dispatching its streams to the router.
func (h *Host) Listen(addr peer.Multiaddr) error {
	t := h.transportFor(addr)
	if t == nil {
		return p2perr.New(p2perr.KindInternal, "no transport registered for "+addr.String())
	}
	ln, err := t.Listen(addr)
	if err != nil {
		return p2perr.Wrap(p2perr.KindInternal, "listen on "+addr.String(), err)
	}
	h.mu.Lock()
	h.listeners = append(h.listeners, ln)
	h.mu.Unlock()

	go h.acceptLoop(ln)
	return nil
}

// Addrs returns the multiaddrs of every currently active listener.
func (h *Host) Addrs() []peer.Multiaddr {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]peer.Multiaddr, 0, len(h.listeners))
	for _, ln := range h.listeners {
		out = append(out, ln.Multiaddr())
	}
	return out
}

func (h *Host) acceptLoop(ln transport.Listener) {
	for {
		raw, err := ln.Accept()
		if err != nil {
			return
		}
		go h.handleInbound(raw)
	}
}

func (h *Host) handleInbound(raw transport.Conn) {
	conn, err := h.upgrade(context.Background(), raw, false, "")
	if err != nil {
		return
	}
	for {
		stream, err := conn.AcceptStream()
		if err != nil {
			return
		}
		go h.handleInboundStream(stream, conn)
	}
}

func (h *Host) handleInboundStream(stream muxer.Stream, conn *connmgr.Conn) {
	br := bufio.NewReader(stream)
	proto, err := selector.HandleSelect(stream, br, h.supportedProtocols(), h.strict)
	if err != nil {
		stream.Reset()
		return
	}
	handler, ok := h.handlerFor(proto)
	if !ok {
		stream.Reset()
		return
	}
	handler(stream, StreamInfo{
		ProtocolID:  proto,
		Remote:      conn.Remote,
		LocalAddr:   conn.LocalAddr,
		RemoteAddr:  conn.RemoteAddr,
		IsInitiator: conn.IsInitiator,
	})
}

// Close tears down every listener this Host started. Open connections are
// left to their own callers; connmgr.Manager has no bulk-close operation
// per spec.md §4.9 (it is a pure index, not an owner).
func (h *Host) Close() error {
	h.mu.Lock()
	lns := h.listeners
	h.listeners = nil
	h.mu.Unlock()

	var firstErr error
	for _, ln := range lns {
		if err := ln.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

