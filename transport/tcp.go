package transport

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"

	ma "github.com/multiformats/go-multiaddr"

	"go.meshnet.dev/p2p/peer"
)

// TCP implements Transport over plain TCP sockets. Address resolution walks
// the multiaddr's component list directly via ValueForProtocol rather than
// pulling in the separate multiaddr/net adapter package, since the only
// shapes this module needs to resolve are /ip4|ip6|dns4|dns6/.../tcp/port.
type TCP struct{}

// NewTCP constructs a TCP transport. It holds no state: every Dial/Listen
// call is independent, matching the teacher's stateless net.Dial/net.Listen
// use in its own test harness.
func NewTCP() *TCP { return &TCP{} }

func (TCP) CanDial(addr peer.Multiaddr) bool {
	_, _, err := hostPort(addr)
	return err == nil
}

func hostPort(addr peer.Multiaddr) (host, port string, err error) {
	for _, proto := range []int{ma.P_IP4, ma.P_IP6, ma.P_DNS, ma.P_DNS4, ma.P_DNS6} {
		if v, err := addr.ValueForProtocol(proto); err == nil {
			host = v
			break
		}
	}
	if host == "" {
		return "", "", fmt.Errorf("transport: no ip/dns component in %s", addr)
	}
	port, err = addr.ValueForProtocol(ma.P_TCP)
	if err != nil {
		return "", "", fmt.Errorf("transport: no tcp component in %s: %w", addr, err)
	}
	return host, port, nil
}

func tcpMultiaddrFromNetAddr(na net.Addr) (peer.Multiaddr, error) {
	host, portStr, err := net.SplitHostPort(na.String())
	if err != nil {
		return nil, err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, err
	}
	ipProto := "ip4"
	if strings.Contains(host, ":") {
		ipProto = "ip6"
	}
	return ma.NewMultiaddr(fmt.Sprintf("/%s/%s/tcp/%d", ipProto, host, port))
}

func (t TCP) Dial(ctx context.Context, addr peer.Multiaddr) (Conn, error) {
	host, port, err := hostPort(addr)
	if err != nil {
		return nil, err
	}
	var d net.Dialer
	nc, err := d.DialContext(ctx, "tcp", net.JoinHostPort(host, port))
	if err != nil {
		return nil, fmt.Errorf("transport: dial %s: %w", addr, err)
	}
	remote, err := tcpMultiaddrFromNetAddr(nc.RemoteAddr())
	if err != nil {
		nc.Close()
		return nil, err
	}
	local, err := tcpMultiaddrFromNetAddr(nc.LocalAddr())
	if err != nil {
		nc.Close()
		return nil, err
	}
	return &tcpConn{Conn: nc, local: local, remote: remote, initiator: true}, nil
}

func (t TCP) Listen(addr peer.Multiaddr) (Listener, error) {
	host, port, err := hostPort(addr)
	if err != nil {
		return nil, err
	}
	ln, err := net.Listen("tcp", net.JoinHostPort(host, port))
	if err != nil {
		return nil, fmt.Errorf("transport: listen %s: %w", addr, err)
	}
	bound, err := tcpMultiaddrFromNetAddr(ln.Addr())
	if err != nil {
		ln.Close()
		return nil, err
	}
	return &tcpListener{ln: ln, addr: bound}, nil
}

type tcpConn struct {
	net.Conn
	local, remote peer.Multiaddr
	initiator     bool
	closed        atomicBool
}

func (c *tcpConn) LocalMultiaddr() peer.Multiaddr  { return c.local }
func (c *tcpConn) RemoteMultiaddr() peer.Multiaddr { return c.remote }
func (c *tcpConn) IsInitiator() bool               { return c.initiator }
func (c *tcpConn) IsClosed() bool                  { return c.closed.Load() }
func (c *tcpConn) Close() error {
	c.closed.Store(true)
	return c.Conn.Close()
}

type tcpListener struct {
	ln   net.Listener
	addr peer.Multiaddr
}

func (l *tcpListener) Accept() (Conn, error) {
	nc, err := l.ln.Accept()
	if err != nil {
		return nil, err
	}
	remote, err := tcpMultiaddrFromNetAddr(nc.RemoteAddr())
	if err != nil {
		nc.Close()
		return nil, err
	}
	return &tcpConn{Conn: nc, local: l.addr, remote: remote, initiator: false}, nil
}

func (l *tcpListener) Close() error              { return l.ln.Close() }
func (l *tcpListener) Multiaddr() peer.Multiaddr { return l.addr }
