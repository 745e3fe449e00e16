// Package muxer defines the capability interfaces shared by the Yamux and
// mplex stream-multiplexer implementations (spec.md §4.5/§4.6): a Conn that
// multiplexes logical Streams over a single secureconn.Conn, generalizing
// the single-reader/single-writer-loop architecture of go.sia.tech/mux.
package muxer

import (
	"context"
	"net"
	"time"
)

// Stream is one logical, bidirectional byte stream multiplexed onto a Conn.
type Stream interface {
	net.Conn
	// Reset aborts the stream on both ends, distinct from the graceful
	// Close (FIN) semantics of spec.md §4.5's state machine.
	Reset() error
}

// Conn multiplexes Streams over an underlying secure connection.
type Conn interface {
	// OpenStream opens a new outbound logical stream. Yamux sends nothing
	// until the stream's first frame (its first Write, Close or Reset);
	// mplex sends its NEW_STREAM frame before OpenStream returns.
	OpenStream(ctx context.Context) (Stream, error)
	// AcceptStream blocks for the next peer-initiated stream.
	AcceptStream() (Stream, error)
	// Close tears down every stream and the underlying connection.
	Close() error
	// IsClosed reports whether the connection's sticky fatal error is set.
	IsClosed() bool
}

// Transport names the multistream-select protocol id this muxer negotiates
// under and upgrades an already-secured connection into a muxer.Conn.
type Transport interface {
	ProtocolID() string
	NewConn(conn net.Conn, isInitiator bool) Conn
}

// Config bounds a muxer.Conn's resource usage, shared by both
// implementations per spec.md §4.5/§4.6. It is spec.md §3's
// MuxedConnectionConfig {maximum_streams, maximum_window_size,
// no_streams_interval}, plus the keepalive cadence Yamux schedules (mplex
// sends no keepalives and ignores it).
// Bounds are limits, not targets, per spec.md §3: exceeding one is rejected
// rather than negotiated down.
type Config struct {
	MaxStreams        int
	KeepAliveInterval time.Duration

	// MaxWindowSize caps how large a Yamux stream's receive window may grow
	// (spec.md §4.5: "starts at 256 KiB, grows up to maximum_window_size").
	// mplex has no flow control and ignores this field.
	MaxWindowSize uint32

	// NoStreamsInterval is how long a connection may sit with zero open
	// streams before it is closed as idle (spec.md §9's "idle cleanup"
	// timer).
	NoStreamsInterval time.Duration
}

// DefaultConfig matches the values spec.md names as defaults.
var DefaultConfig = Config{
	MaxStreams:        1 << 20,
	KeepAliveInterval: 30 * time.Second,
	MaxWindowSize:     16 * 1024 * 1024,
	NoStreamsInterval: 5 * time.Minute,
}
