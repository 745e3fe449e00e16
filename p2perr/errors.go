// Package p2perr defines the single error taxonomy shared by every layer of
// the connection stack: transport, secure channel, multiplexer, host, and
// Kademlia. Fallible operations return one of these kinds, built with New
// or Wrap so callers can both errors.Is against the Kind and inspect the
// underlying cause; the transport and peer packages return plain errors.
package p2perr

import (
	"errors"
	"fmt"
)

// Kind classifies why an operation failed. Kinds are comparable with
// errors.Is: Wrap(KindTimeout, msg, err) satisfies errors.Is(wrapped, ErrTimeout).
type Kind int

const (
	// KindInternal marks a violated internal invariant, never a wire-visible
	// failure. Tests assert on this kind to separate bugs in this module
	// from ordinary network/protocol failures.
	KindInternal Kind = iota
	KindConnectionClosedByPeer
	KindConnectionClosedByHost
	KindProtocolError
	KindStreamReset
	KindStreamClosed
	KindTooManyStreams
	KindNegotiationFailed
	KindPeerVerifyFailed
	KindSignatureMismatch
	KindUnexpectedPeerID
	KindTimeout
	KindResourceLimit
	KindPeerNotFound
)

func (k Kind) String() string {
	switch k {
	case KindInternal:
		return "internal"
	case KindConnectionClosedByPeer:
		return "connection-closed-by-peer"
	case KindConnectionClosedByHost:
		return "connection-closed-by-host"
	case KindProtocolError:
		return "protocol-error"
	case KindStreamReset:
		return "stream-reset"
	case KindStreamClosed:
		return "stream-closed"
	case KindTooManyStreams:
		return "too-many-streams"
	case KindNegotiationFailed:
		return "negotiation-failed"
	case KindPeerVerifyFailed:
		return "peer-verify-failed"
	case KindSignatureMismatch:
		return "signature-mismatch"
	case KindUnexpectedPeerID:
		return "unexpected-peer-id"
	case KindTimeout:
		return "timeout"
	case KindResourceLimit:
		return "resource-limit"
	case KindPeerNotFound:
		return "peer-not-found"
	default:
		return "unknown"
	}
}

// Error is the uniform result type propagated up to the nearest explicit
// handler. It is never thrown across a suspension point; every function
// that can fail returns one as a plain error value.
type Error struct {
	Kind  Kind
	Msg   string
	Cause error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is implements errors.Is against a bare Kind sentinel created by New(kind, "").
func (e *Error) Is(target error) bool {
	te, ok := target.(*Error)
	if !ok {
		return false
	}
	return te.Kind == e.Kind
}

// New constructs an *Error with no wrapped cause.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

// Wrap constructs an *Error that wraps cause, preserving it for errors.As
// and errors.Unwrap while attaching a Kind for errors.Is-based dispatch.
func Wrap(kind Kind, msg string, cause error) *Error {
	return &Error{Kind: kind, Msg: msg, Cause: cause}
}

// Is reports whether err is (or wraps) a p2perr.Error of the given kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	return e.Kind == kind
}

// KindOf returns the Kind of err, or KindInternal if err is not a p2perr.Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// Sentinel errors for package-level comparisons where a plain error value
// (rather than a constructor call) reads more naturally, mirroring the
// teacher's package-level ErrClosedConn/ErrClosedStream style.
var (
	ErrClosedByHost  = New(KindConnectionClosedByHost, "connection closed by host")
	ErrClosedByPeer  = New(KindConnectionClosedByPeer, "connection closed by peer")
	ErrStreamReset   = New(KindStreamReset, "stream reset")
	ErrStreamClosed  = New(KindStreamClosed, "stream closed")
	ErrTooManyStream = New(KindTooManyStreams, "too many streams")
	ErrTimeout       = New(KindTimeout, "operation timed out")
	ErrPeerNotFound  = New(KindPeerNotFound, "peer not found")
)
