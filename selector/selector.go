// Package selector implements multistream-select, the newline-terminated
// protocol-negotiation line protocol of spec.md §4.4: both sides exchange
// the handshake line "/multistream/1.0.0\n", then the dialer proposes
// protocol ids one at a time until the listener echoes one back (accept) or
// exhausts the list (na\n for each rejection).
package selector

import (
	"bufio"
	"fmt"

	"go.meshnet.dev/p2p/p2perr"
	"go.meshnet.dev/p2p/varint"
)

// ProtocolID identifies one protocol the multistream-select layer can
// negotiate into (e.g. "/noise", "/yamux/1.0.0", "/ipfs/kad/1.0.0").
type ProtocolID = string

// Handshake is the fixed preamble both sides send before any proposal.
const Handshake = "/multistream/1.0.0\n"

const (
	lsLine = "ls\n"
	naLine = "na\n"
)

// maxLineLength bounds a single multistream-select line (handshake,
// proposal, or response), matching spec.md §4.4's framing cap.
const maxLineLength = 64 * 1024

// conn is the write half selector needs; reads go through a separate
// *bufio.Reader, which gives varint.Reader the ByteReader it wants.
type conn interface {
	Write([]byte) (int, error)
}

// negotiator bundles a raw writer with a varint.Reader over its buffered
// counterpart, so every line — handshake, proposal, or response — goes
// through the same length-prefixed framing helper.
type negotiator struct {
	w  conn
	vr *varint.Reader
}

func newNegotiator(w conn, br *bufio.Reader) *negotiator {
	return &negotiator{w: w, vr: varint.NewReader(br, maxLineLength)}
}

func (n *negotiator) writeLine(line string) error {
	return varint.WriteMessage(n.w, []byte(line))
}

func (n *negotiator) readLine() (string, error) {
	msg, err := n.vr.ReadMessage()
	if err != nil {
		return "", p2perr.Wrap(p2perr.KindNegotiationFailed, "read multistream-select line", err)
	}
	return string(msg), nil
}

// DialSelect runs the initiator side of negotiation: send the handshake,
// then propose each of protocols in order until one is accepted. It returns
// the accepted protocol id, which is always one of the input protocols.
//
// strict controls whether the handshake message is required before the
// first proposal, per spec.md §4.4. When strict is true, the dialer writes
// the handshake line and blocks until the responder echoes it back before
// proposing anything. When strict is false, the dialer still announces the
// handshake line (so a strict responder keeps working) but does not wait
// for it to be echoed back — it pipelines straight into the first proposal,
// saving a round trip against a responder running in the same non-strict
// mode.
func DialSelect(w conn, br *bufio.Reader, protocols []ProtocolID, strict bool) (ProtocolID, error) {
	n := newNegotiator(w, br)
	if err := n.writeLine(Handshake); err != nil {
		return "", p2perr.Wrap(p2perr.KindNegotiationFailed, "write handshake", err)
	}
	if strict {
		got, err := n.readLine()
		if err != nil {
			return "", err
		}
		if got != Handshake {
			return "", p2perr.New(p2perr.KindNegotiationFailed, fmt.Sprintf("unexpected handshake response %q", got))
		}
	}

	handshakePending := !strict
	for _, proto := range protocols {
		if err := n.writeLine(proto + "\n"); err != nil {
			return "", p2perr.Wrap(p2perr.KindNegotiationFailed, "write proposal", err)
		}
		resp, err := n.readLine()
		if err != nil {
			return "", err
		}
		if handshakePending && resp == Handshake {
			// the responder's handshake echo arrives ahead of its answer
			handshakePending = false
			if resp, err = n.readLine(); err != nil {
				return "", err
			}
		}
		switch resp {
		case proto + "\n":
			return proto, nil
		case naLine:
			continue
		default:
			return "", p2perr.New(p2perr.KindNegotiationFailed, fmt.Sprintf("unexpected response %q to proposal %q", resp, proto))
		}
	}
	return "", p2perr.New(p2perr.KindNegotiationFailed, "listener rejected every proposed protocol")
}

// Handler decides whether it supports a proposed protocol id.
type Handler interface {
	// Match reports whether id is supported.
	Match(id ProtocolID) bool
}

// HandlerFunc adapts a plain function to Handler.
type HandlerFunc func(id ProtocolID) bool

func (f HandlerFunc) Match(id ProtocolID) bool { return f(id) }

// ExactMatch returns a Handler that accepts only the exact ids listed.
func ExactMatch(ids ...ProtocolID) Handler {
	set := make(map[ProtocolID]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return HandlerFunc(func(id ProtocolID) bool {
		_, ok := set[id]
		return ok
	})
}

// HandleSelect runs the responder side of negotiation against the set of
// protocols this peer supports (registered handler wins the first id it
// matches). "ls\n" is answered with one message listing the supported
// protocols, one per line in map order, with no terminator line and no
// paging.
//
// strict controls whether the handshake message is required before the
// first proposal, per spec.md §4.4. When strict is true, a first line other
// than the handshake is a negotiation failure. When strict is false, a
// dialer is allowed to skip the handshake and send its first proposal
// immediately; that line is then fed straight into the normal
// ls/match/na handling below instead of being rejected.
func HandleSelect(w conn, br *bufio.Reader, supported map[ProtocolID]Handler, strict bool) (ProtocolID, error) {
	n := newNegotiator(w, br)
	first, err := n.readLine()
	if err != nil {
		return "", err
	}
	if first == Handshake {
		if err := n.writeLine(Handshake); err != nil {
			return "", p2perr.Wrap(p2perr.KindNegotiationFailed, "write handshake response", err)
		}
	} else if strict {
		return "", p2perr.New(p2perr.KindNegotiationFailed, fmt.Sprintf("unexpected handshake %q", first))
	}

	proposal := first
	for {
		if proposal != Handshake {
			if proposal == lsLine {
				listing := ""
				for id := range supported {
					listing += id + "\n"
				}
				if err := n.writeLine(listing); err != nil {
					return "", p2perr.Wrap(p2perr.KindNegotiationFailed, "write ls response", err)
				}
			} else {
				id := proposal[:len(proposal)-1] // strip trailing '\n'
				if h, ok := supported[id]; ok && h.Match(id) {
					if err := n.writeLine(proposal); err != nil {
						return "", p2perr.Wrap(p2perr.KindNegotiationFailed, "write accept", err)
					}
					return id, nil
				}
				if err := n.writeLine(naLine); err != nil {
					return "", p2perr.Wrap(p2perr.KindNegotiationFailed, "write na", err)
				}
			}
		}

		proposal, err = n.readLine()
		if err != nil {
			return "", err
		}
	}
}
