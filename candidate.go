// Copyright 2014 Jason Volk and Svetlana Tkachenko. All Rights Reserved.

package slitscan

import (
	"bytes"
	"context"
	"fmt"
	"net/netip"
	"strconv"
	"strings"
	"time"

	"github.com/jacobsa/reqtrace"
	"golang.org/x/sys/unix"

	"github.com/jvolk/slitscan/internal/epoll"
	"github.com/jvolk/slitscan/internal/nonce"
)

// recvBufSize is the original program's single-read buffer size: both the
// HTTP status line and the nonce easily fit in 128 bytes, and spec §4.5
// requires reading at most that much per event.
const recvBufSize = 128

// Candidate is component C5/C6's per-endpoint record: one outbound socket,
// exclusively owned, driven through the state machine of spec §4.5.
type Candidate struct {
	Endpoint Endpoint
	fd       int
	State    CandidateState
	HTTPCode int
	Token    string
	deadline time.Time

	// partial holds bytes read but not yet resolved into a full CRLF line,
	// per spec §4.5/§5's short-read tolerance.
	partial []byte

	// pairedInbound is set once a DIFF_BACK inbound record's nonce matches
	// this candidate's token; see correlate.go.
	pairedInbound *Inbound

	// ctx and report carry this candidate's reqtrace span across its whole
	// lifetime (spec §9), from dial to teardown.
	ctx    context.Context
	report reqtrace.ReportFunc
}

// FD implements Record.
func (c *Candidate) FD() int { return c.fd }

// IndexIP implements ipIndexed: outbound candidates are always indexed by
// their target's IP.
func (c *Candidate) IndexIP() (netip.Addr, bool) { return c.Endpoint.IP, true }

// IndexToken implements tokenIndexed: only once a token has been minted.
func (c *Candidate) IndexToken() (string, bool) {
	if c.Token == "" {
		return "", false
	}
	return c.Token, true
}

// dialCandidate creates a non-blocking TCP socket and starts connecting to
// endpoint, per spec §4.5. The returned Candidate is in StateInitiated and
// has not yet been registered with any Registry.
func dialCandidate(endpoint Endpoint, deadline time.Time) (*Candidate, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, unix.IPPROTO_TCP)
	if err != nil {
		return nil, fmt.Errorf("socket: %w", err)
	}

	sa := &unix.SockaddrInet4{Port: int(endpoint.Port), Addr: endpoint.IP.As4()}
	if err := unix.Connect(fd, sa); err != nil && err != unix.EINPROGRESS {
		unix.Close(fd)
		return nil, fmt.Errorf("connect: %w", err)
	}

	ctx, report := reqtrace.Trace(context.Background(), fmt.Sprintf("candidate %s", endpoint))

	return &Candidate{
		Endpoint: endpoint,
		fd:       fd,
		State:    StateInitiated,
		deadline: deadline,
		ctx:      ctx,
		report:   report,
	}, nil
}

// InterestMask returns the epoll interest mask for the candidate's current
// state, per the transition table in spec §4.5.
func (c *Candidate) InterestMask() epoll.Mask {
	switch c.State {
	case StateInitiated:
		return epoll.In | epoll.Out | epoll.Err | epoll.Hup
	case StateSentConnect, StateDiffBack:
		return epoll.In | epoll.Err | epoll.Hup
	default:
		// SENT_TOKEN and beyond: passive, awaiting teardown only.
		return epoll.Err | epoll.Hup
	}
}

// handleWritable advances INITIATED -> ESTABLISHED -> SENT_CONNECT: it
// sends the literal CONNECT line and drops to a read-only interest.
func (c *Candidate) handleWritable(callback netip.AddrPort) error {
	if c.State != StateInitiated {
		return nil
	}
	c.State = StateEstablished

	line := fmt.Sprintf("CONNECT %s:%d HTTP/1.0\r\n\r\n", callback.Addr(), callback.Port())
	if err := writeAll(c.fd, []byte(line)); err != nil {
		return newDisconnected(c.Endpoint, fmt.Errorf("send CONNECT: %w", err))
	}

	c.State = StateSentConnect
	return nil
}

// handleReadable advances SENT_CONNECT -> RECV_CODE (and, on success,
// SENT_TOKEN) per spec §4.5. DIFF_BACK readability is handled separately by
// correlate.go's handleInboundReadable, since it operates on an Inbound,
// not a Candidate. mintToken both mints and binds the token into the
// registry's by_token index (spec §4.5's "store it in by_token") for the
// candidate it is given.
func (c *Candidate) handleReadable(mintToken func(*Candidate) (string, error)) error {
	buf := make([]byte, recvBufSize-len(c.partial))
	n, err := unix.Read(c.fd, buf)
	if err != nil {
		if err == unix.EAGAIN {
			return nil
		}
		return newDisconnected(c.Endpoint, fmt.Errorf("read: %w", err))
	}
	if n == 0 {
		return newDisconnected(c.Endpoint, fmt.Errorf("peer closed"))
	}

	c.partial = append(c.partial, buf[:n]...)
	idx := bytes.Index(c.partial, []byte("\r\n"))
	if idx < 0 {
		// Incomplete line; wait for more data (spec §5's short-read rule).
		return nil
	}
	line := string(c.partial[:idx])
	c.partial = nil

	switch c.State {
	case StateSentConnect:
		return c.handleHTTPStatusLine(line, mintToken)
	default:
		// Unexpected data in a state that doesn't expect any; ignore, as
		// the original program's handle_client_unexpected does.
		return nil
	}
}

// handleHTTPStatusLine parses "PROTO CODE REASON" and, on a 200, mints and
// sends the nonce (spec §4.5's RECV_CODE -> SENT_TOKEN transition).
func (c *Candidate) handleHTTPStatusLine(line string, mintToken func(*Candidate) (string, error)) error {
	parts := strings.SplitN(line, " ", 3)
	if len(parts) < 3 {
		return newDiscord(c.Endpoint, "bad HTTP status line: %q", line)
	}

	proto, codeStr := parts[0], parts[1]
	if proto != "HTTP/1.0" && proto != "HTTP/1.1" {
		return newDiscord(c.Endpoint, "bad HTTP protocol: %q", proto)
	}
	code, err := strconv.Atoi(codeStr)
	if err != nil {
		return newDiscord(c.Endpoint, "bad HTTP status code: %q", codeStr)
	}

	c.HTTPCode = code
	c.State = StateRecvCode

	if code != 200 {
		return newDiscord(c.Endpoint, "CONNECT refused: %d", code)
	}

	token, err := mintToken(c)
	if err != nil {
		return fmt.Errorf("mint token: %w", err)
	}
	if err := writeAll(c.fd, []byte(token)); err != nil {
		return newDisconnected(c.Endpoint, fmt.Errorf("send token: %w", err))
	}

	c.State = StateSentToken
	return nil
}

// mintTokenFunc returns a closure suitable for handleReadable's mintToken
// parameter: it mints via internal/nonce, checking collisions against reg,
// then sets the token on the candidate and binds it into reg's by_token
// index before returning (spec §4.5's "store it in by_token" and
// invariant 3 of spec §3 — a record with a token must have a matching
// by_token entry). The candidate's Token field is set first and BindToken
// adds the index entry right after; the two are separate steps, so between
// them the candidate carries a token that by_token does not yet map.
func mintTokenFunc(reg *Registry) func(*Candidate) (string, error) {
	return func(c *Candidate) (string, error) {
		token, err := nonce.Mint(func(token string) bool {
			_, collide := reg.LookupByToken(token)
			return collide
		})
		if err != nil {
			return "", err
		}
		c.Token = token
		if err := reg.BindToken(c, token); err != nil {
			return "", fmt.Errorf("bind token: %w", err)
		}
		return token, nil
	}
}

// writeAll writes the whole buffer, tolerating short writes by retrying.
// Per spec §5, both the CONNECT line and the nonce are well under any
// reasonable socket buffer, so looping to completion here (rather than
// returning to the loop on a partial write) is acceptable.
func writeAll(fd int, buf []byte) error {
	for len(buf) > 0 {
		n, err := unix.Write(fd, buf)
		if err != nil {
			if err == unix.EAGAIN {
				continue
			}
			return err
		}
		buf = buf[n:]
	}
	return nil
}

// Expired reports whether now is past the candidate's admission deadline
// and it has not yet proven itself, per spec §4.5's TIMEOUT handling.
func (c *Candidate) Expired(now time.Time) bool {
	return c.State != StateDiscovered && now.After(c.deadline)
}

// halfCloseFD shuts down both directions without closing the fd. After
// onAccept's SAME_BACK half-close, the hangup the peer (or our own kernel)
// generates afterward drives the candidate's teardown through the normal
// unregister path; teardown itself closes the fd right after half-closing.
func halfCloseFD(fd int) error {
	return unix.Shutdown(fd, unix.SHUT_RDWR)
}

// closeFD closes the candidate's socket. Called only from the teardown
// path once the fd has been unregistered.
func (c *Candidate) closeFD() error {
	return unix.Close(c.fd)
}
