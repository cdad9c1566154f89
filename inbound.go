// Copyright 2014 Jason Volk and Svetlana Tkachenko. All Rights Reserved.

package slitscan

import (
	"errors"
	"net/netip"

	"golang.org/x/sys/unix"

	"github.com/jvolk/slitscan/internal/nonce"
)

var errPeerClosed = errors.New("peer closed")

// Inbound is component C4's record for one accepted connect-back
// connection whose source IP did not match any in-flight candidate's
// source IP (spec §4.4/§3's DIFF_BACK case). A same-IP connect-back is
// resolved entirely inside onAccept and never allocates an Inbound at all,
// per spec §3: "the common-case 'same IP' connect-back does not allocate
// an inbound record."
type Inbound struct {
	fd      int
	peer    netip.Addr
	partial []byte

	// token, once read off the wire, is looked up in the Registry's
	// by-token index to find the Candidate this inbound connection proves.
	token string
}

// newInbound wraps an accepted, non-blocking connect-back socket.
func newInbound(fd int, peer netip.Addr) *Inbound {
	return &Inbound{fd: fd, peer: peer}
}

// FD implements Record.
func (in *Inbound) FD() int { return in.fd }

// readToken reads up to recvBufSize bytes in total and reports the token
// once exactly nonce.Length bytes have arrived; no line terminator is
// expected, and more than nonce.Length bytes is a Discord. It returns
// ("", false, nil) if more data is needed, mirroring
// Candidate.handleReadable's short-read tolerance.
func (in *Inbound) readToken() (string, bool, error) {
	buf := make([]byte, recvBufSize-len(in.partial))
	n, err := unix.Read(in.fd, buf)
	if err != nil {
		if err == unix.EAGAIN {
			return "", false, nil
		}
		return "", false, newDisconnected(Endpoint{}, err)
	}
	if n == 0 {
		return "", false, newDisconnected(Endpoint{}, errPeerClosed)
	}

	in.partial = append(in.partial, buf[:n]...)
	if len(in.partial) < nonce.Length {
		return "", false, nil
	}
	if len(in.partial) > nonce.Length {
		return "", false, newDiscord(Endpoint{}, "connect-back from %s sent %d bytes, want exactly %d", in.peer, len(in.partial), nonce.Length)
	}

	in.token = string(in.partial)
	return in.token, true, nil
}

func (in *Inbound) closeFD() error {
	return unix.Close(in.fd)
}
