// Copyright 2014 Jason Volk and Svetlana Tkachenko. All Rights Reserved.

package slitscan

import (
	"fmt"
	"net/netip"

	"golang.org/x/sys/unix"

	"github.com/jvolk/slitscan/internal/epoll"
)

// onAccept implements component C6's IP-based routing at accept time (spec
// §4.4). A connect-back arriving from the same IP a candidate's CONNECT
// tunnel was dialed through is resolved immediately and in full right
// here: the candidate advances to SAME_BACK, both its outbound socket and
// the freshly accepted one are half-closed, and the accepted socket is
// closed outright (spec §4.4 point 4; no Inbound record is ever
// allocated for this case, per spec §3). This is weak evidence — the
// proxy merely opened a TCP connection back from its own address — so no
// nonce is read from it.
//
// A connect-back from any other IP is registered as an anonymous Inbound
// and must present a matching token before it can be paired (DIFF_BACK,
// the stronger evidence level, since only a genuine multi-hop tunnel
// delivers the token we handed the far side). onAccept returns a nil
// Inbound (and nil error) for the same-IP case; the caller has nothing
// further to dispatch until the candidate's own hangup event arrives.
func onAccept(reg *Registry, peer netip.Addr, fd int) (*Inbound, error) {
	if rec, ok := reg.LookupByIP(peer); ok {
		if c, ok := rec.(*Candidate); ok {
			c.State = StateSameBack
			halfCloseFD(c.fd)
			halfCloseFD(fd)
			unix.Close(fd)
			return nil, nil
		}
	}

	in := newInbound(fd, peer)
	if err := reg.Register(in, epoll.In|epoll.Err|epoll.Hup); err != nil {
		return nil, err
	}
	return in, nil
}

// handleInboundReadable drives one DIFF_BACK Inbound through readToken
// and, once a full nonce has arrived, resolves it against the registry's
// by-token index. It returns the paired Candidate once discovery
// succeeds, or an error (typically *Discord) if the token does not check
// out.
func handleInboundReadable(reg *Registry, in *Inbound) (*Candidate, error) {
	token, complete, err := in.readToken()
	if err != nil {
		return nil, err
	}
	if !complete {
		return nil, nil
	}

	rec, ok := reg.LookupByToken(token)
	if !ok {
		return nil, newDiscord(Endpoint{}, "diff-back connection from %s presented an unrecognized token", in.peer)
	}
	c, ok := rec.(*Candidate)
	if !ok {
		return nil, fmt.Errorf("diff-back token resolved to a non-candidate record")
	}
	c.State = StateDiscovered
	c.pairedInbound = in
	return c, nil
}

// discoveryLine renders the outbound side's result log line for a DIFF_BACK
// tunnel proven by token ("discovered tunnel to"); the engine writes the
// matching "discovered tunnel from" line for the inbound peer after it.
func discoveryLine(c *Candidate, in *Inbound) string {
	if c.State != StateDiscovered {
		return ""
	}
	return fmt.Sprintf("discovered tunnel to %s (diff-back, via %s)", c.Endpoint, in.peer)
}

// sameBackLine renders the result log line for a SAME_BACK candidate once
// its own hangup arrives, per spec §4.4/§4.5's "result is still recorded
// on hangup by inspecting state": the nonce channel never completes for a
// same-IP connect-back, so this is the weaker evidence level, logged
// distinctly from a token-proven DIFF_BACK discovery.
func sameBackLine(c *Candidate) string {
	return fmt.Sprintf("discovered tunnel to %s (same-back)", c.Endpoint)
}

// teardown half-closes both the candidate's and the paired inbound's
// sockets, then unregisters and closes them at once. It does not wait for
// the peers' hangup events before reclaiming the fds.
func teardown(reg *Registry, c *Candidate, cause error) error {
	if c.report != nil {
		c.report(cause)
	}

	halfCloseFD(c.fd)
	if c.pairedInbound != nil {
		halfCloseFD(c.pairedInbound.fd)
	}

	var err error
	if unregErr := reg.Unregister(c); unregErr != nil {
		err = unregErr
	}
	if c.pairedInbound != nil {
		if unregErr := reg.Unregister(c.pairedInbound); unregErr != nil && err == nil {
			err = unregErr
		}
	}

	if closeErr := c.closeFD(); closeErr != nil && err == nil {
		err = closeErr
	}
	if c.pairedInbound != nil {
		if closeErr := c.pairedInbound.closeFD(); closeErr != nil && err == nil {
			err = closeErr
		}
	}
	return err
}

// teardownInbound discards a DIFF_BACK Inbound that never paired with a
// candidate: a bad or unrecognized token, or a hangup before the nonce
// finished arriving.
func teardownInbound(reg *Registry, in *Inbound) error {
	halfCloseFD(in.fd)
	var err error
	if unregErr := reg.Unregister(in); unregErr != nil {
		err = unregErr
	}
	if closeErr := in.closeFD(); closeErr != nil && err == nil {
		err = closeErr
	}
	return err
}
