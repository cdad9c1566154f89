// Copyright 2014 Jason Volk and Svetlana Tkachenko. All Rights Reserved.

package slitscan

import (
	"fmt"
	"net/netip"

	"golang.org/x/sys/unix"
)

// Listener is component C4's callback socket: the address advertised in
// every CONNECT line, bound once at startup and accepted from on every
// readable event for the rest of the engine's life.
type Listener struct {
	fd int
}

// listen binds and listens on addr, backlog deep enough to never block an
// admitted candidate's connect-back, per spec §5.
func listen(addr netip.AddrPort, backlog int) (*Listener, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, unix.IPPROTO_TCP)
	if err != nil {
		return nil, fmt.Errorf("socket: %w", err)
	}

	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("setsockopt SO_REUSEADDR: %w", err)
	}

	sa := &unix.SockaddrInet4{Port: int(addr.Port()), Addr: addr.Addr().As4()}
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("bind %s: %w", addr, err)
	}
	if err := unix.Listen(fd, backlog); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}

	return &Listener{fd: fd}, nil
}

// FD implements Record.
func (l *Listener) FD() int { return l.fd }

// Addr returns the address the listener is actually bound to, which may
// differ from the requested address if the caller asked for an
// OS-assigned ephemeral port (port 0).
func (l *Listener) Addr() (netip.AddrPort, error) {
	sa, err := unix.Getsockname(l.fd)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("getsockname: %w", err)
	}
	sa4, ok := sa.(*unix.SockaddrInet4)
	if !ok {
		return netip.AddrPort{}, fmt.Errorf("unexpected sockaddr type %T", sa)
	}
	return netip.AddrPortFrom(netip.AddrFrom4(sa4.Addr), uint16(sa4.Port)), nil
}

// acceptAll drains every pending connection from the listener's backlog,
// since edge-triggered-style draining keeps a burst of simultaneous
// connect-backs from starving behind a single epoll_wait return.
func (l *Listener) acceptAll() ([]acceptedConn, error) {
	var out []acceptedConn
	for {
		fd, sa, err := unix.Accept4(l.fd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		if err != nil {
			if err == unix.EAGAIN {
				return out, nil
			}
			return out, fmt.Errorf("accept4: %w", err)
		}

		sa4, ok := sa.(*unix.SockaddrInet4)
		if !ok {
			unix.Close(fd)
			continue
		}
		peer := netip.AddrFrom4(sa4.Addr)
		out = append(out, acceptedConn{fd: fd, peer: peer})
	}
}

// acceptedConn is one connection accepted off the callback listener, not
// yet classified SAME_BACK or DIFF_BACK.
type acceptedConn struct {
	fd   int
	peer netip.Addr
}

func (l *Listener) closeFD() error {
	return unix.Close(l.fd)
}
