// Copyright 2014 Jason Volk and Svetlana Tkachenko. All Rights Reserved.

// Package epoll wraps the Linux epoll(7) syscalls the engine's single
// readiness loop is built on, in the same spirit as the teacher package's
// use of golang.org/x/sys/unix for its own non-blocking device I/O: a thin,
// allocation-light layer over the raw syscall numbers, with no buffering or
// dispatch policy of its own.
package epoll

import (
	"fmt"
	"time"

	"golang.org/x/sys/unix"
)

// Mask is a set of readiness events, directly interchangeable with the
// EPOLLIN/EPOLLOUT/etc bits unix.EpollEvent uses.
type Mask uint32

const (
	In     Mask = unix.EPOLLIN
	Out    Mask = unix.EPOLLOUT
	Err    Mask = unix.EPOLLERR
	Hup    Mask = unix.EPOLLHUP
	RdHup  Mask = unix.EPOLLRDHUP
)

// Event is one readiness notification returned from Wait.
type Event struct {
	FD   int
	Mask Mask
}

// Poller owns one epoll instance.
type Poller struct {
	fd int
}

// New creates a Poller backed by a fresh epoll instance with CLOEXEC set,
// matching the defensive fd hygiene the teacher applies to every socket it
// creates.
func New() (*Poller, error) {
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("epoll_create1: %w", err)
	}
	return &Poller{fd: fd}, nil
}

// Add registers fd for the given interest mask. It is fatal (per spec §4.1)
// to Add an fd the engine already believes is registered; the caller is
// responsible for that bookkeeping, Add only wraps EPOLL_CTL_ADD.
func (p *Poller) Add(fd int, mask Mask) error {
	ev := unix.EpollEvent{Events: uint32(mask), Fd: int32(fd)}
	if err := unix.EpollCtl(p.fd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		return fmt.Errorf("epoll_ctl(ADD, %d): %w", fd, err)
	}
	return nil
}

// Modify updates the interest mask for a registered fd (spec §4.1's
// reregister).
func (p *Poller) Modify(fd int, mask Mask) error {
	ev := unix.EpollEvent{Events: uint32(mask), Fd: int32(fd)}
	if err := unix.EpollCtl(p.fd, unix.EPOLL_CTL_MOD, fd, &ev); err != nil {
		return fmt.Errorf("epoll_ctl(MOD, %d): %w", fd, err)
	}
	return nil
}

// Remove unregisters fd. Removing an fd that was already closed is
// reported as an error so the caller can decide whether that's expected.
func (p *Poller) Remove(fd int) error {
	if err := unix.EpollCtl(p.fd, unix.EPOLL_CTL_DEL, fd, nil); err != nil {
		return fmt.Errorf("epoll_ctl(DEL, %d): %w", fd, err)
	}
	return nil
}

// Wait blocks until at least one registered fd is ready or timeout elapses,
// then returns the ready set. A non-positive timeout blocks indefinitely.
// The engine calls this with a <=1s timeout so that candidate deadlines
// (spec §4.5) are re-checked even when nothing is otherwise ready.
func (p *Poller) Wait(timeout time.Duration) ([]Event, error) {
	buf := make([]unix.EpollEvent, 128)

	ms := -1
	if timeout > 0 {
		ms = int(timeout / time.Millisecond)
	}

	n, err := unix.EpollWait(p.fd, buf, ms)
	if err != nil {
		if err == unix.EINTR {
			return nil, nil
		}
		return nil, fmt.Errorf("epoll_wait: %w", err)
	}

	events := make([]Event, n)
	for i := 0; i < n; i++ {
		events[i] = Event{FD: int(buf[i].Fd), Mask: Mask(buf[i].Events)}
	}
	return events, nil
}

// Close closes the underlying epoll fd.
func (p *Poller) Close() error {
	return unix.Close(p.fd)
}
