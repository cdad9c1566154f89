// Copyright 2014 Jason Volk and Svetlana Tkachenko. All Rights Reserved.

package slitscan

import "fmt"

// Disconnected reports that a candidate's socket was closed or faulted
// at the I/O level: a hangup, a connect refusal, a read/write error, or an
// invalid file descriptor. Per spec, this class of error unregisters the
// record that raised it and is never retried.
type Disconnected struct {
	// Remote, if known, names the endpoint or peer whose socket raised the
	// error. It may be the zero Endpoint for records that have none (an
	// inbound connect-back before it is paired, for instance).
	Remote Endpoint
	cause  error
}

func (e *Disconnected) Error() string {
	if e.Remote == (Endpoint{}) {
		return fmt.Sprintf("disconnected: %v", e.cause)
	}
	return fmt.Sprintf("disconnected (%s): %v", e.Remote, e.cause)
}

func (e *Disconnected) Unwrap() error { return e.cause }

func newDisconnected(remote Endpoint, cause error) *Disconnected {
	return &Disconnected{Remote: remote, cause: cause}
}

// Discord reports a protocol-level violation by a candidate: a non-200
// CONNECT response, a malformed HTTP status line, a wrong-length nonce, or
// an unrecognized nonce. Discord embeds Disconnected so a single
// errors.As(err, new(Disconnected)) check classifies both as per-candidate,
// non-aborting faults, mirroring the original program's
// "class Discord(Disconnected)" relationship.
type Discord struct {
	Disconnected
}

func newDiscord(remote Endpoint, format string, args ...interface{}) *Discord {
	return &Discord{Disconnected: *newDisconnected(remote, fmt.Errorf(format, args...))}
}

// BadState indicates an invariant violation in the registry's bookkeeping
// of its indexes: an unregister of an fd the registry never saw, too many live
// fds, or a by_ip/by_token entry that disagrees with by_fd. BadState is
// never returned to a caller; it is only ever
// panicked with, since by definition the program's internal bookkeeping has
// gone wrong and no candidate-local recovery is meaningful.
type BadState struct {
	msg string
}

func (e *BadState) Error() string { return "bad state: " + e.msg }

func badState(format string, args ...interface{}) *BadState {
	return &BadState{msg: fmt.Sprintf(format, args...)}
}
