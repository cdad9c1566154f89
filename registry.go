// Copyright 2014 Jason Volk and Svetlana Tkachenko. All Rights Reserved.

package slitscan

import (
	"fmt"
	"net/netip"

	"github.com/jacobsa/syncutil"

	"github.com/jvolk/slitscan/internal/epoll"
)

// Record is anything the registry can track: an ingest FIFO, a callback
// listener, an outbound candidate, or an inbound connect-back. It mirrors
// the teacher's record polymorphism design note: a single interface the
// event loop can dispatch on, rather than a class hierarchy.
type Record interface {
	FD() int
}

// ipIndexed is implemented by records that occupy a slot in the registry's
// by-IP index (outbound candidates only, per spec §3). The bool return lets
// a record report that it has no IP to index, instead of contributing a
// bogus zero-value key; Candidate always reports its endpoint's IP, and
// Inbound does not implement this interface.
type ipIndexed interface {
	IndexIP() (netip.Addr, bool)
}

// tokenIndexed is implemented by records that may own a minted nonce and so
// occupy a slot in the by-token index.
type tokenIndexed interface {
	IndexToken() (string, bool)
}

// Stats is the queue/fds/ips/tokens tally spec §6 requires in the
// diagnostic line printed on a fatal, unexpected error.
type Stats struct {
	Queue  int
	FDs    int
	IPs    int
	Tokens int
}

func (s Stats) String() string {
	return fmt.Sprintf("q: %d fds: %d ips: %d tok: %d", s.Queue, s.FDs, s.IPs, s.Tokens)
}

// Registry is component C1: it indexes every live file descriptor by fd,
// by source IP (outbound candidates only), and by nonce token, and keeps
// the readiness multiplexer's interest set in lockstep with them.
//
// Registry is guarded by a syncutil.InvariantMutex whose check,
// checkInvariants, validates the cap on live fds and that the by_ip and
// by_token entries agree with by_fd; this is the teacher's own
// GUARDED_BY convention (see connection.go's cancelFuncs map) made
// self-checking instead of merely documented.
type Registry struct {
	mu syncutil.InvariantMutex // GUARDED_BY(mu): byFD, byIP, byToken

	byFD    map[int]Record
	byIP    map[netip.Addr]int
	byToken map[string]int

	poller *epoll.Poller

	// maxFDs is MaxConcurrent+2 (candidates, plus the ingest fifo and the
	// listener), used only to check invariant (5).
	maxFDs int
}

// NewRegistry creates an empty registry bound to poller, accounting for up
// to maxConcurrent candidates plus the two permanent records.
func NewRegistry(poller *epoll.Poller, maxConcurrent int) *Registry {
	r := &Registry{
		byFD:    make(map[int]Record),
		byIP:    make(map[netip.Addr]int),
		byToken: make(map[string]int),
		poller:  poller,
		maxFDs:  maxConcurrent + 2,
	}
	r.mu = syncutil.NewInvariantMutex(r.checkInvariants)
	return r
}

func (r *Registry) checkInvariants() {
	if len(r.byFD) > r.maxFDs {
		panic(badState("registry holds %d fds, more than max %d", len(r.byFD), r.maxFDs))
	}

	for ip, fd := range r.byIP {
		rec, ok := r.byFD[fd]
		if !ok {
			panic(badState("by_ip[%s] = %d, but %d is not in by_fd", ip, fd, fd))
		}
		idx, ok := rec.(ipIndexed)
		if !ok {
			panic(badState("by_ip[%s] = %d, but that record is not ip-indexed", ip, fd))
		}
		if recIP, recOK := idx.IndexIP(); !recOK || recIP != ip {
			panic(badState("by_ip[%s] = %d, but that record's IP does not match", ip, fd))
		}
	}

	for token, fd := range r.byToken {
		rec, ok := r.byFD[fd]
		if !ok {
			panic(badState("by_token[...] = %d, but %d is not in by_fd", fd, fd))
		}
		idx, ok := rec.(tokenIndexed)
		if !ok {
			panic(badState("by_token entry for fd %d, but that record is not token-indexed", fd))
		}
		if recToken, recOK := idx.IndexToken(); !recOK || recToken != token {
			panic(badState("by_token entry for fd %d does not match that record's token", fd))
		}
	}

	// Spec §3 invariant 3, the other direction: every record that carries a
	// token must itself be findable through by_token. Without this check a
	// Candidate could mint a token, set it locally, and never get bound into
	// the index — exactly the kind of gap that makes DIFF_BACK correlation
	// silently fail instead of tripping the invariant mutex.
	for fd, rec := range r.byFD {
		idx, ok := rec.(tokenIndexed)
		if !ok {
			continue
		}
		token, present := idx.IndexToken()
		if !present {
			continue
		}
		if cur, ok := r.byToken[token]; !ok || cur != fd {
			panic(badState("record at fd %d has token %q, but by_token does not map it back to fd %d", fd, token, fd))
		}
	}
}

// Register inserts rec into by_fd (and by_ip/by_token if applicable) and
// adds its fd to the multiplexer with the given interest mask.
func (r *Registry) Register(rec Record, mask epoll.Mask) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	fd := rec.FD()
	if _, exists := r.byFD[fd]; exists {
		return fmt.Errorf("fd %d is already registered", fd)
	}

	if err := r.poller.Add(fd, mask); err != nil {
		return err
	}

	r.byFD[fd] = rec
	if idx, ok := rec.(ipIndexed); ok {
		if ip, present := idx.IndexIP(); present {
			r.byIP[ip] = fd
		}
	}
	if idx, ok := rec.(tokenIndexed); ok {
		if token, present := idx.IndexToken(); present {
			r.byToken[token] = fd
		}
	}
	return nil
}

// BindToken adds rec's freshly minted token to the by_token index. rec must
// already be registered (it mirrors the original program's send_token,
// which pokes tokens[client.token] = client.getfd() directly rather than
// re-running the whole register() sequence).
func (r *Registry) BindToken(rec Record, token string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.byFD[rec.FD()]; !ok {
		return fmt.Errorf("fd %d is not registered", rec.FD())
	}
	r.byToken[token] = rec.FD()
	return nil
}

// Reregister updates the multiplexer's interest mask for an already
// registered fd (spec §4.1's remask/reregister).
func (r *Registry) Reregister(rec Record, mask epoll.Mask) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.byFD[rec.FD()]; !ok {
		return fmt.Errorf("fd %d is not registered", rec.FD())
	}
	return r.poller.Modify(rec.FD(), mask)
}

// Unregister removes rec from the multiplexer and every index it appears
// in. It is fatal, per spec §4.1, for the fd not to be present in by_fd.
func (r *Registry) Unregister(rec Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	fd := rec.FD()
	if _, ok := r.byFD[fd]; !ok {
		panic(badState("unregister of fd %d, which is not registered", fd))
	}

	err := r.poller.Remove(fd)
	delete(r.byFD, fd)

	if idx, ok := rec.(ipIndexed); ok {
		if ip, present := idx.IndexIP(); present {
			if cur, ok := r.byIP[ip]; ok && cur == fd {
				delete(r.byIP, ip)
			}
		}
	}
	if idx, ok := rec.(tokenIndexed); ok {
		if token, present := idx.IndexToken(); present {
			if cur, ok := r.byToken[token]; ok && cur == fd {
				delete(r.byToken, token)
			}
		}
	}

	return err
}

// Lookup returns the record registered for fd, if any.
func (r *Registry) Lookup(fd int) (Record, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.byFD[fd]
	return rec, ok
}

// LookupByIP returns the outbound candidate record currently indexed under
// ip, if any. Per spec §4.1, a second candidate sharing an IP silently
// overwrites this entry; LookupByIP always returns the most recent one.
func (r *Registry) LookupByIP(ip netip.Addr) (Record, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fd, ok := r.byIP[ip]
	if !ok {
		return nil, false
	}
	rec, ok := r.byFD[fd]
	return rec, ok
}

// LookupByToken returns the record that minted token, if any.
func (r *Registry) LookupByToken(token string) (Record, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fd, ok := r.byToken[token]
	if !ok {
		return nil, false
	}
	rec, ok := r.byFD[fd]
	return rec, ok
}

// Registered reports whether endpoint already has a live outbound
// candidate record, used by admission (spec §4.7) to skip a queued
// endpoint that is already in flight.
func (r *Registry) Registered(endpoint Endpoint) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, rec := range r.byFD {
		if c, ok := rec.(*Candidate); ok && c.Endpoint == endpoint {
			return true
		}
	}
	return false
}

// Len returns the number of live fds, including the ingest fifo and the
// listener.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byFD)
}

// Candidates returns a snapshot slice of every currently registered
// *Candidate record, for the engine's deadline scan (spec §4.5). Listeners,
// the ingest fifo, and Inbound records are not Candidates and are skipped.
func (r *Registry) Candidates() []*Candidate {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*Candidate
	for _, rec := range r.byFD {
		if c, ok := rec.(*Candidate); ok {
			out = append(out, c)
		}
	}
	return out
}

// Snapshot returns the queue/fds/ips/tokens tally for diagnostics; queueLen
// is supplied by the caller since the queue is owned separately.
func (r *Registry) Snapshot(queueLen int) Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Stats{
		Queue:  queueLen,
		FDs:    len(r.byFD),
		IPs:    len(r.byIP),
		Tokens: len(r.byToken),
	}
}
