// Copyright 2014 Jason Volk and Svetlana Tkachenko. All Rights Reserved.

package slitscan

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/jvolk/slitscan/internal/epoll"
)

// pollInterval bounds how long a single epoll_wait may block, so that
// candidate deadlines (spec §4.5) are re-checked at least this often even
// when no fd is otherwise ready.
const pollInterval = time.Second

// Engine is component C7: the single-threaded, cooperative readiness loop
// that owns every other component and is the only thing that ever calls
// into them. Nothing in this package spawns a goroutine that touches
// engine state; the loop is the sole writer, which is what lets Registry's
// InvariantMutex assertions mean something (spec §9's single-threaded
// design note).
type Engine struct {
	cfg       *Config
	reg       *Registry
	queue     *Queue
	poller    *epoll.Poller
	ingest    *Ingest
	listener  *Listener
	resultLog *ResultLog
	log       func(format string, args ...interface{})
}

// NewEngine wires up every component per cfg, but performs no I/O beyond
// opening the ingest FIFO, the callback listener, and the result log.
func NewEngine(cfg *Config) (*Engine, error) {
	poller, err := epoll.New()
	if err != nil {
		return nil, fmt.Errorf("new epoll instance: %w", err)
	}

	reg := NewRegistry(poller, cfg.MaxConcurrent)

	ingest, err := openIngest(cfg.FIFOPath)
	if err != nil {
		poller.Close()
		return nil, err
	}
	if err := reg.Register(ingest, epoll.In|epoll.Err|epoll.Hup); err != nil {
		poller.Close()
		ingest.closeFD()
		return nil, fmt.Errorf("register ingest fifo: %w", err)
	}

	listener, err := listen(cfg.ListenAddr, cfg.MaxConcurrent)
	if err != nil {
		poller.Close()
		ingest.closeFD()
		return nil, err
	}

	// An ephemeral requested port (commonly used by tests) is only known
	// after binding; if the advertised callback address was going to be
	// the same as the listen address, pick up the real port now.
	if cfg.ListenAddr.Port() == 0 && cfg.CallbackAddr == cfg.ListenAddr {
		if bound, err := listener.Addr(); err == nil {
			cfg.CallbackAddr = bound
		}
	}

	if err := reg.Register(listener, epoll.In|epoll.Err|epoll.Hup); err != nil {
		poller.Close()
		ingest.closeFD()
		listener.closeFD()
		return nil, fmt.Errorf("register callback listener: %w", err)
	}

	resultLog, err := OpenResultLog(cfg.LogPath, unixTimeNow)
	if err != nil {
		poller.Close()
		ingest.closeFD()
		listener.closeFD()
		return nil, err
	}

	e := &Engine{
		cfg:       cfg,
		reg:       reg,
		queue:     NewQueue(),
		poller:    poller,
		ingest:    ingest,
		listener:  listener,
		resultLog: resultLog,
		log:       getLogger().Printf,
	}

	if names, err := Harvesters(filepath.Dir(cfg.FIFOPath), cfg.FIFOPath); err == nil && len(names) > 0 {
		e.log("found %d harvester(s) alongside the ingest fifo: %v", len(names), names)
	}

	return e, nil
}

// unixTimeNow is ResultLog's default clock; kept as a package-level func
// value so tests can substitute a deterministic one via OpenResultLog
// directly without touching Engine.
func unixTimeNow() float64 {
	return float64(time.Now().UnixNano()) / 1e9
}

// Close closes every registered candidate socket, the ingest fifo, the
// listener, the result log and the poller. Inbound connect-back sockets
// that are still registered are not closed. It does not drain in-flight
// candidates; callers that want a clean shutdown should let Run return
// first.
func (e *Engine) Close() error {
	var err error
	for _, c := range e.reg.Candidates() {
		if closeErr := c.closeFD(); closeErr != nil && err == nil {
			err = closeErr
		}
	}
	if closeErr := e.ingest.closeFD(); closeErr != nil && err == nil {
		err = closeErr
	}
	if closeErr := e.listener.closeFD(); closeErr != nil && err == nil {
		err = closeErr
	}
	if closeErr := e.resultLog.Close(); closeErr != nil && err == nil {
		err = closeErr
	}
	if closeErr := e.poller.Close(); closeErr != nil && err == nil {
		err = closeErr
	}
	return err
}

// Run drives the readiness loop until ctx is canceled. Every iteration:
// wait for readiness (or pollInterval, whichever comes first), dispatch
// every ready fd, admit queued endpoints up to the concurrency limit, then
// scan for expired candidates. A fault isolated to one candidate (spec
// §9's fault-isolation design note) never aborts the loop; only an error
// from the poller itself, the ingest fifo, or the listener does, and the
// error Run then returns carries the registry's queue/fds/ips/tokens tally.
func (e *Engine) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		events, err := e.poller.Wait(pollInterval)
		if err != nil {
			return fmt.Errorf("poll: %w (%s)", err, e.reg.Snapshot(e.queue.Len()))
		}

		for _, ev := range events {
			if err := e.dispatch(ev); err != nil {
				return fmt.Errorf("%w (%s)", err, e.reg.Snapshot(e.queue.Len()))
			}
		}

		e.admit()
		e.scanTimeouts()
	}
}

// dispatch routes one readiness event to its record's handler. Errors from
// a Candidate or Inbound are per-record faults: they tear that record down
// and are logged, never propagated. Errors from the ingest fifo or the
// listener are fatal to the loop, since spec §4.1 has no recovery for
// losing either permanent fd.
func (e *Engine) dispatch(ev epoll.Event) error {
	rec, ok := e.reg.Lookup(ev.FD)
	if !ok {
		// The fd was unregistered earlier in this same batch of events
		// (e.g. a candidate's Err and a stale prior event); ignore.
		return nil
	}

	switch r := rec.(type) {
	case *Ingest:
		return e.dispatchIngest(r)
	case *Listener:
		return e.dispatchListener(r)
	case *Candidate:
		e.dispatchCandidate(r, ev.Mask)
		return nil
	case *Inbound:
		e.dispatchInbound(r, ev.Mask)
		return nil
	default:
		return nil
	}
}

func (e *Engine) dispatchIngest(in *Ingest) error {
	lines, err := in.readLines()
	if err != nil {
		return fmt.Errorf("ingest fifo: %w", err)
	}
	for _, line := range lines {
		if !AcceptLine(line) {
			e.log("ignoring malformed ingest line %q", line)
			continue
		}
		endpoint, err := ParseEndpoint(line)
		if err != nil {
			e.log("ignoring unparseable ingest line %q: %v", line, err)
			continue
		}
		e.queue.Offer(endpoint)
	}
	return nil
}

func (e *Engine) dispatchListener(l *Listener) error {
	conns, err := l.acceptAll()
	if err != nil {
		return fmt.Errorf("callback listener: %w", err)
	}
	for _, conn := range conns {
		in, err := onAccept(e.reg, conn.peer, conn.fd)
		if err != nil {
			e.log("failed to register connect-back from %s: %v", conn.peer, err)
			continue
		}
		if in == nil {
			// Same-IP connect-back: onAccept already advanced the matching
			// candidate to SAME_BACK and half-closed both sockets. Nothing
			// more to dispatch until the candidate's own hangup arrives.
			continue
		}
		e.dispatchInbound(in, epoll.In)
	}
	return nil
}

func (e *Engine) dispatchCandidate(c *Candidate, mask epoll.Mask) {
	if mask&(epoll.Err|epoll.Hup) != 0 {
		if c.State == StateSameBack {
			e.recordSameBack(c)
			return
		}
		e.failCandidate(c, newDisconnected(c.Endpoint, errors.New("hangup")))
		return
	}

	if mask&epoll.Out != 0 {
		if err := c.handleWritable(e.cfg.CallbackAddr); err != nil {
			e.failCandidate(c, err)
			return
		}
		if err := e.reg.Reregister(c, c.InterestMask()); err != nil {
			e.failCandidate(c, err)
			return
		}
	}

	if mask&epoll.In != 0 {
		if err := c.handleReadable(mintTokenFunc(e.reg)); err != nil {
			e.failCandidate(c, err)
			return
		}
		if err := e.reg.Reregister(c, c.InterestMask()); err != nil {
			e.failCandidate(c, err)
			return
		}
	}
}

func (e *Engine) dispatchInbound(in *Inbound, mask epoll.Mask) {
	if mask&(epoll.Err|epoll.Hup) != 0 {
		e.failInbound(in, newDisconnected(Endpoint{}, errors.New("hangup")))
		return
	}
	if mask&epoll.In == 0 {
		return
	}

	c, err := handleInboundReadable(e.reg, in)
	if err != nil {
		e.failInbound(in, err)
		return
	}
	if c == nil {
		return
	}

	lines := []string{
		discoveryLine(c, in),
		fmt.Sprintf("discovered tunnel from %s (diff-back, to %s)", in.peer, c.Endpoint),
	}
	for _, line := range lines {
		e.log("%s", line)
		if err := e.resultLog.Record(line); err != nil {
			e.log("result log write failed: %v", err)
		}
	}
	if err := teardown(e.reg, c, nil); err != nil {
		e.log("teardown of discovered candidate %s failed: %v", c.Endpoint, err)
	}
}

// recordSameBack logs the weak-evidence SAME_BACK result once the
// candidate's half-closed socket finally hangs up, per spec §4.4/§4.5's
// "result is still recorded on hangup by inspecting state," then tears the
// candidate down through the ordinary path.
func (e *Engine) recordSameBack(c *Candidate) {
	line := sameBackLine(c)
	e.log("%s", line)
	if err := e.resultLog.Record(line); err != nil {
		e.log("result log write failed: %v", err)
	}
	if err := teardown(e.reg, c, nil); err != nil {
		e.log("teardown of %s failed: %v", c.Endpoint, err)
	}
}

// failCandidate tears a candidate down after a Disconnected/Discord/other
// error, logging the outcome per spec §6.
func (e *Engine) failCandidate(c *Candidate, cause error) {
	var discord *Discord
	line := fmt.Sprintf("lost candidate %s: %v", c.Endpoint, cause)
	if errors.As(cause, &discord) {
		line = fmt.Sprintf("discord from %s: %v", c.Endpoint, cause)
	}
	e.log("%s", line)
	if err := e.resultLog.Record(line); err != nil {
		e.log("result log write failed: %v", err)
	}
	if err := teardown(e.reg, c, cause); err != nil {
		e.log("teardown of %s failed: %v", c.Endpoint, err)
	}
}

func (e *Engine) failInbound(in *Inbound, cause error) {
	e.log("dropping connect-back from %s: %v", in.peer, cause)
	if err := teardownInbound(e.reg, in); err != nil {
		e.log("teardown of inbound from %s failed: %v", in.peer, err)
	}
}

// admit dials as many queued endpoints as the concurrency limit allows.
// Per spec §4.7, an endpoint already in flight is silently dropped rather
// than re-dialed.
func (e *Engine) admit() {
	for e.reg.Len() < e.cfg.MaxConcurrent+2 {
		endpoint, ok := e.queue.PollOldest()
		if !ok {
			return
		}
		if e.reg.Registered(endpoint) {
			continue
		}

		deadline := e.cfg.Clock.Now().Add(e.cfg.Timeout)
		c, err := dialCandidate(endpoint, deadline)
		if err != nil {
			e.log("failed to dial %s: %v", endpoint, err)
			continue
		}
		if err := e.reg.Register(c, c.InterestMask()); err != nil {
			e.log("failed to register candidate %s: %v", endpoint, err)
			c.closeFD()
			continue
		}
	}
}

// scanTimeouts tears down every candidate past its admission deadline that
// has not yet proven a tunnel, per spec §4.5's TIMEOUT handling.
func (e *Engine) scanTimeouts() {
	now := e.cfg.Clock.Now()
	for _, c := range e.reg.Candidates() {
		if c.Expired(now) {
			e.failCandidate(c, newDisconnected(c.Endpoint, errors.New("timeout")))
		}
	}
}
