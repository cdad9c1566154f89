// Copyright 2014 Jason Volk and Svetlana Tkachenko. All Rights Reserved.

package slitscan

import (
	"fmt"
	"net/netip"
	"time"

	"github.com/jacobsa/timeutil"
)

// Default resource limits, per spec §5 and §6.
const (
	DefaultMaxConcurrent = 32
	DefaultTimeout       = 15 * time.Second
	DefaultListenPort    = 16667
	DefaultFIFOPath      = "harvest/harvest.fifo"
	DefaultLogPath       = "slitscan.log"
)

// Config collects the engine's tunable parameters. Construct one with
// NewConfig and zero or more Options, in the manner of the teacher
// package's functional-option MountConfig.
type Config struct {
	// MaxConcurrent bounds the number of in-flight candidates (spec §5);
	// the callback listener's backlog is set to the same value.
	MaxConcurrent int

	// Timeout is the wall-clock deadline from admission after which a
	// non-discovered candidate is unregistered (spec §4.5). Per the Open
	// Question in spec §9, this implementation makes timeouts
	// authoritative.
	Timeout time.Duration

	// ListenAddr is where the callback listener binds.
	ListenAddr netip.AddrPort

	// CallbackAddr is the address candidates are told to CONNECT back to.
	// It defaults to ListenAddr, but may differ when the engine listens on
	// 0.0.0.0 and must advertise a routable address instead.
	CallbackAddr netip.AddrPort

	// FIFOPath is the filesystem path of the ingest named pipe (spec §4.3).
	FIFOPath string

	// LogPath is the append-only result log (spec §6).
	LogPath string

	// Clock supplies the current time for deadline computation. It
	// defaults to timeutil.RealClock(); WithClock can substitute another,
	// such as a timeutil.SimulatedClock.
	Clock timeutil.Clock
}

// Option mutates a Config under construction.
type Option func(*Config) error

// NewConfig builds a Config with spec-mandated defaults, then applies opts
// in order.
func NewConfig(opts ...Option) (*Config, error) {
	listen := netip.AddrPortFrom(netip.IPv4Unspecified(), DefaultListenPort)

	cfg := &Config{
		MaxConcurrent: DefaultMaxConcurrent,
		Timeout:       DefaultTimeout,
		ListenAddr:    listen,
		CallbackAddr:  listen,
		FIFOPath:      DefaultFIFOPath,
		LogPath:       DefaultLogPath,
		Clock:         timeutil.RealClock(),
	}

	for _, opt := range opts {
		if err := opt(cfg); err != nil {
			return nil, fmt.Errorf("apply option: %w", err)
		}
	}

	if cfg.MaxConcurrent <= 0 {
		return nil, fmt.Errorf("MaxConcurrent must be positive, got %d", cfg.MaxConcurrent)
	}

	return cfg, nil
}

// WithMaxConcurrent overrides MaxConcurrent.
func WithMaxConcurrent(n int) Option {
	return func(c *Config) error {
		c.MaxConcurrent = n
		return nil
	}
}

// WithTimeout overrides the per-candidate deadline.
func WithTimeout(d time.Duration) Option {
	return func(c *Config) error {
		c.Timeout = d
		return nil
	}
}

// WithListenAddr overrides the callback listener's bind address and,
// unless WithCallbackAddr is also given, the address advertised to
// candidates.
func WithListenAddr(addr netip.AddrPort) Option {
	return func(c *Config) error {
		c.ListenAddr = addr
		c.CallbackAddr = addr
		return nil
	}
}

// WithCallbackAddr overrides only the address advertised in the CONNECT
// line, independent of where the listener is actually bound.
func WithCallbackAddr(addr netip.AddrPort) Option {
	return func(c *Config) error {
		c.CallbackAddr = addr
		return nil
	}
}

// WithFIFOPath overrides the ingest FIFO path.
func WithFIFOPath(path string) Option {
	return func(c *Config) error {
		c.FIFOPath = path
		return nil
	}
}

// WithLogPath overrides the result log path.
func WithLogPath(path string) Option {
	return func(c *Config) error {
		c.LogPath = path
		return nil
	}
}

// WithClock overrides the clock used for candidate deadlines. Intended for
// tests.
func WithClock(clock timeutil.Clock) Option {
	return func(c *Config) error {
		c.Clock = clock
		return nil
	}
}
