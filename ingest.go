// Copyright 2014 Jason Volk and Svetlana Tkachenko. All Rights Reserved.

package slitscan

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"golang.org/x/sys/unix"
)

// Ingest is component C3: the named-pipe front door candidates are queued
// through (spec §4.3). Opening the FIFO O_RDONLY|O_NONBLOCK, as openIngest
// does, matches the original program's open mode: under O_NONBLOCK, an
// O_RDONLY open returns immediately even with no writer present, and every
// writer leaving afterward surfaces as a read() returning 0, which reopen
// answers in the spirit of the original's reopen-and-dup2-in-place response
// to a FIFO hangup; dup2 is what lets it keep the same fd value the
// registry and epoll already know about.
type Ingest struct {
	path    string
	fd      int
	partial []byte
}

// openIngest creates the FIFO at path (and its containing directory) if
// they do not exist, rejects a pre-existing non-FIFO at path as a fatal
// configuration error (spec §4.3/§7), then opens it read-only and
// non-blocking, matching the original program's open mode.
func openIngest(path string) (*Ingest, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("mkdir %s: %w", filepath.Dir(path), err)
	}

	var stat unix.Stat_t
	if err := unix.Stat(path, &stat); err != nil {
		if err != unix.ENOENT {
			return nil, fmt.Errorf("stat %s: %w", path, err)
		}
		if err := unix.Mkfifo(path, 0600); err != nil && err != unix.EEXIST {
			return nil, fmt.Errorf("mkfifo %s: %w", path, err)
		}
	} else if stat.Mode&unix.S_IFMT != unix.S_IFIFO {
		return nil, fmt.Errorf("%s exists and is not a FIFO", path)
	}

	fd, err := unix.Open(path, unix.O_RDONLY|unix.O_NONBLOCK|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}

	return &Ingest{path: path, fd: fd}, nil
}

// FD implements Record.
func (in *Ingest) FD() int { return in.fd }

// readLines drains whatever is currently available and returns the
// complete "\n"-terminated lines found, buffering any trailing partial
// line for the next call, including across a reopen caused by every writer
// closing. Lines are returned unfiltered; checking them against AcceptLine
// is left to the caller.
func (in *Ingest) readLines() ([]string, error) {
	buf := make([]byte, 4096)
	var lines []string

	for {
		n, err := unix.Read(in.fd, buf)
		if err != nil {
			if err == unix.EAGAIN {
				return lines, nil
			}
			return lines, fmt.Errorf("read %s: %w", in.path, err)
		}
		if n == 0 {
			// Every writer closed; reopen in place so future writers still
			// reach the same fd identity the registry and epoll know about.
			// The trailing fragment is kept for the next writer's data.
			partial := in.partial
			if err := in.reopen(); err != nil {
				return lines, err
			}
			in.partial = partial
			return lines, nil
		}

		in.partial = append(in.partial, buf[:n]...)
		for {
			idx := bytes.IndexByte(in.partial, '\n')
			if idx < 0 {
				break
			}
			line := string(in.partial[:idx])
			in.partial = in.partial[idx+1:]
			lines = append(lines, line)
		}
	}
}

// reopen re-opens the FIFO at path and dup2's the fresh descriptor onto
// in.fd, so the caller's registry entry and epoll registration (both keyed
// on the integer fd value) remain valid without any re-registration. It
// discards any buffered partial line.
func (in *Ingest) reopen() error {
	fresh, err := unix.Open(in.path, unix.O_RDONLY|unix.O_NONBLOCK|unix.O_CLOEXEC, 0)
	if err != nil {
		return fmt.Errorf("reopen %s: %w", in.path, err)
	}
	defer unix.Close(fresh)

	if err := unix.Dup2(fresh, in.fd); err != nil {
		return fmt.Errorf("dup2 reopen of %s: %w", in.path, err)
	}
	in.partial = nil
	return nil
}

func (in *Ingest) closeFD() error {
	return unix.Close(in.fd)
}

// Harvesters lists the names of every entry in dir other than the ingest
// FIFO itself, sorted for stable output. It is a startup-log convenience
// carried over from the original program's directory listing of harvester
// programs sitting next to the pipe; the engine never runs any of them, it
// only reports what it found, per spec §1's exclusion of harvesters from
// the core.
func Harvesters(dir, fifoPath string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read dir %s: %w", dir, err)
	}

	fifoName := filepath.Base(fifoPath)
	var names []string
	for _, ent := range entries {
		if ent.Name() == fifoName {
			continue
		}
		names = append(names, ent.Name())
	}
	sort.Strings(names)
	return names, nil
}
